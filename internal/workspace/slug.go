package workspace

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fallbackDirName is used when a display name slugifies to nothing.
const fallbackDirName = "unnamed_project"

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// NameToDir slugifies a display name into a filesystem-safe directory
// name: lowercased, diacritics stripped to plain ASCII, runs of anything
// else collapsed to single underscores, no leading or trailing underscore.
func NameToDir(name string) string {
	lowered := strings.ToLower(name)

	// Decompose and drop combining marks, so "müller" becomes "muller".
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := transform.String(stripMarks, lowered)
	if err != nil {
		ascii = lowered
	}

	slug := strings.Trim(nonSlugRe.ReplaceAllString(ascii, "_"), "_")
	if slug == "" {
		return fallbackDirName
	}
	return slug
}

// NameToPath picks the directory for a workspace named name. When
// suggestedDir does not exist it is used as-is. When it is an existing
// directory, a name-derived subdirectory is chosen, retrying with a random
// numeric suffix until a free path is found.
func NameToPath(name, suggestedDir string) (string, error) {
	absDir, err := filepath.Abs(suggestedDir)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", suggestedDir, err)
	}

	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return absDir, nil
		}
		return "", fmt.Errorf("stat %q: %w", absDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("destination %q exists", absDir)
	}

	subdir := NameToDir(name)
	ext := ""
	for {
		dir := filepath.Join(absDir, subdir+ext)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return dir, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		ext = fmt.Sprintf("_%d", rand.Intn(1<<16))
	}
}
