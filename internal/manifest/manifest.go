// Package manifest performs regex-level edits on Guix manifest and channel
// files. The files are Scheme, but the engine only ever touches the
// specifications->manifest package list and channel commit pins, so a real
// Scheme parser is not warranted.
package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

// Default is the manifest a workspace starts with before the first
// package is added.
const Default = "(specifications->manifest\n  '())\n"

var (
	specListRe   = regexp.MustCompile(`(?s)\(specifications->manifest\s+'\((.*)\)\)`)
	quotedSpecRe = regexp.MustCompile(`"([^"]*)"`)
	commitPinRe  = regexp.MustCompile(`\(commit\s+"[a-f0-9]+"\s*\)`)
)

// Modify applies specs to the package list inside manifest. Each spec is
// prefixed by + (add, idempotent) or - (remove); an unprefixed spec
// replaces the whole list. Returns an error when manifest does not contain
// a specifications->manifest form.
func Modify(manifestText string, specs []string) (string, error) {
	loc := specListRe.FindStringSubmatchIndex(manifestText)
	if loc == nil {
		return "", fmt.Errorf("cannot parse manifest: no specifications->manifest form")
	}

	inner := manifestText[loc[2]:loc[3]]
	packages := quotedSpecRe.FindAllStringSubmatch(inner, -1)
	list := make([]string, 0, len(packages))
	for _, m := range packages {
		list = append(list, m[1])
	}

	for _, spec := range specs {
		switch {
		case strings.HasPrefix(spec, "+"):
			name := spec[1:]
			if !contains(list, name) {
				list = append(list, name)
			}
		case strings.HasPrefix(spec, "-"):
			list = remove(list, spec[1:])
		default:
			list = []string{spec}
		}
	}

	quoted := make([]string, len(list))
	for i, name := range list {
		quoted[i] = `"` + name + `"`
	}
	return manifestText[:loc[2]] + strings.Join(quoted, " ") + manifestText[loc[3]:], nil
}

// Packages returns the package list of manifest, or an error when the
// specifications->manifest form is absent.
func Packages(manifestText string) ([]string, error) {
	m := specListRe.FindStringSubmatch(manifestText)
	if m == nil {
		return nil, fmt.Errorf("cannot parse manifest: no specifications->manifest form")
	}
	var list []string
	for _, q := range quotedSpecRe.FindAllStringSubmatch(m[1], -1) {
		list = append(list, q[1])
	}
	return list, nil
}

// UnpinChannels removes commit pins from a channels file, so the next
// binary refresh resolves the latest revision of every channel.
func UnpinChannels(channelText string) string {
	return commitPinRe.ReplaceAllString(channelText, "")
}

func contains(list []string, name string) bool {
	for _, e := range list {
		if e == name {
			return true
		}
	}
	return false
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, e := range list {
		if e != name {
			out = append(out, e)
		}
	}
	return out
}
