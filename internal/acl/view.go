package acl

import "strings"

// View is an abstract snapshot of the permissions on a path. Bits are
// rendered as subsets of "rwx"; the owning user additionally carries "Tt"
// (sticky, keep-others-files semantics). Named users and groups are kept
// apart from the owning entries because they have different removal
// semantics: named entries can be deleted, owning entries cannot.
type View struct {
	Owner     string
	OwnerBits string

	Group     string
	GroupBits string

	// Named principals from explicit ACL entries.
	Users  map[string]string
	Groups map[string]string

	// Other holds the world-class rights.
	Other string
}

func newView() View {
	return View{
		Users:  make(map[string]string),
		Groups: make(map[string]string),
	}
}

// foldOther adds the world-class bits into every listed principal's
// effective rights. Filesystem permission classes are additive for a
// matching process, so a snapshot that kept "other" disjoint would
// under-report everyone else.
func (v *View) foldOther() {
	if v.Other == "" {
		return
	}
	v.OwnerBits = unionBits(v.OwnerBits, v.Other)
	v.GroupBits = unionBits(v.GroupBits, v.Other)
	for name, bits := range v.Users {
		v.Users[name] = unionBits(bits, v.Other)
	}
	for name, bits := range v.Groups {
		v.Groups[name] = unionBits(bits, v.Other)
	}
}

// Map renders the view for output formatting.
func (v View) Map() map[string]any {
	user := map[string]string{}
	if v.Owner != "" {
		user[v.Owner] = v.OwnerBits
	}
	group := map[string]string{}
	if v.Group != "" {
		group[v.Group] = v.GroupBits
	}
	return map[string]any{
		"user":  user,
		"group": group,
		"acl": map[string]any{
			"user":  v.Users,
			"group": v.Groups,
		},
		"other": v.Other,
	}
}

// unionBits merges two bit strings, keeping the canonical rwxTt order.
func unionBits(a, b string) string {
	out := ""
	for _, c := range "rwxTt" {
		if strings.ContainsRune(a, c) || strings.ContainsRune(b, c) {
			out += string(c)
		}
	}
	return out
}

// stripDashes normalizes a permset like "r-x" to "rx".
func stripDashes(s string) string {
	return strings.ReplaceAll(s, "-", "")
}
