// Package nodeid manipulates test node identifiers of the form
// "pkg/path/file_test.go::Suite::TestName". Identifiers name tests
// across runs, so everything here is a pure function of its inputs.
package nodeid

import "strings"

// Separator joins the components of a node identifier.
const Separator = "::"

// Shorten compacts a node identifier for use in object names: the
// file component loses its "tests/" prefix and "_test.go" suffix and
// its slashes become separators, and suite and test components lose
// their "Test" prefix.
func Shorten(id string) string {
	components := strings.Split(id, Separator)
	var short []string
	for i, c := range components {
		if i == 0 {
			c = strings.TrimPrefix(c, "tests/")
			c = strings.TrimSuffix(c, "_test.go")
			c = strings.TrimSuffix(c, ".go")
			c = strings.ReplaceAll(c, "/", Separator)
		} else {
			c = strings.TrimPrefix(c, "Test")
		}
		short = append(short, c)
	}
	return strings.Join(short, Separator)
}

// ExpandScopeRelative resolves id against the identifier of the
// referencing test, according to the sharing scope id was declared
// at. A leading separator marks id as relative; absolute identifiers
// pass through untouched.
//
// Scopes widen the base that relative identifiers resolve against:
// "session" and "package" have no base (a relative id is invalid
// there), "module" resolves against the referencing file, "class"
// against the referencing file and suite.
func ExpandScopeRelative(id, scope, ref string) string {
	if !strings.HasPrefix(id, Separator) {
		return id
	}
	refComponents := strings.Split(ref, Separator)
	var base []string
	switch scope {
	case "module":
		base = refComponents[:1]
	case "class":
		if len(refComponents) < 2 {
			base = refComponents
		} else {
			base = refComponents[:2]
		}
	default:
		// session and package scopes have no base to resolve against.
		return id
	}
	return strings.Join(base, Separator) + id
}

// CacheKey derives the identity of a cached VM image: the test that
// built the image, the VM it was built for, and the revision of the
// code that built it. Keys can be remapped through an equivalence
// table to deliberately alias one image to another.
func CacheKey(imageTest, imageVM, imageScope, refNodeID, gitRev string, equivs map[string]string) string {
	id := Shorten(ExpandScopeRelative(imageTest, imageScope, refNodeID))
	key := id + "-" + imageVM + "-" + gitRev
	if mapped, ok := equivs[key]; ok {
		return mapped
	}
	return key
}
