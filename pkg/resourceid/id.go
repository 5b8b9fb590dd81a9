// Package resourceid parses and formats hierarchical resource identities of the
// form /group/{group}/type/{type}/name/{name}.
package resourceid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentity is returned when an identifier does not match the identity grammar.
var ErrInvalidIdentity = errors.New("invalid resource identity")

const segment = `[A-Za-z0-9._()\-]+`

var (
	exactPattern    = regexp.MustCompile(`^/group/(` + segment + `)/type/(` + segment + `)/name/(` + segment + `)$`)
	embeddedPattern = regexp.MustCompile(`/group/` + segment + `/type/` + segment + `/name/` + segment)
	segmentPattern  = regexp.MustCompile(`^` + segment + `$`)
)

// ID is a parsed resource identity.
type ID struct {
	Group string
	Type  string
	Name  string
}

// Parse validates s against the identity grammar.
func Parse(s string) (ID, error) {
	m := exactPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	return ID{Group: m[1], Type: m[2], Name: m[3]}, nil
}

// New builds an ID from its parts, validating every segment.
func New(group, resourceType, name string) (ID, error) {
	for label, v := range map[string]string{"group": group, "type": resourceType, "name": name} {
		if !segmentPattern.MatchString(v) {
			return ID{}, fmt.Errorf("%w: bad %s segment %q", ErrInvalidIdentity, label, v)
		}
	}
	return ID{Group: group, Type: resourceType, Name: name}, nil
}

// Format is New followed by String.
func Format(group, resourceType, name string) (string, error) {
	id, err := New(group, resourceType, name)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustFormat panics on an invalid identity. Intended for tests and constants.
func MustFormat(group, resourceType, name string) string {
	s, err := Format(group, resourceType, name)
	if err != nil {
		panic(err)
	}
	return s
}

// Valid reports whether s parses.
func Valid(s string) bool {
	return exactPattern.MatchString(strings.TrimSpace(s))
}

// String renders the canonical identity.
func (id ID) String() string {
	return "/group/" + id.Group + "/type/" + id.Type + "/name/" + id.Name
}

// FindAll returns every identity-shaped substring of s.
func FindAll(s string) []string {
	return embeddedPattern.FindAllString(s, -1)
}

// Owner returns the identity at the start of s, dropping any sub-resource
// suffix such as "/subnets/default".
func Owner(s string) (string, bool) {
	s = strings.TrimSpace(s)
	loc := embeddedPattern.FindStringIndex(s)
	if loc == nil || loc[0] != 0 {
		return "", false
	}
	if loc[1] < len(s) && s[loc[1]] != '/' {
		return "", false
	}
	return s[:loc[1]], true
}

// Key returns the form used to compare identities. Groups, types and names
// are case-insensitive in the cloud API, so identities are too. Strings
// that are not identities are returned unchanged.
func Key(s string) string {
	s = strings.TrimSpace(s)
	if !exactPattern.MatchString(s) {
		return s
	}
	return strings.ToLower(s)
}

// Equal reports whether a and b name the same resource.
func Equal(a, b string) bool {
	return Key(a) == Key(b)
}
