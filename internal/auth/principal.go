package auth

import (
	"fmt"
	"sort"
)

// PermissionSet is the effective set of permission names of a user.
type PermissionSet map[string]struct{}

func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in lexical order.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Has is the authorization decision: does set grant permission.
func Has(set PermissionSet, permission string) bool {
	return set.Has(permission)
}

// Principal is an authenticated user with freshly resolved permissions.
type Principal struct {
	User        User
	Permissions PermissionSet
}

// HasPermission reports whether the principal may perform the action named by key.
func (p Principal) HasPermission(key string) bool {
	return Has(p.Permissions, key)
}

// Require returns an error wrapping ErrForbidden unless the principal holds key.
func (p Principal) Require(key string) error {
	if !p.HasPermission(key) {
		return fmt.Errorf("%w: %s lacks %s", ErrForbidden, p.User.Username, key)
	}
	return nil
}
