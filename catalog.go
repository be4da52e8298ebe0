package authz

import "sort"

// ============================================================================
// BUILT-IN ROLE CATALOG
// ============================================================================

// Catalog is the static, code-authored table of built-in roles: the product's
// non-negotiable baseline roles, not editable at runtime. Lookups are pure
// and side-effect-free so results can be synthesized into virtual statements
// repeatedly, and the table is immutable after construction so it needs no
// synchronization.
type Catalog struct {
	roles map[string]catalogEntry
}

type catalogEntry struct {
	// action pattern sets by scope; some roles behave differently at
	// system level than inside an organization
	org    []string
	system []string
}

// DefaultCatalog returns the baseline role table shipped with the product.
func DefaultCatalog() *Catalog {
	return &Catalog{roles: map[string]catalogEntry{
		"Admin": {
			org:    []string{"*"},
			system: []string{"*"},
		},
		"Tournament Manager": {
			org: []string{"tournament:*", "match:*", "bracket:*", "seed:*"},
		},
		"Scheduler": {
			org: []string{"schedule:*", "match:view", "match:reschedule"},
		},
		"Moderator": {
			org:    []string{"chat:*", "member:view", "member:mute", "match:report"},
			system: []string{"chat:*", "member:view"},
		},
		"Viewer": {
			org: []string{"tournament:view", "match:view", "schedule:view", "bracket:view"},
		},
	}}
}

// Actions returns the fixed action pattern set the named role grants within
// the given organization scope, or nil if the role name is unrecognized or
// the role grants nothing at that scope. The returned slice is a copy; the
// table itself is never exposed.
func (c *Catalog) Actions(name string, orgID int64) []string {
	entry, ok := c.roles[name]
	if !ok {
		return nil
	}
	src := entry.org
	if orgID == SystemOrg {
		src = entry.system
	}
	if len(src) == 0 {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Roles returns the sorted names of all built-in roles.
func (c *Catalog) Roles() []string {
	out := make([]string, 0, len(c.roles))
	for name := range c.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
