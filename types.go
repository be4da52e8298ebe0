package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect represents the polarity of a policy statement
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Valid reports whether the effect is one of the two known polarities.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// GlobalLevel is the cross-organization permission rank carried on a user.
// Levels are ordered; holding the top tier bypasses organization-scoped
// policy evaluation entirely.
type GlobalLevel int

const (
	LevelUser GlobalLevel = iota
	LevelModerator
	LevelAdmin
	LevelSuperAdmin
)

func (l GlobalLevel) String() string {
	switch l {
	case LevelUser:
		return "user"
	case LevelModerator:
		return "moderator"
	case LevelAdmin:
		return "admin"
	case LevelSuperAdmin:
		return "superadmin"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseGlobalLevel parses a level name as used in config files.
func ParseGlobalLevel(s string) (GlobalLevel, error) {
	switch s {
	case "", "user":
		return LevelUser, nil
	case "moderator":
		return LevelModerator, nil
	case "admin":
		return LevelAdmin, nil
	case "superadmin", "super_admin":
		return LevelSuperAdmin, nil
	}
	return LevelUser, fmt.Errorf("unknown global level: %q", s)
}

// SystemOrg is the reserved organization scope for system/global rules.
// Real organizations have positive ids.
const SystemOrg int64 = 0

// User is the identity record the engine evaluates against.
type User struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Level     GlobalLevel `json:"level"`
	CreatedAt time.Time   `json:"created_at"`
}

// VirtualStatementID marks a statement synthesized from the built-in role
// catalog rather than read from storage. Persisted statements always have
// positive ids, so the sentinel can never collide with a real row.
const VirtualStatementID int64 = -1

// Statement is a single policy statement: an effect plus the action and
// resource patterns it applies to. The condition payload is stored and
// round-tripped but not evaluated.
type Statement struct {
	ID        int64           `json:"id"`
	Effect    Effect          `json:"effect"`
	Actions   []string        `json:"actions"`
	Resources []string        `json:"resources"`
	Condition json.RawMessage `json:"condition,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewVirtualStatement synthesizes the in-memory ALLOW statement representing
// a built-in role's grants. Built-in roles are org-wide, so the resource
// pattern set is always ["*"].
func NewVirtualStatement(actions []string) *Statement {
	return &Statement{
		ID:        VirtualStatementID,
		Effect:    EffectAllow,
		Actions:   actions,
		Resources: []string{"*"},
	}
}

// IsVirtual reports whether the statement was synthesized from the built-in
// role catalog rather than loaded from storage.
func (s *Statement) IsVirtual() bool {
	return s.ID == VirtualStatementID
}

// RoleKind tags a role assignment as built-in (resolved via the static
// catalog) or custom (resolved via persisted statement links).
type RoleKind uint8

const (
	RoleBuiltIn RoleKind = iota + 1
	RoleCustom
)

// RoleAssignment links a membership to one role. Exactly one of Name
// (RoleBuiltIn) or RoleID (RoleCustom) is meaningful, selected by Kind.
type RoleAssignment struct {
	Kind   RoleKind `json:"kind"`
	Name   string   `json:"name,omitempty"`
	RoleID int64    `json:"role_id,omitempty"`
}

// Role is an organization-defined custom role. Its permissions come entirely
// from linked policy statements; built-in roles never appear here.
type Role struct {
	ID        int64     `json:"id"`
	OrgID     int64     `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership associates a user with an organization. Its existence is the
// gate for whether the user is evaluated against that organization's
// policies at all.
type Membership struct {
	UserID    int64            `json:"user_id"`
	OrgID     int64            `json:"org_id"`
	Roles     []RoleAssignment `json:"roles"`
	CreatedAt time.Time        `json:"created_at"`
}

// Request is the authorization context for a single evaluation: who wants to
// perform which action on which resource, within which organization.
type Request struct {
	UserID   int64  `json:"user_id"`
	OrgID    int64  `json:"org_id"`
	Action   string `json:"action"`   // colon-namespaced, e.g. "tournament:create"
	Resource string `json:"resource"` // colon-namespaced, e.g. "tournament:123", or "*"
}

// Decision is the outcome of one evaluation. MatchedPolicies holds the ids of
// the statements that drove the decision; virtual statements contribute
// VirtualStatementID. Short-circuit paths (cache hit, bypass, gates) report
// an empty list since no discrete statement wins there.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason"`
	MatchedPolicies []int64   `json:"matched_policies"`
	Timestamp       time.Time `json:"timestamp"`
}

// Decision reasons. Policy decisions are communicated through these, never
// through errors; infrastructure failures propagate as errors instead.
const (
	ReasonCached       = "Cached result"
	ReasonUserNotFound = "User not found"
	ReasonGlobalBypass = "Global ADMIN bypass"
	ReasonExplicitDeny = "Access explicitly denied by policy"
	ReasonPolicyAllow  = "Access allowed by policy"
	ReasonNoMatch      = "No policy grants access"
)

func reasonNotMember(orgID int64) string {
	return fmt.Sprintf("Not a member of organization %d", orgID)
}

// ErrNotFound marks a lookup that found no row. Stores wrap it so callers can
// distinguish "absent" (a legitimate deny outcome) from an infrastructure
// failure via errors.Is.
var ErrNotFound = errors.New("not found")

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// UserStore resolves identities.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
}

// MembershipStore resolves (user, organization) memberships together with
// their role assignments.
type MembershipStore interface {
	GetMembership(ctx context.Context, userID, orgID int64) (*Membership, error)
}

// PolicyStore manages policy statements and their linkage to custom roles and
// directly to users. The engine only reads; the mutation methods exist for
// administrative flows and config seeding.
type PolicyStore interface {
	CreateStatement(ctx context.Context, s *Statement) error
	UpdateStatement(ctx context.Context, s *Statement) error
	DeleteStatement(ctx context.Context, id int64) error
	GetStatement(ctx context.Context, id int64) (*Statement, error)
	ListRoleStatements(ctx context.Context, roleID int64) ([]*Statement, error)
	ListUserStatements(ctx context.Context, userID, orgID int64) ([]*Statement, error)
	AttachToRole(ctx context.Context, roleID, statementID int64) error
	DetachFromRole(ctx context.Context, roleID, statementID int64) error
	AssignToUser(ctx context.Context, userID, orgID, statementID int64) error
	UnassignFromUser(ctx context.Context, userID, orgID, statementID int64) error
}

// Writer interfaces implemented by stores that support seeding from config.

type UserWriter interface {
	PutUser(ctx context.Context, u *User) error
}

type MembershipWriter interface {
	PutMembership(ctx context.Context, m *Membership) error
}

type RoleWriter interface {
	PutRole(ctx context.Context, r *Role) error
}
