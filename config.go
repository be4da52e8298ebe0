package authz

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is the declarative form of the full policy surface: identities,
// organizations, custom roles, statements, memberships, and linkage. It seeds
// stores; the built-in role catalog is code-authored and never part of it.
type Config struct {
	Version       int                `json:"version" yaml:"version"`
	Users         []UserConfig       `json:"users" yaml:"users"`
	Organizations []OrgConfig        `json:"organizations" yaml:"organizations"`
	Roles         []RoleConfig       `json:"roles" yaml:"roles"`
	Statements    []StatementConfig  `json:"statements" yaml:"statements"`
	Memberships   []MembershipConfig `json:"memberships" yaml:"memberships"`
	UserPolicies  []UserPolicyConfig `json:"user_policies" yaml:"user_policies"`
	Engine        EngineConfig       `json:"engine" yaml:"engine"`
}

type UserConfig struct {
	ID    int64  `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Level string `json:"level" yaml:"level"` // user, moderator, admin, superadmin
}

type OrgConfig struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type RoleConfig struct {
	ID         int64   `json:"id" yaml:"id"`
	OrgID      int64   `json:"org_id" yaml:"org_id"`
	Name       string  `json:"name" yaml:"name"`
	Statements []int64 `json:"statements" yaml:"statements"`
}

type StatementConfig struct {
	ID        int64          `json:"id" yaml:"id"`
	Effect    Effect         `json:"effect" yaml:"effect"`
	Actions   []string       `json:"actions" yaml:"actions"`
	Resources []string       `json:"resources" yaml:"resources"`
	Condition map[string]any `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type MembershipConfig struct {
	UserID       int64    `json:"user_id" yaml:"user_id"`
	OrgID        int64    `json:"org_id" yaml:"org_id"`
	BuiltinRoles []string `json:"builtin_roles" yaml:"builtin_roles"`
	CustomRoles  []int64  `json:"custom_roles" yaml:"custom_roles"`
}

type UserPolicyConfig struct {
	UserID     int64   `json:"user_id" yaml:"user_id"`
	OrgID      int64   `json:"org_id" yaml:"org_id"`
	Statements []int64 `json:"statements" yaml:"statements"`
}

type EngineConfig struct {
	CacheEnabled        *bool  `json:"cache_enabled,omitempty" yaml:"cache_enabled,omitempty"`
	CacheBackend        string `json:"cache_backend,omitempty" yaml:"cache_backend,omitempty"` // memory (default) or ristretto
	RistrettoNumCounter int64  `json:"ristretto_num_counter,omitempty" yaml:"ristretto_num_counter,omitempty"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBuffer     int64  `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks referential integrity and field constraints.
func (c *Config) Validate() error {
	if _, err := c.levels(); err != nil {
		return err
	}
	stmts := make(map[int64]bool, len(c.Statements))
	for _, st := range c.Statements {
		if st.ID <= 0 {
			return fmt.Errorf("statement ids must be positive, got %d", st.ID)
		}
		if stmts[st.ID] {
			return fmt.Errorf("duplicate statement id %d", st.ID)
		}
		if !st.Effect.Valid() {
			return fmt.Errorf("statement %d: invalid effect %q", st.ID, st.Effect)
		}
		if len(st.Actions) == 0 {
			return fmt.Errorf("statement %d: no action patterns", st.ID)
		}
		stmts[st.ID] = true
	}
	roles := make(map[int64]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.ID <= 0 {
			return fmt.Errorf("role ids must be positive, got %d", r.ID)
		}
		if roles[r.ID] {
			return fmt.Errorf("duplicate role id %d", r.ID)
		}
		roles[r.ID] = true
		for _, id := range r.Statements {
			if !stmts[id] {
				return fmt.Errorf("role %d references unknown statement %d", r.ID, id)
			}
		}
	}
	for _, m := range c.Memberships {
		if m.OrgID < 0 {
			return fmt.Errorf("membership user=%d: negative org id %d", m.UserID, m.OrgID)
		}
		for _, id := range m.CustomRoles {
			if !roles[id] {
				return fmt.Errorf("membership user=%d org=%d references unknown role %d", m.UserID, m.OrgID, id)
			}
		}
	}
	for _, up := range c.UserPolicies {
		for _, id := range up.Statements {
			if !stmts[id] {
				return fmt.Errorf("user policy user=%d org=%d references unknown statement %d", up.UserID, up.OrgID, id)
			}
		}
	}
	return nil
}

// levels resolves user level names, failing on unknown names.
func (c *Config) levels() (map[int64]GlobalLevel, error) {
	out := make(map[int64]GlobalLevel, len(c.Users))
	for _, u := range c.Users {
		lvl, err := ParseGlobalLevel(u.Level)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", u.ID, err)
		}
		out[u.ID] = lvl
	}
	return out, nil
}

// ApplyConfig seeds the engine's stores from cfg and applies engine settings.
// The configured stores must support writes (the memory and SQL stores do).
// The decision cache is flushed afterwards.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if cfg.Engine.CacheBackend == "ristretto" {
		cache, err := NewRistrettoDecisionCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer)
		if err != nil {
			return err
		}
		e.SetDecisionCache(cache)
	}
	if cfg.Engine.CacheEnabled != nil {
		e.EnableDecisionCache(*cfg.Engine.CacheEnabled)
	}

	levels, err := cfg.levels()
	if err != nil {
		return err
	}
	uw, ok := e.users.(UserWriter)
	if !ok {
		return fmt.Errorf("user store does not support seeding")
	}
	for _, u := range cfg.Users {
		if err := uw.PutUser(ctx, &User{ID: u.ID, Name: u.Name, Level: levels[u.ID]}); err != nil {
			return fmt.Errorf("seed user %d: %w", u.ID, err)
		}
	}

	for _, st := range cfg.Statements {
		var cond json.RawMessage
		if len(st.Condition) > 0 {
			cond, err = json.Marshal(st.Condition)
			if err != nil {
				return fmt.Errorf("statement %d condition: %w", st.ID, err)
			}
		}
		stmt := &Statement{ID: st.ID, Effect: st.Effect, Actions: st.Actions, Resources: st.Resources, Condition: cond}
		if len(stmt.Resources) == 0 {
			stmt.Resources = []string{"*"}
		}
		if err := e.policies.CreateStatement(ctx, stmt); err != nil {
			return fmt.Errorf("seed statement %d: %w", st.ID, err)
		}
	}

	for _, r := range cfg.Roles {
		for _, id := range r.Statements {
			if err := e.policies.AttachToRole(ctx, r.ID, id); err != nil {
				return fmt.Errorf("attach statement %d to role %d: %w", id, r.ID, err)
			}
		}
	}

	mw, ok := e.memberships.(MembershipWriter)
	if !ok {
		return fmt.Errorf("membership store does not support seeding")
	}
	for _, m := range cfg.Memberships {
		assignments := make([]RoleAssignment, 0, len(m.BuiltinRoles)+len(m.CustomRoles))
		for _, name := range m.BuiltinRoles {
			assignments = append(assignments, RoleAssignment{Kind: RoleBuiltIn, Name: name})
		}
		for _, id := range m.CustomRoles {
			assignments = append(assignments, RoleAssignment{Kind: RoleCustom, RoleID: id})
		}
		if err := mw.PutMembership(ctx, &Membership{UserID: m.UserID, OrgID: m.OrgID, Roles: assignments}); err != nil {
			return fmt.Errorf("seed membership user=%d org=%d: %w", m.UserID, m.OrgID, err)
		}
	}

	for _, up := range cfg.UserPolicies {
		for _, id := range up.Statements {
			if err := e.policies.AssignToUser(ctx, up.UserID, up.OrgID, id); err != nil {
				return fmt.Errorf("assign statement %d to user %d: %w", id, up.UserID, err)
			}
		}
	}

	return e.InvalidateDecisionCache(ctx)
}
