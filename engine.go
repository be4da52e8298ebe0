package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tourneyhub/authz/logger"
	"github.com/tourneyhub/authz/utils"
)

// ============================================================================
// DECISION ENGINE
// ============================================================================

// Engine is the policy decision point. It is a pure decision function over
// its stores plus one piece of shared mutable state, the decision cache; it
// never mutates policy, role, or membership data during evaluation.
type Engine struct {
	users        UserStore
	memberships  MembershipStore
	policies     PolicyStore
	catalog      *Catalog
	cache        DecisionCache
	cacheEnabled bool
	log          logger.Logger

	audit       AuditStore
	auditCh     chan AuditEntry
	auditWG     sync.WaitGroup
	auditClosed atomic.Bool
	closeOne    sync.Once
}

// NewEngine wires the engine to its stores. The decision cache defaults to an
// enabled in-process map; swap or disable it via SetDecisionCache and
// EnableDecisionCache before serving traffic.
func NewEngine(users UserStore, memberships MembershipStore, policies PolicyStore) *Engine {
	return &Engine{
		users:        users,
		memberships:  memberships,
		policies:     policies,
		catalog:      DefaultCatalog(),
		cache:        NewMemoryDecisionCache(),
		cacheEnabled: true,
		log:          logger.NewNullLogger(),
	}
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(l logger.Logger) {
	if l != nil {
		e.log = l
	}
}

// SetCatalog replaces the built-in role catalog.
func (e *Engine) SetCatalog(c *Catalog) {
	if c != nil {
		e.catalog = c
	}
}

// SetDecisionCache replaces the decision cache backend.
func (e *Engine) SetDecisionCache(c DecisionCache) {
	if c != nil {
		e.cache = c
	}
}

// EnableDecisionCache switches decision memoization on or off. When off,
// every call re-evaluates from scratch.
func (e *Engine) EnableDecisionCache(enabled bool) {
	e.cacheEnabled = enabled
}

// SetAuditStore attaches an audit store and starts the async audit worker.
// Entries are written off the request path through a buffered channel.
func (e *Engine) SetAuditStore(store AuditStore) {
	if store == nil {
		return
	}
	e.audit = store
	e.auditCh = make(chan AuditEntry, 1024)
	e.auditWG.Add(1)
	go func() {
		defer e.auditWG.Done()
		bg := context.Background()
		for entry := range e.auditCh {
			if err := e.audit.LogDecision(bg, &entry); err != nil {
				e.log.Error("audit write failed", "error", err.Error())
			}
		}
	}()
}

// Close flushes the audit worker. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOne.Do(func() {
		e.auditClosed.Store(true)
		if e.auditCh != nil {
			close(e.auditCh)
			e.auditWG.Wait()
		}
	})
}

// InvalidateDecisionCache flushes all memoized decisions, if the configured
// cache supports it.
func (e *Engine) InvalidateDecisionCache(ctx context.Context) error {
	if inv, ok := e.cache.(CacheInvalidator); ok {
		return inv.InvalidateDecisions(ctx)
	}
	return nil
}

// Evaluate decides whether the request's user may perform the action on the
// resource within the organization. Policy outcomes, including "user not
// found" and "not a member", are communicated through the Decision; only
// infrastructure failures return an error.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	key := DecisionKey{UserID: req.UserID, OrgID: req.OrgID, Action: req.Action, Resource: req.Resource}

	// 1. Cache check
	if e.cacheEnabled {
		if allowed, ok := e.cache.Get(ctx, key); ok {
			return e.terminal(req, allowed, ReasonCached), nil
		}
	}

	// 2. Identity resolution. Absence is a deny outcome, not a fault, and
	// is not cached.
	user, err := e.users.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.terminal(req, false, ReasonUserNotFound), nil
		}
		return nil, fmt.Errorf("load user %d: %w", req.UserID, err)
	}

	// 3. Global bypass: the top administrative tier skips all
	// organization-scoped evaluation. Not cached; the outcome is
	// identity-invariant anyway.
	if user.Level >= LevelSuperAdmin {
		return e.terminal(req, true, ReasonGlobalBypass), nil
	}

	// 4. Membership gate
	membership, err := e.memberships.GetMembership(ctx, req.UserID, req.OrgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.terminal(req, false, reasonNotMember(req.OrgID)), nil
		}
		return nil, fmt.Errorf("load membership user=%d org=%d: %w", req.UserID, req.OrgID, err)
	}

	// 5. Aggregation
	statements, err := e.collectStatements(ctx, membership, req)
	if err != nil {
		return nil, err
	}

	// 6. Matching pass
	var allowIDs, denyIDs []int64
	for _, st := range statements {
		if !matchAny(req.Action, st.Actions) {
			continue
		}
		if !matchAny(req.Resource, st.Resources) {
			continue
		}
		// st.Condition is carried but not evaluated; a future condition
		// check slots in here before the effect is counted.
		switch st.Effect {
		case EffectDeny:
			denyIDs = append(denyIDs, st.ID)
		case EffectAllow:
			allowIDs = append(allowIDs, st.ID)
		}
	}

	// 7. Resolution: deny-wins, then allow, then default deny. Only fully
	// resolved outcomes are cached, and only after resolution completes.
	var dec *Decision
	switch {
	case len(denyIDs) > 0:
		dec = &Decision{Allowed: false, Reason: ReasonExplicitDeny, MatchedPolicies: denyIDs, Timestamp: time.Now()}
	case len(allowIDs) > 0:
		dec = &Decision{Allowed: true, Reason: ReasonPolicyAllow, MatchedPolicies: allowIDs, Timestamp: time.Now()}
	default:
		dec = &Decision{Allowed: false, Reason: ReasonNoMatch, MatchedPolicies: []int64{}, Timestamp: time.Now()}
	}
	if e.cacheEnabled {
		e.cache.Set(ctx, key, dec.Allowed)
	}
	e.auditDecision(req, dec)
	e.log.Debug("authorization decision",
		"user", req.UserID, "org", req.OrgID,
		"action", req.Action, "resource", req.Resource,
		"allowed", dec.Allowed, "reason", dec.Reason)
	return dec, nil
}

// terminal builds a short-circuit decision. These carry no matched statement
// ids and, apart from cache hits, are never read back from the cache.
func (e *Engine) terminal(req Request, allowed bool, reason string) *Decision {
	dec := &Decision{Allowed: allowed, Reason: reason, MatchedPolicies: []int64{}, Timestamp: time.Now()}
	if reason != ReasonCached {
		e.auditDecision(req, dec)
	}
	e.log.Debug("authorization decision",
		"user", req.UserID, "org", req.OrgID,
		"action", req.Action, "resource", req.Resource,
		"allowed", allowed, "reason", reason)
	return dec
}

// collectStatements assembles every policy statement applicable to the
// request, in a fixed order: built-in role grants (as virtual statements),
// then custom-role statements, then direct user statements. Deny-wins makes
// the final decision order-independent; the order exists for debuggability.
func (e *Engine) collectStatements(ctx context.Context, m *Membership, req Request) ([]*Statement, error) {
	out := make([]*Statement, 0, 8)
	for _, ra := range m.Roles {
		switch ra.Kind {
		case RoleBuiltIn:
			actions := e.catalog.Actions(ra.Name, req.OrgID)
			if len(actions) == 0 {
				continue
			}
			// a virtual statement is only synthesized when the
			// requested action matches the role's grants; the match
			// pass repeats the check but this gate keeps unrelated
			// roles out of the candidate set
			if !matchAny(req.Action, actions) {
				continue
			}
			out = append(out, NewVirtualStatement(actions))
		case RoleCustom:
			stmts, err := e.policies.ListRoleStatements(ctx, ra.RoleID)
			if err != nil {
				return nil, fmt.Errorf("list statements for role %d: %w", ra.RoleID, err)
			}
			out = append(out, stmts...)
		}
	}
	direct, err := e.policies.ListUserStatements(ctx, req.UserID, req.OrgID)
	if err != nil {
		return nil, fmt.Errorf("list statements for user %d org %d: %w", req.UserID, req.OrgID, err)
	}
	out = append(out, direct...)
	return out, nil
}

// matchAny reports whether value matches at least one pattern in the set.
func matchAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if utils.Match(value, p) {
			return true
		}
	}
	return false
}

func (e *Engine) auditDecision(req Request, dec *Decision) {
	if e.auditCh == nil || e.auditClosed.Load() {
		return
	}
	entry := AuditEntry{
		Timestamp:       dec.Timestamp,
		UserID:          req.UserID,
		OrgID:           req.OrgID,
		Action:          req.Action,
		Resource:        req.Resource,
		Allowed:         dec.Allowed,
		Reason:          dec.Reason,
		MatchedPolicies: append([]int64(nil), dec.MatchedPolicies...),
	}
	select {
	case e.auditCh <- entry:
	default:
		// audit is best-effort; never block the decision path
	}
}

// ListEffectivePermissions enumerates the action patterns currently granted
// to a user within an organization, for UI gating. Deny statements and the
// membership gate still apply at evaluation time; this is an allow-side view.
func (e *Engine) ListEffectivePermissions(ctx context.Context, userID, orgID int64) ([]string, error) {
	membership, err := e.memberships.GetMembership(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load membership user=%d org=%d: %w", userID, orgID, err)
	}
	seen := make(map[string]bool)
	for _, ra := range membership.Roles {
		switch ra.Kind {
		case RoleBuiltIn:
			for _, a := range e.catalog.Actions(ra.Name, orgID) {
				seen[a] = true
			}
		case RoleCustom:
			stmts, err := e.policies.ListRoleStatements(ctx, ra.RoleID)
			if err != nil {
				return nil, fmt.Errorf("list statements for role %d: %w", ra.RoleID, err)
			}
			for _, st := range stmts {
				if st.Effect != EffectAllow {
					continue
				}
				for _, a := range st.Actions {
					seen[a] = true
				}
			}
		}
	}
	direct, err := e.policies.ListUserStatements(ctx, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list statements for user %d org %d: %w", userID, orgID, err)
	}
	for _, st := range direct {
		if st.Effect != EffectAllow {
			continue
		}
		for _, a := range st.Actions {
			seen[a] = true
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// ============================================================================
// ADMINISTRATIVE OPERATIONS
// ============================================================================

// Mutations routed through the engine flush the decision cache so subsequent
// evaluations see the change. Writing to the stores directly leaves stale
// decisions in place until the cache is invalidated or the process restarts.

func (e *Engine) CreateStatement(ctx context.Context, s *Statement) error {
	if !s.Effect.Valid() {
		return fmt.Errorf("invalid effect %q", s.Effect)
	}
	if err := e.policies.CreateStatement(ctx, s); err != nil {
		return err
	}
	return e.InvalidateDecisionCache(ctx)
}

func (e *Engine) UpdateStatement(ctx context.Context, s *Statement) error {
	if !s.Effect.Valid() {
		return fmt.Errorf("invalid effect %q", s.Effect)
	}
	if err := e.policies.UpdateStatement(ctx, s); err != nil {
		return err
	}
	return e.InvalidateDecisionCache(ctx)
}

func (e *Engine) DeleteStatement(ctx context.Context, id int64) error {
	if err := e.policies.DeleteStatement(ctx, id); err != nil {
		return err
	}
	return e.InvalidateDecisionCache(ctx)
}

func (e *Engine) AttachStatementToRole(ctx context.Context, roleID, statementID int64) error {
	if err := e.policies.AttachToRole(ctx, roleID, statementID); err != nil {
		return err
	}
	return e.InvalidateDecisionCache(ctx)
}

func (e *Engine) DetachStatementFromRole(ctx context.Context, roleID, statementID int64) error {
	if err := e.policies.DetachFromRole(ctx, roleID, statementID); err != nil {
		return err
	}
	return e.InvalidateDecisionCache(ctx)
}

func (e *Engine) AssignStatementToUser(ctx context.Context, userID, orgID, statementID int64) error {
	if err := e.policies.AssignToUser(ctx, userID, orgID, statementID); err != nil {
		return err
	}
	return e.InvalidateDecisionCache(ctx)
}

func (e *Engine) UnassignStatementFromUser(ctx context.Context, userID, orgID, statementID int64) error {
	if err := e.policies.UnassignFromUser(ctx, userID, orgID, statementID); err != nil {
		return err
	}
	return e.InvalidateDecisionCache(ctx)
}
