package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testFixture struct {
	users       *MemoryUserStore
	memberships *MemoryMembershipStore
	policies    *MemoryPolicyStore
	engine      *Engine
}

func newFixture() *testFixture {
	f := &testFixture{
		users:       NewMemoryUserStore(),
		memberships: NewMemoryMembershipStore(),
		policies:    NewMemoryPolicyStore(),
	}
	f.engine = NewEngine(f.users, f.memberships, f.policies)
	return f
}

func (f *testFixture) addUser(t *testing.T, id int64, level GlobalLevel) {
	t.Helper()
	if err := f.users.PutUser(context.Background(), &User{ID: id, Level: level}); err != nil {
		t.Fatalf("put user: %v", err)
	}
}

func (f *testFixture) addMembership(t *testing.T, userID, orgID int64, roles ...RoleAssignment) {
	t.Helper()
	if err := f.memberships.PutMembership(context.Background(), &Membership{UserID: userID, OrgID: orgID, Roles: roles}); err != nil {
		t.Fatalf("put membership: %v", err)
	}
}

func (f *testFixture) addStatement(t *testing.T, st *Statement) int64 {
	t.Helper()
	if err := f.policies.CreateStatement(context.Background(), st); err != nil {
		t.Fatalf("create statement: %v", err)
	}
	return st.ID
}

func TestBuiltinRoleAllows(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Tournament Manager"})

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 1, OrgID: 5, Action: "tournament:create", Resource: "tournament:999"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow, got deny: %s", dec.Reason)
	}
	if dec.Reason != ReasonPolicyAllow {
		t.Fatalf("expected reason %q, got %q", ReasonPolicyAllow, dec.Reason)
	}
	if len(dec.MatchedPolicies) != 1 || dec.MatchedPolicies[0] != VirtualStatementID {
		t.Fatalf("expected matched [%d], got %v", VirtualStatementID, dec.MatchedPolicies)
	}
}

func TestBuiltinRoleDoesNotLeakAcrossNamespaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Tournament Manager"})

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 1, OrgID: 5, Action: "billing:view", Resource: "*"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected deny for unrelated namespace")
	}
	if dec.Reason != ReasonNoMatch {
		t.Fatalf("expected reason %q, got %q", ReasonNoMatch, dec.Reason)
	}
	if len(dec.MatchedPolicies) != 0 {
		t.Fatalf("expected no matched statements, got %v", dec.MatchedPolicies)
	}
}

func TestDenyWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 3, LevelUser)

	allowID := f.addStatement(t, &Statement{Effect: EffectAllow, Actions: []string{"tournament:*"}, Resources: []string{"*"}})
	denyID := f.addStatement(t, &Statement{Effect: EffectDeny, Actions: []string{"tournament:delete"}, Resources: []string{"*"}})
	if err := f.policies.AttachToRole(ctx, 10, allowID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := f.policies.AssignToUser(ctx, 3, 5, denyID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.addMembership(t, 3, 5, RoleAssignment{Kind: RoleCustom, RoleID: 10})

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 3, OrgID: 5, Action: "tournament:delete", Resource: "tournament:42"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected deny-wins, got allow")
	}
	if dec.Reason != ReasonExplicitDeny {
		t.Fatalf("expected reason %q, got %q", ReasonExplicitDeny, dec.Reason)
	}
	if len(dec.MatchedPolicies) != 1 || dec.MatchedPolicies[0] != denyID {
		t.Fatalf("expected matched [%d] (deny only), got %v", denyID, dec.MatchedPolicies)
	}

	// the allow statement still works where the deny does not apply
	dec2, err := f.engine.Evaluate(ctx, Request{UserID: 3, OrgID: 5, Action: "tournament:update", Resource: "tournament:42"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec2.Allowed {
		t.Fatalf("expected allow via custom role, got %s", dec2.Reason)
	}
	if len(dec2.MatchedPolicies) != 1 || dec2.MatchedPolicies[0] != allowID {
		t.Fatalf("expected matched [%d], got %v", allowID, dec2.MatchedPolicies)
	}
}

func TestDefaultDeny(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Tournament Manager"})

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 1, OrgID: 5, Action: "organization:delete", Resource: "organization:5"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected default deny")
	}
	if dec.Reason != ReasonNoMatch {
		t.Fatalf("expected reason %q, got %q", ReasonNoMatch, dec.Reason)
	}
}

func TestGlobalBypass(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	// super-admin with no membership anywhere, and an explicit deny that
	// would otherwise match
	f.addUser(t, 2, LevelSuperAdmin)
	denyID := f.addStatement(t, &Statement{Effect: EffectDeny, Actions: []string{"*"}, Resources: []string{"*"}})
	if err := f.policies.AssignToUser(ctx, 2, 5, denyID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 2, OrgID: 5, Action: "organization:delete", Resource: "organization:5"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected global bypass allow, got %s", dec.Reason)
	}
	if dec.Reason != ReasonGlobalBypass {
		t.Fatalf("expected reason %q, got %q", ReasonGlobalBypass, dec.Reason)
	}
	if len(dec.MatchedPolicies) != 0 {
		t.Fatalf("bypass must not report matched statements, got %v", dec.MatchedPolicies)
	}
}

func TestLowerGlobalLevelsDoNotBypass(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for _, level := range []GlobalLevel{LevelUser, LevelModerator, LevelAdmin} {
		f.addUser(t, 9, level)
		dec, err := f.engine.Evaluate(ctx, Request{UserID: 9, OrgID: 7, Action: "tournament:view", Resource: "*"})
		if err != nil {
			t.Fatalf("evaluate at %s: %v", level, err)
		}
		if dec.Allowed {
			t.Fatalf("level %s must not bypass", level)
		}
	}
}

func TestMembershipGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 4, LevelUser)

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 4, OrgID: 7, Action: "tournament:view", Resource: "tournament:1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected membership gate deny")
	}
	if dec.Reason != "Not a member of organization 7" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

func TestUserNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 12345, OrgID: 5, Action: "tournament:view", Resource: "*"})
	if err != nil {
		t.Fatalf("missing user must be a decision, not an error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected deny")
	}
	if dec.Reason != ReasonUserNotFound {
		t.Fatalf("expected reason %q, got %q", ReasonUserNotFound, dec.Reason)
	}
}

func TestDirectUserPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 6, LevelUser)
	f.addMembership(t, 6, 5)
	stID := f.addStatement(t, &Statement{Effect: EffectAllow, Actions: []string{"seed:generate"}, Resources: []string{"seed:*"}})
	if err := f.policies.AssignToUser(ctx, 6, 5, stID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 6, OrgID: 5, Action: "seed:generate", Resource: "seed:lttp-123"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow via direct policy, got %s", dec.Reason)
	}
	if len(dec.MatchedPolicies) != 1 || dec.MatchedPolicies[0] != stID {
		t.Fatalf("expected matched [%d], got %v", stID, dec.MatchedPolicies)
	}

	// same grant does not apply in another organization
	dec2, err := f.engine.Evaluate(ctx, Request{UserID: 6, OrgID: 9, Action: "seed:generate", Resource: "seed:lttp-123"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec2.Allowed {
		t.Fatalf("direct policy must be scoped to its organization")
	}
}

func TestResourcePatternScoping(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 6, LevelUser)
	f.addMembership(t, 6, 5)
	stID := f.addStatement(t, &Statement{Effect: EffectAllow, Actions: []string{"match:report"}, Resources: []string{"match:12*"}})
	if err := f.policies.AssignToUser(ctx, 6, 5, stID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	dec, _ := f.engine.Evaluate(ctx, Request{UserID: 6, OrgID: 5, Action: "match:report", Resource: "match:123"})
	if !dec.Allowed {
		t.Fatalf("expected allow for matching resource, got %s", dec.Reason)
	}
	f.engine.EnableDecisionCache(false)
	dec2, _ := f.engine.Evaluate(ctx, Request{UserID: 6, OrgID: 5, Action: "match:report", Resource: "match:456"})
	if dec2.Allowed {
		t.Fatalf("expected deny for non-matching resource")
	}
}

// countingUserStore wraps a UserStore and counts lookups, to observe whether
// an evaluation short-circuited at the cache.
type countingUserStore struct {
	inner UserStore
	mu    sync.Mutex
	calls int
}

func (c *countingUserStore) GetUser(ctx context.Context, id int64) (*User, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.GetUser(ctx, id)
}

func (c *countingUserStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCacheConsistency(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Tournament Manager"})

	counting := &countingUserStore{inner: f.users}
	eng := NewEngine(counting, f.memberships, f.policies)

	req := Request{UserID: 1, OrgID: 5, Action: "tournament:create", Resource: "tournament:1"}
	first, err := eng.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := eng.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if second.Allowed != first.Allowed {
		t.Fatalf("cached decision %v disagrees with original %v", second.Allowed, first.Allowed)
	}
	if second.Reason != ReasonCached {
		t.Fatalf("expected reason %q, got %q", ReasonCached, second.Reason)
	}
	if len(second.MatchedPolicies) != 0 {
		t.Fatalf("cache hit must report no matched statements, got %v", second.MatchedPolicies)
	}
	if got := counting.count(); got != 1 {
		t.Fatalf("expected 1 user lookup, got %d", got)
	}
}

func TestCacheDisabledReevaluates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Viewer"})

	counting := &countingUserStore{inner: f.users}
	eng := NewEngine(counting, f.memberships, f.policies)
	eng.EnableDecisionCache(false)

	req := Request{UserID: 1, OrgID: 5, Action: "tournament:view", Resource: "*"}
	for i := 0; i < 3; i++ {
		if _, err := eng.Evaluate(ctx, req); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	if got := counting.count(); got != 3 {
		t.Fatalf("expected 3 user lookups with cache disabled, got %d", got)
	}
}

// Caching deliberately does not observe policy changes made behind the
// engine's back; a stale allow/deny persists until the cache is invalidated.
func TestCacheDoesNotObservePolicyChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 3, LevelUser)
	f.addMembership(t, 3, 5)
	stID := f.addStatement(t, &Statement{Effect: EffectAllow, Actions: []string{"tournament:*"}, Resources: []string{"*"}})
	if err := f.policies.AssignToUser(ctx, 3, 5, stID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	req := Request{UserID: 3, OrgID: 5, Action: "tournament:create", Resource: "*"}
	first, err := f.engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !first.Allowed {
		t.Fatalf("expected initial allow, got %s", first.Reason)
	}

	// mutate the store directly, bypassing the engine's admin helpers
	if err := f.policies.DeleteStatement(ctx, stID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	second, err := f.engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !second.Allowed || second.Reason != ReasonCached {
		t.Fatalf("expected stale cached allow, got allowed=%v reason=%q", second.Allowed, second.Reason)
	}

	// invalidation exposes the change
	if err := f.engine.InvalidateDecisionCache(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	third, err := f.engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if third.Allowed {
		t.Fatalf("expected deny after invalidation")
	}
}

func TestEngineMutationsInvalidateCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 3, LevelUser)
	f.addMembership(t, 3, 5)
	st := &Statement{Effect: EffectAllow, Actions: []string{"tournament:*"}, Resources: []string{"*"}}
	if err := f.engine.CreateStatement(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.AssignStatementToUser(ctx, 3, 5, st.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	req := Request{UserID: 3, OrgID: 5, Action: "tournament:create", Resource: "*"}
	first, _ := f.engine.Evaluate(ctx, req)
	if !first.Allowed {
		t.Fatalf("expected allow, got %s", first.Reason)
	}

	if err := f.engine.DeleteStatement(ctx, st.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, _ := f.engine.Evaluate(ctx, req)
	if second.Allowed {
		t.Fatalf("expected deny after engine-routed delete")
	}
	if second.Reason == ReasonCached {
		t.Fatalf("engine-routed mutation must flush the cache")
	}
}

type failingUserStore struct{}

func (failingUserStore) GetUser(context.Context, int64) (*User, error) {
	return nil, errors.New("connection refused")
}

func TestInfrastructureErrorPropagates(t *testing.T) {
	f := newFixture()
	eng := NewEngine(failingUserStore{}, f.memberships, f.policies)
	dec, err := eng.Evaluate(context.Background(), Request{UserID: 1, OrgID: 5, Action: "a:b", Resource: "*"})
	if err == nil {
		t.Fatalf("expected infrastructure error, got decision %+v", dec)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("infrastructure error must not look like not-found")
	}
}

func TestRoleWithNoLinkedStatements(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 8, LevelUser)
	f.addMembership(t, 8, 5, RoleAssignment{Kind: RoleCustom, RoleID: 77})

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 8, OrgID: 5, Action: "tournament:view", Resource: "*"})
	if err != nil {
		t.Fatalf("empty role must not be an error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected default deny")
	}
}

func TestUnknownBuiltinRoleContributesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 8, LevelUser)
	f.addMembership(t, 8, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Grand Poobah"})

	dec, err := f.engine.Evaluate(ctx, Request{UserID: 8, OrgID: 5, Action: "tournament:view", Resource: "*"})
	if err != nil {
		t.Fatalf("unknown role must not be an error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected default deny")
	}
}

func TestConcurrentEvaluations(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Tournament Manager"})
	f.addUser(t, 2, LevelUser)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := int64(1 + i%2)
			dec, err := f.engine.Evaluate(ctx, Request{UserID: userID, OrgID: 5, Action: "tournament:create", Resource: "tournament:1"})
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			if want := userID == 1; dec.Allowed != want {
				t.Errorf("user %d: allowed=%v want %v (%s)", userID, dec.Allowed, want, dec.Reason)
			}
		}(i)
	}
	wg.Wait()
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Viewer"})

	audit := NewMemoryAuditStore()
	f.engine.SetAuditStore(audit)
	f.engine.EnableDecisionCache(false)

	if _, err := f.engine.Evaluate(ctx, Request{UserID: 1, OrgID: 5, Action: "tournament:view", Resource: "tournament:1"}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := f.engine.Evaluate(ctx, Request{UserID: 1, OrgID: 5, Action: "tournament:delete", Resource: "tournament:1"}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	f.engine.Close()

	logs, err := audit.GetAccessLog(ctx, AuditFilter{UserID: 1})
	if err != nil {
		t.Fatalf("get access log: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(logs))
	}
	if !logs[0].Allowed || logs[1].Allowed {
		t.Fatalf("expected allow then deny, got %v then %v", logs[0].Allowed, logs[1].Allowed)
	}
	if logs[1].Reason != ReasonNoMatch {
		t.Fatalf("expected reason %q, got %q", ReasonNoMatch, logs[1].Reason)
	}
}

func TestListEffectivePermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	stID := f.addStatement(t, &Statement{Effect: EffectAllow, Actions: []string{"seed:generate"}, Resources: []string{"*"}})
	denyID := f.addStatement(t, &Statement{Effect: EffectDeny, Actions: []string{"chat:post"}, Resources: []string{"*"}})
	if err := f.policies.AssignToUser(ctx, 1, 5, stID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.policies.AssignToUser(ctx, 1, 5, denyID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Scheduler"})

	perms, err := f.engine.ListEffectivePermissions(ctx, 1, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := map[string]bool{"schedule:*": true, "match:view": true, "match:reschedule": true, "seed:generate": true}
	if len(perms) != len(want) {
		t.Fatalf("expected %d patterns, got %v", len(want), perms)
	}
	for _, p := range perms {
		if !want[p] {
			t.Fatalf("unexpected pattern %q in %v", p, perms)
		}
	}

	// non-member has no effective permissions
	perms2, err := f.engine.ListEffectivePermissions(ctx, 1, 9)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(perms2) != 0 {
		t.Fatalf("expected none for non-member, got %v", perms2)
	}
}

func TestDecisionTimestampSet(t *testing.T) {
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	before := time.Now()
	dec, err := f.engine.Evaluate(context.Background(), Request{UserID: 1, OrgID: 5, Action: "a:b", Resource: "*"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Timestamp.Before(before) {
		t.Fatalf("timestamp not set")
	}
}
