package authz

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryDecisionCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryDecisionCache()
	key := DecisionKey{UserID: 1, OrgID: 5, Action: "tournament:create", Resource: "tournament:1"}

	if _, ok := c.Get(ctx, key); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Set(ctx, key, true)
	allowed, ok := c.Get(ctx, key)
	if !ok || !allowed {
		t.Fatalf("expected cached allow, got ok=%v allowed=%v", ok, allowed)
	}

	// a different resource is a different key
	other := key
	other.Resource = "tournament:2"
	if _, ok := c.Get(ctx, other); ok {
		t.Fatalf("expected miss for different key")
	}

	if err := c.InvalidateDecisions(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := c.Get(ctx, key); ok {
		t.Fatalf("expected miss after invalidation")
	}
}

func TestMemoryDecisionCacheConcurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryDecisionCache()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := DecisionKey{UserID: int64(i % 4), OrgID: 5, Action: "a:b", Resource: "*"}
			c.Set(ctx, key, i%2 == 0)
			c.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	if c.Len() != 4 {
		t.Fatalf("expected 4 distinct keys, got %d", c.Len())
	}
}

func TestRistrettoDecisionCache(t *testing.T) {
	ctx := context.Background()
	c, err := NewRistrettoDecisionCache(0, 0, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	key := DecisionKey{UserID: 7, OrgID: 3, Action: "match:report", Resource: "match:9"}

	if _, ok := c.Get(ctx, key); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Set(ctx, key, false)
	allowed, ok := c.Get(ctx, key)
	if !ok || allowed {
		t.Fatalf("expected cached deny, got ok=%v allowed=%v", ok, allowed)
	}

	if err := c.InvalidateDecisions(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := c.Get(ctx, key); ok {
		t.Fatalf("expected miss after invalidation")
	}
}

func TestEngineWithRistrettoCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addUser(t, 1, LevelUser)
	f.addMembership(t, 1, 5, RoleAssignment{Kind: RoleBuiltIn, Name: "Viewer"})

	cache, err := NewRistrettoDecisionCache(0, 0, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	f.engine.SetDecisionCache(cache)

	req := Request{UserID: 1, OrgID: 5, Action: "tournament:view", Resource: "tournament:1"}
	first, err := f.engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := f.engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if second.Reason != ReasonCached || second.Allowed != first.Allowed {
		t.Fatalf("expected cached %v, got allowed=%v reason=%q", first.Allowed, second.Allowed, second.Reason)
	}
}
