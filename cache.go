package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

// DecisionKey identifies one memoized decision. The 4-tuple is the full cache
// key; there is no partial-key lookup.
type DecisionKey struct {
	UserID   int64
	OrgID    int64
	Action   string
	Resource string
}

func (k DecisionKey) String() string {
	return fmt.Sprintf("%d:%d:%s:%s", k.UserID, k.OrgID, k.Action, k.Resource)
}

// DecisionCache memoizes allow/deny outcomes. Only the boolean is stored; a
// hit is reported by the engine with a fixed "Cached result" reason since the
// original justification is not retained. Implementations must be safe under
// concurrent evaluation of the same key; a duplicate recomputation on a race
// is benign.
type DecisionCache interface {
	Get(ctx context.Context, key DecisionKey) (allowed bool, ok bool)
	Set(ctx context.Context, key DecisionKey, allowed bool)
}

// CacheInvalidator is implemented by caches that support a full flush.
// Mutation helpers on the engine use it; there is no per-key invalidation.
type CacheInvalidator interface {
	InvalidateDecisions(ctx context.Context) error
}

// MemoryDecisionCache is the default in-process cache: a map guarded by a
// single RWMutex, sufficient at expected scale. Entries live until invalidated
// or the process exits.
type MemoryDecisionCache struct {
	mu      sync.RWMutex
	entries map[DecisionKey]bool
}

func NewMemoryDecisionCache() *MemoryDecisionCache {
	return &MemoryDecisionCache{entries: make(map[DecisionKey]bool)}
}

func (c *MemoryDecisionCache) Get(_ context.Context, key DecisionKey) (bool, bool) {
	c.mu.RLock()
	allowed, ok := c.entries[key]
	c.mu.RUnlock()
	return allowed, ok
}

func (c *MemoryDecisionCache) Set(_ context.Context, key DecisionKey, allowed bool) {
	c.mu.Lock()
	c.entries[key] = allowed
	c.mu.Unlock()
}

func (c *MemoryDecisionCache) InvalidateDecisions(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[DecisionKey]bool)
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached decisions.
func (c *MemoryDecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RistrettoDecisionCache backs the decision cache with ristretto for
// deployments where the decision keyspace is large enough that admission and
// eviction matter.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache
}

// NewRistrettoDecisionCache builds a ristretto-backed cache. Zero values fall
// back to defaults sized for roughly one million decisions.
func NewRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) (*RistrettoDecisionCache, error) {
	if numCounters <= 0 {
		numCounters = 1e7
	}
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto cache: %w", err)
	}
	return &RistrettoDecisionCache{cache: cache}, nil
}

func (c *RistrettoDecisionCache) Get(_ context.Context, key DecisionKey) (bool, bool) {
	v, ok := c.cache.Get(key.String())
	if !ok {
		return false, false
	}
	allowed, ok := v.(bool)
	return allowed, ok
}

func (c *RistrettoDecisionCache) Set(_ context.Context, key DecisionKey, allowed bool) {
	c.cache.Set(key.String(), allowed, 1)
	// ristretto admits through a buffer; wait so the decision is
	// observable by the next evaluation of the same key
	c.cache.Wait()
}

func (c *RistrettoDecisionCache) InvalidateDecisions(_ context.Context) error {
	c.cache.Clear()
	return nil
}
