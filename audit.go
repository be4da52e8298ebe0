package authz

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// AUDIT TRAIL
// ============================================================================

// AuditEntry records one authorization decision for later inspection.
type AuditEntry struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	UserID          int64     `json:"user_id"`
	OrgID           int64     `json:"org_id"`
	Action          string    `json:"action"`
	Resource        string    `json:"resource"`
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason"`
	MatchedPolicies []int64   `json:"matched_policies"`
}

// AuditFilter narrows GetAccessLog queries. Zero fields are ignored.
type AuditFilter struct {
	UserID    int64
	OrgID     int64
	Action    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AuditStore persists decision records.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// MemoryAuditStore keeps audit entries in memory, for tests and demos.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) LogDecision(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cop := *entry
	cop.ID = s.nextID
	s.entries = append(s.entries, &cop)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(_ context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if filter.UserID != 0 && e.UserID != filter.UserID {
			continue
		}
		if filter.OrgID != 0 && e.OrgID != filter.OrgID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
			continue
		}
		cop := *e
		out = append(out, &cop)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
