package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/tourneyhub/authz"
)

// SQLAuditStore persists decision records in SQL (squealx)
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *authz.AuditEntry) error {
	matched, _ := json.Marshal(entry.MatchedPolicies)
	q := `INSERT INTO audit_log(timestamp, user_id, org_id, action, resource, allowed, reason, matched_json) VALUES(:timestamp, :user_id, :org_id, :action, :resource, :allowed, :reason, :matched_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"timestamp":    entry.Timestamp,
		"user_id":      entry.UserID,
		"org_id":       entry.OrgID,
		"action":       entry.Action,
		"resource":     entry.Resource,
		"allowed":      boolToInt(entry.Allowed),
		"reason":       entry.Reason,
		"matched_json": string(matched),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter authz.AuditFilter) ([]*authz.AuditEntry, error) {
	q := `SELECT id, timestamp, user_id, org_id, action, resource, allowed, reason, matched_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != 0 {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.OrgID != 0 {
		q += " AND org_id = :org_id"
		params["org_id"] = filter.OrgID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.AuditEntry, 0)
	for r.Next() {
		var id, userID, orgID int64
		var action, resource, reason, matchedJSON string
		var allowedInt int
		var tsRaw interface{}
		if err := r.Scan(&id, &tsRaw, &userID, &orgID, &action, &resource, &allowedInt, &reason, &matchedJSON); err != nil {
			return nil, err
		}
		entry := &authz.AuditEntry{
			ID:        id,
			Timestamp: scanTime(tsRaw),
			UserID:    userID,
			OrgID:     orgID,
			Action:    action,
			Resource:  resource,
			Allowed:   allowedInt != 0,
			Reason:    reason,
		}
		_ = json.Unmarshal([]byte(matchedJSON), &entry.MatchedPolicies)
		out = append(out, entry)
	}
	return out, nil
}
