package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/tourneyhub/authz"
)

// SQLMembershipStore persists organization memberships and their role
// assignments in SQL (squealx). A membership row gates evaluation; its role
// assignments live in member_roles with an explicit kind column.
type SQLMembershipStore struct {
	db *squealx.DB
}

func NewSQLMembershipStore(db *squealx.DB) *SQLMembershipStore {
	return &SQLMembershipStore{db: db}
}

func (s *SQLMembershipStore) GetMembership(ctx context.Context, userID, orgID int64) (*authz.Membership, error) {
	q := `SELECT created_at FROM org_members WHERE user_id = :user_id AND org_id = :org_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID, "org_id": orgID})
	if err != nil {
		return nil, err
	}
	if !r.Next() {
		r.Close()
		return nil, fmt.Errorf("membership user=%d org=%d: %w", userID, orgID, authz.ErrNotFound)
	}
	var createdRaw interface{}
	if err := r.Scan(&createdRaw); err != nil {
		r.Close()
		return nil, err
	}
	r.Close()

	m := &authz.Membership{UserID: userID, OrgID: orgID, CreatedAt: scanTime(createdRaw)}

	rq := `SELECT role_kind, role_name, role_id FROM member_roles WHERE user_id = :user_id AND org_id = :org_id`
	rr, err := s.db.NamedQueryContext(ctx, rq, map[string]any{"user_id": userID, "org_id": orgID})
	if err != nil {
		return nil, err
	}
	defer rr.Close()
	for rr.Next() {
		var kind int
		var name string
		var roleID int64
		if err := rr.Scan(&kind, &name, &roleID); err != nil {
			return nil, err
		}
		m.Roles = append(m.Roles, authz.RoleAssignment{
			Kind:   authz.RoleKind(kind),
			Name:   name,
			RoleID: roleID,
		})
	}
	return m, nil
}

func (s *SQLMembershipStore) PutMembership(ctx context.Context, m *authz.Membership) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	q := `INSERT OR IGNORE INTO org_members(user_id, org_id, created_at) VALUES(:user_id, :org_id, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": m.UserID, "org_id": m.OrgID, "created_at": m.CreatedAt}); err != nil {
		return err
	}
	// replace role assignments wholesale
	dq := `DELETE FROM member_roles WHERE user_id = :user_id AND org_id = :org_id`
	if _, err := s.db.NamedExecContext(ctx, dq, map[string]any{"user_id": m.UserID, "org_id": m.OrgID}); err != nil {
		return err
	}
	iq := `INSERT INTO member_roles(user_id, org_id, role_kind, role_name, role_id) VALUES(:user_id, :org_id, :role_kind, :role_name, :role_id)`
	for _, ra := range m.Roles {
		_, err := s.db.NamedExecContext(ctx, iq, map[string]any{
			"user_id":   m.UserID,
			"org_id":    m.OrgID,
			"role_kind": int(ra.Kind),
			"role_name": ra.Name,
			"role_id":   ra.RoleID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLMembershipStore) DeleteMembership(ctx context.Context, userID, orgID int64) error {
	dq := `DELETE FROM member_roles WHERE user_id = :user_id AND org_id = :org_id`
	if _, err := s.db.NamedExecContext(ctx, dq, map[string]any{"user_id": userID, "org_id": orgID}); err != nil {
		return err
	}
	q := `DELETE FROM org_members WHERE user_id = :user_id AND org_id = :org_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "org_id": orgID})
	return err
}
