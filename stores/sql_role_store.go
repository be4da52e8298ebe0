package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/tourneyhub/authz"
)

// SQLRoleStore persists custom role records in SQL (squealx). The engine
// itself never reads roles directly; the rows exist for administration and
// tooling.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) PutRole(ctx context.Context, r *authz.Role) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	q := `INSERT INTO roles(id, org_id, name, created_at) VALUES(:id, :org_id, :name, :created_at)
	      ON CONFLICT(id) DO UPDATE SET org_id = excluded.org_id, name = excluded.name`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         r.ID,
		"org_id":     r.OrgID,
		"name":       r.Name,
		"created_at": r.CreatedAt,
	})
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id int64) (*authz.Role, error) {
	q := `SELECT id, org_id, name, created_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role %d: %w", id, authz.ErrNotFound)
	}
	return scanRole(r)
}

func (s *SQLRoleStore) ListRoles(ctx context.Context, orgID int64) ([]*authz.Role, error) {
	q := `SELECT id, org_id, name, created_at FROM roles WHERE org_id = :org_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"org_id": orgID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, id int64) error {
	q := `DELETE FROM roles WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func scanRole(r rowScanner) (*authz.Role, error) {
	var id, orgID int64
	var name string
	var createdRaw interface{}
	if err := r.Scan(&id, &orgID, &name, &createdRaw); err != nil {
		return nil, err
	}
	return &authz.Role{ID: id, OrgID: orgID, Name: name, CreatedAt: scanTime(createdRaw)}, nil
}
