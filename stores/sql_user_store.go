package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/tourneyhub/authz"
)

// SQLUserStore persists users in SQL (squealx)
type SQLUserStore struct {
	db *squealx.DB
}

func NewSQLUserStore(db *squealx.DB) *SQLUserStore {
	return &SQLUserStore{db: db}
}

func (s *SQLUserStore) GetUser(ctx context.Context, id int64) (*authz.User, error) {
	q := `SELECT id, name, global_level, created_at FROM users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("user %d: %w", id, authz.ErrNotFound)
	}
	var idv int64
	var name string
	var level int
	var createdRaw interface{}
	if err := r.Scan(&idv, &name, &level, &createdRaw); err != nil {
		return nil, err
	}
	return &authz.User{
		ID:        idv,
		Name:      name,
		Level:     authz.GlobalLevel(level),
		CreatedAt: scanTime(createdRaw),
	}, nil
}

func (s *SQLUserStore) PutUser(ctx context.Context, u *authz.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	q := `INSERT INTO users(id, name, global_level, created_at) VALUES(:id, :name, :global_level, :created_at)
	      ON CONFLICT(id) DO UPDATE SET name = excluded.name, global_level = excluded.global_level`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":           u.ID,
		"name":         u.Name,
		"global_level": int(u.Level),
		"created_at":   u.CreatedAt,
	})
	return err
}

func (s *SQLUserStore) DeleteUser(ctx context.Context, id int64) error {
	q := `DELETE FROM users WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}
