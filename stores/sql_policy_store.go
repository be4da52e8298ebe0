package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/tourneyhub/authz"
)

// SQLPolicyStore persists policy statements and their links to custom roles
// and to (user, org) pairs in SQL (squealx).
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func (s *SQLPolicyStore) CreateStatement(ctx context.Context, st *authz.Statement) error {
	if st.ID == 0 {
		id, err := s.nextID(ctx)
		if err != nil {
			return err
		}
		st.ID = id
	}
	if st.ID <= 0 {
		return fmt.Errorf("statement id must be positive, got %d", st.ID)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}
	actions, _ := json.Marshal(st.Actions)
	resources, _ := json.Marshal(st.Resources)
	q := `INSERT INTO policy_statements(id, effect, actions_json, resources_json, condition_json, created_at, updated_at) VALUES(:id, :effect, :actions_json, :resources_json, :condition_json, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             st.ID,
		"effect":         string(st.Effect),
		"actions_json":   string(actions),
		"resources_json": string(resources),
		"condition_json": string(st.Condition),
		"created_at":     st.CreatedAt,
		"updated_at":     st.UpdatedAt,
	})
	return err
}

func (s *SQLPolicyStore) UpdateStatement(ctx context.Context, st *authz.Statement) error {
	st.UpdatedAt = time.Now()
	actions, _ := json.Marshal(st.Actions)
	resources, _ := json.Marshal(st.Resources)
	q := `UPDATE policy_statements SET effect = :effect, actions_json = :actions_json, resources_json = :resources_json, condition_json = :condition_json, updated_at = :updated_at WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             st.ID,
		"effect":         string(st.Effect),
		"actions_json":   string(actions),
		"resources_json": string(resources),
		"condition_json": string(st.Condition),
		"updated_at":     st.UpdatedAt,
	})
	return err
}

func (s *SQLPolicyStore) DeleteStatement(ctx context.Context, id int64) error {
	for _, q := range []string{
		`DELETE FROM role_policies WHERE statement_id = :id`,
		`DELETE FROM user_policies WHERE statement_id = :id`,
		`DELETE FROM policy_statements WHERE id = :id`,
	} {
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLPolicyStore) GetStatement(ctx context.Context, id int64) (*authz.Statement, error) {
	q := `SELECT id, effect, actions_json, resources_json, condition_json, created_at, updated_at FROM policy_statements WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("statement %d: %w", id, authz.ErrNotFound)
	}
	return scanStatement(r)
}

func (s *SQLPolicyStore) ListRoleStatements(ctx context.Context, roleID int64) ([]*authz.Statement, error) {
	q := `SELECT s.id, s.effect, s.actions_json, s.resources_json, s.condition_json, s.created_at, s.updated_at
	      FROM policy_statements s JOIN role_policies rp ON rp.statement_id = s.id
	      WHERE rp.role_id = :role_id ORDER BY s.id`
	return s.list(ctx, q, map[string]any{"role_id": roleID})
}

func (s *SQLPolicyStore) ListUserStatements(ctx context.Context, userID, orgID int64) ([]*authz.Statement, error) {
	q := `SELECT s.id, s.effect, s.actions_json, s.resources_json, s.condition_json, s.created_at, s.updated_at
	      FROM policy_statements s JOIN user_policies up ON up.statement_id = s.id
	      WHERE up.user_id = :user_id AND up.org_id = :org_id ORDER BY s.id`
	return s.list(ctx, q, map[string]any{"user_id": userID, "org_id": orgID})
}

func (s *SQLPolicyStore) AttachToRole(ctx context.Context, roleID, statementID int64) error {
	q := `INSERT OR IGNORE INTO role_policies(role_id, statement_id) VALUES(:role_id, :statement_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": roleID, "statement_id": statementID})
	return err
}

func (s *SQLPolicyStore) DetachFromRole(ctx context.Context, roleID, statementID int64) error {
	q := `DELETE FROM role_policies WHERE role_id = :role_id AND statement_id = :statement_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": roleID, "statement_id": statementID})
	return err
}

func (s *SQLPolicyStore) AssignToUser(ctx context.Context, userID, orgID, statementID int64) error {
	q := `INSERT OR IGNORE INTO user_policies(user_id, org_id, statement_id) VALUES(:user_id, :org_id, :statement_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "org_id": orgID, "statement_id": statementID})
	return err
}

func (s *SQLPolicyStore) UnassignFromUser(ctx context.Context, userID, orgID, statementID int64) error {
	q := `DELETE FROM user_policies WHERE user_id = :user_id AND org_id = :org_id AND statement_id = :statement_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "org_id": orgID, "statement_id": statementID})
	return err
}

func (s *SQLPolicyStore) list(ctx context.Context, q string, params map[string]any) ([]*authz.Statement, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Statement, 0)
	for r.Next() {
		st, err := scanStatement(r)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *SQLPolicyStore) nextID(ctx context.Context) (int64, error) {
	q := `SELECT COALESCE(MAX(id), 0) + 1 FROM policy_statements`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if !r.Next() {
		return 0, fmt.Errorf("next statement id: empty result")
	}
	var id int64
	if err := r.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatement(r rowScanner) (*authz.Statement, error) {
	var id int64
	var effect, actionsJSON, resourcesJSON, conditionJSON string
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &effect, &actionsJSON, &resourcesJSON, &conditionJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	st := &authz.Statement{
		ID:        id,
		Effect:    authz.Effect(effect),
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}
	if err := json.Unmarshal([]byte(actionsJSON), &st.Actions); err != nil {
		return nil, fmt.Errorf("statement %d actions: %w", id, err)
	}
	if err := json.Unmarshal([]byte(resourcesJSON), &st.Resources); err != nil {
		return nil, fmt.Errorf("statement %d resources: %w", id, err)
	}
	if conditionJSON != "" {
		st.Condition = json.RawMessage(conditionJSON)
	}
	return st, nil
}
