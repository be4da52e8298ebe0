package authz

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// IN-MEMORY STORES (for tests, demos, and config-seeded deployments)
// ============================================================================

type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[int64]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[int64]*User)}
}

func (s *MemoryUserStore) GetUser(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	cop := *u
	return &cop, nil
}

func (s *MemoryUserStore) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cop := *u
	s.users[u.ID] = &cop
	return nil
}

func (s *MemoryUserStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

type membershipKey struct {
	userID int64
	orgID  int64
}

type MemoryMembershipStore struct {
	mu          sync.RWMutex
	memberships map[membershipKey]*Membership
}

func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{memberships: make(map[membershipKey]*Membership)}
}

func (s *MemoryMembershipStore) GetMembership(_ context.Context, userID, orgID int64) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[membershipKey{userID, orgID}]
	if !ok {
		return nil, fmt.Errorf("membership user=%d org=%d: %w", userID, orgID, ErrNotFound)
	}
	cop := *m
	cop.Roles = append([]RoleAssignment(nil), m.Roles...)
	return &cop, nil
}

func (s *MemoryMembershipStore) PutMembership(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cop := *m
	cop.Roles = append([]RoleAssignment(nil), m.Roles...)
	s.memberships[membershipKey{m.UserID, m.OrgID}] = &cop
	return nil
}

func (s *MemoryMembershipStore) DeleteMembership(_ context.Context, userID, orgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, membershipKey{userID, orgID})
	return nil
}

type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[int64]*Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[int64]*Role)}
}

func (s *MemoryRoleStore) PutRole(_ context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cop := *r
	s.roles[r.ID] = &cop
	return nil
}

func (s *MemoryRoleStore) GetRole(_ context.Context, id int64) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	cop := *r
	return &cop, nil
}

func (s *MemoryRoleStore) ListRoles(_ context.Context, orgID int64) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0)
	for _, r := range s.roles {
		if orgID == 0 || r.OrgID == orgID {
			cop := *r
			out = append(out, &cop)
		}
	}
	return out, nil
}

type userOrgKey struct {
	userID int64
	orgID  int64
}

type MemoryPolicyStore struct {
	mu           sync.RWMutex
	nextID       int64
	statements   map[int64]*Statement
	rolePolicies map[int64][]int64
	userPolicies map[userOrgKey][]int64
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		statements:   make(map[int64]*Statement),
		rolePolicies: make(map[int64][]int64),
		userPolicies: make(map[userOrgKey][]int64),
	}
}

func (s *MemoryPolicyStore) CreateStatement(_ context.Context, st *Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == 0 {
		s.nextID++
		st.ID = s.nextID
	} else if st.ID > s.nextID {
		s.nextID = st.ID
	}
	if st.ID <= 0 {
		return fmt.Errorf("statement id must be positive, got %d", st.ID)
	}
	st.CreatedAt = time.Now()
	st.UpdatedAt = st.CreatedAt
	s.statements[st.ID] = cloneStatement(st)
	return nil
}

func (s *MemoryPolicyStore) UpdateStatement(_ context.Context, st *Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statements[st.ID]; !ok {
		return fmt.Errorf("statement %d: %w", st.ID, ErrNotFound)
	}
	st.UpdatedAt = time.Now()
	s.statements[st.ID] = cloneStatement(st)
	return nil
}

func (s *MemoryPolicyStore) DeleteStatement(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statements, id)
	for roleID, ids := range s.rolePolicies {
		s.rolePolicies[roleID] = removeID(ids, id)
	}
	for key, ids := range s.userPolicies {
		s.userPolicies[key] = removeID(ids, id)
	}
	return nil
}

func (s *MemoryPolicyStore) GetStatement(_ context.Context, id int64) (*Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statements[id]
	if !ok {
		return nil, fmt.Errorf("statement %d: %w", id, ErrNotFound)
	}
	return cloneStatement(st), nil
}

func (s *MemoryPolicyStore) ListRoleStatements(_ context.Context, roleID int64) ([]*Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.rolePolicies[roleID]), nil
}

func (s *MemoryPolicyStore) ListUserStatements(_ context.Context, userID, orgID int64) ([]*Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.userPolicies[userOrgKey{userID, orgID}]), nil
}

func (s *MemoryPolicyStore) AttachToRole(_ context.Context, roleID, statementID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statements[statementID]; !ok {
		return fmt.Errorf("statement %d: %w", statementID, ErrNotFound)
	}
	for _, id := range s.rolePolicies[roleID] {
		if id == statementID {
			return nil
		}
	}
	s.rolePolicies[roleID] = append(s.rolePolicies[roleID], statementID)
	return nil
}

func (s *MemoryPolicyStore) DetachFromRole(_ context.Context, roleID, statementID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolePolicies[roleID] = removeID(s.rolePolicies[roleID], statementID)
	return nil
}

func (s *MemoryPolicyStore) AssignToUser(_ context.Context, userID, orgID, statementID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statements[statementID]; !ok {
		return fmt.Errorf("statement %d: %w", statementID, ErrNotFound)
	}
	key := userOrgKey{userID, orgID}
	for _, id := range s.userPolicies[key] {
		if id == statementID {
			return nil
		}
	}
	s.userPolicies[key] = append(s.userPolicies[key], statementID)
	return nil
}

func (s *MemoryPolicyStore) UnassignFromUser(_ context.Context, userID, orgID, statementID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userOrgKey{userID, orgID}
	s.userPolicies[key] = removeID(s.userPolicies[key], statementID)
	return nil
}

// collect resolves statement ids to copies, skipping dangling links.
// Callers must hold at least the read lock.
func (s *MemoryPolicyStore) collect(ids []int64) []*Statement {
	out := make([]*Statement, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.statements[id]; ok {
			out = append(out, cloneStatement(st))
		}
	}
	return out
}

func cloneStatement(st *Statement) *Statement {
	cop := *st
	cop.Actions = append([]string(nil), st.Actions...)
	cop.Resources = append([]string(nil), st.Resources...)
	if st.Condition != nil {
		cop.Condition = append([]byte(nil), st.Condition...)
	}
	return &cop
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
