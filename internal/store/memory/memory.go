// Package memory is an in-process auth.Store. Tables are ID-keyed maps and
// memberships are ID sets, mirroring the relational schema.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/ids"
)

type userRow struct {
	id           string
	username     string
	passwordHash string
	createdAt    time.Time
	updatedAt    time.Time
}

type namedRow struct {
	id        string
	name      string
	createdAt time.Time
}

type idSet map[string]struct{}

// Store keeps all state behind one RWMutex, so every method is atomic.
type Store struct {
	mu sync.RWMutex

	users     map[string]*userRow
	usernames map[string]string

	roles     map[string]*namedRow
	roleNames map[string]string

	perms     map[string]*namedRow
	permNames map[string]string

	userRoles map[string]idSet
	rolePerms map[string]idSet

	refresh       map[string]auth.RefreshRecord
	refreshByHash map[string]string
}

var _ auth.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:         make(map[string]*userRow),
		usernames:     make(map[string]string),
		roles:         make(map[string]*namedRow),
		roleNames:     make(map[string]string),
		perms:         make(map[string]*namedRow),
		permNames:     make(map[string]string),
		userRoles:     make(map[string]idSet),
		rolePerms:     make(map[string]idSet),
		refresh:       make(map[string]auth.RefreshRecord),
		refreshByHash: make(map[string]string),
	}
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, username, passwordHash string, roleNames []string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usernames[username]; ok {
		return auth.User{}, fmt.Errorf("%w: username %s", auth.ErrDuplicateName, username)
	}
	roleIDs, err := s.resolveRoles(roleNames)
	if err != nil {
		return auth.User{}, err
	}
	now := time.Now().UTC()
	row := &userRow{id: ids.New(), username: username, passwordHash: passwordHash, createdAt: now, updatedAt: now}
	s.users[row.id] = row
	s.usernames[username] = row.id
	s.userRoles[row.id] = roleIDs
	return s.userView(row), nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[username]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return s.userView(s.users[id]), nil
}

func (s *Store) UserByID(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return s.userView(row), nil
}

func (s *Store) ListUsers(_ context.Context) ([]auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.User, 0, len(s.users))
	for _, row := range s.users {
		out = append(out, s.userView(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUser(_ context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	if upd.Username != nil && *upd.Username != row.username {
		if _, taken := s.usernames[*upd.Username]; taken {
			return auth.User{}, fmt.Errorf("%w: username %s", auth.ErrDuplicateName, *upd.Username)
		}
		delete(s.usernames, row.username)
		row.username = *upd.Username
		s.usernames[row.username] = row.id
	}
	if upd.Password != nil {
		row.passwordHash = *upd.Password
	}
	row.updatedAt = time.Now().UTC()
	return s.userView(row), nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[id]
	if !ok {
		return auth.ErrUserNotFound
	}
	delete(s.usernames, row.username)
	delete(s.users, id)
	delete(s.userRoles, id)
	s.dropRefresh(id)
	return nil
}

func (s *Store) SetUserRoles(_ context.Context, userID string, roleNames []string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	roleIDs, err := s.resolveRoles(roleNames)
	if err != nil {
		return auth.User{}, err
	}
	s.userRoles[userID] = roleIDs
	row.updatedAt = time.Now().UTC()
	return s.userView(row), nil
}

func (s *Store) UserPermissions(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, auth.ErrUserNotFound
	}
	union := make(idSet)
	for roleID := range s.userRoles[userID] {
		for permID := range s.rolePerms[roleID] {
			union[permID] = struct{}{}
		}
	}
	return s.names(s.perms, union), nil
}

// --- roles ---

func (s *Store) CreateRole(_ context.Context, name string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleNames[name]; ok {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrDuplicateName, name)
	}
	row := &namedRow{id: ids.New(), name: name, createdAt: time.Now().UTC()}
	s.roles[row.id] = row
	s.roleNames[name] = row.id
	s.rolePerms[row.id] = make(idSet)
	return s.roleView(row), nil
}

func (s *Store) ListRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, row := range s.roles {
		out = append(out, s.roleView(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) RoleByID(_ context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
	}
	return s.roleView(row), nil
}

func (s *Store) RoleMembers(_ context.Context, roleID string) ([]auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[roleID]; !ok {
		return nil, fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
	}
	out := []auth.User{}
	for userID, roles := range s.userRoles {
		if _, ok := roles[roleID]; ok {
			out = append(out, s.userView(s.users[userID]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, permissionNames []string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.roles[roleID]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
	}
	next := make(idSet, len(permissionNames))
	for _, name := range permissionNames {
		id, ok := s.permNames[name]
		if !ok {
			return auth.Role{}, fmt.Errorf("%w: %s", auth.ErrPermissionNotFound, name)
		}
		next[id] = struct{}{}
	}
	s.rolePerms[roleID] = next
	return s.roleView(row), nil
}

// --- permissions ---

func (s *Store) CreatePermission(_ context.Context, name string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permNames[name]; ok {
		return auth.Permission{}, fmt.Errorf("%w: permission %s", auth.ErrDuplicateName, name)
	}
	row := &namedRow{id: ids.New(), name: name, createdAt: time.Now().UTC()}
	s.perms[row.id] = row
	s.permNames[name] = row.id
	return auth.Permission{ID: row.id, Name: row.name, CreatedAt: row.createdAt}, nil
}

func (s *Store) ListPermissions(_ context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, row := range s.perms {
		out = append(out, auth.Permission{ID: row.id, Name: row.name, CreatedAt: row.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeletePermission(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.perms[id]
	if !ok {
		return fmt.Errorf("%w: permission %s", auth.ErrNotFound, id)
	}
	for roleID, set := range s.rolePerms {
		if _, ref := set[id]; ref {
			return fmt.Errorf("%w: permission %s is granted by role %s", auth.ErrReferentialConflict, row.name, s.roles[roleID].name)
		}
	}
	delete(s.permNames, row.name)
	delete(s.perms, id)
	return nil
}

// --- refresh tokens ---

func (s *Store) LookupByHash(_ context.Context, hash string) (auth.RefreshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.refreshByHash[hash]
	if !ok {
		return auth.RefreshRecord{}, auth.ErrTokenNotFound
	}
	return s.refresh[userID], nil
}

func (s *Store) Persist(_ context.Context, userID, hash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrUserNotFound
	}
	s.dropRefresh(userID)
	s.setRefresh(userID, hash, expiresAt)
	return nil
}

func (s *Store) Rotate(_ context.Context, userID, oldHash, newHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[userID]
	if !ok || rec.Hash != oldHash {
		return auth.ErrTokenNotFound
	}
	s.dropRefresh(userID)
	s.setRefresh(userID, newHash, expiresAt)
	return nil
}

func (s *Store) Clear(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[userID]
	if !ok || rec.Hash != hash {
		return auth.ErrTokenNotFound
	}
	s.dropRefresh(userID)
	return nil
}

func (s *Store) Revoke(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRefresh(userID)
	return nil
}

// --- helpers (callers hold the lock) ---

func (s *Store) setRefresh(userID, hash string, expiresAt time.Time) {
	s.refresh[userID] = auth.RefreshRecord{UserID: userID, Hash: hash, ExpiresAt: expiresAt}
	s.refreshByHash[hash] = userID
}

func (s *Store) dropRefresh(userID string) {
	if rec, ok := s.refresh[userID]; ok {
		delete(s.refreshByHash, rec.Hash)
		delete(s.refresh, userID)
	}
}

func (s *Store) resolveRoles(names []string) (idSet, error) {
	set := make(idSet, len(names))
	for _, name := range names {
		id, ok := s.roleNames[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", auth.ErrRoleNotFound, name)
		}
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *Store) userView(row *userRow) auth.User {
	return auth.User{
		ID:           row.id,
		Username:     row.username,
		PasswordHash: row.passwordHash,
		Roles:        s.names(s.roles, s.userRoles[row.id]),
		CreatedAt:    row.createdAt,
		UpdatedAt:    row.updatedAt,
	}
}

func (s *Store) roleView(row *namedRow) auth.Role {
	return auth.Role{
		ID:          row.id,
		Name:        row.name,
		Permissions: s.names(s.perms, s.rolePerms[row.id]),
		CreatedAt:   row.createdAt,
	}
}

func (s *Store) names(table map[string]*namedRow, set idSet) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		if row, ok := table[id]; ok {
			out = append(out, row.name)
		}
	}
	sort.Strings(out)
	return out
}
