// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aiku/mattermost-keyword-relay/pkg/relay"
)

// Memory is an in-process implementation of UserStore and AccessStore.
// State does not survive a restart; it backs tests and development runs
// without a database.
type Memory struct {
	mu     sync.RWMutex
	users  map[string]*UserRecord
	grants map[string]*AccessGrant
	now    func() time.Time
}

var (
	_ UserStore   = (*Memory)(nil)
	_ AccessStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]*UserRecord),
		grants: make(map[string]*AccessGrant),
		now:    time.Now,
	}
}

func cloneRecord(u *UserRecord) *UserRecord {
	cp := *u
	cp.Keywords = append([]string(nil), u.Keywords...)
	cp.Exceptions = append([]string(nil), u.Exceptions...)
	return &cp
}

func (m *Memory) GetUser(_ context.Context, userID string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cloneRecord(u), nil
}

func (m *Memory) ListActive(_ context.Context) ([]*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var users []*UserRecord
	for _, u := range m.users {
		if u.Active && u.Credential != "" {
			users = append(users, cloneRecord(u))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

func (m *Memory) SaveCredential(_ context.Context, userID, displayName, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = &UserRecord{UserID: userID, CreatedAt: m.now()}
		m.users[userID] = u
	}
	u.DisplayName = displayName
	u.Credential = credential
	u.Active = true
	return nil
}

func (m *Memory) SaveKeywords(_ context.Context, userID string, keywords []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return relay.ErrNotFound
	}
	u.Keywords = append([]string(nil), keywords...)
	return nil
}

func (m *Memory) SaveExceptions(_ context.Context, userID string, exceptions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return relay.ErrNotFound
	}
	u.Exceptions = append([]string(nil), exceptions...)
	return nil
}

func (m *Memory) SetActive(_ context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return relay.ErrNotFound
	}
	u.Active = active
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
	return nil
}

func (m *Memory) IsAllowed(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.grants[userID]
	return ok, nil
}

func (m *Memory) Grant(_ context.Context, userID, displayName, grantedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[userID]; ok {
		return nil
	}
	m.grants[userID] = &AccessGrant{
		UserID:      userID,
		DisplayName: displayName,
		GrantedBy:   grantedBy,
		GrantedAt:   m.now(),
	}
	return nil
}

func (m *Memory) Revoke(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, userID)
	return nil
}

func (m *Memory) ListGrants(_ context.Context) ([]*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grants := make([]*AccessGrant, 0, len(m.grants))
	for _, g := range m.grants {
		cp := *g
		grants = append(grants, &cp)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].UserID < grants[j].UserID })
	return grants, nil
}

func (m *Memory) CountGrants(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.grants), nil
}
