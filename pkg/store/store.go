// Copyright 2024-2026 Aiku AI

// Package store persists user records and access grants for the relay.
// Two implementations share the contract: Postgres for deployments and an
// in-memory store for tests and credential-less development runs.
package store

import (
	"context"
	"time"

	"github.com/aiku/mattermost-keyword-relay/pkg/relay"
)

// SystemGrantedBy marks access grants materialized from the bootstrap admin
// configuration rather than granted by a human admin.
const SystemGrantedBy = "system"

// UserRecord is one user's persisted monitoring configuration. An empty
// Credential means no credential is stored.
type UserRecord struct {
	UserID      string
	DisplayName string
	Credential  string
	Keywords    []string
	Exceptions  []string
	Active      bool
	CreatedAt   time.Time
}

// Filter returns the record's keyword/exception lists as a filter snapshot.
func (u *UserRecord) Filter() relay.Filter {
	return relay.Filter{Keywords: u.Keywords, Exceptions: u.Exceptions}
}

// AccessGrant authorizes one user id to operate the relay at all.
type AccessGrant struct {
	UserID      string
	DisplayName string
	GrantedBy   string
	GrantedAt   time.Time
}

// UserStore persists UserRecords. Lookups for missing users return
// relay.ErrNotFound. All methods are safe for concurrent use.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*UserRecord, error)
	// ListActive returns every user with a stored credential and the
	// active flag set; these are the users whose listeners should run.
	ListActive(ctx context.Context) ([]*UserRecord, error)
	// SaveCredential upserts the user's credential, creating the record on
	// first use and replacing (invalidating) any prior credential.
	SaveCredential(ctx context.Context, userID, displayName, credential string) error
	SaveKeywords(ctx context.Context, userID string, keywords []string) error
	SaveExceptions(ctx context.Context, userID string, exceptions []string) error
	SetActive(ctx context.Context, userID string, active bool) error
	// DeleteUser removes the record entirely. No-op if absent.
	DeleteUser(ctx context.Context, userID string) error
}

// AccessStore persists AccessGrants.
type AccessStore interface {
	IsAllowed(ctx context.Context, userID string) (bool, error)
	// Grant is idempotent: re-granting an existing user keeps the original
	// grant untouched.
	Grant(ctx context.Context, userID, displayName, grantedBy string) error
	// Revoke removes the grant. No-op if absent.
	Revoke(ctx context.Context, userID string) error
	ListGrants(ctx context.Context) ([]*AccessGrant, error)
	CountGrants(ctx context.Context) (int, error)
}

// Source adapts a UserStore to the session manager's relay.UserSource view.
type Source struct {
	Users UserStore
}

var _ relay.UserSource = Source{}

func (s Source) Snapshot(ctx context.Context, userID string) (relay.UserSnapshot, error) {
	u, err := s.Users.GetUser(ctx, userID)
	if err != nil {
		return relay.UserSnapshot{}, err
	}
	return relay.UserSnapshot{
		UserID:      u.UserID,
		DisplayName: u.DisplayName,
		Credential:  u.Credential,
		Filter:      u.Filter(),
		Active:      u.Active,
	}, nil
}

func (s Source) ActiveUserIDs(ctx context.Context) ([]string, error) {
	users, err := s.Users.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids, nil
}
