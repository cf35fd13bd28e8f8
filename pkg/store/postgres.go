// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aiku/mattermost-keyword-relay/pkg/relay"
)

// Postgres implements UserStore and AccessStore on a *sql.DB. Every method
// is a single statement, so concurrent manager operations and presentation
// writes serialize inside the database rather than behind a process lock.
type Postgres struct {
	db *sql.DB
}

var (
	_ UserStore   = (*Postgres)(nil)
	_ AccessStore = (*Postgres)(nil)
)

// NewPostgres wraps an open database handle. The caller owns the handle;
// migrations are run separately via RunMigrations.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to the given DSN using the pgx stdlib driver and verifies
// the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return db, nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	query :=
		`SELECT user_id, display_name, session_credential, keywords, exceptions, active, created_at
		 FROM users
		 WHERE user_id = $1
		 `

	u := &UserRecord{}
	var credential sql.NullString
	var keywords, exceptions string
	err := p.db.QueryRowContext(ctx, query, userID).Scan(
		&u.UserID, &u.DisplayName, &credential, &keywords, &exceptions, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relay.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	u.Credential = credential.String

	if err := unmarshalTerms(keywords, &u.Keywords); err != nil {
		return nil, fmt.Errorf("bad keywords column for user %s: %w", userID, err)
	}
	if err := unmarshalTerms(exceptions, &u.Exceptions); err != nil {
		return nil, fmt.Errorf("bad exceptions column for user %s: %w", userID, err)
	}
	return u, nil
}

func (p *Postgres) ListActive(ctx context.Context) ([]*UserRecord, error) {
	query :=
		`SELECT user_id, display_name, session_credential, keywords, exceptions, active, created_at
		 FROM users
		 WHERE active AND session_credential IS NOT NULL AND session_credential <> ''
		 ORDER BY created_at
		 `

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []*UserRecord
	for rows.Next() {
		u := &UserRecord{}
		var credential sql.NullString
		var keywords, exceptions string
		if err := rows.Scan(&u.UserID, &u.DisplayName, &credential, &keywords, &exceptions, &u.Active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		u.Credential = credential.String
		if err := unmarshalTerms(keywords, &u.Keywords); err != nil {
			return nil, fmt.Errorf("bad keywords column for user %s: %w", u.UserID, err)
		}
		if err := unmarshalTerms(exceptions, &u.Exceptions); err != nil {
			return nil, fmt.Errorf("bad exceptions column for user %s: %w", u.UserID, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return users, nil
}

func (p *Postgres) SaveCredential(ctx context.Context, userID, displayName, credential string) error {
	query :=
		`INSERT INTO users (user_id, display_name, session_credential, keywords, exceptions, active)
		 VALUES ($1, $2, $3, '[]', '[]', TRUE)
		 ON CONFLICT (user_id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     session_credential = EXCLUDED.session_credential,
		     active = TRUE
		 `

	if _, err := p.db.ExecContext(ctx, query, userID, displayName, credential); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) SaveKeywords(ctx context.Context, userID string, keywords []string) error {
	return p.updateTerms(ctx, userID, "keywords", keywords)
}

func (p *Postgres) SaveExceptions(ctx context.Context, userID string, exceptions []string) error {
	return p.updateTerms(ctx, userID, "exceptions", exceptions)
}

func (p *Postgres) updateTerms(ctx context.Context, userID, column string, terms []string) error {
	serialized, err := marshalTerms(terms)
	if err != nil {
		return err
	}

	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`UPDATE users SET %s = $2 WHERE user_id = $1`, column)
	res, err := p.db.ExecContext(ctx, query, userID, serialized)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return relay.ErrNotFound
	}
	return nil
}

func (p *Postgres) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET active = $2 WHERE user_id = $1`, userID, active)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return relay.ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteUser(ctx context.Context, userID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) IsAllowed(ctx context.Context, userID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM access_grants WHERE user_id = $1`, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

func (p *Postgres) Grant(ctx context.Context, userID, displayName, grantedBy string) error {
	query :=
		`INSERT INTO access_grants (user_id, display_name, granted_by)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING
		 `

	if _, err := p.db.ExecContext(ctx, query, userID, displayName, grantedBy); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) Revoke(ctx context.Context, userID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM access_grants WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) ListGrants(ctx context.Context) ([]*AccessGrant, error) {
	query :=
		`SELECT user_id, display_name, granted_by, granted_at
		 FROM access_grants
		 ORDER BY granted_at
		 `

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var grants []*AccessGrant
	for rows.Next() {
		g := &AccessGrant{}
		if err := rows.Scan(&g.UserID, &g.DisplayName, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return grants, nil
}

func (p *Postgres) CountGrants(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_grants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func marshalTerms(terms []string) (string, error) {
	if terms == nil {
		terms = []string{}
	}
	raw, err := json.Marshal(terms)
	if err != nil {
		return "", fmt.Errorf("failed to serialize terms: %w", err)
	}
	return string(raw), nil
}

func unmarshalTerms(raw string, dst *[]string) error {
	if raw == "" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
