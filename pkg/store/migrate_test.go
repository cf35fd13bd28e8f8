// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"

	"github.com/aiku/mattermost-keyword-relay/pkg/store/migrations"
)

// TestRunMigrations_CallsGoose verifies the embedded FS is handed to goose
// with the pgx dialect configured.
func TestRunMigrations_CallsGoose(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New err: %v", err)
	}
	defer db.Close()

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	called := false
	gooseUpContext = func(_ context.Context, gotDB *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		called = true
		if gotDB != db {
			t.Error("wrong database handle passed to goose")
		}
		if dir != "." {
			t.Errorf("expected migration root %q, got %q", ".", dir)
		}
		return nil
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("goose.UpContext was not invoked")
	}
}

// TestRunMigrations_PropagatesError verifies goose failures surface.
func TestRunMigrations_PropagatesError(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New err: %v", err)
	}
	defer db.Close()

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	boom := errors.New("migration failed")
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return boom
	}

	if err := RunMigrations(context.Background(), db); !errors.Is(err, boom) {
		t.Fatalf("expected goose error to propagate, got %v", err)
	}
}

// TestMigrationsEmbedded verifies the migration files made it into the
// binary.
func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()
	entries, err := migrations.Migrations.ReadDir(".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migration files")
	}
	if _, err := migrations.Migrations.ReadFile("00001_create_relay_tables.sql"); err != nil {
		t.Fatalf("initial migration missing: %v", err)
	}
}
