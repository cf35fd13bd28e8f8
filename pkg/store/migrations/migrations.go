// Copyright 2024-2026 Aiku AI

// Package migrations embeds the goose SQL migrations for the relay schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
