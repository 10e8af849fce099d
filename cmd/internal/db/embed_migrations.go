// Package db holds the embedded PostgreSQL schema for the session store.
package db

import "embed"

// MigrationFS embeds SQL migration files from cmd/internal/db/migrations.
// Used by the migrate runner (devicecap migrate) to apply migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
