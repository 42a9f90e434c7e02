package db

import "embed"

// MigrationFS holds the ledger schema migrations, applied by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
