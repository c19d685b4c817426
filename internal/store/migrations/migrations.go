package migrations

import "embed"

// FS holds the SQL migrations applied by store.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
