// Package migrations embeds the SQL migration files into the binary.
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file at its root; pass it to
// database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
