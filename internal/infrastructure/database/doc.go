// Package database provides the SQLite connection behind the node registry.
//
// Open creates the file and its directory on first use, enables WAL mode
// when configured and limits the pool to a single connection. Schema
// changes are versioned migration files applied by Migrate:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or have defaults, and
// every .up.sql file has a matching .down.sql for Rollback.
package database
