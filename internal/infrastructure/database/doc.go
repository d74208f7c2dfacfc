// Package database provides SQLite connectivity for fleetd.
//
// It opens the database in WAL mode with a busy timeout, limits the pool
// to a single connection, and applies the embedded schema migrations.
// The job store, device state store and event store all run on the DB
// returned by Open.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql, and are registered by the migrations package.
package database
