// Package database provides the SQLite connection of the SX4 controller.
//
// The database holds the route journal. Schema changes are embedded SQL
// migrations named YYYYMMDD_HHMMSS_description.up.sql with an optional
// matching .down.sql, applied in version order, each in its own
// transaction.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
