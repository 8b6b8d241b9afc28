// Package database provides the SQLite store behind budlink's field
// history.
//
// It manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Ordered, transactional schema migrations from an fs.FS
//   - Health checks and lifecycle
//
// Usage:
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
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. Migrations are additive: new columns must be
// nullable or carry a default.
//
// All queries use parameterised statements. The database file is chmod
// 0600 on open.
package database
