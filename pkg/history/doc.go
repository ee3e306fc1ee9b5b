// Package history persists a record of every sync cycle that changed
// something or failed.
//
// Two backends share one schema, applied with embedded golang-migrate
// migrations: SQLite through the pure Go modernc driver, and Postgres
// through pgx. Use Open to pick one from a DSN.
package history
