// Package sqldb opens the relational databases used by the ledger and the
// anchor job store, and applies the embedded schema migrations. MySQL is
// reached through go-sql-driver/mysql and SQLite through the pure Go
// modernc.org/sqlite driver.
package sqldb
