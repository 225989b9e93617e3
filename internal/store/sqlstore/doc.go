// Package sqlstore adapts a database/sql driver to the store contract.
//
// Statements are generated from the checked Predicate, Aggregate and Write
// values; identifiers come from a validated schema and every value is bound
// as a parameter. The requested isolation level is passed through
// sql.TxOptions, so what a transaction sees is entirely up to the driver.
//
// # SQLite
//
// OpenSQLite opens a database file with:
//   - WAL mode so readers keep a stable snapshot while a writer commits
//   - 5-second busy timeout for lock contention
//   - NORMAL synchronous mode
//
// SQLite ignores the requested level and always behaves as Serializable:
// a read transaction that tries to write after another connection
// committed fails with SQLITE_BUSY_SNAPSHOT, which ClassifySQLite reports
// as store.ErrSerialization.
package sqlstore
