// Package store defines the contract between the isolation harness and the
// transactional row store under test.
//
// The harness never reaches into a store's internals. Everything it knows
// about isolation comes from what a Tx returns: rows read, rows written,
// aggregates, and whether Commit succeeded.
//
// # Contract
//
//   - Rows carry a stable int64 id and a map of column values. Values are
//     int64 or string, nothing else.
//   - Read returns rows ordered by id ascending.
//   - Predicates are conjunctions of column equalities.
//   - Commit returns an error wrapping ErrSerialization when the store aborts
//     the transaction to preserve its isolation guarantees. Any other error
//     is a plain failure.
//   - A Tx is used by a single goroutine. A Store is shared by all of them.
//
// Two adapters live in subpackages: sqlstore drives any database/sql driver
// (SQLite by default) and memstore is an in-memory reference store.
package store
