// Package txn runs one logical transaction of a scenario against the store
// and records everything it observed.
//
// Run begins a store transaction, hands a *Tx to the body, and commits when
// the body returns. Every operation is stamped with a seq from the shared
// clock and appended to the Handle's op log; captures also store a
// validated snapshot. On any error the transaction is rolled back.
// Nothing is retried here.
//
// Errors surface as:
//   - *Failure with KindSerialization when the store aborted to preserve
//     isolation
//   - *Failure with KindTransaction for any other store error, wrapped
//     verbatim
//   - coordinator errors (see interleave.TimeoutError), unchanged
package txn
