// Package oracle classifies what transactions observed into named
// phenomena and checks them against the rule table.
//
// Classification works from the run's record alone: the seed snapshot,
// every transaction's op log and snapshots, and the logical seq of each
// event. A changed row only counts as a phenomenon when another
// transaction's write explains it:
//
//   - DirtyRead: a snapshot row equals what another transaction wrote but
//     had not committed when the snapshot was taken, and the committed
//     state at that time does not hold that row.
//   - NonrepeatableRead: a row present in two same-predicate snapshots
//     changed, and another transaction committed an update of it between
//     the captures.
//   - PhantomRead: the set of rows differs, and another transaction
//     committed an insert, delete or update of a differing row between the
//     captures.
//   - SerializationAnomaly: two committed, overlapping transactions each
//     read an invariant before the other committed and each wrote an
//     invariant the other read.
//
// Per snapshot pair the priority is DirtyRead, then NonrepeatableRead,
// then PhantomRead.
package oracle
