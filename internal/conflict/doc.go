// Package conflict decides which of two Serializable transactions must
// abort when their touched invariants intersect, and records what a run
// actually did about it.
//
// An invariant is named by the table it is derived from. A transaction
// touches the tables it writes and, when it writes anything, the tables it
// read: those reads are what its writes were derived from. A read-only
// transaction derives nothing and touches nothing.
//
// Model is prescriptive and drives the in-memory reference store: first
// committer wins. Detect is observational and turns the outcomes of a run
// into ConflictRecords for the oracle.
package conflict
