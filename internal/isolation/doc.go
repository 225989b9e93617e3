// Package isolation defines the isolation levels under test, the
// concurrency phenomena the oracle can observe, and the rule table that
// says which phenomena each level permits.
//
// # Rule Table
//
// The default table follows the PostgreSQL reading of the SQL standard:
//
//	                     DirtyRead  Nonrepeatable  Phantom  Anomaly
//	ReadCommitted        forbidden  permitted      permitted permitted
//	RepeatableRead       forbidden  forbidden      forbidden permitted
//	Serializable         forbidden  forbidden      forbidden forbidden
//
// Whether PhantomRead is forbidden at RepeatableRead depends on the engine
// (the ANSI definition permits it). Use WithPhantomAtRepeatableRead to model
// such an engine instead of hardcoding either answer.
//
// DirtyRead is forbidden at every modelled level; ReadUncommitted is not
// modelled.
package isolation
