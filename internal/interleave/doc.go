// Package interleave forces a deterministic interleaving of concurrent
// transactions through named rendezvous points.
//
// Each transaction runs on its own goroutine and calls Wait at the points
// it was declared for. Nobody passes a point until every participant has
// arrived. A point may also carry a release order, in which case
// participants pass one at a time and each one holds the others back until
// it reaches its next Wait or calls Done. That is how "B commits before A
// reads again" is expressed.
//
// Every wait is bounded. When one waiter has been blocked longer than the
// bound, the whole coordinator fails with a *TimeoutError and every blocked
// or future Wait returns it. A misconfigured scenario fails loudly; it
// never hangs.
package interleave
