package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/isocheck/internal/clock"
	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/interleave"
	"github.com/roach88/isocheck/internal/ir"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/oracle"
	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/txn"
)

// DefaultTimeout bounds a whole scenario run when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// cleanupTimeout bounds the final read taken after the transactions ended,
// which runs even when the scenario deadline has passed.
const cleanupTimeout = 5 * time.Second

// Options configures a run. The zero value runs the scenario at its own
// level with the default rule table, one attempt and discarded logs.
type Options struct {
	// Level overrides the scenario's level when set.
	Level isolation.Level

	// Rules is the rule table verdicts are checked against.
	Rules *isolation.RuleTable

	// Bound is how long a transaction may block at an interleave point.
	Bound time.Duration

	// Timeout bounds the whole run. When it expires every transaction is
	// cancelled and rolled back.
	Timeout time.Duration

	// Attempts is how many times a run that ended in a transaction failure
	// is tried, each time on a fresh store. Serialization failures are
	// outcomes, not failures, and are never retried.
	Attempts int

	Logger *slog.Logger
	IDs    IDGenerator
}

func (o Options) withDefaults(sc *Scenario) Options {
	if !o.Level.Valid() {
		o.Level = sc.Level
	}
	if o.Rules == nil {
		rules := isolation.NewRuleTable()
		o.Rules = &rules
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.IDs == nil {
		o.IDs = UUIDv7Generator{}
	}
	return o
}

// Run executes a scenario against a fresh store from open and returns the
// verdict.
//
// The returned error is reserved for runs that could not be set up (the
// store would not open or seed, a point would not register). Everything
// that happens once the transactions start, including coordinator
// timeouts, is reported in the Result.
func Run(ctx context.Context, sc *Scenario, open store.Opener, opts Options) (*Result, error) {
	opts = opts.withDefaults(sc)
	runID := opts.IDs.Generate()
	log := opts.Logger.With("run", runID, "scenario", sc.Name, "level", opts.Level.String())

	var res *Result
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		r, err := runOnce(ctx, sc, open, opts, log)
		if err != nil {
			return nil, err
		}
		r.RunID, r.Attempts = runID, attempt
		res = r
		if !retryable(r.Cause) || attempt == opts.Attempts {
			break
		}
		log.Info("retrying after transaction failure", "attempt", attempt, "cause", r.Cause)
	}

	log.Info("scenario finished", "pass", res.Pass, "attempts", res.Attempts, "fingerprint", res.Fingerprint)
	return res, nil
}

// Repeat runs the scenario n times. The first result is returned; it fails
// if any later run produced a different verdict fingerprint.
func Repeat(ctx context.Context, sc *Scenario, open store.Opener, opts Options, n int) (*Result, error) {
	first, err := Run(ctx, sc, open, opts)
	if err != nil {
		return nil, err
	}
	for i := 2; i <= n; i++ {
		r, err := Run(ctx, sc, open, opts)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		if r.Fingerprint != first.Fingerprint {
			first.AddError(fmt.Sprintf("run %d produced verdict %s, run 1 produced %s", i, short(r.Fingerprint), short(first.Fingerprint)))
			return first, nil
		}
	}
	return first, nil
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

// retryable reports whether cause is a transaction failure of the store
// rather than of the run itself.
func retryable(cause error) bool {
	return cause != nil &&
		txn.IsTransactionFailure(cause) &&
		!errors.Is(cause, context.Canceled) &&
		!errors.Is(cause, context.DeadlineExceeded)
}

// outcomeOnly reports whether err only ends its own transaction. Anything
// else (coordinator failures, cancellation) stops the whole run.
func outcomeOnly(err error) bool {
	var f *txn.Failure
	return errors.As(err, &f) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func runOnce(ctx context.Context, sc *Scenario, open store.Opener, opts Options, log *slog.Logger) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	st, err := open(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := st.Seed(runCtx, sc.Table, sc.Rows); err != nil {
		return nil, fmt.Errorf("failed to seed %s: %w", sc.Table.Name, err)
	}

	clk := clock.New()
	seed, err := readAll(runCtx, st, sc.Table, "@seed", clk.Next())
	if err != nil {
		return nil, fmt.Errorf("failed to read seeded rows: %w", err)
	}

	coord := interleave.New(opts.Bound, interleave.WithLogger(log))
	for _, p := range sc.Points {
		var popts []interleave.PointOption
		if len(p.ReleaseOrder) > 0 {
			popts = append(popts, interleave.WithReleaseOrder(p.ReleaseOrder...))
		}
		if err := coord.RegisterPoint(p.Name, p.Participants, popts...); err != nil {
			return nil, err
		}
	}

	env := txn.Env{
		Store:       st,
		Coordinator: coord,
		Clock:       clk,
		Tables:      map[string]store.Table{sc.Table.Name: sc.Table},
		Logger:      log,
	}

	handles := make([]*txn.Handle, len(sc.Transactions))
	errs := make([]error, len(sc.Transactions))
	g, gctx := errgroup.WithContext(runCtx)
	for i, t := range sc.Transactions {
		g.Go(func() error {
			h, err := txn.Run(gctx, env, t.ID, opts.Level, body(sc.Table, t))
			handles[i], errs[i] = h, err
			if err != nil {
				coord.Leave(t.ID)
			} else {
				coord.Done(t.ID)
			}
			if err != nil && !outcomeOnly(err) {
				return err
			}
			return nil
		})
	}
	groupErr := g.Wait()

	res := NewResult(sc.Name, opts.Level)
	res.Seed = seed
	for i, h := range handles {
		res.Transactions = append(res.Transactions, TxResult{
			ID:        h.ID,
			Outcome:   h.Outcome(),
			Err:       errs[i],
			Snapshots: h.Snapshots(),
		})
	}
	res.Trace = buildTrace(handles)

	// Root cause: a failed coordinator explains every other error, then
	// the deadline, then the first failure in transaction order.
	switch {
	case coord.Err() != nil:
		res.Cause = coord.Err()
	case runCtx.Err() != nil && ctx.Err() == nil:
		res.Cause = fmt.Errorf("scenario timed out after %s: %w", opts.Timeout, runCtx.Err())
	case groupErr != nil:
		res.Cause = groupErr
	}
	if res.Cause != nil {
		res.AddError(res.Cause.Error())
	}
	for i, err := range errs {
		if err == nil || !outcomeOnly(err) || !txn.IsTransactionFailure(err) {
			continue
		}
		if res.Cause == nil {
			res.Cause = err
		}
		res.AddError(fmt.Sprintf("%s: %v", sc.Transactions[i].ID, err))
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer fcancel()
	final, err := readAll(fctx, st, sc.Table, "@final", clk.Next())
	if err != nil {
		res.AddError(fmt.Sprintf("failed to read final rows: %v", err))
	} else {
		res.Final = final.Rows
	}

	summaries := make([]conflict.Summary, len(handles))
	for i, h := range handles {
		summaries[i] = h.Summary()
	}
	res.Conflicts = conflict.Detect(opts.Level, summaries)
	res.Observed = oracle.NewHistory([]store.Snapshot{seed}, handles).Observe()
	res.Violations = oracle.Check(opts.Level, *opts.Rules, res.Observed, res.Conflicts, sc.Expect.Phenomenon)
	for _, v := range res.Violations {
		res.AddError(v.Error())
	}
	checkExpect(res, sc)

	res.Fingerprint, err = ir.Fingerprint(ir.DomainVerdict, res.Canonical())
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint verdict: %w", err)
	}
	log.Debug("attempt finished", "pass", res.Pass, "observed", len(res.Observed), "violations", len(res.Violations), "conflicts", len(res.Conflicts))
	return res, nil
}

// readAll reads the whole table in its own transaction.
func readAll(ctx context.Context, st store.Store, t store.Table, label string, seq int64) (store.Snapshot, error) {
	tx, err := st.Begin(ctx, isolation.Serializable)
	if err != nil {
		return store.Snapshot{}, err
	}
	p := store.Predicate{Table: t.Name}
	rows, err := tx.Read(ctx, p)
	if err != nil {
		_ = tx.Rollback(ctx)
		return store.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(t, "", label, seq, p, rows)
}

// checkExpect compares the run with the scenario's expectations for the
// level it ran at.
func checkExpect(res *Result, sc *Scenario) {
	e := sc.Expect
	level := res.Level

	if want, ok := forLevel(e.Observed, level); ok {
		got := res.Saw(e.Phenomenon)
		switch {
		case want && !got:
			res.AddError(fmt.Sprintf("expected %s to be observed at %s, it was not", e.Phenomenon, level))
		case !want && got:
			res.AddError(fmt.Sprintf("%s observed at %s, expected it not to be", e.Phenomenon, level))
		}
	}

	if want, ok := forLevel(e.Outcomes, level); ok {
		for _, id := range ir.SortedKeys(want) {
			t, found := res.Tx(id)
			if !found {
				continue
			}
			if got := t.Outcome.String(); got != want[id] {
				res.AddError(fmt.Sprintf("%s: expected outcome %s at %s, got %s", id, want[id], level, got))
			}
		}
	}

	for i, f := range e.Final {
		want, ok := forLevel(f.Count, level)
		if !ok {
			continue
		}
		p := store.Predicate{Table: sc.Table.Name, Where: f.Where}
		got := 0
		for _, row := range res.Final {
			if p.Matches(row.Values) {
				got++
			}
		}
		if got != want {
			res.AddError(fmt.Sprintf("final[%d]: expected %d rows of %s at %s, got %d", i, want, p, level, got))
		}
	}
}
