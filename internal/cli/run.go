package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/isocheck/internal/config"
	"github.com/roach88/isocheck/internal/harness"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/store/memstore"
	"github.com/roach88/isocheck/internal/store/sqlstore"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string

	// flags holds flag values; only flags set on the command line
	// override the config file.
	flags config.Config

	// IDs overrides the run id generator (for testing). If nil, runs get
	// UUIDv7 ids.
	IDs harness.IDGenerator
}

// ScenarioResult is the verdict of one scenario at one level.
type ScenarioResult struct {
	Name        string   `json:"name"`
	File        string   `json:"file"`
	Level       string   `json:"level"`
	RunID       string   `json:"run_id"`
	Pass        bool     `json:"pass"`
	Attempts    int      `json:"attempts"`
	Fingerprint string   `json:"fingerprint"`
	Observed    []string `json:"observed,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// RunSummary is the output of the run command.
type RunSummary struct {
	Store     string           `json:"store"`
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	opts.flags = config.Default()

	cmd := &cobra.Command{
		Use:   "run <scenarios-dir>",
		Short: "Run isolation scenarios against a store",
		Long: `Run every scenario file in a directory against a fresh store and check
the phenomena observed against the isolation level's rule table.

Each scenario gets its own store. With --level all every scenario runs at
each modelled level, so one invocation produces the whole level matrix.
--repeat runs each scenario several times and fails it if the verdicts
differ.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad config, store would not open)

Examples:
  isocheck run ./scenarios
  isocheck run ./scenarios --level all --repeat 5
  isocheck run ./scenarios --store sqlite --db /tmp/isocheck --level serializable
  isocheck run ./scenarios --filter '^write_skew' --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	f.StringVar(&opts.flags.Store, "store", opts.flags.Store, "store backend (memory|sqlite)")
	f.StringVar(&opts.flags.DB, "db", "", "directory for SQLite database files (default: a temporary directory)")
	f.StringVar(&opts.flags.Level, "level", "", "run at this level instead of the declared one, or \"all\"")
	f.IntVar(&opts.flags.Repeat, "repeat", opts.flags.Repeat, "runs per scenario; verdicts must agree")
	f.DurationVar(&opts.flags.Timeout, "timeout", opts.flags.Timeout, "deadline for one scenario run")
	f.DurationVar(&opts.flags.Bound, "bound", opts.flags.Bound, "how long a transaction may block at an interleave point")
	f.IntVar(&opts.flags.Attempts, "attempts", opts.flags.Attempts, "tries per run after a transaction failure")
	f.StringVar(&opts.flags.Filter, "filter", "", "only run scenarios whose name matches this regular expression")
	f.BoolVar(&opts.flags.PhantomAtRepeatableRead, "phantom-at-rr", false, "permit phantom reads at repeatable_read")

	return cmd
}

// resolveConfig loads the config file, if any, and applies the flags set
// on the command line over it.
func resolveConfig(opts *RunOptions, cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("store") {
		cfg.Store = opts.flags.Store
	}
	if changed("db") {
		cfg.DB = opts.flags.DB
	}
	if changed("level") {
		cfg.Level = opts.flags.Level
	}
	if changed("repeat") {
		cfg.Repeat = opts.flags.Repeat
	}
	if changed("timeout") {
		cfg.Timeout = opts.flags.Timeout
	}
	if changed("bound") {
		cfg.Bound = opts.flags.Bound
	}
	if changed("attempts") {
		cfg.Attempts = opts.flags.Attempts
	}
	if changed("filter") {
		cfg.Filter = opts.flags.Filter
	}
	if changed("phantom-at-rr") {
		cfg.PhantomAtRepeatableRead = opts.flags.PhantomAtRepeatableRead
	}
	return cfg, cfg.Validate()
}

func runScenarios(opts *RunOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	log := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := resolveConfig(opts, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	levels, _ := cfg.Levels()
	filter, _ := cfg.FilterRegexp()
	rules := cfg.Rules()

	loaded, loadErrs := LoadScenarios(dir, LoadModeFailFast)
	if len(loadErrs) > 0 {
		code := ErrCodeGeneric
		var le *LoadError
		if errors.As(loadErrs[0], &le) {
			code = le.Code
		}
		_ = formatter.Error(code, loadErrs[0].Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenarios", loadErrs[0])
	}
	formatter.VerboseLog("Found %d scenario file(s) in %s", loaded.FileCount, dir)

	open, cleanup, err := opener(cfg, log)
	if err != nil {
		_ = formatter.Error(ErrCodeRunFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to prepare store", err)
	}
	defer cleanup()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, cancelling scenarios", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	summary := RunSummary{Store: cfg.Store, Scenarios: []ScenarioResult{}}
	for i, sc := range loaded.Scenarios {
		if filter != nil && !filter.MatchString(sc.Name) {
			continue
		}
		for _, level := range levelsFor(sc, levels) {
			hopts := harness.Options{
				Level:    level,
				Rules:    &rules,
				Bound:    cfg.Bound,
				Timeout:  cfg.Timeout,
				Attempts: cfg.Attempts,
				Logger:   log,
				IDs:      opts.IDs,
			}
			res, err := harness.Repeat(ctx, sc, open, hopts, cfg.Repeat)
			if err != nil {
				_ = formatter.Error(ErrCodeRunFailed, fmt.Sprintf("%s: %v", sc.Name, err), nil)
				return WrapExitError(ExitCommandError, fmt.Sprintf("failed to run %s", sc.Name), err)
			}

			r := scenarioResult(loaded.Files[i], res)
			summary.Scenarios = append(summary.Scenarios, r)
			summary.Total++
			if r.Pass {
				summary.Passed++
			} else {
				summary.Failed++
			}
			if formatter.Format != "json" {
				outputScenarioText(formatter, r, res)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if formatter.Format == "json" {
		return outputRunJSON(formatter, summary)
	}
	return outputRunText(formatter, summary)
}

// levelsFor is the scenario's own level unless levels overrides it.
func levelsFor(sc *harness.Scenario, levels []isolation.Level) []isolation.Level {
	if len(levels) == 0 {
		return []isolation.Level{sc.Level}
	}
	return levels
}

// opener returns the store factory for cfg and a cleanup removing what it
// created.
func opener(cfg config.Config, log *slog.Logger) (store.Opener, func(), error) {
	if cfg.Store == config.StoreMemory {
		return memstore.Opener(), func() {}, nil
	}

	if cfg.DB != "" {
		if err := os.MkdirAll(cfg.DB, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return sqlstore.SQLiteOpener(cfg.DB), func() {}, nil
	}

	dir, err := os.MkdirTemp("", "isocheck-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	log.Debug("sqlite databases in temporary directory", "dir", dir)
	return sqlstore.SQLiteOpener(dir), func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Error("failed to remove database directory", "dir", dir, "error", err)
		}
	}, nil
}

func scenarioResult(file string, res *harness.Result) ScenarioResult {
	r := ScenarioResult{
		Name:        res.Scenario,
		File:        file,
		Level:       res.Level.Key(),
		RunID:       res.RunID,
		Pass:        res.Pass,
		Attempts:    res.Attempts,
		Fingerprint: res.Fingerprint,
		Errors:      res.Errors,
	}
	for _, o := range res.Observed {
		r.Observed = append(r.Observed, fmt.Sprintf("%s by %s", o.Phenomenon, o.TxID))
	}
	return r
}

func outputScenarioText(f *OutputFormatter, r ScenarioResult, res *harness.Result) {
	w := f.Writer
	fmt.Fprintf(w, "%s %s [%s] %s\n", f.Mark(r.Pass), r.Name, r.Level, shortFingerprint(r.Fingerprint))
	for _, o := range r.Observed {
		fmt.Fprintf(w, "  observed %s\n", o)
	}
	if r.Attempts > 1 {
		fmt.Fprintf(w, "  %s\n", f.Warn(fmt.Sprintf("passed on attempt %d", r.Attempts)))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	if f.Verbose {
		for _, ev := range res.Trace {
			f.VerboseLog("    %4d %-3s %-9s %s%s%s", ev.Seq, ev.Tx, ev.Kind, ev.Point, ev.Label, traceDetail(ev))
		}
	}
}

func traceDetail(ev harness.TraceEvent) string {
	switch {
	case ev.Error != "":
		return " error: " + ev.Error
	case ev.Detail != "":
		return " " + ev.Detail
	}
	return ""
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func outputRunJSON(f *OutputFormatter, summary RunSummary) error {
	resp := CLIResponse{Status: "ok", Data: summary}
	if summary.Failed > 0 {
		resp.Status = "error"
		resp.Error = &CLIError{
			Code:    ErrCodeFailed,
			Message: fmt.Sprintf("%d scenario(s) failed", summary.Failed),
		}
	}
	if err := f.encode(resp); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}
	return nil
}

func outputRunText(f *OutputFormatter, summary RunSummary) error {
	w := f.Writer
	if summary.Total == 0 {
		fmt.Fprintln(w, "No scenarios matched.")
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary: %d passed, %d failed, %d total (%s store)\n", summary.Passed, summary.Failed, summary.Total, summary.Store)
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}
	fmt.Fprintf(w, "%s All scenarios passed\n", f.Mark(true))
	return nil
}

