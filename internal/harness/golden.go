package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/isocheck/internal/ir"
	"github.com/roach88/isocheck/internal/store"
)

// GoldenName is the golden file name of a scenario's verdict at the level
// it ran at, e.g. "write_skew.serializable".
func GoldenName(res *Result) string {
	return res.Scenario + "." + res.Level.Key()
}

// RunWithGolden runs a scenario and compares its canonical verdict with
// testdata/golden/<GoldenName>.golden.
//
// To create or update golden files:
//
//	go test ./internal/harness -run TestGolden -update
func RunWithGolden(t *testing.T, sc *Scenario, open store.Opener, opts Options) *Result {
	t.Helper()

	res, err := Run(context.Background(), sc, open, opts)
	if err != nil {
		t.Fatalf("running %s: %v", sc.Name, err)
	}
	AssertGolden(t, GoldenName(res), res)
	return res
}

// AssertGolden compares res's canonical verdict against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, name string, res *Result) {
	t.Helper()

	verdict, err := ir.MarshalCanonical(res.Canonical())
	if err != nil {
		t.Fatalf("rendering verdict of %s: %v", name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, verdict)
}
