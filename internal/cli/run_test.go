package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/isocheck/internal/testutil"
)

var scenarioSource = filepath.Join("..", "harness", "testdata", "scenarios")

// scenarioDir copies the named harness scenarios into a temporary
// directory.
func scenarioDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(scenarioSource, name+".yaml"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), data, 0644))
	}
	return dir
}

func newRunCmd(format string, args ...string) (*bytes.Buffer, *bytes.Buffer, func() error) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	return out, errOut, cmd.Execute
}

func decodeSummary(t *testing.T, data []byte) (CLIResponse, RunSummary) {
	t.Helper()
	var resp struct {
		Status string     `json:"status"`
		Data   RunSummary `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &resp), string(data))
	return CLIResponse{Status: resp.Status, Error: resp.Error}, resp.Data
}

func TestRunPassingScenarios(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read", "write_skew")
	out, _, run := newRunCmd("text", dir)

	require.NoError(t, run())
	assert.Contains(t, out.String(), "✓ nonrepeatable_read [read_committed]")
	assert.Contains(t, out.String(), "✓ write_skew [serializable]")
	assert.Contains(t, out.String(), "Summary: 2 passed, 0 failed, 2 total (memory store)")
	assert.NotContains(t, out.String(), "\033[", "no colours when not writing to a terminal")
}

func TestRunLevelMatrixJSON(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read", "phantom_read", "write_skew", "dirty_read")
	out, _, run := newRunCmd("json", "--level", "all", "--repeat", "3", dir)

	require.NoError(t, run())
	resp, summary := decodeSummary(t, out.Bytes())
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 12, summary.Total)
	assert.Equal(t, 12, summary.Passed)

	byLevel := map[string][]string{}
	for _, s := range summary.Scenarios {
		byLevel[s.Level] = append(byLevel[s.Level], s.Name)
		assert.Len(t, s.Fingerprint, 64)
	}
	assert.Len(t, byLevel["read_committed"], 4)
	assert.Len(t, byLevel["serializable"], 4)
}

func TestRunFailingScenario(t *testing.T) {
	dir := scenarioDir(t, "missing_wait", "nonrepeatable_read")
	out, _, run := newRunCmd("json", dir)

	err := run()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp, summary := decodeSummary(t, out.Bytes())
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeFailed, resp.Error.Code)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Passed)
	for _, s := range summary.Scenarios {
		if s.Name == "missing_wait" {
			assert.False(t, s.Pass)
			require.NotEmpty(t, s.Errors)
			assert.Contains(t, s.Errors[0], "COORDINATOR_TIMEOUT")
		}
	}
}

func TestRunFilter(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read", "phantom_read", "write_skew")
	out, _, run := newRunCmd("json", "--filter", "^(phantom|write)", dir)

	require.NoError(t, run())
	_, summary := decodeSummary(t, out.Bytes())
	require.Len(t, summary.Scenarios, 2)
	assert.Equal(t, "phantom_read", summary.Scenarios[0].Name)
	assert.Equal(t, "write_skew", summary.Scenarios[1].Name)
}

func TestRunNoMatch(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read")
	out, _, run := newRunCmd("text", "--filter", "^nothing$", dir)

	require.NoError(t, run())
	assert.Contains(t, out.String(), "No scenarios matched.")
}

func TestRunSQLite(t *testing.T) {
	dir := scenarioDir(t, "write_skew_commit_first")
	db := filepath.Join(t.TempDir(), "dbs")
	out, _, run := newRunCmd("json", "--store", "sqlite", "--db", db, "--level", "serializable", dir)

	require.NoError(t, run())
	_, summary := decodeSummary(t, out.Bytes())
	assert.Equal(t, "sqlite", summary.Store)
	assert.Equal(t, 1, summary.Passed)

	files, err := filepath.Glob(filepath.Join(db, "*.db"))
	require.NoError(t, err)
	assert.Len(t, files, 1, "one database per run")
}

func TestRunDeterministicIDs(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read", "phantom_read")
	out := &bytes.Buffer{}
	cmd := newRunCommand(&RunOptions{
		RootOptions: &RootOptions{Format: "json"},
		IDs:         testutil.NewSequentialIDs("run"),
	})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--repeat", "2", dir})

	require.NoError(t, cmd.Execute())
	_, summary := decodeSummary(t, out.Bytes())
	require.Len(t, summary.Scenarios, 2)
	assert.Equal(t, "run-1", summary.Scenarios[0].RunID)
	assert.Equal(t, "run-3", summary.Scenarios[1].RunID, "each repeat is its own run")
}

func TestRunConfigFile(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read", "write_skew")
	cfg := filepath.Join(t.TempDir(), "isocheck.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("level: read_committed\nfilter: write\n"), 0644))

	out, _, run := newRunCmd("json", "--config", cfg, dir)
	require.NoError(t, run())
	_, summary := decodeSummary(t, out.Bytes())
	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "read_committed", summary.Scenarios[0].Level)

	// Flags override the file.
	out, _, run = newRunCmd("json", "--config", cfg, "--level", "repeatable_read", dir)
	require.NoError(t, run())
	_, summary = decodeSummary(t, out.Bytes())
	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "repeatable_read", summary.Scenarios[0].Level)
}

func TestRunCommandErrors(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read")
	badCfg := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badCfg, []byte("stor: memory\n"), 0644))

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing dir", []string{"/nonexistent/scenarios"}, "scenarios directory not found"},
		{"bad level", []string{"--level", "snapshot", dir}, "invalid configuration"},
		{"bad store", []string{"--store", "postgres", dir}, "invalid configuration"},
		{"bad repeat", []string{"--repeat", "0", dir}, "invalid configuration"},
		{"bad filter", []string{"--filter", "([", dir}, "invalid configuration"},
		{"unknown config key", []string{"--config", badCfg, dir}, "field stor not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, run := newRunCmd("text", tt.args...)
			err := run()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestRunInvalidScenarioFile(t *testing.T) {
	dir := scenarioDir(t, "nonrepeatable_read")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0644))

	out, _, run := newRunCmd("text", dir)
	err := run()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), ErrCodeSchema)
}

func TestRunMissingArgs(t *testing.T) {
	_, _, run := newRunCmd("text")
	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
