package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runValidateCmd(format string, args ...string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestValidateHarnessScenarios(t *testing.T) {
	out, err := runValidateCmd("text", scenarioSource)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "✓ All 8 scenario(s) valid")
}

func TestValidateJSON(t *testing.T) {
	dir := scenarioDir(t, "write_skew", "dirty_read")
	out, err := runValidateCmd("json", dir)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 2, resp.Data.Files)
	assert.Equal(t, []string{"dirty_read", "write_skew"}, resp.Data.Scenarios)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	dir := scenarioDir(t, "write_skew")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_schema.yaml"), []byte("name: a\nbogus: true\n"), 0644))

	invalid, err := os.ReadFile(filepath.Join(scenarioSource, "dirty_read.yaml"))
	require.NoError(t, err)
	invalid = bytes.Replace(invalid, []byte("wait: written"), []byte("wait: nowhere"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_invalid.yaml"), invalid, 0644))

	// Same name as write_skew.yaml, sorted after it.
	dup, err := os.ReadFile(filepath.Join(dir, "write_skew.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "z_dup.yml"), dup, 0644))

	out, err := runValidateCmd("json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	assert.Equal(t, 4, resp.Data.Files)
	require.Len(t, resp.Data.Errors, 3)
	assert.Equal(t, ErrCodeSchema, resp.Data.Errors[0].Code)
	assert.Equal(t, ErrCodeInvalid, resp.Data.Errors[1].Code)
	assert.Contains(t, resp.Data.Errors[1].Message, "unknown point nowhere")
	assert.Equal(t, ErrCodeDuplicateName, resp.Data.Errors[2].Code)
}

func TestValidateText(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\n"), 0644))

	out, err := runValidateCmd("text", dir)
	require.Error(t, err)
	assert.Contains(t, out.String(), "✗ Validation failed")
	assert.Contains(t, out.String(), ErrCodeSchema)
	assert.Contains(t, out.String(), "bad.yaml")
}

func TestValidateDirectoryErrors(t *testing.T) {
	_, err := runValidateCmd("text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)

	_, err = runValidateCmd("text", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
}
