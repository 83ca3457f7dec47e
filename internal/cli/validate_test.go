package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudsync/internal/config"
)

func runValidateCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestValidateValidConfig(t *testing.T) {
	output, err := runValidateCmd(t, "text", "testdata/engine.cue")
	require.NoError(t, err)
	assert.Contains(t, output, "✓ Config valid: 2 record type(s)")
}

func TestValidateValidConfigJSON(t *testing.T) {
	output, err := runValidateCmd(t, "json", "testdata/engine.cue")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, []TypeSummary{
		{Name: "Note", Predicate: "true", Relationships: map[string]string{"folder": "Folder"}},
		{Name: "Folder", Predicate: "true"},
	}, resp.Data.Types)
}

func TestValidateSemanticErrors(t *testing.T) {
	path := writeConfig(t, `
types: Note: {
	predicate: "status =="
	relationships: folder: "Folder"
}
`)

	output, err := runValidateCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with 2 error(s)")
	assert.Contains(t, output, "✗ Validation failed")
	assert.Contains(t, output, config.ErrInvalidPredicate)
	assert.Contains(t, output, config.ErrUnknownTargetType)
}

func TestValidateSemanticErrorsJSON(t *testing.T) {
	path := writeConfig(t, `types: Note: relationships: folder: "Folder"`)

	output, err := runValidateCmd(t, "json", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 1)
	assert.Equal(t, "types.Note.relationships.folder", resp.Data.Errors[0].Field)
	assert.Equal(t, config.ErrUnknownTargetType, resp.Error.Code)
}

func TestValidateSchemaError(t *testing.T) {
	path := writeConfig(t, "types: Note: {}\nmax_items: 1000\n")

	output, err := runValidateCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, ErrCodeInvalidConfig)
	assert.Contains(t, output, "max_items")
}

func TestValidateNonExistentFile(t *testing.T) {
	output, err := runValidateCmd(t, "text", filepath.Join(t.TempDir(), "absent.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "config file not found")
}

func TestValidateMissingArg(t *testing.T) {
	_, err := runValidateCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestValidateVerboseListsTypes(t *testing.T) {
	out := &bytes.Buffer{}
	diag := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(out)
	cmd.SetErr(diag)
	cmd.SetArgs([]string{"testdata/engine.cue"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, diag.String(), "Note where true")
	assert.Contains(t, diag.String(), "folder -> Folder")
}
