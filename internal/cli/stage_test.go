package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idmigrate/internal/staging"
)

func executeStage(t *testing.T, format string, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewStageCommand(&RootOptions{Format: format})
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestStage_TextOutput(t *testing.T) {
	dir := t.TempDir()
	passwords := filepath.Join(dir, "passwords.ndjson")
	require.NoError(t, os.WriteFile(passwords, []byte(
		`{"_id":"a1","passwordHash":"$2b$10$one"}`+"\n"+
			`{"_id":{"$oid":"a1"},"passwordHash":"$2b$10$two"}`+"\n"), 0o644))
	tempDB := filepath.Join(dir, "creds.db")

	stdout, _, err := executeStage(t, "text", "--password-export", passwords, "--temp-db", tempDB)
	require.NoError(t, err)
	assert.Equal(t, "Staged 1 password record(s) from "+passwords+" (1 duplicate, 0 skipped).\n", stdout)
	assert.FileExists(t, tempDB)
}

func TestStage_JSONOutput(t *testing.T) {
	dir := t.TempDir()
	mfa := filepath.Join(dir, "mfa.ndjson")
	require.NoError(t, os.WriteFile(mfa, []byte(
		`{"user_id":"auth0|a1","type":"otp","otp_secret":"S"}`+"\n"+
			`{"user_id":"auth0|b2","type":"sms"}`+"\n"), 0o644))

	stdout, _, err := executeStage(t, "json", "--mfa-export", mfa, "--temp-db", filepath.Join(dir, "creds.db"))
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   StageResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Ingests, 1)
	assert.Equal(t, staging.KindMFASecret, resp.Data.Ingests[0].Kind)
	assert.Equal(t, int64(1), resp.Data.Ingests[0].Inserted)
	assert.Equal(t, int64(1), resp.Data.Ingests[0].Skipped)
}

func TestStage_NothingToStage(t *testing.T) {
	_, stderr, err := executeStage(t, "text", "--temp-db", filepath.Join(t.TempDir(), "creds.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "nothing to stage")
}

func TestStage_InvalidRecord(t *testing.T) {
	dir := t.TempDir()
	passwords := filepath.Join(dir, "passwords.ndjson")
	require.NoError(t, os.WriteFile(passwords, []byte(`{"_id":"a1"}`+"\n"), 0o644))

	_, stderr, err := executeStage(t, "text", "--password-export", passwords, "--temp-db", filepath.Join(dir, "creds.db"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stderr, "Error [PARSE_ERROR]")
}
