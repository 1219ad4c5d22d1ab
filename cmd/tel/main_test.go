package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useRegistry points the CLI at a file store under a fresh directory.
func useRegistry(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TEL_STORE", "file")
	t.Setenv("TEL_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("TEL_KEY_DIR", filepath.Join(dir, "keys"))
	t.Setenv("TEL_AUDIT_LOG", filepath.Join(dir, "audit.jsonl"))
	t.Setenv("TEL_BUNDLE_STORE", "fs")
	t.Setenv("LOG_LEVEL", "INFO")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"tel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	code, out, errOut := run(t, args...)
	require.Equal(t, 0, code, "tel %s\nstdout: %s\nstderr: %s", strings.Join(args, " "), out, errOut)
	return out
}

func TestRun_Usage(t *testing.T) {
	code, _, errOut := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "USAGE")

	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "verify-bundle")

	code, _, errOut = run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, out, _ = run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "tel "+version+"\n", out)
}

func TestRun_FlagErrors(t *testing.T) {
	useRegistry(t)

	code, _, errOut := run(t, "issue")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--member is required")

	code, _, _ = run(t, "state", "--no-such-flag")
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "state", "--help")
	assert.Equal(t, 0, code)
}

func TestRun_MemberLifecycle(t *testing.T) {
	dir := useRegistry(t)

	pub := strings.TrimSpace(mustRun(t, "keygen", "--label", "alice"))
	assert.Len(t, pub, 64)

	out := mustRun(t, "incept", "-m", "alice")
	assert.Contains(t, out, "appended alice#0")
	assert.Equal(t, "NULL\n", mustRun(t, "state", "-m", "alice"))

	out = mustRun(t, "issue", "-m", "alice", "-p", "credential-1")
	assert.Contains(t, out, "alice#1")
	assert.Contains(t, out, "state=Issued")
	assert.Equal(t, "Issued\n", mustRun(t, "state", "-m", "alice"))

	mustRun(t, "revoke", "-m", "alice", "-p", "credential-1")
	assert.Equal(t, "Revoked\n", mustRun(t, "state", "-m", "alice"))

	// Revoked to Issued is a legal re-issue.
	mustRun(t, "issue", "-m", "alice", "-p", "credential-2")

	var events []map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "log", "-m", "alice", "--json")), &events))
	require.Len(t, events, 4)
	assert.Equal(t, "inception", events[0]["type"])
	assert.Equal(t, "revocation", events[2]["type"])

	assert.Contains(t, mustRun(t, "audit"), "alice")
	assert.Contains(t, mustRun(t, "checkpoint"), "(1 members)")

	out = mustRun(t, "audit", "--ledger", filepath.Join(dir, "audit.jsonl"))
	assert.Contains(t, out, "ledger valid")
}

func TestRun_RejectsWithoutControllerKey(t *testing.T) {
	useRegistry(t)
	mustRun(t, "incept", "-m", "alice")

	// No key stored under bob, and only inception may create one.
	code, _, errOut := run(t, "issue", "-m", "alice", "--key", "bob")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "bob")

	code, _, _ = run(t, "state", "-m", "nobody")
	assert.Equal(t, 1, code)
}

func TestRun_ExportVerifyImport(t *testing.T) {
	src := useRegistry(t)
	mustRun(t, "incept", "-m", "alice")
	mustRun(t, "issue", "-m", "alice", "-p", "credential-1")
	mustRun(t, "incept", "-m", "bob")

	var key map[string]string
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "keygen", "--label", "exporter", "--json")), &key))

	bundlePath := filepath.Join(src, "export.telb")
	out := mustRun(t, "export", "--out", bundlePath)
	assert.Contains(t, out, "exported 2 members, 3 events")
	assert.Contains(t, mustRun(t, "verify-bundle", "--bundle", bundlePath), "bundle valid")

	// A second registry does not trust the exporter until told to.
	useRegistry(t)
	code, out, _ := run(t, "verify-bundle", "--bundle", bundlePath)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "INVALID")

	trust := "exporter=" + key["public_key"]
	mustRun(t, "verify-bundle", "--bundle", bundlePath, "--trust", trust)
	out = mustRun(t, "import", "--bundle", bundlePath, "--trust", trust)
	assert.Contains(t, out, "imported 3 events")
	assert.Equal(t, "Issued\n", mustRun(t, "state", "-m", "alice"))

	out = mustRun(t, "import", "--bundle", bundlePath, "--trust", trust)
	assert.Contains(t, out, "imported 0 events, 3 already present")
}

func TestRun_ExportPublish(t *testing.T) {
	useRegistry(t)
	mustRun(t, "incept", "-m", "alice")

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "export", "--publish", "--json")), &res))
	ref, _ := res["ref"].(string)
	require.NotEmpty(t, ref)

	assert.Contains(t, mustRun(t, "verify-bundle", "--ref", ref), "1 members")
}
