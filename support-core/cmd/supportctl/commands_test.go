package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	policy := filepath.Join(dir, "approval-policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte(fmt.Sprintf(`quorum: 1
autoApprove:
  documentation: true
storage:
  pending: %s
  approved: %s
  rejected: %s
`, filepath.Join(dir, "pending"), filepath.Join(dir, "approved"), filepath.Join(dir, "rejected"))), 0o644))

	cfg := filepath.Join(dir, "support-core.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`approval:
  policyFile: %s
  storeBackend: fs
audit:
  dir: %s
logging:
  level: error
auth:
  jwtSecret: test-secret
`, policy, filepath.Join(dir, "audit"))), 0o644))
	return cfg
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfg}, args...))
	err := root.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func TestProposalLifecycle(t *testing.T) {
	cfg := writeFixture(t)

	id, err := run(t, cfg, "--actor", "alice", "proposals", "create",
		"--category", "infrastructure", "--risk", "high",
		"--rationale", "raise worker pool size", "--component", "ingest")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "infrastructure-"), id)

	out, err := run(t, cfg, "proposals", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = run(t, cfg, "--actor", "bob", "proposals", "approve", id)
	require.NoError(t, err)
	assert.Contains(t, out, "approved")

	out, err = run(t, cfg, "proposals", "list")
	require.NoError(t, err)
	assert.Equal(t, "No pending proposals.", out)

	out, err = run(t, cfg, "--actor", "carol", "proposals", "executed", id)
	require.NoError(t, err)
	assert.Contains(t, out, "executed by carol")

	out, err = run(t, cfg, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 4 events")
}

func TestCreateDocumentationAutoApproves(t *testing.T) {
	cfg := writeFixture(t)
	out, err := run(t, cfg, "--actor", "alice", "proposals", "create",
		"--category", "documentation", "--risk", "low",
		"--rationale", "fix typo", "--component", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-approved")

	out, err = run(t, cfg, "policy", "requires-approval", "documentation")
	require.NoError(t, err)
	assert.Equal(t, "false", out)

	out, err = run(t, cfg, "policy", "requires-approval", "code")
	require.NoError(t, err)
	assert.Equal(t, "true", out)

	_, err = run(t, cfg, "policy", "requires-approval", "marketing")
	assert.Error(t, err)
}

func TestRejectNeedsReason(t *testing.T) {
	cfg := writeFixture(t)
	id, err := run(t, cfg, "--actor", "alice", "proposals", "create",
		"--category", "code", "--risk", "medium",
		"--rationale", "tidy handler", "--component", "api")
	require.NoError(t, err)

	_, err = run(t, cfg, "--actor", "bob", "proposals", "reject", id)
	assert.Error(t, err)

	out, err := run(t, cfg, "--actor", "bob", "proposals", "reject", id, "--reason", "not now")
	require.NoError(t, err)
	assert.Contains(t, out, "rejected")
}

func TestChangeSetFromFiles(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "old.yaml")
	to := filepath.Join(dir, "new.yaml")
	require.NoError(t, os.WriteFile(from, []byte("replicas: 2\n"), 0o644))
	require.NoError(t, os.WriteFile(to, []byte("replicas: 4\n"), 0o644))

	cs, err := changeSetFromFlags("scale out", "", from, to)
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, "scale out", cs.Description)
	assert.Contains(t, cs.Diff, "-replicas: 2")
	assert.Contains(t, cs.Diff, "+replicas: 4")

	_, err = changeSetFromFlags("", "", from, "")
	assert.Error(t, err)

	cs, err = changeSetFromFlags("", "", "", "")
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestTokenCommand(t *testing.T) {
	cfg := writeFixture(t)
	tok, err := run(t, cfg, "token", "alice", "--role", "Approver")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(tok, "."))
}
