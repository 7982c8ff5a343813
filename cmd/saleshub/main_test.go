package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/saleshub/api-go/internal/blob"
	"github.com/example/saleshub/api-go/internal/display"
	"github.com/example/saleshub/api-go/internal/httpapi"
	"github.com/example/saleshub/api-go/internal/model"
	"github.com/example/saleshub/api-go/internal/processes"
	"github.com/example/saleshub/api-go/internal/queue"
	"github.com/example/saleshub/api-go/internal/runner"
	"github.com/example/saleshub/api-go/internal/store"
)

type cliTestEnv struct {
	server     *httptest.Server
	configPath string
	stateDir   string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	base := t.TempDir()

	jobs, err := store.Open(filepath.Join(base, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })
	procs, err := processes.Registry([]string{model.ProcessROMGenerator, model.ProcessCoveragePlot})
	require.NoError(t, err)
	blobs := blob.LocalFS{Root: filepath.Join(base, "blobs")}
	mgr := runner.NewManager(jobs, blobs, procs, runner.Options{LeaseTTL: time.Minute})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	srv := httptest.NewServer(httpapi.Server{
		Queue:  queue.NewService(queue.NewMemory(), nil),
		Runner: mgr,
		Jobs:   jobs,
		Blobs:  blobs,
	}.Router())
	t.Cleanup(srv.Close)

	stateDir := filepath.Join(base, "state")
	configPath := filepath.Join(base, "config.toml")
	config := fmt.Sprintf(`server_url = %q
state_dir = %q
user_name = "Alice"
queue_poll_interval = "10ms"
resume_poll_interval = "10ms"
log_level = "error"
`, srv.URL, stateDir)
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))

	return &cliTestEnv{server: srv, configPath: configPath, stateDir: stateDir}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCompletesAndCleansUp(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "run", "--type", model.ProcessROMGenerator,
		"--payload", `{"address":"1 Main St","carriers":["Verizon"]}`)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Joining queue...")
	assert.Contains(t, out, "Pricing Verizon")
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, "ROM_1_Main_St_")

	out, err = runCLI(t, env, "queue", "list", "--json")
	require.NoError(t, err)
	var entries []display.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Empty(t, entries)

	out, err = runCLI(t, env, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No ROM Generator automation in flight")
}

func TestRunReportsRejectedJob(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := runCLI(t, env, "run", "--payload", `{"carriers":["Verizon"]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")

	out, err := runCLI(t, env, "queue", "position")
	require.NoError(t, err)
	assert.Contains(t, out, "Not in the queue")
}

func TestRunRejectsInvalidPayload(t *testing.T) {
	env := setupCLITestEnv(t)
	_, err := runCLI(t, env, "run", "--payload", "not json")
	assert.EqualError(t, err, "payload is not valid JSON")
}

func TestQueueJoinListLeave(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "queue", "join", "--type", model.ProcessCoveragePlot)
	require.NoError(t, err)
	assert.Contains(t, out, "You are next")

	out, err = runCLI(t, env, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Alice (you)")
	assert.Contains(t, out, model.ProcessCoveragePlot)
	assert.Contains(t, out, model.StatusWaiting)

	out, err = runCLI(t, env, "queue", "position")
	require.NoError(t, err)
	assert.Contains(t, out, "position 1 of 1")

	out, err = runCLI(t, env, "queue", "leave")
	require.NoError(t, err)
	assert.Contains(t, out, "Left the queue (0 still waiting)")

	out, err = runCLI(t, env, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue is empty")
}

func TestNothingInFlight(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "resume")
	require.NoError(t, err)
	assert.Contains(t, out, "No ROM Generator automation to resume")

	out, err = runCLI(t, env, "cancel")
	require.NoError(t, err)
	assert.Contains(t, out, "No ROM Generator automation in flight")

	out, err = runCLI(t, env, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared local ROM Generator state")
}

func TestReadPayload(t *testing.T) {
	raw, err := readPayload("", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"address":"2 Elm St"}`), 0o600))
	raw, err = readPayload("@"+path, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"address":"2 Elm St"}`, string(raw))

	raw, err = readPayload("@-", bytes.NewBufferString(`{"radiusKm":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"radiusKm":3}`, string(raw))
}

func TestDescribePosition(t *testing.T) {
	assert.Equal(t, "Not in the queue", describePosition(-1, 0))
	assert.Equal(t, "You are next (position 1 of 3)", describePosition(0, 3))
	assert.Equal(t, "Waiting: position 3 of 3", describePosition(2, 3))
}
