package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/saleshub/api-go/internal/automation"
	"github.com/example/saleshub/api-go/internal/client"
	"github.com/example/saleshub/api-go/internal/localstate"
	"github.com/example/saleshub/api-go/internal/model"
	"github.com/example/saleshub/api-go/internal/queue"
)

func TestOrchestratorAgainstServer(t *testing.T) {
	srv := newTestServer(t, newSQLiteQueue(t))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	api := client.New(ts.URL, nil)
	ctx := context.Background()

	// Someone else holds the head of the queue.
	snap, err := api.JoinQueue(ctx, "u1", "Alice", model.ProcessROMGenerator)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Position)

	var (
		mu     sync.Mutex
		waited bool
	)
	store := localstate.NewMemory()
	o := automation.New(automation.Options{
		ProcessType:       model.ProcessROMGenerator,
		UserID:            "u2",
		Backend:           api,
		Store:             store,
		QueuePollInterval: 10 * time.Millisecond,
		Watchdog:          &automation.Watchdog{TotalTimeout: 10 * time.Second, StallTimeout: 5 * time.Second, CheckInterval: 50 * time.Millisecond},
		OnChange: func(s automation.State) {
			if s.Phase == automation.PhaseWaitingInQueue && s.QueueInfo != nil && s.QueueInfo.Position == 1 {
				mu.Lock()
				waited = true
				mu.Unlock()
			}
		},
	})

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := o.Start(ctx, "Bob", json.RawMessage(`{"address":"1 Main St","carriers":["Verizon"]}`))
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return waited
	}, 3*time.Second, 5*time.Millisecond)

	_, err = api.LeaveQueue(ctx, "u1")
	require.NoError(t, err)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
	require.NoError(t, got.err)
	var result struct {
		FileName string `json:"fileName"`
	}
	require.NoError(t, json.Unmarshal(got.result, &result))
	assert.Contains(t, result.FileName, "ROM_1_Main_St_")

	list, err := api.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Queue, "the orchestrator leaves the queue when done")
	assert.Equal(t, automation.PhaseCompleted, o.State().Phase)
}

func newSQLiteQueue(t *testing.T) queue.Store {
	t.Helper()
	q, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}
