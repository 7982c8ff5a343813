package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/saleshub/api-go/internal/localstate"
	"github.com/example/saleshub/api-go/internal/model"
)

func serverEntry(userID, processType string, joinedAt time.Time) model.QueueEntry {
	return model.QueueEntry{
		ID:          "entry-" + userID,
		UserID:      userID,
		UserName:    "User " + userID,
		ProcessType: processType,
		JoinedAt:    joinedAt,
		Status:      model.StatusWaiting,
	}
}

func TestMergeSuppressesLocallyActiveTypes(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	server := []model.QueueEntry{
		serverEntry("u1", model.ProcessROMGenerator, now.Add(-2*time.Minute)),
		serverEntry("u2", model.ProcessCoveragePlot, now.Add(-1*time.Minute)),
		serverEntry("u3", model.ProcessROMGenerator, now.Add(-30*time.Second)),
	}
	local := []ActiveProcess{{
		ID:          "job-1",
		ProcessType: model.ProcessROMGenerator,
		UserName:    "Alice",
		UserID:      "u1",
		StartedAt:   now.Add(-90 * time.Second),
	}}

	got := Merge(server, local, now, DefaultMaxAge)
	require.Len(t, got, 2)
	assert.True(t, got[0].Local)
	assert.Equal(t, "job-1", got[0].ID)
	assert.Equal(t, StatusRunning, got[0].Status)
	assert.Equal(t, "u2", got[1].UserID)
	assert.False(t, got[1].Local)
}

func TestMergeDropsStaleEntries(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	server := []model.QueueEntry{
		serverEntry("old", model.ProcessCoveragePlot, now.Add(-7*time.Minute)),
		serverEntry("new", model.ProcessCoveragePlot, now.Add(-5*time.Minute)),
	}
	local := []ActiveProcess{{ID: "job-1", ProcessType: model.ProcessROMGenerator, StartedAt: now.Add(-10 * time.Minute)}}

	got := Merge(server, local, now, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].UserID)
}

func TestMergeKeepsServerOrder(t *testing.T) {
	now := time.Now()
	server := []model.QueueEntry{
		serverEntry("a", "Site Survey", now.Add(-3*time.Minute)),
		serverEntry("b", "Site Survey", now.Add(-2*time.Minute)),
		serverEntry("c", "Site Survey", now.Add(-time.Minute)),
	}
	got := Merge(server, nil, now, DefaultMaxAge)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].UserID, got[1].UserID, got[2].UserID})
}

func TestRegistryReplacesSameType(t *testing.T) {
	r := NewRegistry(localstate.NewMemory())
	assert.Empty(t, r.List())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.Add(ActiveProcess{ID: "job-1", ProcessType: model.ProcessROMGenerator, StartedAt: now}))
	require.NoError(t, r.Add(ActiveProcess{ID: "job-2", ProcessType: model.ProcessCoveragePlot, StartedAt: now}))
	require.NoError(t, r.Add(ActiveProcess{ID: "job-3", ProcessType: model.ProcessROMGenerator, StartedAt: now}))

	procs := r.List()
	require.Len(t, procs, 2)
	assert.Equal(t, "job-2", procs[0].ID)
	assert.Equal(t, "job-3", procs[1].ID)

	require.NoError(t, r.Remove(model.ProcessCoveragePlot))
	require.NoError(t, r.Remove(model.ProcessROMGenerator))
	assert.Empty(t, r.List())
}

func TestProcessTypesMatchExactly(t *testing.T) {
	r := NewRegistry(localstate.NewMemory())
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.Add(ActiveProcess{ID: "job-1", ProcessType: model.ProcessROMGenerator, StartedAt: now}))
	require.NoError(t, r.Add(ActiveProcess{ID: "job-2", ProcessType: "rom generator", StartedAt: now}))
	require.Len(t, r.List(), 2)

	require.NoError(t, r.Remove("rom generator"))
	procs := r.List()
	require.Len(t, procs, 1)
	assert.Equal(t, "job-1", procs[0].ID)

	server := []model.QueueEntry{{ID: "q1", UserID: "u2", ProcessType: "rom generator", JoinedAt: now, Status: model.StatusWaiting}}
	merged := Merge(server, procs, now, 0)
	require.Len(t, merged, 2)
	assert.True(t, merged[0].Local)
	assert.Equal(t, "q1", merged[1].ID)
}
