package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/saleshub/api-go/internal/model"
)

type failingStore struct{ err error }

func (f failingStore) List(context.Context) ([]model.QueueEntry, error) { return nil, f.err }
func (f failingStore) Join(context.Context, model.QueueEntry) (model.QueueEntry, bool, error) {
	return model.QueueEntry{}, false, f.err
}
func (f failingStore) Leave(context.Context, string) error           { return f.err }
func (f failingStore) Prune(context.Context, time.Time) (int, error) { return 0, f.err }
func (f failingStore) Close() error                                  { return nil }

// steppingClock advances one millisecond per call so joins get distinct times.
func steppingClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
}

func newTestService() *Service {
	svc := NewService(NewMemory(), nil)
	svc.now = steppingClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return svc
}

func TestServiceJoinIsStableForSameUser(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, _, err := svc.Join(ctx, "other", "Other", model.ProcessCoveragePlot)
	require.NoError(t, err)

	pos, queue, err := svc.Join(ctx, "u1", "Alice", model.ProcessROMGenerator)
	require.NoError(t, err)
	require.Equal(t, 1, pos)
	firstID := queue[1].ID

	for i := 0; i < 5; i++ {
		pos, queue, err = svc.Join(ctx, "u1", "Alice", model.ProcessROMGenerator)
		require.NoError(t, err)
		assert.Equal(t, 1, pos)
		assert.Len(t, queue, 2)
		assert.Equal(t, firstID, queue[1].ID)
	}
}

func TestServicePositionsFollowJoinOrder(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	for _, id := range []string{"A", "B", "C"} {
		_, _, err := svc.Join(ctx, id, id, model.ProcessROMGenerator)
		require.NoError(t, err)
	}

	queue, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, userIDs(queue))

	for want, id := range []string{"A", "B", "C"} {
		pos, _, err := svc.Position(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, pos, id)
	}

	pos, _, err := svc.Position(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, -1, pos)
}

func TestServiceLeaveThenJoinCreatesFreshEntry(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, before, err := svc.Join(ctx, "u1", "Alice", model.ProcessROMGenerator)
	require.NoError(t, err)
	_, _, err = svc.Join(ctx, "u2", "Bob", model.ProcessROMGenerator)
	require.NoError(t, err)

	remaining, err := svc.Leave(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, userIDs(remaining))

	pos, after, err := svc.Join(ctx, "u1", "Alice", model.ProcessROMGenerator)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.NotEqual(t, before[0].ID, after[1].ID)
	assert.True(t, after[1].JoinedAt.After(before[0].JoinedAt))
}

func TestServiceJoinDefaults(t *testing.T) {
	svc := newTestService()
	_, queue, err := svc.Join(context.Background(), "  u1 ", "", "")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "u1", queue[0].UserID)
	assert.Equal(t, model.DefaultUserName, queue[0].UserName)
	assert.Equal(t, defaultProcessType, queue[0].ProcessType)
	assert.Equal(t, model.StatusWaiting, queue[0].Status)
	assert.NotEmpty(t, queue[0].ID)
}

func TestServiceRejectsMissingUserID(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, queue, err := svc.Join(ctx, " ", "x", "y")
	assert.ErrorIs(t, err, model.ErrMissingUserID)
	assert.NotNil(t, queue)

	_, err = svc.Leave(ctx, "")
	assert.ErrorIs(t, err, model.ErrMissingUserID)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestServiceDegradesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	svc := NewService(failingStore{err: errors.New("relation \"queue_entries\" does not exist")}, nil)

	queue, err := svc.List(ctx)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.NotNil(t, queue)
	assert.Empty(t, queue)

	pos, queue, err := svc.Join(ctx, "u1", "", "")
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Equal(t, 0, pos)
	assert.NotNil(t, queue)

	queue, err = svc.Leave(ctx, "u1")
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.NotNil(t, queue)
}

func TestServiceSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	svc := NewService(store, nil)

	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	_, _, err := store.Join(ctx, newEntry("stale", now.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, _, err = store.Join(ctx, newEntry("fresh", now.Add(-time.Minute)))
	require.NoError(t, err)
	svc.now = func() time.Time { return now }

	removed, err := svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = svc.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	queue, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, userIDs(queue))
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunSweeper(ctx, time.Millisecond, time.Hour) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
