package state

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/towerlaunch/tower"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	batch, err := store.CreateBatch(ctx, "brave-turing", "datasets.yaml", []string{"sarek"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	found, err := store.FindBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "brave-turing", found.Name)
}

func TestBatches(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateBatch(ctx, "brave-turing", "workflows-467.yaml", []string{"sarek", "synindex"})
	require.NoError(t, err)
	second, err := store.CreateBatch(ctx, "calm-hopper", "other.yaml", []string{"sarek"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	batches, err := store.ListBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "calm-hopper", batches[0].Name, "most recent first")
	assert.Equal(t, []string{"sarek", "synindex"}, batches[1].Stages)
	assert.Equal(t, "workflows-467.yaml", batches[1].DatasetsFile)
	assert.Equal(t, first.CreatedAt, batches[1].CreatedAt)

	batches, err = store.ListBatches(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestFindBatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	batch, err := store.CreateBatch(ctx, "brave-turing", "datasets.yaml", []string{"sarek"})
	require.NoError(t, err)

	byName, err := store.FindBatch(ctx, "brave-turing")
	require.NoError(t, err)
	assert.Equal(t, batch.ID, byName.ID)

	byPrefix, err := store.FindBatch(ctx, batch.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, batch.ID, byPrefix.ID)

	_, err = store.FindBatch(ctx, "nope")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	batch, err := store.CreateBatch(ctx, "brave-turing", "datasets.yaml", []string{"sarek", "synindex"})
	require.NoError(t, err)

	require.NoError(t, store.RecordLaunch(ctx, batch.ID, "ds1", "sarek", "wf-1", "sarek_ds1"))
	require.NoError(t, store.RecordLaunch(ctx, batch.ID, "ds2", "sarek", "wf-2", "sarek_ds2"))
	require.NoError(t, store.RecordStatus(ctx, "wf-1", tower.StatusSucceeded))
	require.NoError(t, store.RecordLaunch(ctx, batch.ID, "ds1", "synindex", "wf-3", "synindex_ds1"))
	require.NoError(t, store.RecordStatus(ctx, "wf-2", tower.StatusFailed))

	// relaunch of a reused run does not duplicate it
	require.NoError(t, store.RecordLaunch(ctx, batch.ID, "ds2", "sarek", "wf-2", "sarek_ds2"))

	runs, err := store.ListRuns(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.Equal(t, "wf-1", runs[0].RunID)
	assert.Equal(t, "sarek_ds1", runs[0].RunName)
	assert.Equal(t, "ds1", runs[0].Dataset)
	assert.Equal(t, "sarek", runs[0].Stage)
	assert.Equal(t, tower.StatusSucceeded, runs[0].Status)
	assert.True(t, runs[0].UpdatedAt.After(runs[0].LaunchedAt))

	assert.Equal(t, tower.StatusFailed, runs[1].Status)
	assert.Equal(t, tower.StatusSubmitted, runs[2].Status)
	assert.Equal(t, "synindex", runs[2].Stage)
}

func TestRecordStatus_UpdatesEveryBatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.CreateBatch(ctx, "a", "datasets.yaml", []string{"sarek"})
	require.NoError(t, err)
	b, err := store.CreateBatch(ctx, "b", "datasets.yaml", []string{"sarek"})
	require.NoError(t, err)

	require.NoError(t, store.RecordLaunch(ctx, a.ID, "ds1", "sarek", "wf-1", "sarek_ds1"))
	require.NoError(t, store.RecordLaunch(ctx, b.ID, "ds1", "sarek", "wf-1", "sarek_ds1"))
	require.NoError(t, store.RecordStatus(ctx, "wf-1", tower.StatusRunning))

	for _, batch := range []*Batch{a, b} {
		runs, err := store.ListRuns(ctx, batch.ID)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, tower.StatusRunning, runs[0].Status)
	}
}

func TestRecordLaunch_UnknownBatch(t *testing.T) {
	store := openTestStore(t)
	err := store.RecordLaunch(context.Background(), "missing", "ds1", "sarek", "wf-1", "sarek_ds1")
	assert.Error(t, err, "foreign keys are enforced")
}

func TestConcurrentWrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	batch, err := store.CreateBatch(ctx, "busy", "datasets.yaml", []string{"sarek"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := "wf-" + string(rune('a'+i))
			assert.NoError(t, store.RecordLaunch(ctx, batch.ID, "ds", "sarek", runID, "sarek_ds"))
			assert.NoError(t, store.RecordStatus(ctx, runID, tower.StatusRunning))
		}(i)
	}
	wg.Wait()

	runs, err := store.ListRuns(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 20)
}
