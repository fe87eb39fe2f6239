package jobmodule

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/database"
)

func newTestDispatcher(t *testing.T, maxConcurrent int) (*JobStore, *Dispatcher) {
	t.Helper()
	store := setupStore(t)
	dispatcher := NewDispatcher(store, nil, config.JobsConfig{
		PollInterval:  20 * time.Millisecond,
		MaxConcurrent: maxConcurrent,
	})
	t.Cleanup(dispatcher.Stop)
	return store, dispatcher
}

func jobStatus(t *testing.T, store *JobStore, id string) *database.Job {
	t.Helper()
	job, err := store.GetJob(id)
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, store *JobStore, id string, status database.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := store.GetJob(id)
		return err == nil && job.Status == status
	}, 3*time.Second, 25*time.Millisecond, "job %s never reached %s", id, status)
}

func TestDispatcherRunsQueuedJobs(t *testing.T) {
	store, dispatcher := newTestDispatcher(t, 2)

	var handled atomic.Int64
	dispatcher.RegisterHandler(database.JobKindScan, func(ctx context.Context, job *database.Job) (string, error) {
		payload, err := DecodeScanPayload(job)
		if err != nil {
			return "", err
		}
		handled.Add(1)
		return fmt.Sprintf(`{"paths": %d}`, len(payload.Paths)), nil
	})

	durable := mustScanJob(t, []string{"/a"}, true)
	require.NoError(t, store.Create(durable))
	ephemeral := mustScanJob(t, []string{"/b"}, false)
	require.NoError(t, store.Create(ephemeral))

	require.NoError(t, dispatcher.Start())

	for _, id := range []string{durable.ID, ephemeral.ID} {
		waitForStatus(t, store, id, database.JobStatusCompleted)
		job := jobStatus(t, store, id)
		assert.Equal(t, `{"paths": 1}`, job.Result)
		require.NotNil(t, job.StartedAt)
		require.NotNil(t, job.FinishedAt)
	}
	assert.Equal(t, int64(2), handled.Load())
	assert.Equal(t, 0, dispatcher.Running())
}

func TestDispatcherRecordsHandlerFailure(t *testing.T) {
	store, dispatcher := newTestDispatcher(t, 1)
	dispatcher.RegisterHandler(database.JobKindScan, func(ctx context.Context, job *database.Job) (string, error) {
		return "", fmt.Errorf("walk failed: permission denied")
	})

	job := mustScanJob(t, []string{"/nope"}, true)
	require.NoError(t, store.Create(job))
	require.NoError(t, dispatcher.Start())

	waitForStatus(t, store, job.ID, database.JobStatusFailed)
	failed := jobStatus(t, store, job.ID)
	assert.Equal(t, "walk failed: permission denied", failed.Error)
	assert.Empty(t, failed.Result)
}

func TestDispatcherRecoversFromPanickingHandler(t *testing.T) {
	store, dispatcher := newTestDispatcher(t, 1)
	dispatcher.RegisterHandler(database.JobKindScan, func(ctx context.Context, job *database.Job) (string, error) {
		panic("payload exploded")
	})

	job := mustScanJob(t, []string{"/music"}, true)
	require.NoError(t, store.Create(job))
	require.NoError(t, dispatcher.Start())

	waitForStatus(t, store, job.ID, database.JobStatusFailed)
	failed := jobStatus(t, store, job.ID)
	assert.Contains(t, failed.Error, "handler panicked")
	assert.Contains(t, failed.Error, "payload exploded")
}

func TestDispatcherFailsJobsWithoutHandler(t *testing.T) {
	store, dispatcher := newTestDispatcher(t, 1)

	job, err := NewAnalyzeJob(database.JobKindAnalyzeBPM, "track-1", true)
	require.NoError(t, err)
	require.NoError(t, store.Create(job))
	require.NoError(t, dispatcher.Start())

	waitForStatus(t, store, job.ID, database.JobStatusFailed)
	failed := jobStatus(t, store, job.ID)
	assert.Contains(t, failed.Error, `no handler registered for kind "analyze-bpm"`)
}

func TestDispatcherHonorsConcurrencyCeiling(t *testing.T) {
	store, dispatcher := newTestDispatcher(t, 2)

	var active, peak atomic.Int64
	dispatcher.RegisterHandler(database.JobKindScan, func(ctx context.Context, job *database.Job) (string, error) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(120 * time.Millisecond)
		return "ok", nil
	})

	ids := make([]string, 0, 5)
	for _, path := range []string{"/a", "/b", "/c", "/d", "/e"} {
		job := mustScanJob(t, []string{path}, true)
		require.NoError(t, store.Create(job))
		ids = append(ids, job.ID)
	}

	require.NoError(t, dispatcher.Start())
	for _, id := range ids {
		waitForStatus(t, store, id, database.JobStatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2), "in-flight jobs must never exceed max_concurrent")
}

func TestDispatcherStopWaitsForInflightJobs(t *testing.T) {
	store, dispatcher := newTestDispatcher(t, 1)

	started := make(chan struct{})
	dispatcher.RegisterHandler(database.JobKindScan, func(ctx context.Context, job *database.Job) (string, error) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		return "done", nil
	})

	job := mustScanJob(t, []string{"/music"}, true)
	require.NoError(t, store.Create(job))
	require.NoError(t, dispatcher.Start())
	require.NoError(t, dispatcher.Start(), "starting twice is a no-op")

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	dispatcher.Stop()
	dispatcher.Stop()

	done := jobStatus(t, store, job.ID)
	assert.Equal(t, database.JobStatusCompleted, done.Status)
	assert.Equal(t, "done", done.Result)
	assert.Equal(t, 0, dispatcher.Running())
}
