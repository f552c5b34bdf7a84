package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/studio-jobs/internal/storage/wal"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// recordingJournal captures appended events; failNext makes the next append fail.
type recordingJournal struct {
	mu       sync.Mutex
	events   []wal.EventType
	jobs     []types.Job
	forced   []bool
	failNext error
}

func (r *recordingJournal) Append(eventType wal.EventType, job types.Job, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	r.events = append(r.events, eventType)
	r.jobs = append(r.jobs, job)
	r.forced = append(r.forced, force)
	return nil
}

func newTestJob(t *testing.T, jm *JobManager, domain types.Domain) types.Job {
	t.Helper()
	job, err := jm.Create(domain, map[string]any{"prompt": "a red fox"}, 0)
	require.NoError(t, err)
	return job
}

// jobInStatus creates a job and drives it to status along legal edges.
func jobInStatus(t *testing.T, jm *JobManager, status types.JobStatus) types.Job {
	t.Helper()
	job := newTestJob(t, jm, types.DomainGeneration)
	var err error
	switch status {
	case types.StatusPending:
	case types.StatusRunning:
		job, err = jm.MarkRunning(job.ID)
	case types.StatusCompleted:
		_, err = jm.MarkRunning(job.ID)
		require.NoError(t, err)
		job, err = jm.MarkCompleted(job.ID, "/store/a.png")
	case types.StatusFailed:
		_, err = jm.MarkRunning(job.ID)
		require.NoError(t, err)
		job, err = jm.MarkFailed(job.ID, "exit code 1")
	case types.StatusCancelled:
		job, err = jm.MarkCancelled(job.ID)
	case types.StatusCleanedUp:
		_, err = jm.MarkCancelled(job.ID)
		require.NoError(t, err)
		job, err = jm.MarkCleanedUp(job.ID)
	}
	require.NoError(t, err)
	require.Equal(t, status, job.Status)
	return job
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestCreate(t *testing.T) {
	jm := NewJobManager()

	a := newTestJob(t, jm, types.DomainGeneration)
	b := newTestJob(t, jm, types.DomainScraping)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, types.StatusPending, a.Status)
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.NotZero(t, a.CreatedAt)
	assert.Nil(t, a.StartedAt)

	_, err := jm.Create("rendering", nil, 0)
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestInsert(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*JobManager)
		job     types.Job
		wantErr error
	}{
		{
			name:  "explicit id",
			setup: func(jm *JobManager) {},
			job:   types.Job{ID: "job-001", Domain: types.DomainTraining},
		},
		{
			name: "duplicate id",
			setup: func(jm *JobManager) {
				_, _ = jm.Insert(types.Job{ID: "job-001", Domain: types.DomainTraining})
			},
			job:     types.Job{ID: "job-001", Domain: types.DomainTraining},
			wantErr: ErrDuplicateJob,
		},
		{
			name:    "unknown domain",
			setup:   func(jm *JobManager) {},
			job:     types.Job{ID: "job-001", Domain: "rendering"},
			wantErr: ErrUnknownDomain,
		},
		{
			name:  "caller supplied status is ignored",
			setup: func(jm *JobManager) {},
			job:   types.Job{ID: "job-001", Domain: types.DomainTraining, Status: types.StatusCompleted, Error: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			tt.setup(jm)

			job, err := jm.Insert(tt.job)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.job.ID, job.ID)
			assert.Equal(t, types.StatusPending, job.Status)
			assert.Empty(t, job.Error)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	all := []types.JobStatus{
		types.StatusPending, types.StatusRunning, types.StatusCompleted,
		types.StatusFailed, types.StatusCancelled, types.StatusCleanedUp,
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				jm := NewJobManager()
				job := jobInStatus(t, jm, from)

				got, err := jm.Transition(job.ID, to, nil)
				if types.CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					return
				}

				assert.ErrorIs(t, err, ErrInvalidTransition)
				stored, getErr := jm.Get(job.ID)
				require.NoError(t, getErr)
				assert.Equal(t, job, stored, "record must be untouched")
			})
		}
	}
}

func TestTransitionTimestamps(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob(t, jm, types.DomainGeneration)

	running, err := jm.MarkRunning(job.ID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	done, err := jm.MarkCompleted(job.ID, "/store/generation/x.png")
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "/store/generation/x.png", done.Artifact)
	assert.Equal(t, float64(100), done.Progress.Percent)

	cleaned, err := jm.MarkCleanedUp(job.ID)
	require.NoError(t, err)
	require.NotNil(t, cleaned.CleanedAt)
	assert.Equal(t, types.StatusCleanedUp, cleaned.Status)
}

func TestMarkFailedKeepsReason(t *testing.T) {
	jm := NewJobManager()
	job := jobInStatus(t, jm, types.StatusRunning)

	failed, err := jm.MarkFailed(job.ID, "process timeout after 1s")
	require.NoError(t, err)
	assert.Equal(t, "process timeout after 1s", failed.Error)
}

func TestTerminalProgressIsFrozen(t *testing.T) {
	last := types.Progress{Percent: 40, Stage: "training", Message: "step 400/1000"}
	end := map[types.JobStatus]func(*JobManager, types.JobID) (types.Job, error){
		types.StatusFailed:    func(jm *JobManager, id types.JobID) (types.Job, error) { return jm.MarkFailed(id, "exit 1") },
		types.StatusCancelled: func(jm *JobManager, id types.JobID) (types.Job, error) { return jm.MarkCancelled(id) },
	}
	for status, finish := range end {
		t.Run(string(status), func(t *testing.T) {
			jm := NewJobManager()
			job := jobInStatus(t, jm, types.StatusRunning)
			_, err := jm.UpdateProgress(job.ID, last)
			require.NoError(t, err)

			done, err := finish(jm, job.ID)
			require.NoError(t, err)
			assert.Equal(t, last, done.Progress)

			cleaned, err := jm.MarkCleanedUp(job.ID)
			require.NoError(t, err)
			assert.Equal(t, last, cleaned.Progress)
		})
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	jm := NewJobManager()
	_, err := jm.MarkRunning("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestUpdateProgress(t *testing.T) {
	jm := NewJobManager()
	job := jobInStatus(t, jm, types.StatusRunning)

	steps := []struct {
		in   types.Progress
		want types.Progress
	}{
		{
			in:   types.Progress{Percent: 10, Stage: "downloading", Message: "Downloaded 1/10"},
			want: types.Progress{Percent: 10, Stage: "downloading", Message: "Downloaded 1/10"},
		},
		{
			// never decreases, empty stage keeps the previous one
			in:   types.Progress{Percent: 5, Message: "retrying"},
			want: types.Progress{Percent: 10, Stage: "downloading", Message: "retrying"},
		},
		{
			in:   types.Progress{Percent: 250, Counters: map[string]int{"downloaded": 10}},
			want: types.Progress{Percent: 100, Stage: "downloading", Message: "retrying", Counters: map[string]int{"downloaded": 10}},
		},
	}

	for i, step := range steps {
		got, err := jm.UpdateProgress(job.ID, step.in)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.want, got.Progress, "step %d", i)
	}
}

func TestUpdateProgressRequiresRunning(t *testing.T) {
	for _, status := range []types.JobStatus{types.StatusPending, types.StatusCompleted, types.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			jm := NewJobManager()
			job := jobInStatus(t, jm, status)

			_, err := jm.UpdateProgress(job.ID, types.Progress{Percent: 50})
			assert.ErrorIs(t, err, ErrNotRunning)

			stored, _ := jm.Get(job.ID)
			assert.Equal(t, job.Progress, stored.Progress)
		})
	}
}

func TestListAndRunning(t *testing.T) {
	jm := NewJobManager()
	a := newTestJob(t, jm, types.DomainScraping)
	b := newTestJob(t, jm, types.DomainScraping)
	newTestJob(t, jm, types.DomainGeneration)

	pending := jm.List(types.DomainScraping, types.StatusPending)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)

	assert.Len(t, jm.List(""), 3)

	_, ok := jm.Running(types.DomainScraping)
	assert.False(t, ok)

	_, err := jm.MarkRunning(b.ID)
	require.NoError(t, err)
	running, ok := jm.Running(types.DomainScraping)
	require.True(t, ok)
	assert.Equal(t, b.ID, running.ID)
}

func TestGetReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob(t, jm, types.DomainGeneration)

	got, err := jm.Get(job.ID)
	require.NoError(t, err)
	got.Params["prompt"] = "mutated"

	again, _ := jm.Get(job.ID)
	assert.Equal(t, "a red fox", again.Params["prompt"])
}

func TestDelete(t *testing.T) {
	jm := NewJobManager()
	job := jobInStatus(t, jm, types.StatusCompleted)

	require.NoError(t, jm.Delete(job.ID))
	_, err := jm.Get(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, jm.Delete(job.ID), ErrJobNotFound)
}

func TestStats(t *testing.T) {
	jm := NewJobManager()
	jobInStatus(t, jm, types.StatusPending)
	jobInStatus(t, jm, types.StatusRunning)
	jobInStatus(t, jm, types.StatusFailed)
	jobInStatus(t, jm, types.StatusFailed)

	stats := jm.Stats()
	assert.Equal(t, 1, stats["pending"])
	assert.Equal(t, 1, stats["running"])
	assert.Equal(t, 2, stats["failed"])
	assert.Equal(t, 0, stats["completed"])
	assert.Equal(t, 4, stats["total"])
}

func TestFailInterrupted(t *testing.T) {
	jm := NewJobManager()
	running := jobInStatus(t, jm, types.StatusRunning)
	pending := jobInStatus(t, jm, types.StatusPending)

	ids := jm.FailInterrupted("interrupted by restart")
	assert.Equal(t, []types.JobID{running.ID}, ids)

	got, _ := jm.Get(running.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)

	got, _ = jm.Get(pending.ID)
	assert.Equal(t, types.StatusPending, got.Status)
}

// ============================================================================
// Journal (write-ahead) Tests
// ============================================================================

func TestJournalReceivesEvents(t *testing.T) {
	jm := NewJobManager()
	j := &recordingJournal{}
	jm.SetJournal(j)

	job := newTestJob(t, jm, types.DomainGeneration)
	_, err := jm.MarkRunning(job.ID)
	require.NoError(t, err)
	_, err = jm.UpdateProgress(job.ID, types.Progress{Percent: 40})
	require.NoError(t, err)
	_, err = jm.MarkCompleted(job.ID, "/a.png")
	require.NoError(t, err)
	_, err = jm.MarkCleanedUp(job.ID)
	require.NoError(t, err)
	require.NoError(t, jm.Delete(job.ID))

	assert.Equal(t, []wal.EventType{
		wal.EventSubmit, wal.EventStart, wal.EventProgress,
		wal.EventComplete, wal.EventCleanup, wal.EventEvict,
	}, j.events)
	assert.Equal(t, []bool{true, true, false, true, true, true}, j.forced)
	assert.Equal(t, types.StatusRunning, j.jobs[1].Status)
	assert.Equal(t, float64(40), j.jobs[2].Progress.Percent)
}

func TestJournalFailureAbortsMutation(t *testing.T) {
	jm := NewJobManager()
	j := &recordingJournal{}
	jm.SetJournal(j)

	job := newTestJob(t, jm, types.DomainGeneration)

	j.failNext = errors.New("disk full")
	_, err := jm.MarkRunning(job.ID)
	require.Error(t, err)

	got, _ := jm.Get(job.ID)
	assert.Equal(t, types.StatusPending, got.Status)

	j.failNext = errors.New("disk full")
	_, err = jm.Create(types.DomainGeneration, nil, 0)
	require.Error(t, err)
	assert.Len(t, jm.List(""), 1)

	// the sequence number was not consumed by the failed create
	next := newTestJob(t, jm, types.DomainGeneration)
	assert.Equal(t, uint64(2), next.Seq)
}

// ============================================================================
// Snapshot / Replay Tests
// ============================================================================

func TestSnapshotAndRestore(t *testing.T) {
	jm := NewJobManager()
	done := jobInStatus(t, jm, types.StatusCompleted)
	pending := jobInStatus(t, jm, types.StatusPending)

	data := jm.Snapshot()
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.Equal(t, uint64(3), data.NextSeq)
	require.Len(t, data.Jobs, 2)

	// snapshot is a deep copy
	data.Jobs[done.ID].Artifact = "mutated"
	got, _ := jm.Get(done.ID)
	assert.Equal(t, "/store/a.png", got.Artifact)

	restored := NewJobManager()
	require.NoError(t, restored.Restore(jm.Snapshot()))

	got, err := restored.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	next := newTestJob(t, restored, types.DomainGeneration)
	assert.Equal(t, uint64(3), next.Seq)
}

func TestRestoreRejectsMismatchedKey(t *testing.T) {
	jm := NewJobManager()
	err := jm.Restore(types.SnapshotData{Jobs: map[types.JobID]*types.Job{
		"a": {ID: "b", Domain: types.DomainGeneration},
	}})
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	jm := NewJobManager()

	job := &types.Job{ID: "a", Domain: types.DomainTraining, Seq: 7, Status: types.StatusPending}
	require.NoError(t, jm.Apply(wal.Event{Seq: 1, Type: wal.EventSubmit, JobID: "a", Job: job}))

	running := job.Clone()
	running.Status = types.StatusRunning
	require.NoError(t, jm.Apply(wal.Event{Seq: 2, Type: wal.EventStart, JobID: "a", Job: running}))

	got, err := jm.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)

	// replaying the same event twice is harmless
	require.NoError(t, jm.Apply(wal.Event{Seq: 2, Type: wal.EventStart, JobID: "a", Job: running}))

	// seq continues after the highest replayed record
	next := newTestJob(t, jm, types.DomainTraining)
	assert.Equal(t, uint64(8), next.Seq)

	require.NoError(t, jm.Apply(wal.Event{Seq: 3, Type: wal.EventEvict, JobID: "a"}))
	_, err = jm.Get("a")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Error(t, jm.Apply(wal.Event{Seq: 4, Type: wal.EventStart, JobID: "b"}))
}

func TestCheckpointBlocksWriters(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob(t, jm, types.DomainGeneration)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = jm.Checkpoint(func(data types.SnapshotData) error {
			assert.Len(t, data.Jobs, 1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	go func() {
		_, _ = jm.MarkRunning(job.ID)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("writer ran while checkpoint held the lock")
	default:
	}
	close(release)
	<-done

	got, _ := jm.Get(job.ID)
	assert.Equal(t, types.StatusRunning, got.Status)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentOperations(t *testing.T) {
	jm := NewJobManager()

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan types.JobID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := jm.Create(types.DomainScraping, nil, 0)
			if err != nil {
				t.Error(err)
				return
			}
			ids <- job.ID
		}()
	}
	wg.Wait()
	close(ids)

	// exactly one of two racing cancels/starts wins per job
	var wins sync.Map
	for id := range ids {
		for _, to := range []types.JobStatus{types.StatusRunning, types.StatusCancelled} {
			wg.Add(1)
			go func(id types.JobID, to types.JobStatus) {
				defer wg.Done()
				if _, err := jm.Transition(id, to, nil); err == nil {
					if _, loaded := wins.LoadOrStore(id, to); loaded {
						t.Errorf("job %s transitioned twice from pending", id)
					}
				}
			}(id, to)
		}
	}
	wg.Wait()

	seqs := make(map[uint64]bool)
	for _, job := range jm.List("") {
		assert.False(t, seqs[job.Seq], "duplicate seq %d", job.Seq)
		seqs[job.Seq] = true
		assert.Contains(t, []types.JobStatus{types.StatusRunning, types.StatusCancelled}, job.Status)
	}
	assert.Len(t, seqs, n)
}
