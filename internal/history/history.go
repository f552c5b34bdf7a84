// Package history keeps a bounded list of finished jobs per domain and
// implements the operator cleanup action.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

// DefaultCapacity is the number of finished jobs kept per domain.
const DefaultCapacity = 50

// ErrInvalidState is returned when an operator action does not fit the job's
// current state, e.g. cleanup of a job that is still pending or running.
var ErrInvalidState = errors.New("invalid state")

// Records is the part of the job store history needs.
type Records interface {
	Get(id types.JobID) (types.Job, error)
	MarkCleanedUp(id types.JobID) (types.Job, error)
	Delete(id types.JobID) error
}

// Cleaner removes the on-disk artifacts of a job.
type Cleaner interface {
	CleanupArtifacts(ctx context.Context, job types.Job) error
}

// Store is the bounded per-domain history.
type Store struct {
	records  Records
	capacity int
	cleaners map[types.Domain]Cleaner
	onEvict  func(job types.Job)

	mu    sync.Mutex
	lists map[types.Domain][]types.JobID // oldest first

	cleanMu sync.Mutex // one cleanup at a time
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the per-domain bound.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithCleaner registers the artifact cleaner of domain.
func WithCleaner(domain types.Domain, c Cleaner) Option {
	return func(s *Store) { s.cleaners[domain] = c }
}

// WithEvictHook observes evictions. fn receives the record as it was before
// deletion.
func WithEvictHook(fn func(types.Job)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// New returns an empty store over records.
func New(records Records, opts ...Option) *Store {
	s := &Store{
		records:  records,
		capacity: DefaultCapacity,
		cleaners: make(map[types.Domain]Cleaner),
		lists:    make(map[types.Domain][]types.JobID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends a terminal job to its domain list and evicts the oldest
// entries beyond capacity. Evicting deletes the record only; artifacts stay
// on disk. Recording the same job twice is a no-op.
func (s *Store) Record(job types.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot record %s job %s", ErrInvalidState, job.Status, job.ID)
	}

	s.mu.Lock()
	list := s.lists[job.Domain]
	for _, id := range list {
		if id == job.ID {
			s.mu.Unlock()
			return nil
		}
	}
	list = append(list, job.ID)
	evicted := overflow(&list, s.capacity)
	s.lists[job.Domain] = list
	s.mu.Unlock()

	// Records are deleted outside s.mu: the job store may hold its own lock
	// while reading history during a checkpoint.
	s.evict(evicted)
	return nil
}

func overflow(list *[]types.JobID, capacity int) []types.JobID {
	if len(*list) <= capacity {
		return nil
	}
	n := len(*list) - capacity
	evicted := append([]types.JobID(nil), (*list)[:n]...)
	*list = append([]types.JobID(nil), (*list)[n:]...)
	return evicted
}

func (s *Store) evict(ids []types.JobID) {
	for _, id := range ids {
		job, err := s.records.Get(id)
		if err != nil {
			log.Warn("history: evict lookup failed", "job_id", id, "error", err)
			continue
		}
		if err := s.records.Delete(id); err != nil {
			log.Warn("history: evict failed", "job_id", id, "error", err)
			continue
		}
		log.Debug("history: evicted", "job_id", id)
		if s.onEvict != nil {
			s.onEvict(job)
		}
	}
}

// Cleanup removes the artifacts of a terminal job and moves it to
// cleaned_up. A job that is already cleaned up is returned unchanged;
// a pending or running job yields ErrInvalidState and is not altered.
func (s *Store) Cleanup(ctx context.Context, id types.JobID) (types.Job, error) {
	s.cleanMu.Lock()
	defer s.cleanMu.Unlock()

	job, err := s.records.Get(id)
	if err != nil {
		return types.Job{}, err
	}
	if job.Status == types.StatusCleanedUp {
		return job, nil
	}
	if !job.Status.IsTerminal() {
		return job, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.Status)
	}

	if c := s.cleaners[job.Domain]; c != nil {
		if err := c.CleanupArtifacts(ctx, job); err != nil {
			return job, fmt.Errorf("cleanup artifacts of %s: %w", id, err)
		}
	}
	return s.records.MarkCleanedUp(id)
}

// List returns the ids of domain, newest first.
func (s *Store) List(domain types.Domain) []types.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[domain]
	out := make([]types.JobID, len(list))
	for i, id := range list {
		out[len(list)-1-i] = id
	}
	return out
}

// Jobs returns the records of domain, newest first. Ids whose record
// disappeared are skipped.
func (s *Store) Jobs(domain types.Domain) []types.Job {
	ids := s.List(domain)
	out := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		if job, err := s.records.Get(id); err == nil {
			out = append(out, job)
		}
	}
	return out
}

// Snapshot returns a copy of every list, oldest first.
func (s *Store) Snapshot() map[types.Domain][]types.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Domain][]types.JobID, len(s.lists))
	for d, list := range s.lists {
		out[d] = append([]types.JobID(nil), list...)
	}
	return out
}

// Restore rebuilds the lists after recovery. Snapshot lists are kept in
// order, ids whose record is gone or not terminal are dropped, and terminal
// jobs missing from the lists (finished after the snapshot) are appended by
// completion time. Capacity is enforced afterwards.
func (s *Store) Restore(lists map[types.Domain][]types.JobID, jobs []types.Job) {
	byID := make(map[types.JobID]types.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	rebuilt := make(map[types.Domain][]types.JobID)
	seen := make(map[types.JobID]bool)
	for d, list := range lists {
		for _, id := range list {
			j, ok := byID[id]
			if !ok || !j.Status.IsTerminal() || j.Domain != d || seen[id] {
				continue
			}
			rebuilt[d] = append(rebuilt[d], id)
			seen[id] = true
		}
	}

	var missing []types.Job
	for _, j := range jobs {
		if j.Status.IsTerminal() && !seen[j.ID] {
			missing = append(missing, j)
		}
	}
	sort.Slice(missing, func(a, b int) bool {
		ca, cb := completedAt(missing[a]), completedAt(missing[b])
		if ca != cb {
			return ca < cb
		}
		return missing[a].Seq < missing[b].Seq
	})
	for _, j := range missing {
		rebuilt[j.Domain] = append(rebuilt[j.Domain], j.ID)
	}

	var evicted []types.JobID
	for d, list := range rebuilt {
		evicted = append(evicted, overflow(&list, s.capacity)...)
		rebuilt[d] = list
	}

	s.mu.Lock()
	s.lists = rebuilt
	s.mu.Unlock()

	s.evict(evicted)
}

func completedAt(j types.Job) int64 {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.UpdatedAt
}
