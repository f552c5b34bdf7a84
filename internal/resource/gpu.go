// Package resource holds the process-wide GPU lock shared by every worker
// loop whose adapter is resource exclusive.
package resource

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// Lock serializes GPU-bound jobs across domains. Waiters are served in the
// order they called Acquire.
type Lock struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	holder types.JobID
	domain types.Domain
	onHeld func(held bool)
}

// NewGPULock returns an unheld lock. onHeld, when not nil, observes every
// acquire and release (used for the metrics gauge).
func NewGPULock(onHeld func(held bool)) *Lock {
	return &Lock{sem: semaphore.NewWeighted(1), onHeld: onHeld}
}

// Acquire blocks until the lock is free or ctx is done.
func (l *Lock) Acquire(ctx context.Context, domain types.Domain, owner types.JobID) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	l.holder, l.domain = owner, domain
	l.mu.Unlock()
	if l.onHeld != nil {
		l.onHeld(true)
	}
	slog.Debug("gpu lock acquired", "domain", domain, "job_id", owner)
	return nil
}

// SetOwner records which job uses the lock once the id is known. Loops take
// the lock before popping the queue, so the owner is set afterwards.
func (l *Lock) SetOwner(owner types.JobID) {
	l.mu.Lock()
	l.holder = owner
	l.mu.Unlock()
}

// Release frees the lock. Releasing an unheld lock panics, as with a mutex.
func (l *Lock) Release() {
	l.mu.Lock()
	domain, owner := l.domain, l.holder
	l.holder, l.domain = "", ""
	l.mu.Unlock()

	l.sem.Release(1)
	if l.onHeld != nil {
		l.onHeld(false)
	}
	slog.Debug("gpu lock released", "domain", domain, "job_id", owner)
}

// Holder returns the domain and job currently holding the lock.
func (l *Lock) Holder() (types.Domain, types.JobID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.domain, l.holder, l.domain != ""
}
