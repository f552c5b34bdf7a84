package queue

import (
	"context"
	"sync"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// Memory is an in-process FIFO. It is not durable by itself: after a restart
// the controller re-enqueues pending records in submission order.
type Memory struct {
	mu      sync.Mutex
	items   []types.JobID
	members map[types.JobID]struct{} // queued or active
	notify  chan struct{}            // closed and replaced on every enqueue
	closed  chan struct{}
	once    sync.Once
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		items:   make([]types.JobID, 0),
		members: make(map[types.JobID]struct{}),
		notify:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (m *Memory) Enqueue(_ context.Context, id types.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return false, ErrClosed
	}
	if _, ok := m.members[id]; ok {
		return false, nil
	}
	m.members[id] = struct{}{}
	m.items = append(m.items, id)

	close(m.notify)
	m.notify = make(chan struct{})
	return true, nil
}

func (m *Memory) Wait(ctx context.Context) error {
	_, err := m.next(ctx, false)
	return err
}

func (m *Memory) Dequeue(ctx context.Context) (types.JobID, error) {
	return m.next(ctx, true)
}

func (m *Memory) next(ctx context.Context, pop bool) (types.JobID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		m.mu.Lock()
		if m.isClosed() {
			m.mu.Unlock()
			return "", ErrClosed
		}
		if len(m.items) > 0 {
			id := m.items[0]
			if pop {
				m.items = m.items[1:]
			}
			m.mu.Unlock()
			return id, nil
		}
		notify := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-m.closed:
			return "", ErrClosed
		case <-notify:
		}
	}
}

func (m *Memory) Done(_ context.Context, id types.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, queued := range m.items {
		if queued == id {
			// still waiting in line; keep membership
			return nil
		}
	}
	delete(m.members, id)
	return nil
}

func (m *Memory) Reconcile(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = make(map[types.JobID]struct{}, len(m.items))
	for _, id := range m.items {
		m.members[id] = struct{}{}
	}
	return nil
}

func (m *Memory) List(context.Context) ([]types.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.JobID, len(m.items))
	copy(out, m.items)
	return out, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
