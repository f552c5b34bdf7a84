// Package queue provides the per-domain FIFO handoff of job ids between the
// submitting API and the single worker loop of that domain.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

// ErrClosed is returned by blocking calls once the queue is closed. The worker
// loop treats it as the signal to exit.
var ErrClosed = errors.New("queue: closed")

// Queue is a strict FIFO of job ids for one domain with a single consumer.
//
// An id is a member from Enqueue until Done, including the time it is being
// executed; enqueueing a member again is a no-op.
type Queue interface {
	// Enqueue appends id. It reports false when id is already queued or active.
	Enqueue(ctx context.Context, id types.JobID) (bool, error)
	// Wait blocks until at least one id is queued, without removing it.
	Wait(ctx context.Context) error
	// Dequeue blocks until an id is available and removes it from the queue.
	Dequeue(ctx context.Context) (types.JobID, error)
	// Done releases a dequeued id so it may be enqueued again.
	Done(ctx context.Context, id types.JobID) error
	// Reconcile releases every member that is no longer queued. Called at
	// startup, before the consumer runs, for ids dequeued by a previous process.
	Reconcile(ctx context.Context) error
	// List returns queued ids, oldest first.
	List(ctx context.Context) ([]types.JobID, error)
	// Len returns the number of queued ids.
	Len(ctx context.Context) (int, error)
	// Close wakes blocked callers with ErrClosed.
	Close() error
}

// Backend names
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// RedisConfig locates the Redis server used by the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// Config selects and tunes the queue backend.
type Config struct {
	Backend      string        `yaml:"backend" env:"BACKEND"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Redis        RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

// Sanitize fills defaults.
func (c *Config) Sanitize() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "studiojobs"
	}
}

// Set holds one queue per domain and the shared backend connection.
type Set struct {
	queues map[types.Domain]Queue
	client *redis.Client
}

// Open builds one queue per domain for the configured backend.
func Open(ctx context.Context, cfg Config, domains []types.Domain) (*Set, error) {
	cfg.Sanitize()
	s := &Set{queues: make(map[types.Domain]Queue, len(domains))}

	switch cfg.Backend {
	case BackendMemory:
		for _, d := range domains {
			s.queues[d] = NewMemory()
		}
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("queue: redis ping %s: %w", cfg.Redis.Addr, err)
		}
		s.client = client
		for _, d := range domains {
			s.queues[d] = NewRedis(client, d, RedisOptions{
				KeyPrefix:    cfg.Redis.KeyPrefix,
				PollInterval: cfg.PollInterval,
			})
		}
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}

	log.Info("queues opened", "backend", cfg.Backend, "domains", len(domains))
	return s, nil
}

// Get returns the queue of domain, or nil when the domain was not opened.
func (s *Set) Get(d types.Domain) Queue {
	return s.queues[d]
}

// Close closes every queue and the backend connection.
func (s *Set) Close() error {
	var errs []error
	for _, q := range s.queues {
		errs = append(errs, q.Close())
	}
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}
