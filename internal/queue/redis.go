package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// RedisOptions tunes a Redis queue.
type RedisOptions struct {
	KeyPrefix    string
	PollInterval time.Duration // BRPOP timeout and Wait polling period
}

// Redis is a FIFO backed by a Redis list (LPUSH on enqueue, BRPOP on
// dequeue) plus a set of member ids. Queued ids survive a restart.
type Redis struct {
	client  redis.UniversalClient
	listKey string
	setKey  string
	poll    time.Duration

	closed chan struct{}
	once   sync.Once
}

// enqueueScript adds the id to the member set and pushes it only when it was
// not a member, atomically.
var enqueueScript = redis.NewScript(`
if redis.call("SADD", KEYS[2], ARGV[1]) == 1 then
  redis.call("LPUSH", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// reconcileScript rebuilds the member set from the list, atomically.
var reconcileScript = redis.NewScript(`
redis.call("DEL", KEYS[2])
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call("SADD", KEYS[2], id)
end
return #ids
`)

// NewRedis returns the queue of domain on client. The client is owned by the caller.
func NewRedis(client redis.UniversalClient, domain types.Domain, opts RedisOptions) *Redis {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "studiojobs"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	base := fmt.Sprintf("%s:queue:%s", opts.KeyPrefix, domain)
	return &Redis{
		client:  client,
		listKey: base + ":list",
		setKey:  base + ":members",
		poll:    opts.PollInterval,
		closed:  make(chan struct{}),
	}
}

func (r *Redis) Enqueue(ctx context.Context, id types.JobID) (bool, error) {
	if r.isClosed() {
		return false, ErrClosed
	}
	n, err := enqueueScript.Run(ctx, r.client, []string{r.listKey, r.setKey}, string(id)).Int()
	if err != nil {
		return false, fmt.Errorf("queue: enqueue %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *Redis) Wait(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if r.isClosed() {
			return ErrClosed
		}
		n, err := r.client.LLen(ctx, r.listKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("queue: llen: %w", err)
		}
		if n > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closed:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

func (r *Redis) Dequeue(ctx context.Context) (types.JobID, error) {
	for {
		if r.isClosed() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		// Short BRPOP timeouts keep Close and ctx cancellation responsive.
		vals, err := r.client.BRPop(ctx, r.poll, r.listKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("queue: brpop: %w", err)
		}
		if len(vals) < 2 {
			return "", fmt.Errorf("queue: unexpected BRPOP response: %v", vals)
		}
		return types.JobID(vals[1]), nil
	}
}

func (r *Redis) Done(ctx context.Context, id types.JobID) error {
	return r.client.SRem(ctx, r.setKey, string(id)).Err()
}

// Reconcile drops ids popped by BRPOP whose Done never ran, e.g. after a crash.
func (r *Redis) Reconcile(ctx context.Context) error {
	if err := reconcileScript.Run(ctx, r.client, []string{r.listKey, r.setKey}).Err(); err != nil {
		return fmt.Errorf("queue: reconcile: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]types.JobID, error) {
	vals, err := r.client.LRange(ctx, r.listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: lrange: %w", err)
	}
	// LPUSH puts the newest id at index 0.
	out := make([]types.JobID, len(vals))
	for i, v := range vals {
		out[len(vals)-1-i] = types.JobID(v)
	}
	return out, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.listKey).Result()
	return int(n), err
}

func (r *Redis) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *Redis) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
