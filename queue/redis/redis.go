// Package redis provides the Redis-backed implementation of queue.Queue.
//
// Layout (all keys under a configurable prefix, default "noetl:q:"):
//
//	ready:<pool>   ZSET of command IDs scored by available-at (unix ms)
//	leased:<pool>  ZSET of command IDs scored by lease deadline (unix ms)
//	cmd:<id>       HASH with payload, dedupe key, execution ID and pool
//	lease:<id>     lease token with PX expiry matching the visibility window
//	dedupe:<key>   dedupe key -> command ID
//	exec:<id>      SET of command IDs owned by the execution
//
// Lease, Ack, Nack and Extend run as Lua scripts so lease transitions are
// atomic under concurrent workers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl/queue"
)

// Queue implements queue.Queue over Redis. The caller owns the Redis
// connection lifecycle.
type Queue struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// Options configures the Redis queue.
type Options struct {
	// Client is the Redis connection. Required.
	Client *redis.Client
	// Prefix namespaces all queue keys. Defaults to "noetl:q:".
	Prefix string
}

// New returns a Redis-backed command queue.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "noetl:q:"
	}
	return &Queue{rdb: opts.Client, prefix: prefix, now: time.Now}, nil
}

var leaseScript = redis.NewScript(`
local ready = KEYS[1]
local leased = KEYS[2]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local vis = tonumber(ARGV[4])
local lease = ARGV[5]
local expired = redis.call('ZRANGEBYSCORE', leased, 0, now)
for _, id in ipairs(expired) do
  redis.call('ZREM', leased, id)
  redis.call('DEL', prefix .. 'lease:' .. id)
  redis.call('ZADD', ready, now, id)
end
local ids = redis.call('ZRANGEBYSCORE', ready, 0, now, 'LIMIT', 0, n)
for _, id in ipairs(ids) do
  redis.call('ZREM', ready, id)
  redis.call('ZADD', leased, now + vis, id)
  redis.call('SET', prefix .. 'lease:' .. id, lease, 'PX', vis)
end
return ids
`)

var ackScript = redis.NewScript(`
local leased = KEYS[1]
local prefix = ARGV[1]
local id = ARGV[2]
local lease = ARGV[3]
local leasekey = prefix .. 'lease:' .. id
if redis.call('GET', leasekey) ~= lease then return 0 end
local cmdkey = prefix .. 'cmd:' .. id
local dedupe = redis.call('HGET', cmdkey, 'dedupe')
local exec = redis.call('HGET', cmdkey, 'exec')
redis.call('DEL', leasekey)
redis.call('ZREM', leased, id)
redis.call('DEL', cmdkey)
if dedupe then redis.call('DEL', prefix .. 'dedupe:' .. dedupe) end
if exec then redis.call('SREM', prefix .. 'exec:' .. exec, id) end
return 1
`)

var nackScript = redis.NewScript(`
local leased = KEYS[1]
local ready = KEYS[2]
local prefix = ARGV[1]
local id = ARGV[2]
local lease = ARGV[3]
local at = tonumber(ARGV[4])
local leasekey = prefix .. 'lease:' .. id
if redis.call('GET', leasekey) ~= lease then return 0 end
redis.call('DEL', leasekey)
redis.call('ZREM', leased, id)
redis.call('ZADD', ready, at, id)
return 1
`)

var extendScript = redis.NewScript(`
local leased = KEYS[1]
local prefix = ARGV[1]
local id = ARGV[2]
local lease = ARGV[3]
local now = tonumber(ARGV[4])
local vis = tonumber(ARGV[5])
local leasekey = prefix .. 'lease:' .. id
if redis.call('GET', leasekey) ~= lease then return 0 end
redis.call('PEXPIRE', leasekey, vis)
redis.call('ZADD', leased, now + vis, id)
return 1
`)

var cancelScript = redis.NewScript(`
local ready = KEYS[1]
local prefix = ARGV[1]
local id = ARGV[2]
if redis.call('ZREM', ready, id) == 0 then return 0 end
local cmdkey = prefix .. 'cmd:' .. id
local dedupe = redis.call('HGET', cmdkey, 'dedupe')
local exec = redis.call('HGET', cmdkey, 'exec')
redis.call('DEL', cmdkey)
if dedupe then redis.call('DEL', prefix .. 'dedupe:' .. dedupe) end
if exec then redis.call('SREM', prefix .. 'exec:' .. exec, id) end
return 1
`)

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, c *queue.Command) (string, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	dedupe := c.DedupeKey()
	ok, err := q.rdb.SetNX(ctx, q.prefix+"dedupe:"+dedupe, c.ID, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("enqueue dedupe: %w", err)
	}
	if !ok {
		existing, err := q.rdb.Get(ctx, q.prefix+"dedupe:"+dedupe).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", false, fmt.Errorf("enqueue dedupe lookup: %w", err)
		}
		if existing != "" {
			c.ID = existing
		}
		return existing, false, nil
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return "", false, fmt.Errorf("marshal command: %w", err)
	}
	pool := c.PoolOf()
	score := float64(q.now().UnixMilli())
	if !c.AvailableAt.IsZero() {
		score = float64(c.AvailableAt.UnixMilli())
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.prefix+"cmd:"+c.ID, map[string]any{
		"payload": payload,
		"dedupe":  dedupe,
		"exec":    strconv.FormatInt(c.ExecutionID, 10),
		"pool":    pool,
	})
	pipe.SAdd(ctx, q.prefix+"exec:"+strconv.FormatInt(c.ExecutionID, 10), c.ID)
	pipe.ZAdd(ctx, q.prefix+"ready:"+pool, redis.Z{Score: score, Member: c.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", c.ID, err)
	}
	return c.ID, true, nil
}

// Lease implements queue.Queue.
func (q *Queue) Lease(ctx context.Context, pool, _ string, n int, visibility time.Duration) ([]*queue.Command, error) {
	if pool == "" {
		pool = queue.DefaultPool
	}
	leaseID := uuid.NewString()
	now := q.now()
	res, err := leaseScript.Run(ctx, q.rdb,
		[]string{q.prefix + "ready:" + pool, q.prefix + "leased:" + pool},
		q.prefix, now.UnixMilli(), n, visibility.Milliseconds(), leaseID,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("lease from %q: %w", pool, err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	out := make([]*queue.Command, 0, len(res))
	deadline := now.Add(visibility)
	for _, id := range res {
		raw, err := q.rdb.HGet(ctx, q.prefix+"cmd:"+id, "payload").Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("load command %s: %w", id, err)
		}
		var c queue.Command
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode command %s: %w", id, err)
		}
		c.LeaseID = leaseID
		c.Deadline = deadline
		out = append(out, &c)
	}
	return out, nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, id, leaseID string) error {
	pool, err := q.poolOf(ctx, id)
	if err != nil {
		return err
	}
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.prefix + "leased:" + pool},
		q.prefix, id, leaseID,
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if n == 0 {
		return queue.ErrLeaseExpired
	}
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(ctx context.Context, id, leaseID string, delay time.Duration) error {
	pool, err := q.poolOf(ctx, id)
	if err != nil {
		return err
	}
	at := q.now().Add(delay).UnixMilli()
	n, err := nackScript.Run(ctx, q.rdb,
		[]string{q.prefix + "leased:" + pool, q.prefix + "ready:" + pool},
		q.prefix, id, leaseID, at,
	).Int()
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	if n == 0 {
		return queue.ErrLeaseExpired
	}
	return nil
}

// Extend implements queue.Queue.
func (q *Queue) Extend(ctx context.Context, id, leaseID string, visibility time.Duration) error {
	pool, err := q.poolOf(ctx, id)
	if err != nil {
		return err
	}
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{q.prefix + "leased:" + pool},
		q.prefix, id, leaseID, q.now().UnixMilli(), visibility.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", id, err)
	}
	if n == 0 {
		return queue.ErrLeaseExpired
	}
	return nil
}

// CancelFor implements queue.Queue.
func (q *Queue) CancelFor(ctx context.Context, executionID int64) ([]string, error) {
	execKey := q.prefix + "exec:" + strconv.FormatInt(executionID, 10)
	ids, err := q.rdb.SMembers(ctx, execKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cancel for %d: %w", executionID, err)
	}
	var removed []string
	for _, id := range ids {
		pool, err := q.poolOf(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		n, err := cancelScript.Run(ctx, q.rdb,
			[]string{q.prefix + "ready:" + pool},
			q.prefix, id,
		).Int()
		if err != nil {
			return removed, fmt.Errorf("cancel %s: %w", id, err)
		}
		if n == 1 {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (q *Queue) poolOf(ctx context.Context, id string) (string, error) {
	pool, err := q.rdb.HGet(ctx, q.prefix+"cmd:"+id, "pool").Result()
	if errors.Is(err, redis.Nil) {
		return "", queue.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pool of %s: %w", id, err)
	}
	return pool, nil
}
