package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conductor/internal/clock"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses three keys:
//
//	<prefix>tasks          LIST of call keys that are due
//	<prefix>tasks:delayed  ZSET of call keys scored by NotBefore (unix ms)
//	<prefix>tasks:payload  HASH of call key => msgpack-encoded task
//
// The payload hash doubles as the set of queued calls. Enqueue and the pop
// in Dequeue are Lua scripts, so a call key and its task always leave the
// queue together.
type RedisQueue struct {
	client       *redis.Client
	key          string
	delayedKey   string
	payloadKey   string
	clock        clock.Clock
	pollInterval time.Duration
}

// enqueueScript stores ARGV[2] under call key ARGV[1] unless the call is
// queued already, then schedules the key: on the delayed set with score
// ARGV[3] when ARGV[4] is "1", otherwise on the ready list.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
if ARGV[4] == '1' then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
else
	redis.call('LPUSH', KEYS[3], ARGV[1])
end
return 1
`)

// popScript moves up to ARGV[2] members scored <= ARGV[1] from the delayed
// set onto the ready list, then pops the oldest ready call and returns its
// task.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
local key = redis.call('RPOP', KEYS[2])
if not key then
	return false
end
local data = redis.call('HGET', KEYS[3], key)
redis.call('HDEL', KEYS[3], key)
return data
`)

// NewRedisQueue constructs a Redis-backed Queue. The default key prefix is "conductor:".
func NewRedisQueue(client *redis.Client, opts ...Option) *RedisQueue {
	o := buildOptions(50*time.Millisecond, opts)
	return &RedisQueue{
		client:       client,
		key:          o.prefix + "tasks",
		delayedKey:   o.prefix + "tasks:delayed",
		payloadKey:   o.prefix + "tasks:payload",
		clock:        o.clock,
		pollInterval: o.pollInterval,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue schedules a due task on the list or a delayed one on the sorted set.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	now := q.clock.Now()
	stamp(&t, now)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	delayed := "0"
	if t.NotBefore.After(now) {
		delayed = "1"
	}
	return enqueueScript.Run(ctx, q.client,
		[]string{q.payloadKey, q.delayedKey, q.key},
		t.CallKey(), data, t.NotBefore.UnixMilli(), delayed,
	).Err()
}

// Dequeue polls until a task is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(q.clock.Now().UnixMilli(), 10)
		data, err := popScript.Run(ctx, q.client, []string{q.delayedKey, q.key, q.payloadKey}, now, 100).Text()
		if err == nil {
			return DecodeTask([]byte(data))
		}
		if !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		if err := sleep(ctx, q.clock, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns the number of queued tasks, delayed ones included.
func (q *RedisQueue) Len() int {
	n, err := q.client.HLen(context.Background(), q.payloadKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
