package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"catalog-migrator/internal/config"
)

// RedisQueue is an at-least-once FIFO with per-message visibility timeouts. Each named queue
// has a ready list and an in-flight set scored by visibility deadline; message bodies live in
// one hash per message.
type RedisQueue struct {
	client          *redis.Client
	purgeMaxBatches int
	purgeBatchSize  int
	purgeVisibility time.Duration
	cancelTTL       time.Duration
	now             func() time.Time
}

const (
	msgPrefix       = "mq:msg:"
	pendingPrefix   = "mq:pending:"
	cancelledPrefix = "mq:cancelled:"
)

// NewRedisQueue builds a queue client over an existing Redis client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	q := &RedisQueue{
		client:          client,
		purgeMaxBatches: cfg.PurgeMaxBatches,
		purgeBatchSize:  cfg.PurgeBatchSize,
		purgeVisibility: 30 * time.Second,
		cancelTTL:       cfg.CancelMarkerTTL,
		now:             time.Now,
	}
	if q.purgeMaxBatches <= 0 {
		q.purgeMaxBatches = 50
	}
	if q.purgeBatchSize <= 0 {
		q.purgeBatchSize = 100
	}
	if q.cancelTTL <= 0 {
		q.cancelTTL = 24 * time.Hour
	}
	return q
}

func readyKey(queue string) string    { return fmt.Sprintf("mq:%s:ready", queue) }
func inflightKey(queue string) string { return fmt.Sprintf("mq:%s:inflight", queue) }
func archivedKey(queue string) string { return fmt.Sprintf("mq:%s:archived", queue) }
func msgKey(id string) string         { return msgPrefix + id }

// EnqueueBatch appends messages to the ready list in one transaction and returns their ids.
func (q *RedisQueue) EnqueueBatch(ctx context.Context, queue string, msgs []Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	now := q.now()
	ids := make([]string, 0, len(msgs))
	pipe := q.client.TxPipeline()
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids = append(ids, id)
		pipe.HSet(ctx, msgKey(id),
			"queue", queue,
			"corr", m.CorrelationID,
			"body", string(m.Body),
			"read_ct", 0,
			"enqueued_at", now.UnixMilli(),
		)
		pipe.RPush(ctx, readyKey(queue), id)
		if m.CorrelationID != "" {
			pipe.Incr(ctx, pendingPrefix+m.CorrelationID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &QueueError{Op: "enqueue", Queue: queue, Err: err}
	}
	return ids, nil
}

// Read claims up to max messages and hides them for vt. Expired claims return to the ready
// list first, so a crashed worker's messages are redelivered here.
func (q *RedisQueue) Read(ctx context.Context, queue string, max int, vt time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.now()
	res, err := readScript.Run(ctx, q.client,
		[]string{readyKey(queue), inflightKey(queue)},
		now.UnixMilli(), now.Add(vt).UnixMilli(), max, msgPrefix,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &QueueError{Op: "read", Queue: queue, Err: err}
	}
	rows, ok := res.([]interface{})
	if !ok {
		return nil, &QueueError{Op: "read", Queue: queue, Err: fmt.Errorf("unexpected type from read script: %T", res)}
	}
	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.([]interface{})
		if !ok || len(fields) < 5 {
			continue
		}
		msg := Message{
			ID:            asString(fields[0]),
			CorrelationID: asString(fields[1]),
			Body:          []byte(asString(fields[2])),
			Queue:         queue,
		}
		if ms, err := strconv.ParseInt(asString(fields[3]), 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms)
		}
		if ct, ok := fields[4].(int64); ok {
			msg.ReadCount = int(ct)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// SetVisibilityTimeout moves a claimed message's deadline. vt <= 0 makes it ready again now.
func (q *RedisQueue) SetVisibilityTimeout(ctx context.Context, queue, id string, vt time.Duration) error {
	if vt <= 0 {
		return q.Release(ctx, queue, id)
	}
	err := q.client.ZAddXX(ctx, inflightKey(queue), redis.Z{
		Score:  float64(q.now().Add(vt).UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return &QueueError{Op: "set_visibility", Queue: queue, Err: err}
	}
	return nil
}

// Release returns claimed messages to the tail of the ready list immediately.
func (q *RedisQueue) Release(ctx context.Context, queue string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if err := releaseScript.Run(ctx, q.client, []string{readyKey(queue), inflightKey(queue)}, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return &QueueError{Op: "release", Queue: queue, Err: err}
	}
	return nil
}

// Delete removes a message for good.
func (q *RedisQueue) Delete(ctx context.Context, queue, id string) (bool, error) {
	return q.remove(ctx, "delete", queue, id, false)
}

// Archive removes a finished message and counts it in the queue's archive counter.
func (q *RedisQueue) Archive(ctx context.Context, queue, id string) (bool, error) {
	return q.remove(ctx, "archive", queue, id, true)
}

func (q *RedisQueue) remove(ctx context.Context, op, queue, id string, archive bool) (bool, error) {
	flag := "0"
	if archive {
		flag = "1"
	}
	n, err := removeScript.Run(ctx, q.client,
		[]string{inflightKey(queue), readyKey(queue), msgKey(id), archivedKey(queue)},
		id, pendingPrefix, flag,
	).Int64()
	if err != nil {
		return false, &QueueError{Op: op, Queue: queue, Err: err}
	}
	return n == 1, nil
}

// QueueSize reports ready, in-flight and total counts. Claims past their deadline count as ready.
func (q *RedisQueue) QueueSize(ctx context.Context, queue string) (Size, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, readyKey(queue))
	expired := pipe.ZCount(ctx, inflightKey(queue), "-inf", now)
	total := pipe.ZCard(ctx, inflightKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Size{}, &QueueError{Op: "size", Queue: queue, Err: err}
	}
	s := Size{
		Ready:    ready.Val() + expired.Val(),
		InFlight: total.Val() - expired.Val(),
	}
	s.Total = s.Ready + s.InFlight
	return s, nil
}

// ArchivedCount returns how many messages were archived from the queue.
func (q *RedisQueue) ArchivedCount(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.Get(ctx, archivedKey(queue)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, &QueueError{Op: "archived_count", Queue: queue, Err: err}
	}
	return n, nil
}

// Peek returns up to n ready messages without claiming them.
func (q *RedisQueue) Peek(ctx context.Context, queue string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := q.client.LRange(ctx, readyKey(queue), 0, int64(n-1)).Result()
	if err != nil {
		return nil, &QueueError{Op: "peek", Queue: queue, Err: err}
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, msgKey(id), "corr", "body", "read_ct", "enqueued_at")
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, &QueueError{Op: "peek", Queue: queue, Err: err}
		}
	}
	msgs := make([]Message, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) < 4 || vals[1] == nil {
			continue
		}
		msg := Message{ID: id, Queue: queue, CorrelationID: asString(vals[0]), Body: []byte(asString(vals[1]))}
		msg.ReadCount, _ = strconv.Atoi(asString(vals[2]))
		if ms, err := strconv.ParseInt(asString(vals[3]), 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// PurgeByCorrelationID scans up to the configured number of batches, deletes messages that
// belong to correlationID and makes every other claimed message visible again immediately.
// Messages already claimed by a worker before the purge are not seen.
func (q *RedisQueue) PurgeByCorrelationID(ctx context.Context, queue, correlationID string) (int, error) {
	seen := make(map[string]bool)
	removed := 0
	for batch := 0; batch < q.purgeMaxBatches; batch++ {
		msgs, err := q.Read(ctx, queue, q.purgeBatchSize, q.purgeVisibility)
		if err != nil {
			return removed, err
		}
		if len(msgs) == 0 {
			break
		}
		fresh := 0
		keep := make([]string, 0, len(msgs))
		for _, m := range msgs {
			if !seen[m.ID] {
				seen[m.ID] = true
				fresh++
			}
			if m.CorrelationID != correlationID {
				keep = append(keep, m.ID)
				continue
			}
			ok, err := q.Delete(ctx, queue, m.ID)
			if err != nil {
				_ = q.Release(ctx, queue, keep...)
				return removed, err
			}
			if ok {
				removed++
			}
		}
		if err := q.Release(ctx, queue, keep...); err != nil {
			return removed, err
		}
		if fresh == 0 {
			break
		}
	}
	return removed, nil
}

// PendingFor returns how many messages of a correlation id are still queued or claimed.
func (q *RedisQueue) PendingFor(ctx context.Context, correlationID string) (int64, error) {
	n, err := q.client.Get(ctx, pendingPrefix+correlationID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, &QueueError{Op: "pending", Err: err}
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// MarkCancelled flags a correlation id so workers drop its messages before processing.
func (q *RedisQueue) MarkCancelled(ctx context.Context, correlationID string) error {
	if err := q.client.Set(ctx, cancelledPrefix+correlationID, q.now().UnixMilli(), q.cancelTTL).Err(); err != nil {
		return &QueueError{Op: "mark_cancelled", Err: err}
	}
	return nil
}

// IsCancelled reports whether MarkCancelled was called for the correlation id.
func (q *RedisQueue) IsCancelled(ctx context.Context, correlationID string) (bool, error) {
	n, err := q.client.Exists(ctx, cancelledPrefix+correlationID).Result()
	if err != nil {
		return false, &QueueError{Op: "is_cancelled", Err: err}
	}
	return n == 1, nil
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return string(t)
	}
	return ""
}

var readScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local now = ARGV[1]
local deadline = ARGV[2]
local max = tonumber(ARGV[3])
local prefix = ARGV[4]

local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', inflight, id)
  redis.call('RPUSH', ready, id)
end

local out = {}
while #out < max do
  local id = redis.call('LPOP', ready)
  if not id then break end
  local key = prefix .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('ZADD', inflight, deadline, id)
    local ct = redis.call('HINCRBY', key, 'read_ct', 1)
    local f = redis.call('HMGET', key, 'corr', 'body', 'enqueued_at')
    out[#out + 1] = {id, f[1] or '', f[2] or '', f[3] or '0', ct}
  end
end
return out
`)

var releaseScript = redis.NewScript(`
local n = 0
for i = 1, #ARGV do
  if redis.call('ZREM', KEYS[2], ARGV[i]) == 1 then
    redis.call('RPUSH', KEYS[1], ARGV[i])
    n = n + 1
  end
end
return n
`)

var removeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 0, ARGV[1])
local corr = redis.call('HGET', KEYS[3], 'corr')
local existed = redis.call('DEL', KEYS[3])
if existed == 1 and corr and corr ~= '' then
  local left = redis.call('DECR', ARGV[2] .. corr)
  if left <= 0 then redis.call('DEL', ARGV[2] .. corr) end
end
if existed == 1 and ARGV[3] == '1' then
  redis.call('INCR', KEYS[4])
end
return existed
`)
