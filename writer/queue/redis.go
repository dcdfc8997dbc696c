package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

// RedisQueue implements Queue on a Redis instance with three structures per
// queue: a ready list, a delayed ZSET scored by the delivery due time, and an
// in-flight ZSET scored by the visibility deadline. Receive promotes due
// delayed and expired in-flight messages back into the ready list before
// popping, which is what gives the at-least-once guarantee.
type RedisQueue struct {
	client *redis.Client
	logger logger.Logger

	key               string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	promoteBatchSize  int64
}

func NewRedisQueue(conf *config.Config, log logger.Logger, client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:            client,
		logger:            log.Child("queue"),
		key:               conf.GetString("Writer.queue.key", "writer:queue"),
		visibilityTimeout: conf.GetDuration("Writer.queue.visibilityTimeout", 5, time.Minute),
		pollInterval:      conf.GetDuration("Writer.queue.pollInterval", 250, time.Millisecond),
		promoteBatchSize:  conf.GetInt64("Writer.queue.promoteBatchSize", 100),
	}
}

// popScript pops one ready id and records its redelivery deadline in the
// in-flight zset in a single server-side step. A consumer that dies right
// after the pop therefore cannot strand the message: promotion finds it in
// the in-flight zset once the deadline lapses.
var popScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

func (q *RedisQueue) readyKey() string    { return q.key + ":ready" }
func (q *RedisQueue) delayedKey() string  { return q.key + ":delayed" }
func (q *RedisQueue) inflightKey() string { return q.key + ":inflight" }
func (q *RedisQueue) bodiesKey() string   { return q.key + ":bodies" }

func (q *RedisQueue) Enqueue(ctx context.Context, body Body, delay time.Duration) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshalling message body: %w", err)
	}

	id := uuid.NewString()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.bodiesKey(), id, payload)
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.LPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueueing message: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Receive(ctx context.Context, maxMessages int, maxWait time.Duration) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := time.Now().Add(maxWait)

	for {
		if err := q.promote(ctx); err != nil {
			return nil, err
		}

		messages, err := q.popReady(ctx, maxMessages)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 || !time.Now().Before(deadline) {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) popReady(ctx context.Context, maxMessages int) ([]Message, error) {
	visibleAgain := time.Now().Add(q.visibilityTimeout).UnixMilli()

	var messages []Message
	for len(messages) < maxMessages {
		res, err := popScript.Run(ctx, q.client,
			[]string{q.readyKey(), q.inflightKey()}, visibleAgain,
		).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("popping message: %w", err)
		}
		id, ok := res.(string)
		if !ok {
			break
		}

		payload, err := q.client.HGet(ctx, q.bodiesKey(), id).Result()
		if errors.Is(err, redis.Nil) {
			// deleted while in the ready list; drop the in-flight marker too
			q.client.ZRem(ctx, q.inflightKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching message body: %w", err)
		}

		var body Body
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			q.logger.Errorw("dropping malformed queue message", "messageId", id, "error", err)
			q.dropMessage(ctx, id)
			continue
		}
		messages = append(messages, Message{ID: id, Body: body})
	}
	return messages, nil
}

func (q *RedisQueue) Delete(ctx context.Context, msg Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), msg.ID)
	pipe.HDel(ctx, q.bodiesKey(), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// promote moves due delayed messages and expired in-flight messages back into
// the ready list.
func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for _, key := range []string{q.delayedKey(), q.inflightKey()} {
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: q.promoteBatchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("fetching due messages: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := q.client.TxPipeline()
		for _, id := range ids {
			pipe.LPush(ctx, q.readyKey(), id)
			pipe.ZRem(ctx, key, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promoting due messages: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) dropMessage(ctx context.Context, id string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), id)
	pipe.HDel(ctx, q.bodiesKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warnw("dropping malformed queue message", "messageId", id, "error", err)
	}
}
