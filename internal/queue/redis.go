package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisQueue backs the Signal Queue with a Redis stream and a consumer
// group, using XADD/XGROUP CREATE/XREADGROUP/XACK/XTRIM. Producers (the
// upstream aggregator) write with XADD and never ack; this side only
// consumes.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// NewRedisQueue connects to addr and ensures the stream and consumer group
// exist. Creation is idempotent: a "BUSYGROUP" error (group already
// exists) is swallowed.
func NewRedisQueue(ctx context.Context, addr, stream, group, consumer string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, err
		}
	}

	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}, nil
}

// ReadNew reads up to count new entries via XREADGROUP, blocking up to
// blockMs when idle.
func (q *RedisQueue) ReadNew(ctx context.Context, count int64, blockMs int) ([]Entry, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				}
			}
			sig, err := signalFromFields(fields)
			if err != nil {
				log.Warn().Err(err).Str("msgID", msg.ID).Msg("dropping malformed signal")
				// Ack malformed entries so they don't poison-loop redelivery.
				_ = q.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, Entry{MsgID: msg.ID, Signal: sig})
		}
	}
	return out, nil
}

// Ack acknowledges msgID, best-effort.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	return q.client.XAck(ctx, q.stream, q.group, msgID).Err()
}

// Trim approximately bounds the stream length via XTRIM MAXLEN ~.
func (q *RedisQueue) Trim(ctx context.Context, maxLen int64) error {
	return q.client.XTrimMaxLenApprox(ctx, q.stream, maxLen, 0).Err()
}

// Close closes the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping reports whether the Redis connection backing the stream is alive,
// used by the health checker.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Put publishes a signal onto the stream. Exposed for tests and for tools
// that synthesize signals without a live upstream aggregator.
func (q *RedisQueue) Put(ctx context.Context, s Signal) error {
	fields := s.toFields()
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: args}).Err()
}
