// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package queue buffers decoded row events between the reader and the
// applier in Redis, so readers never block on indexing and events
// survive process restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error wraps queue failures.
	Error = errs.Class("queue")

	mon = monkit.Package()
)

// Payload is the serialized form of one row event as it travels
// through the queue.
type Payload struct {
	Schema string                 `json:"schema"`
	Table  string                 `json:"table"`
	Op     string                 `json:"tg_op"`
	Old    map[string]interface{} `json:"old,omitempty"`
	New    map[string]interface{} `json:"new,omitempty"`
	XMin   uint64                 `json:"xmin"`
}

// Config holds the Redis connection settings.
type Config struct {
	URL string `help:"redis url" default:"redis://localhost:6379"`
}

// Queue is a named FIFO list in Redis.
type Queue struct {
	client *redis.Client
	key    string
}

// Open connects to Redis and binds the queue under the given name.
func Open(ctx context.Context, config Config, name string) (*Queue, error) {
	options, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Combine(Error.Wrap(err), client.Close())
	}
	return &Queue{client: client, key: name}, nil
}

// Close releases the connection.
func (q *Queue) Close() error { return Error.Wrap(q.client.Close()) }

// Push appends payloads to the queue.
func (q *Queue) Push(ctx context.Context, payloads ...Payload) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(payloads) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(payloads))
	for _, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return Error.Wrap(err)
		}
		values = append(values, data)
	}
	return Error.Wrap(q.client.LPush(ctx, q.key, values...).Err())
}

// Pop removes and returns up to n payloads in arrival order. An empty
// queue yields an empty slice.
func (q *Queue) Pop(ctx context.Context, n int) (_ []Payload, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := q.client.RPopCount(ctx, q.key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	payloads := make([]Payload, 0, len(raw))
	for _, item := range raw {
		var payload Payload
		if err := json.Unmarshal([]byte(item), &payload); err != nil {
			return nil, Error.Wrap(err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// Len returns the number of pending payloads.
func (q *Queue) Len(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	n, err := q.client.LLen(ctx, q.key).Result()
	return n, Error.Wrap(err)
}
