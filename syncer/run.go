// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/pgsync/private/sync2"
)

// Run streams until the context is canceled: a reader cycle pulling
// the replication slot, a subscriber cycle draining the publish queue
// into batched appliers, a checkpointer cycle persisting the watermark
// and a status cycle. Cancellation is a clean stop and returns nil.
func (s *Sync) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, groupCtx := errgroup.WithContext(ctx)

	reader := sync2.NewCycle(s.config.PollInterval)
	group.Go(func() error {
		return reader.Run(groupCtx, s.retrying("pull", func(ctx context.Context) error {
			if err := s.Pull(ctx); err != nil {
				return err
			}
			return s.TruncateSlots(ctx)
		}))
	})

	if s.queue != nil {
		batch := newBatcher(s.log, s.indexer, s.config.Workers, s.config.BatchSize, s.config.FlushInterval)
		group.Go(func() error {
			return batch.Run(groupCtx)
		})

		subscriber := sync2.NewCycle(s.config.PollInterval)
		group.Go(func() error {
			return subscriber.Run(groupCtx, s.retrying("subscribe", func(ctx context.Context) error {
				return s.drainQueue(ctx, batch)
			}))
		})
	}

	checkpointer := sync2.NewCycle(s.config.CheckpointInterval)
	group.Go(func() error {
		err := checkpointer.Run(groupCtx, func(ctx context.Context) error {
			return s.persistCheckpoint()
		})
		// final checkpoint on the way out
		final := s.persistCheckpoint()
		if errors.Is(err, context.Canceled) {
			return final
		}
		return errs.Combine(err, final)
	})

	status := sync2.NewCycle(s.config.StatusInterval)
	group.Go(func() error {
		return status.Run(groupCtx, func(ctx context.Context) error {
			return s.Status(ctx, os.Stdout, s.label())
		})
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainQueue pops published payloads until the queue is empty,
// materializing documents and handing their actions to the batched
// appliers. The checkpoint moves to min(xmin)-1 before any apply.
func (s *Sync) drainQueue(ctx context.Context, batch *batcher) error {
	for {
		payloads, err := s.queue.Pop(ctx, s.config.BatchSize)
		if err != nil {
			return err
		}
		if len(payloads) == 0 {
			return nil
		}
		s.log.Debug(fmt.Sprintf("on_publish len %d", len(payloads)))

		minXmin := payloads[0].XMin
		for _, payload := range payloads[1:] {
			if payload.XMin < minXmin {
				minXmin = payload.XMin
			}
		}
		if err := s.setCheckpoint(minXmin - 1); err != nil {
			return err
		}

		for _, payload := range payloads {
			event := payloadEvent(payload)
			docs, err := s.builder.Build(ctx, event)
			if err != nil {
				s.log.Warn("skipping payload that failed to build",
					zap.String("table", event.Table), zap.Error(err))
				atomic.AddInt64(&s.nSkipped, 1)
				continue
			}
			if err := batch.Enqueue(ctx, s.toActions(docs)); err != nil {
				return err
			}
		}
		atomic.AddInt64(&s.nRedis, int64(len(payloads)))
	}
}

// retrying wraps a cycle function with jittered exponential backoff,
// escalating to a fatal error after too many consecutive failures.
func (s *Sync) retrying(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	failures := 0
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	return func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			failures = 0
			policy.Reset()
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		failures++
		if failures > s.config.MaxRetries {
			return FatalError.Wrap(err)
		}
		wait := policy.NextBackOff()
		s.log.Warn(name+" failed; backing off",
			zap.Duration("backoff", wait), zap.Int("failures", failures), zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
}

func (s *Sync) persistCheckpoint() error {
	if s.checkpoints == nil {
		return nil
	}
	return s.checkpoints.Save(s.slotName, atomic.LoadUint64(&s.checkpoint))
}

func (s *Sync) label() string {
	if s.config.Label != "" {
		return s.config.Label
	}
	return s.config.Database
}
