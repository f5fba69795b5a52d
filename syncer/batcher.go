// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"hash/fnv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/pgsync/search"
)

// batcher fans actions out to a fixed set of appliers. Actions are
// routed by document id hash, so all writes for one id land on the
// same applier and keep their order; each applier flushes its buffer
// when it reaches the batch size or when the flush interval elapses.
type batcher struct {
	log      *zap.Logger
	indexer  Indexer
	size     int
	interval time.Duration
	queues   []chan search.Action
}

func newBatcher(log *zap.Logger, indexer Indexer, workers, size int, interval time.Duration) *batcher {
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan search.Action, workers)
	for i := range queues {
		queues[i] = make(chan search.Action, size)
	}
	return &batcher{
		log:      log,
		indexer:  indexer,
		size:     size,
		interval: interval,
		queues:   queues,
	}
}

// Enqueue routes actions to their per-id applier.
func (b *batcher) Enqueue(ctx context.Context, actions []search.Action) error {
	for _, action := range actions {
		queue := b.queues[b.route(action.ID)]
		select {
		case queue <- action:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *batcher) route(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32()) % len(b.queues)
}

// Run drives the appliers until the context is canceled. On cancel
// each applier flushes what it has buffered and exits.
func (b *batcher) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, queue := range b.queues {
		queue := queue
		group.Go(func() error {
			return b.applier(groupCtx, queue)
		})
	}
	return group.Wait()
}

func (b *batcher) applier(ctx context.Context, queue <-chan search.Action) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var buffer []search.Action
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		// flush with a background context so cancellation does not
		// drop buffered actions
		results, err := b.indexer.Bulk(context.Background(), buffer)
		if err != nil {
			if failed := search.FailedSubset(buffer, results); len(failed) > 0 {
				// rejected items stay buffered for the next flush
				b.log.Warn("bulk items failed; keeping them buffered",
					zap.Int("count", len(failed)))
				buffer = append(buffer[:0], failed...)
				return nil
			}
			return err
		}
		buffer = buffer[:0]
		return nil
	}

	for {
		select {
		case action := <-queue:
			buffer = append(buffer, action)
			if len(buffer) >= b.size {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			// drain what is already queued, then final flush
			for {
				select {
				case action := <-queue:
					buffer = append(buffer, action)
					continue
				default:
				}
				break
			}
			if err := flush(); err != nil {
				b.log.Error("final flush failed", zap.Error(err))
				return err
			}
			return ctx.Err()
		}
	}
}
