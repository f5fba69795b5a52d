// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/pgsync/private/sync2"
)

func TestCycleRunsImmediately(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)

	var runs int64
	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 1
	}, time.Second, time.Millisecond)

	cycle.Stop()
	require.NoError(t, <-done)
}

func TestCycleTriggerWait(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)

	var runs int64
	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 1
	}, time.Second, time.Millisecond)

	cycle.TriggerWait()
	assert.GreaterOrEqual(t, atomic.LoadInt64(&runs), int64(2))

	cycle.Stop()
	require.NoError(t, <-done)
}

func TestCycleStopsOnError(t *testing.T) {
	cycle := sync2.NewCycle(time.Millisecond)

	boom := assert.AnError
	err := cycle.Run(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.Equal(t, boom, err)
}

func TestCycleStopsOnContext(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(ctx, func(ctx context.Context) error { return nil })
	}()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
