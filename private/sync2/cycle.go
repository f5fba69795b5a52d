// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sync2 provides synchronization helpers for long-running
// loops.
package sync2

import (
	"context"
	"time"
)

// Cycle runs a function on an interval, with manual triggering. The
// zero value is not usable; construct with NewCycle.
type Cycle struct {
	interval time.Duration

	control chan *cycleTrigger
	quit    chan struct{}
}

type cycleTrigger struct {
	done chan struct{}
}

// NewCycle creates a cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval}
}

// SetInterval changes the interval; only valid before Run.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

// Run invokes fn immediately and then on every tick until the context
// is canceled, fn fails, or Stop is called. Stopping returns nil.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.control = make(chan *cycleTrigger)
	cycle.quit = make(chan struct{})
	defer close(cycle.quit)

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		case trigger := <-cycle.control:
			if trigger == nil {
				return nil
			}
			err := fn(ctx)
			if trigger.done != nil {
				close(trigger.done)
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends the cycle permanently.
func (cycle *Cycle) Stop() {
	select {
	case cycle.control <- nil:
	case <-cycle.quit:
	}
}

// Trigger runs the function out of schedule without waiting for it.
func (cycle *Cycle) Trigger() {
	select {
	case cycle.control <- &cycleTrigger{}:
	case <-cycle.quit:
	}
}

// TriggerWait runs the function out of schedule and waits for the run
// to complete.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	select {
	case cycle.control <- &cycleTrigger{done: done}:
	case <-cycle.quit:
		return
	}
	select {
	case <-done:
	case <-cycle.quit:
	}
}
