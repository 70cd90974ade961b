// Package batch queues observed mutation records and drains them in one
// reconciliation pass per scheduling tick.
//
// The batcher is a three-state machine:
//
//	Idle --enqueue--> Scheduled --tick--> Reconciling --done--> Idle
//	                                          |
//	                                          +--records queued meanwhile--> Scheduled
//
// Records produced while Reconciling (the pass's own corrective writes
// included) accumulate but are never handed to the running pass; they wait
// for the next tick.
package batch

import (
	"fmt"
	"log/slog"

	"github.com/hazyhaar/domguard/dom"
)

// State is the batcher's scheduling state.
type State int

const (
	Idle State = iota
	Scheduled
	Reconciling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Reconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// PassFunc consumes one drained batch.
type PassFunc func([]dom.Record)

// Batcher coalesces records into passes. All methods must be called from the
// guard loop.
type Batcher struct {
	sched  Scheduler
	pass   PassFunc
	logger *slog.Logger

	queue  []dom.Record
	state  State
	cancel func() bool
	passes uint64
}

// New creates an idle batcher.
func New(sched Scheduler, pass PassFunc, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{sched: sched, pass: pass, logger: logger}
}

// Enqueue appends a record and arms a tick when idle.
func (b *Batcher) Enqueue(rec dom.Record) {
	b.queue = append(b.queue, rec)
	if b.state == Idle {
		b.arm()
	}
}

func (b *Batcher) arm() {
	b.state = Scheduled
	b.cancel = b.sched.Schedule(b.Tick)
}

// Tick drains the queue into one pass. The state is restored even when the
// pass panics, so a bad batch cannot wedge future passes.
func (b *Batcher) Tick() {
	if b.state != Scheduled {
		return
	}
	b.cancel = nil
	b.state = Reconciling
	batch := b.queue
	b.queue = nil

	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("batch: pass panicked", "panic", fmt.Sprint(r), "records", len(batch))
		}
		b.passes++
		b.state = Idle
		if len(b.queue) > 0 {
			b.arm()
		}
	}()

	if len(batch) > 0 {
		b.pass(batch)
	}
}

// Flush runs a pass immediately when records are pending and no pass is
// running.
func (b *Batcher) Flush() {
	if b.state != Scheduled {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.Tick()
}

// Stop cancels a pending tick and drops queued records.
func (b *Batcher) Stop() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.queue = nil
	b.state = Idle
}

// State returns the current state.
func (b *Batcher) State() State { return b.state }

// Pending returns the number of queued records.
func (b *Batcher) Pending() int { return len(b.queue) }

// Passes returns the number of completed ticks.
func (b *Batcher) Passes() uint64 { return b.passes }
