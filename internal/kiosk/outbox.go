package kiosk

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// outcome is the terminal result of a command waiting to be acknowledged by
// the coordinator. An empty cause means the command completed.
type outcome struct {
	id    string
	cause string
	tries int
	next  time.Time
}

// outbox holds outcome reports the coordinator has not acknowledged yet.
// Reports are retried with exponential backoff until they go through.
type outbox struct {
	mu      sync.Mutex
	pending []outcome
	base    time.Duration
	max     time.Duration
	now     func() time.Time
}

func newOutbox(base, max time.Duration) *outbox {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &outbox{base: base, max: max, now: time.Now}
}

func (o *outbox) add(oc outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.schedule(&oc)
	o.pending = append(o.pending, oc)
}

// schedule pushes the next attempt of oc out by the backoff for its tries.
func (o *outbox) schedule(oc *outcome) {
	oc.tries++
	delay := o.base
	for i := 1; i < oc.tries && delay < o.max; i++ {
		delay *= 2
	}
	if delay > o.max {
		delay = o.max
	}
	oc.next = o.now().Add(delay)
}

// take removes and returns the outcomes that are due.
func (o *outbox) take() []outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	var due, later []outcome
	for _, oc := range o.pending {
		if oc.next.After(now) {
			later = append(later, oc)
		} else {
			due = append(due, oc)
		}
	}
	o.pending = later
	return due
}

// retry puts outcomes that failed again back with a longer backoff.
func (o *outbox) retry(failed []outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range failed {
		o.schedule(&failed[i])
	}
	o.pending = append(failed, o.pending...)
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// report sends oc to the coordinator. A command the coordinator no longer
// knows is treated as acknowledged.
func (e *Executor) report(ctx context.Context, oc outcome) error {
	var err error
	if oc.cause == "" {
		err = e.queue.Complete(ctx, e.kioskID, oc.id)
	} else {
		err = e.queue.Fail(ctx, e.kioskID, oc.id, oc.cause)
	}
	if err != nil && IsNotFound(err) {
		e.logger.Warn("coordinator no longer knows command, dropping outcome", "command", oc.id)
		return nil
	}
	return err
}

// finish reports the outcome of an executed command. When the coordinator
// cannot be reached the outcome is kept and retried by Flush.
func (e *Executor) finish(ctx context.Context, id, cause string) error {
	oc := outcome{id: id, cause: cause}
	if err := e.report(ctx, oc); err != nil {
		e.outbox.add(oc)
		return fmt.Errorf("outcome of command %s queued for retry: %w", id, err)
	}
	return nil
}

// Flush retries the outcome reports that are due and returns how many are
// still waiting for the coordinator.
func (e *Executor) Flush(ctx context.Context) int {
	var failed []outcome
	for _, oc := range e.outbox.take() {
		if ctx.Err() != nil {
			failed = append(failed, oc)
			continue
		}
		if err := e.report(ctx, oc); err != nil {
			e.logger.Warn("outcome report failed, will retry", "command", oc.id, "tries", oc.tries, "error", err)
			failed = append(failed, oc)
			continue
		}
		e.logger.Info("outcome reported", "command", oc.id, "tries", oc.tries+1)
	}
	if len(failed) > 0 {
		e.outbox.retry(failed)
	}
	return e.outbox.len()
}

// Unreported returns how many outcomes wait for the coordinator.
func (e *Executor) Unreported() int {
	return e.outbox.len()
}
