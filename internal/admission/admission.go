// Package admission bounds how many plugin runs execute concurrently.
// Each run holds a sandbox process, a staged directory, and potentially an
// inference stream — unbounded concurrency would exhaust the host long
// before the sandboxes themselves fail.
package admission

import (
	"context"
	"errors"
	"time"
)

// ErrBusy reports that no run slot became free within the queue wait.
var ErrBusy = errors.New("run capacity exhausted")

// Controller is a counting semaphore over run slots. A zero max means
// unlimited admission.
type Controller struct {
	slots     chan struct{}
	queueWait time.Duration
}

// New creates a controller admitting up to maxConcurrent runs, letting a
// caller wait up to queueWait for a slot before ErrBusy.
func New(maxConcurrent int, queueWait time.Duration) *Controller {
	c := &Controller{queueWait: queueWait}
	if maxConcurrent > 0 {
		c.slots = make(chan struct{}, maxConcurrent)
	}
	return c
}

// Acquire claims a run slot, waiting up to the queue wait for one to free.
// Returns ErrBusy on a full house, or the ctx error if the caller gave up
// first. Every successful Acquire must be paired with Release.
func (c *Controller) Acquire(ctx context.Context) error {
	if c.slots == nil {
		return nil
	}

	select {
	case c.slots <- struct{}{}:
		return nil
	default:
	}

	if c.queueWait <= 0 {
		return ErrBusy
	}

	timer := time.NewTimer(c.queueWait)
	defer timer.Stop()

	select {
	case c.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot claimed by Acquire.
func (c *Controller) Release() {
	if c.slots == nil {
		return
	}
	select {
	case <-c.slots:
	default:
		// Unpaired Release — nothing to free.
	}
}

// InFlight returns the number of currently admitted runs.
func (c *Controller) InFlight() int {
	if c.slots == nil {
		return 0
	}
	return len(c.slots)
}
