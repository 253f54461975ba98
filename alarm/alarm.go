// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Package alarm provides a periodic timer with a synchronous cancellation
// guarantee. It is grounded on two gocron.Scheduler users found in the
// reference code (a service's recurring-job scheduler and a cloud
// collector's poll scheduler, both of which schedule a recurring job with
// Every(duration).Do(fn) and stop it with Scheduler.Stop()): an Alarm
// wraps one Scheduler running a single job, with an extra mutex-guarded
// shutdown flag layered on top to provide the guarantee gocron itself
// does not make - that once cancellation returns, the callback is not
// running and will never run again.
package alarm

import (
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// ErrCancelled is returned by Register if the Alarm has already been
// cancelled.
var ErrCancelled = errors.New("alarm: cancelled")

// Alarm schedules a callback at a fixed period. The callback never runs
// inline with Register; it always runs on the scheduler's own goroutine,
// strictly serialised with itself.
//
// The callback must never call Cancel (directly or transitively) on its
// own Alarm: Cancel takes the same lock the callback runs under, so a
// self-cancel would deadlock. Owning components must cancel from a
// separate goroutine (typically their own Shutdown path), matching the
// source's documented constraint.
type Alarm struct {
	mu       sync.Mutex
	period   time.Duration
	callback func()
	shutdown bool

	scheduler *gocron.Scheduler
	job       *gocron.Job
}

// New creates an Alarm. The callback does not run until Register is
// called.
func New(period time.Duration, callback func()) *Alarm {
	return &Alarm{
		period:    period,
		callback:  callback,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Register arms the timer. Calling Register more than once is a no-op.
func (a *Alarm) Register() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shutdown {
		return ErrCancelled
	}
	if a.job != nil {
		return nil
	}

	job, err := a.scheduler.Every(a.period).Do(a.fire)
	if err != nil {
		return err
	}
	a.job = job
	a.scheduler.StartAsync()
	return nil
}

// fire runs on the scheduler's goroutine for every tick.
func (a *Alarm) fire() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shutdown {
		return
	}
	a.callback()
}

// Cancel synchronously cancels the alarm. Once Cancel returns, the
// callback is guaranteed not to be running and will never run again.
// Cancel is idempotent.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shutdown {
		return
	}
	a.shutdown = true
	a.scheduler.Stop()
}
