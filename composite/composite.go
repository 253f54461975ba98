// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Package composite implements lifecycle aggregation: a uniform
// Start/Shutdown unit that lets a dynamic set of children be treated as
// one. It generalizes a single static Service/Option[T] pair found in the
// reference code into a dynamic aggregate, and uses
// golang.org/x/sync/errgroup - already pulled in elsewhere in the
// reference code for a similar fan-out - to fan child Shutdown calls out
// concurrently and join on them.
package composite

import (
	"context"
	"errors"
	"sync"

	"connectrpc.com/connect"
	"golang.org/x/sync/errgroup"
)

// ErrShutdownRequested is the status every outstanding operation resolves
// with when Shutdown is called explicitly (as opposed to a child aborting
// with a permanent failure).
var ErrShutdownRequested = connect.NewError(connect.CodeCanceled, errors.New("shutdown requested"))

// ErrNotStarted is returned by Status before Start has been called.
var ErrNotStarted = errors.New("composite: not started")

// Child is anything a Composite can own: something with a non-blocking
// Start, an asynchronous terminal status (Done/Err, mirroring
// stream.ResumableBidiStream) and a Shutdown.
type Child interface {
	Start(ctx context.Context)
	Done() <-chan struct{}
	Err() error
	Shutdown()
}

type entry struct {
	child   Child
	started bool
}

// Composite aggregates a dynamic set of Children into one Start/Shutdown
// unit.
type Composite struct {
	mu       sync.Mutex
	children []entry
	started  bool
	shutdown bool

	statusSet bool
	status    error

	abortOnce    sync.Once
	startDoneCh  chan struct{} // closed when the composite's Start future resolves
	shutdownDone chan struct{}
}

// New creates an empty, unstarted Composite.
func New() *Composite {
	return &Composite{startDoneCh: make(chan struct{})}
}

// Start starts every currently attached child. Children added later via
// AddServiceObject are started immediately, atomically with attachment.
func (c *Composite) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	for i := range c.children {
		if c.children[i].started {
			continue
		}
		c.children[i].child.Start(ctx)
		c.children[i].started = true
		c.watch(c.children[i].child)
	}
	c.mu.Unlock()
}

// AddServiceObject attaches a child. If the composite has already shut
// down, the child is not started - the caller owns its lifecycle in that
// case. Otherwise, if the composite has already started, the child is
// started while still holding the composite's lock, so Shutdown is
// guaranteed to reach it iff Start did.
func (c *Composite) AddServiceObject(ctx context.Context, child Child) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{child: child}
	if c.shutdown {
		c.children = append(c.children, e)
		return
	}
	if c.started {
		child.Start(ctx)
		e.started = true
		c.watch(child)
	}
	c.children = append(c.children, e)
}

// watch propagates a child's terminal failure into an Abort. Must be
// called with c.mu held (it only reads the child reference, the goroutine
// itself never touches c.mu until the child actually terminates).
func (c *Composite) watch(child Child) {
	go func() {
		<-child.Done()
		if err := child.Err(); err != nil {
			c.Abort(err)
		}
	}()
}

// Abort sets the composite status, latched to the first non-ok value, and
// resolves the Start future. Idempotent.
func (c *Composite) Abort(status error) {
	if status == nil {
		return
	}
	c.mu.Lock()
	if !c.statusSet {
		c.statusSet = true
		c.status = status
	}
	c.mu.Unlock()

	c.abortOnce.Do(func() { close(c.startDoneCh) })
}

// Done returns a channel closed once the composite's Start future
// resolves - on first child failure, explicit Abort, or Shutdown.
func (c *Composite) Done() <-chan struct{} {
	return c.startDoneCh
}

// Err returns the latched status. Valid any time; nil until something has
// aborted the composite.
func (c *Composite) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Status reports nil iff the composite is currently running: started, not
// aborted, not shut down.
func (c *Composite) Status() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return ErrNotStarted
	}
	if c.statusSet {
		return c.status
	}
	if c.shutdown {
		return ErrShutdownRequested
	}
	return nil
}

// Shutdown is idempotent. It aborts the composite with
// ErrShutdownRequested, then shuts down every started child concurrently,
// returning a channel closed once all of their Shutdown calls return.
func (c *Composite) Shutdown() <-chan struct{} {
	c.mu.Lock()
	if c.shutdown {
		ch := c.shutdownDone
		c.mu.Unlock()
		return ch
	}
	c.shutdown = true
	children := make([]Child, 0, len(c.children))
	for _, e := range c.children {
		if e.started {
			children = append(children, e.child)
		}
	}
	done := make(chan struct{})
	c.shutdownDone = done
	c.mu.Unlock()

	c.Abort(ErrShutdownRequested)

	go func() {
		defer close(done)
		var g errgroup.Group
		for _, child := range children {
			child := child
			g.Go(func() error {
				child.Shutdown()
				return nil
			})
		}
		_ = g.Wait()
	}()
	return done
}
