// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Package stream implements a resumable bidirectional RPC wrapper. It is
// a Go-native reworking of a reference RestartableBidiStream built around
// a chain of future continuations captured under a lock: instead, one
// dedicated goroutine owns the reconnect state machine here, and callers
// talk to it through plain method calls that block only while genuinely
// waiting for a reconnect.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// errEmptyRead is the internal sentinel fed to the retry policy when the
// raw stream's Receive returns a nil response with a nil error (the
// service-level equivalent of an empty Option<Resp>).
var errEmptyRead = errors.New("stream: raw read returned an empty response")

// RawStream is the minimal shape of a single, non-resumable bidirectional
// RPC. A concrete implementation (see package transport) typically wraps a
// connectrpc.com/connect BidiStreamForClient.
type RawStream[Req, Resp any] interface {
	// Start begins the raw stream. It is called once, immediately after
	// the stream is created by the factory.
	Start(ctx context.Context) error
	// Send writes one request message.
	Send(req *Req) error
	// Receive reads one response message.
	Receive() (*Resp, error)
	// Finish tears down the raw stream and returns its terminal status.
	// Finish is never called while a Send or Receive issued against this
	// raw stream is still outstanding.
	Finish() error
}

// StreamFactory produces a fresh, not-yet-started raw stream.
type StreamFactory[Req, Resp any] func(ctx context.Context) RawStream[Req, Resp]

// Initializer performs the opening handshake on a freshly started raw
// stream (typically one write, one read) and reports whether the stream is
// ready for use.
type Initializer[Req, Resp any] func(ctx context.Context, raw RawStream[Req, Resp]) error

// RetryPolicy classifies a failure as retryable or permanent. A fresh
// RetryPolicy is obtained from RetryPolicyFactory for every reconnect
// cycle - the first connect after Start, and each reconnect after a
// failure - so policies that count attempts count them per cycle.
type RetryPolicy interface {
	// OnFailure is invoked with the error that just occurred and reports
	// whether the caller should back off and try again.
	OnFailure(err error) (retry bool)
}

// RetryPolicyFactory builds a fresh RetryPolicy for each reconnect cycle.
type RetryPolicyFactory func() RetryPolicy

// BackoffPolicy produces successive sleep durations for a reconnect cycle.
type BackoffPolicy interface {
	// Next returns how long to sleep before the next attempt.
	Next() (delay time.Duration)
}

// BackoffPolicyFactory builds a fresh BackoffPolicy for each reconnect cycle.
type BackoffPolicyFactory func() BackoffPolicy

// Sleeper abstracts "wait for a duration, honoring cancellation" so tests
// can substitute an instant sleeper.
type Sleeper func(ctx context.Context, d time.Duration) error

// State is the lifecycle state of a ResumableBidiStream.
type State int

const (
	// Retrying means the stream is either establishing its first
	// connection or recovering from a failure.
	Retrying State = iota
	// Initialized means the underlying raw stream is up and the
	// handshake has completed; Read/Write forward directly to it.
	Initialized
	// ShutDown is terminal: no further reconnects happen.
	ShutDown
)

// ResumableBidiStream wraps a StreamFactory and Initializer into a
// reconnecting bidirectional stream. At most one Read and at most one
// Write may be pending at any time; this is a caller contract, not
// internally enforced by a queue, matching the same assumption a
// reference RestartableBidiStream makes of its own Send/Receive callers.
type ResumableBidiStream[Req, Resp any] struct {
	factory        StreamFactory[Req, Resp]
	init           Initializer[Req, Resp]
	retryFactory   RetryPolicyFactory
	backoffFactory BackoffPolicyFactory
	sleep          Sleeper

	mu       sync.Mutex
	state    State
	raw      RawStream[Req, Resp]
	notify   chan struct{} // closed and replaced on every state transition
	finalErr error

	readOutstanding  atomic.Bool
	writeOutstanding atomic.Bool
	drainCh          chan struct{} // signalled whenever an outstanding op completes

	reconnectReq chan error // buffered 1: wakes the run loop to reconnect

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

// New creates a ResumableBidiStream. Start must be called before Read,
// Write or Shutdown are used.
func New[Req, Resp any](
	factory StreamFactory[Req, Resp],
	init Initializer[Req, Resp],
	retryFactory RetryPolicyFactory,
	backoffFactory BackoffPolicyFactory,
	sleep Sleeper,
) *ResumableBidiStream[Req, Resp] {
	return &ResumableBidiStream[Req, Resp]{
		factory:        factory,
		init:           init,
		retryFactory:   retryFactory,
		backoffFactory: backoffFactory,
		sleep:          sleep,
		notify:         make(chan struct{}),
		reconnectReq:   make(chan error, 1),
		drainCh:        make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Start transitions the stream to Retrying and begins the first connect
// attempt in a dedicated goroutine. Start returns immediately; use Done
// and Err to observe the terminal status, the Go translation of a
// Start() -> Future<TerminalStatus> contract into the context/channel
// idiom.
func (s *ResumableBidiStream[Req, Resp]) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.state = Retrying
	s.mu.Unlock()

	go s.runLoop()
}

// Done returns a channel that is closed once the stream reaches ShutDown.
func (s *ResumableBidiStream[Req, Resp]) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal status. It is only meaningful after Done is
// closed; nil means the stream was shut down cleanly (explicit Shutdown
// with no permanent failure recorded), non-nil means retry-policy
// exhaustion or a permanent error code.
func (s *ResumableBidiStream[Req, Resp]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// State reports the current lifecycle state.
func (s *ResumableBidiStream[Req, Resp]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Read reads one response. It returns (nil, nil) either when the raw read
// just failed and a reconnect has been triggered (a following Read waits
// for the reconnect to complete and then reads from the new raw stream) or
// when the stream has reached ShutDown. A non-nil error means ctx was
// cancelled.
func (s *ResumableBidiStream[Req, Resp]) Read(ctx context.Context) (*Resp, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case ShutDown:
			s.mu.Unlock()
			return nil, nil
		case Retrying:
			ch := s.notify
			s.mu.Unlock()
			if err := waitOrDone(ctx, ch); err != nil {
				return nil, err
			}
			continue
		default: // Initialized
			raw := s.raw
			s.mu.Unlock()

			s.readOutstanding.Store(true)
			resp, err := raw.Receive()
			s.readOutstanding.Store(false)
			s.signalDrain()

			if err != nil || resp == nil {
				s.triggerReconnect(errOrEOF(err))
				return nil, nil
			}
			return resp, nil
		}
	}
}

// Write writes one request. It returns (true, nil) once the raw write
// succeeds, (false, nil) either when the raw write just failed and a
// reconnect has been triggered (a reissued Write waits for the reconnect to
// complete) or when the stream has reached ShutDown, and (_, err) only when
// ctx was cancelled.
func (s *ResumableBidiStream[Req, Resp]) Write(ctx context.Context, req *Req) (bool, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case ShutDown:
			s.mu.Unlock()
			return false, nil
		case Retrying:
			ch := s.notify
			s.mu.Unlock()
			if err := waitOrDone(ctx, ch); err != nil {
				return false, err
			}
			continue
		default: // Initialized
			raw := s.raw
			s.mu.Unlock()

			s.writeOutstanding.Store(true)
			err := raw.Send(req)
			s.writeOutstanding.Store(false)
			s.signalDrain()

			if err != nil {
				s.triggerReconnect(err)
				return false, nil
			}
			return true, nil
		}
	}
}

// Shutdown moves the stream to ShutDown, cancels the reconnect loop and
// waits for it to exit. It does not call Finish on the current raw stream
// and does not wait for a Read or Write still outstanding on it.
func (s *ResumableBidiStream[Req, Resp]) Shutdown() {
	s.mu.Lock()
	if s.state == ShutDown {
		s.mu.Unlock()
		return
	}
	s.state = ShutDown
	s.closeNotifyLocked()
	cancel := s.runCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
}

// triggerReconnect asks the run loop to reconnect, recording err as the
// cause. Duplicate triggers (e.g. a concurrent Read and Write both fail)
// collapse into a single reconnect cycle.
func (s *ResumableBidiStream[Req, Resp]) triggerReconnect(err error) {
	s.mu.Lock()
	if s.state != Initialized {
		s.mu.Unlock()
		return
	}
	s.state = Retrying
	s.closeNotifyLocked()
	s.mu.Unlock()

	select {
	case s.reconnectReq <- err:
	default:
	}
}

func (s *ResumableBidiStream[Req, Resp]) signalDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

// waitOutstandingDrained blocks until neither a Read nor a Write is
// outstanding against the current raw stream.
func (s *ResumableBidiStream[Req, Resp]) waitOutstandingDrained() {
	for s.readOutstanding.Load() || s.writeOutstanding.Load() {
		<-s.drainCh
	}
}

func (s *ResumableBidiStream[Req, Resp]) closeNotifyLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// runLoop owns every transition into and out of Retrying/Initialized. It
// is the single goroutine the design notes call for: "one task per
// resumable stream reconnect loop".
func (s *ResumableBidiStream[Req, Resp]) runLoop() {
	defer close(s.done)

	retry := s.retryFactory()
	backoff := s.backoffFactory()

	// The very first attempt, and every attempt triggered by a
	// subsequent reconnectReq, share the same connect-handshake-retry
	// sequence.
	if !s.attemptUntilInitialized(retry, backoff, nil) {
		return
	}

	for {
		select {
		case <-s.runCtx.Done():
			s.finishLocked(nil)
			return
		case triggerErr := <-s.reconnectReq:
			s.waitOutstandingDrained()
			if s.raw != nil {
				_ = s.raw.Finish()
			}
			retry = s.retryFactory()
			backoff = s.backoffFactory()
			if !s.attemptUntilInitialized(retry, backoff, triggerErr) {
				return
			}
		}
	}
}

// attemptUntilInitialized runs the connect/Start/Initializer sequence,
// retrying with backoff on failure, until it succeeds (returns true,
// having transitioned to Initialized) or the retry policy gives up /
// the context is cancelled (returns false, having transitioned to
// ShutDown and recorded the terminal status).
func (s *ResumableBidiStream[Req, Resp]) attemptUntilInitialized(retry RetryPolicy, backoff BackoffPolicy, firstErr error) bool {
	lastErr := firstErr
	for {
		if lastErr != nil {
			if !retry.OnFailure(lastErr) {
				s.finishLocked(lastErr)
				return false
			}
			select {
			case <-s.runCtx.Done():
				s.finishLocked(nil)
				return false
			default:
			}
			if err := s.sleep(s.runCtx, backoff.Next()); err != nil {
				s.finishLocked(nil)
				return false
			}
		}

		raw := s.factory(s.runCtx)
		if err := raw.Start(s.runCtx); err != nil {
			_ = raw.Finish()
			lastErr = err
			continue
		}

		if err := s.init(s.runCtx, raw); err != nil {
			_ = raw.Finish()
			lastErr = err
			continue
		}

		s.mu.Lock()
		s.raw = raw
		s.state = Initialized
		s.closeNotifyLocked()
		s.mu.Unlock()
		return true
	}
}

func (s *ResumableBidiStream[Req, Resp]) finishLocked(err error) {
	s.mu.Lock()
	s.state = ShutDown
	s.finalErr = err
	s.closeNotifyLocked()
	s.mu.Unlock()
}

func waitOrDone(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errOrEOF(err error) error {
	if err != nil {
		return err
	}
	return errEmptyRead
}
