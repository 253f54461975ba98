// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	"connectrpc.com/connect"

	"confirmate.io/streampublisher/alarm"
	"confirmate.io/streampublisher/composite"
	"confirmate.io/streampublisher/stream"
	"confirmate.io/streampublisher/wire"
)

// DefaultAlarmPeriod is the flush alarm's default period: 50ms.
const DefaultAlarmPeriod = 50 * time.Millisecond

// ErrProtocolViolation is raised when the publish stream sends a
// response that is not a valid message-ack (an unexpected response
// variant, or a response following the handshake that is not a
// message_response).
var ErrProtocolViolation = connect.NewError(connect.CodeInternal, errors.New("publish: protocol violation: unexpected response variant"))

// ErrUnexpectedAck is raised when a message-ack arrives with no matching
// in-flight batch.
var ErrUnexpectedAck = connect.NewError(connect.CodeFailedPrecondition, errors.New("publish: protocol violation: ack with no in-flight batch"))

var errHandshakeResponse = errors.New("publish: initial response missing or malformed")

// PartitionPublisher batches and streams messages for one partition. It
// owns exactly one ResumableBidiStream and one Alarm.
type PartitionPublisher struct {
	topic     string
	partition int
	clientID  [16]byte
	policy    BatchingPolicy

	stream    *stream.ResumableBidiStream[wire.PublishRequest, wire.PublishResponse]
	composite *composite.Composite
	flush     *alarm.Alarm

	mu         sync.Mutex
	unbatched  []queuedMessage
	unsent     []*batch
	inFlight   []*batch
	writing    bool
	generation int // bumped by rebatch; lets writeBatches notice a reconnect raced its in-flight batch

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPartitionPublisher constructs a PartitionPublisher for one
// partition of topic. alarmPeriod of 0 selects DefaultAlarmPeriod.
func NewPartitionPublisher(
	topic string,
	partition int,
	clientID [16]byte,
	factory stream.StreamFactory[wire.PublishRequest, wire.PublishResponse],
	retryFactory stream.RetryPolicyFactory,
	backoffFactory stream.BackoffPolicyFactory,
	sleeper stream.Sleeper,
	policy BatchingPolicy,
	alarmPeriod time.Duration,
) *PartitionPublisher {
	if alarmPeriod <= 0 {
		alarmPeriod = DefaultAlarmPeriod
	}

	pp := &PartitionPublisher{
		topic:     topic,
		partition: partition,
		clientID:  clientID,
		policy:    policy,
		composite: composite.New(),
	}
	pp.stream = stream.New(factory, pp.initializer, retryFactory, backoffFactory, sleeper)
	pp.flush = alarm.New(alarmPeriod, pp.Flush)
	return pp
}

// Start starts the flush alarm and the underlying composite, then begins
// the read loop. Start implements composite.Child so a PartitionPublisher
// can itself be a child of a MultiPartitionPublisher's composite.
func (pp *PartitionPublisher) Start(ctx context.Context) {
	pp.ctx, pp.cancel = context.WithCancel(ctx)

	_ = pp.flush.Register()
	pp.composite.AddServiceObject(pp.ctx, pp.stream)
	pp.composite.Start(pp.ctx)

	go pp.readLoop()
}

// Done implements composite.Child.
func (pp *PartitionPublisher) Done() <-chan struct{} { return pp.composite.Done() }

// Err implements composite.Child.
func (pp *PartitionPublisher) Err() error { return pp.composite.Err() }

// Publish enqueues message for this partition. It never blocks on
// network I/O - if the publisher is not currently ok, the handle
// resolves immediately with that status.
func (pp *PartitionPublisher) Publish(msg Message) *Handle {
	h := newHandle()

	pp.mu.Lock()
	if err := pp.composite.Status(); err != nil {
		pp.mu.Unlock()
		h.resolve(Metadata{}, err)
		return h
	}
	pp.unbatched = append(pp.unbatched, queuedMessage{msg: msg, handle: h})
	pp.mu.Unlock()
	return h
}

// Flush batches the unbatched queue and, if no write is already in
// flight, begins writing. Non-blocking.
func (pp *PartitionPublisher) Flush() {
	pp.mu.Lock()
	if len(pp.unbatched) > 0 {
		pp.unsent = append(pp.unsent, pp.policy.batchAll(pp.unbatched)...)
		pp.unbatched = nil
	}
	pp.startWritingLocked()
}

// startWritingLocked begins a writeBatches pass if one isn't already
// running and there is something in unsent to send. Must be called with
// pp.mu held; it releases the lock itself.
func (pp *PartitionPublisher) startWritingLocked() {
	if pp.writing || len(pp.unsent) == 0 {
		pp.mu.Unlock()
		return
	}
	pp.writing = true
	ctx := pp.ctx
	pp.mu.Unlock()

	go pp.writeBatches(ctx)
}

// writeBatches drains the unsent queue one batch at a time, in order. A
// batch is handed to pp.stream.Write with its generation recorded first:
// if rebatch() runs concurrently and bumps the generation before Write
// returns, that batch has already been folded back into a fresh unsent
// batch with its own inFlight bookkeeping, so this pass must stop without
// touching inFlight or popping another batch - doing so would send (and
// track) the same messages twice, racing rebatch's own resend. Because
// rebatch cannot start a pass while this one still holds writing, a pass
// that stops for that reason starts a fresh one over the rebuilt unsent
// queue.
func (pp *PartitionPublisher) writeBatches(ctx context.Context) {
	for {
		pp.mu.Lock()
		if len(pp.unsent) == 0 {
			pp.writing = false
			pp.mu.Unlock()
			return
		}
		b := pp.unsent[0]
		pp.unsent = pp.unsent[1:]
		pp.inFlight = append(pp.inFlight, b)
		gen := pp.generation
		pp.mu.Unlock()

		req := &wire.PublishRequest{MessagePublish: &wire.MessagePublishRequest{Messages: b.wireMessages()}}
		ok, err := pp.stream.Write(ctx, req)
		if err != nil {
			// ctx cancelled: Shutdown owns resolving the outstanding queues.
			return
		}

		pp.mu.Lock()
		reconnected := pp.generation != gen
		if !ok || reconnected {
			// Either this send failed and triggered a reconnect, or a
			// reconnect/rebatch ran to completion while this call was
			// blocked. rebatch() already owns resending b's messages as
			// part of a new batch; stop here rather than risk a second,
			// independently-tracked send of the same messages.
			pp.writing = false
			if reconnected {
				// rebatch ran while this pass held writing, so it did not
				// start a pass over the rebuilt unsent queue.
				pp.startWritingLocked() // releases pp.mu
				return
			}
			pp.mu.Unlock()
			return
		}
		if len(pp.unsent) == 0 || pp.composite.Status() != nil {
			pp.writing = false
			pp.mu.Unlock()
			return
		}
		pp.mu.Unlock()
	}
}

// readLoop keeps at most one Read pending on the resumable stream and
// resolves handles as acks arrive.
func (pp *PartitionPublisher) readLoop() {
	for {
		resp, err := pp.stream.Read(pp.ctx)
		if err != nil {
			return // ctx cancelled, Shutdown is in progress.
		}
		if resp == nil {
			if pp.stream.State() == stream.ShutDown {
				return
			}
			continue // resumable stream is reconnecting; try again.
		}

		ack := resp.MessageResponse
		if ack == nil {
			pp.composite.Abort(ErrProtocolViolation)
			return
		}

		pp.mu.Lock()
		if len(pp.inFlight) == 0 {
			pp.mu.Unlock()
			pp.composite.Abort(ErrUnexpectedAck)
			return
		}
		b := pp.inFlight[0]
		pp.inFlight = pp.inFlight[1:]
		pp.mu.Unlock()

		for k, qm := range b.messages {
			qm.handle.resolve(Metadata{Partition: pp.partition, Offset: ack.StartOffset + int64(k)}, nil)
		}
	}
}

// initializer performs the publish RPC's opening handshake and then
// re-batches every currently-owned message back into the unsent queue,
// which is what makes a reconnect safe: anything written but not yet
// acknowledged is resent, and the service is expected to deduplicate.
func (pp *PartitionPublisher) initializer(ctx context.Context, raw stream.RawStream[wire.PublishRequest, wire.PublishResponse]) error {
	req := &wire.PublishRequest{Initial: &wire.InitialPublishRequest{
		Topic:             pp.topic,
		Partition:         pp.partition,
		PublisherClientID: pp.clientID,
	}}
	if err := raw.Send(req); err != nil {
		return err
	}
	resp, err := raw.Receive()
	if err != nil {
		return err
	}
	if resp == nil || resp.Initial == nil {
		return errHandshakeResponse
	}

	pp.rebatch()
	return nil
}

func (pp *PartitionPublisher) rebatch() {
	pp.mu.Lock()
	pp.generation++

	var all []queuedMessage
	for _, b := range pp.inFlight {
		all = append(all, b.messages...)
	}
	for _, b := range pp.unsent {
		all = append(all, b.messages...)
	}
	all = append(all, pp.unbatched...)

	pp.inFlight = nil
	pp.unbatched = nil
	pp.unsent = pp.policy.batchAll(all)

	pp.startWritingLocked() // releases pp.mu
}

// Shutdown destroys the flush alarm, shuts down the composite, and
// resolves every outstanding handle with the composite's final status.
func (pp *PartitionPublisher) Shutdown() {
	pp.flush.Cancel()
	if pp.cancel != nil {
		pp.cancel()
	}
	<-pp.composite.Shutdown()

	status := pp.composite.Err()
	if status == nil {
		status = composite.ErrShutdownRequested
	}
	pp.resolveAll(status)
}

func (pp *PartitionPublisher) resolveAll(err error) {
	pp.mu.Lock()
	unbatched := pp.unbatched
	unsent := pp.unsent
	inFlight := pp.inFlight
	pp.unbatched, pp.unsent, pp.inFlight = nil, nil, nil
	pp.mu.Unlock()

	for _, qm := range unbatched {
		qm.handle.resolve(Metadata{}, err)
	}
	for _, b := range unsent {
		for _, qm := range b.messages {
			qm.handle.resolve(Metadata{}, err)
		}
	}
	for _, b := range inFlight {
		for _, qm := range b.messages {
			qm.handle.resolve(Metadata{}, err)
		}
	}
}
