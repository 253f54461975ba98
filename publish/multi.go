// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"confirmate.io/streampublisher/alarm"
	"confirmate.io/streampublisher/composite"
	"confirmate.io/streampublisher/log"
	"confirmate.io/streampublisher/routing"
	"confirmate.io/streampublisher/wire"
)

// DefaultPartitionPollPeriod is how often MultiPartitionPublisher
// re-polls the admin API for the topic's partition count: 60s.
const DefaultPartitionPollPeriod = 60 * time.Second

// PartitionPublisherFactory creates the PartitionPublisher for a given
// partition index. Indices are created in increasing order starting at
// zero as the topic's partition count grows.
type PartitionPublisherFactory func(partition int) *PartitionPublisher

type bufferedMessage struct {
	msg    Message
	handle *Handle
}

// MultiPartitionPublisher discovers a topic's partition count, routes
// each submitted message to a partition, and fans out to one
// PartitionPublisher per partition.
type MultiPartitionPublisher struct {
	topic   string
	admin   wire.AdminClient
	factory PartitionPublisherFactory

	composite *composite.Composite
	poll      *alarm.Alarm
	unkeyed   routing.Unkeyed

	started atomic.Bool

	mu             sync.Mutex
	publishers     []*PartitionPublisher
	partitionCount int
	everSucceeded  bool
	updating       bool
	pollDone       chan struct{} // non-nil while a poll is in flight
	initialBuffer  []bufferedMessage

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMultiPartitionPublisher constructs a MultiPartitionPublisher.
// pollPeriod of 0 selects DefaultPartitionPollPeriod.
func NewMultiPartitionPublisher(topic string, admin wire.AdminClient, factory PartitionPublisherFactory, pollPeriod time.Duration) *MultiPartitionPublisher {
	if pollPeriod <= 0 {
		pollPeriod = DefaultPartitionPollPeriod
	}
	mpp := &MultiPartitionPublisher{
		topic:     topic,
		admin:     admin,
		factory:   factory,
		composite: composite.New(),
	}
	mpp.poll = alarm.New(pollPeriod, mpp.onAlarm)
	return mpp
}

// Start registers the partition-count alarm (a no-op until the
// publisher itself is started), starts the composite, and triggers an
// immediate partition-count poll.
func (mpp *MultiPartitionPublisher) Start(ctx context.Context) {
	mpp.ctx, mpp.cancel = context.WithCancel(ctx)

	_ = mpp.poll.Register()
	mpp.composite.Start(mpp.ctx)
	mpp.started.Store(true)

	go mpp.pollOnce()
}

// Done implements composite.Child.
func (mpp *MultiPartitionPublisher) Done() <-chan struct{} { return mpp.composite.Done() }

// Err implements composite.Child.
func (mpp *MultiPartitionPublisher) Err() error { return mpp.composite.Err() }

// onAlarm is the periodic partition-count poll callback; it is a no-op
// until Start has run.
func (mpp *MultiPartitionPublisher) onAlarm() {
	if !mpp.started.Load() {
		return
	}
	mpp.pollOnce()
}

// pollOnce runs one partition-count poll to completion.
func (mpp *MultiPartitionPublisher) pollOnce() {
	mpp.mu.Lock()
	if mpp.updating {
		mpp.mu.Unlock()
		return
	}
	mpp.updating = true
	done := make(chan struct{})
	mpp.pollDone = done
	mpp.mu.Unlock()

	defer func() {
		mpp.mu.Lock()
		mpp.updating = false
		mpp.pollDone = nil
		mpp.mu.Unlock()
		close(done)
	}()

	n, err := mpp.admin.GetTopicPartitions(mpp.ctx, mpp.topic)

	mpp.mu.Lock()
	firstAttempt := !mpp.everSucceeded
	mpp.mu.Unlock()

	if err != nil {
		if firstAttempt {
			mpp.composite.Abort(err)
		} else {
			slog.Warn("partition-count poll failed, keeping existing publishers", "topic", mpp.topic, log.Err(err))
		}
		return
	}
	if cerr := routing.CheckPartitionCount(n); cerr != nil {
		mpp.composite.Abort(cerr)
		return
	}

	mpp.mu.Lock()
	mpp.everSucceeded = true
	oldCount := mpp.partitionCount
	newCount := int(n)
	grew := newCount > oldCount
	if grew {
		mpp.partitionCount = newCount
	}
	mpp.mu.Unlock()

	if !grew {
		return
	}

	for idx := oldCount; idx < newCount; idx++ {
		child := mpp.factory(idx)
		mpp.mu.Lock()
		mpp.publishers = append(mpp.publishers, child)
		mpp.mu.Unlock()
		mpp.composite.AddServiceObject(mpp.ctx, child)
	}

	mpp.drainInitialBuffer()
}

// Publish routes message to a partition and forwards it to that
// partition's publisher. If no publisher exists yet, the message parks
// in the initial buffer until the first successful partition-count poll.
func (mpp *MultiPartitionPublisher) Publish(msg Message) *Handle {
	h := newHandle()

	mpp.mu.Lock()
	if err := mpp.composite.Err(); err != nil {
		mpp.mu.Unlock()
		h.resolve(Metadata{}, err)
		return h
	}
	if len(mpp.publishers) == 0 {
		mpp.initialBuffer = append(mpp.initialBuffer, bufferedMessage{msg: msg, handle: h})
		mpp.mu.Unlock()
		return h
	}
	n := len(mpp.publishers)
	mpp.mu.Unlock()

	mpp.route(msg, h, n)
	return h
}

func (mpp *MultiPartitionPublisher) route(msg Message, h *Handle, n int) {
	var partition int
	if len(msg.Key) == 0 {
		partition = mpp.unkeyed.Route(n)
	} else {
		partition = routing.RouteKeyed(msg.Key, uint32(n))
	}

	mpp.mu.Lock()
	pub := mpp.publishers[partition]
	mpp.mu.Unlock()

	inner := pub.Publish(msg)
	go func() {
		meta, err := inner.Result()
		h.resolve(meta, err)
	}()
}

// drainInitialBuffer routes every message parked before any publisher
// existed. Must be called without mpp.mu held.
func (mpp *MultiPartitionPublisher) drainInitialBuffer() {
	mpp.mu.Lock()
	buffered := mpp.initialBuffer
	mpp.initialBuffer = nil
	n := len(mpp.publishers)
	mpp.mu.Unlock()

	for _, b := range buffered {
		mpp.route(b.msg, b.handle, n)
	}
}

// Flush calls Flush on every current PartitionPublisher.
func (mpp *MultiPartitionPublisher) Flush() {
	mpp.mu.Lock()
	publishers := append([]*PartitionPublisher(nil), mpp.publishers...)
	mpp.mu.Unlock()

	for _, p := range publishers {
		p.Flush()
	}
}

// ErrShutdown is the status unresolved buffered messages get if Shutdown
// runs before they were ever routed.
var ErrShutdown = errors.New("publish: shutdown requested before message could be routed")

// Shutdown cancels the partition-count alarm, resolves every buffered
// (never-routed) message with a shutdown error, shuts down the
// composite, and - if a partition-count poll was in flight - waits for
// it to finish first.
func (mpp *MultiPartitionPublisher) Shutdown() {
	mpp.poll.Cancel()

	mpp.mu.Lock()
	inFlight := mpp.pollDone
	buffered := mpp.initialBuffer
	mpp.initialBuffer = nil
	mpp.mu.Unlock()

	if inFlight != nil {
		<-inFlight
	}

	for _, b := range buffered {
		b.handle.resolve(Metadata{}, ErrShutdown)
	}

	if mpp.cancel != nil {
		mpp.cancel()
	}
	<-mpp.composite.Shutdown()
}
