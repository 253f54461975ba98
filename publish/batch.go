// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"errors"

	"confirmate.io/streampublisher/wire"
)

const (
	// MaxBatchMessages is the hard cap on BatchingPolicy.MaxMessages.
	MaxBatchMessages = 1000
	// MaxBatchBytes is the hard cap on BatchingPolicy.MaxBytes: 3.5 MiB.
	MaxBatchBytes = 3670016
)

// ErrInvalidBatchingPolicy is returned by NewBatchingPolicy when either
// limit is non-positive or exceeds its hard cap.
var ErrInvalidBatchingPolicy = errors.New("publish: invalid batching policy")

// queuedMessage pairs a submitted Message with the Handle waiting on its
// resolution.
type queuedMessage struct {
	msg    Message
	handle *Handle
}

// batch is an ordered, non-empty sequence of queued messages destined
// for one write.
type batch struct {
	messages []queuedMessage
}

// wireMessages copies the batch's payloads into wire.PublishMessage
// values. The copy (rather than a move) is what lets an in-flight batch
// be rewritten unchanged after a reconnect.
func (b *batch) wireMessages() []wire.PublishMessage {
	out := make([]wire.PublishMessage, len(b.messages))
	for i, qm := range b.messages {
		data := make([]byte, len(qm.msg.Data))
		copy(data, qm.msg.Data)
		var key []byte
		if len(qm.msg.Key) > 0 {
			key = make([]byte, len(qm.msg.Key))
			copy(key, qm.msg.Key)
		}
		var attrs map[string]string
		if len(qm.msg.Attributes) > 0 {
			attrs = make(map[string]string, len(qm.msg.Attributes))
			for k, v := range qm.msg.Attributes {
				attrs[k] = v
			}
		}
		out[i] = wire.PublishMessage{Data: data, Key: key, Attributes: attrs}
	}
	return out
}

// BatchingPolicy groups queued messages into size-bounded batches.
type BatchingPolicy struct {
	MaxMessages int
	MaxBytes    int
}

// NewBatchingPolicy validates and returns a BatchingPolicy. Both limits
// must be positive and within the package's hard caps.
func NewBatchingPolicy(maxMessages, maxBytes int) (BatchingPolicy, error) {
	if maxMessages <= 0 || maxMessages > MaxBatchMessages {
		return BatchingPolicy{}, ErrInvalidBatchingPolicy
	}
	if maxBytes <= 0 || maxBytes > MaxBatchBytes {
		return BatchingPolicy{}, ErrInvalidBatchingPolicy
	}
	return BatchingPolicy{MaxMessages: maxMessages, MaxBytes: maxBytes}, nil
}

// batchAll groups msgs, in order, into batches that each stay strictly
// within MaxMessages and MaxBytes. A single message that alone exceeds
// MaxBytes still forms its own singleton batch - the byte limit is
// relaxed to "at most one message regardless of size", never violated
// for message count.
func (p BatchingPolicy) batchAll(msgs []queuedMessage) []*batch {
	var batches []*batch
	var current []queuedMessage
	var currentBytes int

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, &batch{messages: current})
			current = nil
			currentBytes = 0
		}
	}

	for _, qm := range msgs {
		sz := qm.msg.size()
		wouldExceed := len(current) > 0 && (len(current)+1 > p.MaxMessages || currentBytes+sz > p.MaxBytes)
		if wouldExceed {
			flush()
		}
		current = append(current, qm)
		currentBytes += sz
	}
	flush()
	return batches
}
