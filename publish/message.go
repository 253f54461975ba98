// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Package publish implements the per-partition and multi-partition
// publishers. Grounded on the stream package for the write/read pipeline
// idiom used to drive the underlying resumable stream.
package publish

import (
	"sync"
)

// Message is an opaque application payload plus an optional routing key
// and string attributes. Immutable once submitted to a publisher.
type Message struct {
	Data       []byte
	Key        []byte
	Attributes map[string]string
}

// size is the number of bytes the batching policy charges this message.
func (m Message) size() int {
	n := len(m.Data) + len(m.Key)
	for k, v := range m.Attributes {
		n += len(k) + len(v)
	}
	return n
}

// Metadata is a message's final location once its batch has been
// acknowledged: the partition it was routed to and the offset the
// service assigned it within that partition.
type Metadata struct {
	Partition int
	Offset    int64
}

// Handle is a single-shot completion associated with one submitted
// Message. It resolves exactly once, either to a Metadata or to a
// terminal error.
type Handle struct {
	once     sync.Once
	done     chan struct{}
	metadata Metadata
	err      error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// resolve completes the handle. Only the first call has any effect.
func (h *Handle) resolve(metadata Metadata, err error) {
	h.once.Do(func() {
		h.metadata = metadata
		h.err = err
		close(h.done)
	})
}

// Done returns a channel closed once the handle has resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the handle resolves and returns its outcome. It is
// safe to call from multiple goroutines and more than once.
func (h *Handle) Result() (Metadata, error) {
	<-h.done
	return h.metadata, h.err
}
