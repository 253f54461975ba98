// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confirmate.io/streampublisher/stream"
	"confirmate.io/streampublisher/wire"
)

type fakeRaw struct {
	sent chan *wire.PublishRequest
	recv chan *wire.PublishResponse
}

func newFakeRaw() *fakeRaw {
	return &fakeRaw{
		sent: make(chan *wire.PublishRequest, 16),
		recv: make(chan *wire.PublishResponse, 16),
	}
}

func (f *fakeRaw) Start(ctx context.Context) error { return nil }
func (f *fakeRaw) Send(req *wire.PublishRequest) error {
	f.sent <- req
	return nil
}
func (f *fakeRaw) Receive() (*wire.PublishResponse, error) {
	resp, ok := <-f.recv
	if !ok {
		return nil, io.EOF
	}
	return resp, nil
}
func (f *fakeRaw) Finish() error { return nil }

func instantSleeper(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func newTestPublisher(raw *fakeRaw) *PartitionPublisher {
	policy, _ := NewBatchingPolicy(10, MaxBatchBytes)
	return NewPartitionPublisher(
		"projects/p/topics/t", 3, [16]byte{1, 2, 3},
		func(ctx context.Context) stream.RawStream[wire.PublishRequest, wire.PublishResponse] { return raw },
		stream.NewDefaultRetryPolicy(0),
		stream.NewExponentialBackoff(time.Millisecond, time.Millisecond, 2),
		instantSleeper,
		policy,
		time.Hour, // flush is triggered explicitly in these tests
	)
}

func TestPartitionPublisher_HappyPath(t *testing.T) {
	raw := newFakeRaw()
	raw.recv <- &wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}

	pp := newTestPublisher(raw)
	pp.Start(context.Background())

	initReq := <-raw.sent
	require.NotNil(t, initReq.Initial)

	h1 := pp.Publish(Message{Data: []byte("a")})
	h2 := pp.Publish(Message{Data: []byte("b")})
	pp.Flush()

	req := <-raw.sent
	require.NotNil(t, req.MessagePublish)
	require.Len(t, req.MessagePublish.Messages, 2)

	raw.recv <- &wire.PublishResponse{MessageResponse: &wire.MessagePublishResponse{StartOffset: 100}}

	meta1, err1 := h1.Result()
	require.NoError(t, err1)
	require.Equal(t, Metadata{Partition: 3, Offset: 100}, meta1)

	meta2, err2 := h2.Result()
	require.NoError(t, err2)
	require.Equal(t, Metadata{Partition: 3, Offset: 101}, meta2)

	pp.Shutdown()
}

func TestPartitionPublisher_ProtocolViolationAbortsComposite(t *testing.T) {
	raw := newFakeRaw()
	raw.recv <- &wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}

	pp := newTestPublisher(raw)
	pp.Start(context.Background())

	raw.recv <- &wire.PublishResponse{}

	select {
	case <-pp.Done():
	case <-time.After(time.Second):
		t.Fatal("composite did not abort on protocol violation")
	}
	require.ErrorIs(t, pp.Err(), ErrProtocolViolation)

	pp.Shutdown()
}

func TestPartitionPublisher_UnexpectedAckAbortsComposite(t *testing.T) {
	raw := newFakeRaw()
	raw.recv <- &wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}

	pp := newTestPublisher(raw)
	pp.Start(context.Background())

	raw.recv <- &wire.PublishResponse{MessageResponse: &wire.MessagePublishResponse{StartOffset: 1}}

	select {
	case <-pp.Done():
	case <-time.After(time.Second):
		t.Fatal("composite did not abort on unexpected ack")
	}
	require.ErrorIs(t, pp.Err(), ErrUnexpectedAck)

	pp.Shutdown()
}

func TestPartitionPublisher_PublishAfterCompositeFailureResolvesImmediately(t *testing.T) {
	raw := newFakeRaw()
	raw.recv <- &wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}

	pp := newTestPublisher(raw)
	pp.Start(context.Background())

	raw.recv <- &wire.PublishResponse{}
	<-pp.Done()

	h := pp.Publish(Message{Data: []byte("late")})
	_, err := h.Result()
	require.Error(t, err)

	pp.Shutdown()
}

// reconnectRaw is a fakeRaw whose Send can be made to fail for one
// chosen message-publish attempt, to drive a mid-flight reconnect. Like a
// reset connection, the failure also ends the receive side, so the Read
// pending on this raw stream completes before the reconnect finishes it.
type reconnectRaw struct {
	*fakeRaw

	mu           sync.Mutex
	msgSendCount int
	failOn       int // 0 means never fail
}

func newReconnectRaw() *reconnectRaw {
	return &reconnectRaw{fakeRaw: newFakeRaw()}
}

func (f *reconnectRaw) Send(req *wire.PublishRequest) error {
	if req.MessagePublish != nil {
		f.mu.Lock()
		f.msgSendCount++
		n := f.msgSendCount
		f.mu.Unlock()
		if f.failOn != 0 && n == f.failOn {
			close(f.recv)
			return errors.New("connection reset")
		}
	}
	return f.fakeRaw.Send(req)
}

// TestPartitionPublisher_ReconnectMidFlightStopsWritingImmediately verifies
// that once a write mid-pipeline fails and triggers a reconnect,
// writeBatches stops rather than popping further unsent batches against
// the stream that just failed.
func TestPartitionPublisher_ReconnectMidFlightStopsWritingImmediately(t *testing.T) {
	raw1 := newReconnectRaw()
	raw1.recv <- &wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}
	raw1.failOn = 2 // the second message batch's send fails

	raw2 := newReconnectRaw()
	raw2.recv <- &wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}

	var dials int
	var dialsMu sync.Mutex
	factory := func(ctx context.Context) stream.RawStream[wire.PublishRequest, wire.PublishResponse] {
		dialsMu.Lock()
		defer dialsMu.Unlock()
		dials++
		if dials == 1 {
			return raw1
		}
		return raw2
	}

	policy, err := NewBatchingPolicy(1, MaxBatchBytes) // one message per batch
	require.NoError(t, err)

	pp := NewPartitionPublisher(
		"projects/p/topics/t", 3, [16]byte{1, 2, 3},
		factory,
		stream.NewDefaultRetryPolicy(0),
		stream.NewExponentialBackoff(time.Millisecond, time.Millisecond, 2),
		instantSleeper,
		policy,
		time.Hour, // flush is triggered explicitly in these tests
	)
	pp.Start(context.Background())

	initReq1 := <-raw1.sent
	require.NotNil(t, initReq1.Initial)

	h1 := pp.Publish(Message{Data: []byte("a")})
	h2 := pp.Publish(Message{Data: []byte("b")})
	h3 := pp.Publish(Message{Data: []byte("c")})
	pp.Flush()

	// raw1 must see exactly the successful first batch; it must never be
	// asked to send the batch that was still unsent when the second
	// batch's write failed.
	req1 := <-raw1.sent
	require.NotNil(t, req1.MessagePublish)
	require.Equal(t, []byte("a"), req1.MessagePublish.Messages[0].Data)

	select {
	case <-raw1.sent:
		t.Fatal("writeBatches must not send a further batch on a stream that just failed")
	case <-time.After(50 * time.Millisecond):
	}

	initReq2 := <-raw2.sent
	require.NotNil(t, initReq2.Initial)

	// The reconnect resends everything still unacknowledged (a, which
	// genuinely went out, plus b and c) through the new raw stream, each
	// as its own batch.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		req := <-raw2.sent
		require.NotNil(t, req.MessagePublish)
		require.Len(t, req.MessagePublish.Messages, 1)
		seen[string(req.MessagePublish.Messages[0].Data)] = true
	}
	require.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)

	raw2.recv <- &wire.PublishResponse{MessageResponse: &wire.MessagePublishResponse{StartOffset: 10}}
	raw2.recv <- &wire.PublishResponse{MessageResponse: &wire.MessagePublishResponse{StartOffset: 11}}
	raw2.recv <- &wire.PublishResponse{MessageResponse: &wire.MessagePublishResponse{StartOffset: 12}}

	meta1, err1 := h1.Result()
	require.NoError(t, err1)
	meta2, err2 := h2.Result()
	require.NoError(t, err2)
	meta3, err3 := h3.Result()
	require.NoError(t, err3)

	offsets := map[int64]bool{meta1.Offset: true, meta2.Offset: true, meta3.Offset: true}
	require.Len(t, offsets, 3, "each handle must resolve to a distinct offset, never a misattributed duplicate")
	require.Equal(t, 3, meta1.Partition)
	require.Equal(t, 3, meta2.Partition)
	require.Equal(t, 3, meta3.Partition)

	pp.Shutdown()
}

func TestPartitionPublisher_ShutdownResolvesOutstandingHandles(t *testing.T) {
	raw := newFakeRaw()
	raw.recv <- &wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}

	pp := newTestPublisher(raw)
	pp.Start(context.Background())

	h := pp.Publish(Message{Data: []byte("never flushed")})

	pp.Shutdown()

	_, err := h.Result()
	require.Error(t, err)
}
