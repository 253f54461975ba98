// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"confirmate.io/streampublisher/wire"
)

func TestAdminClient_RoundTrip(t *testing.T) {
	handler := connect.NewUnaryHandler(
		AdminProcedure,
		func(ctx context.Context, req *connect.Request[adminRequest]) (*connect.Response[adminResponse], error) {
			require.Equal(t, "projects/p/topics/t", req.Msg.Topic)
			return connect.NewResponse(&adminResponse{PartitionCount: 7}), nil
		},
		connect.WithCodec(jsonCodec{}),
	)

	mux := http.NewServeMux()
	mux.Handle(AdminProcedure, handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewAdminClient(srv.Client(), srv.URL)
	n, err := client.GetTopicPartitions(context.Background(), "projects/p/topics/t")
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
}

func TestPublishClient_RoundTrip(t *testing.T) {
	handler := connect.NewBidiStreamHandler(
		PublishProcedure,
		func(ctx context.Context, stream *connect.BidiStream[wire.PublishRequest, wire.PublishResponse]) error {
			initial, err := stream.Receive()
			if err != nil {
				return err
			}
			require.NotNil(t, initial.Initial)
			if err := stream.Send(&wire.PublishResponse{Initial: &wire.InitialPublishResponse{}}); err != nil {
				return err
			}

			req, err := stream.Receive()
			if err != nil {
				return err
			}
			require.NotNil(t, req.MessagePublish)
			return stream.Send(&wire.PublishResponse{
				MessageResponse: &wire.MessagePublishResponse{StartOffset: 42},
			})
		},
		connect.WithCodec(jsonCodec{}),
	)

	mux := http.NewServeMux()
	mux.Handle(PublishProcedure, handler)
	srv := httptest.NewUnstartedServer(h2c.NewHandler(mux, &http2.Server{}))
	srv.Start()
	defer srv.Close()

	httpClient := &http2.Transport{
		AllowHTTP:      true,
		DialTLSContext: dialPlaintext,
	}
	client := NewPublishClient(&http.Client{Transport: httpClient}, srv.URL)
	factory := client.StreamFactory()

	raw := factory(context.Background())
	require.NoError(t, raw.Start(context.Background()))

	require.NoError(t, raw.Send(&wire.PublishRequest{
		Initial: &wire.InitialPublishRequest{Topic: "t", Partition: 0, PublisherClientID: [16]byte{1}},
	}))
	initResp, err := raw.Receive()
	require.NoError(t, err)
	require.NotNil(t, initResp.Initial)

	require.NoError(t, raw.Send(&wire.PublishRequest{
		MessagePublish: &wire.MessagePublishRequest{Messages: []wire.PublishMessage{{Data: []byte("x")}}},
	}))
	ackResp, err := raw.Receive()
	require.NoError(t, err)
	require.Equal(t, int64(42), ackResp.MessageResponse.StartOffset)

	require.NoError(t, raw.Finish())
}
