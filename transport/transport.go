// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Package transport is the concrete connectrpc.com/connect binding for
// the abstract wire contracts in package wire - the transport that
// produces raw bidirectional RPCs, plus the admin RPC client, both
// treated as external collaborators out of the core publisher's scope.
// It is grounded on a reference StreamFactory that also hands a
// *connect.BidiStreamForClient[Req, Res] to a restart wrapper, except
// here the factory is built by hand with connect.NewClient rather than
// by a protoc-gen-connect-go client constructor, since this module has
// no generated service stubs: a JSON codec registered with
// connect.WithCodec carries wire.PublishRequest/wire.PublishResponse
// and the admin request/response over the connect protocol without
// requiring a protobuf code generator.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"

	"confirmate.io/streampublisher/stream"
	"confirmate.io/streampublisher/wire"
)

// jsonCodec is a minimal connect.Codec backed by encoding/json, used in
// place of the protobuf codec connect defaults to - there are no
// generated proto.Message types in this module to carry.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// clientOptions prepends the JSON codec to any caller-supplied options.
func clientOptions(opts []connect.ClientOption) []connect.ClientOption {
	return append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
}

// adminRequest/adminResponse are the wire shapes for the admin RPC:
// GetTopicPartitions(topic_full_name) -> {partition_count: i64}.
type adminRequest struct {
	Topic string `json:"topic"`
}

type adminResponse struct {
	PartitionCount int64 `json:"partition_count"`
}

// AdminProcedure is the RPC path used for the admin partition-count
// call.
const AdminProcedure = "/confirmate.streampublisher.v1.AdminService/GetTopicPartitions"

// PublishProcedure is the RPC path used for the bidirectional publish
// stream.
const PublishProcedure = "/confirmate.streampublisher.v1.PublisherService/Publish"

// AdminClient implements wire.AdminClient over a connect unary call.
type AdminClient struct {
	client *connect.Client[adminRequest, adminResponse]
}

// NewAdminClient builds an AdminClient against baseURL.
func NewAdminClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *AdminClient {
	return &AdminClient{
		client: connect.NewClient[adminRequest, adminResponse](
			httpClient, baseURL+AdminProcedure, clientOptions(opts)...,
		),
	}
}

// GetTopicPartitions implements wire.AdminClient.
func (a *AdminClient) GetTopicPartitions(ctx context.Context, topic string) (int64, error) {
	resp, err := a.client.CallUnary(ctx, connect.NewRequest(&adminRequest{Topic: topic}))
	if err != nil {
		return 0, err
	}
	return resp.Msg.PartitionCount, nil
}

// rawStream adapts a connect.BidiStreamForClient to stream.RawStream.
type rawStream struct {
	bidi *connect.BidiStreamForClient[wire.PublishRequest, wire.PublishResponse]
}

// Start is a no-op: connect establishes the stream lazily on first Send,
// and CallBidiStream itself never blocks.
func (r *rawStream) Start(ctx context.Context) error { return nil }

func (r *rawStream) Send(req *wire.PublishRequest) error {
	return r.bidi.Send(req)
}

func (r *rawStream) Receive() (*wire.PublishResponse, error) {
	return r.bidi.Receive()
}

// Finish closes both halves of the stream and reports the first error,
// matching RawStream's contract that Finish yields the terminal status.
func (r *rawStream) Finish() error {
	reqErr := r.bidi.CloseRequest()
	respErr := r.bidi.CloseResponse()
	if reqErr != nil {
		return reqErr
	}
	return respErr
}

// PublishClient builds fresh raw publish streams against one connect
// endpoint.
type PublishClient struct {
	client *connect.Client[wire.PublishRequest, wire.PublishResponse]
}

// NewPublishClient builds a PublishClient against baseURL.
func NewPublishClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *PublishClient {
	return &PublishClient{
		client: connect.NewClient[wire.PublishRequest, wire.PublishResponse](
			httpClient, baseURL+PublishProcedure, clientOptions(opts)...,
		),
	}
}

// StreamFactory returns a stream.StreamFactory suitable for
// stream.New, producing one fresh raw stream per connect attempt.
func (p *PublishClient) StreamFactory() stream.StreamFactory[wire.PublishRequest, wire.PublishResponse] {
	return func(ctx context.Context) stream.RawStream[wire.PublishRequest, wire.PublishResponse] {
		return &rawStream{bidi: p.client.CallBidiStream(ctx)}
	}
}

// DefaultHTTPClient returns an *http.Client configured for cleartext
// HTTP/2 (h2c), which connect requires for bidirectional streaming
// against a server that does not terminate TLS - the client-side
// counterpart of a reference server's h2c.NewHandler setup.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP:      true,
			DialTLSContext: dialPlaintext,
		},
	}
}

// dialPlaintext dials a cleartext TCP connection, ignoring the TLS
// config http2.Transport would otherwise use to negotiate ALPN.
func dialPlaintext(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
