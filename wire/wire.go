// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0
//
// Package wire defines the abstract request/response contracts that the
// stream and publish packages are generic over. These stand in for the
// protobuf oneofs the publish RPC actually uses on the wire; a real
// deployment would generate them from a .proto schema, but that schema is
// not part of this module, so they are modelled as plain Go structs.
package wire

import "context"

// Offset is a per-partition, monotonically increasing position assigned by
// the service.
type Offset = int64

// InitialPublishRequest opens a publish stream for one partition.
type InitialPublishRequest struct {
	Topic             string
	Partition         int
	PublisherClientID [16]byte
}

// InitialPublishResponse acknowledges a successful handshake.
type InitialPublishResponse struct{}

// PublishMessage is a single application message as it travels on the wire.
type PublishMessage struct {
	Data       []byte
	Key        []byte
	Attributes map[string]string
}

// MessagePublishRequest carries one batch of messages for the partition the
// stream was opened against.
type MessagePublishRequest struct {
	Messages []PublishMessage
}

// MessagePublishResponse acknowledges a batch, reporting the offset the
// service assigned to the first message in the batch.
type MessagePublishResponse struct {
	StartOffset Offset
}

// PublishRequest is the client->server oneof: exactly one of Initial or
// MessagePublish is set.
type PublishRequest struct {
	Initial        *InitialPublishRequest
	MessagePublish *MessagePublishRequest
}

// PublishResponse is the server->client oneof: exactly one of Initial or
// MessageResponse is set.
type PublishResponse struct {
	Initial         *InitialPublishResponse
	MessageResponse *MessagePublishResponse
}

// AdminClient is the admin-API collaborator used to discover how many
// partitions a topic currently has. It is an external collaborator: this
// module only depends on the interface, see package transport for a
// connectrpc-backed implementation.
type AdminClient interface {
	// GetTopicPartitions returns the current partition count for topic.
	GetTopicPartitions(ctx context.Context, topic string) (int64, error)
}
