// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Command publisher is a small demo client that publishes messages to a
// topic through a MultiPartitionPublisher and prints the assigned
// (partition, offset) for each one.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hokaccha/go-prettyjson"
	"github.com/urfave/cli/v3"

	applog "confirmate.io/streampublisher/log"
	"confirmate.io/streampublisher/publish"
	"confirmate.io/streampublisher/stream"
	"confirmate.io/streampublisher/transport"
)

func main() {
	cmd := &cli.Command{
		Name:  "publisher",
		Usage: "Publishes messages to a partitioned topic",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Usage:    "Base URL of the publish/admin service (h2c, e.g. http://localhost:8080)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "topic",
				Usage:    "Fully qualified topic name",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "message",
				Usage:    "Message payload to publish (repeatable or comma-separated)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "Routing key applied to every message (unkeyed round-robin if omitted)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (TRACE, DEBUG, INFO, WARN, ERROR)",
				Value: "INFO",
			},
			&cli.IntFlag{
				Name:  "max-batch-messages",
				Usage: "Maximum messages per batch",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "max-batch-bytes",
				Usage: "Maximum bytes per batch",
				Value: publish.MaxBatchBytes,
			},
			&cli.DurationFlag{
				Name:  "poll-period",
				Usage: "How often to re-check the topic's partition count",
				Value: publish.DefaultPartitionPollPeriod,
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("publisher failed", applog.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if err := applog.Configure(cmd.String("log-level")); err != nil {
		return err
	}

	messages := expandCommaSeparated(cmd.StringSlice("message"))
	if len(messages) == 0 {
		return fmt.Errorf("at least one --message is required")
	}

	policy, err := publish.NewBatchingPolicy(cmd.Int("max-batch-messages"), cmd.Int("max-batch-bytes"))
	if err != nil {
		return err
	}

	httpClient := transport.DefaultHTTPClient()
	address := cmd.String("address")
	admin := transport.NewAdminClient(httpClient, address)
	publishClient := transport.NewPublishClient(httpClient, address)
	topic := cmd.String("topic")
	id := clientID()

	factory := func(partition int) *publish.PartitionPublisher {
		return publish.NewPartitionPublisher(
			topic,
			partition,
			id,
			publishClient.StreamFactory(),
			stream.NewDefaultRetryPolicy(0),
			stream.NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2),
			stream.RealSleeper,
			policy,
			0,
		)
	}

	mpp := publish.NewMultiPartitionPublisher(topic, admin, factory, cmd.Duration("poll-period"))
	mpp.Start(ctx)
	defer mpp.Shutdown()

	var key []byte
	if k := cmd.String("key"); k != "" {
		key = []byte(k)
	}

	type result struct {
		Message  string           `json:"message"`
		Metadata publish.Metadata `json:"metadata,omitempty"`
		Error    string           `json:"error,omitempty"`
	}

	handles := make([]*publish.Handle, len(messages))
	for i, m := range messages {
		handles[i] = mpp.Publish(publish.Message{Data: []byte(m), Key: key})
	}
	mpp.Flush()

	results := make([]result, len(messages))
	for i, h := range handles {
		meta, err := h.Result()
		r := result{Message: messages[i], Metadata: meta}
		if err != nil {
			r.Error = err.Error()
		}
		results[i] = r
	}

	out, err := prettyjson.Marshal(results)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// clientID derives a per-process publisher identity. A real deployment
// would persist this across restarts; the demo client generates a fresh
// one every run since it never resumes across process lifetimes.
func clientID() [16]byte {
	return [16]byte(uuid.New())
}

func expandCommaSeparated(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
