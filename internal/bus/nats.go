// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/geopulse/geopulse/internal/metrics"
)

// NATSBus implements Bus over NATS JetStream via Watermill.
//
// Publishing runs behind a circuit breaker: when the transport is down the
// breaker opens and publishes fail fast, leaving the process serving
// viewers from its local cache until the connection recovers. Subscription
// uses a per-region durable consumer so a restarted process resumes
// delivery instead of replaying or losing the stream.
type NATSBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	breaker    *gobreaker.CircuitBreaker[any]
	config     Config
	logger     watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewNATSBus connects a publisher and a durable subscriber to the
// configured NATS endpoint. The connection itself retries in the
// background; construction only fails on configuration errors.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	cfg = cfg.withDefaults()
	logger := NewLoggerAdapter()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("bus disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("bus reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true, // JetStream-side dedup of republished messages
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create bus publisher: %w", err)
	}

	// Every region must see every message: the queue group is scoped to
	// this region so consumers fan out instead of load-balancing.
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: "region-" + cfg.Region,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			AckAsync:      false,
			DurablePrefix: "region-" + cfg.Region,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverNew(),
				natsgo.MaxDeliver(5),
			},
		},
	}, logger)
	if err != nil {
		_ = pub.Close() //nolint:errcheck // already failing, best-effort cleanup
		return nil, fmt.Errorf("create bus subscriber: %w", err)
	}

	settings := gobreaker.Settings{
		Name:    "bus-publish",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("bus breaker state changed", watermill.LogFields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}

	return &NATSBus{
		publisher:  pub,
		subscriber: sub,
		breaker:    gobreaker.NewCircuitBreaker[any](settings),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Publish fans a payload out on the counter-updates channel.
func (b *NATSBus) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	b.mu.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.publisher.Publish(Topic, msg)
	})
	if err != nil {
		metrics.BusPublishErrors.Inc()
		return fmt.Errorf("publish to %s: %w", Topic, err)
	}

	metrics.BusMessagesPublished.Inc()
	return nil
}

// Subscribe returns the raw payload stream for the counter-updates channel.
// Messages are acked as they are handed off; the at-least-once contract is
// preserved by the periodic reconciliation pass, not by redelivery of
// individual payloads.
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Topic, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			metrics.BusMessagesReceived.Inc()
			select {
			case out <- msg.Payload:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Endpoint implements Bus.
func (b *NATSBus) Endpoint() string {
	return b.config.URL
}

// Close shuts down both directions of the bus.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	pubErr := b.publisher.Close()
	subErr := b.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
