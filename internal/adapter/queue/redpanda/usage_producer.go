// Package redpanda publishes per-turn usage accounting events to a
// Redpanda/Kafka topic. Publishing is fire-and-forget: a broker outage must
// never block or fail a chat turn.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/openmake/infergate/internal/domain"
)

// TopicUsage receives one record per completed chat turn.
const TopicUsage = "chat-usage"

// UsageProducer implements domain.UsageSink on a Kafka client.
type UsageProducer struct {
	client *kgo.Client
	topic  string
}

// NewUsageProducer connects to the brokers and ensures the usage topic
// exists. Topic creation failures are logged, not fatal: the broker may
// auto-create or the topic may already exist.
func NewUsageProducer(brokers []string) (*UsageProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.new: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(kotel.NewTracer())).Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.new: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicUsage, 1, 1); err != nil {
		slog.Warn("usage topic not ensured", slog.String("topic", TopicUsage), slog.Any("error", err))
	}
	return &UsageProducer{client: client, topic: TopicUsage}, nil
}

// Publish sends one usage event keyed by principal so per-user consumption
// stays ordered per partition.
func (p *UsageProducer) Publish(ctx context.Context, ev domain.UsageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.PrincipalKey),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("usage event not delivered",
				slog.String("principal", ev.PrincipalKey),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes pending records and releases the client.
func (p *UsageProducer) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("op=redpanda.close: %w", err)
	}
	p.client.Close()
	return nil
}
