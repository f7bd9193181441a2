package hipaa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Forwarder streams events that are already durably stored to a downstream
// consumer such as a SIEM. Forwarding is best-effort: failures are logged and
// counted, never returned to the audited operation.
type Forwarder interface {
	Forward(ctx context.Context, event *AuditEvent)
	Close(ctx context.Context) error
}

// KafkaForwarder publishes events to a Kafka topic keyed by actor and record
// so a partition preserves per-pair order.
type KafkaForwarder struct {
	client  *kgo.Client
	logger  zerolog.Logger
	metrics *AuditMetrics
}

// NewKafkaForwarder connects to brokers and produces to topic.
func NewKafkaForwarder(brokers []string, topic string, logger zerolog.Logger, metrics *AuditMetrics) (*KafkaForwarder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka forwarder: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka forwarder: topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka forwarder: create client: %w", err)
	}
	return &KafkaForwarder{
		client:  client,
		logger:  logger.With().Str("component", "audit_forwarder").Logger(),
		metrics: metrics,
	}, nil
}

// Forward enqueues event for asynchronous delivery.
func (f *KafkaForwarder) Forward(ctx context.Context, event *AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Str("event_id", event.EventID.String()).Msg("encode audit event for forwarding")
		f.metrics.IncForwardFailures()
		return
	}
	rec := &kgo.Record{
		Key:   []byte(pairKey(event.ActorID, event.RecordType, event.RecordID)),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "outcome", Value: []byte(event.Outcome)},
		},
	}
	eventID := event.EventID.String()
	f.client.Produce(context.WithoutCancel(ctx), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			f.logger.Warn().Err(err).Str("event_id", eventID).Msg("forward audit event")
			f.metrics.IncForwardFailures()
			return
		}
		f.metrics.IncForwarded()
	})
}

// Ping checks broker connectivity.
func (f *KafkaForwarder) Ping(ctx context.Context) error {
	return f.client.Ping(ctx)
}

// Close waits for buffered records then closes the client.
func (f *KafkaForwarder) Close(ctx context.Context) error {
	err := f.client.Flush(ctx)
	f.client.Close()
	if err != nil {
		return fmt.Errorf("kafka forwarder: flush: %w", err)
	}
	return nil
}
