package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dougchansan/sha3xd/pkg/circuit"
	"github.com/dougchansan/sha3xd/pkg/errors"
	"github.com/dougchansan/sha3xd/pkg/log"
	"github.com/dougchansan/sha3xd/pkg/retry"
)

// Fleet event types published to Kafka
const (
	EventShareResult = "share_result"
	EventStateChange = "state_change"
	EventThermal     = "thermal"
)

// FleetEvent is the envelope for all events on the fleet stream. Operators
// aggregate these across rigs; the key is the rig ID so one rig's events stay
// ordered within a partition.
type FleetEvent struct {
	Type      string         `json:"type"`
	RigID     string         `json:"rig_id"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventPublisher publishes fleet events to a Kafka topic. Publishing is
// guarded by a circuit breaker so a dead broker degrades to dropped events
// instead of piling up retries.
type EventPublisher struct {
	brokers []string
	topic   string
	rigID   string
	logger  *log.Logger

	writerMu sync.Mutex
	writer   *kafka.Writer

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewEventPublisher creates a Kafka event publisher
func NewEventPublisher(brokers []string, topic, rigID string, logger *log.Logger) *EventPublisher {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &EventPublisher{
		brokers:        brokers,
		topic:          topic,
		rigID:          rigID,
		logger:         logger.WithComponent("kafka"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// getWriter lazily creates the topic writer
func (p *EventPublisher) getWriter() *kafka.Writer {
	p.writerMu.Lock()
	defer p.writerMu.Unlock()

	if p.writer == nil {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(p.brokers...),
			Topic:        p.topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			Compression:  kafka.Snappy,
		}
		p.logger.Info("created Kafka producer", "topic", p.topic)
	}
	return p.writer
}

// Publish sends one fleet event. Errors are returned for logging but callers
// treat them as advisory; a lost event is acceptable, a stalled miner is not.
func (p *EventPublisher) Publish(ctx context.Context, eventType string, fields map[string]any) error {
	event := FleetEvent{
		Type:      eventType,
		RigID:     p.rigID,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "publish_event",
			"failed to marshal fleet event").
			WithContext("event_type", eventType)
	}

	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(p.rigID),
				Value: data,
				Time:  time.Now(),
			}

			if err := p.getWriter().WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeTelemetry, "publish_event",
					"failed to publish event to Kafka").
					WithContext("topic", p.topic).
					WithContext("event_type", eventType)
			}

			p.logger.Debug("published event", "topic", p.topic, "type", eventType)
			return nil
		})
	})
}

// Close closes the producer
func (p *EventPublisher) Close() error {
	p.writerMu.Lock()
	defer p.writerMu.Unlock()

	if p.writer == nil {
		return nil
	}

	err := p.writer.Close()
	p.writer = nil
	return err
}
