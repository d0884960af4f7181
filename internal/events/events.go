// Package events publishes domain events after committed engine writes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const CurrentSchemaVersion = "v1"

// Event types.
const (
	TypeAgentRegistered       = "agent.registered"
	TypeAgentStatusChanged    = "agent.status_changed"
	TypeTaskCreated           = "task.created"
	TypeTaskTransitioned      = "task.transitioned"
	TypeTaskStepRecorded      = "task.step_recorded"
	TypeLearningRecorded      = "learning.recorded"
	TypeKnowledgePut          = "knowledge.put"
	TypeMemoryWritten         = "memory.written"
	TypeFeedbackSubmitted     = "feedback.submitted"
	TypeActionStatusChanged   = "action.status_changed"
	TypeRecommendationCreated = "recommendation.created"
)

// Event is the JSON document written to the event topic.
type Event struct {
	SchemaVersion string    `json:"schemaVersion"`
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Subject       string    `json:"subject"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
}

// New stamps an event with an id, schema version and the current time.
func New(typ, subject string, payload any) Event {
	return Event{
		SchemaVersion: CurrentSchemaVersion,
		ID:            uuid.NewString(),
		Type:          typ,
		Subject:       subject,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                        { return nil }

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher writes events as JSON to one topic, keyed by subject so
// events about the same entity stay on one partition.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher creates a synchronous writer for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if strings.TrimSpace(cfg.Brokers) == "" {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka event topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{w: w}, nil
}

// Publish writes one event.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Encode builds the Kafka message for ev.
func Encode(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:     []byte(ev.Subject),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
		Time:    ev.Timestamp,
	}, nil
}

// ChannelPublisher is an in-process Publisher backed by a buffered channel.
// Publish never blocks; events beyond the buffer are dropped and counted.
type ChannelPublisher struct {
	ch      chan Event
	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(size int) *ChannelPublisher {
	if size <= 0 {
		size = 100
	}
	return &ChannelPublisher{ch: make(chan Event, size)}
}

// Publish enqueues ev.
func (p *ChannelPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}
	select {
	case p.ch <- ev:
	default:
		p.dropped++
	}
	return nil
}

// Events returns the event channel.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

// Dropped reports how many events did not fit in the buffer.
func (p *ChannelPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Drain returns every queued event without blocking.
func (p *ChannelPublisher) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-p.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Close closes the channel.
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}
