// Package publish fans committed stage transitions out to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

// EventType is the value of the "event-type" header on every message.
const EventType = "lead.stage_transition"

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

type (
	// Publisher is an ingestion.Publisher that also owns resources.
	Publisher interface {
		ingestion.Publisher
		Close() error
	}

	// TransitionEvent is the JSON payload published for each recorded transition.
	TransitionEvent struct {
		ID           int64          `json:"id"`
		EntityID     string         `json:"entity_id"`
		StageFrom    *string        `json:"stage_from"`
		StageTo      string         `json:"stage_to"`
		PriorityFrom int            `json:"priority_from"`
		PriorityTo   int            `json:"priority_to"`
		Direction    string         `json:"direction"`
		OccurredAt   time.Time      `json:"occurred_at"`
		ReceivedAt   time.Time      `json:"received_at"`
		Origin       string         `json:"origin"`
		FirstName    string         `json:"first_name,omitempty"`
		LastName     string         `json:"last_name,omitempty"`
		Source       string         `json:"lead_source,omitempty"`
		CampaignID   string         `json:"campaign_id,omitempty"`
		Tags         []string       `json:"tags"`
		City         string         `json:"city,omitempty"`
		State        string         `json:"state,omitempty"`
		PostalCode   string         `json:"postal_code,omitempty"`
		Attributes   map[string]any `json:"attributes,omitempty"`
	}

	// messageWriter is the part of *kafka.Writer the publisher uses.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// KafkaPublisher writes one message per transition, keyed by entity id so that all
	// transitions of one entity land in the same partition in commit order.
	KafkaPublisher struct {
		writer  messageWriter
		topic   string
		closed  atomic.Bool
		written atomic.Int64
		logger  *slog.Logger
	}

	nopPublisher struct{}
)

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = nopPublisher{}
)

// New returns a KafkaPublisher when cfg has brokers and a no-op publisher otherwise.
func New(cfg *Config) (Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled() {
		return NewNop(), nil
	}

	return NewKafkaPublisher(cfg), nil
}

// NewNop returns a publisher that discards every transition.
func NewNop() Publisher {
	return nopPublisher{}
}

// NewKafkaPublisher creates a publisher on a kafka-go Writer.
func NewKafkaPublisher(cfg *Config) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}

	return newKafkaPublisher(writer, cfg.Topic)
}

func newKafkaPublisher(writer messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("component", "publisher")),
	}
}

// Publish writes t synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, t *ingestion.Transition) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	msg, err := NewMessage(t)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish transition %d for entity %s to %s: %w", t.ID, t.EntityID, p.topic, err)
	}

	p.written.Add(1)

	p.logger.Debug("transition published",
		slog.String("entity_id", t.EntityID),
		slog.Int64("transition_id", t.ID),
		slog.String("topic", p.topic))

	return nil
}

// Written returns how many messages were written.
func (p *KafkaPublisher) Written() int64 {
	return p.written.Load()
}

// Close flushes pending writes and closes the writer. Safe to call more than once.
func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	return p.writer.Close()
}

// NewMessage encodes t as a Kafka message.
func NewMessage(t *ingestion.Transition) (kafka.Message, error) {
	if t == nil || strings.TrimSpace(t.EntityID) == "" {
		return kafka.Message{}, fmt.Errorf("%w: transition without entity id", ingestion.ErrInvalidSnapshot)
	}

	value, err := json.Marshal(NewTransitionEvent(t))
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode transition event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(t.EntityID),
		Value: value,
		Time:  t.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventType)},
			{Key: "origin", Value: []byte(t.Origin)},
		},
	}, nil
}

// NewTransitionEvent converts a recorded transition to its published form.
func NewTransitionEvent(t *ingestion.Transition) *TransitionEvent {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}

	return &TransitionEvent{
		ID:           t.ID,
		EntityID:     t.EntityID,
		StageFrom:    t.StageFrom,
		StageTo:      t.StageTo,
		PriorityFrom: t.PriorityFrom,
		PriorityTo:   t.PriorityTo,
		Direction:    string(t.Direction()),
		OccurredAt:   t.OccurredAt.UTC(),
		ReceivedAt:   t.ReceivedAt.UTC(),
		Origin:       string(t.Origin),
		FirstName:    t.FirstName,
		LastName:     t.LastName,
		Source:       t.Source,
		CampaignID:   t.CampaignID,
		Tags:         tags,
		City:         t.City,
		State:        t.State,
		PostalCode:   t.PostalCode,
		Attributes:   t.Attributes,
	}
}

func (nopPublisher) Publish(context.Context, *ingestion.Transition) error {
	return nil
}

func (nopPublisher) Close() error {
	return nil
}
