// Package events publishes domain events after the state change they describe
// has been committed. Publishing is best effort: subscribers must tolerate
// missed or repeated events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	TypeAssessmentSaved = "assessment.saved"
	TypePatientDeleted  = "patient.deleted"
	TypeRecordDeleted   = "record.deleted"
	TypeExportCreated   = "analytics.exported"
)

type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	OwnerID      string          `json:"owner_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// New builds an event, marshalling payload when it is not nil.
func New(typ, ownerID, resourceType, resourceID string, payload any) (Event, error) {
	ev := Event{
		ID:           uuid.NewString(),
		Type:         typ,
		OwnerID:      ownerID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultPublishTimeout bounds a single Kafka publish.
const DefaultPublishTimeout = 2 * time.Second

// KafkaPublisher writes events as JSON, keyed by owner so one user's events
// keep their order within a partition. Each publish runs on its own deadline,
// detached from the caller's cancellation, so a broker outage costs a request
// at most Timeout.
type KafkaPublisher struct {
	w       MessageWriter
	Timeout time.Duration
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		MaxAttempts:            3,
		WriteTimeout:           DefaultPublishTimeout,
	}
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, Timeout: DefaultPublishTimeout}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.OwnerID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the type of every recorded event in publish order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// Observed reports the outcome of every publish to observe before returning
// the inner publisher's error unchanged.
type Observed struct {
	Publisher
	Observe func(typ string, err error)
}

func (o Observed) Publish(ctx context.Context, ev Event) error {
	err := o.Publisher.Publish(ctx, ev)
	o.Observe(ev.Type, err)
	return err
}

// Fanout publishes every event to each publisher in order and joins their
// errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
