// Package notify publishes fire-and-forget domain notifications to Kafka:
// policy revocations, critical violations, and raw usage records. Emission
// never blocks or fails the calling operation.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is the wire form of a notification.
type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Producer writes notifications to a Kafka topic using segmentio/kafka-go.
// A nil Producer is valid and drops everything.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a Kafka producer for the given topic. Returns nil
// when brokers or topic are unset, which disables notifications. Call
// Close when shutting down.
func NewProducer(brokers []string, topic string) *Producer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{writer: writer, topic: topic}
}

// Emit serializes the event as JSON and writes it to the topic. A short
// timeout keeps slow Kafka from blocking callers indefinitely.
func (p *Producer) Emit(ctx context.Context, event Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.Type),
		Value: payload,
	}); err != nil {
		log.Printf("notify: kafka emit failed: %v", err)
		return err
	}
	return nil
}

// emitAsync runs Emit in a goroutine detached from the request context.
func (p *Producer) emitAsync(event Event) {
	if p == nil || p.writer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Emit(ctx, event)
	}()
}

// PolicyRevoked announces a policy revocation.
func (p *Producer) PolicyRevoked(ctx context.Context, policyID, reason string) {
	p.emitAsync(Event{
		Type: "policy.revoked",
		Payload: map[string]any{
			"policy_id": policyID,
			"reason":    reason,
		},
	})
}

// CriticalViolation announces a violation that crossed the critical
// severity line.
func (p *Producer) CriticalViolation(ctx context.Context, policyID, principalID, violationType string, observed, threshold float64) {
	p.emitAsync(Event{
		Type: "violation.critical",
		Payload: map[string]any{
			"policy_id":    policyID,
			"principal_id": principalID,
			"violation":    violationType,
			"observed":     observed,
			"threshold":    threshold,
		},
	})
}

// UsageRecorded streams one access decision.
func (p *Producer) UsageRecorded(ctx context.Context, payload map[string]any) {
	p.emitAsync(Event{Type: "usage.recorded", Payload: payload})
}

// Close closes the Kafka writer. Safe to call on a nil Producer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
