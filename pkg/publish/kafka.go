// Package publish sends pipeline events and churn predictions to downstream systems.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	headerEventType   = "event-type"
	headerContentType = "content-type"
	contentTypeJSON   = "application/json"

	EventPipelineCompleted = "pipeline.completed"
	EventPipelineFailed    = "pipeline.failed"
	EventModelDeployed     = "model.deployed"
)

// Event is a pipeline notification.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Pipeline string         `json:"pipeline"`
	RunID    string         `json:"run_id"`
	Status   string         `json:"status"`
	Time     time.Time      `json:"time"`
	Details  map[string]any `json:"details,omitempty"`
}

// NewEvent creates an event with a fresh ID.
func NewEvent(eventType, pipeline, runID, status string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Pipeline: pipeline,
		RunID:    runID,
		Status:   status,
		Time:     time.Now().UTC(),
		Details:  make(map[string]any),
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaNotifier publishes events as JSON messages keyed by run ID.
type KafkaNotifier struct {
	topic  string
	writer messageWriter
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	return &KafkaNotifier{
		topic: topic,
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafkago.RequireAll,
		},
	}, nil
}

// Notify publishes e.
func (n *KafkaNotifier) Notify(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(e.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: headerEventType, Value: []byte(e.Type)},
			{Key: headerContentType, Value: []byte(contentTypeJSON)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", n.topic, err)
	}
	slog.Debug("event published", "topic", n.topic, "type", e.Type, "run", e.RunID)
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier writes events to the default logger. It is used when no
// broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, e Event) error {
	slog.Info("pipeline event", "type", e.Type, "run", e.RunID, "status", e.Status)
	return nil
}

func (LogNotifier) Close() error {
	return nil
}
