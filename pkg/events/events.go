// Package events publishes image status changes to an optional message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"printframe/pkg/domain"
)

// ImageStatusEvent is emitted after every status write of the pipeline.
type ImageStatusEvent struct {
	ImageID      string             `json:"imageId"`
	BatchID      string             `json:"batchId"`
	Status       domain.ImageStatus `json:"status"`
	ProcessedURL string             `json:"processedUrl,omitempty"`
	Error        string             `json:"error,omitempty"`
	At           time.Time          `json:"at"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt ImageStatusEvent) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, ImageStatusEvent) error { return nil }
func (Noop) Close() error                                    { return nil }

func encode(evt ImageStatusEvent) ([]byte, error) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return body, nil
}

// Config selects a broker backend.
type Config struct {
	Backend  string   // "", "none", "rabbitmq" or "kafka"
	URL      string   // AMQP URL
	Exchange string   // AMQP fanout exchange
	Brokers  []string // Kafka brokers
	Topic    string   // Kafka topic
}

// New builds the configured publisher. An empty backend yields Noop.
func New(cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return Noop{}, nil
	case "rabbitmq", "amqp":
		return NewAMQPPublisher(cfg.URL, cfg.Exchange)
	case "kafka":
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	default:
		return nil, fmt.Errorf("unknown events backend: %s", cfg.Backend)
	}
}

// BestEffort wraps a Publisher so failures are logged and never reach the caller.
type BestEffort struct {
	next    Publisher
	logger  *slog.Logger
	timeout time.Duration
}

// NewBestEffort wraps next; a nil next behaves as Noop.
func NewBestEffort(next Publisher, logger *slog.Logger) *BestEffort {
	if next == nil {
		next = Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{next: next, logger: logger, timeout: 5 * time.Second}
}

// Emit publishes evt and logs any failure.
func (b *BestEffort) Emit(ctx context.Context, evt ImageStatusEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.next.Publish(ctx, evt); err != nil {
		b.logger.Warn("events.publish_failed", "image_id", evt.ImageID, "status", string(evt.Status), "err", err)
	}
}

func (b *BestEffort) Close() error {
	return b.next.Close()
}
