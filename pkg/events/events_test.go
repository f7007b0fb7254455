package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"printframe/pkg/domain"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, ImageStatusEvent) error {
	f.calls++
	return errors.New("broker down")
}
func (f *failingPublisher) Close() error { return nil }

func TestEncodeSetsTimestamp(t *testing.T) {
	body, err := encode(ImageStatusEvent{ImageID: "i1", BatchID: "b1", Status: domain.StatusCompleted, ProcessedURL: "https://cdn/x.jpg"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "completed" || got["imageId"] != "i1" || got["at"] == "" {
		t.Fatalf("unexpected event json: %v", got)
	}
	if _, ok := got["error"]; ok {
		t.Fatalf("empty error should be omitted: %v", got)
	}
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	next := &failingPublisher{}
	p := NewBestEffort(next, logger)

	p.Emit(context.Background(), ImageStatusEvent{ImageID: "i1", Status: domain.StatusFailed})
	if next.calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", next.calls)
	}
	if !strings.Contains(buf.String(), "events.publish_failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

func TestNewSelectsBackend(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := p.(Noop); !ok {
		t.Fatalf("expected Noop for empty backend, got %T", p)
	}
	if _, err := New(Config{Backend: "kafka"}); err == nil {
		t.Fatalf("expected kafka without brokers to fail")
	}
	if _, err := New(Config{Backend: "rabbitmq"}); err == nil {
		t.Fatalf("expected rabbitmq without url to fail")
	}
	if _, err := New(Config{Backend: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
	kp, err := New(Config{Backend: "kafka", Brokers: []string{"localhost:9092"}, Topic: "image-status"})
	if err != nil {
		t.Fatalf("kafka publisher: %v", err)
	}
	_ = kp.Close()
}
