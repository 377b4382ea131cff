package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dlq.exchange", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "trades.settled", "user-1", map[string]string{"trade_id": "1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	payload, ok := dlq.calls[0].value.(DLQPublishPayload)
	if !ok {
		t.Fatalf("expected DLQPublishPayload, got %T", dlq.calls[0].value)
	}
	if payload.OriginalTopic != "trades.settled" || payload.Key != "user-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Error == "" {
		t.Fatalf("expected error in dlq payload")
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dlq.exchange", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "trades.settled", "user-1", map[string]string{"trade_id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestDeterministicEventIDIsStable(t *testing.T) {
	a := DeterministicEventID("trade", "9", "user", "1")
	b := DeterministicEventID("trade", "9", "user", "1")
	c := DeterministicEventID("trade", "9", "user", "2")
	if a != b {
		t.Fatalf("expected stable ids, got %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct ids for distinct parts")
	}
}

func TestNewEnvelopeValidates(t *testing.T) {
	if _, err := NewEnvelope("", 1, ""); err == nil {
		t.Fatalf("expected error for empty event type")
	}
	env, err := NewEnvelopeWithID("id-1", "trade.settled", 1, "corr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}
