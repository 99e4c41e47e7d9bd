package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/codedeck/codedeck/internal/common/logger"
)

func testBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	b := NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handler(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMemoryBus_ExactSubject(t *testing.T) {
	b := testBus(t)
	rec := &recorder{}

	if _, err := b.Subscribe("session.events.s1", rec.handler); err != nil {
		t.Fatal(err)
	}

	event := NewEvent("session.updated", "test", map[string]interface{}{"k": "v"})
	if err := b.Publish(context.Background(), "session.events.s1", event); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), "session.events.other", event); err != nil {
		t.Fatal(err)
	}

	if rec.count() != 1 {
		t.Errorf("expected 1 delivery, got %d", rec.count())
	}
}

func TestMemoryBus_Wildcards(t *testing.T) {
	b := testBus(t)
	single := &recorder{}
	multi := &recorder{}

	if _, err := b.Subscribe("agent.stream.*", single.handler); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("agent.>", multi.handler); err != nil {
		t.Fatal(err)
	}

	event := NewEvent("agent.stream", "test", nil)
	_ = b.Publish(context.Background(), "agent.stream.s1", event)
	_ = b.Publish(context.Background(), "agent.stream.s1.extra", event)

	if single.count() != 1 {
		t.Errorf("* should match exactly one token, got %d deliveries", single.count())
	}
	if multi.count() != 2 {
		t.Errorf("> should match both subjects, got %d deliveries", multi.count())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := testBus(t)
	rec := &recorder{}

	sub, err := b.Subscribe("session.events.s1", rec.handler)
	if err != nil {
		t.Fatal(err)
	}
	if !sub.IsValid() {
		t.Fatal("expected fresh subscription to be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if sub.IsValid() {
		t.Error("expected unsubscribed subscription to be invalid")
	}

	_ = b.Publish(context.Background(), "session.events.s1", NewEvent("session.updated", "test", nil))
	if rec.count() != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", rec.count())
	}
}

func TestMemoryBus_Close(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	b := NewMemoryEventBus(log)

	if !b.IsConnected() {
		t.Fatal("expected open bus to report connected")
	}
	b.Close()
	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("t", "s", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
