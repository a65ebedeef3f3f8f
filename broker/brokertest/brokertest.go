// Package brokertest provides a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/mcp-stdio-bridge/broker"
)

// Factory creates a fresh broker for one sub-test.
type Factory func(t *testing.T) broker.Broker

// Run runs the complete broker test suite against the provided factory.
// Topics are prefixed with the test name so that shared backends do not
// leak state between runs.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishThenSubscribeSeesOnlyNewEvents", func(t *testing.T) {
		testSubscribeFromNow(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResume(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("ContextCancellation", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
	t.Run("CloseEndsStream", func(t *testing.T) {
		testClose(t, factory)
	})
}

func topicName(t *testing.T) string {
	return "brokertest-" + t.Name() + "-" + time.Now().Format("150405.000000000")
}

func cleanup(t *testing.T, b broker.Broker, topic string) {
	t.Cleanup(func() {
		if err := b.Cleanup(context.Background(), topic); err != nil {
			t.Logf("cleanup %s: %v", topic, err)
		}
	})
}

func event(typ broker.EventType, pid int) broker.Event {
	return broker.Event{Type: typ, At: time.Now().UTC().Truncate(time.Millisecond), PID: pid}
}

func next(t *testing.T, s broker.Stream) broker.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return env
}

func testSubscribeFromNow(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)
	ctx := t.Context()

	if _, err := b.Publish(ctx, topic, event(broker.EventSpawned, 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	s, err := b.Subscribe(ctx, topic, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	id, err := b.Publish(ctx, topic, event(broker.EventReady, 1))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty event id")
	}

	env := next(t, s)
	if env.ID != id {
		t.Fatalf("event id = %s, want %s", env.ID, id)
	}
	if env.Event.Type != broker.EventReady || env.Event.PID != 1 {
		t.Fatalf("unexpected event %+v", env.Event)
	}
}

func testResume(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)
	ctx := t.Context()

	first, err := b.Publish(ctx, topic, event(broker.EventSpawned, 7))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var want []string
	for _, typ := range []broker.EventType{broker.EventReady, broker.EventExited} {
		id, err := b.Publish(ctx, topic, event(typ, 7))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		want = append(want, id)
	}

	s, err := b.Subscribe(ctx, topic, first)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	for _, id := range want {
		if env := next(t, s); env.ID != id {
			t.Fatalf("event id = %s, want %s", env.ID, id)
		}
	}
}

func testTopicIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	a, other := topicName(t)+"-a", topicName(t)+"-b"
	cleanup(t, b, a)
	cleanup(t, b, other)
	ctx := t.Context()

	s, err := b.Subscribe(ctx, a, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	if _, err := b.Publish(ctx, other, event(broker.EventShutdown, 0)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	id, err := b.Publish(ctx, a, event(broker.EventReady, 0))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if env := next(t, s); env.ID != id || env.Event.Type != broker.EventReady {
		t.Fatalf("received foreign event %+v", env)
	}
}

func testMultipleSubscribers(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)
	ctx := t.Context()

	s1, err := b.Subscribe(ctx, topic, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s1.Close()
	s2, err := b.Subscribe(ctx, topic, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s2.Close()

	id, err := b.Publish(ctx, topic, event(broker.EventExited, 3))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, s := range []broker.Stream{s1, s2} {
		if env := next(t, s); env.ID != id {
			t.Fatalf("event id = %s, want %s", env.ID, id)
		}
	}
}

func testContextCancellation(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	s, err := b.Subscribe(t.Context(), topic, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %v, want deadline exceeded", err)
	}
}

func testClose(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	s, err := b.Subscribe(t.Context(), topic, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Next(t.Context()); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after Close = %v, want io.EOF", err)
	}
}
