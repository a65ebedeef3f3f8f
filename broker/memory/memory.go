// Package memory provides an in-process implementation of broker.Broker. It
// is the default when no Redis address is configured.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-stdio-bridge/broker"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events
// are skipped for it.
const subscriberBuffer = 100

// Broker implements broker.Broker with in-memory slices and channels.
type Broker struct {
	mu           sync.Mutex
	topics       map[string]*topic
	eventCounter atomic.Int64
}

type topic struct {
	mu          sync.Mutex
	events      []broker.Envelope
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	topic  *topic
	ch     chan broker.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, ev broker.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env := broker.Envelope{ID: strconv.FormatInt(b.eventCounter.Add(1), 10), Event: ev}

	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("topic %q has been cleaned up", name)
	}

	t.events = append(t.events, env)
	for sub := range t.subscribers {
		select {
		case sub.ch <- env:
		case <-sub.ctx.Done():
			delete(t.subscribers, sub)
		default:
			// Subscriber is lagging; it misses this event.
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string) (broker.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("topic %q has been cleaned up", name)
	}

	var backlog []broker.Envelope
	if lastEventID != "" {
		for i, env := range t.events {
			if env.ID == lastEventID {
				backlog = t.events[i+1:]
				break
			}
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topic:  t,
		ch:     make(chan broker.Envelope, subscriberBuffer+len(backlog)),
		ctx:    subCtx,
		cancel: cancel,
	}
	for _, env := range backlog {
		sub.ch <- env
	}
	t.subscribers[sub] = struct{}{}
	return sub, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	t, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	t.closed = true
	subs := t.subscribers
	t.subscribers = make(map[*subscription]struct{})
	t.events = nil
	t.mu.Unlock()

	for sub := range subs {
		sub.shutdown()
	}
	return nil
}

// Next implements broker.Stream.
func (s *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	if s.closed.Load() {
		return broker.Envelope{}, io.EOF
	}
	select {
	case env, ok := <-s.ch:
		if !ok {
			return broker.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	case <-s.ctx.Done():
		if s.closed.Load() {
			return broker.Envelope{}, io.EOF
		}
		return broker.Envelope{}, s.ctx.Err()
	}
}

// Close implements broker.Stream.
func (s *subscription) Close() error {
	s.topic.mu.Lock()
	delete(s.topic.subscribers, s)
	s.topic.mu.Unlock()
	s.shutdown()
	return nil
}

// shutdown never closes ch, so a concurrent Publish cannot panic; Next
// observes the cancelled context instead.
func (s *subscription) shutdown() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*subscription)(nil)
)
