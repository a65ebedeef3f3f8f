// Package broker publishes bridge lifecycle events so that operators and
// sidecars can follow the child process without scraping logs.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// TopicLifecycle carries child process lifecycle events.
const TopicLifecycle = "lifecycle"

// EventType names a lifecycle transition.
type EventType string

const (
	EventSpawned    EventType = "spawned"
	EventReady      EventType = "ready"
	EventInitFailed EventType = "init_failed"
	EventExited     EventType = "exited"
	EventShutdown   EventType = "shutdown"
)

// Event describes one lifecycle transition of the child process.
type Event struct {
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
	PID      int       `json:"pid,omitzero"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Signal   string    `json:"signal,omitzero"`
	Detail   string    `json:"detail,omitzero"`
}

// Broker handles ordered event delivery per topic.
type Broker interface {
	// Publish appends the event to topic and returns its generated id.
	Publish(ctx context.Context, topic string, ev Event) (eventID string, err error)

	// Subscribe to topic events. If lastEventID is empty, the stream starts
	// with the next published event; otherwise it resumes after that id.
	Subscribe(ctx context.Context, topic string, lastEventID string) (Stream, error)

	// Cleanup removes every stored event and subscription of topic.
	Cleanup(ctx context.Context, topic string) error
}

// Stream provides ordered consumption of one topic. A Stream is meant for a
// single consumer.
type Stream interface {
	// Next blocks until the next event is available or ctx is done. It
	// returns io.EOF once the stream is closed.
	Next(ctx context.Context) (Envelope, error)

	// Close releases the stream. Next returns io.EOF afterwards.
	Close() error
}

// Envelope wraps an event with its topic-scoped id.
type Envelope struct {
	ID    string `json:"id"`
	Event Event  `json:"event"`
}

// Encode serializes an event for storage.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode parses an event previously produced by Encode.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
