// Package stream carries run progress to subscribers. Each run has an
// append-only event log; subscribers replay it from the start and then
// follow live events until the run closes its stream.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
)

type EventType string

const (
	EventStarted   EventType = "started"
	EventOutput    EventType = "output"
	EventError     EventType = "error"
	EventCompleted EventType = "completed"
)

// Event is one progress notification. Run-level events have no NodeID.
type Event struct {
	RunID     string                 `json:"run_id"`
	Seq       uint64                 `json:"seq"`
	NodeID    string                 `json:"node_id,omitempty"`
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// IsTerminal reports whether e is the run's final event.
func (e Event) IsTerminal() bool {
	return e.Type == EventCompleted && e.NodeID == ""
}

var ErrClosed = errors.New("stream is closed")

// Channel is the event log of a single run.
type Channel struct {
	runID string

	mu      sync.RWMutex
	events  []Event
	closed  bool
	traceID string
	changed chan struct{}
	onEmit  func(Event)
}

func newChannel(runID string, onEmit func(Event)) *Channel {
	return &Channel{
		runID:   runID,
		changed: make(chan struct{}),
		onEmit:  onEmit,
	}
}

func (c *Channel) RunID() string { return c.runID }

// SetTraceID stamps events published from now on with the trace of the run.
func (c *Channel) SetTraceID(traceID string) {
	c.mu.Lock()
	c.traceID = traceID
	c.mu.Unlock()
}

// Publish appends an event and wakes subscribers. Sequence numbers start at 1
// and have no gaps.
func (c *Channel) Publish(nodeID string, eventType EventType, payload map[string]interface{}) (Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Event{}, ErrClosed
	}
	event := Event{
		RunID:     c.runID,
		Seq:       uint64(len(c.events) + 1),
		NodeID:    nodeID,
		Type:      eventType,
		Payload:   payload,
		TraceID:   c.traceID,
		Timestamp: time.Now().UTC(),
	}
	c.events = append(c.events, event)
	c.notifyLocked()
	c.mu.Unlock()

	if c.onEmit != nil {
		c.onEmit(event)
	}
	return event, nil
}

// PublishError emits an error event carrying the execution error.
func (c *Channel) PublishError(nodeID string, err *workflow.ExecutionError) (Event, error) {
	payload := map[string]interface{}{}
	if err != nil {
		payload["kind"] = string(err.Kind)
		payload["message"] = err.Message
		if err.Code != "" {
			payload["code"] = err.Code
		}
		if err.NodeID != "" {
			payload["node_id"] = err.NodeID
		}
	}
	return c.Publish(nodeID, EventError, payload)
}

// Close ends the stream. Subscribers drain the remaining events and see
// their channel closed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.notifyLocked()
}

func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Events returns a copy of the log.
func (c *Channel) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Subscribe replays every event published so far, then follows the live
// stream. The returned channel closes after the stream closes and is drained
// or when ctx is done.
func (c *Channel) Subscribe(ctx context.Context, buffer int) <-chan Event {
	if buffer < 0 {
		buffer = 0
	}
	out := make(chan Event, buffer)
	go c.follow(ctx, out)
	return out
}

func (c *Channel) follow(ctx context.Context, out chan<- Event) {
	defer close(out)
	next := 0
	for {
		c.mu.RLock()
		pending := c.events[next:]
		batch := make([]Event, len(pending))
		copy(batch, pending)
		closed := c.closed
		changed := c.changed
		c.mu.RUnlock()

		for _, e := range batch {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		next += len(batch)

		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}
