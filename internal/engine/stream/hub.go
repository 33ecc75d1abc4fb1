package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiflow-go/pkg/events"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/metrics"
)

const aggregateType = "workflow_run"

// Hub owns the channels of all live runs and forwards every event to an
// external sink.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	sink    events.Publisher
	forward chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	logger  logger.Logger
}

type HubConfig struct {
	// BufferSize bounds events waiting for the sink; overflow is dropped.
	BufferSize int
	Sink       events.Publisher
}

func NewHub(cfg HubConfig, log logger.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopPublisher{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	h := &Hub{
		channels: make(map[string]*Channel),
		sink:     cfg.Sink,
		forward:  make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
		logger:   log.Named("stream"),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Open creates the channel of a run.
func (h *Hub) Open(runID string) (*Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.channels[runID]; exists {
		return nil, fmt.Errorf("stream for run %s already exists", runID)
	}
	ch := newChannel(runID, h.emit)
	h.channels[runID] = ch
	return ch, nil
}

func (h *Hub) Get(runID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[runID]
	return ch, ok
}

// Remove closes and forgets the channel of a run.
func (h *Hub) Remove(runID string) {
	h.mu.Lock()
	ch, ok := h.channels[runID]
	delete(h.channels, runID)
	h.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// RemoveAfter forgets the channel once delay has passed, giving late
// subscribers a chance to replay a finished run.
func (h *Hub) RemoveAfter(runID string, delay time.Duration) {
	if delay <= 0 {
		h.Remove(runID)
		return
	}
	time.AfterFunc(delay, func() { h.Remove(runID) })
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

func (h *Hub) emit(e Event) {
	metrics.RecordEvent(string(e.Type))
	select {
	case h.forward <- e:
	default:
		metrics.EventsDropped.Inc()
		h.logger.Warn("Event dropped before sink", "run_id", e.RunID, "seq", e.Seq)
	}
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case e := <-h.forward:
			h.publish(e)
		case <-h.done:
			for {
				select {
				case e := <-h.forward:
					h.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) publish(e Event) {
	event := events.NewEventBuilder("run." + string(e.Type)).
		WithAggregateID(e.RunID).
		WithAggregateType(aggregateType).
		WithSequence(e.Seq).
		WithNodeID(e.NodeID).
		WithTraceID(e.TraceID).
		WithPayloadMap(e.Payload).
		Build()
	event.Timestamp = e.Timestamp

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sink.Publish(ctx, event); err != nil {
		h.logger.Warn("Failed to publish run event", "run_id", e.RunID, "seq", e.Seq, "error", err)
	}
}

// Close stops forwarding after flushing queued events and closes the sink.
// Open channels are closed too.
func (h *Hub) Close() error {
	h.mu.Lock()
	for id, ch := range h.channels {
		ch.Close()
		delete(h.channels, id)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
		close(h.done)
	}
	h.wg.Wait()
	return h.sink.Close()
}
