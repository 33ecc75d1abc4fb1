package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/pkg/events"
	"github.com/aiflow-go/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("subscriber did not finish")
		}
	}
}

func TestChannel_ReplayAndFollow(t *testing.T) {
	hub := NewHub(HubConfig{}, logger.NewNop())
	defer hub.Close()

	ch, err := hub.Open("run-1")
	require.NoError(t, err)

	_, err = ch.Publish("", EventStarted, nil)
	require.NoError(t, err)
	_, err = ch.Publish("llm", EventOutput, map[string]interface{}{"token": "a"})
	require.NoError(t, err)

	early := ch.Subscribe(context.Background(), 0)

	_, err = ch.PublishError("llm", workflow.NewError(workflow.ErrorKindExternalService, "llm", "down"))
	require.NoError(t, err)
	_, err = ch.Publish("", EventCompleted, map[string]interface{}{"state": "failed"})
	require.NoError(t, err)
	ch.Close()

	late := ch.Subscribe(context.Background(), 4)

	for _, got := range [][]Event{collect(t, early), collect(t, late)} {
		require.Len(t, got, 4)
		for i, e := range got {
			assert.Equal(t, uint64(i+1), e.Seq)
			assert.Equal(t, "run-1", e.RunID)
		}
		assert.Equal(t, EventError, got[2].Type)
		assert.Equal(t, "ExternalServiceError", got[2].Payload["kind"])
		assert.True(t, got[3].IsTerminal())
	}

	_, err = ch.Publish("", EventOutput, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannel_SubscriberCancel(t *testing.T) {
	hub := NewHub(HubConfig{}, logger.NewNop())
	defer hub.Close()
	ch, err := hub.Open("run-2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sub := ch.Subscribe(ctx, 0)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close on cancel")
	}
}

func TestHub_ForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(HubConfig{Sink: sink, BufferSize: 16}, logger.NewNop())

	ch, err := hub.Open("run-3")
	require.NoError(t, err)
	_, err = hub.Open("run-3")
	assert.Error(t, err)

	_, _ = ch.Publish("", EventStarted, nil)
	ch.SetTraceID("4bf92f3577b34da6a3ce929d0e0e4736")
	_, _ = ch.Publish("n1", EventCompleted, map[string]interface{}{"state": "succeeded"})

	require.NoError(t, hub.Close())
	assert.True(t, sink.closed)
	require.Len(t, sink.events, 2)
	assert.Equal(t, "run.started", sink.events[0].Type)
	assert.Equal(t, "run-3", sink.events[1].AggregateID)
	assert.Equal(t, uint64(2), sink.events[1].Sequence)
	assert.Equal(t, "n1", sink.events[1].Metadata.NodeID)
	assert.Empty(t, sink.events[0].Metadata.TraceID)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sink.events[1].Metadata.TraceID)
	assert.True(t, ch.Closed())
	assert.Equal(t, 0, hub.Len())
}
