// Package engine is the execution API: it validates definitions, starts runs
// on the scheduler and exposes their status and event streams.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/archive"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/internal/engine/nodes"
	"github.com/aiflow-go/internal/engine/parser"
	"github.com/aiflow-go/internal/engine/retry"
	"github.com/aiflow-go/internal/engine/runstore"
	"github.com/aiflow-go/internal/engine/scheduler"
	"github.com/aiflow-go/internal/engine/stream"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/metrics"
	"github.com/aiflow-go/pkg/telemetry"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunFinished  = errors.New("run already finished")
	ErrShuttingDown = errors.New("engine is shutting down")
)

const (
	defaultRunRetention = time.Hour
	defaultStreamBuffer = 64
	archiveTimeout      = 30 * time.Second
	finalPersistTimeout = 10 * time.Second
)

type Config struct {
	Scheduler scheduler.Config
	// RunTimeout aborts runs that take longer; zero disables it.
	RunTimeout time.Duration
	// RunRetention is how long finished runs stay in the run store and
	// their event streams stay replayable.
	RunRetention time.Duration
	// StreamBuffer is the channel buffer handed to each subscriber.
	StreamBuffer int
}

// Archiver receives every finished run.
type Archiver interface {
	Archive(ctx context.Context, status *workflow.RunStatus, snapshot execctx.Snapshot) error
	Get(ctx context.Context, runID string) (*workflow.RunStatus, error)
}

type Options struct {
	Registry  *nodes.Registry
	Store     runstore.Store
	Hub       *stream.Hub
	Archiver  Archiver
	Retry     *retry.Handler
	Telemetry *telemetry.Telemetry
	Logger    logger.Logger
}

type Engine struct {
	cfg       Config
	registry  *nodes.Registry
	scheduler *scheduler.Scheduler
	store     runstore.Store
	hub       *stream.Hub
	archiver  Archiver
	telemetry *telemetry.Telemetry
	logger    logger.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.RWMutex
	runs   map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine requires a node registry")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.Store == nil {
		opts.Store = runstore.NewMemoryStore()
	}
	if opts.Hub == nil {
		opts.Hub = stream.NewHub(stream.HubConfig{}, opts.Logger)
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewHandler(opts.Logger)
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = defaultRunRetention
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		registry:   opts.Registry,
		scheduler:  scheduler.New(cfg.Scheduler, opts.Registry, opts.Retry, opts.Telemetry, opts.Logger),
		store:      opts.Store,
		hub:        opts.Hub,
		archiver:   opts.Archiver,
		telemetry:  opts.Telemetry,
		logger:     opts.Logger.Named("engine"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*activeRun),
	}, nil
}

// SubmitRun validates def and starts a run in the background. Validation
// failures are returned as *workflow.GraphValidationError and no run is
// created.
func (e *Engine) SubmitRun(ctx context.Context, def workflow.Definition, inputs map[string]interface{}) (string, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", ErrShuttingDown
	}

	graph, err := parser.Parse(def, e.registry)
	if err != nil {
		return "", err
	}
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	status := &workflow.RunStatus{
		RunID:      runID,
		WorkflowID: graph.ID(),
		State:      workflow.RunPending,
		Inputs:     inputs,
		Nodes:      make(map[string]*workflow.NodeStatus, graph.Len()),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, id := range graph.NodeIDs() {
		n, _ := graph.Node(id)
		status.Nodes[id] = &workflow.NodeStatus{NodeID: id, Kind: n.Kind, Scope: n.ParentID, State: workflow.NodePending}
	}
	if err := e.store.Create(ctx, status); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	channel, err := e.hub.Open(runID)
	if err != nil {
		_ = e.store.Delete(ctx, runID)
		return "", err
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	if e.cfg.RunTimeout > 0 {
		timeoutCtx, cancelTimeout := context.WithTimeout(runCtx, e.cfg.RunTimeout)
		parentCancel := cancel
		runCtx, cancel = timeoutCtx, func() {
			cancelTimeout()
			parentCancel()
		}
	}
	// Keep the caller's trace without inheriting its cancellation.
	runCtx = trace.ContextWithSpanContext(runCtx, trace.SpanContextFromContext(ctx))

	a := newActiveRun(e, graph, execctx.New(runID, inputs), channel, cancel, status,
		e.logger.With("run_id", runID, "workflow_id", graph.ID()))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		channel.Close()
		e.hub.Remove(runID)
		_ = e.store.Delete(ctx, runID)
		return "", ErrShuttingDown
	}
	e.runs[runID] = a
	e.wg.Add(1)
	e.mu.Unlock()

	a.logger.Info("Run submitted", "nodes", graph.Len())
	go e.execute(runCtx, a)
	return runID, nil
}

func (e *Engine) execute(ctx context.Context, a *activeRun) {
	defer e.wg.Done()
	defer a.cancel()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	go a.persist()

	spanCtx, span := e.telemetry.StartSpan(ctx, "workflow.run",
		telemetry.RunIDAttribute(a.status.RunID),
		telemetry.WorkflowIDAttribute(a.graph.ID()),
	)
	if sc := span.SpanContext(); sc.HasTraceID() {
		a.channel.SetTraceID(sc.TraceID().String())
	}
	spanCtx = logger.IntoContext(spanCtx, a.logger)

	a.start()
	outcome := e.scheduler.Run(spanCtx, a.graph, a.rc, a)
	final := a.finish(outcome)

	var spanErr error
	if outcome.Error != nil {
		spanErr = outcome.Error
	}
	telemetry.EndSpan(span, spanErr)

	if e.archiver != nil {
		archiveCtx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := e.archiver.Archive(archiveCtx, final, a.rc.Snapshot()); err != nil {
			a.logger.Error("Failed to archive run", "error", err)
		}
		cancel()
	}

	duration := final.UpdatedAt.Sub(final.CreatedAt)
	if final.StartedAt != nil && final.FinishedAt != nil {
		duration = final.FinishedAt.Sub(*final.StartedAt)
	}
	metrics.RecordRun(string(final.State), string(final.AbortReason), duration.Seconds())
	e.hub.RemoveAfter(final.RunID, e.cfg.RunRetention)

	e.mu.Lock()
	delete(e.runs, final.RunID)
	e.mu.Unlock()
	close(a.done)

	a.logger.Info("Run finished",
		"state", final.State,
		"abort_reason", final.AbortReason,
		"executions", final.Executions,
		"duration", duration,
	)
}

func (e *Engine) active(runID string) (*activeRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.runs[runID]
	return a, ok
}

// GetRunStatus returns the current status of a run, including partial
// outputs of a run still in progress.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*workflow.RunStatus, error) {
	if a, ok := e.active(runID); ok {
		return a.snapshot(), nil
	}

	status, err := e.store.Get(ctx, runID)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, runstore.ErrNotFound) {
		return nil, err
	}

	if e.archiver != nil {
		status, err := e.archiver.Get(ctx, runID)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, archive.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrRunNotFound
}

// StreamRun subscribes to the events of a run. The channel replays past
// events, follows new ones and closes after the terminal event or when ctx
// is done. Runs whose stream has been released yield their terminal event
// only.
func (e *Engine) StreamRun(ctx context.Context, runID string) (<-chan stream.Event, error) {
	if ch, ok := e.hub.Get(runID); ok {
		return ch.Subscribe(ctx, e.cfg.StreamBuffer), nil
	}

	status, err := e.GetRunStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !status.State.IsTerminal() {
		return nil, fmt.Errorf("stream for run %s is not available", runID)
	}
	out := make(chan stream.Event, 1)
	out <- stream.Event{
		RunID:     runID,
		Seq:       0,
		Type:      stream.EventCompleted,
		Payload:   completedPayload(status),
		Timestamp: status.UpdatedAt,
	}
	close(out)
	return out, nil
}

// CancelRun requests cancellation. The run ends Aborted(cancelled) once
// in-flight nodes observe it; committed outputs are kept.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	if a, ok := e.active(runID); ok {
		a.logger.Info("Run cancellation requested")
		a.cancel()
		return nil
	}
	status, err := e.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.State.IsTerminal() {
		return ErrRunFinished
	}
	return ErrRunNotFound
}

// WaitRun blocks until the run is terminal or ctx is done.
func (e *Engine) WaitRun(ctx context.Context, runID string) (*workflow.RunStatus, error) {
	if a, ok := e.active(runID); ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.GetRunStatus(ctx, runID)
}

// ActiveRuns returns the number of runs in progress.
func (e *Engine) ActiveRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runs)
}

// NodeKinds returns the schema of every registered node kind.
func (e *Engine) NodeKinds() map[workflow.NodeKind]workflow.NodeSchema {
	kinds := e.registry.Kinds()
	out := make(map[workflow.NodeKind]workflow.NodeSchema, len(kinds))
	for _, k := range kinds {
		out[k], _ = e.registry.Schema(k)
	}
	return out
}

// Validate parses def without starting a run.
func (e *Engine) Validate(def workflow.Definition) error {
	_, err := parser.Parse(def, e.registry)
	return err
}

// Shutdown stops accepting runs and waits for active runs to finish. When
// ctx expires first the remaining runs are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	active := len(e.runs)
	e.mu.Unlock()

	e.logger.Info("Shutting down engine", "active_runs", active)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached, cancelling runs")
		e.baseCancel()
		<-done
		err = ctx.Err()
	}
	e.baseCancel()

	if cerr := e.hub.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
