package archive

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/pkg/database"
)

func newTestArchiver(t *testing.T, storage BlobStorage) *Archiver {
	t.Helper()
	db, err := database.New(database.Config{
		Driver:       "sqlite",
		DSN:          "file:" + t.Name() + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	}, nil)
	require.NoError(t, err)
	a, err := NewArchiver(db, storage, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func terminalStatus(id string, state workflow.RunState) *workflow.RunStatus {
	finished := time.Now().UTC()
	return &workflow.RunStatus{
		RunID:      id,
		WorkflowID: "wf-1",
		State:      state,
		Nodes: map[string]*workflow.NodeStatus{
			"start": {NodeID: "start", Kind: workflow.KindStart, State: workflow.NodeSucceeded},
		},
		Outputs:    map[string]interface{}{"answer": "42"},
		Usage:      workflow.Usage{TotalTokens: 12},
		Executions: 3,
		CreatedAt:  finished.Add(-time.Second),
		FinishedAt: &finished,
	}
}

func TestArchiver_ArchiveAndGet(t *testing.T) {
	storage := NewMemoryStorage()
	a := newTestArchiver(t, storage)
	ctx := context.Background()

	rc := execctx.New("run-1", map[string]interface{}{"q": "hi"})
	rc.SetVariable("count", 1, "set")
	status := terminalStatus("run-1", workflow.RunCompleted)

	require.NoError(t, a.Archive(ctx, status, rc.Snapshot()))

	got, err := a.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, got.State)
	assert.Equal(t, "42", got.Outputs["answer"])
	assert.Equal(t, workflow.NodeSucceeded, got.Nodes["start"].State)

	record, err := a.Record(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 12, record.TotalTokens)
	assert.True(t, strings.HasPrefix(record.BlobKey, "runs/"))
	assert.True(t, strings.HasSuffix(record.BlobKey, "run-1.json.gz"))
	assert.Len(t, storage.Keys(), 1)

	doc, err := a.Document(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", doc.Status.RunID)
	assert.EqualValues(t, 1, doc.Context.Variables["count"])
	assert.Equal(t, "hi", doc.Context.Inputs["q"])
}

type flakyStorage struct {
	*MemoryStorage
	failures int32
	calls    atomic.Int32
}

func (f *flakyStorage) Upload(ctx context.Context, key string, data []byte) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStorage.Upload(ctx, key, data)
}

func TestArchiver_RetriesBlobUpload(t *testing.T) {
	ctx := context.Background()

	storage := &flakyStorage{MemoryStorage: NewMemoryStorage(), failures: 2}
	a := newTestArchiver(t, storage)
	a.retry.InitialDelay = time.Millisecond
	a.retry.Jitter = 0

	require.NoError(t, a.Archive(ctx, terminalStatus("run-flaky", workflow.RunCompleted), execctx.Snapshot{}))
	assert.EqualValues(t, 3, storage.calls.Load())
	record, err := a.Record(ctx, "run-flaky")
	require.NoError(t, err)
	assert.NotEmpty(t, record.BlobKey)

	// Exhausted retries still write the record, without a document.
	down := &flakyStorage{MemoryStorage: NewMemoryStorage(), failures: 100}
	b := newTestArchiver(t, down)
	b.retry.InitialDelay = time.Millisecond
	b.retry.Jitter = 0

	require.NoError(t, b.Archive(ctx, terminalStatus("run-down", workflow.RunCompleted), execctx.Snapshot{}))
	assert.EqualValues(t, b.retry.MaxAttempts, down.calls.Load())
	record, err = b.Record(ctx, "run-down")
	require.NoError(t, err)
	assert.Empty(t, record.BlobKey)
}

func TestArchiver_FailedRunRecordsError(t *testing.T) {
	a := newTestArchiver(t, nil)
	ctx := context.Background()

	status := terminalStatus("run-2", workflow.RunFailed)
	status.Error = &workflow.ExecutionError{Kind: workflow.ErrorKindExternalService, NodeID: "llm", Message: "boom"}
	require.NoError(t, a.Archive(ctx, status, execctx.Snapshot{}))

	record, err := a.Record(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "failed", record.State)
	assert.Equal(t, string(workflow.ErrorKindExternalService), record.ErrorKind)
	assert.Equal(t, "llm", record.FailedNodeID)
	assert.Empty(t, record.BlobKey)

	_, err = a.Document(ctx, "run-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiver_RejectsNonTerminal(t *testing.T) {
	a := newTestArchiver(t, nil)
	status := terminalStatus("run-3", workflow.RunRunning)
	assert.Error(t, a.Archive(context.Background(), status, execctx.Snapshot{}))

	_, err := a.Get(context.Background(), "run-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiver_ReArchiveOverwrites(t *testing.T) {
	a := newTestArchiver(t, nil)
	ctx := context.Background()

	status := terminalStatus("run-4", workflow.RunAborted)
	status.AbortReason = workflow.AbortCancelled
	require.NoError(t, a.Archive(ctx, status, execctx.Snapshot{}))

	status.Executions = 9
	require.NoError(t, a.Archive(ctx, status, execctx.Snapshot{}))

	records, err := a.ListByWorkflow(ctx, "wf-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 9, records[0].Executions)
	assert.Equal(t, "cancelled", records[0].AbortReason)
}

func TestArchiver_Purge(t *testing.T) {
	storage := NewMemoryStorage()
	a := newTestArchiver(t, storage)
	ctx := context.Background()

	past := time.Now().UTC().Add(-48 * time.Hour)
	a.now = func() time.Time { return past }
	require.NoError(t, a.Archive(ctx, terminalStatus("old", workflow.RunCompleted), execctx.Snapshot{}))
	a.now = func() time.Time { return time.Now().UTC() }
	require.NoError(t, a.Archive(ctx, terminalStatus("new", workflow.RunCompleted), execctx.Snapshot{}))

	n, err := a.Purge(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = a.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = a.Get(ctx, "new")
	assert.NoError(t, err)
	assert.Len(t, storage.Keys(), 1)
}

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("workflow ", 100))
	c, err := compress(data)
	require.NoError(t, err)
	assert.Less(t, len(c), len(data))
	d, err := decompress(c)
	require.NoError(t, err)
	assert.Equal(t, data, d)
}
