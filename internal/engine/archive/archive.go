// Package archive persists terminal runs to a SQL database and, optionally,
// full run documents to blob storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/pkg/database"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/resilience"
)

var ErrNotFound = errors.New("archived run not found")

// RunRecord is one archived run.
type RunRecord struct {
	RunID        string     `gorm:"primaryKey;size:64" json:"run_id"`
	WorkflowID   string     `gorm:"index;size:128" json:"workflow_id"`
	State        string     `gorm:"index;size:32" json:"state"`
	AbortReason  string     `gorm:"size:32" json:"abort_reason,omitempty"`
	ErrorKind    string     `gorm:"size:64" json:"error_kind,omitempty"`
	FailedNodeID string     `gorm:"size:128" json:"failed_node_id,omitempty"`
	Executions   int        `json:"executions"`
	TotalTokens  int        `json:"total_tokens"`
	Status       []byte     `json:"-"`
	BlobKey      string     `gorm:"size:255" json:"blob_key,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ArchivedAt   time.Time  `gorm:"index" json:"archived_at"`
}

func (RunRecord) TableName() string {
	return "run_archive"
}

// Document is the blob written per run.
type Document struct {
	Status  *workflow.RunStatus `json:"status"`
	Context execctx.Snapshot    `json:"context"`
}

type Archiver struct {
	db      *database.DB
	storage BlobStorage
	retry   resilience.RetryConfig
	logger  logger.Logger
	now     func() time.Time
}

// NewArchiver migrates the archive table. storage may be nil.
func NewArchiver(db *database.DB, storage BlobStorage, log logger.Logger) (*Archiver, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if err := db.Migrate(&RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive table: %w", err)
	}
	return &Archiver{
		db:      db,
		storage: storage,
		retry:   uploadRetryConfig(),
		logger:  log.Named("archive"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Archive records a terminal run. Re-archiving the same run overwrites it.
func (a *Archiver) Archive(ctx context.Context, status *workflow.RunStatus, snapshot execctx.Snapshot) error {
	if status == nil {
		return errors.New("nil run status")
	}
	if !status.State.IsTerminal() {
		return fmt.Errorf("run %s is not terminal: %s", status.RunID, status.State)
	}

	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	now := a.now()
	record := RunRecord{
		RunID:        status.RunID,
		WorkflowID:   status.WorkflowID,
		State:        string(status.State),
		AbortReason:  string(status.AbortReason),
		FailedNodeID: status.FailedNodeID(),
		Executions:   status.Executions,
		TotalTokens:  status.Usage.TotalTokens,
		Status:       statusJSON,
		CreatedAt:    status.CreatedAt,
		FinishedAt:   status.FinishedAt,
		ArchivedAt:   now,
	}
	if status.Error != nil {
		record.ErrorKind = string(status.Error.Kind)
	}

	if a.storage != nil {
		key := blobKey(now, status.RunID)
		if err := a.upload(ctx, key, &Document{Status: status, Context: snapshot}); err != nil {
			// The SQL record is still written; the document is best effort.
			a.logger.Error("failed to upload run document", "run_id", status.RunID, "key", key, "error", err)
		} else {
			record.BlobKey = key
		}
	}

	err = a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to archive run %s: %w", status.RunID, err)
	}

	a.logger.Debug("run archived", "run_id", status.RunID, "state", status.State)
	return nil
}

func (a *Archiver) upload(ctx context.Context, key string, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	compressed, err := compress(data)
	if err != nil {
		return err
	}
	return resilience.Retry(ctx, a.retry, func(ctx context.Context) error {
		return a.storage.Upload(ctx, key, compressed)
	})
}

func uploadRetryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	return cfg
}

// Get returns the archived status of a run.
func (a *Archiver) Get(ctx context.Context, runID string) (*workflow.RunStatus, error) {
	record, err := a.Record(ctx, runID)
	if err != nil {
		return nil, err
	}
	var status workflow.RunStatus
	if err := json.Unmarshal(record.Status, &status); err != nil {
		return nil, fmt.Errorf("decode archived status: %w", err)
	}
	if status.Nodes == nil {
		status.Nodes = map[string]*workflow.NodeStatus{}
	}
	return &status, nil
}

func (a *Archiver) Record(ctx context.Context, runID string) (*RunRecord, error) {
	var record RunRecord
	err := a.db.WithContext(ctx).Where("run_id = ?", runID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Document loads the full run document from blob storage.
func (a *Archiver) Document(ctx context.Context, runID string) (*Document, error) {
	record, err := a.Record(ctx, runID)
	if err != nil {
		return nil, err
	}
	if a.storage == nil || record.BlobKey == "" {
		return nil, ErrNotFound
	}
	compressed, err := a.storage.Download(ctx, record.BlobKey)
	if err != nil {
		return nil, err
	}
	data, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress run document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode run document: %w", err)
	}
	return &doc, nil
}

// ListByWorkflow returns the most recently archived runs of a workflow.
func (a *Archiver) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []RunRecord
	err := a.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("archived_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Purge deletes records archived before cutoff, with their documents.
func (a *Archiver) Purge(ctx context.Context, before time.Time) (int, error) {
	var records []RunRecord
	if err := a.db.WithContext(ctx).Where("archived_at < ?", before).Find(&records).Error; err != nil {
		return 0, err
	}
	for _, r := range records {
		if a.storage != nil && r.BlobKey != "" {
			if err := a.storage.Delete(ctx, r.BlobKey); err != nil {
				a.logger.Warn("failed to delete run document", "key", r.BlobKey, "error", err)
			}
		}
	}
	result := a.db.WithContext(ctx).Where("archived_at < ?", before).Delete(&RunRecord{})
	return int(result.RowsAffected), result.Error
}

func (a *Archiver) Ping(ctx context.Context) error {
	return a.db.Ping(ctx)
}

func (a *Archiver) Close() error {
	return a.db.Close()
}

func blobKey(at time.Time, runID string) string {
	return fmt.Sprintf("runs/%s/%s.json.gz", at.Format("2006/01/02"), runID)
}
