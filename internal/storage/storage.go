// Package storage defines the persisted models of the ingestion pipeline
// and the store interfaces the run coordinator depends on. The control
// plane (providers, pipeline runs, raw batches) lives in Postgres; the
// canonical FOCUS table lives in ClickHouse.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"focus-pipeline/pkg/focus"
)

// Run statuses. pending -> running -> {completed | failed | cancelled}.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run types.
const (
	RunTypeManual    = "manual"
	RunTypeScheduled = "scheduled"
	RunTypeRetry     = "retry"
)

// Pipeline stages.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
)

// Provider is a configured billing source. The pipeline core reads it and
// only ever writes back the last_sync_* projection; auth and endpoint
// config are owned by the external configuration service.
type Provider struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	ProviderType     string          `json:"provider_type"`
	DisplayName      string          `json:"display_name,omitempty"`
	AuthConfig       json.RawMessage `json:"-"`
	APIEndpoint      string          `json:"api_endpoint,omitempty"`
	AdditionalConfig json.RawMessage `json:"-"`
	IsActive         bool            `json:"is_active"`
	LastSyncAt       *time.Time      `json:"last_sync_at,omitempty"`
	LastSyncStatus   string          `json:"last_sync_status,omitempty"`
	LastSyncError    string          `json:"last_sync_error,omitempty"`
	SyncStatistics   json.RawMessage `json:"sync_statistics,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SyncResult is the projection written back onto a provider when one of
// its runs finishes.
type SyncResult struct {
	SyncedAt   time.Time       `json:"synced_at"`
	Status     string          `json:"status"` // success, failed, partial
	Error      string          `json:"error,omitempty"`
	Statistics json.RawMessage `json:"statistics,omitempty"`
}

// PipelineRun is one ingestion attempt for one provider over one window.
// Append-only history: a retry creates a new run, the original is never
// mutated after reaching a terminal status.
type PipelineRun struct {
	ID            uuid.UUID `json:"id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	PipelineName  string    `json:"pipeline_name"`
	RunType       string    `json:"run_type"`
	Status        string    `json:"status"`
	CurrentStage  string    `json:"current_stage,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	RecordsExtracted   int `json:"records_extracted"`
	RecordsTransformed int `json:"records_transformed"`
	RecordsLoaded      int `json:"records_loaded"`
	RecordsFailed      int `json:"records_failed"`

	DurationSeconds int             `json:"duration_seconds,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorDetails    json.RawMessage `json:"error_details,omitempty"`
	FailedRecords   []string        `json:"failed_records,omitempty"`

	DateRangeStart time.Time `json:"date_range_start"`
	DateRangeEnd   time.Time `json:"date_range_end"`

	LoadID    string    `json:"dlt_load_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the run reached a final status.
func (r *PipelineRun) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RawBillingData is one extraction batch staged verbatim before
// transformation. period_end > period_start always holds.
type RawBillingData struct {
	ID                  uuid.UUID       `json:"id"`
	ProviderID          uuid.UUID       `json:"provider_id"`
	ProviderType        string          `json:"provider_type"`
	SourceName          string          `json:"source_name"`
	SourceType          string          `json:"source_type"`
	ExtractionTimestamp time.Time       `json:"extraction_timestamp"`
	ExtractionParams    json.RawMessage `json:"extraction_params,omitempty"`
	PeriodStart         time.Time       `json:"period_start"`
	PeriodEnd           time.Time       `json:"period_end"`
	ExtractedData       json.RawMessage `json:"extracted_data"`
	RecordCount         int             `json:"record_count"`
	Processed           bool            `json:"processed"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	ProcessingError     string          `json:"processing_error,omitempty"`
	PipelineRunID       uuid.UUID       `json:"pipeline_run_id"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Records decodes the staged payload into one map per raw billing record.
func (r *RawBillingData) Records() ([]map[string]any, error) {
	var out []map[string]any
	if err := json.Unmarshal(r.ExtractedData, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ProviderID *uuid.UUID
	Status     string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// ProviderStore is the read-mostly provider view plus the sync projection.
type ProviderStore interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	ListActiveProviders(ctx context.Context) ([]*Provider, error)
	UpdateLastSync(ctx context.Context, id uuid.UUID, result SyncResult) error
}

// RunStore persists pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *PipelineRun) error
	UpdateRun(ctx context.Context, run *PipelineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*PipelineRun, int, error)
}

// RawStore is the durable staging area for extraction batches.
type RawStore interface {
	InsertRawBatch(ctx context.Context, raw *RawBillingData) error
	ListUnprocessed(ctx context.Context, runID uuid.UUID) ([]*RawBillingData, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, processingError string) error
	SetProcessingError(ctx context.Context, id uuid.UUID, processingError string) error
}

// CanonicalStore holds the normalized FOCUS rows. Inserts are append-only
// and idempotent: rows whose dedup id already exists are skipped, one raw
// batch loads in one insert block so readers never observe partial batches.
type CanonicalStore interface {
	InsertRecords(ctx context.Context, records []*focus.Record) (inserted int, err error)
	ExistingIDs(ctx context.Context, dedupIDs []string) (map[string]struct{}, error)
	CountByRawBatch(ctx context.Context, rawBillingDataID uuid.UUID) (int, error)
}
