// Package postgres implements the pipeline control-plane stores on
// PostgreSQL: provider configuration (read-mostly), pipeline run history
// (append-only) and the raw billing staging area.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"focus-pipeline/internal/storage"
	perrors "focus-pipeline/pkg/errors"
)

// Store implements storage.ProviderStore, storage.RunStore and
// storage.RawStore over one database/sql pool.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection pool against the given DSN.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing pool, used by tests.
func NewStoreFromDB(db *sql.DB) *Store { return &Store{db: db} }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

const providerColumns = `
	id, name, provider_type, display_name, auth_config, api_endpoint,
	additional_config, is_active, last_sync_at, last_sync_status,
	last_sync_error, sync_statistics, created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (*storage.Provider, error) {
	var p storage.Provider
	var displayName, apiEndpoint, lastSyncStatus, lastSyncError sql.NullString
	var authConfig, additionalConfig, syncStats []byte
	var lastSyncAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.Name, &p.ProviderType, &displayName, &authConfig, &apiEndpoint,
		&additionalConfig, &p.IsActive, &lastSyncAt, &lastSyncStatus,
		&lastSyncError, &syncStats, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.DisplayName = displayName.String
	p.APIEndpoint = apiEndpoint.String
	p.LastSyncStatus = lastSyncStatus.String
	p.LastSyncError = lastSyncError.String
	p.AuthConfig = authConfig
	p.AdditionalConfig = additionalConfig
	p.SyncStatistics = syncStats
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		p.LastSyncAt = &t
	}
	return &p, nil
}

// GetProvider loads one provider by id.
func (s *Store) GetProvider(ctx context.Context, id uuid.UUID) (*storage.Provider, error) {
	query := `SELECT` + providerColumns + ` FROM providers WHERE id = $1`
	p, err := scanProvider(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, perrors.NewNotFoundError(fmt.Sprintf("provider %s not found", id))
	}
	if err != nil {
		return nil, perrors.NewStorageError("failed to get provider", err)
	}
	return p, nil
}

// ListActiveProviders returns every provider eligible for a scheduled or
// fan-out sync.
func (s *Store) ListActiveProviders(ctx context.Context) ([]*storage.Provider, error) {
	query := `SELECT` + providerColumns + ` FROM providers WHERE is_active ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, perrors.NewStorageError("failed to list providers", err)
	}
	defer rows.Close()

	var providers []*storage.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, perrors.NewStorageError("failed to scan provider", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateLastSync writes the sync projection back onto the provider row.
// This is the only provider mutation the pipeline core performs.
func (s *Store) UpdateLastSync(ctx context.Context, id uuid.UUID, result storage.SyncResult) error {
	query := `
		UPDATE providers
		SET last_sync_at = $2, last_sync_status = $3, last_sync_error = NULLIF($4, ''),
		    sync_statistics = $5, updated_at = now()
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, result.SyncedAt, result.Status,
		result.Error, nullJSON(result.Statistics))
	if err != nil {
		return perrors.NewStorageError("failed to update provider sync state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return perrors.NewNotFoundError(fmt.Sprintf("provider %s not found", id))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pipeline runs
// ---------------------------------------------------------------------------

const runColumns = `
	id, provider_id, pipeline_name, run_type, status, current_stage,
	started_at, completed_at, records_extracted, records_transformed,
	records_loaded, records_failed, duration_seconds, error_message,
	error_details, failed_records, date_range_start, date_range_end,
	dlt_load_id, created_at`

// CreateRun inserts a new pipeline run row.
func (s *Store) CreateRun(ctx context.Context, run *storage.PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (` + strings.TrimSpace(runColumns) + `)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''),$15,$16,$17,$18,NULLIF($19,''),$20)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.ProviderID, run.PipelineName, run.RunType, run.Status,
		run.CurrentStage, run.StartedAt, run.CompletedAt,
		run.RecordsExtracted, run.RecordsTransformed, run.RecordsLoaded, run.RecordsFailed,
		run.DurationSeconds, run.ErrorMessage, nullJSON(run.ErrorDetails),
		pq.Array(run.FailedRecords), run.DateRangeStart, run.DateRangeEnd,
		run.LoadID, run.CreatedAt,
	)
	if err != nil {
		return perrors.NewStorageError("failed to create pipeline run", err)
	}
	return nil
}

// UpdateRun persists the mutable run fields: status, stage, counters,
// errors, timing. Identity, provider and window never change.
func (s *Store) UpdateRun(ctx context.Context, run *storage.PipelineRun) error {
	query := `
		UPDATE pipeline_runs
		SET status = $2, current_stage = NULLIF($3, ''), completed_at = $4,
		    records_extracted = $5, records_transformed = $6,
		    records_loaded = $7, records_failed = $8, duration_seconds = $9,
		    error_message = NULLIF($10, ''), error_details = $11,
		    failed_records = $12, dlt_load_id = NULLIF($13, '')
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		run.ID, run.Status, run.CurrentStage, run.CompletedAt,
		run.RecordsExtracted, run.RecordsTransformed, run.RecordsLoaded,
		run.RecordsFailed, run.DurationSeconds, run.ErrorMessage,
		nullJSON(run.ErrorDetails), pq.Array(run.FailedRecords), run.LoadID,
	)
	if err != nil {
		return perrors.NewStorageError("failed to update pipeline run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return perrors.NewNotFoundError(fmt.Sprintf("pipeline run %s not found", run.ID))
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*storage.PipelineRun, error) {
	var run storage.PipelineRun
	var currentStage, errorMessage, loadID sql.NullString
	var completedAt sql.NullTime
	var durationSeconds sql.NullInt64
	var errorDetails []byte
	var failedRecords pq.StringArray

	err := row.Scan(
		&run.ID, &run.ProviderID, &run.PipelineName, &run.RunType, &run.Status,
		&currentStage, &run.StartedAt, &completedAt,
		&run.RecordsExtracted, &run.RecordsTransformed, &run.RecordsLoaded,
		&run.RecordsFailed, &durationSeconds, &errorMessage, &errorDetails,
		&failedRecords, &run.DateRangeStart, &run.DateRangeEnd, &loadID,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.CurrentStage = currentStage.String
	run.ErrorMessage = errorMessage.String
	run.LoadID = loadID.String
	run.ErrorDetails = errorDetails
	run.FailedRecords = failedRecords
	run.DurationSeconds = int(durationSeconds.Int64)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*storage.PipelineRun, error) {
	query := `SELECT` + runColumns + ` FROM pipeline_runs WHERE id = $1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, perrors.NewNotFoundError(fmt.Sprintf("pipeline run %s not found", id))
	}
	if err != nil {
		return nil, perrors.NewStorageError("failed to get pipeline run", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first, plus the total
// count for pagination.
func (s *Store) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.PipelineRun, int, error) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ProviderID != nil {
		conds = append(conds, "provider_id = "+arg(*filter.ProviderID))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	}
	if filter.Since != nil {
		conds = append(conds, "started_at >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "started_at <= "+arg(*filter.Until))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM pipeline_runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, perrors.NewStorageError("failed to count pipeline runs", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + runColumns + ` FROM pipeline_runs` + where +
		` ORDER BY started_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, perrors.NewStorageError("failed to list pipeline runs", err)
	}
	defer rows.Close()

	var runs []*storage.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, perrors.NewStorageError("failed to scan pipeline run", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// ---------------------------------------------------------------------------
// Raw billing data
// ---------------------------------------------------------------------------

// InsertRawBatch stages one extraction batch.
func (s *Store) InsertRawBatch(ctx context.Context, raw *storage.RawBillingData) error {
	if !raw.PeriodEnd.After(raw.PeriodStart) {
		return perrors.NewInvalidRangeError("raw batch period_end must be after period_start")
	}
	query := `
		INSERT INTO raw_billing_data (
			id, provider_id, provider_type, source_name, source_type,
			extraction_timestamp, extraction_params, period_start, period_end,
			extracted_data, record_count, processed, pipeline_run_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,$12,$13)`
	_, err := s.db.ExecContext(ctx, query,
		raw.ID, raw.ProviderID, raw.ProviderType, raw.SourceName, raw.SourceType,
		raw.ExtractionTimestamp, nullJSON(raw.ExtractionParams),
		raw.PeriodStart, raw.PeriodEnd, []byte(raw.ExtractedData),
		raw.RecordCount, raw.PipelineRunID, raw.CreatedAt,
	)
	if err != nil {
		return perrors.NewStorageError("failed to insert raw batch", err)
	}
	return nil
}

// ListUnprocessed returns this run's staged batches that have not been
// transformed yet, in extraction order.
func (s *Store) ListUnprocessed(ctx context.Context, runID uuid.UUID) ([]*storage.RawBillingData, error) {
	query := `
		SELECT id, provider_id, provider_type, source_name, source_type,
		       extraction_timestamp, extraction_params, period_start, period_end,
		       extracted_data, record_count, processed, processed_at,
		       processing_error, pipeline_run_id, created_at
		FROM raw_billing_data
		WHERE pipeline_run_id = $1 AND NOT processed
		ORDER BY extraction_timestamp, created_at`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, perrors.NewStorageError("failed to list unprocessed raw batches", err)
	}
	defer rows.Close()

	var batches []*storage.RawBillingData
	for rows.Next() {
		var raw storage.RawBillingData
		var params, data []byte
		var processedAt sql.NullTime
		var processingError sql.NullString
		if err := rows.Scan(
			&raw.ID, &raw.ProviderID, &raw.ProviderType, &raw.SourceName,
			&raw.SourceType, &raw.ExtractionTimestamp, &params,
			&raw.PeriodStart, &raw.PeriodEnd, &data, &raw.RecordCount,
			&raw.Processed, &processedAt, &processingError,
			&raw.PipelineRunID, &raw.CreatedAt,
		); err != nil {
			return nil, perrors.NewStorageError("failed to scan raw batch", err)
		}
		raw.ExtractionParams = params
		raw.ExtractedData = data
		raw.ProcessingError = processingError.String
		if processedAt.Valid {
			t := processedAt.Time
			raw.ProcessedAt = &t
		}
		batches = append(batches, &raw)
	}
	return batches, rows.Err()
}

// MarkProcessed flags a raw batch as transformed. processingError carries a
// per-record failure summary when some of the batch's records were
// rejected; the rejected records themselves live in the run's
// failed_records list.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, processingError string) error {
	query := `
		UPDATE raw_billing_data
		SET processed = true, processed_at = now(),
		    processing_error = NULLIF($2, ''), updated_at = now()
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, processingError)
	if err != nil {
		return perrors.NewStorageError("failed to mark raw batch processed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return perrors.NewNotFoundError(fmt.Sprintf("raw batch %s not found", id))
	}
	return nil
}

// SetProcessingError records a wholesale mapper failure while leaving the
// batch unprocessed so a later run can retry it.
func (s *Store) SetProcessingError(ctx context.Context, id uuid.UUID, processingError string) error {
	query := `
		UPDATE raw_billing_data
		SET processing_error = $2, updated_at = now()
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, processingError)
	if err != nil {
		return perrors.NewStorageError("failed to set raw batch error", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return perrors.NewNotFoundError(fmt.Sprintf("raw batch %s not found", id))
	}
	return nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
