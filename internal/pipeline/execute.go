package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"focus-pipeline/internal/provider"
	"focus-pipeline/internal/storage"
	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

const maxFailureRefLen = 500

// executeRun drives one run through the state machine. ctx carries the
// cooperative cancellation signal; store writes use a background context
// so an observed cancellation still persists its terminal state cleanly.
func (c *Coordinator) executeRun(ctx context.Context, run *storage.PipelineRun, p *storage.Provider) {
	persist := context.Background()
	log := c.log.With().
		Str("run_id", run.ID.String()).
		Str("provider", p.Name).
		Str("provider_type", p.ProviderType).
		Logger()

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		c.finalize(persist, log, run, p, storage.RunCancelled, nil)
		return
	}

	adapter, err := c.registry.ForProvider(p)
	if err != nil {
		c.finalize(persist, log, run, p, storage.RunFailed, err)
		return
	}

	run.Status = storage.RunRunning
	run.CurrentStage = storage.StageExtract
	if err := c.stores.Runs.UpdateRun(persist, run); err != nil {
		log.Error().Err(err).Msg("failed to mark run running")
	}
	log.Info().
		Time("window_start", run.DateRangeStart).
		Time("window_end", run.DateRangeEnd).
		Msg("run started")

	if err := c.extractStage(ctx, persist, log, run, p, adapter.Connector); err != nil {
		if ctx.Err() != nil {
			c.finalize(persist, log, run, p, storage.RunCancelled, nil)
		} else {
			c.finalize(persist, log, run, p, storage.RunFailed, err)
		}
		return
	}

	if err := c.transformLoadStage(ctx, persist, log, run, adapter.Mapper); err != nil {
		if ctx.Err() != nil {
			c.finalize(persist, log, run, p, storage.RunCancelled, nil)
		} else {
			c.finalize(persist, log, run, p, storage.RunFailed, err)
		}
		return
	}

	c.finalize(persist, log, run, p, storage.RunCompleted, nil)
}

// extractStage invokes the connector for the run window and stages every
// returned batch in the raw store. Transient connector failures consume
// the bounded retry budget; auth and not-found failures abort immediately.
func (c *Coordinator) extractStage(ctx context.Context, persist context.Context, log zerolog.Logger, run *storage.PipelineRun, p *storage.Provider, conn provider.Connector) error {
	window := provider.Window{Start: run.DateRangeStart, End: run.DateRangeEnd}

	var params map[string]any
	if len(p.AdditionalConfig) > 0 {
		if err := json.Unmarshal(p.AdditionalConfig, &params); err != nil {
			return perrors.NewAuthError("invalid provider additional config", err)
		}
	}

	var batches []provider.RawBatch
	err := c.withRetry(ctx, log, "extract", perrors.IsTransient, func() error {
		var extractErr error
		batches, extractErr = conn.Extract(ctx, window, params)
		return extractErr
	})
	if err != nil {
		return err
	}

	for _, b := range batches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := c.now().UTC()
		raw := &storage.RawBillingData{
			ID:                  uuid.New(),
			ProviderID:          p.ID,
			ProviderType:        p.ProviderType,
			SourceName:          b.SourceName,
			SourceType:          b.SourceType,
			ExtractionTimestamp: now,
			PeriodStart:         window.Start,
			PeriodEnd:           window.End,
			RecordCount:         b.RecordCount,
			PipelineRunID:       run.ID,
			CreatedAt:           now,
		}
		if b.Params != nil {
			raw.ExtractionParams, _ = json.Marshal(b.Params)
		}
		payload, err := json.Marshal(b.Records)
		if err != nil {
			return perrors.NewStorageError("failed to encode raw batch "+b.SourceName, err)
		}
		raw.ExtractedData = payload

		if err := c.withRetry(ctx, log, "stage_raw", storageRetryable, func() error {
			return c.stores.Raw.InsertRawBatch(persist, raw)
		}); err != nil {
			return err
		}
		run.RecordsExtracted += b.RecordCount
	}

	log.Info().
		Int("batches", len(batches)).
		Int("records_extracted", run.RecordsExtracted).
		Msg("extraction finished")
	return c.stores.Runs.UpdateRun(persist, run)
}

// transformLoadStage maps every unprocessed raw batch of this run and
// loads the resulting records. Raw batches already marked processed (a
// re-run over the same window) are skipped by construction.
func (c *Coordinator) transformLoadStage(ctx context.Context, persist context.Context, log zerolog.Logger, run *storage.PipelineRun, mapper provider.Mapper) error {
	run.CurrentStage = storage.StageTransform
	if err := c.stores.Runs.UpdateRun(persist, run); err != nil {
		log.Error().Err(err).Msg("failed to persist stage transition")
	}

	raws, err := c.stores.Raw.ListUnprocessed(persist, run.ID)
	if err != nil {
		return err
	}

	for _, raw := range raws {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.processBatch(ctx, persist, log, run, mapper, raw); err != nil {
			return err
		}
		// Persist counters per batch so a cancelled run reports exactly the
		// batches it processed.
		if err := c.stores.Runs.UpdateRun(persist, run); err != nil {
			log.Error().Err(err).Msg("failed to persist run progress")
		}
	}
	return nil
}

// processBatch transforms and loads one raw batch. Per-record mapping
// failures are recorded and skipped; only cancellation propagates as an
// error. Storage failures during load exhaust the retry budget and then
// escalate to record-level failures on the whole batch.
func (c *Coordinator) processBatch(ctx context.Context, persist context.Context, log zerolog.Logger, run *storage.PipelineRun, mapper provider.Mapper, raw *storage.RawBillingData) error {
	records, err := raw.Records()
	if err != nil {
		msg := "malformed staged payload: " + err.Error()
		run.RecordsFailed += raw.RecordCount
		run.FailedRecords = append(run.FailedRecords, failureRef(raw, -1, msg))
		if serr := c.stores.Raw.SetProcessingError(persist, raw.ID, msg); serr != nil {
			log.Error().Err(serr).Str("raw_id", raw.ID.String()).Msg("failed to record processing error")
		}
		return nil
	}

	var mapped []*focus.Record
	failedBefore := run.RecordsFailed
	for i, rec := range records {
		if i > 0 && i%c.cfg.ChunkSize == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		fr, err := mapper.Map(rec)
		if err != nil {
			run.RecordsFailed++
			run.FailedRecords = append(run.FailedRecords, failureRef(raw, i, err.Error()))
			continue
		}
		fr.XRawBillingDataID = raw.ID.String()
		fr.XDltLoadID = run.LoadID
		fr.XCreatedAt = c.now().UTC()
		fr.XDltID = DedupID(fr)
		mapped = append(mapped, fr)
	}
	run.RecordsTransformed += len(mapped)
	batchFailed := run.RecordsFailed - failedBefore

	if len(mapped) == 0 {
		if batchFailed > 0 {
			msg := fmt.Sprintf("all %d records failed mapping", batchFailed)
			if serr := c.stores.Raw.SetProcessingError(persist, raw.ID, msg); serr != nil {
				log.Error().Err(serr).Str("raw_id", raw.ID.String()).Msg("failed to record processing error")
			}
			return nil
		}
		return c.markProcessed(persist, log, raw, "")
	}

	// First write wins: drop records whose dedup id is already canonical so
	// overlapping re-runs load as no-ops.
	ids := make([]string, len(mapped))
	for i, fr := range mapped {
		ids[i] = fr.XDltID
	}
	var existing map[string]struct{}
	err = c.withRetry(ctx, log, "dedup_check", storageRetryable, func() error {
		var qerr error
		existing, qerr = c.stores.Canonical.ExistingIDs(persist, ids)
		return qerr
	})
	if err != nil {
		return c.escalateBatch(persist, log, run, raw, mapped, "dedup check failed: "+err.Error())
	}

	toInsert := mapped[:0]
	for _, fr := range mapped {
		if _, dup := existing[fr.XDltID]; dup {
			continue
		}
		toInsert = append(toInsert, fr)
	}

	if len(toInsert) > 0 {
		var inserted int
		err = c.withRetry(ctx, log, "load", storageRetryable, func() error {
			var ierr error
			inserted, ierr = c.stores.Canonical.InsertRecords(persist, toInsert)
			return ierr
		})
		if err != nil {
			return c.escalateBatch(persist, log, run, raw, toInsert, "load failed: "+err.Error())
		}
		run.RecordsLoaded += inserted
	}

	summary := ""
	if batchFailed > 0 {
		summary = fmt.Sprintf("%d of %d records failed mapping", batchFailed, len(records))
	}
	log.Debug().
		Str("raw_id", raw.ID.String()).
		Int("mapped", len(mapped)).
		Int("loaded", len(toInsert)).
		Int("failed", batchFailed).
		Msg("batch processed")
	return c.markProcessed(persist, log, raw, summary)
}

// escalateBatch converts an exhausted storage failure into record-level
// failures for every record of the batch and leaves the raw row
// unprocessed for later retry.
func (c *Coordinator) escalateBatch(persist context.Context, log zerolog.Logger, run *storage.PipelineRun, raw *storage.RawBillingData, records []*focus.Record, msg string) error {
	run.RecordsFailed += len(records)
	run.FailedRecords = append(run.FailedRecords, failureRef(raw, -1, msg))
	if err := c.stores.Raw.SetProcessingError(persist, raw.ID, msg); err != nil {
		log.Error().Err(err).Str("raw_id", raw.ID.String()).Msg("failed to record processing error")
	}
	// Storage unavailability affects every subsequent batch the same way;
	// abort the run rather than spinning through the retry budget per batch.
	return perrors.NewStorageError(msg, nil)
}

func (c *Coordinator) markProcessed(persist context.Context, log zerolog.Logger, raw *storage.RawBillingData, summary string) error {
	return c.withRetry(persist, log, "mark_processed", storageRetryable, func() error {
		return c.stores.Raw.MarkProcessed(persist, raw.ID, summary)
	})
}

// finalize moves the run to its terminal status, persists it, and projects
// the outcome onto the provider's last-sync fields.
func (c *Coordinator) finalize(persist context.Context, log zerolog.Logger, run *storage.PipelineRun, p *storage.Provider, status string, runErr error) {
	now := c.now().UTC()
	run.Status = status
	run.CurrentStage = ""
	run.CompletedAt = &now
	run.DurationSeconds = int(now.Sub(run.StartedAt).Seconds())
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
		if details := errorDetails(runErr); details != nil {
			run.ErrorDetails = details
		}
	}
	if err := c.stores.Runs.UpdateRun(persist, run); err != nil {
		log.Error().Err(err).Msg("failed to persist terminal run state")
	}

	event := log.Info()
	if status == storage.RunFailed {
		event = log.Error().Err(runErr)
	}
	event.
		Str("status", status).
		Int("records_extracted", run.RecordsExtracted).
		Int("records_transformed", run.RecordsTransformed).
		Int("records_loaded", run.RecordsLoaded).
		Int("records_failed", run.RecordsFailed).
		Int("duration_seconds", run.DurationSeconds).
		Msg("run finished")

	// A cancelled run is an operator action, not a sync outcome; the
	// provider projection keeps its previous sync state.
	if status == storage.RunCancelled {
		return
	}

	result := storage.SyncResult{SyncedAt: now}
	switch {
	case status == storage.RunFailed:
		result.Status = "failed"
		result.Error = run.ErrorMessage
	case run.RecordsFailed > 0:
		result.Status = "partial"
		result.Error = fmt.Sprintf("%d records failed", run.RecordsFailed)
	default:
		result.Status = "success"
	}
	result.Statistics, _ = json.Marshal(map[string]any{
		"run_id":              run.ID,
		"records_extracted":   run.RecordsExtracted,
		"records_transformed": run.RecordsTransformed,
		"records_loaded":      run.RecordsLoaded,
		"records_failed":      run.RecordsFailed,
		"duration_seconds":    run.DurationSeconds,
	})
	if err := c.stores.Providers.UpdateLastSync(persist, p.ID, result); err != nil {
		log.Error().Err(err).Msg("failed to project sync result onto provider")
	}
}

// withRetry runs fn, retrying failures matching retryable with doubling
// backoff up to the configured budget. Non-retryable failures return
// immediately; a context cancellation during backoff returns ctx.Err().
func (c *Coordinator) withRetry(ctx context.Context, log zerolog.Logger, op string, retryable func(error) bool, fn func() error) error {
	var err error
	backoff := c.cfg.RetryBackoff
	for attempt := 1; attempt <= c.cfg.StorageRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == c.cfg.StorageRetries {
			return err
		}
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("transient failure, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

func storageRetryable(err error) bool {
	return perrors.IsTransient(err) || perrors.IsStorage(err)
}

func failureRef(raw *storage.RawBillingData, index int, msg string) string {
	if len(msg) > maxFailureRefLen {
		msg = msg[:maxFailureRefLen]
	}
	if index < 0 {
		return fmt.Sprintf("%s: %s", raw.ID, msg)
	}
	return fmt.Sprintf("%s#%d: %s", raw.ID, index, msg)
}

func errorDetails(err error) json.RawMessage {
	var perr *perrors.PipelineError
	if !errors.As(err, &perr) {
		return nil
	}
	details, merr := json.Marshal(map[string]any{
		"code":        perr.Code,
		"recoverable": perr.Recoverable,
		"stage":       perr.Stage,
	})
	if merr != nil {
		return nil
	}
	return details
}
