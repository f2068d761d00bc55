// Package pipeline implements the run coordinator: it owns the pipeline
// run state machine, sequences extract -> transform -> load per run, and
// executes independent runs concurrently on a bounded worker pool.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"focus-pipeline/internal/provider"
	"focus-pipeline/internal/storage"
	perrors "focus-pipeline/pkg/errors"
)

// Config tunes the coordinator.
type Config struct {
	PipelineName    string
	Workers         int           // concurrent run limit
	MaxWindowDays   int           // largest allowed extraction span
	DefaultDaysBack int           // window when the trigger omits dates
	ChunkSize       int           // records between cancellation checks
	StorageRetries  int           // bounded retry budget for transient failures
	RetryBackoff    time.Duration // base backoff, doubled per attempt
}

func (c Config) withDefaults() Config {
	if c.PipelineName == "" {
		c.PipelineName = "billing_data_pipeline"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxWindowDays <= 0 {
		c.MaxWindowDays = 93
	}
	if c.DefaultDaysBack <= 0 {
		c.DefaultDaysBack = 30
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.StorageRetries <= 0 {
		c.StorageRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	return c
}

// Stores bundles the persistence dependencies of the coordinator.
type Stores struct {
	Providers storage.ProviderStore
	Runs      storage.RunStore
	Raw       storage.RawStore
	Canonical storage.CanonicalStore
}

// TriggerRequest describes one sync trigger. Either an explicit date range
// or DaysBack; when ProviderID is nil every active provider gets a run.
type TriggerRequest struct {
	ProviderID *uuid.UUID
	StartDate  *time.Time
	EndDate    *time.Time
	DaysBack   int
	RunType    string
}

// Coordinator schedules and executes pipeline runs.
type Coordinator struct {
	cfg      Config
	stores   Stores
	registry *provider.Registry
	log      zerolog.Logger
	now      func() time.Time

	base context.Context
	stop context.CancelFunc
	sem  chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewCoordinator builds a coordinator over the given stores and adapter
// registry.
func NewCoordinator(cfg Config, stores Stores, registry *provider.Registry, log zerolog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		log:      log.With().Str("component", "coordinator").Logger(),
		now:      time.Now,
		base:     base,
		stop:     stop,
		sem:      make(chan struct{}, cfg.Workers),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Trigger validates the window, creates one pending run per selected
// provider and schedules execution on the worker pool. The returned runs
// are in pending state; progress is observed via GetStatus.
func (c *Coordinator) Trigger(ctx context.Context, req TriggerRequest) ([]*storage.PipelineRun, error) {
	window, err := c.resolveWindow(req)
	if err != nil {
		return nil, err
	}

	providers, err := c.selectProviders(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}

	runType := req.RunType
	if runType == "" {
		runType = storage.RunTypeManual
	}

	runs := make([]*storage.PipelineRun, 0, len(providers))
	for _, p := range providers {
		now := c.now().UTC()
		run := &storage.PipelineRun{
			ID:             uuid.New(),
			ProviderID:     p.ID,
			PipelineName:   c.cfg.PipelineName,
			RunType:        runType,
			Status:         storage.RunPending,
			StartedAt:      now,
			CreatedAt:      now,
			DateRangeStart: window.Start,
			DateRangeEnd:   window.End,
			LoadID:         NewLoadID(now),
		}
		if err := c.stores.Runs.CreateRun(ctx, run); err != nil {
			return nil, err
		}
		c.schedule(run, p)
		runs = append(runs, run)
	}
	return runs, nil
}

// Cancel requests cooperative cancellation of a pending or running run.
// The executing worker observes the cancellation at its next batch or
// chunk boundary and persists whatever counters it accumulated.
func (c *Coordinator) Cancel(ctx context.Context, runID uuid.UUID) (*storage.PipelineRun, error) {
	run, err := c.stores.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, perrors.NewInvalidStateError(
			fmt.Sprintf("run %s is already %s and cannot be cancelled", runID, run.Status))
	}

	c.mu.Lock()
	cancel, active := c.cancels[runID]
	c.mu.Unlock()
	if active {
		cancel()
		c.log.Info().Str("run_id", runID.String()).Msg("cancellation requested")
		return run, nil
	}

	// No worker holds the run (e.g. process restarted with the row still
	// pending); finalize it directly.
	now := c.now().UTC()
	run.Status = storage.RunCancelled
	run.CompletedAt = &now
	run.DurationSeconds = int(now.Sub(run.StartedAt).Seconds())
	if err := c.stores.Runs.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Retry creates a fresh run copying the provider and date range of a
// failed or cancelled run. The original run is never mutated.
func (c *Coordinator) Retry(ctx context.Context, runID uuid.UUID) (*storage.PipelineRun, error) {
	prev, err := c.stores.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prev.Status != storage.RunFailed && prev.Status != storage.RunCancelled {
		return nil, perrors.NewInvalidStateError(
			fmt.Sprintf("run %s is %s; only failed or cancelled runs can be retried", runID, prev.Status))
	}

	p, err := c.stores.Providers.GetProvider(ctx, prev.ProviderID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	run := &storage.PipelineRun{
		ID:             uuid.New(),
		ProviderID:     prev.ProviderID,
		PipelineName:   prev.PipelineName,
		RunType:        storage.RunTypeRetry,
		Status:         storage.RunPending,
		StartedAt:      now,
		CreatedAt:      now,
		DateRangeStart: prev.DateRangeStart,
		DateRangeEnd:   prev.DateRangeEnd,
		LoadID:         NewLoadID(now),
	}
	if err := c.stores.Runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	c.schedule(run, p)
	return run, nil
}

// GetStatus returns the current state of one run.
func (c *Coordinator) GetStatus(ctx context.Context, runID uuid.UUID) (*storage.PipelineRun, error) {
	return c.stores.Runs.GetRun(ctx, runID)
}

// ListRuns returns matching runs plus the unpaginated total.
func (c *Coordinator) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.PipelineRun, int, error) {
	return c.stores.Runs.ListRuns(ctx, filter)
}

// Shutdown cancels all in-flight runs and waits for workers to persist
// their terminal state, or until ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) resolveWindow(req TriggerRequest) (provider.Window, error) {
	var window provider.Window
	switch {
	case req.StartDate != nil && req.EndDate != nil:
		window = provider.Window{Start: req.StartDate.UTC(), End: req.EndDate.UTC()}
	case req.StartDate != nil || req.EndDate != nil:
		return window, perrors.NewInvalidRangeError("start_date and end_date must be provided together")
	default:
		daysBack := req.DaysBack
		if daysBack <= 0 {
			daysBack = c.cfg.DefaultDaysBack
		}
		end := c.now().UTC().Truncate(24 * time.Hour)
		window = provider.Window{Start: end.AddDate(0, 0, -daysBack), End: end}
	}

	if !window.End.After(window.Start) {
		return window, perrors.NewInvalidRangeError(
			fmt.Sprintf("end date %s is not after start date %s",
				window.End.Format("2006-01-02"), window.Start.Format("2006-01-02")))
	}
	if span := window.End.Sub(window.Start); span > time.Duration(c.cfg.MaxWindowDays)*24*time.Hour {
		return window, perrors.NewInvalidRangeError(
			fmt.Sprintf("window spans %.0f days, maximum is %d", span.Hours()/24, c.cfg.MaxWindowDays))
	}
	return window, nil
}

func (c *Coordinator) selectProviders(ctx context.Context, providerID *uuid.UUID) ([]*storage.Provider, error) {
	if providerID != nil {
		p, err := c.stores.Providers.GetProvider(ctx, *providerID)
		if err != nil {
			return nil, err
		}
		if !p.IsActive {
			return nil, perrors.NewInvalidStateError(fmt.Sprintf("provider %s is not active", providerID))
		}
		return []*storage.Provider{p}, nil
	}

	providers, err := c.stores.Providers.ListActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, perrors.NewNotFoundError("no active providers configured")
	}
	return providers, nil
}

func (c *Coordinator) schedule(run *storage.PipelineRun, p *storage.Provider) {
	runCtx, cancel := context.WithCancel(c.base)
	c.mu.Lock()
	c.cancels[run.ID] = cancel
	c.mu.Unlock()

	// The worker mutates its own copy of the run; the caller keeps the
	// pending snapshot it was returned and observes progress via GetStatus.
	workerRun := *run

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.cancels, run.ID)
			c.mu.Unlock()
		}()
		c.executeRun(runCtx, &workerRun, p)
	}()
}
