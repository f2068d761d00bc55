package pipeline_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-pipeline/internal/pipeline"
	"focus-pipeline/internal/provider"
	"focus-pipeline/internal/storage"
	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

// fakeStores implements every store interface in memory.
type fakeStores struct {
	mu        sync.Mutex
	providers map[uuid.UUID]*storage.Provider
	runs      map[uuid.UUID]storage.PipelineRun
	raws      map[uuid.UUID]*storage.RawBillingData
	rawOrder  []uuid.UUID
	canonical map[string]*focus.Record
	syncs     map[uuid.UUID]storage.SyncResult

	insertErr   error
	afterInsert func()
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		providers: make(map[uuid.UUID]*storage.Provider),
		runs:      make(map[uuid.UUID]storage.PipelineRun),
		raws:      make(map[uuid.UUID]*storage.RawBillingData),
		canonical: make(map[string]*focus.Record),
		syncs:     make(map[uuid.UUID]storage.SyncResult),
	}
}

func (f *fakeStores) GetProvider(_ context.Context, id uuid.UUID) (*storage.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return nil, perrors.NewNotFoundError("provider not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStores) ListActiveProviders(context.Context) ([]*storage.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Provider
	for _, p := range f.providers {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStores) UpdateLastSync(_ context.Context, id uuid.UUID, result storage.SyncResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs[id] = result
	return nil
}

func (f *fakeStores) CreateRun(_ context.Context, run *storage.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStores) UpdateRun(_ context.Context, run *storage.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	cp.FailedRecords = append([]string(nil), run.FailedRecords...)
	f.runs[run.ID] = cp
	return nil
}

func (f *fakeStores) GetRun(_ context.Context, id uuid.UUID) (*storage.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, perrors.NewNotFoundError("run not found")
	}
	cp := run
	return &cp, nil
}

func (f *fakeStores) ListRuns(_ context.Context, filter storage.RunFilter) ([]*storage.PipelineRun, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.PipelineRun
	for _, run := range f.runs {
		if filter.ProviderID != nil && run.ProviderID != *filter.ProviderID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := run
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (f *fakeStores) InsertRawBatch(_ context.Context, raw *storage.RawBillingData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws[raw.ID] = raw
	f.rawOrder = append(f.rawOrder, raw.ID)
	return nil
}

func (f *fakeStores) ListUnprocessed(_ context.Context, runID uuid.UUID) ([]*storage.RawBillingData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.RawBillingData
	for _, id := range f.rawOrder {
		raw := f.raws[id]
		if raw.PipelineRunID == runID && !raw.Processed {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (f *fakeStores) MarkProcessed(_ context.Context, id uuid.UUID, processingError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.raws[id]
	if !ok {
		return perrors.NewNotFoundError("raw batch not found")
	}
	now := time.Now()
	raw.Processed = true
	raw.ProcessedAt = &now
	raw.ProcessingError = processingError
	return nil
}

func (f *fakeStores) SetProcessingError(_ context.Context, id uuid.UUID, processingError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.raws[id]
	if !ok {
		return perrors.NewNotFoundError("raw batch not found")
	}
	raw.ProcessingError = processingError
	return nil
}

func (f *fakeStores) InsertRecords(_ context.Context, records []*focus.Record) (int, error) {
	f.mu.Lock()
	insertErr := f.insertErr
	if insertErr == nil {
		for _, r := range records {
			f.canonical[r.XDltID] = r
		}
	}
	after := f.afterInsert
	f.mu.Unlock()
	if after != nil {
		after()
	}
	if insertErr != nil {
		return 0, insertErr
	}
	return len(records), nil
}

func (f *fakeStores) ExistingIDs(_ context.Context, ids []string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := f.canonical[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeStores) CountByRawBatch(_ context.Context, rawID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.canonical {
		if r.XRawBillingDataID == rawID.String() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStores) canonicalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canonical)
}

type fakeConnector struct {
	mu      sync.Mutex
	batches []provider.RawBatch
	err     error
	errOnce bool
	calls   int
	gate    chan struct{} // when set, extraction blocks until closed
}

func (c *fakeConnector) Extract(ctx context.Context, _ provider.Window, _ map[string]any) ([]provider.RawBatch, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		err := c.err
		if c.errOnce {
			c.err = nil
		}
		return nil, err
	}
	return c.batches, nil
}

// fakeMapper emits a valid FOCUS record per raw row; rows carrying
// "bad": true fail mapping.
type fakeMapper struct {
	providerID string
}

func (m *fakeMapper) Map(raw map[string]any) (*focus.Record, error) {
	id, _ := raw["id"].(string)
	if bad, _ := raw["bad"].(bool); bad {
		return nil, perrors.NewMappingError(id, stderrors.New("negative cost"))
	}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &focus.Record{
		BilledCost:         decimal.NewFromInt(1),
		EffectiveCost:      decimal.NewFromInt(1),
		ListCost:           decimal.NewFromInt(1),
		ContractedCost:     decimal.NewFromInt(1),
		BillingAccountID:   "acct-1",
		BillingAccountType: "BillingAccount",
		BillingCurrency:    "USD",
		BillingPeriodStart: start,
		BillingPeriodEnd:   start.AddDate(0, 1, 0),
		ChargePeriodStart:  start,
		ChargePeriodEnd:    start.Add(time.Hour),
		ServiceName:        "Test Service",
		ServiceCategory:    focus.CategoryCompute,
		ProviderName:       "Test",
		PublisherName:      "Test",
		InvoiceIssuerName:  "Test",
		ChargeCategory:     focus.ChargeUsage,
		ChargeDescription:  "test usage",
		PricingQuantity:    decimal.NewFromInt(1),
		PricingUnit:        "Hours",
		XProviderID:        m.providerID,
		XSourceChargeID:    id,
	}, nil
}

type fixture struct {
	stores      *fakeStores
	conn        *fakeConnector
	coordinator *pipeline.Coordinator
	provider    *storage.Provider
}

func newFixture(t *testing.T, conn *fakeConnector) *fixture {
	t.Helper()
	stores := newFakeStores()
	p := &storage.Provider{
		ID:           uuid.New(),
		Name:         "aws-test",
		ProviderType: "fake",
		IsActive:     true,
	}
	stores.providers[p.ID] = p

	registry := provider.NewRegistry()
	registry.Register("fake", func(p *storage.Provider) (*provider.Adapter, error) {
		return &provider.Adapter{
			Connector: conn,
			Mapper:    &fakeMapper{providerID: p.ID.String()},
		}, nil
	})

	coordinator := pipeline.NewCoordinator(
		pipeline.Config{
			Workers:        2,
			StorageRetries: 2,
			RetryBackoff:   time.Millisecond,
		},
		pipeline.Stores{Providers: stores, Runs: stores, Raw: stores, Canonical: stores},
		registry,
		zerolog.Nop(),
	)
	return &fixture{stores: stores, conn: conn, coordinator: coordinator, provider: p}
}

func rawRows(n, badEvery int, prefix string) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"id": fmt.Sprintf("%s-%d", prefix, i)}
		if badEvery > 0 && i%badEvery == badEvery-1 {
			rows[i]["bad"] = true
		}
	}
	return rows
}

func batchOf(rows []map[string]any, name string) provider.RawBatch {
	return provider.RawBatch{
		Records:     rows,
		RecordCount: len(rows),
		SourceName:  name,
		SourceType:  "rest_api",
	}
}

func window() (time.Time, time.Time) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func trigger(t *testing.T, f *fixture) *storage.PipelineRun {
	t.Helper()
	start, end := window()
	runs, err := f.coordinator.Trigger(context.Background(), pipeline.TriggerRequest{
		ProviderID: &f.provider.ID,
		StartDate:  &start,
		EndDate:    &end,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func waitTerminal(t *testing.T, f *fixture, id uuid.UUID) *storage.PipelineRun {
	t.Helper()
	var run *storage.PipelineRun
	require.Eventually(t, func() bool {
		r, err := f.coordinator.GetStatus(context.Background(), id)
		if err != nil || !r.Terminal() {
			return false
		}
		run = r
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

// waitSync waits for the provider's last-sync projection, which lands
// just after the run turns terminal.
func waitSync(t *testing.T, f *fixture) storage.SyncResult {
	t.Helper()
	var res storage.SyncResult
	require.Eventually(t, func() bool {
		f.stores.mu.Lock()
		defer f.stores.mu.Unlock()
		r, ok := f.stores.syncs[f.provider.ID]
		if !ok {
			return false
		}
		res = r
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return res
}

func TestRunCompletesCleanly(t *testing.T) {
	conn := &fakeConnector{batches: []provider.RawBatch{batchOf(rawRows(10, 0, "r"), "export")}}
	f := newFixture(t, conn)

	created := trigger(t, f)
	assert.Equal(t, storage.RunPending, created.Status)

	run := waitTerminal(t, f, created.ID)
	assert.Equal(t, storage.RunCompleted, run.Status)
	assert.Equal(t, 10, run.RecordsExtracted)
	assert.Equal(t, 10, run.RecordsTransformed)
	assert.Equal(t, 10, run.RecordsLoaded)
	assert.Equal(t, 0, run.RecordsFailed)
	assert.NotNil(t, run.CompletedAt)
	assert.False(t, run.CreatedAt.IsZero())
	assert.Equal(t, 10, f.stores.canonicalCount())

	sync := waitSync(t, f)
	assert.Equal(t, "success", sync.Status)
}

func TestTriggerReturnsPendingSnapshot(t *testing.T) {
	conn := &fakeConnector{batches: []provider.RawBatch{batchOf(rawRows(3, 0, "r"), "export")}}
	f := newFixture(t, conn)

	created := trigger(t, f)
	stored := waitTerminal(t, f, created.ID)
	require.Equal(t, storage.RunCompleted, stored.Status)

	// The worker reports progress through the store only; the run handed
	// back by Trigger is never touched after scheduling.
	assert.Equal(t, storage.RunPending, created.Status)
	assert.Zero(t, created.RecordsExtracted)
	assert.Zero(t, created.RecordsLoaded)
	assert.Nil(t, created.CompletedAt)
}

func TestPartialFailureCompletesWithFailedRecords(t *testing.T) {
	// 100 rows, every 20th fails mapping: 95 load, 5 recorded as failures.
	conn := &fakeConnector{batches: []provider.RawBatch{batchOf(rawRows(100, 20, "r"), "export")}}
	f := newFixture(t, conn)

	run := waitTerminal(t, f, trigger(t, f).ID)
	assert.Equal(t, storage.RunCompleted, run.Status)
	assert.Equal(t, 100, run.RecordsExtracted)
	assert.Equal(t, 95, run.RecordsLoaded)
	assert.Equal(t, 5, run.RecordsFailed)
	assert.Len(t, run.FailedRecords, 5)
	assert.Equal(t, 95, f.stores.canonicalCount())

	// The raw batch is processed with a failure summary retained.
	raws, err := f.stores.ListUnprocessed(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, raws)
	for _, raw := range f.stores.raws {
		assert.True(t, raw.Processed)
		assert.Contains(t, raw.ProcessingError, "5 of 100")
	}

	sync := waitSync(t, f)
	assert.Equal(t, "partial", sync.Status)
}

func TestAuthFailureFailsRun(t *testing.T) {
	conn := &fakeConnector{err: perrors.NewAuthError("expired credentials", nil)}
	f := newFixture(t, conn)

	run := waitTerminal(t, f, trigger(t, f).ID)
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "expired credentials")
	assert.Equal(t, 0, run.RecordsExtracted)
	assert.Equal(t, 1, f.conn.calls, "auth failures must not be retried")

	sync := waitSync(t, f)
	assert.Equal(t, "failed", sync.Status)
}

func TestTransientExtractionFailureIsRetried(t *testing.T) {
	conn := &fakeConnector{
		batches: []provider.RawBatch{batchOf(rawRows(3, 0, "r"), "export")},
		err:     perrors.NewTransientError("rate limited", nil),
		errOnce: true,
	}
	f := newFixture(t, conn)

	run := waitTerminal(t, f, trigger(t, f).ID)
	assert.Equal(t, storage.RunCompleted, run.Status)
	assert.Equal(t, 3, run.RecordsLoaded)
	assert.Equal(t, 2, f.conn.calls)
}

func TestStorageFailureExhaustsRetriesAndFailsRun(t *testing.T) {
	conn := &fakeConnector{batches: []provider.RawBatch{batchOf(rawRows(4, 0, "r"), "export")}}
	f := newFixture(t, conn)
	f.stores.insertErr = perrors.NewStorageError("clickhouse unavailable", nil)

	run := waitTerminal(t, f, trigger(t, f).ID)
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Equal(t, 4, run.RecordsFailed)
	assert.Equal(t, 0, f.stores.canonicalCount())

	// The raw batch stays unprocessed for a later retry.
	raws, err := f.stores.ListUnprocessed(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Contains(t, raws[0].ProcessingError, "load failed")
	assert.False(t, raws[0].CreatedAt.IsZero())
}

func TestCancellationStopsBetweenBatches(t *testing.T) {
	conn := &fakeConnector{
		batches: []provider.RawBatch{
			batchOf(rawRows(5, 0, "b1"), "export-1"),
			batchOf(rawRows(5, 0, "b2"), "export-2"),
			batchOf(rawRows(5, 0, "b3"), "export-3"),
		},
		gate: make(chan struct{}),
	}
	f := newFixture(t, conn)

	created := trigger(t, f)
	var once sync.Once
	f.stores.mu.Lock()
	f.stores.afterInsert = func() {
		once.Do(func() {
			_, err := f.coordinator.Cancel(context.Background(), created.ID)
			require.NoError(t, err)
		})
	}
	f.stores.mu.Unlock()
	close(conn.gate)

	run := waitTerminal(t, f, created.ID)
	assert.Equal(t, storage.RunCancelled, run.Status)
	assert.Equal(t, 15, run.RecordsExtracted)
	assert.Equal(t, 5, run.RecordsLoaded, "only the first batch loads before cancellation is observed")
	assert.Equal(t, 5, f.stores.canonicalCount())
	assert.NotNil(t, run.CompletedAt)
}

func TestCancelTerminalRunIsInvalidState(t *testing.T) {
	conn := &fakeConnector{batches: []provider.RawBatch{batchOf(rawRows(1, 0, "r"), "export")}}
	f := newFixture(t, conn)

	run := waitTerminal(t, f, trigger(t, f).ID)
	require.Equal(t, storage.RunCompleted, run.Status)

	_, err := f.coordinator.Cancel(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, perrors.IsInvalidState(err))
}

func TestRetryOnlyFromFailedOrCancelled(t *testing.T) {
	conn := &fakeConnector{err: perrors.NewAuthError("expired", nil)}
	f := newFixture(t, conn)

	failed := waitTerminal(t, f, trigger(t, f).ID)
	require.Equal(t, storage.RunFailed, failed.Status)

	// Retrying the failed run creates a fresh run over the same window.
	f.conn.mu.Lock()
	f.conn.err = nil
	f.conn.batches = []provider.RawBatch{batchOf(rawRows(2, 0, "r"), "export")}
	f.conn.mu.Unlock()

	retry, err := f.coordinator.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retry.ID)
	assert.Equal(t, storage.RunTypeRetry, retry.RunType)
	assert.Equal(t, failed.DateRangeStart, retry.DateRangeStart)
	assert.Equal(t, failed.DateRangeEnd, retry.DateRangeEnd)

	done := waitTerminal(t, f, retry.ID)
	assert.Equal(t, storage.RunCompleted, done.Status)
	assert.Equal(t, storage.RunPending, retry.Status, "Retry hands back a pending snapshot")

	// The original run is untouched and a completed run cannot be retried.
	orig, err := f.coordinator.GetStatus(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, orig.Status)

	_, err = f.coordinator.Retry(context.Background(), done.ID)
	require.Error(t, err)
	assert.True(t, perrors.IsInvalidState(err))
}

func TestOverlappingRerunIsIdempotent(t *testing.T) {
	rows := rawRows(6, 0, "same")
	conn := &fakeConnector{batches: []provider.RawBatch{batchOf(rows, "export")}}
	f := newFixture(t, conn)

	first := waitTerminal(t, f, trigger(t, f).ID)
	require.Equal(t, storage.RunCompleted, first.Status)
	require.Equal(t, 6, f.stores.canonicalCount())

	second := waitTerminal(t, f, trigger(t, f).ID)
	assert.Equal(t, storage.RunCompleted, second.Status)
	assert.Equal(t, 6, second.RecordsExtracted)
	assert.Equal(t, 0, second.RecordsLoaded, "identical natural keys are skipped")
	assert.Equal(t, 6, f.stores.canonicalCount(), "no duplicate canonical rows")
}

func TestTriggerValidatesWindow(t *testing.T) {
	conn := &fakeConnector{}
	f := newFixture(t, conn)
	ctx := context.Background()

	start, _ := window()
	bad := start.Add(-time.Hour)
	_, err := f.coordinator.Trigger(ctx, pipeline.TriggerRequest{
		ProviderID: &f.provider.ID,
		StartDate:  &start,
		EndDate:    &bad,
	})
	require.Error(t, err)
	assert.True(t, perrors.IsInvalidRange(err))

	huge := start.AddDate(1, 0, 0)
	_, err = f.coordinator.Trigger(ctx, pipeline.TriggerRequest{
		ProviderID: &f.provider.ID,
		StartDate:  &start,
		EndDate:    &huge,
	})
	require.Error(t, err)
	assert.True(t, perrors.IsInvalidRange(err))

	_, err = f.coordinator.Trigger(ctx, pipeline.TriggerRequest{
		ProviderID: &f.provider.ID,
		StartDate:  &start,
	})
	require.Error(t, err)
	assert.True(t, perrors.IsInvalidRange(err))
}

func TestTriggerUnknownProvider(t *testing.T) {
	f := newFixture(t, &fakeConnector{})
	unknown := uuid.New()
	start, end := window()
	_, err := f.coordinator.Trigger(context.Background(), pipeline.TriggerRequest{
		ProviderID: &unknown,
		StartDate:  &start,
		EndDate:    &end,
	})
	require.Error(t, err)
	assert.True(t, perrors.IsNotFound(err))
}

func TestTriggerAllActiveProviders(t *testing.T) {
	conn := &fakeConnector{batches: []provider.RawBatch{batchOf(rawRows(1, 0, "r"), "export")}}
	f := newFixture(t, conn)

	second := &storage.Provider{ID: uuid.New(), Name: "gcp-test", ProviderType: "fake", IsActive: true}
	inactive := &storage.Provider{ID: uuid.New(), Name: "off", ProviderType: "fake", IsActive: false}
	f.stores.mu.Lock()
	f.stores.providers[second.ID] = second
	f.stores.providers[inactive.ID] = inactive
	f.stores.mu.Unlock()

	start, end := window()
	runs, err := f.coordinator.Trigger(context.Background(), pipeline.TriggerRequest{
		StartDate: &start,
		EndDate:   &end,
	})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	for _, run := range runs {
		done := waitTerminal(t, f, run.ID)
		assert.Equal(t, storage.RunCompleted, done.Status)
	}
}

func TestEmptyWindowCompletesWithZeroRecords(t *testing.T) {
	f := newFixture(t, &fakeConnector{})

	run := waitTerminal(t, f, trigger(t, f).ID)
	assert.Equal(t, storage.RunCompleted, run.Status)
	assert.Equal(t, 0, run.RecordsExtracted)
	assert.Equal(t, 0, run.RecordsLoaded)
}
