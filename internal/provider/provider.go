// Package provider defines the connector and mapper contracts each billing
// source implements, plus the registry the run coordinator resolves them
// from. Connectors do I/O; mappers are pure and dispatch on provider type.
package provider

import (
	"context"
	"time"

	"focus-pipeline/internal/storage"
	"focus-pipeline/pkg/focus"
)

// Window is the requested extraction period, end exclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// RawBatch is one extraction result: opaque provider records plus the
// metadata needed to stage them.
type RawBatch struct {
	Records     []map[string]any
	RecordCount int
	SourceName  string
	SourceType  string // rest_api, object_storage, sql_database, file
	Params      map[string]any
}

// Connector fetches raw billing records for a window. Implementations must
// be idempotent for a given (provider, window, params) tuple: re-invocation
// for an already-synced window is safe, exactly-once is enforced downstream
// by the dedup key. A legitimately empty window yields zero batches and nil
// error. Failures use the pkg/errors taxonomy: auth and missing-export
// errors are run-fatal, transient errors are retried with backoff.
type Connector interface {
	Extract(ctx context.Context, window Window, params map[string]any) ([]RawBatch, error)
}

// Mapper converts one raw provider record into a canonical FOCUS record.
// Pure and side-effect free; a validation failure returns a record-scoped
// mapping error, never aborts the batch.
type Mapper interface {
	Map(raw map[string]any) (*focus.Record, error)
}

// Adapter bundles the per-provider connector and mapper built from one
// provider configuration.
type Adapter struct {
	Connector Connector
	Mapper    Mapper
}

// Factory builds an adapter from a provider row. The auth/config blob is
// opaque to the pipeline core and interpreted only here.
type Factory func(p *storage.Provider) (*Adapter, error)
