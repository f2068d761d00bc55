// Package api defines the request and response types of the sync HTTP
// surface.
package api

import "time"

// TriggerSyncRequest starts ingestion runs. Either both dates or
// days_back; omitting provider_id triggers every active provider.
type TriggerSyncRequest struct {
	ProviderID *string    `json:"provider_id,omitempty"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	DaysBack   int        `json:"days_back,omitempty"`
}

// RunResponse is the API view of one pipeline run.
type RunResponse struct {
	ID           string `json:"id"`
	ProviderID   string `json:"provider_id"`
	PipelineName string `json:"pipeline_name"`
	RunType      string `json:"run_type"`
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage,omitempty"`

	RecordsExtracted   int `json:"records_extracted"`
	RecordsTransformed int `json:"records_transformed"`
	RecordsLoaded      int `json:"records_loaded"`
	RecordsFailed      int `json:"records_failed"`

	DateRangeStart time.Time  `json:"date_range_start"`
	DateRangeEnd   time.Time  `json:"date_range_end"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	DurationSeconds int      `json:"duration_seconds,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	FailedRecords   []string `json:"failed_records,omitempty"`
}

// TriggerSyncResponse lists the runs a trigger created.
type TriggerSyncResponse struct {
	Runs []RunResponse `json:"runs"`
}

// ListRunsResponse is a paginated run listing.
type ListRunsResponse struct {
	Runs   []RunResponse `json:"runs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ProviderResponse is the API view of a configured provider.
type ProviderResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	ProviderType   string     `json:"provider_type"`
	DisplayName    string     `json:"display_name,omitempty"`
	IsActive       bool       `json:"is_active"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty"`
	LastSyncError  string     `json:"last_sync_error,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
