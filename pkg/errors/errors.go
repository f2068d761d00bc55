// Package errors provides the structured error taxonomy for the ingestion
// pipeline. Every error carries a code, a severity, and enough context
// (stage, provider, record reference) to support retry-after-fix without
// re-extracting data that already processed cleanly.
package errors

import (
	"errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error codes. Auth/NotFound/Transient belong to the connector boundary,
// Mapping is record-scoped, Storage covers both stores, InvalidState and
// InvalidRange are caller-facing precondition failures.
const (
	CodeAuth         = "AUTH_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeTransient    = "TRANSIENT"
	CodeMapping      = "MAPPING_ERROR"
	CodeStorage      = "STORAGE_ERROR"
	CodeInvalidState = "INVALID_STATE"
	CodeInvalidRange = "INVALID_RANGE"
)

// PipelineError is a structured error with pipeline context.
type PipelineError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Stage       string   `json:"stage,omitempty"`
	ProviderID  string   `json:"provider_id,omitempty"`
	RecordRef   string   `json:"record_ref,omitempty"`
	Cause       error    `json:"-"`
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
	if e.RecordRef != "" {
		msg += fmt.Sprintf(" (record: %s)", e.RecordRef)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// WithStage annotates the error with the pipeline stage it surfaced in.
func (e *PipelineError) WithStage(stage string) *PipelineError {
	e.Stage = stage
	return e
}

// WithProvider annotates the error with the owning provider.
func (e *PipelineError) WithProvider(providerID string) *PipelineError {
	e.ProviderID = providerID
	return e
}

// NewAuthError reports invalid or expired provider credentials. Run-fatal.
func NewAuthError(msg string, cause error) *PipelineError {
	return &PipelineError{Code: CodeAuth, Message: msg, Severity: SeverityFatal, Cause: cause}
}

// NewNotFoundError reports an absent export, table, or run.
func NewNotFoundError(msg string) *PipelineError {
	return &PipelineError{Code: CodeNotFound, Message: msg, Severity: SeverityError}
}

// NewTransientError reports a retryable connector failure (rate limit,
// timeout). Retried with backoff up to the configured budget, then fatal.
func NewTransientError(msg string, cause error) *PipelineError {
	return &PipelineError{Code: CodeTransient, Message: msg, Severity: SeverityWarning, Recoverable: true, Cause: cause}
}

// NewMappingError reports a record that failed FOCUS conversion. Record
// scoped: collected into the run's failed records, never aborts the run.
func NewMappingError(recordRef string, cause error) *PipelineError {
	return &PipelineError{
		Code:        CodeMapping,
		Message:     "record failed FOCUS mapping",
		Severity:    SeverityError,
		RecordRef:   recordRef,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewStorageError reports a store read/write failure.
func NewStorageError(msg string, cause error) *PipelineError {
	return &PipelineError{Code: CodeStorage, Message: msg, Severity: SeverityError, Recoverable: true, Cause: cause}
}

// NewInvalidStateError reports an illegal run-state transition requested by
// a caller, e.g. cancelling a completed run.
func NewInvalidStateError(msg string) *PipelineError {
	return &PipelineError{Code: CodeInvalidState, Message: msg, Severity: SeverityError}
}

// NewInvalidRangeError reports bad trigger parameters.
func NewInvalidRangeError(msg string) *PipelineError {
	return &PipelineError{Code: CodeInvalidRange, Message: msg, Severity: SeverityError}
}

func hasCode(err error, code string) bool {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return hasCode(err, CodeAuth) }

// IsNotFound reports whether err is a missing export/table/run.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsTransient reports whether err is retryable with backoff.
func IsTransient(err error) bool { return hasCode(err, CodeTransient) }

// IsMapping reports whether err is a record-scoped mapping failure.
func IsMapping(err error) bool { return hasCode(err, CodeMapping) }

// IsStorage reports whether err is a store failure.
func IsStorage(err error) bool { return hasCode(err, CodeStorage) }

// IsInvalidState reports whether err is an illegal state transition.
func IsInvalidState(err error) bool { return hasCode(err, CodeInvalidState) }

// IsInvalidRange reports whether err is a bad trigger window.
func IsInvalidRange(err error) bool { return hasCode(err, CodeInvalidRange) }
