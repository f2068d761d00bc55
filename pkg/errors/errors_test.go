package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesMatchCodes(t *testing.T) {
	assert.True(t, IsAuth(NewAuthError("bad key", nil)))
	assert.True(t, IsNotFound(NewNotFoundError("no export")))
	assert.True(t, IsTransient(NewTransientError("throttled", nil)))
	assert.True(t, IsMapping(NewMappingError("row-1", stderrors.New("bad cost"))))
	assert.True(t, IsStorage(NewStorageError("insert failed", nil)))
	assert.True(t, IsInvalidState(NewInvalidStateError("already terminal")))
	assert.True(t, IsInvalidRange(NewInvalidRangeError("end before start")))

	assert.False(t, IsAuth(NewTransientError("throttled", nil)))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(stderrors.New("plain")))
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("extract stage: %w", NewTransientError("rate limited", nil))
	assert.True(t, IsTransient(err))
	assert.False(t, IsAuth(err))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewStorageError("clickhouse insert failed", cause)
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "STORAGE_ERROR")
}

func TestMappingErrorCarriesRecordRef(t *testing.T) {
	err := NewMappingError("batch-7#12", stderrors.New("negative cost"))
	assert.Contains(t, err.Error(), "batch-7#12")
	assert.True(t, err.Recoverable)
}

func TestRetryableFlags(t *testing.T) {
	assert.True(t, NewTransientError("", nil).Recoverable)
	assert.True(t, NewStorageError("", nil).Recoverable)
	assert.False(t, NewAuthError("", nil).Recoverable)
	assert.False(t, NewInvalidStateError("").Recoverable)
}

func TestWithStageAndProvider(t *testing.T) {
	err := NewTransientError("timeout", nil).WithStage("extract").WithProvider("prov-1")
	assert.Equal(t, "extract", err.Stage)
	assert.Equal(t, "prov-1", err.ProviderID)
}
