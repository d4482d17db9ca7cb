package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("item-1", PhasePrepare, 50*time.Millisecond, 80*time.Millisecond)

	assert.Contains(t, err.Error(), "item-1")
	assert.Contains(t, err.Error(), "prepare")
	assert.True(t, goerrors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsTimeoutError(fmt.Errorf("wrapped: %w", err)))
	assert.True(t, IsMaterializationError(err))
	assert.False(t, IsFatal(err))
}

func TestFailureError(t *testing.T) {
	cause := goerrors.New("boom")
	err := NewFailureError("item-2", PhaseFinalize, cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsFailureError(err))
	assert.False(t, IsTimeoutError(err))
	assert.Contains(t, err.Error(), "finalize")
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		material bool
		fatal    bool
	}{
		{"nil", nil, false, false},
		{"circuit open", ErrCircuitOpen, true, false},
		{"missing host func", fmt.Errorf("set collection: %w", ErrMissingHostFunc), false, true},
		{"shutdown", ErrShutdown, false, true},
		{"sampling", NewResourceSamplingError(goerrors.New("eperm")), false, false},
		{"exhaustion", NewPoolExhaustionError("card", 10, 10), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.material, IsMaterializationError(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestIndexRebuildErrorUnwraps(t *testing.T) {
	cause := goerrors.New("no label")
	err := NewIndexRebuildError("x", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ungrouped")
}
