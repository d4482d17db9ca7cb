// Package errors provides the engine's error taxonomy.
package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	// ErrCircuitOpen is returned when materialization is short-circuited to a placeholder
	ErrCircuitOpen = goerrors.New("materialization circuit open")
	// ErrMissingHostFunc is fatal: the host did not supply a required function
	ErrMissingHostFunc = goerrors.New("required host function missing")
	// ErrUnknownSection is returned for a jump to a key that is not indexed
	ErrUnknownSection = goerrors.New("unknown section")
	// ErrShutdown is returned by operations on a coordinator that has been shut down
	ErrShutdown = goerrors.New("engine shut down")
	// ErrNoCollection is returned when navigation is attempted before a collection is set
	ErrNoCollection = goerrors.New("no collection set")
)

// Phase names the materialization phase an error occurred in
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseFinalize Phase = "finalize"
)

// TimeoutError represents a materialization phase that exceeded its deadline
type TimeoutError struct {
	ItemID  string        `json:"item_id"`
	Phase   Phase         `json:"phase"`
	Timeout time.Duration `json:"timeout"`
	Elapsed time.Duration `json:"elapsed"`
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("materialization timeout for item %s during %s (timeout: %v, elapsed: %v)",
		e.ItemID, e.Phase, e.Timeout, e.Elapsed)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// FailureError represents a host function returning an error (or panicking)
type FailureError struct {
	ItemID string `json:"item_id"`
	Phase  Phase  `json:"phase"`
	Cause  error  `json:"cause,omitempty"`
}

func (e *FailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("materialization failed for item %s during %s: %v", e.ItemID, e.Phase, e.Cause)
	}
	return fmt.Sprintf("materialization failed for item %s during %s", e.ItemID, e.Phase)
}

func (e *FailureError) Unwrap() error {
	return e.Cause
}

// PoolExhaustionError reports an acquire beyond the configured growth policy.
// It is logged, never returned as fatal.
type PoolExhaustionError struct {
	Shape string `json:"shape"`
	Live  int    `json:"live"`
	Limit int    `json:"limit"`
}

func (e *PoolExhaustionError) Error() string {
	return fmt.Sprintf("pool exhausted for shape %s (live: %d, limit: %d), allocating directly",
		e.Shape, e.Live, e.Limit)
}

// IndexRebuildError reports an item whose grouping could not be derived
type IndexRebuildError struct {
	ItemID string `json:"item_id"`
	Cause  error  `json:"cause,omitempty"`
}

func (e *IndexRebuildError) Error() string {
	return fmt.Sprintf("group key failed for item %s, placed in ungrouped section: %v", e.ItemID, e.Cause)
}

func (e *IndexRebuildError) Unwrap() error {
	return e.Cause
}

// ResourceSamplingError reports a failed memory sample; the monitor fails open
type ResourceSamplingError struct {
	Cause error `json:"cause,omitempty"`
}

func (e *ResourceSamplingError) Error() string {
	return fmt.Sprintf("resource sampling failed, assuming normal pressure: %v", e.Cause)
}

func (e *ResourceSamplingError) Unwrap() error {
	return e.Cause
}

// Error constructors

// NewTimeoutError creates a new materialization timeout error
func NewTimeoutError(itemID string, phase Phase, timeout, elapsed time.Duration) *TimeoutError {
	return &TimeoutError{ItemID: itemID, Phase: phase, Timeout: timeout, Elapsed: elapsed}
}

// NewFailureError creates a new materialization failure error
func NewFailureError(itemID string, phase Phase, cause error) *FailureError {
	return &FailureError{ItemID: itemID, Phase: phase, Cause: cause}
}

// NewPoolExhaustionError creates a new pool exhaustion error
func NewPoolExhaustionError(shape string, live, limit int) *PoolExhaustionError {
	return &PoolExhaustionError{Shape: shape, Live: live, Limit: limit}
}

// NewIndexRebuildError creates a new index rebuild error
func NewIndexRebuildError(itemID string, cause error) *IndexRebuildError {
	return &IndexRebuildError{ItemID: itemID, Cause: cause}
}

// NewResourceSamplingError creates a new resource sampling error
func NewResourceSamplingError(cause error) *ResourceSamplingError {
	return &ResourceSamplingError{Cause: cause}
}

// Error classification functions

// IsTimeoutError checks if the error is a materialization timeout
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	return goerrors.As(err, &te)
}

// IsFailureError checks if the error is a host failure
func IsFailureError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FailureError
	return goerrors.As(err, &fe)
}

// IsMaterializationError reports whether err is any per-item materialization error.
// These are isolated to their item and yield a placeholder.
func IsMaterializationError(err error) bool {
	return IsTimeoutError(err) || IsFailureError(err) || goerrors.Is(err, ErrCircuitOpen)
}

// IsFatal reports whether err must be surfaced to the caller rather than degraded around
func IsFatal(err error) bool {
	return goerrors.Is(err, ErrMissingHostFunc) || goerrors.Is(err, ErrShutdown)
}
