package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Stable error codes surfaced on failed runs and API responses.
const (
	CodeInsufficientData       = "insufficient_data"
	CodeDataIntegrity          = "data_integrity"
	CodeAlreadyRunning         = "already_running"
	CodeOptimizationInfeasible = "optimization_infeasible"
	CodeInvalidInput           = "invalid_input"
	CodeNotFound               = "not_found"
	CodeInternal               = "internal"
)

// ErrNotFound is returned by stores and services when a record is missing.
var ErrNotFound = errors.New("not found")

// InsufficientDataError means the window is too short or sparse to fit.
type InsufficientDataError struct {
	Observations int
	Required     int
	Reason       string
}

func (e *InsufficientDataError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("insufficient data: %s", e.Reason)
	}
	return fmt.Sprintf("insufficient data: %d observations, need %d", e.Observations, e.Required)
}

// DataIntegrityError flags attribution sum mismatches and duplicate keys.
type DataIntegrityError struct {
	Key    string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	if e.Key == "" {
		return "data integrity: " + e.Reason
	}
	return fmt.Sprintf("data integrity: %s (%s)", e.Reason, e.Key)
}

// AlreadyRunningError is returned when a snapshot already has a run in flight.
type AlreadyRunningError struct {
	SnapshotKey string
	RunID       string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("run %s already running for %s", e.RunID, e.SnapshotKey)
}

// OptimizationInfeasibleError is returned for non-positive budgets or no
// channel with a positive response.
type OptimizationInfeasibleError struct {
	Reason string
}

func (e *OptimizationInfeasibleError) Error() string {
	return "optimization infeasible: " + e.Reason
}

// InvalidInputError wraps caller mistakes (bad status, bad dates).
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// NewInsufficientData builds an eris-wrapped InsufficientDataError.
func NewInsufficientData(obs, required int, reason string) error {
	return eris.Wrap(&InsufficientDataError{Observations: obs, Required: required, Reason: reason}, "mmm")
}

// NewDataIntegrity builds an eris-wrapped DataIntegrityError.
func NewDataIntegrity(key, format string, args ...any) error {
	return eris.Wrap(&DataIntegrityError{Key: key, Reason: fmt.Sprintf(format, args...)}, "integrity")
}

// NewInfeasible builds an eris-wrapped OptimizationInfeasibleError.
func NewInfeasible(format string, args ...any) error {
	return eris.Wrap(&OptimizationInfeasibleError{Reason: fmt.Sprintf(format, args...)}, "optimizer")
}

// NewInvalidInput builds an eris-wrapped InvalidInputError.
func NewInvalidInput(format string, args ...any) error {
	return eris.Wrap(&InvalidInputError{Reason: fmt.Sprintf(format, args...)}, "input")
}

// ErrorCode maps an error chain to its stable code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		insufficient *InsufficientDataError
		integrity    *DataIntegrityError
		running      *AlreadyRunningError
		infeasible   *OptimizationInfeasibleError
		invalid      *InvalidInputError
	)
	switch {
	case errors.As(err, &insufficient):
		return CodeInsufficientData
	case errors.As(err, &integrity):
		return CodeDataIntegrity
	case errors.As(err, &running):
		return CodeAlreadyRunning
	case errors.As(err, &infeasible):
		return CodeOptimizationInfeasible
	case errors.As(err, &invalid):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
