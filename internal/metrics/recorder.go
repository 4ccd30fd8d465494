// Package metrics provides Prometheus metrics for the inference bridge.
package metrics

import (
	"sync"
)

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on concrete Prometheus types.
// Implementations must not be called from an audio callback.
type Recorder interface {
	// RecordOperation records an operation with its outcome, e.g.
	// ("inference", "success") or ("model_load", "error").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its category.
	RecordError(operation, errorType string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) RecordOperation(string, string)  {}
func (NoopRecorder) RecordDuration(string, float64)  {}
func (NoopRecorder) RecordError(string, string)      {}

// TestRecorder captures recorded metrics for verification in tests.
type TestRecorder struct {
	mu         sync.RWMutex
	operations map[string]map[string]int // operation -> status -> count
	durations  map[string][]float64      // operation -> list of durations
	errors     map[string]map[string]int // operation -> errorType -> count
}

// NewTestRecorder creates a new test recorder instance.
func NewTestRecorder() *TestRecorder {
	return &TestRecorder{
		operations: make(map[string]map[string]int),
		durations:  make(map[string][]float64),
		errors:     make(map[string]map[string]int),
	}
}

// RecordOperation implements Recorder.
func (r *TestRecorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.operations[operation] == nil {
		r.operations[operation] = make(map[string]int)
	}
	r.operations[operation][status]++
}

// RecordDuration implements Recorder.
func (r *TestRecorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] = append(r.durations[operation], seconds)
}

// RecordError implements Recorder.
func (r *TestRecorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errors[operation] == nil {
		r.errors[operation] = make(map[string]int)
	}
	r.errors[operation][errorType]++
}

// OperationCount returns the count of an operation with the given status.
func (r *TestRecorder) OperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[operation][status]
}

// DurationCount returns how many durations were recorded for an operation.
func (r *TestRecorder) DurationCount(operation string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.durations[operation])
}

// ErrorCount returns the count of errors of errorType for an operation.
func (r *TestRecorder) ErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errors[operation][errorType]
}
