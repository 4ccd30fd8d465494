// Package testutil provides shared test utilities for the nnbridge packages.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second

	// PollInterval is how often WaitFor re-checks its condition.
	PollInterval = 2 * time.Millisecond
)

// WaitForChannel waits for a signal on the channel or fails after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// WaitFor polls cond until it returns true or fails after timeout.
func WaitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, PollInterval, msg)
}

// Done runs fn in a goroutine and returns a channel closed when it returns.
func Done(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}
