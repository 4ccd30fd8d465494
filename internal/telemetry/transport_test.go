package telemetry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// recordingTransport keeps events in memory instead of sending them.
type recordingTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *recordingTransport) Configure(sentry.ClientOptions) {} //nolint:gocritic // sentry.Transport signature

func (t *recordingTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	t.events = append(t.events, event)
	t.mu.Unlock()
}

func (t *recordingTransport) Flush(time.Duration) bool { return true }

func (t *recordingTransport) FlushWithContext(context.Context) bool { return true }

func (t *recordingTransport) Close() {}

func (t *recordingTransport) captured() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events)
}
