// Package telemetry provides opt-in, privacy-filtered error reporting.
package telemetry

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
)

// Config controls error reporting.
type Config struct {
	Enabled     bool
	DSN         string
	Environment string
	Release     string
	Debug       bool

	// Transport overrides the Sentry HTTP transport, used by tests.
	Transport sentry.Transport
}

var (
	mu          sync.Mutex
	initialized bool
)

// Init initializes Sentry and installs the error reporter used by
// internal/errors. It does nothing unless reporting is enabled.
func Init(cfg Config, log logger.Logger) error {
	if log == nil {
		log = logger.Global().Module("telemetry")
	}
	if !cfg.Enabled {
		log.Debug("error reporting disabled (opt-in required)")
		return nil
	}
	if cfg.DSN == "" {
		return errors.Newf("telemetry enabled without a DSN").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	mu.Lock()
	defer mu.Unlock()

	environment := cfg.Environment
	if environment == "" {
		environment = "production"
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		SampleRate:       1.0,
		Debug:            cfg.Debug,
		AttachStacktrace: false,
		Environment:      environment,
		ServerName:       "",
		Release:          cfg.Release,
		Transport:        cfg.Transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("go_version", runtime.Version())
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true
	log.Info("error reporting enabled", logger.String("environment", environment))
	return nil
}

// applyPrivacyFilters drops host identifying data from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}

// Shutdown uninstalls the reporter and flushes pending events.
func Shutdown(timeout time.Duration) bool {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return true
	}
	errors.SetTelemetryReporter(nil)
	initialized = false
	return sentry.Flush(timeout)
}
