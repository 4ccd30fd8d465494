// Package errors - telemetry integration (optional)
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu         sync.RWMutex
	telemetryReporter  TelemetryReporter
	hasActiveReporting atomic.Bool
)

// SetTelemetryReporter installs the reporter used by Build. Passing nil
// disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	telemetryReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

func reportToTelemetry(ee *EnhancedError) {
	reporterMu.RLock()
	reporter := telemetryReporter
	reporterMu.RUnlock()

	if reporter == nil || !reporter.IsEnabled() {
		return
	}
	reporter.ReportError(ee)
}

// SentryReporter implements TelemetryReporter for Sentry
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with model paths scrubbed
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := scrubMessageForPrivacy(fmt.Sprintf("[%s] %s", ee.Category, ee.Error()))

	sentry.WithScope(func(scope *sentry.Scope) {
		title := generateErrorTitle(ee)

		scope.SetTag("error_title", title)
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}

		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubMessageForPrivacy(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}

		level := getErrorLevel(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// generateErrorTitle builds a grouping title such as "Engine Inference Error".
func generateErrorTitle(ee *EnhancedError) string {
	var parts []string
	if ee.Component != "" && ee.Component != ComponentUnknown {
		parts = append(parts, titleCase(ee.Component))
	}
	parts = append(parts, formatCategoryForTitle(ee.Category))
	if op, ok := ee.GetContext()["operation"].(string); ok && op != "" {
		parts = append(parts, titleCase(strings.ReplaceAll(op, "_", " ")))
	}
	return strings.Join(parts, " ")
}

func formatCategoryForTitle(category ErrorCategory) string {
	switch category {
	case CategoryConfiguration:
		return "Configuration Error"
	case CategoryValidation:
		return "Validation Error"
	case CategoryNotFound:
		return "Not Found"
	case CategoryModelLoad:
		return "Model Load Error"
	case CategoryInference:
		return "Inference Error"
	case CategoryResource:
		return "Resource Error"
	case CategoryState:
		return "State Error"
	case CategoryLimit:
		return "Limit Exceeded"
	case CategoryFileIO:
		return "File I/O Error"
	case CategoryAudioDevice:
		return "Audio Device Error"
	case CategoryNetwork:
		return "Network Error"
	default:
		return "Error"
	}
}

func getErrorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryModelLoad, CategoryAudioDevice, CategoryInference:
		return sentry.LevelError
	case CategoryValidation, CategoryNotFound, CategoryLimit:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

var (
	homePathPattern = regexp.MustCompile(`/(home|Users)/[^/\s]+`)
	winPathPattern  = regexp.MustCompile(`(?i)[A-Z]:\\Users\\[^\\\s]+`)
)

// scrubMessageForPrivacy removes user names embedded in filesystem paths.
func scrubMessageForPrivacy(message string) string {
	message = homePathPattern.ReplaceAllString(message, "/$1/[USER]")
	return winPathPattern.ReplaceAllString(message, `C:\Users\[USER]`)
}
