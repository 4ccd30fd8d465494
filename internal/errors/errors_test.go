package errors

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
)

type countingReporter struct {
	count atomic.Int32
}

func (r *countingReporter) ReportError(ee *EnhancedError) {
	r.count.Add(1)
	ee.MarkReported()
}

func (r *countingReporter) IsEnabled() bool { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	if ee.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Error())
	}
	if ee.Component != ComponentUnknown {
		t.Errorf("Expected component 'unknown', got '%s'", ee.Component)
	}
	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic', got '%s'", ee.Category)
	}
	if ee.IsReported() {
		t.Error("Error should not be reported without a reporter")
	}
}

func TestBuildReportsWhenReporterInstalled(t *testing.T) {
	reporter := &countingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := Newf("inference failed: %d", 3).
		Component("engine").
		Category(CategoryInference).
		Build()

	if got := reporter.count.Load(); got != 1 {
		t.Fatalf("Expected 1 report, got %d", got)
	}
	if !ee.IsReported() {
		t.Error("Expected error to be marked reported")
	}
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	SetTelemetryReporter(nil)

	inner := New(NewStd("missing")).Category(CategoryNotFound).Build()
	outer := New(fmt.Errorf("lookup: %w", inner)).Component("registry").Build()

	if outer.Category != CategoryNotFound {
		t.Errorf("Expected inherited category 'not-found', got '%s'", outer.Category)
	}
	if !IsNotFound(outer) {
		t.Error("IsNotFound should match wrapped not-found error")
	}
}

func TestSentinelMatchesThroughBuilder(t *testing.T) {
	SetTelemetryReporter(nil)

	sentinel := NewStd("model not loaded")
	ee := New(sentinel).Component("bridge").Category(CategoryState).Build()

	if !Is(ee, sentinel) {
		t.Error("Expected errors.Is to find sentinel through EnhancedError")
	}
	if IsCategory(ee, CategoryInference) {
		t.Error("IsCategory should not match a different category")
	}
}

func TestContextHelpers(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(NewStd("x")).ModelContext(4, "/tmp/model.tflite").Context("method", "forward").Build()
	ctx := ee.GetContext()

	if ctx["model_id"] != 4 {
		t.Errorf("Expected model_id 4, got %v", ctx["model_id"])
	}
	if ctx["method"] != "forward" {
		t.Errorf("Expected method 'forward', got %v", ctx["method"])
	}

	ctx["method"] = "changed"
	if ee.GetContext()["method"] != "forward" {
		t.Error("GetContext should return a copy")
	}
}

func TestUnknownPriorityFallsBackToMedium(t *testing.T) {
	ee := New(NewStd("x")).Priority("urgent").Build()
	if ee.Priority != PriorityMedium {
		t.Errorf("Expected priority 'medium', got '%s'", ee.Priority)
	}
}

func TestScrubMessageForPrivacy(t *testing.T) {
	tests := []struct {
		name  string
		input string
		leak  string
	}{
		{"unix home", "open /home/alice/models/rave.tflite: no such file", "alice"},
		{"mac home", "open /Users/bob/m.tflite failed", "bob"},
		{"windows home", `open C:\Users\carol\m.tflite failed`, "carol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scrubMessageForPrivacy(tt.input)
			if strings.Contains(got, tt.leak) {
				t.Errorf("Scrubbed message still contains %q: %s", tt.leak, got)
			}
			if !strings.Contains(got, "[USER]") {
				t.Errorf("Expected [USER] placeholder, got: %s", got)
			}
		})
	}
}

func TestGenerateErrorTitle(t *testing.T) {
	ee := New(NewStd("x")).
		Component("engine").
		Category(CategoryInference).
		Context("operation", "run_inference").
		Build()

	if got := generateErrorTitle(ee); got != "Engine Inference Error Run Inference" {
		t.Errorf("Unexpected title: %s", got)
	}
}
