package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

func TestTimeoutAllowsFastGenerator(t *testing.T) {
	td := NewTimeoutDecorator(&FlakyGenerator{}, TimeoutConfig{Timeout: time.Second})

	text, err := td.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "Step 1: p" {
		t.Errorf("Unexpected text %q", text)
	}

	snap := td.Metrics().Snapshot()
	if snap.TotalRequests != 1 || snap.SuccessfulRequests != 1 {
		t.Errorf("Unexpected metrics %+v", &snap)
	}
}

func TestTimeoutStopsSlowGenerator(t *testing.T) {
	gen := &FlakyGenerator{delay: time.Second}
	td := NewTimeoutDecorator(gen, TimeoutConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := td.GenerateStructured(context.Background(), "p", thought.Schema{})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if timeoutErr.Operation != OpGenerateStructured {
		t.Errorf("Expected operation %q, got %q", OpGenerateStructured, timeoutErr.Operation)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Expected TimeoutError to match context.DeadlineExceeded")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Timeout did not fire promptly")
	}
	if snap := td.Metrics().Snapshot(); snap.TimedOutRequests != 1 {
		t.Errorf("Expected 1 timed out request, got %+v", &snap)
	}
}

func TestTimeoutPreservesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	td := NewTimeoutDecorator(&FlakyGenerator{failCount: 1, err: boom}, TimeoutConfig{Timeout: time.Second})

	_, err := td.Generate(context.Background(), "p")
	if !errors.Is(err, boom) {
		t.Fatalf("Expected original error, got %v", err)
	}
	if snap := td.Metrics().Snapshot(); snap.FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %+v", &snap)
	}
}

func TestTimeoutParentCancellationIsNotTimeout(t *testing.T) {
	td := NewTimeoutDecorator(&FlakyGenerator{delay: time.Second}, TimeoutConfig{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := td.Generate(ctx, "p")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Error("Parent cancellation must not be reported as a timeout")
	}
}

func TestTimeoutDefaultIs30Seconds(t *testing.T) {
	if DefaultTimeoutConfig().Timeout != 30*time.Second {
		t.Error("Expected 30s default timeout")
	}
	td := NewTimeoutDecorator(&FlakyGenerator{}, TimeoutConfig{})
	if td.config.Timeout != 30*time.Second {
		t.Errorf("Expected zero timeout to default to 30s, got %v", td.config.Timeout)
	}
}
