package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"testing"
)

func TestKindOfMapsContextErrors(t *testing.T) {
	if kind, ok := KindOf(fmt.Errorf("read: %w", context.DeadlineExceeded)); !ok || kind != Timeout {
		t.Fatalf("deadline should map to Timeout, got %s", kind)
	}
	if kind, ok := KindOf(context.Canceled); !ok || kind != Cancelled {
		t.Fatalf("canceled should map to Cancelled, got %s", kind)
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("plain error should not have a kind")
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := Newf(IncompatibleTarget, "bbox empty")
	wrapped := Wrap(fmt.Errorf("plan: %w", inner), EngineExecutionError, StagePlanning)
	if wrapped.Kind != IncompatibleTarget {
		t.Fatalf("kind should be preserved, got %s", wrapped.Kind)
	}
	if wrapped.Stage != StagePlanning {
		t.Fatalf("stage should be filled, got %s", wrapped.Stage)
	}
	if inner.Stage != "" {
		t.Fatalf("Wrap must not mutate the original error")
	}
}

func TestTransientClassification(t *testing.T) {
	err := Wrap(fmt.Errorf("write tile: %w", syscall.EIO), EngineExecutionError, StageExecuting)
	if !IsTransient(err) {
		t.Fatalf("EIO should be transient")
	}
	if IsTransient(Wrap(io.ErrUnexpectedEOF, IncompatibleTarget, StagePlanning)) {
		t.Fatalf("planner errors are never retried")
	}
	if IsTransient(Wrap(errors.New("bad header"), EngineExecutionError, StageExecuting)) {
		t.Fatalf("non I/O failures are not transient")
	}
}

func TestTruncateBoundsSummary(t *testing.T) {
	long := strings.Repeat("é", MaxSummaryRunes+50)
	got := New(EngineExecutionError, errors.New(long)).Summary
	if n := len([]rune(got)); n != MaxSummaryRunes {
		t.Fatalf("summary should be truncated, got %d runes", n)
	}
}
