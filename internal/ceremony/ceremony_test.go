package ceremony

import (
	"context"
	"strings"
	"testing"
	"time"
)

type bufWriter struct {
	strings.Builder
}

func TestLoadScript(t *testing.T) {
	s, err := LoadScript()
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if len(s.Dial) == 0 || len(s.LineBusy) == 0 {
		t.Fatal("expected non-empty dial and line_busy sections")
	}
}

func TestRunWritesNodeAssignmentLine(t *testing.T) {
	s, err := LoadScript()
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	var w bufWriter
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Run(ctx, &w, s, 100000, 3, 8, true, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(w.String(), "Connected to Node 3 of 8.") {
		t.Fatalf("expected node assignment line in output, got: %s", w.String())
	}
}

func TestRunAbortsOnSkipWhenSkippable(t *testing.T) {
	s := &Script{Dial: []string{strings.Repeat("x", 500)}}
	var w bufWriter
	skip := make(chan struct{}, 1)
	skip <- struct{}{}

	start := time.Now()
	if err := Run(context.Background(), &w, s, 1, 1, 1, true, skip); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("expected skip to abort the pacing delay quickly")
	}
}

func TestRunLineBusy(t *testing.T) {
	s, err := LoadScript()
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	var w bufWriter
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := RunLineBusy(ctx, &w, s); err != nil {
		t.Fatalf("RunLineBusy: %v", err)
	}
	if !strings.Contains(w.String(), "ALL LINES BUSY") {
		t.Fatalf("expected line-busy notice, got: %s", w.String())
	}
}
