package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No request ID set
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	// Set and retrieve
	ctx = WithRequestID(ctx, "test-req-123")
	if id := RequestID(ctx); id != "test-req-123" {
		t.Errorf("expected 'test-req-123', got %q", id)
	}
}

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		if id == "" {
			t.Fatal("expected non-empty request id")
		}
		if !strings.Contains(id, "-") {
			t.Fatalf("expected '{ts}-{n}' shape, got %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request id %s after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestLogWithRequest(t *testing.T) {
	ctx := context.Background()

	// No request ID
	attrs := LogWithRequest(ctx)
	if attrs != nil {
		t.Errorf("expected nil attrs when no request id, got %v", attrs)
	}

	// With request ID — returns [slog.Attr] which is a single element
	ctx = WithRequestID(ctx, "abc-123")
	attrs = LogWithRequest(ctx)
	if len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with request id set")
	}
}
