package tracing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	shutdown, err := Init(context.Background(), DefaultConfig(), "test", logger)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestTracePropagatesError(t *testing.T) {
	want := errors.New("boom")

	err := Trace(context.Background(), "test.op", func(ctx context.Context) error {
		return want
	}, SessionID("s-1"))

	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestTraceSuccess(t *testing.T) {
	called := false
	err := Trace(context.Background(), "test.op", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("fn was not called")
	}
}
