package services

import (
	"context"
	"reflect"
	"testing"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/session"
)

func TestRelayStashAndDrain(t *testing.T) {
	ctx := context.Background()
	r := NewRelay(session.NewMemoryStore(), logger.NewNop())

	if err := r.Stash(ctx, "sess1", "iv1", []string{"response._isCompleted"}); err != nil {
		t.Fatalf("stash: %v", err)
	}
	if err := r.Stash(ctx, "sess1", "iv1", []string{"response._completedAt"}); err != nil {
		t.Fatalf("stash: %v", err)
	}

	got := r.Drain(ctx, "sess1", "iv1")
	want := []string{"response._isCompleted", "response._completedAt"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("drain = %v, want %v", got, want)
	}

	// Drained exactly once.
	if again := r.Drain(ctx, "sess1", "iv1"); again != nil {
		t.Fatalf("second drain must be empty, got %v", again)
	}
}

func TestRelayInterviewMismatch(t *testing.T) {
	ctx := context.Background()
	r := NewRelay(session.NewMemoryStore(), logger.NewNop())

	if err := r.Stash(ctx, "sess1", "iv1", []string{"response._isCompleted"}); err != nil {
		t.Fatalf("stash: %v", err)
	}

	// A drain for another interview returns nothing and leaves the buffer.
	if got := r.Drain(ctx, "sess1", "iv2"); got != nil {
		t.Fatalf("mismatched drain must be empty, got %v", got)
	}
	if got := r.Drain(ctx, "sess1", "iv1"); len(got) != 1 {
		t.Fatalf("original buffer lost, got %v", got)
	}
}

func TestRelayStashDifferentInterviewDiscardsBuffer(t *testing.T) {
	ctx := context.Background()
	r := NewRelay(session.NewMemoryStore(), logger.NewNop())

	if err := r.Stash(ctx, "sess1", "iv1", []string{"response.old"}); err != nil {
		t.Fatalf("stash: %v", err)
	}
	if err := r.Stash(ctx, "sess1", "iv2", []string{"response.new"}); err != nil {
		t.Fatalf("stash: %v", err)
	}

	if got := r.Drain(ctx, "sess1", "iv1"); got != nil {
		t.Fatalf("old interview's paths must be gone, got %v", got)
	}
	got := r.Drain(ctx, "sess1", "iv2")
	if !reflect.DeepEqual(got, []string{"response.new"}) {
		t.Fatalf("drain = %v, want [response.new]", got)
	}
}

func TestRelayEmptyInputs(t *testing.T) {
	ctx := context.Background()
	r := NewRelay(session.NewMemoryStore(), logger.NewNop())

	if err := r.Stash(ctx, "", "iv1", []string{"response.a"}); err != nil {
		t.Fatalf("stash without session key: %v", err)
	}
	if err := r.Stash(ctx, "sess1", "iv1", nil); err != nil {
		t.Fatalf("stash without paths: %v", err)
	}
	if got := r.Drain(ctx, "", "iv1"); got != nil {
		t.Fatalf("drain without session key must be empty, got %v", got)
	}
	if got := r.Drain(ctx, "sess1", "iv1"); got != nil {
		t.Fatalf("nothing stashed, got %v", got)
	}
}
