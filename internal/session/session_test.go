package session

import (
	"context"
	"reflect"
	"testing"

	"github.com/fieldtrace/fieldtrace/internal/models"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if buf, err := s.Get(ctx, "k1"); err != nil || buf != nil {
		t.Fatalf("empty get = %v, %v", buf, err)
	}

	in := &models.PendingRelayBuffer{InterviewID: "iv1", UpdatedPaths: []string{"response.a"}}
	if err := s.Set(ctx, "k1", in); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("got %+v, want %+v", out, in)
	}

	// The stored buffer must not alias the caller's slice.
	in.UpdatedPaths[0] = "mutated"
	out, _ = s.Get(ctx, "k1")
	if out.UpdatedPaths[0] != "response.a" {
		t.Fatalf("stored buffer aliased caller data: %v", out.UpdatedPaths)
	}

	if err := s.Clear(ctx, "k1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if buf, _ := s.Get(ctx, "k1"); buf != nil {
		t.Fatalf("buffer survived clear: %+v", buf)
	}
}

func TestMemoryStoreSetNilClears(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "k1", &models.PendingRelayBuffer{InterviewID: "iv1"})
	if err := s.Set(ctx, "k1", nil); err != nil {
		t.Fatalf("set nil: %v", err)
	}
	if buf, _ := s.Get(ctx, "k1"); buf != nil {
		t.Fatalf("nil set must clear, got %+v", buf)
	}
}
