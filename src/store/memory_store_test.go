package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreCallLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.InsertCall(ctx, CallRecord{})
	if err != nil {
		t.Fatalf("insert call: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}
	if _, err := s.InsertCall(ctx, CallRecord{ID: id}); err == nil {
		t.Fatalf("expected duplicate id error")
	}

	for i, text := range []string{"one", "two", "three"} {
		if err := s.InsertTurn(ctx, TurnRecord{CallID: id, Role: RoleUser, InputTranscript: StringPtr(text)}); err != nil {
			t.Fatalf("insert turn %d: %v", i, err)
		}
	}
	turns, err := s.ListTurns(ctx, id)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 3 || *turns[2].InputTranscript != "three" {
		t.Fatalf("unexpected turns: %+v", turns)
	}

	ended := time.Now()
	if err := s.UpdateCall(ctx, id, CallUpdate{EndedAt: &ended}); err != nil {
		t.Fatalf("update call: %v", err)
	}
	if err := s.UpdateCall(ctx, "nope", CallUpdate{EndedAt: &ended}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_ = s.Close()
	if _, err := s.InsertCall(ctx, CallRecord{}); err == nil {
		t.Fatalf("expected closed error")
	}
}

func TestStringPtr(t *testing.T) {
	if StringPtr("") != nil {
		t.Fatalf("empty string should map to nil")
	}
	if p := StringPtr("x"); p == nil || *p != "x" {
		t.Fatalf("unexpected pointer value")
	}
}
