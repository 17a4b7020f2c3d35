package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process CallStore.
type MemoryStore struct {
	mu     sync.Mutex
	calls  map[string]CallRecord
	turns  map[string][]TurnRecord
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]CallRecord),
		turns: make(map[string][]TurnRecord),
	}
}

func (s *MemoryStore) InsertCall(_ context.Context, rec CallRecord) (string, error) {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("memory store is closed")
	}
	if _, ok := s.calls[rec.ID]; ok {
		return "", fmt.Errorf("call %s already exists", rec.ID)
	}
	s.calls[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) UpdateCall(_ context.Context, id string, upd CallUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	rec, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if upd.EndedAt != nil {
		t := *upd.EndedAt
		rec.EndedAt = &t
	}
	if upd.UserID != nil {
		u := *upd.UserID
		rec.UserID = &u
	}
	s.calls[id] = rec
	return nil
}

func (s *MemoryStore) InsertTurn(_ context.Context, turn TurnRecord) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	s.turns[turn.CallID] = append(s.turns[turn.CallID], turn)
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return CallRecord{}, fmt.Errorf("memory store is closed")
	}
	rec, ok := s.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListTurns(_ context.Context, callID string) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	turns := s.turns[callID]
	out := make([]TurnRecord, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
