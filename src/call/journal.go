package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-call/src/outbox"
	"github.com/square-key-labs/strawgo-call/src/store"
)

// Journal persists the call row and its turns through the outbox. The call
// row is created lazily by the first task that needs it and retried by the
// next one if that failed.
type Journal struct {
	callID    string
	startedAt time.Time
	store     store.CallStore
	outbox    *outbox.Outbox

	mu      sync.Mutex
	userID  *string
	created bool
}

func NewJournal(callID string, startedAt time.Time, st store.CallStore, ob *outbox.Outbox) *Journal {
	return &Journal{
		callID:    callID,
		startedAt: startedAt,
		store:     st,
		outbox:    ob,
	}
}

// SetUser attaches the caller's identity. Empty means anonymous.
func (j *Journal) SetUser(userID string) {
	j.mu.Lock()
	j.userID = store.StringPtr(userID)
	j.mu.Unlock()
}

func (j *Journal) UserID() *string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.userID
}

// Created reports whether the call row exists.
func (j *Journal) Created() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.created
}

// Open schedules creation of the call row.
func (j *Journal) Open() {
	j.enqueue("insert call", j.ensureCall)
}

// AppendTurn schedules an append. CreatedAt is stamped now so the log keeps
// the order in which events were observed.
func (j *Journal) AppendTurn(turn store.TurnRecord) {
	turn.CallID = j.callID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	j.enqueue("insert "+string(turn.Role)+" turn", func(ctx context.Context) error {
		if err := j.ensureCall(ctx); err != nil {
			return err
		}
		return j.store.InsertTurn(ctx, turn)
	})
}

// Close schedules the ended_at update.
func (j *Journal) Close(endedAt time.Time) {
	at := endedAt.UTC()
	j.enqueue("update call ended_at", func(ctx context.Context) error {
		if err := j.ensureCall(ctx); err != nil {
			return err
		}
		return j.store.UpdateCall(ctx, j.callID, store.CallUpdate{EndedAt: &at})
	})
}

func (j *Journal) enqueue(name string, fn outbox.Task) {
	if j.store == nil || j.outbox == nil {
		return
	}
	_ = j.outbox.Enqueue(name, fn)
}

func (j *Journal) ensureCall(ctx context.Context) error {
	j.mu.Lock()
	if j.created {
		j.mu.Unlock()
		return nil
	}
	rec := store.CallRecord{ID: j.callID, StartedAt: j.startedAt.UTC(), UserID: j.userID}
	j.mu.Unlock()

	if _, err := j.store.InsertCall(ctx, rec); err != nil {
		return fmt.Errorf("create call %s: %w", j.callID, err)
	}

	j.mu.Lock()
	j.created = true
	j.mu.Unlock()
	return nil
}
