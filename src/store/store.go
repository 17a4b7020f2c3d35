// Package store persists call records and their transcript turns.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// Role of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CallRecord is one row of the calls table.
type CallRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	UserID    *string
}

// CallUpdate holds the mutable call fields. Nil fields are left unchanged.
type CallUpdate struct {
	EndedAt *time.Time
	UserID  *string
}

// TurnRecord is one row of the call_sessions table. Turns are append-only.
type TurnRecord struct {
	ID              string
	CallID          string
	Role            Role
	InputTranscript *string
	AIText          *string
	AudioURL        *string
	CreatedAt       time.Time
}

// CallStore is the persistent store for calls.
type CallStore interface {
	InsertCall(ctx context.Context, rec CallRecord) (string, error)
	UpdateCall(ctx context.Context, id string, upd CallUpdate) error
	InsertTurn(ctx context.Context, turn TurnRecord) error
	GetCall(ctx context.Context, id string) (CallRecord, error)
	ListTurns(ctx context.Context, callID string) ([]TurnRecord, error)
	Close() error
}

func validateTurn(turn TurnRecord) error {
	if strings.TrimSpace(turn.CallID) == "" {
		return fmt.Errorf("turn call_id is required")
	}
	switch turn.Role {
	case RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("invalid turn role %q", turn.Role)
	}
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
