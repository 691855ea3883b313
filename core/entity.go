package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRowNotFound is returned when a command is written to a session that has no row yet.
var ErrRowNotFound = errors.New("row not found")

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

type (
	ChangeType string

	// Row is the single shared record of one editing session. State is written
	// only by the PC surface; Command only by the controller, and nulled by the
	// PC once consumed.
	Row struct {
		ID           string          `json:"id"`
		State        json.RawMessage `json:"state,omitempty"`
		Command      json.RawMessage `json:"command,omitempty"`
		CommandStamp string          `json:"-"`
		UpdatedAt    int64           `json:"updated_at"`
	}

	// RowChange carries the full new row image of a mutation.
	RowChange struct {
		Type ChangeType `json:"type"`
		New  Row        `json:"new"`
	}

	RowStore interface {
		Get(ctx context.Context, id string) (*Row, error)
		UpsertState(ctx context.Context, id string, state json.RawMessage) (*RowChange, error)
		SetCommand(ctx context.Context, id string, command json.RawMessage) (*RowChange, error)
		// ClearCommand nulls the command field. When stamp is non-empty the field
		// is only cleared while it still holds the command with that timestamp;
		// otherwise the row is left alone and a nil change is returned.
		ClearCommand(ctx context.Context, id, stamp string) (*RowChange, error)
	}

	Session struct {
		ID         string
		LastActive int64
	}

	SessionRegistry interface {
		ListSessions(ctx context.Context) ([]Session, error)
		TouchSession(ctx context.Context, sessionID string) error
	}

	// SessionStore is a RowStore that also tracks session activity.
	SessionStore interface {
		RowStore
		SessionRegistry
	}
)

// HasCommand reports whether the row carries a pending command.
func (r *Row) HasCommand() bool {
	return len(r.Command) > 0 && string(r.Command) != "null"
}

func (r Row) Clone() Row {
	out := r
	if r.State != nil {
		out.State = append(json.RawMessage(nil), r.State...)
	}
	if r.Command != nil {
		out.Command = append(json.RawMessage(nil), r.Command...)
	}
	return out
}

// CommandStamp extracts the timestamp field of an encoded command envelope.
func CommandStamp(command json.RawMessage) (string, error) {
	var envelope struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(command, &envelope); err != nil {
		return "", fmt.Errorf("decode command timestamp: %w", err)
	}
	return envelope.Timestamp, nil
}

// ApplyUpsertState writes state into row, creating the row when it is nil.
func ApplyUpsertState(row *Row, id string, state json.RawMessage, now int64) (*Row, ChangeType) {
	if row == nil {
		return &Row{ID: id, State: state, UpdatedAt: now}, ChangeInsert
	}
	row.State = state
	row.UpdatedAt = now
	return row, ChangeUpdate
}

func ApplySetCommand(row *Row, command json.RawMessage, now int64) error {
	if row == nil {
		return ErrRowNotFound
	}
	stamp, err := CommandStamp(command)
	if err != nil {
		return err
	}
	row.Command = command
	row.CommandStamp = stamp
	row.UpdatedAt = now
	return nil
}

// ApplyClearCommand reports whether the row changed.
func ApplyClearCommand(row *Row, stamp string, now int64) (bool, error) {
	if row == nil {
		return false, ErrRowNotFound
	}
	if !row.HasCommand() {
		return false, nil
	}
	if row.CommandStamp == "" {
		row.CommandStamp, _ = CommandStamp(row.Command)
	}
	if stamp != "" && row.CommandStamp != stamp {
		return false, nil
	}
	row.Command = nil
	row.CommandStamp = ""
	row.UpdatedAt = now
	return true, nil
}

func (c RowChange) Clone() RowChange {
	c.New = c.New.Clone()
	return c
}
