// Package remote is how the PC editor and the controller reach the relay.
package remote

import (
	"context"
	"encoding/json"

	"scenesync/core"
	"scenesync/relay"
)

type (
	Client interface {
		UpsertState(ctx context.Context, session string, state json.RawMessage) error
		SetCommand(ctx context.Context, session string, command json.RawMessage) error
		// ClearCommand nulls the command field if it still holds stamp.
		ClearCommand(ctx context.Context, session, stamp string) error
		Subscribe(ctx context.Context, session string) (Subscription, error)
	}

	// Subscription streams the full row image after every change of one session.
	Subscription interface {
		Changes() <-chan core.RowChange
		// Errors delivers at most one transport failure. Changes is closed
		// after it.
		Errors() <-chan error
		Close() error
	}
)

// Local is a Client bound to an in-process relay.
type Local struct {
	svc *relay.Service
}

func NewLocal(svc *relay.Service) *Local {
	return &Local{svc: svc}
}

func (l *Local) UpsertState(ctx context.Context, session string, state json.RawMessage) error {
	_, err := l.svc.UpsertState(ctx, session, state)
	return err
}

func (l *Local) SetCommand(ctx context.Context, session string, command json.RawMessage) error {
	_, err := l.svc.SetCommand(ctx, session, command)
	return err
}

func (l *Local) ClearCommand(ctx context.Context, session, stamp string) error {
	_, err := l.svc.ClearCommand(ctx, session, stamp)
	return err
}

func (l *Local) Subscribe(ctx context.Context, session string) (Subscription, error) {
	sub, err := l.svc.Subscribe(ctx, session)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
