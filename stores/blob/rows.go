// Package blob implements core.RowStore on top of whole-object storage, where
// every mutation is a read-modify-write of one encoded row.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"scenesync/core"
)

// Backend loads and saves encoded rows. Load returns nil, nil when the row
// does not exist.
type Backend interface {
	Load(ctx context.Context, id string) (*core.Row, error)
	Save(ctx context.Context, row *core.Row) error
}

type rowStore struct {
	backend Backend
	// serializes read-modify-write cycles within this process
	mu sync.Mutex
}

func NewRowStore(backend Backend) core.RowStore {
	return &rowStore{backend: backend}
}

func (s *rowStore) Get(ctx context.Context, id string) (*core.Row, error) {
	row, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrRowNotFound)
	}
	return row, nil
}

func (s *rowStore) UpsertState(ctx context.Context, id string, state json.RawMessage) (*core.RowChange, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	row, kind := core.ApplyUpsertState(current, id, state, time.Now().UnixMilli())
	if err := s.backend.Save(ctx, row); err != nil {
		return nil, err
	}
	return &core.RowChange{Type: kind, New: row.Clone()}, nil
}

func (s *rowStore) SetCommand(ctx context.Context, id string, command json.RawMessage) (*core.RowChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := core.ApplySetCommand(row, command, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if err := s.backend.Save(ctx, row); err != nil {
		return nil, err
	}
	return &core.RowChange{Type: core.ChangeUpdate, New: row.Clone()}, nil
}

func (s *rowStore) ClearCommand(ctx context.Context, id, stamp string) (*core.RowChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, err := core.ApplyClearCommand(row, stamp, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if !changed {
		return nil, nil
	}
	if err := s.backend.Save(ctx, row); err != nil {
		return nil, err
	}
	return &core.RowChange{Type: core.ChangeUpdate, New: row.Clone()}, nil
}
