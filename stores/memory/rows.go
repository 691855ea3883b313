package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scenesync/core"
)

type rowStore struct {
	*sessionRegistry

	mu   sync.RWMutex
	rows map[string]core.Row
}

func NewRowStore() core.SessionStore {
	return &rowStore{
		sessionRegistry: newSessionRegistry(),
		rows:            make(map[string]core.Row),
	}
}

func (s *rowStore) Get(ctx context.Context, id string) (*core.Row, error) {
	log := logrus.WithField("session_id", id)

	s.mu.RLock()
	row, ok := s.rows[id]
	s.mu.RUnlock()

	if !ok {
		log.Debug("Row with specified session not found")
		return nil, fmt.Errorf("session %s: %w", id, core.ErrRowNotFound)
	}
	out := row.Clone()
	return &out, nil
}

func (s *rowStore) UpsertState(ctx context.Context, id string, state json.RawMessage) (*core.RowChange, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current *core.Row
	if row, ok := s.rows[id]; ok {
		current = &row
	}
	row, kind := core.ApplyUpsertState(current, id, append(json.RawMessage(nil), state...), time.Now().UnixMilli())
	s.rows[id] = *row

	logrus.WithFields(logrus.Fields{
		"session_id":   id,
		"change_type":  kind,
		"state_length": len(state),
	}).Debug("State upserted successfully")

	return &core.RowChange{Type: kind, New: row.Clone()}, nil
}

func (s *rowStore) SetCommand(ctx context.Context, id string, command json.RawMessage) (*core.RowChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrRowNotFound)
	}
	if err := core.ApplySetCommand(&row, append(json.RawMessage(nil), command...), time.Now().UnixMilli()); err != nil {
		return nil, err
	}
	s.rows[id] = row

	logrus.WithFields(logrus.Fields{
		"session_id":    id,
		"command_stamp": row.CommandStamp,
	}).Debug("Command stored successfully")

	return &core.RowChange{Type: core.ChangeUpdate, New: row.Clone()}, nil
}

func (s *rowStore) ClearCommand(ctx context.Context, id, stamp string) (*core.RowChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrRowNotFound)
	}
	changed, err := core.ApplyClearCommand(&row, stamp, time.Now().UnixMilli())
	if err != nil || !changed {
		return nil, err
	}
	s.rows[id] = row
	return &core.RowChange{Type: core.ChangeUpdate, New: row.Clone()}, nil
}

type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]int64
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]int64)}
}

// NewSessionRegistry tracks session activity for stores that keep no
// registry of their own.
func NewSessionRegistry() core.SessionRegistry {
	return newSessionRegistry()
}

func (r *sessionRegistry) TouchSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	r.mu.Lock()
	r.sessions[sessionID] = time.Now().UnixMilli()
	r.mu.Unlock()

	return nil
}

func (r *sessionRegistry) ListSessions(ctx context.Context) ([]core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]core.Session, 0, len(r.sessions))
	for id, last := range r.sessions {
		sessions = append(sessions, core.Session{ID: id, LastActive: last})
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActive == sessions[j].LastActive {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].LastActive > sessions[j].LastActive
	})

	return sessions, nil
}
