// Package relay owns the shared session rows and notifies subscribers of every
// change with the full new row image.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/metrics"
	"scenesync/realtime"
)

const lockShards = 64

// ErrInvalidJSON is returned for state or command bodies that are not JSON.
var ErrInvalidJSON = errors.New("payload is not valid JSON")

// SessionInfo is a session registry entry joined with its live subscriber count.
type SessionInfo struct {
	ID          string `json:"id"`
	LastActive  int64  `json:"last_active"`
	Subscribers int    `json:"subscribers"`
}

type Service struct {
	store    core.RowStore
	hub      realtime.Hub
	registry core.SessionRegistry

	// a write and its notification happen under the session's shard lock so
	// subscribers see changes in write order
	locks [lockShards]sync.Mutex
}

func NewService(store core.RowStore, hub realtime.Hub, registry core.SessionRegistry) *Service {
	return &Service{store: store, hub: hub, registry: registry}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockShards]
}

func (s *Service) Get(ctx context.Context, id string) (*core.Row, error) {
	return s.store.Get(ctx, id)
}

// UpsertState inserts the session row or replaces its state.
func (s *Service) UpsertState(ctx context.Context, id string, state json.RawMessage) (*core.RowChange, error) {
	if !json.Valid(state) {
		return nil, fmt.Errorf("state: %w", ErrInvalidJSON)
	}
	return s.write(ctx, "state", id, func() (*core.RowChange, error) {
		return s.store.UpsertState(ctx, id, state)
	})
}

// SetCommand writes the command field of an existing row.
func (s *Service) SetCommand(ctx context.Context, id string, command json.RawMessage) (*core.RowChange, error) {
	if !json.Valid(command) {
		return nil, fmt.Errorf("command: %w", ErrInvalidJSON)
	}
	return s.write(ctx, "command", id, func() (*core.RowChange, error) {
		return s.store.SetCommand(ctx, id, command)
	})
}

// ClearCommand nulls the command field if it still holds stamp, or
// unconditionally when stamp is empty. A nil change means nothing was cleared.
func (s *Service) ClearCommand(ctx context.Context, id, stamp string) (*core.RowChange, error) {
	return s.write(ctx, "clear", id, func() (*core.RowChange, error) {
		return s.store.ClearCommand(ctx, id, stamp)
	})
}

func (s *Service) write(ctx context.Context, kind, id string, fn func() (*core.RowChange, error)) (*core.RowChange, error) {
	log := logrus.WithFields(logrus.Fields{
		"session_id": id,
		"kind":       kind,
	})

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	change, err := fn()
	if err != nil {
		outcome := "error"
		if errors.Is(err, core.ErrRowNotFound) {
			outcome = "not_found"
		}
		metrics.RowWrites.WithLabelValues(kind, outcome).Inc()
		log.WithError(err).Debug("Row write rejected")
		return nil, err
	}
	if change == nil {
		metrics.RowWrites.WithLabelValues(kind, "noop").Inc()
		return nil, nil
	}
	metrics.RowWrites.WithLabelValues(kind, "ok").Inc()

	if err := s.hub.Publish(ctx, *change); err != nil {
		log.WithError(err).Error("Failed to publish row change")
	}
	if s.registry != nil {
		if err := s.registry.TouchSession(ctx, id); err != nil {
			log.WithError(err).Warn("Failed to touch session")
		}
	}
	return change, nil
}

func (s *Service) Subscribe(ctx context.Context, id string) (*realtime.Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return s.hub.Subscribe(ctx, id)
}

// Touch records activity for a session without writing its row.
func (s *Service) Touch(ctx context.Context, id string) error {
	if s.registry == nil {
		return nil
	}
	return s.registry.TouchSession(ctx, id)
}

// Sessions lists known sessions, most subscribed first, then most recent.
func (s *Service) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if s.registry == nil {
		return []SessionInfo{}, nil
	}
	sessions, err := s.registry.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	counts := s.hub.Sessions()

	out := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, SessionInfo{
			ID:          session.ID,
			LastActive:  session.LastActive,
			Subscribers: counts[session.ID],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Subscribers != out[j].Subscribers {
			return out[i].Subscribers > out[j].Subscribers
		}
		if out[i].LastActive != out[j].LastActive {
			return out[i].LastActive > out[j].LastActive
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
