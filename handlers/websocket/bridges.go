package websocket

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/realtime"
)

type emitFunc func(sessionID, event string, payload any)

type bridge struct {
	members int
	sub     *realtime.Subscription
	done    chan struct{}
}

// bridges keeps one relay subscription per session with socket members and
// forwards its changes to the session's room.
type bridges struct {
	svc  Subscriber
	emit emitFunc

	mu    sync.Mutex
	rooms map[string]*bridge
}

func newBridges(svc Subscriber, emit emitFunc) *bridges {
	return &bridges{svc: svc, emit: emit, rooms: make(map[string]*bridge)}
}

func (b *bridges) join(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if br, ok := b.rooms[sessionID]; ok {
		br.members++
		return nil
	}
	sub, err := b.svc.Subscribe(context.Background(), sessionID)
	if err != nil {
		return err
	}
	br := &bridge{members: 1, sub: sub, done: make(chan struct{})}
	b.rooms[sessionID] = br
	go b.forward(sessionID, br)
	return nil
}

func (b *bridges) leave(sessionID string) {
	b.mu.Lock()
	br, ok := b.rooms[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	br.members--
	if br.members > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.rooms, sessionID)
	b.mu.Unlock()

	_ = br.sub.Close()
	<-br.done
}

func (b *bridges) forward(sessionID string, br *bridge) {
	defer close(br.done)
	log := logrus.WithField("session_id", sessionID)

	for {
		select {
		case change, ok := <-br.sub.Changes():
			if !ok {
				return
			}
			b.emitChange(sessionID, change)
		case err := <-br.sub.Errors():
			log.WithField("error", err).Warn("Session bridge lost its subscription")
			b.mu.Lock()
			if b.rooms[sessionID] == br {
				delete(b.rooms, sessionID)
			}
			b.mu.Unlock()
			_ = br.sub.Close()
			b.emit(sessionID, EventSubscriptionError, errorPayload(err))
			return
		}
	}
}

func (b *bridges) emitChange(sessionID string, change core.RowChange) {
	payload, err := rowPayload(change)
	if err != nil {
		logrus.WithFields(logrus.Fields{"session_id": sessionID, "error": err}).Error("Failed to encode row change")
		return
	}
	b.emit(sessionID, EventRowChange, payload)
}

// Counts returns the number of members per bridged session.
func (b *bridges) Counts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.rooms))
	for id, br := range b.rooms {
		out[id] = br.members
	}
	return out
}

func (b *bridges) closeAll() {
	b.mu.Lock()
	rooms := b.rooms
	b.rooms = make(map[string]*bridge)
	b.mu.Unlock()

	for _, br := range rooms {
		_ = br.sub.Close()
		<-br.done
	}
}
