package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scenesync/protocol"
	"scenesync/remote"
	"scenesync/timing"
)

// DefaultPublishDelay is the settle delay of debounced publishes after moves.
const DefaultPublishDelay = 100 * time.Millisecond

// Publisher upserts the editor's snapshot into the session row.
type Publisher struct {
	session string
	client  remote.Client
	build   func() (*protocol.Snapshot, bool)

	// held across build and write so the row only ever moves forward
	mu       sync.Mutex
	debounce *timing.Debouncer
}

func newPublisher(session string, client remote.Client, delay time.Duration, build func() (*protocol.Snapshot, bool)) *Publisher {
	p := &Publisher{session: session, client: client, build: build}
	p.debounce = timing.NewDebouncer(delay, func() {
		_ = p.publish(context.Background())
	})
	return p
}

// Publish writes the current snapshot now, superseding a pending debounced
// publish. A canvas that is not laid out yet skips the write.
func (p *Publisher) Publish(ctx context.Context) error {
	p.debounce.Stop()
	return p.publish(ctx)
}

// PublishSoon schedules a publish once moves have settled.
func (p *Publisher) PublishSoon() {
	p.debounce.Trigger()
}

// Flush runs a pending debounced publish immediately.
func (p *Publisher) Flush() bool {
	return p.debounce.Flush()
}

func (p *Publisher) Pending() bool {
	return p.debounce.Pending()
}

func (p *Publisher) Stop() {
	p.debounce.Stop()
}

func (p *Publisher) publish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logrus.WithField("session_id", p.session)

	snap, ok := p.build()
	if !ok {
		log.Debug("Canvas not laid out, skipping publish")
		return nil
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := p.client.UpsertState(ctx, p.session, state); err != nil {
		log.WithError(err).Error("Failed to publish state")
		return err
	}
	log.WithFields(logrus.Fields{
		"scene":      snap.Scene,
		"selected":   len(snap.SelectedIDs),
		"deco_count": len(snap.DecoList),
	}).Debug("State published successfully")
	return nil
}
