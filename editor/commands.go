package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/metrics"
	"scenesync/protocol"
	"scenesync/remote"
	"scenesync/scene"
	"scenesync/timing"
)

type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CommandChannel applies the commands the controller writes into the session
// row. Each command is applied at most once: its timestamp must be newer than
// the last applied one, and the field is cleared after it runs.
type CommandChannel struct {
	editor  *Editor
	backoff timing.Backoff

	mu       sync.Mutex
	state    State
	sub      remote.Subscription
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	onChange func(State)
	wg       sync.WaitGroup

	gateMu      sync.Mutex
	lastApplied time.Time
}

func newCommandChannel(e *Editor, backoff timing.Backoff) *CommandChannel {
	if backoff.Initial <= 0 {
		backoff = timing.DefaultBackoff
	}
	return &CommandChannel{editor: e, backoff: backoff}
}

// OnStateChange registers fn to observe subscription state transitions.
func (c *CommandChannel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *CommandChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastApplied returns the timestamp of the newest command admitted.
func (c *CommandChannel) LastApplied() time.Time {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	return c.lastApplied
}

func (c *CommandChannel) setState(s State) {
	c.mu.Lock()
	fn := c.setStateLocked(s)
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *CommandChannel) setStateLocked(s State) func(State) {
	if c.state == s {
		return nil
	}
	c.state = s
	logrus.WithFields(logrus.Fields{
		"session_id": c.editor.session,
		"state":      s.String(),
	}).Debug("Command channel state changed")
	return c.onChange
}

// Start opens the first subscription. A failure here is returned to the
// caller; later failures are retried with backoff.
func (c *CommandChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("command channel already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.setState(StateSubscribing)
	sub, err := c.editor.client.Subscribe(c.ctx, c.editor.session)
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	c.install(sub)
	return nil
}

// Resubscribe replaces the subscription with a fresh one. The new
// subscription is live before the old one is closed, so no notification
// falls between them; duplicates from the overlap are dropped by the
// timestamp gate.
func (c *CommandChannel) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	runCtx := c.ctx
	c.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return fmt.Errorf("command channel not running")
	}

	c.setState(StateSubscribing)
	sub, err := c.editor.client.Subscribe(ctx, c.editor.session)
	if err != nil {
		c.mu.Lock()
		fallback := StateError
		if c.sub != nil {
			fallback = StateSubscribed
		}
		c.mu.Unlock()
		c.setState(fallback)
		return fmt.Errorf("resubscribe to commands: %w", err)
	}
	if old := c.install(sub); old != nil {
		_ = old.Close()
	}
	return nil
}

// install makes sub current and returns the subscription it replaces.
func (c *CommandChannel) install(sub remote.Subscription) remote.Subscription {
	c.mu.Lock()
	if c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	old := c.sub
	c.sub = sub
	c.gen++
	gen := c.gen
	ctx := c.ctx
	fn := c.setStateLocked(StateSubscribed)
	c.wg.Add(1)
	c.mu.Unlock()

	if fn != nil {
		fn(StateSubscribed)
	}
	go c.consume(ctx, gen, sub)
	return old
}

func (c *CommandChannel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *CommandChannel) consume(ctx context.Context, gen uint64, sub remote.Subscription) {
	defer c.wg.Done()
	log := logrus.WithField("session_id", c.editor.session)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.Changes():
			if !ok {
				if c.current(gen) && ctx.Err() == nil {
					c.fail(ctx, gen, errors.New("subscription closed"))
				}
				return
			}
			c.handle(ctx, change)
		case err := <-sub.Errors():
			if c.current(gen) && ctx.Err() == nil {
				log.WithError(err).Warn("Command subscription failed")
				c.fail(ctx, gen, err)
			}
			return
		}
	}
}

// fail moves the channel to the error state and reconnects in the background
// unless the subscription has been replaced meanwhile.
func (c *CommandChannel) fail(ctx context.Context, gen uint64, cause error) {
	c.setState(StateError)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnect(ctx, gen, cause)
	}()
}

func (c *CommandChannel) reconnect(ctx context.Context, gen uint64, cause error) {
	log := logrus.WithField("session_id", c.editor.session)

	for attempt := 1; ; attempt++ {
		delay := c.backoff.Delay(attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"cause":   cause,
		}).Info("Reconnecting command channel")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !c.current(gen) {
			return
		}

		c.setState(StateSubscribing)
		sub, err := c.editor.client.Subscribe(ctx, c.editor.session)
		if err != nil {
			cause = err
			c.setState(StateError)
			continue
		}

		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			_ = sub.Close()
			return
		}
		if old := c.install(sub); old != nil {
			_ = old.Close()
		}
		log.WithField("attempt", attempt).Info("Command channel reconnected")
		return
	}
}

// Stop closes the subscription and waits for in-flight handling to finish.
func (c *CommandChannel) Stop() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	sub := c.sub
	c.sub = nil
	c.gen++
	fn := c.setStateLocked(StateUnsubscribed)
	c.mu.Unlock()

	if fn != nil {
		fn(StateUnsubscribed)
	}
	if sub != nil {
		_ = sub.Close()
	}
	c.wg.Wait()
}

// admit records ts as last applied if it is newer. Recording happens before
// dispatch so a redelivery arriving mid-handler is already rejected.
func (c *CommandChannel) admit(ts time.Time) bool {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	if !ts.After(c.lastApplied) {
		return false
	}
	c.lastApplied = ts
	return true
}

func (c *CommandChannel) handle(ctx context.Context, change core.RowChange) {
	row := change.New
	if !row.HasCommand() {
		return
	}
	log := logrus.WithField("session_id", c.editor.session)

	stamp, err := core.CommandStamp(row.Command)
	if err != nil {
		log.WithError(err).Warn("Dropping undecodable command")
		metrics.CommandsApplied.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	ts, err := protocol.ParseStamp(stamp)
	if err != nil {
		log.WithField("command_stamp", stamp).Warn("Dropping command with unparsable timestamp")
		metrics.CommandsApplied.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	if !c.admit(ts) {
		log.WithField("command_stamp", stamp).Debug("Skipping stale command")
		metrics.CommandsApplied.WithLabelValues("unknown", "stale").Inc()
		return
	}

	cmd, err := protocol.DecodeCommand(row.Command)
	if err != nil {
		log.WithError(err).Warn("Discarding invalid command")
		metrics.CommandsApplied.WithLabelValues("unknown", "malformed").Inc()
	} else {
		log := log.WithFields(logrus.Fields{
			"action":        cmd.Action.Tag(),
			"command_stamp": stamp,
		})
		result := "applied"
		if err := c.editor.dispatch(ctx, cmd.Action); err != nil {
			result = "rejected"
			log.WithError(err).Warn("Command not applied")
		} else {
			log.Debug("Command applied successfully")
		}
		metrics.CommandsApplied.WithLabelValues(cmd.Action.Tag(), result).Inc()
	}

	if err := c.editor.client.ClearCommand(ctx, c.editor.session, stamp); err != nil {
		log.WithError(err).Error("Failed to clear consumed command")
	}
}

// dispatch routes a decoded command to its handler.
func (e *Editor) dispatch(ctx context.Context, action protocol.Action) error {
	switch a := action.(type) {
	case protocol.SelectItem:
		return e.Select(ctx, a.ID)
	case protocol.MoveOne:
		return e.Move(ctx, a.ID, a.Normalized)
	case protocol.BatchTransform:
		return e.ApplyBatch(ctx, a)
	case protocol.BatchDelete:
		return e.DeleteBatch(ctx, a.IDs)
	}
	return fmt.Errorf("%w: %T", protocol.ErrUnknownAction, action)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ApplyBatch applies one transform to every listed decoration of the current
// scene and publishes once. Ids not in the scene are skipped.
func (e *Editor) ApplyBatch(ctx context.Context, batch protocol.BatchTransform) error {
	var fn func(d *scene.Decoration) error
	switch batch.Transform {
	case protocol.TransformRotate:
		fn = func(d *scene.Decoration) error { return rotate(d, batch.Direction) }
	case protocol.TransformScale:
		fn = func(d *scene.Decoration) error { return scale(d, batch.Direction) }
	case protocol.TransformFlip, "":
		fn = flip
	default:
		return fmt.Errorf("%w: transform %q", protocol.ErrUnknownAction, batch.Transform)
	}

	err := e.mutate(func(s *scene.Store) error {
		applied := 0
		for _, id := range uniqueIDs(batch.IDs) {
			d, ok := s.Find(id)
			if !ok {
				continue
			}
			if err := fn(d); err != nil {
				return err
			}
			applied++
		}
		if applied == 0 {
			return fmt.Errorf("%w: none of %v", ErrUnknownDecoration, batch.IDs)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	return nil
}

// DeleteBatch removes every listed decoration of the current scene and
// publishes once.
func (e *Editor) DeleteBatch(ctx context.Context, ids []string) error {
	err := e.mutate(func(s *scene.Store) error {
		removed := 0
		for _, id := range uniqueIDs(ids) {
			if ok, _ := s.Remove(id); ok {
				removed++
			}
		}
		if removed == 0 {
			return fmt.Errorf("%w: none of %v", ErrUnknownDecoration, ids)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	return nil
}
