// Package controller is the mobile surface. It renders a remote-control view
// from the snapshots the PC publishes and turns taps, joystick drags and
// button presses into commands written to the session row.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/geometry"
	"scenesync/protocol"
	"scenesync/remote"
	"scenesync/session"
	"scenesync/timing"
)

const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"

	// MovesPerSecond caps joystick move commands.
	MovesPerSecond = 30

	Placeholder = "Add decorations on the PC screen."
)

const (
	ButtonRotate = "rotate"
	ButtonScale  = "scale"
	ButtonFlip   = "flip"
	ButtonDelete = "delete"
)

var ErrUnknownButton = errors.New("unknown control button")

type (
	Item struct {
		ID       string
		Label    string
		Selected bool
	}

	// View is everything the controller page shows.
	View struct {
		// Loaded turns true with the first snapshot and hides the loading screen.
		Loaded          bool
		Status          string
		Scene           string
		Items           []Item
		Placeholder     string
		ControlsEnabled bool
		// JoystickLeft and JoystickTop are percentages of the joystick area.
		JoystickLeft float64
		JoystickTop  float64
	}

	Renderer interface {
		Render(v View)
	}

	Options struct {
		Session  string
		Client   remote.Client
		Renderer Renderer
		Backoff  timing.Backoff
		Now      func() time.Time
	}
)

type Controller struct {
	session  string
	client   remote.Client
	renderer Renderer
	backoff  timing.Backoff
	now      func() time.Time
	throttle *timing.Throttle

	mu        sync.Mutex
	view      View
	selected  []string
	lastStamp time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds a controller to its session. A missing session is fatal: the
// page asks the user to rescan the QR code.
func New(opts Options) (*Controller, error) {
	if opts.Session == "" {
		return nil, session.ErrMissingSession
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("controller: remote client is required")
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = timing.DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		session:  opts.Session,
		client:   opts.Client,
		renderer: opts.Renderer,
		backoff:  opts.Backoff,
		now:      opts.Now,
		throttle: timing.PerSecond(MovesPerSecond),
		view:     View{Status: StatusConnecting, JoystickLeft: 50, JoystickTop: 50},
	}, nil
}

func (c *Controller) Session() string { return c.session }

// View returns a copy of the current view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyView()
}

func (c *Controller) Selection() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.selected...)
}

func (c *Controller) copyView() View {
	v := c.view
	v.Items = append([]Item(nil), c.view.Items...)
	return v
}

func (c *Controller) render() {
	if c.renderer == nil {
		return
	}
	c.mu.Lock()
	v := c.copyView()
	c.mu.Unlock()
	c.renderer.Render(v)
}

// Start subscribes to the PC's state. The first subscription failure is
// returned; later ones flip the status to disconnected and reconnect with
// backoff.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("controller already started")
	}

	sub, err := c.client.Subscribe(ctx, c.session)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("subscribe to state: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, sub)
	}()
	logrus.WithField("session_id", c.session).Info("Controller started")
	return nil
}

// Stop ends the subscription and waits for the receive loop to exit.
func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, sub remote.Subscription) {
	log := logrus.WithField("session_id", c.session)

	for {
		cause := c.receive(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithError(cause).Warn("State subscription lost")
		c.setStatus(StatusDisconnected)

		var err error
		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff.Delay(attempt)):
			}
			if sub, err = c.client.Subscribe(ctx, c.session); err == nil {
				log.WithField("attempt", attempt).Info("State subscription restored")
				c.setStatus(StatusConnected)
				break
			}
			log.WithError(err).WithField("attempt", attempt).Debug("Resubscribe failed")
		}
	}
}

// receive applies snapshots until the subscription fails or ctx ends.
func (c *Controller) receive(ctx context.Context, sub remote.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-sub.Changes():
			if !ok {
				return errors.New("subscription closed")
			}
			c.apply(change)
		case err := <-sub.Errors():
			return err
		}
	}
}

func (c *Controller) setStatus(status string) {
	c.mu.Lock()
	changed := c.view.Status != status
	c.view.Status = status
	c.mu.Unlock()
	if changed {
		c.render()
	}
}

// apply rebuilds the view from the snapshot in change. Rows without state
// are ignored.
func (c *Controller) apply(change core.RowChange) {
	if len(change.New.State) == 0 || string(change.New.State) == "null" {
		return
	}
	snap, err := protocol.DecodeSnapshot(change.New.State)
	if err != nil {
		logrus.WithField("session_id", c.session).WithError(err).Warn("Ignoring undecodable snapshot")
		return
	}

	c.mu.Lock()
	c.view = buildView(snap)
	c.selected = append([]string(nil), snap.SelectedIDs...)
	c.mu.Unlock()
	c.render()
}

func buildView(snap *protocol.Snapshot) View {
	v := View{
		Loaded:          true,
		Status:          StatusConnected,
		Scene:           "SCENE ?",
		ControlsEnabled: len(snap.SelectedIDs) > 0,
		JoystickLeft:    50,
		JoystickTop:     50,
	}
	if snap.Scene != "" {
		v.Scene = "SCENE " + snap.Scene
	}

	selected := make(map[string]bool, len(snap.SelectedIDs))
	for _, id := range snap.SelectedIDs {
		selected[id] = true
	}
	for _, d := range snap.DecoList {
		v.Items = append(v.Items, Item{ID: d.ID, Label: Label(d.ID), Selected: selected[d.ID]})
	}
	if len(v.Items) == 0 {
		v.Placeholder = Placeholder
	}

	if len(snap.SelectedIDs) == 1 {
		if d, ok := snap.Find(snap.SelectedIDs[0]); ok {
			v.JoystickLeft, v.JoystickTop = geometry.JoystickPercent(d.Normalized)
		}
	}
	return v
}

// Label is the short name of a decoration in the item list.
func Label(id string) string {
	r := []rune(id)
	if len(r) > 8 {
		r = r[:8]
	}
	return "ID: " + string(r) + "..."
}

// TapItem asks the PC to toggle id. Capacity rules are resolved on the PC.
func (c *Controller) TapItem(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	return c.send(ctx, protocol.SelectItem{ID: id})
}

// DragJoystick sends the joystick position p inside area as a move of the
// single selected decoration. Drags with any other selection size, and drags
// arriving faster than MovesPerSecond, are dropped.
func (c *Controller) DragJoystick(ctx context.Context, p geometry.Point, area geometry.Size) bool {
	c.mu.Lock()
	if len(c.selected) != 1 {
		c.mu.Unlock()
		return false
	}
	id := c.selected[0]
	c.mu.Unlock()

	if !c.throttle.AllowAt(c.now()) {
		return false
	}
	n, ok := geometry.JoystickToNormalized(p, area)
	if !ok {
		return false
	}

	c.mu.Lock()
	c.view.JoystickLeft, c.view.JoystickTop = geometry.JoystickPercent(n)
	c.mu.Unlock()
	c.render()

	return c.send(ctx, protocol.MoveOne{ID: id, Normalized: n})
}

// Press sends a batch command for the whole selection. It is ignored while
// nothing is selected.
func (c *Controller) Press(ctx context.Context, button, direction string) (bool, error) {
	ids := c.Selection()

	var action protocol.Action
	switch button {
	case ButtonDelete:
		action = protocol.BatchDelete{IDs: ids}
	case ButtonFlip:
		action = protocol.BatchTransform{IDs: ids}
	case ButtonRotate, ButtonScale:
		action = protocol.BatchTransform{IDs: ids, Transform: button, Direction: direction}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownButton, button)
	}
	if len(ids) == 0 {
		return false, nil
	}
	return c.send(ctx, action), nil
}

// stamp returns a command time strictly after the previous one so rapid
// commands are not mistaken for replays.
func (c *Controller) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	if !now.After(c.lastStamp) {
		now = c.lastStamp.Add(time.Nanosecond)
	}
	c.lastStamp = now
	return now
}

func (c *Controller) send(ctx context.Context, action protocol.Action) bool {
	log := logrus.WithFields(logrus.Fields{
		"session_id": c.session,
		"action":     action.Tag(),
	})

	raw, err := protocol.NewCommand(action, c.stamp())
	if err != nil {
		log.WithError(err).Error("Failed to encode command")
		return false
	}
	if err := c.client.SetCommand(ctx, c.session, raw); err != nil {
		log.WithError(err).Error("Failed to send command")
		return false
	}
	log.Debug("Command sent successfully")
	return true
}
