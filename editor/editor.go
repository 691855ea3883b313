// Package editor is the PC surface: it owns the authoritative scene state,
// publishes snapshots of it to the session row, and applies the commands the
// controller writes there.
package editor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scenesync/geometry"
	"scenesync/protocol"
	"scenesync/remote"
	"scenesync/scene"
	"scenesync/session"
	"scenesync/timing"
)

const (
	RotateStep = 5.0
	ScaleStep  = 0.02
	// SnapTolerance is how close to a right angle a settled rotation snaps.
	SnapTolerance = 6.0
	// CenterSnap is the pixel distance within which a dragged element snaps
	// to the canvas centre.
	CenterSnap = 5.0
)

var (
	ErrUnknownDecoration = errors.New("decoration not found")
	ErrBadDirection      = errors.New("unsupported direction")
)

type (
	// Canvas reports the laid-out size of the PC drawing area.
	Canvas interface {
		Size() geometry.Size
	}

	// Renderer draws the current scene. It runs with the editor locked and
	// must not call back into the editor.
	Renderer interface {
		Render(sceneID string, decorations []scene.Decoration, selected []string)
	}

	Options struct {
		Session  string
		Client   remote.Client
		Canvas   Canvas
		Renderer Renderer
		// BaseURL is the directory the controller page is served from.
		BaseURL      string
		PublishDelay time.Duration
		Backoff      timing.Backoff
		Now          func() time.Time
	}
)

// CanvasFunc adapts a function to Canvas.
type CanvasFunc func() geometry.Size

func (f CanvasFunc) Size() geometry.Size { return f() }

// FixedCanvas is a Canvas of constant size.
type FixedCanvas geometry.Size

func (c FixedCanvas) Size() geometry.Size { return geometry.Size(c) }

type Editor struct {
	session  string
	client   remote.Client
	canvas   Canvas
	renderer Renderer
	baseURL  string
	now      func() time.Time

	// mu serializes every read and write of store, standing in for the
	// browser's single event loop
	mu    sync.Mutex
	store *scene.Store

	publisher *Publisher
	commands  *CommandChannel
}

func New(opts Options) (*Editor, error) {
	if opts.Session == "" {
		return nil, fmt.Errorf("editor: %w", session.ErrMissingSession)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("editor: remote client is required")
	}
	if opts.Canvas == nil {
		return nil, fmt.Errorf("editor: canvas is required")
	}
	if opts.PublishDelay <= 0 {
		opts.PublishDelay = DefaultPublishDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Editor{
		session:  opts.Session,
		client:   opts.Client,
		canvas:   opts.Canvas,
		renderer: opts.Renderer,
		baseURL:  opts.BaseURL,
		now:      opts.Now,
		store:    scene.NewStore(),
	}
	e.publisher = newPublisher(opts.Session, opts.Client, opts.PublishDelay, e.Snapshot)
	e.commands = newCommandChannel(e, opts.Backoff)
	return e, nil
}

func (e *Editor) Session() string { return e.session }

func (e *Editor) Publisher() *Publisher { return e.publisher }

func (e *Editor) Commands() *CommandChannel { return e.commands }

// Start subscribes to controller commands and publishes the initial state so
// the session row exists before the controller writes to it.
func (e *Editor) Start(ctx context.Context) error {
	if err := e.commands.Start(ctx); err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	logrus.WithField("session_id", e.session).Info("Editor started")
	return nil
}

// Close stops the command channel and flushes a pending publish.
func (e *Editor) Close() {
	e.commands.Stop()
	e.publisher.Flush()
	e.publisher.Stop()
}

// Snapshot projects the current scene into the wire format. It reports false
// while the canvas has no size.
func (e *Editor) Snapshot() (*protocol.Snapshot, bool) {
	canvas := e.canvas.Size()
	if !canvas.Valid() {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	decos := e.store.Decorations()
	snap := &protocol.Snapshot{
		ID:          e.session,
		Scene:       e.store.Current(),
		SelectedIDs: e.store.Selection(),
		DecoList:    make([]protocol.DecorationView, 0, len(decos)),
		Timestamp:   protocol.FormatStamp(e.now()),
	}
	if snap.SelectedIDs == nil {
		snap.SelectedIDs = []string{}
	}
	for _, d := range decos {
		n, _ := geometry.ToNormalized(d.Rect(), canvas)
		snap.DecoList = append(snap.DecoList, protocol.DecorationView{
			ID:         d.ID,
			Normalized: n,
			Width:      d.Width,
			Height:     d.Height,
			Rotation:   d.Rotation,
			ScaleX:     d.ScaleX,
		})
	}
	return snap, true
}

// View returns copies of the current scene's state.
func (e *Editor) View() (sceneID string, decorations []scene.Decoration, selected []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Current(), e.store.Decorations(), e.store.Selection()
}

// Decoration returns a copy of id in the current scene.
func (e *Editor) Decoration(id string) (scene.Decoration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.store.Find(id)
	if !ok {
		return scene.Decoration{}, false
	}
	return *d, true
}

func (e *Editor) Selection() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Selection()
}

func (e *Editor) CurrentScene() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Current()
}

// mutate runs fn with the store locked and renders the result.
func (e *Editor) mutate(fn func(s *scene.Store) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.store); err != nil {
		return err
	}
	e.renderLocked()
	return nil
}

func (e *Editor) renderLocked() {
	if e.renderer != nil {
		e.renderer.Render(e.store.Current(), e.store.Decorations(), e.store.Selection())
	}
}

// AddDecoration places src centred on the canvas and selects it. It returns
// scene.ErrSceneFull when the current scene is at capacity.
func (e *Editor) AddDecoration(ctx context.Context, src string) (scene.Decoration, error) {
	var added scene.Decoration
	err := e.mutate(func(s *scene.Store) error {
		d, err := s.Add(src, e.canvas.Size())
		if err != nil {
			return err
		}
		s.SetSelection([]string{d.ID})
		added = *d
		return nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": e.session,
			"scene":      e.CurrentScene(),
		}).WithError(err).Warn("Decoration rejected")
		return scene.Decoration{}, err
	}
	_ = e.publisher.Publish(ctx)
	return added, nil
}

// Select toggles id in the selection.
func (e *Editor) Select(ctx context.Context, id string) error {
	err := e.mutate(func(s *scene.Store) error {
		if _, ok := s.Find(id); !ok && !s.IsSelected(id) {
			return fmt.Errorf("%w: %s", ErrUnknownDecoration, id)
		}
		s.Toggle(id)
		return nil
	})
	if err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	return nil
}

func (e *Editor) SetSelection(ctx context.Context, ids []string) error {
	_ = e.mutate(func(s *scene.Store) error {
		s.SetSelection(ids)
		return nil
	})
	return e.publisher.Publish(ctx)
}

// ClearSelection handles a click on empty canvas.
func (e *Editor) ClearSelection(ctx context.Context) error {
	_ = e.mutate(func(s *scene.Store) error {
		s.ClearSelection()
		return nil
	})
	return e.publisher.Publish(ctx)
}

// Move centres id on n, clamped to the canvas. The publish is debounced.
func (e *Editor) Move(ctx context.Context, id string, n geometry.Normalized) error {
	if err := e.mutate(func(s *scene.Store) error { return e.moveLocked(s, id, n) }); err != nil {
		return err
	}
	e.publisher.PublishSoon()
	return nil
}

func (e *Editor) moveLocked(s *scene.Store, id string, n geometry.Normalized) error {
	canvas := e.canvas.Size()
	if !canvas.Valid() {
		return nil
	}
	d, ok := s.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecoration, id)
	}
	if math.IsNaN(n.U) || math.IsNaN(n.V) {
		return fmt.Errorf("%w: non-finite position", protocol.ErrMalformedCommand)
	}
	p := geometry.FromNormalized(n, canvas, d.Rect().Size())
	d.X, d.Y = p.X, p.Y
	return nil
}

// Rotate turns id by RotateStep degrees, counter-clockwise for LEFT and
// clockwise for RIGHT.
func (e *Editor) Rotate(ctx context.Context, id, direction string) error {
	return e.discrete(ctx, id, func(d *scene.Decoration) error { return rotate(d, direction) })
}

// Scale grows (UP) or shrinks id around its centre. A shrink that would take
// either side to MinSide or below is ignored.
func (e *Editor) Scale(ctx context.Context, id, direction string) error {
	return e.discrete(ctx, id, func(d *scene.Decoration) error { return scale(d, direction) })
}

func (e *Editor) Flip(ctx context.Context, id string) error {
	return e.discrete(ctx, id, flip)
}

func (e *Editor) discrete(ctx context.Context, id string, fn func(d *scene.Decoration) error) error {
	err := e.mutate(func(s *scene.Store) error {
		d, ok := s.Find(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDecoration, id)
		}
		return fn(d)
	})
	if err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	return nil
}

func rotate(d *scene.Decoration, direction string) error {
	switch direction {
	case protocol.DirectionLeft:
		d.Rotation = geometry.WrapDegrees(d.Rotation - RotateStep)
	case protocol.DirectionRight:
		d.Rotation = geometry.WrapDegrees(d.Rotation + RotateStep)
	default:
		return fmt.Errorf("%w: rotate %q", ErrBadDirection, direction)
	}
	return nil
}

func scale(d *scene.Decoration, direction string) error {
	factor := 1 - ScaleStep
	if direction == protocol.DirectionUp {
		factor = 1 + ScaleStep
	}
	w, h := d.Width*factor, d.Height*factor
	if w <= scene.MinSide || h <= scene.MinSide {
		return nil
	}
	d.X -= (w - d.Width) / 2
	d.Y -= (h - d.Height) / 2
	d.Width, d.Height = w, h
	return nil
}

func flip(d *scene.Decoration) error {
	if d.ScaleX == 0 {
		d.ScaleX = 1
	}
	d.ScaleX = -d.ScaleX
	return nil
}

// Delete removes id from the scene and the selection with a single publish.
func (e *Editor) Delete(ctx context.Context, id string) error {
	err := e.mutate(func(s *scene.Store) error {
		if removed, _ := s.Remove(id); !removed {
			return fmt.Errorf("%w: %s", ErrUnknownDecoration, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	return nil
}

// SwitchScene makes sceneID current, publishes it, and moves the command
// subscription over to a fresh channel.
func (e *Editor) SwitchScene(ctx context.Context, sceneID string) error {
	if err := e.mutate(func(s *scene.Store) error { return s.Switch(sceneID) }); err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	if err := e.commands.Resubscribe(ctx); err != nil {
		logrus.WithField("session_id", e.session).WithError(err).Error("Failed to resubscribe after scene switch")
	}
	return nil
}

// ResetScene drops every decoration of sceneID.
func (e *Editor) ResetScene(ctx context.Context, sceneID string) error {
	if err := e.mutate(func(s *scene.Store) error { return s.Reset(sceneID) }); err != nil {
		return err
	}
	return e.publisher.Publish(ctx)
}

// ApplyLocalTransform records the settled result of a freehand drag, resize or
// rotation on the canvas. Near-centre positions and near-right-angle
// rotations snap.
func (e *Editor) ApplyLocalTransform(ctx context.Context, id string, rect geometry.Rect, rotation float64) error {
	err := e.mutate(func(s *scene.Store) error {
		d, ok := s.Find(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDecoration, id)
		}
		if rect.W <= scene.MinSide || rect.H <= scene.MinSide {
			rect.W, rect.H = d.Width, d.Height
		}
		canvas := e.canvas.Size()
		if canvas.Valid() {
			c := rect.Center()
			if math.Abs(c.X-canvas.W/2) < CenterSnap {
				rect.X = canvas.W/2 - rect.W/2
			}
			if math.Abs(c.Y-canvas.H/2) < CenterSnap {
				rect.Y = canvas.H/2 - rect.H/2
			}
			p := geometry.Clamp(geometry.Point{X: rect.X, Y: rect.Y}, canvas, rect.Size())
			rect.X, rect.Y = p.X, p.Y
		}
		d.X, d.Y, d.Width, d.Height = rect.X, rect.Y, rect.W, rect.H
		d.Rotation = geometry.WrapDegrees(geometry.SnapDegrees(rotation, SnapTolerance))
		return nil
	})
	if err != nil {
		return err
	}
	_ = e.publisher.Publish(ctx)
	return nil
}

// OpenController returns the pairing URL for the QR code and publishes so a
// freshly scanned controller has state to render.
func (e *Editor) OpenController(ctx context.Context) string {
	_ = e.publisher.Publish(ctx)
	return session.ControllerURL(e.baseURL, e.session)
}
