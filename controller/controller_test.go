package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenesync/core"
	"scenesync/geometry"
	"scenesync/protocol"
	"scenesync/remote"
	"scenesync/session"
	"scenesync/timing"
)

const testSession = "session-1"

type fakeSub struct {
	changes chan core.RowChange
	errs    chan error
}

func newFakeSub() *fakeSub {
	return &fakeSub{changes: make(chan core.RowChange, 8), errs: make(chan error, 1)}
}

func (s *fakeSub) Changes() <-chan core.RowChange { return s.changes }
func (s *fakeSub) Errors() <-chan error           { return s.errs }
func (s *fakeSub) Close() error                   { return nil }

type fakeClient struct {
	mu       sync.Mutex
	commands []json.RawMessage
	subs     []*fakeSub
	sendErr  error
}

func (c *fakeClient) UpsertState(context.Context, string, json.RawMessage) error { return nil }
func (c *fakeClient) ClearCommand(context.Context, string, string) error         { return nil }

func (c *fakeClient) SetCommand(_ context.Context, _ string, command json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.commands = append(c.commands, command)
	return nil
}

func (c *fakeClient) Subscribe(context.Context, string) (remote.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := newFakeSub()
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeClient) sent(t *testing.T) []protocol.Command {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Command, 0, len(c.commands))
	for _, raw := range c.commands {
		cmd, err := protocol.DecodeCommand(raw)
		require.NoError(t, err)
		out = append(out, cmd)
	}
	return out
}

func (c *fakeClient) sub(i int) *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.subs) {
		return nil
	}
	return c.subs[i]
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingRenderer struct {
	mu    sync.Mutex
	views []View
}

func (r *recordingRenderer) Render(v View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func newTestController(t *testing.T, client *fakeClient, clk *clock) *Controller {
	t.Helper()
	c, err := New(Options{
		Session: testSession,
		Client:  client,
		Now:     clk.Now,
		Backoff: timing.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func stateChange(t *testing.T, snap protocol.Snapshot) core.RowChange {
	t.Helper()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	return core.RowChange{Type: core.ChangeUpdate, New: core.Row{ID: testSession, State: raw}}
}

func twoItems(selected ...string) protocol.Snapshot {
	return protocol.Snapshot{
		ID:          testSession,
		Scene:       "2",
		SelectedIDs: selected,
		DecoList: []protocol.DecorationView{
			{ID: "deco-01hzyabcdef", Normalized: geometry.Normalized{U: 0.25, V: 0.75}},
			{ID: "deco-01hzyxyz", Normalized: geometry.Normalized{U: 0.5, V: 0.5}},
		},
	}
}

func TestNew_MissingSession(t *testing.T) {
	_, err := New(Options{Client: &fakeClient{}})
	assert.ErrorIs(t, err, session.ErrMissingSession)
}

func TestBuildView_SingleSelection(t *testing.T) {
	snap := twoItems("deco-01hzyabcdef")
	v := buildView(&snap)

	assert.True(t, v.Loaded)
	assert.Equal(t, StatusConnected, v.Status)
	assert.Equal(t, "SCENE 2", v.Scene)
	assert.True(t, v.ControlsEnabled)
	assert.Empty(t, v.Placeholder)
	require.Len(t, v.Items, 2)
	assert.Equal(t, Item{ID: "deco-01hzyabcdef", Label: "ID: deco-01h...", Selected: true}, v.Items[0])
	assert.False(t, v.Items[1].Selected)
	assert.InDelta(t, 75, v.JoystickLeft, 1e-9)
	assert.InDelta(t, 25, v.JoystickTop, 1e-9)
}

func TestBuildView_MultiOrNoSelectionCentresJoystick(t *testing.T) {
	snap := twoItems("deco-01hzyabcdef", "deco-01hzyxyz")
	v := buildView(&snap)
	assert.Equal(t, 50.0, v.JoystickLeft)
	assert.Equal(t, 50.0, v.JoystickTop)

	snap = twoItems()
	v = buildView(&snap)
	assert.False(t, v.ControlsEnabled)
	assert.Equal(t, 50.0, v.JoystickLeft)
}

func TestBuildView_Empty(t *testing.T) {
	v := buildView(&protocol.Snapshot{})
	assert.Equal(t, "SCENE ?", v.Scene)
	assert.Equal(t, Placeholder, v.Placeholder)
	assert.Empty(t, v.Items)
	assert.False(t, v.ControlsEnabled)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "ID: abc...", Label("abc"))
	assert.Equal(t, "ID: 12345678...", Label("123456789"))
}

func TestApply_IgnoresRowsWithoutState(t *testing.T) {
	clk := &clock{now: time.Now()}
	c := newTestController(t, &fakeClient{}, clk)

	c.apply(core.RowChange{New: core.Row{ID: testSession, Command: json.RawMessage(`{}`)}})
	c.apply(core.RowChange{New: core.Row{ID: testSession, State: json.RawMessage(`not json`)}})
	assert.False(t, c.View().Loaded)
	assert.Equal(t, StatusConnecting, c.View().Status)
}

func TestTapItem(t *testing.T) {
	client := &fakeClient{}
	c := newTestController(t, client, &clock{now: time.Now()})

	assert.True(t, c.TapItem(context.Background(), "deco-a"))
	assert.False(t, c.TapItem(context.Background(), ""))

	sent := client.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.SelectItem{ID: "deco-a"}, sent[0].Action)
}

func TestDragJoystick_ThrottledAndSingleSelectionOnly(t *testing.T) {
	client := &fakeClient{}
	clk := &clock{now: time.Now()}
	c := newTestController(t, client, clk)
	ctx := context.Background()
	area := geometry.Size{W: 200, H: 400}

	assert.False(t, c.DragJoystick(ctx, geometry.Point{X: 10, Y: 10}, area), "nothing selected")

	snap := twoItems("deco-01hzyabcdef")
	c.apply(stateChange(t, snap))

	assert.True(t, c.DragJoystick(ctx, geometry.Point{X: 50, Y: 300}, area))
	clk.Advance(10 * time.Millisecond)
	assert.False(t, c.DragJoystick(ctx, geometry.Point{X: 60, Y: 300}, area), "inside the throttle interval")
	clk.Advance(40 * time.Millisecond)
	assert.True(t, c.DragJoystick(ctx, geometry.Point{X: 500, Y: -5}, area), "clamped to the area")

	sent := client.sent(t)
	require.Len(t, sent, 2)
	first := sent[0].Action.(protocol.MoveOne)
	assert.Equal(t, "deco-01hzyabcdef", first.ID)
	assert.InDelta(t, 0.75, first.U, 1e-9)
	assert.InDelta(t, 0.25, first.V, 1e-9)
	second := sent[1].Action.(protocol.MoveOne)
	assert.InDelta(t, 0, second.U, 1e-9)
	assert.InDelta(t, 1, second.V, 1e-9)

	v := c.View()
	assert.InDelta(t, 100, v.JoystickLeft, 1e-9)
	assert.InDelta(t, 0, v.JoystickTop, 1e-9)

	snap = twoItems("deco-01hzyabcdef", "deco-01hzyxyz")
	c.apply(stateChange(t, snap))
	clk.Advance(time.Second)
	assert.False(t, c.DragJoystick(ctx, geometry.Point{X: 10, Y: 10}, area), "multi-selection disables the joystick")
}

func TestPress(t *testing.T) {
	client := &fakeClient{}
	c := newTestController(t, client, &clock{now: time.Now()})
	ctx := context.Background()

	sent, err := c.Press(ctx, ButtonRotate, protocol.DirectionLeft)
	require.NoError(t, err)
	assert.False(t, sent, "empty selection")

	snap := twoItems("deco-01hzyabcdef", "deco-01hzyxyz")
	c.apply(stateChange(t, snap))
	ids := []string{"deco-01hzyabcdef", "deco-01hzyxyz"}

	for _, button := range []string{ButtonRotate, ButtonScale, ButtonFlip, ButtonDelete} {
		ok, err := c.Press(ctx, button, protocol.DirectionUp)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, err = c.Press(ctx, "teleport", "")
	assert.ErrorIs(t, err, ErrUnknownButton)

	cmds := client.sent(t)
	require.Len(t, cmds, 4)
	assert.Equal(t, protocol.BatchTransform{IDs: ids, Transform: protocol.TransformRotate, Direction: protocol.DirectionUp}, cmds[0].Action)
	assert.Equal(t, protocol.BatchTransform{IDs: ids, Transform: protocol.TransformScale, Direction: protocol.DirectionUp}, cmds[1].Action)
	assert.Equal(t, protocol.BatchTransform{IDs: ids, Transform: protocol.TransformFlip}, cmds[2].Action)
	assert.Equal(t, protocol.BatchDelete{IDs: ids}, cmds[3].Action)

	for i := 1; i < len(cmds); i++ {
		assert.True(t, cmds[i].Timestamp.After(cmds[i-1].Timestamp), "stamps strictly increase under a frozen clock")
	}
}

func TestSendFailureSwallowed(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("network down")}
	c := newTestController(t, client, &clock{now: time.Now()})
	assert.False(t, c.TapItem(context.Background(), "deco-a"))
}

func TestStart_RendersAndReconnects(t *testing.T) {
	client := &fakeClient{}
	renderer := &recordingRenderer{}
	c, err := New(Options{
		Session:  testSession,
		Client:   client,
		Renderer: renderer,
		Backoff:  timing.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	client.sub(0).changes <- stateChange(t, twoItems("deco-01hzyxyz"))
	assert.Eventually(t, func() bool { return c.View().Loaded }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"deco-01hzyxyz"}, c.Selection())

	client.sub(0).errs <- errors.New("socket reset")
	assert.Eventually(t, func() bool { return client.sub(1) != nil }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return c.View().Status == StatusConnected }, time.Second, time.Millisecond)

	client.sub(1).changes <- stateChange(t, twoItems())
	assert.Eventually(t, func() bool { return !c.View().ControlsEnabled }, time.Second, time.Millisecond)

	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	var sawDisconnected bool
	for _, v := range renderer.views {
		if v.Status == StatusDisconnected {
			sawDisconnected = true
		}
	}
	assert.True(t, sawDisconnected)
}
