// Package protocol defines the JSON documents exchanged through the shared
// session row: the PC's state snapshot and the controller's commands.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scenesync/geometry"
)

const (
	ActionItemClick    = "item_click"
	ActionControlOne   = "control_one"
	ActionControlMulti = "control_multi"
	ActionDeleteMulti  = "delete_multi"
)

const (
	DirectionLeft  = "LEFT"
	DirectionRight = "RIGHT"
	DirectionUp    = "UP"
	DirectionDown  = "DOWN"
)

const (
	TransformRotate = "rotate"
	TransformScale  = "scale"
	TransformFlip   = "flip"
)

// StampLayout is the timestamp format of commands and snapshots.
const StampLayout = time.RFC3339Nano

var (
	ErrUnknownAction    = errors.New("unknown command action")
	ErrMalformedCommand = errors.New("malformed command")
)

type (
	Snapshot struct {
		ID          string           `json:"id"`
		Scene       string           `json:"scene"`
		SelectedIDs []string         `json:"selected_ids"`
		DecoList    []DecorationView `json:"deco_list"`
		Timestamp   string           `json:"timestamp"`
	}

	DecorationView struct {
		ID string `json:"id"`
		geometry.Normalized
		Width    float64 `json:"width"`
		Height   float64 `json:"height"`
		Rotation float64 `json:"rotation"`
		ScaleX   float64 `json:"scaleX"`
	}

	envelope struct {
		Action    string          `json:"action"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}

	// Command is a decoded controller instruction. Action holds exactly one of
	// SelectItem, MoveOne, BatchTransform or BatchDelete.
	Command struct {
		Action    Action
		Timestamp time.Time
		Stamp     string
	}

	Action interface {
		Tag() string
	}

	SelectItem struct {
		ID string `json:"id"`
	}

	MoveOne struct {
		ID string `json:"id"`
		geometry.Normalized
	}

	BatchTransform struct {
		IDs       []string `json:"ids"`
		Transform string   `json:"action,omitempty"`
		Direction string   `json:"direction,omitempty"`
	}

	BatchDelete struct {
		IDs []string `json:"ids"`
	}
)

func (SelectItem) Tag() string     { return ActionItemClick }
func (MoveOne) Tag() string        { return ActionControlOne }
func (BatchTransform) Tag() string { return ActionControlMulti }
func (BatchDelete) Tag() string    { return ActionDeleteMulti }

// Find returns the view of id.
func (s *Snapshot) Find(id string) (DecorationView, bool) {
	for _, d := range s.DecoList {
		if d.ID == id {
			return d, true
		}
	}
	return DecorationView{}, false
}

// NewCommand encodes action into a command envelope stamped with now.
func NewCommand(action Action, now time.Time) (json.RawMessage, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", action.Tag(), err)
	}
	return json.Marshal(envelope{
		Action:    action.Tag(),
		Data:      data,
		Timestamp: FormatStamp(now),
	})
}

// DecodeCommand parses a command envelope into its typed variant.
func DecodeCommand(raw json.RawMessage) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	ts, err := ParseStamp(env.Timestamp)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	var action Action
	switch env.Action {
	case ActionItemClick:
		var a SelectItem
		err = decodeData(env.Data, &a)
		action = a
	case ActionControlOne:
		var a MoveOne
		err = decodeData(env.Data, &a)
		action = a
	case ActionControlMulti:
		var a BatchTransform
		err = decodeData(env.Data, &a)
		if err == nil && a.Transform == "" {
			a.Transform = TransformFlip
		}
		action = a
	case ActionDeleteMulti:
		var a BatchDelete
		err = decodeData(env.Data, &a)
		action = a
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, env.Action, err)
	}

	return Command{Action: action, Timestamp: ts, Stamp: env.Timestamp}, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func FormatStamp(t time.Time) string {
	return t.UTC().Format(StampLayout)
}

func ParseStamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	return time.Parse(StampLayout, s)
}

// DecodeSnapshot parses the state column of a row.
func DecodeSnapshot(raw json.RawMessage) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
