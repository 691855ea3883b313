package scene

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"scenesync/geometry"
)

const (
	MaxDecorations = 3
	MaxSelection   = 2
	MinSide        = 20.0
)

var (
	// ErrSceneFull signals that the current scene already holds MaxDecorations.
	ErrSceneFull    = errors.New("scene decoration limit reached")
	ErrUnknownScene = errors.New("unknown scene")
)

// IDs lists the fixed scene slots in display order.
var IDs = []string{"1", "2", "3", "4", "5", "6", "7", "8"}

// DefaultSize is the initial size of a new decoration unless AssetSizes
// overrides it for the asset.
var DefaultSize = geometry.Size{W: 200, H: 200}

// AssetSizes maps an asset name fragment to its initial size.
var AssetSizes = map[string]geometry.Size{
	"나비.png":      {W: 150, H: 150},
	"butterfly.png": {W: 150, H: 150},
}

type Decoration struct {
	ID       string
	Src      string
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Rotation float64
	ScaleX   float64
}

func (d Decoration) Rect() geometry.Rect {
	return geometry.Rect{X: d.X, Y: d.Y, W: d.Width, H: d.Height}
}

type Scene struct {
	Background  string
	Decorations []*Decoration
}

// Store holds every scene's decorations and the selection within the current
// scene. It is not safe for concurrent use; the editor serializes access.
type Store struct {
	scenes    map[string]*Scene
	current   string
	selection []string
	ids       *ulid.MonotonicEntropy
}

func NewStore() *Store {
	s := &Store{
		scenes:  make(map[string]*Scene, len(IDs)),
		current: IDs[0],
		ids:     ulid.Monotonic(rand.Reader, 0),
	}
	for _, id := range IDs {
		s.scenes[id] = &Scene{}
	}
	return s
}

func (s *Store) Current() string {
	return s.current
}

// Decorations returns copies of the current scene's decorations.
func (s *Store) Decorations() []Decoration {
	decos := s.scenes[s.current].Decorations
	out := make([]Decoration, len(decos))
	for i, d := range decos {
		out[i] = *d
	}
	return out
}

// Find returns the live decoration with id in the current scene.
func (s *Store) Find(id string) (*Decoration, bool) {
	for _, d := range s.scenes[s.current].Decorations {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Add places a new decoration centred on the canvas.
func (s *Store) Add(src string, canvas geometry.Size) (*Decoration, error) {
	sc := s.scenes[s.current]
	if len(sc.Decorations) >= MaxDecorations {
		return nil, ErrSceneFull
	}

	size := InitialSize(src)
	deco := &Decoration{
		ID:     s.newID(),
		Src:    src,
		Width:  size.W,
		Height: size.H,
		X:      canvas.W/2 - size.W/2,
		Y:      canvas.H/2 - size.H/2,
		ScaleX: 1,
	}
	sc.Decorations = append(sc.Decorations, deco)
	return deco, nil
}

// Remove deletes id from the current scene and from the selection.
func (s *Store) Remove(id string) (removed, wasSelected bool) {
	sc := s.scenes[s.current]
	for i, d := range sc.Decorations {
		if d.ID != id {
			continue
		}
		sc.Decorations = append(sc.Decorations[:i], sc.Decorations[i+1:]...)
		wasSelected = s.IsSelected(id)
		s.prune()
		return true, wasSelected
	}
	return false, false
}

// Switch makes scene the current scene and clears the selection.
func (s *Store) Switch(scene string) error {
	if _, ok := s.scenes[scene]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScene, scene)
	}
	s.current = scene
	s.selection = nil
	return nil
}

// Reset drops all decorations of scene.
func (s *Store) Reset(scene string) error {
	sc, ok := s.scenes[scene]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScene, scene)
	}
	sc.Decorations = nil
	sc.Background = ""
	if scene == s.current {
		s.prune()
	}
	return nil
}

func (s *Store) Count(scene string) int {
	if sc, ok := s.scenes[scene]; ok {
		return len(sc.Decorations)
	}
	return 0
}

func (s *Store) Selection() []string {
	return append([]string(nil), s.selection...)
}

func (s *Store) IsSelected(id string) bool {
	for _, sel := range s.selection {
		if sel == id {
			return true
		}
	}
	return false
}

// Toggle flips membership of id. Inserting into a full selection evicts the
// oldest member first.
func (s *Store) Toggle(id string) {
	if id == "" {
		return
	}
	if s.IsSelected(id) {
		next := s.selection[:0:0]
		for _, sel := range s.selection {
			if sel != id {
				next = append(next, sel)
			}
		}
		s.selection = next
		return
	}
	if _, ok := s.Find(id); !ok {
		return
	}
	if len(s.selection) >= MaxSelection {
		s.selection = append([]string(nil), s.selection[1:]...)
	}
	s.selection = append(s.selection, id)
}

// SetSelection replaces the selection, keeping at most the newest
// MaxSelection ids that exist in the current scene.
func (s *Store) SetSelection(ids []string) {
	s.selection = nil
	for _, id := range ids {
		if s.IsSelected(id) {
			continue
		}
		if _, ok := s.Find(id); !ok {
			continue
		}
		if len(s.selection) >= MaxSelection {
			s.selection = s.selection[1:]
		}
		s.selection = append(s.selection, id)
	}
}

func (s *Store) ClearSelection() {
	s.selection = nil
}

func (s *Store) prune() {
	kept := s.selection[:0:0]
	for _, id := range s.selection {
		if _, ok := s.Find(id); ok {
			kept = append(kept, id)
		}
	}
	s.selection = kept
}

func (s *Store) newID() string {
	return "deco-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), s.ids).String())
}

// InitialSize returns the starting size for an asset source.
func InitialSize(src string) geometry.Size {
	for marker, size := range AssetSizes {
		if strings.Contains(src, marker) {
			return size
		}
	}
	return DefaultSize
}
