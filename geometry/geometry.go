// Package geometry converts between PC canvas pixels and the orientation
// normalized coordinates exchanged with the controller.
//
// The controller is held in portrait while the PC canvas is landscape, so the
// axes are swapped on the wire: U is the PC's vertical fraction and V is the
// PC's horizontal fraction.
package geometry

import "math"

type (
	Size struct {
		W float64 `json:"width"`
		H float64 `json:"height"`
	}

	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// Rect is an axis-aligned box with a top-left origin.
	Rect struct {
		X float64
		Y float64
		W float64
		H float64
	}

	Normalized struct {
		U float64 `json:"x_mobile"`
		V float64 `json:"y_mobile"`
	}
)

// Valid reports whether the canvas has been laid out.
func (s Size) Valid() bool {
	return s.W > 0 && s.H > 0 && !math.IsInf(s.W, 0) && !math.IsInf(s.H, 0)
}

func (r Rect) Center() Point {
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

func (r Rect) Size() Size {
	return Size{W: r.W, H: r.H}
}

// ToNormalized maps the centre of rect into normalized space. It returns false
// for a canvas that is not laid out yet.
func ToNormalized(rect Rect, canvas Size) (Normalized, bool) {
	if !canvas.Valid() {
		return Normalized{}, false
	}
	c := rect.Center()
	return Normalized{U: c.Y / canvas.H, V: c.X / canvas.W}, true
}

// FromNormalized returns the top-left corner that centres an element of size
// elem on n, clamped so the element stays inside the canvas.
func FromNormalized(n Normalized, canvas Size, elem Size) Point {
	center := Point{X: n.V * canvas.W, Y: n.U * canvas.H}
	return Clamp(Point{X: center.X - elem.W/2, Y: center.Y - elem.H/2}, canvas, elem)
}

// Clamp keeps the box at p inside [0,W]x[0,H]. Elements wider or taller than
// the canvas are pinned to the origin on that axis.
func Clamp(p Point, canvas Size, elem Size) Point {
	return Point{
		X: clamp(p.X, 0, math.Max(0, canvas.W-elem.W)),
		Y: clamp(p.Y, 0, math.Max(0, canvas.H-elem.H)),
	}
}

// JoystickPercent undoes the axis swap for display inside the joystick area.
func JoystickPercent(n Normalized) (left, top float64) {
	return n.V * 100, n.U * 100
}

// JoystickToNormalized converts a drag point inside the joystick area into
// normalized coordinates, clamping it to the area first.
func JoystickToNormalized(p Point, area Size) (Normalized, bool) {
	if !area.Valid() {
		return Normalized{}, false
	}
	x := clamp(p.X, 0, area.W)
	y := clamp(p.Y, 0, area.H)
	return Normalized{U: y / area.H, V: x / area.W}, true
}

// WrapDegrees normalizes an angle into [0, 360).
func WrapDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg == 360 {
		return 0
	}
	return deg
}

// SnapDegrees snaps deg to the nearest multiple of 90 when within tolerance.
func SnapDegrees(deg, tolerance float64) float64 {
	snapped := math.Round(deg/90) * 90
	if math.Abs(deg-snapped) < tolerance {
		return snapped
	}
	return deg
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
