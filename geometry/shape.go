// Package geometry implements the pure spatial core of the canvas:
// bounding boxes, hit-testing, rectangle intersection and a grid index
// for sub-linear viewport queries. Functions in this package take a
// snapshot of shapes and compute a result; they never mutate their
// input and hold no state between calls.
package geometry

// Kind identifies the drawable primitive a Shape represents.
type Kind string

const (
	KindRect     Kind = "rect"
	KindCircle   Kind = "circle"
	KindText     Kind = "text"
	KindLine     Kind = "line"
	KindFreehand Kind = "freehand"
)

// Point is a position on the canvas.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle. X/Y is the top-left corner.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Contains reports whether p lies inside the rectangle, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.W && p.Y >= r.Y && p.Y <= r.Y+r.H
}

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

// Shape is one drawable primitive. The position fields mean different
// things per kind: rects and text anchor at the top-left, circles at
// the center. Lines and freehand strokes carry absolute Points and
// ignore X/Y.
type Shape struct {
	ID          string  `json:"id"`
	Kind        Kind    `json:"kind"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Radius      float64 `json:"radius,omitempty"`
	Points      []Point `json:"points,omitempty"`
	Text        string  `json:"text,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Rotation    float64 `json:"rotation,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
}
