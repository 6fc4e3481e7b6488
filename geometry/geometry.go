package geometry

import "math"

const (
	// defaultFontSize is assumed when a text shape carries no font size.
	defaultFontSize = 16
	// textCharWidth and textLineHeight approximate glyph metrics as a
	// fraction of the font size. Text shapes carry no explicit extent.
	textCharWidth  = 0.6
	textLineHeight = 1.2
	// minStrokeHitThreshold keeps near-zero-width strokes selectable,
	// especially under touch input.
	minStrokeHitThreshold = 10
)

// Bounds returns the axis-aligned bounding box of a shape. Stroke
// shapes (line, freehand) are inflated by max(strokeWidth,1)*2 so thin
// strokes stay selectable by rectangle.
func Bounds(s Shape) Rect {
	switch s.Kind {
	case KindCircle:
		return Rect{X: s.X - s.Radius, Y: s.Y - s.Radius, W: 2 * s.Radius, H: 2 * s.Radius}
	case KindText:
		size := s.FontSize
		if size <= 0 {
			size = defaultFontSize
		}
		w := textCharWidth * size * float64(len([]rune(s.Text)))
		return Rect{X: s.X, Y: s.Y, W: w, H: textLineHeight * size}
	case KindLine, KindFreehand:
		return strokeBounds(s)
	default:
		return Rect{X: s.X, Y: s.Y, W: s.Width, H: s.Height}
	}
}

func strokeBounds(s Shape) Rect {
	if len(s.Points) == 0 {
		return Rect{X: s.X, Y: s.Y}
	}
	minX, minY := s.Points[0].X, s.Points[0].Y
	maxX, maxY := minX, minY
	for _, p := range s.Points[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	pad := math.Max(s.StrokeWidth, 1) * 2
	return Rect{X: minX - pad, Y: minY - pad, W: maxX - minX + 2*pad, H: maxY - minY + 2*pad}
}

// ContainsPoint reports whether p hits the shape. Rects and text use
// bounding-box containment, circles use Euclidean distance, and stroke
// shapes test the distance from p to each consecutive segment against
// max(strokeWidth*2, 10).
func ContainsPoint(s Shape, p Point) bool {
	switch s.Kind {
	case KindCircle:
		return math.Hypot(p.X-s.X, p.Y-s.Y) <= s.Radius
	case KindLine, KindFreehand:
		return strokeHit(s, p)
	default:
		return Bounds(s).Contains(p)
	}
}

func strokeHit(s Shape, p Point) bool {
	threshold := math.Max(s.StrokeWidth*2, minStrokeHitThreshold)
	if len(s.Points) == 1 {
		return math.Hypot(p.X-s.Points[0].X, p.Y-s.Points[0].Y) <= threshold
	}
	for i := 0; i+1 < len(s.Points); i++ {
		if segmentDistance(p, s.Points[i], s.Points[i+1]) <= threshold {
			return true
		}
	}
	return false
}

// segmentDistance returns the distance from p to the segment a-b. The
// projection of p onto the line is clamped to the segment, so points
// beyond either end measure against the nearest endpoint.
func segmentDistance(p, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	cx, cy := a.X+t*dx, a.Y+t*dy
	return math.Hypot(p.X-cx, p.Y-cy)
}

// IntersectsRect reports whether two rectangles overlap. Touching
// edges count as an intersection.
func IntersectsRect(a, b Rect) bool {
	return a.X <= b.X+b.W && b.X <= a.X+a.W &&
		a.Y <= b.Y+b.H && b.Y <= a.Y+a.H
}

// ShapesInRect returns the shapes whose bounds overlap sel. Partial
// overlap counts as selected.
func ShapesInRect(shapes []Shape, sel Rect) []Shape {
	var out []Shape
	for _, s := range shapes {
		if IntersectsRect(Bounds(s), sel) {
			out = append(out, s)
		}
	}
	return out
}

// ShapesAtPoint returns the shapes hit by p, in input order.
func ShapesAtPoint(shapes []Shape, p Point) []Shape {
	var out []Shape
	for _, s := range shapes {
		if ContainsPoint(s, p) {
			out = append(out, s)
		}
	}
	return out
}
