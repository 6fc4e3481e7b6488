package geometry

import "math"

const (
	// DefaultGridSize is the sector edge length used when a caller
	// passes a non-positive grid size.
	DefaultGridSize = 256
	// directScanCutoff is the shape count below which viewport queries
	// skip the index and filter directly.
	directScanCutoff = 100
)

// Sector addresses one grid cell.
type Sector struct {
	GX int
	GY int
}

// Index buckets shape ids by the grid cell containing the center of
// their bounds. It is derived state: always rebuildable from a shape
// snapshot, never mutated after construction.
type Index struct {
	GridSize float64
	Sectors  map[Sector][]string

	// Largest half-extent of any indexed shape's bounds. Viewport
	// queries widen their sector range by this much so a large shape
	// centered outside the range is still found.
	maxHalfW float64
	maxHalfH float64
}

// BuildIndex constructs a grid index over the snapshot in O(n).
func BuildIndex(shapes []Shape, gridSize float64) *Index {
	if gridSize <= 0 {
		gridSize = DefaultGridSize
	}
	idx := &Index{GridSize: gridSize, Sectors: make(map[Sector][]string)}
	for _, s := range shapes {
		b := Bounds(s)
		sec := idx.sectorAt(b.Center())
		idx.Sectors[sec] = append(idx.Sectors[sec], s.ID)
		idx.maxHalfW = math.Max(idx.maxHalfW, b.W/2)
		idx.maxHalfH = math.Max(idx.maxHalfH, b.H/2)
	}
	return idx
}

func (idx *Index) sectorAt(p Point) Sector {
	return Sector{
		GX: int(math.Floor(p.X / idx.GridSize)),
		GY: int(math.Floor(p.Y / idx.GridSize)),
	}
}

// candidates returns the ids bucketed in any sector whose cells could
// hold a shape overlapping the viewport.
func (idx *Index) candidates(viewport Rect) []string {
	gx0 := int(math.Floor((viewport.X - idx.maxHalfW) / idx.GridSize))
	gx1 := int(math.Floor((viewport.X + viewport.W + idx.maxHalfW) / idx.GridSize))
	gy0 := int(math.Floor((viewport.Y - idx.maxHalfH) / idx.GridSize))
	gy1 := int(math.Floor((viewport.Y + viewport.H + idx.maxHalfH) / idx.GridSize))

	var ids []string
	for gx := gx0; gx <= gx1; gx++ {
		for gy := gy0; gy <= gy1; gy++ {
			ids = append(ids, idx.Sectors[Sector{GX: gx, GY: gy}]...)
		}
	}
	return ids
}

// VisibleShapes returns the shapes whose bounds overlap the viewport.
// Small snapshots are filtered directly; larger ones go through a grid
// index so the precise overlap test runs only on nearby candidates.
// Both paths return the same set.
func VisibleShapes(shapes []Shape, viewport Rect, gridSize float64) []Shape {
	if len(shapes) < directScanCutoff {
		return ShapesInRect(shapes, viewport)
	}

	byID := make(map[string]Shape, len(shapes))
	for _, s := range shapes {
		byID[s.ID] = s
	}

	idx := BuildIndex(shapes, gridSize)
	seen := make(map[string]bool)
	var out []Shape
	for _, id := range idx.candidates(viewport) {
		if seen[id] {
			continue
		}
		seen[id] = true
		s, ok := byID[id]
		if !ok {
			continue
		}
		if IntersectsRect(Bounds(s), viewport) {
			out = append(out, s)
		}
	}
	return out
}
