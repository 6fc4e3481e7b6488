package geometry

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIndexBucketsByCenter(t *testing.T) {
	shapes := []Shape{
		{ID: "a", Kind: KindRect, X: 10, Y: 10, Width: 20, Height: 20},    // center (20,20) -> cell (0,0)
		{ID: "b", Kind: KindRect, X: 110, Y: 10, Width: 20, Height: 20},   // center (120,20) -> cell (1,0)
		{ID: "c", Kind: KindCircle, X: -30, Y: -30, Radius: 5},            // center (-30,-30) -> cell (-1,-1)
		{ID: "d", Kind: KindRect, X: 5, Y: 5, Width: 10, Height: 10},      // center (10,10) -> cell (0,0)
	}

	idx := BuildIndex(shapes, 100)

	require.Len(t, idx.Sectors, 3)
	assert.ElementsMatch(t, []string{"a", "d"}, idx.Sectors[Sector{0, 0}])
	assert.Equal(t, []string{"b"}, idx.Sectors[Sector{1, 0}])
	assert.Equal(t, []string{"c"}, idx.Sectors[Sector{-1, -1}])
}

func TestVisibleShapesSmallSnapshotDirectPath(t *testing.T) {
	shapes := []Shape{
		{ID: "in", Kind: KindRect, X: 0, Y: 0, Width: 10, Height: 10},
		{ID: "out", Kind: KindRect, X: 500, Y: 500, Width: 10, Height: 10},
	}

	got := VisibleShapes(shapes, Rect{X: 0, Y: 0, W: 100, H: 100}, 100)

	require.Len(t, got, 1)
	assert.Equal(t, "in", got[0].ID)
}

// The indexed path must return exactly the set the direct filter does,
// including shapes whose bounds reach into the viewport from a distant
// center cell.
func TestVisibleShapesEquivalence(t *testing.T) {
	var shapes []Shape
	for i := 0; i < 140; i++ {
		shapes = append(shapes, Shape{
			ID:     fmt.Sprintf("s%d", i),
			Kind:   KindRect,
			X:      float64((i % 20) * 90),
			Y:      float64((i / 20) * 90),
			Width:  40,
			Height: 40,
		})
	}
	// A huge shape centered far outside the viewport's sector range but
	// overlapping the viewport.
	shapes = append(shapes, Shape{ID: "huge", Kind: KindRect, X: -2000, Y: -2000, Width: 2100, Height: 2100})
	// Strokes and circles exercise the non-trivial bounds paths.
	shapes = append(shapes, Shape{ID: "stroke", Kind: KindFreehand, Points: []Point{{X: 30, Y: 30}, {X: 250, Y: 250}}, StrokeWidth: 4})
	shapes = append(shapes, Shape{ID: "dot", Kind: KindCircle, X: 95, Y: 95, Radius: 20})
	require.GreaterOrEqual(t, len(shapes), directScanCutoff)

	viewport := Rect{X: 0, Y: 0, W: 200, H: 200}

	direct := ShapesInRect(shapes, viewport)
	indexed := VisibleShapes(shapes, viewport, 100)

	assert.ElementsMatch(t, ids(direct), ids(indexed))
	assert.Contains(t, ids(indexed), "huge")
}

func TestVisibleShapesDeduplicates(t *testing.T) {
	var shapes []Shape
	for i := 0; i < directScanCutoff+5; i++ {
		shapes = append(shapes, Shape{
			ID: fmt.Sprintf("s%d", i), Kind: KindRect,
			X: float64(i), Y: float64(i), Width: 5, Height: 5,
		})
	}

	got := VisibleShapes(shapes, Rect{X: 0, Y: 0, W: 1000, H: 1000}, 50)

	seen := map[string]int{}
	for _, s := range got {
		seen[s.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "shape %s returned more than once", id)
	}
}

func ids(shapes []Shape) []string {
	out := make([]string, 0, len(shapes))
	for _, s := range shapes {
		out = append(out, s.ID)
	}
	sort.Strings(out)
	return out
}
