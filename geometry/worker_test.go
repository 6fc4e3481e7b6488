package geometry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerQuery(t *testing.T) {
	w := NewWorker(nil)
	defer w.Close()

	shapes := []Shape{
		{ID: "a", Kind: KindRect, X: 0, Y: 0, Width: 10, Height: 10},
		{ID: "b", Kind: KindRect, X: 100, Y: 100, Width: 10, Height: 10},
	}

	got, err := w.AtPoint(context.Background(), shapes, Point{X: 5, Y: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	bounds, err := w.BoundsOf(context.Background(), shapes[1])
	require.NoError(t, err)
	assert.Equal(t, Rect{X: 100, Y: 100, W: 10, H: 10}, bounds)
}

// Concurrent queries must each resolve with their own result; the
// request id is what prevents cross-matching.
func TestWorkerConcurrentQueriesCorrelate(t *testing.T) {
	w := NewWorker(nil)
	defer w.Close()

	var shapes []Shape
	for i := 0; i < 50; i++ {
		shapes = append(shapes, Shape{
			ID: fmt.Sprintf("s%d", i), Kind: KindRect,
			X: float64(i * 10), Y: 0, Width: 5, Height: 5,
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := w.AtPoint(context.Background(), shapes, Point{X: float64(i*10) + 2, Y: 2})
			assert.NoError(t, err)
			if assert.Len(t, got, 1) {
				assert.Equal(t, fmt.Sprintf("s%d", i), got[0].ID)
			}
		}(i)
	}
	wg.Wait()
}

func TestWorkerUnknownKind(t *testing.T) {
	w := NewWorker(nil)
	defer w.Close()

	_, err := w.Query(context.Background(), Request{Kind: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown query kind")
}

// A failing request resolves only its own future; the worker keeps
// serving queries afterwards.
func TestWorkerSurvivesFailedQuery(t *testing.T) {
	w := NewWorker(nil)
	defer w.Close()

	shapes := []Shape{{ID: "a", Kind: KindRect, X: 0, Y: 0, Width: 10, Height: 10}}

	_, err := w.Query(context.Background(), Request{Kind: "explode"})
	require.Error(t, err)

	got, err := w.AtPoint(context.Background(), shapes, Point{X: 5, Y: 5})
	require.NoError(t, err, "worker must stay alive after a failed request")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	// And again with the failure interleaved between two good queries.
	_, err = w.BoundsOf(context.Background(), shapes[0])
	require.NoError(t, err)
	_, err = w.Query(context.Background(), Request{Kind: QueryBounds})
	require.Error(t, err)
	got, err = w.InRect(context.Background(), shapes, Rect{X: 0, Y: 0, W: 20, H: 20})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestWorkerBoundsNeedsShape(t *testing.T) {
	w := NewWorker(nil)
	defer w.Close()

	_, err := w.Query(context.Background(), Request{Kind: QueryBounds})
	require.Error(t, err)
}

func TestWorkerCancelledContext(t *testing.T) {
	w := NewWorker(nil)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.AtPoint(ctx, nil, Point{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWorkerClosed(t *testing.T) {
	w := NewWorker(nil)
	w.Close()
	w.Close() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.AtPoint(ctx, nil, Point{})
	require.ErrorIs(t, err, ErrWorkerClosed)
}
