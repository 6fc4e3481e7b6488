package geometry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrWorkerClosed is returned for queries issued after Close.
var ErrWorkerClosed = errors.New("geometry: worker closed")

// QueryKind selects the computation a worker request performs.
type QueryKind string

const (
	QueryVisible QueryKind = "visible"
	QueryAtPoint QueryKind = "at_point"
	QueryInRect  QueryKind = "in_rect"
	QueryBounds  QueryKind = "bounds"
)

// Request is one geometry query. ID correlates the response back to
// the caller that posted it, so concurrent queries can never resolve
// against each other's results.
type Request struct {
	ID       string
	Kind     QueryKind
	Shapes   []Shape
	Point    Point
	Rect     Rect
	GridSize float64
}

// Response carries the result for the request with the same ID.
type Response struct {
	ID     string
	Shapes []Shape
	Bounds Rect
	Err    error
}

// Worker runs geometry queries on a background goroutine so the caller
// never blocks on large snapshots. Each request gets a fresh id and a
// pending slot; responses are matched strictly by id.
type Worker struct {
	log       *slog.Logger
	requests  chan Request
	responses chan Response
	done      chan struct{}

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

// NewWorker starts the worker and its response dispatcher.
func NewWorker(logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		log:       logger,
		requests:  make(chan Request, 16),
		responses: make(chan Response, 16),
		done:      make(chan struct{}),
		pending:   make(map[string]chan Response),
	}
	go w.run()
	go w.dispatch()
	return w
}

// Close stops the worker. In-flight queries fail with ErrWorkerClosed.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
}

// run executes queries one at a time. A panic that escapes a query is
// already converted into a per-request error by execute; this recover
// catches anything else and respawns the loop so one crash does not
// kill the worker for the rest of the process.
func (w *Worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("geometry worker crashed, respawning", "panic", r)
			go w.run()
		}
	}()
	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			select {
			case w.responses <- w.execute(req):
			case <-w.done:
				return
			}
		}
	}
}

// dispatch resolves responses against the pending map by request id.
func (w *Worker) dispatch() {
	for {
		select {
		case <-w.done:
			return
		case resp := <-w.responses:
			w.mu.Lock()
			ch, ok := w.pending[resp.ID]
			if ok {
				delete(w.pending, resp.ID)
			}
			w.mu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

func (w *Worker) execute(req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp.Err = fmt.Errorf("geometry: query %s panicked: %v", req.Kind, r)
		}
	}()
	switch req.Kind {
	case QueryVisible:
		resp.Shapes = VisibleShapes(req.Shapes, req.Rect, req.GridSize)
	case QueryAtPoint:
		resp.Shapes = ShapesAtPoint(req.Shapes, req.Point)
	case QueryInRect:
		resp.Shapes = ShapesInRect(req.Shapes, req.Rect)
	case QueryBounds:
		if len(req.Shapes) == 0 {
			resp.Err = errors.New("geometry: bounds query needs a shape")
			break
		}
		resp.Bounds = Bounds(req.Shapes[0])
	default:
		resp.Err = fmt.Errorf("geometry: unknown query kind %q", req.Kind)
	}
	return resp
}

// Query posts a request and waits for its response or for ctx/worker
// shutdown. Cancelled requests are forgotten; a late response for a
// forgotten id is dropped by dispatch.
func (w *Worker) Query(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()
	ch := make(chan Response, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Response{}, ErrWorkerClosed
	}
	w.pending[req.ID] = ch
	w.mu.Unlock()

	select {
	case w.requests <- req:
	case <-ctx.Done():
		w.forget(req.ID)
		return Response{}, ctx.Err()
	case <-w.done:
		w.forget(req.ID)
		return Response{}, ErrWorkerClosed
	}

	select {
	case resp := <-ch:
		return resp, resp.Err
	case <-ctx.Done():
		w.forget(req.ID)
		return Response{}, ctx.Err()
	case <-w.done:
		w.forget(req.ID)
		return Response{}, ErrWorkerClosed
	}
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Visible runs a viewport-culling query off-thread.
func (w *Worker) Visible(ctx context.Context, shapes []Shape, viewport Rect, gridSize float64) ([]Shape, error) {
	resp, err := w.Query(ctx, Request{Kind: QueryVisible, Shapes: shapes, Rect: viewport, GridSize: gridSize})
	return resp.Shapes, err
}

// AtPoint runs a hit-test query off-thread.
func (w *Worker) AtPoint(ctx context.Context, shapes []Shape, p Point) ([]Shape, error) {
	resp, err := w.Query(ctx, Request{Kind: QueryAtPoint, Shapes: shapes, Point: p})
	return resp.Shapes, err
}

// InRect runs a rectangular-selection query off-thread.
func (w *Worker) InRect(ctx context.Context, shapes []Shape, sel Rect) ([]Shape, error) {
	resp, err := w.Query(ctx, Request{Kind: QueryInRect, Shapes: shapes, Rect: sel})
	return resp.Shapes, err
}

// BoundsOf computes one shape's bounding box off-thread.
func (w *Worker) BoundsOf(ctx context.Context, s Shape) (Rect, error) {
	resp, err := w.Query(ctx, Request{Kind: QueryBounds, Shapes: []Shape{s}})
	return resp.Bounds, err
}
