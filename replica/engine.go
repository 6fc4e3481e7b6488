package replica

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabcanvas/transport"
)

// Broadcaster sends wire envelopes to the other replicas. It is
// satisfied by *transport.Conn; tests substitute a recorder.
type Broadcaster interface {
	Send(transport.Envelope) error
}

// Config configures an Engine. Zero values take the defaults.
type Config struct {
	// ActorID identifies this replica in timestamps and awareness.
	// Defaults to a random uuid.
	ActorID string
	// Name and Color seed this user's awareness entry.
	Name  string
	Color string
	// UpdateThrottle bounds broadcast frequency during an edit burst
	// and caps how long a trailing flush can wait. Default 100ms.
	UpdateThrottle time.Duration
	// UpdateDebounce is the quiet period after which a trailing flush
	// fires. It only shortens the wait when it is smaller than the
	// time left to the throttle edge; with the defaults the throttle
	// dominates. Default 300ms.
	UpdateDebounce time.Duration
	// AwarenessExpiry prunes peers that stopped refreshing. Default 30s.
	AwarenessExpiry time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ActorID == "" {
		c.ActorID = uuid.NewString()
	}
	if c.UpdateThrottle <= 0 {
		c.UpdateThrottle = 100 * time.Millisecond
	}
	if c.UpdateDebounce <= 0 {
		c.UpdateDebounce = 300 * time.Millisecond
	}
	if c.AwarenessExpiry <= 0 {
		c.AwarenessExpiry = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine owns one Document replica and the awareness map. Nothing else
// in the process mutates either.
type Engine struct {
	cfg  Config
	log  *slog.Logger
	doc  *Document
	conn Broadcaster

	mu           sync.Mutex
	clock        uint64
	pending      map[string]*Delta // coalesced, keyed by path+key
	pendingOrder []string
	flushTimer   *time.Timer
	lastFlush    time.Time
	awareness    map[string]Entry
	self         Entry
	docSubs      map[uint64]func()
	awareSubs    map[uint64]func([]Entry)
	nextSub      uint64
	destroyed    bool
}

// NewEngine creates an engine broadcasting over conn.
func NewEngine(conn Broadcaster, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		doc:       NewDocument(),
		conn:      conn,
		pending:   make(map[string]*Delta),
		lastFlush: time.Now(), // the first flush waits out a full throttle window
		awareness: make(map[string]Entry),
		self: Entry{
			UserID:    cfg.ActorID,
			Name:      cfg.Name,
			Color:     cfg.Color,
			UpdatedAt: time.Now().UnixMilli(),
		},
		docSubs:   make(map[uint64]func()),
		awareSubs: make(map[uint64]func([]Entry)),
	}
}

// ActorID returns this replica's id.
func (e *Engine) ActorID() string { return e.cfg.ActorID }

// ApplyLocal writes fields to the record at path/key, visible to the
// caller immediately, and schedules a coalesced broadcast.
func (e *Engine) ApplyLocal(path, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	e.mu.Lock()
	e.clock++
	ts := Timestamp{Clock: e.clock, Actor: e.cfg.ActorID}
	e.mu.Unlock()

	delta := Delta{Path: path, Key: key, Fields: make(map[string]FieldValue, len(fields))}
	for name, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("replica: encode field %s.%s.%s: %w", path, key, name, err)
		}
		delta.Fields[name] = FieldValue{Value: raw, Timestamp: ts}
	}

	e.doc.Apply(delta)
	e.enqueue(delta)
	e.notifyDoc()
	return nil
}

// DeleteLocal tombstones the record at path/key.
func (e *Engine) DeleteLocal(path, key string) {
	e.mu.Lock()
	e.clock++
	ts := Timestamp{Clock: e.clock, Actor: e.cfg.ActorID}
	e.mu.Unlock()

	delta := Delta{Path: path, Key: key, Remove: &ts}
	e.doc.Apply(delta)
	e.enqueue(delta)
	e.notifyDoc()
}

// MergeRemote merges deltas received from peers. Duplicates and
// reordered arrivals are harmless; the Lamport clock advances past
// everything observed so later local writes win where they should.
func (e *Engine) MergeRemote(deltas ...Delta) {
	e.mu.Lock()
	for _, d := range deltas {
		for _, fv := range d.Fields {
			if fv.Clock > e.clock {
				e.clock = fv.Clock
			}
		}
		if d.Remove != nil && d.Remove.Clock > e.clock {
			e.clock = d.Remove.Clock
		}
	}
	e.mu.Unlock()

	if e.doc.Apply(deltas...) {
		e.notifyDoc()
	}
}

// Get returns the live records under a path.
func (e *Engine) Get(path string) map[string]map[string]json.RawMessage {
	return e.doc.Get(path)
}

// GetKey returns one live record.
func (e *Engine) GetKey(path, key string) (map[string]json.RawMessage, bool) {
	return e.doc.GetKey(path, key)
}

// Snapshot exports the document as replayable deltas.
func (e *Engine) Snapshot() []Delta {
	return e.doc.Snapshot()
}

// enqueue coalesces a delta into the pending batch and arms the flush
// timer. During a burst the batch drains at the throttle cadence; the
// trailing flush fires at the earlier of the debounce window and the
// next throttle edge, so an edit is never in flight longer than one
// throttle interval.
func (e *Engine) enqueue(delta Delta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}

	id := delta.Path + "\x00" + delta.Key
	if cur, ok := e.pending[id]; ok {
		for name, fv := range delta.Fields {
			if cur.Fields == nil {
				cur.Fields = make(map[string]FieldValue)
			}
			cur.Fields[name] = fv
		}
		if delta.Remove != nil && (cur.Remove == nil || delta.Remove.After(*cur.Remove)) {
			cur.Remove = delta.Remove
		}
	} else {
		d := delta
		e.pending[id] = &d
		e.pendingOrder = append(e.pendingOrder, id)
	}

	now := time.Now()
	deadline := now.Add(e.cfg.UpdateDebounce)
	if throttleEdge := e.lastFlush.Add(e.cfg.UpdateThrottle); throttleEdge.Before(deadline) {
		deadline = throttleEdge
	}
	delay := deadline.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(delay, e.flushPending)
	} else {
		e.flushTimer.Reset(delay)
	}
}

// flushPending broadcasts the coalesced batch.
func (e *Engine) flushPending() {
	e.mu.Lock()
	e.flushTimer = nil
	if e.destroyed || len(e.pendingOrder) == 0 {
		e.mu.Unlock()
		return
	}
	deltas := make([]Delta, 0, len(e.pendingOrder))
	for _, id := range e.pendingOrder {
		deltas = append(deltas, *e.pending[id])
	}
	e.pending = make(map[string]*Delta)
	e.pendingOrder = nil
	e.lastFlush = time.Now()
	e.mu.Unlock()

	env, err := transport.NewEnvelope(transport.TypeDelta, e.cfg.ActorID, deltas)
	if err != nil {
		e.log.Error("encode delta batch", "error", err)
		return
	}
	if err := e.conn.Send(env); err != nil {
		e.log.Warn("broadcast failed", "deltas", len(deltas), "error", err)
	}
}

// Flush broadcasts any pending deltas immediately.
func (e *Engine) Flush() {
	e.flushPending()
}

// UpdateAwareness merges a partial update into this user's entry and
// broadcasts it without throttling. Cursor movement should be
// coalesced by the caller before it gets here.
func (e *Engine) UpdateAwareness(p EntryPatch) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.self.apply(p)
	e.self.UpdatedAt = time.Now().UnixMilli()
	entry := e.self
	e.awareness[entry.UserID] = entry
	e.mu.Unlock()

	e.broadcastAwareness(entry)
	e.notifyAwareness()
}

// AnnouncePresence rebroadcasts this user's entry, refreshing its
// timestamp. Called on connect and whenever a peer joins.
func (e *Engine) AnnouncePresence() {
	e.UpdateAwareness(EntryPatch{})
}

func (e *Engine) broadcastAwareness(entry Entry) {
	env, err := transport.NewEnvelope(transport.TypeAwareness, e.cfg.ActorID, entry)
	if err != nil {
		e.log.Error("encode awareness", "error", err)
		return
	}
	if err := e.conn.Send(env); err != nil {
		e.log.Warn("awareness broadcast failed", "error", err)
	}
}

// MergeAwareness applies a peer's entry, last write wins.
func (e *Engine) MergeAwareness(entry Entry) {
	if entry.UserID == "" || entry.UserID == e.cfg.ActorID {
		return
	}
	e.mu.Lock()
	cur, ok := e.awareness[entry.UserID]
	if ok && entry.UpdatedAt < cur.UpdatedAt {
		e.mu.Unlock()
		return
	}
	e.awareness[entry.UserID] = entry
	e.mu.Unlock()
	e.notifyAwareness()
}

// RemoveAwareness drops a peer's entry, typically on a leave message.
func (e *Engine) RemoveAwareness(userID string) {
	e.mu.Lock()
	_, ok := e.awareness[userID]
	delete(e.awareness, userID)
	e.mu.Unlock()
	if ok {
		e.notifyAwareness()
	}
}

// ConnectedUsers snapshots the non-expired awareness entries, own
// entry included, sorted by user id.
func (e *Engine) ConnectedUsers() []Entry {
	cutoff := time.Now().Add(-e.cfg.AwarenessExpiry).UnixMilli()

	e.mu.Lock()
	out := make([]Entry, 0, len(e.awareness)+1)
	seen := false
	for id, entry := range e.awareness {
		if id == e.self.UserID {
			seen = true
			out = append(out, e.self)
			continue
		}
		if entry.UpdatedAt >= cutoff {
			out = append(out, entry)
		}
	}
	if !seen {
		out = append(out, e.self)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnChange observes document mutations (local or merged).
func (e *Engine) OnChange(fn func()) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.docSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.docSubs, id)
	}
}

// OnAwarenessChange observes membership and cursor updates.
func (e *Engine) OnAwarenessChange(fn func([]Entry)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.awareSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.awareSubs, id)
	}
}

func (e *Engine) notifyDoc() {
	e.mu.Lock()
	subs := make([]func(), 0, len(e.docSubs))
	for _, fn := range e.docSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (e *Engine) notifyAwareness() {
	users := e.ConnectedUsers()
	e.mu.Lock()
	subs := make([]func([]Entry), 0, len(e.awareSubs))
	for _, fn := range e.awareSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(users)
	}
}

// Destroy stops the flush timer and drops every subscription. The
// engine is unusable afterwards.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.pending = make(map[string]*Delta)
	e.pendingOrder = nil
	e.docSubs = make(map[uint64]func())
	e.awareSubs = make(map[uint64]func([]Entry))
}
