// Package collab composes the transport connection and the replication
// engine behind a single room session with one connect/disconnect
// lifecycle. The UI talks to a Session; it never touches the transport
// or the replica directly.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"collabcanvas/replica"
	"collabcanvas/transport"
)

// Config configures a Session.
type Config struct {
	// RelayURL is the relay base endpoint, e.g. ws://host:8081. The
	// room is appended as /ws/<room>.
	RelayURL string
	// Room scopes the session; the caller is assumed to be authorized
	// for it.
	Room string
	// UserID defaults to a random uuid.
	UserID string
	// Name and Color seed this user's awareness entry.
	Name  string
	Color string
	// CursorWindow coalesces cursor broadcasts, leading and trailing.
	// Default 50ms.
	CursorWindow time.Duration
	// Transport tunes the underlying connection; URL and ClientID are
	// filled in by the session.
	Transport transport.Config
	// Replica tunes throttling and awareness expiry; ActorID, Name and
	// Color are filled in by the session.
	Replica replica.Config
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is one user's connection to one room.
type Session struct {
	cfg    Config
	log    *slog.Logger
	conn   *transport.Conn
	engine *replica.Engine
	cursor *cursorCoalescer

	cancels []func()
}

// New wires a session. Nothing touches the network until Connect.
func New(cfg Config) *Session {
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.CursorWindow <= 0 {
		cfg.CursorWindow = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tcfg := cfg.Transport
	tcfg.URL = roomURL(cfg.RelayURL, cfg.Room)
	tcfg.ClientID = cfg.UserID
	if tcfg.Logger == nil {
		tcfg.Logger = cfg.Logger
	}
	conn := transport.New(tcfg)

	rcfg := cfg.Replica
	rcfg.ActorID = cfg.UserID
	rcfg.Name = cfg.Name
	rcfg.Color = cfg.Color
	if rcfg.Logger == nil {
		rcfg.Logger = cfg.Logger
	}
	engine := replica.NewEngine(conn, rcfg)

	s := &Session{
		cfg:    cfg,
		log:    cfg.Logger.With("room", cfg.Room, "user", cfg.UserID),
		conn:   conn,
		engine: engine,
	}
	s.cursor = newCursorCoalescer(cfg.CursorWindow, func(x, y float64) {
		engine.UpdateAwareness(replica.EntryPatch{CursorX: &x, CursorY: &y})
	})
	s.wire()
	return s
}

func roomURL(base, room string) string {
	return strings.TrimRight(base, "/") + "/ws/" + room
}

// wire routes inbound message types into the engine and announces
// presence on every (re)connect.
func (s *Session) wire() {
	s.cancels = append(s.cancels,
		s.conn.Subscribe(transport.TypeDelta, func(env transport.Envelope) {
			if env.Sender == s.cfg.UserID {
				return // relay echo of our own batch
			}
			var deltas []replica.Delta
			if err := json.Unmarshal(env.Data, &deltas); err != nil {
				s.log.Warn("dropping malformed delta batch", "sender", env.Sender, "error", err)
				return
			}
			s.engine.MergeRemote(deltas...)
		}),
		s.conn.Subscribe(transport.TypeAwareness, func(env transport.Envelope) {
			var entry replica.Entry
			if err := json.Unmarshal(env.Data, &entry); err != nil {
				s.log.Warn("dropping malformed awareness", "sender", env.Sender, "error", err)
				return
			}
			s.engine.MergeAwareness(entry)
		}),
		s.conn.Subscribe(transport.TypeJoin, func(env transport.Envelope) {
			if env.Sender == s.cfg.UserID {
				return
			}
			// Let the newcomer see us without waiting for our next edit.
			s.engine.AnnouncePresence()
		}),
		s.conn.Subscribe(transport.TypeLeave, func(env transport.Envelope) {
			var m transport.Membership
			if err := json.Unmarshal(env.Data, &m); err != nil {
				return
			}
			s.engine.RemoveAwareness(m.User)
		}),
		s.conn.SubscribeState(func(st transport.State) {
			if st == transport.Connected {
				s.announce()
			}
		}),
	)
}

func (s *Session) announce() {
	env, err := transport.NewEnvelope(transport.TypeJoin, s.cfg.UserID, transport.Membership{User: s.cfg.UserID})
	if err == nil {
		if err := s.conn.Send(env); err != nil {
			s.log.Warn("join announcement failed", "error", err)
		}
	}
	s.engine.AnnouncePresence()
}

// Connect opens the room connection; reconnects after drops are
// automatic from here on.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return fmt.Errorf("collab: connect room %s: %w", s.cfg.Room, err)
	}
	return nil
}

// Disconnect announces departure, flushes pending edits and releases
// the transport. The session is unusable afterwards.
func (s *Session) Disconnect() {
	s.engine.Flush()
	if env, err := transport.NewEnvelope(transport.TypeLeave, s.cfg.UserID, transport.Membership{User: s.cfg.UserID}); err == nil {
		s.conn.Send(env) // best effort
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.cursor.stop()
	s.engine.Destroy()
	s.conn.Close()
}

// BroadcastUpdate applies fields at path/key locally and schedules the
// broadcast.
func (s *Session) BroadcastUpdate(path, key string, fields map[string]any) error {
	return s.engine.ApplyLocal(path, key, fields)
}

// Delete tombstones the record at path/key.
func (s *Session) Delete(path, key string) {
	s.engine.DeleteLocal(path, key)
}

// Data returns the live records under a path.
func (s *Session) Data(path string) map[string]map[string]json.RawMessage {
	return s.engine.Get(path)
}

// DataKey returns one live record.
func (s *Session) DataKey(path, key string) (map[string]json.RawMessage, bool) {
	return s.engine.GetKey(path, key)
}

// UpdateCursor coalesces cursor movement into at most one awareness
// broadcast per cursor window; only the most recent position in a
// window is sent.
func (s *Session) UpdateCursor(x, y float64) {
	s.cursor.update(x, y)
}

// UpdateAwareness merges a partial update into this user's entry and
// broadcasts it immediately.
func (s *Session) UpdateAwareness(p replica.EntryPatch) {
	s.engine.UpdateAwareness(p)
}

// ConnectedUsers snapshots the room's non-expired awareness entries.
func (s *Session) ConnectedUsers() []replica.Entry {
	return s.engine.ConnectedUsers()
}

// OnConnectionChange observes connected/disconnected transitions.
func (s *Session) OnConnectionChange(fn func(connected bool)) (cancel func()) {
	return s.conn.SubscribeState(func(st transport.State) {
		fn(st == transport.Connected)
	})
}

// OnPresenceChange observes membership and cursor updates.
func (s *Session) OnPresenceChange(fn func([]replica.Entry)) (cancel func()) {
	return s.engine.OnAwarenessChange(fn)
}

// OnDocumentChange observes document mutations, local or remote.
func (s *Session) OnDocumentChange(fn func()) (cancel func()) {
	return s.engine.OnChange(fn)
}

// State exposes the transport state for status displays.
func (s *Session) State() transport.State {
	return s.conn.State()
}
