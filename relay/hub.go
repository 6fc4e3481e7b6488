// Package relay implements the room server the clients connect to: a
// websocket hub per room that fans frames out to every other member,
// replays recent deltas to late joiners, and optionally bridges rooms
// across relay instances through Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"collabcanvas/transport"
)

const defaultCatchUpLimit = 512

// Archiver persists delta frames beyond the in-memory catch-up
// buffer. *Archive implements it on Postgres.
type Archiver interface {
	Append(ctx context.Context, room, sender string, payload []byte) error
	Replay(ctx context.Context, room string, limit int) ([][]byte, error)
}

// Config configures a Hub. Redis and Archive are optional; without
// Redis a room only spans this instance, without an Archive catch-up
// is limited to the in-memory buffer.
type Config struct {
	Redis        *redis.Client
	Archive      Archiver
	CatchUpLimit int
	Logger       *slog.Logger
}

// Hub owns the rooms of one relay instance.
type Hub struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
	done   chan struct{}
}

// NewHub creates an empty hub.
func NewHub(cfg Config) *Hub {
	if cfg.CatchUpLimit <= 0 {
		cfg.CatchUpLimit = defaultCatchUpLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		cfg:   cfg,
		log:   cfg.Logger,
		rooms: make(map[string]*room),
		done:  make(chan struct{}),
	}
}

// Close stops every room loop. Connected clients are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()
}

// Rooms returns how many rooms are currently open.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Join registers a fresh websocket in a room and starts its pumps.
// The call returns when the connection's read side ends.
func (h *Hub) Join(roomName string, ws *websocket.Conn) {
	cl := &client{ws: ws, send: make(chan []byte, 256)}
	// The write pump must be draining before catch-up replay starts.
	go cl.writePump()

	for {
		rm := h.room(roomName)
		if rm == nil {
			close(cl.send)
			return
		}
		cl.room = rm
		select {
		case rm.register <- cl:
			cl.readPump()
			return
		case <-rm.closed:
			// Lost the race against the reap of an emptied room; fetch
			// a fresh one.
		}
	}
}

// room returns the live room with this name, creating it on first
// join. Returns nil when the hub is closed.
func (h *Hub) room(name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	rm, ok := h.rooms[name]
	if !ok {
		rm = newRoom(h, name)
		h.rooms[name] = rm
		roomsGauge.Set(float64(len(h.rooms)))
		go rm.run()
		if h.cfg.Redis != nil {
			go rm.redisLoop()
		}
	}
	return rm
}

// reap removes an emptied room so its goroutines and subscription can
// stop. It fails when the room was already replaced under this name.
func (h *Hub) reap(r *room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.name] != r {
		return false
	}
	delete(h.rooms, r.name)
	roomsGauge.Set(float64(len(h.rooms)))
	return true
}

// inbound is one frame received from a member.
type inbound struct {
	origin  *client
	payload []byte
}

type room struct {
	hub  *Hub
	name string
	log  *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan inbound
	fromRedis  chan []byte
	closed     chan struct{} // closed when the room is reaped

	// Owned by run(); no lock needed.
	clients map[*client]bool
	recent  [][]byte
}

func newRoom(h *Hub, name string) *room {
	return &room{
		hub:        h,
		name:       name,
		log:        h.log.With("room", name),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan inbound, 64),
		fromRedis:  make(chan []byte, 64),
		closed:     make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// run is the room's single owner goroutine, in the shape of a classic
// hub loop: every mutation of the member set and the catch-up buffer
// happens here.
func (r *room) run() {
	for {
		select {
		case cl := <-r.register:
			r.catchUp(cl)
			r.clients[cl] = true
			clientsGauge.WithLabelValues(r.name).Set(float64(len(r.clients)))
			r.log.Info("client joined", "clients", len(r.clients))

		case cl := <-r.unregister:
			if _, ok := r.clients[cl]; ok {
				delete(r.clients, cl)
				close(cl.send)
				clientsGauge.WithLabelValues(r.name).Set(float64(len(r.clients)))
				r.log.Info("client left", "clients", len(r.clients))
			}
			if len(r.clients) == 0 && r.hub.reap(r) {
				close(r.closed)
				clientsGauge.DeleteLabelValues(r.name)
				r.log.Info("room closed")
				return
			}

		case in := <-r.broadcast:
			messagesTotal.WithLabelValues(r.name).Inc()
			if r.hub.cfg.Redis != nil {
				// The subscription loop delivers it to every local
				// member, including members of other relay instances.
				r.publish(in.payload)
				continue
			}
			r.remember(in.payload)
			for cl := range r.clients {
				if cl == in.origin {
					continue
				}
				r.deliver(cl, in.payload)
			}

		case payload := <-r.fromRedis:
			r.remember(payload)
			for cl := range r.clients {
				r.deliver(cl, payload)
			}

		case <-r.hub.done:
			for cl := range r.clients {
				close(cl.send)
			}
			return
		}
	}
}

// deliver enqueues without blocking the loop; a member that cannot
// keep up is dropped.
func (r *room) deliver(cl *client, payload []byte) {
	select {
	case cl.send <- payload:
	default:
		delete(r.clients, cl)
		close(cl.send)
		clientsGauge.WithLabelValues(r.name).Set(float64(len(r.clients)))
		r.log.Warn("dropping slow client")
	}
}

// remember buffers deltas for late joiners and appends them to the
// archive when one is configured. Only delta frames matter for
// catch-up; awareness and membership are ephemeral.
func (r *room) remember(payload []byte) {
	var env struct {
		Type   string `json:"type"`
		Sender string `json:"sender"`
	}
	if json.Unmarshal(payload, &env) != nil || env.Type != transport.TypeDelta {
		return
	}
	r.recent = append(r.recent, payload)
	if over := len(r.recent) - r.hub.cfg.CatchUpLimit; over > 0 {
		r.recent = append([][]byte(nil), r.recent[over:]...)
	}
	if a := r.hub.cfg.Archive; a != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.Append(ctx, r.name, env.Sender, payload); err != nil {
				r.log.Error("archive append failed", "error", err)
			}
		}()
	}
}

// catchUp replays history to a joining client: the archive first (it
// reaches further back), falling back to the in-memory buffer when the
// archive is absent or unavailable. Replayed deltas may overlap;
// merges on the client are idempotent so duplicates are harmless.
func (r *room) catchUp(cl *client) {
	if a := r.hub.cfg.Archive; a != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		payloads, err := a.Replay(ctx, r.name, r.hub.cfg.CatchUpLimit)
		cancel()
		if err == nil {
			for _, p := range payloads {
				cl.send <- p
			}
			return
		}
		r.log.Error("archive replay failed, serving the in-memory buffer", "error", err)
	}
	for _, p := range r.recent {
		cl.send <- p
	}
}

type client struct {
	room *room
	ws   *websocket.Conn
	send chan []byte
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.room.unregister <- c:
		case <-c.room.closed:
		case <-c.room.hub.done:
		}
		c.ws.Close()
	}()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env transport.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.room.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if env.Type == transport.TypePing {
			// Heartbeats are answered directly; they never fan out.
			pong := transport.Envelope{Type: transport.TypePong, Sender: "relay", Data: env.Data}
			if msg, err := json.Marshal(pong); err == nil {
				select {
				case c.send <- msg:
				default:
				}
			}
			continue
		}
		select {
		case c.room.broadcast <- inbound{origin: c, payload: payload}:
		case <-c.room.closed:
			return
		case <-c.room.hub.done:
			return
		}
	}
}

func (c *client) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.ws.WriteMessage(websocket.CloseMessage, []byte{})
}
