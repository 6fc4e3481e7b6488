package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts websocket upgrades, records every envelope it
// receives and can push frames to the most recent client.
type echoServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	received []Envelope
	conns    []*websocket.Conn
	dropNext bool
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, ws)
		drop := es.dropNext
		es.dropNext = false
		es.mu.Unlock()
		if drop {
			ws.Close()
			return
		}
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(raw, &env) == nil {
				es.mu.Lock()
				es.received = append(es.received, env)
				es.mu.Unlock()
				if env.Type == TypePing {
					pong, _ := NewEnvelope(TypePong, "server", Heartbeat{TS: time.Now().UnixMilli()})
					msg, _ := json.Marshal(pong)
					ws.WriteMessage(websocket.TextMessage, msg)
				}
			}
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *echoServer) url() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func (es *echoServer) envelopes(msgType string) []Envelope {
	es.mu.Lock()
	defer es.mu.Unlock()
	var out []Envelope
	for _, env := range es.received {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (es *echoServer) push(env Envelope) {
	es.mu.Lock()
	defer es.mu.Unlock()
	require.NotEmpty(es.t, es.conns, "no client connected")
	msg, err := json.Marshal(env)
	require.NoError(es.t, err)
	require.NoError(es.t, es.conns[len(es.conns)-1].WriteMessage(websocket.TextMessage, msg))
}

func (es *echoServer) closeClients() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, ws := range es.conns {
		ws.Close()
	}
	es.conns = nil
}

func (es *echoServer) connCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.conns)
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		ClientID:          "client-1",
		HeartbeatInterval: time.Minute,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	}
}

func TestConnectAndSend(t *testing.T) {
	es := newEchoServer(t)
	c := New(testConfig(es.url()))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())

	env, err := NewEnvelope(TypeDelta, "client-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, c.Send(env))

	require.Eventually(t, func() bool {
		return len(es.envelopes(TypeDelta)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnectIsIdempotent(t *testing.T) {
	es := newEchoServer(t)
	c := New(testConfig(es.url()))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, es.connCount())
}

func TestBufferedMessagesFlushInOrder(t *testing.T) {
	es := newEchoServer(t)
	c := New(testConfig(es.url()))
	defer c.Close()

	for _, k := range []string{"first", "second", "third"} {
		env, err := NewEnvelope(TypeDelta, "client-1", map[string]string{"k": k})
		require.NoError(t, err)
		require.NoError(t, c.Send(env))
	}
	assert.Equal(t, 3, c.Buffered())

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(es.envelopes(TypeDelta)) == 3
	}, time.Second, 5*time.Millisecond)

	var keys []string
	for _, env := range es.envelopes(TypeDelta) {
		var m map[string]string
		require.NoError(t, json.Unmarshal(env.Data, &m))
		keys = append(keys, m["k"])
	}
	assert.Equal(t, []string{"first", "second", "third"}, keys)
	assert.Zero(t, c.Buffered())
}

func TestSendWithBufferingDisabledDrops(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:0")
	cfg.DisableBuffering = true
	c := New(cfg)
	defer c.Close()

	env, err := NewEnvelope(TypeDelta, "client-1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(env), ErrNotConnected)
	assert.Zero(t, c.Buffered())
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	var errs int
	var mu sync.Mutex
	cfg := testConfig("ws://127.0.0.1:1") // nothing listens here
	cfg.MaxReconnectAttempts = 3
	cfg.OnError = func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	}
	c := New(cfg)
	defer c.Close()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, c.State())

	mu.Lock()
	attempts := errs
	mu.Unlock()
	assert.Equal(t, 3, attempts)

	// No further automatic attempts once the budget is spent.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, attempts, errs)
	mu.Unlock()
	assert.Equal(t, Disconnected, c.State())
}

func TestReconnectAfterDrop(t *testing.T) {
	es := newEchoServer(t)
	cfg := testConfig(es.url())
	cfg.MaxReconnectAttempts = UnlimitedReconnects
	c := New(cfg)
	defer c.Close()

	var states []State
	var mu sync.Mutex
	c.SubscribeState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	es.closeClients()

	require.Eventually(t, func() bool {
		return c.State() == Connected && es.connCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, Reconnecting)
}

func TestSilentConnectionIsRedialed(t *testing.T) {
	// A server that accepts the upgrade and swallows every frame
	// without ever replying: no pongs, no traffic.
	var dials int
	var mu sync.Mutex
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = UnlimitedReconnects
	c := New(cfg)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	// The dead-connection timer must tear the session down and redial.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 3*time.Second, 10*time.Millisecond, "silent connection was never torn down")
}

func TestHeartbeatPingAndPong(t *testing.T) {
	es := newEchoServer(t)
	cfg := testConfig(es.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(es.envelopes(TypePing)) >= 2
	}, time.Second, 5*time.Millisecond)
	// Pongs keep the connection alive; it must not have been torn down.
	assert.Equal(t, Connected, c.State())
}

func TestDispatchIsolatesPanickingHandler(t *testing.T) {
	es := newEchoServer(t)
	c := New(testConfig(es.url()))
	defer c.Close()

	var got []Envelope
	var mu sync.Mutex
	c.Subscribe(TypeAwareness, func(Envelope) { panic("bad handler") })
	c.Subscribe(TypeAwareness, func(env Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	env, err := NewEnvelope(TypeAwareness, "peer", map[string]string{"name": "ada"})
	require.NoError(t, err)
	es.push(env)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	es := newEchoServer(t)
	c := New(testConfig(es.url()))
	defer c.Close()

	var count int
	var mu sync.Mutex
	cancel := c.Subscribe(TypeDelta, func(Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	env, err := NewEnvelope(TypeDelta, "peer", nil)
	require.NoError(t, err)

	es.push(env)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	es.push(env)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestCloseDiscardsBufferAndHandlers(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:0"))
	env, err := NewEnvelope(TypeDelta, "client-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(env))
	require.Equal(t, 1, c.Buffered())

	c.Close()

	assert.Zero(t, c.Buffered())
	assert.ErrorIs(t, c.Send(env), ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	c.Close() // idempotent
}
