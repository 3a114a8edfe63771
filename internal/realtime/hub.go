// Package realtime streams committed ledger events over WebSocket.
//
// A connection receives every event until it sends a Filter. Each filter
// replaces the previous one and is acknowledged with a "subscribed" frame.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/stakeledger/internal/metrics"
	"github.com/mbd888/stakeledger/internal/staking"
)

var _ staking.EventSink = (*Hub)(nil)

const (
	DefaultMaxConns = 10000

	queueSize    = 256
	sendBuffer   = 64
	maxFrameSize = 4096
	pongWait     = 60 * time.Second
	pingEvery    = 25 * time.Second
	writeWait    = 10 * time.Second
)

// Frame kinds.
const (
	KindEvent      = "event"
	KindSubscribed = "subscribed"
)

// Frame is what a client reads.
type Frame struct {
	Kind   string         `json:"kind"`
	Event  *staking.Event `json:"event,omitempty"`
	Filter *Filter        `json:"filter,omitempty"`
}

// Filter narrows a connection's stream. Empty fields match everything;
// owners compare case-insensitively.
type Filter struct {
	Types  []staking.EventType `json:"types,omitempty"`
	Owners []string            `json:"owners,omitempty"`
	Items  []string            `json:"items,omitempty"`
}

// Match reports whether e passes f. A nil filter matches everything.
func (f *Filter) Match(e *staking.Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !anyOf(f.Types, func(t staking.EventType) bool { return t == e.Type }) {
		return false
	}
	if len(f.Owners) > 0 && !anyOf(f.Owners, func(o string) bool { return strings.EqualFold(o, e.Owner) }) {
		return false
	}
	if len(f.Items) > 0 && !anyOf(f.Items, func(i string) bool { return i == e.ItemID }) {
		return false
	}
	return true
}

func anyOf[T any](list []T, pred func(T) bool) bool {
	for _, v := range list {
		if pred(v) {
			return true
		}
	}
	return false
}

type conn struct {
	ws     *websocket.Conn
	out    chan []byte
	filter atomic.Pointer[Filter]
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxConns caps concurrent connections.
func WithMaxConns(n int) Option {
	return func(h *Hub) { h.maxConns = n }
}

// WithOrigins lists browser origins allowed to connect besides the API's
// own host. "*" allows any.
func WithOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				h.origins[o] = true
			}
		}
	}
}

// Hub fans ledger events out to WebSocket connections. It implements
// staking.EventSink.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  map[string]bool
	maxConns int
	queue    chan *staking.Event

	mu     sync.Mutex
	conns  map[*conn]struct{}
	peak   int
	closed bool

	published atomic.Int64
}

// NewHub returns a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:   logger,
		origins:  make(map[string]bool),
		maxConns: DefaultMaxConns,
		queue:    make(chan *staking.Event, queueSize),
		conns:    make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins["*"] || h.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Publish queues e for delivery. It never blocks; events are dropped when
// the queue is full.
func (h *Hub) Publish(e *staking.Event) {
	if e == nil {
		return
	}
	select {
	case h.queue <- e:
	default:
		metrics.WebSocketDroppedEvents.WithLabelValues("queue_full").Inc()
		h.logger.Warn("realtime queue full, dropping event", "event_id", e.ID, "type", e.Type)
	}
}

// Run delivers queued events until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.queue:
			h.fanOut(e)
		}
	}
}

func (h *Hub) fanOut(e *staking.Event) {
	frame, err := json.Marshal(Frame{Kind: KindEvent, Event: e})
	if err != nil {
		h.logger.Error("failed to encode event", "event_id", e.ID, "error", err)
		return
	}
	h.published.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if !c.filter.Load().Match(e) {
			continue
		}
		select {
		case c.out <- frame:
		default:
			// connections a full buffer behind are dropped
			metrics.WebSocketDroppedEvents.WithLabelValues("slow_client").Inc()
			h.removeLocked(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.conns {
		h.removeLocked(c)
	}
}

func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.conns) >= h.maxConns {
		return false
	}
	h.conns[c] = struct{}{}
	h.peak = max(h.peak, len(h.conns))
	metrics.ActiveWebSocketClients.Set(float64(len(h.conns)))
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked closes c's send channel once; writeLoop then closes the socket.
func (h *Hub) removeLocked(c *conn) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	close(c.out)
	metrics.ActiveWebSocketClients.Set(float64(len(h.conns)))
}

// send queues a frame for c unless c is gone or backed up.
func (h *Hub) send(c *conn, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	select {
	case c.out <- frame:
	default:
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int   `json:"peak"`
	Published int64 `json:"published"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Connected: len(h.conns), Peak: h.peak, Published: h.published.Load()}
}

// HandleWebSocket upgrades the request and streams events to it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full, closed := len(h.conns) >= h.maxConns, h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws, out: make(chan []byte, sendBuffer)}
	if !h.add(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop applies filters sent by the client until the socket fails.
func (h *Hub) readLoop(c *conn) {
	defer h.remove(c)

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		var f Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		c.filter.Store(&f)
		if ack, err := json.Marshal(Frame{Kind: KindSubscribed, Filter: &f}); err == nil {
			h.send(c, ack)
		}
	}
}

// writeLoop owns all writes to the socket.
func (h *Hub) writeLoop(c *conn) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
