// Package realtime streams market events to WebSocket clients.
//
// The Hub is a notify.Publisher. Each connected client holds a filter
// (event types, bonds, listings, participants) that it can replace at any
// time by sending a JSON Filter message. Clients that fall behind are
// dropped rather than allowed to stall the market.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/metrics"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/notify"
)

const (
	MaxClients = 10000

	sendBuffer   = 256
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Filter selects the events a client receives. Empty fields match
// everything; non-empty fields must all match.
type Filter struct {
	Types      []notify.Type `json:"types"`
	BondIDs    []string      `json:"bondIds"`
	ListingIDs []string      `json:"listingIds"`
	UserIDs    []string      `json:"userIds"`
}

func (f Filter) normalized() Filter {
	ids := make([]string, len(f.UserIDs))
	for i, id := range f.UserIDs {
		ids[i] = bonds.NormalizeID(id)
	}
	f.UserIDs = ids
	return f
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev notify.Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	if len(f.BondIDs) > 0 && !slices.Contains(f.BondIDs, ev.BondID) {
		return false
	}
	if len(f.ListingIDs) > 0 && !slices.Contains(f.ListingIDs, ev.ListingID) {
		return false
	}
	if len(f.UserIDs) > 0 && !slices.ContainsFunc(ev.Participants(), func(id string) bool {
		return slices.Contains(f.UserIDs, id)
	}) {
		return false
	}
	return true
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	filter Filter
}

func (c *Client) wants(ev notify.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Matches(ev)
}

func (c *Client) setFilter(f Filter) {
	c.mu.Lock()
	c.filter = f.normalized()
	c.mu.Unlock()
}

type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan encodedEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run returns
	maxClients int

	totalEvents  atomic.Int64
	droppedSlow  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// encodedEvent carries an event with its encoding so each broadcast is
// marshaled once.
type encodedEvent struct {
	ev  notify.Event
	raw []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan encodedEvent, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.totalEvents.Add(1)
			var slow []*Client
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.ev) {
					continue
				}
				select {
				case c.send <- msg.raw:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.droppedSlow.Add(1)
				h.drop(c)
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Publish queues ev for every matching client. A full queue drops the
// event and reports it.
func (h *Hub) Publish(_ context.Context, ev notify.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- encodedEvent{ev: ev, raw: raw}:
		return nil
	default:
		metrics.EventPublishFailures.WithLabelValues("websocket").Inc()
		h.logger.Warn("realtime broadcast queue full, dropping event", "type", ev.Type)
		return nil
	}
}

type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedSlow      int64 `json:"droppedSlow"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedSlow:      h.droppedSlow.Load(),
	}
}

// HandleWebSocket upgrades the request. Query parameters bond, listing and
// user seed the client's filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	c.setFilter(filterFromQuery(r))

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func filterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	var f Filter
	for _, t := range q["type"] {
		f.Types = append(f.Types, notify.Type(t))
	}
	f.BondIDs = q["bond"]
	f.ListingIDs = q["listing"]
	f.UserIDs = q["user"]
	return f
}

// readPump applies filter updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var f Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		c.setFilter(f)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
