// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relworker hosts the background worker side of the reliability
// bridge: a websocket hub the dashboard windows connect to, the worker logic
// that drives background sync, push display and update rollout over it, and
// the window-side link that plugs into a relsync engine.
package relworker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/philh4420/Finance-OS-sub001/relsync"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// windowClient is one connected dashboard window.
type windowClient struct {
	id     string
	origin string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// Hub tracks the connected windows and moves envelopes between them and the
// worker. Broadcasts fan out to every window; slow windows are dropped rather
// than allowed to stall the rest.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	inboundMu sync.RWMutex
	inbound   func(windowID string, env relsync.Envelope)

	mu         sync.RWMutex
	clients    map[string]*windowClient
	register   chan *windowClient
	unregister chan *windowClient
	broadcast  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub and starts its connection loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[string]*windowClient),
		register:   make(chan *windowClient),
		unregister: make(chan *windowClient),
		broadcast:  make(chan []byte, sendBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// OnInbound sets the handler for envelopes arriving from windows.
func (h *Hub) OnInbound(fn func(windowID string, env relsync.Envelope)) {
	h.inboundMu.Lock()
	defer h.inboundMu.Unlock()
	h.inbound = fn
}

func (h *Hub) dispatchInbound(windowID string, env relsync.Envelope) {
	h.inboundMu.RLock()
	fn := h.inbound
	h.inboundMu.RUnlock()
	if fn != nil {
		fn(windowID, env)
	}
}

// ServeWS upgrades an HTTP request to a window connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "http://" + r.Host
	}
	client := &windowClient{
		id:     uuid.NewString(),
		origin: origin,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// Windows lists the connected windows. Order is not guaranteed; callers treat
// the slice as an unordered set.
func (h *Hub) Windows() []relsync.WindowRef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]relsync.WindowRef, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, relsync.WindowRef{ID: c.id, Origin: c.origin})
	}
	return out
}

// WindowCount reports how many windows are connected.
func (h *Hub) WindowCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends the envelope to every connected window.
func (h *Hub) Broadcast(env relsync.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- raw:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// SendTo delivers the envelope to one window. Unknown ids are dropped
// silently; the window may have just disconnected.
func (h *Hub) SendTo(windowID string, env relsync.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	// Holding the read lock keeps run from closing the channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[windowID]
	if !ok {
		return nil
	}
	select {
	case client.send <- raw:
	default:
		h.logger.Debug("window send buffer full, dropping message", "window", windowID)
	}
	return nil
}

// Close disconnects every window and stops the hub.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("window connected", "window", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("window disconnected", "window", client.id, "total", total)

		case raw := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- raw:
				default:
					// Stalled window; drop it so the rest keep receiving.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (c *windowClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("window read failed", "window", c.id, "error", err)
			}
			return
		}
		env, err := relsync.DecodeEnvelope(raw)
		if err != nil {
			c.hub.logger.Debug("dropping malformed window message", "window", c.id, "error", err)
			continue
		}
		c.hub.dispatchInbound(c.id, env)
	}
}

func (c *windowClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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
