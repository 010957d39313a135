// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay forwards job progress events to WebSocket clients.
//
// A client subscribes either to one job or to every job of a session. Job
// subscriptions are closed by the hub after the job's terminal event; session
// subscriptions stay open until the client disconnects. Clients that cannot
// keep up are disconnected rather than slowing down the queue.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kraklabs/ingestd/pkg/queue"
)

// Connection defaults.
const (
	DefaultWriteWait  = 10 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultSendBuffer = 64

	maxMessageSize = 512
)

// Config tunes a Hub. Zero values select the defaults.
type Config struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	SendBuffer int

	// CheckOrigin is passed to the WebSocket upgrader. Nil allows any origin.
	CheckOrigin func(r *http.Request) bool
}

// Subscription selects the events a client receives.
type Subscription struct {
	JobID     string
	SessionID string

	// Snapshot, when set, is sent before any live event. A job-completed
	// snapshot ends the subscription right away.
	Snapshot *queue.Event

	// Final, when set, is called once the client is registered. A non-nil
	// result is the terminal event of a job that finished before the client
	// could see it live; it is sent and the subscription ends.
	Final func() *queue.Event
}

func (s Subscription) matches(e queue.Event) bool {
	if s.JobID != "" {
		return e.JobID == s.JobID
	}
	return s.SessionID != "" && e.SessionID == s.SessionID
}

// Hub fans events out to subscribed clients. It implements queue.Relay.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	sub  Subscription
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Publish implements queue.Relay. It never blocks on a client.
func (h *Hub) Publish(e queue.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("relay.encode.error", "job_id", e.JobID, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.sub.matches(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			recordClientDropped()
			h.logger.Warn("relay.client.slow", "job_id", c.sub.JobID, "session_id", c.sub.SessionID)
			h.removeLocked(c)
			continue
		}
		if e.Type == queue.EventJobCompleted && c.sub.JobID != "" {
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeWS upgrades the request and streams events matching sub until the
// subscription ends or the client goes away. It blocks for the lifetime of
// the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sub Subscription) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{sub: sub, conn: conn, send: make(chan []byte, h.cfg.SendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		return conn.Close()
	}
	h.clients[c] = struct{}{}
	if sub.Snapshot != nil {
		if msg, err := json.Marshal(sub.Snapshot); err == nil {
			c.send <- msg
		}
		if sub.Snapshot.Type == queue.EventJobCompleted {
			h.removeLocked(c)
		}
	}
	h.mu.Unlock()

	addClients(1)
	h.logger.Debug("relay.client.connected", "job_id", sub.JobID, "session_id", sub.SessionID)

	if sub.Final != nil {
		if ev := sub.Final(); ev != nil {
			h.finish(c, *ev)
		}
	}

	go h.writePump(c)
	h.readPump(c)

	addClients(-1)
	h.logger.Debug("relay.client.disconnected", "job_id", sub.JobID, "session_id", sub.SessionID)
	return nil
}

// finish delivers a terminal event to c unless c already got one live.
func (h *Hub) finish(c *client, e queue.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		recordClientDropped()
	}
	h.removeLocked(c)
}

// removeLocked unregisters c and closes its send channel; the writer then
// sends a close frame. h.mu must be held.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// readPump consumes control frames so pongs are seen. Clients are not
// expected to send data.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("relay.client.read_error", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			recordEventSent()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
