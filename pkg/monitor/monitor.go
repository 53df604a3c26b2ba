// Package monitor streams event loop transitions to websocket clients and
// serves the latest loop status over HTTP.
package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/microsoft/microsoft-bonsai-api/pkg/messaging"
)

var ErrTooManyConnections = errors.New("too many monitor connections")

const (
	MsgStatus     = "status"
	MsgTransition = "transition"
)

// WSMessage is the envelope sent to clients.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Transition is the client view of a messaging.Message.
type Transition struct {
	Kind      messaging.Kind `json:"kind"`
	SessionID string         `json:"sessionId"`
	Episode   int            `json:"episode,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	Action    map[string]any `json:"action,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func toTransition(msg messaging.Message) Transition {
	t := Transition{Kind: msg.Kind, SessionID: msg.SessionID, Timestamp: msg.Timestamp}
	if msg.Kind == messaging.KindIteration {
		t.Episode = msg.Iteration.Episode
		t.Iteration = msg.Iteration.Iteration
		t.State = msg.Iteration.State
		t.Action = msg.Iteration.Action
	}
	return t
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans transitions out to connected clients. A client that
// cannot keep up is disconnected.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	maxClients int
	status     func() any
	logger     *logrus.Logger
}

// NewBroadcaster creates a broadcaster. status, when set, is sent to every
// new client and served at /status.
func NewBroadcaster(status func() any, maxClients int, logger *logrus.Logger) *Broadcaster {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broadcaster{
		clients:    make(map[*client]bool),
		maxClients: maxClients,
		status:     status,
		logger:     logger,
	}
}

// Run broadcasts every message from ch until ch is closed.
func (b *Broadcaster) Run(ch <-chan messaging.Message) {
	for msg := range ch {
		b.broadcast(WSMessage{Type: MsgTransition, Payload: toTransition(msg)})
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()

	if b.status != nil {
		data, err := json.Marshal(WSMessage{Type: MsgStatus, Payload: b.status()})
		if err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to encode monitor message")
		return
	}

	// sends happen under the read lock so no channel is closed mid-send
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("Monitor client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

// Handler serves /ws and /status.
func (b *Broadcaster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/status", b.handleStatus)
	return mux
}

func (b *Broadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithError(err).Warn("Monitor upgrade failed")
		return
	}

	c, err := b.AddClient(conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	b.logger.WithField("remote", r.RemoteAddr).Debug("Monitor client connected")

	go func() {
		defer func() {
			b.RemoveClient(c)
			b.logger.WithField("remote", r.RemoteAddr).Debug("Monitor client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) handleStatus(w http.ResponseWriter, r *http.Request) {
	if b.status == nil {
		http.Error(w, "no status source", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(b.status()); err != nil {
		b.logger.WithError(err).Warn("Failed to encode status")
	}
}
