// Package uibridge streams node events to a local UI over a websocket and
// accepts call commands back.
package uibridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"p2p-call/internal/contacts"
	"p2p-call/internal/p2p"
	"p2p-call/internal/telemetry"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Only loopback listeners are expected; the UI may be a file:// page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ContactView is the UI form of a contact.
type ContactView struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Online    bool   `json:"online"`
}

// Message is one event pushed to the UI.
type Message struct {
	Type    string       `json:"type"`
	Contact *ContactView `json:"contact,omitempty"`
	Remote  string       `json:"remote,omitempty"`
	State   string       `json:"state,omitempty"`
	Error   string       `json:"error,omitempty"`
	Change  string       `json:"change,omitempty"`
	Time    time.Time    `json:"time"`
}

// Command is sent by the UI: action is accept, decline or hangup.
type Command struct {
	Action string `json:"action"`
}

// FromEvent converts a server event.
func FromEvent(e p2p.Event) Message {
	m := Message{Type: string(e.Type), Remote: e.Remote, Time: time.Now().UTC()}
	if !e.Contact.PublicKey.IsZero() {
		m.Contact = &ContactView{
			Name:      e.Contact.Name,
			PublicKey: e.Contact.PublicKey.Hex(),
			Online:    e.Contact.State == contacts.StateOnline,
		}
	}
	switch e.Type {
	case p2p.EventCallStateChanged:
		m.State = e.State.To.String()
		if e.State.Err != nil {
			m.Error = e.State.Err.Error()
		}
	case p2p.EventIncomingCall:
		if e.Call != nil {
			m.State = e.Call.State().String()
		}
	case p2p.EventContactChanged:
		m.Change = string(e.Change)
	}
	return m
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans messages out to all connected UI clients.
type Hub struct {
	log       logrus.FieldLogger
	onCommand func(Command)

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(logger logrus.FieldLogger, onCommand func(Command)) *Hub {
	return &Hub{
		log:       telemetry.Component(logger, "uibridge"),
		onCommand: onCommand,
		clients:   make(map[*client]struct{}),
	}
}

// Clients returns the number of connected UIs.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues m for every client. A client that cannot keep up is
// disconnected.
func (h *Hub) Broadcast(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			h.log.Warn("ui client too slow, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Pump forwards server events until ctx ends or the channel closes.
func (h *Hub) Pump(ctx context.Context, events <-chan p2p.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(FromEvent(e))
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade")
		return
	}
	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(c)
	h.writeLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for m := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(m); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return
		}
		if h.onCommand != nil && cmd.Action != "" {
			h.onCommand(cmd)
		}
	}
}

// Serve listens on addr and serves the hub on /events until ctx ends.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	h.log.WithField("addr", ln.Addr().String()).Info("ui bridge listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
