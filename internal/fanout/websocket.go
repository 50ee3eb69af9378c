package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

// ErrNoListener is returned when a websocket subscription has no connected
// client. It is retryable: a client that reconnects within the retry
// budget still receives the event.
var ErrNoListener = errors.New("no websocket client connected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	id    string
	subID string
	hub   *WebsocketHub
	conn  *websocket.Conn
	send  chan []byte
}

// WebsocketHub is the websocket transport. Clients attach to one
// subscription and receive its deliveries as JSON text frames.
type WebsocketHub struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	closed  bool
}

// NewWebsocketHub creates an empty hub.
func NewWebsocketHub(logger *zap.Logger) *WebsocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketHub{
		log:     logger,
		now:     time.Now,
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

func (h *WebsocketHub) Method() models.DeliveryMethod { return models.DeliveryWebsocket }

// Serve upgrades the request and attaches the connection to subID. The
// caller is responsible for checking that the subscription exists.
func (h *WebsocketHub) Serve(w http.ResponseWriter, r *http.Request, subID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading websocket: %w", err)
	}
	c := &wsClient{
		id:    uuid.NewString(),
		subID: subID,
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
	}
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return conn.Close()
	}
	go c.writePump()
	go c.readPump()
	return nil
}

func (h *WebsocketHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.subID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.subID] = set
	}
	set[c] = struct{}{}
	h.log.Debug("websocket client attached", zap.String("subscription_id", c.subID), zap.String("client_id", c.id))
	return true
}

func (h *WebsocketHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *WebsocketHub) removeLocked(c *wsClient) {
	set, ok := h.clients[c.subID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.subID)
	}
}

// Connected returns the number of clients attached to subID.
func (h *WebsocketHub) Connected(subID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subID])
}

func (h *WebsocketHub) Deliver(_ context.Context, sub *models.Subscription, e *models.Event) error {
	msg, err := json.Marshal(newEnvelope(sub, e, h.now()))
	if err != nil {
		return Permanent(fmt.Errorf("encoding websocket envelope: %w", err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[sub.ID]
	if len(set) == 0 {
		return ErrNoListener
	}
	sent := 0
	for c := range set {
		select {
		case c.send <- msg:
			sent++
		default:
			// A client that cannot keep up is dropped.
			h.removeLocked(c)
		}
	}
	if sent == 0 {
		return fmt.Errorf("all websocket clients of %s were too slow: %w", sub.ID, ErrNoListener)
	}
	return nil
}

// Close disconnects every client.
func (h *WebsocketHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			h.removeLocked(c)
		}
	}
	return nil
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
