// Package websocket pushes domain events to the owner's open browser
// sessions so patient tables refresh without polling.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cardiorisk/cardiorisk/internal/platform/auth"
	"github.com/cardiorisk/cardiorisk/internal/platform/events"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxInbound   = 512
)

// Client is one connection. Events are delivered only to clients of the
// event's owner.
type Client struct {
	ID      string
	OwnerID string
	Send    chan []byte
}

func NewClient(ownerID string) *Client {
	return &Client{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Send:    make(chan []byte, sendBuffer),
	}
}

// Hub tracks connected clients by owner. It implements events.Publisher.
type Hub struct {
	mu     sync.RWMutex
	owners map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{owners: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.owners[c.OwnerID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.owners[c.OwnerID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes the client and closes its Send channel. Calling it
// twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.owners[c.OwnerID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.owners, c.OwnerID)
	}
	close(c.Send)
}

// Publish fans ev out to the owner's clients. Slow clients with a full
// buffer miss the event rather than block the caller.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.owners[ev.OwnerID] {
		select {
		case c.Send <- data:
		default:
		}
	}
	return nil
}

// ClientCount returns the number of open connections for ownerID.
func (h *Hub) ClientCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[ownerID])
}

type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts handshakes from allowedOrigins. "*" allows any origin
// and requests without an Origin header are always accepted.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/live", h.Connect, auth.RequireUser())
}

// Connect upgrades the request and streams the caller's events until the
// connection closes.
func (h *Handler) Connect(c echo.Context) error {
	ownerID := auth.UserIDFromContext(c.Request().Context())
	logger := zerolog.Ctx(c.Request().Context()).With().Str("owner_id", ownerID).Logger()

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the handshake error.
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(ownerID)
	h.hub.Register(client)
	logger.Debug().Str("client_id", client.ID).Msg("live client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

// readPump only consumes control frames; clients never send data.
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxInbound)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
