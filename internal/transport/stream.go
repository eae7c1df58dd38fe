package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2a-core/agenthub/internal/messaging"
)

// Frame types exchanged over the stream transport.
const (
	FrameAuth            = "auth"
	FrameAuthResponse    = "auth_response"
	FrameMessage         = "message"
	FrameBroadcast       = "broadcast"
	FrameMessageResponse = "message_response"

	pathStream = "/a2a/stream"
)

// Frame is the envelope every stream frame is encoded as.
type Frame struct {
	Type          string              `json:"type"`
	Token         string              `json:"token,omitempty"`
	Authenticated bool                `json:"authenticated,omitempty"`
	AgentID       string              `json:"agent_id,omitempty"`
	Status        string              `json:"status,omitempty"`
	MessageID     string              `json:"message_id,omitempty"`
	Data          *messaging.Message `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamClient is one authenticated peer connection.
type streamClient struct {
	agentID string
	conn    *websocket.Conn
	send    chan Frame
	hub     *Hub
}

// Hub fans broadcast frames out to every live authenticated connection,
// pruning peers whose send buffer is full or whose connection has
// dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]bool

	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan Frame

	svc    *messaging.Service
	auth   Authenticator
	logger *slog.Logger
}

// NewHub builds a stream transport Hub backed by svc for delivering
// inbound messages and auth for the handshake.
func NewHub(svc *messaging.Service, auth Authenticator, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan Frame, 256),
		svc:        svc,
		auth:       auth,
		logger:     logger,
	}
}

// Run processes register/unregister/broadcast events until ctx is
// canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*streamClient, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				select {
				case c.send <- frame:
				default:
					h.mu.Lock()
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Broadcast fans frame out to every live connection.
func (h *Hub) Broadcast(m *messaging.Message) {
	h.broadcast <- Frame{Type: FrameBroadcast, Data: m}
}

// ClientCount reports the number of live authenticated connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve runs the hub's register/unregister/broadcast loop and serves
// WebSocket upgrade requests on addr until ctx is canceled.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	go h.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(pathStream, h.ServeHTTP)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeHTTP upgrades the connection, performs the auth handshake, and
// then pumps frames in both directions until the connection drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("stream upgrade failed", "error", err)
		return
	}

	var authFrame Frame
	if err := conn.ReadJSON(&authFrame); err != nil || authFrame.Type != FrameAuth {
		conn.WriteJSON(Frame{Type: FrameAuthResponse, Authenticated: false})
		conn.Close()
		return
	}

	valid, agentID, err := h.auth.ValidateAuthentication(authFrame.Token, []string{"a2a:messaging"})
	if err != nil || !valid {
		conn.WriteJSON(Frame{Type: FrameAuthResponse, Authenticated: false})
		conn.Close()
		return
	}
	if err := conn.WriteJSON(Frame{Type: FrameAuthResponse, Authenticated: true, AgentID: agentID}); err != nil {
		conn.Close()
		return
	}

	client := &streamClient{
		agentID: agentID,
		conn:    conn,
		send:    make(chan Frame, 256),
		hub:     h,
	}
	h.register <- client

	go client.writePump()
	client.readPump(r.Context(), h.svc, h.logger)
}

func (c *streamClient) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (c *streamClient) readPump(ctx context.Context, svc *messaging.Service, logger *slog.Logger) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameMessage:
			if frame.Data == nil {
				continue
			}
			c.send <- c.dispatchMessage(ctx, svc, logger, frame.Data)
		case FrameBroadcast:
			if frame.Data == nil {
				continue
			}
			c.hub.Broadcast(frame.Data)
			c.send <- Frame{Type: FrameMessageResponse, Status: "ok", MessageID: frame.Data.MessageID}
		default:
			logger.WarnContext(ctx, "unknown stream frame type", "type", frame.Type)
		}
	}
}

// dispatchMessage delivers m into its receiver's mailbox, then invokes
// any handler registered for its type, the same two-step decode the
// HTTP transport performs in Server.decodeInbound/handleMessage. A
// handler-built response rides back in Data, same as the HTTP
// transport's statusBody.Response.
func (c *streamClient) dispatchMessage(ctx context.Context, svc *messaging.Service, logger *slog.Logger, m *messaging.Message) Frame {
	if err := svc.DeliverInbound(ctx, m); err != nil {
		logger.WarnContext(ctx, "stream message rejected", "error", err, "sender_id", m.SenderID)
		return Frame{Type: FrameMessageResponse, Status: "error", MessageID: m.MessageID}
	}

	resp, err := svc.Dispatch(ctx, m)
	if err != nil && !errors.Is(err, messaging.ErrNotFound) {
		logger.WarnContext(ctx, "stream message handler failed", "error", err, "message_id", m.MessageID)
		return Frame{Type: FrameMessageResponse, Status: "error", MessageID: m.MessageID}
	}

	return Frame{Type: FrameMessageResponse, Status: "ok", MessageID: m.MessageID, Data: resp}
}
