// Package transport implements the A2A transport layer: an HTTP/2
// request/response transport and a persistent framed WebSocket stream
// transport, both with bearer-token enforcement ahead of body parsing.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/a2a-core/agenthub/internal/messaging"
	"github.com/a2a-core/agenthub/internal/observability"
)

const (
	headerAuthorization  = "Authorization"
	headerMessageType    = "A2A-Message-Type"
	headerSender         = "A2A-Sender"
	headerReceiver       = "A2A-Receiver"
	headerCorrelationID  = "A2A-Correlation-ID"
	headerEncrypted      = "A2A-Encrypted"
	pathMessage          = "/a2a/message"
	pathEncrypted        = "/a2a/encrypted"
	defaultClientTimeout = 30 * time.Second
	defaultMaxConns      = 100
)

// Authenticator validates a bearer token carrying the required
// permission set before a request body is parsed.
type Authenticator interface {
	ValidateAuthentication(token string, requiredPermissions []string) (bool, string, error)
}

type contextKey string

const agentIDContextKey contextKey = "a2a_agent_id"

// AgentIDFromContext extracts the authenticated sender's agent id, set
// by Server once a request passes authentication.
func AgentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(agentIDContextKey).(string)
	return id, ok
}

// InboundHandler is invoked for every authenticated inbound message.
// Receiving a non-nil response means the caller should transmit it back
// over this same request/connection; Server's HTTP handler does this
// for the request path automatically.
type InboundHandler func(ctx context.Context, m *messaging.Message) (*messaging.Message, error)

// Server is the HTTP/2 transport server exposing POST /a2a/message and
// POST /a2a/encrypted.
type Server struct {
	svc     *messaging.Service
	auth    Authenticator
	handler InboundHandler
	trace   *observability.TraceManager
	logger  *slog.Logger

	certFile, keyFile string
	httpServer        *http.Server
}

// NewServer builds a transport Server. handler is invoked once a
// message has been authenticated and (if applicable) decrypted.
func NewServer(svc *messaging.Service, auth Authenticator, handler InboundHandler, trace *observability.TraceManager, logger *slog.Logger) *Server {
	return &Server{svc: svc, auth: auth, handler: handler, trace: trace, logger: logger}
}

// WithTLS configures the server to terminate TLS using the given cert
// and key files. If unset, the server speaks h2c (HTTP/2 over
// cleartext), suitable for development only.
func (s *Server) WithTLS(certFile, keyFile string) *Server {
	s.certFile, s.keyFile = certFile, keyFile
	return s
}

// Start serves HTTP/2 on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(pathMessage, s.handleMessage(false))
	mux.HandleFunc(pathEncrypted, s.handleMessage(true))
	mux.HandleFunc("/", s.handleNotFound)

	h2s := &http2.Server{}
	var handler http.Handler = h2c.NewHandler(mux, h2s)

	s.httpServer = &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.certFile != "" && s.keyFile != "" {
		if err := http2.ConfigureServer(s.httpServer, h2s); err != nil {
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{NextProtos: []string{"h2", "http/1.1"}}
		err := s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) handleMessage(encrypted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.trace.StartSpan(r.Context(), "transport.http.receive")
		defer span.End()

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		valid, agentID, err := s.auth.ValidateAuthentication(token, []string{"a2a:messaging"})
		if err != nil || !valid {
			s.trace.RecordError(span, fmt.Errorf("authentication failed"))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx = context.WithValue(ctx, agentIDContextKey, agentID)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		r.Body.Close()

		m, err := s.decodeInbound(ctx, body, encrypted)
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
			return
		}

		resp, err := s.handler(ctx, m)
		if err != nil {
			s.trace.RecordError(span, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		s.trace.SetSpanSuccess(span)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(statusBody{Status: "ok", Response: resp})
	}
}

func (s *Server) decodeInbound(ctx context.Context, body []byte, encrypted bool) (*messaging.Message, error) {
	var m *messaging.Message

	if !encrypted {
		var decoded messaging.Message
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, err
		}
		m = &decoded
	} else {
		var em messaging.EncryptedMessage
		if err := json.Unmarshal(body, &em); err != nil {
			return nil, err
		}
		opened, err := s.svc.Open(ctx, &em)
		if err != nil {
			return nil, err
		}
		m = opened
	}

	if err := s.svc.DeliverInbound(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

type statusBody struct {
	Status   string              `json:"status"`
	Response *messaging.Message `json:"response,omitempty"`
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get(headerAuthorization)
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

// Client is the HTTP/2 transport client, configured with a request
// pool capped at maxConns concurrent in-flight sends.
type Client struct {
	httpClient *http.Client
	inFlight   chan struct{}
	trace      *observability.TraceManager
}

// NewClient builds a Client. maxConns<=0 selects the default of 100;
// timeout<=0 selects the default of 30s.
func NewClient(maxConns int, timeout time.Duration, trace *observability.TraceManager) *Client {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http2.Transport{
				AllowHTTP: true,
			},
		},
		inFlight: make(chan struct{}, maxConns),
		trace:    trace,
	}
}

// SendMessage POSTs m to endpoint + "/a2a/message" with a bearer token and
// returns the receiving handler's response, if it built one.
func (c *Client) SendMessage(ctx context.Context, endpoint, token string, m *messaging.Message) (*messaging.Message, error) {
	return c.post(ctx, endpoint+pathMessage, token, m, false, m.MessageType, m.SenderID, m.ReceiverID, m.CorrelationID)
}

// SendEncryptedMessage POSTs em to endpoint + "/a2a/encrypted" with a bearer
// token and returns the receiving handler's response, if it built one.
func (c *Client) SendEncryptedMessage(ctx context.Context, endpoint, token string, em *messaging.EncryptedMessage) (*messaging.Message, error) {
	return c.post(ctx, endpoint+pathEncrypted, token, em, true, "", em.SenderID, em.ReceiverID, "")
}

func (c *Client) post(ctx context.Context, url, token string, payload interface{}, encrypted bool, messageType, sender, receiver, correlationID string) (*messaging.Message, error) {
	select {
	case c.inFlight <- struct{}{}:
		defer func() { <-c.inFlight }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ctx, span := c.trace.StartSpan(ctx, "transport.http.send")
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		c.trace.RecordError(span, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		c.trace.RecordError(span, err)
		return nil, err
	}
	req.Header.Set(headerAuthorization, "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if messageType != "" {
		req.Header.Set(headerMessageType, messageType)
	}
	req.Header.Set(headerSender, sender)
	req.Header.Set(headerReceiver, receiver)
	if correlationID != "" {
		req.Header.Set(headerCorrelationID, correlationID)
	}
	if encrypted {
		req.Header.Set(headerEncrypted, strconv.FormatBool(true))
	}
	traceHeaders := make(map[string]string)
	c.trace.InjectTraceContext(ctx, traceHeaders)
	for k, v := range traceHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.trace.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("transport: unexpected status %d: %s", resp.StatusCode, string(body))
		c.trace.RecordError(span, err)
		return nil, err
	}

	var status statusBody
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		c.trace.RecordError(span, err)
		return nil, fmt.Errorf("transport: failed to decode response: %w", err)
	}

	c.trace.SetSpanSuccess(span)
	return status.Response, nil
}

