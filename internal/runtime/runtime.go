// Package runtime glues identity, auth, messaging, discovery, and
// transport into a runnable A2A agent: the state machine and public
// operations an agent's main() drives.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a2a-core/agenthub/internal/auth"
	"github.com/a2a-core/agenthub/internal/discovery"
	"github.com/a2a-core/agenthub/internal/identity"
	"github.com/a2a-core/agenthub/internal/messaging"
	"github.com/a2a-core/agenthub/internal/observability"
	"github.com/a2a-core/agenthub/internal/transport"
)

// State is the runtime's lifecycle stage.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const waitForMessagePollInterval = 100 * time.Millisecond

// MessageHandler processes an inbound message with the runtime's
// current auth token available for permission checks, and optionally
// returns a response to be transmitted back over the same transport.
type MessageHandler func(m *messaging.Message, token *auth.Token) (*messaging.Message, error)

// Runtime packages the five A2A components into one runnable agent.
type Runtime struct {
	mu    sync.RWMutex
	state State

	config Config
	token  *auth.Token

	identities *identity.Store
	authMgr    *auth.Manager
	msgSvc     *messaging.Service
	registry   *discovery.Registry
	sweeper    *discovery.Sweeper

	transportServer *transport.Server
	transportClient *transport.Client
	streamHub       *transport.Hub

	trace   *observability.TraceManager
	metrics *observability.MetricsManager
	logger  *slog.Logger

	cancelRun context.CancelFunc
}

// New validates cfg, applies defaults, and wires up the identity, auth,
// messaging, and discovery components. The transport and discovery
// sweeper are not started until Start.
func New(cfg Config, trace *observability.TraceManager, metrics *observability.MetricsManager, logger *slog.Logger) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	identities, err := identity.NewStore(cfg.IdentityDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to open identity store: %w", err)
	}

	authMgr, err := auth.NewManager(identities, cfg.IdentityDir, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to build auth manager: %w", err)
	}

	registry, err := discovery.NewRegistry(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to open discovery registry: %w", err)
	}

	msgSvc := messaging.NewService(identities, 0, trace, metrics, logger)

	return &Runtime{
		state:      StateUninitialized,
		config:     cfg,
		identities: identities,
		authMgr:    authMgr,
		msgSvc:     msgSvc,
		registry:   registry,
		trace:      trace,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// AgentID returns this runtime's configured agent id.
func (r *Runtime) AgentID() string {
	return r.config.AgentID
}

// State reports the runtime's current lifecycle stage.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RegisterMessageHandler installs handler for messageType. Registering
// before Initialize lets a custom handler take priority over the
// default ping/discovery_request handlers, since handlers for the same
// type run in registration order and the first non-nil response wins.
// The token passed to handler always reflects the runtime's current
// auth token, even if registered before Initialize mints one.
func (r *Runtime) RegisterMessageHandler(messageType string, handler MessageHandler) {
	r.msgSvc.RegisterHandler(messageType, func(m *messaging.Message) (*messaging.Message, error) {
		return handler(m, r.currentToken())
	})
}

// Initialize loads or creates this agent's identity, mints an auth
// token with default permissions, registers an AgentRecord with status
// "initializing", and installs the default ping/discovery_request
// handlers.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUninitialized {
		return nil
	}

	id, err := r.identities.LoadIdentity(r.config.AgentID)
	if err != nil {
		if err != identity.ErrIdentityMissing {
			return fmt.Errorf("runtime: failed to load identity: %w", err)
		}
		id, err = r.identities.CreateIdentity(r.config.AgentID, r.config.Capabilities, nil, 365)
		if err != nil {
			return fmt.Errorf("runtime: failed to create identity: %w", err)
		}
	}

	token, err := r.authMgr.AuthenticateAgent(ctx, r.config.AgentID, "jwt", r.config.Capabilities, nil)
	if err != nil {
		return fmt.Errorf("runtime: failed to mint auth token: %w", err)
	}
	r.token = token

	record := &discovery.AgentRecord{
		AgentID:      r.config.AgentID,
		AgentDID:     id.DID,
		Capabilities: r.config.Capabilities,
		Endpoints:    []string{r.config.Endpoint},
		Version:      r.config.Version,
		Status:       discovery.StatusInitializing,
	}
	if err := r.registry.RegisterAgent(record); err != nil {
		return fmt.Errorf("runtime: failed to register agent record: %w", err)
	}

	r.installDefaultHandlersLocked()

	if r.config.Protocol == "stream" {
		r.streamHub = transport.NewHub(r.msgSvc, r.authMgr, r.logger)
	} else {
		r.transportServer = transport.NewServer(r.msgSvc, r.authMgr, r.dispatchInbound, r.trace, r.logger)
		if r.config.CertFile != "" && r.config.KeyFile != "" {
			r.transportServer.WithTLS(r.config.CertFile, r.config.KeyFile)
		}
	}
	r.transportClient = transport.NewClient(r.config.MaxTransportConns, time.Duration(r.config.TransportTimeout)*time.Second, r.trace)

	r.state = StateInitialized
	return nil
}

func (r *Runtime) installDefaultHandlersLocked() {
	r.msgSvc.RegisterHandler("ping", func(m *messaging.Message) (*messaging.Message, error) {
		return m.CreateResponse("response", map[string]interface{}{"status": "pong"}), nil
	})

	r.msgSvc.RegisterHandler("discovery_request", func(m *messaging.Message) (*messaging.Message, error) {
		var caps []string
		if raw, ok := m.Payload["capabilities"].([]interface{}); ok {
			for _, c := range raw {
				if s, ok := c.(string); ok {
					caps = append(caps, s)
				}
			}
		}
		matches := r.registry.DiscoverAgents(discovery.ServiceQuery{Capabilities: caps})
		payload := map[string]interface{}{"agents": matches}
		return m.CreateResponse("discovery_response", payload), nil
	})
}

// dispatchInbound is the transport's InboundHandler: it invokes the
// message's registered handler (if any) and returns the response for
// the transport to transmit back over the inbound connection.
func (r *Runtime) dispatchInbound(ctx context.Context, m *messaging.Message) (*messaging.Message, error) {
	resp, err := r.msgSvc.Dispatch(ctx, m)
	if err != nil {
		if err == messaging.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return resp, nil
}

// Start starts the transport server and discovery sweeper, and marks
// this agent active in the registry.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInitialized {
		r.mu.Unlock()
		if r.state == StateRunning {
			return ErrAlreadyRunning
		}
		return ErrNotInitialized
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancelRun = cancel

	r.sweeper = discovery.NewSweeper(r.registry, 0, r.logger)
	r.sweeper.Start(runCtx)

	addr := r.config.TransportAddr
	server := r.transportServer
	hub := r.streamHub
	r.mu.Unlock()

	if hub != nil {
		go func() {
			if err := hub.Serve(runCtx, addr); err != nil {
				r.logger.ErrorContext(runCtx, "stream hub stopped with error", "error", err)
			}
		}()
	} else {
		go func() {
			if err := server.Start(runCtx, addr); err != nil {
				r.logger.ErrorContext(runCtx, "transport server stopped with error", "error", err)
			}
		}()
	}

	if err := r.registry.UpdateAgentStatus(r.config.AgentID, discovery.StatusActive); err != nil {
		return fmt.Errorf("runtime: failed to mark agent active: %w", err)
	}

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	return nil
}

// Stop marks this agent inactive and shuts down the transport server
// and discovery sweeper. The auth token is not revoked; it simply
// expires on its own schedule.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancel := r.cancelRun
	sweeper := r.sweeper
	r.state = StateStopped
	r.mu.Unlock()

	if err := r.registry.UpdateAgentStatus(r.config.AgentID, discovery.StatusInactive); err != nil {
		r.logger.ErrorContext(ctx, "failed to mark agent inactive", "error", err)
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// SendMessage discovers receiverID and delivers a signed message to its
// first advertised endpoint. It returns the message id on success, or
// an error if the receiver cannot be found or delivery fails. If the
// receiving handler built a response, it is enqueued into this agent's
// own mailbox so a caller waiting on WaitForMessage observes it.
func (r *Runtime) SendMessage(ctx context.Context, receiverID, messageType string, payload map[string]interface{}, correlationID string) (string, error) {
	endpoint, err := r.resolveEndpoint(receiverID)
	if err != nil {
		return "", err
	}

	m := messaging.NewMessage(r.config.AgentID, receiverID, messageType, payload)
	m.CorrelationID = correlationID

	if err := r.msgSvc.PrepareOutbound(ctx, m); err != nil {
		return "", err
	}

	token := r.currentToken()
	resp, err := r.transportClient.SendMessage(ctx, endpoint, token.Raw, m)
	if err != nil {
		return "", err
	}
	if resp != nil {
		if err := r.msgSvc.Enqueue(resp); err != nil {
			return "", err
		}
	}
	return m.MessageID, nil
}

// SendEncryptedMessage behaves like SendMessage but seals the message
// before transmission.
func (r *Runtime) SendEncryptedMessage(ctx context.Context, receiverID, messageType string, payload map[string]interface{}) (string, error) {
	endpoint, err := r.resolveEndpoint(receiverID)
	if err != nil {
		return "", err
	}

	m := messaging.NewMessage(r.config.AgentID, receiverID, messageType, payload)
	em, err := r.msgSvc.PrepareOutboundEncrypted(ctx, m)
	if err != nil {
		return "", err
	}

	token := r.currentToken()
	resp, err := r.transportClient.SendEncryptedMessage(ctx, endpoint, token.Raw, em)
	if err != nil {
		return "", err
	}
	if resp != nil {
		if err := r.msgSvc.Enqueue(resp); err != nil {
			return "", err
		}
	}
	return m.MessageID, nil
}

func (r *Runtime) resolveEndpoint(receiverID string) (string, error) {
	matches := r.registry.DiscoverAgents(discovery.ServiceQuery{AgentID: receiverID})
	if len(matches) == 0 || len(matches[0].Endpoints) == 0 {
		return "", ErrReceiverNotFound
	}
	return matches[0].Endpoints[0], nil
}

func (r *Runtime) currentToken() *auth.Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// ReceiveMessages drains this agent's mailbox.
func (r *Runtime) ReceiveMessages() []*messaging.Message {
	return r.msgSvc.ReceiveMessages(r.config.AgentID)
}

// WaitForMessage polls the mailbox every 100ms for a message of the
// given type (any type if empty) until one arrives or timeout elapses.
func (r *Runtime) WaitForMessage(ctx context.Context, messageType string, timeout time.Duration) (*messaging.Message, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitForMessagePollInterval)
	defer ticker.Stop()

	for {
		for _, m := range r.msgSvc.ReceiveMessages(r.config.AgentID) {
			if messageType == "" || m.MessageType == messageType {
				return m, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DiscoverAgents queries the discovery registry for agents matching
// capabilities (all required), truncated to max results.
func (r *Runtime) DiscoverAgents(capabilities []string, max int) []*discovery.AgentRecord {
	return r.registry.DiscoverAgents(discovery.ServiceQuery{Capabilities: capabilities, MaxResults: max})
}

// UpdateCapabilities updates this agent's advertised capabilities and
// re-registers it with discovery.
func (r *Runtime) UpdateCapabilities(caps []string) error {
	r.mu.Lock()
	r.config.Capabilities = caps
	id, err := r.identities.LoadIdentity(r.config.AgentID)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	return r.registry.RegisterAgent(&discovery.AgentRecord{
		AgentID:      r.config.AgentID,
		AgentDID:     id.DID,
		Capabilities: caps,
		Endpoints:    []string{r.config.Endpoint},
		Version:      r.config.Version,
		Status:       discovery.StatusActive,
	})
}

// Heartbeat touches this agent's last_seen in discovery.
func (r *Runtime) Heartbeat() error {
	return r.registry.Heartbeat(r.config.AgentID)
}
