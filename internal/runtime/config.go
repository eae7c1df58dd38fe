package runtime

import "errors"

// Errors surfaced by Config validation and Runtime lifecycle methods.
var (
	ErrMissingAgentID     = errors.New("runtime: agent id is required")
	ErrMissingName        = errors.New("runtime: agent name is required")
	ErrMissingDescription = errors.New("runtime: agent description is required")
	ErrMissingEndpoint    = errors.New("runtime: agent endpoint is required")
	ErrNotInitialized     = errors.New("runtime: agent has not been initialized")
	ErrAlreadyRunning     = errors.New("runtime: agent is already running")
	ErrNotRunning         = errors.New("runtime: agent is not running")
	ErrReceiverNotFound   = errors.New("runtime: receiver not found in discovery")
)

// Config configures a single Runtime instance.
type Config struct {
	AgentID      string
	Name         string
	Description  string
	Version      string
	Capabilities []string
	Endpoint     string // this agent's own transport base URL, advertised via discovery

	IdentityDir  string
	RegistryFile string

	HealthPort string

	Protocol      string // "http2" or "stream"; defaults to "http2"
	TransportAddr string // host:port the transport server binds to; defaults to ":8080"
	CertFile      string
	KeyFile       string

	MaxTransportConns int
	TransportTimeout  int64 // seconds
}

// WithDefaults returns a copy of c with optional fields filled in.
func (c Config) WithDefaults() Config {
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if c.Capabilities == nil {
		c.Capabilities = []string{"a2a:messaging", "a2a:discovery"}
	}
	if c.IdentityDir == "" {
		c.IdentityDir = "./identities"
	}
	if c.RegistryFile == "" {
		c.RegistryFile = "./agent_registry.json"
	}
	if c.HealthPort == "" {
		c.HealthPort = "8090"
	}
	if c.TransportAddr == "" {
		c.TransportAddr = ":8080"
	}
	if c.Protocol == "" {
		c.Protocol = "http2"
	}
	return c
}

// Validate checks that required fields are present.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return ErrMissingAgentID
	}
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Description == "" {
		return ErrMissingDescription
	}
	if c.Endpoint == "" {
		return ErrMissingEndpoint
	}
	return nil
}
