// Package auth implements the A2A auth manager: short-lived bearer
// tokens bound to an agent and a set of permissions, issued and
// validated with HS256 over a process-scoped secret.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/a2a-core/agenthub/internal/identity"
)

// AuthError carries a stable error code alongside a human-readable
// message, so transports can map auth failures onto the right status
// code without string-matching.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
}

const (
	ErrCodeAuthFailed     = "auth_failed"
	ErrCodeExpiredToken   = "expired_token"
	ErrCodeInvalidToken   = "invalid_token"
	ErrCodeMissingPerms   = "missing_permissions"
	ErrCodeUnknownMethod  = "unknown_method"
	ErrCodeCertMismatch   = "cert_mismatch"
)

// Coarse actions mapped onto capability namespaces by AuthorizeAction.
const (
	ActionSendMessage    = "send_message"
	ActionReceiveMessage = "receive_message"
	ActionDiscoverAgents = "discover_agents"
	ActionManageIdentity = "manage_identity"
)

var actionCapability = map[string]string{
	ActionSendMessage:    "a2a:messaging",
	ActionReceiveMessage: "a2a:messaging",
	ActionDiscoverAgents: "a2a:discovery",
	ActionManageIdentity: "a2a:identity",
}

// Token is the validated, in-memory representation of an AuthToken.
type Token struct {
	Raw         string
	AgentID     string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Metadata    map[string]string
}

// IsExpired reports whether the token's expiry has passed.
func (t *Token) IsExpired() bool {
	return !time.Now().Before(t.ExpiresAt)
}

type claims struct {
	jwt.RegisteredClaims
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Manager issues and validates bearer tokens for a trust domain of
// cooperating agents sharing one process-scoped HS256 secret.
type Manager struct {
	mu            sync.RWMutex
	secret        []byte
	identities    *identity.Store
	tokenLifetime time.Duration
	secretPath    string

	issuedCerts map[string][]byte // agentID -> cert DER, for mTLS comparisons
}

// NewManager loads (or generates and persists) the process-scoped HS256
// secret under storageDir, the same directory the identity store uses.
func NewManager(identities *identity.Store, storageDir string, tokenLifetime time.Duration) (*Manager, error) {
	if tokenLifetime <= 0 {
		tokenLifetime = time.Hour
	}

	secretPath := filepath.Join(storageDir, "auth_secret.key")
	secret, err := loadOrGenerateSecret(secretPath)
	if err != nil {
		return nil, err
	}

	return &Manager{
		secret:        secret,
		identities:    identities,
		tokenLifetime: tokenLifetime,
		secretPath:    secretPath,
		issuedCerts:   make(map[string][]byte),
	}, nil
}

func loadOrGenerateSecret(path string) ([]byte, error) {
	if buf, err := os.ReadFile(path); err == nil && len(buf) == 32 {
		return buf, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("auth: generate secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("auth: create secret dir: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("auth: persist secret: %w", err)
	}
	return secret, nil
}

// AuthenticateAgent mints a bearer token for agentID after validating
// the proof implied by method. "jwt" is the default, self-issued
// method: any agent with a locally loadable identity may mint a token
// scoped to (a subset of) its own capabilities. "mtls" additionally
// requires a presented certificate matching the one on file.
func (m *Manager) AuthenticateAgent(ctx context.Context, agentID, method string, permissions []string, presentedCertDER []byte) (*Token, error) {
	id, err := m.identities.LoadIdentity(agentID)
	if err != nil {
		return nil, &AuthError{Code: ErrCodeAuthFailed, Message: err.Error()}
	}
	if !id.IsValid() {
		return nil, &AuthError{Code: ErrCodeAuthFailed, Message: "identity expired"}
	}

	switch method {
	case "", "jwt":
		// self-attested: proceed
	case "mtls":
		m.mu.RLock()
		known, ok := m.issuedCerts[agentID]
		m.mu.RUnlock()
		if !ok || string(known) != string(presentedCertDER) {
			return nil, &AuthError{Code: ErrCodeCertMismatch, Message: "presented certificate does not match stored certificate"}
		}
	default:
		return nil, &AuthError{Code: ErrCodeUnknownMethod, Message: method}
	}

	granted := permissions
	if len(granted) == 0 {
		granted = id.Capabilities
	} else if !subsetOf(granted, id.Capabilities) {
		return nil, &AuthError{Code: ErrCodeMissingPerms, Message: "requested permissions exceed agent capabilities"}
	}

	return m.issue(agentID, granted, nil)
}

// RegisterCertificate records agentID's certificate for later mTLS
// comparisons performed by AuthenticateAgent.
func (m *Manager) RegisterCertificate(agentID string, certDER []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issuedCerts[agentID] = certDER
}

func (m *Manager) issue(agentID string, permissions []string, metadata map[string]string) (*Token, error) {
	now := time.Now()
	exp := now.Add(m.tokenLifetime)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "a2a-auth",
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Permissions: permissions,
		Metadata:    metadata,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}

	return &Token{
		Raw:         signed,
		AgentID:     agentID,
		Permissions: permissions,
		IssuedAt:    now,
		ExpiresAt:   exp,
		Metadata:    metadata,
	}, nil
}

// ValidateAuthentication parses and verifies a bearer token, and checks
// that every entry in requiredPermissions is present on the token.
func (m *Manager) ValidateAuthentication(rawToken string, requiredPermissions []string) (bool, string, error) {
	parsed, err := jwt.ParseWithClaims(rawToken, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer("a2a-auth"), jwt.WithExpirationRequired())

	if err != nil {
		return false, "", &AuthError{Code: ErrCodeInvalidToken, Message: err.Error()}
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return false, "", &AuthError{Code: ErrCodeInvalidToken, Message: "malformed claims"}
	}

	if !subsetOf(requiredPermissions, c.Permissions) {
		return false, c.Subject, &AuthError{Code: ErrCodeMissingPerms, Message: "token lacks required permissions"}
	}

	return true, c.Subject, nil
}

// AuthorizeAction reports whether agentID's identity carries the
// capability namespace backing a coarse action (optionally scoped to a
// resource, currently unused beyond logging/audit hooks).
func (m *Manager) AuthorizeAction(agentID, action, resource string) (bool, error) {
	id, err := m.identities.LoadIdentity(agentID)
	if err != nil {
		return false, err
	}

	needed, ok := actionCapability[action]
	if !ok {
		return false, fmt.Errorf("auth: unknown action %q", action)
	}

	for _, cap := range id.Capabilities {
		if cap == needed {
			return true, nil
		}
	}
	return false, nil
}

// SignChallenge signs an out-of-band challenge nonce as agentID, for
// handshakes that want proof-of-possession without a full token.
func (m *Manager) SignChallenge(agentID string, nonce []byte) (string, error) {
	return m.identities.SignData(agentID, nonce)
}

// VerifyChallengeResponse verifies a challenge signature produced by
// SignChallenge (or an equivalent remote signer).
func (m *Manager) VerifyChallengeResponse(agentID string, nonce []byte, signatureHex string) (bool, error) {
	return m.identities.VerifySignature(agentID, nonce, signatureHex)
}

func subsetOf(subset, superset []string) bool {
	set := make(map[string]struct{}, len(superset))
	for _, s := range superset {
		set[s] = struct{}{}
	}
	for _, s := range subset {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

var ErrUnauthorized = errors.New("auth: unauthorized")
