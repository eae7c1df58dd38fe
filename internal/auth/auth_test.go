package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2a-core/agenthub/internal/identity"
)

func newTestManager(t *testing.T) (*Manager, *identity.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := identity.NewStore(dir)
	require.NoError(t, err)

	mgr, err := NewManager(store, dir, time.Hour)
	require.NoError(t, err)
	return mgr, store
}

func TestAuthenticateAndValidate(t *testing.T) {
	mgr, store := newTestManager(t)

	_, err := store.CreateIdentity("agent_a", []string{"a2a:messaging", "a2a:discovery"}, nil, 30)
	require.NoError(t, err)

	tok, err := mgr.AuthenticateAgent(context.Background(), "agent_a", "jwt", nil, nil)
	require.NoError(t, err)
	require.False(t, tok.IsExpired())

	ok, agentID, err := mgr.ValidateAuthentication(tok.Raw, []string{"a2a:messaging"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "agent_a", agentID)
}

func TestAuthenticatePermissionsMustBeSubsetOfCapabilities(t *testing.T) {
	mgr, store := newTestManager(t)
	_, err := store.CreateIdentity("agent_a", []string{"a2a:messaging"}, nil, 30)
	require.NoError(t, err)

	_, err = mgr.AuthenticateAgent(context.Background(), "agent_a", "jwt", []string{"a2a:orchestration"}, nil)
	require.Error(t, err)
}

func TestValidateAuthenticationMissingPermission(t *testing.T) {
	mgr, store := newTestManager(t)
	_, err := store.CreateIdentity("agent_a", []string{"a2a:messaging"}, nil, 30)
	require.NoError(t, err)

	tok, err := mgr.AuthenticateAgent(context.Background(), "agent_a", "jwt", nil, nil)
	require.NoError(t, err)

	ok, _, err := mgr.ValidateAuthentication(tok.Raw, []string{"a2a:orchestration"})
	require.Error(t, err)
	require.False(t, ok)
}

func TestAuthorizeAction(t *testing.T) {
	mgr, store := newTestManager(t)
	_, err := store.CreateIdentity("agent_a", []string{"a2a:discovery"}, nil, 30)
	require.NoError(t, err)

	ok, err := mgr.AuthorizeAction("agent_a", ActionDiscoverAgents, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.AuthorizeAction("agent_a", ActionSendMessage, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignAndVerifyChallenge(t *testing.T) {
	mgr, store := newTestManager(t)
	_, err := store.CreateIdentity("agent_a", nil, nil, 30)
	require.NoError(t, err)

	nonce := []byte("random-nonce-value")
	sig, err := mgr.SignChallenge("agent_a", nonce)
	require.NoError(t, err)

	ok, err := mgr.VerifyChallengeResponse("agent_a", nonce, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSecretPersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	store, err := identity.NewStore(dir)
	require.NoError(t, err)
	_, err = store.CreateIdentity("agent_a", []string{"a2a:messaging"}, nil, 30)
	require.NoError(t, err)

	mgr1, err := NewManager(store, dir, time.Hour)
	require.NoError(t, err)
	tok, err := mgr1.AuthenticateAgent(nil, "agent_a", "jwt", nil, nil)
	require.NoError(t, err)

	mgr2, err := NewManager(store, dir, time.Hour)
	require.NoError(t, err)
	ok, _, err := mgr2.ValidateAuthentication(tok.Raw, nil)
	require.NoError(t, err)
	require.True(t, ok)
}
