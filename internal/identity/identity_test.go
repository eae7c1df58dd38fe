package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndLoadIdentity(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.CreateIdentity("agent_a", []string{"a2a:messaging"}, map[string]string{"env": "test"}, 30)
	require.NoError(t, err)
	require.Equal(t, "did:a2a:agent_a", id.DID)
	require.True(t, id.IsValid())

	fresh, err := NewStore(store.storageDir)
	require.NoError(t, err)

	loaded, err := fresh.LoadIdentity("agent_a")
	require.NoError(t, err)
	require.Equal(t, id.AgentID, loaded.AgentID)
	require.Equal(t, id.DID, loaded.DID)
	require.Equal(t, id.Fingerprint, loaded.Fingerprint)
}

func TestLoadIdentityMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.LoadIdentity("does_not_exist")
	require.ErrorIs(t, err, ErrIdentityMissing)
}

func TestSignAndVerify(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CreateIdentity("agent_a", nil, nil, 30)
	require.NoError(t, err)

	data := []byte("a canonical message body")
	sig, err := store.SignData("agent_a", data)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := store.VerifySignature("agent_a", data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.VerifySignature("agent_a", []byte("tampered"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifySignatureWithPublicKey(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.CreateIdentity("agent_a", nil, nil, 30)
	require.NoError(t, err)

	data := []byte("hello")
	sig, err := store.SignData("agent_a", data)
	require.NoError(t, err)

	ok, err := VerifySignatureWithPublicKey(id.PublicKeyPEM, data, sig)
	require.NoError(t, err)
	require.True(t, ok)
}
