package messaging

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a2a-core/agenthub/internal/identity"
	"github.com/a2a-core/agenthub/internal/observability"
)

func newTestService(t *testing.T, queueCapacity int) (*Service, *identity.Store) {
	t.Helper()
	store, err := identity.NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CreateIdentity("agent_a", []string{"a2a:messaging"}, nil, 30)
	require.NoError(t, err)
	_, err = store.CreateIdentity("agent_b", []string{"a2a:messaging"}, nil, 30)
	require.NoError(t, err)

	trace := observability.NewTraceManager("messaging-test")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	return NewService(store, queueCapacity, trace, nil, logger), store
}

func TestPrepareAndDeliverRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	m := NewMessage("agent_a", "agent_b", "ping", map[string]interface{}{"n": float64(1)})
	require.NoError(t, svc.PrepareOutbound(ctx, m))
	require.NotEmpty(t, m.Metadata["signature"])

	require.NoError(t, svc.DeliverInbound(ctx, m))

	received := svc.ReceiveMessages("agent_b")
	require.Len(t, received, 1)
	require.Equal(t, m.MessageID, received[0].MessageID)

	require.Empty(t, svc.ReceiveMessages("agent_b"))
}

func TestDeliverInboundRejectsTamperedSignature(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	m := NewMessage("agent_a", "agent_b", "ping", map[string]interface{}{"n": float64(1)})
	require.NoError(t, svc.PrepareOutbound(ctx, m))

	m.Payload["n"] = float64(2)

	err := svc.DeliverInbound(ctx, m)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.Zero(t, svc.QueueSize("agent_b"))
}

func TestDeliverInboundRejectsMissingSignature(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	m := NewMessage("agent_a", "agent_b", "ping", nil)
	err := svc.DeliverInbound(ctx, m)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestEncryptedRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	m := NewMessage("agent_a", "agent_b", "task_assignment", map[string]interface{}{"task_id": "t1"})
	em, err := svc.PrepareOutboundEncrypted(ctx, m)
	require.NoError(t, err)
	require.Equal(t, "AES-256-GCM", em.Algorithm)

	require.NoError(t, svc.DeliverInboundEncrypted(ctx, em))

	received := svc.ReceiveMessages("agent_b")
	require.Len(t, received, 1)
	require.Equal(t, "t1", received[0].Payload["task_id"])
}

func TestEncryptedTamperedCiphertextFailsToDecrypt(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	m := NewMessage("agent_a", "agent_b", "task_assignment", map[string]interface{}{"task_id": "t1"})
	em, err := svc.PrepareOutboundEncrypted(ctx, m)
	require.NoError(t, err)

	em.EncryptedData = em.EncryptedData[:len(em.EncryptedData)-2] + "AA"

	err = svc.DeliverInboundEncrypted(ctx, em)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.Zero(t, svc.QueueSize("agent_b"))
}

func TestQueueOverflow(t *testing.T) {
	svc, _ := newTestService(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m := NewMessage("agent_a", "agent_b", "ping", nil)
		require.NoError(t, svc.PrepareOutbound(ctx, m))
		require.NoError(t, svc.DeliverInbound(ctx, m))
	}

	m := NewMessage("agent_a", "agent_b", "ping", nil)
	require.NoError(t, svc.PrepareOutbound(ctx, m))
	err := svc.DeliverInbound(ctx, m)
	require.ErrorIs(t, err, ErrQueueOverflow)
}

func TestQueueCapacityIsSharedAcrossReceivers(t *testing.T) {
	svc, store := newTestService(t, 2)
	ctx := context.Background()
	_, err := store.CreateIdentity("agent_c", []string{"a2a:messaging"}, nil, 30)
	require.NoError(t, err)

	m1 := NewMessage("agent_a", "agent_b", "ping", nil)
	require.NoError(t, svc.PrepareOutbound(ctx, m1))
	require.NoError(t, svc.DeliverInbound(ctx, m1))

	m2 := NewMessage("agent_c", "agent_b", "ping", nil)
	require.NoError(t, svc.PrepareOutbound(ctx, m2))
	require.NoError(t, svc.DeliverInbound(ctx, m2))

	// The pool is already at its combined cap of 2, even though neither
	// agent_b nor agent_c individually holds more than one message.
	m3 := NewMessage("agent_a", "agent_c", "ping", nil)
	require.NoError(t, svc.PrepareOutbound(ctx, m3))
	err = svc.DeliverInbound(ctx, m3)
	require.ErrorIs(t, err, ErrQueueOverflow)
	require.Equal(t, 2, svc.TotalQueueSize())
}

func TestDispatchInvokesHandlerAndSetsCorrelation(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	svc.RegisterHandler("ping", func(m *Message) (*Message, error) {
		return m.CreateResponse("pong", map[string]interface{}{"ok": true}), nil
	})

	req := NewMessage("agent_a", "agent_b", "ping", nil)
	resp, err := svc.Dispatch(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "pong", resp.MessageType)
	require.Equal(t, req.MessageID, resp.CorrelationID)
}

func TestDispatchNoHandlerReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	m := NewMessage("agent_a", "agent_b", "unknown_type", nil)
	_, err := svc.Dispatch(ctx, m)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveCorrelation(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	req := NewMessage("agent_a", "agent_b", "task_assignment", nil)
	require.NoError(t, svc.PrepareOutbound(ctx, req))

	orig, ok := svc.ResolveCorrelation(req.MessageID)
	require.True(t, ok)
	require.Equal(t, req.MessageID, orig.MessageID)

	_, ok = svc.ResolveCorrelation(req.MessageID)
	require.False(t, ok)
}
