package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2a-core/agenthub/internal/observability"
)

func newTestConfig(t *testing.T, agentID, addr string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		AgentID:      agentID,
		Name:         agentID,
		Description:  "test agent",
		Capabilities: []string{"a2a:messaging", "a2a:discovery"},
		Endpoint:     "http://" + addr,

		IdentityDir:  filepath.Join(dir, "identities"),
		RegistryFile: filepath.Join(dir, "agent_registry.json"),

		TransportAddr: addr,
	}
}

func newTestRuntime(t *testing.T, agentID, addr string) *Runtime {
	t.Helper()
	trace := observability.NewTraceManager("runtime-test")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt, err := New(newTestConfig(t, agentID, addr), trace, nil, logger)
	require.NoError(t, err)
	return rt
}

func TestInitializeStartStopLifecycle(t *testing.T) {
	rt := newTestRuntime(t, "agent_a", "127.0.0.1:18081")
	ctx := context.Background()

	require.Equal(t, StateUninitialized, rt.State())
	require.NoError(t, rt.Initialize(ctx))
	require.Equal(t, StateInitialized, rt.State())

	require.NoError(t, rt.Start(ctx))
	require.Equal(t, StateRunning, rt.State())
	time.Sleep(50 * time.Millisecond)

	matches := rt.DiscoverAgents(nil, 10)
	require.Len(t, matches, 1)
	require.Equal(t, "active", matches[0].Status)

	require.NoError(t, rt.Stop(ctx))
	require.Equal(t, StateStopped, rt.State())
}

func TestStartBeforeInitializeFails(t *testing.T) {
	rt := newTestRuntime(t, "agent_a", "127.0.0.1:18082")
	err := rt.Start(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestStopBeforeStartFails(t *testing.T) {
	rt := newTestRuntime(t, "agent_a", "127.0.0.1:18083")
	require.NoError(t, rt.Initialize(context.Background()))
	err := rt.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestPingPongBetweenTwoRuntimes(t *testing.T) {
	ctx := context.Background()

	serverRT := newTestRuntime(t, "agent_server", "127.0.0.1:18084")
	require.NoError(t, serverRT.Initialize(ctx))
	require.NoError(t, serverRT.Start(ctx))
	defer serverRT.Stop(ctx)
	time.Sleep(50 * time.Millisecond)

	clientRT := newTestRuntime(t, "agent_client", "127.0.0.1:18085")
	require.NoError(t, clientRT.Initialize(ctx))
	require.NoError(t, clientRT.Start(ctx))
	defer clientRT.Stop(ctx)
	time.Sleep(50 * time.Millisecond)

	// share discovery by directly registering the server's record in the
	// client's registry, since each runtime owns its own registry file
	matches := serverRT.DiscoverAgents(nil, 1)
	require.Len(t, matches, 1)
	require.NoError(t, clientRT.registry.RegisterAgent(matches[0]))

	_, err := clientRT.SendMessage(ctx, "agent_server", "ping", nil, "")
	require.NoError(t, err)

	resp, err := clientRT.WaitForMessage(ctx, "response", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "pong", resp.Payload["status"])
}

func TestWaitForMessageTimesOutWhenEmpty(t *testing.T) {
	rt := newTestRuntime(t, "agent_a", "127.0.0.1:18086")
	require.NoError(t, rt.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := rt.WaitForMessage(ctx, "never_sent", 200*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestSendMessageToUnknownReceiverFails(t *testing.T) {
	rt := newTestRuntime(t, "agent_a", "127.0.0.1:18087")
	require.NoError(t, rt.Initialize(context.Background()))

	_, err := rt.SendMessage(context.Background(), "nobody", "ping", nil, "")
	require.ErrorIs(t, err, ErrReceiverNotFound)
}

func TestUpdateCapabilitiesReregisters(t *testing.T) {
	rt := newTestRuntime(t, "agent_a", "127.0.0.1:18088")
	require.NoError(t, rt.Initialize(context.Background()))

	require.NoError(t, rt.UpdateCapabilities([]string{"a2a:messaging", "a2a:custom"}))

	matches := rt.DiscoverAgents([]string{"a2a:custom"}, 10)
	require.Len(t, matches, 1)
	require.Contains(t, matches[0].Capabilities, "a2a:custom")
}

func TestHeartbeatTouchesLastSeen(t *testing.T) {
	rt := newTestRuntime(t, "agent_a", "127.0.0.1:18089")
	require.NoError(t, rt.Initialize(context.Background()))

	before := rt.registry.GetAgentsByCapability("a2a:messaging")
	require.Len(t, before, 1)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, rt.Heartbeat())

	after := rt.registry.GetAgentsByCapability("a2a:messaging")
	require.Len(t, after, 1)
	require.True(t, after[0].LastSeen.After(before[0].LastSeen))
}

func TestStreamProtocolLifecycle(t *testing.T) {
	trace := observability.NewTraceManager("runtime-test")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := newTestConfig(t, "agent_stream", "127.0.0.1:18090")
	cfg.Protocol = "stream"
	rt, err := New(cfg, trace, nil, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Initialize(ctx))
	require.Nil(t, rt.transportServer)
	require.NotNil(t, rt.streamHub)

	require.NoError(t, rt.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rt.Stop(ctx))
}
