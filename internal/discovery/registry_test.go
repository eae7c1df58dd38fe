package discovery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "agent_registry.json"))
	require.NoError(t, err)
	return reg
}

func sampleRecord(id string, caps ...string) *AgentRecord {
	return &AgentRecord{
		AgentID:      id,
		AgentDID:     "did:a2a:" + id,
		Capabilities: caps,
		Endpoints:    []string{"http://localhost:9000/" + id},
		TTL:          300,
	}
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.RegisterAgent(sampleRecord("agent_a", "a2a:messaging", "a2a:discovery")))
	require.NoError(t, reg.RegisterAgent(sampleRecord("agent_b", "a2a:messaging")))

	results := reg.DiscoverAgents(ServiceQuery{Capabilities: []string{"a2a:discovery"}})
	require.Len(t, results, 1)
	require.Equal(t, "agent_a", results[0].AgentID)
}

func TestRegisterUpsertRebuildsCapabilityIndex(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.RegisterAgent(sampleRecord("agent_a", "cap_x")))
	require.Len(t, reg.GetAgentsByCapability("cap_x"), 1)

	require.NoError(t, reg.RegisterAgent(sampleRecord("agent_a", "cap_y")))
	require.Len(t, reg.GetAgentsByCapability("cap_x"), 0)
	require.Len(t, reg.GetAgentsByCapability("cap_y"), 1)
}

func TestUnregisterAgent(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAgent(sampleRecord("agent_a", "cap_x")))

	require.NoError(t, reg.UnregisterAgent("agent_a"))
	require.Empty(t, reg.GetAgentsByCapability("cap_x"))

	err := reg.UnregisterAgent("agent_a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatAndExpiry(t *testing.T) {
	reg := newTestRegistry(t)
	rec := sampleRecord("agent_a", "cap_x")
	rec.TTL = 1
	require.NoError(t, reg.RegisterAgent(rec))

	reg.mu.Lock()
	reg.agentsByID["agent_a"].LastSeen = time.Now().Add(-2 * time.Second)
	expired := reg.agentsByID["agent_a"].IsExpired(time.Now())
	reg.mu.Unlock()
	require.True(t, expired)

	require.NoError(t, reg.Heartbeat("agent_a"))
	results := reg.DiscoverAgents(ServiceQuery{})
	require.Len(t, results, 1)
}

func TestSweepExpired(t *testing.T) {
	reg := newTestRegistry(t)

	rec := sampleRecord("agent_stale", "cap_x")
	rec.TTL = 1
	require.NoError(t, reg.RegisterAgent(rec))

	reg.mu.Lock()
	reg.agentsByID["agent_stale"].LastSeen = time.Now().Add(-10 * time.Second)
	reg.mu.Unlock()

	expired, err := reg.SweepExpired()
	require.NoError(t, err)
	require.Equal(t, []string{"agent_stale"}, expired)
	require.Empty(t, reg.GetAgentsByCapability("cap_x"))
}

func TestDiscoverAgentsDefaultsAndMetadataStripping(t *testing.T) {
	reg := newTestRegistry(t)
	rec := sampleRecord("agent_a", "cap_x")
	rec.Metadata = map[string]string{"region": "us"}
	require.NoError(t, reg.RegisterAgent(rec))

	results := reg.DiscoverAgents(ServiceQuery{})
	require.Len(t, results, 1)
	require.Nil(t, results[0].Metadata)

	results = reg.DiscoverAgents(ServiceQuery{IncludeMetadata: true})
	require.Equal(t, "us", results[0].Metadata["region"])
}

func TestDiscoverAgentsMaxResults(t *testing.T) {
	reg := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, reg.RegisterAgent(sampleRecord(string(rune('a'+i)), "cap_x")))
	}

	results := reg.DiscoverAgents(ServiceQuery{MaxResults: 2})
	require.Len(t, results, 2)
}

func TestGetRegistryStats(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAgent(sampleRecord("agent_a", "cap_x")))
	require.NoError(t, reg.RegisterAgent(sampleRecord("agent_b", "cap_x", "cap_y")))
	require.NoError(t, reg.UpdateAgentStatus("agent_b", StatusSuspended))

	stats := reg.GetRegistryStats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Active)
	require.Equal(t, 2, stats.Capabilities)
	require.Equal(t, 1, stats.StatusCounts[StatusSuspended])
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_registry.json")

	reg1, err := NewRegistry(path)
	require.NoError(t, err)
	require.NoError(t, reg1.RegisterAgent(sampleRecord("agent_a", "cap_x")))

	reg2, err := NewRegistry(path)
	require.NoError(t, err)
	results := reg2.DiscoverAgents(ServiceQuery{})
	require.Len(t, results, 1)
	require.Equal(t, "agent_a", results[0].AgentID)
}
