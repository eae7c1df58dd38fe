// Package discovery implements the A2A discovery service: a
// capability-indexed directory of live agents with TTL heartbeats,
// background expiry sweeping, and atomic JSON persistence.
package discovery

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status values an AgentRecord can hold.
const (
	StatusActive       = "active"
	StatusInactive     = "inactive"
	StatusSuspended    = "suspended"
	StatusInitializing = "initializing"
)

const (
	defaultTTLSeconds = 300
	defaultMaxResults = 50
)

var ErrNotFound = errors.New("discovery: agent not found")

// AgentRecord is a single directory entry.
type AgentRecord struct {
	AgentID      string            `json:"agent_id"`
	AgentDID     string            `json:"agent_did"`
	Capabilities []string          `json:"capabilities"`
	Endpoints    []string          `json:"endpoints"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Version      string            `json:"version,omitempty"`
	Health       string            `json:"health,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
	Status       string            `json:"status"`
	TTL          int64             `json:"ttl"`
}

// IsExpired reports whether r has gone silent past its TTL. Exactly
// last_seen+ttl is not yet expired; strictly greater is.
func (r *AgentRecord) IsExpired(now time.Time) bool {
	return now.Sub(r.LastSeen) > time.Duration(r.TTL)*time.Second
}

// HasCapability reports whether r advertises cap.
func (r *AgentRecord) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

func (r *AgentRecord) clone() *AgentRecord {
	c := *r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	c.Endpoints = append([]string(nil), r.Endpoints...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (r *AgentRecord) stripMetadata() *AgentRecord {
	c := r.clone()
	c.Metadata = nil
	return c
}

// ServiceQuery filters a discover_agents call.
type ServiceQuery struct {
	AgentID         string
	Capabilities    []string
	Status          string
	MaxResults      int
	IncludeMetadata bool
}

// RegistryStats summarizes the directory's current contents.
type RegistryStats struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	Capabilities int            `json:"capabilities"`
	StatusCounts map[string]int `json:"status_counts"`
}

type registrySnapshot struct {
	Agents      []*AgentRecord `json:"agents"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Registry is the single-writer, in-memory capability-indexed agent
// directory with file-backed persistence.
type Registry struct {
	mu           sync.RWMutex
	agentsByID   map[string]*AgentRecord
	byCapability map[string]map[string]struct{} // capability -> set of agent ids

	registryFile string
}

// NewRegistry constructs a Registry persisted to registryFile, loading
// any existing snapshot found there.
func NewRegistry(registryFile string) (*Registry, error) {
	reg := &Registry{
		agentsByID:   make(map[string]*AgentRecord),
		byCapability: make(map[string]map[string]struct{}),
		registryFile: registryFile,
	}
	if err := reg.load(); err != nil {
		return nil, err
	}
	return reg, nil
}

// RegisterAgent upserts record by AgentID: endpoints, capabilities, and
// metadata are overwritten, last_seen is set to now, and the capability
// index is rebuilt for this agent (stale capability->id mappings for
// capabilities the agent no longer advertises are removed).
func (r *Registry) RegisterAgent(record *AgentRecord) error {
	r.mu.Lock()
	now := time.Now()
	stored := record.clone()
	if stored.RegisteredAt.IsZero() {
		if existing, ok := r.agentsByID[stored.AgentID]; ok {
			stored.RegisteredAt = existing.RegisteredAt
		} else {
			stored.RegisteredAt = now
		}
	}
	stored.LastSeen = now
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	if stored.TTL <= 0 {
		stored.TTL = defaultTTLSeconds
	}

	r.removeFromCapabilityIndex(stored.AgentID)
	r.agentsByID[stored.AgentID] = stored
	r.addToCapabilityIndex(stored)
	r.mu.Unlock()

	return r.persist()
}

// UnregisterAgent removes agentID from both the primary map and the
// capability index.
func (r *Registry) UnregisterAgent(agentID string) error {
	r.mu.Lock()
	_, ok := r.agentsByID[agentID]
	if ok {
		r.removeFromCapabilityIndex(agentID)
		delete(r.agentsByID, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return r.persist()
}

// UpdateAgentStatus sets agentID's status and touches last_seen.
func (r *Registry) UpdateAgentStatus(agentID, status string) error {
	r.mu.Lock()
	rec, ok := r.agentsByID[agentID]
	if ok {
		rec.Status = status
		rec.LastSeen = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return r.persist()
}

// Heartbeat touches agentID's last_seen, staving off TTL expiry.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	rec, ok := r.agentsByID[agentID]
	if ok {
		rec.LastSeen = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return r.persist()
}

// DiscoverAgents filters the directory by the query: optional agent id,
// status (defaulting to active), and every queried capability must be
// present on the candidate. Expired records are skipped, results are
// truncated to max_results (default 50), and metadata is stripped
// unless requested.
func (r *Registry) DiscoverAgents(q ServiceQuery) []*AgentRecord {
	status := q.Status
	if status == "" {
		status = StatusActive
	}
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	matches := make([]*AgentRecord, 0, len(r.agentsByID))
	for _, rec := range r.agentsByID {
		if rec.IsExpired(now) {
			continue
		}
		if q.AgentID != "" && rec.AgentID != q.AgentID {
			continue
		}
		if rec.Status != status {
			continue
		}
		if !hasAllCapabilities(rec, q.Capabilities) {
			continue
		}
		matches = append(matches, rec)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].AgentID < matches[j].AgentID })
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}

	out := make([]*AgentRecord, len(matches))
	for i, rec := range matches {
		if q.IncludeMetadata {
			out[i] = rec.clone()
		} else {
			out[i] = rec.stripMetadata()
		}
	}
	return out
}

func hasAllCapabilities(rec *AgentRecord, required []string) bool {
	for _, cap := range required {
		if !rec.HasCapability(cap) {
			return false
		}
	}
	return true
}

// GetAgentsByCapability returns every live, unexpired agent advertising
// cap via the secondary index, in O(k).
func (r *Registry) GetAgentsByCapability(cap string) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCapability[cap]
	out := make([]*AgentRecord, 0, len(ids))
	now := time.Now()
	for id := range ids {
		if rec, ok := r.agentsByID[id]; ok && !rec.IsExpired(now) {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// GetRegistryStats summarizes the directory's current contents.
func (r *Registry) GetRegistryStats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		StatusCounts: make(map[string]int),
	}
	stats.Total = len(r.agentsByID)
	stats.Capabilities = len(r.byCapability)
	for _, rec := range r.agentsByID {
		stats.StatusCounts[rec.Status]++
		if rec.Status == StatusActive {
			stats.Active++
		}
	}
	return stats
}

// SweepExpired unregisters every agent whose last_seen has exceeded its
// TTL and returns the ids removed. Called periodically by Sweeper.
func (r *Registry) SweepExpired() ([]string, error) {
	r.mu.Lock()
	now := time.Now()
	var expired []string
	for id, rec := range r.agentsByID {
		if rec.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.removeFromCapabilityIndex(id)
		delete(r.agentsByID, id)
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return expired, nil
	}
	return expired, r.persist()
}

func (r *Registry) addToCapabilityIndex(rec *AgentRecord) {
	for _, cap := range rec.Capabilities {
		set, ok := r.byCapability[cap]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[cap] = set
		}
		set[rec.AgentID] = struct{}{}
	}
}

func (r *Registry) removeFromCapabilityIndex(agentID string) {
	rec, ok := r.agentsByID[agentID]
	if !ok {
		return
	}
	for _, cap := range rec.Capabilities {
		if set, ok := r.byCapability[cap]; ok {
			delete(set, agentID)
			if len(set) == 0 {
				delete(r.byCapability, cap)
			}
		}
	}
}

func (r *Registry) load() error {
	if r.registryFile == "" {
		return nil
	}
	raw, err := os.ReadFile(r.registryFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap registrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}

	for _, rec := range snap.Agents {
		r.agentsByID[rec.AgentID] = rec
		r.addToCapabilityIndex(rec)
	}
	return nil
}

// persist rewrites the entire registry file; callers hold no lock when
// calling this (it takes its own read lock internally).
func (r *Registry) persist() error {
	if r.registryFile == "" {
		return nil
	}

	r.mu.RLock()
	snap := registrySnapshot{
		Agents:      make([]*AgentRecord, 0, len(r.agentsByID)),
		LastUpdated: time.Now(),
	}
	for _, rec := range r.agentsByID {
		snap.Agents = append(snap.Agents, rec)
	}
	r.mu.RUnlock()

	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].AgentID < snap.Agents[j].AgentID })

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(r.registryFile, raw, 0644)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
