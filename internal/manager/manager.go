// Package manager implements the partition manager: runner registry,
// liveness tracking, virtual-time barrier and region ownership. It is the
// sole writer of the region map and the virtual clock; runners only ever
// see broadcast snapshots.
package manager

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

type Status string

const (
	StatusLive        Status = "LIVE"
	StatusDegraded    Status = "DEGRADED"
	StatusUnreachable Status = "UNREACHABLE"
)

var (
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrUnknownRunner         = errors.New("unknown runner")
)

type Config struct {
	Dt                   float64
	TickTimeout          time.Duration
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int // consecutive misses before Unreachable
	MissedBarrierLimit   int // consecutive barrier misses before Unreachable
}

func (c *Config) applyDefaults() {
	if c.Dt <= 0 {
		c.Dt = 1.0 / 60
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.MissedHeartbeatLimit <= 0 {
		c.MissedHeartbeatLimit = 3
	}
	if c.MissedBarrierLimit <= 0 {
		c.MissedBarrierLimit = 3
	}
}

// RunnerHealth is the manager's view of one runner.
type RunnerHealth struct {
	ID             string
	Capabilities   protocol.Capabilities
	Status         Status
	LastHeartbeat  time.Time
	LastAckTick    uint64
	Load           int
	InFlight       int
	MapVersion     uint64
	MissedBarriers int
}

type Manager struct {
	log *log.Logger
	cfg Config

	mu            sync.Mutex
	regions       region.Map
	runners       map[string]*RunnerHealth
	tick          uint64
	barrier       *barrier
	membershipRev uint64
	balancedRev   uint64
}

func New(cfg Config, regions region.Map, logger *log.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		log:     logger,
		cfg:     cfg,
		regions: regions,
		runners: map[string]*RunnerHealth{},
	}
}

// Register admits a runner and mints its ID. Re-registering an ID that is
// still live fails with ErrDuplicateRegistration; an Unreachable runner
// may re-register under its old ID after a restart.
func (m *Manager) Register(requestedID string, caps protocol.Capabilities) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := requestedID
	if id != "" {
		if existing, ok := m.runners[id]; ok && existing.Status != StatusUnreachable {
			return "", fmt.Errorf("runner %s: %w", id, ErrDuplicateRegistration)
		}
	} else {
		id = uuid.NewString()
	}

	m.runners[id] = &RunnerHealth{
		ID:            id,
		Capabilities:  caps,
		Status:        StatusLive,
		LastHeartbeat: time.Now(),
		LastAckTick:   m.tick,
	}
	m.membershipRev++
	m.log.Printf("runner %s registered (members=%d)", id, len(m.runners))
	return id, nil
}

// Deregister removes the runner and strips its region ownership. The
// runner is expected to have evacuated its objects first.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[id]; !ok {
		return fmt.Errorf("runner %s: %w", id, ErrUnknownRunner)
	}
	delete(m.runners, id)
	m.stripOwnerLocked(id)
	m.membershipRev++
	m.log.Printf("runner %s deregistered (members=%d)", id, len(m.runners))
	return nil
}

func (m *Manager) stripOwnerLocked(id string) {
	owned := m.regions.OwnedBy(id)
	if len(owned) == 0 {
		return
	}
	assign := make(map[region.ID]string, len(owned))
	for _, rid := range owned {
		assign[rid] = ""
	}
	m.regions = m.regions.WithOwners(assign)
}

func (m *Manager) Heartbeat(hb protocol.HeartbeatMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[hb.RunnerID]
	if !ok {
		return fmt.Errorf("runner %s: %w", hb.RunnerID, ErrUnknownRunner)
	}
	r.LastHeartbeat = time.Now()
	r.Load = hb.Load
	r.InFlight = hb.InFlight
	r.MapVersion = hb.MapVersion
	if r.Status == StatusUnreachable {
		// The runner came back; membership changed again.
		m.membershipRev++
		m.log.Printf("runner %s reachable again", hb.RunnerID)
	}
	r.Status = StatusLive
	return nil
}

// SweepLiveness marks runners that missed the heartbeat budget as
// Unreachable and strips their ownership. Returns the newly unreachable
// runner IDs.
func (m *Manager) SweepLiveness(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	budget := time.Duration(m.cfg.MissedHeartbeatLimit) * m.cfg.HeartbeatInterval
	var lost []string
	for id, r := range m.runners {
		if r.Status == StatusUnreachable {
			continue
		}
		if now.Sub(r.LastHeartbeat) > budget {
			r.Status = StatusUnreachable
			m.stripOwnerLocked(id)
			m.membershipRev++
			lost = append(lost, id)
			m.log.Printf("runner %s unreachable (last heartbeat %s ago)", id, now.Sub(r.LastHeartbeat).Round(time.Millisecond))
		}
	}
	sort.Strings(lost)
	return lost
}

func (m *Manager) RegionMap() region.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regions
}

func (m *Manager) Tick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

func (m *Manager) Runner(id string) (RunnerHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return RunnerHealth{}, false
	}
	return *r, true
}

// Runners returns a stable-order snapshot of runner health.
func (m *Manager) Runners() []RunnerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunnerHealth, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) liveIDsLocked() []string {
	var out []string
	for id, r := range m.runners {
		if r.Status != StatusUnreachable {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RestoreHealth reinstates checkpointed runner health after a manager
// restart. Restored runners start Degraded until a fresh heartbeat.
func (m *Manager) RestoreHealth(health []RunnerHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range health {
		h := h
		if h.Status == StatusLive {
			h.Status = StatusDegraded
		}
		m.runners[h.ID] = &h
	}
	m.membershipRev++
}
