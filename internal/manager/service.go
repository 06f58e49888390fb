package manager

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridsim.dev/internal/bus"
	"gridsim.dev/internal/physics"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

// TickLogEntry is journaled once per virtual tick.
type TickLogEntry struct {
	Tick       uint64   `json:"tick"`
	DurationMs float64  `json:"duration_ms"`
	Live       int      `json:"live"`
	Stragglers []string `json:"stragglers,omitempty"`
}

// AnomalyEntry records an operator-visible anomaly (retry budgets
// exhausted, lost runners, stuck objects).
type AnomalyEntry struct {
	Tick     uint64 `json:"tick"`
	Code     string `json:"code"`
	RunnerID string `json:"runner_id,omitempty"`
	ObjectID string `json:"object_id,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type Journal interface {
	WriteTick(TickLogEntry) error
	WriteAnomaly(AnomalyEntry) error
}

// Store checkpoints coordination state for restart. The format only has
// to round-trip; it is not load-bearing for correctness.
type Store interface {
	SaveMap(region.Map) error
	SaveHealth([]RunnerHealth) error
}

type ServiceConfig struct {
	TickInterval   time.Duration // pacing between barriers
	RebalanceEvery time.Duration
	SeedRetryTicks int
	SeedMaxTries   int
}

func (c *ServiceConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.RebalanceEvery <= 0 {
		c.RebalanceEvery = 10 * time.Second
	}
	if c.SeedRetryTicks <= 0 {
		c.SeedRetryTicks = 20
	}
	if c.SeedMaxTries <= 0 {
		c.SeedMaxTries = 5
	}
}

// Service drives a Manager over the bus: registration, heartbeats, tick
// barriers, rebalancing broadcasts and initial object placement.
type Service struct {
	log     *log.Logger
	cfg     ServiceConfig
	mgr     *Manager
	bus     bus.Bus
	journal Journal
	store   Store

	mu    sync.Mutex
	seeds map[string]*pendingSeed // ticket ID -> seed awaiting ack

	// Throttle for stale-map resends; heartbeats arrive every tick.
	mapResendVer uint64
	mapResendAt  time.Time
}

type pendingSeed struct {
	msg       protocol.MigrationTicketMsg
	sinceTick uint64
	tries     int
}

func NewService(cfg ServiceConfig, mgr *Manager, b bus.Bus, j Journal, store Store, logger *log.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		log:     logger,
		cfg:     cfg,
		mgr:     mgr,
		bus:     b,
		journal: j,
		store:   store,
		seeds:   map[string]*pendingSeed{},
	}
}

// Run blocks, driving barriers until the context ends. Inbound traffic is
// handled by per-topic goroutines; the Manager's mutex makes that safe.
func (s *Service) Run(ctx context.Context) error {
	topics := []string{
		protocol.TopicRegistry,
		protocol.TopicHeartbeat,
		protocol.TopicTickAck,
		protocol.TopicAnomaly,
		protocol.MigrationTopic(protocol.ManagerID),
	}
	var subs []*bus.Subscription
	for _, topic := range topics {
		sub, err := s.bus.Subscribe(topic)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		go func(sub *bus.Subscription) {
			for msg := range sub.C {
				s.handle(msg)
			}
		}(sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	}()

	// Publish the starting map so late joiners are not blind until the
	// first rebalance.
	s.publishMap(s.mgr.RegionMap())

	liveness := time.NewTicker(s.mgr.cfg.HeartbeatInterval)
	defer liveness.Stop()
	rebalance := time.NewTicker(s.cfg.RebalanceEvery)
	defer rebalance.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-liveness.C:
			if lost := s.mgr.SweepLiveness(time.Now()); len(lost) > 0 {
				for _, id := range lost {
					s.writeAnomaly(AnomalyEntry{Tick: s.mgr.Tick(), Code: protocol.ErrUnreachable, RunnerID: id})
				}
			}
			s.checkpointHealth()
		case <-rebalance.C:
			s.rebalanceAndBroadcast()
		default:
		}

		if s.mgr.NeedsRebalance() {
			s.rebalanceAndBroadcast()
		}

		start := time.Now()
		tick, stragglers, err := s.mgr.AdvanceTick(s.publishTick)
		if err != nil {
			s.log.Printf("advance tick: %v", err)
		}
		if s.journal != nil {
			_ = s.journal.WriteTick(TickLogEntry{
				Tick:       tick,
				DurationMs: float64(time.Since(start).Microseconds()) / 1000,
				Live:       len(s.mgr.Runners()),
				Stragglers: stragglers,
			})
		}
		s.pumpSeeds(tick)

		if rest := s.cfg.TickInterval - time.Since(start); rest > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rest):
			}
		}
	}
}

func (s *Service) handle(msg bus.Message) {
	env, err := protocol.DecodeEnvelope(msg.Payload)
	if err != nil {
		s.log.Printf("bad envelope on %s: %v", msg.Topic, err)
		return
	}
	switch env.Kind {
	case protocol.KindRegister:
		var m protocol.RegisterMsg
		if json.Unmarshal(msg.Payload, &m) != nil {
			return
		}
		s.handleRegister(m)
	case protocol.KindDeregister:
		var m protocol.DeregisterMsg
		if json.Unmarshal(msg.Payload, &m) != nil {
			return
		}
		if err := s.mgr.Deregister(m.RunnerID); err != nil {
			s.log.Printf("deregister %s: %v", m.RunnerID, err)
			return
		}
		s.rebalanceAndBroadcast()
	case protocol.KindHeartbeat:
		var m protocol.HeartbeatMsg
		if json.Unmarshal(msg.Payload, &m) != nil {
			return
		}
		if err := s.mgr.Heartbeat(m); err != nil {
			s.log.Printf("heartbeat: %v", err)
			return
		}
		// The broadcast is best-effort; a runner reporting an old map
		// version missed a snapshot, so resend the current one.
		if rm := s.mgr.RegionMap(); m.MapVersion < rm.Version() {
			s.maybeResendMap(rm)
		}
	case protocol.KindTickAck:
		var m protocol.TickAckMsg
		if json.Unmarshal(msg.Payload, &m) != nil {
			return
		}
		s.mgr.AckTick(m.RunnerID, m.Tick)
	case protocol.KindAnomaly:
		var m protocol.AnomalyMsg
		if json.Unmarshal(msg.Payload, &m) != nil {
			return
		}
		s.log.Printf("anomaly from %s: %s object=%s ticket=%s %s", m.RunnerID, m.Code, m.ObjectID, m.TicketID, m.Detail)
		s.writeAnomaly(AnomalyEntry{
			Tick:     m.Tick,
			Code:     m.Code,
			RunnerID: m.RunnerID,
			ObjectID: m.ObjectID,
			TicketID: m.TicketID,
			Detail:   m.Detail,
		})
	case protocol.KindMigrationAck:
		var m protocol.MigrationAckMsg
		if json.Unmarshal(msg.Payload, &m) != nil {
			return
		}
		s.mu.Lock()
		delete(s.seeds, m.TicketID)
		s.mu.Unlock()
	}
}

func (s *Service) handleRegister(m protocol.RegisterMsg) {
	if m.ReplyTo == "" {
		s.log.Printf("register without reply_to dropped")
		return
	}
	welcome := protocol.WelcomeMsg{
		Kind:            protocol.KindWelcome,
		ProtocolVersion: protocol.Version,
	}
	id, err := s.mgr.Register(m.RunnerID, m.Capabilities)
	if err != nil {
		welcome.Code = protocol.ErrDuplicateRegistration
		welcome.Message = err.Error()
	} else {
		welcome.RunnerID = id
		welcome.CurrentTick = s.mgr.Tick()
		welcome.RegionMap = s.mgr.RegionMap().ToWire()
	}
	s.publish(m.ReplyTo, welcome)
	if err == nil {
		s.rebalanceAndBroadcast()
	}
}

func (s *Service) rebalanceAndBroadcast() {
	rm, changed := s.mgr.Rebalance()
	if !changed {
		return
	}
	s.publishMap(rm)
	if s.store != nil {
		if err := s.store.SaveMap(rm); err != nil {
			s.log.Printf("checkpoint map: %v", err)
		}
	}
}

func (s *Service) checkpointHealth() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveHealth(s.mgr.Runners()); err != nil {
		s.log.Printf("checkpoint health: %v", err)
	}
}

// maybeResendMap rebroadcasts the current snapshot for a runner that
// reported a stale version, at most once per heartbeat interval per map
// version so a lagging runner cannot turn every heartbeat into a
// broadcast.
func (s *Service) maybeResendMap(rm region.Map) {
	s.mu.Lock()
	throttled := s.mapResendVer == rm.Version() &&
		time.Since(s.mapResendAt) < s.mgr.cfg.HeartbeatInterval
	if !throttled {
		s.mapResendVer = rm.Version()
		s.mapResendAt = time.Now()
	}
	s.mu.Unlock()
	if throttled {
		return
	}
	s.publishMap(rm)
}

func (s *Service) publishMap(rm region.Map) {
	s.publish(protocol.TopicRegionMap, rm.ToWire())
}

func (s *Service) publishTick(msg protocol.TickAdvanceMsg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.bus.Publish(protocol.TopicTickAdvance, b)
}

func (s *Service) publish(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal for %s: %v", topic, err)
		return
	}
	if err := s.bus.Publish(topic, b); err != nil {
		s.log.Printf("publish %s: %v", topic, err)
	}
}

// SeedObjects places objects into the simulation by issuing migration
// tickets from the reserved manager ID to each object's region owner.
// Unassigned regions hold their seeds back until a rebalance gives them
// an owner.
func (s *Service) SeedObjects(objs []physics.Object) {
	tick := s.mgr.Tick()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range objs {
		msg := protocol.MigrationTicketMsg{
			Kind:            protocol.KindMigration,
			ProtocolVersion: protocol.Version,
			TicketID:        uuid.NewString(),
			From:            protocol.ManagerID,
			IssuedTick:      tick,
			Object:          o.State(),
		}
		s.seeds[msg.TicketID] = &pendingSeed{msg: msg, sinceTick: tick}
	}
}

func (s *Service) pumpSeeds(tick uint64) {
	rm := s.mgr.RegionMap()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, seed := range s.seeds {
		if seed.tries > 0 && tick-seed.sinceTick < uint64(s.cfg.SeedRetryTicks) {
			continue
		}
		obj := physics.FromState(seed.msg.Object)
		rid := rm.RegionFor(obj.Pos)
		owner := rm.Owner(rid)
		if owner == "" {
			continue // wait for an owner
		}
		if seed.tries >= s.cfg.SeedMaxTries {
			s.writeAnomaly(AnomalyEntry{
				Tick:     tick,
				Code:     protocol.ErrObjectStuck,
				RunnerID: protocol.ManagerID,
				ObjectID: seed.msg.Object.ObjectID,
				TicketID: id,
				Detail:   "seed retries exhausted",
			})
			delete(s.seeds, id)
			continue
		}
		seed.msg.To = owner
		seed.msg.Region = string(rid)
		seed.msg.Attempt = seed.tries
		seed.tries++
		seed.sinceTick = tick
		s.publish(protocol.MigrationTopic(owner), seed.msg)
	}
}

// PendingSeeds reports how many placements still await acknowledgment.
func (s *Service) PendingSeeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seeds)
}

func (s *Service) writeAnomaly(e AnomalyEntry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.WriteAnomaly(e); err != nil {
		s.log.Printf("journal anomaly: %v", err)
	}
}
