// Package runner implements the runner agent: it owns a subset of
// regions, drives the physics adapter for their objects, detects
// boundary crossings against its cached region map and executes the
// peer-to-peer migration protocol.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"gridsim.dev/internal/bus"
	"gridsim.dev/internal/physics"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

type Config struct {
	Engine            physics.Adapter
	RetryTicks        int // ack window before a ticket retry
	MaxAttempts       int
	DedupeWindowTicks int
	DrainTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Engine == nil {
		c.Engine = physics.NewBallistic()
	}
	if c.RetryTicks <= 0 {
		c.RetryTicks = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DedupeWindowTicks <= 0 {
		c.DedupeWindowTicks = 600
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

type Agent struct {
	log *log.Logger
	cfg Config
	bus bus.Bus
	id  string

	tick       uint64
	regions    region.Map
	mapChanged bool

	// active is the exclusively owned object set. A single goroutine
	// mutates it; bus handlers only queue work for the next tick.
	active  map[string]physics.Object
	pending []physics.Object
	out     *migrationTable
	seen    map[string]uint64 // objectID@issuedTick -> tick first accepted
}

func New(id string, rm region.Map, cfg Config, b bus.Bus, logger *log.Logger) *Agent {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Agent{
		log:     logger,
		cfg:     cfg,
		bus:     b,
		id:      id,
		regions: rm,
		active:  map[string]physics.Object{},
		out:     newMigrationTable(cfg.RetryTicks, cfg.MaxAttempts),
		seen:    map[string]uint64{},
	}
}

func (a *Agent) ID() string            { return a.id }
func (a *Agent) Tick() uint64          { return a.tick }
func (a *Agent) Load() int             { return len(a.active) }
func (a *Agent) InFlight() int         { return a.out.inFlight() }
func (a *Agent) RegionMap() region.Map { return a.regions }

// HasObject reports whether the object is in the active set.
func (a *Agent) HasObject(id string) bool {
	_, ok := a.active[id]
	return ok
}

// Run processes bus traffic and tick signals until the context ends,
// then drains in-flight work and deregisters.
func (a *Agent) Run(ctx context.Context) error {
	mapSub, err := a.bus.Subscribe(protocol.TopicRegionMap)
	if err != nil {
		return err
	}
	defer mapSub.Cancel()
	tickSub, err := a.bus.Subscribe(protocol.TopicTickAdvance)
	if err != nil {
		return err
	}
	defer tickSub.Cancel()
	migSub, err := a.bus.Subscribe(protocol.MigrationTopic(a.id))
	if err != nil {
		return err
	}
	defer migSub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return a.drainAndDeregister(migSub)
		case msg, ok := <-mapSub.C:
			if !ok {
				return nil
			}
			a.handleRegionMap(msg.Payload)
		case msg, ok := <-migSub.C:
			if !ok {
				return nil
			}
			a.handleMigrationMsg(msg.Payload)
		case msg, ok := <-tickSub.C:
			if !ok {
				return nil
			}
			var adv protocol.TickAdvanceMsg
			if json.Unmarshal(msg.Payload, &adv) != nil {
				continue
			}
			a.step(adv.Tick, adv.Dt)
		}
	}
}

func (a *Agent) handleRegionMap(payload []byte) {
	var msg protocol.RegionMapMsg
	if json.Unmarshal(payload, &msg) != nil {
		return
	}
	if msg.Version <= a.regions.Version() {
		return // stale rebroadcast
	}
	a.regions = region.FromWire(msg)
	a.mapChanged = true
}

func (a *Agent) handleMigrationMsg(payload []byte) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return
	}
	switch env.Kind {
	case protocol.KindMigration:
		var m protocol.MigrationTicketMsg
		if json.Unmarshal(payload, &m) != nil {
			return
		}
		a.handleTicket(m)
	case protocol.KindMigrationAck:
		var m protocol.MigrationAckMsg
		if json.Unmarshal(payload, &m) != nil {
			return
		}
		a.out.onAck(m.TicketID)
	}
}

// handleTicket accepts an inbound object. Acceptance queues the object
// for the next tick boundary; the ack is sent immediately so the source
// can commit. Duplicates (at-least-once delivery, source retries) are
// acked again but not enqueued twice.
func (a *Agent) handleTicket(m protocol.MigrationTicketMsg) {
	key := dedupeKey(m.Object.ObjectID, m.IssuedTick)
	ack := protocol.MigrationAckMsg{
		Kind:            protocol.KindMigrationAck,
		ProtocolVersion: protocol.Version,
		TicketID:        m.TicketID,
		ObjectID:        m.Object.ObjectID,
		From:            a.id,
		Accepted:        true,
	}
	_, dup := a.seen[key]
	if !dup {
		if a.HasObject(m.Object.ObjectID) || a.out.hasObject(m.Object.ObjectID) {
			dup = true
		}
	}
	if dup {
		ack.Code = protocol.ErrDuplicateTicket
	} else {
		a.seen[key] = a.tick
		a.pending = append(a.pending, physics.FromState(m.Object))
	}
	a.publish(protocol.MigrationTopic(m.From), ack)
}

// step advances one virtual tick: step the engine, migrate crossers,
// drain inbound arrivals (effective next tick), retry stale tickets,
// heartbeat and ack.
func (a *Agent) step(tick uint64, dt float64) {
	a.tick = tick

	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	objs := make([]physics.Object, 0, len(ids))
	for _, id := range ids {
		objs = append(objs, a.active[id])
	}

	updated, crossings, err := a.cfg.Engine.Step(objs, dt)
	if err != nil {
		a.log.Printf("engine step: %v", err)
		return
	}
	for _, o := range updated {
		a.active[o.ID] = o
	}

	// Boundary detection: crossers from the engine, or the whole set
	// after a map update, since a new snapshot can reassign regions
	// under objects that did not move.
	candidates := make([]string, 0, len(crossings))
	if a.mapChanged {
		candidates = ids
		a.mapChanged = false
	} else {
		for _, c := range crossings {
			candidates = append(candidates, c.ObjectID)
		}
	}
	for _, id := range candidates {
		obj, ok := a.active[id]
		if !ok {
			continue
		}
		rid := a.regions.RegionFor(obj.Pos)
		owner := a.regions.Owner(rid)
		if owner == a.id || owner == "" {
			// Unassigned regions keep the object local; it migrates
			// lazily once the map names an owner.
			continue
		}
		a.migrateOut(obj, owner, rid)
	}

	// Arrivals join the active set now and get stepped next tick,
	// never mid-tick.
	for _, obj := range a.pending {
		if _, ok := a.active[obj.ID]; ok {
			continue
		}
		a.active[obj.ID] = obj
	}
	a.pending = a.pending[:0]

	a.retryDue(tick)
	a.pruneSeen(tick)

	a.publish(protocol.TopicHeartbeat, protocol.HeartbeatMsg{
		Kind:            protocol.KindHeartbeat,
		ProtocolVersion: protocol.Version,
		RunnerID:        a.id,
		Tick:            tick,
		Load:            len(a.active),
		InFlight:        a.out.inFlight(),
		MapVersion:      a.regions.Version(),
	})
	a.publish(protocol.TopicTickAck, protocol.TickAckMsg{
		Kind:            protocol.KindTickAck,
		ProtocolVersion: protocol.Version,
		RunnerID:        a.id,
		Tick:            tick,
	})
}

// migrateOut removes the object from the active set and opens a ticket.
// Between removal and the destination's ack the object is in flight,
// simulated by no one.
func (a *Agent) migrateOut(obj physics.Object, dest string, rid region.ID) {
	delete(a.active, obj.ID)
	ot, err := a.out.detect(obj, a.id, dest, string(rid), a.tick)
	if err != nil {
		// Already in flight; re-adding would double-own it.
		a.log.Printf("migrate %s: %v", obj.ID, err)
		return
	}
	a.sendTicket(ot)
}

func (a *Agent) sendTicket(ot *outboundTicket) {
	a.out.markSent(ot.msg.TicketID, a.tick)
	a.publish(protocol.MigrationTopic(ot.msg.To), ot.msg)
}

func (a *Agent) retryDue(tick uint64) {
	retry, failed := a.out.due(tick)
	for _, ot := range retry {
		ot.msg.Attempt = ot.attempts
		a.sendTicket(ot)
	}
	for _, ot := range failed {
		a.log.Printf("migration %s of %s to %s failed after %d attempts", ot.msg.TicketID, ot.msg.Object.ObjectID, ot.msg.To, ot.attempts)
		a.publish(protocol.TopicAnomaly, protocol.AnomalyMsg{
			Kind:            protocol.KindAnomaly,
			ProtocolVersion: protocol.Version,
			RunnerID:        a.id,
			Code:            protocol.ErrMigrationTimeout,
			ObjectID:        ot.msg.Object.ObjectID,
			TicketID:        ot.msg.TicketID,
			Tick:            tick,
			Detail:          fmt.Sprintf("retries exhausted after %d attempts", ot.attempts),
		})
	}
}

func (a *Agent) pruneSeen(tick uint64) {
	window := uint64(a.cfg.DedupeWindowTicks)
	for key, t := range a.seen {
		if tick > t+window {
			delete(a.seen, key)
		}
	}
}

// Evacuate forces every owned object into an outgoing migration, used
// before deregistration so nothing is abandoned. Targets are the owner
// of the object's region if foreign, else a neighboring region's owner,
// else any other owner in the map.
func (a *Agent) Evacuate() int {
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	moved := 0
	for _, id := range ids {
		obj := a.active[id]
		rid := a.regions.RegionFor(obj.Pos)
		dest, destRegion := a.evacTarget(rid)
		if dest == "" {
			a.publish(protocol.TopicAnomaly, protocol.AnomalyMsg{
				Kind:            protocol.KindAnomaly,
				ProtocolVersion: protocol.Version,
				RunnerID:        a.id,
				Code:            protocol.ErrObjectStuck,
				ObjectID:        obj.ID,
				Tick:            a.tick,
				Detail:          "no evacuation target",
			})
			continue
		}
		a.migrateOut(obj, dest, destRegion)
		moved++
	}
	return moved
}

func (a *Agent) evacTarget(rid region.ID) (string, region.ID) {
	if owner := a.regions.Owner(rid); owner != "" && owner != a.id {
		return owner, rid
	}
	for _, n := range a.regions.NeighborsOf(rid) {
		if owner := a.regions.Owner(n); owner != "" && owner != a.id {
			return owner, n
		}
	}
	for _, r := range a.regions.Regions() {
		if r.Owner != "" && r.Owner != a.id {
			return r.Owner, r.ID
		}
	}
	return "", ""
}

func (a *Agent) drainAndDeregister(migSub *bus.Subscription) error {
	a.Evacuate()

	deadline := time.NewTimer(a.cfg.DrainTimeout)
	defer deadline.Stop()
	pacer := time.NewTicker(20 * time.Millisecond)
	defer pacer.Stop()

	for a.out.inFlight() > 0 {
		select {
		case msg, ok := <-migSub.C:
			if !ok {
				return a.deregister()
			}
			a.handleMigrationMsg(msg.Payload)
		case <-pacer.C:
			// Ticks stop flowing during shutdown; advance a local
			// counter so retry windows still expire.
			a.tick++
			a.retryDue(a.tick)
		case <-deadline.C:
			a.log.Printf("drain timeout with %d tickets in flight", a.out.inFlight())
			return a.deregister()
		}
	}
	return a.deregister()
}

func (a *Agent) deregister() error {
	a.publish(protocol.TopicRegistry, protocol.DeregisterMsg{
		Kind:            protocol.KindDeregister,
		ProtocolVersion: protocol.Version,
		RunnerID:        a.id,
	})
	a.log.Printf("runner %s deregistered (%d objects left, %d in flight)", a.id, len(a.active), a.out.inFlight())
	return nil
}

func (a *Agent) publish(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.log.Printf("marshal for %s: %v", topic, err)
		return
	}
	if err := a.bus.Publish(topic, b); err != nil {
		a.log.Printf("publish %s: %v", topic, err)
	}
}

func dedupeKey(objectID string, issuedTick uint64) string {
	return fmt.Sprintf("%s@%d", objectID, issuedTick)
}

// Seed inserts objects directly into the active set before the loop
// starts, for sandbox runs without a manager-side placement.
func (a *Agent) Seed(objs []physics.Object) {
	for _, o := range objs {
		a.active[o.ID] = o
	}
}
