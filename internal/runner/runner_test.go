package runner

import (
	"encoding/json"
	"testing"
	"time"

	"gridsim.dev/internal/bus"
	"gridsim.dev/internal/geom"
	"gridsim.dev/internal/physics"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

// driftEngine integrates position from velocity only; no gravity, no
// floor. Keeps crossing tests exact.
type driftEngine struct{}

func (driftEngine) Step(objs []physics.Object, dt float64) ([]physics.Object, []physics.Crossing, error) {
	out := make([]physics.Object, 0, len(objs))
	var crossings []physics.Crossing
	for _, o := range objs {
		if o.Sleeping {
			out = append(out, o)
			continue
		}
		from := o.Pos
		o.Pos = o.Pos.Add(o.LinVel.Scale(dt))
		out = append(out, o)
		if o.Pos != from {
			crossings = append(crossings, physics.Crossing{ObjectID: o.ID, From: from, To: o.Pos})
		}
	}
	return out, crossings, nil
}

// twoRegionMap splits a 200x100x100 domain at x=0 into cells -1_0_0 and
// 0_0_0, owned by left and right.
func twoRegionMap(t *testing.T, left, right string) region.Map {
	t.Helper()
	domain := geom.AABB{
		Mins: geom.Vec3{X: -100, Y: 0, Z: 0},
		Maxs: geom.Vec3{X: 100, Y: 100, Z: 100},
	}
	rm := region.Build(1, 100, domain)
	if rm.Len() != 2 {
		t.Fatalf("regions = %d, want 2", rm.Len())
	}
	return rm.WithOwners(map[region.ID]string{"-1_0_0": left, "0_0_0": right})
}

func recv(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a bus message")
		return bus.Message{}
	}
}

func expectNone(t *testing.T, ch <-chan bus.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on %s: %s", msg.Topic, msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestAgent(t *testing.T, id string, rm region.Map, b bus.Bus) *Agent {
	t.Helper()
	return New(id, rm, Config{Engine: driftEngine{}, RetryTicks: 3, MaxAttempts: 3}, b, nil)
}

func TestCrossingMigratesExactlyOnce(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "r2")
	a1 := newTestAgent(t, "r1", rm, b)
	a2 := newTestAgent(t, "r2", rm, b)

	toR1, err := b.Subscribe(protocol.MigrationTopic("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR1.Cancel()
	toR2, err := b.Subscribe(protocol.MigrationTopic("r2"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR2.Cancel()

	a1.Seed([]physics.Object{{
		ID:     "ball",
		Pos:    geom.Vec3{X: -1, Y: 50, Z: 50},
		LinVel: geom.Vec3{X: 5},
	}})

	// Tick 1: the ball ends at x=4, in r2's region. r1 must detach it
	// and open exactly one ticket.
	a1.step(1, 1.0)
	if a1.HasObject("ball") {
		t.Fatal("source still owns the ball after crossing")
	}
	if a1.InFlight() != 1 {
		t.Fatalf("in flight = %d, want 1", a1.InFlight())
	}

	msg := recv(t, toR2.C)
	var ticket protocol.MigrationTicketMsg
	if err := json.Unmarshal(msg.Payload, &ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	if ticket.From != "r1" || ticket.To != "r2" || ticket.Region != "0_0_0" {
		t.Fatalf("ticket routing = %s -> %s (%s)", ticket.From, ticket.To, ticket.Region)
	}
	if ticket.Object.ObjectID != "ball" || ticket.Object.Position[0] != 4 {
		t.Fatalf("ticket state = %+v", ticket.Object)
	}
	expectNone(t, toR2.C)

	// In flight: neither side owns it.
	if a1.HasObject("ball") || a2.HasObject("ball") {
		t.Fatal("in-flight object present in an active set")
	}

	a2.handleMigrationMsg(msg.Payload)
	ack := recv(t, toR1.C)
	a1.handleMigrationMsg(ack.Payload)
	if a1.InFlight() != 0 {
		t.Fatalf("in flight after ack = %d, want 0", a1.InFlight())
	}

	// The arrival only joins the destination at its next tick boundary.
	if a2.HasObject("ball") {
		t.Fatal("ball active on destination before its tick boundary")
	}
	a2.step(2, 1.0)
	if !a2.HasObject("ball") {
		t.Fatal("ball not active on destination after its tick")
	}
}

func TestDuplicateTicketAcceptedOnce(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "r2")
	a2 := newTestAgent(t, "r2", rm, b)

	toR1, err := b.Subscribe(protocol.MigrationTopic("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR1.Cancel()

	ticket := protocol.MigrationTicketMsg{
		Kind:            protocol.KindMigration,
		ProtocolVersion: protocol.Version,
		TicketID:        "t-1",
		From:            "r1",
		To:              "r2",
		Region:          "0_0_0",
		IssuedTick:      7,
		Object:          testObject("ball", 10).State(),
	}
	a2.handleTicket(ticket)
	first := recv(t, toR1.C)
	var ack protocol.MigrationAckMsg
	if err := json.Unmarshal(first.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Accepted || ack.Code != "" {
		t.Fatalf("first ack = %+v", ack)
	}

	// Redelivery with a new ticket ID but the same object and issue
	// tick: acked again, enqueued once.
	dup := ticket
	dup.TicketID = "t-1-retry"
	dup.Attempt = 1
	a2.handleTicket(dup)
	second := recv(t, toR1.C)
	if err := json.Unmarshal(second.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Accepted || ack.Code != protocol.ErrDuplicateTicket {
		t.Fatalf("duplicate ack = %+v", ack)
	}

	a2.step(8, 1.0)
	if !a2.HasObject("ball") {
		t.Fatal("object missing after accept")
	}
	if got := a2.Load(); got != 1 {
		t.Fatalf("load = %d, want 1", got)
	}
}

func TestMapUpdateForcesHandoff(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "r2")
	a1 := newTestAgent(t, "r1", rm, b)

	toR2, err := b.Subscribe(protocol.MigrationTopic("r2"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR2.Cancel()

	// Stationary object, so the engine reports no crossing.
	a1.Seed([]physics.Object{{ID: "rock", Pos: geom.Vec3{X: -50, Y: 50, Z: 50}, Sleeping: true}})
	a1.step(1, 1.0)
	expectNone(t, toR2.C)

	// A new snapshot hands r1's region to r2. The next tick must scan
	// the whole active set and move the rock out.
	next := rm.WithOwners(map[region.ID]string{"-1_0_0": "r2"})
	payload, err := json.Marshal(next.ToWire())
	if err != nil {
		t.Fatal(err)
	}
	a1.handleRegionMap(payload)
	a1.step(2, 1.0)

	msg := recv(t, toR2.C)
	var ticket protocol.MigrationTicketMsg
	if err := json.Unmarshal(msg.Payload, &ticket); err != nil {
		t.Fatal(err)
	}
	if ticket.Object.ObjectID != "rock" || ticket.To != "r2" {
		t.Fatalf("ticket = %+v", ticket)
	}
	if a1.HasObject("rock") {
		t.Fatal("rock still active on r1 after handoff")
	}
}

func TestStaleMapIgnored(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "r2") // version 2 after WithOwners
	a1 := newTestAgent(t, "r1", rm, b)

	stale := region.Build(1, 100, rm.Domain())
	payload, err := json.Marshal(stale.ToWire())
	if err != nil {
		t.Fatal(err)
	}
	a1.handleRegionMap(payload)
	if got := a1.RegionMap().Version(); got != rm.Version() {
		t.Fatalf("map version = %d, want %d", got, rm.Version())
	}
}

func TestRetryThenAnomaly(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "r2")
	a1 := New("r1", rm, Config{Engine: driftEngine{}, RetryTicks: 2, MaxAttempts: 2}, b, nil)

	toR2, err := b.Subscribe(protocol.MigrationTopic("r2"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR2.Cancel()
	anomalies, err := b.Subscribe(protocol.TopicAnomaly)
	if err != nil {
		t.Fatal(err)
	}
	defer anomalies.Cancel()

	a1.Seed([]physics.Object{{ID: "ball", Pos: geom.Vec3{X: -1, Y: 50, Z: 50}, LinVel: geom.Vec3{X: 5}}})
	a1.step(1, 1.0)
	recv(t, toR2.C) // first attempt, never acked

	a1.step(2, 1.0)
	expectNone(t, toR2.C) // still inside the ack window

	a1.step(3, 1.0)
	retry := recv(t, toR2.C)
	var ticket protocol.MigrationTicketMsg
	if err := json.Unmarshal(retry.Payload, &ticket); err != nil {
		t.Fatal(err)
	}
	if ticket.Attempt != 1 {
		t.Fatalf("retry attempt = %d, want 1", ticket.Attempt)
	}

	a1.step(4, 1.0)
	a1.step(5, 1.0)
	msg := recv(t, anomalies.C)
	var anomaly protocol.AnomalyMsg
	if err := json.Unmarshal(msg.Payload, &anomaly); err != nil {
		t.Fatal(err)
	}
	if anomaly.Code != protocol.ErrMigrationTimeout || anomaly.ObjectID != "ball" {
		t.Fatalf("anomaly = %+v", anomaly)
	}
	if a1.InFlight() != 0 {
		t.Fatalf("in flight after failure = %d, want 0", a1.InFlight())
	}
}

func TestEvacuateHandsOffEverything(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "r2")
	a1 := newTestAgent(t, "r1", rm, b)
	a2 := newTestAgent(t, "r2", rm, b)

	toR1, err := b.Subscribe(protocol.MigrationTopic("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR1.Cancel()
	toR2, err := b.Subscribe(protocol.MigrationTopic("r2"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR2.Cancel()

	objs := make([]physics.Object, 5)
	for i := range objs {
		objs[i] = physics.Object{
			ID:  string(rune('a' + i)),
			Pos: geom.Vec3{X: -90 + float64(i)*10, Y: 50, Z: 50},
		}
	}
	a1.Seed(objs)

	if moved := a1.Evacuate(); moved != 5 {
		t.Fatalf("evacuated = %d, want 5", moved)
	}
	if a1.Load() != 0 || a1.InFlight() != 5 {
		t.Fatalf("load=%d inflight=%d after evacuate", a1.Load(), a1.InFlight())
	}

	for i := 0; i < 5; i++ {
		msg := recv(t, toR2.C)
		a2.handleMigrationMsg(msg.Payload)
		ack := recv(t, toR1.C)
		a1.handleMigrationMsg(ack.Payload)
	}
	if a1.InFlight() != 0 {
		t.Fatalf("in flight after acks = %d, want 0", a1.InFlight())
	}

	a2.step(1, 1.0)
	if a2.Load() != 5 {
		t.Fatalf("destination load = %d, want 5", a2.Load())
	}
	for _, o := range objs {
		if !a2.HasObject(o.ID) {
			t.Fatalf("object %s missing after evacuation", o.ID)
		}
	}
}

func TestUnownedRegionKeepsObjectLocal(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "") // right cell has no owner yet
	a1 := newTestAgent(t, "r1", rm, b)

	a1.Seed([]physics.Object{{ID: "ball", Pos: geom.Vec3{X: -1, Y: 50, Z: 50}, LinVel: geom.Vec3{X: 5}}})
	a1.step(1, 1.0)
	if !a1.HasObject("ball") {
		t.Fatal("object dropped while its region is unassigned")
	}
	if a1.InFlight() != 0 {
		t.Fatalf("in flight = %d, want 0", a1.InFlight())
	}

	// Once the region gains an owner the object moves on the next
	// map-triggered scan.
	owned := rm.WithOwners(map[region.ID]string{"0_0_0": "r2"})
	payload, err := json.Marshal(owned.ToWire())
	if err != nil {
		t.Fatal(err)
	}
	toR2, err := b.Subscribe(protocol.MigrationTopic("r2"))
	if err != nil {
		t.Fatal(err)
	}
	defer toR2.Cancel()
	a1.handleRegionMap(payload)
	a1.step(2, 1.0)
	recv(t, toR2.C)
	if a1.HasObject("ball") {
		t.Fatal("object still local after its region gained an owner")
	}
}

func TestHeartbeatAndAckEachTick(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	rm := twoRegionMap(t, "r1", "r2")
	a1 := newTestAgent(t, "r1", rm, b)

	hb, err := b.Subscribe(protocol.TopicHeartbeat)
	if err != nil {
		t.Fatal(err)
	}
	defer hb.Cancel()
	acks, err := b.Subscribe(protocol.TopicTickAck)
	if err != nil {
		t.Fatal(err)
	}
	defer acks.Cancel()

	a1.Seed([]physics.Object{testObject("ball", -50)})
	a1.step(41, 0.05)

	var beat protocol.HeartbeatMsg
	if err := json.Unmarshal(recv(t, hb.C).Payload, &beat); err != nil {
		t.Fatal(err)
	}
	if beat.RunnerID != "r1" || beat.Tick != 41 || beat.Load != 1 || beat.MapVersion != rm.Version() {
		t.Fatalf("heartbeat = %+v", beat)
	}

	var ack protocol.TickAckMsg
	if err := json.Unmarshal(recv(t, acks.C).Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.RunnerID != "r1" || ack.Tick != 41 {
		t.Fatalf("tick ack = %+v", ack)
	}
}
