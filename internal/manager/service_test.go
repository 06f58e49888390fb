package manager

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gridsim.dev/internal/bus"
	"gridsim.dev/internal/geom"
	"gridsim.dev/internal/physics"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

type memJournal struct {
	mu        sync.Mutex
	ticks     []TickLogEntry
	anomalies []AnomalyEntry
}

func (j *memJournal) WriteTick(e TickLogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ticks = append(j.ticks, e)
	return nil
}

func (j *memJournal) WriteAnomaly(e AnomalyEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.anomalies = append(j.anomalies, e)
	return nil
}

func (j *memJournal) anomalyCodes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.anomalies))
	for _, a := range j.anomalies {
		out = append(out, a.Code)
	}
	return out
}

func serviceFixture(t *testing.T) (*Service, *Manager, *bus.Memory, *memJournal) {
	t.Helper()
	domain := geom.AABB{Mins: geom.Vec3{X: 0}, Maxs: geom.Vec3{X: 200, Y: 100, Z: 100}}
	rm := region.Build(1, 100, domain)
	mgr := New(Config{}, rm, nil)
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	j := &memJournal{}
	svc := NewService(ServiceConfig{SeedRetryTicks: 2, SeedMaxTries: 2}, mgr, b, j, nil, nil)
	return svc, mgr, b, j
}

func recvMsg(t *testing.T, ch <-chan bus.Message) bus.Message {
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

func TestRegisterOverBus(t *testing.T) {
	svc, mgr, b, _ := serviceFixture(t)

	reply, err := b.Subscribe("registry/test-reply")
	if err != nil {
		t.Fatal(err)
	}
	defer reply.Cancel()
	maps, err := b.Subscribe(protocol.TopicRegionMap)
	if err != nil {
		t.Fatal(err)
	}
	defer maps.Cancel()

	svc.handleRegister(protocol.RegisterMsg{
		Kind:            protocol.KindRegister,
		ProtocolVersion: protocol.Version,
		ReplyTo:         "registry/test-reply",
	})

	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(recvMsg(t, reply.C).Payload, &welcome); err != nil {
		t.Fatal(err)
	}
	if welcome.Code != "" || welcome.RunnerID == "" {
		t.Fatalf("welcome = %+v", welcome)
	}
	if _, ok := mgr.Runner(welcome.RunnerID); !ok {
		t.Fatalf("runner %s not registered", welcome.RunnerID)
	}

	// Registration triggers a rebalance broadcast assigning the grid.
	var rmMsg protocol.RegionMapMsg
	if err := json.Unmarshal(recvMsg(t, maps.C).Payload, &rmMsg); err != nil {
		t.Fatal(err)
	}
	for _, r := range rmMsg.Regions {
		if r.Owner != welcome.RunnerID {
			t.Fatalf("region %s owner = %q, want %q", r.ID, r.Owner, welcome.RunnerID)
		}
	}

	// A second claim on the same live ID is refused.
	svc.handleRegister(protocol.RegisterMsg{
		Kind:            protocol.KindRegister,
		ProtocolVersion: protocol.Version,
		RunnerID:        welcome.RunnerID,
		ReplyTo:         "registry/test-reply",
	})
	var refused protocol.WelcomeMsg
	if err := json.Unmarshal(recvMsg(t, reply.C).Payload, &refused); err != nil {
		t.Fatal(err)
	}
	if refused.Code != protocol.ErrDuplicateRegistration {
		t.Fatalf("refusal code = %q", refused.Code)
	}
}

func TestStaleHeartbeatTriggersMapRebroadcast(t *testing.T) {
	svc, mgr, b, _ := serviceFixture(t)

	id, err := mgr.Register("", protocol.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	if _, changed := mgr.Rebalance(); !changed {
		t.Fatal("rebalance should assign the grid")
	}
	current := mgr.RegionMap().Version()

	maps, err := b.Subscribe(protocol.TopicRegionMap)
	if err != nil {
		t.Fatal(err)
	}
	defer maps.Cancel()

	heartbeat := func(mapVersion uint64) {
		t.Helper()
		payload, err := json.Marshal(protocol.HeartbeatMsg{
			Kind:            protocol.KindHeartbeat,
			ProtocolVersion: protocol.Version,
			RunnerID:        id,
			Tick:            1,
			MapVersion:      mapVersion,
		})
		if err != nil {
			t.Fatal(err)
		}
		svc.handle(bus.Message{Topic: protocol.TopicHeartbeat, Payload: payload})
	}

	// A runner that missed the broadcast gets the snapshot again.
	heartbeat(current - 1)
	var rmMsg protocol.RegionMapMsg
	if err := json.Unmarshal(recvMsg(t, maps.C).Payload, &rmMsg); err != nil {
		t.Fatal(err)
	}
	if rmMsg.Version != current {
		t.Fatalf("resent version = %d, want %d", rmMsg.Version, current)
	}

	// Repeats inside the throttle window stay quiet, and an up-to-date
	// heartbeat never triggers a resend.
	heartbeat(current - 1)
	heartbeat(current)
	select {
	case msg := <-maps.C:
		t.Fatalf("unexpected rebroadcast: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSeedPlacementAndAck(t *testing.T) {
	svc, mgr, b, _ := serviceFixture(t)

	id, err := mgr.Register("", protocol.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	if _, changed := mgr.Rebalance(); !changed {
		t.Fatal("rebalance should assign the grid")
	}

	inbox, err := b.Subscribe(protocol.MigrationTopic(id))
	if err != nil {
		t.Fatal(err)
	}
	defer inbox.Cancel()

	svc.SeedObjects([]physics.Object{{ID: "ball", Pos: geom.Vec3{X: 50, Y: 50, Z: 50}}})
	if svc.PendingSeeds() != 1 {
		t.Fatalf("pending = %d, want 1", svc.PendingSeeds())
	}
	svc.pumpSeeds(1)

	var ticket protocol.MigrationTicketMsg
	if err := json.Unmarshal(recvMsg(t, inbox.C).Payload, &ticket); err != nil {
		t.Fatal(err)
	}
	if ticket.From != protocol.ManagerID || ticket.To != id || ticket.Object.ObjectID != "ball" {
		t.Fatalf("ticket = %+v", ticket)
	}

	ackPayload, err := json.Marshal(protocol.MigrationAckMsg{
		Kind:            protocol.KindMigrationAck,
		ProtocolVersion: protocol.Version,
		TicketID:        ticket.TicketID,
		ObjectID:        "ball",
		From:            id,
		Accepted:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.handle(bus.Message{Topic: protocol.MigrationTopic(protocol.ManagerID), Payload: ackPayload})
	if svc.PendingSeeds() != 0 {
		t.Fatalf("pending after ack = %d, want 0", svc.PendingSeeds())
	}
}

func TestSeedRetriesExhaustedJournaled(t *testing.T) {
	svc, mgr, _, j := serviceFixture(t)

	if _, err := mgr.Register("", protocol.Capabilities{}); err != nil {
		t.Fatal(err)
	}
	if _, changed := mgr.Rebalance(); !changed {
		t.Fatal("rebalance should assign the grid")
	}

	svc.SeedObjects([]physics.Object{{ID: "ball", Pos: geom.Vec3{X: 50, Y: 50, Z: 50}}})

	// SeedMaxTries is 2; pumping past the retry budget with no ack
	// must escalate instead of spinning forever.
	svc.pumpSeeds(1)
	svc.pumpSeeds(3)
	svc.pumpSeeds(5)
	if svc.PendingSeeds() != 0 {
		t.Fatalf("pending = %d, want 0 after exhaustion", svc.PendingSeeds())
	}
	codes := j.anomalyCodes()
	if len(codes) != 1 || codes[0] != protocol.ErrObjectStuck {
		t.Fatalf("anomalies = %v", codes)
	}
}

func TestSeedWaitsForOwner(t *testing.T) {
	svc, mgr, _, j := serviceFixture(t)

	svc.SeedObjects([]physics.Object{{ID: "ball", Pos: geom.Vec3{X: 50, Y: 50, Z: 50}}})
	svc.pumpSeeds(1)
	svc.pumpSeeds(10)
	if svc.PendingSeeds() != 1 {
		t.Fatalf("pending = %d, want 1 while unowned", svc.PendingSeeds())
	}
	if len(j.anomalyCodes()) != 0 {
		t.Fatalf("anomalies on unowned grid: %v", j.anomalyCodes())
	}

	if _, err := mgr.Register("", protocol.Capabilities{}); err != nil {
		t.Fatal(err)
	}
	if _, changed := mgr.Rebalance(); !changed {
		t.Fatal("rebalance should assign the grid")
	}
	svc.pumpSeeds(11)
	if svc.PendingSeeds() != 1 {
		t.Fatalf("pending = %d, want 1 in flight", svc.PendingSeeds())
	}
}
