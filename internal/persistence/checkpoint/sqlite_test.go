package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"gridsim.dev/internal/geom"
	"gridsim.dev/internal/manager"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

func openTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "coord.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMap() region.Map {
	domain := geom.AABB{
		Mins: geom.Vec3{X: 0, Y: 0, Z: 0},
		Maxs: geom.Vec3{X: 200, Y: 100, Z: 100},
	}
	rm := region.Build(1, 100, domain)
	return rm.WithOwners(map[region.ID]string{"0_0_0": "r1", "1_0_0": "r2"})
}

func TestMapRoundTrip(t *testing.T) {
	s := openTest(t)

	if _, ok, err := s.LoadMap(); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	rm := testMap()
	if err := s.SaveMap(rm); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Flush()

	got, ok, err := s.LoadMap()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Version() != rm.Version() || got.Len() != rm.Len() {
		t.Fatalf("loaded version=%d len=%d, want version=%d len=%d",
			got.Version(), got.Len(), rm.Version(), rm.Len())
	}
	if got.Owner("0_0_0") != "r1" || got.Owner("1_0_0") != "r2" {
		t.Fatalf("owners = %q/%q", got.Owner("0_0_0"), got.Owner("1_0_0"))
	}
}

func TestLoadMapPicksNewestVersion(t *testing.T) {
	s := openTest(t)

	rm := testMap()
	if err := s.SaveMap(rm); err != nil {
		t.Fatal(err)
	}
	next := rm.WithOwners(map[region.ID]string{"0_0_0": "r2"})
	if err := s.SaveMap(next); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	got, ok, err := s.LoadMap()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Version() != next.Version() {
		t.Fatalf("version = %d, want %d", got.Version(), next.Version())
	}
	if got.Owner("0_0_0") != "r2" {
		t.Fatalf("owner = %q, want r2", got.Owner("0_0_0"))
	}
}

func TestHealthRoundTrip(t *testing.T) {
	s := openTest(t)

	beat := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []manager.RunnerHealth{
		{
			ID:            "r1",
			Capabilities:  protocol.Capabilities{MaxObjects: 5000, Engine: "ballistic"},
			Status:        manager.StatusLive,
			LastHeartbeat: beat,
			LastAckTick:   42,
			Load:          17,
			InFlight:      2,
			MapVersion:    3,
		},
		{ID: "r2", Status: manager.StatusDegraded, LastHeartbeat: beat},
	}
	if err := s.SaveHealth(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Flush()

	out, err := s.LoadHealth()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("runners = %d, want 2", len(out))
	}
	r1 := out[0]
	if r1.ID != "r1" || r1.Status != manager.StatusLive || r1.LastAckTick != 42 ||
		r1.Load != 17 || r1.InFlight != 2 || r1.MapVersion != 3 {
		t.Fatalf("r1 = %+v", r1)
	}
	if !r1.LastHeartbeat.Equal(beat) {
		t.Fatalf("heartbeat = %v, want %v", r1.LastHeartbeat, beat)
	}
	if r1.Capabilities.MaxObjects != 5000 || r1.Capabilities.Engine != "ballistic" {
		t.Fatalf("capabilities = %+v", r1.Capabilities)
	}

	// Re-save upserts rather than duplicating rows.
	in[0].Load = 99
	if err := s.SaveHealth(in); err != nil {
		t.Fatal(err)
	}
	s.Flush()
	out, err = s.LoadHealth()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Load != 99 {
		t.Fatalf("after upsert: %+v", out)
	}
}
