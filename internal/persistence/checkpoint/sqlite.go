// Package checkpoint persists coordination state (region map snapshots,
// runner health) to SQLite so a restarted manager resumes from the last
// known assignment instead of a cold grid.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridsim.dev/internal/manager"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

type SQLiteStore struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqMap reqKind = iota + 1
	reqHealth
	reqSync
)

type req struct {
	kind   reqKind
	rmJSON []byte
	rmVer  uint64
	health []manager.RunnerHealth
	done   chan struct{}
}

func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db: db,
		// Checkpoints are low-rate; a modest buffer keeps the
		// coordination loop from ever waiting on the disk.
		ch: make(chan req, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style checkpoint workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS region_maps (
			version INTEGER PRIMARY KEY,
			map_json TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runner_health (
			runner_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			last_ack_tick INTEGER NOT NULL,
			load INTEGER NOT NULL,
			in_flight INTEGER NOT NULL,
			map_version INTEGER NOT NULL,
			capabilities_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveMap queues the snapshot for the writer goroutine. Dropping a
// checkpoint on overflow is safe; a newer snapshot follows shortly.
func (s *SQLiteStore) SaveMap(rm region.Map) error {
	if s.closed.Load() {
		return fmt.Errorf("checkpoint store closed")
	}
	b, err := json.Marshal(rm.ToWire())
	if err != nil {
		return err
	}
	select {
	case s.ch <- req{kind: reqMap, rmJSON: b, rmVer: rm.Version()}:
	default:
	}
	return nil
}

func (s *SQLiteStore) SaveHealth(hs []manager.RunnerHealth) error {
	if s.closed.Load() {
		return fmt.Errorf("checkpoint store closed")
	}
	cp := make([]manager.RunnerHealth, len(hs))
	copy(cp, hs)
	select {
	case s.ch <- req{kind: reqHealth, health: cp}:
	default:
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) loop() {
	for r := range s.ch {
		switch r.kind {
		case reqMap:
			s.writeMap(r)
		case reqHealth:
			s.writeHealth(r.health)
		case reqSync:
			close(r.done)
		}
	}
}

func (s *SQLiteStore) writeMap(r req) {
	_, _ = s.db.Exec(
		`INSERT OR REPLACE INTO region_maps (version, map_json, saved_at) VALUES (?, ?, ?)`,
		int64(r.rmVer), string(r.rmJSON), time.Now().UTC().Format(time.RFC3339),
	)
	// Keep a short history; old versions only matter for debugging.
	_, _ = s.db.Exec(
		`DELETE FROM region_maps WHERE version < (SELECT MAX(version) FROM region_maps) - 8`,
	)
}

func (s *SQLiteStore) writeHealth(hs []manager.RunnerHealth) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, h := range hs {
		caps, err := json.Marshal(h.Capabilities)
		if err != nil {
			continue
		}
		_, _ = tx.Exec(
			`INSERT OR REPLACE INTO runner_health
			 (runner_id, status, last_heartbeat, last_ack_tick, load, in_flight, map_version, capabilities_json, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, string(h.Status), h.LastHeartbeat.UTC().Format(time.RFC3339Nano),
			int64(h.LastAckTick), h.Load, h.InFlight, int64(h.MapVersion), string(caps), now,
		)
	}
	_ = tx.Commit()
}

// Flush waits for every queued write to land. Tests and shutdown paths
// use it; the hot path never waits.
func (s *SQLiteStore) Flush() {
	if s.closed.Load() {
		return
	}
	done := make(chan struct{})
	s.ch <- req{kind: reqSync, done: done}
	<-done
}

// LoadMap returns the newest checkpointed region map, if any.
func (s *SQLiteStore) LoadMap() (region.Map, bool, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT map_json FROM region_maps ORDER BY version DESC LIMIT 1`,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return region.Map{}, false, nil
	}
	if err != nil {
		return region.Map{}, false, err
	}
	var msg protocol.RegionMapMsg
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return region.Map{}, false, err
	}
	return region.FromWire(msg), true, nil
}

// LoadHealth returns the last known runner roster.
func (s *SQLiteStore) LoadHealth() ([]manager.RunnerHealth, error) {
	rows, err := s.db.Query(
		`SELECT runner_id, status, last_heartbeat, last_ack_tick, load, in_flight, map_version, capabilities_json
		 FROM runner_health ORDER BY runner_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []manager.RunnerHealth
	for rows.Next() {
		var h manager.RunnerHealth
		var status, beat, caps string
		var ack, mapVer int64
		if err := rows.Scan(&h.ID, &status, &beat, &ack, &h.Load, &h.InFlight, &mapVer, &caps); err != nil {
			return nil, err
		}
		h.Status = manager.Status(status)
		if t, err := time.Parse(time.RFC3339Nano, beat); err == nil {
			h.LastHeartbeat = t
		}
		h.LastAckTick = uint64(ack)
		h.MapVersion = uint64(mapVer)
		if err := json.Unmarshal([]byte(caps), &h.Capabilities); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
