package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"gridsim.dev/internal/manager"
)

func readEntries(t *testing.T, dir string, out any) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("files = %d, want 1", len(matches))
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	n := 0
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		if err := json.Unmarshal(sc.Bytes(), out); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestTickAndAnomalyStreams(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)

	for tick := uint64(1); tick <= 3; tick++ {
		if err := j.WriteTick(manager.TickLogEntry{Tick: tick, Live: 2, DurationMs: 1.5}); err != nil {
			t.Fatalf("write tick: %v", err)
		}
	}
	if err := j.WriteAnomaly(manager.AnomalyEntry{
		Tick:     3,
		Code:     "E_MIGRATION_TIMEOUT",
		RunnerID: "r1",
		ObjectID: "ball",
		TicketID: "t-1",
	}); err != nil {
		t.Fatalf("write anomaly: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var tickEntry manager.TickLogEntry
	if n := readEntries(t, filepath.Join(dir, "ticks"), &tickEntry); n != 3 {
		t.Fatalf("tick entries = %d, want 3", n)
	}
	if tickEntry.Tick != 3 || tickEntry.Live != 2 {
		t.Fatalf("last tick entry = %+v", tickEntry)
	}

	var anomaly manager.AnomalyEntry
	if n := readEntries(t, filepath.Join(dir, "anomalies"), &anomaly); n != 1 {
		t.Fatalf("anomaly entries = %d, want 1", n)
	}
	if anomaly.Code != "E_MIGRATION_TIMEOUT" || anomaly.ObjectID != "ball" {
		t.Fatalf("anomaly = %+v", anomaly)
	}
}

func TestAppendAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j := New(dir)
	if err := j.WriteTick(manager.TickLogEntry{Tick: 1}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j = New(dir)
	if err := j.WriteTick(manager.TickLogEntry{Tick: 2}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	var entry manager.TickLogEntry
	if n := readEntries(t, filepath.Join(dir, "ticks"), &entry); n != 2 {
		t.Fatalf("entries after reopen = %d, want 2", n)
	}
}
