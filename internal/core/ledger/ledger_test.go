package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewColdStart(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir, []string{"backup.example.com"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	isBackup, concurrency, seconds := l.Key("mirror.example.com")
	if isBackup || concurrency != 0 || seconds != 0 {
		t.Fatalf("Key(unknown host) = (%v, %d, %d), want (false, 0, 0)", isBackup, concurrency, seconds)
	}

	isBackup, _, _ = l.Key("backup.example.com")
	if !isBackup {
		t.Fatal("Key(backup host) did not report isBackup")
	}
}

func TestKeyForURLExtractsHost(t *testing.T) {
	l, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.OnOpen("mirror.example.com")
	_, concurrency, _ := l.KeyForURL("https://mirror.example.com/path/to/file")
	if concurrency != 1 {
		t.Fatalf("concurrency = %d, want 1", concurrency)
	}
}

func TestOnOpenOnCloseBalance(t *testing.T) {
	l, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	host := "mirror.example.com"
	l.OnOpen(host)
	l.OnOpen(host)
	if _, concurrency, _ := l.Key(host); concurrency != 2 {
		t.Fatalf("concurrency after two opens = %d, want 2", concurrency)
	}

	l.OnClose(host, 3)
	if _, concurrency, seconds := l.Key(host); concurrency != 1 || seconds != 3 {
		t.Fatalf("Key after close = (_, %d, %d), want (_, 1, 3)", concurrency, seconds)
	}

	// Closing more than were opened must never go negative.
	l.OnClose(host, 0)
	l.OnClose(host, 0)
	if _, concurrency, _ := l.Key(host); concurrency != 0 {
		t.Fatalf("concurrency went negative: %d", concurrency)
	}
}

func TestOnCloseSubSecondNotPersisted(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.OnClose("mirror.example.com", 0)

	if _, err := os.Stat(filepath.Join(dir, "statistics.json")); !os.IsNotExist(err) {
		t.Fatalf("statistics.json should not exist after a zero-duration close, stat err = %v", err)
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.OnClose("mirror.example.com", 5)

	data, err := os.ReadFile(filepath.Join(dir, "statistics.json"))
	if err != nil {
		t.Fatalf("reading persisted file: %v", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.SchemaVersion != schemaVersion {
		t.Fatalf("SchemaVersion = %d, want %d", p.SchemaVersion, schemaVersion)
	}
	if p.TotalSeconds["mirror.example.com"] != 5 {
		t.Fatalf("TotalSeconds = %v, want 5 for mirror.example.com", p.TotalSeconds)
	}

	reloaded, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if _, _, seconds := reloaded.Key("mirror.example.com"); seconds != 5 {
		t.Fatalf("reloaded seconds = %d, want 5", seconds)
	}
}

func TestNewTreatsCorruptFileAsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "statistics.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seeding corrupt statistics.json: %v", err)
	}

	l, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New should tolerate a corrupt statistics file, got error: %v", err)
	}
	if _, _, seconds := l.Key("mirror.example.com"); seconds != 0 {
		t.Fatalf("seconds = %d, want 0 after a corrupt file is discarded", seconds)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.OnClose("mirror.example.com", 2)

	snap := l.Snapshot()
	snap["mirror.example.com"] = 999

	if _, _, seconds := l.Key("mirror.example.com"); seconds != 2 {
		t.Fatalf("mutating the snapshot mutated the ledger: seconds = %d", seconds)
	}
}
