package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
	cachesync "github.com/chatkit/chatcache/internal/sync"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *store.Database {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.Options{MainQueue: queue.NewSerial("test.main")})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return db
}

func writeChannelFile(t *testing.T, spoolDir, cid, name string) {
	t.Helper()

	ch := &schema.ChannelPayload{CID: cid, Name: name, CreatedAt: testEpoch, UpdatedAt: testEpoch}
	if err := schema.WriteChannelFile(filepath.Join(spoolDir, "channels"), ch); err != nil {
		t.Fatalf("Failed to write channel file: %v", err)
	}
}

func writeMessageFile(t *testing.T, spoolDir, id, cid, text string) {
	t.Helper()

	msg := &schema.MessagePayload{
		ID:        id,
		CID:       cid,
		Text:      text,
		User:      schema.UserPayload{ID: "alice"},
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	if err := schema.WriteMessageFile(filepath.Join(spoolDir, "messages"), msg); err != nil {
		t.Fatalf("Failed to write message file: %v", err)
	}
}

// startDaemon runs a daemon until the test ends and returns once the initial
// full sync has finished.
func startDaemon(t *testing.T, db *store.Database, spoolDir string, config Config) *Daemon {
	t.Helper()

	synced := make(chan cachesync.Result, 10)
	next := config.OnFullSync
	config.OnFullSync = func(r cachesync.Result, took time.Duration) {
		if next != nil {
			next(r, took)
		}
		synced <- r
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 10 * time.Millisecond
	}

	d, err := New(cachesync.New(db, nil), spoolDir, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() failed: %v", err)
		}
	})

	select {
	case <-synced:
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for initial sync")
	}
	return d
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func channelName(t *testing.T, db *store.Database, cid string) (string, bool) {
	t.Helper()
	ch, err := store.FetchOne(context.Background(), db.BackgroundContext(), store.ChannelByCID(model.MustParseChannelID(cid)))
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	if ch == nil {
		return "", false
	}
	return ch.Name, true
}

func messageText(t *testing.T, db *store.Database, id string) (string, bool) {
	t.Helper()
	msg, err := store.FetchOne(context.Background(), db.BackgroundContext(), store.MessageByID(model.MessageID(id)))
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	if msg == nil {
		return "", false
	}
	return msg.Text, true
}

func TestNew(t *testing.T) {
	db := setupTestDB(t)
	syncer := cachesync.New(db, nil)

	tests := []struct {
		name     string
		syncer   cachesync.Syncer
		spoolDir string
		wantErr  bool
	}{
		{"valid configuration", syncer, t.TempDir(), false},
		{"nil syncer", nil, t.TempDir(), true},
		{"empty spool dir", syncer, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.syncer, tt.spoolDir, DefaultConfig())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}
}

// TestDaemon_InitialSync tests that existing files are ingested on start
func TestDaemon_InitialSync(t *testing.T) {
	db := setupTestDB(t)
	spoolDir := t.TempDir()
	writeChannelFile(t, spoolDir, "messaging:general", "General")
	writeMessageFile(t, spoolDir, "m1", "messaging:general", "hello")

	var got cachesync.Result
	startDaemon(t, db, spoolDir, Config{OnFullSync: func(r cachesync.Result, _ time.Duration) { got = r }})

	if got != (cachesync.Result{Channels: 1, Messages: 1}) {
		t.Errorf("initial sync = %+v, want 1 channel and 1 message", got)
	}
	if name, ok := channelName(t, db, "messaging:general"); !ok || name != "General" {
		t.Errorf("channel = %q, %v; want General", name, ok)
	}
	if text, ok := messageText(t, db, "m1"); !ok || text != "hello" {
		t.Errorf("message = %q, %v; want hello", text, ok)
	}
}

// TestDaemon_FileWatching tests create, update and delete through the watcher
func TestDaemon_FileWatching(t *testing.T) {
	db := setupTestDB(t)
	spoolDir := t.TempDir()
	startDaemon(t, db, spoolDir, Config{})

	writeChannelFile(t, spoolDir, "messaging:general", "General")
	eventually(t, "channel create", func() bool {
		_, ok := channelName(t, db, "messaging:general")
		return ok
	})

	writeMessageFile(t, spoolDir, "m1", "messaging:general", "hello")
	eventually(t, "message create", func() bool {
		_, ok := messageText(t, db, "m1")
		return ok
	})

	writeMessageFile(t, spoolDir, "m1", "messaging:general", "edited")
	eventually(t, "message update", func() bool {
		text, _ := messageText(t, db, "m1")
		return text == "edited"
	})

	if err := os.Remove(filepath.Join(spoolDir, "messages", "m1.json")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "message delete", func() bool {
		_, ok := messageText(t, db, "m1")
		return !ok
	})

	if err := os.Remove(filepath.Join(spoolDir, "channels", "messaging--general.json")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "channel delete", func() bool {
		_, ok := channelName(t, db, "messaging:general")
		return !ok
	})
}

// TestDaemon_InvalidFiles tests that a broken file is reported and skipped
func TestDaemon_InvalidFiles(t *testing.T) {
	db := setupTestDB(t)
	spoolDir := t.TempDir()

	var mu sync.Mutex
	var failed []string
	startDaemon(t, db, spoolDir, Config{OnFileSynced: func(e FileEvent, err error) {
		if err != nil {
			mu.Lock()
			failed = append(failed, filepath.Base(e.Path))
			mu.Unlock()
		}
	}})

	if err := os.WriteFile(filepath.Join(spoolDir, "channels", "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	eventually(t, "failed sync report", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) > 0
	})
	mu.Lock()
	if failed[0] != "broken.json" {
		t.Errorf("failed file = %s, want broken.json", failed[0])
	}
	mu.Unlock()

	// The daemon keeps going.
	writeChannelFile(t, spoolDir, "messaging:general", "General")
	eventually(t, "channel create", func() bool {
		_, ok := channelName(t, db, "messaging:general")
		return ok
	})
}

// TestDaemon_PeriodicFullSync tests the resync interval
func TestDaemon_PeriodicFullSync(t *testing.T) {
	db := setupTestDB(t)
	spoolDir := t.TempDir()

	var mu sync.Mutex
	runs := 0
	startDaemon(t, db, spoolDir, Config{
		FullSyncInterval: 20 * time.Millisecond,
		OnFullSync: func(cachesync.Result, time.Duration) {
			mu.Lock()
			runs++
			mu.Unlock()
		},
	})

	eventually(t, "periodic sync", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	})
}

// TestDaemon_GracefulShutdown tests that Stop ends Run and is idempotent
func TestDaemon_GracefulShutdown(t *testing.T) {
	db := setupTestDB(t)
	d, err := New(cachesync.New(db, nil), t.TempDir(), Config{DebounceInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	eventually(t, "watcher start", d.watcher.IsRunning)
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}
