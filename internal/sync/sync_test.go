package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) (*store.Database, string) {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := store.Open(filepath.Join(tmpDir, "cache.db"), store.Options{MainQueue: queue.NewSerial("test.main")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return db, tmpDir
}

func testUser(id string) schema.UserPayload {
	return schema.UserPayload{ID: id, Name: "User " + id, CreatedAt: testEpoch, UpdatedAt: testEpoch}
}

// createTestChannel creates a channel spool file.
func createTestChannel(t *testing.T, dir, cid, name string) string {
	t.Helper()

	ch := &schema.ChannelPayload{
		CID:       cid,
		Name:      name,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
		Members:   []schema.MemberPayload{{User: testUser("alice"), Role: "owner", CreatedAt: testEpoch}},
	}
	if err := schema.WriteChannelFile(dir, ch); err != nil {
		t.Fatalf("failed to create test channel: %v", err)
	}

	return filepath.Join(dir, ch.Filename())
}

// createTestMessage creates a message spool file.
func createTestMessage(t *testing.T, dir, id, cid, text string) string {
	t.Helper()

	msg := &schema.MessagePayload{
		ID:        id,
		CID:       cid,
		Text:      text,
		User:      testUser("alice"),
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	if err := schema.WriteMessageFile(dir, msg); err != nil {
		t.Fatalf("failed to create test message: %v", err)
	}

	return filepath.Join(dir, msg.Filename())
}

func loadChannel(t *testing.T, db *store.Database, cid string) *store.ChannelRecord {
	t.Helper()
	ch, err := store.FetchOne(context.Background(), db.BackgroundContext(), store.ChannelByCID(model.MustParseChannelID(cid)))
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	return ch
}

func loadMessage(t *testing.T, db *store.Database, id string) *store.MessageRecord {
	t.Helper()
	msg, err := store.FetchOne(context.Background(), db.BackgroundContext(), store.MessageByID(model.MessageID(id)))
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	return msg
}

// TestSyncChannel tests that a channel file lands in the store with its members
func TestSyncChannel(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	ctx := context.Background()
	s := New(db, nil)

	path := createTestChannel(t, filepath.Join(tmpDir, "channels"), "messaging:general", "General")
	if err := s.SyncChannel(ctx, path); err != nil {
		t.Fatalf("SyncChannel() failed: %v", err)
	}

	ch := loadChannel(t, db, "messaging:general")
	if ch == nil {
		t.Fatal("channel not stored")
	}
	if ch.Name != "General" {
		t.Errorf("Name = %q, want General", ch.Name)
	}
	if len(ch.Members) != 1 || ch.Members[0].User.ID != "alice" {
		t.Errorf("Members = %+v, want alice", ch.Members)
	}

	// Updating the file updates the record.
	createTestChannel(t, filepath.Join(tmpDir, "channels"), "messaging:general", "Renamed")
	if err := s.SyncChannel(ctx, path); err != nil {
		t.Fatalf("SyncChannel() failed: %v", err)
	}
	if got := loadChannel(t, db, "messaging:general").Name; got != "Renamed" {
		t.Errorf("Name = %q after update, want Renamed", got)
	}
}

// TestSyncMessage tests message ingestion and that local state survives a resync
func TestSyncMessage(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	ctx := context.Background()
	s := New(db, nil)

	msgPath := createTestMessage(t, filepath.Join(tmpDir, "messages"), "m1", "messaging:general", "hello")

	// The channel is not known yet.
	if err := s.SyncMessage(ctx, msgPath); err == nil {
		t.Fatal("SyncMessage() succeeded without a channel")
	}

	chPath := createTestChannel(t, filepath.Join(tmpDir, "channels"), "messaging:general", "General")
	if err := s.SyncChannel(ctx, chPath); err != nil {
		t.Fatalf("SyncChannel() failed: %v", err)
	}
	if err := s.SyncMessage(ctx, msgPath); err != nil {
		t.Fatalf("SyncMessage() failed: %v", err)
	}

	err := db.Write(ctx, func(tx *store.Session) error {
		msg, err := tx.Message("m1")
		if err != nil {
			return err
		}
		msg.LocalState = model.LocalMessageStatePendingSync
		return tx.UpdateMessage(msg)
	})
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	createTestMessage(t, filepath.Join(tmpDir, "messages"), "m1", "messaging:general", "hello again")
	if err := s.SyncMessage(ctx, msgPath); err != nil {
		t.Fatalf("SyncMessage() failed: %v", err)
	}

	msg := loadMessage(t, db, "m1")
	if msg == nil {
		t.Fatal("message not stored")
	}
	if msg.Text != "hello again" {
		t.Errorf("Text = %q, want %q", msg.Text, "hello again")
	}
	if msg.LocalState != model.LocalMessageStatePendingSync {
		t.Errorf("LocalState = %s, want %s", msg.LocalState, model.LocalMessageStatePendingSync)
	}
}

// TestDelete tests that deletes remove records and are idempotent
func TestDelete(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	ctx := context.Background()
	s := New(db, nil)

	if err := s.SyncChannel(ctx, createTestChannel(t, filepath.Join(tmpDir, "channels"), "messaging:general", "General")); err != nil {
		t.Fatalf("SyncChannel() failed: %v", err)
	}
	if err := s.SyncMessage(ctx, createTestMessage(t, filepath.Join(tmpDir, "messages"), "m1", "messaging:general", "hi")); err != nil {
		t.Fatalf("SyncMessage() failed: %v", err)
	}

	if err := s.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage() failed: %v", err)
	}
	if loadMessage(t, db, "m1") != nil {
		t.Error("message still stored after DeleteMessage()")
	}
	if err := s.DeleteMessage(ctx, "m1"); err != nil {
		t.Errorf("second DeleteMessage() failed: %v", err)
	}

	cid := model.MustParseChannelID("messaging:general")
	if err := s.DeleteChannel(ctx, cid); err != nil {
		t.Fatalf("DeleteChannel() failed: %v", err)
	}
	if loadChannel(t, db, "messaging:general") != nil {
		t.Error("channel still stored after DeleteChannel()")
	}
	if err := s.DeleteChannel(ctx, cid); err != nil {
		t.Errorf("second DeleteChannel() failed: %v", err)
	}
}

// TestFullSync tests directory ingestion with invalid and foreign files mixed in
func TestFullSync(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	ctx := context.Background()
	s := New(db, nil)

	channelsDir := filepath.Join(tmpDir, "channels")
	messagesDir := filepath.Join(tmpDir, "messages")
	createTestChannel(t, channelsDir, "messaging:general", "General")
	createTestChannel(t, channelsDir, "team:ops", "Ops")
	createTestMessage(t, messagesDir, "m1", "messaging:general", "one")
	createTestMessage(t, messagesDir, "m2", "team:ops", "two")
	createTestMessage(t, messagesDir, "m3", "messaging:unknown", "orphan")

	if err := os.WriteFile(filepath.Join(channelsDir, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(messagesDir, "README.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(messagesDir, "nested.json"), 0755); err != nil {
		t.Fatal(err)
	}

	res, err := s.FullSync(ctx, channelsDir, messagesDir)
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}

	want := Result{Channels: 2, ChannelsFailed: 1, Messages: 2, MessagesFailed: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if !res.Failed() {
		t.Error("Failed() = false with skipped files")
	}

	st, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Channels != 2 || st.Messages != 2 {
		t.Errorf("Stats() = %+v, want 2 channels and 2 messages", st)
	}
}

// TestFullSync_MissingDirs tests that missing directories are skipped
func TestFullSync_MissingDirs(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	s := New(db, nil)

	res, err := s.FullSync(context.Background(), filepath.Join(tmpDir, "nope"), filepath.Join(tmpDir, "nada"))
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("FullSync() = %+v, want empty result", res)
	}
}
