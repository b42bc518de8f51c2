package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/schema"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "cache.db")
}

// openTestDB opens an initialized database that is closed when the test ends.
func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(testDBPath(t), Options{MainQueue: queue.NewSerial("test.main")})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testUser(id string) schema.UserPayload {
	return schema.UserPayload{ID: id, Name: "User " + id, CreatedAt: testEpoch, UpdatedAt: testEpoch}
}

func testChannel(cid string) schema.ChannelPayload {
	return schema.ChannelPayload{CID: cid, Name: cid, CreatedAt: testEpoch, UpdatedAt: testEpoch}
}

func testMessage(id, cid string, offset time.Duration) schema.MessagePayload {
	at := testEpoch.Add(offset)
	return schema.MessagePayload{
		ID:        id,
		CID:       cid,
		Text:      "text of " + id,
		User:      testUser("author"),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// mustWrite runs fn in a write transaction and fails the test on error.
func mustWrite(t *testing.T, db *Database, fn func(s *Session) error) {
	t.Helper()
	if err := db.Write(context.Background(), fn); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
}

// TestOpen_Success tests successful database creation
func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.ViewContext().Name() != "view" {
		t.Errorf("ViewContext().Name() = %q, want view", db.ViewContext().Name())
	}
	if db.BackgroundContext().Queue() == db.ViewContext().Queue() {
		t.Error("background and view contexts share a queue")
	}
}

// TestInitSchema_Tables tests that every table is created
func TestInitSchema_Tables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range wipeOrder {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization is idempotent
func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestClose_Twice tests that closing twice is harmless
func TestClose_Twice(t *testing.T) {
	db, err := Open(testDBPath(t), Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if _, err := db.ViewContext().QueryContext(context.Background(), "SELECT 1"); err == nil {
		t.Error("QueryContext() on closed database succeeded")
	}
}

// TestWrite_RollbackOnError tests that a failing body leaves no trace
func TestWrite_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	boom := errors.New("boom")

	err := db.Write(context.Background(), func(s *Session) error {
		if _, err := s.SaveUser(testUser("u1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Write() error = %v, want %v", err, boom)
	}

	n, err := Count(context.Background(), db.ViewContext(), Users())
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("users after rollback = %d, want 0", n)
	}
}

// TestWriteAsync_Completion tests that async writes report their result
func TestWriteAsync_Completion(t *testing.T) {
	db := openTestDB(t)

	done := make(chan error, 1)
	db.WriteAsync(func(s *Session) error {
		_, err := s.SaveUser(testUser("u1"))
		return err
	}, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WriteAsync() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WriteAsync() completion never called")
	}

	u, err := FetchOne(context.Background(), db.ViewContext(), UserByID("u1"))
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	if u == nil || u.Name != "User u1" {
		t.Errorf("user = %+v, want u1", u)
	}
}

// TestRemoveAllData tests the wipe and its event bracketing
func TestRemoveAllData(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mustWrite(t, db, func(s *Session) error {
		ch := testChannel("messaging:general")
		ch.Members = []schema.MemberPayload{{User: testUser("u1")}}
		ch.Messages = []schema.MessagePayload{testMessage("m1", "", 0)}
		_, err := s.SaveChannel(ch)
		return err
	})

	var mu sync.Mutex
	var events []string
	record := func(name string) func(Event) {
		return func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			if e == WillRemoveAllData {
				// Records are still readable before the wipe.
				n, err := Count(ctx, db.ViewContext(), Messages())
				if err != nil || n != 1 {
					t.Errorf("messages during %s/%s = %d, %v; want 1", name, e, n, err)
				}
			}
			events = append(events, name+":"+e.String())
		}
	}
	unsubView := db.ViewContext().Events().Subscribe(record("view"))
	defer unsubView()
	unsubBg := db.BackgroundContext().Events().Subscribe(record("background"))
	defer unsubBg()

	if err := db.RemoveAllData(ctx); err != nil {
		t.Fatalf("RemoveAllData() failed: %v", err)
	}

	want := []string{
		"view:willRemoveAllData",
		"background:willRemoveAllData",
		"view:didRemoveAllData",
		"background:didRemoveAllData",
	}
	mu.Lock()
	got := append([]string(nil), events...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	st, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st != (Stats{}) {
		t.Errorf("Stats() after wipe = %+v, want zero", st)
	}
}

// TestEventBus_Unsubscribe tests that an unsubscribed handler is not called
func TestEventBus_Unsubscribe(t *testing.T) {
	var bus EventBus
	calls := 0
	unsub := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(WillRemoveAllData)
	unsub()
	unsub()
	bus.Publish(DidRemoveAllData)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestStats tests local state counters
func TestStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cid := model.MustParseChannelID("messaging:general")

	mustWrite(t, db, func(s *Session) error {
		if _, err := s.SaveCurrentUser(schema.CurrentUserPayload{UserPayload: testUser("me")}); err != nil {
			return err
		}
		if _, err := s.SaveChannel(testChannel(cid.String())); err != nil {
			return err
		}
		if _, err := s.SaveMessage(testMessage("m1", "", 0), cid); err != nil {
			return err
		}
		_, err := s.CreateNewMessage(cid, NewMessage{Text: "hello"})
		return err
	})

	st, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	want := Stats{Users: 2, Channels: 1, Messages: 2, PendingSend: 1}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}
}
