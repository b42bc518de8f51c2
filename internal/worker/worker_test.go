package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatkit/chatcache/internal/api/apitest"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

var (
	testEpoch  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	generalCID = model.MustParseChannelID("messaging:general")
	errNetwork = errors.New("network is down")
)

// openTestDB opens an initialized database that is closed when the test ends.
func openTestDB(t *testing.T) *store.Database {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.Options{MainQueue: queue.NewSerial("test.main")})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func write(t *testing.T, db *store.Database, fn func(s *store.Session) error) {
	t.Helper()
	if err := db.Write(context.Background(), fn); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
}

func testUser(id string) schema.UserPayload {
	return schema.UserPayload{ID: id, Name: "User " + id, CreatedAt: testEpoch, UpdatedAt: testEpoch}
}

func messagePayload(id, author string, offset time.Duration) schema.MessagePayload {
	at := testEpoch.Add(offset)
	return schema.MessagePayload{
		ID:        id,
		CID:       generalCID.String(),
		Text:      "text of " + id,
		User:      testUser(author),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// seed stores the current user "me" and the general channel.
func seed(t *testing.T, db *store.Database) {
	t.Helper()
	write(t, db, func(s *store.Session) error {
		if _, err := s.SaveCurrentUser(schema.CurrentUserPayload{UserPayload: testUser("me")}); err != nil {
			return err
		}
		_, err := s.SaveChannel(schema.ChannelPayload{CID: generalCID.String(), Name: "general", CreatedAt: testEpoch})
		return err
	})
}

// seedMessage stores a message by author in the given local state.
func seedMessage(t *testing.T, db *store.Database, id, author string, state model.LocalMessageState) {
	t.Helper()
	write(t, db, func(s *store.Session) error {
		msg, err := s.SaveMessage(messagePayload(id, author, time.Minute), generalCID)
		if err != nil {
			return err
		}
		msg.LocalState = state
		return s.UpdateMessage(msg)
	})
}

func loadMessage(t *testing.T, db *store.Database, id model.MessageID) *store.MessageRecord {
	t.Helper()
	msg, err := store.FetchOne(context.Background(), db.ViewContext(), store.MessageByID(id))
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	return msg
}

func newFixture(t *testing.T) (*store.Database, *apitest.Client) {
	t.Helper()
	db := openTestDB(t)
	seed(t, db)
	return db, apitest.New()
}
