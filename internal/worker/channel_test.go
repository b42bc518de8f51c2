package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/api/apitest"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

func loadChannel(t *testing.T, db *store.Database, cid model.ChannelID) *store.ChannelRecord {
	t.Helper()
	ch, err := store.FetchOne(context.Background(), db.ViewContext(), store.ChannelByCID(cid))
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	return ch
}

// TestChannelUpdater_QueryChannels tests that valid channels are saved and
// invalid ones are skipped without failing the page
func TestChannelUpdater_QueryChannels(t *testing.T) {
	db, client := newFixture(t)
	random := model.MustParseChannelID("messaging:random")
	msg := messagePayload("m1", "me", 0)
	msg.CID = random.String()
	client.Respond(api.QueryChannels(schema.ChannelListQueryBody{}), apitest.Response{
		Body: schema.ChannelListPayload{Channels: []schema.ChannelPayload{
			{
				CID:       random.String(),
				Name:      "random",
				CreatedAt: testEpoch,
				Members:   []schema.MemberPayload{{User: testUser("me"), CreatedAt: testEpoch}},
				Messages:  []schema.MessagePayload{msg},
			},
			{CID: "no-type", CreatedAt: testEpoch},
		}},
	})

	u := NewChannelUpdater(db, client, nil)
	n, err := u.QueryChannels(context.Background(), ChannelListPage{Limit: 20, MessageLimit: 25})
	if err != nil {
		t.Fatalf("QueryChannels() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("QueryChannels() = %d channels, want 2", n)
	}

	reqs := client.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	body, ok := reqs[0].Body.(schema.ChannelListQueryBody)
	if !ok || body.Limit != 20 || body.MessageLimit != 25 || !body.State {
		t.Errorf("request body = %+v", reqs[0].Body)
	}

	ch := loadChannel(t, db, random)
	if ch == nil {
		t.Fatal("channel random not saved")
	}
	if len(ch.Members) != 1 || ch.Members[0].User.ID != "me" {
		t.Errorf("Members = %+v, want [me]", ch.Members)
	}
	if m := loadMessage(t, db, "m1"); m == nil || m.ChannelCID != random.String() {
		t.Errorf("message m1 = %+v, want it in %s", m, random)
	}
}

// TestChannelUpdater_QueryChannel tests that the fetched page is saved
func TestChannelUpdater_QueryChannel(t *testing.T) {
	db, client := newFixture(t)
	client.Respond(api.QueryChannel(generalCID, schema.ChannelQueryBody{}), apitest.Response{
		Body: schema.ChannelPayload{
			Name:      "renamed",
			CreatedAt: testEpoch,
			Messages:  []schema.MessagePayload{messagePayload("m1", "other", 0), messagePayload("m2", "me", time.Second)},
		},
	})

	u := NewChannelUpdater(db, client, nil)
	resp, err := u.QueryChannel(context.Background(), generalCID, &schema.MessagePagination{Limit: 2})
	if err != nil {
		t.Fatalf("QueryChannel() failed: %v", err)
	}
	if resp.CID != generalCID.String() {
		t.Errorf("CID = %q, want %q", resp.CID, generalCID)
	}
	if ch := loadChannel(t, db, generalCID); ch.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", ch.Name)
	}
	for _, id := range []model.MessageID{"m1", "m2"} {
		if loadMessage(t, db, id) == nil {
			t.Errorf("message %s not saved", id)
		}
	}
}

// TestChannelUpdater_LocalUpdates tests the channel flags changed after a
// successful call and left alone after a failed one
func TestChannelUpdater_LocalUpdates(t *testing.T) {
	ctx := context.Background()
	db, client := newFixture(t)
	write(t, db, func(s *store.Session) error {
		ch, err := s.Channel(generalCID)
		if err != nil {
			return err
		}
		ch.UnreadCount = 7
		return s.UpdateChannel(ch)
	})
	u := NewChannelUpdater(db, client, nil)

	if err := u.MarkRead(ctx, generalCID); err != nil {
		t.Fatalf("MarkRead() failed: %v", err)
	}
	if got := loadChannel(t, db, generalCID).UnreadCount; got != 0 {
		t.Errorf("UnreadCount = %d, want 0", got)
	}

	client.Respond(api.MuteChannel(generalCID, true), apitest.Response{Err: errNetwork})
	if err := u.MuteChannel(ctx, generalCID, true); !errors.Is(err, errNetwork) {
		t.Fatalf("MuteChannel() error = %v, want %v", err, errNetwork)
	}
	if loadChannel(t, db, generalCID).IsMuted {
		t.Error("channel muted after failed call")
	}

	if err := u.HideChannel(ctx, generalCID, false); err != nil {
		t.Fatalf("HideChannel() failed: %v", err)
	}
	if !loadChannel(t, db, generalCID).IsHidden {
		t.Error("channel not hidden")
	}
	if err := u.ShowChannel(ctx, generalCID); err != nil {
		t.Fatalf("ShowChannel() failed: %v", err)
	}
	if loadChannel(t, db, generalCID).IsHidden {
		t.Error("channel still hidden")
	}

	// A channel unknown locally is only changed on the server.
	other := model.MustParseChannelID("messaging:other")
	if err := u.MarkRead(ctx, other); err != nil {
		t.Errorf("MarkRead(unknown) failed: %v", err)
	}
}

// TestChannelUpdater_HideChannel_ClearHistory tests that hiding with
// clearHistory truncates the channel
func TestChannelUpdater_HideChannel_ClearHistory(t *testing.T) {
	db, client := newFixture(t)
	seedMessage(t, db, "m1", "me", model.LocalMessageStateNone)

	if err := NewChannelUpdater(db, client, nil).HideChannel(context.Background(), generalCID, true); err != nil {
		t.Fatalf("HideChannel() failed: %v", err)
	}
	if loadMessage(t, db, "m1") != nil {
		t.Error("message survived clearing history")
	}
	ch := loadChannel(t, db, generalCID)
	if !ch.IsHidden || ch.TruncatedAt == nil {
		t.Errorf("channel = hidden %v truncated %v", ch.IsHidden, ch.TruncatedAt)
	}
}

// TestChannelUpdater_DeleteChannel tests that the local copy is removed only
// after the server confirms
func TestChannelUpdater_DeleteChannel(t *testing.T) {
	db, client := newFixture(t)
	u := NewChannelUpdater(db, client, nil)

	client.Respond(api.DeleteChannel(generalCID), apitest.Response{Err: errNetwork})
	client.Respond(api.DeleteChannel(generalCID), apitest.Response{})

	if err := u.DeleteChannel(context.Background(), generalCID); !errors.Is(err, errNetwork) {
		t.Fatalf("DeleteChannel() error = %v, want %v", err, errNetwork)
	}
	if loadChannel(t, db, generalCID) == nil {
		t.Fatal("channel deleted after failed call")
	}
	if err := u.DeleteChannel(context.Background(), generalCID); err != nil {
		t.Fatalf("DeleteChannel() failed: %v", err)
	}
	if loadChannel(t, db, generalCID) != nil {
		t.Error("channel still stored")
	}
}
