package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/api/apitest"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
	"github.com/chatkit/chatcache/internal/worker"
)

var (
	testEpoch  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	generalCID = model.MustParseChannelID("messaging:general")
	errNetwork = errors.New("network is down")
)

type fixture struct {
	db     *store.Database
	api    *apitest.Client
	main   *queue.Serial
	client *Client
}

// newFixture opens a database holding the current user "me" and the general
// channel, with controllers calling back on a serial main queue.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	main := queue.NewSerial("test.main")
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.Options{MainQueue: main})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	f := &fixture{db: db, api: apitest.New(), main: main}
	f.write(t, func(s *store.Session) error {
		if _, err := s.SaveCurrentUser(schema.CurrentUserPayload{UserPayload: testUser("me")}); err != nil {
			return err
		}
		_, err := s.SaveChannel(schema.ChannelPayload{CID: generalCID.String(), Name: "general", CreatedAt: testEpoch})
		return err
	})
	f.client = NewClient(Options{DB: db, API: f.api, Typing: worker.TypingOptions{StopDelay: time.Hour}})
	t.Cleanup(f.client.Close)
	return f
}

func (f *fixture) write(t *testing.T, fn func(s *store.Session) error) {
	t.Helper()
	if err := f.db.Write(context.Background(), fn); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
}

// flush waits for every callback queued so far.
func (f *fixture) flush() {
	queue.Flush(f.main)
}

func testUser(id string) schema.UserPayload {
	return schema.UserPayload{ID: id, Name: "User " + id, CreatedAt: testEpoch, UpdatedAt: testEpoch}
}

func testMessage(id, author string, offset time.Duration) schema.MessagePayload {
	at := testEpoch.Add(offset)
	return schema.MessagePayload{
		ID: id, CID: generalCID.String(), Text: "text of " + id,
		User: testUser(author), CreatedAt: at, UpdatedAt: at,
	}
}

// completion returns a completion func and a wait func that returns the
// error it was called with.
func completion(t *testing.T) (func(error), func() error) {
	t.Helper()
	ch := make(chan error, 1)
	return func(err error) { ch <- err }, func() error {
		t.Helper()
		select {
		case err := <-ch:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("completion was not called")
			return nil
		}
	}
}

func recordStates(c *DataController) *[]StateKind {
	var states []StateKind
	c.OnStateChange(func(s State) { states = append(states, s.Kind) })
	return &states
}

// TestChannelListController_Synchronize tests the local then remote fetch
func TestChannelListController_Synchronize(t *testing.T) {
	f := newFixture(t)
	random := model.MustParseChannelID("messaging:random")
	f.api.Respond(api.QueryChannels(schema.ChannelListQueryBody{}), apitest.Response{
		Body: schema.ChannelListPayload{Channels: []schema.ChannelPayload{
			{CID: random.String(), Name: "random", CreatedAt: testEpoch.Add(time.Hour)},
		}},
	})

	c := f.client.ChannelListController(store.ChannelListFilter{})
	defer c.Close()
	if got := c.Channels(); got != nil {
		t.Errorf("Channels() before Synchronize = %v, want nil", got)
	}
	states := recordStates(c.DataController)

	var batches [][]observer.ListChange[model.Channel]
	c.OnChannelsChange(func(b []observer.ListChange[model.Channel]) { batches = append(batches, b) })

	done, wait := completion(t)
	c.Synchronize(context.Background(), done)
	if c.State().Kind == Initialized {
		t.Error("local data not fetched when Synchronize returned")
	}
	if err := wait(); err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	f.flush()

	if diff := cmp.Diff([]StateKind{LocalDataFetched, RemoteDataFetched}, *states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	var cids []string
	for _, ch := range c.Channels() {
		cids = append(cids, ch.CID.String())
	}
	if diff := cmp.Diff([]string{random.String(), generalCID.String()}, cids); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].Kind != observer.ListInsert {
		t.Errorf("batches = %v, want one insert", batches)
	}
	if !c.CanBeRecovered() {
		t.Error("CanBeRecovered() = false")
	}

	reqs := f.api.Requests()
	body := reqs[0].Body.(schema.ChannelListQueryBody)
	if body.Limit != DefaultChannelsPageSize || body.Offset != 0 {
		t.Errorf("page = limit %d offset %d", body.Limit, body.Offset)
	}

	done, wait = completion(t)
	c.LoadNextChannels(context.Background(), 10, done)
	if err := wait(); err != nil {
		t.Fatalf("LoadNextChannels() failed: %v", err)
	}
	reqs = f.api.Requests()
	body = reqs[len(reqs)-1].Body.(schema.ChannelListQueryBody)
	if body.Limit != 10 || body.Offset != 2 {
		t.Errorf("next page = limit %d offset %d, want 10 2", body.Limit, body.Offset)
	}
}

// TestChannelListController_Sorting tests ordering channels by name instead
// of activity
func TestChannelListController_Sorting(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(s *store.Session) error {
		_, err := s.SaveChannel(schema.ChannelPayload{CID: "messaging:announcements", Name: "Announcements", CreatedAt: testEpoch.Add(time.Hour)})
		return err
	})
	f.api.Respond(api.QueryChannels(schema.ChannelListQueryBody{}), apitest.Response{})

	c := f.client.ChannelListController(store.ChannelListFilter{}, observer.ByChannelName)
	defer c.Close()
	done, wait := completion(t)
	c.Synchronize(context.Background(), done)
	if err := wait(); err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	f.flush()

	var names []string
	for _, ch := range c.Channels() {
		names = append(names, ch.Name)
	}
	if diff := cmp.Diff([]string{"Announcements", "general"}, names); diff != "" {
		t.Errorf("channel names mismatch (-want +got):\n%s", diff)
	}
}

// TestChannelListController_RemoteFailure tests the failed state and the
// retry
func TestChannelListController_RemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.api.Respond(api.QueryChannels(schema.ChannelListQueryBody{}), apitest.Response{Err: errNetwork})
	f.api.Respond(api.QueryChannels(schema.ChannelListQueryBody{}), apitest.Response{})

	c := f.client.ChannelListController(store.ChannelListFilter{})
	defer c.Close()
	states := recordStates(c.DataController)

	done, wait := completion(t)
	c.Synchronize(context.Background(), done)
	if err := wait(); !errors.Is(err, errNetwork) {
		t.Fatalf("Synchronize() error = %v, want %v", err, errNetwork)
	}
	if st := c.State(); st.Kind != RemoteDataFetchFailed || !errors.Is(st.Err, errNetwork) {
		t.Errorf("State() = %s", st)
	}
	if len(c.Channels()) != 1 {
		t.Errorf("local channels lost after remote failure: %v", c.Channels())
	}

	done, wait = completion(t)
	c.Synchronize(context.Background(), done)
	if err := wait(); err != nil {
		t.Fatalf("Synchronize() retry failed: %v", err)
	}
	f.flush()
	want := []StateKind{LocalDataFetched, RemoteDataFetchFailed, RemoteDataFetched}
	if diff := cmp.Diff(want, *states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

// TestChannelController_Messages tests creating a message through the
// controller and observing it
func TestChannelController_Messages(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(s *store.Session) error {
		_, err := s.SaveMessage(testMessage("old", "other", 0), generalCID)
		return err
	})

	f.api.Respond(api.QueryChannel(generalCID, schema.ChannelQueryBody{}), apitest.Response{
		Body: schema.ChannelPayload{CID: generalCID.String(), Name: "general", CreatedAt: testEpoch},
	})

	c := f.client.ChannelController(generalCID)
	defer c.Close()
	done, wait := completion(t)
	c.Synchronize(context.Background(), done)
	if err := wait(); err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	ch, ok := c.Channel()
	if !ok || ch.Name != "general" {
		t.Fatalf("Channel() = %+v, %v", ch, ok)
	}

	var changes []observer.ListChange[model.Message]
	c.OnMessagesChange(func(b []observer.ListChange[model.Message]) { changes = append(changes, b...) })

	ids := make(chan model.MessageID, 1)
	c.CreateNewMessage(context.Background(), store.NewMessage{Text: "hi"}, func(id model.MessageID, err error) {
		if err != nil {
			t.Errorf("CreateNewMessage() failed: %v", err)
		}
		ids <- id
	})
	var id model.MessageID
	select {
	case id = <-ids:
	case <-time.After(5 * time.Second):
		t.Fatal("CreateNewMessage() completion was not called")
	}
	f.flush()

	msgs := c.Messages()
	if len(msgs) != 2 || msgs[0].ID != id || msgs[1].ID != "old" {
		t.Fatalf("Messages() = %v, want [%s old]", msgs, id)
	}
	if msgs[0].LocalState != model.LocalMessageStatePendingSend {
		t.Errorf("LocalState = %s, want pendingSend", msgs[0].LocalState)
	}
	if diff := cmp.Diff([]observer.ListChange[model.Message]{observer.Insert(msgs[0], 0)}, changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	done, wait = completion(t)
	c.LoadPreviousMessages(context.Background(), 0, done)
	if err := wait(); err != nil {
		t.Fatalf("LoadPreviousMessages() failed: %v", err)
	}
	reqs := f.api.Requests()
	body := reqs[len(reqs)-1].Body.(schema.ChannelQueryBody)
	if body.Messages == nil || body.Messages.IDLessThan != "old" {
		t.Errorf("pagination = %+v, want id_lt old", body.Messages)
	}
}

// TestMessageController_Operations tests completions and precondition errors
func TestMessageController_Operations(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(s *store.Session) error {
		if _, err := s.SaveMessage(testMessage("mine", "me", 0), generalCID); err != nil {
			return err
		}
		_, err := s.SaveMessage(testMessage("theirs", "other", time.Second), generalCID)
		return err
	})
	ctx := context.Background()

	theirs := f.client.MessageController(generalCID, "theirs")
	defer theirs.Close()
	done, wait := completion(t)
	theirs.EditMessage(ctx, "nope", done)
	if err := wait(); !errors.Is(err, model.ErrMessageCannotBeUpdatedByCurrentUser) || !model.IsPrecondition(err) {
		t.Errorf("EditMessage(theirs) error = %v", err)
	}

	mine := f.client.MessageController(generalCID, "mine")
	defer mine.Close()
	f.api.Respond(api.GetMessage("mine"), apitest.Response{
		Body: schema.MessageResponse{Message: testMessage("mine", "me", 0)},
	})
	done, wait = completion(t)
	mine.Synchronize(ctx, done)
	if err := wait(); err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}

	var fieldChanges []observer.EntityChange[model.LocalMessageState]
	observer.OnFieldChange(mine.message, func(m model.Message) model.LocalMessageState { return m.LocalState },
		func(c observer.EntityChange[model.LocalMessageState]) { fieldChanges = append(fieldChanges, c) })

	done, wait = completion(t)
	mine.EditMessage(ctx, "edited", done)
	if err := wait(); err != nil {
		t.Fatalf("EditMessage() failed: %v", err)
	}
	f.flush()
	msg, ok := mine.Message()
	if !ok || msg.Text != "edited" || msg.LocalState != model.LocalMessageStatePendingSync {
		t.Errorf("Message() = %q %s", msg.Text, msg.LocalState)
	}

	var reactionBatches [][]observer.ListChange[model.Reaction]
	mine.OnReactionsChange(func(b []observer.ListChange[model.Reaction]) { reactionBatches = append(reactionBatches, b) })

	done, wait = completion(t)
	mine.AddReaction(ctx, "like", 1, done)
	if err := wait(); err != nil {
		t.Fatalf("AddReaction() failed: %v", err)
	}
	f.flush()
	if msg, _ := mine.Message(); msg.ReactionCounts["like"] != 1 {
		t.Errorf("ReactionCounts = %v", msg.ReactionCounts)
	}
	if len(reactionBatches) == 0 || len(reactionBatches[0]) == 0 || reactionBatches[0][0].Kind != observer.ListInsert {
		t.Errorf("reaction batches = %+v, want an insert first", reactionBatches)
	}
	reactions := mine.Reactions()
	if len(reactions) != 1 || reactions[0].Type != "like" || reactions[0].Author.ID != "me" {
		t.Errorf("Reactions() = %+v, want one like by me", reactions)
	}
	// Reactions change the message but not its local state.
	if len(fieldChanges) != 1 || fieldChanges[0].Item != model.LocalMessageStatePendingSync {
		t.Errorf("local state changes = %+v, want one to pendingSync", fieldChanges)
	}
}

// TestCurrentUserController tests the local-only synchronize and the unread
// count projection
func TestCurrentUserController(t *testing.T) {
	f := newFixture(t)
	c := f.client.CurrentUserController()
	defer c.Close()

	done, wait := completion(t)
	c.Synchronize(context.Background(), done)
	if err := wait(); err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	if c.State().Kind != LocalDataFetched {
		t.Errorf("State() = %s, want localDataFetched", c.State())
	}
	if cu, ok := c.CurrentUser(); !ok || cu.User.ID != "me" {
		t.Fatalf("CurrentUser() = %+v, %v", cu, ok)
	}

	var counts []int
	c.OnUnreadCountChange(func(ch observer.EntityChange[int]) { counts = append(counts, ch.Item) })
	for _, n := range []int{3, 3, 0} {
		f.write(t, func(s *store.Session) error {
			p := schema.CurrentUserPayload{UserPayload: testUser("me"), TotalUnreadCount: n}
			_, err := s.SaveCurrentUser(p)
			return err
		})
	}
	// A name change alone is not an unread count change.
	f.write(t, func(s *store.Session) error {
		p := schema.CurrentUserPayload{UserPayload: testUser("me")}
		p.Name = "Renamed"
		_, err := s.SaveCurrentUser(p)
		return err
	})
	f.flush()

	if diff := cmp.Diff([]int{3, 0}, counts); diff != "" {
		t.Errorf("unread counts mismatch (-want +got):\n%s", diff)
	}
}

// TestUserController tests loading a user and muting them
func TestUserController(t *testing.T) {
	f := newFixture(t)
	f.api.Respond(api.GetUser("alice"), apitest.Response{
		Body: schema.UserListPayload{Users: []schema.UserPayload{testUser("alice")}},
	})
	c := f.client.UserController("alice")
	defer c.Close()

	done, wait := completion(t)
	c.Synchronize(context.Background(), done)
	if err := wait(); err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	f.flush()
	if u, ok := c.User(); !ok || u.Name != "User alice" {
		t.Errorf("User() = %+v, %v", u, ok)
	}

	done, wait = completion(t)
	c.MuteUser(context.Background(), done)
	if err := wait(); err != nil {
		t.Fatalf("MuteUser() failed: %v", err)
	}
	cu, err := store.FetchOne(context.Background(), f.db.ViewContext(), store.CurrentUsers())
	if err != nil {
		t.Fatalf("FetchOne() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"alice"}, cu.MutedUserIDs); diff != "" {
		t.Errorf("MutedUserIDs mismatch (-want +got):\n%s", diff)
	}
}
