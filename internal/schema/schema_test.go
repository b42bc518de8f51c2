package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chatkit/chatcache/internal/model"
)

func validChannel() *ChannelPayload {
	now := time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC)
	return &ChannelPayload{
		CID:       "messaging:general",
		Name:      "General",
		CreatedAt: now,
		UpdatedAt: now,
		Members: []MemberPayload{
			{User: UserPayload{ID: "alice"}, Role: "owner", CreatedAt: now},
		},
		Messages: []MessagePayload{
			{ID: "m1", Text: "hi", User: UserPayload{ID: "alice"}, CreatedAt: now, UpdatedAt: now},
		},
	}
}

// TestChannelPayload_Validate tests channel validation rules
func TestChannelPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ChannelPayload)
		wantErr string
	}{
		{"valid", func(*ChannelPayload) {}, ""},
		{"bad cid", func(c *ChannelPayload) { c.CID = "general" }, "invalid channel id"},
		{"missing created_at", func(c *ChannelPayload) { c.CreatedAt = time.Time{} }, "created_at is required"},
		{"negative member count", func(c *ChannelPayload) { c.MemberCount = -1 }, "member_count"},
		{"member without id", func(c *ChannelPayload) { c.Members[0].User.ID = "" }, "member 0"},
		{"foreign message", func(c *ChannelPayload) { c.Messages[0].CID = "messaging:other" }, "belongs to"},
		{"message without user", func(c *ChannelPayload) { c.Messages[0].User.ID = "" }, "message 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := validChannel()
			tt.mutate(ch)
			err := ch.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestChannelFileName_RoundTrip tests filename generation and parsing
func TestChannelFileName_RoundTrip(t *testing.T) {
	cid := model.NewChannelID("messaging", "general")

	name := ChannelFileName(cid)
	if name != "messaging--general.json" {
		t.Errorf("ChannelFileName() = %q", name)
	}

	got, err := FromChannelFileName("/spool/channels/" + name)
	if err != nil {
		t.Fatalf("FromChannelFileName() failed: %v", err)
	}
	if got != cid {
		t.Errorf("FromChannelFileName() = %v, want %v", got, cid)
	}

	for _, bad := range []string{"general.json", "--general.json", "a--b--c.json"} {
		if _, err := FromChannelFileName(bad); err == nil {
			t.Errorf("FromChannelFileName(%q) succeeded, want error", bad)
		}
	}
}

// TestWriteReadChannelFile tests writing and reading back a channel file
func TestWriteReadChannelFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "channels")
	ch := validChannel()

	if err := WriteChannelFile(dir, ch); err != nil {
		t.Fatalf("WriteChannelFile() failed: %v", err)
	}

	got, err := ReadChannelFile(filepath.Join(dir, "messaging--general.json"))
	if err != nil {
		t.Fatalf("ReadChannelFile() failed: %v", err)
	}
	if diff := cmp.Diff(ch, got); diff != "" {
		t.Errorf("channel mismatch (-want +got):\n%s", diff)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

// TestReadAllChannelFiles_SkipsInvalid tests that bad files are reported, not fatal
func TestReadAllChannelFiles_SkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := WriteChannelFile(dir, validChannel()); err != nil {
		t.Fatalf("WriteChannelFile() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken--x.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	channels, skipped, err := ReadAllChannelFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllChannelFiles() failed: %v", err)
	}
	if len(channels) != 1 {
		t.Errorf("got %d channels, want 1", len(channels))
	}
	if len(skipped) != 1 {
		t.Errorf("got %d skipped, want 1", len(skipped))
	}

	// Missing directory is not an error
	channels, _, err = ReadAllChannelFiles(filepath.Join(dir, "missing"))
	if err != nil || len(channels) != 0 {
		t.Errorf("missing dir: channels=%d err=%v", len(channels), err)
	}
}

// TestMessageFiles tests message file IO and validation
func TestMessageFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Second)
	msg := &MessagePayload{
		ID:        "m1",
		CID:       "messaging:general",
		Text:      "hello",
		User:      UserPayload{ID: "alice"},
		CreatedAt: now,
		UpdatedAt: now,
		LatestReactions: []ReactionPayload{
			{MessageID: "m1", Type: "like", Score: 1, User: UserPayload{ID: "bob"}, CreatedAt: now, UpdatedAt: now},
		},
		ReactionCounts: map[string]int{"like": 1},
	}

	if err := WriteMessageFile(dir, msg); err != nil {
		t.Fatalf("WriteMessageFile() failed: %v", err)
	}
	messages, skipped, err := ReadAllMessageFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllMessageFiles() failed: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("unexpected skipped files: %v", skipped)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if diff := cmp.Diff(msg, messages[0]); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}

	noCID := *msg
	noCID.CID = ""
	if err := WriteMessageFile(dir, &noCID); err == nil {
		t.Error("WriteMessageFile() without cid succeeded, want error")
	}

	badReaction := *msg
	badReaction.LatestReactions = []ReactionPayload{{Type: "", User: UserPayload{ID: "bob"}}}
	if err := badReaction.Validate(); err == nil {
		t.Error("Validate() accepted reaction without type")
	}
}

// TestCurrentUserPayload_Validate tests current user validation
func TestCurrentUserPayload_Validate(t *testing.T) {
	u := &CurrentUserPayload{UserPayload: UserPayload{ID: "alice"}}
	if err := u.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	u.MutedUsers = []MutedUserPayload{{Target: UserPayload{}}}
	if err := u.Validate(); err == nil {
		t.Error("Validate() accepted mute without target id")
	}

	u.MutedUsers = nil
	u.TotalUnreadCount = -1
	if err := u.Validate(); err == nil {
		t.Error("Validate() accepted negative unread count")
	}
}
