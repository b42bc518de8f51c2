package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatkit/chatcache/internal/model"
)

// ChannelPayload is a channel as returned by a channel query. Members and
// Messages hold the page the query asked for, not the full history.
type ChannelPayload struct {
	CID           string       `json:"cid"`
	Name          string       `json:"name,omitempty"`
	ImageURL      string       `json:"image,omitempty"`
	CreatedBy     *UserPayload `json:"created_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
	TruncatedAt   *time.Time   `json:"truncated_at,omitempty"`
	Hidden        bool         `json:"hidden"`
	Frozen        bool         `json:"frozen"`
	Muted         bool         `json:"muted"`
	MemberCount   int          `json:"member_count"`
	UnreadCount   int          `json:"unread_count"`

	Members  []MemberPayload  `json:"members,omitempty"`
	Messages []MessagePayload `json:"messages,omitempty"`
}

// MemberPayload is a channel membership.
type MemberPayload struct {
	User      UserPayload `json:"user"`
	Role      string      `json:"role,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ChannelID parses the payload's cid.
func (c *ChannelPayload) ChannelID() (model.ChannelID, error) {
	return model.ParseChannelID(c.CID)
}

// Validate checks if the ChannelPayload has valid field values, including
// every nested member and message.
func (c *ChannelPayload) Validate() error {
	if _, err := c.ChannelID(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if c.MemberCount < 0 {
		return fmt.Errorf("member_count cannot be negative (got %d)", c.MemberCount)
	}
	if c.CreatedBy != nil {
		if err := c.CreatedBy.Validate(); err != nil {
			return fmt.Errorf("created_by: %w", err)
		}
	}
	for i := range c.Members {
		if err := c.Members[i].User.Validate(); err != nil {
			return fmt.Errorf("member %d: %w", i, err)
		}
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.CID != "" && m.CID != c.CID {
			return fmt.Errorf("message %s belongs to %s, not %s", m.ID, m.CID, c.CID)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// Filename returns the canonical spool filename: {type}--{id}.json
func (c *ChannelPayload) Filename() string {
	cid, err := c.ChannelID()
	if err != nil {
		return ""
	}
	return ChannelFileName(cid)
}

// ChannelFileName returns the spool filename for cid.
func ChannelFileName(cid model.ChannelID) string {
	return fmt.Sprintf("%s--%s.json", cid.Type, cid.ID)
}

// FromChannelFileName parses a channel spool filename back into its cid.
func FromChannelFileName(filename string) (model.ChannelID, error) {
	name := strings.TrimSuffix(filepath.Base(filename), ".json")

	parts := strings.Split(name, "--")
	if len(parts) != 2 {
		return model.ChannelID{}, fmt.Errorf("invalid filename format: expected {type}--{id}.json, got %s", filename)
	}
	if parts[0] == "" || parts[1] == "" {
		return model.ChannelID{}, fmt.Errorf("invalid filename: type and id cannot be empty")
	}
	return model.NewChannelID(parts[0], parts[1]), nil
}

// ChannelListPayload is the response of a channel list query.
type ChannelListPayload struct {
	Channels []ChannelPayload `json:"channels"`
}

// ChannelResponse wraps a single channel, as returned by update and delete.
type ChannelResponse struct {
	Channel ChannelPayload `json:"channel"`
}

// ChannelUpdateBody is the body of a channel update.
type ChannelUpdateBody struct {
	Name     string `json:"name,omitempty"`
	ImageURL string `json:"image,omitempty"`
	Frozen   *bool  `json:"frozen,omitempty"`
}

// MembersBody adds or removes channel members.
type MembersBody struct {
	AddMembers    []string `json:"add_members,omitempty"`
	RemoveMembers []string `json:"remove_members,omitempty"`
}

// ChannelListQueryBody is the body of a channel list query.
type ChannelListQueryBody struct {
	FilterMemberID string `json:"member_id,omitempty"`
	FilterType     string `json:"type,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
	MessageLimit   int    `json:"message_limit,omitempty"`
	State          bool   `json:"state"`
	Watch          bool   `json:"watch"`
}

// ChannelQueryBody asks for a channel's state, optionally paginating its
// messages.
type ChannelQueryBody struct {
	Messages *MessagePagination `json:"messages,omitempty"`
	State    bool               `json:"state"`
}

// MessagePagination pages a message list backwards or forwards from a
// message.
type MessagePagination struct {
	Limit         int    `json:"limit,omitempty"`
	IDLessThan    string `json:"id_lt,omitempty"`
	IDGreaterThan string `json:"id_gt,omitempty"`
}

// HideBody hides a channel for the current user.
type HideBody struct {
	ClearHistory bool `json:"clear_history,omitempty"`
}

// ChannelMuteBody mutes or unmutes a channel.
type ChannelMuteBody struct {
	ChannelCID string `json:"channel_cid"`
}

// ReadChannelFile reads and parses a channel JSON file from the given path.
func ReadChannelFile(path string) (*ChannelPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel file %s: %w", path, err)
	}

	var ch ChannelPayload
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("failed to parse channel file %s: %w", path, err)
	}

	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel file %s: %w", path, err)
	}

	return &ch, nil
}

// WriteChannelFile writes ch to channelsDir/{type}--{id}.json.
func WriteChannelFile(channelsDir string, ch *ChannelPayload) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid channel: %w", err)
	}

	if err := os.MkdirAll(channelsDir, 0755); err != nil {
		return fmt.Errorf("failed to create channels directory: %w", err)
	}

	data, err := json.MarshalIndent(ch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal channel %s: %w", ch.CID, err)
	}

	path := filepath.Join(channelsDir, ch.Filename())
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write channel file %s: %w", path, err)
	}

	return nil
}

// ReadAllChannelFiles reads every channel file in channelsDir. A missing
// directory yields no channels. Files that fail to parse are returned in
// skipped rather than aborting the read.
func ReadAllChannelFiles(channelsDir string) (channels []*ChannelPayload, skipped []error, err error) {
	paths, err := jsonFiles(channelsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read channels directory: %w", err)
	}

	for _, path := range paths {
		ch, err := ReadChannelFile(path)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		channels = append(channels, ch)
	}

	return channels, skipped, nil
}

// jsonFiles lists the .json files directly inside dir.
func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// writeFileAtomic writes through a temp file and rename so a watcher never
// sees a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
