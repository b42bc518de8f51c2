package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chatkit/chatcache/internal/model"
)

// MessagePayload is a message as returned by the backend.
type MessagePayload struct {
	ID                 string            `json:"id"`
	CID                string            `json:"cid,omitempty"`
	Text               string            `json:"text"`
	Type               string            `json:"type,omitempty"`
	Command            string            `json:"command,omitempty"`
	Args               string            `json:"args,omitempty"`
	User               UserPayload       `json:"user"`
	ParentID           string            `json:"parent_id,omitempty"`
	ShowReplyInChannel bool              `json:"show_in_channel,omitempty"`
	ReplyCount         int               `json:"reply_count"`
	Pinned             bool              `json:"pinned"`
	PinnedAt           *time.Time        `json:"pinned_at,omitempty"`
	PinExpires         *time.Time        `json:"pin_expires,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	DeletedAt          *time.Time        `json:"deleted_at,omitempty"`
	LatestReactions    []ReactionPayload `json:"latest_reactions,omitempty"`
	OwnReactions       []ReactionPayload `json:"own_reactions,omitempty"`
	ReactionCounts     map[string]int    `json:"reaction_counts,omitempty"`
}

// Validate checks if the MessagePayload has valid field values.
func (m *MessagePayload) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.CID != "" {
		if _, err := model.ParseChannelID(m.CID); err != nil {
			return err
		}
	}
	if err := m.User.Validate(); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if m.ReplyCount < 0 {
		return fmt.Errorf("reply_count cannot be negative (got %d)", m.ReplyCount)
	}
	for i := range m.LatestReactions {
		if err := m.LatestReactions[i].Validate(); err != nil {
			return fmt.Errorf("reaction %d: %w", i, err)
		}
	}
	return nil
}

// Filename returns the canonical spool filename: {id}.json
func (m *MessagePayload) Filename() string {
	return fmt.Sprintf("%s.json", m.ID)
}

// ReactionPayload is one user's reaction to a message.
type ReactionPayload struct {
	MessageID string      `json:"message_id"`
	Type      string      `json:"type"`
	Score     int         `json:"score"`
	User      UserPayload `json:"user"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Validate checks if the ReactionPayload has valid field values.
func (r *ReactionPayload) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("reaction type is required")
	}
	if err := r.User.Validate(); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	return nil
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message MessagePayload `json:"message"`
}

// MessageRepliesPayload is a page of thread replies.
type MessageRepliesPayload struct {
	Messages []MessagePayload `json:"messages"`
}

// ReactionResponse is returned by reaction calls.
type ReactionResponse struct {
	Message  MessagePayload   `json:"message"`
	Reaction *ReactionPayload `json:"reaction,omitempty"`
}

// MessageRequestBody is the body of a send or update message call.
type MessageRequestBody struct {
	ID                 string `json:"id"`
	Text               string `json:"text"`
	Command            string `json:"command,omitempty"`
	Args               string `json:"args,omitempty"`
	ParentID           string `json:"parent_id,omitempty"`
	ShowReplyInChannel bool   `json:"show_in_channel,omitempty"`
	Pinned             bool   `json:"pinned,omitempty"`
}

// ReactionRequestBody is the body of an add reaction call.
type ReactionRequestBody struct {
	Type          string `json:"type"`
	Score         int    `json:"score"`
	EnforceUnique bool   `json:"enforce_unique,omitempty"`
}

// PinBody is the body of a pin or unpin call.
type PinBody struct {
	Pinned     bool       `json:"pinned"`
	PinExpires *time.Time `json:"pin_expires,omitempty"`
}

// EventBody is a channel event such as typing.start.
type EventBody struct {
	Type string `json:"type"`
}

// EventRequestBody is the body of a send event call.
type EventRequestBody struct {
	Event EventBody `json:"event"`
}

// EmptyResponse is used for calls whose body is ignored.
type EmptyResponse struct{}

// ReadMessageFile reads and parses a message JSON file from the given path.
func ReadMessageFile(path string) (*MessagePayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message file %s: %w", path, err)
	}

	var msg MessagePayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message file %s: %w", path, err)
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message file %s: %w", path, err)
	}
	if msg.CID == "" {
		return nil, fmt.Errorf("invalid message file %s: cid is required", path)
	}

	return &msg, nil
}

// WriteMessageFile writes msg to messagesDir/{id}.json.
func WriteMessageFile(messagesDir string, msg *MessagePayload) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid message: %w", err)
	}
	if msg.CID == "" {
		return fmt.Errorf("cannot write message %s without cid", msg.ID)
	}

	if err := os.MkdirAll(messagesDir, 0755); err != nil {
		return fmt.Errorf("failed to create messages directory: %w", err)
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}

	path := filepath.Join(messagesDir, msg.Filename())
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write message file %s: %w", path, err)
	}

	return nil
}

// ReadAllMessageFiles reads every message file in messagesDir, collecting
// unreadable files in skipped.
func ReadAllMessageFiles(messagesDir string) (messages []*MessagePayload, skipped []error, err error) {
	paths, err := jsonFiles(messagesDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read messages directory: %w", err)
	}

	for _, path := range paths {
		msg, err := ReadMessageFile(path)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		messages = append(messages, msg)
	}

	return messages, skipped, nil
}
