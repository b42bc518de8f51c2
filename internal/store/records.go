package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatkit/chatcache/internal/model"
)

// Record is a row snapshot managed by the store. RecordKey returns the
// primary key, used to match records across fetches.
type Record interface {
	RecordKey() string
}

// UserRecord is a row of the users table.
type UserRecord struct {
	ID           string
	Name         string
	ImageURL     string
	Role         string
	IsOnline     bool
	IsBanned     bool
	LastActiveAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r *UserRecord) RecordKey() string { return r.ID }

// AsModel converts the record into a model.User.
func (r *UserRecord) AsModel() (model.User, error) {
	if r.ID == "" {
		return model.User{}, fmt.Errorf("user record without id")
	}
	return model.User{
		ID:           r.ID,
		Name:         r.Name,
		ImageURL:     r.ImageURL,
		Role:         r.Role,
		IsOnline:     r.IsOnline,
		IsBanned:     r.IsBanned,
		LastActiveAt: copyTime(r.LastActiveAt),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func (r *UserRecord) scanTargets() []any {
	return []any{
		&r.ID, &r.Name, &r.ImageURL, &r.Role, &r.IsOnline, &r.IsBanned,
		nullUnixTime{&r.LastActiveAt}, unixTime{&r.CreatedAt}, unixTime{&r.UpdatedAt},
	}
}

// userColumns selects the users table under alias u.
const userColumns = `u.id, u.name, u.image_url, u.role, u.is_online, u.is_banned,
	u.last_active_at, u.created_at, u.updated_at`

// CurrentUserRecord is the logged-in user with its private lists.
type CurrentUserRecord struct {
	User              UserRecord
	UnreadCount       int
	MutedUserIDs      []string
	FlaggedMessageIDs []string
}

func (r *CurrentUserRecord) RecordKey() string { return r.User.ID }

// AsModel converts the record into a model.CurrentUser.
func (r *CurrentUserRecord) AsModel() (model.CurrentUser, error) {
	user, err := r.User.AsModel()
	if err != nil {
		return model.CurrentUser{}, err
	}
	return model.CurrentUser{
		User:              user,
		MutedUserIDs:      append([]string(nil), r.MutedUserIDs...),
		FlaggedMessageIDs: append([]string(nil), r.FlaggedMessageIDs...),
		UnreadCount:       r.UnreadCount,
	}, nil
}

// MemberRecord is a row of the members table joined with its user.
type MemberRecord struct {
	ChannelCID string
	User       UserRecord
	Role       string
	CreatedAt  time.Time
}

func (r *MemberRecord) RecordKey() string { return r.ChannelCID + "/" + r.User.ID }

// AsModel converts the record into a model.Member.
func (r *MemberRecord) AsModel() (model.Member, error) {
	user, err := r.User.AsModel()
	if err != nil {
		return model.Member{}, err
	}
	return model.Member{User: user, Role: r.Role, JoinedAt: r.CreatedAt}, nil
}

// ChannelRecord is a row of the channels table with its members loaded.
type ChannelRecord struct {
	CID           string
	Type          string
	Name          string
	ImageURL      string
	CreatedByID   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt *time.Time
	DeletedAt     *time.Time
	TruncatedAt   *time.Time
	IsHidden      bool
	IsFrozen      bool
	IsMuted       bool
	MemberCount   int
	UnreadCount   int
	Members       []MemberRecord
}

func (r *ChannelRecord) RecordKey() string { return r.CID }

// AsModel converts the record into a model.Channel. It fails when the stored
// cid does not parse.
func (r *ChannelRecord) AsModel() (model.Channel, error) {
	cid, err := model.ParseChannelID(r.CID)
	if err != nil {
		return model.Channel{}, err
	}
	members := make([]model.Member, 0, len(r.Members))
	for i := range r.Members {
		m, err := r.Members[i].AsModel()
		if err != nil {
			return model.Channel{}, fmt.Errorf("channel %s: %w", r.CID, err)
		}
		members = append(members, m)
	}
	return model.Channel{
		CID:           cid,
		Name:          r.Name,
		ImageURL:      r.ImageURL,
		CreatedByID:   r.CreatedByID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		LastMessageAt: copyTime(r.LastMessageAt),
		DeletedAt:     copyTime(r.DeletedAt),
		TruncatedAt:   copyTime(r.TruncatedAt),
		IsHidden:      r.IsHidden,
		IsFrozen:      r.IsFrozen,
		IsMuted:       r.IsMuted,
		MemberCount:   r.MemberCount,
		UnreadCount:   r.UnreadCount,
		Members:       members,
	}, nil
}

func (r *ChannelRecord) scanTargets() []any {
	return []any{
		&r.CID, &r.Type, &r.Name, &r.ImageURL, &r.CreatedByID,
		unixTime{&r.CreatedAt}, unixTime{&r.UpdatedAt},
		nullUnixTime{&r.LastMessageAt}, nullUnixTime{&r.DeletedAt}, nullUnixTime{&r.TruncatedAt},
		&r.IsHidden, &r.IsFrozen, &r.IsMuted, &r.MemberCount, &r.UnreadCount,
	}
}

const channelColumns = `c.cid, c.type, c.name, c.image_url, c.created_by,
	c.created_at, c.updated_at, c.last_message_at, c.deleted_at, c.truncated_at,
	c.is_hidden, c.is_frozen, c.is_muted, c.member_count, c.unread_count`

// MessageRecord is a row of the messages table with its author and latest
// reactions loaded.
type MessageRecord struct {
	ID                 string
	ChannelCID         string
	Text               string
	Type               string
	Command            string
	Arguments          string
	Author             UserRecord
	ParentID           string
	ShowReplyInChannel bool
	ReplyCount         int
	IsPinned           bool
	PinnedAt           *time.Time
	PinExpires         *time.Time
	CreatedAt          time.Time
	LocallyCreatedAt   *time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
	LocalState         model.LocalMessageState
	ReactionCounts     map[string]int
	LatestReactions    []ReactionRecord
}

func (r *MessageRecord) RecordKey() string { return r.ID }

// AsModel converts the record into a model.Message. It fails when the stored
// cid does not parse or the local state is unknown.
func (r *MessageRecord) AsModel() (model.Message, error) {
	cid, err := model.ParseChannelID(r.ChannelCID)
	if err != nil {
		return model.Message{}, fmt.Errorf("message %s: %w", r.ID, err)
	}
	if !r.LocalState.IsValid() {
		return model.Message{}, fmt.Errorf("message %s: unknown local state %q", r.ID, string(r.LocalState))
	}
	author, err := r.Author.AsModel()
	if err != nil {
		return model.Message{}, fmt.Errorf("message %s: %w", r.ID, err)
	}

	reactions := make([]model.Reaction, 0, len(r.LatestReactions))
	for i := range r.LatestReactions {
		reaction, err := r.LatestReactions[i].AsModel()
		if err != nil {
			return model.Message{}, fmt.Errorf("message %s: %w", r.ID, err)
		}
		reactions = append(reactions, reaction)
	}

	counts := make(map[string]int, len(r.ReactionCounts))
	for k, v := range r.ReactionCounts {
		counts[k] = v
	}

	return model.Message{
		ID:                 r.ID,
		CID:                cid,
		Text:               r.Text,
		Type:               r.Type,
		Command:            r.Command,
		Arguments:          r.Arguments,
		Author:             author,
		ParentID:           r.ParentID,
		ShowReplyInChannel: r.ShowReplyInChannel,
		ReplyCount:         r.ReplyCount,
		IsPinned:           r.IsPinned,
		PinnedAt:           copyTime(r.PinnedAt),
		PinExpires:         copyTime(r.PinExpires),
		CreatedAt:          r.CreatedAt,
		LocallyCreatedAt:   copyTime(r.LocallyCreatedAt),
		UpdatedAt:          r.UpdatedAt,
		DeletedAt:          copyTime(r.DeletedAt),
		LocalState:         r.LocalState,
		LatestReactions:    reactions,
		ReactionCounts:     counts,
	}, nil
}

func (r *MessageRecord) scanTargets() []any {
	return append([]any{
		&r.ID, &r.ChannelCID, &r.Text, &r.Type, &r.Command, &r.Arguments,
		&r.ParentID, &r.ShowReplyInChannel, &r.ReplyCount, &r.IsPinned,
		nullUnixTime{&r.PinnedAt}, nullUnixTime{&r.PinExpires},
		unixTime{&r.CreatedAt}, nullUnixTime{&r.LocallyCreatedAt}, unixTime{&r.UpdatedAt},
		nullUnixTime{&r.DeletedAt}, (*string)(&r.LocalState), jsonCounts{&r.ReactionCounts},
	}, r.Author.scanTargets()...)
}

const messageColumns = `m.id, m.channel_cid, m.text, m.type, m.command, m.arguments,
	m.parent_id, m.show_reply_in_channel, m.reply_count, m.is_pinned,
	m.pinned_at, m.pin_expires, m.created_at, m.locally_created_at, m.updated_at,
	m.deleted_at, m.local_state, m.reaction_counts, ` + userColumns

// ReactionRecord is a row of the reactions table joined with its author.
type ReactionRecord struct {
	MessageID  string
	Type       string
	Score      int
	Author     UserRecord
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LocalState model.LocalReactionState
	// Version changes on every optimistic local write, so a late network
	// result can tell whether it still applies.
	Version string
}

func (r *ReactionRecord) RecordKey() string {
	return r.MessageID + "/" + r.Author.ID + "/" + r.Type
}

// AsModel converts the record into a model.Reaction.
func (r *ReactionRecord) AsModel() (model.Reaction, error) {
	author, err := r.Author.AsModel()
	if err != nil {
		return model.Reaction{}, err
	}
	return model.Reaction{
		MessageID:  r.MessageID,
		Type:       r.Type,
		Score:      r.Score,
		Author:     author,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		LocalState: r.LocalState,
	}, nil
}

func (r *ReactionRecord) scanTargets() []any {
	return append([]any{
		&r.MessageID, &r.Type, &r.Score,
		unixTime{&r.CreatedAt}, unixTime{&r.UpdatedAt},
		(*string)(&r.LocalState), &r.Version,
	}, r.Author.scanTargets()...)
}

const reactionColumns = `r.message_id, r.type, r.score, r.created_at, r.updated_at,
	r.local_state, r.version, ` + userColumns

// unixTime scans an INTEGER nanosecond column.
type unixTime struct{ t *time.Time }

func (u unixTime) Scan(src any) error {
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("cannot scan %T into time", src)
	}
	*u.t = time.Unix(0, n).UTC()
	return nil
}

// nullUnixTime scans a nullable INTEGER nanosecond column.
type nullUnixTime struct{ t **time.Time }

func (u nullUnixTime) Scan(src any) error {
	if src == nil {
		*u.t = nil
		return nil
	}
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("cannot scan %T into time", src)
	}
	t := time.Unix(0, n).UTC()
	*u.t = &t
	return nil
}

// jsonCounts scans the reaction_counts JSON column.
type jsonCounts struct{ m *map[string]int }

func (j jsonCounts) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case nil:
		*j.m = map[string]int{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into reaction counts", src)
	}
	counts := map[string]int{}
	if err := json.Unmarshal(data, &counts); err != nil {
		return fmt.Errorf("failed to parse reaction counts: %w", err)
	}
	*j.m = counts
	return nil
}

func timeValue(t time.Time) int64 {
	return t.UnixNano()
}

func nullTimeValue(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func countsValue(m map[string]int) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reaction counts: %w", err)
	}
	return string(data), nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
