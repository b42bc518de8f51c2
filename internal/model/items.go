package model

import "time"

// User is a chat participant.
type User struct {
	ID           UserID
	Name         string
	ImageURL     string
	Role         string
	IsOnline     bool
	IsBanned     bool
	LastActiveAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CurrentUser is the user the client is logged in as.
type CurrentUser struct {
	User
	MutedUserIDs      []UserID
	FlaggedMessageIDs []MessageID
	UnreadCount       int
}

// IsMuted reports whether the current user muted id.
func (u CurrentUser) IsMuted(id UserID) bool {
	for _, muted := range u.MutedUserIDs {
		if muted == id {
			return true
		}
	}
	return false
}

// Member is a user's membership in a channel.
type Member struct {
	User
	Role     string
	JoinedAt time.Time
}

// Channel is a conversation.
type Channel struct {
	CID           ChannelID
	Name          string
	ImageURL      string
	CreatedByID   UserID
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
	Members       []Member
}

// IsDeleted reports whether the channel was deleted on the server.
func (c Channel) IsDeleted() bool {
	return c.DeletedAt != nil
}

// Message is a single chat message, possibly a thread reply.
type Message struct {
	ID                 MessageID
	CID                ChannelID
	Text               string
	Type               string
	Command            string
	Arguments          string
	Author             User
	ParentID           MessageID
	ShowReplyInChannel bool
	ReplyCount         int
	IsPinned           bool
	PinnedAt           *time.Time
	PinExpires         *time.Time
	CreatedAt          time.Time
	LocallyCreatedAt   *time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
	LocalState         LocalMessageState
	LatestReactions    []Reaction
	ReactionCounts     map[string]int
}

// IsReply reports whether the message belongs to a thread.
func (m Message) IsReply() bool {
	return m.ParentID != ""
}

// IsDeleted reports whether the message was deleted on the server.
func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Reaction is a user's reaction of one type to a message.
type Reaction struct {
	MessageID  MessageID
	Type       string
	Score      int
	Author     User
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LocalState LocalReactionState
}
