package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
)

// Session is the handle a write transaction body receives. Every mutation
// goes through a Session; it records the tables it touched so the commit can
// notify the right observers.
//
// Lookups return (nil, nil) when the record does not exist.
type Session struct {
	ctx     context.Context
	tx      *sql.Tx
	touched map[string]struct{}
}

func newSession(ctx context.Context, tx *sql.Tx) *Session {
	return &Session{ctx: ctx, tx: tx, touched: make(map[string]struct{})}
}

// QueryContext implements Reader inside the transaction.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

// Context returns the context the write was started with.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) touch(tables ...string) {
	for _, t := range tables {
		s.touched[t] = struct{}{}
	}
}

func (s *Session) exec(query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(s.ctx, query, args...)
}

// ===== Users =====

// User returns the user with id.
func (s *Session) User(id model.UserID) (*UserRecord, error) {
	return FetchOne(s.ctx, s, UserByID(id))
}

// SaveUser inserts or updates a user from a payload.
func (s *Session) SaveUser(p schema.UserPayload) (*UserRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid user: %w", err)
	}
	p.SetDefaults()

	_, err := s.exec(`
	INSERT INTO users (
		id, name, image_url, role, is_online, is_banned,
		last_active_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		image_url = excluded.image_url,
		role = excluded.role,
		is_online = excluded.is_online,
		is_banned = excluded.is_banned,
		last_active_at = excluded.last_active_at,
		updated_at = excluded.updated_at
	`,
		p.ID, p.Name, p.ImageURL, p.Role, p.Online, p.Banned,
		nullTimeValue(p.LastActive), timeValue(p.CreatedAt), timeValue(p.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user %s: %w", p.ID, err)
	}
	s.touch(tableUsers)
	return s.User(p.ID)
}

// ===== Current user =====

// CurrentUser returns the logged-in user, or nil if nobody is logged in.
func (s *Session) CurrentUser() (*CurrentUserRecord, error) {
	return FetchOne(s.ctx, s, CurrentUsers())
}

// requireCurrentUser returns model.ErrCurrentUserDoesNotExist when nobody is
// logged in.
func (s *Session) requireCurrentUser() (*CurrentUserRecord, error) {
	cu, err := s.CurrentUser()
	if err != nil {
		return nil, err
	}
	if cu == nil {
		return nil, model.ErrCurrentUserDoesNotExist
	}
	return cu, nil
}

// SaveCurrentUser stores p as the logged-in user, replacing its mute list.
func (s *Session) SaveCurrentUser(p schema.CurrentUserPayload) (*CurrentUserRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid current user: %w", err)
	}
	if _, err := s.SaveUser(p.UserPayload); err != nil {
		return nil, err
	}

	_, err := s.exec(`
	INSERT INTO current_users (id, user_id, unread_count) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		unread_count = excluded.unread_count
	`, p.ID, p.TotalUnreadCount)
	if err != nil {
		return nil, fmt.Errorf("failed to save current user: %w", err)
	}

	if _, err := s.exec("DELETE FROM muted_users"); err != nil {
		return nil, fmt.Errorf("failed to clear muted users: %w", err)
	}
	s.touch(tableCurrentUser, tableMutedUsers)
	for _, mute := range p.MutedUsers {
		if _, err := s.SaveUser(mute.Target); err != nil {
			return nil, err
		}
		if err := s.muteUser(mute.Target.ID, mute.CreatedAt); err != nil {
			return nil, err
		}
	}

	return s.CurrentUser()
}

// MuteUser adds id to the current user's mute list. The user must exist.
func (s *Session) MuteUser(id model.UserID) error {
	if _, err := s.requireCurrentUser(); err != nil {
		return err
	}
	return s.muteUser(id, time.Now())
}

func (s *Session) muteUser(id model.UserID, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.exec(`
	INSERT INTO muted_users (user_id, created_at) VALUES (?, ?)
	ON CONFLICT(user_id) DO NOTHING
	`, id, timeValue(at))
	if err != nil {
		return fmt.Errorf("failed to mute user %s: %w", id, err)
	}
	s.touch(tableMutedUsers)
	return nil
}

// UnmuteUser removes id from the current user's mute list.
func (s *Session) UnmuteUser(id model.UserID) error {
	if _, err := s.exec("DELETE FROM muted_users WHERE user_id = ?", id); err != nil {
		return fmt.Errorf("failed to unmute user %s: %w", id, err)
	}
	s.touch(tableMutedUsers)
	return nil
}

// FlagMessage records that the current user flagged a message.
func (s *Session) FlagMessage(id model.MessageID) error {
	if _, err := s.requireCurrentUser(); err != nil {
		return err
	}
	_, err := s.exec(`
	INSERT INTO flagged_messages (message_id, created_at) VALUES (?, ?)
	ON CONFLICT(message_id) DO NOTHING
	`, id, timeValue(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to flag message %s: %w", id, err)
	}
	s.touch(tableFlaggedMessages)
	return nil
}

// UnflagMessage removes a message flag.
func (s *Session) UnflagMessage(id model.MessageID) error {
	if _, err := s.exec("DELETE FROM flagged_messages WHERE message_id = ?", id); err != nil {
		return fmt.Errorf("failed to unflag message %s: %w", id, err)
	}
	s.touch(tableFlaggedMessages)
	return nil
}

// ===== Channels =====

// Channel returns the channel with cid.
func (s *Session) Channel(cid model.ChannelID) (*ChannelRecord, error) {
	return FetchOne(s.ctx, s, ChannelByCID(cid))
}

// SaveChannel inserts or updates a channel with its members and messages.
func (s *Session) SaveChannel(p schema.ChannelPayload) (*ChannelRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel: %w", err)
	}
	cid, _ := p.ChannelID()

	createdBy := ""
	if p.CreatedBy != nil {
		if _, err := s.SaveUser(*p.CreatedBy); err != nil {
			return nil, err
		}
		createdBy = p.CreatedBy.ID
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = p.CreatedAt
	}

	_, err := s.exec(`
	INSERT INTO channels (
		cid, type, name, image_url, created_by, created_at, updated_at,
		last_message_at, deleted_at, truncated_at,
		is_hidden, is_frozen, is_muted, member_count, unread_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(cid) DO UPDATE SET
		name = excluded.name,
		image_url = excluded.image_url,
		created_by = excluded.created_by,
		updated_at = excluded.updated_at,
		last_message_at = excluded.last_message_at,
		deleted_at = excluded.deleted_at,
		truncated_at = excluded.truncated_at,
		is_hidden = excluded.is_hidden,
		is_frozen = excluded.is_frozen,
		is_muted = excluded.is_muted,
		member_count = excluded.member_count,
		unread_count = excluded.unread_count
	`,
		cid.String(), cid.Type, p.Name, p.ImageURL, createdBy,
		timeValue(p.CreatedAt), timeValue(updatedAt),
		nullTimeValue(p.LastMessageAt), nullTimeValue(p.DeletedAt), nullTimeValue(p.TruncatedAt),
		p.Hidden, p.Frozen, p.Muted, p.MemberCount, p.UnreadCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert channel %s: %w", cid, err)
	}
	s.touch(tableChannels)

	for _, m := range p.Members {
		if err := s.SaveMember(cid, m); err != nil {
			return nil, err
		}
	}
	for _, m := range p.Messages {
		if _, err := s.SaveMessage(m, cid); err != nil {
			return nil, err
		}
	}

	return s.Channel(cid)
}

// UpdateChannel writes back the mutable columns of rec.
func (s *Session) UpdateChannel(rec *ChannelRecord) error {
	_, err := s.exec(`
	UPDATE channels SET
		name = ?, image_url = ?, updated_at = ?, last_message_at = ?,
		deleted_at = ?, truncated_at = ?, is_hidden = ?, is_frozen = ?,
		is_muted = ?, member_count = ?, unread_count = ?
	WHERE cid = ?
	`,
		rec.Name, rec.ImageURL, timeValue(rec.UpdatedAt), nullTimeValue(rec.LastMessageAt),
		nullTimeValue(rec.DeletedAt), nullTimeValue(rec.TruncatedAt), rec.IsHidden, rec.IsFrozen,
		rec.IsMuted, rec.MemberCount, rec.UnreadCount,
		rec.CID,
	)
	if err != nil {
		return fmt.Errorf("failed to update channel %s: %w", rec.CID, err)
	}
	s.touch(tableChannels)
	return nil
}

// DeleteChannel removes a channel with its members, messages and reactions.
// Deleting a missing channel is not an error.
func (s *Session) DeleteChannel(cid model.ChannelID) error {
	if _, err := s.exec("DELETE FROM channels WHERE cid = ?", cid.String()); err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", cid, err)
	}
	s.touch(tableChannels, tableMembers, tableMessages, tableReactions)
	return nil
}

// TruncateChannel deletes the channel's messages created at or before at and
// records the truncation time.
func (s *Session) TruncateChannel(cid model.ChannelID, at time.Time) error {
	ch, err := s.Channel(cid)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("truncate %s: %w", cid, model.ErrChannelDoesNotExist)
	}
	if _, err := s.exec("DELETE FROM messages WHERE channel_cid = ? AND created_at <= ?",
		cid.String(), timeValue(at)); err != nil {
		return fmt.Errorf("failed to truncate channel %s: %w", cid, err)
	}
	s.touch(tableMessages, tableReactions)

	ch.TruncatedAt = &at
	ch.UpdatedAt = at
	return s.UpdateChannel(ch)
}

// SaveMember inserts or updates a channel membership and its user.
func (s *Session) SaveMember(cid model.ChannelID, m schema.MemberPayload) error {
	if _, err := s.SaveUser(m.User); err != nil {
		return err
	}
	role := m.Role
	if role == "" {
		role = "member"
	}
	joined := m.CreatedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	_, err := s.exec(`
	INSERT INTO members (channel_cid, user_id, role, created_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(channel_cid, user_id) DO UPDATE SET role = excluded.role
	`, cid.String(), m.User.ID, role, timeValue(joined))
	if err != nil {
		return fmt.Errorf("failed to save member %s of %s: %w", m.User.ID, cid, err)
	}
	s.touch(tableMembers)
	return nil
}

// RemoveMember deletes a channel membership.
func (s *Session) RemoveMember(cid model.ChannelID, userID model.UserID) error {
	_, err := s.exec("DELETE FROM members WHERE channel_cid = ? AND user_id = ?", cid.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to remove member %s of %s: %w", userID, cid, err)
	}
	s.touch(tableMembers)
	return nil
}

// ===== Messages =====

// Message returns the message with id.
func (s *Session) Message(id model.MessageID) (*MessageRecord, error) {
	return FetchOne(s.ctx, s, MessageByID(id))
}

// SaveMessage inserts or updates a message from a payload. The payload's cid
// wins over cid when set. The channel must already exist. The local state of
// an existing message is left as it is.
func (s *Session) SaveMessage(p schema.MessagePayload, cid model.ChannelID) (*MessageRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if p.CID != "" {
		cid, _ = model.ParseChannelID(p.CID)
	}
	ch, err := s.Channel(cid)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("save message %s: channel %s: %w", p.ID, cid, model.ErrChannelDoesNotExist)
	}

	if _, err := s.SaveUser(p.User); err != nil {
		return nil, err
	}
	counts, err := countsValue(p.ReactionCounts)
	if err != nil {
		return nil, err
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = p.CreatedAt
	}
	typ := p.Type
	if typ == "" {
		typ = "regular"
	}

	_, err = s.exec(`
	INSERT INTO messages (
		id, channel_cid, user_id, text, type, command, arguments,
		parent_id, show_reply_in_channel, reply_count, is_pinned, pinned_at,
		pin_expires, created_at, updated_at, deleted_at, reaction_counts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		text = excluded.text,
		type = excluded.type,
		command = excluded.command,
		arguments = excluded.arguments,
		show_reply_in_channel = excluded.show_reply_in_channel,
		reply_count = excluded.reply_count,
		is_pinned = excluded.is_pinned,
		pinned_at = excluded.pinned_at,
		pin_expires = excluded.pin_expires,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		reaction_counts = excluded.reaction_counts
	`,
		p.ID, cid.String(), p.User.ID, p.Text, typ, p.Command, p.Args,
		p.ParentID, p.ShowReplyInChannel, p.ReplyCount, p.Pinned, nullTimeValue(p.PinnedAt),
		nullTimeValue(p.PinExpires), timeValue(p.CreatedAt), timeValue(updatedAt),
		nullTimeValue(p.DeletedAt), counts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert message %s: %w", p.ID, err)
	}
	s.touch(tableMessages)

	for _, r := range append(append([]schema.ReactionPayload(nil), p.LatestReactions...), p.OwnReactions...) {
		if r.MessageID == "" {
			r.MessageID = p.ID
		}
		if err := s.saveReaction(r); err != nil {
			return nil, err
		}
	}

	if p.ParentID == "" || p.ShowReplyInChannel {
		if err := s.bumpLastMessageAt(cid, p.CreatedAt); err != nil {
			return nil, err
		}
	}

	return s.Message(p.ID)
}

// NewMessage describes a locally composed message.
type NewMessage struct {
	Text               string
	Command            string
	Arguments          string
	ParentID           model.MessageID
	ShowReplyInChannel bool
}

// CreateNewMessage stores a message authored by the current user in the
// pendingSend state, ready to be picked up by the message sender.
func (s *Session) CreateNewMessage(cid model.ChannelID, m NewMessage) (*MessageRecord, error) {
	cu, err := s.requireCurrentUser()
	if err != nil {
		return nil, err
	}
	ch, err := s.Channel(cid)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("create message in %s: %w", cid, model.ErrChannelDoesNotExist)
	}
	if m.ParentID != "" {
		parent, err := s.Message(m.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("reply to %s: %w", m.ParentID, model.ErrMessageDoesNotExist)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	typ := "regular"
	if m.ParentID != "" {
		typ = "reply"
	}

	_, err = s.exec(`
	INSERT INTO messages (
		id, channel_cid, user_id, text, type, command, arguments,
		parent_id, show_reply_in_channel, created_at, locally_created_at,
		updated_at, local_state
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, cid.String(), cu.User.ID, m.Text, typ, m.Command, m.Arguments,
		m.ParentID, m.ShowReplyInChannel, timeValue(now), timeValue(now),
		timeValue(now), string(model.LocalMessageStatePendingSend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	s.touch(tableMessages)

	if m.ParentID == "" || m.ShowReplyInChannel {
		if err := s.bumpLastMessageAt(cid, now); err != nil {
			return nil, err
		}
	}

	return s.Message(id)
}

// UpdateMessage writes back the mutable columns of rec.
func (s *Session) UpdateMessage(rec *MessageRecord) error {
	counts, err := countsValue(rec.ReactionCounts)
	if err != nil {
		return err
	}
	_, err = s.exec(`
	UPDATE messages SET
		text = ?, command = ?, arguments = ?, show_reply_in_channel = ?,
		reply_count = ?, is_pinned = ?, pinned_at = ?, pin_expires = ?,
		updated_at = ?, deleted_at = ?, local_state = ?, reaction_counts = ?
	WHERE id = ?
	`,
		rec.Text, rec.Command, rec.Arguments, rec.ShowReplyInChannel,
		rec.ReplyCount, rec.IsPinned, nullTimeValue(rec.PinnedAt), nullTimeValue(rec.PinExpires),
		timeValue(rec.UpdatedAt), nullTimeValue(rec.DeletedAt), string(rec.LocalState), counts,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", rec.ID, err)
	}
	s.touch(tableMessages)
	return nil
}

// DeleteMessage removes a message and its reactions. Deleting a missing
// message is not an error.
func (s *Session) DeleteMessage(id model.MessageID) error {
	if _, err := s.exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	s.touch(tableMessages, tableReactions)
	return nil
}

func (s *Session) bumpLastMessageAt(cid model.ChannelID, at time.Time) error {
	_, err := s.exec(`
	UPDATE channels SET last_message_at = ?
	WHERE cid = ? AND (last_message_at IS NULL OR last_message_at < ?)
	`, timeValue(at), cid.String(), timeValue(at))
	if err != nil {
		return fmt.Errorf("failed to update last message time of %s: %w", cid, err)
	}
	s.touch(tableChannels)
	return nil
}

// ===== Reactions =====

// Reaction returns one user's reaction of a type to a message.
func (s *Session) Reaction(messageID model.MessageID, userID model.UserID, typ string) (*ReactionRecord, error) {
	return FetchOne(s.ctx, s, Reactions().
		Where("r.message_id = ? AND r.user_id = ? AND r.type = ?", messageID, userID, typ))
}

// AddReaction stores the current user's reaction in the sending state and
// bumps the message's count for typ when the reaction is new. It returns the
// stored reaction; its Version identifies this write.
func (s *Session) AddReaction(messageID model.MessageID, typ string, score int) (*ReactionRecord, error) {
	cu, err := s.requireCurrentUser()
	if err != nil {
		return nil, err
	}
	msg, err := s.Message(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("add reaction to %s: %w", messageID, model.ErrMessageDoesNotExist)
	}
	existing, err := s.Reaction(messageID, cu.User.ID, typ)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	version := uuid.NewString()
	_, err = s.exec(`
	INSERT INTO reactions (message_id, user_id, type, score, created_at, updated_at, local_state, version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id, user_id, type) DO UPDATE SET
		score = excluded.score,
		updated_at = excluded.updated_at,
		local_state = excluded.local_state,
		version = excluded.version
	`, messageID, cu.User.ID, typ, score, timeValue(now), timeValue(now),
		string(model.LocalReactionStateSending), version)
	if err != nil {
		return nil, fmt.Errorf("failed to add reaction to %s: %w", messageID, err)
	}
	s.touch(tableReactions)

	if existing == nil {
		if msg.ReactionCounts == nil {
			msg.ReactionCounts = map[string]int{}
		}
		msg.ReactionCounts[typ]++
		if err := s.UpdateMessage(msg); err != nil {
			return nil, err
		}
	}

	return s.Reaction(messageID, cu.User.ID, typ)
}

// UpdateReaction writes back the mutable columns of rec.
func (s *Session) UpdateReaction(rec *ReactionRecord) error {
	_, err := s.exec(`
	UPDATE reactions SET score = ?, updated_at = ?, local_state = ?, version = ?
	WHERE message_id = ? AND user_id = ? AND type = ?
	`, rec.Score, timeValue(rec.UpdatedAt), string(rec.LocalState), rec.Version,
		rec.MessageID, rec.Author.ID, rec.Type)
	if err != nil {
		return fmt.Errorf("failed to update reaction %s: %w", rec.RecordKey(), err)
	}
	// Reactions are part of the message snapshot.
	s.touch(tableReactions, tableMessages)
	return nil
}

// DeleteReaction removes a reaction and decrements the message's count for
// its type. Deleting a missing reaction is not an error.
func (s *Session) DeleteReaction(messageID model.MessageID, userID model.UserID, typ string) error {
	res, err := s.exec("DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND type = ?",
		messageID, userID, typ)
	if err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	s.touch(tableReactions)

	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	msg, err := s.Message(messageID)
	if err != nil || msg == nil {
		return err
	}
	if msg.ReactionCounts[typ] > 1 {
		msg.ReactionCounts[typ]--
	} else {
		delete(msg.ReactionCounts, typ)
	}
	return s.UpdateMessage(msg)
}

func (s *Session) saveReaction(p schema.ReactionPayload) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid reaction: %w", err)
	}
	if _, err := s.SaveUser(p.User); err != nil {
		return err
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	score := p.Score
	if score == 0 {
		score = 1
	}
	// A confirmed reaction from the server clears any local marker.
	_, err := s.exec(`
	INSERT INTO reactions (message_id, user_id, type, score, created_at, updated_at, local_state, version)
	VALUES (?, ?, ?, ?, ?, ?, '', '')
	ON CONFLICT(message_id, user_id, type) DO UPDATE SET
		score = excluded.score,
		updated_at = excluded.updated_at,
		local_state = CASE WHEN reactions.local_state = 'pendingDelete' THEN reactions.local_state ELSE '' END
	`, p.MessageID, p.User.ID, p.Type, score, timeValue(created), timeValue(updated))
	if err != nil {
		return fmt.Errorf("failed to save reaction on %s: %w", p.MessageID, err)
	}
	s.touch(tableReactions)
	return nil
}
