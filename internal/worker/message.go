package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// MessageUpdater gets, edits and deletes messages and manages their
// reactions.
type MessageUpdater struct {
	Worker
}

// NewMessageUpdater creates a MessageUpdater.
func NewMessageUpdater(db *store.Database, client api.Client, logger *slog.Logger) *MessageUpdater {
	return &MessageUpdater{Worker: newWorker(db, client, logger, "message-updater")}
}

// GetMessage fetches a message from the API and saves it into cid.
func (u *MessageUpdater) GetMessage(ctx context.Context, cid model.ChannelID, id model.MessageID) error {
	var resp schema.MessageResponse
	if err := u.api.Request(ctx, api.GetMessage(id), &resp); err != nil {
		return err
	}
	return u.db.Write(ctx, func(s *store.Session) error {
		_, err := s.SaveMessage(resp.Message, cid)
		return err
	})
}

// DeleteMessage deletes a message authored by the current user.
//
// A message the server has never seen is removed locally without a network
// call. Otherwise the message is marked deleting, the API is called and the
// state becomes none or deletingFailed. A message missing locally is still
// deleted on the server.
func (u *MessageUpdater) DeleteMessage(ctx context.Context, id model.MessageID) error {
	deleteOnServer := true
	err := u.db.Write(ctx, func(s *store.Session) error {
		cu, err := requireCurrentUser(s)
		if err != nil {
			return err
		}
		msg, err := s.Message(id)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		if msg.Author.ID != cu.User.ID {
			return &model.MessageCannotBeUpdatedByCurrentUserError{MessageID: id}
		}
		if msg.LocalState.ExistsOnlyLocally() {
			deleteOnServer = false
			return s.DeleteMessage(id)
		}
		msg.LocalState = model.LocalMessageStateDeleting
		return s.UpdateMessage(msg)
	})
	if err != nil || !deleteOnServer {
		return err
	}

	return u.request(ctx, api.DeleteMessage(id), nil, func(s *store.Session, netErr error) error {
		msg, err := s.Message(id)
		if err != nil || msg == nil {
			return err
		}
		if netErr != nil {
			msg.LocalState = model.LocalMessageStateDeletingFailed
		} else {
			msg.LocalState = model.LocalMessageStateNone
			now := time.Now().UTC()
			msg.DeletedAt = &now
		}
		return s.UpdateMessage(msg)
	})
}

// EditMessage replaces the text of a message authored by the current user
// and queues the change for the message editor. A message still waiting to
// be sent just gets the new text.
func (u *MessageUpdater) EditMessage(ctx context.Context, id model.MessageID, text string) error {
	return u.db.Write(ctx, func(s *store.Session) error {
		msg, err := messageEditableByCurrentUser(s, id)
		if err != nil {
			return err
		}
		if !msg.LocalState.IsEditable() {
			return &model.MessageEditingError{
				MessageID: id,
				State:     msg.LocalState,
				Reason:    fmt.Sprintf("message is in %s state", msg.LocalState),
			}
		}

		msg.Text = text
		msg.UpdatedAt = time.Now().UTC()
		if msg.LocalState != model.LocalMessageStatePendingSend {
			msg.LocalState = model.LocalMessageStatePendingSync
		}
		return s.UpdateMessage(msg)
	})
}

// CreateNewMessage stores a new message in the pendingSend state and
// returns its id. The message sender delivers it.
func (u *MessageUpdater) CreateNewMessage(ctx context.Context, cid model.ChannelID, m store.NewMessage) (model.MessageID, error) {
	var id model.MessageID
	err := u.db.Write(ctx, func(s *store.Session) error {
		rec, err := s.CreateNewMessage(cid, m)
		if err != nil {
			return err
		}
		id = rec.ID
		return nil
	})
	return id, err
}

// CreateNewReply is CreateNewMessage for a reply to parentID.
func (u *MessageUpdater) CreateNewReply(ctx context.Context, cid model.ChannelID, parentID model.MessageID, m store.NewMessage) (model.MessageID, error) {
	m.ParentID = parentID
	return u.CreateNewMessage(ctx, cid, m)
}

// LoadReplies fetches a page of a thread and saves it.
func (u *MessageUpdater) LoadReplies(ctx context.Context, cid model.ChannelID, parentID model.MessageID, page schema.MessagePagination) (*schema.MessageRepliesPayload, error) {
	var resp schema.MessageRepliesPayload
	if err := u.api.Request(ctx, api.LoadReplies(parentID, page), &resp); err != nil {
		return nil, err
	}
	err := u.db.Write(ctx, func(s *store.Session) error {
		for _, m := range resp.Messages {
			if _, err := s.SaveMessage(m, cid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddReaction adds the current user's reaction optimistically. If the call
// fails the reaction is kept in the sendingFailed state. A result that
// arrives after a newer local change to the same reaction is not applied.
func (u *MessageUpdater) AddReaction(ctx context.Context, id model.MessageID, typ string, score int) error {
	var (
		userID  model.UserID
		version string
		cid     model.ChannelID
	)
	err := u.db.Write(ctx, func(s *store.Session) error {
		rec, err := s.AddReaction(id, typ, score)
		if err != nil {
			return err
		}
		userID, version = rec.Author.ID, rec.Version
		msg, err := requireMessage(s, id)
		if err != nil {
			return err
		}
		cid, err = model.ParseChannelID(msg.ChannelCID)
		return err
	})
	if err != nil {
		return err
	}

	var resp schema.ReactionResponse
	body := schema.ReactionRequestBody{Type: typ, Score: score}
	return u.request(ctx, api.AddReaction(id, body), &resp, func(s *store.Session, netErr error) error {
		rec, err := s.Reaction(id, userID, typ)
		if err != nil || rec == nil || rec.Version != version {
			return err
		}
		if netErr != nil {
			rec.LocalState = model.LocalReactionStateSendingFailed
		} else {
			rec.LocalState = model.LocalReactionStateNone
		}
		if err := s.UpdateReaction(rec); err != nil {
			return err
		}
		if netErr == nil && resp.Message.ID != "" {
			_, err = s.SaveMessage(resp.Message, cid)
			return err
		}
		return nil
	})
}

// DeleteReaction removes the current user's reaction. The reaction is kept
// as pendingDelete until the server confirms and as deletingFailed if the
// call fails.
func (u *MessageUpdater) DeleteReaction(ctx context.Context, id model.MessageID, typ string) error {
	var (
		userID  model.UserID
		version = uuid.NewString()
	)
	err := u.db.Write(ctx, func(s *store.Session) error {
		cu, err := requireCurrentUser(s)
		if err != nil {
			return err
		}
		userID = cu.User.ID
		rec, err := s.Reaction(id, userID, typ)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("reaction %s on %s: %w", typ, id, model.ErrReactionDoesNotExist)
		}
		rec.LocalState = model.LocalReactionStatePendingDelete
		rec.Version = version
		rec.UpdatedAt = time.Now().UTC()
		return s.UpdateReaction(rec)
	})
	if err != nil {
		return err
	}

	return u.request(ctx, api.DeleteReaction(id, typ), nil, func(s *store.Session, netErr error) error {
		rec, err := s.Reaction(id, userID, typ)
		if err != nil || rec == nil || rec.Version != version {
			return err
		}
		if netErr != nil {
			rec.LocalState = model.LocalReactionStateDeletingFailed
			return s.UpdateReaction(rec)
		}
		return s.DeleteReaction(id, userID, typ)
	})
}

// PinMessage pins a message until expires, or forever when expires is nil.
func (u *MessageUpdater) PinMessage(ctx context.Context, id model.MessageID, expires *time.Time) error {
	return u.setPinned(ctx, id, schema.PinBody{Pinned: true, PinExpires: expires})
}

// UnpinMessage unpins a message.
func (u *MessageUpdater) UnpinMessage(ctx context.Context, id model.MessageID) error {
	return u.setPinned(ctx, id, schema.PinBody{Pinned: false})
}

func (u *MessageUpdater) setPinned(ctx context.Context, id model.MessageID, body schema.PinBody) error {
	msg, err := store.FetchOne(ctx, u.db.BackgroundContext(), store.MessageByID(id))
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s: %w", id, model.ErrMessageDoesNotExist)
	}
	cid, err := model.ParseChannelID(msg.ChannelCID)
	if err != nil {
		return err
	}

	var resp schema.MessageResponse
	return u.request(ctx, api.PinMessage(id, body), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		_, err := s.SaveMessage(resp.Message, cid)
		return err
	})
}

// FlagMessage flags or unflags a message for moderation. A message missing
// locally is fetched first.
func (u *MessageUpdater) FlagMessage(ctx context.Context, cid model.ChannelID, id model.MessageID, flag bool) error {
	if err := u.fetchMessageIfNeeded(ctx, cid, id); err != nil {
		return err
	}
	return u.request(ctx, api.FlagMessage(id, flag), nil, func(s *store.Session, netErr error) error {
		switch {
		case netErr != nil:
			return nil
		case flag:
			return s.FlagMessage(id)
		default:
			return s.UnflagMessage(id)
		}
	})
}

func (u *MessageUpdater) fetchMessageIfNeeded(ctx context.Context, cid model.ChannelID, id model.MessageID) error {
	msg, err := store.FetchOne(ctx, u.db.BackgroundContext(), store.MessageByID(id))
	if err != nil || msg != nil {
		return err
	}
	return u.GetMessage(ctx, cid, id)
}

// ResendMessage puts a message that failed to send back in the send queue.
func (u *MessageUpdater) ResendMessage(ctx context.Context, id model.MessageID) error {
	return u.db.Write(ctx, func(s *store.Session) error {
		msg, err := messageEditableByCurrentUser(s, id)
		if err != nil {
			return err
		}
		if msg.LocalState != model.LocalMessageStateSendingFailed {
			return &model.MessageEditingError{
				MessageID: id,
				State:     msg.LocalState,
				Reason:    "only messages that failed to send can be resent",
			}
		}
		msg.LocalState = model.LocalMessageStatePendingSend
		return s.UpdateMessage(msg)
	})
}
