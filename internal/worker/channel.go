package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// ChannelUpdater syncs channels and changes channel-level settings.
type ChannelUpdater struct {
	Worker
}

// NewChannelUpdater creates a ChannelUpdater.
func NewChannelUpdater(db *store.Database, client api.Client, logger *slog.Logger) *ChannelUpdater {
	return &ChannelUpdater{Worker: newWorker(db, client, logger, "channel-updater")}
}

// ChannelListPage selects one page of a channel list sync.
type ChannelListPage struct {
	Filter       store.ChannelListFilter
	Limit        int
	Offset       int
	MessageLimit int
}

// QueryChannels fetches a page of the channel list and saves every channel
// with its members and messages. It returns the number of channels received.
// A channel that fails to save is logged and skipped.
func (u *ChannelUpdater) QueryChannels(ctx context.Context, page ChannelListPage) (int, error) {
	body := schema.ChannelListQueryBody{
		FilterMemberID: page.Filter.MemberID,
		FilterType:     page.Filter.Type,
		Limit:          page.Limit,
		Offset:         page.Offset,
		MessageLimit:   page.MessageLimit,
		State:          true,
		Watch:          true,
	}
	var resp schema.ChannelListPayload
	if err := u.api.Request(ctx, api.QueryChannels(body), &resp); err != nil {
		return 0, err
	}

	err := u.db.Write(ctx, func(s *store.Session) error {
		for _, ch := range resp.Channels {
			if _, err := s.SaveChannel(ch); err != nil {
				u.logger.Warn("Warning: failed to save channel", "cid", ch.CID, "error", err)
			}
		}
		return nil
	})
	return len(resp.Channels), err
}

// QueryChannel fetches a channel with a page of its messages and saves it.
func (u *ChannelUpdater) QueryChannel(ctx context.Context, cid model.ChannelID, page *schema.MessagePagination) (*schema.ChannelPayload, error) {
	var resp schema.ChannelPayload
	if err := u.api.Request(ctx, api.QueryChannel(cid, schema.ChannelQueryBody{Messages: page, State: true}), &resp); err != nil {
		return nil, err
	}
	if resp.CID == "" {
		resp.CID = cid.String()
	}
	err := u.db.Write(ctx, func(s *store.Session) error {
		_, err := s.SaveChannel(resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateChannel changes a channel's name, image or frozen flag.
func (u *ChannelUpdater) UpdateChannel(ctx context.Context, cid model.ChannelID, body schema.ChannelUpdateBody) error {
	var resp schema.ChannelResponse
	return u.request(ctx, api.UpdateChannel(cid, body), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		_, err := s.SaveChannel(resp.Channel)
		return err
	})
}

// DeleteChannel deletes a channel on the server and then locally.
func (u *ChannelUpdater) DeleteChannel(ctx context.Context, cid model.ChannelID) error {
	return u.request(ctx, api.DeleteChannel(cid), nil, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		return s.DeleteChannel(cid)
	})
}

// HideChannel hides a channel for the current user, optionally clearing
// its history.
func (u *ChannelUpdater) HideChannel(ctx context.Context, cid model.ChannelID, clearHistory bool) error {
	return u.request(ctx, api.HideChannel(cid, clearHistory), nil, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		if clearHistory {
			if err := s.TruncateChannel(cid, time.Now().UTC()); err != nil {
				return err
			}
		}
		return u.updateLocal(s, cid, func(ch *store.ChannelRecord) { ch.IsHidden = true })
	})
}

// ShowChannel reverses HideChannel.
func (u *ChannelUpdater) ShowChannel(ctx context.Context, cid model.ChannelID) error {
	return u.request(ctx, api.ShowChannel(cid), nil, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		return u.updateLocal(s, cid, func(ch *store.ChannelRecord) { ch.IsHidden = false })
	})
}

// MuteChannel mutes or unmutes a channel.
func (u *ChannelUpdater) MuteChannel(ctx context.Context, cid model.ChannelID, mute bool) error {
	return u.request(ctx, api.MuteChannel(cid, mute), nil, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		return u.updateLocal(s, cid, func(ch *store.ChannelRecord) { ch.IsMuted = mute })
	})
}

// TruncateChannel removes all messages of a channel.
func (u *ChannelUpdater) TruncateChannel(ctx context.Context, cid model.ChannelID) error {
	var resp schema.ChannelResponse
	return u.request(ctx, api.TruncateChannel(cid), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		at := time.Now().UTC()
		if resp.Channel.TruncatedAt != nil {
			at = *resp.Channel.TruncatedAt
		}
		return s.TruncateChannel(cid, at)
	})
}

// MarkRead marks a channel read for the current user.
func (u *ChannelUpdater) MarkRead(ctx context.Context, cid model.ChannelID) error {
	return u.request(ctx, api.MarkRead(cid), nil, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		return u.updateLocal(s, cid, func(ch *store.ChannelRecord) { ch.UnreadCount = 0 })
	})
}

// AddMembers adds users to a channel.
func (u *ChannelUpdater) AddMembers(ctx context.Context, cid model.ChannelID, userIDs []model.UserID) error {
	var resp schema.ChannelResponse
	return u.request(ctx, api.UpdateMembers(cid, schema.MembersBody{AddMembers: userIDs}), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil || resp.Channel.CID == "" {
			return nil
		}
		_, err := s.SaveChannel(resp.Channel)
		return err
	})
}

// RemoveMembers removes users from a channel.
func (u *ChannelUpdater) RemoveMembers(ctx context.Context, cid model.ChannelID, userIDs []model.UserID) error {
	var resp schema.ChannelResponse
	return u.request(ctx, api.UpdateMembers(cid, schema.MembersBody{RemoveMembers: userIDs}), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		for _, id := range userIDs {
			if err := s.RemoveMember(cid, id); err != nil {
				return err
			}
		}
		if resp.Channel.CID == "" {
			return nil
		}
		_, err := s.SaveChannel(resp.Channel)
		return err
	})
}

// updateLocal applies fn to the stored channel. A channel missing locally is
// left alone.
func (u *ChannelUpdater) updateLocal(s *store.Session, cid model.ChannelID, fn func(ch *store.ChannelRecord)) error {
	ch, err := s.Channel(cid)
	if err != nil {
		return err
	}
	if ch == nil {
		u.logger.Debug("channel changed on server but missing locally", "cid", cid)
		return nil
	}
	fn(ch)
	ch.UpdatedAt = time.Now().UTC()
	return s.UpdateChannel(ch)
}
