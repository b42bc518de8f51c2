package observer

import (
	"strings"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/store"
)

// Item creators for the store's record types.

func UserItem(r *store.UserRecord) (model.User, error) { return r.AsModel() }
func CurrentUserItem(r *store.CurrentUserRecord) (model.CurrentUser, error) { return r.AsModel() }
func ChannelItem(r *store.ChannelRecord) (model.Channel, error) { return r.AsModel() }
func MessageItem(r *store.MessageRecord) (model.Message, error) { return r.AsModel() }
func ReactionItem(r *store.ReactionRecord) (model.Reaction, error) { return r.AsModel() }

// NewestFirst orders messages by creation time, newest first.
func NewestFirst(a, b model.Message) int {
	return b.CreatedAt.Compare(a.CreatedAt)
}

// ByChannelName orders channels by name, case-insensitively.
func ByChannelName(a, b model.Channel) int {
	return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
}

// UnreadFirst puts channels with unread messages first.
func UnreadFirst(a, b model.Channel) int {
	switch {
	case a.UnreadCount > 0 && b.UnreadCount == 0:
		return -1
	case a.UnreadCount == 0 && b.UnreadCount > 0:
		return 1
	default:
		return 0
	}
}
