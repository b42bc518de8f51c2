package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
)

// Endpoint describes one request. Body is encoded as JSON when non-nil.
type Endpoint struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

func (e Endpoint) String() string {
	return e.Method + " " + e.Path
}

func channelPath(cid model.ChannelID) string {
	return "channels/" + cid.Type + "/" + cid.ID
}

func messagePath(id model.MessageID) string {
	return "messages/" + id
}

// Channels

// QueryChannels lists channels. Response: schema.ChannelListPayload.
func QueryChannels(body schema.ChannelListQueryBody) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: "channels", Body: body}
}

// QueryChannel fetches a channel's state and a page of its messages.
// Response: schema.ChannelPayload.
func QueryChannel(cid model.ChannelID, body schema.ChannelQueryBody) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid) + "/query", Body: body}
}

// UpdateChannel changes channel data. Response: schema.ChannelResponse.
func UpdateChannel(cid model.ChannelID, body schema.ChannelUpdateBody) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid), Body: body}
}

// DeleteChannel deletes a channel. Response: schema.ChannelResponse.
func DeleteChannel(cid model.ChannelID) Endpoint {
	return Endpoint{Method: http.MethodDelete, Path: channelPath(cid)}
}

// HideChannel hides a channel for the current user.
func HideChannel(cid model.ChannelID, clearHistory bool) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid) + "/hide", Body: schema.HideBody{ClearHistory: clearHistory}}
}

// ShowChannel reverses HideChannel.
func ShowChannel(cid model.ChannelID) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid) + "/show", Body: schema.EmptyResponse{}}
}

// MuteChannel mutes or unmutes a channel for the current user.
func MuteChannel(cid model.ChannelID, mute bool) Endpoint {
	path := "moderation/mute/channel"
	if !mute {
		path = "moderation/unmute/channel"
	}
	return Endpoint{Method: http.MethodPost, Path: path, Body: schema.ChannelMuteBody{ChannelCID: cid.String()}}
}

// TruncateChannel removes all messages of a channel.
// Response: schema.ChannelResponse.
func TruncateChannel(cid model.ChannelID) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid) + "/truncate", Body: schema.EmptyResponse{}}
}

// MarkRead marks a channel read for the current user.
func MarkRead(cid model.ChannelID) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid) + "/read", Body: schema.EmptyResponse{}}
}

// UpdateMembers adds and removes channel members.
// Response: schema.ChannelResponse.
func UpdateMembers(cid model.ChannelID, body schema.MembersBody) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid), Body: body}
}

// SendEvent sends a channel event such as typing.start.
func SendEvent(cid model.ChannelID, eventType string) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid) + "/event", Body: schema.EventRequestBody{Event: schema.EventBody{Type: eventType}}}
}

// Messages

// SendMessage sends a new message. Response: schema.MessageResponse.
func SendMessage(cid model.ChannelID, body schema.MessageRequestBody) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: channelPath(cid) + "/message", Body: map[string]schema.MessageRequestBody{"message": body}}
}

// GetMessage fetches one message. Response: schema.MessageResponse.
func GetMessage(id model.MessageID) Endpoint {
	return Endpoint{Method: http.MethodGet, Path: messagePath(id)}
}

// EditMessage replaces a message's text. Response: schema.MessageResponse.
func EditMessage(body schema.MessageRequestBody) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: messagePath(body.ID), Body: map[string]schema.MessageRequestBody{"message": body}}
}

// DeleteMessage deletes a message. Response: schema.MessageResponse.
func DeleteMessage(id model.MessageID) Endpoint {
	return Endpoint{Method: http.MethodDelete, Path: messagePath(id)}
}

// PinMessage pins or unpins a message. Response: schema.MessageResponse.
func PinMessage(id model.MessageID, body schema.PinBody) Endpoint {
	return Endpoint{Method: http.MethodPut, Path: messagePath(id), Body: map[string]schema.PinBody{"set": body}}
}

// LoadReplies pages a thread. Response: schema.MessageRepliesPayload.
func LoadReplies(id model.MessageID, page schema.MessagePagination) Endpoint {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.IDLessThan != "" {
		q.Set("id_lt", page.IDLessThan)
	}
	if page.IDGreaterThan != "" {
		q.Set("id_gt", page.IDGreaterThan)
	}
	return Endpoint{Method: http.MethodGet, Path: messagePath(id) + "/replies", Query: q}
}

// AddReaction adds or replaces the current user's reaction.
// Response: schema.ReactionResponse.
func AddReaction(id model.MessageID, body schema.ReactionRequestBody) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: messagePath(id) + "/reaction", Body: map[string]schema.ReactionRequestBody{"reaction": body}}
}

// DeleteReaction removes the current user's reaction of one type.
// Response: schema.ReactionResponse.
func DeleteReaction(id model.MessageID, typ string) Endpoint {
	return Endpoint{Method: http.MethodDelete, Path: messagePath(id) + "/reaction/" + typ}
}

// Moderation

// FlagMessage flags or unflags a message. Response: schema.FlagResponse.
func FlagMessage(id model.MessageID, flag bool) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: flagPath(flag), Body: schema.FlagBody{TargetMessageID: id}}
}

// FlagUser flags or unflags a user. Response: schema.FlagResponse.
func FlagUser(id model.UserID, flag bool) Endpoint {
	return Endpoint{Method: http.MethodPost, Path: flagPath(flag), Body: schema.FlagBody{TargetUserID: id}}
}

func flagPath(flag bool) string {
	if flag {
		return "moderation/flag"
	}
	return "moderation/unflag"
}

// MuteUser mutes or unmutes a user. Response: schema.MuteResponse.
func MuteUser(id model.UserID, mute bool) Endpoint {
	path := "moderation/mute"
	if !mute {
		path = "moderation/unmute"
	}
	return Endpoint{Method: http.MethodPost, Path: path, Body: schema.MuteBody{TargetID: id}}
}

// Users

// GetUser fetches one user. Response: schema.UserListPayload.
func GetUser(id model.UserID) Endpoint {
	filter := map[string]any{"filter_conditions": map[string]any{"id": map[string]string{"$eq": id}}}
	payload, _ := json.Marshal(filter)
	q := url.Values{}
	q.Set("payload", string(payload))
	return Endpoint{Method: http.MethodGet, Path: "users", Query: q}
}

// UpdateCurrentUser partially updates the current user.
// Response: schema.UserListPayload.
func UpdateCurrentUser(body schema.CurrentUserUpdateBody) Endpoint {
	return Endpoint{Method: http.MethodPatch, Path: "users", Body: map[string][]schema.CurrentUserUpdateBody{"users": {body}}}
}
