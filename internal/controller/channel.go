package controller

import (
	"context"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// ChannelController observes one channel and its messages, newest first,
// and changes them.
type ChannelController struct {
	*DataController
	client   *Client
	cid      model.ChannelID
	channel  *observer.EntityObserver[*store.ChannelRecord, model.Channel]
	messages *observer.ListObserver[*store.MessageRecord, model.Message]
}

func newChannelController(client *Client, cid model.ChannelID) *ChannelController {
	view := client.db.ViewContext()
	c := &ChannelController{
		DataController: newDataController("channel", client.callbacks, client.logger.With("cid", cid)),
		client:         client,
		cid:            cid,
		channel: observer.NewEntityObserver(view, store.ChannelByCID(cid), observer.ChannelItem,
			observer.Config[model.Channel]{CallbackQueue: client.callbacks, Logger: client.logger}),
		messages: observer.NewListObserver(view, store.MessagesInChannel(cid), observer.MessageItem,
			observer.Config[model.Message]{CallbackQueue: client.callbacks, Logger: client.logger}),
	}
	c.synchronize = c.sync
	return c
}

// CID returns the channel's id.
func (c *ChannelController) CID() model.ChannelID { return c.cid }

func (c *ChannelController) startObserving(ctx context.Context) error {
	if err := c.channel.StartObserving(ctx); err != nil {
		return err
	}
	return c.messages.StartObserving(ctx)
}

func (c *ChannelController) sync(ctx context.Context, completion func(error)) {
	if !c.startLocal(ctx, c.startObserving, completion) {
		return
	}
	c.fetchRemote(ctx, func(ctx context.Context) error {
		_, err := c.client.channels.QueryChannel(ctx, c.cid, &schema.MessagePagination{Limit: DefaultMessagesPageSize})
		return err
	}, completion)
}

// Channel returns the observed channel, if it is stored.
func (c *ChannelController) Channel() (model.Channel, bool) {
	return c.channel.Item()
}

// Messages returns the channel's messages, newest first.
func (c *ChannelController) Messages() []model.Message {
	return c.messages.Items()
}

// OnChannelChange registers fn to receive changes to the channel.
func (c *ChannelController) OnChannelChange(fn func(observer.EntityChange[model.Channel])) (cancel func()) {
	return c.channel.OnChange(fn)
}

// OnMessagesChange registers fn to receive each batch of message changes.
func (c *ChannelController) OnMessagesChange(fn func([]observer.ListChange[model.Message])) (cancel func()) {
	return c.messages.OnChange(fn)
}

// LoadPreviousMessages fetches up to limit messages older than the oldest
// one observed. A limit of zero or less means DefaultMessagesPageSize.
func (c *ChannelController) LoadPreviousMessages(ctx context.Context, limit int, completion func(error)) {
	if limit <= 0 {
		limit = DefaultMessagesPageSize
	}
	page := &schema.MessagePagination{Limit: limit}
	if msgs := c.messages.Items(); len(msgs) > 0 {
		page.IDLessThan = msgs[len(msgs)-1].ID
	}
	c.run(ctx, func(ctx context.Context) error {
		_, err := c.client.channels.QueryChannel(ctx, c.cid, page)
		return err
	}, completion)
}

// CreateNewMessage stores a new message for sending and calls completion
// with its id.
func (c *ChannelController) CreateNewMessage(ctx context.Context, m store.NewMessage, completion func(model.MessageID, error)) {
	go func() {
		id, err := c.client.messages.CreateNewMessage(ctx, c.cid, m)
		if err == nil {
			if stopErr := c.client.typing.StopTyping(ctx, c.cid); stopErr != nil {
				c.logger.Warn("Warning: failed to send typing stop", "error", stopErr)
			}
		}
		if completion != nil {
			c.callbacks.Async(func() { completion(id, err) })
		}
	}()
}

// UpdateChannel changes the channel's name, image or frozen flag.
func (c *ChannelController) UpdateChannel(ctx context.Context, body schema.ChannelUpdateBody, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.UpdateChannel(ctx, c.cid, body)
	}, completion)
}

// DeleteChannel deletes the channel.
func (c *ChannelController) DeleteChannel(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.DeleteChannel(ctx, c.cid)
	}, completion)
}

// HideChannel hides the channel, optionally clearing its history.
func (c *ChannelController) HideChannel(ctx context.Context, clearHistory bool, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.HideChannel(ctx, c.cid, clearHistory)
	}, completion)
}

// ShowChannel shows a hidden channel.
func (c *ChannelController) ShowChannel(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.ShowChannel(ctx, c.cid)
	}, completion)
}

// MuteChannel mutes the channel.
func (c *ChannelController) MuteChannel(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.MuteChannel(ctx, c.cid, true)
	}, completion)
}

// UnmuteChannel unmutes the channel.
func (c *ChannelController) UnmuteChannel(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.MuteChannel(ctx, c.cid, false)
	}, completion)
}

// TruncateChannel removes the channel's messages.
func (c *ChannelController) TruncateChannel(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.TruncateChannel(ctx, c.cid)
	}, completion)
}

// MarkRead marks the channel read.
func (c *ChannelController) MarkRead(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.MarkRead(ctx, c.cid)
	}, completion)
}

// AddMembers adds users to the channel.
func (c *ChannelController) AddMembers(ctx context.Context, userIDs []model.UserID, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.AddMembers(ctx, c.cid, userIDs)
	}, completion)
}

// RemoveMembers removes users from the channel.
func (c *ChannelController) RemoveMembers(ctx context.Context, userIDs []model.UserID, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.channels.RemoveMembers(ctx, c.cid, userIDs)
	}, completion)
}

// Keystroke reports that the user typed in the channel's composer.
func (c *ChannelController) Keystroke(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.typing.Keystroke(ctx, c.cid)
	}, completion)
}

// StartTyping sends typing.start without scheduling a stop.
func (c *ChannelController) StartTyping(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.typing.StartTyping(ctx, c.cid)
	}, completion)
}

// StopTyping sends typing.stop if typing.start was sent.
func (c *ChannelController) StopTyping(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.typing.StopTyping(ctx, c.cid)
	}, completion)
}

// Close stops observing.
func (c *ChannelController) Close() {
	c.channel.Close()
	c.messages.Close()
}
