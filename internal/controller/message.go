package controller

import (
	"context"
	"time"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// DefaultRepliesPageSize is the page size of LoadPreviousReplies.
const DefaultRepliesPageSize = 25

// MessageController observes one message, its reactions and its thread
// replies, newest first, and changes them.
type MessageController struct {
	*DataController
	client    *Client
	cid       model.ChannelID
	id        model.MessageID
	message   *observer.EntityObserver[*store.MessageRecord, model.Message]
	replies   *observer.ListObserver[*store.MessageRecord, model.Message]
	reactions *observer.ListObserver[*store.ReactionRecord, model.Reaction]
}

func newMessageController(client *Client, cid model.ChannelID, id model.MessageID) *MessageController {
	view := client.db.ViewContext()
	c := &MessageController{
		DataController: newDataController("message", client.callbacks, client.logger.With("id", id)),
		client:         client,
		cid:            cid,
		id:             id,
		message: observer.NewEntityObserver(view, store.MessageByID(id), observer.MessageItem,
			observer.Config[model.Message]{CallbackQueue: client.callbacks, Logger: client.logger}),
		replies: observer.NewListObserver(view, store.Replies(id), observer.MessageItem,
			observer.Config[model.Message]{CallbackQueue: client.callbacks, Logger: client.logger}),
		reactions: observer.NewListObserver(view, store.ReactionsForMessage(id), observer.ReactionItem,
			observer.Config[model.Reaction]{CallbackQueue: client.callbacks, Logger: client.logger}),
	}
	c.synchronize = c.sync
	return c
}

func (c *MessageController) startObserving(ctx context.Context) error {
	if err := c.message.StartObserving(ctx); err != nil {
		return err
	}
	if err := c.reactions.StartObserving(ctx); err != nil {
		return err
	}
	return c.replies.StartObserving(ctx)
}

func (c *MessageController) sync(ctx context.Context, completion func(error)) {
	if !c.startLocal(ctx, c.startObserving, completion) {
		return
	}
	c.fetchRemote(ctx, func(ctx context.Context) error {
		return c.client.messages.GetMessage(ctx, c.cid, c.id)
	}, completion)
}

// Message returns the observed message, if it is stored.
func (c *MessageController) Message() (model.Message, bool) {
	return c.message.Item()
}

// Replies returns the thread's replies, newest first.
func (c *MessageController) Replies() []model.Message {
	return c.replies.Items()
}

// Reactions returns the message's reactions, newest first.
func (c *MessageController) Reactions() []model.Reaction {
	return c.reactions.Items()
}

// OnReactionsChange registers fn to receive each batch of reaction changes.
func (c *MessageController) OnReactionsChange(fn func([]observer.ListChange[model.Reaction])) (cancel func()) {
	return c.reactions.OnChange(fn)
}

// OnMessageChange registers fn to receive changes to the message.
func (c *MessageController) OnMessageChange(fn func(observer.EntityChange[model.Message])) (cancel func()) {
	return c.message.OnChange(fn)
}

// OnRepliesChange registers fn to receive each batch of reply changes.
func (c *MessageController) OnRepliesChange(fn func([]observer.ListChange[model.Message])) (cancel func()) {
	return c.replies.OnChange(fn)
}

// EditMessage replaces the message's text.
func (c *MessageController) EditMessage(ctx context.Context, text string, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.EditMessage(ctx, c.id, text)
	}, completion)
}

// DeleteMessage deletes the message.
func (c *MessageController) DeleteMessage(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.DeleteMessage(ctx, c.id)
	}, completion)
}

// ResendMessage retries a message that failed to send.
func (c *MessageController) ResendMessage(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.ResendMessage(ctx, c.id)
	}, completion)
}

// CreateNewReply stores a reply for sending and calls completion with its
// id.
func (c *MessageController) CreateNewReply(ctx context.Context, m store.NewMessage, completion func(model.MessageID, error)) {
	go func() {
		id, err := c.client.messages.CreateNewReply(ctx, c.cid, c.id, m)
		if completion != nil {
			c.callbacks.Async(func() { completion(id, err) })
		}
	}()
}

// LoadPreviousReplies fetches up to limit replies older than the oldest one
// observed. A limit of zero or less means DefaultRepliesPageSize.
func (c *MessageController) LoadPreviousReplies(ctx context.Context, limit int, completion func(error)) {
	if limit <= 0 {
		limit = DefaultRepliesPageSize
	}
	page := schema.MessagePagination{Limit: limit}
	if replies := c.replies.Items(); len(replies) > 0 {
		page.IDLessThan = replies[len(replies)-1].ID
	}
	c.run(ctx, func(ctx context.Context) error {
		_, err := c.client.messages.LoadReplies(ctx, c.cid, c.id, page)
		return err
	}, completion)
}

// AddReaction adds the current user's reaction of type typ.
func (c *MessageController) AddReaction(ctx context.Context, typ string, score int, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.AddReaction(ctx, c.id, typ, score)
	}, completion)
}

// DeleteReaction removes the current user's reaction of type typ.
func (c *MessageController) DeleteReaction(ctx context.Context, typ string, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.DeleteReaction(ctx, c.id, typ)
	}, completion)
}

// PinMessage pins the message until expires, or forever when it is nil.
func (c *MessageController) PinMessage(ctx context.Context, expires *time.Time, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.PinMessage(ctx, c.id, expires)
	}, completion)
}

// UnpinMessage unpins the message.
func (c *MessageController) UnpinMessage(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.UnpinMessage(ctx, c.id)
	}, completion)
}

// FlagMessage flags the message for moderation.
func (c *MessageController) FlagMessage(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.FlagMessage(ctx, c.cid, c.id, true)
	}, completion)
}

// UnflagMessage removes the current user's flag.
func (c *MessageController) UnflagMessage(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.messages.FlagMessage(ctx, c.cid, c.id, false)
	}, completion)
}

// Close stops observing.
func (c *MessageController) Close() {
	c.message.Close()
	c.reactions.Close()
	c.replies.Close()
}
