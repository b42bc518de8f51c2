package controller

import (
	"context"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/store"
	"github.com/chatkit/chatcache/internal/worker"
)

// DefaultChannelsPageSize is the page size of Synchronize and the default
// of LoadNextChannels.
const DefaultChannelsPageSize = 25

// DefaultMessagesPageSize is the number of messages fetched with each
// channel.
const DefaultMessagesPageSize = 25

// ChannelListController observes a filtered list of channels.
type ChannelListController struct {
	*DataController
	client   *Client
	filter   store.ChannelListFilter
	observer *observer.ListObserver[*store.ChannelRecord, model.Channel]
}

func newChannelListController(client *Client, filter store.ChannelListFilter, sorting []func(a, b model.Channel) int) *ChannelListController {
	c := &ChannelListController{
		DataController: newDataController("channel-list", client.callbacks, client.logger),
		client:         client,
		filter:         filter,
		observer: observer.NewListObserver(client.db.ViewContext(), store.ChannelList(filter), observer.ChannelItem,
			observer.Config[model.Channel]{CallbackQueue: client.callbacks, Sorting: sorting, Logger: client.logger}),
	}
	c.synchronize = c.sync
	return c
}

func (c *ChannelListController) sync(ctx context.Context, completion func(error)) {
	if !c.startLocal(ctx, c.observer.StartObserving, completion) {
		return
	}
	c.fetchRemote(ctx, func(ctx context.Context) error {
		return c.queryChannels(ctx, DefaultChannelsPageSize, 0)
	}, completion)
}

func (c *ChannelListController) queryChannels(ctx context.Context, limit, offset int) error {
	_, err := c.client.channels.QueryChannels(ctx, worker.ChannelListPage{
		Filter:       c.filter,
		Limit:        limit,
		Offset:       offset,
		MessageLimit: DefaultMessagesPageSize,
	})
	return err
}

// Channels returns the observed channels. It is empty until Synchronize has
// loaded the local data.
func (c *ChannelListController) Channels() []model.Channel {
	if !c.observer.IsObserving() {
		c.logger.Warn("Warning: channels read before Synchronize")
		return nil
	}
	return c.observer.Items()
}

// OnChannelsChange registers fn to receive each batch of channel list
// changes. The returned function unregisters it.
func (c *ChannelListController) OnChannelsChange(fn func([]observer.ListChange[model.Channel])) (cancel func()) {
	return c.observer.OnChange(fn)
}

// LoadNextChannels fetches the page of limit channels after the ones
// already loaded. A limit of zero or less means DefaultChannelsPageSize.
func (c *ChannelListController) LoadNextChannels(ctx context.Context, limit int, completion func(error)) {
	if limit <= 0 {
		limit = DefaultChannelsPageSize
	}
	offset := len(c.observer.Items())
	c.run(ctx, func(ctx context.Context) error {
		return c.queryChannels(ctx, limit, offset)
	}, completion)
}

// Close stops observing.
func (c *ChannelListController) Close() {
	c.observer.Close()
}
