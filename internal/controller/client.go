package controller

import (
	"log/slog"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/store"
	"github.com/chatkit/chatcache/internal/worker"
)

// Options configures NewClient.
type Options struct {
	DB  *store.Database
	API api.Client
	// CallbackQueue runs completions, state listeners and observer
	// listeners. Defaults to the view context's queue.
	CallbackQueue queue.Queue
	Typing        worker.TypingOptions
	Logger        *slog.Logger
}

// Client creates controllers that share one database, one API client and
// one set of workers.
type Client struct {
	db        *store.Database
	callbacks queue.Queue
	logger    *slog.Logger

	channels    *worker.ChannelUpdater
	messages    *worker.MessageUpdater
	users       *worker.UserUpdater
	currentUser *worker.CurrentUserUpdater
	typing      *worker.TypingEventsSender
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	logger := logging.OrDiscard(opts.Logger)
	callbacks := opts.CallbackQueue
	if callbacks == nil {
		callbacks = opts.DB.ViewContext().Queue()
	}
	if opts.Typing.Logger == nil {
		opts.Typing.Logger = logger
	}

	return &Client{
		db:          opts.DB,
		callbacks:   callbacks,
		logger:      logger,
		channels:    worker.NewChannelUpdater(opts.DB, opts.API, logger),
		messages:    worker.NewMessageUpdater(opts.DB, opts.API, logger),
		users:       worker.NewUserUpdater(opts.DB, opts.API, logger),
		currentUser: worker.NewCurrentUserUpdater(opts.DB, opts.API, logger),
		typing:      worker.NewTypingEventsSender(worker.NewEventSender(opts.DB, opts.API, logger), opts.Typing),
	}
}

// Close cancels pending typing stops.
func (c *Client) Close() {
	c.typing.Close()
}

// ChannelListController returns a controller for the channels matching
// filter, in query order unless sorting comparators are given.
func (c *Client) ChannelListController(filter store.ChannelListFilter, sorting ...func(a, b model.Channel) int) *ChannelListController {
	return newChannelListController(c, filter, sorting)
}

// ChannelController returns a controller for one channel and its messages.
func (c *Client) ChannelController(cid model.ChannelID) *ChannelController {
	return newChannelController(c, cid)
}

// MessageController returns a controller for one message and its replies.
func (c *Client) MessageController(cid model.ChannelID, id model.MessageID) *MessageController {
	return newMessageController(c, cid, id)
}

// CurrentUserController returns a controller for the logged-in user.
func (c *Client) CurrentUserController() *CurrentUserController {
	return newCurrentUserController(c)
}

// UserController returns a controller for one user.
func (c *Client) UserController(id model.UserID) *UserController {
	return newUserController(c, id)
}
