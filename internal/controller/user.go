package controller

import (
	"context"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/store"
	"github.com/chatkit/chatcache/internal/worker"
)

// CurrentUserController observes the logged-in user. The current user is
// only known locally, so Synchronize completes after the local fetch.
type CurrentUserController struct {
	*DataController
	client   *Client
	observer *observer.EntityObserver[*store.CurrentUserRecord, model.CurrentUser]
}

func newCurrentUserController(client *Client) *CurrentUserController {
	c := &CurrentUserController{
		DataController: newDataController("current-user", client.callbacks, client.logger),
		client:         client,
		observer: observer.NewEntityObserver(client.db.ViewContext(), store.CurrentUsers(), observer.CurrentUserItem,
			observer.Config[model.CurrentUser]{CallbackQueue: client.callbacks, Logger: client.logger}),
	}
	c.synchronize = c.sync
	return c
}

func (c *CurrentUserController) sync(ctx context.Context, completion func(error)) {
	if !c.startLocal(ctx, c.observer.StartObserving, completion) {
		return
	}
	c.callback(completion, nil)
}

// CurrentUser returns the logged-in user, if one is stored.
func (c *CurrentUserController) CurrentUser() (model.CurrentUser, bool) {
	return c.observer.Item()
}

// OnCurrentUserChange registers fn to receive changes to the current user.
func (c *CurrentUserController) OnCurrentUserChange(fn func(observer.EntityChange[model.CurrentUser])) (cancel func()) {
	return c.observer.OnChange(fn)
}

// OnUnreadCountChange registers fn to receive changes of the total unread
// count only.
func (c *CurrentUserController) OnUnreadCountChange(fn func(observer.EntityChange[int])) (cancel func()) {
	return observer.OnFieldChange(c.observer, func(u model.CurrentUser) int { return u.UnreadCount }, fn)
}

// UpdateUserData changes the current user's name or image.
func (c *CurrentUserController) UpdateUserData(ctx context.Context, update worker.UserDataUpdate, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.currentUser.UpdateUserData(ctx, update)
	}, completion)
}

// Close stops observing.
func (c *CurrentUserController) Close() {
	c.observer.Close()
}

// UserController observes one user and moderates them.
type UserController struct {
	*DataController
	client   *Client
	id       model.UserID
	observer *observer.EntityObserver[*store.UserRecord, model.User]
}

func newUserController(client *Client, id model.UserID) *UserController {
	c := &UserController{
		DataController: newDataController("user", client.callbacks, client.logger.With("user", id)),
		client:         client,
		id:             id,
		observer: observer.NewEntityObserver(client.db.ViewContext(), store.UserByID(id), observer.UserItem,
			observer.Config[model.User]{CallbackQueue: client.callbacks, Logger: client.logger}),
	}
	c.synchronize = c.sync
	return c
}

func (c *UserController) sync(ctx context.Context, completion func(error)) {
	if !c.startLocal(ctx, c.observer.StartObserving, completion) {
		return
	}
	c.fetchRemote(ctx, func(ctx context.Context) error {
		return c.client.users.LoadUser(ctx, c.id)
	}, completion)
}

// User returns the observed user, if it is stored.
func (c *UserController) User() (model.User, bool) {
	return c.observer.Item()
}

// OnUserChange registers fn to receive changes to the user.
func (c *UserController) OnUserChange(fn func(observer.EntityChange[model.User])) (cancel func()) {
	return c.observer.OnChange(fn)
}

// MuteUser mutes the user.
func (c *UserController) MuteUser(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.users.MuteUser(ctx, c.id)
	}, completion)
}

// UnmuteUser unmutes the user.
func (c *UserController) UnmuteUser(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.users.UnmuteUser(ctx, c.id)
	}, completion)
}

// FlagUser flags the user for moderation.
func (c *UserController) FlagUser(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.users.FlagUser(ctx, c.id, true)
	}, completion)
}

// UnflagUser removes the current user's flag.
func (c *UserController) UnflagUser(ctx context.Context, completion func(error)) {
	c.run(ctx, func(ctx context.Context) error {
		return c.client.users.FlagUser(ctx, c.id, false)
	}, completion)
}

// Close stops observing.
func (c *UserController) Close() {
	c.observer.Close()
}
