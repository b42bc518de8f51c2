package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// UserUpdater loads users and manages the current user's mutes and flags.
type UserUpdater struct {
	Worker
}

// NewUserUpdater creates a UserUpdater.
func NewUserUpdater(db *store.Database, client api.Client, logger *slog.Logger) *UserUpdater {
	return &UserUpdater{Worker: newWorker(db, client, logger, "user-updater")}
}

// LoadUser fetches a user and saves it.
func (u *UserUpdater) LoadUser(ctx context.Context, id model.UserID) error {
	var resp schema.UserListPayload
	if err := u.api.Request(ctx, api.GetUser(id), &resp); err != nil {
		return err
	}
	if len(resp.Users) == 0 {
		return fmt.Errorf("load user %s: %w", id, model.ErrUserDoesNotExist)
	}
	return u.db.Write(ctx, func(s *store.Session) error {
		_, err := s.SaveUser(resp.Users[0])
		return err
	})
}

// MuteUser mutes a user for the current user.
func (u *UserUpdater) MuteUser(ctx context.Context, id model.UserID) error {
	return u.setMuted(ctx, id, true)
}

// UnmuteUser reverses MuteUser.
func (u *UserUpdater) UnmuteUser(ctx context.Context, id model.UserID) error {
	return u.setMuted(ctx, id, false)
}

func (u *UserUpdater) setMuted(ctx context.Context, id model.UserID, mute bool) error {
	var resp schema.MuteResponse
	return u.request(ctx, api.MuteUser(id, mute), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		if resp.Own != nil {
			_, err := s.SaveCurrentUser(*resp.Own)
			return err
		}
		if !mute {
			return s.UnmuteUser(id)
		}
		if resp.Mute != nil {
			if _, err := s.SaveUser(resp.Mute.Target); err != nil {
				return err
			}
		}
		return s.MuteUser(id)
	})
}

// FlagUser flags or unflags a user for moderation. Flags are not stored
// locally.
func (u *UserUpdater) FlagUser(ctx context.Context, id model.UserID, flag bool) error {
	var resp schema.FlagResponse
	return u.request(ctx, api.FlagUser(id, flag), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil || resp.Flag.TargetUser == nil {
			return nil
		}
		_, err := s.SaveUser(*resp.Flag.TargetUser)
		return err
	})
}

// CurrentUserUpdater changes the logged-in user's own data.
type CurrentUserUpdater struct {
	Worker
}

// NewCurrentUserUpdater creates a CurrentUserUpdater.
func NewCurrentUserUpdater(db *store.Database, client api.Client, logger *slog.Logger) *CurrentUserUpdater {
	return &CurrentUserUpdater{Worker: newWorker(db, client, logger, "current-user-updater")}
}

// UserDataUpdate holds the fields UpdateUserData changes. Nil fields are
// left as they are.
type UserDataUpdate struct {
	Name     *string
	ImageURL *string
}

// UpdateUserData updates the current user's name and image.
func (u *CurrentUserUpdater) UpdateUserData(ctx context.Context, update UserDataUpdate) error {
	cu, err := store.FetchOne(ctx, u.db.BackgroundContext(), store.CurrentUsers())
	if err != nil {
		return err
	}
	if cu == nil {
		return model.ErrCurrentUserDoesNotExist
	}

	body := schema.CurrentUserUpdateBody{ID: cu.User.ID, Set: map[string]string{}}
	if update.Name != nil {
		body.Set["name"] = *update.Name
	}
	if update.ImageURL != nil {
		body.Set["image"] = *update.ImageURL
	}
	if len(body.Set) == 0 {
		return nil
	}

	var resp schema.UserListPayload
	return u.request(ctx, api.UpdateCurrentUser(body), &resp, func(s *store.Session, netErr error) error {
		if netErr != nil {
			return nil
		}
		for _, user := range resp.Users {
			if user.ID != cu.User.ID {
				continue
			}
			if _, err := s.SaveUser(user); err != nil {
				return err
			}
		}
		return nil
	})
}
