// Package worker contains the mutation workers: operation-specific facades
// that write optimistically to the store, call the API and reconcile the
// local records with the outcome.
//
// Every operation follows the same shape:
//  1. Check preconditions inside a write transaction and record the optimistic
//     local state. Precondition failures return before any network call.
//  2. Call the API.
//  3. Persist the final state in a second write. A failure of that write is
//     joined with the network error, if any.
//
// Operations are synchronous and take a context; callers that need a
// completion callback (the controllers) run them on a queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/store"
)

// Worker holds the collaborators shared by every worker.
type Worker struct {
	db     *store.Database
	api    api.Client
	logger *slog.Logger
}

func newWorker(db *store.Database, client api.Client, logger *slog.Logger, name string) Worker {
	return Worker{
		db:     db,
		api:    client,
		logger: logging.OrDiscard(logger).With("worker", name),
	}
}

// request performs e and then persists its outcome with save. save receives
// the network error, which is nil on success. The network error and a failure
// of the save are both returned.
func (w Worker) request(ctx context.Context, e api.Endpoint, response any, save func(s *store.Session, netErr error) error) error {
	netErr := w.api.Request(ctx, e, response)
	if netErr != nil {
		w.logger.Warn("request failed", "endpoint", e.String(), "error", netErr)
	}
	if save == nil {
		return netErr
	}
	// The outcome is persisted even when ctx was cancelled during the call.
	writeErr := w.db.Write(context.WithoutCancel(ctx), func(s *store.Session) error {
		return save(s, netErr)
	})
	if writeErr != nil {
		w.logger.Error("failed to persist request outcome", "endpoint", e.String(), "error", writeErr)
	}
	return errors.Join(netErr, writeErr)
}

// requireChannel returns the stored channel or a wrapped
// model.ErrChannelDoesNotExist.
func requireChannel(s *store.Session, cid model.ChannelID) (*store.ChannelRecord, error) {
	ch, err := s.Channel(cid)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel %s: %w", cid, model.ErrChannelDoesNotExist)
	}
	return ch, nil
}

// requireMessage returns the stored message or a wrapped
// model.ErrMessageDoesNotExist.
func requireMessage(s *store.Session, id model.MessageID) (*store.MessageRecord, error) {
	msg, err := s.Message(id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrMessageDoesNotExist)
	}
	return msg, nil
}

// requireCurrentUser returns the logged-in user or
// model.ErrCurrentUserDoesNotExist.
func requireCurrentUser(s *store.Session) (*store.CurrentUserRecord, error) {
	cu, err := s.CurrentUser()
	if err != nil {
		return nil, err
	}
	if cu == nil {
		return nil, model.ErrCurrentUserDoesNotExist
	}
	return cu, nil
}

// messageEditableByCurrentUser returns the message if it exists and the
// current user authored it.
func messageEditableByCurrentUser(s *store.Session, id model.MessageID) (*store.MessageRecord, error) {
	cu, err := requireCurrentUser(s)
	if err != nil {
		return nil, err
	}
	msg, err := requireMessage(s, id)
	if err != nil {
		return nil, err
	}
	if msg.Author.ID != cu.User.ID {
		return nil, &model.MessageCannotBeUpdatedByCurrentUserError{MessageID: id}
	}
	return msg, nil
}
