package model

import (
	"errors"
	"fmt"
)

// Client errors returned by the store session, the workers and the
// controllers.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, model.ErrCurrentUserDoesNotExist) {
//	    // prompt the user to log in
//	}
var (
	// ErrCurrentUserDoesNotExist is returned when an operation needs a
	// logged-in user but none is stored.
	ErrCurrentUserDoesNotExist = errors.New("current user does not exist")

	// ErrChannelDoesNotExist is returned when a required channel is missing
	// from the local store.
	ErrChannelDoesNotExist = errors.New("channel does not exist")

	// ErrMessageDoesNotExist is returned when a required message is missing
	// from the local store.
	ErrMessageDoesNotExist = errors.New("message does not exist")

	// ErrReactionDoesNotExist is returned when a reaction to remove or
	// update is missing.
	ErrReactionDoesNotExist = errors.New("reaction does not exist")

	// ErrUserDoesNotExist is returned when a required user is missing.
	ErrUserDoesNotExist = errors.New("user does not exist")

	// ErrMessageCannotBeUpdatedByCurrentUser matches
	// *MessageCannotBeUpdatedByCurrentUserError.
	ErrMessageCannotBeUpdatedByCurrentUser = errors.New("message cannot be updated by current user")

	// ErrMessageEditing matches *MessageEditingError.
	ErrMessageEditing = errors.New("message cannot be edited")
)

// MessageCannotBeUpdatedByCurrentUserError is returned when the current user
// tries to change a message authored by someone else.
type MessageCannotBeUpdatedByCurrentUserError struct {
	MessageID MessageID
}

func (e *MessageCannotBeUpdatedByCurrentUserError) Error() string {
	return fmt.Sprintf("message %s cannot be updated by current user", e.MessageID)
}

func (e *MessageCannotBeUpdatedByCurrentUserError) Is(target error) bool {
	return target == ErrMessageCannotBeUpdatedByCurrentUser
}

// MessageEditingError is returned when a message's local state does not allow
// the requested change. The record is left untouched.
type MessageEditingError struct {
	MessageID MessageID
	State     LocalMessageState
	Reason    string
}

func (e *MessageEditingError) Error() string {
	msg := fmt.Sprintf("message %s cannot be edited in local state %s", e.MessageID, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *MessageEditingError) Is(target error) bool {
	return target == ErrMessageEditing
}

// IsPrecondition reports whether err is a precondition failure, meaning the
// operation was rejected before any side effect was attempted.
func IsPrecondition(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCurrentUserDoesNotExist) ||
		errors.Is(err, ErrChannelDoesNotExist) ||
		errors.Is(err, ErrMessageDoesNotExist) ||
		errors.Is(err, ErrReactionDoesNotExist) ||
		errors.Is(err, ErrUserDoesNotExist) ||
		errors.Is(err, ErrMessageCannotBeUpdatedByCurrentUser) ||
		errors.Is(err, ErrMessageEditing)
}
