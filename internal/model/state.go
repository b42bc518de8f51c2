package model

// LocalMessageState tracks a message mutation that has not been confirmed by
// the server. The zero value means the message is in sync.
type LocalMessageState string

const (
	LocalMessageStateNone           LocalMessageState = ""
	LocalMessageStatePendingSend    LocalMessageState = "pendingSend"
	LocalMessageStateSending        LocalMessageState = "sending"
	LocalMessageStateSendingFailed  LocalMessageState = "sendingFailed"
	LocalMessageStatePendingSync    LocalMessageState = "pendingSync"
	LocalMessageStateSyncing        LocalMessageState = "syncing"
	LocalMessageStateSyncingFailed  LocalMessageState = "syncingFailed"
	LocalMessageStateDeleting       LocalMessageState = "deleting"
	LocalMessageStateDeletingFailed LocalMessageState = "deletingFailed"
)

// IsValid reports whether s is one of the known states.
func (s LocalMessageState) IsValid() bool {
	switch s {
	case LocalMessageStateNone,
		LocalMessageStatePendingSend, LocalMessageStateSending, LocalMessageStateSendingFailed,
		LocalMessageStatePendingSync, LocalMessageStateSyncing, LocalMessageStateSyncingFailed,
		LocalMessageStateDeleting, LocalMessageStateDeletingFailed:
		return true
	}
	return false
}

// ExistsOnlyLocally reports whether the server has never seen the message.
func (s LocalMessageState) ExistsOnlyLocally() bool {
	return s == LocalMessageStatePendingSend || s == LocalMessageStateSendingFailed
}

// IsEditable reports whether text edits are allowed in this state.
func (s LocalMessageState) IsEditable() bool {
	switch s {
	case LocalMessageStateNone, LocalMessageStatePendingSync, LocalMessageStatePendingSend:
		return true
	}
	return false
}

// IsFailed reports whether the last network attempt for the message failed.
func (s LocalMessageState) IsFailed() bool {
	switch s {
	case LocalMessageStateSendingFailed, LocalMessageStateSyncingFailed, LocalMessageStateDeletingFailed:
		return true
	}
	return false
}

func (s LocalMessageState) String() string {
	if s == LocalMessageStateNone {
		return "none"
	}
	return string(s)
}

// LocalReactionState tracks an optimistic reaction change.
type LocalReactionState string

const (
	LocalReactionStateNone           LocalReactionState = ""
	LocalReactionStateSending        LocalReactionState = "sending"
	LocalReactionStateSendingFailed  LocalReactionState = "sendingFailed"
	LocalReactionStatePendingDelete  LocalReactionState = "pendingDelete"
	LocalReactionStateDeletingFailed LocalReactionState = "deletingFailed"
)

func (s LocalReactionState) String() string {
	if s == LocalReactionStateNone {
		return "none"
	}
	return string(s)
}
