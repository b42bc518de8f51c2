package schema

import (
	"fmt"
	"time"
)

// UserPayload is a user as returned by the backend.
type UserPayload struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	ImageURL   string     `json:"image,omitempty"`
	Role       string     `json:"role,omitempty"`
	Online     bool       `json:"online"`
	Banned     bool       `json:"banned"`
	LastActive *time.Time `json:"last_active,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks if the UserPayload has valid field values.
func (u *UserPayload) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (u *UserPayload) SetDefaults() {
	if u.Role == "" {
		u.Role = "user"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
}

// MutedUserPayload is one entry of the current user's mute list.
type MutedUserPayload struct {
	Target    UserPayload `json:"target"`
	CreatedAt time.Time   `json:"created_at"`
}

// CurrentUserPayload is the logged-in user with its private state.
type CurrentUserPayload struct {
	UserPayload
	MutedUsers       []MutedUserPayload `json:"mutes,omitempty"`
	TotalUnreadCount int                `json:"total_unread_count"`
}

// Validate checks the embedded user and every mute entry.
func (u *CurrentUserPayload) Validate() error {
	if err := u.UserPayload.Validate(); err != nil {
		return err
	}
	for i := range u.MutedUsers {
		if err := u.MutedUsers[i].Target.Validate(); err != nil {
			return fmt.Errorf("mute %d: %w", i, err)
		}
	}
	if u.TotalUnreadCount < 0 {
		return fmt.Errorf("total_unread_count cannot be negative (got %d)", u.TotalUnreadCount)
	}
	return nil
}

// UserResponse wraps a single user.
type UserResponse struct {
	User UserPayload `json:"user"`
}

// UserListPayload is the response of a user query.
type UserListPayload struct {
	Users []UserPayload `json:"users"`
}

// MuteResponse is returned by mute and unmute calls.
type MuteResponse struct {
	Mute *MutedUserPayload   `json:"mute,omitempty"`
	Own  *CurrentUserPayload `json:"own_user,omitempty"`
}

// CurrentUserUpdateBody is the partial update of the current user.
type CurrentUserUpdateBody struct {
	ID  string            `json:"id"`
	Set map[string]string `json:"set"`
}

// FlagBody flags or unflags a user or message.
type FlagBody struct {
	TargetUserID    string `json:"target_user_id,omitempty"`
	TargetMessageID string `json:"target_message_id,omitempty"`
}

// FlagResponse is returned by flag calls.
type FlagResponse struct {
	Flag struct {
		TargetUser    *UserPayload    `json:"target_user,omitempty"`
		TargetMessage *MessagePayload `json:"target_message,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
	} `json:"flag"`
}

// MuteBody mutes or unmutes a user.
type MuteBody struct {
	TargetID string `json:"target_id"`
}
