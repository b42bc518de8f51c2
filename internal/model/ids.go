// Package model defines the immutable values the cache hands to consumers:
// channels, messages, reactions and users, their identifiers, the local
// mutation states and the client errors shared by every layer.
package model

import (
	"fmt"
	"strings"
)

type (
	// MessageID identifies a message. Locally created messages get a UUID.
	MessageID = string
	// UserID identifies a user.
	UserID = string
)

// ChannelID identifies a channel by type and id. Its string form is
// "type:id", e.g. "messaging:general".
type ChannelID struct {
	Type string
	ID   string
}

// NewChannelID builds a ChannelID.
func NewChannelID(typ, id string) ChannelID {
	return ChannelID{Type: typ, ID: id}
}

// ParseChannelID parses the "type:id" form.
func ParseChannelID(s string) (ChannelID, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return ChannelID{}, fmt.Errorf("invalid channel id %q: expected type:id", s)
	}
	if typ == "" || id == "" {
		return ChannelID{}, fmt.Errorf("invalid channel id %q: type and id cannot be empty", s)
	}
	if strings.Contains(id, ":") {
		return ChannelID{}, fmt.Errorf("invalid channel id %q: id cannot contain ':'", s)
	}
	return ChannelID{Type: typ, ID: id}, nil
}

// MustParseChannelID is ParseChannelID for literals; it panics on bad input.
func MustParseChannelID(s string) ChannelID {
	cid, err := ParseChannelID(s)
	if err != nil {
		panic(err)
	}
	return cid
}

func (c ChannelID) String() string {
	return c.Type + ":" + c.ID
}

// IsZero reports whether c is the zero ChannelID.
func (c ChannelID) IsZero() bool {
	return c.Type == "" && c.ID == ""
}
