// Package sync keeps the record store in step with the spool directory of
// channel and message files.
package sync

import (
	"context"

	"github.com/chatkit/chatcache/internal/model"
)

// Syncer ingests spool files into the record store.
//
// The single-file calls serve the daemon's incremental updates and FullSync
// reads whole directories. Individual file failures never stop a full sync:
// they are logged, counted in the Result and skipped.
type Syncer interface {
	// SyncChannel reads a channel file and saves the channel, its members and
	// its embedded messages.
	//
	// Example:
	//   err := syncer.SyncChannel(ctx, "/spool/channels/messaging--general.json")
	SyncChannel(ctx context.Context, path string) error

	// SyncMessage reads a message file and saves it into its channel. The
	// channel must already be in the store. Local mutation state of an
	// existing message is kept.
	SyncMessage(ctx context.Context, path string) error

	// DeleteChannel removes a channel and everything it owns. Deleting a
	// missing channel is not an error.
	DeleteChannel(ctx context.Context, cid model.ChannelID) error

	// DeleteMessage removes a message and its reactions. Deleting a missing
	// message is not an error.
	DeleteMessage(ctx context.Context, id model.MessageID) error

	// FullSync syncs every channel file, then every message file, so that
	// messages find their channels. Missing directories are skipped.
	//
	// An error is returned only when a directory cannot be read.
	FullSync(ctx context.Context, channelsDir, messagesDir string) (Result, error)
}

// Result counts the files a FullSync processed.
type Result struct {
	Channels       int `json:"channels" yaml:"channels"`
	ChannelsFailed int `json:"channels_failed" yaml:"channels_failed"`
	Messages       int `json:"messages" yaml:"messages"`
	MessagesFailed int `json:"messages_failed" yaml:"messages_failed"`
}

// Failed reports whether any file was skipped.
func (r Result) Failed() bool {
	return r.ChannelsFailed > 0 || r.MessagesFailed > 0
}
