// Package spool imports backend dumps into the spool directory that the sync
// daemon watches.
//
// A dump is a JSONL file where every line is one channel state as returned
// by a channel query: the channel with its members and its latest messages.
// Import splits each line into channels/{type}--{id}.json and one
// messages/{id}.json per message, the layout cache sync reads.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/schema"
)

// ImportOptions contains configuration for an import
type ImportOptions struct {
	From     string // Input JSONL file path
	SpoolDir string // Spool directory receiving channels/ and messages/
	DryRun   bool   // Parse and validate without writing
	Backup   bool   // Keep a timestamped copy of the input
	Logger   *slog.Logger
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Channels      int      `json:"channels" yaml:"channels"`
	Messages      int      `json:"messages" yaml:"messages"`
	FilesWritten  int      `json:"files_written" yaml:"files_written"`
	BackupCreated string   `json:"backup_created,omitempty" yaml:"backup_created,omitempty"`
	Errors        []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// ReadDump parses a JSONL dump of channel states. Lines that do not
// validate stop the read with the line number in the error.
func ReadDump(r io.Reader) ([]*schema.ChannelPayload, error) {
	var channels []*schema.ChannelPayload
	decoder := json.NewDecoder(r)

	for line := 1; ; line++ {
		var ch schema.ChannelPayload
		if err := decoder.Decode(&ch); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		setDefaults(&ch)
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("invalid channel at line %d: %w", line, err)
		}
		channels = append(channels, &ch)
	}

	return channels, nil
}

// setDefaults fills what the backend leaves out of nested payloads.
func setDefaults(ch *schema.ChannelPayload) {
	if ch.CreatedBy != nil {
		ch.CreatedBy.SetDefaults()
	}
	for i := range ch.Members {
		ch.Members[i].User.SetDefaults()
	}
	for i := range ch.Messages {
		m := &ch.Messages[i]
		if m.CID == "" {
			m.CID = ch.CID
		}
		m.User.SetDefaults()
	}
}

// SplitChannel separates a channel state into the channel file payload and
// its message file payloads.
func SplitChannel(ch *schema.ChannelPayload) (*schema.ChannelPayload, []*schema.MessagePayload) {
	channel := *ch
	channel.Messages = nil

	messages := make([]*schema.MessagePayload, 0, len(ch.Messages))
	for i := range ch.Messages {
		m := ch.Messages[i]
		m.CID = ch.CID
		messages = append(messages, &m)
	}
	return &channel, messages
}

// Import performs the JSONL dump to spool files conversion.
func Import(ctx context.Context, opts ImportOptions) (*ImportResult, error) {
	logger := logging.OrDiscard(opts.Logger).With("component", "spool")
	result := &ImportResult{}

	input, err := os.ReadFile(opts.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	channels, err := ReadDump(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("failed to parse dump: %w", err)
	}

	channelsDir := filepath.Join(opts.SpoolDir, "channels")
	messagesDir := filepath.Join(opts.SpoolDir, "messages")

	// A message repeated across lines is written again; the last line wins.
	for _, state := range channels {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		channel, messages := SplitChannel(state)

		if !opts.DryRun {
			if err := schema.WriteChannelFile(channelsDir, channel); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to write channel %s: %v", channel.CID, err))
				continue
			}
			result.FilesWritten++
		}
		result.Channels++

		for _, m := range messages {
			if !opts.DryRun {
				if err := schema.WriteMessageFile(messagesDir, m); err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("failed to write message %s: %v", m.ID, err))
					continue
				}
				result.FilesWritten++
			}
			result.Messages++
		}
	}

	logger.Info("Import complete",
		"channels", result.Channels,
		"messages", result.Messages,
		"files", result.FilesWritten,
		"errors", len(result.Errors),
		"dry_run", opts.DryRun)
	return result, nil
}

// Clean removes the spool's channels/ and messages/ directories.
func Clean(spoolDir string) error {
	for _, dir := range []string{
		filepath.Join(spoolDir, "channels"),
		filepath.Join(spoolDir, "messages"),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}
