package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// syncer implements the Syncer interface.
type syncer struct {
	db     *store.Database
	logger *slog.Logger
}

// New creates a new Syncer instance.
//
// The database must have its schema initialized. A nil logger discards
// output.
//
// Example:
//
//	db, err := store.Open("cache.db", store.Options{})
//	if err != nil {
//	    return err
//	}
//	if err := db.InitSchema(); err != nil {
//	    return err
//	}
//	s := sync.New(db, logger)
func New(db *store.Database, logger *slog.Logger) Syncer {
	return &syncer{
		db:     db,
		logger: logging.OrDiscard(logger).With("component", "sync"),
	}
}

// SyncChannel implements Syncer.SyncChannel.
func (s *syncer) SyncChannel(ctx context.Context, path string) error {
	ch, err := schema.ReadChannelFile(path)
	if err != nil {
		return fmt.Errorf("failed to read channel file: %w", err)
	}

	err = s.db.Write(ctx, func(tx *store.Session) error {
		_, err := tx.SaveChannel(*ch)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to sync channel to database: %w", err)
	}

	s.logger.Debug("Synced channel", "cid", ch.CID, "members", len(ch.Members), "messages", len(ch.Messages))
	return nil
}

// SyncMessage implements Syncer.SyncMessage.
func (s *syncer) SyncMessage(ctx context.Context, path string) error {
	msg, err := schema.ReadMessageFile(path)
	if err != nil {
		return fmt.Errorf("failed to read message file: %w", err)
	}
	cid, err := model.ParseChannelID(msg.CID)
	if err != nil {
		return fmt.Errorf("failed to read message file %s: %w", path, err)
	}

	err = s.db.Write(ctx, func(tx *store.Session) error {
		_, err := tx.SaveMessage(*msg, cid)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to sync message to database: %w", err)
	}

	s.logger.Debug("Synced message", "id", msg.ID, "cid", msg.CID)
	return nil
}

// DeleteChannel implements Syncer.DeleteChannel.
func (s *syncer) DeleteChannel(ctx context.Context, cid model.ChannelID) error {
	err := s.db.Write(ctx, func(tx *store.Session) error {
		return tx.DeleteChannel(cid)
	})
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}

	s.logger.Debug("Deleted channel", "cid", cid)
	return nil
}

// DeleteMessage implements Syncer.DeleteMessage.
func (s *syncer) DeleteMessage(ctx context.Context, id model.MessageID) error {
	err := s.db.Write(ctx, func(tx *store.Session) error {
		return tx.DeleteMessage(id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	s.logger.Debug("Deleted message", "id", id)
	return nil
}

// FullSync implements Syncer.FullSync.
func (s *syncer) FullSync(ctx context.Context, channelsDir, messagesDir string) (Result, error) {
	s.logger.Info("Starting full sync", "channels", channelsDir, "messages", messagesDir)

	var res Result
	if err := s.syncDir(ctx, channelsDir, "channel", s.SyncChannel, &res.Channels, &res.ChannelsFailed); err != nil {
		return res, fmt.Errorf("failed to sync channels: %w", err)
	}
	if err := s.syncDir(ctx, messagesDir, "message", s.SyncMessage, &res.Messages, &res.MessagesFailed); err != nil {
		return res, fmt.Errorf("failed to sync messages: %w", err)
	}

	s.logger.Info("Full sync complete",
		"channels", res.Channels, "channels_failed", res.ChannelsFailed,
		"messages", res.Messages, "messages_failed", res.MessagesFailed)
	return res, nil
}

// syncDir calls syncFile for every .json file in dir. Individual file
// failures are logged but don't stop the sync.
func (s *syncer) syncDir(ctx context.Context, dir, kind string, syncFile func(context.Context, string) error, read, failed *int) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		s.logger.Info("Directory doesn't exist, skipping", "kind", kind, "dir", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := syncFile(ctx, filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("Warning: failed to sync "+kind, "file", entry.Name(), "error", err)
			*failed++
			continue
		}
		*read++
	}
	return nil
}
