// Package daemon keeps the record store in step with the spool directory.
//
// The daemon:
//  1. Performs a full sync of channels/ and messages/ on start
//  2. Watches both directories and queues changed files
//  3. Syncs or deletes queued files once they have settled
//  4. Optionally repeats the full sync on an interval
//  5. Shuts down gracefully
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
	cachesync "github.com/chatkit/chatcache/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must stay unchanged before it is
	// synced. Rapid writes to one file collapse into one sync.
	DebounceInterval time.Duration

	// FullSyncInterval repeats the full sync. Zero disables it.
	FullSyncInterval time.Duration

	// OnFullSync, if set, is called after every successful full sync.
	OnFullSync func(cachesync.Result, time.Duration)

	// OnFileSynced, if set, is called after a queued file was synced or
	// deleted.
	OnFileSynced func(FileEvent, error)

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 100 * time.Millisecond,
	}
}

// Daemon orchestrates file watching and store synchronization.
type Daemon struct {
	syncer      cachesync.Syncer
	channelsDir string
	messagesDir string
	config      Config
	logger      *slog.Logger

	watcher       *FileWatcher
	changeQueue   map[string]queuedChange
	changeQueueMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

type queuedChange struct {
	event    FileEvent
	queuedAt time.Time
}

// New creates a daemon over spoolDir/channels and spoolDir/messages.
// Use Run to begin watching and syncing.
func New(syncer cachesync.Syncer, spoolDir string, config Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:      syncer,
		channelsDir: filepath.Join(spoolDir, "channels"),
		messagesDir: filepath.Join(spoolDir, "messages"),
		config:      config,
		logger:      logging.OrDiscard(config.Logger).With("component", "daemon"),
		watcher:     watcher,
		changeQueue: make(map[string]queuedChange),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Run performs the initial full sync, starts watching and blocks until ctx
// is cancelled or Stop is called.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("Starting daemon", "channels", d.channelsDir, "messages", d.messagesDir)

	for _, dir := range []string{d.channelsDir, d.messagesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	// Watch before the initial sync so that nothing written during it is
	// missed; a file seen by both is synced twice.
	if err := d.watcher.Start(d.channelsDir, d.messagesDir); err != nil {
		return err
	}

	if _, err := d.PerformFullSync(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()
	if d.config.FullSyncInterval > 0 {
		d.wg.Add(1)
		go d.periodicFullSync()
	}
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		d.logger.Info("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Queued changes that have not
// settled are dropped; the next full sync picks them up.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	d.logger.Info("Stopping daemon")
	d.cancel()
	err := d.watcher.Stop()
	if err != nil {
		d.logger.Warn("Warning: failed to stop watcher", "error", err)
	}
	d.wg.Wait()
	d.logger.Info("Daemon stopped")
	return err
}

// PerformFullSync synchronizes every spool file into the store.
func (d *Daemon) PerformFullSync(ctx context.Context) (cachesync.Result, error) {
	start := time.Now()
	res, err := d.syncer.FullSync(ctx, d.channelsDir, d.messagesDir)
	if err != nil {
		return res, err
	}
	if d.config.OnFullSync != nil {
		d.config.OnFullSync(res, time.Since(start))
	}
	return res, nil
}

// Pending returns the number of queued changes.
func (d *Daemon) Pending() int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	return len(d.changeQueue)
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Debug("File event", "op", event.Op, "type", event.Type, "path", event.Path)
			d.queueChange(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("Watcher error", "error", err)
		}
	}
}

// queueChange records the latest event for a path and restarts its debounce.
func (d *Daemon) queueChange(event FileEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[event.Path] = queuedChange{event: event, queuedAt: time.Now()}
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been queued for long enough.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changeQueueMu.Lock()
	var ready []FileEvent
	for path, c := range d.changeQueue {
		if now.Sub(c.queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, c.event)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	// Channels before messages so a message never precedes its channel.
	slices.SortStableFunc(ready, func(a, b FileEvent) int { return int(a.Type) - int(b.Type) })

	for _, event := range ready {
		err := d.syncFile(d.ctx, event)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("Warning: failed to sync "+event.Type.String(), "path", event.Path, "error", err)
		}
		if d.config.OnFileSynced != nil {
			d.config.OnFileSynced(event, err)
		}
	}
}

// syncFile syncs one file, or deletes its record when the file is gone. The
// file's presence wins over the event's op.
func (d *Daemon) syncFile(ctx context.Context, event FileEvent) error {
	if _, err := os.Stat(event.Path); os.IsNotExist(err) {
		switch event.Type {
		case TypeChannel:
			cid, err := schema.FromChannelFileName(event.Path)
			if err != nil {
				return fmt.Errorf("failed to parse channel filename: %w", err)
			}
			d.logger.Info("Deleting channel", "cid", cid)
			return d.syncer.DeleteChannel(ctx, cid)
		case TypeMessage:
			id := model.MessageID(strings.TrimSuffix(filepath.Base(event.Path), ".json"))
			d.logger.Info("Deleting message", "id", id)
			return d.syncer.DeleteMessage(ctx, id)
		}
		return nil
	}

	switch event.Type {
	case TypeChannel:
		return d.syncer.SyncChannel(ctx, event.Path)
	case TypeMessage:
		return d.syncer.SyncMessage(ctx, event.Path)
	}
	return nil
}

func (d *Daemon) periodicFullSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FullSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.PerformFullSync(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("Warning: periodic full sync failed", "error", err)
			}
		}
	}
}
