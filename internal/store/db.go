// Package store is the persistent record store behind the chat cache.
//
// The store keeps server-authoritative chat entities (users, channels,
// members, messages, reactions) in an embedded SQLite database and tells
// registered queries when their results change.
//
// Architecture:
//   - Database file: ~/.chatcache/cache.db (configurable)
//   - WAL mode: concurrent readers while the writer commits
//   - One writer: every mutation runs through Write or WriteAsync, serialized
//   - Two read contexts: the view context (callbacks on the main queue) and
//     the background context (its own serial queue)
//   - Change notification: ResultsController re-fetches a Query after each
//     commit touching its tables and reports a position-aware diff
//   - Wipe: RemoveAllData brackets the destructive reset with typed
//     WillRemoveAllData / DidRemoveAllData events on each context's EventBus
//
// Workflow:
//  1. A worker ingests a network payload with db.Write(ctx, func(s *Session) error {...})
//  2. Before releasing the write lock, every ResultsController whose query
//     depends on a touched table re-fetches and diffs its results
//  3. Each controller calls its delegate on its own queue (willChange, one
//     call per changed record, didChange)
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/queue"
)

// Options configures Open.
type Options struct {
	// MainQueue runs view-context work and consumer callbacks. Defaults to a
	// new serial queue named "main".
	MainQueue queue.Queue
	// Logger receives store diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Database wraps the SQLite connection pool, the serialized writer and the
// change-notification registry.
type Database struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger

	writeMu sync.Mutex
	writer  *queue.Serial

	view       *Context
	background *Context

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL, a busy timeout and foreign keys enabled on
// every pooled connection. If the file doesn't exist it is created; call
// InitSchema before first use.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.Open("cache.db", store.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string, opts Options) (*Database, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so that each pooled connection gets them.
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	conn, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	mainQueue := opts.MainQueue
	if mainQueue == nil {
		mainQueue = queue.NewSerial("main")
	}

	db := &Database{
		conn:   conn,
		path:   path,
		logger: logging.OrDiscard(opts.Logger),
		writer: queue.NewSerial("store.writer"),
		subs:   make(map[*subscription]struct{}),
	}
	db.view = newContext(db, "view", mainQueue)
	db.background = newContext(db, "background", queue.NewSerial("store.background"))

	return db, nil
}

// Path returns the database file path.
func (db *Database) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *Database) Close() error {
	if db.conn == nil {
		return nil
	}

	// Let queued async writes land before the pool goes away.
	queue.Flush(db.writer)

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", "error", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *Database) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *Database) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ViewContext returns the foreground read context. Its queue is the main
// queue passed to Open.
func (db *Database) ViewContext() *Context {
	return db.view
}

// BackgroundContext returns the background read context.
func (db *Database) BackgroundContext() *Context {
	return db.background
}

// Write runs fn inside a write transaction and waits for it to finish.
//
// Writes are serialized. If fn returns an error the transaction is rolled
// back and the error is returned unchanged. After a successful commit every
// results controller depending on a touched table refreshes.
func (db *Database) Write(ctx context.Context, fn func(s *Session) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	s := newSession(ctx, tx)
	if err := fn(s); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.notify(s.touched)
	return nil
}

// WriteAsync queues fn on the writer queue and returns immediately.
// completion, if not nil, receives Write's result on the writer queue.
func (db *Database) WriteAsync(fn func(s *Session) error, completion func(error)) {
	db.writer.Async(func() {
		err := db.Write(context.Background(), fn)
		if err != nil {
			db.logger.Debug("async write failed", "error", err)
		}
		if completion != nil {
			completion(err)
		}
	})
}

// RemoveAllData deletes every record.
//
// Each context first publishes WillRemoveAllData, while records can still be
// read. After the delete commits each context publishes DidRemoveAllData.
func (db *Database) RemoveAllData(ctx context.Context) error {
	contexts := []*Context{db.view, db.background}
	for _, c := range contexts {
		c.events.Publish(WillRemoveAllData)
	}

	err := func() error {
		db.writeMu.Lock()
		defer db.writeMu.Unlock()

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, table := range wipeOrder {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		touched := make(map[string]struct{}, len(wipeOrder))
		for _, table := range wipeOrder {
			touched[table] = struct{}{}
		}
		db.notify(touched)
		return nil
	}()
	if err != nil {
		return err
	}

	for _, c := range contexts {
		c.events.Publish(DidRemoveAllData)
	}

	db.logger.Info("removed all data", "path", db.path)
	return nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Users       int `json:"users" yaml:"users"`
	Channels    int `json:"channels" yaml:"channels"`
	Messages    int `json:"messages" yaml:"messages"`
	Reactions   int `json:"reactions" yaml:"reactions"`
	PendingSend int `json:"pending_send" yaml:"pending_send"`
	PendingSync int `json:"pending_sync" yaml:"pending_sync"`
	Failed      int `json:"failed" yaml:"failed"`
}

// Stats counts records by table and messages by local state.
func (db *Database) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&st.Users, "SELECT COUNT(*) FROM users", nil},
		{&st.Channels, "SELECT COUNT(*) FROM channels", nil},
		{&st.Messages, "SELECT COUNT(*) FROM messages", nil},
		{&st.Reactions, "SELECT COUNT(*) FROM reactions", nil},
		{&st.PendingSend, "SELECT COUNT(*) FROM messages WHERE local_state IN (?, ?)",
			[]any{"pendingSend", "sending"}},
		{&st.PendingSync, "SELECT COUNT(*) FROM messages WHERE local_state IN (?, ?, ?)",
			[]any{"pendingSync", "syncing", "deleting"}},
		{&st.Failed, "SELECT COUNT(*) FROM messages WHERE local_state IN (?, ?, ?)",
			[]any{"sendingFailed", "syncingFailed", "deletingFailed"}},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("failed to get stats: %w", err)
		}
	}
	return st, nil
}

// subscription is a results controller's registration for commit
// notifications.
type subscription struct {
	deps    []string
	changed func()
}

func (db *Database) subscribe(deps []string, changed func()) *subscription {
	sub := &subscription{deps: deps, changed: changed}
	db.subMu.Lock()
	db.subs[sub] = struct{}{}
	db.subMu.Unlock()
	return sub
}

func (db *Database) unsubscribe(sub *subscription) {
	db.subMu.Lock()
	delete(db.subs, sub)
	db.subMu.Unlock()
}

// notify runs with writeMu held, so subscribers see commits in order.
func (db *Database) notify(touched map[string]struct{}) {
	if len(touched) == 0 {
		return
	}

	db.subMu.Lock()
	var hits []*subscription
	for sub := range db.subs {
		for _, dep := range sub.deps {
			if _, ok := touched[dep]; ok {
				hits = append(hits, sub)
				break
			}
		}
	}
	db.subMu.Unlock()

	for _, sub := range hits {
		sub.changed()
	}
}
