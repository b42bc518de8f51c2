package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/chatkit/chatcache/internal/queue"
)

// Context is a read context: a queue on which its observers process changes
// and an event bus for the store-wide wipe events.
type Context struct {
	db     *Database
	name   string
	queue  queue.Queue
	events *EventBus
}

func newContext(db *Database, name string, q queue.Queue) *Context {
	return &Context{db: db, name: name, queue: q, events: &EventBus{}}
}

// Name returns "view" or "background".
func (c *Context) Name() string { return c.name }

// Queue returns the queue that owns this context's processing.
func (c *Context) Queue() queue.Queue { return c.queue }

// Events returns the context's wipe event bus.
func (c *Context) Events() *EventBus { return c.events }

// Database returns the owning database.
func (c *Context) Database() *Database { return c.db }

// QueryContext implements Reader outside of any transaction.
func (c *Context) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.db.conn == nil {
		return nil, fmt.Errorf("database is closed")
	}
	return c.db.conn.QueryContext(ctx, query, args...)
}

// Event is a store-wide notification scoped to one context.
type Event int

const (
	// WillRemoveAllData is published before a wipe; records are still readable.
	WillRemoveAllData Event = iota + 1
	// DidRemoveAllData is published after the wipe committed.
	DidRemoveAllData
)

func (e Event) String() string {
	switch e {
	case WillRemoveAllData:
		return "willRemoveAllData"
	case DidRemoveAllData:
		return "didRemoveAllData"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// EventBus delivers Events to subscribers in subscription order, on the
// publishing goroutine.
type EventBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Event)
}

// Subscribe registers fn and returns a function that removes it.
func (b *EventBus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers == nil {
		b.handlers = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish calls every handler with e. Handlers must not block.
func (b *EventBus) Publish(e Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.handlers[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
