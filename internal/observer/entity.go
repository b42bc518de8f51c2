package observer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/store"
)

// EntityObserver observes a query expected to match at most one record.
// If it ever matches more, the first match is used and the inconsistency is
// logged.
type EntityObserver[R store.Record, T any] struct {
	list   *ListObserver[R, T]
	logger *slog.Logger
}

// NewEntityObserver creates an observer for q. Sorting in cfg is ignored.
func NewEntityObserver[R store.Record, T any](c *store.Context, q store.Query[R], itemCreator func(R) (T, error), cfg Config[T]) *EntityObserver[R, T] {
	cfg.Sorting = nil
	return &EntityObserver[R, T]{
		list:   NewListObserver(c, q, itemCreator, cfg),
		logger: logging.OrDiscard(cfg.Logger).With("observer", q.Table()),
	}
}

// StartObserving behaves like ListObserver.StartObserving.
func (o *EntityObserver[R, T]) StartObserving(ctx context.Context) error {
	return o.list.StartObserving(ctx)
}

// IsObserving reports whether the observer is active.
func (o *EntityObserver[R, T]) IsObserving() bool {
	return o.list.IsObserving()
}

// Item returns the matching item, if any.
func (o *EntityObserver[R, T]) Item() (T, bool) {
	items := o.list.Items()
	logging.Assert(o.logger, len(items) <= 1, "entity query matched more than one record", "matches", len(items))
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

// OnChange registers fn to receive every change to the item. The returned
// function unregisters it.
func (o *EntityObserver[R, T]) OnChange(fn func(EntityChange[T])) (cancel func()) {
	return o.list.OnChange(func(batch []ListChange[T]) {
		for _, c := range batch {
			fn(EntityChangeFrom(c))
		}
	})
}

// Flush behaves like ListObserver.Flush.
func (o *EntityObserver[R, T]) Flush() {
	o.list.Flush()
}

// Close stops observing.
func (o *EntityObserver[R, T]) Close() {
	o.list.Close()
}

// OnFieldChange registers fn to receive changes of one field of o's item,
// as projected by field. A change equal in kind and value to the last one
// delivered is suppressed.
func OnFieldChange[R store.Record, T any, V comparable](o *EntityObserver[R, T], field func(T) V, fn func(EntityChange[V])) (cancel func()) {
	var (
		mu   sync.Mutex
		last *EntityChange[V]
	)
	return o.OnChange(func(c EntityChange[T]) {
		fc := FieldChange(c, field)

		mu.Lock()
		if last != nil && *last == fc {
			mu.Unlock()
			return
		}
		last = &fc
		mu.Unlock()

		fn(fc)
	})
}
