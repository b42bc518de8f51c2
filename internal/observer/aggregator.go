package observer

import (
	"log/slog"
	"sync"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/store"
)

// ChangeAggregator collects the per-record callbacks of one store refresh
// into a single batch of ListChanges. It implements store.ResultsDelegate and
// may be called from any goroutine.
//
// Records that itemCreator cannot map are dropped from the batch and logged;
// the rest of the batch is still delivered. Every WillChangeContent is
// followed by exactly one delivery, even of an empty batch.
type ChangeAggregator[R store.Record, T any] struct {
	itemCreator func(R) (T, error)
	logger      *slog.Logger

	mu       sync.Mutex
	pending  []ListChange[T]
	keys     []string
	onWill   func()
	onDid    func(batch []ListChange[T])
	onDidKey func(batch []ListChange[T], keys []string)
}

// NewChangeAggregator creates an aggregator that maps records with
// itemCreator.
func NewChangeAggregator[R store.Record, T any](itemCreator func(R) (T, error), logger *slog.Logger) *ChangeAggregator[R, T] {
	return &ChangeAggregator[R, T]{
		itemCreator: itemCreator,
		logger:      logging.OrDiscard(logger),
	}
}

// OnWillChange sets the function called when a batch starts.
func (a *ChangeAggregator[R, T]) OnWillChange(fn func()) {
	a.mu.Lock()
	a.onWill = fn
	a.mu.Unlock()
}

// OnDidChange sets the function that receives each completed batch.
func (a *ChangeAggregator[R, T]) OnDidChange(fn func(batch []ListChange[T])) {
	a.mu.Lock()
	a.onDid = fn
	a.mu.Unlock()
}

// onDidChangeKeyed also receives the record key of every change.
func (a *ChangeAggregator[R, T]) onDidChangeKeyed(fn func(batch []ListChange[T], keys []string)) {
	a.mu.Lock()
	a.onDidKey = fn
	a.mu.Unlock()
}

// WillChangeContent starts a new batch.
func (a *ChangeAggregator[R, T]) WillChangeContent() {
	a.mu.Lock()
	a.pending = nil
	a.keys = nil
	fn := a.onWill
	a.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// DidChangeRecord appends one change to the current batch.
func (a *ChangeAggregator[R, T]) DidChangeRecord(rec R, index int, kind store.ChangeKind, newIndex int) {
	item, err := a.itemCreator(rec)
	if err != nil {
		a.logger.Warn("dropping change for record that failed to map",
			"key", rec.RecordKey(), "kind", kind, "error", err)
		return
	}

	var change ListChange[T]
	switch kind {
	case store.ChangeInsert:
		if newIndex == store.NoIndex {
			a.logger.Warn("dropping insert without index", "key", rec.RecordKey())
			return
		}
		change = Insert(item, newIndex)
	case store.ChangeMove:
		if index == store.NoIndex || newIndex == store.NoIndex {
			a.logger.Warn("dropping move without both indices", "key", rec.RecordKey(),
				"index", index, "new_index", newIndex)
			return
		}
		change = Move(item, index, newIndex)
	case store.ChangeUpdate:
		if index == store.NoIndex {
			a.logger.Warn("dropping update without index", "key", rec.RecordKey())
			return
		}
		change = Update(item, index)
	case store.ChangeDelete:
		if index == store.NoIndex {
			a.logger.Warn("dropping remove without index", "key", rec.RecordKey())
			return
		}
		change = Remove(item, index)
	default:
		a.logger.Warn("dropping change of unknown kind", "key", rec.RecordKey(), "kind", kind)
		return
	}

	a.mu.Lock()
	a.pending = append(a.pending, change)
	a.keys = append(a.keys, rec.RecordKey())
	a.mu.Unlock()
}

// DidChangeContent delivers the current batch.
func (a *ChangeAggregator[R, T]) DidChangeContent() {
	a.mu.Lock()
	batch, keys := a.pending, a.keys
	a.pending, a.keys = nil, nil
	onDid, onDidKey := a.onDid, a.onDidKey
	a.mu.Unlock()

	if batch == nil {
		batch = []ListChange[T]{}
	}
	if onDidKey != nil {
		onDidKey(batch, keys)
	}
	if onDid != nil {
		onDid(batch)
	}
}
