package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/store"
)

// ErrClosed is returned by StartObserving after Close.
var ErrClosed = errors.New("observer is closed")

// FetchError reports a failed initial fetch. The observer stays inactive and
// StartObserving may be retried.
type FetchError struct {
	Query string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Query, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Config configures a ListObserver.
type Config[T any] struct {
	// Background processes changes on the observer's own serial queue
	// instead of the context's queue.
	Background bool
	// CallbackQueue runs listeners. Defaults to the view context's queue.
	CallbackQueue queue.Queue
	// Sorting orders items after mapping. Comparators are applied in turn
	// until one returns non-zero; the sort is stable.
	Sorting []func(a, b T) int
	Logger  *slog.Logger
}

// ListObserver keeps the items of one query current.
//
// The foreground variant fetches on the caller in StartObserving and then
// processes changes on its context's queue. The background variant does
// both on a serial queue of its own and announces its initial contents as an
// insert batch. Either way the cache is updated before listeners hear about
// a batch, and listeners run on the callback queue.
type ListObserver[R store.Record, T any] struct {
	rc          *store.ResultsController[R]
	agg         *ChangeAggregator[R, T]
	itemCreator func(R) (T, error)
	sorting     []func(a, b T) int
	background  bool
	process     queue.Queue
	callbacks   queue.Queue
	logger      *slog.Logger

	startMu   sync.Mutex
	observing bool
	closed    bool
	unsubWipe func()

	mu    sync.RWMutex
	items []T
	keys  []string
	// seq is the results sequence the cache reflects, zero until start has
	// installed its fetch. recs holds those results by key.
	seq  uint64
	recs map[string]R

	willListeners   listeners[func()]
	changeListeners listeners[func([]ListChange[T])]
}

// NewListObserver creates an observer for q that maps records with
// itemCreator. Nothing is fetched until StartObserving.
func NewListObserver[R store.Record, T any](c *store.Context, q store.Query[R], itemCreator func(R) (T, error), cfg Config[T]) *ListObserver[R, T] {
	logger := logging.OrDiscard(cfg.Logger).With("observer", q.Table(), "context", c.Name())

	o := &ListObserver[R, T]{
		rc:          store.NewResultsController(c, q, logger),
		itemCreator: itemCreator,
		sorting:     cfg.Sorting,
		background:  cfg.Background,
		process:     c.Queue(),
		callbacks:   cfg.CallbackQueue,
		logger:      logger,
	}
	if o.background {
		o.process = queue.NewSerial("observer." + q.Table())
		o.rc.SetQueue(o.process)
	}
	if o.callbacks == nil {
		o.callbacks = c.Database().ViewContext().Queue()
	}

	o.agg = NewChangeAggregator(itemCreator, logger)
	o.agg.onDidChangeKeyed(o.applyBatch)
	return o
}

// StartObserving fetches the current results and starts tracking changes.
// Calling it again while observing does nothing. The background variant
// blocks until its queue has run the fetch, so it must not be called from
// that queue.
func (o *ListObserver[R, T]) StartObserving(ctx context.Context) error {
	if !o.background {
		return o.start(ctx)
	}
	var err error
	o.process.Sync(func() { err = o.start(ctx) })
	return err
}

func (o *ListObserver[R, T]) start(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.observing {
		return nil
	}

	o.rc.SetDelegate(o.agg)
	if err := o.rc.PerformFetch(ctx); err != nil {
		o.rc.SetDelegate(nil)
		return &FetchError{Query: o.rc.Query().String(), Err: err}
	}

	recs, seq := o.rc.Snapshot()
	items, keys := o.materialize(recs)
	o.mu.Lock()
	o.items, o.keys = items, keys
	o.seq, o.recs = seq, byKey(recs)
	o.mu.Unlock()

	// Refreshes delivered while the fetch was being mapped were dropped by
	// advance; report them against the installed base.
	if _, latest := o.rc.Snapshot(); latest > seq {
		o.process.Async(o.catchUp)
	}

	if o.unsubWipe == nil {
		o.unsubWipe = o.rc.Context().Events().Subscribe(o.handleEvent)
	}
	o.observing = true
	o.logger.Debug("started observing", "items", len(items))

	if o.background && len(items) > 0 {
		batch := make([]ListChange[T], len(items))
		for i, item := range items {
			batch[i] = Insert(item, i)
		}
		o.deliver(func() {
			o.notifyWillChange()
			o.notifyChange(batch)
		})
	}
	return nil
}

// IsObserving reports whether StartObserving has succeeded and the observer
// has not been reset or closed since.
func (o *ListObserver[R, T]) IsObserving() bool {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	return o.observing
}

// Items returns a snapshot of the current items.
func (o *ListObserver[R, T]) Items() []T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.items)
}

// OnWillChange registers fn to run before each change batch. The returned
// function unregisters it.
func (o *ListObserver[R, T]) OnWillChange(fn func()) (cancel func()) {
	return o.willListeners.add(fn)
}

// OnChange registers fn to receive each change batch. The returned function
// unregisters it.
func (o *ListObserver[R, T]) OnChange(fn func(batch []ListChange[T])) (cancel func()) {
	return o.changeListeners.add(fn)
}

// Flush blocks until every change committed before the call has reached the
// listeners. It must not be called from the processing or callback queue.
func (o *ListObserver[R, T]) Flush() {
	queue.Flush(o.process)
	if o.callbacks != o.process {
		queue.Flush(o.callbacks)
	}
}

// Close stops observing. A closed observer cannot be restarted.
func (o *ListObserver[R, T]) Close() {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.closed = true
	o.observing = false
	if o.unsubWipe != nil {
		o.unsubWipe()
		o.unsubWipe = nil
	}
	o.rc.SetDelegate(nil)
	o.rc.Close()
}

// materialize maps recs to items, dropping records that fail to map, and
// applies the sort.
func (o *ListObserver[R, T]) materialize(recs []R) ([]T, []string) {
	type entry struct {
		item T
		key  string
	}
	entries := make([]entry, 0, len(recs))
	for _, rec := range recs {
		item, err := o.itemCreator(rec)
		if err != nil {
			o.logger.Warn("dropping record that failed to map", "key", rec.RecordKey(), "error", err)
			continue
		}
		entries = append(entries, entry{item: item, key: rec.RecordKey()})
	}

	if len(o.sorting) > 0 {
		slices.SortStableFunc(entries, func(a, b entry) int {
			for _, less := range o.sorting {
				if c := less(a.item, b.item); c != 0 {
					return c
				}
			}
			return 0
		})
	}

	items := make([]T, len(entries))
	keys := make([]string, len(entries))
	for i, e := range entries {
		items[i], keys[i] = e.item, e.key
	}
	return items, keys
}

// applyBatch runs on the processing queue once the store finished a refresh.
// Only the batch's updates and moves are taken from the store: they name the
// records whose content may have changed.
func (o *ListObserver[R, T]) applyBatch(batch []ListChange[T], batchKeys []string) {
	changed := make(map[string]bool)
	for i, c := range batch {
		if c.Kind == ListUpdate || c.Kind == ListMove {
			changed[batchKeys[i]] = true
		}
	}
	if changes, ok := o.advance(changed); ok {
		o.deliverBatch(changes)
	}
}

// catchUp reports refreshes that landed between the initial fetch and the
// cache being installed.
func (o *ListObserver[R, T]) catchUp() {
	if changes, ok := o.advance(nil); ok && len(changes) > 0 {
		o.deliverBatch(changes)
	}
}

// advance moves the cache to the controller's current results and returns
// the difference. Results the cache already reflects, and results arriving
// before start installed its fetch, are skipped and reported as not ok. A
// nil changed set is computed by comparing records.
func (o *ListObserver[R, T]) advance(changed map[string]bool) ([]ListChange[T], bool) {
	recs, seq := o.rc.Snapshot()

	o.mu.RLock()
	base := o.seq
	o.mu.RUnlock()
	if base == 0 || seq <= base {
		return nil, false
	}
	items, keys := o.materialize(recs)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seq == 0 || seq <= o.seq {
		return nil, false
	}
	if changed == nil {
		changed = make(map[string]bool)
		for _, r := range recs {
			if old, ok := o.recs[r.RecordKey()]; ok && !reflect.DeepEqual(old, r) {
				changed[r.RecordKey()] = true
			}
		}
	}
	changes := rebase(changed, o.items, o.keys, items, keys)
	o.items, o.keys = items, keys
	o.seq, o.recs = seq, byKey(recs)
	return changes, true
}

func (o *ListObserver[R, T]) deliverBatch(changes []ListChange[T]) {
	o.deliver(func() {
		o.notifyWillChange()
		o.notifyChange(changes)
	})
}

func byKey[R store.Record](recs []R) map[string]R {
	m := make(map[string]R, len(recs))
	for _, r := range recs {
		m[r.RecordKey()] = r
	}
	return m
}

// rebase expresses a store batch against the observer's own lists, which
// can be sorted differently from the query or lack records that failed to
// map. changed names the records whose content may differ.
func rebase[T any](changed map[string]bool, oldItems []T, oldKeys []string, newItems []T, newKeys []string) []ListChange[T] {
	oldPos := positions(oldKeys)
	newPos := positions(newKeys)

	changes := make([]ListChange[T], 0, len(newKeys))
	for i, key := range oldKeys {
		if _, ok := newPos[key]; !ok {
			changes = append(changes, Remove(oldItems[i], i))
		}
	}
	for j, key := range newKeys {
		if _, ok := oldPos[key]; !ok {
			changes = append(changes, Insert(newItems[j], j))
		}
	}

	var common, from []int
	for j, key := range newKeys {
		if i, ok := oldPos[key]; ok {
			common = append(common, j)
			from = append(from, i)
		}
	}
	stable := store.LongestIncreasing(from)

	var updates []ListChange[T]
	for k, j := range common {
		switch {
		case !stable[k]:
			changes = append(changes, Move(newItems[j], from[k], j))
		case changed[newKeys[j]]:
			updates = append(updates, Update(newItems[j], from[k]))
		}
	}
	return append(changes, updates...)
}

func positions(keys []string) map[string]int {
	pos := make(map[string]int, len(keys))
	for i, k := range keys {
		pos[k] = i
	}
	return pos
}

func (o *ListObserver[R, T]) handleEvent(e store.Event) {
	switch e {
	case store.WillRemoveAllData:
		o.process.Async(o.willRemoveAllData)
	case store.DidRemoveAllData:
		o.process.Async(o.didRemoveAllData)
	}
}

// willRemoveAllData reports every cached item as removed while the records
// still exist, then detaches from the store until the wipe is over.
func (o *ListObserver[R, T]) willRemoveAllData() {
	if !o.IsObserving() {
		return
	}
	o.rc.SetDelegate(nil)
	o.rc.Reset()

	o.mu.Lock()
	old := o.items
	o.items, o.keys = nil, nil
	o.seq, o.recs = 0, nil
	o.mu.Unlock()

	batch := make([]ListChange[T], len(old))
	for i, item := range old {
		batch[i] = Remove(item, i)
	}
	o.logger.Debug("data wipe, removing cached items", "items", len(old))
	o.deliver(func() {
		o.notifyWillChange()
		o.notifyChange(batch)
	})
}

// didRemoveAllData starts over on the emptied store. Listeners stay
// registered.
func (o *ListObserver[R, T]) didRemoveAllData() {
	o.startMu.Lock()
	wasObserving := o.observing
	o.observing = false
	o.startMu.Unlock()
	if !wasObserving {
		return
	}
	if err := o.start(context.Background()); err != nil {
		o.logger.Error("failed to restart observing after data wipe", "error", err)
	}
}

// deliver runs fn on the callback queue, inline when that is the processing
// queue.
func (o *ListObserver[R, T]) deliver(fn func()) {
	if o.callbacks == o.process {
		fn()
		return
	}
	o.callbacks.Async(fn)
}

func (o *ListObserver[R, T]) notifyWillChange() {
	for _, fn := range o.willListeners.snapshot() {
		fn()
	}
}

func (o *ListObserver[R, T]) notifyChange(batch []ListChange[T]) {
	for _, fn := range o.changeListeners.snapshot() {
		fn(batch)
	}
}

// listeners is a set of callbacks kept in registration order.
type listeners[F any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]F
}

func (l *listeners[F]) add(fn F) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[F]) snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fns := make([]F, len(ids))
	for i, id := range ids {
		fns[i] = l.fns[id]
	}
	return fns
}
