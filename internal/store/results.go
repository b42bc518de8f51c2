package store

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/queue"
)

// ChangeKind classifies one record mutation reported to a ResultsDelegate.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeDelete
	ChangeMove
	ChangeUpdate
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeDelete:
		return "delete"
	case ChangeMove:
		return "move"
	case ChangeUpdate:
		return "update"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// NoIndex marks an index that does not apply to a change.
const NoIndex = -1

// ResultsDelegate receives the diff of a ResultsController's results.
//
// index is the record's position in the previous results and newIndex its
// position in the new results; either is NoIndex when it does not apply:
//
//	insert: index NoIndex, newIndex set
//	delete: index set, newIndex NoIndex
//	move:   both set
//	update: index set, newIndex NoIndex
//
// Callbacks run on the controller's queue.
type ResultsDelegate[R Record] interface {
	WillChangeContent()
	DidChangeRecord(rec R, index int, kind ChangeKind, newIndex int)
	DidChangeContent()
}

// ResultsController keeps the results of a Query current. After every commit
// touching the query's tables it re-fetches, diffs against the previous
// results and reports the difference to its delegate on its queue.
//
// The fetch and diff happen while the committing writer still holds the
// write lock, so each transaction yields its own diff and diffs reach the
// queue in commit order. With queue.Immediate the delegate therefore runs
// under the write lock and must not write.
type ResultsController[R Record] struct {
	db      *Database
	context *Context
	query   Query[R]
	logger  *slog.Logger

	mu       sync.Mutex
	queue    queue.Queue
	delegate ResultsDelegate[R]
	sub      *subscription
	// latest is the base of the next diff; current is what FetchedRecords
	// returns and trails latest until the queue catches up.
	latest     []R
	current    []R
	seq        uint64
	currentSeq uint64
}

// NewResultsController creates a controller for q reading through c. It
// does nothing until PerformFetch is called.
func NewResultsController[R Record](c *Context, q Query[R], logger *slog.Logger) *ResultsController[R] {
	return &ResultsController[R]{
		db:      c.db,
		context: c,
		query:   q,
		logger:  logging.OrDiscard(logger),
		queue:   c.queue,
	}
}

// Query returns the observed query.
func (rc *ResultsController[R]) Query() Query[R] {
	return rc.query
}

// Context returns the read context the controller belongs to.
func (rc *ResultsController[R]) Context() *Context {
	return rc.context
}

// Queue returns the queue delegate callbacks run on.
func (rc *ResultsController[R]) Queue() queue.Queue {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.queue
}

// SetQueue changes the queue delegate callbacks run on. Call before
// PerformFetch.
func (rc *ResultsController[R]) SetQueue(q queue.Queue) {
	rc.mu.Lock()
	rc.queue = q
	rc.mu.Unlock()
}

// SetDelegate attaches d. A nil d detaches the current delegate.
func (rc *ResultsController[R]) SetDelegate(d ResultsDelegate[R]) {
	rc.mu.Lock()
	rc.delegate = d
	rc.mu.Unlock()
}

// PerformFetch loads the current results and starts tracking commits. It may
// be called again to reload.
func (rc *ResultsController[R]) PerformFetch(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	// Subscribe first so that no commit lands between the fetch and the
	// registration unseen.
	subscribed := false
	if rc.sub == nil {
		rc.sub = rc.db.subscribe(rc.query.Dependencies(), rc.committed)
		subscribed = true
	}

	recs, err := Fetch(ctx, rc.context, rc.query)
	if err != nil {
		if subscribed {
			rc.db.unsubscribe(rc.sub)
			rc.sub = nil
		}
		return fmt.Errorf("fetch %s: %w", rc.query.Table(), err)
	}
	rc.seq++
	rc.latest, rc.current = recs, recs
	rc.currentSeq = rc.seq
	return nil
}

// FetchedRecords returns a copy of the current results. Inside delegate
// callbacks these are the results the diff being reported leads to.
func (rc *ResultsController[R]) FetchedRecords() []R {
	recs, _ := rc.Snapshot()
	return recs
}

// Snapshot returns a copy of the current results with their sequence number.
// The number grows with every fetch and every delivered refresh, so a caller
// holding results from an earlier snapshot can tell whether they are stale.
func (rc *ResultsController[R]) Snapshot() ([]R, uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]R(nil), rc.current...), rc.currentSeq
}

// Reset drops the current results. The next commit reports every record as
// inserted.
func (rc *ResultsController[R]) Reset() {
	rc.mu.Lock()
	rc.latest, rc.current = nil, nil
	rc.mu.Unlock()
}

// Close stops tracking commits.
func (rc *ResultsController[R]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.sub != nil {
		rc.db.unsubscribe(rc.sub)
		rc.sub = nil
	}
}

// committed is called by the database after a relevant commit, with the
// write lock held.
func (rc *ResultsController[R]) committed() {
	rc.mu.Lock()
	if rc.sub == nil {
		rc.mu.Unlock()
		return
	}
	recs, err := Fetch(context.Background(), rc.context, rc.query)
	if err != nil {
		rc.mu.Unlock()
		rc.logger.Warn("failed to refresh results, keeping previous",
			"table", rc.query.Table(), "error", err)
		return
	}
	changes := diffRecords(rc.latest, recs)
	rc.latest = recs
	rc.seq++
	seq := rc.seq
	q := rc.queue
	rc.mu.Unlock()

	q.Async(func() { rc.deliver(seq, recs, changes) })
}

func (rc *ResultsController[R]) deliver(seq uint64, recs []R, changes []recordChange[R]) {
	rc.mu.Lock()
	if seq > rc.currentSeq {
		rc.current = recs
		rc.currentSeq = seq
	}
	delegate := rc.delegate
	rc.mu.Unlock()

	if delegate == nil || len(changes) == 0 {
		return
	}
	delegate.WillChangeContent()
	for _, c := range changes {
		delegate.DidChangeRecord(c.rec, c.index, c.kind, c.newIndex)
	}
	delegate.DidChangeContent()
}

// recordChange is one entry of a diff.
type recordChange[R Record] struct {
	rec      R
	index    int
	kind     ChangeKind
	newIndex int
}

// diffRecords computes the changes that turn before into after, matching records
// by key. Deletions carry indices into before, insertions indices into after.
// Records that keep their relative order (the longest increasing run of before
// positions in after order) stay put; the remaining common records are moves.
// Stable records whose contents differ are updates.
func diffRecords[R Record](before, after []R) []recordChange[R] {
	oldPos := make(map[string]int, len(before))
	for i, r := range before {
		oldPos[r.RecordKey()] = i
	}
	newPos := make(map[string]int, len(after))
	for j, r := range after {
		newPos[r.RecordKey()] = j
	}

	var changes []recordChange[R]
	for i, r := range before {
		if _, ok := newPos[r.RecordKey()]; !ok {
			changes = append(changes, recordChange[R]{rec: r, index: i, kind: ChangeDelete, newIndex: NoIndex})
		}
	}
	for j, r := range after {
		if _, ok := oldPos[r.RecordKey()]; !ok {
			changes = append(changes, recordChange[R]{rec: r, index: NoIndex, kind: ChangeInsert, newIndex: j})
		}
	}

	// Common records in after order with their before positions.
	var commonNew []int
	var commonOld []int
	for j, r := range after {
		if i, ok := oldPos[r.RecordKey()]; ok {
			commonNew = append(commonNew, j)
			commonOld = append(commonOld, i)
		}
	}
	stable := LongestIncreasing(commonOld)

	var updates []recordChange[R]
	for k, j := range commonNew {
		i := commonOld[k]
		if !stable[k] {
			changes = append(changes, recordChange[R]{rec: after[j], index: i, kind: ChangeMove, newIndex: j})
			continue
		}
		if !reflect.DeepEqual(before[i], after[j]) {
			updates = append(updates, recordChange[R]{rec: after[j], index: i, kind: ChangeUpdate, newIndex: NoIndex})
		}
	}
	return append(changes, updates...)
}

// LongestIncreasing marks the members of one longest strictly increasing
// subsequence of seq. Diffs use it to find the records that kept their
// relative order.
func LongestIncreasing(seq []int) []bool {
	marks := make([]bool, len(seq))
	if len(seq) == 0 {
		return marks
	}

	// tails[l] is the index in seq of the smallest tail of an increasing run
	// of length l+1.
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for k, v := range seq {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if seq[tails[mid]] < v {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			prev[k] = tails[lo-1]
		} else {
			prev[k] = -1
		}
		if lo == len(tails) {
			tails = append(tails, k)
		} else {
			tails[lo] = k
		}
	}

	for k := tails[len(tails)-1]; k >= 0; k = prev[k] {
		marks[k] = true
	}
	return marks
}
