// Package controller exposes observed cache data together with the
// operations that change it.
//
// A controller combines one or more observers with the workers that mutate
// the records they watch. Synchronize first loads the local data and then
// fetches the remote copy; the controller's State follows both steps.
// Every asynchronous operation takes a completion func(error), which may be
// nil and is always called on the controller's callback queue.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/queue"
)

// StateKind is the phase a controller is in.
type StateKind int

const (
	Initialized StateKind = iota
	LocalDataFetched
	LocalDataFetchFailed
	RemoteDataFetched
	RemoteDataFetchFailed
)

func (k StateKind) String() string {
	switch k {
	case Initialized:
		return "initialized"
	case LocalDataFetched:
		return "localDataFetched"
	case LocalDataFetchFailed:
		return "localDataFetchFailed"
	case RemoteDataFetched:
		return "remoteDataFetched"
	case RemoteDataFetchFailed:
		return "remoteDataFetchFailed"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is a controller's phase and, for the failed kinds, the error that
// caused it.
type State struct {
	Kind StateKind
	Err  error
}

func (s State) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Kind, s.Err)
	}
	return s.Kind.String()
}

// validTransitions lists the states each state may move to.
var validTransitions = map[StateKind][]StateKind{
	Initialized:           {LocalDataFetched, LocalDataFetchFailed},
	LocalDataFetched:      {RemoteDataFetched, RemoteDataFetchFailed},
	LocalDataFetchFailed:  {LocalDataFetched, LocalDataFetchFailed, RemoteDataFetched, RemoteDataFetchFailed},
	RemoteDataFetched:     {RemoteDataFetched, RemoteDataFetchFailed},
	RemoteDataFetchFailed: {RemoteDataFetched, RemoteDataFetchFailed},
}

// CanTransition reports whether a controller in from may move to to.
func CanTransition(from, to StateKind) bool {
	return slices.Contains(validTransitions[from], to)
}

// DataController holds the state shared by every controller. Concrete
// controllers embed it and provide Synchronize.
type DataController struct {
	name      string
	callbacks queue.Queue
	logger    *slog.Logger

	// synchronize is set by the embedding controller.
	synchronize func(ctx context.Context, completion func(error))

	mu    sync.Mutex
	state State

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]func(State)
}

func newDataController(name string, callbacks queue.Queue, logger *slog.Logger) *DataController {
	return &DataController{
		name:      name,
		callbacks: callbacks,
		logger:    logging.OrDiscard(logger).With("controller", name),
		listeners: make(map[int]func(State)),
	}
}

// State returns the current state.
func (c *DataController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanBeRecovered reports whether a remote fetch has completed, successfully
// or not, so that calling Synchronize again retries only the remote step.
func (c *DataController) CanBeRecovered() bool {
	k := c.State().Kind
	return k == RemoteDataFetched || k == RemoteDataFetchFailed
}

// Synchronize loads the local data and then fetches the remote data.
// completion is called once the remote fetch finishes.
func (c *DataController) Synchronize(ctx context.Context, completion func(error)) {
	if c.synchronize == nil {
		panic("controller: " + c.name + " does not implement Synchronize")
	}
	c.synchronize(ctx, completion)
}

// OnStateChange registers fn to receive every state change on the callback
// queue. The returned function unregisters it.
func (c *DataController) OnStateChange(fn func(State)) (cancel func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

// setState moves to s. An invalid transition is logged and ignored.
func (c *DataController) setState(s State) {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from.Kind, s.Kind) {
		c.mu.Unlock()
		logging.Assert(c.logger, false, "invalid state transition", "from", from, "to", s)
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("state changed", "from", from, "to", s)
	c.callbacks.Async(func() {
		for _, fn := range c.stateListeners() {
			fn(s)
		}
	})
}

func (c *DataController) stateListeners() []func(State) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(State), len(ids))
	for i, id := range ids {
		fns[i] = c.listeners[id]
	}
	return fns
}

// needsLocalFetch reports whether Synchronize still has to load local data.
func (c *DataController) needsLocalFetch() bool {
	k := c.State().Kind
	return k == Initialized || k == LocalDataFetchFailed
}

// startLocal runs the observers' initial fetch and records the outcome. It
// reports whether the controller may go on to the remote fetch.
func (c *DataController) startLocal(ctx context.Context, start func(ctx context.Context) error, completion func(error)) bool {
	if !c.needsLocalFetch() {
		return true
	}
	if err := start(ctx); err != nil {
		c.logger.Error("failed to fetch local data", "error", err)
		c.setState(State{Kind: LocalDataFetchFailed, Err: err})
		c.callback(completion, err)
		return false
	}
	c.setState(State{Kind: LocalDataFetched})
	return true
}

// fetchRemote runs fetch in the background, records the outcome and calls
// completion.
func (c *DataController) fetchRemote(ctx context.Context, fetch func(ctx context.Context) error, completion func(error)) {
	go func() {
		err := fetch(ctx)
		if err != nil {
			c.setState(State{Kind: RemoteDataFetchFailed, Err: err})
		} else {
			c.setState(State{Kind: RemoteDataFetched})
		}
		c.callback(completion, err)
	}()
}

// run executes op in the background and calls completion with its result.
func (c *DataController) run(ctx context.Context, op func(ctx context.Context) error, completion func(error)) {
	go func() {
		c.callback(completion, op(ctx))
	}()
}

// callback calls completion with err on the callback queue.
func (c *DataController) callback(completion func(error), err error) {
	if completion == nil {
		return
	}
	c.callbacks.Async(func() { completion(err) })
}
