package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/store"
)

// Channel event types.
const (
	EventTypingStart = "typing.start"
	EventTypingStop  = "typing.stop"
)

// EventSender sends channel events. Events are not stored.
type EventSender struct {
	Worker
}

// NewEventSender creates an EventSender.
func NewEventSender(db *store.Database, client api.Client, logger *slog.Logger) *EventSender {
	return &EventSender{Worker: newWorker(db, client, logger, "event-sender")}
}

// SendEvent sends an event of eventType to cid.
func (e *EventSender) SendEvent(ctx context.Context, cid model.ChannelID, eventType string) error {
	return e.api.Request(ctx, api.SendEvent(cid, eventType), nil)
}

// TypingOptions configures a TypingEventsSender.
type TypingOptions struct {
	// StartThrottle is the minimum time between two typing.start events for
	// one channel while the user keeps typing. Defaults to 5s.
	StartThrottle time.Duration
	// StopDelay is how long after the last keystroke typing.stop is sent.
	// Defaults to 5s.
	StopDelay time.Duration
	Logger    *slog.Logger
}

// TypingEventsSender turns keystrokes into throttled typing.start and
// debounced typing.stop events.
type TypingEventsSender struct {
	events        *EventSender
	startThrottle time.Duration
	stopDelay     time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	typing map[model.ChannelID]*typingState
}

type typingState struct {
	started   bool
	lastStart time.Time
	stop      queue.Debouncer
}

// NewTypingEventsSender creates a TypingEventsSender that sends through
// events.
func NewTypingEventsSender(events *EventSender, opts TypingOptions) *TypingEventsSender {
	if opts.StartThrottle <= 0 {
		opts.StartThrottle = 5 * time.Second
	}
	if opts.StopDelay <= 0 {
		opts.StopDelay = 5 * time.Second
	}
	return &TypingEventsSender{
		events:        events,
		startThrottle: opts.StartThrottle,
		stopDelay:     opts.StopDelay,
		logger:        logging.OrDiscard(opts.Logger).With("worker", "typing-sender"),
		now:           time.Now,
		typing:        make(map[model.ChannelID]*typingState),
	}
}

func (t *TypingEventsSender) state(cid model.ChannelID) *typingState {
	st, ok := t.typing[cid]
	if !ok {
		st = &typingState{}
		t.typing[cid] = st
	}
	return st
}

// Keystroke records a keystroke in cid. It sends typing.start unless one was
// sent within the throttle window, and schedules typing.stop, replacing any
// stop already pending.
func (t *TypingEventsSender) Keystroke(ctx context.Context, cid model.ChannelID) error {
	t.mu.Lock()
	st := t.state(cid)
	st.stop.Schedule(t.stopDelay, func() {
		if err := t.StopTyping(context.Background(), cid); err != nil {
			t.logger.Warn("Warning: failed to send typing stop", "cid", cid, "error", err)
		}
	})
	t.mu.Unlock()

	return t.start(ctx, cid)
}

// StartTyping sends typing.start for cid, subject to the throttle. No stop is
// scheduled.
func (t *TypingEventsSender) StartTyping(ctx context.Context, cid model.ChannelID) error {
	return t.start(ctx, cid)
}

func (t *TypingEventsSender) start(ctx context.Context, cid model.ChannelID) error {
	t.mu.Lock()
	st := t.state(cid)
	now := t.now()
	if st.started && now.Sub(st.lastStart) < t.startThrottle {
		t.mu.Unlock()
		return nil
	}
	st.started = true
	st.lastStart = now
	t.mu.Unlock()

	return t.events.SendEvent(ctx, cid, EventTypingStart)
}

// StopTyping cancels a pending stop and sends typing.stop if typing.start
// was sent for cid.
func (t *TypingEventsSender) StopTyping(ctx context.Context, cid model.ChannelID) error {
	t.mu.Lock()
	st, ok := t.typing[cid]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	st.stop.Cancel()
	started := st.started
	delete(t.typing, cid)
	t.mu.Unlock()

	if !started {
		return nil
	}
	return t.events.SendEvent(ctx, cid, EventTypingStop)
}

// Close cancels every pending stop without sending it.
func (t *TypingEventsSender) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cid, st := range t.typing {
		st.stop.Cancel()
		delete(t.typing, cid)
	}
}
