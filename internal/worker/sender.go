package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// recordItem is the identity item creator: background workers work on
// records, not model values.
func recordItem(r *store.MessageRecord) (*store.MessageRecord, error) { return r, nil }

// pendingMessages watches the messages in one local state on the background
// context and hands each new one to send. It is shared by MessageSender and
// MessageEditor.
type pendingMessages struct {
	Worker
	observer *observer.ListObserver[*store.MessageRecord, *store.MessageRecord]
	events   *queue.Serial
	queueFor func(cid string) *queue.Serial
	send     func(ctx context.Context, id model.MessageID)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	queued  map[model.MessageID]bool
	queues  map[string]*queue.Serial
	cancelL func()
}

func newPendingMessages(w Worker, name string, state model.LocalMessageState) *pendingMessages {
	p := &pendingMessages{
		Worker: w,
		events: queue.NewSerial(name + ".events"),
		queued: make(map[model.MessageID]bool),
		queues: make(map[string]*queue.Serial),
	}
	p.observer = observer.NewListObserver(w.db.BackgroundContext(), store.MessagesWithLocalState(state), recordItem,
		observer.Config[*store.MessageRecord]{Background: true, CallbackQueue: p.events, Logger: w.logger})
	return p
}

// start begins observing. Messages already waiting are sent first, oldest
// first.
func (p *pendingMessages) start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cancelL = p.observer.OnChange(p.handleChanges)
	p.mu.Unlock()

	if err := p.observer.StartObserving(ctx); err != nil {
		p.mu.Lock()
		p.cancel()
		p.cancelL()
		p.cancel, p.cancelL = nil, nil
		p.mu.Unlock()
		return fmt.Errorf("failed to start observing pending messages: %w", err)
	}
	p.logger.Info("Starting worker")
	return nil
}

// stop cancels in-flight requests and waits for the queues to drain.
func (p *pendingMessages) stop() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.cancelL()
	p.cancel, p.cancelL = nil, nil
	queues := make([]*queue.Serial, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	p.observer.Close()
	queue.Flush(p.events)
	for _, q := range queues {
		queue.Flush(q)
	}
	p.logger.Info("Worker stopped")
}

// wait blocks until every change seen so far has been handled.
func (p *pendingMessages) wait() {
	p.observer.Flush()
	p.mu.Lock()
	queues := make([]*queue.Serial, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()
	for _, q := range queues {
		queue.Flush(q)
	}
}

func (p *pendingMessages) handleChanges(batch []observer.ListChange[*store.MessageRecord]) {
	for _, c := range batch {
		if c.Kind != observer.ListInsert && c.Kind != observer.ListUpdate {
			continue
		}
		p.schedule(c.Item)
	}
}

// schedule queues rec on its channel's queue unless it is already queued.
func (p *pendingMessages) schedule(rec *store.MessageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil || p.queued[rec.ID] {
		return
	}
	p.queued[rec.ID] = true
	q := p.queueFor(rec.ChannelCID)
	ctx, id := p.ctx, rec.ID
	q.Async(func() {
		p.mu.Lock()
		delete(p.queued, id)
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		p.send(ctx, id)
	})
}

// channelQueue returns the serial queue for cid, creating it. Callers hold
// p.mu.
func (p *pendingMessages) channelQueue(cid string) *queue.Serial {
	q, ok := p.queues[cid]
	if !ok {
		q = queue.NewSerial("send." + cid)
		p.queues[cid] = q
	}
	return q
}

// sharedQueue returns the single queue, creating it. Callers hold p.mu.
func (p *pendingMessages) sharedQueue(string) *queue.Serial {
	return p.channelQueue("*")
}

// claim moves a message from want to next if it is still in want. It returns
// the record as it was before the change with its channel, or nil when the
// message is gone or in another state. A message whose channel id does not
// parse is moved to failed instead of next and nil is returned.
func (p *pendingMessages) claim(ctx context.Context, id model.MessageID, want, next, failed model.LocalMessageState) (*store.MessageRecord, model.ChannelID) {
	var (
		claimed *store.MessageRecord
		cid     model.ChannelID
	)
	err := p.db.Write(ctx, func(s *store.Session) error {
		msg, err := s.Message(id)
		if err != nil {
			return err
		}
		if msg == nil {
			p.logger.Info("skipping message that was deleted", "id", id)
			return nil
		}
		if msg.LocalState != want {
			p.logger.Info("skipping message in another local state", "id", id, "state", msg.LocalState)
			return nil
		}
		updated := *msg
		parsed, err := model.ParseChannelID(msg.ChannelCID)
		if err != nil {
			p.logger.Error("failing message with invalid channel", "id", id, "cid", msg.ChannelCID, "error", err)
			updated.LocalState = failed
			return s.UpdateMessage(&updated)
		}
		claimed, cid = msg, parsed
		updated.LocalState = next
		return s.UpdateMessage(&updated)
	})
	if err != nil {
		p.logger.Error("failed to claim message", "id", id, "error", err)
		return nil, model.ChannelID{}
	}
	return claimed, cid
}

// finish saves the server's copy of a message and clears its local state, or
// marks it failed.
func (p *pendingMessages) finish(ctx context.Context, e api.Endpoint, id model.MessageID, cid model.ChannelID, failed model.LocalMessageState) {
	var resp schema.MessageResponse
	err := p.request(ctx, e, &resp, func(s *store.Session, netErr error) error {
		if netErr == nil && resp.Message.ID != "" {
			if _, err := s.SaveMessage(resp.Message, cid); err != nil {
				return err
			}
		}
		msg, err := s.Message(id)
		if err != nil || msg == nil {
			return err
		}
		if netErr != nil {
			msg.LocalState = failed
		} else {
			msg.LocalState = model.LocalMessageStateNone
		}
		return s.UpdateMessage(msg)
	})
	if err != nil {
		p.logger.Warn("Warning: failed to sync message", "id", id, "error", err)
	}
}

// MessageSender sends messages in the pendingSend state. Messages of one
// channel are sent one at a time, oldest first; channels proceed in
// parallel.
type MessageSender struct {
	pending *pendingMessages
}

// NewMessageSender creates a MessageSender. Nothing happens until Start.
func NewMessageSender(db *store.Database, client api.Client, logger *slog.Logger) *MessageSender {
	s := &MessageSender{
		pending: newPendingMessages(newWorker(db, client, logger, "message-sender"), "message-sender", model.LocalMessageStatePendingSend),
	}
	s.pending.queueFor = s.pending.channelQueue
	s.pending.send = s.send
	return s
}

// Start sends the messages already waiting and then watches for new ones.
func (s *MessageSender) Start(ctx context.Context) error { return s.pending.start(ctx) }

// Stop cancels in-flight requests and waits for the send queues to drain. A
// stopped sender cannot be started again.
func (s *MessageSender) Stop() { s.pending.stop() }

// Wait blocks until every message seen so far has been handled.
func (s *MessageSender) Wait() { s.pending.wait() }

func (s *MessageSender) send(ctx context.Context, id model.MessageID) {
	p := s.pending
	msg, cid := p.claim(ctx, id, model.LocalMessageStatePendingSend, model.LocalMessageStateSending, model.LocalMessageStateSendingFailed)
	if msg == nil {
		return
	}
	p.finish(ctx, api.SendMessage(cid, requestBody(msg)), id, cid, model.LocalMessageStateSendingFailed)
}

// MessageEditor sends local edits of messages in the pendingSync state, one
// at a time.
type MessageEditor struct {
	pending *pendingMessages
}

// NewMessageEditor creates a MessageEditor. Nothing happens until Start.
func NewMessageEditor(db *store.Database, client api.Client, logger *slog.Logger) *MessageEditor {
	e := &MessageEditor{
		pending: newPendingMessages(newWorker(db, client, logger, "message-editor"), "message-editor", model.LocalMessageStatePendingSync),
	}
	e.pending.queueFor = e.pending.sharedQueue
	e.pending.send = e.send
	return e
}

// Start syncs the edits already waiting and then watches for new ones.
func (e *MessageEditor) Start(ctx context.Context) error { return e.pending.start(ctx) }

// Stop cancels in-flight requests and waits for the queue to drain. A
// stopped editor cannot be started again.
func (e *MessageEditor) Stop() { e.pending.stop() }

// Wait blocks until every edit seen so far has been handled.
func (e *MessageEditor) Wait() { e.pending.wait() }

func (e *MessageEditor) send(ctx context.Context, id model.MessageID) {
	p := e.pending
	msg, cid := p.claim(ctx, id, model.LocalMessageStatePendingSync, model.LocalMessageStateSyncing, model.LocalMessageStateSyncingFailed)
	if msg == nil {
		return
	}
	p.finish(ctx, api.EditMessage(requestBody(msg)), id, cid, model.LocalMessageStateSyncingFailed)
}

func requestBody(m *store.MessageRecord) schema.MessageRequestBody {
	return schema.MessageRequestBody{
		ID:                 m.ID,
		Text:               m.Text,
		Command:            m.Command,
		Args:               m.Arguments,
		ParentID:           m.ParentID,
		ShowReplyInChannel: m.ShowReplyInChannel,
		Pinned:             m.IsPinned,
	}
}
