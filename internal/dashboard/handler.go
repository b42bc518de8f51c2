package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/store"
	cachesync "github.com/chatkit/chatcache/internal/sync"
)

// DefaultRecentMessages is how many of the newest messages Attach observes.
const DefaultRecentMessages = 200

// ChannelUpdateData describes one channel list change.
type ChannelUpdateData struct {
	Action        string     `json:"action"` // insert, move, update, remove
	CID           string     `json:"cid"`
	Name          string     `json:"name,omitempty"`
	Index         int        `json:"index"`
	ToIndex       int        `json:"to_index,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	MemberCount   int        `json:"member_count"`
	Hidden        bool       `json:"hidden,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// MessageUpdateData describes one message change.
type MessageUpdateData struct {
	Action     string `json:"action"`
	ID         string `json:"id"`
	CID        string `json:"cid"`
	Author     string `json:"author"`
	Text       string `json:"text"`
	LocalState string `json:"local_state,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// SyncCompleteData contains sync completion information
type SyncCompleteData struct {
	Channels       int   `json:"channels"`
	ChannelsFailed int   `json:"channels_failed"`
	Messages       int   `json:"messages"`
	MessagesFailed int   `json:"messages_failed"`
	DurationMS     int64 `json:"duration_ms"`
}

// Handler turns store observer batches and sync results into dashboard
// messages.
type Handler struct {
	server *Server
	db     *store.Database
	logger *slog.Logger

	callbacks *queue.Serial
	channels  *observer.ListObserver[*store.ChannelRecord, model.Channel]
	messages  *observer.ListObserver[*store.MessageRecord, model.Message]
	cancels   []func()

	mu    sync.Mutex
	stats store.Stats
}

// NewHandler creates a handler that broadcasts through server. Clients that
// connect get the latest stats as their welcome message.
func NewHandler(server *Server, db *store.Database, logger *slog.Logger) *Handler {
	h := &Handler{
		server:    server,
		db:        db,
		logger:    logging.OrDiscard(logger).With("component", "dashboard"),
		callbacks: queue.NewSerial("dashboard.callbacks"),
	}
	server.SetWelcome(func() (Message, bool) {
		msg, err := NewMessage(MessageTypeStats, h.Stats())
		if err != nil {
			return Message{}, false
		}
		return msg, true
	})
	return h
}

// Attach starts background observers over all channels and the newest
// messages and broadcasts their changes. The initial contents arrive as an
// insert batch.
func (h *Handler) Attach(ctx context.Context) error {
	bg := h.db.BackgroundContext()

	h.channels = observer.NewListObserver(bg,
		store.ChannelList(store.ChannelListFilter{IncludeHidden: true, IncludeDeleted: true}),
		observer.ChannelItem,
		observer.Config[model.Channel]{Background: true, CallbackQueue: h.callbacks, Logger: h.logger})
	h.messages = observer.NewListObserver(bg,
		store.Messages().OrderBy("m.created_at DESC").Limit(DefaultRecentMessages),
		observer.MessageItem,
		observer.Config[model.Message]{Background: true, CallbackQueue: h.callbacks, Logger: h.logger})

	h.cancels = append(h.cancels,
		h.channels.OnChange(h.OnChannelsChange),
		h.messages.OnChange(h.OnMessagesChange),
		bg.Events().Subscribe(func(e store.Event) {
			if e == store.DidRemoveAllData {
				h.callbacks.Async(h.OnWipe)
			}
		}),
	)

	if err := h.BroadcastStats(ctx); err != nil {
		return err
	}
	if err := h.channels.StartObserving(ctx); err != nil {
		return fmt.Errorf("failed to observe channels: %w", err)
	}
	if err := h.messages.StartObserving(ctx); err != nil {
		return fmt.Errorf("failed to observe messages: %w", err)
	}
	return nil
}

// Detach stops observing.
func (h *Handler) Detach() {
	for _, cancel := range h.cancels {
		cancel()
	}
	h.cancels = nil
	if h.channels != nil {
		h.channels.Close()
	}
	if h.messages != nil {
		h.messages.Close()
	}
}

// Flush waits until every batch observed so far has been broadcast.
func (h *Handler) Flush() {
	if h.channels != nil {
		h.channels.Flush()
	}
	if h.messages != nil {
		h.messages.Flush()
	}
	queue.Flush(h.callbacks)
}

// OnChannelsChange broadcasts one channel_update for the batch, followed by
// fresh stats.
func (h *Handler) OnChannelsChange(batch []observer.ListChange[model.Channel]) {
	if len(batch) == 0 {
		return
	}
	updates := make([]ChannelUpdateData, 0, len(batch))
	for _, c := range batch {
		ch := c.Item
		u := ChannelUpdateData{
			Action:        c.Kind.String(),
			CID:           ch.CID.String(),
			Name:          ch.Name,
			Index:         c.Index,
			UnreadCount:   ch.UnreadCount,
			MemberCount:   ch.MemberCount,
			Hidden:        ch.IsHidden,
			LastMessageAt: ch.LastMessageAt,
		}
		if c.Kind == observer.ListMove {
			u.ToIndex = c.ToIndex
		}
		updates = append(updates, u)
	}
	h.logger.Debug("Channels changed", "changes", len(updates))
	h.broadcast(MessageTypeChannelUpdate, updates)
	h.refreshStats()
}

// OnMessagesChange broadcasts one message_update for the batch, followed by
// fresh stats.
func (h *Handler) OnMessagesChange(batch []observer.ListChange[model.Message]) {
	if len(batch) == 0 {
		return
	}
	updates := make([]MessageUpdateData, 0, len(batch))
	for _, c := range batch {
		m := c.Item
		updates = append(updates, MessageUpdateData{
			Action:     c.Kind.String(),
			ID:         string(m.ID),
			CID:        m.CID.String(),
			Author:     string(m.Author.ID),
			Text:       m.Text,
			LocalState: string(m.LocalState),
			Deleted:    m.DeletedAt != nil,
		})
	}
	h.logger.Debug("Messages changed", "changes", len(updates))
	h.broadcast(MessageTypeMessageUpdate, updates)
	h.refreshStats()
}

// OnSyncComplete broadcasts the result of a full spool sync.
func (h *Handler) OnSyncComplete(res cachesync.Result, duration time.Duration) {
	h.logger.Info("Sync complete", "channels", res.Channels, "messages", res.Messages, "duration", duration)
	h.broadcast(MessageTypeSyncComplete, SyncCompleteData{
		Channels:       res.Channels,
		ChannelsFailed: res.ChannelsFailed,
		Messages:       res.Messages,
		MessagesFailed: res.MessagesFailed,
		DurationMS:     duration.Milliseconds(),
	})
}

// OnWipe broadcasts that the cache was emptied.
func (h *Handler) OnWipe() {
	h.logger.Info("Cache wiped")
	h.broadcast(MessageTypeWipe, nil)
	h.refreshStats()
}

// BroadcastStats recounts the store and broadcasts the result.
func (h *Handler) BroadcastStats(ctx context.Context) error {
	st, err := h.db.Stats(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.stats = st
	h.mu.Unlock()

	h.broadcast(MessageTypeStats, st)
	return nil
}

// Stats returns the most recently counted statistics.
func (h *Handler) Stats() store.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) refreshStats() {
	if err := h.BroadcastStats(context.Background()); err != nil {
		h.logger.Warn("Warning: failed to count stats", "error", err)
	}
}

func (h *Handler) broadcast(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Error("Failed to build message", "error", err)
		return
	}
	h.server.Broadcast(msg)
}
