// Package loadtest measures the cache under concurrent readers.
//
// It fills a cache with synthetic channels and messages, then runs many
// readers that each load a channel list and one channel's messages, the
// queries a client issues when it opens a conversation. Latencies are
// collected per query and summarized as percentiles.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
)

// TestCache represents a populated cache for load testing.
type TestCache struct {
	DB                 *store.Database
	ChannelIDs         []model.ChannelID
	MessagesPerChannel int
	TotalMessages      int
	ownsDB             bool
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration   `json:"min" yaml:"min"`
	Max          time.Duration   `json:"max" yaml:"max"`
	Mean         time.Duration   `json:"mean" yaml:"mean"`
	P50          time.Duration   `json:"p50" yaml:"p50"` // Median
	P95          time.Duration   `json:"p95" yaml:"p95"`
	P99          time.Duration   `json:"p99" yaml:"p99"`
	TotalQueries int             `json:"total_queries" yaml:"total_queries"`
	Errors       int             `json:"errors" yaml:"errors"`
	Durations    []time.Duration `json:"-" yaml:"-"`
}

// CreateTestCache opens a cache at dbPath and fills it with numChannels
// channels holding messagesPerChannel messages each.
//
// Channels get staggered activity times so the channel list has a stable
// order, and every tenth message is a thread reply.
func CreateTestCache(ctx context.Context, dbPath string, numChannels, messagesPerChannel int) (*TestCache, error) {
	db, err := store.Open(dbPath, store.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	tc, err := Populate(ctx, db, numChannels, messagesPerChannel)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	tc.ownsDB = true
	return tc, nil
}

// Populate fills an open cache with synthetic data.
func Populate(ctx context.Context, db *store.Database, numChannels, messagesPerChannel int) (*TestCache, error) {
	tc := &TestCache{
		DB:                 db,
		ChannelIDs:         make([]model.ChannelID, 0, numChannels),
		MessagesPerChannel: messagesPerChannel,
	}

	for _, ch := range generateChannels(numChannels, messagesPerChannel) {
		err := db.Write(ctx, func(s *store.Session) error {
			if _, err := s.SaveChannel(*ch); err != nil {
				return err
			}
			cid, _ := ch.ChannelID()
			for _, m := range ch.Messages {
				if _, err := s.SaveMessage(m, cid); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to insert channel %s: %w", ch.CID, err)
		}
		cid, _ := ch.ChannelID()
		tc.ChannelIDs = append(tc.ChannelIDs, cid)
		tc.TotalMessages += len(ch.Messages)
	}

	return tc, nil
}

// Close closes the cache if CreateTestCache opened it.
func (tc *TestCache) Close() error {
	if tc.ownsDB && tc.DB != nil {
		return tc.DB.Close()
	}
	return nil
}

// openConversation runs the reads of a client opening a channel.
func (tc *TestCache) openConversation(ctx context.Context, cid model.ChannelID) ([]*store.MessageRecord, error) {
	view := tc.DB.ViewContext()
	if _, err := store.Fetch(ctx, view, store.ChannelList(store.ChannelListFilter{}).Limit(20)); err != nil {
		return nil, err
	}
	return store.Fetch(ctx, view, store.MessagesInChannel(cid).Limit(25))
}

// RunConcurrentQueries simulates numReaders clients each opening
// queriesPerReader conversations.
//
// Each conversation's latency is recorded. Returns aggregated latency
// statistics.
func (tc *TestCache) RunConcurrentQueries(ctx context.Context, numReaders, queriesPerReader int) (*LatencyStats, error) {
	if len(tc.ChannelIDs) == 0 {
		return nil, fmt.Errorf("cache has no channels")
	}

	var mu sync.Mutex
	var allDurations []time.Duration
	var errorCount atomic.Int64

	var g errgroup.Group
	for i := 0; i < numReaders; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			durations := make([]time.Duration, 0, queriesPerReader)
			for j := 0; j < queriesPerReader; j++ {
				cid := tc.ChannelIDs[rng.Intn(len(tc.ChannelIDs))]

				start := time.Now()
				_, err := tc.openConversation(ctx, cid)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorCount.Add(1)
					if ctx.Err() != nil {
						break
					}
				}
			}

			mu.Lock()
			allDurations = append(allDurations, durations...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if int(errorCount.Load()) == len(allDurations) {
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = int(errorCount.Load())
	return stats, nil
}

// VerifyConsistency runs numReaders readers next to a writer that keeps
// adding messages, for duration.
//
// Readers check that every message they load belongs to the channel they
// asked for and that messages come newest first. The first violation or
// read failure is returned.
func (tc *TestCache) VerifyConsistency(ctx context.Context, numReaders int, duration time.Duration) error {
	if len(tc.ChannelIDs) == 0 {
		return fmt.Errorf("cache has no channels")
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for i := 0; ctx.Err() == nil; i++ {
			cid := tc.ChannelIDs[i%len(tc.ChannelIDs)]
			msg := schema.MessagePayload{
				ID:        fmt.Sprintf("live-%06d", i),
				Text:      "live message",
				User:      schema.UserPayload{ID: "loadtest-writer"},
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}
			err := tc.DB.Write(ctx, func(s *store.Session) error {
				_, err := s.SaveMessage(msg, cid)
				return err
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("writer failed: %w", err)
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	for i := 0; i < numReaders; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			for ctx.Err() == nil {
				cid := tc.ChannelIDs[rng.Intn(len(tc.ChannelIDs))]
				msgs, err := tc.openConversation(ctx, cid)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("reader %d failed: %w", i, err)
				}
				for k, m := range msgs {
					if m.ID == "" {
						return fmt.Errorf("reader %d found a message with empty id", i)
					}
					if m.ChannelCID != cid.String() {
						return fmt.Errorf("reader %d got message %s of %s in %s", i, m.ID, m.ChannelCID, cid)
					}
					if k > 0 && m.CreatedAt.After(msgs[k-1].CreatedAt) {
						return fmt.Errorf("reader %d got %s out of order in %s", i, m.ID, cid)
					}
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	return g.Wait()
}

// generateChannels creates channel states with a realistic spread of
// activity. Generation is deterministic.
func generateChannels(numChannels, messagesPerChannel int) []*schema.ChannelPayload {
	types := []string{"messaging", "team", "livestream"}
	authors := []string{"alice", "bob", "carol", "dave"}
	baseTime := time.Now().UTC().Add(-30 * 24 * time.Hour) // 30 days ago

	channels := make([]*schema.ChannelPayload, numChannels)
	for i := 0; i < numChannels; i++ {
		cid := fmt.Sprintf("%s:load-%05d", types[i%len(types)], i)
		createdAt := baseTime.Add(time.Duration(i) * time.Minute)

		ch := &schema.ChannelPayload{
			CID:         cid,
			Name:        fmt.Sprintf("Load %d", i),
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
			MemberCount: len(authors),
			UnreadCount: i % 7,
			Messages:    make([]schema.MessagePayload, 0, messagesPerChannel),
		}
		for _, a := range authors {
			ch.Members = append(ch.Members, schema.MemberPayload{
				User:      schema.UserPayload{ID: a, Name: a},
				CreatedAt: createdAt,
			})
		}

		var lastRoot string
		for j := 0; j < messagesPerChannel; j++ {
			at := createdAt.Add(time.Duration(j) * time.Second)
			m := schema.MessagePayload{
				ID:        fmt.Sprintf("load-%05d-%05d", i, j),
				CID:       cid,
				Text:      fmt.Sprintf("message %d in channel %d", j, i),
				User:      schema.UserPayload{ID: authors[j%len(authors)]},
				CreatedAt: at,
				UpdatedAt: at,
			}
			if j%10 == 9 && lastRoot != "" {
				m.ParentID = lastRoot
			} else {
				lastRoot = m.ID
			}
			ch.Messages = append(ch.Messages, m)
		}
		if n := len(ch.Messages); n > 0 {
			last := ch.Messages[n-1].CreatedAt
			ch.LastMessageAt = &last
		}

		channels[i] = ch
	}

	return channels
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
