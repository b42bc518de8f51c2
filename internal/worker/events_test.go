package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatkit/chatcache/internal/api/apitest"
	"github.com/chatkit/chatcache/internal/schema"
)

// countEvents returns how many events of eventType were sent.
func countEvents(client *apitest.Client, eventType string) int {
	n := 0
	for _, e := range client.Requests() {
		if body, ok := e.Body.(schema.EventRequestBody); ok && body.Event.Type == eventType {
			n++
		}
	}
	return n
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTypingSender(t *testing.T, opts TypingOptions) (*TypingEventsSender, *apitest.Client, *fakeClock) {
	t.Helper()
	db, client := newFixture(t)
	sender := NewTypingEventsSender(NewEventSender(db, client, nil), opts)
	clock := &fakeClock{now: testEpoch}
	sender.now = clock.Now
	t.Cleanup(sender.Close)
	return sender, client, clock
}

// TestTypingEventsSender_Throttle tests that typing.start is sent at most
// once per throttle window
func TestTypingEventsSender_Throttle(t *testing.T) {
	ctx := context.Background()
	sender, client, clock := newTypingSender(t, TypingOptions{StartThrottle: 5 * time.Second, StopDelay: time.Hour})

	for range 3 {
		if err := sender.Keystroke(ctx, generalCID); err != nil {
			t.Fatalf("Keystroke() failed: %v", err)
		}
		clock.Advance(time.Second)
	}
	if got := countEvents(client, EventTypingStart); got != 1 {
		t.Fatalf("starts within window = %d, want 1", got)
	}

	clock.Advance(5 * time.Second)
	if err := sender.Keystroke(ctx, generalCID); err != nil {
		t.Fatalf("Keystroke() failed: %v", err)
	}
	if got := countEvents(client, EventTypingStart); got != 2 {
		t.Errorf("starts after window = %d, want 2", got)
	}
}

// TestTypingEventsSender_StopAfterDelay tests that typing.stop follows the
// last keystroke
func TestTypingEventsSender_StopAfterDelay(t *testing.T) {
	sender, client, _ := newTypingSender(t, TypingOptions{StopDelay: 20 * time.Millisecond})

	if err := sender.Keystroke(context.Background(), generalCID); err != nil {
		t.Fatalf("Keystroke() failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for countEvents(client, EventTypingStop) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("typing.stop was not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := countEvents(client, EventTypingStop); got != 1 {
		t.Errorf("stops = %d, want 1", got)
	}
}

// TestTypingEventsSender_StopTyping tests the explicit stop
func TestTypingEventsSender_StopTyping(t *testing.T) {
	ctx := context.Background()
	sender, client, _ := newTypingSender(t, TypingOptions{StopDelay: time.Hour})

	// Nothing started, nothing to stop.
	if err := sender.StopTyping(ctx, generalCID); err != nil {
		t.Fatalf("StopTyping() failed: %v", err)
	}
	if len(client.Requests()) != 0 {
		t.Fatalf("StopTyping() without start sent %d events", len(client.Requests()))
	}

	if err := sender.StartTyping(ctx, generalCID); err != nil {
		t.Fatalf("StartTyping() failed: %v", err)
	}
	if err := sender.StopTyping(ctx, generalCID); err != nil {
		t.Fatalf("StopTyping() failed: %v", err)
	}
	if countEvents(client, EventTypingStart) != 1 || countEvents(client, EventTypingStop) != 1 {
		t.Errorf("requests = %v, want one start and one stop", client.Requests())
	}

	// A stop resets the throttle.
	if err := sender.StartTyping(ctx, generalCID); err != nil {
		t.Fatalf("StartTyping() failed: %v", err)
	}
	if got := countEvents(client, EventTypingStart); got != 2 {
		t.Errorf("starts = %d, want 2", got)
	}
}
