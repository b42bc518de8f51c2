package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chatkit/chatcache/internal/queue"
)

// TestCanTransition tests the allowed state transitions
func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to StateKind
		want     bool
	}{
		{Initialized, LocalDataFetched, true},
		{Initialized, LocalDataFetchFailed, true},
		{Initialized, RemoteDataFetched, false},
		{LocalDataFetched, RemoteDataFetched, true},
		{LocalDataFetched, RemoteDataFetchFailed, true},
		{LocalDataFetched, Initialized, false},
		{LocalDataFetched, LocalDataFetchFailed, false},
		{LocalDataFetchFailed, LocalDataFetched, true},
		{LocalDataFetchFailed, RemoteDataFetched, true},
		{RemoteDataFetched, RemoteDataFetchFailed, true},
		{RemoteDataFetchFailed, RemoteDataFetched, true},
		{RemoteDataFetched, LocalDataFetched, false},
		{RemoteDataFetchFailed, Initialized, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// TestDataController_SetState tests listener fan-out and that invalid
// transitions are ignored
func TestDataController_SetState(t *testing.T) {
	q := queue.NewSerial("test.callbacks")
	c := newDataController("test", q, nil)

	var got []StateKind
	cancel := c.OnStateChange(func(s State) { got = append(got, s.Kind) })
	var second []StateKind
	c.OnStateChange(func(s State) { second = append(second, s.Kind) })

	c.setState(State{Kind: RemoteDataFetched}) // invalid from Initialized
	c.setState(State{Kind: LocalDataFetched})
	c.setState(State{Kind: RemoteDataFetchFailed, Err: errors.New("offline")})
	queue.Flush(q)

	if c.State().Kind != RemoteDataFetchFailed || c.State().Err == nil {
		t.Errorf("State() = %s, want remoteDataFetchFailed with error", c.State())
	}
	want := []StateKind{LocalDataFetched, RemoteDataFetchFailed}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, second); diff != "" {
		t.Errorf("second listener mismatch (-want +got):\n%s", diff)
	}
	if !c.CanBeRecovered() {
		t.Error("CanBeRecovered() = false after a remote fetch")
	}

	cancel()
	c.setState(State{Kind: RemoteDataFetched})
	queue.Flush(q)
	if len(got) != 2 {
		t.Errorf("canceled listener called: %v", got)
	}
	if len(second) != 3 {
		t.Errorf("second listener got %d states, want 3", len(second))
	}
}

// TestDataController_SynchronizeNotImplemented tests that the base
// controller panics
func TestDataController_SynchronizeNotImplemented(t *testing.T) {
	c := newDataController("bare", queue.Immediate{}, nil)
	defer func() {
		if recover() == nil {
			t.Error("Synchronize() did not panic")
		}
	}()
	c.Synchronize(context.Background(), nil)
}
