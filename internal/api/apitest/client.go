// Package apitest provides a fake api.Client for tests.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chatkit/chatcache/internal/api"
)

// Response is a canned answer: Err is returned when set, otherwise Body is
// JSON round-tripped into the caller's response value.
type Response struct {
	Body any
	Err  error
}

// Client records requests and answers them from canned responses keyed by
// "METHOD path". Requests without a canned response succeed with an empty
// body. Client is safe for concurrent use.
type Client struct {
	mu        sync.Mutex
	responses map[string][]Response
	requests  []api.Endpoint
	// block, when set, is received from before answering.
	block chan struct{}
}

var _ api.Client = (*Client)(nil)

// New creates an empty fake.
func New() *Client {
	return &Client{responses: make(map[string][]Response)}
}

// Respond queues a response for the endpoint's method and path. Responses
// for the same key are used in order; the last one is reused.
func (c *Client) Respond(e api.Endpoint, r Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := e.String()
	c.responses[key] = append(c.responses[key], r)
}

// Block makes every request wait until Release is called.
func (c *Client) Block() {
	c.mu.Lock()
	c.block = make(chan struct{})
	c.mu.Unlock()
}

// Release lets blocked requests continue.
func (c *Client) Release() {
	c.mu.Lock()
	if c.block != nil {
		close(c.block)
		c.block = nil
	}
	c.mu.Unlock()
}

// Requests returns the endpoints requested so far, in order.
func (c *Client) Requests() []api.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.Endpoint(nil), c.requests...)
}

// Count returns how many requests matched e's method and path.
func (c *Client) Count(e api.Endpoint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.requests {
		if r.String() == e.String() {
			n++
		}
	}
	return n
}

// Request implements api.Client.
func (c *Client) Request(ctx context.Context, e api.Endpoint, response any) error {
	c.mu.Lock()
	c.requests = append(c.requests, e)
	block := c.block
	var r Response
	queued := c.responses[e.String()]
	if len(queued) > 0 {
		r = queued[0]
		if len(queued) > 1 {
			c.responses[e.String()] = queued[1:]
		}
	}
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if r.Err != nil {
		return r.Err
	}
	if response == nil || r.Body == nil {
		return nil
	}
	data, err := json.Marshal(r.Body)
	if err != nil {
		return fmt.Errorf("apitest: encode canned response: %w", err)
	}
	return json.Unmarshal(data, response)
}
