// Package mock provides a models.LLMClient for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"textgate/internal/llm"
	"textgate/pkg/models"
)

// Client satisfies models.LLMClient for testing. Safe for concurrent use,
// so it can stand in for a provider under parallel batch execution.
type Client struct {
	Name_    string
	CallFunc func(ctx context.Context, req models.CallRequest) (models.CallResult, error)

	mu sync.Mutex
	// Calls records every request received, in order of arrival. Read it
	// only after the run under test has finished.
	Calls []models.CallRequest
}

func (m *Client) Name() string {
	if m.Name_ == "" {
		return "mock"
	}
	return m.Name_
}

func (m *Client) Call(ctx context.Context, req models.CallRequest) (models.CallResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()
	if m.CallFunc != nil {
		return m.CallFunc(ctx, req)
	}
	return models.CallResult{Text: "mock response"}, nil
}

// NewEchoClient returns a client whose response numbers each call, handy
// for asserting batch ordering.
func NewEchoClient() *Client {
	var mu sync.Mutex
	n := 0
	return &Client{
		Name_: "mock-echo",
		CallFunc: func(_ context.Context, req models.CallRequest) (models.CallResult, error) {
			mu.Lock()
			n++
			i := n
			mu.Unlock()
			return models.CallResult{
				Text: fmt.Sprintf("response %d", i),
				Usage: models.Usage{
					PromptTokens:     len(req.Prompt) / 4,
					CompletionTokens: 4,
				},
			}, nil
		},
	}
}

// NewFailingClient returns a client that always returns the given error.
func NewFailingClient(err error) *Client {
	return &Client{
		Name_: "mock-failing",
		CallFunc: func(_ context.Context, _ models.CallRequest) (models.CallResult, error) {
			return models.CallResult{}, err
		},
	}
}

// NewTimeoutClient returns a client that blocks until the context is
// cancelled, then reports a timeout.
func NewTimeoutClient() *Client {
	return &Client{
		Name_: "mock-timeout",
		CallFunc: func(ctx context.Context, _ models.CallRequest) (models.CallResult, error) {
			<-ctx.Done()
			return models.CallResult{}, llm.ErrTimeout
		},
	}
}

var _ models.LLMClient = (*Client)(nil)
