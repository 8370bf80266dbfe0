// Package openai implements models.LLMClient against the OpenAI-compatible
// chat completions API. vLLM serves the same API, so this client covers
// both provider kinds.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	llm "textgate/internal/llm/llmerr"
	"textgate/pkg/models"
)

// Client calls a chat-completions endpoint. baseURL includes the /v1 prefix
// (e.g. "https://api.openai.com/v1", "http://vllm:8000/v1").
type Client struct {
	baseURL string
	apiKey  string
	name    string
	client  *http.Client
}

// NewClient creates a chat-completions client. name distinguishes the
// provider families sharing this protocol ("openai", "vllm").
func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		name:    name,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return c.name }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) Call(ctx context.Context, req models.CallRequest) (models.CallResult, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return models.CallResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.CallResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.CallResult{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.CallResult{}, classifyStatus(resp.StatusCode, resp.Body)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return models.CallResult{}, fmt.Errorf("%w: decoding response: %v", llm.ErrModelError, err)
	}
	if len(chat.Choices) == 0 {
		return models.CallResult{}, fmt.Errorf("%w: response contained no choices", llm.ErrModelError)
	}
	if chat.Choices[0].FinishReason == "content_filter" {
		return models.CallResult{}, fmt.Errorf("%w: finish_reason content_filter", llm.ErrContentFiltered)
	}

	return models.CallResult{
		Text: chat.Choices[0].Message.Content,
		Usage: models.Usage{
			PromptTokens:     chat.Usage.PromptTokens,
			CompletionTokens: chat.Usage.CompletionTokens,
		},
	}, nil
}

func classifyStatus(status int, body io.Reader) error {
	snippet, _ := io.ReadAll(io.LimitReader(body, 512))
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", llm.ErrRateLimited, status, snippet)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", llm.ErrTimeout, status)
	default:
		return fmt.Errorf("%w: status %d: %s", llm.ErrModelError, status, snippet)
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", llm.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", llm.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", llm.ErrModelError, err)
}

var _ models.LLMClient = (*Client)(nil)
