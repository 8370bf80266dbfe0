package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	llm "textgate/internal/llm/llmerr"
	"textgate/pkg/models"
)

// --- helpers ---

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func sampleRequest() models.CallRequest {
	return models.CallRequest{
		Model:       "gpt-4o-mini",
		System:      "You are a summarizer.",
		Prompt:      "Summarize: hello",
		Temperature: 0.2,
		TopP:        0.9,
		MaxTokens:   256,
	}
}

func writeChatResponse(w http.ResponseWriter, text, finishReason string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"choices": [{"message": {"role": "assistant", "content": %q}, "finish_reason": %q}],
		"usage": {"prompt_tokens": 100, "completion_tokens": 25}
	}`, text, finishReason)
}

// --- Call tests ---

func TestCall_ValidResponse(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type: %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("unexpected model: %s", req.Model)
		}
		if len(req.Messages) != 2 {
			t.Fatalf("expected system+user messages, got %d", len(req.Messages))
		}
		if req.Messages[0].Role != "system" || req.Messages[0].Content != "You are a summarizer." {
			t.Errorf("unexpected system message: %+v", req.Messages[0])
		}
		if req.Messages[1].Role != "user" || req.Messages[1].Content != "Summarize: hello" {
			t.Errorf("unexpected user message: %+v", req.Messages[1])
		}
		if req.MaxTokens != 256 {
			t.Errorf("unexpected max_tokens: %d", req.MaxTokens)
		}

		writeChatResponse(w, "a fine summary", "stop")
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "sk-test", 5*time.Second)
	res, err := c.Call(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Text != "a fine summary" {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if res.Usage.PromptTokens != 100 || res.Usage.CompletionTokens != 25 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
}

func TestCall_OmitsSystemMessageWhenEmpty(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("expected a single user message, got %+v", req.Messages)
		}
		writeChatResponse(w, "ok", "stop")
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 5*time.Second)
	req := sampleRequest()
	req.System = ""
	if _, err := c.Call(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCall_NoAuthHeaderWithoutKey(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("expected no auth header, got %q", got)
		}
		writeChatResponse(w, "ok", "stop")
	})
	defer ts.Close()

	c := NewClient("vllm", ts.URL, "", 5*time.Second)
	if _, err := c.Call(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCall_TrimsTrailingSlash(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeChatResponse(w, "ok", "stop")
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL+"/", "", 5*time.Second)
	if _, err := c.Call(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- error classification ---

func TestCall_RateLimited(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestCall_GatewayTimeout(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestCall_ServerError(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrModelError) {
		t.Errorf("expected ErrModelError, got %v", err)
	}
}

func TestCall_ContentFilter(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChatResponse(w, "", "content_filter")
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrContentFiltered) {
		t.Errorf("expected ErrContentFiltered, got %v", err)
	}
}

func TestCall_EmptyChoices(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": [], "usage": {"prompt_tokens": 0, "completion_tokens": 0}}`))
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrModelError) {
		t.Errorf("expected ErrModelError for empty choices, got %v", err)
	}
}

func TestCall_MalformedResponse(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrModelError) {
		t.Errorf("expected ErrModelError for malformed body, got %v", err)
	}
}

func TestCall_Timeout(t *testing.T) {
	ts := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		writeChatResponse(w, "too late", "stop")
	})
	defer ts.Close()

	c := NewClient("openai", ts.URL, "", 100*time.Millisecond)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}
