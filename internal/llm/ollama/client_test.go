package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	llm "textgate/internal/llm/llmerr"
	"textgate/pkg/models"
)

// --- helpers ---

func ollamaServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func sampleRequest() models.CallRequest {
	return models.CallRequest{
		Model:       "llama3:8b",
		System:      "You translate text.",
		Prompt:      "Translate: bonjour",
		Temperature: 0.1,
		TopP:        0.95,
		MaxTokens:   512,
	}
}

// --- Call tests ---

func TestCall_ValidResponse(t *testing.T) {
	ts := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "llama3:8b" {
			t.Errorf("unexpected model: %s", req.Model)
		}
		if req.Prompt != "Translate: bonjour" {
			t.Errorf("unexpected prompt: %q", req.Prompt)
		}
		if req.System != "You translate text." {
			t.Errorf("unexpected system: %q", req.System)
		}
		if req.Stream {
			t.Error("expected stream false")
		}
		if req.Options.NumPredict != 512 {
			t.Errorf("unexpected num_predict: %d", req.Options.NumPredict)
		}

		json.NewEncoder(w).Encode(generateResponse{
			Response:        "hello",
			PromptEvalCount: 42,
			EvalCount:       7,
		})
	})
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	res, err := c.Call(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Text != "hello" {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if res.Usage.PromptTokens != 42 || res.Usage.CompletionTokens != 7 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
}

func TestCall_Name(t *testing.T) {
	c := NewClient("http://localhost:11434", time.Second)
	if c.Name() != "ollama" {
		t.Errorf("unexpected name: %s", c.Name())
	}
}

func TestCall_ServerError(t *testing.T) {
	ts := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "model not found"}`, http.StatusNotFound)
	})
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrModelError) {
		t.Errorf("expected ErrModelError, got %v", err)
	}
}

func TestCall_MalformedResponse(t *testing.T) {
	ts := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrModelError) {
		t.Errorf("expected ErrModelError, got %v", err)
	}
}

func TestCall_Timeout(t *testing.T) {
	ts := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		json.NewEncoder(w).Encode(generateResponse{Response: "too late"})
	})
	defer ts.Close()

	c := NewClient(ts.URL, 100*time.Millisecond)
	_, err := c.Call(context.Background(), sampleRequest())
	if !errors.Is(err, llm.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	ts := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		json.NewEncoder(w).Encode(generateResponse{Response: "too late"})
	})
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, sampleRequest())
	if !errors.Is(err, llm.ErrTimeout) {
		t.Errorf("expected ErrTimeout for deadline, got %v", err)
	}
}
