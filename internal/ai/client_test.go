package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatCompletion(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  hello there  "}}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", "anthropic/claude-3-haiku", srv.URL, nil)
	out, err := c.ChatCompletion(context.Background(), []Message{
		{Role: "user", Content: "hi"},
	}, false)
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("expected trimmed content, got %q", out)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.Model != "anthropic/claude-3-haiku" {
		t.Fatalf("expected model in request, got %q", gotBody.Model)
	}
}

func TestChatCompletionJSONModeExtendsSystemPrompt(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", "anthropic/claude-3-haiku", srv.URL, nil)
	original := []Message{
		{Role: "system", Content: "You are a trader."},
		{Role: "user", Content: "decide"},
	}
	if _, err := c.ChatCompletion(context.Background(), original, true); err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	if len(gotBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(gotBody.Messages))
	}
	if gotBody.Messages[0].Content == "You are a trader." {
		t.Fatalf("expected JSON instruction appended to system prompt")
	}
	// The caller's slice must not be mutated.
	if original[0].Content != "You are a trader." {
		t.Fatalf("caller messages mutated: %q", original[0].Content)
	}
}

func TestChatCompletionAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", "some/model", srv.URL, nil)
	_, err := c.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}}, false)
	var cerr *ClientError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ClientError, got %v", err)
	}
	if cerr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", cerr.Status)
	}
	if cerr.Message != "rate limited" {
		t.Fatalf("expected upstream message, got %q", cerr.Message)
	}
}

func TestChatCompletionRequiresKey(t *testing.T) {
	c := NewClient("", "some/model", "http://unused", nil)
	_, err := c.ChatCompletion(context.Background(), nil, false)
	var cerr *ClientError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ClientError for missing key, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"Here you go:\n{\"a\":1}\nHope that helps!", `{"a":1}`},
		{"no json here", "no json here"},
		{"prefix {\"nested\":{\"b\":2}} suffix", `{"nested":{"b":2}}`},
	}
	for _, tc := range cases {
		if got := ExtractJSON(tc.in); got != tc.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
