// Package ai is the OpenRouter chat-completions client the personas think
// with. It is transport only: prompt construction and response parsing
// belong to the callers.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// Message is one chat turn in OpenRouter's wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClientError is returned when the API answered with an error, or when the
// request could not be made at all (Status 0).
type ClientError struct {
	Message string
	Status  int
}

func (e *ClientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("openrouter: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("openrouter: %s", e.Message)
}

type Client struct {
	apiKey  string
	model   string
	baseURL string
	httpc   *http.Client
	log     *logrus.Logger
}

func NewClient(apiKey, model, baseURL string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

// Model reports which model the client is configured for.
func (c *Client) Model() string { return c.model }

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion sends the messages and returns the first choice's content,
// trimmed. With jsonMode set, Claude-family models get a strict-JSON
// instruction folded into the system message.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	if c.apiKey == "" {
		return "", &ClientError{Message: "API key not configured"}
	}

	if jsonMode && strings.Contains(strings.ToLower(c.model), "claude") {
		messages = withJSONInstruction(messages)
	}

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", "https://botd.risefleet.local")
	req.Header.Set("X-Title", "RISE AI Trading Bot")

	c.log.WithFields(logrus.Fields{"model": c.model, "messages": len(messages)}).Debug("chat completion request")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &ClientError{Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ClientError{Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("API error: %d", resp.StatusCode)
		var apiErr apiErrorBody
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return "", &ClientError{Message: msg, Status: resp.StatusCode}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &ClientError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &ClientError{Message: "response had no choices"}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func withJSONInstruction(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	if len(out) > 0 && out[0].Role == "system" {
		out[0].Content += "\n\nRespond ONLY with valid JSON."
		return out
	}
	return append([]Message{{
		Role:    "system",
		Content: "You are a helpful assistant. Respond ONLY with valid JSON.",
	}}, out...)
}

// ExtractJSON trims any prose the model wrapped around the outermost JSON
// object. Returns the input unchanged when no object is found.
func ExtractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
