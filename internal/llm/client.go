// Package llm is the single point of contact with the completion API.
// It builds requests, enforces timeouts, classifies failures, retries
// transient ones with configured backoff, and extracts JSON from free-form
// or markdown-fenced response text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Completer is the interface agents depend on. The concrete client is
// injected per execution context; there is no process-wide singleton.
type Completer interface {
	// Complete sends one prompt and returns the JSON object embedded in the
	// response text. The ctx deadline, when sooner than the configured
	// per-request timeout, acts as the timeout override.
	Complete(ctx context.Context, prompt string) (json.RawMessage, error)
}

// Client calls an OpenAI-compatible chat completions endpoint (Groq).
type Client struct {
	cfg        domain.LLMConfig
	httpClient *http.Client
	delays     []time.Duration
}

// NewClient builds a client from configuration.
func NewClient(cfg domain.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base url is required")
	}

	delays := make([]time.Duration, len(cfg.RetryDelaysMs))
	for i, ms := range cfg.RetryDelaysMs {
		delays[i] = time.Duration(ms) * time.Millisecond
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		delays:     delays,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
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
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete issues the request, retrying transient failures once per
// configured delay. Non-retryable classifications (malformed response,
// client errors other than 429) propagate immediately. If the caller's
// deadline expires during a backoff wait, the wait is abandoned and a
// TimeoutError returns at once.
func (c *Client) Complete(ctx context.Context, prompt string) (json.RawMessage, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(c.delays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.delays[attempt-1]):
			case <-ctx.Done():
				return nil, &TimeoutError{Message: "deadline expired during backoff", Err: ctx.Err()}
			}
		}

		result, err := c.attempt(ctx, body)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// attempt performs one HTTP round trip and classifies its outcome.
func (c *Client) attempt(ctx context.Context, body []byte) (json.RawMessage, error) {
	timeout := time.Duration(c.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Message: "completion request timed out", Err: err}
		}
		if errors.Is(err, context.Canceled) {
			return nil, &TimeoutError{Message: "completion request canceled", Err: err}
		}
		return nil, &APIError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Message: "read response body: " + err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var apiErr apiErrorBody
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &RateLimitError{Message: msg}
		}
		if resp.StatusCode >= 500 {
			return nil, &APIError{Status: resp.StatusCode, Message: msg, Retryable: true}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, &APIError{Message: "decode response: " + err.Error()}
	}
	if len(chat.Choices) == 0 {
		return nil, &APIError{Message: "response contained no choices"}
	}

	raw := ExtractJSON(chat.Choices[0].Message.Content)
	if raw == nil {
		return nil, &APIError{Message: "no JSON object in response text"}
	}
	return raw, nil
}
