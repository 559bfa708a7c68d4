package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is a minimal Generator over a JSON completion endpoint.
//
// The exact wire protocol of the generation service is not genpool's concern;
// this client covers the common chat-completion shape so the CLI has a real
// backend. Error bodies are surfaced verbatim so the executor's classifier can
// pattern-match provider messages ("rate limit exceeded", "quota", ...).
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
	}
}

type httpRequest struct {
	Model       string        `json:"model"`
	Messages    []httpMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type httpMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpResponse struct {
	Choices []struct {
		Message httpMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (Result, error) {
	if c == nil || strings.TrimSpace(c.Endpoint) == "" {
		return Result{}, errors.New("provider endpoint not configured")
	}

	body, err := json.Marshal(httpRequest{
		Model:       req.Model,
		Messages:    []httpMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Result{}, err
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Authorization", "Bearer "+req.Secret)

	resp, err := c.Client.Do(hr)
	if err != nil {
		// Keep the transport error text; the classifier keys on it.
		return Result{}, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	// Cap error bodies; provider messages are short.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("network error reading response: %w", err)
	}

	var out httpResponse
	if jerr := json.Unmarshal(raw, &out); jerr == nil && out.Error != nil {
		return Result{}, fmt.Errorf("provider error (status %d): %s", resp.StatusCode, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("provider error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(out.Choices) == 0 {
		return Result{}, errors.New("provider returned no choices")
	}

	return Result{
		Text:       out.Choices[0].Message.Content,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}
