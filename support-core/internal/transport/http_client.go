package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultEndpoint   = "https://api.anthropic.com/v1/messages"
	defaultAPIVersion = "2023-06-01"
	maxErrorBody      = 2048
)

type HTTPClientConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	// Timeout bounds the whole HTTP exchange; per-call deadlines come from ctx.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient speaks the messages API over HTTP.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	apiVersion string
	client     *http.Client
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("model api key required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		apiVersion: version,
		client:     client,
	}, nil
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Tools       []Tool    `json:"tools,omitempty"`
}

func (c *HTTPClient) Invoke(ctx context.Context, req Request) (*Reply, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("model marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("model build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.apiVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	return decodeReply(resp)
}

func decodeReply(resp *http.Response) (*Reply, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if reply.Content == nil {
		return nil, fmt.Errorf("%w: no content", ErrMalformedReply)
	}
	return &reply, nil
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

var _ Transport = (*HTTPClient)(nil)
