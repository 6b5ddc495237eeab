package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRateLimited    = errors.New("model endpoint rate limited")
	ErrUnavailable    = errors.New("model endpoint unavailable")
	ErrMalformedReply = errors.New("malformed model reply")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// ContentBlock is a role-tagged message fragment.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is one model invocation.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []Tool
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Reply is the decoded model output. Usage is nil when the endpoint omitted it.
type Reply struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage"`
}

// Text concatenates every text block.
func (r *Reply) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Transport sends a request to the model endpoint.
type Transport interface {
	Invoke(ctx context.Context, req Request) (*Reply, error)
	Close() error
}

// StatusError is returned for non-2xx endpoint replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("model endpoint returned %d", e.Code)
	}
	return fmt.Sprintf("model endpoint returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == 429:
		return ErrRateLimited
	case e.Code >= 500:
		return ErrUnavailable
	}
	return nil
}
