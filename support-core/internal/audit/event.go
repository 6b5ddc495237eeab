// Package audit records proposal lifecycle events to one or more sinks.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Proposal lifecycle event types.
const (
	EventProposalCreated  = "proposal.created"
	EventAutoApproved     = "proposal.auto_approved"
	EventApprovalRecorded = "proposal.approval_recorded"
	EventApproved         = "proposal.approved"
	EventRejected         = "proposal.rejected"
	EventExecuted         = "proposal.executed"
)

// Event is one audit record. PrevHash and Hash are set by chaining sinks.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"eventType"`
	Actor      string                 `json:"actor,omitempty"`
	ProposalID string                 `json:"proposalId,omitempty"`
	Category   string                 `json:"category,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	PrevHash   string                 `json:"prevHash,omitempty"`
	Hash       string                 `json:"hash,omitempty"`
	Ts         time.Time              `json:"ts"`
}

var ErrNotFound = errors.New("audit event not found")

// NewEvent stamps an ID and UTC timestamp.
func NewEvent(eventType, actor, proposalID, category string, payload map[string]interface{}) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Actor:      actor,
		ProposalID: proposalID,
		Category:   category,
		Payload:    payload,
		Ts:         time.Now().UTC(),
	}
}

// body is the hashed portion of an event.
func (e *Event) body() map[string]interface{} {
	return map[string]interface{}{
		"id":         e.ID,
		"eventType":  e.Type,
		"actor":      e.Actor,
		"proposalId": e.ProposalID,
		"category":   e.Category,
		"payload":    e.Payload,
		"ts":         e.Ts.UTC().Format(time.RFC3339Nano),
	}
}

// envelope is the full exported form used by streaming and archive sinks.
func (e *Event) envelope() map[string]interface{} {
	env := e.body()
	env["prevHash"] = e.PrevHash
	env["hash"] = e.Hash
	return env
}

// Sink accepts audit events.
type Sink interface {
	Append(ctx context.Context, ev *Event) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Append(context.Context, *Event) error { return nil }

// MultiSink fans an event out to every sink in order. Chaining sinks should
// come first so later sinks see the computed hashes.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, ev *Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
