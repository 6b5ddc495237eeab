package models

import (
	"encoding/json"
	"time"
)

// OperationClass selects the latency tier and model parameters of a support request.
type OperationClass string

const (
	OperationEmergency      OperationClass = "emergency"
	OperationInfrastructure OperationClass = "infrastructure"
	OperationMetaMonitor    OperationClass = "meta_monitor"
	OperationImplementation OperationClass = "implementation"
	OperationStandard       OperationClass = "standard"
)

// OperationClasses lists every known class in tier order.
var OperationClasses = []OperationClass{
	OperationEmergency,
	OperationInfrastructure,
	OperationMetaMonitor,
	OperationImplementation,
	OperationStandard,
}

func (c OperationClass) Valid() bool {
	for _, known := range OperationClasses {
		if c == known {
			return true
		}
	}
	return false
}

const (
	EmergencyCeiling      = 5 * time.Second
	CriticalCeiling       = 10 * time.Second
	ImplementationTarget  = 15 * time.Second
	StandardDefaultBudget = 30 * time.Second
)

// TimeoutCeiling returns the hard ceiling for a class. Classes without a hard
// ceiling report false.
func TimeoutCeiling(c OperationClass) (time.Duration, bool) {
	switch c {
	case OperationEmergency:
		return EmergencyCeiling, true
	case OperationInfrastructure, OperationMetaMonitor:
		return CriticalCeiling, true
	default:
		return 0, false
	}
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// RequestContext carries caller correlation data through an invocation.
type RequestContext struct {
	CorrelationID string            `json:"correlationId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ToolDeclaration describes a tool the model may ask the caller to run.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// SupportRequest is a single inbound support call.
type SupportRequest struct {
	Operation   OperationClass    `json:"operation"`
	Priority    Priority          `json:"priority"`
	Prompt      string            `json:"prompt"`
	Context     *RequestContext   `json:"context,omitempty"`
	Tools       []ToolDeclaration `json:"tools,omitempty"`
	MaxTokens   *int              `json:"maxTokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// SupportResponse is the tagged result of one invocation. Failed responses
// carry Error, ErrorCode and the wrapped sentinel in Err.
type SupportResponse struct {
	Success     bool           `json:"success"`
	Text        string         `json:"text,omitempty"`
	ToolCalls   []ToolCall     `json:"toolCalls,omitempty"`
	TokensUsed  TokenUsage     `json:"tokensUsed"`
	Cost        float64        `json:"cost"`
	LatencyMs   int64          `json:"latencyMs"`
	OperationID string         `json:"operationId"`
	Operation   OperationClass `json:"operation"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Err         error          `json:"-"`
}

// HealthStatus is the rolling view of endpoint health kept by the client.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	LastLatencyMs       int64     `json:"lastLatencyMs"`
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	BreakerState        string    `json:"breakerState"`
}

type Category string

const (
	CategoryArchitecture   Category = "architecture"
	CategoryInfrastructure Category = "infrastructure"
	CategoryCode           Category = "code"
	CategoryDocumentation  Category = "documentation"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryArchitecture, CategoryInfrastructure, CategoryCode, CategoryDocumentation:
		return true
	}
	return false
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
	StatusExecuted ProposalStatus = "executed"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalRecord is one reviewer decision. Records are append-only.
type ApprovalRecord struct {
	Approver       string    `json:"approver"`
	Decision       Decision  `json:"decision"`
	Comment        string    `json:"comment,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ProposalDigest string    `json:"proposalDigest,omitempty"`
}

// DiffStats summarises a unified diff attached to a proposal.
type DiffStats struct {
	Files      int `json:"files"`
	Hunks      int `json:"hunks"`
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

// ChangeSet is the optional concrete change a proposal carries.
type ChangeSet struct {
	Description string     `json:"description,omitempty"`
	Files       []string   `json:"files,omitempty"`
	Diff        string     `json:"diff,omitempty"`
	Stats       *DiffStats `json:"stats,omitempty"`
}

// Proposal is a model-suggested system change awaiting human review.
type Proposal struct {
	ID                 string           `json:"id"`
	Category           Category         `json:"category"`
	Rationale          string           `json:"rationale"`
	AffectedComponents []string         `json:"affectedComponents"`
	RiskLevel          RiskLevel        `json:"riskLevel"`
	RollbackPlan       string           `json:"rollbackPlan,omitempty"`
	Reviewer           string           `json:"reviewer"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	Status             ProposalStatus   `json:"status"`
	Approvals          []ApprovalRecord `json:"approvals"`
	Changes            *ChangeSet       `json:"changes,omitempty"`
	ExecutedAt         *time.Time       `json:"executedAt,omitempty"`
	ExecutedBy         string           `json:"executedBy,omitempty"`
}

// ApprovalCount counts approve decisions.
func (p *Proposal) ApprovalCount() int {
	n := 0
	for _, rec := range p.Approvals {
		if rec.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// HasDecisionFrom reports whether the reviewer already recorded a decision.
func (p *Proposal) HasDecisionFrom(reviewer string) bool {
	for _, rec := range p.Approvals {
		if rec.Approver == reviewer {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.AffectedComponents = append([]string(nil), p.AffectedComponents...)
	cp.Approvals = append([]ApprovalRecord(nil), p.Approvals...)
	if p.Changes != nil {
		ch := *p.Changes
		ch.Files = append([]string(nil), p.Changes.Files...)
		if p.Changes.Stats != nil {
			st := *p.Changes.Stats
			ch.Stats = &st
		}
		cp.Changes = &ch
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}
