package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/supportops/support-core/internal/approval"
	"github.com/ILLUVRSE/supportops/support-core/internal/auth"
	"github.com/ILLUVRSE/supportops/support-core/internal/invocation"
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

// SupportClient is the invocation surface the server exposes.
type SupportClient interface {
	ExecuteSupportOperation(ctx context.Context, req models.SupportRequest) models.SupportResponse
	ExecuteEmergencyOperation(ctx context.Context, prompt string, rc *models.RequestContext) models.SupportResponse
	ExecuteCriticalOperation(ctx context.Context, prompt string, rc *models.RequestContext, tools []models.ToolDeclaration) models.SupportResponse
	ExecuteMetaMonitorOperation(ctx context.Context, prompt string, rc *models.RequestContext, tools []models.ToolDeclaration) models.SupportResponse
	PerformHealthCheck(ctx context.Context) models.HealthStatus
	HealthStatus() models.HealthStatus
}

// ProposalManager is the approval surface the server exposes.
type ProposalManager interface {
	CreateProposal(ctx context.Context, in approval.ProposalInput) (string, error)
	LoadProposal(ctx context.Context, id string) (*models.Proposal, error)
	ApproveProposal(ctx context.Context, id, approver, comment string) (*models.Proposal, error)
	RejectProposal(ctx context.Context, id, reviewer, reason string) (*models.Proposal, error)
	MarkExecuted(ctx context.Context, id, executor string) (*models.Proposal, error)
	ListPendingProposals(ctx context.Context) ([]*models.Proposal, error)
	RequiresApproval(c models.Category) bool
	Ping(ctx context.Context) error
}

type Server struct {
	client    SupportClient
	proposals ProposalManager
	verifier  *auth.Verifier
	gatherer  prometheus.Gatherer
	log       *zap.Logger
}

func New(client SupportClient, proposals ProposalManager, verifier *auth.Verifier, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{client: client, proposals: proposals, verifier: verifier, gatherer: gatherer, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Route("/support", func(r chi.Router) {
			r.Get("/health", s.handleSupportHealth)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAnyRole(auth.RoleOperator))
				r.Post("/operations", s.handleOperation)
				r.Post("/emergency", s.handleEmergency)
				r.Post("/critical", s.handleCritical)
				r.Post("/meta-monitor", s.handleMetaMonitor)
				r.Post("/health/check", s.handleHealthCheck)
			})
		})

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/policy/{category}", s.handlePolicy)
			r.With(auth.RequireAnyRole(auth.RoleOperator)).Post("/", s.handleCreateProposal)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAnyRole(auth.RoleOperator, auth.RoleApprover, auth.RoleExecutor, auth.RoleAuditor))
				r.Get("/pending", s.handleListPending)
				r.Get("/{id}", s.handleGetProposal)
			})
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAnyRole(auth.RoleApprover))
				r.Post("/{id}/approve", s.handleApprove)
				r.Post("/{id}/reject", s.handleReject)
			})
			r.With(auth.RequireAnyRole(auth.RoleExecutor)).Post("/{id}/executed", s.handleExecuted)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	model := s.client.HealthStatus()
	status := map[string]interface{}{
		"ok":    true,
		"time":  time.Now().UTC(),
		"model": model,
	}
	if err := s.proposals.Ping(ctx); err != nil {
		status["ok"] = false
		status["proposals"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleSupportHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.client.HealthStatus())
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.client.PerformHealthCheck(r.Context()))
}

type operationRequest struct {
	models.SupportRequest
	// ProposeChanges offers the model the propose_change tool and files any
	// resulting calls as proposals.
	ProposeChanges bool `json:"proposeChanges,omitempty"`
}

type proposalOutcome struct {
	ToolCallID string `json:"toolCallId"`
	ProposalID string `json:"proposalId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type operationResult struct {
	models.SupportResponse
	Proposals []proposalOutcome `json:"proposals,omitempty"`
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProposeChanges {
		req.Tools = append(req.Tools, approval.ProposeChangeTool)
	}
	resp := s.client.ExecuteSupportOperation(r.Context(), req.SupportRequest)
	result := operationResult{SupportResponse: resp}
	if req.ProposeChanges && resp.Success {
		result.Proposals = s.fileProposals(r.Context(), resp.ToolCalls)
	}
	respondJSON(w, statusForResponse(resp), result)
}

// fileProposals turns propose_change tool calls into pending proposals.
func (s *Server) fileProposals(ctx context.Context, calls []models.ToolCall) []proposalOutcome {
	var out []proposalOutcome
	for _, call := range calls {
		if call.Name != approval.ProposeChangeToolName {
			continue
		}
		outcome := proposalOutcome{ToolCallID: call.ID}
		in, err := approval.ProposalInputFromToolCall(call)
		if err == nil {
			outcome.ProposalID, err = s.proposals.CreateProposal(ctx, in)
		}
		if err != nil {
			outcome.Error = err.Error()
			s.log.Warn("model proposal not filed", zap.String("tool_call_id", call.ID), zap.Error(err))
		}
		out = append(out, outcome)
	}
	return out
}

type tieredRequest struct {
	Prompt  string                   `json:"prompt"`
	Context *models.RequestContext   `json:"context,omitempty"`
	Tools   []models.ToolDeclaration `json:"tools,omitempty"`
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req tieredRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := s.client.ExecuteEmergencyOperation(r.Context(), req.Prompt, req.Context)
	respondJSON(w, statusForResponse(resp), resp)
}

func (s *Server) handleCritical(w http.ResponseWriter, r *http.Request) {
	var req tieredRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := s.client.ExecuteCriticalOperation(r.Context(), req.Prompt, req.Context, req.Tools)
	respondJSON(w, statusForResponse(resp), resp)
}

func (s *Server) handleMetaMonitor(w http.ResponseWriter, r *http.Request) {
	var req tieredRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := s.client.ExecuteMetaMonitorOperation(r.Context(), req.Prompt, req.Context, req.Tools)
	respondJSON(w, statusForResponse(resp), resp)
}

// statusForResponse maps a failed response's code onto an HTTP status. The
// body is always the full tagged response.
func statusForResponse(resp models.SupportResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorCode {
	case invocation.CodeInvalidRequest:
		return http.StatusBadRequest
	case invocation.CodePIIDetected, invocation.CodeTargetRejected:
		return http.StatusUnprocessableEntity
	case invocation.CodeFeatureDisabled, invocation.CodeBreakerOpen, invocation.CodeClientClosed:
		return http.StatusServiceUnavailable
	case invocation.CodeTimeout:
		return http.StatusGatewayTimeout
	case invocation.CodeCanceled:
		return http.StatusRequestTimeout
	case invocation.CodeTimeoutConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

type createProposalResponse struct {
	ID           string `json:"id"`
	AutoApproved bool   `json:"autoApproved"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var in approval.ProposalInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Reviewer == "" {
		in.Reviewer = actor(r)
	}
	id, err := s.proposals.CreateProposal(r.Context(), in)
	if err != nil {
		s.respondProposalError(w, err)
		return
	}
	if id == approval.AutoApprovedID {
		respondJSON(w, http.StatusOK, createProposalResponse{ID: id, AutoApproved: true})
		return
	}
	respondJSON(w, http.StatusCreated, createProposalResponse{ID: id})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	ps, err := s.proposals.ListPendingProposals(r.Context())
	if err != nil {
		s.respondProposalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposals": ps})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.LoadProposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondProposalError(w, err)
		return
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "proposal not found")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type decisionRequest struct {
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.proposals.ApproveProposal(r.Context(), chi.URLParam(r, "id"), actor(r), req.Comment)
	if err != nil {
		s.respondProposalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = req.Comment
	}
	p, err := s.proposals.RejectProposal(r.Context(), chi.URLParam(r, "id"), actor(r), reason)
	if err != nil {
		s.respondProposalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecuted(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.MarkExecuted(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.respondProposalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	c := models.Category(chi.URLParam(r, "category"))
	if !c.Valid() {
		respondError(w, http.StatusBadRequest, "unknown category")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"category":         c,
		"requiresApproval": s.proposals.RequiresApproval(c),
	})
}

func (s *Server) respondProposalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, approval.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrNotApproved),
		errors.Is(err, approval.ErrDuplicateApprover):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrNotInitialized):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("proposal request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// actor is the authenticated subject; route middleware guarantees one.
func actor(r *http.Request) string {
	if ai := auth.FromContext(r.Context()); ai != nil {
		return ai.Subject
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
