package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/supportops/support-core/internal/breaker"
	"github.com/ILLUVRSE/supportops/support-core/internal/compliance"
	"github.com/ILLUVRSE/supportops/support-core/internal/flags"
	"github.com/ILLUVRSE/supportops/support-core/internal/logging"
	"github.com/ILLUVRSE/supportops/support-core/internal/metrics"
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
	"github.com/ILLUVRSE/supportops/support-core/internal/transport"
)

const (
	defaultService       = "model-endpoint"
	emergencyTemperature = 0.1
	defaultSystemPrompt  = "You are an operations support assistant. Be precise, cite the evidence you used, and never invent system state."
)

// Profile holds the model parameters used for an operation class.
type Profile struct {
	MaxTokens   int
	Temperature float64
	Directive   string
}

func defaultProfiles() map[models.OperationClass]Profile {
	return map[models.OperationClass]Profile{
		models.OperationEmergency: {
			MaxTokens: 1024, Temperature: emergencyTemperature,
			Directive: "This is an active incident. Lead with the safest immediate mitigation.",
		},
		models.OperationInfrastructure: {
			MaxTokens: 2048, Temperature: 0.2,
			Directive: "Audit the infrastructure described and flag every risk with its severity.",
		},
		models.OperationMetaMonitor: {
			MaxTokens: 2048, Temperature: 0.2,
			Directive: "Assess the health of the monitoring signals themselves.",
		},
		models.OperationImplementation: {
			MaxTokens: 4096, Temperature: 0.3,
			Directive: "Propose concrete changes. Any system change must go through the propose_change tool.",
		},
		models.OperationStandard: {MaxTokens: 2048, Temperature: 0.5},
	}
}

type Config struct {
	Model        string
	SystemPrompt string
	// Service names the breaker guarding the endpoint.
	Service            string
	Timeouts           map[models.OperationClass]time.Duration
	HealthCheckTimeout time.Duration
	ComplianceEnabled  bool
	TargetPolicy       compliance.TargetPolicy
	Costs              CostTable
	Profiles           map[models.OperationClass]Profile
	// TrackRequestHealth lets real request outcomes update the health status.
	TrackRequestHealth bool
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// Client invokes the model endpoint under per-class deadlines, a circuit
// breaker, a feature flag and a compliance pre-flight. Safe for concurrent use.
type Client struct {
	transport transport.Transport
	flags     flags.Store
	breaker   breaker.CircuitBreaker
	checker   compliance.Checker
	logger    *zap.Logger
	tracer    trace.Tracer

	mu  sync.RWMutex
	cfg Config

	healthMu sync.Mutex
	health   models.HealthStatus

	baseCtx     context.Context
	cancelBase  context.CancelFunc
	stop        chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	destroyOnce sync.Once
	closed      atomic.Bool
}

func New(cfg Config, tr transport.Transport, fl flags.Store, cb breaker.CircuitBreaker, checker compliance.Checker, opts ...Option) (*Client, error) {
	if tr == nil || fl == nil || cb == nil {
		return nil, fmt.Errorf("transport, flag store and circuit breaker required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model id required")
	}
	if cfg.ComplianceEnabled && checker == nil {
		return nil, fmt.Errorf("compliance checker required when compliance is enabled")
	}
	if cfg.Service == "" {
		cfg.Service = defaultService
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.Costs.Rates == nil {
		cfg.Costs = DefaultCostTable()
	}
	profiles := defaultProfiles()
	for class, p := range cfg.Profiles {
		profiles[class] = p
	}
	cfg.Profiles = profiles
	timeouts := map[models.OperationClass]time.Duration{
		models.OperationEmergency:      models.EmergencyCeiling,
		models.OperationInfrastructure: models.CriticalCeiling,
		models.OperationMetaMonitor:    models.CriticalCeiling,
		models.OperationImplementation: models.ImplementationTarget,
		models.OperationStandard:       models.StandardDefaultBudget,
	}
	for class, d := range cfg.Timeouts {
		timeouts[class] = d
	}
	cfg.Timeouts = timeouts

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:  tr,
		flags:      fl,
		breaker:    cb,
		checker:    checker,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("support-core/invocation"),
		cfg:        cfg,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		stop:       make(chan struct{}),
		health: models.HealthStatus{
			Healthy:   true,
			LastCheck: time.Now().UTC(),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetTimeout changes the timeout of one class. Ceilings are enforced per call.
func (c *Client) SetTimeout(class models.OperationClass, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Timeouts[class] = d
}

func (c *Client) Timeout(class models.OperationClass) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Timeouts[class]
}

func (c *Client) SetComplianceEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ComplianceEnabled = enabled && c.checker != nil
}

// ExecuteEmergencyOperation runs an emergency call at low temperature.
func (c *Client) ExecuteEmergencyOperation(ctx context.Context, prompt string, rc *models.RequestContext) models.SupportResponse {
	temp := emergencyTemperature
	return c.executeTiered(ctx, models.SupportRequest{
		Operation:   models.OperationEmergency,
		Priority:    models.PriorityCritical,
		Prompt:      prompt,
		Context:     rc,
		Temperature: &temp,
	})
}

// ExecuteCriticalOperation runs an infrastructure audit call.
func (c *Client) ExecuteCriticalOperation(ctx context.Context, prompt string, rc *models.RequestContext, tools []models.ToolDeclaration) models.SupportResponse {
	return c.executeTiered(ctx, models.SupportRequest{
		Operation: models.OperationInfrastructure,
		Priority:  models.PriorityHigh,
		Prompt:    prompt,
		Context:   rc,
		Tools:     tools,
	})
}

// ExecuteMetaMonitorOperation runs a monitoring-of-monitoring call under the critical ceiling.
func (c *Client) ExecuteMetaMonitorOperation(ctx context.Context, prompt string, rc *models.RequestContext, tools []models.ToolDeclaration) models.SupportResponse {
	return c.executeTiered(ctx, models.SupportRequest{
		Operation: models.OperationMetaMonitor,
		Priority:  models.PriorityHigh,
		Prompt:    prompt,
		Context:   rc,
		Tools:     tools,
	})
}

// executeTiered checks the class ceiling right after the feature flag, ahead
// of the breaker.
func (c *Client) executeTiered(ctx context.Context, req models.SupportRequest) models.SupportResponse {
	return c.run(ctx, req, true)
}

type invocationResult struct {
	text      string
	toolCalls []models.ToolCall
	usage     *transport.Usage
}

// ExecuteSupportOperation runs the full pipeline. It never returns an error;
// failures are reported on the response.
func (c *Client) ExecuteSupportOperation(ctx context.Context, req models.SupportRequest) models.SupportResponse {
	return c.run(ctx, req, false)
}

func (c *Client) run(ctx context.Context, req models.SupportRequest, eagerCeiling bool) models.SupportResponse {
	start := time.Now()
	opID := newOperationID()

	ctx, span := c.tracer.Start(ctx, "support.invoke", trace.WithAttributes(
		attribute.String("support.operation", string(req.Operation)),
		attribute.String("support.operation_id", opID),
	))
	defer span.End()

	resp := c.execute(ctx, req, opID, start, eagerCeiling)
	if !resp.Success {
		span.SetStatus(otelcodes.Error, resp.ErrorCode)
	}
	span.SetAttributes(
		attribute.Int("support.tokens_in", resp.TokensUsed.Input),
		attribute.Int("support.tokens_out", resp.TokensUsed.Output),
	)
	metrics.ObserveInvocation(string(req.Operation), resp.ErrorCode, time.Since(start),
		resp.TokensUsed.Input, resp.TokensUsed.Output, resp.Cost)
	return resp
}

// execute applies the gates in order. A disabled flag wins over every other
// check, including request validation.
func (c *Client) execute(ctx context.Context, req models.SupportRequest, opID string, start time.Time, eagerCeiling bool) models.SupportResponse {
	if c.closed.Load() {
		return c.failure(req, opID, start, ErrClientClosed)
	}

	enabled, err := c.flags.Enabled(ctx, flags.DirectModelAccess)
	if err != nil {
		c.logger.Warn("feature flag lookup failed", zap.String("flag", flags.DirectModelAccess), zap.Error(err))
		return c.failure(req, opID, start, fmt.Errorf("%w: flag lookup failed: %v", ErrFeatureDisabled, err))
	}
	if !enabled {
		return c.failure(req, opID, start, ErrFeatureDisabled)
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return c.failure(req, opID, start, fmt.Errorf("%w: prompt required", ErrInvalidRequest))
	}
	if !req.Operation.Valid() {
		return c.failure(req, opID, start, fmt.Errorf("%w: unknown operation class %q", ErrInvalidRequest, req.Operation))
	}

	cfg := c.snapshot()
	timeout, ceilingErr := c.resolveTimeout(req.Operation)
	if ceilingErr != nil && eagerCeiling {
		return c.failure(req, opID, start, ceilingErr)
	}
	if c.breaker.IsOpen(cfg.Service) {
		return c.failure(req, opID, start, ErrBreakerOpen)
	}
	if ceilingErr != nil {
		return c.failure(req, opID, start, ceilingErr)
	}

	if cfg.ComplianceEnabled {
		if res := c.checker.Scan(req.Prompt); !res.Clean() {
			return c.failure(req, opID, start, fmt.Errorf("%w: %s", ErrPIIDetected, res.Summary()))
		}
		if violations := cfg.TargetPolicy.Validate(cfg.Model, req.Operation); len(violations) > 0 {
			return c.failure(req, opID, start, fmt.Errorf("%w: %s", ErrTargetRejected, violations[0].Message))
		}
	}

	treq := c.buildRequest(cfg, req)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.breaker.Execute(cfg.Service, func() (interface{}, error) {
		return c.call(callCtx, treq, timeout)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			err = fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		} else if cfg.TrackRequestHealth && !errors.Is(err, ErrCanceled) {
			c.recordFailure(time.Since(start), err)
		}
		return c.failure(req, opID, start, err)
	}
	result := out.(*invocationResult)
	if cfg.TrackRequestHealth {
		c.recordSuccess(time.Since(start))
	}

	cost, tokens := cfg.Costs.Cost(cfg.Model, result.usage)
	resp := models.SupportResponse{
		Success:     true,
		Text:        result.text,
		ToolCalls:   result.toolCalls,
		TokensUsed:  tokens,
		Cost:        cost,
		LatencyMs:   time.Since(start).Milliseconds(),
		OperationID: opID,
		Operation:   req.Operation,
	}
	c.logger.Info("support operation completed",
		zap.String("operation_id", opID),
		zap.String("operation", string(req.Operation)),
		zap.String("correlation_id", correlationID(req.Context)),
		zap.Int("tokens_in", tokens.Input),
		zap.Int("tokens_out", tokens.Output),
		zap.Int("tool_calls", len(result.toolCalls)),
		zap.Int64("latency_ms", resp.LatencyMs))
	return resp
}

// call runs the transport in its own goroutine so the deadline abandons it
// even when the transport ignores ctx.
func (c *Client) call(ctx context.Context, req transport.Request, timeout time.Duration) (*invocationResult, error) {
	type outcome struct {
		reply *transport.Reply
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := c.transport.Invoke(ctx, req)
		done <- outcome{reply: reply, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, deadlineError(ctxErr, timeout)
			}
			return nil, fmt.Errorf("%w: %w", ErrTransport, o.err)
		}
		if o.reply == nil {
			return nil, fmt.Errorf("%w: %w: empty reply", ErrTransport, transport.ErrMalformedReply)
		}
		return parseReply(o.reply)
	case <-ctx.Done():
		return nil, deadlineError(ctx.Err(), timeout)
	}
}

func deadlineError(ctxErr error, timeout time.Duration) error {
	if errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, ctxErr)
	}
	return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, ctxErr)
}

func parseReply(reply *transport.Reply) (*invocationResult, error) {
	res := &invocationResult{usage: reply.Usage}
	var text strings.Builder
	for _, block := range reply.Content {
		switch block.Type {
		case transport.BlockText:
			text.WriteString(block.Text)
		case transport.BlockToolUse:
			args := map[string]interface{}{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("%w: %w: tool %s input: %v", ErrTransport, transport.ErrMalformedReply, block.Name, err)
				}
			}
			res.toolCalls = append(res.toolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	res.text = text.String()
	return res, nil
}

func (c *Client) buildRequest(cfg Config, req models.SupportRequest) transport.Request {
	profile := cfg.Profiles[req.Operation]
	maxTokens := profile.MaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	temperature := profile.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	system := cfg.SystemPrompt
	if profile.Directive != "" {
		system = system + "\n\n" + profile.Directive
	}

	content := []transport.ContentBlock{{Type: transport.BlockText, Text: req.Prompt}}
	if block := contextBlock(req.Context); block != "" {
		content = append(content, transport.ContentBlock{Type: transport.BlockText, Text: block})
	}

	var tools []transport.Tool
	for _, t := range req.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, transport.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: append(json.RawMessage(nil), schema...),
		})
	}

	return transport.Request{
		Model:       cfg.Model,
		System:      system,
		Messages:    []transport.Message{{Role: transport.RoleUser, Content: content}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Tools:       tools,
	}
}

func contextBlock(rc *models.RequestContext) string {
	if rc == nil || len(rc.Metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(rc.Metadata))
	for k := range rc.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, rc.Metadata[k])
	}
	return b.String()
}

func (c *Client) resolveTimeout(class models.OperationClass) (time.Duration, error) {
	d := c.Timeout(class)
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s timeout is not configured", ErrTimeoutConfig, class)
	}
	if ceiling, ok := models.TimeoutCeiling(class); ok && d > ceiling {
		return 0, fmt.Errorf("%w: %s timeout %s exceeds %s", ErrTimeoutConfig, class, d, ceiling)
	}
	return d, nil
}

func (c *Client) snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Client) failure(req models.SupportRequest, opID string, start time.Time, err error) models.SupportResponse {
	code := codeFor(err)
	resp := models.SupportResponse{
		Success:     false,
		LatencyMs:   time.Since(start).Milliseconds(),
		OperationID: opID,
		Operation:   req.Operation,
		Error:       err.Error(),
		ErrorCode:   code,
		Err:         err,
	}
	c.logger.Warn("support operation failed",
		zap.String("operation_id", opID),
		zap.String("operation", string(req.Operation)),
		zap.String("correlation_id", correlationID(req.Context)),
		zap.String("error_code", code),
		zap.Error(err))
	return resp
}

func correlationID(rc *models.RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.CorrelationID
}

func newOperationID() string {
	return "op_" + uuid.NewString()
}
