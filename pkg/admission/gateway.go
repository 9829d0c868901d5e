// Package admission is the gate between inbound webhooks and the execution
// engine: every check must pass before an execution is started.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/strata/pkg/engine"
	"github.com/dukex/strata/pkg/eventbus"
	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/metrics"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/otelhelper"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/ratelimit"
	"github.com/dukex/strata/pkg/security"
	"github.com/dukex/strata/pkg/validation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultWindow is the rate limit window.
	DefaultWindow = time.Minute
	// DefaultRiskThreshold applies when a webhook does not set its own.
	DefaultRiskThreshold = 70
	// DefaultSignatureHeader carries the payload signature when the webhook names none.
	DefaultSignatureHeader = "X-Signature"
	// SourceIDHeader identifies the calling principal.
	SourceIDHeader = "X-Source-Id"
	// TriggerType is recorded on executions started by the gateway.
	TriggerType = "webhook"
)

// Stages, in evaluation order.
const (
	StageLookup     = "lookup"
	StageRateLimit  = "rate_limit"
	StageSource     = "source"
	StageSignature  = "signature"
	StageConsent    = "consent"
	StageIdentity   = "identity"
	StageRisk       = "risk"
	StageValidation = "validation"
	StageTransform  = "transform"
	StageStart      = "start"
)

// Starter starts executions; implemented by *engine.Engine.
type Starter interface {
	Start(ctx context.Context, flowID string, execCtx models.ExecutionContext, opts ...engine.StartOption) (*models.ExecutionState, error)
}

// Request is one inbound webhook call.
type Request struct {
	Endpoint      string
	Headers       http.Header
	Body          []byte
	SourceAddress string
}

// SourceID returns the declared caller identity, if any.
func (r Request) SourceID() string {
	return strings.TrimSpace(r.Headers.Get(SourceIDHeader))
}

type Gateway struct {
	webhooks persistence.WebhookRepository
	starter  Starter
	limiter  ratelimit.Limiter

	validator protocol.Validator
	consent   protocol.ConsentService
	identity  protocol.IdentityService
	assessor  protocol.RiskAssessor
	scorer    *Scorer
	publisher eventbus.EventPublisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	window        time.Duration
	riskThreshold int
}

type Option func(*Gateway)

func WithValidator(v protocol.Validator) Option {
	return func(g *Gateway) {
		g.validator = v
	}
}

func WithConsentService(c protocol.ConsentService) Option {
	return func(g *Gateway) {
		g.consent = c
	}
}

func WithIdentityService(i protocol.IdentityService) Option {
	return func(g *Gateway) {
		g.identity = i
	}
}

// WithRiskAssessor replaces local risk heuristics with an external service.
func WithRiskAssessor(a protocol.RiskAssessor) Option {
	return func(g *Gateway) {
		g.assessor = a
	}
}

// WithScorer replaces the default local risk scorer.
func WithScorer(s *Scorer) Option {
	return func(g *Gateway) {
		g.scorer = s
	}
}

func WithPublisher(p eventbus.EventPublisher) Option {
	return func(g *Gateway) {
		g.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = t
	}
}

func WithWindow(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithRiskThreshold sets the score above which events are rejected when the
// webhook does not configure its own threshold.
func WithRiskThreshold(threshold int) Option {
	return func(g *Gateway) {
		if threshold > 0 {
			g.riskThreshold = threshold
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

func New(webhooks persistence.WebhookRepository, starter Starter, limiter ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		webhooks:      webhooks,
		starter:       starter,
		limiter:       limiter,
		tracer:        otelhelper.NoopTracer(),
		logger:        logger.With("module", "admission"),
		now:           func() time.Time { return time.Now().UTC() },
		window:        DefaultWindow,
		riskThreshold: DefaultRiskThreshold,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.scorer == nil {
		g.scorer = NewScorer(limiter, validation.NewDetector())
	}

	return g
}

// rejection short-circuits Admit.
type rejection struct {
	stage   string
	reasons []string
}

func reject(stage string, reasons ...string) *rejection {
	return &rejection{stage: stage, reasons: reasons}
}

// Admit runs req through every check in order and starts the webhook's flow
// when all pass. A rejected event yields Admitted=false with reasons and a nil
// error; the error is set only when the engine refused to start the execution.
func (g *Gateway) Admit(ctx context.Context, req Request) (*models.AdmissionResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "admission.admit", attribute.String(otelhelper.EndpointKey, req.Endpoint))
	defer span.End()

	result := &models.AdmissionResult{ReceivedAt: g.now()}
	logger := g.logger.With("endpoint", req.Endpoint, "source_address", req.SourceAddress)

	config, payload, rej := g.check(ctx, req, result)
	if rej != nil {
		g.rejected(ctx, span, logger, req, config, result, rej)

		return result, nil
	}

	input, err := Transform(payload, config.EventSchema)
	if err != nil {
		g.rejected(ctx, span, logger, req, config, result, reject(StageTransform, err.Error()))

		return result, nil
	}

	triggeredBy := req.SourceID()
	if triggeredBy == "" {
		triggeredBy = "webhook:" + config.Endpoint
	}

	state, err := g.starter.Start(ctx, config.FlowID, models.ExecutionContext{
		TriggeredBy:  triggeredBy,
		TriggerType:  TriggerType,
		TenantSubnet: config.TenantSubnet,
		Input:        input,
	})
	if err != nil {
		g.rejected(ctx, span, logger, req, config, result, reject(StageStart, err.Error()))

		return result, fmt.Errorf("failed to start flow %s: %w", config.FlowID, err)
	}

	result.Admitted = true
	result.ExecutionID = state.ExecutionID

	score := 0
	if result.Risk != nil {
		score = result.Risk.Score
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, state.ExecutionID))
	g.observe("admitted", "")
	g.publish(ctx, events.WebhookAdmitted{
		BaseEvent: events.NewBase(events.WebhookAdmittedEvent, state.ExecutionID, config.FlowID, triggeredBy),
		WebhookID: config.ID,
		Endpoint:  config.Endpoint,
		RiskScore: score,
	})

	logger.InfoContext(ctx, "webhook admitted", "execution_id", state.ExecutionID, "flow_id", config.FlowID, "risk_score", score)

	return result, nil
}

// check evaluates every stage up to, but not including, the payload transform.
func (g *Gateway) check(ctx context.Context, req Request, result *models.AdmissionResult) (*models.WebhookConfig, map[string]any, *rejection) {
	config, err := g.webhooks.WebhookByEndpoint(ctx, req.Endpoint)
	switch {
	case persistence.IsNotFound(err):
		return nil, nil, reject(StageLookup, "webhook not found")
	case err != nil:
		g.logger.ErrorContext(ctx, "failed to load webhook", "endpoint", req.Endpoint, "error", err)

		return nil, nil, reject(StageLookup, "webhook lookup unavailable")
	case !config.Enabled:
		return config, nil, reject(StageLookup, "webhook disabled")
	}

	if rej := g.checkRateLimit(ctx, config, result); rej != nil {
		return config, nil, rej
	}

	if !SourceAllowed(config.AllowedSources, req.SourceID(), req.SourceAddress) {
		return config, nil, reject(StageSource, "source not allowed")
	}

	if rej := checkSignature(config, req); rej != nil {
		return config, nil, rej
	}

	if rej := g.checkConsent(ctx, config, req.SourceID()); rej != nil {
		return config, nil, rej
	}

	verified, rej := g.checkIdentity(ctx, req.SourceID())
	if rej != nil {
		return config, nil, rej
	}

	if rej := g.checkRisk(ctx, config, req, verified, result); rej != nil {
		return config, nil, rej
	}

	payload, rej := g.checkPayload(ctx, config, req.Body)
	if rej != nil {
		return config, nil, rej
	}

	return config, payload, nil
}

func (g *Gateway) checkRateLimit(ctx context.Context, config *models.WebhookConfig, result *models.AdmissionResult) *rejection {
	if config.RateLimitPerWindow <= 0 || g.limiter == nil {
		return nil
	}

	decision, err := g.limiter.Allow(ctx, "webhook:"+config.Endpoint, config.RateLimitPerWindow, g.window)
	if err != nil {
		g.logger.ErrorContext(ctx, "rate limiter unavailable", "endpoint", config.Endpoint, "error", err)

		return reject(StageRateLimit, "rate limiter unavailable")
	}

	result.RateLimit = &models.RateLimitStatus{
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	}

	if !decision.Allowed {
		return reject(StageRateLimit, fmt.Sprintf("rate limit exceeded: %d requests per %s, 0 remaining until %s",
			decision.Limit, g.window, decision.ResetAt.Format(time.RFC3339)))
	}

	return nil
}

func checkSignature(config *models.WebhookConfig, req Request) *rejection {
	header := config.Auth.SignatureHeader
	if header == "" {
		header = DefaultSignatureHeader
	}

	err := security.VerifyWebhookSignature(config.Auth, req.Body, req.Headers.Get(header))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, security.ErrMissingSignature):
		return reject(StageSignature, "missing signature")
	default:
		return reject(StageSignature, "invalid signature")
	}
}

// checkConsent fails closed: required scopes with no consent service, or an
// unreachable one, reject the event.
func (g *Gateway) checkConsent(ctx context.Context, config *models.WebhookConfig, sourceID string) *rejection {
	if len(config.RequiredScopes) == 0 {
		return nil
	}

	if sourceID == "" {
		return reject(StageConsent, "consent requires a source identity")
	}

	if g.consent == nil {
		return reject(StageConsent, "consent service unavailable")
	}

	decision, err := g.consent.CheckScopes(ctx, sourceID, config.RequiredScopes)
	if err != nil {
		g.logger.WarnContext(ctx, "consent check failed", "source_id", sourceID, "error", err)

		return reject(StageConsent, "consent service unavailable")
	}

	switch {
	case decision.RateLimited:
		return reject(StageConsent, "consent scope rate limit exceeded")
	case !decision.Granted:
		return reject(StageConsent, "missing consent scopes: "+strings.Join(decision.MissingScopes, ", "))
	}

	return nil
}

// checkIdentity resolves a declared source identity. It reports whether the
// identity was verified; an undeclared identity is left to risk scoring.
func (g *Gateway) checkIdentity(ctx context.Context, sourceID string) (bool, *rejection) {
	if sourceID == "" || g.identity == nil {
		return false, nil
	}

	identity, err := g.identity.Resolve(ctx, sourceID)
	switch {
	case errors.Is(err, security.ErrUnknownIdentity):
		return false, reject(StageIdentity, "unknown source identity")
	case err != nil:
		g.logger.WarnContext(ctx, "identity check failed", "source_id", sourceID, "error", err)

		return false, reject(StageIdentity, "identity service unavailable")
	case identity.Disabled:
		return false, reject(StageIdentity, "source identity disabled")
	}

	return true, nil
}

func (g *Gateway) checkRisk(ctx context.Context, config *models.WebhookConfig, req Request, verified bool, result *models.AdmissionResult) *rejection {
	candidate := protocol.RiskCandidate{
		Endpoint:      config.Endpoint,
		SourceID:      req.SourceID(),
		SourceAddress: req.SourceAddress,
		Payload:       req.Body,
		Headers:       flatten(req.Headers),
	}

	var (
		assessment *models.RiskAssessment
		err        error
	)

	if g.assessor != nil {
		assessment, err = g.assessor.Assess(ctx, candidate)
		if err != nil {
			g.logger.WarnContext(ctx, "risk service failed", "endpoint", config.Endpoint, "error", err)

			return reject(StageRisk, "risk service unavailable")
		}

		assessment.Score = clamp(assessment.Score)
	} else {
		assessment = g.scorer.Score(ctx, candidate, verified, g.window)
	}

	result.Risk = assessment

	if g.metrics != nil {
		g.metrics.RiskScores.Observe(float64(assessment.Score))
	}

	threshold := g.riskThreshold
	if config.RiskThreshold != nil {
		threshold = *config.RiskThreshold
	}

	if assessment.Score > threshold {
		return reject(StageRisk, fmt.Sprintf("risk score %d exceeds threshold %d", assessment.Score, threshold))
	}

	return nil
}

// checkPayload decodes the body as a JSON object and runs it through the
// validation pipeline with the webhook's JSON schema.
func (g *Gateway) checkPayload(ctx context.Context, config *models.WebhookConfig, body []byte) (map[string]any, *rejection) {
	payload := map[string]any{}

	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, reject(StageValidation, "payload must be a JSON object")
		}
	}

	if g.validator == nil {
		return payload, nil
	}

	op := models.Operation{
		Kind:       validation.KindWebhook,
		Action:     config.Endpoint,
		Parameters: payload,
	}
	if config.EventSchema != nil {
		op.Schema = config.EventSchema.JSONSchema
	}

	result, err := g.validator.Validate(ctx, op)
	if err != nil {
		g.logger.WarnContext(ctx, "validation pipeline failed", "endpoint", config.Endpoint, "error", err)

		return nil, reject(StageValidation, "validation unavailable")
	}

	if result.OverallStatus == models.ValidationFailed {
		return nil, reject(StageValidation, result.Errors()...)
	}

	return payload, nil
}

func (g *Gateway) rejected(ctx context.Context, span trace.Span, logger *slog.Logger, req Request, config *models.WebhookConfig, result *models.AdmissionResult, rej *rejection) {
	result.Admitted = false
	result.Stage = rej.stage
	result.Reasons = rej.reasons

	span.SetAttributes(attribute.String(otelhelper.StageKey, rej.stage))
	g.observe("rejected", rej.stage)

	flowID := ""
	if config != nil {
		flowID = config.FlowID
	}

	actor := req.SourceID()
	if actor == "" {
		actor = "anonymous"
	}

	g.publish(ctx, events.WebhookRejected{
		BaseEvent: events.NewBase(events.WebhookRejectedEvent, "", flowID, actor),
		Endpoint:  req.Endpoint,
		Stage:     rej.stage,
		Reasons:   rej.reasons,
	})

	logger.InfoContext(ctx, "webhook rejected", "stage", rej.stage, "reasons", rej.reasons)
}

func (g *Gateway) observe(outcome, stage string) {
	if g.metrics != nil {
		g.metrics.AdmissionsTotal.WithLabelValues(outcome, stage).Inc()
	}
}

func (g *Gateway) publish(ctx context.Context, event events.Event) {
	if g.publisher == nil {
		return
	}

	if err := g.publisher.Publish(ctx, event.GetBase().FlowID, event); err != nil {
		g.logger.WarnContext(ctx, "failed to publish admission event", "event_type", event.GetType(), "error", err)
	}
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}

	return out
}
