// Package web provides HTTP handlers and REST API endpoints for flows,
// executions, webhooks and the audit ledger.
package web

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/strata/pkg/admission"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TenantUsage is the read side of the resource governor.
type TenantUsage interface {
	TenantUsage(tenant string) (active int, spent float64)
}

type APIHandlers struct {
	flows      *services.Flow
	executions *services.Execution
	webhooks   *services.Webhook
	audit      *services.Audit
	health     *services.Health
	usage      TenantUsage
	validator  *validator.Validate
}

type Option func(*APIHandlers)

// WithTenantUsage exposes governor usage under /tenants/:subnet/usage.
func WithTenantUsage(usage TenantUsage) Option {
	return func(h *APIHandlers) {
		h.usage = usage
	}
}

func NewAPIHandlers(
	flows *services.Flow,
	executions *services.Execution,
	webhooks *services.Webhook,
	audit *services.Audit,
	health *services.Health,
	validator *validator.Validate,
	opts ...Option,
) *APIHandlers {
	h := &APIHandlers{
		flows:      flows,
		executions: executions,
		webhooks:   webhooks,
		audit:      audit,
		health:     health,
		validator:  validator,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register mounts every route on r.
func (h *APIHandlers) Register(r fiber.Router) {
	r.Get("/health", h.HealthCheck)

	f := r.Group("/flows")
	f.Get("/", h.GetFlows)
	f.Post("/", h.CreateFlow)
	f.Get("/:id", h.GetFlow)
	f.Put("/:id", h.UpdateFlow)

	e := r.Group("/executions")
	e.Get("/", h.GetExecutions)
	e.Post("/", h.StartExecution)
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/pause", h.PauseExecution)
	e.Post("/:id/resume", h.ResumeExecution)
	e.Post("/:id/abort", h.AbortExecution)
	e.Get("/:id/checkpoints", h.GetCheckpoints)
	e.Post("/:id/checkpoints", h.CreateCheckpoint)
	e.Post("/:id/checkpoints/:name/restore", h.RestoreCheckpoint)

	// Config routes go first so "config" never reaches the admission endpoint.
	w := r.Group("/webhooks")
	w.Get("/config", h.GetWebhooks)
	w.Post("/config", h.RegisterWebhook)
	w.Get("/config/:id", h.GetWebhook)
	w.Put("/config/:id", h.UpdateWebhook)
	w.Delete("/config/:id", h.DeleteWebhook)
	w.Post("/:endpoint", h.ReceiveWebhook)

	a := r.Group("/audit")
	a.Get("/export", h.ExportAudit)
	a.Post("/reports", h.ComplianceReport)
	a.Get("/:executionId", h.GetAuditTrail)
	a.Get("/:executionId/verify", h.VerifyAuditTrail)

	if h.usage != nil {
		r.Get("/tenants/:subnet/usage", h.GetTenantUsage)
	}
}

// MetricsHandler serves the Prometheus registry.
func MetricsHandler(reg *prometheus.Registry) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	persistenceMessage, persistenceOK := h.health.Persistence(c.Context())
	contentMessage, contentOK := h.health.ContentStore(c.Context())

	body := HealthResponse{
		Status: "healthy",
		Checkers: map[string]string{
			"persistence":   persistenceMessage,
			"content_store": contentMessage,
		},
	}

	status := fiber.StatusOK
	if !persistenceOK || !contentOK {
		body.Status = "unhealthy"
		status = fiber.StatusServiceUnavailable
	}

	return respond(c, status, body)
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.flows.List(c.Context(), c.Query("owner"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, flows)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.flows.Create(c.Context(), &models.FlowDefinition{
		Name:     req.Name,
		Owner:    req.Owner,
		Steps:    req.Steps,
		Metadata: req.Metadata,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusCreated, created)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	version := 0

	if v := c.Query("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return badRequest(c, "version must be a positive integer")
		}

		version = parsed
	}

	flow, err := h.flows.FetchByID(c.Context(), c.Params("id"), version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, flow)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	var req UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.flows.Update(c.Context(), c.Params("id"), c.Get(ActorHeader), &models.FlowDefinition{
		Name:     req.Name,
		Steps:    req.Steps,
		Metadata: req.Metadata,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, updated)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	states, err := h.executions.List(c.Context(), persistence.ExecutionFilter{
		FlowID: c.Query("flow_id"),
		Status: models.ExecutionStatus(c.Query("status")),
		Tenant: c.Query("tenant"),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, states)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if req.Resources != nil {
		if err := h.validator.Struct(req.Resources); err != nil {
			return badRequest(c, err.Error())
		}
	}

	state, err := h.executions.Start(c.Context(), services.StartRequest{
		FlowID:    req.FlowID,
		Version:   req.Version,
		Actor:     c.Get(ActorHeader),
		Tenant:    c.Get(TenantHeader),
		Input:     req.Input,
		Resources: req.Resources,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusAccepted, state)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	state, err := h.executions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, state)
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	return h.transition(c, h.executions.Pause)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	return h.transition(c, h.executions.Resume)
}

func (h *APIHandlers) AbortExecution(c fiber.Ctx) error {
	return h.transition(c, h.executions.Abort)
}

type transitionFunc func(ctx context.Context, id, actor string) (*models.ExecutionState, error)

func (h *APIHandlers) transition(c fiber.Ctx, fn transitionFunc) error {
	state, err := fn(c.Context(), c.Params("id"), actorOf(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, state)
}

func (h *APIHandlers) GetCheckpoints(c fiber.Ctx) error {
	checkpoints, err := h.executions.Checkpoints(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, checkpoints)
}

func (h *APIHandlers) CreateCheckpoint(c fiber.Ctx) error {
	var req CheckpointRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	checkpoint, err := h.executions.Checkpoint(c.Context(), c.Params("id"), req.Name, actorOf(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusCreated, checkpoint)
}

func (h *APIHandlers) RestoreCheckpoint(c fiber.Ctx) error {
	state, err := h.executions.Restore(c.Context(), c.Params("id"), c.Params("name"), actorOf(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, state)
}

func (h *APIHandlers) GetWebhooks(c fiber.Ctx) error {
	configs, err := h.webhooks.List(c.Context(), c.Query("owner"))
	if err != nil {
		return handleServiceError(c, err)
	}

	out := make([]*models.WebhookConfig, 0, len(configs))
	for _, config := range configs {
		out = append(out, config.Redacted())
	}

	return respond(c, fiber.StatusOK, out)
}

func (h *APIHandlers) RegisterWebhook(c fiber.Ctx) error {
	var config models.WebhookConfig
	if err := c.Bind().JSON(&config); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	registered, err := h.webhooks.Register(c.Context(), c.Get(ActorHeader), &config)
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusCreated, registered.Redacted())
}

func (h *APIHandlers) GetWebhook(c fiber.Ctx) error {
	config, err := h.webhooks.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, config.Redacted())
}

func (h *APIHandlers) UpdateWebhook(c fiber.Ctx) error {
	var config models.WebhookConfig
	if err := c.Bind().JSON(&config); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	updated, err := h.webhooks.Update(c.Context(), c.Params("id"), c.Get(ActorHeader), &config)
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, updated.Redacted())
}

func (h *APIHandlers) DeleteWebhook(c fiber.Ctx) error {
	if err := h.webhooks.Delete(c.Context(), c.Params("id"), c.Get(ActorHeader)); err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, fiber.Map{"id": c.Params("id"), "deleted": true})
}

// ReceiveWebhook is the admission entry point.
func (h *APIHandlers) ReceiveWebhook(c fiber.Ctx) error {
	headers := make(http.Header)
	for key, values := range c.GetReqHeaders() {
		for _, value := range values {
			headers.Add(key, value)
		}
	}

	result, err := h.webhooks.Receive(c.Context(), admission.Request{
		Endpoint:      c.Params("endpoint"),
		Headers:       headers,
		Body:          bytes.Clone(c.Body()),
		SourceAddress: c.IP(),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	if !result.Admitted {
		return rejected(c, result)
	}

	return respond(c, fiber.StatusAccepted, result)
}

func (h *APIHandlers) GetAuditTrail(c fiber.Ctx) error {
	records, integrity, err := h.audit.Trail(c.Context(), c.Params("executionId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if records == nil {
		records = []*models.HistoricalRecord{}
	}

	return respond(c, fiber.StatusOK, TrailResponse{Records: records, Integrity: integrity})
}

func (h *APIHandlers) VerifyAuditTrail(c fiber.Ctx) error {
	integrity, err := h.audit.Verify(c.Context(), c.Params("executionId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, integrity)
}

func (h *APIHandlers) ComplianceReport(c fiber.Ctx) error {
	var req ReportRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	report, err := h.audit.Report(c.Context(), req.Period, req.Scope)
	if err != nil {
		return handleServiceError(c, err)
	}

	return respond(c, fiber.StatusOK, report)
}

// ExportAudit renders a trail (execution_id) or a period (from, to in RFC 3339)
// as json, csv or xml. The body is the raw export, not an envelope.
func (h *APIHandlers) ExportAudit(c fiber.Ctx) error {
	req := services.ExportRequest{
		ExecutionID: c.Query("execution_id"),
		Format:      c.Query("format"),
	}

	if from, to := c.Query("from"), c.Query("to"); from != "" || to != "" {
		period, err := parsePeriod(from, to)
		if err != nil {
			return badRequest(c, err.Error())
		}

		req.Period = period
	}

	body, contentType, err := h.audit.Export(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderXRequestID, requestID(c))

	return c.Status(fiber.StatusOK).Send(body)
}

func (h *APIHandlers) GetTenantUsage(c fiber.Ctx) error {
	tenant := c.Params("subnet")
	active, spent := h.usage.TenantUsage(tenant)

	return respond(c, fiber.StatusOK, TenantUsageResponse{
		Tenant:           tenant,
		ActiveExecutions: active,
		SpentUnits:       spent,
	})
}

func parsePeriod(from, to string) (*models.ReportPeriod, error) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return nil, fmt.Errorf("from must be an RFC 3339 timestamp: %w", err)
	}

	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return nil, fmt.Errorf("to must be an RFC 3339 timestamp: %w", err)
	}

	return &models.ReportPeriod{From: start, To: end}, nil
}

// actorOf falls back to "api" for lifecycle calls made without an actor header.
func actorOf(c fiber.Ctx) string {
	if actor := c.Get(ActorHeader); actor != "" {
		return actor
	}

	return "api"
}
