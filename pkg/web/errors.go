package web

import (
	"errors"
	"strings"
	"time"

	"github.com/dukex/strata/pkg/admission"
	"github.com/dukex/strata/pkg/engine"
	"github.com/dukex/strata/pkg/governor"
	"github.com/dukex/strata/pkg/ledger"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/services"
	"github.com/dukex/strata/pkg/statestore"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/moogar0880/problems"
)

// AdmissionProblem is the error body of a rejected webhook event.
type AdmissionProblem struct {
	*problems.Problem

	Stage   string                 `json:"stage"`
	Reasons []string               `json:"reasons"`
	Risk    *models.RiskAssessment `json:"risk,omitempty"`
}

func requestID(c fiber.Ctx) string {
	if id := c.GetRespHeader(fiber.HeaderXRequestID); id != "" {
		return id
	}

	id := c.Get(fiber.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
	}

	c.Set(fiber.HeaderXRequestID, id)

	return id
}

func respond(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	})
}

func fail(c fiber.Ctx, status int, problem any) error {
	return c.Status(status).JSON(Response{
		Success:   false,
		Error:     problem,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	})
}

func newProblem(c fiber.Ctx, status int, kind, detail string) *problems.Problem {
	return problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)
}

func badRequest(c fiber.Ctx, detail string) error {
	return fail(c, fiber.StatusBadRequest, newProblem(c, fiber.StatusBadRequest, "validation_error", detail))
}

func forbidden(c fiber.Ctx, detail string) error {
	return fail(c, fiber.StatusForbidden, newProblem(c, fiber.StatusForbidden, "forbidden", detail))
}

func rejected(c fiber.Ctx, result *models.AdmissionResult) error {
	status := fiber.StatusForbidden
	if result.Stage == admission.StageRateLimit {
		status = fiber.StatusTooManyRequests
	}

	return fail(c, status, &AdmissionProblem{
		Problem: newProblem(c, status, "admission_rejected", strings.Join(result.Reasons, "; ")),
		Stage:   result.Stage,
		Reasons: result.Reasons,
		Risk:    result.Risk,
	})
}

// handleServiceError maps domain errors onto HTTP problems.
func handleServiceError(c fiber.Ctx, err error) error {
	var (
		status int
		kind   string
		detail = err.Error()
	)

	switch {
	case services.IsValidationError(err):
		status, kind = fiber.StatusBadRequest, "validation_error"
	case persistence.IsNotFound(err) || engine.IsExecutionNotFound(err):
		status, kind = fiber.StatusNotFound, "not_found"
	case services.IsConflictError(err):
		status, kind = fiber.StatusConflict, "conflict"
	case governor.IsResourceDenied(err):
		status, kind = fiber.StatusPaymentRequired, "resource_denied"
		if reason := governor.DenialReason(err); reason != "" {
			detail = reason
		}
	case errors.Is(err, ledger.ErrIntegrity) || statestore.IsIntegrity(err):
		status, kind = fiber.StatusUnprocessableEntity, "integrity_violation"
	case services.IsForbidden(err):
		status, kind = fiber.StatusForbidden, "forbidden"
	case errors.Is(err, engine.ErrNoStateStore):
		status, kind = fiber.StatusNotImplemented, "not_configured"
	case errors.Is(err, engine.ErrShuttingDown):
		status, kind = fiber.StatusServiceUnavailable, "shutting_down"
	default:
		problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return fail(c, fiber.StatusInternalServerError, problem)
	}

	return fail(c, status, newProblem(c, status, kind, detail))
}
