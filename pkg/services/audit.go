package services

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/ledger"
	"github.com/dukex/strata/pkg/models"
	"github.com/go-playground/validator/v10"
)

type Audit struct {
	ledger   *ledger.Ledger
	validate *validator.Validate
}

// NewAudit creates a new audit service.
func NewAudit(l *ledger.Ledger, validate *validator.Validate) *Audit {
	return &Audit{
		ledger:   l,
		validate: validate,
	}
}

// Trail returns an execution's records with their integrity verdict.
func (a *Audit) Trail(ctx context.Context, executionID string) ([]*models.HistoricalRecord, *models.IntegrityResult, error) {
	return a.ledger.Trail(ctx, executionID)
}

func (a *Audit) Verify(ctx context.Context, executionID string) (*models.IntegrityResult, error) {
	return a.ledger.VerifyIntegrity(ctx, executionID)
}

func (a *Audit) Report(ctx context.Context, period models.ReportPeriod, scope models.ReportScope) (*models.ComplianceReport, error) {
	if err := a.validate.Struct(period); err != nil {
		return nil, NewValidationError("Report", "INVALID_PERIOD", err.Error(), ErrInvalidRequest)
	}

	return a.ledger.GenerateComplianceReport(ctx, period, scope)
}

// ExportRequest selects one execution's trail, or every record in a period.
type ExportRequest struct {
	ExecutionID string
	Period      *models.ReportPeriod
	Format      string
}

// Export renders records and returns the body with its content type.
func (a *Audit) Export(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	format, err := ledger.ParseFormat(req.Format)
	if err != nil {
		return nil, "", NewValidationError("Export", "INVALID_FORMAT", err.Error(), ErrInvalidRequest)
	}

	var records []*models.HistoricalRecord

	switch {
	case req.ExecutionID != "":
		records, _, err = a.ledger.Trail(ctx, req.ExecutionID)
	case req.Period != nil:
		if verr := a.validate.Struct(req.Period); verr != nil {
			return nil, "", NewValidationError("Export", "INVALID_PERIOD", verr.Error(), ErrInvalidRequest)
		}

		records, err = a.ledger.RecordsBetween(ctx, req.Period.From, req.Period.To)
	default:
		return nil, "", NewValidationError("Export", "SELECTOR_REQUIRED", "execution_id or period is required", ErrInvalidRequest)
	}

	if err != nil {
		return nil, "", fmt.Errorf("failed to load records: %w", err)
	}

	body, err := ledger.Export(records, format)
	if err != nil {
		return nil, "", err
	}

	return body, format.ContentType(), nil
}
