// Package validation implements the three-layer validation pipeline: schema,
// business rules and security scanning.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/strata/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultMaxPayloadBytes bounds the serialized size of validated parameters.
const DefaultMaxPayloadBytes = 1 << 20

// Rule is a business check for one operation kind.
type Rule func(ctx context.Context, op models.Operation) (errs []string, warnings []string)

// Pipeline is the local implementation of protocol.Validator.
type Pipeline struct {
	logger          *slog.Logger
	rules           map[string][]Rule
	detector        *Detector
	maxPayloadBytes int
}

type Option func(*Pipeline)

// WithRule adds a business rule for operations of kind.
func WithRule(kind string, rule Rule) Option {
	return func(p *Pipeline) {
		p.rules[kind] = append(p.rules[kind], rule)
	}
}

// WithMaxPayloadBytes overrides the security layer's size bound.
func WithMaxPayloadBytes(n int) Option {
	return func(p *Pipeline) {
		p.maxPayloadBytes = n
	}
}

// NewPipeline creates a pipeline with the built-in step rules.
func NewPipeline(logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:          logger.With("module", "validation"),
		rules:           defaultRules(),
		detector:        NewDetector(),
		maxPayloadBytes: DefaultMaxPayloadBytes,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Detector exposes the security scanner for reuse by risk scoring.
func (p *Pipeline) Detector() *Detector {
	return p.detector
}

// Validate runs the requested layers, or all three when none are given.
func (p *Pipeline) Validate(ctx context.Context, op models.Operation, layers ...models.ValidationLayer) (*models.ValidationResult, error) {
	if len(layers) == 0 {
		layers = []models.ValidationLayer{models.LayerSchema, models.LayerBusiness, models.LayerSecurity}
	}

	result := &models.ValidationResult{OverallStatus: models.ValidationPassed}

	for _, layer := range layers {
		var (
			res models.LayerResult
			err error
		)

		switch layer {
		case models.LayerSchema:
			res, err = p.schemaLayer(op)
		case models.LayerBusiness:
			res = p.businessLayer(ctx, op)
		case models.LayerSecurity:
			res, err = p.securityLayer(op)
		default:
			return nil, fmt.Errorf("%w: unknown validation layer %q", models.ErrValidation, layer)
		}

		if err != nil {
			return nil, err
		}

		result.Results = append(result.Results, res)
		result.OverallStatus = worst(result.OverallStatus, res.Status)
	}

	if result.OverallStatus == models.ValidationFailed {
		p.logger.DebugContext(ctx, "operation failed validation",
			"kind", op.Kind, "action", op.Action, "errors", result.Errors())
	}

	return result, nil
}

func worst(a, b models.ValidationStatus) models.ValidationStatus {
	rank := map[models.ValidationStatus]int{
		models.ValidationPassed:  0,
		models.ValidationWarning: 1,
		models.ValidationFailed:  2,
	}

	if rank[b] > rank[a] {
		return b
	}

	return a
}

func statusFor(errs, warnings []string) models.ValidationStatus {
	switch {
	case len(errs) > 0:
		return models.ValidationFailed
	case len(warnings) > 0:
		return models.ValidationWarning
	default:
		return models.ValidationPassed
	}
}

func (p *Pipeline) schemaLayer(op models.Operation) (models.LayerResult, error) {
	res := models.LayerResult{Layer: models.LayerSchema, Status: models.ValidationPassed}
	if len(op.Schema) == 0 {
		return res, nil
	}

	params := op.Parameters
	if params == nil {
		params = map[string]any{}
	}

	outcome, err := gojsonschema.Validate(gojsonschema.NewGoLoader(op.Schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		res.Errors = []string{"schema could not be evaluated: " + err.Error()}
		res.Status = models.ValidationFailed

		return res, nil
	}

	for _, desc := range outcome.Errors() {
		res.Errors = append(res.Errors, desc.String())
	}

	res.Status = statusFor(res.Errors, nil)

	return res, nil
}

func (p *Pipeline) businessLayer(ctx context.Context, op models.Operation) models.LayerResult {
	res := models.LayerResult{Layer: models.LayerBusiness}

	for _, rule := range slices.Concat(p.rules[op.Kind], p.rules["*"]) {
		errs, warnings := rule(ctx, op)
		res.Errors = append(res.Errors, errs...)
		res.Warnings = append(res.Warnings, warnings...)
	}

	res.Status = statusFor(res.Errors, res.Warnings)

	return res
}

func (p *Pipeline) securityLayer(op models.Operation) (models.LayerResult, error) {
	res := models.LayerResult{Layer: models.LayerSecurity}

	encoded, err := json.Marshal(op.Parameters)
	if err != nil {
		return res, fmt.Errorf("failed to measure parameters: %w", err)
	}

	if len(encoded) > p.maxPayloadBytes {
		res.Errors = append(res.Errors, fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(encoded), p.maxPayloadBytes))
	}

	for _, detection := range p.detector.Analyze(op.Parameters) {
		msg := fmt.Sprintf("%s at %q: %s", detection.Pattern, detection.Path, detection.Detail)
		if detection.Severity >= SeverityHigh {
			res.Errors = append(res.Errors, msg)
		} else {
			res.Warnings = append(res.Warnings, msg)
		}
	}

	res.Status = statusFor(res.Errors, res.Warnings)

	return res, nil
}
