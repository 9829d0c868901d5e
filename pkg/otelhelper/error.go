package otelhelper

import (
	"errors"

	"github.com/dukex/strata/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ErrorTypeKey      = "strata.error.type"
	ErrorRetryableKey = "strata.error.retryable"
)

// SetError marks span as failed. Step errors also record their type and
// whether the step will be retried.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	var stepErr *models.StepError
	if errors.As(err, &stepErr) {
		attrs = append(attrs,
			attribute.String(ErrorTypeKey, string(stepErr.Type)),
			attribute.Bool(ErrorRetryableKey, stepErr.Retryable),
		)
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
