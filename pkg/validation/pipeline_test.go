package validation

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/dukex/strata/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(opts ...Option) *Pipeline {
	return NewPipeline(slog.New(slog.DiscardHandler), opts...)
}

func TestPipeline_SchemaLayer(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string"},
		},
	}

	pipeline := newTestPipeline()

	ok, err := pipeline.Validate(context.Background(), models.Operation{
		Kind: "step:task", Action: "http", Parameters: map[string]any{"url": "https://example.com"}, Schema: schema,
	}, models.LayerSchema)
	require.NoError(t, err)
	assert.Equal(t, models.ValidationPassed, ok.OverallStatus)

	bad, err := pipeline.Validate(context.Background(), models.Operation{
		Kind: "step:task", Action: "http", Parameters: map[string]any{}, Schema: schema,
	}, models.LayerSchema)
	require.NoError(t, err)
	assert.Equal(t, models.ValidationFailed, bad.OverallStatus)
	assert.NotEmpty(t, bad.Errors())
}

func TestPipeline_BusinessLayer(t *testing.T) {
	t.Parallel()

	pipeline := newTestPipeline(WithRule("step:task", func(_ context.Context, op models.Operation) ([]string, []string) {
		if op.Action == "forbidden" {
			return []string{"action is forbidden"}, nil
		}

		return nil, nil
	}))

	tests := []struct {
		name string
		op   models.Operation
		want models.ValidationStatus
	}{
		{"task with action", models.Operation{Kind: "step:task", Action: "log"}, models.ValidationPassed},
		{"task without action", models.Operation{Kind: "step:task"}, models.ValidationFailed},
		{"custom rule", models.Operation{Kind: "step:task", Action: "forbidden"}, models.ValidationFailed},
		{"condition without expression", models.Operation{Kind: "step:condition"}, models.ValidationFailed},
		{"condition with expression", models.Operation{Kind: "step:condition", Parameters: map[string]any{"expression": "true"}}, models.ValidationPassed},
		{"empty webhook payload", models.Operation{Kind: KindWebhook}, models.ValidationWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := pipeline.Validate(context.Background(), tt.op, models.LayerBusiness)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.OverallStatus)
		})
	}
}

func TestPipeline_SecurityLayer(t *testing.T) {
	t.Parallel()

	pipeline := newTestPipeline(WithMaxPayloadBytes(64))

	tests := []struct {
		name   string
		params map[string]any
		want   models.ValidationStatus
	}{
		{"clean", map[string]any{"name": "alice"}, models.ValidationPassed},
		{"script", map[string]any{"bio": "<script>alert(1)</script>"}, models.ValidationFailed},
		{"nested sql", map[string]any{"q": map[string]any{"where": "1 UNION SELECT password"}}, models.ValidationFailed},
		{"traversal is a warning", map[string]any{"file": "../notes.txt"}, models.ValidationWarning},
		{"jndi", map[string]any{"ua": "${jndi:ldap://x}"}, models.ValidationFailed},
		{"oversize", map[string]any{"blob": strings.Repeat("a", 100)}, models.ValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := pipeline.Validate(context.Background(), models.Operation{Kind: KindWebhook, Parameters: tt.params}, models.LayerSecurity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.OverallStatus)
		})
	}
}

func TestPipeline_AllLayersAggregateWorstStatus(t *testing.T) {
	t.Parallel()

	result, err := newTestPipeline().Validate(context.Background(), models.Operation{
		Kind: KindWebhook, Parameters: map[string]any{"path": "../x"},
	})
	require.NoError(t, err)

	assert.Len(t, result.Results, 3)
	assert.Equal(t, models.ValidationWarning, result.OverallStatus)

	_, err = newTestPipeline().Validate(context.Background(), models.Operation{}, "bogus")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDetector_Analyze(t *testing.T) {
	t.Parallel()

	detections := NewDetector().Analyze(map[string]any{
		"items":    []any{"ok", "curl http://x; rm -rf /"},
		"<script>": "key names are scanned",
	})

	require.Len(t, detections, 2)
	assert.Equal(t, "script_injection", detections[0].Pattern)
	assert.Equal(t, "command_injection", detections[1].Pattern)
	assert.Equal(t, "items[1]", detections[1].Path)
	assert.Equal(t, "high", detections[1].Severity.String())
}
