package admission_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/dukex/strata/pkg/admission"
	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/governor"
	"github.com/dukex/strata/pkg/metrics"
	"github.com/dukex/strata/pkg/mocks"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence/memory"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/ratelimit"
	"github.com/dukex/strata/pkg/security"
	"github.com/dukex/strata/pkg/testutil"
	"github.com/dukex/strata/pkg/validation"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type harness struct {
	gateway *admission.Gateway
	starter *mocks.MockStarter
	bus     *mocks.MockEventBus
	metrics *metrics.Metrics
	store   *memory.Persistence
}

func newHarness(t *testing.T, opts ...admission.Option) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := memory.NewPersistence()
	starter := &mocks.MockStarter{}
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m := metrics.New()

	base := []admission.Option{
		admission.WithValidator(validation.NewPipeline(logger)),
		admission.WithPublisher(bus),
		admission.WithMetrics(m),
	}

	return &harness{
		gateway: admission.New(store.Webhooks(), starter, ratelimit.NewMemoryLimiter(), logger, append(base, opts...)...),
		starter: starter,
		bus:     bus,
		metrics: m,
		store:   store,
	}
}

func (h *harness) register(t *testing.T, config *models.WebhookConfig) {
	t.Helper()
	require.NoError(t, h.store.Webhooks().SaveWebhook(context.Background(), config))
}

func (h *harness) expectStart(flowID string) {
	h.starter.On("Start", mock.Anything, flowID, mock.Anything).
		Return(&models.ExecutionState{ExecutionID: "exec-1", FlowID: flowID, Status: models.ExecutionStatusRunning}, nil)
}

func request(endpoint, body string) admission.Request {
	headers := http.Header{}
	headers.Set(admission.SourceIDHeader, "svc-a")

	return admission.Request{
		Endpoint:      endpoint,
		Headers:       headers,
		Body:          []byte(body),
		SourceAddress: "10.0.0.7:5123",
	}
}

func (h *harness) rejections(stage string) float64 {
	return promtestutil.ToFloat64(h.metrics.AdmissionsTotal.WithLabelValues("rejected", stage))
}

func TestGateway_AdmitsAndStartsFlow(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("orders", "flow-1", func(c *models.WebhookConfig) {
		c.TenantSubnet = "tenant-a"
	}))
	h.expectStart("flow-1")

	result, err := h.gateway.Admit(context.Background(), request("orders", `{"order_id":"o-1","amount":12}`))
	require.NoError(t, err)

	assert.True(t, result.Admitted)
	assert.Equal(t, "exec-1", result.ExecutionID)
	assert.Empty(t, result.Reasons)
	require.NotNil(t, result.Risk)
	assert.Equal(t, 5, result.Risk.Score)
	assert.Equal(t, []string{"unverified source"}, result.Risk.Factors)

	h.starter.AssertCalled(t, "Start", mock.Anything, "flow-1", mock.MatchedBy(func(ec models.ExecutionContext) bool {
		return ec.TriggerType == admission.TriggerType &&
			ec.TriggeredBy == "svc-a" &&
			ec.TenantSubnet == "tenant-a" &&
			ec.Input["order_id"] == "o-1"
	}))
	h.bus.AssertCalled(t, "Publish", mock.Anything, "flow-1", mock.MatchedBy(func(e events.Event) bool {
		admitted, ok := e.(events.WebhookAdmitted)

		return ok && admitted.Endpoint == "orders" && admitted.RiskScore == 5
	}))
	assert.InDelta(t, 1, promtestutil.ToFloat64(h.metrics.AdmissionsTotal.WithLabelValues("admitted", "")), 0)
}

func TestGateway_UnknownAndDisabledWebhooks(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("paused", "flow-1", func(c *models.WebhookConfig) {
		c.Enabled = false
	}))

	result, err := h.gateway.Admit(context.Background(), request("missing", `{}`))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageLookup, result.Stage)
	assert.Equal(t, []string{"webhook not found"}, result.Reasons)

	result, err = h.gateway.Admit(context.Background(), request("paused", `{}`))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, []string{"webhook disabled"}, result.Reasons)

	h.starter.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
	assert.InDelta(t, 2, h.rejections(admission.StageLookup), 0)
	h.bus.AssertCalled(t, "Publish", mock.Anything, "", mock.MatchedBy(func(e events.Event) bool {
		rejected, ok := e.(events.WebhookRejected)

		return ok && rejected.Endpoint == "missing" && rejected.Stage == admission.StageLookup
	}))
}

func TestGateway_RateLimit(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("limited", "flow-1", func(c *models.WebhookConfig) {
		c.RateLimitPerWindow = 2
	}))
	h.expectStart("flow-1")

	for i := range 2 {
		result, err := h.gateway.Admit(context.Background(), request("limited", `{}`))
		require.NoError(t, err)
		require.True(t, result.Admitted, "request %d", i)
		require.NotNil(t, result.RateLimit)
		assert.Equal(t, 1-i, result.RateLimit.Remaining)
	}

	result, err := h.gateway.Admit(context.Background(), request("limited", `{}`))
	require.NoError(t, err)

	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageRateLimit, result.Stage)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], "rate limit exceeded")
	assert.Equal(t, 0, result.RateLimit.Remaining)
	assert.Equal(t, 2, result.RateLimit.Limit)
	h.starter.AssertNumberOfCalls(t, "Start", 2)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestGateway_RateLimiterFailureRejects(t *testing.T) {
	store := memory.NewPersistence()
	starter := &mocks.MockStarter{}
	gateway := admission.New(store.Webhooks(), starter, failingLimiter{}, slog.New(slog.DiscardHandler))

	require.NoError(t, store.Webhooks().SaveWebhook(context.Background(), testutil.CreateTestWebhook("limited", "flow-1", func(c *models.WebhookConfig) {
		c.RateLimitPerWindow = 5
	})))

	result, err := gateway.Admit(context.Background(), request("limited", `{}`))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageRateLimit, result.Stage)
	starter.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
}

func TestGateway_AllowedSources(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("internal", "flow-1", func(c *models.WebhookConfig) {
		c.AllowedSources = []string{"10.0.0.0/24", "partner-b"}
	}))
	h.expectStart("flow-1")

	result, err := h.gateway.Admit(context.Background(), request("internal", `{}`))
	require.NoError(t, err)
	assert.True(t, result.Admitted)

	outside := request("internal", `{}`)
	outside.SourceAddress = "192.168.1.10:443"
	result, err = h.gateway.Admit(context.Background(), outside)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageSource, result.Stage)
	assert.Equal(t, []string{"source not allowed"}, result.Reasons)

	partner := request("internal", `{}`)
	partner.SourceAddress = "192.168.1.10:443"
	partner.Headers.Set(admission.SourceIDHeader, "partner-b")
	result, err = h.gateway.Admit(context.Background(), partner)
	require.NoError(t, err)
	assert.True(t, result.Admitted)
}

func TestGateway_HMACSignature(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("signed", "flow-1", func(c *models.WebhookConfig) {
		c.Auth = models.WebhookAuth{Type: models.AuthHMAC, Algorithm: "sha256", Secret: "s3cret"}
	}))
	h.expectStart("flow-1")

	body := `{"event":"paid"}`
	signature, err := security.SignWebhookHMAC("sha256", "s3cret", []byte(body))
	require.NoError(t, err)

	signed := request("signed", body)
	signed.Headers.Set(admission.DefaultSignatureHeader, signature)
	result, err := h.gateway.Admit(context.Background(), signed)
	require.NoError(t, err)
	assert.True(t, result.Admitted)

	result, err = h.gateway.Admit(context.Background(), request("signed", body))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageSignature, result.Stage)
	assert.Equal(t, []string{"missing signature"}, result.Reasons)

	forged, err := security.SignWebhookHMAC("sha256", "wrong", []byte(body))
	require.NoError(t, err)

	tampered := request("signed", body)
	tampered.Headers.Set(admission.DefaultSignatureHeader, forged)
	result, err = h.gateway.Admit(context.Background(), tampered)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, []string{"invalid signature"}, result.Reasons)
	assert.InDelta(t, 2, h.rejections(admission.StageSignature), 0)
}

func TestGateway_CustomSignatureHeader(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("signed", "flow-1", func(c *models.WebhookConfig) {
		c.Auth = models.WebhookAuth{Type: models.AuthHMAC, Algorithm: "sha1", Secret: "s3cret", SignatureHeader: "X-Hub-Signature"}
	}))
	h.expectStart("flow-1")

	signature, err := security.SignWebhookHMAC("sha1", "s3cret", []byte(`{}`))
	require.NoError(t, err)

	req := request("signed", `{}`)
	req.Headers.Set("X-Hub-Signature", signature)
	result, err := h.gateway.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Admitted)
}

func TestGateway_Consent(t *testing.T) {
	config := testutil.CreateTestWebhook("scoped", "flow-1", func(c *models.WebhookConfig) {
		c.RequiredScopes = []string{"orders:write", "orders:read"}
	})

	t.Run("no consent service fails closed", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, config)

		result, err := h.gateway.Admit(context.Background(), request("scoped", `{}`))
		require.NoError(t, err)
		assert.False(t, result.Admitted)
		assert.Equal(t, admission.StageConsent, result.Stage)
		assert.Equal(t, []string{"consent service unavailable"}, result.Reasons)
	})

	t.Run("missing scopes", func(t *testing.T) {
		consent := security.NewStaticConsentService()
		consent.Grant("svc-a", "orders:read")

		h := newHarness(t, admission.WithConsentService(consent))
		h.register(t, config)

		result, err := h.gateway.Admit(context.Background(), request("scoped", `{}`))
		require.NoError(t, err)
		assert.False(t, result.Admitted)
		assert.Equal(t, []string{"missing consent scopes: orders:write"}, result.Reasons)
	})

	t.Run("granted", func(t *testing.T) {
		consent := security.NewStaticConsentService()
		consent.Grant("svc-a", "orders:read", "orders:write")

		h := newHarness(t, admission.WithConsentService(consent))
		h.register(t, config)
		h.expectStart("flow-1")

		result, err := h.gateway.Admit(context.Background(), request("scoped", `{}`))
		require.NoError(t, err)
		assert.True(t, result.Admitted)
	})

	t.Run("anonymous caller", func(t *testing.T) {
		h := newHarness(t, admission.WithConsentService(security.NewStaticConsentService()))
		h.register(t, config)

		req := request("scoped", `{}`)
		req.Headers.Del(admission.SourceIDHeader)
		result, err := h.gateway.Admit(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, result.Admitted)
		assert.Equal(t, admission.StageConsent, result.Stage)
	})
}

func TestGateway_Identity(t *testing.T) {
	identities := security.NewStaticIdentityService(
		&models.Identity{ID: "svc-a"},
		&models.Identity{ID: "svc-off", Disabled: true},
	)

	h := newHarness(t, admission.WithIdentityService(identities))
	h.register(t, testutil.CreateTestWebhook("orders", "flow-1"))
	h.expectStart("flow-1")

	result, err := h.gateway.Admit(context.Background(), request("orders", `{}`))
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Equal(t, 0, result.Risk.Score)

	unknown := request("orders", `{}`)
	unknown.Headers.Set(admission.SourceIDHeader, "svc-unknown")
	result, err = h.gateway.Admit(context.Background(), unknown)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageIdentity, result.Stage)

	disabled := request("orders", `{}`)
	disabled.Headers.Set(admission.SourceIDHeader, "svc-off")
	result, err = h.gateway.Admit(context.Background(), disabled)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageIdentity, result.Stage)
}

func TestGateway_RiskRejectsSuspiciousPayload(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("orders", "flow-1"))

	body := `{"name":"${jndi:ldap://evil}","bio":"<script>alert(1)</script>"}`
	result, err := h.gateway.Admit(context.Background(), request("orders", body))
	require.NoError(t, err)

	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageRisk, result.Stage)
	require.NotNil(t, result.Risk)
	assert.Equal(t, 75, result.Risk.Score)
	assert.Equal(t, "local", result.Risk.Source)
	assert.Contains(t, result.Reasons[0], "exceeds threshold 70")
	h.starter.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
}

func TestGateway_WebhookRiskThreshold(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("strict", "flow-1", func(c *models.WebhookConfig) {
		c.RiskThreshold = ptr(4)
	}))
	h.register(t, testutil.CreateTestWebhook("zero", "flow-1", func(c *models.WebhookConfig) {
		c.RiskThreshold = ptr(0)
	}))

	result, err := h.gateway.Admit(context.Background(), request("strict", `{}`))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageRisk, result.Stage)
	assert.Equal(t, []string{"risk score 5 exceeds threshold 4"}, result.Reasons)

	result, err = h.gateway.Admit(context.Background(), request("zero", `{}`))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, []string{"risk score 5 exceeds threshold 0"}, result.Reasons)
}

func ptr[T any](v T) *T {
	return &v
}

func TestGateway_ExternalRiskAssessor(t *testing.T) {
	t.Run("assessment is used", func(t *testing.T) {
		assessor := &mocks.MockRiskAssessor{}
		assessor.On("Assess", mock.Anything, mock.MatchedBy(func(c protocol.RiskCandidate) bool {
			return c.Endpoint == "orders" && c.SourceID == "svc-a"
		})).Return(&models.RiskAssessment{Score: 130, Source: "remote"}, nil)

		h := newHarness(t, admission.WithRiskAssessor(assessor))
		h.register(t, testutil.CreateTestWebhook("orders", "flow-1"))

		result, err := h.gateway.Admit(context.Background(), request("orders", `{}`))
		require.NoError(t, err)
		assert.False(t, result.Admitted)
		assert.Equal(t, 100, result.Risk.Score)
		assert.Equal(t, "remote", result.Risk.Source)
	})

	t.Run("unavailable service fails closed", func(t *testing.T) {
		assessor := &mocks.MockRiskAssessor{}
		assessor.On("Assess", mock.Anything, mock.Anything).Return(nil, protocol.ErrServiceUnavailable)

		h := newHarness(t, admission.WithRiskAssessor(assessor))
		h.register(t, testutil.CreateTestWebhook("orders", "flow-1"))

		result, err := h.gateway.Admit(context.Background(), request("orders", `{}`))
		require.NoError(t, err)
		assert.False(t, result.Admitted)
		assert.Equal(t, admission.StageRisk, result.Stage)
		assert.Equal(t, []string{"risk service unavailable"}, result.Reasons)
		assert.Nil(t, result.Risk)
	})
}

func TestGateway_PayloadValidation(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("typed", "flow-1", func(c *models.WebhookConfig) {
		c.EventSchema = &models.EventSchema{JSONSchema: map[string]any{
			"type":     "object",
			"required": []any{"order_id"},
			"properties": map[string]any{
				"order_id": map[string]any{"type": "string"},
			},
		}}
	}))
	h.expectStart("flow-1")

	result, err := h.gateway.Admit(context.Background(), request("typed", `{"amount":3}`))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageValidation, result.Stage)
	assert.NotEmpty(t, result.Reasons)

	result, err = h.gateway.Admit(context.Background(), request("typed", `[1,2]`))
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, []string{"payload must be a JSON object"}, result.Reasons)

	result, err = h.gateway.Admit(context.Background(), request("typed", `{"order_id":"o-9"}`))
	require.NoError(t, err)
	assert.True(t, result.Admitted)
}

func TestGateway_TransformsPayload(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("mapped", "flow-1", func(c *models.WebhookConfig) {
		c.EventSchema = &models.EventSchema{
			FieldMappings: map[string]string{"customer": "data.customer.id", "total": "data.amount"},
			Defaults:      map[string]any{"currency": "EUR"},
		}
	}))
	h.expectStart("flow-1")

	result, err := h.gateway.Admit(context.Background(), request("mapped", `{"data":{"customer":{"id":"c-1"},"amount":40}}`))
	require.NoError(t, err)
	require.True(t, result.Admitted)

	h.starter.AssertCalled(t, "Start", mock.Anything, "flow-1", mock.MatchedBy(func(ec models.ExecutionContext) bool {
		return assert.ObjectsAreEqual(map[string]any{"customer": "c-1", "total": float64(40), "currency": "EUR"}, ec.Input)
	}))
}

func TestGateway_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("orders", "flow-1"))
	h.starter.On("Start", mock.Anything, "flow-1", mock.Anything).Return(nil, governor.ErrResourceDenied)

	result, err := h.gateway.Admit(context.Background(), request("orders", `{}`))
	require.ErrorIs(t, err, governor.ErrResourceDenied)
	assert.False(t, result.Admitted)
	assert.Equal(t, admission.StageStart, result.Stage)
	assert.InDelta(t, 1, h.rejections(admission.StageStart), 0)
}

func TestGateway_AnonymousTriggeredBy(t *testing.T) {
	h := newHarness(t)
	h.register(t, testutil.CreateTestWebhook("orders", "flow-1"))
	h.expectStart("flow-1")

	req := request("orders", `{}`)
	req.Headers.Del(admission.SourceIDHeader)

	result, err := h.gateway.Admit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Admitted)
	assert.Equal(t, 10, result.Risk.Score)

	h.starter.AssertCalled(t, "Start", mock.Anything, "flow-1", mock.MatchedBy(func(ec models.ExecutionContext) bool {
		return ec.TriggeredBy == "webhook:orders"
	}))
}
