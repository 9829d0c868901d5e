package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dukex/strata/pkg/admission"
	"github.com/dukex/strata/pkg/cmd"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"
)

func setupTestAPI(t *testing.T, cfg Config) *API {
	t.Helper()

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "memory://"
	}

	api, err := NewAPI(context.Background(), slog.New(slog.DiscardHandler), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		assert.NoError(t, api.Close(ctx))
	})

	return api
}

func TestAPI_RootEndpoint(t *testing.T) {
	t.Parallel()

	app := setupTestAPI(t, Config{}).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "strata API", string(body))
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()

	app := setupTestAPI(t, Config{}).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["success"])

	requestID := resp.Header.Get(fiber.HeaderXRequestID)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, requestID, body["requestId"])
}

func TestAPI_CORS_Headers(t *testing.T) {
	t.Parallel()

	app := setupTestAPI(t, Config{}).App()

	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()

	app := setupTestAPI(t, Config{}).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_FlowToExecutionWithSigningAndEncryption(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, Config{
		SigningKey:    "audit-secret",
		EncryptionKey: strings.Repeat("ab", 32),
	})
	app := api.App()

	flow := `{"name":"Signed Flow","owner":"ops","metadata":{"visibility":"public"},` +
		`"steps":[{"id":"start","name":"start","type":"task","action":"log","parameters":{"message":"hi"}}]}`

	req := httptest.NewRequest(http.MethodPost, "/flows", strings.NewReader(flow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	req = httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(`{"flow_id":"`+created.Data.ID+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "ops")

	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started struct {
		Data struct {
			ExecutionID string `json:"execution_id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = api.engine.Wait(ctx, started.Data.ExecutionID)
	require.NoError(t, err)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/audit/"+started.Data.ExecutionID+"/verify", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var verified struct {
		Data struct {
			Status          string `json:"status"`
			SignaturesValid bool   `json:"signatures_valid"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verified))
	assert.Equal(t, "valid", verified.Data.Status)
	assert.True(t, verified.Data.SignaturesValid)
}

func TestNewAPI_RejectsBadConfiguration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	badTenants := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(badTenants, []byte("tiers: ["), 0o600))

	tests := map[string]Config{
		"short encryption key": {DatabaseURL: "memory://", EncryptionKey: "too-short"},
		"unknown event bus":    {DatabaseURL: "memory://", EventBus: "carrier-pigeon"},
		"unknown content url":  {DatabaseURL: "memory://", ContentStoreURL: "ftp://nowhere"},
		"malformed tenants":    {DatabaseURL: "memory://", TenantsConfig: badTenants},
		"sub-second monitor":   {DatabaseURL: "memory://", MonitorInterval: 200 * time.Millisecond},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := NewAPI(context.Background(), slog.New(slog.DiscardHandler), cfg)
			assert.Error(t, err)
		})
	}
}

func TestAPI_RunSweepsRateLimitWindows(t *testing.T) {
	t.Parallel()

	limiter, err := cmd.NewRateLimiter("memory://")
	require.NoError(t, err)

	_, ok := limiter.(sweeper)
	assert.True(t, ok, "in-memory limiter is swept on the monitor schedule")
}

func TestParseEncryptionKey(t *testing.T) {
	t.Parallel()

	key, err := parseEncryptionKey(strings.Repeat("0f", 32))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	key, err = parseEncryptionKey(strings.Repeat("k", 32))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	_, err = parseEncryptionKey("short")
	assert.Error(t, err)
}

func TestNewCommand_Defaults(t *testing.T) {
	t.Parallel()

	command := newCommand()

	var captured Config

	command.Action = func(_ context.Context, c *cli.Command) error {
		captured = configFrom(c)

		return nil
	}

	require.NoError(t, command.Run(context.Background(), []string{"strata-api"}))
	assert.Equal(t, admission.DefaultWindow, captured.RateLimitWindow)
	assert.Equal(t, admission.DefaultRiskThreshold, captured.RiskThreshold)
	assert.Equal(t, defaultMonitorInterval, captured.MonitorInterval)
	assert.Equal(t, "memory://", captured.ContentStoreURL)
	assert.Empty(t, captured.SigningKey)
}
