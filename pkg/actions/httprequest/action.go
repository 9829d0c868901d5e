// Package httprequest provides the http action for task steps.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/mitchellh/mapstructure"
)

const (
	ID = "http"

	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 10 << 20
)

var (
	// ErrHTTPMethodInvalid is returned when the HTTP method is not supported.
	ErrHTTPMethodInvalid = errors.New("invalid HTTP method")
	// ErrHTTPRequestURLInvalid is returned when the url is missing or not http(s).
	ErrHTTPRequestURLInvalid = errors.New("invalid HTTP request url")
	// ErrHTTPServerError is returned when the server answers with a 5xx status.
	ErrHTTPServerError = errors.New("server error during HTTP request")
)

var methods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Config is the decoded parameter set of an http task step.
type Config struct {
	URL       string            `mapstructure:"url"`
	Method    string            `mapstructure:"method"`
	Headers   map[string]string `mapstructure:"headers"`
	Body      any               `mapstructure:"body"`
	TimeoutMs int               `mapstructure:"timeout_ms"`
	// FailOnStatus turns 4xx answers into step failures.
	FailOnStatus bool `mapstructure:"fail_on_status"`
}

// Action performs one HTTP request and exposes status, headers and body as step data.
type Action struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         any
	Timeout      time.Duration
	FailOnStatus bool

	client *http.Client
}

// ActionFactory creates http actions.
type ActionFactory struct {
	client *http.Client
}

// NewActionFactory creates the factory. A nil client uses one per request with the configured timeout.
func NewActionFactory(client *http.Client) *ActionFactory {
	return &ActionFactory{client: client}
}

func (*ActionFactory) ID() string {
	return ID
}

func (*ActionFactory) Description() string {
	return "Performs an HTTP request; 5xx answers and transport errors are retryable failures."
}

func (f *ActionFactory) Create(_ context.Context, config map[string]any) (protocol.Action, error) {
	action, err := NewAction(config)
	if err != nil {
		return nil, err
	}

	action.client = f.client

	return action, nil
}

// NewAction decodes config into an Action.
func NewAction(config map[string]any) (*Action, error) {
	var cfg Config
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: http parameters: %v", models.ErrValidation, err)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	if !methods[method] {
		return nil, fmt.Errorf("%w: %w %q", models.ErrValidation, ErrHTTPMethodInvalid, cfg.Method)
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %w %q", models.ErrValidation, ErrHTTPRequestURLInvalid, cfg.URL)
	}

	timeout := defaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	headers := cfg.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	return &Action{
		Method:       method,
		URL:          u.String(),
		Headers:      headers,
		Body:         cfg.Body,
		Timeout:      timeout,
		FailOnStatus: cfg.FailOnStatus,
	}, nil
}

// Execute sends the request and returns {status_code, headers, body}.
func (a *Action) Execute(ctx context.Context, _ protocol.StepInput, logger *slog.Logger) (*protocol.StepOutput, error) {
	logger = logger.With("action", ID, "method", a.Method, "url", a.URL)

	req, err := a.buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	client := a.client
	if client == nil {
		client = &http.Client{Timeout: a.Timeout}
	}

	started := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return nil, models.NewRetryableStepError(fmt.Sprintf("http request failed: %v", err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := a.processResponse(ctx, resp, logger)
	if err != nil {
		return nil, err
	}

	usage := models.ResourceUsage{
		NetworkConnections: 1,
		WallClockMs:        time.Since(started).Milliseconds(),
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, models.NewRetryableStepError(fmt.Sprintf("%v (status %d)", ErrHTTPServerError, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest && a.FailOnStatus:
		return nil, models.NewStepError(fmt.Sprintf("request rejected with status %d", resp.StatusCode))
	}

	return &protocol.StepOutput{Data: data, Usage: usage}, nil
}

func (a *Action) buildRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader

	switch typed := a.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(typed)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal body: %v", models.ErrValidation, err)
		}

		body = bytes.NewReader(raw)

		if _, ok := a.Headers["Content-Type"]; !ok {
			a.Headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, a.Method, a.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for key, value := range a.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func (a *Action) processResponse(ctx context.Context, resp *http.Response, logger *slog.Logger) (map[string]any, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, models.NewRetryableStepError(fmt.Sprintf("failed to read response body: %v", err))
	}

	var body any
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			body = string(bodyBytes)
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	logger.DebugContext(ctx, "http request completed", "status", resp.StatusCode, "bytes", len(bodyBytes))

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}, nil
}
