package httprequest_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/strata/pkg/actions/httprequest"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  map[string]any
		want    *httprequest.Action
		wantErr error
	}{
		{
			name:   "defaults",
			config: map[string]any{"url": "https://api.example.com/data"},
			want: &httprequest.Action{
				Method:  http.MethodGet,
				URL:     "https://api.example.com/data",
				Headers: map[string]string{},
				Timeout: 30 * time.Second,
			},
		},
		{
			name: "post with headers and timeout",
			config: map[string]any{
				"url":        "http://localhost:8080/create",
				"method":     "post",
				"headers":    map[string]any{"Authorization": "Bearer token123"},
				"body":       map[string]any{"key": "value"},
				"timeout_ms": 1500.0,
			},
			want: &httprequest.Action{
				Method:  http.MethodPost,
				URL:     "http://localhost:8080/create",
				Headers: map[string]string{"Authorization": "Bearer token123"},
				Body:    map[string]any{"key": "value"},
				Timeout: 1500 * time.Millisecond,
			},
		},
		{
			name:    "missing url",
			config:  map[string]any{},
			wantErr: httprequest.ErrHTTPRequestURLInvalid,
		},
		{
			name:    "unsupported scheme",
			config:  map[string]any{"url": "file:///etc/passwd"},
			wantErr: httprequest.ErrHTTPRequestURLInvalid,
		},
		{
			name:    "bad method",
			config:  map[string]any{"url": "https://example.com", "method": "TRACE"},
			wantErr: httprequest.ErrHTTPMethodInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			action, err := httprequest.NewAction(tt.config)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, models.IsValidation(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, action)
		})
	}
}

func TestAction_Execute(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 7, "ok": true}`))
	}))
	defer server.Close()

	factory := httprequest.NewActionFactory(server.Client())
	action, err := factory.Create(context.Background(), map[string]any{
		"url":     server.URL + "/items",
		"method":  "POST",
		"headers": map[string]any{"X-Token": "abc"},
		"body":    map[string]any{"name": "widget"},
	})
	require.NoError(t, err)

	out, err := action.Execute(context.Background(), protocol.StepInput{}, discard())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "widget"}, gotBody)
	assert.Equal(t, http.StatusOK, out.Data["status_code"])
	assert.Equal(t, map[string]any{"id": 7.0, "ok": true}, out.Data["body"])
	assert.Equal(t, int64(1), out.Usage.NetworkConnections)
}

func TestAction_ExecuteServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	action, err := httprequest.NewActionFactory(nil).Create(context.Background(), map[string]any{"url": server.URL})
	require.NoError(t, err)

	_, err = action.Execute(context.Background(), protocol.StepInput{}, discard())
	require.Error(t, err)

	stepErr := models.AsStepError(err)
	assert.True(t, stepErr.Retryable)
	assert.Contains(t, stepErr.Message, "502")
}

func TestAction_ExecuteClientStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer server.Close()

	lenient, err := httprequest.NewAction(map[string]any{"url": server.URL})
	require.NoError(t, err)

	out, err := lenient.Execute(context.Background(), protocol.StepInput{}, discard())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out.Data["status_code"])
	assert.Equal(t, "missing", out.Data["body"])

	strict, err := httprequest.NewAction(map[string]any{"url": server.URL, "fail_on_status": true})
	require.NoError(t, err)

	_, err = strict.Execute(context.Background(), protocol.StepInput{}, discard())
	require.Error(t, err)
	assert.False(t, models.AsStepError(err).Retryable)
}
