package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_TypedOutput(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"name":  "John",
		"age":   30,
		"isNew": true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "John", result)

	result, err = Render("{{ .isNew }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = Render("{{ .age }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_JSONOutput(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"user":   map[string]any{"name": "Alice"},
		"orders": []any{1, 2},
	}

	result, err := Render(`{"user_name": "{{ .user.name }}", "total_orders": {{ len .orders }}}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Alice", resultMap["user_name"])
	assert.Equal(t, 2.0, resultMap["total_orders"])

	_, err = Render(`{ "broken": {{ .user.name }} }`, data)
	assert.Error(t, err)

	_, err = Render("{{ .name ", data)
	assert.Error(t, err)
}

func TestRender_Funcs(t *testing.T) {
	t.Parallel()

	result, err := Render(`{{ upper "abc" }}-{{ default "x" .missing }}`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "ABC-x", result)

	result, err = Render(`{{ toJSON .v }}`, map[string]any{"v": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, result)
}

func TestRenderParams(t *testing.T) {
	t.Parallel()

	data := map[string]any{"variables": map[string]any{"id": "42", "count": 3}}

	params, err := RenderParams(map[string]any{
		"url":    "https://example.com/orders/{{ .variables.id }}",
		"plain":  "no templating",
		"nested": map[string]any{"n": "{{ .variables.count }}"},
		"list":   []any{"{{ .variables.id }}", 7},
	}, data)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/orders/42", params["url"])
	assert.Equal(t, "no templating", params["plain"])
	assert.Equal(t, map[string]any{"n": 3.0}, params["nested"])
	assert.Equal(t, []any{42.0, 7}, params["list"])
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"variables": map[string]any{"amount": 150, "status": "ok", "flag": false},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"gt .variables.amount 100", true},
		{"lt .variables.amount 100", false},
		{`eq .variables.status "ok"`, true},
		{"{{ .variables.flag }}", false},
		{".variables.missing", false},
		{".variables.status", true},
		{"{{ if .variables.flag }}yes{{ end }}", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()

			got, err := Truthy(tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Truthy("{{ .x", data)
	assert.Error(t, err)
}
