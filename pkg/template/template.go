// Package template renders step parameters and condition expressions with
// text/template over the execution's variables, step results and input.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"contains": strings.Contains,
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
	"toJSON": func(v any) (string, error) {
		raw, err := json.Marshal(v)

		return string(raw), err
	},
}

// Render executes templateStr against data and decodes the output: JSON
// objects and arrays, numbers and booleans come back typed, anything else as
// a string.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.New("param").Option("missingkey=zero").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		if err := json.Unmarshal([]byte(result), &jsonResult); err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// NeedsTemplating reports whether s contains template actions.
func NeedsTemplating(s string) bool {
	return strings.Contains(s, "{{")
}

// RenderParams renders every templated string in params, recursing into
// nested maps and slices. Strings without actions are kept verbatim.
func RenderParams(params map[string]any, data any) (map[string]any, error) {
	out := make(map[string]any, len(params))

	for k, v := range params {
		rendered, err := renderValue(v, data)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}

		out[k] = rendered
	}

	return out, nil
}

func renderValue(v any, data any) (any, error) {
	switch typed := v.(type) {
	case string:
		if !NeedsTemplating(typed) {
			return typed, nil
		}

		return Render(typed, data)
	case map[string]any:
		return RenderParams(typed, data)
	case []any:
		out := make([]any, len(typed))

		for i, item := range typed {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return v, nil
	}
}

// Truthy evaluates an expression to a boolean. Empty strings, "<no value>",
// zero, false and nil are false.
func Truthy(expression string, data any) (bool, error) {
	if !NeedsTemplating(expression) {
		expression = "{{ " + expression + " }}"
	}

	value, err := Render(expression, data)
	if err != nil {
		return false, err
	}

	switch typed := value.(type) {
	case bool:
		return typed, nil
	case float64:
		return typed != 0, nil
	case string:
		return typed != "" && typed != "<no value>", nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}
