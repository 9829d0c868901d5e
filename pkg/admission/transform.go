package admission

import (
	"fmt"
	"maps"
	"strings"

	"github.com/dukex/strata/pkg/models"
)

// Transform builds the execution input from a webhook payload. Without field
// mappings the payload passes through unchanged; with mappings only the mapped
// keys are kept. Defaults fill keys that are still missing afterwards.
func Transform(payload map[string]any, schema *models.EventSchema) (map[string]any, error) {
	if schema == nil {
		return payload, nil
	}

	var input map[string]any

	if len(schema.FieldMappings) == 0 {
		input = maps.Clone(payload)
		if input == nil {
			input = map[string]any{}
		}
	} else {
		input = make(map[string]any, len(schema.FieldMappings))

		for target, source := range schema.FieldMappings {
			if target == "" {
				return nil, fmt.Errorf("field mapping for %q has an empty target", source)
			}

			if value, ok := lookup(payload, source); ok {
				input[target] = value
			}
		}
	}

	for key, value := range schema.Defaults {
		if _, ok := input[key]; !ok {
			input[key] = value
		}
	}

	return input, nil
}

func lookup(payload map[string]any, path string) (any, bool) {
	var current any = payload

	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
