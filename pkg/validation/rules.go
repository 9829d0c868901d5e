package validation

import (
	"context"
	"strings"

	"github.com/dukex/strata/pkg/models"
)

// Operation kinds produced by the engine and the admission gateway.
const (
	KindWebhook = "webhook"
)

// StepKind is the operation kind of a step of type t.
func StepKind(t models.StepType) string {
	return "step:" + string(t)
}

func requireParam(name string) Rule {
	return func(_ context.Context, op models.Operation) ([]string, []string) {
		v, ok := op.Parameters[name]
		if !ok {
			return []string{name + " parameter is required"}, nil
		}

		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return []string{name + " parameter must not be empty"}, nil
		}

		return nil, nil
	}
}

func requireAction(_ context.Context, op models.Operation) ([]string, []string) {
	if strings.TrimSpace(op.Action) == "" {
		return []string{"action is required"}, nil
	}

	return nil, nil
}

func warnEmptyPayload(_ context.Context, op models.Operation) ([]string, []string) {
	if len(op.Parameters) == 0 {
		return nil, []string{"payload is empty"}
	}

	return nil, nil
}

func defaultRules() map[string][]Rule {
	return map[string][]Rule{
		StepKind(models.StepTypeTask):         {requireAction},
		StepKind(models.StepTypeCondition):    {requireParam("expression")},
		StepKind(models.StepTypeEventTrigger): {requireParam("event")},
		StepKind(models.StepTypeModuleCall):   {requireParam("flow_id")},
		KindWebhook:                           {warnEmptyPayload},
	}
}
