package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/dukex/strata/pkg/models"
	"github.com/google/uuid"
)

var defaultRestrictedKeys = []string{
	"ssn", "social_security", "credit_card", "card_number", "cvv",
	"password", "secret", "health", "medical", "diagnosis", "biometric", "passport",
}

const (
	violationHighActivity   = "high_activity"
	violationRestrictedData = "restricted_data"
)

type executionFacts struct {
	flowID string
	tenant string
	failed bool
}

// GenerateComplianceReport aggregates the records of a period and flags
// unusual per-actor activity and failed executions carrying restricted data.
// Success and failure rates are fractions of executions that finished in the period.
func (l *Ledger) GenerateComplianceReport(ctx context.Context, period models.ReportPeriod, scope models.ReportScope) (*models.ComplianceReport, error) {
	if !period.To.After(period.From) {
		return nil, fmt.Errorf("%w: report period must end after it starts", models.ErrValidation)
	}

	records, err := l.records.RecordsBetween(ctx, period.From, period.To)
	if err != nil {
		return nil, err
	}

	facts := l.resolveFacts(ctx, records)

	var (
		inScope   []*models.HistoricalRecord
		stats     models.ComplianceStatistics
		durations []float64
		started   = map[string]bool{}
		perActor  = map[string]int{}
	)

	for _, record := range records {
		f := facts[record.ExecutionID]

		if scope.FlowID != "" && f.flowID != scope.FlowID {
			continue
		}

		if scope.Tenant != "" && f.tenant != scope.Tenant {
			continue
		}

		if len(scope.Actors) > 0 && !slices.Contains(scope.Actors, record.Actor) {
			continue
		}

		inScope = append(inScope, record)
		perActor[record.Actor]++

		switch record.RecordType {
		case models.RecordExecutionStarted:
			started[record.ExecutionID] = true
		case models.RecordExecutionCompleted:
			stats.CompletedExecutions++
		case models.RecordExecutionFailed:
			stats.FailedExecutions++
		case models.RecordExecutionAborted:
			stats.AbortedExecutions++
		}

		if isTerminal(record.RecordType) {
			if d, ok := number(record.Data["duration_ms"]); ok {
				durations = append(durations, d)
			}
		}
	}

	stats.TotalExecutions = len(started)
	stats.TotalRecords = len(inScope)

	if finished := stats.CompletedExecutions + stats.FailedExecutions + stats.AbortedExecutions; finished > 0 {
		stats.SuccessRate = float64(stats.CompletedExecutions) / float64(finished)
		stats.FailureRate = float64(stats.FailedExecutions+stats.AbortedExecutions) / float64(finished)
	}

	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}

		stats.AverageDurationMs = sum / float64(len(durations))
	}

	violations := l.activityViolations(perActor)
	violations = append(violations, l.restrictedDataViolations(inScope, facts)...)

	report := &models.ComplianceReport{
		ID:          uuid.NewString(),
		Period:      period,
		Scope:       scope,
		Statistics:  stats,
		Violations:  violations,
		GeneratedAt: l.now(),
	}

	l.logger.InfoContext(ctx, "compliance report generated",
		"report_id", report.ID, "records", stats.TotalRecords, "violations", len(violations))

	return report, nil
}

// resolveFacts finds the flow and tenant of every execution in records, from
// the execution repository when possible and from the started record otherwise.
func (l *Ledger) resolveFacts(ctx context.Context, records []*models.HistoricalRecord) map[string]executionFacts {
	facts := map[string]executionFacts{}

	for _, record := range records {
		f := facts[record.ExecutionID]

		if s, ok := record.Data["flow_id"].(string); ok && f.flowID == "" {
			f.flowID = s
		}

		if record.RecordType == models.RecordExecutionStarted {
			if s, ok := record.Data["tenant"].(string); ok {
				f.tenant = s
			}
		}

		if record.RecordType == models.RecordExecutionFailed || record.RecordType == models.RecordExecutionAborted {
			f.failed = true
		}

		facts[record.ExecutionID] = f
	}

	if l.executions == nil {
		return facts
	}

	for id, f := range facts {
		state, err := l.executions.ExecutionByID(ctx, id)
		if err != nil {
			continue
		}

		f.flowID = state.FlowID
		f.tenant = state.Context.TenantSubnet

		if state.Status == models.ExecutionStatusFailed || state.Status == models.ExecutionStatusAborted {
			f.failed = true
		}

		facts[id] = f
	}

	return facts
}

func (l *Ledger) activityViolations(perActor map[string]int) []models.ComplianceViolation {
	actors := make([]string, 0, len(perActor))
	for actor := range perActor {
		actors = append(actors, actor)
	}

	sort.Strings(actors)

	var out []models.ComplianceViolation

	for _, actor := range actors {
		count := perActor[actor]
		if count <= l.highActivity {
			continue
		}

		severity := "medium"
		if count > 2*l.highActivity {
			severity = "high"
		}

		out = append(out, models.ComplianceViolation{
			Kind:        violationHighActivity,
			Severity:    severity,
			Subject:     actor,
			Description: fmt.Sprintf("actor %q produced %d audit records, above the threshold of %d", actor, count, l.highActivity),
			Remediation: "Confirm the activity is expected for this actor and tighten its rate limits or permissions if it is not.",
		})
	}

	return out
}

func (l *Ledger) restrictedDataViolations(records []*models.HistoricalRecord, facts map[string]executionFacts) []models.ComplianceViolation {
	found := map[string]map[string]bool{}

	for _, record := range records {
		if !facts[record.ExecutionID].failed {
			continue
		}

		for _, key := range l.restrictedFields(record.Data) {
			if found[record.ExecutionID] == nil {
				found[record.ExecutionID] = map[string]bool{}
			}

			found[record.ExecutionID][key] = true
		}
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]models.ComplianceViolation, 0, len(ids))

	for _, id := range ids {
		fields := make([]string, 0, len(found[id]))
		for field := range found[id] {
			fields = append(fields, field)
		}

		sort.Strings(fields)

		out = append(out, models.ComplianceViolation{
			Kind:        violationRestrictedData,
			Severity:    "high",
			Subject:     id,
			Description: fmt.Sprintf("failed execution %s carries restricted data in %s", id, strings.Join(fields, ", ")),
			Remediation: "Mask or drop restricted fields before they reach flow input and purge the payload of the failed execution.",
		})
	}

	return out
}

// restrictedFields returns the dotted paths of keys naming restricted data.
func (l *Ledger) restrictedFields(data map[string]any) []string {
	var out []string

	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch typed := v.(type) {
		case map[string]any:
			for k, child := range typed {
				path := k
				if prefix != "" {
					path = prefix + "." + k
				}

				if l.isRestricted(k) {
					out = append(out, path)
				}

				walk(path, child)
			}
		case []any:
			for _, item := range typed {
				walk(prefix, item)
			}
		}
	}

	walk("", data)

	return out
}

func (l *Ledger) isRestricted(key string) bool {
	lower := strings.ToLower(key)

	for _, fragment := range l.restrictedKeys {
		if strings.Contains(lower, fragment) {
			return true
		}
	}

	return false
}

func isTerminal(rt models.RecordType) bool {
	return rt == models.RecordExecutionCompleted || rt == models.RecordExecutionFailed || rt == models.RecordExecutionAborted
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
