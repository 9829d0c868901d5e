package models

import "time"

// RecordType classifies a historical record.
type RecordType string

const (
	RecordExecutionStarted   RecordType = "execution-started"
	RecordStepDispatched     RecordType = "step-dispatched"
	RecordStepCompleted      RecordType = "step-completed"
	RecordStepFailed         RecordType = "step-failed"
	RecordExecutionPaused    RecordType = "execution-paused"
	RecordExecutionResumed   RecordType = "execution-resumed"
	RecordExecutionCompleted RecordType = "execution-completed"
	RecordExecutionFailed    RecordType = "execution-failed"
	RecordExecutionAborted   RecordType = "execution-aborted"
	RecordCheckpointCreated  RecordType = "checkpoint-created"
	RecordCheckpointRestored RecordType = "checkpoint-restored"
)

// Signature is a detached signature over some bytes.
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Value     []byte `json:"value"`
}

// HistoricalRecord is one link of an execution's hash-chained audit trail.
type HistoricalRecord struct {
	RecordID           string         `json:"record_id"`
	ExecutionID        string         `json:"execution_id"`
	Sequence           int64          `json:"sequence"`
	RecordType         RecordType     `json:"record_type"`
	Timestamp          time.Time      `json:"timestamp"`
	Actor              string         `json:"actor"`
	Data               map[string]any `json:"data,omitempty"`
	PreviousRecordHash string         `json:"previous_record_hash"`
	Hash               string         `json:"hash"`
	Signature          *Signature     `json:"signature,omitempty"`
	StorageAddress     string         `json:"storage_address,omitempty"`
}

// TrailStatus summarises an integrity check.
type TrailStatus string

const (
	TrailValid   TrailStatus = "valid"
	TrailInvalid TrailStatus = "invalid"
	TrailEmpty   TrailStatus = "empty"
)

// IntegrityResult is the outcome of verifying one execution's trail.
type IntegrityResult struct {
	ExecutionID     string      `json:"execution_id"`
	Status          TrailStatus `json:"status"`
	ChainValid      bool        `json:"chain_valid"`
	SignaturesValid bool        `json:"signatures_valid"`
	RecordCount     int         `json:"record_count"`
	Issues          []string    `json:"issues,omitempty"`
	CheckedAt       time.Time   `json:"checked_at"`
}

// ReportPeriod bounds a compliance report.
type ReportPeriod struct {
	From time.Time `json:"from" validate:"required"`
	To   time.Time `json:"to"   validate:"required,gtfield=From"`
}

// ReportScope narrows a compliance report; empty fields match everything.
type ReportScope struct {
	FlowID string   `json:"flow_id,omitempty"`
	Tenant string   `json:"tenant,omitempty"`
	Actors []string `json:"actors,omitempty"`
}

// ComplianceViolation is a finding in a compliance report.
type ComplianceViolation struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Remediation string `json:"remediation"`
}

// ComplianceStatistics are the aggregate numbers of a report.
type ComplianceStatistics struct {
	TotalExecutions     int     `json:"total_executions"`
	CompletedExecutions int     `json:"completed_executions"`
	FailedExecutions    int     `json:"failed_executions"`
	AbortedExecutions   int     `json:"aborted_executions"`
	SuccessRate         float64 `json:"success_rate"`
	FailureRate         float64 `json:"failure_rate"`
	AverageDurationMs   float64 `json:"average_duration_ms"`
	TotalRecords        int     `json:"total_records"`
}

// ComplianceReport summarises audit activity over a period.
type ComplianceReport struct {
	ID          string                `json:"id"`
	Period      ReportPeriod          `json:"period"`
	Scope       ReportScope           `json:"scope"`
	Statistics  ComplianceStatistics  `json:"statistics"`
	Violations  []ComplianceViolation `json:"violations"`
	GeneratedAt time.Time             `json:"generated_at"`
}
