// Package ledger keeps the append-only, hash-chained and signed audit trail of
// every execution and derives integrity checks, compliance reports and exports.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/metrics"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/google/uuid"
)

// SystemActor is recorded when an event carries no actor.
const SystemActor = "system"

// DefaultHighActivityThreshold is the per-actor record count above which a
// compliance report flags unusual activity.
const DefaultHighActivityThreshold = 1000

type Ledger struct {
	records    persistence.AuditRepository
	executions persistence.ExecutionRepository
	content    protocol.ContentStore
	signer     protocol.Signer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	highActivity   int
	restrictedKeys []string

	locks sync.Map
}

type Option func(*Ledger)

// WithContentStore stores and pins a copy of every record.
func WithContentStore(store protocol.ContentStore) Option {
	return func(l *Ledger) {
		l.content = store
	}
}

// WithSigner signs every record hash with the record actor's key.
func WithSigner(signer protocol.Signer) Option {
	return func(l *Ledger) {
		l.signer = signer
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithHighActivityThreshold(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.highActivity = n
		}
	}
}

// WithRestrictedKeys replaces the field-name fragments treated as restricted data.
func WithRestrictedKeys(keys ...string) Option {
	return func(l *Ledger) {
		l.restrictedKeys = keys
	}
}

func New(records persistence.AuditRepository, executions persistence.ExecutionRepository, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		records:        records,
		executions:     executions,
		logger:         logger.With("module", "ledger"),
		now:            func() time.Time { return time.Now().UTC() },
		highActivity:   DefaultHighActivityThreshold,
		restrictedKeys: defaultRestrictedKeys,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Ledger) lock(executionID string) func() {
	mu, _ := l.locks.LoadOrStore(executionID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()

	return m.Unlock
}

var recordTypes = map[events.EventType]models.RecordType{
	events.ExecutionStartedEvent:   models.RecordExecutionStarted,
	events.StepDispatchedEvent:     models.RecordStepDispatched,
	events.StepCompletedEvent:      models.RecordStepCompleted,
	events.StepFailedEvent:         models.RecordStepFailed,
	events.ExecutionPausedEvent:    models.RecordExecutionPaused,
	events.ExecutionResumedEvent:   models.RecordExecutionResumed,
	events.ExecutionCompletedEvent: models.RecordExecutionCompleted,
	events.ExecutionFailedEvent:    models.RecordExecutionFailed,
	events.ExecutionAbortedEvent:   models.RecordExecutionAborted,
	events.CheckpointCreatedEvent:  models.RecordCheckpointCreated,
	events.CheckpointRestoredEvent: models.RecordCheckpointRestored,
}

// RecordTypeFor reports which record type an event becomes, if any.
func RecordTypeFor(eventType events.EventType) (models.RecordType, bool) {
	rt, ok := recordTypes[eventType]

	return rt, ok
}

// Record appends the record derived from a lifecycle event. Events that are not
// part of the audit trail return a nil record.
func (l *Ledger) Record(ctx context.Context, event events.Event) (*models.HistoricalRecord, error) {
	recordType, ok := recordTypes[event.GetType()]
	if !ok {
		return nil, nil
	}

	base := event.GetBase()

	data, err := normalize(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event.GetType(), err)
	}

	for _, key := range []string{"id", "type", "timestamp", "execution_id", "actor", "metadata"} {
		delete(data, key)
	}

	data["event_id"] = base.ID

	return l.Append(ctx, base.ExecutionID, recordType, base.Actor, data, base.Timestamp)
}

// Append links a new record to the execution's chain, signs it and stores it.
// Appends for one execution are serialized.
func (l *Ledger) Append(ctx context.Context, executionID string, recordType models.RecordType, actor string, data map[string]any, at time.Time) (*models.HistoricalRecord, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: audit record requires an execution id", models.ErrValidation)
	}

	if actor == "" {
		actor = SystemActor
	}

	normalized, err := normalize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record data: %w", err)
	}

	unlock := l.lock(executionID)
	defer unlock()

	logger := l.logger.With("execution_id", executionID, "record_type", recordType)

	if at.IsZero() {
		at = l.now()
	}

	record := &models.HistoricalRecord{
		RecordID:    uuid.NewString(),
		ExecutionID: executionID,
		Sequence:    1,
		RecordType:  recordType,
		Timestamp:   at.UTC().Truncate(time.Microsecond),
		Actor:       actor,
		Data:        normalized,
	}

	last, err := l.records.LastRecord(ctx, executionID)
	switch {
	case err == nil:
		record.Sequence = last.Sequence + 1
		record.PreviousRecordHash = last.Hash

		if record.Timestamp.Before(last.Timestamp) {
			record.Timestamp = last.Timestamp
		}
	case persistence.IsNotFound(err):
	default:
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}

	record.Hash, err = HashRecord(record)
	if err != nil {
		return nil, err
	}

	if l.signer != nil {
		sig, err := l.signer.Sign(ctx, actor, []byte(record.Hash))
		if err != nil {
			logger.WarnContext(ctx, "audit record stored unsigned, signer unavailable", "error", err)
		} else {
			record.Signature = sig
		}
	}

	if l.content != nil {
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}

		address, err := l.content.Add(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to store audit record: %w", err)
		}

		if err := l.content.Pin(ctx, address); err != nil {
			return nil, fmt.Errorf("failed to pin audit record: %w", err)
		}

		record.StorageAddress = address
	}

	if err := l.records.AppendRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to append audit record: %w", err)
	}

	if l.metrics != nil {
		l.metrics.AuditRecordsTotal.WithLabelValues(string(recordType)).Inc()
	}

	logger.DebugContext(ctx, "audit record appended", "sequence", record.Sequence, "hash", record.Hash)

	return record, nil
}

// Trail returns an execution's records in chain order with its integrity verdict.
func (l *Ledger) Trail(ctx context.Context, executionID string) ([]*models.HistoricalRecord, *models.IntegrityResult, error) {
	records, err := l.records.RecordsByExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	result, err := l.verify(ctx, executionID, records)
	if err != nil {
		return nil, nil, err
	}

	return records, result, nil
}

// RecordsBetween returns every record in [from, to).
func (l *Ledger) RecordsBetween(ctx context.Context, from, to time.Time) ([]*models.HistoricalRecord, error) {
	return l.records.RecordsBetween(ctx, from, to)
}
