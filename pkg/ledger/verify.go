package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/strata/pkg/contentstore"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
)

// VerifyIntegrity walks an execution's chain, recomputing every hash and
// verifying every signature. The trail is valid only if both checks pass.
func (l *Ledger) VerifyIntegrity(ctx context.Context, executionID string) (*models.IntegrityResult, error) {
	records, err := l.records.RecordsByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return l.verify(ctx, executionID, records)
}

func (l *Ledger) verify(ctx context.Context, executionID string, records []*models.HistoricalRecord) (*models.IntegrityResult, error) {
	result := &models.IntegrityResult{
		ExecutionID:     executionID,
		ChainValid:      true,
		SignaturesValid: true,
		RecordCount:     len(records),
		CheckedAt:       l.now(),
	}

	if len(records) == 0 {
		result.Status = models.TrailEmpty

		return result, nil
	}

	chainIssue := func(format string, args ...any) {
		result.ChainValid = false
		result.Issues = append(result.Issues, fmt.Sprintf(format, args...))
	}

	signatureIssue := func(format string, args ...any) {
		result.SignaturesValid = false
		result.Issues = append(result.Issues, fmt.Sprintf(format, args...))
	}

	previousHash := ""

	for i, record := range records {
		expectedSequence := int64(i + 1)
		if record.Sequence != expectedSequence {
			chainIssue("record %s has sequence %d, expected %d", record.RecordID, record.Sequence, expectedSequence)
		}

		if record.PreviousRecordHash != previousHash {
			chainIssue("record %d does not link to its predecessor", record.Sequence)
		}

		if i > 0 && record.Timestamp.Before(records[i-1].Timestamp) {
			chainIssue("record %d is older than its predecessor", record.Sequence)
		}

		recomputed, err := HashRecord(record)
		if err != nil {
			return nil, err
		}

		if recomputed != record.Hash {
			chainIssue("record %d content does not match its hash", record.Sequence)
		}

		if issue := l.checkStoredCopy(ctx, record); issue != "" {
			chainIssue("record %d %s", record.Sequence, issue)
		}

		if record.Signature != nil && record.Signature.KeyID != record.Actor {
			signatureIssue("record %d is signed by %q, not its actor %q", record.Sequence, record.Signature.KeyID, record.Actor)
			previousHash = record.Hash

			continue
		}

		ok, err := l.checkSignature(ctx, record)
		if err != nil {
			return nil, err
		}

		if !ok {
			signatureIssue("record %d signature is missing or invalid", record.Sequence)
		}

		previousHash = record.Hash
	}

	if result.ChainValid && result.SignaturesValid {
		result.Status = models.TrailValid
	} else {
		result.Status = models.TrailInvalid

		l.logger.WarnContext(ctx, "audit trail failed verification",
			"execution_id", executionID, "issues", result.Issues)
	}

	return result, nil
}

// checkSignature verifies a record's signature. Unsigned records are accepted
// only when no signer is configured at all.
func (l *Ledger) checkSignature(ctx context.Context, record *models.HistoricalRecord) (bool, error) {
	if record.Signature == nil {
		return l.signer == nil, nil
	}

	if l.signer == nil {
		return false, nil
	}

	err := l.signer.Verify(ctx, []byte(record.Hash), record.Signature)
	if protocol.IsServiceUnavailable(err) {
		return false, fmt.Errorf("cannot verify audit signatures: %w", err)
	}

	return err == nil, nil
}

func (l *Ledger) checkStoredCopy(ctx context.Context, record *models.HistoricalRecord) string {
	if l.content == nil || record.StorageAddress == "" {
		return ""
	}

	raw, err := l.content.Cat(ctx, record.StorageAddress)
	switch {
	case errors.Is(err, contentstore.ErrContentMismatch):
		return "stored copy is corrupted"
	case err != nil:
		return "stored copy is unavailable: " + err.Error()
	}

	var stored models.HistoricalRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "stored copy is malformed"
	}

	if stored.Hash != record.Hash {
		return "differs from its stored copy"
	}

	return ""
}
