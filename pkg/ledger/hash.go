package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/strata/pkg/models"
)

type hashInput struct {
	RecordID           string         `json:"recordId"`
	ExecutionID        string         `json:"executionId"`
	Sequence           int64          `json:"sequence"`
	RecordType         string         `json:"recordType"`
	Timestamp          string         `json:"timestamp"`
	Actor              string         `json:"actor"`
	Data               map[string]any `json:"data"`
	PreviousRecordHash string         `json:"previousRecordHash"`
}

// HashRecord computes the chain hash of a record over every field except the
// hash itself, the signature and the storage address.
func HashRecord(r *models.HistoricalRecord) (string, error) {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}

	payload, err := json.Marshal(hashInput{
		RecordID:           r.RecordID,
		ExecutionID:        r.ExecutionID,
		Sequence:           r.Sequence,
		RecordType:         string(r.RecordType),
		Timestamp:          r.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:              r.Actor,
		Data:               data,
		PreviousRecordHash: r.PreviousRecordHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode record %s for hashing: %w", r.RecordID, err)
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips v through JSON so hashes computed now match hashes
// recomputed after the record is read back from storage.
func normalize(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return out, nil
}
