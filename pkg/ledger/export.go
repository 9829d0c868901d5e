package ledger

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/dukex/strata/pkg/models"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

// ContentType returns the MIME type of an export format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

// ParseFormat accepts json, csv or xml; empty means json.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV, FormatXML:
		return Format(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

var csvHeader = []string{
	"record_id", "execution_id", "sequence", "record_type", "timestamp", "actor",
	"previous_record_hash", "hash", "signature_algorithm", "signature_key_id", "storage_address", "data",
}

type xmlTrail struct {
	XMLName xml.Name    `xml:"auditTrail"`
	Records []xmlRecord `xml:"record"`
}

type xmlRecord struct {
	RecordID           string `xml:"id,attr"`
	ExecutionID        string `xml:"executionId"`
	Sequence           int64  `xml:"sequence"`
	RecordType         string `xml:"recordType"`
	Timestamp          string `xml:"timestamp"`
	Actor              string `xml:"actor"`
	PreviousRecordHash string `xml:"previousRecordHash"`
	Hash               string `xml:"hash"`
	SignatureAlgorithm string `xml:"signature>algorithm,omitempty"`
	SignatureKeyID     string `xml:"signature>keyId,omitempty"`
	StorageAddress     string `xml:"storageAddress,omitempty"`
	Data               string `xml:"data"`
}

// Export renders records in the requested format.
func Export(records []*models.HistoricalRecord, format Format) ([]byte, error) {
	if records == nil {
		records = []*models.HistoricalRecord{}
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(records, "", "  ")
	case FormatCSV:
		return exportCSV(records)
	case FormatXML:
		return exportXML(records)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func signatureFields(r *models.HistoricalRecord) (string, string) {
	if r.Signature == nil {
		return "", ""
	}

	return r.Signature.Algorithm, r.Signature.KeyID
}

func exportCSV(records []*models.HistoricalRecord) ([]byte, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	for _, r := range records {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode data of record %s: %w", r.RecordID, err)
		}

		algorithm, keyID := signatureFields(r)

		row := []string{
			r.RecordID,
			r.ExecutionID,
			strconv.FormatInt(r.Sequence, 10),
			string(r.RecordType),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Actor,
			r.PreviousRecordHash,
			r.Hash,
			algorithm,
			keyID,
			r.StorageAddress,
			string(data),
		}

		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()

	return buf.Bytes(), w.Error()
}

func exportXML(records []*models.HistoricalRecord) ([]byte, error) {
	trail := xmlTrail{Records: make([]xmlRecord, 0, len(records))}

	for _, r := range records {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode data of record %s: %w", r.RecordID, err)
		}

		algorithm, keyID := signatureFields(r)

		trail.Records = append(trail.Records, xmlRecord{
			RecordID:           r.RecordID,
			ExecutionID:        r.ExecutionID,
			Sequence:           r.Sequence,
			RecordType:         string(r.RecordType),
			Timestamp:          r.Timestamp.UTC().Format(time.RFC3339Nano),
			Actor:              r.Actor,
			PreviousRecordHash: r.PreviousRecordHash,
			Hash:               r.Hash,
			SignatureAlgorithm: algorithm,
			SignatureKeyID:     keyID,
			StorageAddress:     r.StorageAddress,
			Data:               string(data),
		})
	}

	body, err := xml.MarshalIndent(trail, "", "  ")
	if err != nil {
		return nil, err
	}

	return append([]byte(xml.Header), body...), nil
}
