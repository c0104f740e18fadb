package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordID is the client generated identifier of a record. It doubles as the
// idempotency key the remote store deduplicates on.
type RecordID string

// RemoteID is the identifier assigned by the remote store on insert.
type RemoteID string

// Kind names a record family. Each kind has its own ledger and remote table.
type Kind string

const (
	KindIncident     Kind = "incident"
	KindDistribution Kind = "distribution"
)

// StorageKey is the fixed device storage key holding the kind's ledger.
func (k Kind) StorageKey() string {
	switch k {
	case KindIncident:
		return "incidents"
	case KindDistribution:
		return "distributions"
	default:
		return string(k) + "s"
	}
}

// Table is the remote table receiving rows of this kind.
func (k Kind) Table() string {
	return k.StorageKey()
}

// Payload is the write-once domain part of a record. Field validation happens
// before a payload reaches this package.
type Payload interface {
	Kind() Kind
	// Columns returns the remote column values for the payload.
	Columns() map[string]any
}

// Incident describes an overdose incident captured in the field.
type Incident struct {
	ZipCode    string `json:"zip_code"`
	Gender     string `json:"gender"`
	ApproxAge  string `json:"approx_age"`
	NarcanUsed bool   `json:"narcan_used"`
	Survival   string `json:"survival"`
}

// Kind implements Payload.
func (Incident) Kind() Kind { return KindIncident }

// Columns implements Payload.
func (i Incident) Columns() map[string]any {
	return map[string]any{
		"zip_code":    i.ZipCode,
		"gender":      i.Gender,
		"approx_age":  i.ApproxAge,
		"narcan_used": i.NarcanUsed,
		"survival":    i.Survival,
	}
}

// Distribution describes a harm-reduction kit hand-out.
type Distribution struct {
	ZipCode        string `json:"zip_code"`
	KitType        string `json:"kit_type"`
	KitsGiven      int    `json:"kits_given"`
	LastKitOutcome string `json:"last_kit_outcome,omitempty"`
	ResponderID    string `json:"responder_id,omitempty"`
}

// Kind implements Payload.
func (Distribution) Kind() Kind { return KindDistribution }

// Columns implements Payload. Optional fields are sent as NULL when empty.
func (d Distribution) Columns() map[string]any {
	return map[string]any{
		"zip_code":         d.ZipCode,
		"kit_type":         d.KitType,
		"kits_given":       d.KitsGiven,
		"last_kit_outcome": nullable(d.LastKitOutcome),
		"responder_id":     nullable(d.ResponderID),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Record is a payload plus the bookkeeping the device keeps about it.
// Everything except Synced is immutable after creation.
type Record[P Payload] struct {
	ID         RecordID  `json:"record_id"`
	CapturedAt time.Time `json:"captured_at"`
	Payload    P         `json:"payload"`
	Synced     bool      `json:"synced"`
}

// Kind reports the record family.
func (r Record[P]) Kind() Kind {
	return r.Payload.Kind()
}

// Row builds the remote representation of the record. The synced flag is
// local bookkeeping and is never sent.
func (r Record[P]) Row() Row {
	return Row{
		ClientID:   r.ID,
		CapturedAt: r.CapturedAt,
		Columns:    r.Payload.Columns(),
	}
}

// Row is the insert sent to the remote store.
type Row struct {
	ClientID   RecordID
	CapturedAt time.Time
	Columns    map[string]any
}

// Status is the derived pending view of a ledger.
type Status struct {
	Kind    Kind `json:"kind"`
	Total   int  `json:"total"`
	Pending int  `json:"pending"`
}

// EncodeRecords serializes a ledger sequence for device storage.
func EncodeRecords[P Payload](records []Record[P]) ([]byte, error) {
	if records == nil {
		records = []Record[P]{}
	}
	return json.Marshal(records)
}

// DecodeRecords parses a ledger sequence read back from device storage.
func DecodeRecords[P Payload](data []byte) ([]Record[P], error) {
	var records []Record[P]
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	for i, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("decode records: entry %d has no record_id", i)
		}
	}
	return records, nil
}
