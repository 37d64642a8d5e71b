package messages

import "time"

// ScanRecorded is the inbound feed message. The ingestion side (carrier
// feeds, manual entry, whatever sits upstream) appends new verbatim scans
// and overwrites the parcel's inferred phase; the parcel core here only
// persists what it is told.
type ScanRecorded struct {
	ParcelID   uint64    `json:"parcel_id"`
	RecordedAt time.Time `json:"recorded_at"`

	InferredPhase string     `json:"inferred_phase,omitempty"`
	ETA           *time.Time `json:"eta,omitempty"`

	Events []ScanEvent `json:"events,omitempty"`
}

type ScanEvent struct {
	// EventTime is the zero value when the feed failed to parse the
	// courier's timestamp; the scan is still stored verbatim.
	EventTime   time.Time `json:"event_time"`
	Location    *string   `json:"location,omitempty"`
	CarrierCode *string   `json:"carrier_code,omitempty"`
	Message     string    `json:"message"`
	PhaseHint   *string   `json:"phase_hint,omitempty"`
}

// ParcelFlagged is published by the watcher the first time a parcel is
// seen reversed or stalled within the suppression window.
type ParcelFlagged struct {
	ParcelID       uint64 `json:"parcel_id"`
	Reversed       bool   `json:"reversed"`
	Stalled        bool   `json:"stalled"`
	HoursSinceLast int    `json:"hours_since_last"`
	// Confidence is omitted when recency was unknowable.
	Confidence *int      `json:"confidence,omitempty"`
	FlaggedAt  time.Time `json:"flagged_at"`
}
