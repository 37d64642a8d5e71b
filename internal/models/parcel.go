package models

import "time"

// Parcel is the aggregate: a verbatim courier scan log plus one inferred
// "current phase" summary. InferredPhase is owned by whatever ingests
// scans (feed or user override); analysis code only reads it. It may
// legitimately disagree with the latest scan's hint.
type Parcel struct {
	ID            uint64
	Carrier       string
	TrackNumber   string
	Title         *string
	TrackingURL   *string
	InferredPhase string
	ETA           *time.Time
	LastUpdatedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Scans is the log in storage order, which means nothing
	// chronologically; analysis always re-sorts by EventTime.
	Scans []*ScanEvent
}

// ScanEvent is one courier-reported fact, written once and never edited.
type ScanEvent struct {
	ID       uint64
	ParcelID uint64
	// EventTime is zero when the upstream timestamp could not be parsed;
	// such scans are kept verbatim but excluded from recency arithmetic.
	EventTime   time.Time
	Location    *string
	CarrierCode *string
	Message     string
	// PhaseHint is the scan's own opinion of the phase; nil means the feed
	// offered no classification.
	PhaseHint *string
	CreatedAt time.Time
}

type ParcelCreateInput struct {
	Carrier     string
	TrackNumber string
	Title       *string
	TrackingURL *string
}
