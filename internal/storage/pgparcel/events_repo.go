package pgparcel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/parcelscope/parcelscope/internal/models"
)

// ScanUpdate is one feed delivery: a batch of verbatim scans plus the
// overwritten phase summary. Events only ever get inserted; the unique
// index swallows replays.
type ScanUpdate struct {
	ParcelID   uint64
	RecordedAt time.Time

	InferredPhase string
	ETA           *time.Time

	Events []*models.ScanEvent
}

func (s *Storage) ListScanEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.ScanEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, parcel_id, event_time, location, carrier_code, message, phase_hint, created_at
FROM scan_events
WHERE parcel_id = $1
ORDER BY event_time DESC NULLS LAST, id DESC
LIMIT $2 OFFSET $3
`, parcelID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.ScanEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ApplyScanUpdate(ctx context.Context, upd ScanUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
UPDATE parcels
SET
  inferred_phase = $3,
  eta = COALESCE($4, eta),
  last_updated_at = $2,
  updated_at = now()
WHERE id = $1
`, upd.ParcelID, upd.RecordedAt.UTC(), upd.InferredPhase, upd.ETA)
	if err != nil {
		return errors.Wrap(err, "update parcel")
	}

	for _, e := range upd.Events {
		var eventTime *time.Time
		if !e.EventTime.IsZero() {
			t := e.EventTime.UTC()
			eventTime = &t
		}

		_, err := tx.Exec(ctx, `
INSERT INTO scan_events (
  parcel_id, event_time, location, carrier_code, message, phase_hint, created_at
)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (parcel_id, event_time, message, location, phase_hint) DO NOTHING
`, upd.ParcelID, eventTime, derefOrEmpty(e.Location), derefOrEmpty(e.CarrierCode), e.Message, derefOrEmpty(e.PhaseHint))
		if err != nil {
			return errors.Wrap(err, "insert scan event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func scanEvent(rows pgx.Rows) (*models.ScanEvent, error) {
	var e models.ScanEvent
	var eventTime *time.Time
	var location, carrierCode, phaseHint string
	if err := rows.Scan(
		&e.ID, &e.ParcelID, &eventTime, &location, &carrierCode, &e.Message, &phaseHint, &e.CreatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "scan event")
	}
	if eventTime != nil {
		e.EventTime = *eventTime
	}
	e.Location = emptyToNil(location)
	e.CarrierCode = emptyToNil(carrierCode)
	e.PhaseHint = emptyToNil(phaseHint)
	return &e, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
