package pgparcel

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS parcels (
  id BIGSERIAL PRIMARY KEY,
  carrier TEXT NOT NULL,
  track_number TEXT NOT NULL,
  title TEXT NULL,
  tracking_url TEXT NULL,
  inferred_phase TEXT NOT NULL,
  eta TIMESTAMPTZ NULL,
  last_updated_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (track_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_parcels_inferred_phase ON parcels(inferred_phase)`,
		// scan_events is append-only: rows are only ever inserted, never
		// updated or reordered. Chronological order is computed by readers.
		`
CREATE TABLE IF NOT EXISTS scan_events (
  id BIGSERIAL PRIMARY KEY,
  parcel_id BIGINT NOT NULL REFERENCES parcels(id) ON DELETE CASCADE,
  event_time TIMESTAMPTZ NULL,
  location TEXT NOT NULL DEFAULT '',
  carrier_code TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  phase_hint TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_events_parcel_id_event_time ON scan_events(parcel_id, event_time DESC)`,
		// De-duplicate replayed feed batches. NULL event_time rows (scans
		// whose timestamp could not be parsed upstream) are not covered;
		// they are both rare and harmless to duplicate.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_scan_events_dedup ON scan_events(parcel_id, event_time, message, location, phase_hint)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
