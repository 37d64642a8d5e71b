package pgparcel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/parcelscope/parcelscope/internal/models"
)

const parcelColumns = `
  id, carrier, track_number, title, tracking_url,
  inferred_phase, eta, last_updated_at, created_at, updated_at`

func (s *Storage) CreateOrGetParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uint64, 0, len(items))
	for _, it := range items {
		var id uint64
		err := tx.QueryRow(ctx, `
INSERT INTO parcels (
  carrier, track_number, title, tracking_url, inferred_phase, last_updated_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$6,$6)
ON CONFLICT (track_number)
DO UPDATE SET updated_at = parcels.updated_at
RETURNING id
`, it.Carrier, it.TrackNumber, it.Title, it.TrackingURL, models.PhaseUnknown, now).Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "insert parcel")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetParcelsByIDs(ctx, ids)
}

func (s *Storage) GetParcelsByIDs(ctx context.Context, ids []uint64) ([]*models.Parcel, error) {
	if len(ids) == 0 {
		return []*models.Parcel{}, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT`+parcelColumns+`
FROM parcels
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select parcels")
	}
	defer rows.Close()

	out := make([]*models.Parcel, 0, len(ids))
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GetParcelWithScans loads one parcel and its full scan log (storage
// order). Returns nil when the parcel does not exist.
func (s *Storage) GetParcelWithScans(ctx context.Context, id uint64) (*models.Parcel, error) {
	ps, err := s.GetParcelsByIDs(ctx, []uint64{id})
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, nil
	}
	p := ps[0]
	if err := s.loadScans(ctx, []*models.Parcel{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// ListParcels pages the registry by id ascending, without scan logs.
func (s *Storage) ListParcels(ctx context.Context, limit, offset int) ([]*models.Parcel, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT`+parcelColumns+`
FROM parcels
ORDER BY id
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select parcels page")
	}
	defer rows.Close()

	out := make([]*models.Parcel, 0, limit)
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListActiveParcels returns non-terminal parcels with their scan logs for
// the watcher sweep.
func (s *Storage) ListActiveParcels(ctx context.Context, limit int) ([]*models.Parcel, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}

	rows, err := s.db.Query(ctx, `
SELECT`+parcelColumns+`
FROM parcels
WHERE inferred_phase NOT IN ($1, $2)
ORDER BY id
LIMIT $3
`, models.PhaseDelivered, models.PhaseException, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select active parcels")
	}
	defer rows.Close()

	var out []*models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	if err := s.loadScans(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetInferredPhase applies a user override of the phase summary. The scan
// log is untouched.
func (s *Storage) SetInferredPhase(ctx context.Context, id uint64, phase string, at time.Time) error {
	ct, err := s.db.Exec(ctx, `
UPDATE parcels
SET inferred_phase = $2, last_updated_at = $3, updated_at = now()
WHERE id = $1
`, id, phase, at.UTC())
	if err != nil {
		return errors.Wrap(err, "set inferred phase")
	}
	if ct.RowsAffected() == 0 {
		return ErrParcelNotFound
	}
	return nil
}

func (s *Storage) DeleteParcel(ctx context.Context, id uint64) error {
	ct, err := s.db.Exec(ctx, `DELETE FROM parcels WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete parcel")
	}
	if ct.RowsAffected() == 0 {
		return ErrParcelNotFound
	}
	return nil
}

var ErrParcelNotFound = errors.New("parcel not found")

func scanParcel(rows pgx.Rows) (*models.Parcel, error) {
	var p models.Parcel
	var title, trackingURL *string
	var eta *time.Time
	if err := rows.Scan(
		&p.ID, &p.Carrier, &p.TrackNumber, &title, &trackingURL,
		&p.InferredPhase, &eta, &p.LastUpdatedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "scan parcel")
	}
	p.Title = title
	p.TrackingURL = trackingURL
	p.ETA = eta
	return &p, nil
}

func (s *Storage) loadScans(ctx context.Context, parcels []*models.Parcel) error {
	if len(parcels) == 0 {
		return nil
	}
	byID := make(map[uint64]*models.Parcel, len(parcels))
	ids := make([]uint64, 0, len(parcels))
	for _, p := range parcels {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	rows, err := s.db.Query(ctx, `
SELECT id, parcel_id, event_time, location, carrier_code, message, phase_hint, created_at
FROM scan_events
WHERE parcel_id = ANY($1)
ORDER BY id
`, ids)
	if err != nil {
		return errors.Wrap(err, "select scans")
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if p, ok := byID[e.ParcelID]; ok {
			p.Scans = append(p.Scans, e)
		}
	}
	if rows.Err() != nil {
		return errors.Wrap(rows.Err(), "rows")
	}
	return nil
}
