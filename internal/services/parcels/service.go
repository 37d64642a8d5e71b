package parcels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/parcelscope/parcelscope/internal/broker/messages"
	"github.com/parcelscope/parcelscope/internal/cache"
	"github.com/parcelscope/parcelscope/internal/carriers"
	"github.com/parcelscope/parcelscope/internal/extract"
	"github.com/parcelscope/parcelscope/internal/insights"
	"github.com/parcelscope/parcelscope/internal/models"
	"github.com/parcelscope/parcelscope/internal/storage/pgparcel"
)

type Repository interface {
	CreateOrGetParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error)
	GetParcelsByIDs(ctx context.Context, ids []uint64) ([]*models.Parcel, error)
	ListParcels(ctx context.Context, limit, offset int) ([]*models.Parcel, error)
	GetParcelWithScans(ctx context.Context, id uint64) (*models.Parcel, error)
	ListScanEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.ScanEvent, error)
	ApplyScanUpdate(ctx context.Context, upd pgparcel.ScanUpdate) error
	SetInferredPhase(ctx context.Context, id uint64, phase string, at time.Time) error
	DeleteParcel(ctx context.Context, id uint64) error
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration

	// rules is the ordered carrier rule table, shared by classification on
	// register and by candidate extraction so the two never disagree.
	rules []carriers.Rule
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL, rules: carriers.Rules()}
}

// WithRules rebinds the rule table (e.g. another postal market).
func (s *Service) WithRules(rules []carriers.Rule) *Service {
	if len(rules) > 0 {
		s.rules = rules
	}
	return s
}

// RegisterParcels validates and dedups the batch, fills in the carrier
// label from the classifier when the caller left it blank, and upserts.
func (s *Service) RegisterParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error) {
	if len(items) == 0 {
		return nil, errors.New("items is empty")
	}
	if len(items) > 1000 {
		return nil, errors.New("too many items (max 1000)")
	}

	clean := make([]models.ParcelCreateInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it.TrackNumber = strings.TrimSpace(it.TrackNumber)
		if it.TrackNumber == "" {
			return nil, errors.New("trackNumber is required")
		}
		if it.Carrier == "" {
			it.Carrier = carriers.ClassifyWith(s.rules, it.TrackNumber)
		}
		k := strings.ToUpper(it.TrackNumber)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		clean = append(clean, it)
	}

	return s.repo.CreateOrGetParcels(ctx, clean)
}

func (s *Service) GetParcelsByIDs(ctx context.Context, ids []uint64) ([]*models.Parcel, error) {
	if len(ids) == 0 {
		return []*models.Parcel{}, nil
	}
	// Current-state snapshots are cached whole as JSON; the cache is
	// best-effort and may be absent.
	miss := make([]uint64, 0, len(ids))
	got := make(map[uint64]*models.Parcel, len(ids))

	if s.cache != nil && s.currentTTL > 0 {
		for _, id := range ids {
			key := currentKey(id)
			b, ok, err := s.cache.Get(ctx, key)
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var p models.Parcel
			if json.Unmarshal(b, &p) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &p
		}
	} else {
		miss = ids
	}

	var fromDB []*models.Parcel
	var err error
	if len(miss) > 0 {
		fromDB, err = s.repo.GetParcelsByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		if s.cache != nil && s.currentTTL > 0 {
			for _, p := range fromDB {
				b, _ := json.Marshal(p)
				_ = s.cache.Set(ctx, currentKey(p.ID), b, s.currentTTL)
			}
		}
		for _, p := range fromDB {
			got[p.ID] = p
		}
	}

	// Answer in the same order as ids.
	out := make([]*models.Parcel, 0, len(ids))
	for _, id := range ids {
		if p, ok := got[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListParcels pages the registry. It bypasses the snapshot cache: pages
// are not keyed by id and go straight to storage.
func (s *Service) ListParcels(ctx context.Context, limit, offset int) ([]*models.Parcel, error) {
	return s.repo.ListParcels(ctx, limit, offset)
}

func (s *Service) ListScanEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.ScanEvent, error) {
	return s.repo.ListScanEvents(ctx, parcelID, limit, offset)
}

// InsightView bundles the anomaly report with the confidence score.
// Confidence is nil when recency was unknowable: better absent than a
// misleading number.
type InsightView struct {
	insights.Report
	Confidence *int `json:"confidence,omitempty"`
}

// Insights loads the parcel with its full scan log and runs the pure
// analysis against the supplied now. Returns nil when the parcel does not
// exist.
func (s *Service) Insights(ctx context.Context, parcelID uint64, stallThreshold time.Duration, now time.Time) (*InsightView, error) {
	if parcelID == 0 {
		return nil, errors.New("parcelId is required")
	}
	p, err := s.repo.GetParcelWithScans(ctx, parcelID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	view := &InsightView{Report: insights.DetectAnomalies(p, stallThreshold, now)}
	if c, ok := insights.Confidence(p, now); ok {
		view.Confidence = &c
	}
	return view, nil
}

// ApplyFeedUpdate handles one inbound ScanRecorded message.
func (s *Service) ApplyFeedUpdate(ctx context.Context, msg messages.ScanRecorded) error {
	if msg.ParcelID == 0 {
		return errors.New("parcel_id is required")
	}
	if msg.RecordedAt.IsZero() {
		msg.RecordedAt = time.Now().UTC()
	}
	phase := msg.InferredPhase
	if !models.IsValidPhase(phase) {
		phase = models.PhaseUnknown
	}

	events := make([]*models.ScanEvent, 0, len(msg.Events))
	for _, e := range msg.Events {
		if e.Message == "" {
			return errors.New("event message is required")
		}
		hint := e.PhaseHint
		if hint != nil && !models.IsValidPhase(*hint) {
			hint = nil
		}
		events = append(events, &models.ScanEvent{
			EventTime:   e.EventTime,
			Location:    e.Location,
			CarrierCode: e.CarrierCode,
			Message:     e.Message,
			PhaseHint:   hint,
		})
	}

	err := s.repo.ApplyScanUpdate(ctx, pgparcel.ScanUpdate{
		ParcelID:      msg.ParcelID,
		RecordedAt:    msg.RecordedAt,
		InferredPhase: phase,
		ETA:           msg.ETA,
		Events:        events,
	})
	if err != nil {
		return err
	}

	s.refreshSnapshot(ctx, msg.ParcelID)
	return nil
}

// OverridePhase applies a user's manual phase correction.
func (s *Service) OverridePhase(ctx context.Context, parcelID uint64, phase string, now time.Time) error {
	if parcelID == 0 {
		return errors.New("parcelId is required")
	}
	if !models.IsValidPhase(phase) {
		return errors.Errorf("unknown phase %q", phase)
	}
	if err := s.repo.SetInferredPhase(ctx, parcelID, phase, now); err != nil {
		return err
	}
	s.refreshSnapshot(ctx, parcelID)
	return nil
}

// ExtractCandidates harvests tracking-number candidates from pasted text
// using the service's rule table. Blank text yields no candidates and no
// error.
func (s *Service) ExtractCandidates(text string) []extract.Candidate {
	return extract.CandidatesWith(s.rules, text)
}

func (s *Service) DeleteParcel(ctx context.Context, parcelID uint64) error {
	if parcelID == 0 {
		return errors.New("parcelId is required")
	}
	return s.repo.DeleteParcel(ctx, parcelID)
}

// refreshSnapshot reloads the row into the cache; best-effort.
func (s *Service) refreshSnapshot(ctx context.Context, parcelID uint64) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	ps, err := s.repo.GetParcelsByIDs(ctx, []uint64{parcelID})
	if err == nil && len(ps) == 1 {
		b, _ := json.Marshal(ps[0])
		_ = s.cache.Set(ctx, currentKey(parcelID), b, s.currentTTL)
	}
}

func currentKey(id uint64) string {
	return fmt.Sprintf("parcel:%d:current", id)
}
