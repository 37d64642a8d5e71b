package parcelsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/parcelscope/parcelscope/internal/models"
	"github.com/parcelscope/parcelscope/internal/services/parcels"
	"github.com/parcelscope/parcelscope/internal/storage/pgparcel"
)

type repo struct {
	created   []*models.Parcel
	events    []*models.ScanEvent
	withScans *models.Parcel

	setPhaseErr error
	deleteErr   error
}

func (r *repo) CreateOrGetParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error) {
	return r.created, nil
}
func (r *repo) GetParcelsByIDs(ctx context.Context, ids []uint64) ([]*models.Parcel, error) {
	return r.created, nil
}
func (r *repo) ListParcels(ctx context.Context, limit, offset int) ([]*models.Parcel, error) {
	return r.created, nil
}
func (r *repo) GetParcelWithScans(ctx context.Context, id uint64) (*models.Parcel, error) {
	return r.withScans, nil
}
func (r *repo) ListScanEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.ScanEvent, error) {
	return r.events, nil
}
func (r *repo) ApplyScanUpdate(ctx context.Context, upd pgparcel.ScanUpdate) error { return nil }
func (r *repo) SetInferredPhase(ctx context.Context, id uint64, phase string, at time.Time) error {
	return r.setPhaseErr
}
func (r *repo) DeleteParcel(ctx context.Context, id uint64) error { return r.deleteErr }

type denyingLimiter struct {
	allow bool
}

func (l denyingLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return l.allow, 1, nil
}

func newRouter(r *repo, rl RateLimiter) http.Handler {
	svc := parcels.New(r, nil, 0)
	mux := chi.NewRouter()
	New(svc, rl, 30).Register(mux)
	return mux
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestAPI_Flow(t *testing.T) {
	now := time.Now().UTC()
	r := &repo{
		created: []*models.Parcel{{
			ID:            1,
			Carrier:       "UPS",
			TrackNumber:   "1Z999AA10123456784",
			InferredPhase: models.PhaseUnknown,
			LastUpdatedAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}},
		events: []*models.ScanEvent{{
			ID:        10,
			ParcelID:  1,
			EventTime: now,
			Message:   "departed facility",
			CreatedAt: now,
		}},
	}
	h := newRouter(r, nil)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/parcels",
		`{"items":[{"trackNumber":"1Z999AA10123456784"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, out["parcels"], 1)

	rec, out = doJSON(t, h, http.MethodGet, "/v1/parcels?ids=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out["parcels"], 1)

	rec, out = doJSON(t, h, http.MethodGet, "/v1/parcels/1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out["events"], 1)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/parcels/1/phase", `{"phase":"DELIVERED"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodDelete, "/v1/parcels/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_CreateParcels_badRequest(t *testing.T) {
	h := newRouter(&repo{}, nil)

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/parcels", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/parcels", `{"items":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetParcels_listAndBatch(t *testing.T) {
	h := newRouter(&repo{created: []*models.Parcel{{ID: 1}, {ID: 2}}}, nil)

	// Without ids the endpoint pages the registry.
	rec, out := doJSON(t, h, http.MethodGet, "/v1/parcels?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out["parcels"], 2)

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/parcels?ids=1,x", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Insights(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hint := models.PhaseDelivered
	r := &repo{withScans: &models.Parcel{
		ID:            1,
		InferredPhase: models.PhaseDelivered,
		Scans: []*models.ScanEvent{
			{EventTime: now.Add(-time.Hour), PhaseHint: &hint, Message: "delivered"},
		},
	}}
	h := newRouter(r, nil)

	rec, out := doJSON(t, h, http.MethodGet,
		"/v1/parcels/1/insights?now="+now.Format(time.RFC3339), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, out["reversed"])
	require.Equal(t, false, out["stalled"])
	require.Equal(t, true, out["recencyKnown"])
	require.EqualValues(t, 99, out["confidence"])
}

func TestAPI_Insights_paramValidation(t *testing.T) {
	h := newRouter(&repo{}, nil)

	rec, _ := doJSON(t, h, http.MethodGet, "/v1/parcels/1/insights?now=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/parcels/1/insights?stallHours=-3", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown parcel.
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/parcels/1/insights", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Insights_customStallHours(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hint := models.PhaseInTransit
	r := &repo{withScans: &models.Parcel{
		ID:            1,
		InferredPhase: models.PhaseInTransit,
		Scans: []*models.ScanEvent{
			{EventTime: now.Add(-12 * time.Hour), PhaseHint: &hint, Message: "departed"},
		},
	}}
	h := newRouter(r, nil)

	nowParam := "now=" + now.Format(time.RFC3339)

	rec, out := doJSON(t, h, http.MethodGet, "/v1/parcels/1/insights?"+nowParam, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, out["stalled"])

	rec, out = doJSON(t, h, http.MethodGet, "/v1/parcels/1/insights?stallHours=10&"+nowParam, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["stalled"])
}

func TestAPI_Insights_defaultStallThresholdFromConfig(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hint := models.PhaseInTransit
	r := &repo{withScans: &models.Parcel{
		ID:            1,
		InferredPhase: models.PhaseInTransit,
		Scans: []*models.ScanEvent{
			{EventTime: now.Add(-12 * time.Hour), PhaseHint: &hint, Message: "departed"},
		},
	}}

	svc := parcels.New(r, nil, 0)
	mux := chi.NewRouter()
	New(svc, nil, 30).WithDefaultStallThreshold(10 * time.Hour).Register(mux)

	rec, out := doJSON(t, mux, http.MethodGet,
		"/v1/parcels/1/insights?now="+now.Format(time.RFC3339), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["stalled"])
}

func TestAPI_OverridePhase_errors(t *testing.T) {
	h := newRouter(&repo{setPhaseErr: pgparcel.ErrParcelNotFound}, nil)
	rec, _ := doJSON(t, h, http.MethodPost, "/v1/parcels/1/phase", `{"phase":"DELIVERED"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	h = newRouter(&repo{}, nil)
	rec, _ = doJSON(t, h, http.MethodPost, "/v1/parcels/1/phase", `{"phase":"nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Extract(t *testing.T) {
	h := newRouter(&repo{}, nil)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/extract",
		`{"text":"Track at https://x.example/p?trackingId=TBA555 or call 1Z999AA10123456784"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cands, ok := out["candidates"].([]any)
	require.True(t, ok)
	require.Len(t, cands, 2)
	first := cands[0].(map[string]any)
	require.Equal(t, "TBA555", first["trackNumber"])
	require.Equal(t, "https://x.example/p?trackingId=TBA555", first["trackingUrl"])

	// No candidates still answers with an empty array, not null.
	rec, _ = doJSON(t, h, http.MethodPost, "/v1/extract", `{"text":"nothing here"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"candidates":[]`)
}

func TestAPI_Extract_rateLimited(t *testing.T) {
	h := newRouter(&repo{}, denyingLimiter{allow: false})
	rec, _ := doJSON(t, h, http.MethodPost, "/v1/extract", `{"text":"x"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	h = newRouter(&repo{}, denyingLimiter{allow: true})
	rec, _ = doJSON(t, h, http.MethodPost, "/v1/extract", `{"text":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	require.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIP(req))
}
