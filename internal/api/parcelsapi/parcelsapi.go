package parcelsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parcelscope/parcelscope/internal/extract"
	"github.com/parcelscope/parcelscope/internal/models"
	"github.com/parcelscope/parcelscope/internal/services/parcels"
	"github.com/parcelscope/parcelscope/internal/storage/pgparcel"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// API is the JSON surface over the parcels service. Insights and
// extraction endpoints are thin: the real logic lives in the pure
// packages, this layer only parses and renders.
type API struct {
	svc *parcels.Service

	// rl throttles the extraction endpoint per client; nil disables.
	rl            RateLimiter
	extractPerMin int64

	// defaultStall applies when an insights request brings no stallHours;
	// zero defers to the detector's own default.
	defaultStall time.Duration
}

func New(svc *parcels.Service, rl RateLimiter, extractPerMin int64) *API {
	if extractPerMin <= 0 {
		extractPerMin = 30
	}
	return &API{svc: svc, rl: rl, extractPerMin: extractPerMin}
}

// WithDefaultStallThreshold rebinds the deployment-level stall threshold.
func (a *API) WithDefaultStallThreshold(d time.Duration) *API {
	if d > 0 {
		a.defaultStall = d
	}
	return a
}

func (a *API) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/parcels", a.createParcels)
		r.Get("/parcels", a.getParcels)
		r.Get("/parcels/{parcelID}/events", a.listEvents)
		r.Get("/parcels/{parcelID}/insights", a.getInsights)
		r.Post("/parcels/{parcelID}/phase", a.overridePhase)
		r.Delete("/parcels/{parcelID}", a.deleteParcel)
		r.Post("/extract", a.extractCandidates)
	})
}

type createParcelsRequest struct {
	Items []createParcelItem `json:"items"`
}

type createParcelItem struct {
	TrackNumber string  `json:"trackNumber"`
	Carrier     string  `json:"carrier,omitempty"`
	Title       *string `json:"title,omitempty"`
	TrackingURL *string `json:"trackingUrl,omitempty"`
}

func (a *API) createParcels(w http.ResponseWriter, r *http.Request) {
	var req createParcelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	in := make([]models.ParcelCreateInput, 0, len(req.Items))
	for _, it := range req.Items {
		in = append(in, models.ParcelCreateInput{
			Carrier:     it.Carrier,
			TrackNumber: it.TrackNumber,
			Title:       it.Title,
			TrackingURL: it.TrackingURL,
		})
	}

	ps, err := a.svc.RegisterParcels(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"parcels": toParcelViews(ps)})
}

// getParcels answers a batch get when ids is present, a registry page
// otherwise.
func (a *API) getParcels(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		ps, err := a.svc.ListParcels(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"parcels": toParcelViews(ps)})
		return
	}

	ids, err := parseIDs(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ps, err := a.svc.GetParcelsByIDs(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parcels": toParcelViews(ps)})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parcelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	evs, err := a.svc.ListScanEvents(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventViews(evs)})
}

func (a *API) getInsights(w http.ResponseWriter, r *http.Request) {
	id, err := parcelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// now is injectable so a caller (or a test) can reproduce a result;
	// defaults to the server clock.
	now := time.Now().UTC()
	if v := r.URL.Query().Get("now"); v != "" {
		now, err = time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "now must be RFC3339")
			return
		}
	}

	stallThreshold := a.defaultStall
	if v := r.URL.Query().Get("stallHours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			writeError(w, http.StatusBadRequest, "stallHours must be a positive integer")
			return
		}
		stallThreshold = time.Duration(h) * time.Hour
	}

	view, err := a.svc.Insights(r.Context(), id, stallThreshold, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "parcel not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type overridePhaseRequest struct {
	Phase string `json:"phase"`
}

func (a *API) overridePhase(w http.ResponseWriter, r *http.Request) {
	id, err := parcelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req overridePhaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	err = a.svc.OverridePhase(r.Context(), id, req.Phase, time.Now().UTC())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, pgparcel.ErrParcelNotFound):
		writeError(w, http.StatusNotFound, "parcel not found")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (a *API) deleteParcel(w http.ResponseWriter, r *http.Request) {
	id, err := parcelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = a.svc.DeleteParcel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, pgparcel.ErrParcelNotFound):
		writeError(w, http.StatusNotFound, "parcel not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type extractRequest struct {
	Text string `json:"text"`
}

func (a *API) extractCandidates(w http.ResponseWriter, r *http.Request) {
	if a.rl != nil {
		key := fmt.Sprintf("rl:extract:%s:%s", clientIP(r), time.Now().UTC().Format("200601021504"))
		allowed, _, err := a.rl.Allow(r.Context(), key, a.extractPerMin, 70*time.Second)
		if err == nil && !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	cands := a.svc.ExtractCandidates(req.Text)
	if cands == nil {
		cands = []extract.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

type parcelView struct {
	ID            uint64     `json:"id"`
	Carrier       string     `json:"carrier"`
	TrackNumber   string     `json:"trackNumber"`
	Title         *string    `json:"title,omitempty"`
	TrackingURL   *string    `json:"trackingUrl,omitempty"`
	InferredPhase string     `json:"inferredPhase"`
	ETA           *time.Time `json:"eta,omitempty"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toParcelViews(ps []*models.Parcel) []parcelView {
	out := make([]parcelView, 0, len(ps))
	for _, p := range ps {
		out = append(out, parcelView{
			ID:            p.ID,
			Carrier:       p.Carrier,
			TrackNumber:   p.TrackNumber,
			Title:         p.Title,
			TrackingURL:   p.TrackingURL,
			InferredPhase: p.InferredPhase,
			ETA:           p.ETA,
			LastUpdatedAt: p.LastUpdatedAt,
			CreatedAt:     p.CreatedAt,
			UpdatedAt:     p.UpdatedAt,
		})
	}
	return out
}

type eventView struct {
	ID          uint64     `json:"id"`
	ParcelID    uint64     `json:"parcelId"`
	EventTime   *time.Time `json:"eventTime,omitempty"`
	Location    *string    `json:"location,omitempty"`
	CarrierCode *string    `json:"carrierCode,omitempty"`
	Message     string     `json:"message"`
	PhaseHint   *string    `json:"phaseHint,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func toEventViews(evs []*models.ScanEvent) []eventView {
	out := make([]eventView, 0, len(evs))
	for _, e := range evs {
		v := eventView{
			ID:          e.ID,
			ParcelID:    e.ParcelID,
			Location:    e.Location,
			CarrierCode: e.CarrierCode,
			Message:     e.Message,
			PhaseHint:   e.PhaseHint,
			CreatedAt:   e.CreatedAt,
		}
		if !e.EventTime.IsZero() {
			t := e.EventTime
			v.EventTime = &t
		}
		out = append(out, v)
	}
	return out
}

func parcelID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "parcelID"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid parcel id")
	}
	return id, nil
}

func parseIDs(raw string) ([]uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("ids query param is required")
	}
	parts := strings.Split(raw, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
