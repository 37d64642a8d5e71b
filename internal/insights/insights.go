// Package insights derives trust signals from the reconciliation of a
// parcel's verbatim scan log with its inferred phase summary. Everything
// here is a pure function of its inputs: "now" is always a parameter, the
// log is never mutated, and a hint/summary disagreement is reported as a
// signal, never corrected.
package insights

import (
	"math"
	"sort"
	"time"

	"github.com/parcelscope/parcelscope/internal/models"
)

const DefaultStallThreshold = 48 * time.Hour

// freshnessWindowHours is where recency decay bottoms out.
const freshnessWindowHours = 72.0

// Report is the anomaly view of one parcel at a given instant.
type Report struct {
	// Reversed is set when any adjacent pair of the chronologically sorted
	// log ranks backwards. Only the fact is reported, not the location.
	Reversed bool `json:"reversed"`
	// Stalled means no scan activity past the threshold while the parcel
	// is in a non-terminal phase.
	Stalled bool `json:"stalled"`
	// HoursSinceLast is rounded for display; the stall comparison above is
	// made on the unrounded value.
	HoursSinceLast int `json:"hoursSinceLast"`
	// RecencyKnown is false when neither a usable scan timestamp nor a
	// last-updated time exists. HoursSinceLast is zero and Stalled is
	// false in that case.
	RecencyKnown bool `json:"recencyKnown"`
}

// DetectAnomalies reports timeline reversals and staleness for one parcel.
// stallThreshold <= 0 falls back to DefaultStallThreshold.
func DetectAnomalies(p *models.Parcel, stallThreshold time.Duration, now time.Time) Report {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}

	sorted := sortedScans(p.Scans)

	var rep Report
	for i := 1; i < len(sorted); i++ {
		if models.PhaseRank(hintOf(sorted[i])) < models.PhaseRank(hintOf(sorted[i-1])) {
			rep.Reversed = true
			break
		}
	}

	hours, ok := recencyHours(p, sorted, now)
	if !ok {
		return rep
	}
	rep.RecencyKnown = true
	rep.Stalled = !models.IsTerminalPhase(p.InferredPhase) && hours > stallThreshold.Hours()
	rep.HoursSinceLast = int(math.Round(hours))
	return rep
}

// Confidence scores trust in the displayed inferred phase: 60% recency
// decay (linear to zero at 72h) and 40% agreement between the latest
// scan's hint and the summary (full or half credit, never zero). ok is
// false when no usable recency source exists; callers must surface
// "unavailable" instead of inventing a number.
func Confidence(p *models.Parcel, now time.Time) (int, bool) {
	sorted := sortedScans(p.Scans)

	hours, ok := recencyHours(p, sorted, now)
	if !ok {
		return 0, false
	}

	freshness := math.Max(0, 100-math.Min(hours, freshnessWindowHours)*(100/freshnessWindowHours))

	hint := models.PhaseUnknown
	if last := lastUsableScan(sorted); last != nil {
		hint = hintOf(last)
	}
	agreement := 50.0
	if hint == p.InferredPhase {
		agreement = 100
	}

	return int(math.Round(0.6*freshness + 0.4*agreement)), true
}

// sortedScans orders the log by timestamp ascending. The sort is stable so
// scans sharing a timestamp keep their insertion order; feeds deliver
// scans out of chronological order, which is why storage order is ignored.
func sortedScans(scans []*models.ScanEvent) []*models.ScanEvent {
	out := make([]*models.ScanEvent, len(scans))
	copy(out, scans)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventTime.Before(out[j].EventTime)
	})
	return out
}

func hintOf(s *models.ScanEvent) string {
	if s.PhaseHint == nil || *s.PhaseHint == "" {
		return models.PhaseUnknown
	}
	return *s.PhaseHint
}

// lastUsableScan picks the chronologically last scan whose timestamp
// parsed upstream. Zero timestamps stay in the log but must not leak into
// recency arithmetic.
func lastUsableScan(sorted []*models.ScanEvent) *models.ScanEvent {
	for i := len(sorted) - 1; i >= 0; i-- {
		if !sorted[i].EventTime.IsZero() {
			return sorted[i]
		}
	}
	return nil
}

// recencyHours measures hours from the last usable scan (or the parcel's
// last-updated time when the log holds none) to now, clamped at zero so a
// feed timestamp slightly ahead of the caller's clock reads as fresh.
func recencyHours(p *models.Parcel, sorted []*models.ScanEvent, now time.Time) (float64, bool) {
	var ref time.Time
	if last := lastUsableScan(sorted); last != nil {
		ref = last.EventTime
	} else if !p.LastUpdatedAt.IsZero() {
		ref = p.LastUpdatedAt
	} else {
		return 0, false
	}
	h := now.Sub(ref).Hours()
	if h < 0 {
		h = 0
	}
	return h, true
}
