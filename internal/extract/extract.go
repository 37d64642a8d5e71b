package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/parcelscope/parcelscope/internal/carriers"
)

// Candidate is an unconfirmed tracking number harvested from pasted text,
// optionally with the URL it was found in. Carrier identity is not decided
// here; that happens when the caller registers the candidate as a parcel.
type Candidate struct {
	TrackNumber string  `json:"trackNumber"`
	TrackingURL *string `json:"trackingUrl,omitempty"`
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// Query parameter names tracking pages commonly carry the number under,
// checked in this order so results stay deterministic.
var trackingQueryKeys = []string{
	"trackingId",
	"trackingNumber",
	"tracking_id",
	"tracking_number",
	"tracknum",
}

// Candidates scans free text (a pasted email, a web page) and returns
// deduplicated tracking-number candidates in first-seen order. URLs are
// processed before the plain-text pass, so a number first seen inside a
// URL keeps that URL; later duplicates are dropped entirely. Dedup is
// case-insensitive.
func Candidates(text string) []Candidate {
	return CandidatesWith(carriers.Rules(), text)
}

// CandidatesWith runs extraction against an explicit rule table. The table
// must be the same one the classifier uses.
func CandidatesWith(rules []carriers.Rule, text string) []Candidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []Candidate
	seen := map[string]struct{}{}
	add := func(number string, rawURL string) {
		key := strings.ToUpper(number)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		c := Candidate{TrackNumber: number}
		if rawURL != "" {
			u := rawURL
			c.TrackingURL = &u
		}
		out = append(out, c)
	}

	for _, raw := range urlPattern.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		q := u.Query()
		for _, want := range trackingQueryKeys {
			for key, vals := range q {
				if !strings.EqualFold(key, want) {
					continue
				}
				for _, v := range vals {
					if v != "" {
						add(v, raw)
					}
				}
			}
		}
		for _, r := range rules {
			if !r.URLPath {
				continue
			}
			for _, m := range r.FindAll(u.Path) {
				add(m, raw)
			}
		}
	}

	// Second pass over the whole body, rule precedence first, text order
	// within a rule. URLs are part of the body too; URL-derived entries
	// already hold the dedup slot.
	for _, r := range rules {
		for _, m := range r.FindAll(text) {
			add(m, "")
		}
	}

	return out
}
