package carriers

import (
	"regexp"
	"strings"
)

const UnknownCarrier = "Unknown"

// Rule ties one tracking-number shape to a carrier label. match is
// anchored and classifies a whole string; find locates the same shape
// inside free text. Both are built from one pattern so classification and
// extraction can never disagree on what looks like a tracking number.
type Rule struct {
	Label string
	// URLPath marks rules whose numbers also show up as a path segment of
	// tracking links (currently the Amazon shape).
	URLPath bool

	match *regexp.Regexp
	find  *regexp.Regexp
}

func (r Rule) Matches(s string) bool { return r.match.MatchString(s) }

func (r Rule) FindAll(text string) []string { return r.find.FindAllString(text, -1) }

// Default binding for the S10 postal rule: the trailing country code the
// rule fires on, and the national carrier it maps to.
const (
	DefaultPostalCountry = "IE"
	DefaultPostalCarrier = "An Post"
)

// NewRules builds the ordered rule table. First match wins, so the order
// here is part of the contract: Amazon before UPS before postal before the
// bare-digits fallback.
func NewRules(postalCountry, postalCarrier string) []Rule {
	if postalCountry == "" {
		postalCountry = DefaultPostalCountry
	}
	if postalCarrier == "" {
		postalCarrier = DefaultPostalCarrier
	}
	cc := regexp.QuoteMeta(strings.ToUpper(postalCountry))
	return []Rule{
		newRule("Amazon Logistics", `(?:TBA|AMZN)[A-Z0-9]+`, true),
		newRule("UPS", `1Z[A-Z0-9]+`, false),
		newRule(postalCarrier, `[A-Z]{2}[0-9]{9}`+cc, false),
		newRule("DPD", `[0-9]{10,14}`, false),
	}
}

func newRule(label, pattern string, urlPath bool) Rule {
	return Rule{
		Label:   label,
		URLPath: urlPath,
		match:   regexp.MustCompile(`(?i)^(?:` + pattern + `)$`),
		find:    regexp.MustCompile(`(?i)\b(?:` + pattern + `)\b`),
	}
}

var defaultRules = NewRules(DefaultPostalCountry, DefaultPostalCarrier)

// Rules returns the default ordered rule table, shared by Classify and the
// text extractor.
func Rules() []Rule { return defaultRules }

// Classify maps a tracking number to a carrier label using the default
// rules. Pure, case-insensitive; surrounding whitespace is ignored.
func Classify(trackNumber string) string {
	return ClassifyWith(defaultRules, trackNumber)
}

// ClassifyWith applies an ordered rule table, first match wins. Blank
// input classifies as UnknownCarrier without touching any rule.
func ClassifyWith(rules []Rule, trackNumber string) string {
	s := strings.TrimSpace(trackNumber)
	if s == "" {
		return UnknownCarrier
	}
	for _, r := range rules {
		if r.Matches(s) {
			return r.Label
		}
	}
	return UnknownCarrier
}
