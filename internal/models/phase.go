package models

// Canonical journey phases. DELIVERED and EXCEPTION are terminal.
const (
	PhaseLabelCreated   = "LABEL_CREATED"
	PhaseInTransit      = "IN_TRANSIT"
	PhaseAtCustoms      = "AT_CUSTOMS"
	PhaseHeldByCustoms  = "HELD_BY_CUSTOMS"
	PhaseCustomsCleared = "CUSTOMS_CLEARED"
	PhaseOutForDelivery = "OUT_FOR_DELIVERY"
	PhaseDelivered      = "DELIVERED"
	PhaseException      = "EXCEPTION"
	PhaseUnknown        = "UNKNOWN"
)

// phaseRanks orders phases by expected forward progression. UNKNOWN shares
// IN_TRANSIT's rank on purpose: an unclassified scan next to an
// early-transit one must never count as a regression. This is a convention
// for ordering only, not a claim that unknown means in transit.
var phaseRanks = map[string]int{
	PhaseLabelCreated:   0,
	PhaseInTransit:      1,
	PhaseUnknown:        1,
	PhaseAtCustoms:      2,
	PhaseHeldByCustoms:  3,
	PhaseCustomsCleared: 4,
	PhaseOutForDelivery: 5,
	PhaseDelivered:      6,
	PhaseException:      7,
}

// PhaseRank returns the progression rank of a phase. Unrecognized values
// rank like PhaseUnknown.
func PhaseRank(phase string) int {
	if r, ok := phaseRanks[phase]; ok {
		return r
	}
	return phaseRanks[PhaseUnknown]
}

// IsTerminalPhase reports whether no further movement is expected.
func IsTerminalPhase(phase string) bool {
	return phase == PhaseDelivered || phase == PhaseException
}

// IsValidPhase reports whether phase is one of the canonical values.
func IsValidPhase(phase string) bool {
	_, ok := phaseRanks[phase]
	return ok
}
