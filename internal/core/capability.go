package core

import "fmt"

// Capability is a runner tier. Tiers are totally ordered: a runner
// advertising a tier handles runs requiring that tier or any lower one.
type Capability string

const (
	CapabilityLight    Capability = "light"
	CapabilityStandard Capability = "standard"
	CapabilityHeavy    Capability = "heavy"
)

var capabilityRank = map[Capability]int{
	CapabilityLight:    0,
	CapabilityStandard: 1,
	CapabilityHeavy:    2,
}

// ParseCapability validates a tier name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if _, ok := capabilityRank[c]; !ok {
		return "", fmt.Errorf("unknown capability %q (expected light, standard, or heavy)", s)
	}
	return c, nil
}

func (c Capability) String() string { return string(c) }

// HandledTiers returns the downward closure of c: every tier a runner
// advertising c is able to serve, lowest first.
func (c Capability) HandledTiers() []Capability {
	rank, ok := capabilityRank[c]
	if !ok {
		return nil
	}
	tiers := make([]Capability, 0, rank+1)
	for _, t := range []Capability{CapabilityLight, CapabilityStandard, CapabilityHeavy} {
		if capabilityRank[t] <= rank {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// DefaultCapability returns the tier a run of the given action requires
// when the caller does not override it. Analytical phases are cheap,
// builds need the big machines.
func DefaultCapability(a Action) Capability {
	if a.IsDistill() {
		return CapabilityLight
	}
	switch a {
	case ActionResearch:
		return CapabilityLight
	case ActionBuild:
		return CapabilityHeavy
	default:
		return CapabilityStandard
	}
}
