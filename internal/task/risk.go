package task

import (
	"fmt"
	"strings"
)

// RiskTier classifies how dangerous a concrete action invocation is.
// Tiers are ordered: Low < Medium < High < Critical.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"low", "medium", "high", "critical"}

// String returns the lowercase tier name.
func (r RiskTier) String() string {
	if r < RiskLow || r > RiskCritical {
		return fmt.Sprintf("RiskTier(%d)", int(r))
	}
	return riskNames[r]
}

// RequiresConfirmation reports whether a step at this tier must be approved
// by a human before it runs.
func (r RiskTier) RequiresConfirmation() bool {
	return r >= RiskHigh
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskTier) MarshalText() ([]byte, error) {
	if r < RiskLow || r > RiskCritical {
		return nil, fmt.Errorf("invalid risk tier %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskTier) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskTier(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRiskTier parses a tier name, case-insensitively.
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskCritical, fmt.Errorf("unknown risk tier %q", s)
}

// MaxRisk returns the highest of the given tiers, or RiskLow if none.
func MaxRisk(tiers ...RiskTier) RiskTier {
	max := RiskLow
	for _, t := range tiers {
		if t > max {
			max = t
		}
	}
	return max
}
