package confidence

// Tier is a coarse reporting bucket. Tiers are derived on demand and never
// feed back into arithmetic.
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

const (
	highThreshold   = 0.8
	mediumThreshold = 0.5
)

// TierOf maps a value to its tier.
func TierOf(v float64) Tier {
	switch {
	case v >= highThreshold:
		return TierHigh
	case v >= mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

func (t Tier) rank() int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	}
	return 0
}

// AtLeast reports whether t is the same as or above min.
func (t Tier) AtLeast(min Tier) bool {
	return t.rank() >= min.rank()
}

// Filter keeps the scores whose tier is at least min, preserving order.
func Filter(scores []Score, min Tier) []Score {
	out := make([]Score, 0, len(scores))
	for _, s := range scores {
		if s.Tier().AtLeast(min) {
			out = append(out, s)
		}
	}
	return out
}
