package cache

import (
	"fmt"
	"math"
	"time"
)

type StrategyKind int

const (
	KindNoCache StrategyKind = iota
	KindAggressive
	KindModerate
	KindConservative
	KindAdaptive
)

func (k StrategyKind) String() string {
	switch k {
	case KindAggressive:
		return "aggressive"
	case KindModerate:
		return "moderate"
	case KindConservative:
		return "conservative"
	case KindAdaptive:
		return "adaptive"
	default:
		return "no_cache"
	}
}

// Strategy decides how long an entry stays valid.
type Strategy struct {
	Kind   StrategyKind
	TTL    time.Duration
	MaxTTL time.Duration
}

func Aggressive(hours int) Strategy {
	return Strategy{Kind: KindAggressive, TTL: time.Duration(hours) * time.Hour}
}

func Moderate(minutes int) Strategy {
	return Strategy{Kind: KindModerate, TTL: time.Duration(minutes) * time.Minute}
}

func Conservative(seconds int) Strategy {
	return Strategy{Kind: KindConservative, TTL: time.Duration(seconds) * time.Second}
}

// Adaptive lets frequently read entries live longer, up to maxTTL.
func Adaptive(baseTTL, maxTTL time.Duration) Strategy {
	return Strategy{Kind: KindAdaptive, TTL: baseTTL, MaxTTL: maxTTL}
}

func NoCache() Strategy {
	return Strategy{Kind: KindNoCache}
}

// EffectiveTTL returns the validity window for an entry read accessCount
// times. For Adaptive the window is baseTTL*max(log2(accessCount),1) capped
// at MaxTTL, which is non-decreasing in accessCount.
func (s Strategy) EffectiveTTL(accessCount int64) time.Duration {
	switch s.Kind {
	case KindAggressive, KindModerate, KindConservative:
		return s.TTL
	case KindAdaptive:
		factor := math.Max(math.Log2(float64(max(accessCount, 1))), 1)
		ttl := time.Duration(float64(s.TTL) * factor)
		if s.MaxTTL > 0 && (ttl > s.MaxTTL || ttl < 0) {
			return s.MaxTTL
		}
		return ttl
	default:
		return 0
	}
}

// Valid reports whether an entry of the given age is still usable.
func (s Strategy) Valid(age time.Duration, accessCount int64) bool {
	if s.Kind == KindNoCache {
		return false
	}
	return age < s.EffectiveTTL(accessCount)
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindAdaptive:
		return fmt.Sprintf("adaptive(base=%s,max=%s)", s.TTL, s.MaxTTL)
	case KindNoCache:
		return "no_cache"
	default:
		return fmt.Sprintf("%s(%s)", s.Kind, s.TTL)
	}
}

// Priority ranks entries for eviction. Lower priorities are evicted first.
type Priority int

const (
	PriorityDisposable Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityDisposable:
		return "disposable"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}
