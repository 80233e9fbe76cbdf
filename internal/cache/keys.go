package cache

import (
	"strings"
	"time"

	"quotemirror/internal/config"
)

// Namespace is the Redis key prefix for the quotemirror application.
const Namespace = "qm"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
		Long:   durationOrDefault(cfg.Long, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

// Scaled applies a multiplier to a TTL class, useful for half/double TTL variants.
func (t TTLSet) Scaled(class TTLClass, factor float64) time.Duration {
	base := t.Duration(class)
	if base <= 0 || factor <= 0 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// --- Instrument Keys --------------------------------------------------------

// InstrumentsKey holds the full listed-instrument roster for a provider.
func InstrumentsKey(provider string) string {
	return formatKey("instruments", provider)
}

// --- Mirror Run Keys --------------------------------------------------------

// MirrorLockKey is the lock around a mirror run for one dataset, so
// overlapping cron invocations do not double-fetch the same window.
func MirrorLockKey(dataset string) string {
	return formatKey("lock", "mirror", dataset)
}

// --- Advisor Keys -----------------------------------------------------------

// AdvisorReportKey caches the latest consultation report for a portfolio hash.
func AdvisorReportKey(portfolioHash string) string {
	return formatKey("advisor", "report", portfolioHash)
}

// --- TTL Helpers ------------------------------------------------------------

// InstrumentsTTL returns the TTL for the instrument roster. Listings change
// rarely so the long bucket applies.
func InstrumentsTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLLong)
}

// MirrorLockTTL returns the TTL for mirror run locks. A crashed run
// releases its dataset once this expires, so it must comfortably cover
// one update cycle.
func MirrorLockTTL(ttl TTLSet) time.Duration {
	return ttl.Scaled(TTLLong, 12) // target ~1h when long=300s
}

// AdvisorReportTTL returns the TTL for cached consultation reports.
func AdvisorReportTTL(ttl TTLSet) time.Duration {
	return ttl.Scaled(TTLLong, 2) // target ~600s when long=300s
}
