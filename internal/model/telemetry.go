package model

import (
	"strings"
	"time"
)

// Telemetry metric names understood by breaker conditions.
const (
	MetricAPIBudgetPct     = "api_budget_pct"
	MetricLatencyMs        = "latency_ms"
	MetricErrorRatePct     = "error_rate_pct"
	MetricVIXLevel         = "vix_level"
	MetricDiscrepancyScore = "discrepancy_score"

	// FlagPrefix marks a boolean flag metric, e.g. "flag:flash_crash".
	FlagPrefix = "flag:"
)

// Well-known telemetry flags.
const (
	FlagFlashCrash       = "flash_crash"
	FlagGovernanceBreach = "governance_breach"
)

// TelemetrySnapshot is a point-in-time view of the signals breakers watch.
type TelemetrySnapshot struct {
	APIBudgetPct     float64         `json:"api_budget_pct"`
	LatencyMs        float64         `json:"latency_ms"`
	ErrorRatePct     float64         `json:"error_rate_pct"`
	VIXLevel         float64         `json:"vix_level"`
	DiscrepancyScore float64         `json:"discrepancy_score"`
	Flags            map[string]bool `json:"flags,omitempty"`
	Source           string          `json:"source,omitempty"`
	CollectedAt      time.Time       `json:"collected_at"`
	// MarketAt is when the market signals (VIX, discrepancy, flags) were
	// observed, for snapshots that carry them forward from an earlier one.
	MarketAt *time.Time `json:"market_at,omitempty"`
}

// Metric returns the named metric value and whether the name is known.
// Flag metrics evaluate to 1 when set and 0 otherwise.
func (s *TelemetrySnapshot) Metric(name string) (float64, bool) {
	if flag, ok := strings.CutPrefix(name, FlagPrefix); ok {
		if s.Flags[flag] {
			return 1, true
		}
		return 0, true
	}
	switch name {
	case MetricAPIBudgetPct:
		return s.APIBudgetPct, true
	case MetricLatencyMs:
		return s.LatencyMs, true
	case MetricErrorRatePct:
		return s.ErrorRatePct, true
	case MetricVIXLevel:
		return s.VIXLevel, true
	case MetricDiscrepancyScore:
		return s.DiscrepancyScore, true
	}
	return 0, false
}
