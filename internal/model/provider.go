package model

import (
	"strings"
	"time"
)

// Tier classifies a provider by how authoritative its data is.
type Tier string

const (
	TierRegulatory Tier = "REGULATORY"
	TierExchange   Tier = "EXCHANGE"
	TierAggregator Tier = "AGGREGATOR"
	TierScraper    Tier = "SCRAPER"
)

// Preference returns the canonical source preference for the tier: 1 for
// regulatory sources through 4 for scrapers. Unknown tiers rank last.
func (t Tier) Preference() int {
	switch t {
	case TierRegulatory:
		return 1
	case TierExchange:
		return 2
	case TierAggregator:
		return 3
	default:
		return 4
	}
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierRegulatory, TierExchange, TierAggregator, TierScraper:
		return true
	}
	return false
}

// Domain is the asset domain a datum belongs to.
type Domain string

const (
	DomainMacro      Domain = "MACRO"
	DomainEquity     Domain = "EQUITY"
	DomainCrypto     Domain = "CRYPTO"
	DomainCrossAsset Domain = "CROSS_ASSET"
)

// ParseDomain normalizes a domain name. Anything unrecognized is treated as
// CROSS_ASSET so callers never have to handle an unknown domain.
func ParseDomain(s string) Domain {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MACRO":
		return DomainMacro
	case "EQUITY", "EQUITIES":
		return DomainEquity
	case "CRYPTO":
		return DomainCrypto
	default:
		return DomainCrossAsset
	}
}

// Provider is an external data source the router can send requests to.
type Provider struct {
	ID                  string     `json:"provider_id"`
	Name                string     `json:"name"`
	Tier                Tier       `json:"tier"`
	Preference          int        `json:"canonical_source_preference"`
	DailyLimit          int        `json:"daily_limit"`
	MonthlyLimit        int        `json:"monthly_limit,omitempty"`
	RateLimitPerMinute  int        `json:"rate_limit_per_minute,omitempty"`
	UsedToday           int        `json:"used_today"`
	UsedThisMonth       int        `json:"used_this_month"`
	IsActive            bool       `json:"is_active"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	BaseURL             string     `json:"base_url"`
	RequiresAuth        bool       `json:"requires_auth"`

	MacroReliability      *float64 `json:"macro_reliability,omitempty"`
	EquityReliability     *float64 `json:"equity_reliability,omitempty"`
	CryptoReliability     *float64 `json:"crypto_reliability,omitempty"`
	CrossAssetReliability *float64 `json:"cross_asset_reliability,omitempty"`
}

// DomainReliability returns the provider's domain-level score, or nil when
// the provider has no score for that domain.
func (p *Provider) DomainReliability(d Domain) *float64 {
	switch d {
	case DomainMacro:
		return p.MacroReliability
	case DomainEquity:
		return p.EquityReliability
	case DomainCrypto:
		return p.CryptoReliability
	case DomainCrossAsset:
		return p.CrossAssetReliability
	}
	return nil
}

// InCooldown reports whether the provider is still backing off at now.
func (p *Provider) InCooldown(now time.Time) bool {
	return p.CooldownUntil != nil && p.CooldownUntil.After(now)
}

// Capability declares that a provider can serve a feature.
type Capability struct {
	ProviderID   string  `json:"provider_id"`
	FeatureID    string  `json:"feature_id"`
	Symbol       string  `json:"symbol"`
	Endpoint     string  `json:"endpoint,omitempty"`
	ResponsePath string  `json:"response_path,omitempty"`
	QualityScore float64 `json:"quality_score"`
	IsActive     bool    `json:"is_active"`
}

// Candidate is a provider joined with its capability for one feature.
type Candidate struct {
	Provider   Provider
	Capability Capability
}

// Selection is the router's answer to "who should I ask for this feature".
// Reserved is set when one quota unit was booked at selection.
type Selection struct {
	ProviderID    string `json:"provider_id"`
	ProviderName  string `json:"provider_name"`
	FeatureID     string `json:"feature_id"`
	Symbol        string `json:"symbol"`
	Endpoint      string `json:"endpoint,omitempty"`
	ResponseField string `json:"response_field,omitempty"`
	Preference    int    `json:"canonical_source_preference"`
	Reserved      bool   `json:"reserved"`
}

// UsageRecord is one reported fetch outcome.
type UsageRecord struct {
	ProviderID     string    `json:"provider_id"`
	Success        bool      `json:"success"`
	ResponseTimeMs int       `json:"response_time_ms"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// UsageStats aggregates usage records over a window.
type UsageStats struct {
	Total        int     `json:"total"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
