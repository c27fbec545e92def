package model

import "time"

// EventTypeCategory is the finest granularity at which provider reliability
// is calibrated.
type EventTypeCategory string

const (
	CategoryMacroRate             EventTypeCategory = "MACRO_RATE"
	CategoryMacroInflation        EventTypeCategory = "MACRO_INFLATION"
	CategoryMacroEmployment       EventTypeCategory = "MACRO_EMPLOYMENT"
	CategoryMacroGrowth           EventTypeCategory = "MACRO_GROWTH"
	CategoryEquityEarnings        EventTypeCategory = "EQUITY_EARNINGS"
	CategoryEquityCorporateAction EventTypeCategory = "EQUITY_CORPORATE_ACTION"
	CategoryCryptoProtocol        EventTypeCategory = "CRYPTO_PROTOCOL"
	CategoryCryptoRegulatory      EventTypeCategory = "CRYPTO_REGULATORY"
	CategoryCrossAsset            EventTypeCategory = "CROSS_ASSET"
)

// EventTypeCategories lists every known category.
var EventTypeCategories = []EventTypeCategory{
	CategoryMacroRate,
	CategoryMacroInflation,
	CategoryMacroEmployment,
	CategoryMacroGrowth,
	CategoryEquityEarnings,
	CategoryEquityCorporateAction,
	CategoryCryptoProtocol,
	CategoryCryptoRegulatory,
	CategoryCrossAsset,
}

// Valid reports whether c is a known category.
func (c EventTypeCategory) Valid() bool {
	for _, k := range EventTypeCategories {
		if c == k {
			return true
		}
	}
	return false
}

// CategoryReliability is a calibrated trust score for (provider, category).
type CategoryReliability struct {
	ProviderID   string            `json:"provider_id"`
	Category     EventTypeCategory `json:"event_type_category"`
	Score        float64           `json:"reliability_score"`
	SampleSize   int               `json:"sample_size"`
	Method       string            `json:"calibration_method"`
	EvidenceHash string            `json:"evidence_hash,omitempty"`
	CalibratedAt time.Time         `json:"calibrated_at"`
}

// ReliabilityTier names the granularity an effective score was read from.
type ReliabilityTier string

const (
	ReliabilityTierCategory ReliabilityTier = "CATEGORY"
	ReliabilityTierDomain   ReliabilityTier = "DOMAIN"
	ReliabilityTierDefault  ReliabilityTier = "DEFAULT"
)

// Path maps the tier to the resolution path reported for a conflict won at
// that tier.
func (t ReliabilityTier) Path() ResolutionPath {
	switch t {
	case ReliabilityTierCategory:
		return PathEventTypeCategory
	case ReliabilityTierDomain:
		return PathDomainFallback
	default:
		return PathProviderDefault
	}
}

// EffectiveReliability is a score together with the tier it came from.
type EffectiveReliability struct {
	ProviderID string            `json:"provider_id"`
	Category   EventTypeCategory `json:"event_type_category"`
	Domain     Domain            `json:"domain"`
	Score      float64           `json:"score"`
	Tier       ReliabilityTier   `json:"tier"`
}
