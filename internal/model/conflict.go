package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResolutionPath records why a conflict winner was chosen.
type ResolutionPath string

const (
	PathEventTypeCategory ResolutionPath = "EVENT_TYPE_CATEGORY"
	PathDomainFallback    ResolutionPath = "DOMAIN_FALLBACK"
	PathProviderDefault   ResolutionPath = "PROVIDER_DEFAULT"
	PathManualOverride    ResolutionPath = "MANUAL_OVERRIDE"
)

// ProviderValue is one provider's reported value for a datum.
type ProviderValue struct {
	ProviderID string          `json:"provider_id"`
	Value      decimal.Decimal `json:"value"`
}

// ConflictCandidate is a provider value together with the reliability used
// to rank it.
type ConflictCandidate struct {
	ProviderID string          `json:"provider_id"`
	Value      decimal.Decimal `json:"value"`
	Score      float64         `json:"score"`
	Tier       ReliabilityTier `json:"tier"`
}

// ConflictRecord is the immutable audit entry for one resolved conflict.
type ConflictRecord struct {
	ID               string              `json:"conflict_id"`
	FeatureID        string              `json:"feature_id,omitempty"`
	ObservedAt       *time.Time          `json:"observed_at,omitempty"`
	EventTypeCode    string              `json:"event_type_code"`
	Domain           Domain              `json:"domain"`
	Category         EventTypeCategory   `json:"event_type_category"`
	Candidates       []ConflictCandidate `json:"candidates"`
	WinnerProviderID string              `json:"winner_provider_id"`
	WinnerValue      decimal.Decimal     `json:"winner_value"`
	DeltaAbs         decimal.Decimal     `json:"delta_abs"`
	DeltaPct         *decimal.Decimal    `json:"delta_pct,omitempty"`
	ResolutionPath   ResolutionPath      `json:"resolution_path"`
	ResolvedBy       string              `json:"resolved_by"`
	Supersedes       string              `json:"supersedes,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// ConflictFilter narrows conflict listings.
type ConflictFilter struct {
	FeatureID      string         `json:"feature_id,omitempty"`
	ProviderID     string         `json:"provider_id,omitempty"`
	ResolutionPath ResolutionPath `json:"resolution_path,omitempty"`
	Limit          int            `json:"limit,omitempty"`
}
