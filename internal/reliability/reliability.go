// Package reliability answers how much a provider is trusted for a kind of
// data, at three granularities: event-type category, domain and a default.
package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/store"
)

// DefaultScore is used when a provider has neither a category nor a domain
// score.
const DefaultScore = 0.50

// ErrInvalidReliabilityScore is returned by Calibrate for scores outside [0,1].
var ErrInvalidReliabilityScore = eris.New("reliability: score must be within [0,1]")

// Store is the persistence the service needs.
type Store interface {
	GetProvider(ctx context.Context, providerID string) (*model.Provider, error)
	GetCategoryReliability(ctx context.Context, providerID string, category model.EventTypeCategory) (*model.CategoryReliability, error)
	UpsertCategoryReliability(ctx context.Context, r model.CategoryReliability) error
}

// Service reads and calibrates reliability scores.
type Service struct {
	store        Store
	defaultScore float64
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultScore overrides the provider-default score.
func WithDefaultScore(score float64) Option {
	return func(s *Service) {
		if score >= 0 && score <= 1 {
			s.defaultScore = score
		}
	}
}

// New creates a Service.
func New(st Store, opts ...Option) *Service {
	s := &Service{store: st, defaultScore: DefaultScore, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EffectiveReliability returns the most granular score available for the
// provider and the tier it came from.
func (s *Service) EffectiveReliability(ctx context.Context, providerID string, category model.EventTypeCategory, domain model.Domain) (model.EffectiveReliability, error) {
	out := model.EffectiveReliability{ProviderID: providerID, Category: category, Domain: domain}

	cr, err := s.store.GetCategoryReliability(ctx, providerID, category)
	if err != nil {
		return out, eris.Wrapf(err, "reliability: category score for %s", providerID)
	}
	if cr != nil {
		out.Score, out.Tier = cr.Score, model.ReliabilityTierCategory
		return out, nil
	}

	p, err := s.store.GetProvider(ctx, providerID)
	switch {
	case err == nil:
		if d := p.DomainReliability(domain); d != nil {
			out.Score, out.Tier = *d, model.ReliabilityTierDomain
			return out, nil
		}
	case errors.Is(err, store.ErrNotFound):
		// Unknown providers still resolve at the default tier.
	default:
		return out, eris.Wrapf(err, "reliability: domain score for %s", providerID)
	}

	out.Score, out.Tier = s.defaultScore, model.ReliabilityTierDefault
	return out, nil
}

// Calibration is one category-level score update.
type Calibration struct {
	ProviderID string                  `json:"provider_id"`
	Category   model.EventTypeCategory `json:"event_type_category"`
	Score      float64                 `json:"reliability_score"`
	SampleSize int                     `json:"sample_size"`
	Method     string                  `json:"calibration_method"`
	// EvidenceHash is stored as given; see EvidenceHash for deriving one.
	EvidenceHash string `json:"evidence_hash,omitempty"`
}

// Calibrate upserts a category-level score. Invalid input writes nothing.
func (s *Service) Calibrate(ctx context.Context, c Calibration) (*model.CategoryReliability, error) {
	if math.IsNaN(c.Score) || c.Score < 0 || c.Score > 1 {
		return nil, eris.Wrapf(ErrInvalidReliabilityScore, "reliability: %s/%s score %v", c.ProviderID, c.Category, c.Score)
	}
	if c.ProviderID == "" {
		return nil, eris.New("reliability: provider id is required")
	}
	if !c.Category.Valid() {
		return nil, eris.Errorf("reliability: unknown event type category %q", c.Category)
	}
	if c.SampleSize < 0 {
		return nil, eris.Errorf("reliability: negative sample size %d", c.SampleSize)
	}

	rec := model.CategoryReliability{
		ProviderID:   c.ProviderID,
		Category:     c.Category,
		Score:        c.Score,
		SampleSize:   c.SampleSize,
		Method:       c.Method,
		EvidenceHash: c.EvidenceHash,
		CalibratedAt: s.now(),
	}
	if err := s.store.UpsertCategoryReliability(ctx, rec); err != nil {
		return nil, eris.Wrapf(err, "reliability: calibrate %s/%s", c.ProviderID, c.Category)
	}

	zap.L().Info("reliability calibrated",
		zap.String("provider", c.ProviderID),
		zap.String("category", string(c.Category)),
		zap.Float64("score", c.Score),
		zap.Int("sample_size", c.SampleSize),
		zap.String("method", c.Method),
	)
	return &rec, nil
}

// EvidenceHash returns the hex SHA-256 of v's JSON encoding. Map keys are
// sorted by encoding/json, so equal documents hash equally.
func EvidenceHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "reliability: encode evidence")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
