// Package seed loads the provider and circuit breaker catalog from YAML and
// writes it to the store.
package seed

import (
	"context"
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the top-level catalog document.
type Catalog struct {
	Providers []ProviderEntry           `yaml:"providers"`
	Breakers  []model.BreakerDefinition `yaml:"breakers"`
}

// ProviderEntry describes one provider with its capabilities and category
// calibrations.
type ProviderEntry struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Tier               string `yaml:"tier"`
	Preference         int    `yaml:"preference"` // 0 = tier default
	DailyLimit         int    `yaml:"daily_limit"`
	MonthlyLimit       int    `yaml:"monthly_limit"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	BaseURL            string `yaml:"base_url"`
	RequiresAuth       bool   `yaml:"requires_auth"`
	// Inactive providers stay in the catalog but are never routed to.
	Inactive bool `yaml:"inactive"`

	Reliability  DomainScores       `yaml:"reliability"`
	Capabilities []CapabilityEntry  `yaml:"capabilities"`
	Calibrations []CalibrationEntry `yaml:"calibrations"`
}

// DomainScores are the provider's domain-level reliability scores.
type DomainScores struct {
	Macro      *float64 `yaml:"macro"`
	Equity     *float64 `yaml:"equity"`
	Crypto     *float64 `yaml:"crypto"`
	CrossAsset *float64 `yaml:"cross_asset"`
}

// CapabilityEntry maps a feature to the provider's symbol for it.
type CapabilityEntry struct {
	Feature      string  `yaml:"feature"`
	Symbol       string  `yaml:"symbol"`
	Endpoint     string  `yaml:"endpoint"`
	ResponsePath string  `yaml:"response_path"`
	Quality      float64 `yaml:"quality"`
}

// CalibrationEntry is an initial category-level score.
type CalibrationEntry struct {
	Category   string  `yaml:"category"`
	Score      float64 `yaml:"score"`
	SampleSize int     `yaml:"sample_size"`
	Method     string  `yaml:"method"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read catalog %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "seed: parse catalog")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks identifiers, tiers, scores and breaker definitions. All
// problems are reported together.
func (c *Catalog) Validate() error {
	var errs []string
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, "provider with empty id")
			continue
		}
		if providers[p.ID] {
			errs = append(errs, "duplicate provider "+p.ID)
		}
		providers[p.ID] = true
		if !model.Tier(strings.ToUpper(p.Tier)).Valid() {
			errs = append(errs, "provider "+p.ID+": unknown tier "+p.Tier)
		}
		for _, s := range []*float64{p.Reliability.Macro, p.Reliability.Equity, p.Reliability.Crypto, p.Reliability.CrossAsset} {
			if s != nil && (*s < 0 || *s > 1) {
				errs = append(errs, "provider "+p.ID+": domain reliability outside [0,1]")
				break
			}
		}
		features := make(map[string]bool, len(p.Capabilities))
		for _, cp := range p.Capabilities {
			if cp.Feature == "" || cp.Symbol == "" {
				errs = append(errs, "provider "+p.ID+": capability needs feature and symbol")
				continue
			}
			if features[cp.Feature] {
				errs = append(errs, "provider "+p.ID+": duplicate capability "+cp.Feature)
			}
			features[cp.Feature] = true
		}
		for _, cal := range p.Calibrations {
			if !model.EventTypeCategory(strings.ToUpper(cal.Category)).Valid() {
				errs = append(errs, "provider "+p.ID+": unknown category "+cal.Category)
			}
			if cal.Score < 0 || cal.Score > 1 {
				errs = append(errs, "provider "+p.ID+": calibration score outside [0,1]")
			}
		}
	}

	breakers := make(map[string]bool, len(c.Breakers))
	for _, b := range c.Breakers {
		if err := defcon.ValidateBreaker(b); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if breakers[b.Name] {
			errs = append(errs, "duplicate breaker "+b.Name)
		}
		breakers[b.Name] = true
	}

	if len(errs) > 0 {
		return eris.Errorf("seed: invalid catalog: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ProviderModels converts the entries to providers.
func (c *Catalog) ProviderModels() []model.Provider {
	out := make([]model.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		tier := model.Tier(strings.ToUpper(p.Tier))
		pref := p.Preference
		if pref <= 0 {
			pref = tier.Preference()
		}
		out = append(out, model.Provider{
			ID:                    p.ID,
			Name:                  p.Name,
			Tier:                  tier,
			Preference:            pref,
			DailyLimit:            p.DailyLimit,
			MonthlyLimit:          p.MonthlyLimit,
			RateLimitPerMinute:    p.RateLimitPerMinute,
			IsActive:              !p.Inactive,
			BaseURL:               p.BaseURL,
			RequiresAuth:          p.RequiresAuth,
			MacroReliability:      p.Reliability.Macro,
			EquityReliability:     p.Reliability.Equity,
			CryptoReliability:     p.Reliability.Crypto,
			CrossAssetReliability: p.Reliability.CrossAsset,
		})
	}
	return out
}

// CapabilityModels flattens every provider's capabilities.
func (c *Catalog) CapabilityModels() []model.Capability {
	var out []model.Capability
	for _, p := range c.Providers {
		for _, cp := range p.Capabilities {
			out = append(out, model.Capability{
				ProviderID:   p.ID,
				FeatureID:    cp.Feature,
				Symbol:       cp.Symbol,
				Endpoint:     cp.Endpoint,
				ResponsePath: cp.ResponsePath,
				QualityScore: cp.Quality,
				IsActive:     true,
			})
		}
	}
	return out
}

// Store is the catalog persistence.
type Store interface {
	UpsertProviders(ctx context.Context, providers []model.Provider) error
	UpsertCapabilities(ctx context.Context, caps []model.Capability) error
	UpsertBreakers(ctx context.Context, breakers []model.BreakerDefinition) error
}

// Calibrator records category scores.
type Calibrator interface {
	Calibrate(ctx context.Context, c reliability.Calibration) (*model.CategoryReliability, error)
}

// Bootstrapper creates the first system state row.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, actor string) (bool, error)
}

// Summary counts what Apply wrote.
type Summary struct {
	Providers    int  `json:"providers"`
	Capabilities int  `json:"capabilities"`
	Breakers     int  `json:"breakers"`
	Calibrations int  `json:"calibrations"`
	Bootstrapped bool `json:"bootstrapped"`
}

// Apply upserts the catalog, records its calibrations and bootstraps the
// system state when none exists. Running it twice leaves the same catalog;
// usage counters and cooldowns are not touched.
func Apply(ctx context.Context, c *Catalog, st Store, cal Calibrator, boot Bootstrapper, actor string) (*Summary, error) {
	log := zap.L().With(zap.String("component", "seed"))
	sum := &Summary{}

	providers := c.ProviderModels()
	if err := st.UpsertProviders(ctx, providers); err != nil {
		return nil, eris.Wrap(err, "seed: upsert providers")
	}
	sum.Providers = len(providers)

	caps := c.CapabilityModels()
	if err := st.UpsertCapabilities(ctx, caps); err != nil {
		return nil, eris.Wrap(err, "seed: upsert capabilities")
	}
	sum.Capabilities = len(caps)

	if err := st.UpsertBreakers(ctx, c.Breakers); err != nil {
		return nil, eris.Wrap(err, "seed: upsert breakers")
	}
	sum.Breakers = len(c.Breakers)

	for _, p := range c.Providers {
		for _, e := range p.Calibrations {
			_, err := cal.Calibrate(ctx, reliability.Calibration{
				ProviderID: p.ID,
				Category:   model.EventTypeCategory(strings.ToUpper(e.Category)),
				Score:      e.Score,
				SampleSize: e.SampleSize,
				Method:     e.Method,
			})
			if err != nil {
				return nil, eris.Wrapf(err, "seed: calibrate %s", p.ID)
			}
			sum.Calibrations++
		}
	}

	if boot != nil {
		inserted, err := boot.Bootstrap(ctx, actor)
		if err != nil {
			return nil, eris.Wrap(err, "seed: bootstrap system state")
		}
		sum.Bootstrapped = inserted
	}

	log.Info("catalog applied",
		zap.Int("providers", sum.Providers),
		zap.Int("capabilities", sum.Capabilities),
		zap.Int("breakers", sum.Breakers),
		zap.Int("calibrations", sum.Calibrations),
		zap.Bool("bootstrapped", sum.Bootstrapped),
	)
	return sum, nil
}
