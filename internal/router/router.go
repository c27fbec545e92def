// Package router picks the provider to ask for a feature and books the
// outcome of every fetch against that provider's quota and backoff state.
package router

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/metrics"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

var (
	// ErrNoProviderAvailable means every candidate for the feature was
	// filtered out. The router never substitutes a different feature.
	ErrNoProviderAvailable = eris.New("router: no provider available")

	// ErrRoutingSuspended is returned while the DEFCON profile forbids
	// ingestion.
	ErrRoutingSuspended = eris.New("router: routing suspended by defcon level")
)

// Default knobs.
const (
	DefaultQuotaSafetyMargin  = 0.99
	DefaultMaxBackoffExponent = 6
)

// Store is the persistence the router needs.
type Store interface {
	ListCandidates(ctx context.Context, featureID string) ([]model.Candidate, error)
	UpdateProvider(ctx context.Context, providerID string, fn func(p *model.Provider) error) (*model.Provider, error)
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
	ResetDailyQuotas(ctx context.Context) (int64, error)
	ResetMonthlyQuotas(ctx context.Context) (int64, error)
}

// LevelSource reports the current DEFCON level.
type LevelSource interface {
	CurrentLevel(ctx context.Context) (model.DefconLevel, error)
}

// Config controls quota and backoff behaviour.
type Config struct {
	// QuotaSafetyMargin is the fraction of a limit that may be used before a
	// provider is skipped.
	QuotaSafetyMargin float64
	// MaxBackoffExponent caps the cooldown at 2^MaxBackoffExponent minutes.
	MaxBackoffExponent int
	// EnforceRateLimits turns on the per-minute limiters.
	EnforceRateLimits bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QuotaSafetyMargin:  DefaultQuotaSafetyMargin,
		MaxBackoffExponent: DefaultMaxBackoffExponent,
		EnforceRateLimits:  true,
	}
}

type limiterEntry struct {
	perMinute int
	lim       *rate.Limiter
}

// Router selects providers and records usage.
type Router struct {
	store  Store
	levels LevelSource
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	now func() time.Time
}

// New creates a Router. levels may be nil, in which case routing is never
// gated.
func New(st Store, levels LevelSource, cfg Config) *Router {
	if cfg.QuotaSafetyMargin <= 0 || cfg.QuotaSafetyMargin > 1 {
		cfg.QuotaSafetyMargin = DefaultQuotaSafetyMargin
	}
	if cfg.MaxBackoffExponent <= 0 {
		cfg.MaxBackoffExponent = DefaultMaxBackoffExponent
	}
	return &Router{
		store:    st,
		levels:   levels,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "router")),
		limiters: make(map[string]*limiterEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CooldownDuration is the backoff after the n-th consecutive failure, n
// counted after the failure is booked: min(2^(n+1), 64) minutes.
func CooldownDuration(n int) time.Duration {
	return cooldown(n, DefaultMaxBackoffExponent)
}

func cooldown(n, maxExp int) time.Duration {
	if n < 0 {
		n = 0
	}
	exp := min(n+1, maxExp)
	return time.Duration(math.Pow(2, float64(exp))) * time.Minute
}

// Skip reasons reported by Explain.
const (
	ReasonEligible      = "eligible"
	ReasonExcluded      = "excluded"
	ReasonDailyQuota    = "daily_quota"
	ReasonMonthlyQuota  = "monthly_quota"
	ReasonCooldown      = "cooldown"
	ReasonRateLimited   = "rate_limited"
	ReasonNotConsidered = "not_considered"
)

// Eligibility explains one candidate's standing for a feature.
type Eligibility struct {
	ProviderID          string     `json:"provider_id"`
	Preference          int        `json:"canonical_source_preference"`
	UsedToday           int        `json:"used_today"`
	DailyLimit          int        `json:"daily_limit"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	Reason              string     `json:"reason"`
}

// SelectProvider returns the preferred eligible provider for featureID and
// reserves one unit of its daily and monthly quota. Eligibility is checked
// again under the provider's row lock, so concurrent callers can never book
// past the safety margin. Settle the reservation with ReportReserved.
// Providers in excluded are skipped, e.g. ones the caller already tried.
func (r *Router) SelectProvider(ctx context.Context, featureID string, excluded []string) (*model.Selection, error) {
	if err := r.gate(ctx); err != nil {
		metrics.RecordSelection(metrics.OutcomeSuspended)
		return nil, err
	}

	eligible, err := r.eligible(ctx, featureID, excluded)
	if err != nil {
		metrics.RecordSelection(metrics.OutcomeError)
		return nil, err
	}

	for _, c := range eligible {
		if !r.allow(c.Provider) {
			r.log.Debug("provider rate limited", zap.String("provider", c.Provider.ID))
			continue
		}
		reason, err := r.reserve(ctx, c.Provider.ID, excluded)
		if err != nil {
			metrics.RecordSelection(metrics.OutcomeError)
			return nil, err
		}
		if reason != ReasonEligible {
			r.log.Debug("provider taken by a concurrent selection",
				zap.String("provider", c.Provider.ID),
				zap.String("reason", reason),
			)
			continue
		}
		metrics.RecordSelection(metrics.OutcomeSelected)
		return &model.Selection{
			ProviderID:    c.Provider.ID,
			ProviderName:  c.Provider.Name,
			FeatureID:     featureID,
			Symbol:        c.Capability.Symbol,
			Endpoint:      c.Capability.Endpoint,
			ResponseField: c.Capability.ResponsePath,
			Preference:    c.Provider.Preference,
			Reserved:      true,
		}, nil
	}

	metrics.RecordSelection(metrics.OutcomeNoProvider)
	r.log.Warn("no provider available",
		zap.String("feature", featureID),
		zap.Strings("excluded", excluded),
	)
	return nil, eris.Wrapf(ErrNoProviderAvailable, "feature %s", featureID)
}

// Explain lists every candidate for featureID with the reason it would or
// would not be selected. It consumes no rate limit tokens.
func (r *Router) Explain(ctx context.Context, featureID string, excluded []string) ([]Eligibility, error) {
	cands, err := r.store.ListCandidates(ctx, featureID)
	if err != nil {
		return nil, eris.Wrapf(err, "router: list candidates for %s", featureID)
	}
	now := r.now()
	sortCandidates(cands)

	out := make([]Eligibility, 0, len(cands))
	for _, c := range cands {
		p := c.Provider
		e := Eligibility{
			ProviderID:          p.ID,
			Preference:          p.Preference,
			UsedToday:           p.UsedToday,
			DailyLimit:          p.DailyLimit,
			ConsecutiveFailures: p.ConsecutiveFailures,
			CooldownUntil:       p.CooldownUntil,
			Reason:              r.skipReason(p, excluded, now),
		}
		if e.Reason == ReasonEligible && r.limited(p) {
			e.Reason = ReasonRateLimited
		}
		out = append(out, e)
	}
	return out, nil
}

// ReportUsage books the outcome of a fetch made without a reservation. A
// success uses one unit of quota.
func (r *Router) ReportUsage(ctx context.Context, providerID string, success bool, responseTimeMs int) (*model.Provider, error) {
	return r.report(ctx, providerID, success, responseTimeMs, false)
}

// ReportReserved settles a fetch whose quota unit SelectProvider reserved. A
// failure releases the unit.
func (r *Router) ReportReserved(ctx context.Context, providerID string, success bool, responseTimeMs int) (*model.Provider, error) {
	return r.report(ctx, providerID, success, responseTimeMs, true)
}

func (r *Router) report(ctx context.Context, providerID string, success bool, responseTimeMs int, reserved bool) (*model.Provider, error) {
	now := r.now()
	p, err := r.store.UpdateProvider(ctx, providerID, func(p *model.Provider) error {
		if success {
			if !reserved {
				p.UsedToday++
				p.UsedThisMonth++
			}
			p.ConsecutiveFailures = 0
			p.CooldownUntil = nil
			p.LastSuccessAt = &now
			return nil
		}
		if reserved {
			p.UsedToday = max(p.UsedToday-1, 0)
			p.UsedThisMonth = max(p.UsedThisMonth-1, 0)
		}
		p.ConsecutiveFailures++
		until := now.Add(cooldown(p.ConsecutiveFailures, r.cfg.MaxBackoffExponent))
		p.CooldownUntil = &until
		p.LastFailureAt = &now
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "router: report usage for %s", providerID)
	}

	if err := r.store.RecordUsage(ctx, model.UsageRecord{
		ProviderID:     providerID,
		Success:        success,
		ResponseTimeMs: responseTimeMs,
		RecordedAt:     now,
	}); err != nil {
		// The counters are already committed; losing a log row only skews
		// telemetry.
		r.log.Warn("failed to append usage record", zap.String("provider", providerID), zap.Error(err))
	}
	metrics.RecordUsage(providerID, success, responseTimeMs)

	if !success {
		r.log.Info("provider backing off",
			zap.String("provider", providerID),
			zap.Int("consecutive_failures", p.ConsecutiveFailures),
			zap.Timep("cooldown_until", p.CooldownUntil),
		)
	}
	return p, nil
}

// ResetDailyQuotas zeroes every provider's daily counter.
func (r *Router) ResetDailyQuotas(ctx context.Context) (int64, error) {
	n, err := r.store.ResetDailyQuotas(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "router: reset daily quotas")
	}
	r.log.Info("daily quotas reset", zap.Int64("providers", n))
	return n, nil
}

// ResetMonthlyQuotas zeroes every provider's monthly counter.
func (r *Router) ResetMonthlyQuotas(ctx context.Context) (int64, error) {
	n, err := r.store.ResetMonthlyQuotas(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "router: reset monthly quotas")
	}
	r.log.Info("monthly quotas reset", zap.Int64("providers", n))
	return n, nil
}

func (r *Router) gate(ctx context.Context) error {
	if r.levels == nil {
		return nil
	}
	level, err := r.levels.CurrentLevel(ctx)
	if err != nil {
		r.log.Error("defcon level unavailable, failing closed", zap.Error(err))
	}
	if !defcon.Profile(level).AllowIngestion {
		return eris.Wrapf(ErrRoutingSuspended, "level %s", level)
	}
	return nil
}

func (r *Router) eligible(ctx context.Context, featureID string, excluded []string) ([]model.Candidate, error) {
	cands, err := r.store.ListCandidates(ctx, featureID)
	if err != nil {
		return nil, eris.Wrapf(err, "router: list candidates for %s", featureID)
	}
	now := r.now()
	out := cands[:0]
	for _, c := range cands {
		if r.skipReason(c.Provider, excluded, now) == ReasonEligible {
			out = append(out, c)
		}
	}
	sortCandidates(out)
	return out, nil
}

// errTaken aborts a reservation whose provider stopped being eligible.
var errTaken = eris.New("router: provider no longer eligible")

// reserve books one quota unit on providerID if it is still eligible under
// the row lock. It returns the skip reason seen under the lock.
func (r *Router) reserve(ctx context.Context, providerID string, excluded []string) (string, error) {
	reason := ReasonEligible
	_, err := r.store.UpdateProvider(ctx, providerID, func(p *model.Provider) error {
		if reason = r.skipReason(*p, excluded, r.now()); reason != ReasonEligible {
			return errTaken
		}
		p.UsedToday++
		p.UsedThisMonth++
		return nil
	})
	if errors.Is(err, errTaken) {
		return reason, nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "router: reserve quota on %s", providerID)
	}
	return ReasonEligible, nil
}

func (r *Router) skipReason(p model.Provider, excluded []string, now time.Time) string {
	switch {
	case !p.IsActive:
		return ReasonNotConsidered
	case slices.Contains(excluded, p.ID):
		return ReasonExcluded
	case !underQuota(p.UsedToday, p.DailyLimit, r.cfg.QuotaSafetyMargin):
		return ReasonDailyQuota
	case !underQuota(p.UsedThisMonth, p.MonthlyLimit, r.cfg.QuotaSafetyMargin):
		return ReasonMonthlyQuota
	case p.InCooldown(now):
		return ReasonCooldown
	}
	return ReasonEligible
}

// underQuota treats a limit of zero or less as unlimited.
func underQuota(used, limit int, margin float64) bool {
	if limit <= 0 {
		return true
	}
	return float64(used) < float64(limit)*margin
}

func sortCandidates(cands []model.Candidate) {
	slices.SortFunc(cands, func(a, b model.Candidate) int {
		if d := a.Provider.Preference - b.Provider.Preference; d != 0 {
			return d
		}
		if d := a.Provider.ConsecutiveFailures - b.Provider.ConsecutiveFailures; d != 0 {
			return d
		}
		return strings.Compare(a.Provider.ID, b.Provider.ID)
	})
}

func (r *Router) limiterFor(p model.Provider) *rate.Limiter {
	if !r.cfg.EnforceRateLimits || p.RateLimitPerMinute <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.limiters[p.ID]
	if !ok || e.perMinute != p.RateLimitPerMinute {
		e = &limiterEntry{
			perMinute: p.RateLimitPerMinute,
			lim:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.RateLimitPerMinute)), p.RateLimitPerMinute),
		}
		r.limiters[p.ID] = e
	}
	return e.lim
}

func (r *Router) allow(p model.Provider) bool {
	lim := r.limiterFor(p)
	return lim == nil || lim.Allow()
}

func (r *Router) limited(p model.Provider) bool {
	lim := r.limiterFor(p)
	return lim != nil && lim.Tokens() < 1
}
