package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

// CollectorSource tags snapshots assembled by the collector.
const CollectorSource = "collector"

// Source is the store surface the collector reads.
type Source interface {
	UsageStats(ctx context.Context, since time.Time) (model.UsageStats, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)
	LatestTelemetry(ctx context.Context) (*model.TelemetrySnapshot, error)
}

// Collector derives a telemetry snapshot from recorded provider usage and
// merges in the most recent market signals.
type Collector struct {
	store Source
	now   func() time.Time
}

// NewCollector creates a new telemetry collector.
func NewCollector(st Source) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect builds a snapshot over the given lookback window. Error rate and
// latency come from usage records inside the window; the API budget is the
// share of combined daily limits already used by active providers. Market
// signals from the latest stored snapshot are carried forward while they are
// younger than the window.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*model.TelemetrySnapshot, error) {
	now := c.now().UTC()
	snap := &model.TelemetrySnapshot{
		Source:      CollectorSource,
		CollectedAt: now,
	}

	stats, err := c.store.UsageStats(ctx, now.Add(-lookback))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: usage stats")
	}
	if stats.Total > 0 {
		snap.ErrorRatePct = float64(stats.Failures) / float64(stats.Total) * 100
	}
	snap.LatencyMs = stats.AvgLatencyMs

	providers, err := c.store.ListProviders(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list providers")
	}
	snap.APIBudgetPct = budgetPct(providers)

	latest, err := c.store.LatestTelemetry(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest telemetry")
	}
	if at := marketTime(latest); at != nil && now.Sub(*at) <= lookback {
		snap.VIXLevel = latest.VIXLevel
		snap.DiscrepancyScore = latest.DiscrepancyScore
		if len(latest.Flags) > 0 {
			snap.Flags = make(map[string]bool, len(latest.Flags))
			for k, v := range latest.Flags {
				snap.Flags[k] = v
			}
		}
		marketAt := *at
		snap.MarketAt = &marketAt
	}
	return snap, nil
}

func budgetPct(providers []model.Provider) float64 {
	var used, limit int
	for _, p := range providers {
		if !p.IsActive || p.DailyLimit <= 0 {
			continue
		}
		used += p.UsedToday
		limit += p.DailyLimit
	}
	if limit == 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// marketTime returns when the snapshot's market signals were observed, or nil
// when it carries none.
func marketTime(s *model.TelemetrySnapshot) *time.Time {
	switch {
	case s == nil:
		return nil
	case s.MarketAt != nil:
		return s.MarketAt
	case s.Source != CollectorSource:
		return &s.CollectedAt
	}
	return nil
}
