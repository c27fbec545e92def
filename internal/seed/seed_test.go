package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
	"github.com/MetaStark/vision-IoS-sub006/internal/router"
	"github.com/MetaStark/vision-IoS-sub006/internal/store"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	ids := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"fred", "ecb", "cboe", "nasdaq", "binance", "coingecko", "alphavantage", "yahoo"}, ids)

	byName := make(map[string]model.BreakerDefinition)
	for _, b := range c.Breakers {
		byName[b.Name] = b
	}
	flash, ok := byName["FLASH_CRASH"]
	require.True(t, ok)
	assert.Equal(t, model.DefconRed, flash.Threshold)
	assert.False(t, flash.AutoReset)
	assert.Equal(t, "flag:flash_crash", flash.Condition.Metric)
	assert.Equal(t, model.DefconBlack, byName["GOVERNANCE_BREACH"].Threshold)
	assert.True(t, byName["HIGH_LATENCY"].AutoReset)
	assert.Equal(t, 300, byName["HIGH_LATENCY"].ResetAfterSeconds)
}

func TestProviderModels_TierPreference(t *testing.T) {
	c, err := Parse([]byte(`
providers:
  - id: fred
    tier: regulatory
    daily_limit: 100
  - id: scraper
    tier: SCRAPER
    preference: 9
    inactive: true
`))
	require.NoError(t, err)

	ps := c.ProviderModels()
	require.Len(t, ps, 2)
	assert.Equal(t, model.TierRegulatory, ps[0].Tier)
	assert.Equal(t, 1, ps[0].Preference)
	assert.True(t, ps[0].IsActive)
	assert.Equal(t, 9, ps[1].Preference)
	assert.False(t, ps[1].IsActive)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad yaml", "providers: [", "parse catalog"},
		{"empty id", "providers:\n  - tier: SCRAPER\n", "empty id"},
		{"duplicate provider", "providers:\n  - {id: a, tier: SCRAPER}\n  - {id: a, tier: SCRAPER}\n", "duplicate provider a"},
		{"unknown tier", "providers:\n  - {id: a, tier: BLOG}\n", "unknown tier BLOG"},
		{"domain score", "providers:\n  - {id: a, tier: SCRAPER, reliability: {macro: 1.5}}\n", "domain reliability"},
		{"capability", "providers:\n  - id: a\n    tier: SCRAPER\n    capabilities: [{feature: X}]\n", "needs feature and symbol"},
		{"category", "providers:\n  - id: a\n    tier: SCRAPER\n    calibrations: [{category: WEATHER, score: 0.5}]\n", "unknown category WEATHER"},
		{"breaker metric", "breakers:\n  - {name: B, condition: {metric: cpu, operator: '>', threshold: 1}, defcon_threshold: RED}\n", "unknown metric"},
		{"breaker threshold", "breakers:\n  - {name: B, condition: {metric: latency_ms, operator: '>', threshold: 1}, defcon_threshold: PINK}\n", "invalid threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - {id: only, tier: EXCHANGE}\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Providers, 1)
	assert.Equal(t, "only", c.Providers[0].ID)

	def, err := Load("")
	require.NoError(t, err)
	assert.Len(t, def.Providers, 8)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestApply_DefaultCatalog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c, err := Default()
	require.NoError(t, err)

	rel := reliability.New(st)
	machine := defcon.New(st)

	sum, err := Apply(ctx, c, st, rel, machine, "seed")
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Providers)
	assert.Equal(t, len(c.CapabilityModels()), sum.Capabilities)
	assert.Equal(t, 8, sum.Breakers)
	assert.Positive(t, sum.Calibrations)
	assert.True(t, sum.Bootstrapped)

	lvl, err := machine.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefconGreen, lvl)

	eff, err := rel.EffectiveReliability(ctx, "fred", model.CategoryMacroRate, model.DomainMacro)
	require.NoError(t, err)
	assert.Equal(t, model.ReliabilityTierCategory, eff.Tier)
	assert.InDelta(t, 0.95, eff.Score, 1e-9)

	// The regulatory source wins the VIX feed over the scraper.
	sel, err := router.New(st, machine, router.DefaultConfig()).SelectProvider(ctx, "VIX_INDEX", nil)
	require.NoError(t, err)
	assert.Equal(t, "fred", sel.ProviderID)
	assert.Equal(t, "VIXCLS", sel.Symbol)
}

func TestApply_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c, err := Default()
	require.NoError(t, err)
	rel := reliability.New(st)
	machine := defcon.New(st)

	_, err = Apply(ctx, c, st, rel, machine, "seed")
	require.NoError(t, err)

	_, err = st.UpdateProvider(ctx, "fred", func(p *model.Provider) error {
		p.UsedToday = 42
		return nil
	})
	require.NoError(t, err)

	sum, err := Apply(ctx, c, st, rel, machine, "seed")
	require.NoError(t, err)
	assert.False(t, sum.Bootstrapped)

	providers, err := st.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 8)

	fred, err := st.GetProvider(ctx, "fred")
	require.NoError(t, err)
	assert.Equal(t, 42, fred.UsedToday, "seeding keeps usage counters")

	breakers, err := st.ListBreakers(ctx)
	require.NoError(t, err)
	assert.Len(t, breakers, 8)

	active, err := st.ActiveStates(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestApply_WithoutBootstrap(t *testing.T) {
	st := newTestStore(t)
	c, err := Parse([]byte("providers:\n  - {id: a, tier: SCRAPER}\n"))
	require.NoError(t, err)

	sum, err := Apply(context.Background(), c, st, reliability.New(st), nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Providers)
	assert.False(t, sum.Bootstrapped)
}
