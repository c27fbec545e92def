package conflict

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
	"github.com/MetaStark/vision-IoS-sub006/internal/store"
)

type fixedLevel model.DefconLevel

func (f fixedLevel) CurrentLevel(context.Context) (model.DefconLevel, error) {
	return model.DefconLevel(f), nil
}

func newTestResolver(t *testing.T, levels LevelSource) (*Resolver, *store.SQLiteStore, *reliability.Service) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "conflict.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	fredMacro, ecbMacro := 0.95, 0.90
	require.NoError(t, st.UpsertProviders(ctx, []model.Provider{
		{ID: "fred", Name: "FRED", Tier: model.TierRegulatory, Preference: 1, IsActive: true, MacroReliability: &fredMacro},
		{ID: "ecb", Name: "ECB", Tier: model.TierRegulatory, Preference: 1, IsActive: true, MacroReliability: &ecbMacro},
		{ID: "yahoo", Name: "Yahoo Finance", Tier: model.TierScraper, Preference: 4, IsActive: true},
	}))

	rel := reliability.New(st)
	r := New(rel, st, levels)
	r.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return r, st, rel
}

func pv(id, v string) model.ProviderValue {
	return model.ProviderValue{ProviderID: id, Value: decimal.RequireFromString(v)}
}

func TestResolve_DomainFallbackWins(t *testing.T) {
	r, st, _ := newTestResolver(t, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Request{
		FeatureID:     "US_CPI_YOY",
		EventTypeCode: "CPI",
		Domain:        model.DomainMacro,
		Candidates:    []model.ProviderValue{pv("yahoo", "3.30"), pv("fred", "3.25")},
	})
	require.NoError(t, err)
	assert.Equal(t, "fred", res.Winner.ProviderID)
	assert.Equal(t, model.PathDomainFallback, res.ResolutionPath)
	assert.Equal(t, model.CategoryMacroInflation, res.Category)
	require.NotEmpty(t, res.ConflictID)

	rec, err := st.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, "fred", rec.WinnerProviderID)
	assert.True(t, rec.WinnerValue.Equal(decimal.RequireFromString("3.25")))
	assert.True(t, rec.DeltaAbs.Equal(decimal.RequireFromString("0.05")))
	require.NotNil(t, rec.DeltaPct)
	assert.True(t, rec.DeltaPct.Equal(decimal.RequireFromString("1.5385")), rec.DeltaPct.String())
	assert.Equal(t, DefaultResolver, rec.ResolvedBy)
	require.Len(t, rec.Candidates, 2)
	assert.Equal(t, "fred", rec.Candidates[0].ProviderID)
	assert.Equal(t, model.ReliabilityTierDefault, rec.Candidates[1].Tier)
}

func TestResolve_CategoryScoreBeatsDomain(t *testing.T) {
	r, _, rel := newTestResolver(t, nil)
	ctx := context.Background()
	_, err := rel.Calibrate(ctx, reliability.Calibration{
		ProviderID: "yahoo", Category: model.CategoryMacroInflation, Score: 0.97, SampleSize: 400, Method: "backtest",
	})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, Request{
		EventTypeCode: "CORE_CPI",
		Domain:        model.DomainMacro,
		Candidates:    []model.ProviderValue{pv("fred", "3.1"), pv("yahoo", "3.2")},
	})
	require.NoError(t, err)
	assert.Equal(t, "yahoo", res.Winner.ProviderID)
	assert.Equal(t, model.PathEventTypeCategory, res.ResolutionPath)
	assert.InDelta(t, 0.97, res.Winner.Score, 1e-9)
}

func TestResolve_TieBreaksOnProviderID(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)

	res, err := r.Resolve(context.Background(), Request{
		EventTypeCode: "VOLATILITY_SPIKE",
		Domain:        model.DomainCrossAsset,
		Candidates:    []model.ProviderValue{pv("zeta", "18.2"), pv("alpha", "18.9"), pv("mid", "18.5")},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Winner.ProviderID)
	assert.Equal(t, model.PathProviderDefault, res.ResolutionPath)
	assert.InDelta(t, reliability.DefaultScore, res.Winner.Score, 1e-9)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{
		res.Candidates[0].ProviderID, res.Candidates[1].ProviderID, res.Candidates[2].ProviderID,
	})
}

func TestResolve_SameDomainScoreTie(t *testing.T) {
	r, st, _ := newTestResolver(t, nil)
	ctx := context.Background()
	score := 0.95
	require.NoError(t, st.UpsertProviders(ctx, []model.Provider{
		{ID: "ecb", Name: "ECB", Tier: model.TierRegulatory, Preference: 1, IsActive: true, MacroReliability: &score},
	}))

	res, err := r.Resolve(ctx, Request{
		EventTypeCode: "ECB_RATE_DECISION",
		Domain:        model.DomainMacro,
		Candidates:    []model.ProviderValue{pv("fred", "4.00"), pv("ecb", "4.25")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ecb", res.Winner.ProviderID)
}

func TestResolve_NormalizesDomain(t *testing.T) {
	r, st, _ := newTestResolver(t, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Request{
		EventTypeCode: "CPI",
		Domain:        model.Domain(" macro "),
		Candidates:    []model.ProviderValue{pv("yahoo", "3.30"), pv("fred", "3.25")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CategoryMacroInflation, res.Category)
	assert.Equal(t, "fred", res.Winner.ProviderID)
	assert.Equal(t, model.PathDomainFallback, res.ResolutionPath)

	rec, err := st.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, model.DomainMacro, rec.Domain)
}

func TestResolve_OrderOfCandidatesDoesNotMatter(t *testing.T) {
	r, _, rel := newTestResolver(t, nil)
	ctx := context.Background()
	_, err := rel.Calibrate(ctx, reliability.Calibration{
		ProviderID: "ecb", Category: model.CategoryMacroInflation, Score: 0.95, SampleSize: 120, Method: "backtest",
	})
	require.NoError(t, err)

	// fred and ecb tie at 0.95 on different paths; alpha and zeta tie at the default.
	base := []model.ProviderValue{
		pv("fred", "3.25"), pv("ecb", "3.20"), pv("yahoo", "3.40"), pv("zeta", "3.10"), pv("alpha", "3.15"),
	}
	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
		{1, 4, 0, 3, 2},
		{3, 2, 1, 4, 0},
	}

	var want *Resolution
	for _, order := range orders {
		cands := make([]model.ProviderValue, 0, len(order))
		for _, i := range order {
			cands = append(cands, base[i])
		}
		res, err := r.Resolve(ctx, Request{EventTypeCode: "CPI", Domain: model.DomainMacro, Candidates: cands})
		require.NoError(t, err)
		if want == nil {
			want = res
			continue
		}
		assert.Equal(t, want.Winner, res.Winner, "order %v", order)
		assert.Equal(t, want.ResolutionPath, res.ResolutionPath, "order %v", order)
		assert.Equal(t, want.Candidates, res.Candidates, "order %v", order)
	}
	assert.Equal(t, "ecb", want.Winner.ProviderID)
	ids := make([]string, 0, len(want.Candidates))
	for _, c := range want.Candidates {
		ids = append(ids, c.ProviderID)
	}
	assert.Equal(t, []string{"ecb", "fred", "alpha", "yahoo", "zeta"}, ids)
}

func TestResolve_SingleCandidateNotRecorded(t *testing.T) {
	r, st, _ := newTestResolver(t, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Request{EventTypeCode: "GDP", Domain: model.DomainMacro, Candidates: []model.ProviderValue{pv("fred", "2.1")}})
	require.NoError(t, err)
	assert.Equal(t, "fred", res.Winner.ProviderID)
	assert.Equal(t, model.PathDomainFallback, res.ResolutionPath)
	assert.Empty(t, res.ConflictID)
	assert.Nil(t, res.Record)

	recs, err := st.ListConflicts(ctx, model.ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestResolve_InvalidInput(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, Request{EventTypeCode: "CPI"})
	assert.True(t, errors.Is(err, ErrNoCandidates))

	_, err = r.Resolve(ctx, Request{EventTypeCode: "CPI", Candidates: []model.ProviderValue{pv("fred", "1"), pv("fred", "2")}})
	assert.True(t, errors.Is(err, ErrDuplicateCandidate))
}

func TestResolve_ZeroWinnerHasNoPercentage(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)

	res, err := r.Resolve(context.Background(), Request{
		EventTypeCode: "GDP",
		Domain:        model.DomainMacro,
		Candidates:    []model.ProviderValue{pv("fred", "0"), pv("yahoo", "-0.4")},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.True(t, res.Record.DeltaAbs.Equal(decimal.RequireFromString("0.4")))
	assert.Nil(t, res.Record.DeltaPct)
}

func TestResolve_SuspendedAtRed(t *testing.T) {
	r, _, _ := newTestResolver(t, fixedLevel(model.DefconRed))

	_, err := r.Resolve(context.Background(), Request{EventTypeCode: "CPI", Candidates: []model.ProviderValue{pv("fred", "1"), pv("yahoo", "2")}})
	assert.True(t, errors.Is(err, ErrResolutionSuspended))
}

func TestOverride_AppendsSupersedingRecord(t *testing.T) {
	r, st, _ := newTestResolver(t, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Request{
		FeatureID:     "US_CPI_YOY",
		EventTypeCode: "CPI",
		Domain:        model.DomainMacro,
		Candidates:    []model.ProviderValue{pv("fred", "3.25"), pv("yahoo", "3.30")},
	})
	require.NoError(t, err)

	_, err = r.Override(ctx, OverrideRequest{ConflictID: res.ConflictID, ProviderID: "binance", Actor: "analyst"})
	assert.True(t, errors.Is(err, ErrUnknownCandidate))

	_, err = r.Override(ctx, OverrideRequest{ConflictID: "missing", ProviderID: "yahoo", Actor: "analyst"})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	ov, err := r.Override(ctx, OverrideRequest{ConflictID: res.ConflictID, ProviderID: "yahoo", Actor: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, model.PathManualOverride, ov.ResolutionPath)
	assert.Equal(t, res.ConflictID, ov.Supersedes)
	assert.Equal(t, "yahoo", ov.WinnerProviderID)
	assert.Equal(t, "analyst", ov.ResolvedBy)

	orig, err := r.Get(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, "fred", orig.WinnerProviderID, "original record is immutable")

	recs, err := r.List(ctx, model.ConflictFilter{FeatureID: "US_CPI_YOY"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	overrides, err := st.ListConflicts(ctx, model.ConflictFilter{ResolutionPath: model.PathManualOverride})
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, ov.ID, overrides[0].ID)
}
