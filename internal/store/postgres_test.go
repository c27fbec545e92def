package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, now: func() time.Time { return fixedNow }}
	return s, mock
}

func providerRow(id, name, tier string, pref, daily, used int) []any {
	return []any{
		id, name, tier, pref,
		daily, 0, 0,
		used, used, true,
		0, nil, nil, nil,
		"https://example.test", false,
		nil, nil, nil, nil,
	}
}

func activeStateRows(level string) *pgxmock.Rows {
	return pgxmock.NewRows(stateColumnList).AddRow(
		"state-1", level, "", "bootstrap", "SYSTEM", "",
		"", []byte(`[]`), nil, nil, true, fixedNow.Add(-time.Hour), nil,
	)
}

func TestPostgresStore_GetProvider_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT provider_id, name, tier .* FROM providers WHERE provider_id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProvider(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProvider(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM providers WHERE provider_id = \$1`).
		WithArgs("fred").
		WillReturnRows(pgxmock.NewRows(providerColumnList).AddRow(providerRow("fred", "FRED", "REGULATORY", 1, 1000, 12)...))

	p, err := s.GetProvider(context.Background(), "fred")
	require.NoError(t, err)
	assert.Equal(t, "FRED", p.Name)
	assert.Equal(t, model.TierRegulatory, p.Tier)
	assert.Equal(t, 1, p.Preference)
	assert.Equal(t, 12, p.UsedToday)
	assert.Nil(t, p.CooldownUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateProvider_LocksRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM providers WHERE provider_id = \$1 FOR UPDATE`).
		WithArgs("yahoo").
		WillReturnRows(pgxmock.NewRows(providerColumnList).AddRow(providerRow("yahoo", "Yahoo", "SCRAPER", 4, 100, 5)...))
	mock.ExpectExec(`UPDATE providers SET used_today = \$2`).
		WithArgs("yahoo", 6, 6, 0, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	p, err := s.UpdateProvider(context.Background(), "yahoo", func(p *model.Provider) error {
		p.UsedToday++
		p.UsedThisMonth++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, p.UsedToday)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateProvider_CallbackErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("yahoo").
		WillReturnRows(pgxmock.NewRows(providerColumnList).AddRow(providerRow("yahoo", "Yahoo", "SCRAPER", 4, 100, 5)...))
	mock.ExpectRollback()

	_, err := s.UpdateProvider(context.Background(), "yahoo", func(*model.Provider) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetDailyQuotas(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE providers SET used_today = 0 WHERE used_today <> 0`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.ResetDailyQuotas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCategoryReliability_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM category_reliability WHERE provider_id = \$1 AND category = \$2`).
		WithArgs("fred", "MACRO_RATE").
		WillReturnError(pgx.ErrNoRows)

	r, err := s.GetCategoryReliability(context.Background(), "fred", model.CategoryMacroRate)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestTelemetry_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT payload FROM telemetry_snapshots`).WillReturnError(pgx.ErrNoRows)

	snap, err := s.LatestTelemetry(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(stateLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM system_state WHERE is_active`).WillReturnRows(activeStateRows("GREEN"))
	mock.ExpectExec(`UPDATE system_state SET is_active = false`).
		WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO system_state`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO breaker_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	var seen []model.SystemState
	st, err := s.TransitionState(context.Background(), func(active []model.SystemState) (*model.SystemState, []model.BreakerEvent, error) {
		seen = active
		return &model.SystemState{Level: model.DefconYellow, PreviousLevel: model.DefconGreen, TriggeredBy: "api_budget"},
			[]model.BreakerEvent{{BreakerName: "api_budget", EventType: model.BreakerEventTrigger, FromLevel: model.DefconGreen, ToLevel: model.DefconYellow}},
			nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, model.DefconGreen, seen[0].Level)
	assert.Equal(t, model.DefconYellow, st.Level)
	assert.True(t, st.IsActive)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, fixedNow, st.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionState_UniqueViolationIsStale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(stateLockKey).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM system_state WHERE is_active`).WillReturnRows(activeStateRows("GREEN"))
	mock.ExpectExec(`UPDATE system_state SET is_active = false`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO system_state`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := s.TransitionState(context.Background(), func([]model.SystemState) (*model.SystemState, []model.BreakerEvent, error) {
		return &model.SystemState{Level: model.DefconOrange}, nil, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionState_CallbackErrorWritesNothing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	denied := errors.New("denied")

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(stateLockKey).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM system_state WHERE is_active`).WillReturnRows(activeStateRows("RED"))
	mock.ExpectRollback()

	_, err := s.TransitionState(context.Background(), func([]model.SystemState) (*model.SystemState, []model.BreakerEvent, error) {
		return nil, nil, denied
	})
	assert.ErrorIs(t, err, denied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BootstrapState_SkipsWhenHistoryExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(stateLockKey).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT count\(\*\) FROM system_state`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))
	mock.ExpectCommit()

	inserted, err := s.BootstrapState(context.Background(), model.SystemState{Level: model.DefconGreen})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertProviders_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_providers"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_providers"}, providerCatalogColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "providers" .* ON CONFLICT \("provider_id"\) DO UPDATE SET "name" = EXCLUDED\."name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertProviders(context.Background(), []model.Provider{
		{ID: "fred", Name: "FRED", Tier: model.TierRegulatory, Preference: 1, DailyLimit: 1000, IsActive: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListConflicts_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM conflict_records WHERE true AND feature_id = \$1 AND resolution_path = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("US_CPI_YOY", "DOMAIN_FALLBACK", 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"conflict_id", "feature_id", "observed_at", "event_type_code", "domain", "category", "candidates",
			"winner_provider_id", "winner_value", "delta_abs", "delta_pct", "resolution_path", "resolved_by",
			"supersedes", "created_at",
		}).AddRow(
			"c-1", "US_CPI_YOY", nil, "US_CPI", "MACRO", "MACRO_INFLATION",
			[]byte(`[{"provider_id":"fred","value":"3.1","score":0.9,"tier":"DOMAIN"}]`),
			"fred", "3.1", "0.2", nil, "DOMAIN_FALLBACK", "resolver", "", fixedNow,
		))

	recs, err := s.ListConflicts(context.Background(), model.ConflictFilter{
		FeatureID:      "US_CPI_YOY",
		ResolutionPath: model.PathDomainFallback,
		Limit:          10,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "fred", recs[0].WinnerProviderID)
	assert.Equal(t, "3.1", recs[0].WinnerValue.String())
	assert.Nil(t, recs[0].DeltaPct)
	require.Len(t, recs[0].Candidates, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
