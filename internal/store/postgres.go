package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/MetaStark/vision-IoS-sub006/internal/db"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

// stateLockKey is the advisory lock serializing system state transitions.
const stateLockKey int64 = 0x44454643 // "DEFC"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"get_provider":       `SELECT ` + providerColumns + ` FROM providers WHERE provider_id = $1`,
	"active_states":      `SELECT ` + stateColumns + ` FROM system_state WHERE is_active ORDER BY created_at DESC`,
	"insert_usage":       `INSERT INTO provider_usage_log (provider_id, success, response_time_ms, recorded_at) VALUES ($1, $2, $3, $4)`,
	"latest_telemetry":   `SELECT payload FROM telemetry_snapshots ORDER BY collected_at DESC, id DESC LIMIT 1`,
	"get_category_score": `SELECT provider_id, category, score, sample_size, method, evidence_hash, calibrated_at FROM category_reliability WHERE provider_id = $1 AND category = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				if strings.Contains(err.Error(), "does not exist") {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	provider_id                 TEXT PRIMARY KEY,
	name                        TEXT NOT NULL,
	tier                        TEXT NOT NULL,
	canonical_source_preference INTEGER NOT NULL CHECK (canonical_source_preference BETWEEN 1 AND 4),
	daily_limit                 INTEGER NOT NULL DEFAULT 0,
	monthly_limit               INTEGER NOT NULL DEFAULT 0,
	rate_limit_per_minute       INTEGER NOT NULL DEFAULT 0,
	used_today                  INTEGER NOT NULL DEFAULT 0,
	used_this_month             INTEGER NOT NULL DEFAULT 0,
	is_active                   BOOLEAN NOT NULL DEFAULT true,
	consecutive_failures        INTEGER NOT NULL DEFAULT 0,
	cooldown_until              TIMESTAMPTZ,
	last_success_at             TIMESTAMPTZ,
	last_failure_at             TIMESTAMPTZ,
	base_url                    TEXT NOT NULL DEFAULT '',
	requires_auth               BOOLEAN NOT NULL DEFAULT false,
	macro_reliability           DOUBLE PRECISION,
	equity_reliability          DOUBLE PRECISION,
	crypto_reliability          DOUBLE PRECISION,
	cross_asset_reliability     DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS capabilities (
	provider_id   TEXT NOT NULL REFERENCES providers(provider_id),
	feature_id    TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	endpoint      TEXT NOT NULL DEFAULT '',
	response_path TEXT NOT NULL DEFAULT '',
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	is_active     BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (provider_id, feature_id)
);

CREATE INDEX IF NOT EXISTS idx_capabilities_feature ON capabilities(feature_id);

CREATE TABLE IF NOT EXISTS provider_usage_log (
	id               BIGSERIAL PRIMARY KEY,
	provider_id      TEXT NOT NULL,
	success          BOOLEAN NOT NULL,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_recorded_at ON provider_usage_log(recorded_at);

CREATE TABLE IF NOT EXISTS category_reliability (
	provider_id   TEXT NOT NULL,
	category      TEXT NOT NULL,
	score         DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 1),
	sample_size   INTEGER NOT NULL DEFAULT 0,
	method        TEXT NOT NULL DEFAULT '',
	evidence_hash TEXT NOT NULL DEFAULT '',
	calibrated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider_id, category)
);

CREATE TABLE IF NOT EXISTS conflict_records (
	conflict_id        TEXT PRIMARY KEY,
	feature_id         TEXT NOT NULL,
	observed_at        TIMESTAMPTZ,
	event_type_code    TEXT NOT NULL DEFAULT '',
	domain             TEXT NOT NULL,
	category           TEXT NOT NULL,
	candidates         JSONB NOT NULL,
	winner_provider_id TEXT NOT NULL,
	winner_value       TEXT NOT NULL,
	delta_abs          TEXT NOT NULL,
	delta_pct          TEXT,
	resolution_path    TEXT NOT NULL,
	resolved_by        TEXT NOT NULL,
	supersedes         TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conflicts_feature ON conflict_records(feature_id, created_at DESC);

CREATE TABLE IF NOT EXISTS system_state (
	state_id        TEXT PRIMARY KEY,
	current_defcon  TEXT NOT NULL,
	previous_defcon TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	triggered_by    TEXT NOT NULL DEFAULT '',
	actor_role      TEXT NOT NULL DEFAULT '',
	trigger_breaker TEXT NOT NULL DEFAULT '',
	active_breakers JSONB,
	telemetry       JSONB,
	evidence        JSONB,
	is_active       BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	deactivated_at  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_system_state_active ON system_state(is_active) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_system_state_created ON system_state(created_at DESC);

CREATE TABLE IF NOT EXISTS breaker_definitions (
	breaker_name        TEXT PRIMARY KEY,
	description         TEXT NOT NULL DEFAULT '',
	trigger_condition   JSONB NOT NULL,
	defcon_threshold    TEXT NOT NULL,
	actions             JSONB NOT NULL DEFAULT '[]',
	auto_reset          BOOLEAN NOT NULL DEFAULT false,
	reset_after_seconds INTEGER NOT NULL DEFAULT 0,
	is_enabled          BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS breaker_events (
	event_id      TEXT PRIMARY KEY,
	breaker_name  TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	defcon_before TEXT NOT NULL,
	defcon_after  TEXT NOT NULL,
	trigger_data  JSONB,
	actor         TEXT NOT NULL DEFAULT '',
	state_id      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_breaker_events_created ON breaker_events(created_at DESC);

CREATE TABLE IF NOT EXISTS telemetry_snapshots (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT NOT NULL DEFAULT '',
	payload      JSONB NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_telemetry_collected ON telemetry_snapshots(collected_at DESC);
`

const (
	breakerColumns      = `breaker_name, description, trigger_condition, defcon_threshold, actions, auto_reset, reset_after_seconds, is_enabled`
	breakerEventColumns = `event_id, breaker_name, event_type, defcon_before, defcon_after, trigger_data, actor, state_id, created_at`
	conflictColumns     = `conflict_id, feature_id, observed_at, event_type_code, domain, category, candidates, winner_provider_id, winner_value, delta_abs, delta_pct, resolution_path, resolved_by, supersedes, created_at`
	reliabilityColumns  = `provider_id, category, score, sample_size, method, evidence_hash, calibrated_at`
)

// stateInsertColumns omits deactivated_at; new rows are always active.
var stateInsertColumns = strings.Join(stateColumnList[:len(stateColumnList)-1], ", ")

// Catalog columns owned by seeding; usage counters are never overwritten.
var providerCatalogColumns = []string{
	"provider_id", "name", "tier", "canonical_source_preference",
	"daily_limit", "monthly_limit", "rate_limit_per_minute", "is_active",
	"base_url", "requires_auth",
	"macro_reliability", "equity_reliability", "crypto_reliability", "cross_asset_reliability",
}

// pgPlaceholders returns "$1, $2, ..., $n".
func pgPlaceholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

// pgQuerier is satisfied by db.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return utcNow()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Providers ---

func (s *PostgresStore) ListCandidates(ctx context.Context, featureID string) ([]model.Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixColumns("p", providerColumnList)+`, c.feature_id, c.symbol, c.endpoint, c.response_path, c.quality_score, c.is_active
		 FROM capabilities c JOIN providers p ON p.provider_id = c.provider_id
		 WHERE c.feature_id = $1 AND c.is_active AND p.is_active
		 ORDER BY p.canonical_source_preference, p.provider_id`,
		featureID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list candidates for %s", featureID)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) GetProvider(ctx context.Context, providerID string) (*model.Provider, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE provider_id = $1`, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: provider %s", providerID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider %s", providerID)
	}
	return p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY canonical_source_preference, provider_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list providers iterate")
}

func (s *PostgresStore) UpdateProvider(ctx context.Context, providerID string, fn func(p *model.Provider) error) (*model.Provider, error) {
	var updated *model.Provider
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := scanProvider(tx.QueryRow(ctx,
			`SELECT `+providerColumns+` FROM providers WHERE provider_id = $1 FOR UPDATE`, providerID))
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: provider %s", providerID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: lock provider %s", providerID)
		}
		if err := fn(p); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE providers SET used_today = $2, used_this_month = $3, consecutive_failures = $4,
			 cooldown_until = $5, last_success_at = $6, last_failure_at = $7 WHERE provider_id = $1`,
			providerID, p.UsedToday, p.UsedThisMonth, p.ConsecutiveFailures,
			p.CooldownUntil, p.LastSuccessAt, p.LastFailureAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update provider %s", providerID)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.clock()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_usage_log (provider_id, success, response_time_ms, recorded_at) VALUES ($1, $2, $3, $4)`,
		rec.ProviderID, rec.Success, rec.ResponseTimeMs, rec.RecordedAt,
	)
	return eris.Wrapf(err, "postgres: record usage for %s", rec.ProviderID)
}

func (s *PostgresStore) UsageStats(ctx context.Context, since time.Time) (model.UsageStats, error) {
	var st model.UsageStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE NOT success), COALESCE(avg(response_time_ms), 0)::float8
		 FROM provider_usage_log WHERE recorded_at >= $1`,
		since,
	).Scan(&st.Total, &st.Failures, &st.AvgLatencyMs)
	if err != nil {
		return model.UsageStats{}, eris.Wrap(err, "postgres: usage stats")
	}
	return st, nil
}

func (s *PostgresStore) ResetDailyQuotas(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE providers SET used_today = 0 WHERE used_today <> 0`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset daily quotas")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ResetMonthlyQuotas(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE providers SET used_this_month = 0 WHERE used_this_month <> 0`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset monthly quotas")
	}
	return tag.RowsAffected(), nil
}

// --- Reliability ---

func (s *PostgresStore) GetCategoryReliability(ctx context.Context, providerID string, category model.EventTypeCategory) (*model.CategoryReliability, error) {
	r, err := scanCategoryReliability(s.pool.QueryRow(ctx,
		`SELECT `+reliabilityColumns+` FROM category_reliability WHERE provider_id = $1 AND category = $2`,
		providerID, string(category),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get reliability %s/%s", providerID, category)
	}
	return r, nil
}

func (s *PostgresStore) ListCategoryReliability(ctx context.Context, providerID string) ([]model.CategoryReliability, error) {
	query := `SELECT ` + reliabilityColumns + ` FROM category_reliability`
	var args []any
	if providerID != "" {
		query += ` WHERE provider_id = $1`
		args = append(args, providerID)
	}
	query += ` ORDER BY provider_id, category`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reliability")
	}
	defer rows.Close()

	var out []model.CategoryReliability
	for rows.Next() {
		r, err := scanCategoryReliability(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan reliability")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reliability iterate")
}

func (s *PostgresStore) UpsertCategoryReliability(ctx context.Context, r model.CategoryReliability) error {
	if r.CalibratedAt.IsZero() {
		r.CalibratedAt = s.clock()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO category_reliability (`+reliabilityColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider_id, category) DO UPDATE SET
		   score = EXCLUDED.score, sample_size = EXCLUDED.sample_size, method = EXCLUDED.method,
		   evidence_hash = EXCLUDED.evidence_hash, calibrated_at = EXCLUDED.calibrated_at`,
		r.ProviderID, string(r.Category), r.Score, r.SampleSize, r.Method, r.EvidenceHash, r.CalibratedAt,
	)
	return eris.Wrapf(err, "postgres: upsert reliability %s/%s", r.ProviderID, r.Category)
}

// --- Conflicts ---

func (s *PostgresStore) InsertConflict(ctx context.Context, rec *model.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	args, err := conflictArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conflict_records (`+conflictColumns+`) VALUES (`+pgPlaceholders(len(args))+`)`,
		args...,
	)
	return eris.Wrapf(err, "postgres: insert conflict for %s", rec.FeatureID)
}

func (s *PostgresStore) GetConflict(ctx context.Context, conflictID string) (*model.ConflictRecord, error) {
	var cr conflictRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM conflict_records WHERE conflict_id = $1`, conflictID,
	).Scan(cr.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: conflict %s", conflictID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get conflict %s", conflictID)
	}
	return cr.record()
}

func (s *PostgresStore) ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.FeatureID != "" {
		query += fmt.Sprintf(` AND feature_id = $%d`, argIdx)
		args = append(args, filter.FeatureID)
		argIdx++
	}
	if filter.ProviderID != "" {
		query += fmt.Sprintf(` AND winner_provider_id = $%d`, argIdx)
		args = append(args, filter.ProviderID)
		argIdx++
	}
	if filter.ResolutionPath != "" {
		query += fmt.Sprintf(` AND resolution_path = $%d`, argIdx)
		args = append(args, string(filter.ResolutionPath))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.ConflictRecord
	for rows.Next() {
		var cr conflictRow
		if err := rows.Scan(cr.dest()...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		rec, err := cr.record()
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

// --- System state ---

func queryStatesPG(ctx context.Context, q pgQuerier, sql string, args ...any) ([]model.SystemState, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query system state")
	}
	defer rows.Close()

	var out []model.SystemState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan system state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: system state iterate")
}

func (s *PostgresStore) ActiveStates(ctx context.Context) ([]model.SystemState, error) {
	return queryStatesPG(ctx, s.pool,
		`SELECT `+stateColumns+` FROM system_state WHERE is_active ORDER BY created_at DESC`)
}

func (s *PostgresStore) StateHistory(ctx context.Context, limit int) ([]model.SystemState, error) {
	if limit <= 0 {
		limit = 50
	}
	return queryStatesPG(ctx, s.pool,
		`SELECT `+stateColumns+` FROM system_state ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) TransitionState(ctx context.Context, fn TransitionFunc) (*model.SystemState, error) {
	var next *model.SystemState
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, stateLockKey); err != nil {
			return eris.Wrap(err, "postgres: lock system state")
		}
		active, err := queryStatesPG(ctx, tx,
			`SELECT `+stateColumns+` FROM system_state WHERE is_active ORDER BY created_at DESC`)
		if err != nil {
			return err
		}

		st, events, err := fn(active)
		if err != nil {
			return err
		}
		now := s.clock()
		if err := prepareTransition(st, events, uuid.NewString, now); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE system_state SET is_active = false, deactivated_at = $1 WHERE is_active`, now); err != nil {
			return eris.Wrap(err, "postgres: deactivate system state")
		}
		if err := insertStatePG(ctx, tx, st); err != nil {
			return err
		}
		for i := range events {
			args, err := breakerEventArgs(&events[i])
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO breaker_events (`+breakerEventColumns+`) VALUES (`+pgPlaceholders(len(args))+`)`,
				args...); err != nil {
				return eris.Wrapf(err, "postgres: insert breaker event %s", events[i].BreakerName)
			}
		}
		next = st
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err) || db.IsSerializationFailure(err) {
			return nil, eris.Wrap(ErrStaleTransition, err.Error())
		}
		return nil, err
	}
	return next, nil
}

func insertStatePG(ctx context.Context, tx pgx.Tx, st *model.SystemState) error {
	args, err := stateArgs(st)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO system_state (`+stateInsertColumns+`) VALUES (`+pgPlaceholders(len(args))+`)`,
		args...)
	return eris.Wrap(err, "postgres: insert system state")
}

func (s *PostgresStore) BootstrapState(ctx context.Context, initial model.SystemState) (bool, error) {
	inserted := false
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, stateLockKey); err != nil {
			return eris.Wrap(err, "postgres: lock system state")
		}
		var n int64
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM system_state`).Scan(&n); err != nil {
			return eris.Wrap(err, "postgres: count system state")
		}
		if n > 0 {
			return nil
		}
		st := initial
		if err := prepareTransition(&st, nil, uuid.NewString, s.clock()); err != nil {
			return err
		}
		if err := insertStatePG(ctx, tx, &st); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *PostgresStore) ListBreakers(ctx context.Context) ([]model.BreakerDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+breakerColumns+` FROM breaker_definitions ORDER BY breaker_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list breakers")
	}
	defer rows.Close()

	var out []model.BreakerDefinition
	for rows.Next() {
		b, err := scanBreaker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan breaker")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list breakers iterate")
}

func (s *PostgresStore) ListBreakerEvents(ctx context.Context, limit int) ([]model.BreakerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+breakerEventColumns+` FROM breaker_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list breaker events")
	}
	defer rows.Close()

	var out []model.BreakerEvent
	for rows.Next() {
		e, err := scanBreakerEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan breaker event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list breaker events iterate")
}

// --- Telemetry ---

func (s *PostgresStore) SaveTelemetry(ctx context.Context, snap model.TelemetrySnapshot) error {
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = s.clock()
	}
	payload, err := marshalTelemetry(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO telemetry_snapshots (source, payload, collected_at) VALUES ($1, $2, $3)`,
		snap.Source, payload, snap.CollectedAt,
	)
	return eris.Wrap(err, "postgres: save telemetry")
}

func (s *PostgresStore) LatestTelemetry(ctx context.Context) (*model.TelemetrySnapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM telemetry_snapshots ORDER BY collected_at DESC, id DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest telemetry")
	}
	return unmarshalTelemetry(payload)
}

// --- Catalog ---

func (s *PostgresStore) UpsertProviders(ctx context.Context, providers []model.Provider) error {
	rows := make([][]any, 0, len(providers))
	for _, p := range providers {
		rows = append(rows, []any{
			p.ID, p.Name, string(p.Tier), p.Preference,
			p.DailyLimit, p.MonthlyLimit, p.RateLimitPerMinute, p.IsActive,
			p.BaseURL, p.RequiresAuth,
			p.MacroReliability, p.EquityReliability, p.CryptoReliability, p.CrossAssetReliability,
		})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "providers",
		Columns:      providerCatalogColumns,
		ConflictKeys: []string{"provider_id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert providers")
}

func (s *PostgresStore) UpsertCapabilities(ctx context.Context, caps []model.Capability) error {
	rows := make([][]any, 0, len(caps))
	for _, c := range caps {
		rows = append(rows, []any{
			c.ProviderID, c.FeatureID, c.Symbol, c.Endpoint, c.ResponsePath, c.QualityScore, c.IsActive,
		})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "capabilities",
		Columns:      capabilityColumnList,
		ConflictKeys: []string{"provider_id", "feature_id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert capabilities")
}

func (s *PostgresStore) UpsertBreakers(ctx context.Context, breakers []model.BreakerDefinition) error {
	if len(breakers) == 0 {
		return nil
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range breakers {
			args, err := breakerArgs(&breakers[i])
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO breaker_definitions (`+breakerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (breaker_name) DO UPDATE SET
				   description = EXCLUDED.description, trigger_condition = EXCLUDED.trigger_condition,
				   defcon_threshold = EXCLUDED.defcon_threshold, actions = EXCLUDED.actions,
				   auto_reset = EXCLUDED.auto_reset, reset_after_seconds = EXCLUDED.reset_after_seconds,
				   is_enabled = EXCLUDED.is_enabled`,
				args...)
			if err != nil {
				return eris.Wrapf(err, "postgres: upsert breaker %s", breakers[i].Name)
			}
		}
		return nil
	})
}
