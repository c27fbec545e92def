package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// single-node deployments and tests; a single connection serializes writers.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

const sqliteMigration = `
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
	is_active                   BOOLEAN NOT NULL DEFAULT 1,
	consecutive_failures        INTEGER NOT NULL DEFAULT 0,
	cooldown_until              DATETIME,
	last_success_at             DATETIME,
	last_failure_at             DATETIME,
	base_url                    TEXT NOT NULL DEFAULT '',
	requires_auth               BOOLEAN NOT NULL DEFAULT 0,
	macro_reliability           REAL,
	equity_reliability          REAL,
	crypto_reliability          REAL,
	cross_asset_reliability     REAL
);

CREATE TABLE IF NOT EXISTS capabilities (
	provider_id   TEXT NOT NULL REFERENCES providers(provider_id),
	feature_id    TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	endpoint      TEXT NOT NULL DEFAULT '',
	response_path TEXT NOT NULL DEFAULT '',
	quality_score REAL NOT NULL DEFAULT 0.5,
	is_active     BOOLEAN NOT NULL DEFAULT 1,
	PRIMARY KEY (provider_id, feature_id)
);

CREATE INDEX IF NOT EXISTS idx_capabilities_feature ON capabilities(feature_id);

CREATE TABLE IF NOT EXISTS provider_usage_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id      TEXT NOT NULL,
	success          BOOLEAN NOT NULL,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_recorded_at ON provider_usage_log(recorded_at);

CREATE TABLE IF NOT EXISTS category_reliability (
	provider_id   TEXT NOT NULL,
	category      TEXT NOT NULL,
	score         REAL NOT NULL CHECK (score >= 0 AND score <= 1),
	sample_size   INTEGER NOT NULL DEFAULT 0,
	method        TEXT NOT NULL DEFAULT '',
	evidence_hash TEXT NOT NULL DEFAULT '',
	calibrated_at DATETIME NOT NULL,
	PRIMARY KEY (provider_id, category)
);

CREATE TABLE IF NOT EXISTS conflict_records (
	conflict_id        TEXT PRIMARY KEY,
	feature_id         TEXT NOT NULL,
	observed_at        DATETIME,
	event_type_code    TEXT NOT NULL DEFAULT '',
	domain             TEXT NOT NULL,
	category           TEXT NOT NULL,
	candidates         TEXT NOT NULL,
	winner_provider_id TEXT NOT NULL,
	winner_value       TEXT NOT NULL,
	delta_abs          TEXT NOT NULL,
	delta_pct          TEXT,
	resolution_path    TEXT NOT NULL,
	resolved_by        TEXT NOT NULL,
	supersedes         TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflicts_feature ON conflict_records(feature_id, created_at);

CREATE TABLE IF NOT EXISTS system_state (
	state_id        TEXT PRIMARY KEY,
	current_defcon  TEXT NOT NULL,
	previous_defcon TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	triggered_by    TEXT NOT NULL DEFAULT '',
	actor_role      TEXT NOT NULL DEFAULT '',
	trigger_breaker TEXT NOT NULL DEFAULT '',
	active_breakers TEXT,
	telemetry       TEXT,
	evidence        TEXT,
	is_active       BOOLEAN NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	deactivated_at  DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_system_state_active ON system_state(is_active) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_system_state_created ON system_state(created_at);

CREATE TABLE IF NOT EXISTS breaker_definitions (
	breaker_name        TEXT PRIMARY KEY,
	description         TEXT NOT NULL DEFAULT '',
	trigger_condition   TEXT NOT NULL,
	defcon_threshold    TEXT NOT NULL,
	actions             TEXT NOT NULL DEFAULT '[]',
	auto_reset          BOOLEAN NOT NULL DEFAULT 0,
	reset_after_seconds INTEGER NOT NULL DEFAULT 0,
	is_enabled          BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS breaker_events (
	event_id      TEXT PRIMARY KEY,
	breaker_name  TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	defcon_before TEXT NOT NULL,
	defcon_after  TEXT NOT NULL,
	trigger_data  TEXT,
	actor         TEXT NOT NULL DEFAULT '',
	state_id      TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_breaker_events_created ON breaker_events(created_at);

CREATE TABLE IF NOT EXISTS telemetry_snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL,
	collected_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_telemetry_collected ON telemetry_snapshots(collected_at);
`

// sqlitePlaceholders returns "?, ?, ..., ?".
func sqlitePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// textArgs converts []byte JSON arguments to strings so SQLite stores them
// as TEXT rather than BLOB.
func textArgs(args []any) []any {
	for i, a := range args {
		if b, ok := a.([]byte); ok {
			if b == nil {
				args[i] = nil
			} else {
				args[i] = string(b)
			}
		}
	}
	return args
}

func (s *SQLiteStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return utcNow()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Providers ---

func (s *SQLiteStore) ListCandidates(ctx context.Context, featureID string) ([]model.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixColumns("p", providerColumnList)+`, c.feature_id, c.symbol, c.endpoint, c.response_path, c.quality_score, c.is_active
		 FROM capabilities c JOIN providers p ON p.provider_id = c.provider_id
		 WHERE c.feature_id = ? AND c.is_active = 1 AND p.is_active = 1
		 ORDER BY p.canonical_source_preference, p.provider_id`,
		featureID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list candidates for %s", featureID)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) GetProvider(ctx context.Context, providerID string) (*model.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE provider_id = ?`, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: provider %s", providerID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %s", providerID)
	}
	return p, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY canonical_source_preference, provider_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list providers iterate")
}

func (s *SQLiteStore) UpdateProvider(ctx context.Context, providerID string, fn func(p *model.Provider) error) (*model.Provider, error) {
	var updated *model.Provider
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProvider(tx.QueryRowContext(ctx,
			`SELECT `+providerColumns+` FROM providers WHERE provider_id = ?`, providerID))
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: provider %s", providerID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: read provider %s", providerID)
		}
		if err := fn(p); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE providers SET used_today = ?, used_this_month = ?, consecutive_failures = ?,
			 cooldown_until = ?, last_success_at = ?, last_failure_at = ? WHERE provider_id = ?`,
			p.UsedToday, p.UsedThisMonth, p.ConsecutiveFailures,
			p.CooldownUntil, p.LastSuccessAt, p.LastFailureAt, providerID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update provider %s", providerID)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_usage_log (provider_id, success, response_time_ms, recorded_at) VALUES (?, ?, ?, ?)`,
		rec.ProviderID, rec.Success, rec.ResponseTimeMs, rec.RecordedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record usage for %s", rec.ProviderID)
}

func (s *SQLiteStore) UsageStats(ctx context.Context, since time.Time) (model.UsageStats, error) {
	var st model.UsageStats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(sum(CASE WHEN success THEN 0 ELSE 1 END), 0), COALESCE(avg(response_time_ms), 0.0)
		 FROM provider_usage_log WHERE recorded_at >= ?`,
		since.UTC(),
	).Scan(&st.Total, &st.Failures, &st.AvgLatencyMs)
	if err != nil {
		return model.UsageStats{}, eris.Wrap(err, "sqlite: usage stats")
	}
	return st, nil
}

func (s *SQLiteStore) ResetDailyQuotas(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET used_today = 0 WHERE used_today <> 0`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset daily quotas")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ResetMonthlyQuotas(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET used_this_month = 0 WHERE used_this_month <> 0`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset monthly quotas")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- Reliability ---

func (s *SQLiteStore) GetCategoryReliability(ctx context.Context, providerID string, category model.EventTypeCategory) (*model.CategoryReliability, error) {
	r, err := scanCategoryReliability(s.db.QueryRowContext(ctx,
		`SELECT `+reliabilityColumns+` FROM category_reliability WHERE provider_id = ? AND category = ?`,
		providerID, string(category),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get reliability %s/%s", providerID, category)
	}
	return r, nil
}

func (s *SQLiteStore) ListCategoryReliability(ctx context.Context, providerID string) ([]model.CategoryReliability, error) {
	query := `SELECT ` + reliabilityColumns + ` FROM category_reliability`
	var args []any
	if providerID != "" {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY provider_id, category`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reliability")
	}
	defer rows.Close()

	var out []model.CategoryReliability
	for rows.Next() {
		r, err := scanCategoryReliability(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reliability")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reliability iterate")
}

func (s *SQLiteStore) UpsertCategoryReliability(ctx context.Context, r model.CategoryReliability) error {
	if r.CalibratedAt.IsZero() {
		r.CalibratedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO category_reliability (`+reliabilityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_id, category) DO UPDATE SET
		   score = excluded.score, sample_size = excluded.sample_size, method = excluded.method,
		   evidence_hash = excluded.evidence_hash, calibrated_at = excluded.calibrated_at`,
		r.ProviderID, string(r.Category), r.Score, r.SampleSize, r.Method, r.EvidenceHash, r.CalibratedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert reliability %s/%s", r.ProviderID, r.Category)
}

// --- Conflicts ---

func (s *SQLiteStore) InsertConflict(ctx context.Context, rec *model.ConflictRecord) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflict_records (`+conflictColumns+`) VALUES (`+sqlitePlaceholders(len(args))+`)`,
		textArgs(args)...,
	)
	return eris.Wrapf(err, "sqlite: insert conflict for %s", rec.FeatureID)
}

func (s *SQLiteStore) GetConflict(ctx context.Context, conflictID string) (*model.ConflictRecord, error) {
	var cr conflictRow
	err := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict_records WHERE conflict_id = ?`, conflictID,
	).Scan(cr.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: conflict %s", conflictID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get conflict %s", conflictID)
	}
	return cr.record()
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE 1=1`
	var args []any

	if filter.FeatureID != "" {
		query += ` AND feature_id = ?`
		args = append(args, filter.FeatureID)
	}
	if filter.ProviderID != "" {
		query += ` AND winner_provider_id = ?`
		args = append(args, filter.ProviderID)
	}
	if filter.ResolutionPath != "" {
		query += ` AND resolution_path = ?`
		args = append(args, string(filter.ResolutionPath))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var out []model.ConflictRecord
	for rows.Next() {
		var cr conflictRow
		if err := rows.Scan(cr.dest()...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		rec, err := cr.record()
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list conflicts iterate")
}

// --- System state ---

func queryStatesSQLite(ctx context.Context, q sqlQuerier, query string, args ...any) ([]model.SystemState, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query system state")
	}
	defer rows.Close()

	var out []model.SystemState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan system state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: system state iterate")
}

func (s *SQLiteStore) ActiveStates(ctx context.Context) ([]model.SystemState, error) {
	return queryStatesSQLite(ctx, s.db,
		`SELECT `+stateColumns+` FROM system_state WHERE is_active = 1 ORDER BY created_at DESC, rowid DESC`)
}

func (s *SQLiteStore) StateHistory(ctx context.Context, limit int) ([]model.SystemState, error) {
	if limit <= 0 {
		limit = 50
	}
	return queryStatesSQLite(ctx, s.db,
		`SELECT `+stateColumns+` FROM system_state ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) TransitionState(ctx context.Context, fn TransitionFunc) (*model.SystemState, error) {
	var next *model.SystemState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		active, err := queryStatesSQLite(ctx, tx,
			`SELECT `+stateColumns+` FROM system_state WHERE is_active = 1 ORDER BY created_at DESC, rowid DESC`)
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

		if _, err := tx.ExecContext(ctx,
			`UPDATE system_state SET is_active = 0, deactivated_at = ? WHERE is_active = 1`, now); err != nil {
			return eris.Wrap(err, "sqlite: deactivate system state")
		}
		if err := insertStateSQLite(ctx, tx, st); err != nil {
			return err
		}
		for i := range events {
			args, err := breakerEventArgs(&events[i])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO breaker_events (`+breakerEventColumns+`) VALUES (`+sqlitePlaceholders(len(args))+`)`,
				textArgs(args)...); err != nil {
				return eris.Wrapf(err, "sqlite: insert breaker event %s", events[i].BreakerName)
			}
		}
		next = st
		return nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, eris.Wrap(ErrStaleTransition, err.Error())
		}
		return nil, err
	}
	return next, nil
}

func insertStateSQLite(ctx context.Context, tx *sql.Tx, st *model.SystemState) error {
	args, err := stateArgs(st)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO system_state (`+stateInsertColumns+`) VALUES (`+sqlitePlaceholders(len(args))+`)`,
		textArgs(args)...)
	return eris.Wrap(err, "sqlite: insert system state")
}

func (s *SQLiteStore) BootstrapState(ctx context.Context, initial model.SystemState) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int64
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM system_state`).Scan(&n); err != nil {
			return eris.Wrap(err, "sqlite: count system state")
		}
		if n > 0 {
			return nil
		}
		st := initial
		if err := prepareTransition(&st, nil, uuid.NewString, s.clock()); err != nil {
			return err
		}
		if err := insertStateSQLite(ctx, tx, &st); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *SQLiteStore) ListBreakers(ctx context.Context) ([]model.BreakerDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+breakerColumns+` FROM breaker_definitions ORDER BY breaker_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list breakers")
	}
	defer rows.Close()

	var out []model.BreakerDefinition
	for rows.Next() {
		b, err := scanBreaker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan breaker")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list breakers iterate")
}

func (s *SQLiteStore) ListBreakerEvents(ctx context.Context, limit int) ([]model.BreakerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+breakerEventColumns+` FROM breaker_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list breaker events")
	}
	defer rows.Close()

	var out []model.BreakerEvent
	for rows.Next() {
		e, err := scanBreakerEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan breaker event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list breaker events iterate")
}

// --- Telemetry ---

func (s *SQLiteStore) SaveTelemetry(ctx context.Context, snap model.TelemetrySnapshot) error {
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = s.clock()
	}
	payload, err := marshalTelemetry(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telemetry_snapshots (source, payload, collected_at) VALUES (?, ?, ?)`,
		snap.Source, string(payload), snap.CollectedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save telemetry")
}

func (s *SQLiteStore) LatestTelemetry(ctx context.Context) (*model.TelemetrySnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM telemetry_snapshots ORDER BY collected_at DESC, id DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest telemetry")
	}
	return unmarshalTelemetry([]byte(payload))
}

// --- Catalog ---

func (s *SQLiteStore) UpsertProviders(ctx context.Context, providers []model.Provider) error {
	if len(providers) == 0 {
		return nil
	}
	update := make([]string, 0, len(providerCatalogColumns)-1)
	for _, c := range providerCatalogColumns[1:] {
		update = append(update, c+" = excluded."+c)
	}
	query := `INSERT INTO providers (` + strings.Join(providerCatalogColumns, ", ") + `) VALUES (` +
		sqlitePlaceholders(len(providerCatalogColumns)) + `) ON CONFLICT (provider_id) DO UPDATE SET ` +
		strings.Join(update, ", ")

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range providers {
			_, err := tx.ExecContext(ctx, query,
				p.ID, p.Name, string(p.Tier), p.Preference,
				p.DailyLimit, p.MonthlyLimit, p.RateLimitPerMinute, p.IsActive,
				p.BaseURL, p.RequiresAuth,
				p.MacroReliability, p.EquityReliability, p.CryptoReliability, p.CrossAssetReliability,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert provider %s", p.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertCapabilities(ctx context.Context, caps []model.Capability) error {
	if len(caps) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range caps {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO capabilities (provider_id, feature_id, symbol, endpoint, response_path, quality_score, is_active)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (provider_id, feature_id) DO UPDATE SET
				   symbol = excluded.symbol, endpoint = excluded.endpoint, response_path = excluded.response_path,
				   quality_score = excluded.quality_score, is_active = excluded.is_active`,
				c.ProviderID, c.FeatureID, c.Symbol, c.Endpoint, c.ResponsePath, c.QualityScore, c.IsActive,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert capability %s/%s", c.ProviderID, c.FeatureID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertBreakers(ctx context.Context, breakers []model.BreakerDefinition) error {
	if len(breakers) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range breakers {
			args, err := breakerArgs(&breakers[i])
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO breaker_definitions (`+breakerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (breaker_name) DO UPDATE SET
				   description = excluded.description, trigger_condition = excluded.trigger_condition,
				   defcon_threshold = excluded.defcon_threshold, actions = excluded.actions,
				   auto_reset = excluded.auto_reset, reset_after_seconds = excluded.reset_after_seconds,
				   is_enabled = excluded.is_enabled`,
				textArgs(args)...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert breaker %s", breakers[i].Name)
			}
		}
		return nil
	})
}
