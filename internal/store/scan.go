package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

var providerColumnList = []string{
	"provider_id", "name", "tier", "canonical_source_preference",
	"daily_limit", "monthly_limit", "rate_limit_per_minute",
	"used_today", "used_this_month", "is_active",
	"consecutive_failures", "cooldown_until", "last_success_at", "last_failure_at",
	"base_url", "requires_auth",
	"macro_reliability", "equity_reliability", "crypto_reliability", "cross_asset_reliability",
}

var capabilityColumnList = []string{
	"provider_id", "feature_id", "symbol", "endpoint", "response_path", "quality_score", "is_active",
}

var stateColumnList = []string{
	"state_id", "current_defcon", "previous_defcon", "reason", "triggered_by", "actor_role",
	"trigger_breaker", "active_breakers", "telemetry", "evidence", "is_active", "created_at", "deactivated_at",
}

var providerColumns = strings.Join(providerColumnList, ", ")
var stateColumns = strings.Join(stateColumnList, ", ")

// prefixColumns qualifies each column with a table alias.
func prefixColumns(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func providerDest(p *model.Provider, tier *string) []any {
	return []any{
		&p.ID, &p.Name, tier, &p.Preference,
		&p.DailyLimit, &p.MonthlyLimit, &p.RateLimitPerMinute,
		&p.UsedToday, &p.UsedThisMonth, &p.IsActive,
		&p.ConsecutiveFailures, &p.CooldownUntil, &p.LastSuccessAt, &p.LastFailureAt,
		&p.BaseURL, &p.RequiresAuth,
		&p.MacroReliability, &p.EquityReliability, &p.CryptoReliability, &p.CrossAssetReliability,
	}
}

func scanProvider(row rowScanner) (*model.Provider, error) {
	var p model.Provider
	var tier string
	if err := row.Scan(providerDest(&p, &tier)...); err != nil {
		return nil, err
	}
	p.Tier = model.Tier(tier)
	normalizeProviderTimes(&p)
	return &p, nil
}

func scanCandidate(row rowScanner) (*model.Candidate, error) {
	var c model.Candidate
	var tier string
	dest := providerDest(&c.Provider, &tier)
	dest = append(dest,
		&c.Capability.FeatureID, &c.Capability.Symbol, &c.Capability.Endpoint,
		&c.Capability.ResponsePath, &c.Capability.QualityScore, &c.Capability.IsActive,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Provider.Tier = model.Tier(tier)
	c.Capability.ProviderID = c.Provider.ID
	normalizeProviderTimes(&c.Provider)
	return &c, nil
}

func normalizeProviderTimes(p *model.Provider) {
	p.CooldownUntil = utcPtr(p.CooldownUntil)
	p.LastSuccessAt = utcPtr(p.LastSuccessAt)
	p.LastFailureAt = utcPtr(p.LastFailureAt)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanCategoryReliability(row rowScanner) (*model.CategoryReliability, error) {
	var r model.CategoryReliability
	var category string
	if err := row.Scan(&r.ProviderID, &category, &r.Score, &r.SampleSize, &r.Method, &r.EvidenceHash, &r.CalibratedAt); err != nil {
		return nil, err
	}
	r.Category = model.EventTypeCategory(category)
	r.CalibratedAt = r.CalibratedAt.UTC()
	return &r, nil
}

func scanState(row rowScanner) (*model.SystemState, error) {
	var st model.SystemState
	var level, prev string
	var breakersJSON, telemetryJSON, evidenceJSON []byte
	err := row.Scan(
		&st.ID, &level, &prev, &st.Reason, &st.TriggeredBy, &st.ActorRole,
		&st.TriggerBreaker, &breakersJSON, &telemetryJSON, &evidenceJSON,
		&st.IsActive, &st.CreatedAt, &st.DeactivatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Level = model.DefconLevel(level)
	st.PreviousLevel = model.DefconLevel(prev)
	st.CreatedAt = st.CreatedAt.UTC()
	st.DeactivatedAt = utcPtr(st.DeactivatedAt)
	if err := unmarshalOptional(breakersJSON, &st.ActiveBreakers); err != nil {
		return nil, eris.Wrap(err, "store: decode active breakers")
	}
	if len(telemetryJSON) > 0 && string(telemetryJSON) != "null" {
		var snap model.TelemetrySnapshot
		if err := json.Unmarshal(telemetryJSON, &snap); err != nil {
			return nil, eris.Wrap(err, "store: decode state telemetry")
		}
		st.Telemetry = &snap
	}
	if err := unmarshalOptional(evidenceJSON, &st.Evidence); err != nil {
		return nil, eris.Wrap(err, "store: decode state evidence")
	}
	return &st, nil
}

func scanBreaker(row rowScanner) (*model.BreakerDefinition, error) {
	var b model.BreakerDefinition
	var threshold string
	var condJSON, actionsJSON []byte
	if err := row.Scan(&b.Name, &b.Description, &condJSON, &threshold, &actionsJSON, &b.AutoReset, &b.ResetAfterSeconds, &b.Enabled); err != nil {
		return nil, err
	}
	b.Threshold = model.DefconLevel(threshold)
	if err := unmarshalOptional(condJSON, &b.Condition); err != nil {
		return nil, eris.Wrapf(err, "store: decode condition for breaker %s", b.Name)
	}
	if err := unmarshalOptional(actionsJSON, &b.Actions); err != nil {
		return nil, eris.Wrapf(err, "store: decode actions for breaker %s", b.Name)
	}
	return &b, nil
}

func scanBreakerEvent(row rowScanner) (*model.BreakerEvent, error) {
	var e model.BreakerEvent
	var eventType, from, to string
	var dataJSON []byte
	if err := row.Scan(&e.ID, &e.BreakerName, &eventType, &from, &to, &dataJSON, &e.Actor, &e.StateID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.EventType = model.BreakerEventType(eventType)
	e.FromLevel = model.DefconLevel(from)
	e.ToLevel = model.DefconLevel(to)
	e.CreatedAt = e.CreatedAt.UTC()
	if len(dataJSON) > 0 && string(dataJSON) != "null" {
		var snap model.TelemetrySnapshot
		if err := json.Unmarshal(dataJSON, &snap); err != nil {
			return nil, eris.Wrap(err, "store: decode breaker event telemetry")
		}
		e.Telemetry = &snap
	}
	return &e, nil
}

// conflictRow holds the raw column values of a conflict record; decimal
// columns travel as text so both drivers agree on the representation.
type conflictRow struct {
	rec                    model.ConflictRecord
	domain, category, path string
	candidatesJSON         []byte
	winnerValue, deltaAbs  string
	deltaPct               *string
}

func (r *conflictRow) dest() []any {
	return []any{
		&r.rec.ID, &r.rec.FeatureID, &r.rec.ObservedAt, &r.rec.EventTypeCode, &r.domain, &r.category,
		&r.candidatesJSON, &r.rec.WinnerProviderID, &r.winnerValue, &r.deltaAbs, &r.deltaPct,
		&r.path, &r.rec.ResolvedBy, &r.rec.Supersedes, &r.rec.CreatedAt,
	}
}

func (r *conflictRow) record() (*model.ConflictRecord, error) {
	rec := r.rec
	rec.Domain = model.Domain(r.domain)
	rec.Category = model.EventTypeCategory(r.category)
	rec.ResolutionPath = model.ResolutionPath(r.path)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ObservedAt = utcPtr(rec.ObservedAt)

	var err error
	if rec.WinnerValue, err = decimal.NewFromString(r.winnerValue); err != nil {
		return nil, eris.Wrapf(err, "store: decode winner value for conflict %s", rec.ID)
	}
	if rec.DeltaAbs, err = decimal.NewFromString(r.deltaAbs); err != nil {
		return nil, eris.Wrapf(err, "store: decode delta for conflict %s", rec.ID)
	}
	if r.deltaPct != nil {
		pct, err := decimal.NewFromString(*r.deltaPct)
		if err != nil {
			return nil, eris.Wrapf(err, "store: decode delta pct for conflict %s", rec.ID)
		}
		rec.DeltaPct = &pct
	}
	if err := json.Unmarshal(r.candidatesJSON, &rec.Candidates); err != nil {
		return nil, eris.Wrapf(err, "store: decode candidates for conflict %s", rec.ID)
	}
	return &rec, nil
}

func conflictArgs(rec *model.ConflictRecord) ([]any, error) {
	candidatesJSON, err := json.Marshal(rec.Candidates)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal conflict candidates")
	}
	var deltaPct *string
	if rec.DeltaPct != nil {
		s := rec.DeltaPct.String()
		deltaPct = &s
	}
	return []any{
		rec.ID, rec.FeatureID, rec.ObservedAt, rec.EventTypeCode, string(rec.Domain), string(rec.Category),
		candidatesJSON, rec.WinnerProviderID, rec.WinnerValue.String(), rec.DeltaAbs.String(), deltaPct,
		string(rec.ResolutionPath), rec.ResolvedBy, rec.Supersedes, rec.CreatedAt,
	}, nil
}

func stateArgs(st *model.SystemState) ([]any, error) {
	breakersJSON, err := json.Marshal(st.ActiveBreakers)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal active breakers")
	}
	var telemetryJSON, evidenceJSON []byte
	if st.Telemetry != nil {
		if telemetryJSON, err = json.Marshal(st.Telemetry); err != nil {
			return nil, eris.Wrap(err, "store: marshal state telemetry")
		}
	}
	if st.Evidence != nil {
		if evidenceJSON, err = json.Marshal(st.Evidence); err != nil {
			return nil, eris.Wrap(err, "store: marshal state evidence")
		}
	}
	return []any{
		st.ID, string(st.Level), string(st.PreviousLevel), st.Reason, st.TriggeredBy, st.ActorRole,
		st.TriggerBreaker, breakersJSON, telemetryJSON, evidenceJSON, true, st.CreatedAt,
	}, nil
}

func breakerEventArgs(e *model.BreakerEvent) ([]any, error) {
	var dataJSON []byte
	if e.Telemetry != nil {
		var err error
		if dataJSON, err = json.Marshal(e.Telemetry); err != nil {
			return nil, eris.Wrap(err, "store: marshal breaker event telemetry")
		}
	}
	return []any{
		e.ID, e.BreakerName, string(e.EventType), string(e.FromLevel), string(e.ToLevel),
		dataJSON, e.Actor, e.StateID, e.CreatedAt,
	}, nil
}

func breakerArgs(b *model.BreakerDefinition) ([]any, error) {
	condJSON, err := json.Marshal(b.Condition)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal condition for breaker %s", b.Name)
	}
	actions := b.Actions
	if actions == nil {
		actions = []string{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal actions for breaker %s", b.Name)
	}
	return []any{
		b.Name, b.Description, condJSON, string(b.Threshold), actionsJSON, b.AutoReset, b.ResetAfterSeconds, b.Enabled,
	}, nil
}

func unmarshalOptional(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// prepareTransition validates fn's output and stamps ids and timestamps
// shared by both store implementations.
func prepareTransition(next *model.SystemState, events []model.BreakerEvent, newID func() string, now time.Time) error {
	if next == nil {
		return eris.New("store: transition produced no state")
	}
	if next.ID == "" {
		next.ID = newID()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.IsActive = true
	next.DeactivatedAt = nil
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = newID()
		}
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = next.CreatedAt
		}
		events[i].StateID = next.ID
	}
	return nil
}

func marshalTelemetry(snap model.TelemetrySnapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal telemetry")
	}
	return payload, nil
}

func unmarshalTelemetry(payload []byte) (*model.TelemetrySnapshot, error) {
	var snap model.TelemetrySnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, eris.Wrap(err, "store: decode telemetry")
	}
	snap.CollectedAt = snap.CollectedAt.UTC()
	return &snap, nil
}
