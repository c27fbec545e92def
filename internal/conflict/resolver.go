// Package conflict picks a winner when providers disagree on a value and
// keeps an append-only audit record of every such decision.
package conflict

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/metrics"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

var (
	// ErrNoCandidates is returned when Resolve is called with no values.
	ErrNoCandidates = eris.New("conflict: no candidates")

	// ErrDuplicateCandidate is returned when a provider appears twice.
	ErrDuplicateCandidate = eris.New("conflict: duplicate candidate provider")

	// ErrResolutionSuspended is returned while the DEFCON profile forbids
	// ingestion.
	ErrResolutionSuspended = eris.New("conflict: resolution suspended by defcon level")

	// ErrUnknownCandidate is returned when an override names a provider that
	// was not a candidate of the original conflict.
	ErrUnknownCandidate = eris.New("conflict: provider was not a candidate")
)

// DefaultResolver is recorded as resolved_by for automatic resolutions.
const DefaultResolver = "conflict-resolver"

// ReliabilitySource supplies effective reliability scores.
type ReliabilitySource interface {
	EffectiveReliability(ctx context.Context, providerID string, category model.EventTypeCategory, domain model.Domain) (model.EffectiveReliability, error)
}

// Store persists conflict records.
type Store interface {
	InsertConflict(ctx context.Context, rec *model.ConflictRecord) error
	GetConflict(ctx context.Context, conflictID string) (*model.ConflictRecord, error)
	ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.ConflictRecord, error)
}

// LevelSource reports the current DEFCON level.
type LevelSource interface {
	CurrentLevel(ctx context.Context) (model.DefconLevel, error)
}

// Request is one disagreement to resolve.
type Request struct {
	FeatureID     string                `json:"feature_id,omitempty"`
	ObservedAt    *time.Time            `json:"observed_at,omitempty"`
	EventTypeCode string                `json:"event_type_code"`
	Domain        model.Domain          `json:"domain"`
	Candidates    []model.ProviderValue `json:"candidates"`
	ResolvedBy    string                `json:"resolved_by,omitempty"`
}

// Resolution is the outcome of Resolve. ConflictID is empty when there was
// only one candidate and nothing was recorded.
type Resolution struct {
	Winner         model.ConflictCandidate   `json:"winner"`
	ResolutionPath model.ResolutionPath      `json:"resolution_path"`
	ConflictID     string                    `json:"conflict_id,omitempty"`
	Category       model.EventTypeCategory   `json:"event_type_category"`
	Candidates     []model.ConflictCandidate `json:"candidates"`
	Record         *model.ConflictRecord     `json:"record,omitempty"`
}

// OverrideRequest replaces the winner of a recorded conflict.
type OverrideRequest struct {
	ConflictID string `json:"conflict_id"`
	ProviderID string `json:"provider_id"`
	Actor      string `json:"actor"`
}

// Resolver resolves conflicts.
type Resolver struct {
	reliability ReliabilitySource
	store       Store
	levels      LevelSource
	log         *zap.Logger
	now         func() time.Time
	newID       func() string
}

// New creates a Resolver. levels may be nil to disable the DEFCON gate.
func New(rel ReliabilitySource, st Store, levels LevelSource) *Resolver {
	return &Resolver{
		reliability: rel,
		store:       st,
		levels:      levels,
		log:         zap.L().With(zap.String("component", "conflict")),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Resolve ranks the candidates by effective reliability, breaking ties by
// the smallest provider id, and records the decision when more than one
// candidate took part.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	if len(req.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	seen := make(map[string]bool, len(req.Candidates))
	for _, c := range req.Candidates {
		if c.ProviderID == "" {
			return nil, eris.New("conflict: candidate without provider id")
		}
		if seen[c.ProviderID] {
			return nil, eris.Wrapf(ErrDuplicateCandidate, "provider %s", c.ProviderID)
		}
		seen[c.ProviderID] = true
	}
	if err := r.gate(ctx); err != nil {
		return nil, err
	}

	domain := model.ParseDomain(string(req.Domain))
	category := Classify(req.EventTypeCode, domain)

	ranked := make([]model.ConflictCandidate, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		eff, err := r.reliability.EffectiveReliability(ctx, c.ProviderID, category, domain)
		if err != nil {
			return nil, eris.Wrapf(err, "conflict: reliability for %s", c.ProviderID)
		}
		ranked = append(ranked, model.ConflictCandidate{
			ProviderID: c.ProviderID,
			Value:      c.Value,
			Score:      eff.Score,
			Tier:       eff.Tier,
		})
	}
	rank(ranked)

	winner := ranked[0]
	res := &Resolution{
		Winner:         winner,
		ResolutionPath: winner.Tier.Path(),
		Category:       category,
		Candidates:     ranked,
	}
	if len(ranked) < 2 {
		return res, nil
	}

	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = DefaultResolver
	}
	deltaAbs, deltaPct := magnitude(ranked, winner.Value)
	rec := &model.ConflictRecord{
		ID:               r.newID(),
		FeatureID:        req.FeatureID,
		ObservedAt:       req.ObservedAt,
		EventTypeCode:    req.EventTypeCode,
		Domain:           domain,
		Category:         category,
		Candidates:       ranked,
		WinnerProviderID: winner.ProviderID,
		WinnerValue:      winner.Value,
		DeltaAbs:         deltaAbs,
		DeltaPct:         deltaPct,
		ResolutionPath:   res.ResolutionPath,
		ResolvedBy:       resolvedBy,
		CreatedAt:        r.now(),
	}
	if err := r.store.InsertConflict(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "conflict: record resolution")
	}
	metrics.RecordConflict(rec.ResolutionPath)
	r.log.Info("conflict resolved",
		zap.String("conflict_id", rec.ID),
		zap.String("event_type_code", req.EventTypeCode),
		zap.String("category", string(category)),
		zap.String("winner", winner.ProviderID),
		zap.String("path", string(rec.ResolutionPath)),
		zap.String("delta_abs", deltaAbs.String()),
	)

	res.ConflictID, res.Record = rec.ID, rec
	return res, nil
}

// Override appends a MANUAL_OVERRIDE record that supersedes a recorded
// conflict, choosing one of its original candidates. The original record
// is left untouched.
func (r *Resolver) Override(ctx context.Context, req OverrideRequest) (*model.ConflictRecord, error) {
	if req.Actor == "" {
		return nil, eris.New("conflict: override requires an actor")
	}
	if err := r.gate(ctx); err != nil {
		return nil, err
	}
	orig, err := r.store.GetConflict(ctx, req.ConflictID)
	if err != nil {
		return nil, eris.Wrapf(err, "conflict: load %s", req.ConflictID)
	}
	idx := slices.IndexFunc(orig.Candidates, func(c model.ConflictCandidate) bool { return c.ProviderID == req.ProviderID })
	if idx < 0 {
		return nil, eris.Wrapf(ErrUnknownCandidate, "provider %s in conflict %s", req.ProviderID, req.ConflictID)
	}
	chosen := orig.Candidates[idx]
	deltaAbs, deltaPct := magnitude(orig.Candidates, chosen.Value)

	rec := &model.ConflictRecord{
		ID:               r.newID(),
		FeatureID:        orig.FeatureID,
		ObservedAt:       orig.ObservedAt,
		EventTypeCode:    orig.EventTypeCode,
		Domain:           orig.Domain,
		Category:         orig.Category,
		Candidates:       orig.Candidates,
		WinnerProviderID: chosen.ProviderID,
		WinnerValue:      chosen.Value,
		DeltaAbs:         deltaAbs,
		DeltaPct:         deltaPct,
		ResolutionPath:   model.PathManualOverride,
		ResolvedBy:       req.Actor,
		Supersedes:       orig.ID,
		CreatedAt:        r.now(),
	}
	if err := r.store.InsertConflict(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "conflict: record override")
	}
	metrics.RecordConflict(model.PathManualOverride)
	r.log.Info("conflict overridden",
		zap.String("conflict_id", rec.ID),
		zap.String("supersedes", orig.ID),
		zap.String("winner", chosen.ProviderID),
		zap.String("actor", req.Actor),
	)
	return rec, nil
}

// Get returns a recorded conflict.
func (r *Resolver) Get(ctx context.Context, conflictID string) (*model.ConflictRecord, error) {
	rec, err := r.store.GetConflict(ctx, conflictID)
	return rec, eris.Wrapf(err, "conflict: get %s", conflictID)
}

// List returns recorded conflicts, newest first.
func (r *Resolver) List(ctx context.Context, filter model.ConflictFilter) ([]model.ConflictRecord, error) {
	recs, err := r.store.ListConflicts(ctx, filter)
	return recs, eris.Wrap(err, "conflict: list")
}

func (r *Resolver) gate(ctx context.Context) error {
	if r.levels == nil {
		return nil
	}
	level, err := r.levels.CurrentLevel(ctx)
	if err != nil {
		r.log.Error("defcon level unavailable, failing closed", zap.Error(err))
	}
	if !defcon.Profile(level).AllowIngestion {
		return eris.Wrapf(ErrResolutionSuspended, "level %s", level)
	}
	return nil
}

// rank orders candidates by score descending, then provider id ascending.
func rank(cands []model.ConflictCandidate) {
	slices.SortFunc(cands, func(a, b model.ConflictCandidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.ProviderID, b.ProviderID)
	})
}

var hundred = decimal.NewFromInt(100)

// magnitude returns the spread of the candidate values and that spread as a
// percentage of the winning value. The percentage is nil for a zero winner.
func magnitude(cands []model.ConflictCandidate, winner decimal.Decimal) (decimal.Decimal, *decimal.Decimal) {
	lo, hi := cands[0].Value, cands[0].Value
	for _, c := range cands[1:] {
		lo = decimal.Min(lo, c.Value)
		hi = decimal.Max(hi, c.Value)
	}
	delta := hi.Sub(lo)
	if winner.IsZero() {
		return delta, nil
	}
	pct := delta.Div(winner.Abs()).Mul(hundred).Round(4)
	return delta, &pct
}
