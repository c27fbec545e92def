// Package defcon holds the global operational severity level. The level is
// persisted as an append-only history of system states with exactly one
// active row; circuit breakers escalate it from telemetry and authorized
// actors or auto-reset breakers bring it back down.
package defcon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/metrics"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/resilience"
	"github.com/MetaStark/vision-IoS-sub006/internal/store"
)

var (
	// ErrInconsistentSystemState means zero or several active state rows
	// were found. Readers treat it as BLACK.
	ErrInconsistentSystemState = eris.New("defcon: inconsistent system state")

	// ErrStaleTransition is surfaced when a transition kept losing races
	// after all retries.
	ErrStaleTransition = store.ErrStaleTransition

	// ErrUnauthorizedDowngrade is returned when the actor's role may not
	// lower the level being left.
	ErrUnauthorizedDowngrade = eris.New("defcon: actor not authorized to downgrade")

	// ErrNoLevelChange is returned when the requested level is already
	// active, or a breaker escalation would not raise the level.
	ErrNoLevelChange = eris.New("defcon: level unchanged")

	errSuperseded = eris.New("defcon: state changed since evaluation")
)

// Transition causes reported to metrics.
const (
	CauseBreaker   = "breaker"
	CauseManual    = "manual"
	CauseAutoReset = "auto_reset"
)

// Store is the persistence the machine needs.
type Store interface {
	ActiveStates(ctx context.Context) ([]model.SystemState, error)
	StateHistory(ctx context.Context, limit int) ([]model.SystemState, error)
	TransitionState(ctx context.Context, fn store.TransitionFunc) (*model.SystemState, error)
	BootstrapState(ctx context.Context, initial model.SystemState) (bool, error)
	ListBreakers(ctx context.Context) ([]model.BreakerDefinition, error)
	ListBreakerEvents(ctx context.Context, limit int) ([]model.BreakerEvent, error)
	SaveTelemetry(ctx context.Context, snap model.TelemetrySnapshot) error
	LatestTelemetry(ctx context.Context) (*model.TelemetrySnapshot, error)
}

// Cache holds the last consistent level read from the store. Invalidate
// bumps a version; SetIfVersion only writes while the version is unchanged,
// so a read that raced a transition never caches the old level.
type Cache interface {
	Get(ctx context.Context) (model.DefconLevel, bool, error)
	Version(ctx context.Context) (int64, error)
	SetIfVersion(ctx context.Context, level model.DefconLevel, version int64) (bool, error)
	Invalidate(ctx context.Context) error
}

// Notifier is told about every committed transition and every inconsistent
// read. Failures are logged and never block the machine.
type Notifier interface {
	NotifyTransition(ctx context.Context, st model.SystemState) error
	NotifyInconsistent(ctx context.Context, activeRows int) error
}

// TransitionRequest asks for a new level.
type TransitionRequest struct {
	Level       model.DefconLevel
	Reason      string
	TriggeredBy string
	// ActorRole is checked against the authority table on downgrades.
	ActorRole string
	// Breakers caused the transition; one event is logged per breaker.
	Breakers []string
	// EventType of the logged events. Default: TRIGGER.
	EventType model.BreakerEventType
	// TriggerBreaker is recorded on the new state. Defaults to the first of
	// Breakers on a TRIGGER.
	TriggerBreaker string
	// ActiveBreakers lists breakers that stay active. On escalation the
	// previous state's active breakers and Breakers are added to it.
	ActiveBreakers []string
	Telemetry      *model.TelemetrySnapshot
	Evidence       map[string]any

	autoReset     bool
	onlyEscalate  bool
	expectStateID string
}

// Evaluation is the result of one breaker evaluation.
type Evaluation struct {
	Triggered []string           `json:"triggered"`
	Previous  model.DefconLevel  `json:"previous"`
	Level     model.DefconLevel  `json:"level"`
	Changed   bool               `json:"changed"`
	State     *model.SystemState `json:"state,omitempty"`
}

// Status is the current level with its profile.
type Status struct {
	Level       model.DefconLevel  `json:"level"`
	Permissions Permissions        `json:"permissions"`
	State       *model.SystemState `json:"state,omitempty"`
	Consistent  bool               `json:"consistent"`
	ActiveRows  int                `json:"active_rows"`
}

// Machine is the DEFCON state machine.
type Machine struct {
	store     Store
	authority Authority
	retry     resilience.RetryConfig
	cache     Cache
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithAuthority replaces the default downgrade authority table.
func WithAuthority(a Authority) Option {
	return func(m *Machine) {
		if len(a) > 0 {
			m.authority = a
		}
	}
}

// WithRetry sets how stale transitions are retried.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(m *Machine) { m.retry = cfg }
}

// WithCache puts a level cache in front of the store.
func WithCache(c Cache) Option {
	return func(m *Machine) { m.cache = c }
}

// WithNotifier sends transitions and inconsistencies to n.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// New creates a Machine.
func New(st Store, opts ...Option) *Machine {
	m := &Machine{
		store:     st,
		authority: DefaultAuthority(),
		retry:     resilience.DefaultRetryConfig(),
		log:       zap.L().With(zap.String("component", "defcon")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Bootstrap writes the initial GREEN state when the history is empty.
func (m *Machine) Bootstrap(ctx context.Context, actor string) (bool, error) {
	if actor == "" {
		actor = "bootstrap"
	}
	inserted, err := m.store.BootstrapState(ctx, model.SystemState{
		Level:       model.DefconGreen,
		Reason:      "initial state",
		TriggeredBy: actor,
		CreatedAt:   m.now(),
	})
	if err != nil {
		return false, eris.Wrap(err, "defcon: bootstrap")
	}
	if inserted {
		m.log.Info("bootstrapped system state", zap.String("level", string(model.DefconGreen)))
		metrics.SetLevel(model.DefconGreen)
	}
	return inserted, nil
}

// CurrentLevel returns the active level. Zero or several active rows, or a
// store error, read as BLACK.
func (m *Machine) CurrentLevel(ctx context.Context) (model.DefconLevel, error) {
	version := int64(-1)
	if m.cache != nil {
		if lvl, ok, err := m.cache.Get(ctx); err == nil && ok {
			return lvl, nil
		} else if err != nil {
			m.log.Debug("level cache unavailable", zap.Error(err))
		} else if v, err := m.cache.Version(ctx); err == nil {
			version = v
		} else {
			m.log.Debug("level cache version unavailable", zap.Error(err))
		}
	}

	active, err := m.store.ActiveStates(ctx)
	if err != nil {
		return model.DefconBlack, eris.Wrap(err, "defcon: read active state")
	}
	if len(active) != 1 {
		m.inconsistent(ctx, len(active))
		return model.DefconBlack, nil
	}

	lvl := active[0].Level
	if m.cache != nil && version >= 0 {
		if stored, err := m.cache.SetIfVersion(ctx, lvl, version); err != nil {
			m.log.Debug("level cache write failed", zap.Error(err))
		} else if !stored {
			m.log.Debug("level changed during read, not cached")
		}
	}
	metrics.SetLevel(lvl)
	return lvl, nil
}

// Current returns the active state row, or ErrInconsistentSystemState.
func (m *Machine) Current(ctx context.Context) (*model.SystemState, error) {
	active, err := m.store.ActiveStates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "defcon: read active state")
	}
	if len(active) != 1 {
		m.inconsistent(ctx, len(active))
		return nil, eris.Wrapf(ErrInconsistentSystemState, "%d active rows", len(active))
	}
	return &active[0], nil
}

// Status reports the active state and its permissions, failing closed.
func (m *Machine) Status(ctx context.Context) (Status, error) {
	active, err := m.store.ActiveStates(ctx)
	if err != nil {
		return Status{Level: model.DefconBlack, Permissions: Profile(model.DefconBlack)},
			eris.Wrap(err, "defcon: read active state")
	}
	if len(active) != 1 {
		m.inconsistent(ctx, len(active))
		return Status{
			Level:       model.DefconBlack,
			Permissions: Profile(model.DefconBlack),
			ActiveRows:  len(active),
		}, nil
	}
	return Status{
		Level:       active[0].Level,
		Permissions: Profile(active[0].Level),
		State:       &active[0],
		Consistent:  true,
		ActiveRows:  1,
	}, nil
}

// History returns the most recent states, newest first.
func (m *Machine) History(ctx context.Context, limit int) ([]model.SystemState, error) {
	states, err := m.store.StateHistory(ctx, limit)
	return states, eris.Wrap(err, "defcon: history")
}

// Events returns the most recent breaker events, newest first.
func (m *Machine) Events(ctx context.Context, limit int) ([]model.BreakerEvent, error) {
	events, err := m.store.ListBreakerEvents(ctx, limit)
	return events, eris.Wrap(err, "defcon: breaker events")
}

// Transition moves the system to req.Level. The active row is replaced
// atomically; lost races are retried.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*model.SystemState, error) {
	if !req.Level.Valid() {
		return nil, eris.Errorf("defcon: unknown level %q", req.Level)
	}
	if req.TriggeredBy == "" {
		return nil, eris.New("defcon: transition requires triggered_by")
	}
	if req.EventType == "" {
		req.EventType = model.BreakerEventTrigger
	}

	cfg := m.retry
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, ErrStaleTransition) }
	cfg.OnRetry = resilience.LogRetry("defcon", "transition")

	st, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.SystemState, error) {
		return m.store.TransitionState(ctx, func(active []model.SystemState) (*model.SystemState, []model.BreakerEvent, error) {
			return m.plan(active, req)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "defcon: transition to %s", req.Level)
	}

	m.committed(ctx, st, req)
	return st, nil
}

func (m *Machine) plan(active []model.SystemState, req TransitionRequest) (*model.SystemState, []model.BreakerEvent, error) {
	current := model.DefconBlack
	var cur *model.SystemState
	if len(active) == 1 {
		cur = &active[0]
		current = cur.Level
	}

	if req.expectStateID != "" && (cur == nil || cur.ID != req.expectStateID) {
		return nil, nil, errSuperseded
	}
	if req.Level == current {
		return nil, nil, eris.Wrapf(ErrNoLevelChange, "already %s", current)
	}

	downgrade := current.MoreSevereThan(req.Level)
	if downgrade && req.onlyEscalate {
		return nil, nil, eris.Wrapf(ErrNoLevelChange, "%s does not exceed %s", req.Level, current)
	}
	if downgrade && !req.autoReset && !m.authority.Allows(current, req.ActorRole) {
		return nil, nil, eris.Wrapf(ErrUnauthorizedDowngrade, "role %q from %s", req.ActorRole, current)
	}

	var activeBreakers []string
	if downgrade {
		activeBreakers = req.ActiveBreakers
	} else {
		if cur != nil {
			activeBreakers = append(activeBreakers, cur.ActiveBreakers...)
		}
		activeBreakers = union(activeBreakers, req.Breakers, req.ActiveBreakers)
	}

	trigger := req.TriggerBreaker
	if trigger == "" && req.EventType == model.BreakerEventTrigger && len(req.Breakers) > 0 {
		trigger = req.Breakers[0]
	}

	now := m.now()
	next := &model.SystemState{
		Level:          req.Level,
		PreviousLevel:  current,
		Reason:         req.Reason,
		TriggeredBy:    req.TriggeredBy,
		ActorRole:      req.ActorRole,
		TriggerBreaker: trigger,
		ActiveBreakers: activeBreakers,
		Telemetry:      req.Telemetry,
		Evidence:       req.Evidence,
		CreatedAt:      now,
	}

	var events []model.BreakerEvent
	for _, name := range req.Breakers {
		events = append(events, model.BreakerEvent{
			BreakerName: name,
			EventType:   req.EventType,
			FromLevel:   current,
			ToLevel:     req.Level,
			Telemetry:   req.Telemetry,
			Actor:       req.TriggeredBy,
			CreatedAt:   now,
		})
	}
	// A manual downgrade overrides whatever breakers were holding the level.
	if downgrade && !req.autoReset && cur != nil {
		for _, name := range cur.ActiveBreakers {
			if slices.Contains(req.ActiveBreakers, name) {
				continue
			}
			events = append(events, model.BreakerEvent{
				BreakerName: name,
				EventType:   model.BreakerEventOverride,
				FromLevel:   current,
				ToLevel:     req.Level,
				Actor:       req.TriggeredBy,
				CreatedAt:   now,
			})
		}
	}
	return next, events, nil
}

func (m *Machine) committed(ctx context.Context, st *model.SystemState, req TransitionRequest) {
	if m.cache != nil {
		if err := m.cache.Invalidate(ctx); err != nil {
			m.log.Warn("level cache invalidation failed", zap.Error(err))
		}
	}

	cause := CauseManual
	switch {
	case req.autoReset:
		cause = CauseAutoReset
	case len(req.Breakers) > 0:
		cause = CauseBreaker
	}
	metrics.RecordTransition(st.PreviousLevel, st.Level, cause)
	metrics.SetLevel(st.Level)

	m.log.Info("defcon transition",
		zap.String("from", string(st.PreviousLevel)),
		zap.String("to", string(st.Level)),
		zap.String("cause", cause),
		zap.String("triggered_by", st.TriggeredBy),
		zap.Strings("breakers", req.Breakers),
		zap.String("state_id", st.ID),
	)

	if m.notifier != nil {
		if err := m.notifier.NotifyTransition(ctx, *st); err != nil {
			m.log.Warn("transition notification failed", zap.Error(err))
		}
	}
}

func (m *Machine) inconsistent(ctx context.Context, rows int) {
	metrics.RecordInconsistency()
	metrics.SetLevel(model.DefconBlack)
	m.log.Error("inconsistent system state, failing closed to BLACK", zap.Int("active_rows", rows))
	if m.notifier != nil {
		if err := m.notifier.NotifyInconsistent(ctx, rows); err != nil {
			m.log.Warn("inconsistency notification failed", zap.Error(err))
		}
	}
}

// EvaluateBreakers saves snap, evaluates every enabled breaker against it and
// escalates to the highest triggered threshold. It never lowers the level.
func (m *Machine) EvaluateBreakers(ctx context.Context, snap model.TelemetrySnapshot) (*Evaluation, error) {
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = m.now()
	}
	if err := m.store.SaveTelemetry(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "defcon: save telemetry")
	}
	breakers, err := m.store.ListBreakers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "defcon: list breakers")
	}

	triggered := Triggered(breakers, &snap)
	eval := &Evaluation{Triggered: make([]string, 0, len(triggered))}
	for _, b := range triggered {
		eval.Triggered = append(eval.Triggered, b.Name)
		metrics.RecordBreakerTrigger(b.Name)
	}

	current, err := m.storedLevel(ctx)
	if err != nil {
		return nil, err
	}
	eval.Previous, eval.Level = current, current
	if len(triggered) == 0 {
		return eval, nil
	}

	target, causing := Highest(triggered)
	if !target.MoreSevereThan(current) {
		return eval, nil
	}

	st, err := m.Transition(ctx, TransitionRequest{
		Level:          target,
		Reason:         breakerReason(triggered, target),
		TriggeredBy:    RoleCircuitBreaker,
		ActorRole:      RoleCircuitBreaker,
		Breakers:       causing,
		EventType:      model.BreakerEventTrigger,
		ActiveBreakers: eval.Triggered,
		Telemetry:      &snap,
		Evidence:       map[string]any{"triggered": eval.Triggered},
		onlyEscalate:   true,
	})
	if errors.Is(err, ErrNoLevelChange) {
		// A concurrent escalation already reached the target.
		return eval, nil
	}
	if err != nil {
		return nil, err
	}
	eval.Previous, eval.Level, eval.Changed, eval.State = st.PreviousLevel, st.Level, true, st
	return eval, nil
}

// AutoReset reverts a breaker-caused escalation once the causing breaker is
// auto-reset, its hold time has passed and the latest snapshot, taken after
// the escalation, shows its condition cleared. The level drops to the last
// manually set level unless other breakers still hold it higher; the highest
// of those becomes the new trigger so later resets can continue the chain.
// It returns nil, nil when nothing was reset.
func (m *Machine) AutoReset(ctx context.Context) (*model.SystemState, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cur.TriggerBreaker == "" || Profile(cur.Level).RequiresManualReset {
		return nil, nil
	}

	breakers, err := m.store.ListBreakers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "defcon: list breakers")
	}
	idx := slices.IndexFunc(breakers, func(b model.BreakerDefinition) bool { return b.Name == cur.TriggerBreaker })
	if idx < 0 {
		return nil, nil
	}
	def := breakers[idx]
	if !def.AutoReset || !def.Enabled {
		return nil, nil
	}
	if m.now().Sub(cur.CreatedAt) < time.Duration(def.ResetAfterSeconds)*time.Second {
		return nil, nil
	}

	snap, err := m.store.LatestTelemetry(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "defcon: latest telemetry")
	}
	if snap == nil || !snap.CollectedAt.After(cur.CreatedAt) || ConditionHolds(def.Condition, snap) {
		return nil, nil
	}

	floor, err := m.manualFloor(ctx)
	if err != nil {
		return nil, err
	}
	target, trigger, holding := resetTarget(breakers, cur, def.Name, snap, m.now(), floor)
	if !cur.Level.MoreSevereThan(target) {
		return nil, nil
	}

	st, err := m.Transition(ctx, TransitionRequest{
		Level:          target,
		Reason:         fmt.Sprintf("auto-reset: %s cleared after %ds", def.Name, def.ResetAfterSeconds),
		TriggeredBy:    RoleAutoReset,
		ActorRole:      RoleAutoReset,
		Breakers:       []string{def.Name},
		EventType:      model.BreakerEventReset,
		TriggerBreaker: trigger,
		ActiveBreakers: holding,
		Telemetry:      snap,
		autoReset:      true,
		expectStateID:  cur.ID,
	})
	if errors.Is(err, errSuperseded) || errors.Is(err, ErrNoLevelChange) {
		return nil, nil
	}
	return st, err
}

// floorHistory bounds the history walked by manualFloor.
const floorHistory = 200

// manualFloor is the level of the most recent state not written by a breaker
// or an auto-reset. Auto-reset never goes below it.
func (m *Machine) manualFloor(ctx context.Context) (model.DefconLevel, error) {
	history, err := m.store.StateHistory(ctx, floorHistory)
	if err != nil {
		return "", eris.Wrap(err, "defcon: state history")
	}
	for _, st := range history {
		if st.TriggeredBy == RoleCircuitBreaker || st.TriggeredBy == RoleAutoReset {
			continue
		}
		if st.Level.Valid() {
			return st.Level, nil
		}
	}
	return model.DefconGreen, nil
}

// resetTarget computes the level after resetting the breaker named cleared.
// A remaining breaker holds the level when its condition is true on snap, or
// when it was active on cur and is either manual-reset or still inside its
// own hold time. The highest holding threshold above floor wins; at equal
// thresholds a manual-reset breaker is preferred as the trigger.
func resetTarget(breakers []model.BreakerDefinition, cur *model.SystemState, cleared string, snap *model.TelemetrySnapshot, now time.Time, floor model.DefconLevel) (model.DefconLevel, string, []string) {
	target := floor
	var trigger string
	var holding []string
	for _, b := range breakers {
		if b.Name == cleared || !b.Enabled {
			continue
		}
		wasActive := slices.Contains(cur.ActiveBreakers, b.Name)
		cooling := b.AutoReset && now.Sub(cur.CreatedAt) < time.Duration(b.ResetAfterSeconds)*time.Second
		if !ConditionHolds(b.Condition, snap) && !(wasActive && (!b.AutoReset || cooling)) {
			continue
		}
		holding = append(holding, b.Name)
		switch {
		case b.Threshold.MoreSevereThan(target):
			target, trigger = b.Threshold, b.Name
		case b.Threshold == target && trigger != "" && !b.AutoReset:
			trigger = b.Name
		}
	}
	return target, trigger, holding
}

// storedLevel reads the level from the store, bypassing the cache.
func (m *Machine) storedLevel(ctx context.Context) (model.DefconLevel, error) {
	active, err := m.store.ActiveStates(ctx)
	if err != nil {
		return model.DefconBlack, eris.Wrap(err, "defcon: read active state")
	}
	if len(active) != 1 {
		return model.DefconBlack, nil
	}
	return active[0].Level, nil
}

func breakerReason(triggered []model.BreakerDefinition, target model.DefconLevel) string {
	for _, b := range triggered {
		if b.Threshold == target {
			c := b.Condition
			return fmt.Sprintf("circuit breaker %s: %s %s %g", b.Name, c.Metric, c.Operator, c.Threshold)
		}
	}
	return "circuit breaker"
}

func union(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}
