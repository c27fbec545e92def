package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = eris.New("store: not found")

	// ErrStaleTransition is returned when a system state transition lost a
	// race with a concurrent transition. The caller may retry.
	ErrStaleTransition = eris.New("store: concurrent system state transition")
)

// TransitionFunc receives the currently active system state rows (normally
// exactly one) inside the transition's transaction and returns the row to
// insert as the new active state plus any breaker events to append with it.
// Returning an error aborts the transition without writing anything.
type TransitionFunc func(active []model.SystemState) (*model.SystemState, []model.BreakerEvent, error)

// ProviderStore persists providers, their capabilities and usage.
type ProviderStore interface {
	// ListCandidates returns active capabilities for a feature joined with
	// their active providers.
	ListCandidates(ctx context.Context, featureID string) ([]model.Candidate, error)
	GetProvider(ctx context.Context, providerID string) (*model.Provider, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)
	// UpdateProvider locks the provider row, applies fn and writes back the
	// usage fields (counters, failures, cooldown, last success/failure).
	UpdateProvider(ctx context.Context, providerID string, fn func(p *model.Provider) error) (*model.Provider, error)
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
	UsageStats(ctx context.Context, since time.Time) (model.UsageStats, error)
	ResetDailyQuotas(ctx context.Context) (int64, error)
	ResetMonthlyQuotas(ctx context.Context) (int64, error)
}

// ReliabilityStore persists event-type-category reliability scores.
type ReliabilityStore interface {
	// GetCategoryReliability returns nil, nil when no score exists.
	GetCategoryReliability(ctx context.Context, providerID string, category model.EventTypeCategory) (*model.CategoryReliability, error)
	ListCategoryReliability(ctx context.Context, providerID string) ([]model.CategoryReliability, error)
	UpsertCategoryReliability(ctx context.Context, r model.CategoryReliability) error
}

// ConflictStore persists append-only conflict records.
type ConflictStore interface {
	InsertConflict(ctx context.Context, rec *model.ConflictRecord) error
	GetConflict(ctx context.Context, conflictID string) (*model.ConflictRecord, error)
	ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.ConflictRecord, error)
}

// StateStore persists the DEFCON history, breaker definitions and events.
type StateStore interface {
	ActiveStates(ctx context.Context) ([]model.SystemState, error)
	StateHistory(ctx context.Context, limit int) ([]model.SystemState, error)
	// TransitionState serializes transitions: it hands the active rows to fn,
	// then deactivates them and inserts fn's row and events atomically.
	TransitionState(ctx context.Context, fn TransitionFunc) (*model.SystemState, error)
	// BootstrapState inserts initial as the active row only when the history
	// is empty. It reports whether a row was inserted.
	BootstrapState(ctx context.Context, initial model.SystemState) (bool, error)
	ListBreakers(ctx context.Context) ([]model.BreakerDefinition, error)
	ListBreakerEvents(ctx context.Context, limit int) ([]model.BreakerEvent, error)
}

// TelemetryStore persists telemetry snapshots.
type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, snap model.TelemetrySnapshot) error
	// LatestTelemetry returns nil, nil when no snapshot has been saved.
	LatestTelemetry(ctx context.Context) (*model.TelemetrySnapshot, error)
}

// CatalogStore upserts the static catalog: providers, capabilities and
// breaker definitions.
type CatalogStore interface {
	UpsertProviders(ctx context.Context, providers []model.Provider) error
	UpsertCapabilities(ctx context.Context, caps []model.Capability) error
	UpsertBreakers(ctx context.Context, breakers []model.BreakerDefinition) error
}

// Store is the full persistence interface of the governance router.
type Store interface {
	ProviderStore
	ReliabilityStore
	ConflictStore
	StateStore
	TelemetryStore
	CatalogStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
