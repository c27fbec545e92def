package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefconLevel is the global operational severity level.
type DefconLevel string

const (
	DefconGreen  DefconLevel = "GREEN"
	DefconYellow DefconLevel = "YELLOW"
	DefconOrange DefconLevel = "ORANGE"
	DefconRed    DefconLevel = "RED"
	DefconBlack  DefconLevel = "BLACK"
)

// DefconLevels lists every level from least to most severe.
var DefconLevels = []DefconLevel{DefconGreen, DefconYellow, DefconOrange, DefconRed, DefconBlack}

// Severity orders levels: GREEN is 0 and BLACK is 4. Unknown levels are
// treated as BLACK.
func (l DefconLevel) Severity() int {
	switch l {
	case DefconGreen:
		return 0
	case DefconYellow:
		return 1
	case DefconOrange:
		return 2
	case DefconRed:
		return 3
	default:
		return 4
	}
}

// MoreSevereThan reports whether l ranks strictly above other.
func (l DefconLevel) MoreSevereThan(other DefconLevel) bool {
	return l.Severity() > other.Severity()
}

// Valid reports whether l is a known level.
func (l DefconLevel) Valid() bool {
	switch l {
	case DefconGreen, DefconYellow, DefconOrange, DefconRed, DefconBlack:
		return true
	}
	return false
}

// ParseDefconLevel parses a level name, case-insensitively.
func ParseDefconLevel(s string) (DefconLevel, error) {
	l := DefconLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", eris.Errorf("model: unknown defcon level %q", s)
	}
	return l, nil
}

// SystemState is one row of the DEFCON history. Exactly one row is active.
type SystemState struct {
	ID             string             `json:"state_id"`
	Level          DefconLevel        `json:"current_defcon"`
	PreviousLevel  DefconLevel        `json:"previous_defcon,omitempty"`
	Reason         string             `json:"reason"`
	TriggeredBy    string             `json:"triggered_by"`
	ActorRole      string             `json:"actor_role,omitempty"`
	TriggerBreaker string             `json:"trigger_breaker,omitempty"`
	ActiveBreakers []string           `json:"active_breakers,omitempty"`
	Telemetry      *TelemetrySnapshot `json:"telemetry,omitempty"`
	Evidence       map[string]any     `json:"evidence,omitempty"`
	IsActive       bool               `json:"is_active"`
	CreatedAt      time.Time          `json:"created_at"`
	DeactivatedAt  *time.Time         `json:"deactivated_at,omitempty"`
}

// BreakerEventType classifies circuit breaker log entries.
type BreakerEventType string

const (
	BreakerEventTrigger  BreakerEventType = "TRIGGER"
	BreakerEventReset    BreakerEventType = "RESET"
	BreakerEventOverride BreakerEventType = "OVERRIDE"
)

// BreakerCondition is a predicate over one telemetry metric.
type BreakerCondition struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Operator  string  `json:"operator" yaml:"operator"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// BreakerDefinition is a named circuit breaker rule.
type BreakerDefinition struct {
	Name              string           `json:"breaker_name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description"`
	Condition         BreakerCondition `json:"trigger_condition" yaml:"condition"`
	Threshold         DefconLevel      `json:"defcon_threshold" yaml:"defcon_threshold"`
	Actions           []string         `json:"actions" yaml:"actions"`
	AutoReset         bool             `json:"auto_reset" yaml:"auto_reset"`
	ResetAfterSeconds int              `json:"reset_after_seconds,omitempty" yaml:"reset_after_seconds"`
	Enabled           bool             `json:"is_enabled" yaml:"enabled"`
}

// BreakerEvent is an append-only log entry for a trigger, reset or override.
type BreakerEvent struct {
	ID          string             `json:"event_id"`
	BreakerName string             `json:"breaker_name"`
	EventType   BreakerEventType   `json:"event_type"`
	FromLevel   DefconLevel        `json:"defcon_before"`
	ToLevel     DefconLevel        `json:"defcon_after"`
	Telemetry   *TelemetrySnapshot `json:"trigger_data,omitempty"`
	Actor       string             `json:"actor"`
	StateID     string             `json:"state_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}
