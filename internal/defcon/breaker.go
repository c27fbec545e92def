package defcon

import (
	"github.com/rotisserie/eris"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

var operators = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

// ValidateBreaker checks that a definition can be evaluated: a name, a known
// metric and operator, a valid threshold level and a hold time for
// auto-reset breakers. BLACK breakers may not auto-reset.
func ValidateBreaker(b model.BreakerDefinition) error {
	if b.Name == "" {
		return eris.New("defcon: breaker name is required")
	}
	if _, ok := (&model.TelemetrySnapshot{}).Metric(b.Condition.Metric); !ok {
		return eris.Errorf("defcon: breaker %s: unknown metric %q", b.Name, b.Condition.Metric)
	}
	if !operators[b.Condition.Operator] {
		return eris.Errorf("defcon: breaker %s: unknown operator %q", b.Name, b.Condition.Operator)
	}
	if !b.Threshold.Valid() {
		return eris.Errorf("defcon: breaker %s: invalid threshold %q", b.Name, b.Threshold)
	}
	if b.AutoReset {
		if b.ResetAfterSeconds <= 0 {
			return eris.Errorf("defcon: breaker %s: auto-reset needs reset_after_seconds > 0", b.Name)
		}
		if Profile(b.Threshold).RequiresManualReset {
			return eris.Errorf("defcon: breaker %s: %s cannot auto-reset", b.Name, b.Threshold)
		}
	}
	return nil
}

// ConditionHolds evaluates c against snap. Unknown metrics and operators
// never hold.
func ConditionHolds(c model.BreakerCondition, snap *model.TelemetrySnapshot) bool {
	if snap == nil {
		return false
	}
	v, ok := snap.Metric(c.Metric)
	if !ok {
		return false
	}
	switch c.Operator {
	case ">":
		return v > c.Threshold
	case ">=":
		return v >= c.Threshold
	case "<":
		return v < c.Threshold
	case "<=":
		return v <= c.Threshold
	case "==":
		return v == c.Threshold
	case "!=":
		return v != c.Threshold
	}
	return false
}

// Triggered returns the enabled breakers whose condition holds on snap, in
// input order.
func Triggered(breakers []model.BreakerDefinition, snap *model.TelemetrySnapshot) []model.BreakerDefinition {
	var out []model.BreakerDefinition
	for _, b := range breakers {
		if b.Enabled && ConditionHolds(b.Condition, snap) {
			out = append(out, b)
		}
	}
	return out
}

// Highest returns the most severe threshold among triggered and the names
// of the breakers at that threshold. Unknown thresholds count as BLACK.
func Highest(triggered []model.BreakerDefinition) (model.DefconLevel, []string) {
	level := model.DefconGreen
	var names []string
	for _, b := range triggered {
		threshold := b.Threshold
		if !threshold.Valid() {
			threshold = model.DefconBlack
		}
		switch {
		case threshold.MoreSevereThan(level):
			level, names = threshold, []string{b.Name}
		case threshold == level:
			names = append(names, b.Name)
		}
	}
	return level, names
}
