package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

func TestRecordTransition_DirectionAndGauge(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("downgrade", "manual"))

	RecordTransition(model.DefconRed, model.DefconYellow, "manual")

	assert.InDelta(t, before+1, testutil.ToFloat64(transitions.WithLabelValues("downgrade", "manual")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(level), 1e-9)

	RecordTransition(model.DefconYellow, model.DefconBlack, "breaker")
	assert.InDelta(t, 4, testutil.ToFloat64(level), 1e-9)
}

func TestRecordUsage_Result(t *testing.T) {
	before := testutil.ToFloat64(usageReports.WithLabelValues("fred", "failure"))
	RecordUsage("fred", false, 1200)
	assert.InDelta(t, before+1, testutil.ToFloat64(usageReports.WithLabelValues("fred", "failure")), 1e-9)
}

func TestRecordSelectionAndConflict(t *testing.T) {
	before := testutil.ToFloat64(selections.WithLabelValues(OutcomeNoProvider))
	RecordSelection(OutcomeNoProvider)
	assert.InDelta(t, before+1, testutil.ToFloat64(selections.WithLabelValues(OutcomeNoProvider)), 1e-9)

	before = testutil.ToFloat64(conflicts.WithLabelValues(string(model.PathDomainFallback)))
	RecordConflict(model.PathDomainFallback)
	assert.InDelta(t, before+1, testutil.ToFloat64(conflicts.WithLabelValues(string(model.PathDomainFallback))), 1e-9)
}
