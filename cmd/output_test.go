package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MetaStark/vision-IoS-sub006/internal/config"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
	"github.com/MetaStark/vision-IoS-sub006/internal/router"
)

func TestFormatEligibility(t *testing.T) {
	until := time.Date(2026, 4, 14, 16, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatEligibility(&buf, []router.Eligibility{
		{ProviderID: "fred", Preference: 1, UsedToday: 10, DailyLimit: 1000},
		{ProviderID: "yahoo", Preference: 3, ConsecutiveFailures: 2, CooldownUntil: &until, Reason: "cooldown"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "PROVIDER")
	assert.Contains(t, lines[2], "fred")
	assert.Contains(t, lines[2], "eligible")
	assert.Contains(t, lines[3], "2026-04-14T16:00:00Z")
	assert.Contains(t, lines[3], "cooldown")
}

func TestFormatStates(t *testing.T) {
	now := time.Date(2026, 4, 14, 15, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatStates(&buf, []model.SystemState{
		{Level: model.DefconOrange, PreviousLevel: model.DefconGreen, IsActive: true, TriggeredBy: "CIRCUIT_BREAKER", Reason: "ERROR_RATE_SPIKE", CreatedAt: now},
		{Level: model.DefconGreen, TriggeredBy: "system", Reason: "initial state", CreatedAt: now.Add(-time.Hour)},
	})

	out := buf.String()
	assert.Contains(t, out, "ERROR_RATE_SPIKE")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[3], "-")
	assert.Contains(t, lines[3], "initial state")
}

func TestFormatConflicts(t *testing.T) {
	var buf bytes.Buffer
	formatConflicts(&buf, []model.ConflictRecord{{
		ID:               "c-1",
		EventTypeCode:    "US_10Y",
		Category:         model.CategoryMacroRate,
		WinnerProviderID: "fred",
		WinnerValue:      decimal.RequireFromString("4.25"),
		DeltaAbs:         decimal.RequireFromString("0.05"),
		ResolutionPath:   model.PathEventTypeCategory,
		CreatedAt:        time.Now(),
	}})

	out := buf.String()
	assert.Contains(t, out, "c-1")
	assert.Contains(t, out, "4.25")
	assert.Contains(t, out, "0.05")
	assert.Contains(t, out, string(model.PathEventTypeCategory))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"providers": 8}))
	assert.Equal(t, "{\n  \"providers\": 8\n}\n", buf.String())
}

func TestBuildCalibration(t *testing.T) {
	cal, err := buildCalibration([]string{"fred", "macro_rate", "0.97"}, 120, "backtest")
	require.NoError(t, err)
	assert.Equal(t, reliability.Calibration{
		ProviderID: "fred",
		Category:   model.CategoryMacroRate,
		Score:      0.97,
		SampleSize: 120,
		Method:     "backtest",
	}, cal)

	_, err = buildCalibration([]string{"fred", "NOT_A_CATEGORY", "0.9"}, 0, "manual")
	assert.ErrorContains(t, err, "unknown category")

	_, err = buildCalibration([]string{"fred", "MACRO_RATE", "high"}, 0, "manual")
	assert.ErrorContains(t, err, "not a number")

	_, err = buildCalibration([]string{"fred", "MACRO_RATE", "0.9"}, -1, "manual")
	assert.ErrorContains(t, err, "--samples")
}

func TestHashEvidenceFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(a, []byte(`{"hits": 97, "total": 100}`), 0o600))
	require.NoError(t, os.WriteFile(b, []byte(`{"total":100,"hits":97}`), 0o600))

	ha, err := hashEvidenceFile(a)
	require.NoError(t, err)
	hb, err := hashEvidenceFile(b)
	require.NoError(t, err)
	assert.Len(t, ha, 64)
	assert.Equal(t, ha, hb, "key order and whitespace must not change the hash")

	_, err = hashEvidenceFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = hashEvidenceFile(bad)
	assert.ErrorContains(t, err, "parse evidence")
}

func TestResolvePort(t *testing.T) {
	cfg = &config.Config{Server: config.ServerConfig{Port: 8080}}
	assert.Equal(t, 8080, resolvePort(0))
	assert.Equal(t, 9090, resolvePort(9090))
}
