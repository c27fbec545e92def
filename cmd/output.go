package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/router"
)

// printJSON writes v as indented JSON.
func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// formatEligibility writes the routing explanation as a table.
func formatEligibility(out io.Writer, rows []router.Eligibility) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tPREF\tUSED\tLIMIT\tFAILURES\tCOOLDOWN\tSTATUS")
	_, _ = fmt.Fprintln(w, "--------\t----\t----\t-----\t--------\t--------\t------")
	for _, r := range rows {
		status := r.Reason
		if status == "" {
			status = "eligible"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ProviderID, r.Preference, r.UsedToday, r.DailyLimit, r.ConsecutiveFailures, formatTime(r.CooldownUntil), status)
	}
	_ = w.Flush()
}

// formatStates writes DEFCON history, newest first.
func formatStates(out io.Writer, states []model.SystemState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CREATED\tFROM\tTO\tACTIVE\tBY\tREASON")
	_, _ = fmt.Fprintln(w, "-------\t----\t--\t------\t--\t------")
	for _, s := range states {
		from := string(s.PreviousLevel)
		if from == "" {
			from = "-"
		}
		created := s.CreatedAt
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			formatTime(&created), from, s.Level, s.IsActive, s.TriggeredBy, s.Reason)
	}
	_ = w.Flush()
}

// formatConflicts writes conflict records as a table.
func formatConflicts(out io.Writer, records []model.ConflictRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCREATED\tEVENT\tCATEGORY\tWINNER\tVALUE\tDELTA\tPATH")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t--------\t------\t-----\t-----\t----")
	for _, r := range records {
		created := r.CreatedAt
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, formatTime(&created), r.EventTypeCode, r.Category, r.WinnerProviderID,
			r.WinnerValue.String(), r.DeltaAbs.String(), r.ResolutionPath)
	}
	_ = w.Flush()
}
