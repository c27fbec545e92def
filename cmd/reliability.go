package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/MetaStark/vision-IoS-sub006/internal/conflict"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
)

var (
	calibrateSamples  int
	calibrateMethod   string
	calibrateEvidence string
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate <provider> <category> <score>",
	Short: "Record a category-level reliability score",
	Long:  "Upserts the provider's score for an event-type category. --evidence names a JSON file whose canonical SHA-256 is stored as the evidence hash.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cal, err := buildCalibration(args, calibrateSamples, calibrateMethod)
		if err != nil {
			return err
		}
		if calibrateEvidence != "" {
			hash, err := hashEvidenceFile(calibrateEvidence)
			if err != nil {
				return err
			}
			cal.EvidenceHash = hash
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Reliability.Calibrate(ctx, cal)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rec)
	},
}

// buildCalibration parses "<provider> <category> <score>".
func buildCalibration(args []string, samples int, method string) (reliability.Calibration, error) {
	category := model.EventTypeCategory(strings.ToUpper(args[1]))
	if !category.Valid() {
		return reliability.Calibration{}, eris.Errorf("unknown category %q", args[1])
	}
	score, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return reliability.Calibration{}, eris.Errorf("score %q is not a number", args[2])
	}
	if samples < 0 {
		return reliability.Calibration{}, eris.New("--samples must be >= 0")
	}
	return reliability.Calibration{
		ProviderID: args[0],
		Category:   category,
		Score:      score,
		SampleSize: samples,
		Method:     method,
	}, nil
}

func hashEvidenceFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "read evidence %s", path)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", eris.Wrapf(err, "parse evidence %s", path)
	}
	return reliability.EvidenceHash(doc)
}

var (
	effectiveDomain string
	effectiveEvent  string
)

var effectiveCmd = &cobra.Command{
	Use:   "effective <provider> [category]",
	Short: "Show the reliability score a provider gets in conflicts",
	Long:  "Prints the category score, falling back to the domain score and then the default. Without a category, --event is classified within --domain.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		domain := model.ParseDomain(effectiveDomain)
		var category model.EventTypeCategory
		if len(args) == 2 {
			category = model.EventTypeCategory(strings.ToUpper(args[1]))
		} else {
			category = conflict.Classify(effectiveEvent, domain)
		}
		if !category.Valid() {
			return eris.Errorf("unknown category %q", category)
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		eff, err := env.Reliability.EffectiveReliability(ctx, args[0], category, domain)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, eff)
	},
}

func init() {
	calibrateCmd.Flags().IntVar(&calibrateSamples, "samples", 0, "number of observations behind the score")
	calibrateCmd.Flags().StringVar(&calibrateMethod, "method", "manual", "calibration method")
	calibrateCmd.Flags().StringVar(&calibrateEvidence, "evidence", "", "JSON evidence file to hash")
	effectiveCmd.Flags().StringVar(&effectiveDomain, "domain", "", "domain: macro, equity, crypto or cross_asset")
	effectiveCmd.Flags().StringVar(&effectiveEvent, "event", "", "event type code to classify")
	rootCmd.AddCommand(calibrateCmd, effectiveCmd)
}
