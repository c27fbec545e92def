package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/conflict"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect resolved value conflicts",
}

var (
	conflictsFeature  string
	conflictsProvider string
	conflictsPath     string
	conflictsLimit    int
)

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict records, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := env.Resolver.List(ctx, model.ConflictFilter{
			FeatureID:      conflictsFeature,
			ProviderID:     conflictsProvider,
			ResolutionPath: model.ResolutionPath(strings.ToUpper(conflictsPath)),
			Limit:          conflictsLimit,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			zap.L().Info("no conflicts found")
			return nil
		}
		formatConflicts(os.Stdout, records)
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show a conflict with all candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Resolver.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rec)
	},
}

var overrideActor string

var conflictsOverrideCmd = &cobra.Command{
	Use:   "override <conflict-id> <provider>",
	Short: "Replace the winner of a recorded conflict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Resolver.Override(ctx, conflict.OverrideRequest{
			ConflictID: args[0],
			ProviderID: args[1],
			Actor:      overrideActor,
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rec)
	},
}

func init() {
	conflictsListCmd.Flags().StringVar(&conflictsFeature, "feature", "", "filter by feature id")
	conflictsListCmd.Flags().StringVar(&conflictsProvider, "provider", "", "filter by winning provider")
	conflictsListCmd.Flags().StringVar(&conflictsPath, "path", "", "filter by resolution path")
	conflictsListCmd.Flags().IntVar(&conflictsLimit, "limit", 50, "maximum records")
	conflictsOverrideCmd.Flags().StringVar(&overrideActor, "by", "", "who overrides")
	_ = conflictsOverrideCmd.MarkFlagRequired("by")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsOverrideCmd)
	rootCmd.AddCommand(conflictsCmd)
}
