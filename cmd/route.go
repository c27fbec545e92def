package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	routeExplain bool
	routeExclude []string
)

var routeCmd = &cobra.Command{
	Use:   "route <feature>",
	Short: "Select the provider for a feature and reserve one quota unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if routeExplain {
			rows, err := env.Router.Explain(ctx, args[0], routeExclude)
			if err != nil {
				return err
			}
			formatEligibility(os.Stdout, rows)
			return nil
		}

		sel, err := env.Router.SelectProvider(ctx, args[0], routeExclude)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, sel)
	},
}

var (
	usageFailure   bool
	usageLatencyMs int
	usageReserved  bool
)

var usageCmd = &cobra.Command{
	Use:   "usage <provider>",
	Short: "Report the outcome of a provider call",
	Long:  "Books one call against the provider's quotas. A failure extends the provider's cooldown; a success clears it. With --reserved it settles the unit that route reserved, and a failure releases it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if usageLatencyMs < 0 {
			return eris.New("--latency-ms must be >= 0")
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		report := env.Router.ReportUsage
		if usageReserved {
			report = env.Router.ReportReserved
		}
		p, err := report(ctx, args[0], !usageFailure, usageLatencyMs)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, p)
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Manage provider quota counters",
}

var quotaMonthly bool

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset daily (or monthly) usage counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		scope := "daily"
		reset := env.Router.ResetDailyQuotas
		if quotaMonthly {
			scope, reset = "monthly", env.Router.ResetMonthlyQuotas
		}
		n, err := reset(ctx)
		if err != nil {
			return eris.Wrapf(err, "quota reset %s", scope)
		}
		zap.L().Info("quotas reset", zap.String("scope", scope), zap.Int64("providers", n))
		return nil
	},
}

func init() {
	routeCmd.Flags().BoolVar(&routeExplain, "explain", false, "show every candidate and why it was skipped")
	routeCmd.Flags().StringSliceVar(&routeExclude, "exclude", nil, "provider ids to skip")
	usageCmd.Flags().BoolVar(&usageFailure, "failure", false, "report a failed call")
	usageCmd.Flags().IntVar(&usageLatencyMs, "latency-ms", 0, "response time in milliseconds")
	usageCmd.Flags().BoolVar(&usageReserved, "reserved", false, "settle a unit reserved by route")
	quotaResetCmd.Flags().BoolVar(&quotaMonthly, "monthly", false, "reset monthly counters instead of daily")
	quotaCmd.AddCommand(quotaResetCmd)
	rootCmd.AddCommand(routeCmd, usageCmd, quotaCmd)
}
