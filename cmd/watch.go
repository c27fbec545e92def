package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MetaStark/vision-IoS-sub006/internal/monitoring"
)

var watchOnce bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Evaluate circuit breakers against collected telemetry",
	Long:  "Collects provider telemetry on an interval, evaluates the circuit breakers and applies auto-resets. With --once a single check is run and its result printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "watch")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Machine.Bootstrap(ctx, cfg.Defcon.BootstrapActor); err != nil {
			return err
		}

		checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), env.Machine, env.Router, cfg.Monitoring)
		if watchOnce {
			res, err := checker.CheckOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, res)
		}

		checker.Run(ctx)
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "run a single check and exit")
	rootCmd.AddCommand(watchCmd)
}
