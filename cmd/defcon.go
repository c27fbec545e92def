package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

var defconCmd = &cobra.Command{
	Use:   "defcon",
	Short: "Inspect and change the DEFCON level",
}

var defconStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current level and its permissions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Machine.Status(ctx)
		if err != nil {
			return err
		}
		if !st.Consistent {
			zap.L().Warn("system state is inconsistent", zap.Int("active_rows", st.ActiveRows))
		}
		return printJSON(os.Stdout, st)
	},
}

var (
	defconReason string
	defconActor  string
	defconRole   string
)

var defconSetCmd = &cobra.Command{
	Use:   "set <level>",
	Short: "Transition to a level",
	Long:  "Escalations are always allowed. Downgrades need --role to carry authority over the current level.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		level, err := model.ParseDefconLevel(args[0])
		if err != nil {
			return err
		}
		if defconReason == "" || defconActor == "" {
			return eris.New("--reason and --by are required")
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Machine.Transition(ctx, defcon.TransitionRequest{
			Level:       level,
			Reason:      defconReason,
			TriggeredBy: defconActor,
			ActorRole:   defconRole,
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, st)
	},
}

var defconHistoryLimit int

var defconHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past states, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		states, err := env.Machine.History(ctx, defconHistoryLimit)
		if err != nil {
			return err
		}
		if len(states) == 0 {
			zap.L().Info("no system state recorded, run 'seed' to bootstrap")
			return nil
		}
		formatStates(os.Stdout, states)
		return nil
	},
}

var defconEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List circuit breaker events, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Machine.Events(ctx, defconHistoryLimit)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, events)
	},
}

var defconResetCmd = &cobra.Command{
	Use:   "auto-reset",
	Short: "Lower the level if every active breaker has cooled down",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Machine.AutoReset(ctx)
		if err != nil {
			return err
		}
		if st == nil {
			zap.L().Info("no auto-reset due")
			return nil
		}
		return printJSON(os.Stdout, st)
	},
}

func init() {
	defconSetCmd.Flags().StringVar(&defconReason, "reason", "", "why the level changes")
	defconSetCmd.Flags().StringVar(&defconActor, "by", "", "who requests the change")
	defconSetCmd.Flags().StringVar(&defconRole, "role", "", "authority role for downgrades")
	defconHistoryCmd.Flags().IntVar(&defconHistoryLimit, "limit", 20, "number of rows")
	defconEventsCmd.Flags().IntVar(&defconHistoryLimit, "limit", 20, "number of rows")
	defconCmd.AddCommand(defconStatusCmd, defconSetCmd, defconHistoryCmd, defconEventsCmd, defconResetCmd)
	rootCmd.AddCommand(defconCmd)
}
