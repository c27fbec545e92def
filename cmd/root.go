package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "vision",
	Short: "Governance data router",
	Long:  "Routes feature requests to data providers within quota, resolves value conflicts by reliability and runs the DEFCON state machine with its circuit breakers.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
