package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/seed"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var (
	seedCatalog     string
	seedNoBootstrap bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the provider and circuit breaker catalog",
	Long:  "Upserts providers, capabilities, breaker definitions and initial category calibrations, then writes the initial GREEN state when no state exists. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path := seedCatalog
		if path == "" {
			path = cfg.Seed.CatalogPath
		}
		cat, err := seed.Load(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		var boot seed.Bootstrapper
		if !seedNoBootstrap {
			boot = env.Machine
		}
		sum, err := seed.Apply(ctx, cat, env.Store, env.Reliability, boot, cfg.Defcon.BootstrapActor)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, sum)
	},
}

var validateCatalogCmd = &cobra.Command{
	Use:   "validate-catalog [path]",
	Short: "Check a catalog file without writing it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Seed.CatalogPath
		if len(args) == 1 {
			path = args[0]
		}
		cat, err := seed.Load(path)
		if err != nil {
			return err
		}
		zap.L().Info("catalog valid",
			zap.Int("providers", len(cat.Providers)),
			zap.Int("breakers", len(cat.Breakers)),
		)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedCatalog, "catalog", "", "catalog YAML path (default: config or embedded)")
	seedCmd.Flags().BoolVar(&seedNoBootstrap, "no-bootstrap", false, "skip writing the initial system state")
	rootCmd.AddCommand(migrateCmd, seedCmd, validateCatalogCmd)
}
