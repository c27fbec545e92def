package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MetaStark/vision-IoS-sub006/internal/api"
	"github.com/MetaStark/vision-IoS-sub006/internal/monitoring"
)

var (
	servePort  int
	serveWatch bool
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the breaker watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Machine.Bootstrap(ctx, cfg.Defcon.BootstrapActor); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", resolvePort(servePort)),
			ReadHeaderTimeout: 10 * time.Second,
			Handler: api.NewServer(api.Deps{
				Router:         env.Router,
				Resolver:       env.Resolver,
				Reliability:    env.Reliability,
				Machine:        env.Machine,
				Store:          env.Store,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				RoleHeader:     cfg.Server.RoleHeader,
			}).Handler(),
		}

		g, gctx := errgroup.WithContext(ctx)

		if serveWatch {
			checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), env.Machine, env.Router, cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		g.Go(func() error {
			zap.L().Info("starting server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return eris.Wrap(err, "server shutdown")
			}
			return nil
		})

		return g.Wait()
	},
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flagPort int) int {
	if flagPort > 0 {
		return flagPort
	}
	return cfg.Server.Port
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "run the breaker watcher alongside the API")
	rootCmd.AddCommand(serveCmd)
}
