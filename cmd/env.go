package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/conflict"
	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/monitoring"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
	"github.com/MetaStark/vision-IoS-sub006/internal/resilience"
	"github.com/MetaStark/vision-IoS-sub006/internal/router"
	"github.com/MetaStark/vision-IoS-sub006/internal/store"
)

const defaultSQLitePath = "vision.db"

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// visionEnv holds the store and every service built on it, wired the same
// way for the API server, the watcher and the one-shot commands.
type visionEnv struct {
	Store       store.Store
	Redis       *redis.Client // may be nil
	Machine     *defcon.Machine
	Router      *router.Router
	Resolver    *conflict.Resolver
	Reliability *reliability.Service
	Alerter     *monitoring.Alerter
}

// Close releases resources held by the environment.
func (e *visionEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens and migrates the store and
// builds the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*visionEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &visionEnv{Store: st}
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring, nil)

	opts := []defcon.Option{
		defcon.WithAuthority(defcon.ParseAuthority(cfg.Defcon.DowngradeAuthority)),
		defcon.WithRetry(resilience.FromRetrySettings(cfg.Defcon.TransitionRetries, cfg.Defcon.RetryBackoffMs, 0)),
		defcon.WithNotifier(env.Alerter),
	}
	if cfg.Redis.Addr != "" {
		env.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		guard := resilience.NewGuard("redis", resilience.FromGuardSettings(cfg.Redis.GuardFailures, cfg.Redis.GuardCoolOffSecs))
		ttl := time.Duration(cfg.Redis.LevelTTLSecs) * time.Second
		opts = append(opts, defcon.WithCache(defcon.NewLevelCache(env.Redis, guard, ttl)))
		zap.L().Info("defcon level cache enabled", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", ttl))
	}
	env.Machine = defcon.New(st, opts...)

	env.Router = router.New(st, env.Machine, router.Config{
		QuotaSafetyMargin:  cfg.Router.QuotaSafetyMargin,
		MaxBackoffExponent: cfg.Router.MaxBackoffExponent,
		EnforceRateLimits:  cfg.Router.EnforceRateLimits,
	})
	env.Reliability = reliability.New(st, reliability.WithDefaultScore(cfg.Reliability.DefaultScore))
	env.Resolver = conflict.New(env.Reliability, st, env.Machine)

	return env, nil
}
