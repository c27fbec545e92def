package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MetaStark/vision-IoS-sub006/internal/config"
	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/seed"
)

// testConfig returns a config that passes Validate for every mode, backed
// by a SQLite file in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "test.db"),
		},
		Router: config.RouterConfig{
			QuotaSafetyMargin:  0.99,
			MaxBackoffExponent: 6,
			EnforceRateLimits:  true,
		},
		Reliability: config.ReliabilityConfig{DefaultScore: 0.5},
		Defcon: config.DefconConfig{
			TransitionRetries: 3,
			RetryBackoffMs:    1,
			BootstrapActor:    "test",
		},
		Monitoring: config.MonitoringConfig{
			CheckIntervalSecs: 60,
			LookbackMinutes:   15,
			MinLevel:          "ORANGE",
		},
		Server: config.ServerConfig{Port: 8080},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "test.db"),
		},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	// Run in a temp dir so the default file is not created in the project root.
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite"},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck

	_, statErr := os.Stat(filepath.Join(tmpDir, defaultSQLitePath))
	assert.NoError(t, statErr)
}

func TestInitStore_PostgresBadURL(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "postgres",
			DatabaseURL: "postgres://%zz",
		},
	}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	assert.Error(t, err)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "mysql"},
	}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	cfg = testConfig(t)
	cfg.Router.QuotaSafetyMargin = 1.5

	env, err := initEnv(context.Background(), "cli")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota_safety_margin")
}

func TestInitEnv_WiresServices(t *testing.T) {
	cfg = testConfig(t)
	ctx := context.Background()

	env, err := initEnv(ctx, "serve")
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Redis)
	require.NotNil(t, env.Machine)
	require.NotNil(t, env.Router)
	require.NotNil(t, env.Resolver)
	require.NotNil(t, env.Reliability)

	cat, err := seed.Default()
	require.NoError(t, err)
	sum, err := seed.Apply(ctx, cat, env.Store, env.Reliability, env.Machine, cfg.Defcon.BootstrapActor)
	require.NoError(t, err)
	assert.True(t, sum.Bootstrapped)

	level, err := env.Machine.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefconGreen, level)

	sel, err := env.Router.SelectProvider(ctx, "VIX_INDEX", nil)
	require.NoError(t, err)
	assert.Equal(t, "fred", sel.ProviderID)
}

func TestInitEnv_RedisLevelCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg = testConfig(t)
	cfg.Redis = config.RedisConfig{Addr: mr.Addr(), LevelTTLSecs: 30}
	ctx := context.Background()

	env, err := initEnv(ctx, "cli")
	require.NoError(t, err)
	defer env.Close()
	require.NotNil(t, env.Redis)

	_, err = env.Machine.Bootstrap(ctx, "test")
	require.NoError(t, err)

	level, err := env.Machine.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefconGreen, level)

	cached, err := mr.Get(defcon.DefaultLevelKey)
	require.NoError(t, err)
	assert.Equal(t, string(model.DefconGreen), cached)
}

func TestInitEnv_DowngradeAuthorityFromConfig(t *testing.T) {
	cfg = testConfig(t)
	cfg.Defcon.DowngradeAuthority = map[string][]string{"ORANGE": {"OPERATOR"}}
	ctx := context.Background()

	env, err := initEnv(ctx, "cli")
	require.NoError(t, err)
	defer env.Close()

	_, err = env.Machine.Bootstrap(ctx, "test")
	require.NoError(t, err)
	_, err = env.Machine.Transition(ctx, defcon.TransitionRequest{
		Level: model.DefconOrange, Reason: "drill", TriggeredBy: "test",
	})
	require.NoError(t, err)

	_, err = env.Machine.Transition(ctx, defcon.TransitionRequest{
		Level: model.DefconGreen, Reason: "drill over", TriggeredBy: "test", ActorRole: defcon.RoleRuntimeGuardian,
	})
	assert.ErrorIs(t, err, defcon.ErrUnauthorizedDowngrade)

	_, err = env.Machine.Transition(ctx, defcon.TransitionRequest{
		Level: model.DefconGreen, Reason: "drill over", TriggeredBy: "test", ActorRole: "operator",
	})
	require.NoError(t, err)
}
