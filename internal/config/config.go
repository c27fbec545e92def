package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Router      RouterConfig      `yaml:"router" mapstructure:"router"`
	Reliability ReliabilityConfig `yaml:"reliability" mapstructure:"reliability"`
	Defcon      DefconConfig      `yaml:"defcon" mapstructure:"defcon"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Seed        SeedConfig        `yaml:"seed" mapstructure:"seed"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the DEFCON level cache. An empty Addr disables it.
type RedisConfig struct {
	Addr             string `yaml:"addr" mapstructure:"addr"`
	Password         string `yaml:"password" mapstructure:"password"`
	DB               int    `yaml:"db" mapstructure:"db"`
	LevelTTLSecs     int    `yaml:"level_ttl_secs" mapstructure:"level_ttl_secs"`
	GuardFailures    int    `yaml:"guard_failures" mapstructure:"guard_failures"`
	GuardCoolOffSecs int    `yaml:"guard_cool_off_secs" mapstructure:"guard_cool_off_secs"`
}

// RouterConfig configures provider selection.
type RouterConfig struct {
	QuotaSafetyMargin  float64 `yaml:"quota_safety_margin" mapstructure:"quota_safety_margin"`
	MaxBackoffExponent int     `yaml:"max_backoff_exponent" mapstructure:"max_backoff_exponent"`
	EnforceRateLimits  bool    `yaml:"enforce_rate_limits" mapstructure:"enforce_rate_limits"`
}

// ReliabilityConfig configures the reliability store.
type ReliabilityConfig struct {
	DefaultScore float64 `yaml:"default_score" mapstructure:"default_score"`
}

// DefconConfig configures the state machine.
type DefconConfig struct {
	// DowngradeAuthority maps a level to the roles allowed to downgrade
	// from it. Empty uses the built-in table.
	DowngradeAuthority map[string][]string `yaml:"downgrade_authority" mapstructure:"downgrade_authority"`
	TransitionRetries  int                 `yaml:"transition_retries" mapstructure:"transition_retries"`
	RetryBackoffMs     int                 `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	BootstrapActor     string              `yaml:"bootstrap_actor" mapstructure:"bootstrap_actor"`
}

// MonitoringConfig configures the watcher and alerting.
type MonitoringConfig struct {
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackMinutes   int    `yaml:"lookback_minutes" mapstructure:"lookback_minutes"`
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookRetries    int    `yaml:"webhook_retries" mapstructure:"webhook_retries"`
	// MinLevel is the least severe level whose transitions are alerted.
	MinLevel string `yaml:"min_level" mapstructure:"min_level"`
}

// SeedConfig configures catalog seeding.
type SeedConfig struct {
	// CatalogPath overrides the embedded catalog when set.
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// ServerConfig configures the HTTP API. RoleHeader names the header an
// authenticating proxy sets to the caller's DEFCON authority role; empty
// trusts actor_role in the transition body.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RoleHeader     string   `yaml:"role_header" mapstructure:"role_header"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VISION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.level_ttl_secs", 5)
	v.SetDefault("redis.guard_failures", 5)
	v.SetDefault("redis.guard_cool_off_secs", 30)
	v.SetDefault("router.quota_safety_margin", 0.99)
	v.SetDefault("router.max_backoff_exponent", 6)
	v.SetDefault("router.enforce_rate_limits", true)
	v.SetDefault("reliability.default_score", 0.50)
	v.SetDefault("defcon.transition_retries", 3)
	v.SetDefault("defcon.retry_backoff_ms", 50)
	v.SetDefault("defcon.bootstrap_actor", "system")
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.lookback_minutes", 15)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.webhook_retries", 3)
	v.SetDefault("monitoring.min_level", "ORANGE")
	v.SetDefault("seed.catalog_path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.role_header", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs: "serve", "watch" or
// "cli". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Router.QuotaSafetyMargin <= 0 || c.Router.QuotaSafetyMargin > 1 {
		errs = append(errs, "router.quota_safety_margin must be in (0, 1]")
	}
	if c.Router.MaxBackoffExponent < 1 || c.Router.MaxBackoffExponent > 16 {
		errs = append(errs, "router.max_backoff_exponent must be between 1 and 16")
	}
	if c.Reliability.DefaultScore < 0 || c.Reliability.DefaultScore > 1 {
		errs = append(errs, "reliability.default_score must be in [0, 1]")
	}
	if c.Defcon.TransitionRetries < 1 {
		errs = append(errs, "defcon.transition_retries must be >= 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.CheckIntervalSecs <= 0 {
			errs = append(errs, "monitoring.check_interval_secs must be > 0")
		}
	case "watch":
		if c.Monitoring.CheckIntervalSecs <= 0 {
			errs = append(errs, "monitoring.check_interval_secs must be > 0")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
