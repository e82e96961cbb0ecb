// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gmail     GmailConfig     `yaml:"gmail" mapstructure:"gmail"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the lease store, status cache and progress channel.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// AnthropicConfig holds Anthropic API settings for the extractor.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// GmailConfig holds the Gmail source connector credentials. Token
// acquisition and refresh happen outside this service; we only consume a
// previously granted refresh token.
type GmailConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	RefreshToken string `yaml:"refresh_token" mapstructure:"refresh_token"`
	Query        string `yaml:"query" mapstructure:"query"`
}

// Configured reports whether the connector has usable credentials.
func (g GmailConfig) Configured() bool {
	return g.ClientID != "" && g.ClientSecret != "" && g.RefreshToken != ""
}

// SyncConfig tunes the sync coordinator and continuation loop.
type SyncConfig struct {
	DaysBack              int     `yaml:"days_back" mapstructure:"days_back"`
	FreshnessWindowMins   int     `yaml:"freshness_window_mins" mapstructure:"freshness_window_mins"`
	OverlapMins           int     `yaml:"overlap_mins" mapstructure:"overlap_mins"`
	BatchMin              int     `yaml:"batch_min" mapstructure:"batch_min"`
	BatchMax              int     `yaml:"batch_max" mapstructure:"batch_max"`
	IterationBudgetSecs   int     `yaml:"iteration_budget_secs" mapstructure:"iteration_budget_secs"`
	RateLimitedBudgetSecs int     `yaml:"rate_limited_budget_secs" mapstructure:"rate_limited_budget_secs"`
	MaxRuntimeSecs        int     `yaml:"max_runtime_secs" mapstructure:"max_runtime_secs"`
	SafetyMarginSecs      int     `yaml:"safety_margin_secs" mapstructure:"safety_margin_secs"`
	FetchTimeoutFraction  float64 `yaml:"fetch_timeout_fraction" mapstructure:"fetch_timeout_fraction"`
	LockTTLSecs           int     `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	MinTextLength         int     `yaml:"min_text_length" mapstructure:"min_text_length"`
}

// IterationBudget returns the per-iteration wall-clock budget, reduced when
// the source reported rate limiting.
func (s SyncConfig) IterationBudget(rateLimited bool) time.Duration {
	if rateLimited {
		return time.Duration(s.RateLimitedBudgetSecs) * time.Second
	}
	return time.Duration(s.IterationBudgetSecs) * time.Second
}

// MaxRuntime is the wall-clock ceiling for one coordinator run.
func (s SyncConfig) MaxRuntime() time.Duration {
	return time.Duration(s.MaxRuntimeSecs) * time.Second
}

// SafetyMargin is how long before MaxRuntime the loop stops queueing work
// and the safety timer force-releases the lease.
func (s SyncConfig) SafetyMargin() time.Duration {
	return time.Duration(s.SafetyMarginSecs) * time.Second
}

// LockTTL is the lease TTL; a lease older than this is stale.
func (s SyncConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSecs) * time.Second
}

// FreshnessWindow is how recently a sync must have completed for a
// non-forced run to be skipped as a no-op.
func (s SyncConfig) FreshnessWindow() time.Duration {
	return time.Duration(s.FreshnessWindowMins) * time.Minute
}

// Overlap is the safety overlap subtracted from the last known email
// timestamp when computing the incremental fetch cutoff.
func (s SyncConfig) Overlap() time.Duration {
	return time.Duration(s.OverlapMins) * time.Minute
}

// FetchTimeout bounds the source fetch to a fraction of total runtime.
func (s SyncConfig) FetchTimeout() time.Duration {
	frac := s.FetchTimeoutFraction
	if frac <= 0 || frac > 1 {
		frac = 0.25
	}
	return time.Duration(float64(s.MaxRuntime()) * frac)
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("SUBSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rps", 2)
	v.SetDefault("gmail.query", "label:newsletters")
	v.SetDefault("sync.days_back", 30)
	v.SetDefault("sync.freshness_window_mins", 60)
	v.SetDefault("sync.overlap_mins", 5)
	v.SetDefault("sync.batch_min", 10)
	v.SetDefault("sync.batch_max", 20)
	v.SetDefault("sync.iteration_budget_secs", 45)
	v.SetDefault("sync.rate_limited_budget_secs", 20)
	v.SetDefault("sync.max_runtime_secs", 280)
	v.SetDefault("sync.safety_margin_secs", 15)
	v.SetDefault("sync.fetch_timeout_fraction", 0.25)
	v.SetDefault("sync.lock_ttl_secs", 300)
	v.SetDefault("sync.min_text_length", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
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
