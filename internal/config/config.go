package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/profile-reconciler/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Verify     VerifyConfig     `yaml:"verify" mapstructure:"verify"`
	Quarantine QuarantineConfig `yaml:"quarantine" mapstructure:"quarantine"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the AI verification layers.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	HaikuModel        string  `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel       string  `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// ReconcileConfig configures the reconciliation engine.
type ReconcileConfig struct {
	TablesPath      string            `yaml:"tables_path" mapstructure:"tables_path"`
	Workers         int               `yaml:"workers" mapstructure:"workers"`
	RefreshMode     bool              `yaml:"refresh_mode" mapstructure:"refresh_mode"`
	StaleDays       int               `yaml:"stale_days" mapstructure:"stale_days"`
	ExpiryThreshold float64           `yaml:"expiry_threshold" mapstructure:"expiry_threshold"`
	PipelineVersion string            `yaml:"pipeline_version" mapstructure:"pipeline_version"`
	CreateMissing   bool              `yaml:"create_missing" mapstructure:"create_missing"`
	WritePolicies   map[string]string `yaml:"write_policies" mapstructure:"write_policies"`
}

// VerifyConfig configures the verification gate.
type VerifyConfig struct {
	RequiredFields []string          `yaml:"required_fields" mapstructure:"required_fields"`
	FieldKinds     map[string]string `yaml:"field_kinds" mapstructure:"field_kinds"`
	AILayer2       bool              `yaml:"ai_layer2" mapstructure:"ai_layer2"`
	AILayer3       bool              `yaml:"ai_layer3" mapstructure:"ai_layer3"`
	AITimeoutSecs  int               `yaml:"ai_timeout_secs" mapstructure:"ai_timeout_secs"`
}

// QuarantineConfig configures the quarantine log.
type QuarantineConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// RetryConfig configures the quarantine retry runner.
type RetryConfig struct {
	LearningDir         string `yaml:"learning_dir" mapstructure:"learning_dir"`
	ProducerURL         string `yaml:"producer_url" mapstructure:"producer_url"`
	ProducerToken       string `yaml:"producer_token" mapstructure:"producer_token"`
	StrategiesPath      string `yaml:"strategies_path" mapstructure:"strategies_path"`
	FallbackMethod      string `yaml:"fallback_method" mapstructure:"fallback_method"`
	AttemptBudget       int    `yaml:"attempt_budget" mapstructure:"attempt_budget"`
	InitialBackoffMs    int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs      int    `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	BreakerThreshold    int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int    `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxBodyMB      int      `yaml:"max_body_mb" mapstructure:"max_body_mb"`
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
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_mb", 32)
	v.SetDefault("reconcile.workers", 8)
	v.SetDefault("reconcile.stale_days", 90)
	v.SetDefault("reconcile.expiry_threshold", 0.5)
	v.SetDefault("reconcile.pipeline_version", "v1")
	v.SetDefault("verify.required_fields", []string{"full_name"})
	v.SetDefault("verify.ai_timeout_secs", 30)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("anthropic.burst", 5)
	v.SetDefault("quarantine.dir", "data/quarantine")
	v.SetDefault("retry.learning_dir", "data/learning")
	v.SetDefault("retry.fallback_method", "ai_research")
	v.SetDefault("retry.attempt_budget", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_secs", 30)
	v.SetDefault("retry.breaker_threshold", 5)
	v.SetDefault("retry.breaker_cooldown_secs", 30)

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

// Validate checks the settings a command mode needs. Every mode needs the
// store; "reconcile", "retry" and "serve" also need the engine settings.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store":
		errs = c.validateStore(errs)
	case "reconcile":
		errs = c.validateEngine(c.validateStore(errs))
	case "retry":
		errs = c.validateEngine(c.validateStore(errs))
		if c.Retry.ProducerURL == "" {
			errs = append(errs, "retry.producer_url is required")
		}
		if c.Retry.LearningDir == "" {
			errs = append(errs, "retry.learning_dir is required")
		}
		if c.Retry.AttemptBudget < 1 {
			errs = append(errs, "retry.attempt_budget must be at least 1")
		}
	case "serve":
		errs = c.validateEngine(c.validateStore(errs))
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore(errs []string) []string {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateEngine(errs []string) []string {
	if c.Reconcile.Workers < 1 || c.Reconcile.Workers > 64 {
		errs = append(errs, "reconcile.workers must be between 1 and 64")
	}
	if c.Reconcile.ExpiryThreshold <= 0 || c.Reconcile.ExpiryThreshold >= 1 {
		errs = append(errs, "reconcile.expiry_threshold must be between 0 and 1")
	}
	if c.Reconcile.StaleDays < 0 {
		errs = append(errs, "reconcile.stale_days must be >= 0")
	}
	fields := make([]string, 0, len(c.Reconcile.WritePolicies))
	for field := range c.Reconcile.WritePolicies {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if p := c.Reconcile.WritePolicies[field]; !model.WritePolicy(p).Valid() {
			errs = append(errs, fmt.Sprintf("reconcile.write_policies.%s: unknown policy %q", field, p))
		}
	}
	for field, kind := range c.Verify.FieldKinds {
		switch kind {
		case "text", "email", "url", "linkedin", "phone":
		default:
			errs = append(errs, fmt.Sprintf("verify.field_kinds.%s: unknown kind %q", field, kind))
		}
	}
	if c.Quarantine.Dir == "" {
		errs = append(errs, "quarantine.dir is required")
	}
	if (c.Verify.AILayer2 || c.Verify.AILayer3) && c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required when AI verification is enabled")
	}
	return errs
}

// FieldPolicies converts the configured write policies.
func (c ReconcileConfig) FieldPolicies() map[string]model.WritePolicy {
	if len(c.WritePolicies) == 0 {
		return nil
	}
	out := make(map[string]model.WritePolicy, len(c.WritePolicies))
	for field, p := range c.WritePolicies {
		out[field] = model.WritePolicy(p)
	}
	return out
}

// AITimeout returns the per-call AI verification timeout.
func (c VerifyConfig) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutSecs) * time.Second
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
