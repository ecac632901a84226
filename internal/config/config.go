package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Scanner     ScannerConfig     `yaml:"scanner" mapstructure:"scanner"`
	Classifier  ClassifierConfig  `yaml:"classifier" mapstructure:"classifier"`
	DoubleCheck DoubleCheckConfig `yaml:"doublecheck" mapstructure:"doublecheck"`
	Draft       DraftConfig       `yaml:"draft" mapstructure:"draft"`
	Delivery    DeliveryConfig    `yaml:"delivery" mapstructure:"delivery"`
	OpenRouter  OpenRouterConfig  `yaml:"openrouter" mapstructure:"openrouter"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Prefilter   PrefilterConfig   `yaml:"prefilter" mapstructure:"prefilter"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ScannerConfig drives the orchestrator loop.
type ScannerConfig struct {
	PollIntervalSeconds  int `yaml:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	MessagesPerCycle     int `yaml:"messages_per_cycle" mapstructure:"messages_per_cycle"`
	TenantWorkerBudget   int `yaml:"tenant_worker_budget" mapstructure:"tenant_worker_budget"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`
	CursorPruneAbove     int `yaml:"cursor_prune_above" mapstructure:"cursor_prune_above"`
	CursorPruneKeep      int `yaml:"cursor_prune_keep" mapstructure:"cursor_prune_keep"`
}

// PollInterval returns the tick period.
func (s ScannerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// SweepInterval returns the undelivered sweep period; zero disables it.
func (s ScannerConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// ClassifierConfig configures the primary classification call.
type ClassifierConfig struct {
	PrimaryModel                string  `yaml:"primary_model" mapstructure:"primary_model"`
	AIConcurrency               int     `yaml:"ai_concurrency" mapstructure:"ai_concurrency"`
	UseBatchAPI                 bool    `yaml:"use_batch_api" mapstructure:"use_batch_api"`
	BatchSize                   int     `yaml:"batch_size" mapstructure:"batch_size"`
	ConfidenceDecisionThreshold int     `yaml:"confidence_decision_threshold" mapstructure:"confidence_decision_threshold"`
	MaxTokens                   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Seed                        int     `yaml:"seed" mapstructure:"seed"`
	HTTPTimeoutMs               int     `yaml:"http_timeout_ms" mapstructure:"http_timeout_ms"`
	RetryMaxAttempts            int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs       int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs           int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	RetryMultiplier             float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	MinSignificantWordOverlap   float64 `yaml:"min_significant_word_overlap" mapstructure:"min_significant_word_overlap"`
}

// HTTPTimeout returns the per-call timeout for classify, verify and draft.
func (c ClassifierConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMs) * time.Millisecond
}

// DoubleCheckConfig configures the second-pass verifier.
type DoubleCheckConfig struct {
	Mode           string `yaml:"mode" mapstructure:"mode"`
	Provider       string `yaml:"provider" mapstructure:"provider"`
	Model          string `yaml:"model" mapstructure:"model"`
	MinConfidence  int    `yaml:"min_confidence" mapstructure:"min_confidence"`
	ShortTextChars int    `yaml:"short_text_chars" mapstructure:"short_text_chars"`
	MaxTokens      int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// DraftConfig configures the first-contact draft call.
type DraftConfig struct {
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// DeliveryConfig configures the outbound adapters.
type DeliveryConfig struct {
	TelegramBotToken    string  `yaml:"telegram_bot_token" mapstructure:"telegram_bot_token"`
	TelegramBaseURL     string  `yaml:"telegram_base_url" mapstructure:"telegram_base_url"`
	TimeoutMs           int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RatePerSecond       float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSeconds int     `yaml:"breaker_reset_seconds" mapstructure:"breaker_reset_seconds"`
	// WebhookAllowPrivate lets webhook channels target loopback and private
	// network addresses.
	WebhookAllowPrivate bool `yaml:"webhook_allow_private" mapstructure:"webhook_allow_private"`
}

// Timeout returns the per-call delivery timeout.
func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// OpenRouterConfig holds the OpenAI-compatible endpoint used with tenant keys.
type OpenRouterConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Referer string `yaml:"referer" mapstructure:"referer"`
	Title   string `yaml:"title" mapstructure:"title"`
}

// AnthropicConfig holds the process-level Anthropic key used when the
// double-check provider is "anthropic".
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// MonitoringConfig configures the backlog and cost alert checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSeconds int     `yaml:"check_interval_seconds" mapstructure:"check_interval_seconds"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	OpenCircuitThreshold int     `yaml:"open_circuit_threshold" mapstructure:"open_circuit_threshold"`
}

// PrefilterConfig configures the deterministic screen.
type PrefilterConfig struct {
	MinTextLength int    `yaml:"min_text_length" mapstructure:"min_text_length"`
	PatternsFile  string `yaml:"patterns_file" mapstructure:"patterns_file"`
}

// Double-check modes.
const (
	DoubleCheckAlways = "always"
	DoubleCheckSmart  = "smart"
	DoubleCheckOff    = "off"
)

// bareEnv maps config keys to the unprefixed environment names the
// deployment has always used.
var bareEnv = map[string]string{
	"scanner.poll_interval_seconds":            "POLL_INTERVAL_SECONDS",
	"scanner.messages_per_cycle":               "MESSAGES_PER_CYCLE",
	"scanner.tenant_worker_budget":             "TENANT_WORKER_BUDGET",
	"classifier.ai_concurrency":                "AI_CONCURRENCY",
	"classifier.use_batch_api":                 "USE_BATCH_API",
	"classifier.batch_size":                    "BATCH_SIZE",
	"classifier.primary_model":                 "PRIMARY_MODEL",
	"classifier.confidence_decision_threshold": "CONFIDENCE_DECISION_THRESHOLD",
	"classifier.http_timeout_ms":               "HTTP_TIMEOUT_MS",
	"doublecheck.mode":                         "DOUBLECHECK_MODE",
	"doublecheck.min_confidence":               "DOUBLECHECK_MIN_CONFIDENCE",
	"delivery.timeout_ms":                      "DELIVERY_TIMEOUT_MS",
	"delivery.telegram_bot_token":              "TELEGRAM_BOT_TOKEN",
	"store.database_url":                       "DATABASE_URL",
	"anthropic.key":                            "ANTHROPIC_API_KEY",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment: LEADSCAN_SCANNER_POLL_INTERVAL_SECONDS wins over the bare name.
	v.SetEnvPrefix("LEADSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range bareEnv {
		prefixed := "LEADSCAN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", env)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("scanner.poll_interval_seconds", 5)
	v.SetDefault("scanner.messages_per_cycle", 1000)
	v.SetDefault("scanner.tenant_worker_budget", 4)
	v.SetDefault("scanner.sweep_interval_seconds", 300)
	v.SetDefault("scanner.cursor_prune_above", 100)
	v.SetDefault("scanner.cursor_prune_keep", 50)
	v.SetDefault("classifier.primary_model", "openai/gpt-4o-mini")
	v.SetDefault("classifier.ai_concurrency", 20)
	v.SetDefault("classifier.use_batch_api", true)
	v.SetDefault("classifier.batch_size", 5)
	v.SetDefault("classifier.confidence_decision_threshold", 60)
	v.SetDefault("classifier.max_tokens", 500)
	v.SetDefault("classifier.seed", 42)
	v.SetDefault("classifier.http_timeout_ms", 30000)
	v.SetDefault("classifier.retry_max_attempts", 3)
	v.SetDefault("classifier.retry_initial_backoff_ms", 1000)
	v.SetDefault("classifier.retry_max_backoff_ms", 10000)
	v.SetDefault("classifier.retry_multiplier", 2.0)
	v.SetDefault("classifier.min_significant_word_overlap", 0.3)
	v.SetDefault("doublecheck.mode", DoubleCheckAlways)
	v.SetDefault("doublecheck.provider", "llm")
	v.SetDefault("doublecheck.model", "openai/gpt-4o")
	v.SetDefault("doublecheck.min_confidence", 90)
	v.SetDefault("doublecheck.short_text_chars", 20)
	v.SetDefault("doublecheck.max_tokens", 300)
	v.SetDefault("draft.model", "openai/gpt-4o-mini")
	v.SetDefault("draft.temperature", 0.7)
	v.SetDefault("draft.max_tokens", 500)
	v.SetDefault("delivery.telegram_base_url", "https://api.telegram.org")
	v.SetDefault("delivery.timeout_ms", 10000)
	v.SetDefault("delivery.rate_per_second", 25.0)
	v.SetDefault("delivery.burst", 5)
	v.SetDefault("delivery.breaker_threshold", 5)
	v.SetDefault("delivery.breaker_reset_seconds", 60)
	v.SetDefault("delivery.webhook_allow_private", false)
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.title", "lead-scanner")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("monitoring.check_interval_seconds", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.backlog_threshold", 50)
	v.SetDefault("monitoring.cost_threshold_usd", 25.0)
	v.SetDefault("monitoring.open_circuit_threshold", 1)
	v.SetDefault("prefilter.min_text_length", 10)

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

// Validate checks the fields a command depends on. Mode is one of "scan",
// "sweep", "migrate" or "classify".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "scan", "sweep":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validatePipeline()...)
		errs = append(errs, c.validateScanner()...)
		if mode == "scan" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Delivery.TimeoutMs <= 0 {
			errs = append(errs, "delivery.timeout_ms must be > 0")
		}
	case "migrate":
		errs = append(errs, c.validateStore()...)
	case "classify":
		errs = append(errs, c.validatePipeline()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: %s", strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	return errs
}

func (c *Config) validateScanner() []string {
	var errs []string
	s := c.Scanner
	if s.PollIntervalSeconds <= 0 {
		errs = append(errs, "scanner.poll_interval_seconds must be > 0")
	}
	if s.MessagesPerCycle <= 0 {
		errs = append(errs, "scanner.messages_per_cycle must be > 0")
	}
	if s.TenantWorkerBudget < 1 || s.TenantWorkerBudget > 64 {
		errs = append(errs, "scanner.tenant_worker_budget must be between 1 and 64")
	}
	if s.SweepIntervalSeconds < 0 {
		errs = append(errs, "scanner.sweep_interval_seconds must be >= 0")
	}
	if s.CursorPruneKeep <= 0 || s.CursorPruneKeep > s.CursorPruneAbove {
		errs = append(errs, "scanner.cursor_prune_keep must be > 0 and <= cursor_prune_above")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	cl := c.Classifier
	if cl.PrimaryModel == "" {
		errs = append(errs, "classifier.primary_model is required")
	}
	if cl.AIConcurrency < 1 || cl.AIConcurrency > 200 {
		errs = append(errs, "classifier.ai_concurrency must be between 1 and 200")
	}
	if cl.UseBatchAPI && cl.BatchSize < 1 {
		errs = append(errs, "classifier.batch_size must be >= 1 when batching")
	}
	if cl.ConfidenceDecisionThreshold < 0 || cl.ConfidenceDecisionThreshold > 100 {
		errs = append(errs, "classifier.confidence_decision_threshold must be between 0 and 100")
	}
	if cl.HTTPTimeoutMs <= 0 {
		errs = append(errs, "classifier.http_timeout_ms must be > 0")
	}
	if cl.MinSignificantWordOverlap < 0 || cl.MinSignificantWordOverlap > 1 {
		errs = append(errs, "classifier.min_significant_word_overlap must be between 0 and 1")
	}

	dc := c.DoubleCheck
	switch dc.Mode {
	case DoubleCheckAlways, DoubleCheckSmart, DoubleCheckOff:
	default:
		errs = append(errs, fmt.Sprintf("doublecheck.mode %q must be always, smart or off", dc.Mode))
	}
	if dc.MinConfidence < 0 || dc.MinConfidence > 100 {
		errs = append(errs, "doublecheck.min_confidence must be between 0 and 100")
	}
	if dc.Mode != DoubleCheckOff {
		switch dc.Provider {
		case "llm":
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required when doublecheck.provider is anthropic")
			}
		default:
			errs = append(errs, fmt.Sprintf("doublecheck.provider %q must be llm or anthropic", dc.Provider))
		}
	}
	return errs
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
