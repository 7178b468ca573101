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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Campaign   CampaignConfig   `yaml:"campaign" mapstructure:"campaign"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Send       SendConfig       `yaml:"send" mapstructure:"send"`
	SMTP       SMTPConfig       `yaml:"smtp" mapstructure:"smtp"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GatewayConfig configures the generation gateway.
type GatewayConfig struct {
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerMinute int     `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	BatchAPI          bool    `yaml:"batch_api" mapstructure:"batch_api"`
	BatchMinSize      int     `yaml:"batch_min_size" mapstructure:"batch_min_size"`
	PollIntervalSecs  int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutMins   int     `yaml:"poll_timeout_mins" mapstructure:"poll_timeout_mins"`
	CacheTTL          string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// CampaignConfig configures the generation pipeline.
type CampaignConfig struct {
	BatchSize      int     `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelaySecs int     `yaml:"batch_delay_secs" mapstructure:"batch_delay_secs"`
	PromptsFile    string  `yaml:"prompts_file" mapstructure:"prompts_file"`
	MaxCostUSD     float64 `yaml:"max_cost_usd" mapstructure:"max_cost_usd"`
	LockFile       string  `yaml:"lock_file" mapstructure:"lock_file"`
}

// BatchDelay returns the pause between batches.
func (c CampaignConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelaySecs) * time.Second
}

// ScheduleConfig configures the send-slot calculator.
type ScheduleConfig struct {
	Timezone  string `yaml:"timezone" mapstructure:"timezone"`
	StartHour int    `yaml:"start_hour" mapstructure:"start_hour"`
	EndHour   int    `yaml:"end_hour" mapstructure:"end_hour"`
	Capacity  int    `yaml:"capacity" mapstructure:"capacity"`
}

// Location resolves the configured timezone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %q", c.Timezone)
	}
	return loc, nil
}

// SendConfig configures the send engine and the built-in trigger scheduler.
type SendConfig struct {
	LockFile             string `yaml:"lock_file" mapstructure:"lock_file"`
	DefaultSubject       string `yaml:"default_subject" mapstructure:"default_subject"`
	IntervalMins         int    `yaml:"interval_mins" mapstructure:"interval_mins"`
	CampaignIntervalMins int    `yaml:"campaign_interval_mins" mapstructure:"campaign_interval_mins"`
	RetentionDays        int    `yaml:"retention_days" mapstructure:"retention_days"`
}

// SMTPConfig configures the mail relay.
type SMTPConfig struct {
	Addr               string `yaml:"addr" mapstructure:"addr"`
	Username           string `yaml:"username" mapstructure:"username"`
	Password           string `yaml:"password" mapstructure:"password"`
	TLS                string `yaml:"tls" mapstructure:"tls"`
	FromName           string `yaml:"from_name" mapstructure:"from_name"`
	FromAddress        string `yaml:"from_address" mapstructure:"from_address"`
	ReplyTo            string `yaml:"reply_to" mapstructure:"reply_to"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	MaxRetries         int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// NotionConfig holds Notion API credentials for lead import.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	LeadDB string `yaml:"lead_db" mapstructure:"lead_db"`
	// StatusProperty names the Notion status property used by ReadyStatus
	// and ImportedStatus.
	StatusProperty string `yaml:"status_property" mapstructure:"status_property"`
	// ReadyStatus selects pages to import; empty imports the whole database.
	ReadyStatus string `yaml:"ready_status" mapstructure:"ready_status"`
	// ImportedStatus is written back to imported pages when set.
	ImportedStatus string  `yaml:"imported_status" mapstructure:"imported_status"`
	RateLimit      float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// Secret, when set, is required as a bearer token on every route but
	// /health.
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// MonitoringConfig configures post-run alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	ErroredRateThreshold float64 `yaml:"errored_rate_threshold" mapstructure:"errored_rate_threshold"`
	MinRowsForRate       int     `yaml:"min_rows_for_rate" mapstructure:"min_rows_for_rate"`
	SendFailureThreshold int     `yaml:"send_failure_threshold" mapstructure:"send_failure_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleProcessingHours int     `yaml:"stale_processing_hours" mapstructure:"stale_processing_hours"`
}

// PricingConfig holds per-model pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
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
	v.SetEnvPrefix("NURTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "nurture.db")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("gateway.model", "claude-haiku-4-5-20251001")
	v.SetDefault("gateway.max_tokens", 1024)
	v.SetDefault("gateway.temperature", 0.7)
	v.SetDefault("gateway.concurrency", 10)
	v.SetDefault("gateway.requests_per_minute", 50)
	v.SetDefault("gateway.batch_min_size", 20)
	v.SetDefault("gateway.poll_interval_secs", 10)
	v.SetDefault("gateway.poll_timeout_mins", 60)
	v.SetDefault("gateway.cache_ttl", "5m")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.breaker_threshold", 5)
	v.SetDefault("gateway.breaker_reset_secs", 30)
	v.SetDefault("campaign.batch_size", 10)
	v.SetDefault("campaign.batch_delay_secs", 5)
	v.SetDefault("campaign.lock_file", "nurture-campaign.lock")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.start_hour", 8)
	v.SetDefault("schedule.end_hour", 17)
	v.SetDefault("schedule.capacity", 10)
	v.SetDefault("send.lock_file", "nurture-send.lock")
	v.SetDefault("send.default_subject", "Quick question, {{first_name}}")
	v.SetDefault("send.interval_mins", 60)
	v.SetDefault("send.retention_days", 30)
	v.SetDefault("smtp.tls", "starttls")
	v.SetDefault("smtp.max_retries", 3)
	v.SetDefault("notion.rate_limit", 3)
	v.SetDefault("notion.status_property", "Status")
	v.SetDefault("monitoring.errored_rate_threshold", 0.3)
	v.SetDefault("monitoring.min_rows_for_rate", 5)
	v.SetDefault("monitoring.send_failure_threshold", 3)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_processing_hours", 6)

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

// Mode names the command family a config is validated for.
type Mode string

const (
	ModeCampaign Mode = "campaign"
	ModeSend     Mode = "send"
	ModeServe    Mode = "serve"
	ModeImport   Mode = "import"
)

// Validate checks that the keys mode depends on are set and in range.
func (c *Config) Validate(mode Mode) error {
	var errs []string
	require := func(ok bool, key string) {
		if !ok {
			errs = append(errs, key+" is required")
		}
	}

	switch c.Store.Driver {
	case "postgres":
		require(c.Store.DatabaseURL != "", "store.database_url")
	case "sqlite":
		require(c.Store.SQLitePath != "", "store.sqlite_path")
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	campaign := func() {
		require(c.Anthropic.Key != "", "anthropic.key")
		require(c.Gateway.Model != "", "gateway.model")
		if c.Campaign.BatchSize < 1 {
			errs = append(errs, "campaign.batch_size must be > 0")
		}
	}
	send := func() {
		require(c.SMTP.Addr != "", "smtp.addr")
		require(c.SMTP.FromAddress != "", "smtp.from_address")
		require(c.Send.LockFile != "", "send.lock_file")
		// Cascade generation runs inside the send engine.
		require(c.Anthropic.Key != "", "anthropic.key")
	}

	switch mode {
	case ModeCampaign:
		campaign()
	case ModeSend:
		send()
	case ModeServe:
		campaign()
		send()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case ModeImport:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode != ModeImport {
		if c.Schedule.StartHour < 0 || c.Schedule.EndHour > 23 || c.Schedule.StartHour > c.Schedule.EndHour {
			errs = append(errs, "schedule window must satisfy 0 <= start_hour <= end_hour <= 23")
		}
		if _, err := c.Schedule.Location(); err != nil {
			errs = append(errs, "schedule.timezone is invalid")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(dedupe(errs), "; "))
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
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
