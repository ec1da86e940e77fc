// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Auth       AuthConfig            `mapstructure:"auth"`
	Board      BoardConfig           `mapstructure:"board"`
	Discovery  DiscoveryConfig       `mapstructure:"discovery"`
	Governor   GovernorConfig        `mapstructure:"governor"`
	Worker     WorkerConfig          `mapstructure:"worker"`
	Quota      QuotaConfig           `mapstructure:"quota"`
	Automation AutomationConfig      `mapstructure:"automation"`
	DB         DBConfig              `mapstructure:"db"`
	Blob       BlobConfig            `mapstructure:"blob"`
	PubSub     PubSubConfig          `mapstructure:"pubsub"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Tiers      map[string]TierConfig `mapstructure:"tiers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BoardConfig points discovery at the job board.
type BoardConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DiscoveryConfig governs the crawl scheduler.
type DiscoveryConfig struct {
	MaxPagesPerQuery    int     `mapstructure:"max_pages_per_query"`
	DetailConcurrency   int     `mapstructure:"detail_concurrency"`
	DetailTimeoutSec    int     `mapstructure:"detail_timeout_seconds"`
	ScoreThreshold      int     `mapstructure:"score_threshold"`
	StateTTLHours       int     `mapstructure:"state_ttl_hours"`
	StateSweepMinutes   int     `mapstructure:"state_sweep_minutes"`
	ProgressBuffer      int     `mapstructure:"progress_buffer"`
	PatienceThreshold   float64 `mapstructure:"patience_threshold"`
	FanOutExperience    bool    `mapstructure:"fan_out_experience"`
	UseAutomationScroll bool    `mapstructure:"use_automation_scroll"`
	MaxScrolls          int     `mapstructure:"max_scrolls"`
}

// GovernorConfig bounds outbound discovery traffic.
type GovernorConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	RPS           float64 `mapstructure:"rps"`
	Burst         int     `mapstructure:"burst"`
	MinIntervalMs int     `mapstructure:"min_interval_ms"`
	WindowBudget  int     `mapstructure:"window_budget"`
	WindowSeconds int     `mapstructure:"window_seconds"`
}

// WorkerConfig governs the application queue worker.
type WorkerConfig struct {
	TickSeconds  int  `mapstructure:"tick_seconds"`
	BatchSize    int  `mapstructure:"batch_size"`
	LinkBatch    int  `mapstructure:"link_batch"`
	AutoStart    bool `mapstructure:"auto_start"`
	AuditPage    int  `mapstructure:"audit_page"`
	StatusProbe  bool `mapstructure:"status_probe"`
	SubmitSecTO  int  `mapstructure:"submit_timeout_seconds"`
	MaxAttempts  int  `mapstructure:"max_attempts"`
	PacingJitter bool `mapstructure:"pacing_jitter"`
}

// QuotaConfig controls daily quota arithmetic.
type QuotaConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// TierConfig overrides the built-in tier table.
type TierConfig struct {
	DailyLimit    int `mapstructure:"daily_limit"`
	PacingSeconds int `mapstructure:"pacing_seconds"`
}

// AutomationConfig locates the external browser-automation worker.
type AutomationConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// BlobConfig sets paths and content types for snapshot persistence.
type BlobConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for terminal-event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPLYPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("board.base_url", "https://board.example.com")
	v.SetDefault("board.user_agent", "applypilot/0.1")
	v.SetDefault("board.timeout_seconds", 15)
	v.SetDefault("discovery.max_pages_per_query", 5)
	v.SetDefault("discovery.detail_concurrency", 4)
	v.SetDefault("discovery.detail_timeout_seconds", 10)
	v.SetDefault("discovery.score_threshold", 50)
	v.SetDefault("discovery.state_ttl_hours", 24)
	v.SetDefault("discovery.state_sweep_minutes", 30)
	v.SetDefault("discovery.progress_buffer", 256)
	v.SetDefault("discovery.patience_threshold", 0.4)
	v.SetDefault("discovery.use_automation_scroll", false)
	v.SetDefault("discovery.max_scrolls", 10)
	v.SetDefault("governor.max_concurrent", 4)
	v.SetDefault("governor.rps", 1.0)
	v.SetDefault("governor.burst", 2)
	v.SetDefault("governor.min_interval_ms", 500)
	v.SetDefault("governor.window_budget", 120)
	v.SetDefault("governor.window_seconds", 60)
	v.SetDefault("worker.tick_seconds", 10)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.link_batch", 20)
	v.SetDefault("worker.auto_start", false)
	v.SetDefault("worker.audit_page", 20)
	v.SetDefault("worker.status_probe", true)
	v.SetDefault("worker.submit_timeout_seconds", 120)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("automation.timeout_seconds", 30)
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("blob.provider", "memory")
	v.SetDefault("blob.prefix", "postings")
	v.SetDefault("blob.content_type", "application/json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Board.BaseURL == "" {
		return fmt.Errorf("board.base_url must be set")
	}
	if c.Discovery.MaxPagesPerQuery <= 0 {
		return fmt.Errorf("discovery.max_pages_per_query must be > 0")
	}
	if c.Governor.MaxConcurrent <= 0 {
		return fmt.Errorf("governor.max_concurrent must be > 0")
	}
	if c.Worker.TickSeconds <= 0 {
		return fmt.Errorf("worker.tick_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	for name, tier := range c.Tiers {
		if tier.DailyLimit < 0 || tier.PacingSeconds < 0 {
			return fmt.Errorf("tiers.%s must not be negative", name)
		}
	}
	return nil
}

// WorkerTick converts the tick setting into a duration.
func (c Config) WorkerTick() time.Duration {
	return time.Duration(c.Worker.TickSeconds) * time.Second
}

// DetailTimeout converts the per-posting detail fetch timeout into a duration.
func (c Config) DetailTimeout() time.Duration {
	return time.Duration(c.Discovery.DetailTimeoutSec) * time.Second
}
