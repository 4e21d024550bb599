package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot related settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	AdminID int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	// AllowedIDs restricts the bot to these Telegram user ids. Empty means
	// admin-only.
	AllowedIDs []int64 `yaml:"allowed_ids" envconfig:"TELEGRAM_ALLOWED_IDS"`
	RunMode    string  `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Stacks      string `yaml:"stacks"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

// StoreConfig locates the shared JSON document.
type StoreConfig struct {
	Path string `yaml:"path" envconfig:"STORE_PATH"`
	// TaskRetention is how long terminal tasks stay in the document before
	// the pruner drops them; the Postgres archive keeps them long-term.
	TaskRetention time.Duration `yaml:"task_retention" envconfig:"STORE_TASK_RETENTION"`
	// PruneInterval is how often the pruner pass runs.
	PruneInterval time.Duration `yaml:"prune_interval" envconfig:"STORE_PRUNE_INTERVAL"`
}

// AutomationConfig bounds the check-in runner.
type AutomationConfig struct {
	MaxSessions    int           `yaml:"max_sessions" envconfig:"AUTOMATION_MAX_SESSIONS"`
	QueueSize      int           `yaml:"queue_size" envconfig:"AUTOMATION_QUEUE_SIZE"`
	TaskTimeout    time.Duration `yaml:"task_timeout" envconfig:"AUTOMATION_TASK_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" envconfig:"AUTOMATION_MAX_RETRIES"`
	RetryBackoffMS int           `yaml:"retry_backoff_ms" envconfig:"AUTOMATION_RETRY_BACKOFF_MS"`
	// RescanInterval is how often the runner re-reads the shared document
	// for tasks submitted by the admin panel process.
	RescanInterval time.Duration `yaml:"rescan_interval" envconfig:"AUTOMATION_RESCAN_INTERVAL"`
}

// GeoConfig is the default geolocation applied to browser sessions.
// Source is one of "fixed", "ip" or "browser".
type GeoConfig struct {
	Source    string  `yaml:"source"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Accuracy  float64 `yaml:"accuracy"`
}

// BrowserConfig tunes the portal flow. Selector and name lists are tried in
// order; empty values fall back to built-in defaults.
type BrowserConfig struct {
	Headless          bool          `yaml:"headless" envconfig:"BROWSER_HEADLESS"`
	Bin               string        `yaml:"bin" envconfig:"BROWSER_BIN"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	StudentIDSelector string        `yaml:"student_id_selector"`
	PasswordSelector  string        `yaml:"password_selector"`
	SubmitSelector    string        `yaml:"submit_selector"`
	SubmitNames       []string      `yaml:"submit_names"`
	CheckinNames      []string      `yaml:"checkin_names"`
	SuccessSelectors  []string      `yaml:"success_selectors"`
	SpinnerSelectors  []string      `yaml:"spinner_selectors"`
	Geolocation       GeoConfig     `yaml:"geolocation"`
}

// ArtifactsConfig controls screenshot storage and cleanup.
type ArtifactsConfig struct {
	Dir           string        `yaml:"dir" envconfig:"ARTIFACTS_DIR"`
	MaxAge        time.Duration `yaml:"max_age" envconfig:"ARTIFACTS_MAX_AGE"`
	CleanInterval time.Duration `yaml:"clean_interval" envconfig:"ARTIFACTS_CLEAN_INTERVAL"`
}

// WebConfig configures the admin panel process.
type WebConfig struct {
	Listen        string `yaml:"listen" envconfig:"WEB_LISTEN"`
	AdminUser     string `yaml:"admin_user" envconfig:"WEB_ADMIN_USER"`
	AdminPassword string `yaml:"admin_password" envconfig:"WEB_ADMIN_PASSWORD"`
}

// HistoryConfig enables the optional Postgres task archive.
type HistoryConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"HISTORY_ENABLED"`
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// GeoFixed applies configured coordinates to the session.
	GeoFixed = "fixed"
	// GeoIP resolves coordinates from the egress IP before the run.
	GeoIP = "ip"
	// GeoBrowser leaves geolocation to the browser.
	GeoBrowser = "browser"
)

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
	// UpdateInlineQuery identifies inline query updates for rate limit exclusions.
	UpdateInlineQuery = "inline_query"
)

// RateLimitConfig holds settings for rate limiting.
// ExcludeUpdates accepts update types to bypass limiting:
// - "callback": Telegram callback button presses
// - "message": standard text messages
// - "inline_query": inline query updates
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates settings for both the bot and the web panel process.
// The two processes share one file; each validates only the sections it runs.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Logging    LoggingConfig    `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Store      StoreConfig      `yaml:"store"`
	Automation AutomationConfig `yaml:"automation"`
	Browser    BrowserConfig    `yaml:"browser"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Web        WebConfig        `yaml:"web"`
	History    HistoryConfig    `yaml:"history"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates shared fields and fills defaults. Telegram credentials
// are checked separately by ValidateTelegram so the web process can run
// without them.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = "config/state.json"
	}
	if cfg.Store.TaskRetention <= 0 {
		cfg.Store.TaskRetention = 30 * 24 * time.Hour
	}
	if cfg.Store.PruneInterval <= 0 {
		cfg.Store.PruneInterval = time.Hour
	}

	if cfg.Automation.MaxSessions <= 0 {
		cfg.Automation.MaxSessions = 2
	}
	if cfg.Automation.QueueSize <= 0 {
		cfg.Automation.QueueSize = 32
	}
	if cfg.Automation.TaskTimeout <= 0 {
		cfg.Automation.TaskTimeout = 3 * time.Minute
	}
	if cfg.Automation.MaxRetries < 0 {
		return fmt.Errorf("automation.max_retries must be >= 0")
	}
	if cfg.Automation.MaxRetries == 0 {
		cfg.Automation.MaxRetries = 2
	}
	if cfg.Automation.RetryBackoffMS <= 0 {
		cfg.Automation.RetryBackoffMS = 2000
	}
	if cfg.Automation.RescanInterval <= 0 {
		cfg.Automation.RescanInterval = 5 * time.Second
	}

	if cfg.Browser.NavigationTimeout <= 0 {
		cfg.Browser.NavigationTimeout = 30 * time.Second
	}
	geo := strings.ToLower(strings.TrimSpace(cfg.Browser.Geolocation.Source))
	if geo == "" {
		geo = GeoBrowser
	}
	switch geo {
	case GeoFixed, GeoIP, GeoBrowser:
	default:
		return fmt.Errorf("invalid browser.geolocation.source %q; allowed: fixed, ip, browser", cfg.Browser.Geolocation.Source)
	}
	cfg.Browser.Geolocation.Source = geo

	if strings.TrimSpace(cfg.Artifacts.Dir) == "" {
		cfg.Artifacts.Dir = "output"
	}
	if cfg.Artifacts.MaxAge <= 0 {
		cfg.Artifacts.MaxAge = 6 * time.Hour
	}
	if cfg.Artifacts.CleanInterval <= 0 {
		cfg.Artifacts.CleanInterval = 30 * time.Minute
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	allowed := map[string]struct{}{
		UpdateCallback:    {},
		UpdateMessage:     {},
		UpdateInlineQuery: {},
	}
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message, inline_query", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}
	return nil
}

// ValidateTelegram checks the fields the bot process depends on.
func ValidateTelegram(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm
	return nil
}

// ValidateWeb checks the fields the admin panel process depends on.
func ValidateWeb(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if strings.TrimSpace(cfg.Web.AdminUser) == "" || strings.TrimSpace(cfg.Web.AdminPassword) == "" {
		return fmt.Errorf("web.admin_user and web.admin_password are required")
	}
	return nil
}
