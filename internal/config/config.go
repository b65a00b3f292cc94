// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when optional settings are unset.
const (
	defaultFeedReconnectBase    = "2s"
	defaultFeedReconnectCap     = "60s"
	defaultFeedReconnectCeiling = 10
	defaultPollInterval         = "2s"
	defaultPollAttempts         = 10
	defaultEntryRetries         = 2
	defaultAdaptiveAttempts     = 4
	defaultAdaptiveWait         = "15s"
	defaultAdaptiveDecrement    = 0.05
	defaultMinTick              = 0.01
	defaultGuaranteeAfter       = "45s"
	defaultCallTimeout          = "5s"
	defaultSlippageReserve      = 1.02
	defaultAutoExitInterval     = "30s"
	defaultStoragePath          = "positions.json"
	defaultServerPort           = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment   EnvironmentConfig   `yaml:"environment"`
	Broker        BrokerConfig        `yaml:"broker"`
	Feed          FeedConfig          `yaml:"feed"`
	Execution     ExecutionConfig     `yaml:"execution"`
	AutoExit      AutoExitConfig      `yaml:"autoexit"`
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper-internal | paper-broker | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. PaperCash seeds the internal
// paper ledger in paper-internal mode.
type BrokerConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIEndpoint string  `yaml:"api_endpoint"`
	AccountID   string  `yaml:"account_id"`
	PaperCash   float64 `yaml:"paper_cash"`
}

// FeedConfig defines the streaming market-data connection.
type FeedConfig struct {
	URL              string `yaml:"url"`
	ReconnectBase    string `yaml:"reconnect_base"`
	ReconnectCap     string `yaml:"reconnect_cap"`
	ReconnectCeiling int    `yaml:"reconnect_ceiling"`
}

// ExecutionConfig defines order execution tuning.
type ExecutionConfig struct {
	PollInterval      string  `yaml:"poll_interval"`
	PollAttempts      int     `yaml:"poll_attempts"`
	EntryRetries      int     `yaml:"entry_retries"`
	AdaptiveAttempts  int     `yaml:"adaptive_attempts"`
	AdaptiveWait      string  `yaml:"adaptive_wait"`
	AdaptiveDecrement float64 `yaml:"adaptive_decrement"`
	MinTick           float64 `yaml:"min_tick"`
	GuaranteeAfter    string  `yaml:"guarantee_after"`
	CallTimeout       string  `yaml:"call_timeout"`
	SlippageReserve   float64 `yaml:"slippage_reserve"`
}

// ThresholdsConfig is a stop-loss/take-profit pair in percent of entry price.
type ThresholdsConfig struct {
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
}

// AutoExitConfig defines the auto-exit monitor's sweep and thresholds.
// Profiles key trader types; Users maps user ids to a trader type. A user
// with no mapping, or a mapping to an unknown profile, gets Default.
type AutoExitConfig struct {
	Enabled  bool                        `yaml:"enabled"`
	Interval string                      `yaml:"interval"`
	Default  ThresholdsConfig            `yaml:"default"`
	Profiles map[string]ThresholdsConfig `yaml:"profiles"`
	Users    map[string]string           `yaml:"users"`
}

// ServerConfig defines the HTTP API server settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// NotificationsConfig defines optional operator notification channels.
type NotificationsConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.ReconnectBase == "" {
		c.Feed.ReconnectBase = defaultFeedReconnectBase
	}
	if c.Feed.ReconnectCap == "" {
		c.Feed.ReconnectCap = defaultFeedReconnectCap
	}
	if c.Feed.ReconnectCeiling == 0 {
		c.Feed.ReconnectCeiling = defaultFeedReconnectCeiling
	}
	if c.Execution.PollInterval == "" {
		c.Execution.PollInterval = defaultPollInterval
	}
	if c.Execution.PollAttempts == 0 {
		c.Execution.PollAttempts = defaultPollAttempts
	}
	if c.Execution.EntryRetries == 0 {
		c.Execution.EntryRetries = defaultEntryRetries
	}
	if c.Execution.AdaptiveAttempts == 0 {
		c.Execution.AdaptiveAttempts = defaultAdaptiveAttempts
	}
	if c.Execution.AdaptiveWait == "" {
		c.Execution.AdaptiveWait = defaultAdaptiveWait
	}
	if c.Execution.AdaptiveDecrement == 0 {
		c.Execution.AdaptiveDecrement = defaultAdaptiveDecrement
	}
	if c.Execution.MinTick == 0 {
		c.Execution.MinTick = defaultMinTick
	}
	if c.Execution.GuaranteeAfter == "" {
		c.Execution.GuaranteeAfter = defaultGuaranteeAfter
	}
	if c.Execution.CallTimeout == "" {
		c.Execution.CallTimeout = defaultCallTimeout
	}
	if c.Execution.SlippageReserve == 0 {
		c.Execution.SlippageReserve = defaultSlippageReserve
	}
	if c.AutoExit.Interval == "" {
		c.AutoExit.Interval = defaultAutoExitInterval
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case "paper-internal":
		if c.Broker.PaperCash <= 0 {
			return fmt.Errorf("broker.paper_cash must be > 0 in paper-internal mode")
		}
	case "paper-broker", "live":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	default:
		return fmt.Errorf("environment.mode must be 'paper-internal', 'paper-broker', or 'live'")
	}

	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if c.Feed.ReconnectCeiling <= 0 {
		return fmt.Errorf("feed.reconnect_ceiling must be > 0")
	}
	for name, value := range map[string]string{
		"feed.reconnect_base":       c.Feed.ReconnectBase,
		"feed.reconnect_cap":        c.Feed.ReconnectCap,
		"execution.poll_interval":   c.Execution.PollInterval,
		"execution.adaptive_wait":   c.Execution.AdaptiveWait,
		"execution.guarantee_after": c.Execution.GuaranteeAfter,
		"execution.call_timeout":    c.Execution.CallTimeout,
		"autoexit.interval":         c.AutoExit.Interval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	if c.Execution.PollAttempts <= 0 {
		return fmt.Errorf("execution.poll_attempts must be > 0")
	}
	if c.Execution.EntryRetries < 0 {
		return fmt.Errorf("execution.entry_retries must be >= 0")
	}
	if c.Execution.AdaptiveAttempts <= 0 {
		return fmt.Errorf("execution.adaptive_attempts must be > 0")
	}
	if c.Execution.AdaptiveDecrement <= 0 {
		return fmt.Errorf("execution.adaptive_decrement must be > 0")
	}
	if c.Execution.MinTick <= 0 {
		return fmt.Errorf("execution.min_tick must be > 0")
	}
	if c.Execution.SlippageReserve <= 1 {
		return fmt.Errorf("execution.slippage_reserve must be > 1")
	}

	if c.AutoExit.Enabled {
		if err := validateThresholds("autoexit.default", c.AutoExit.Default); err != nil {
			return err
		}
		for name, th := range c.AutoExit.Profiles {
			if err := validateThresholds("autoexit.profiles."+name, th); err != nil {
				return err
			}
		}
		for user, traderType := range c.AutoExit.Users {
			if _, ok := c.AutoExit.Profiles[traderType]; !ok {
				return fmt.Errorf("autoexit.users.%s references unknown profile %q", user, traderType)
			}
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

func validateThresholds(name string, th ThresholdsConfig) error {
	if th.StopLossPct < 0 || th.TakeProfitPct < 0 {
		return fmt.Errorf("%s: thresholds must be >= 0", name)
	}
	if th.StopLossPct == 0 && th.TakeProfitPct == 0 {
		return fmt.Errorf("%s: at least one of stop_loss_pct/take_profit_pct must be set", name)
	}
	return nil
}

// Mode helpers.

// IsPaperInternal reports whether orders route to the in-process ledger.
func (c *Config) IsPaperInternal() bool { return c.Environment.Mode == "paper-internal" }

// IsLive reports whether orders route to the live brokerage.
func (c *Config) IsLive() bool { return c.Environment.Mode == "live" }

// Duration getters. Validate guarantees these parse; the fallbacks only
// guard a Config built without Load.

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// FeedReconnectBase returns the first reconnect delay.
func (c *Config) FeedReconnectBase() time.Duration {
	return parseDurationOr(c.Feed.ReconnectBase, 2*time.Second)
}

// FeedReconnectCap returns the backoff ceiling per attempt.
func (c *Config) FeedReconnectCap() time.Duration {
	return parseDurationOr(c.Feed.ReconnectCap, 60*time.Second)
}

// ExecPollInterval returns the fill-confirmation poll spacing.
func (c *Config) ExecPollInterval() time.Duration {
	return parseDurationOr(c.Execution.PollInterval, 2*time.Second)
}

// ExecAdaptiveWait returns the per-limit-order fill window.
func (c *Config) ExecAdaptiveWait() time.Duration {
	return parseDurationOr(c.Execution.AdaptiveWait, 15*time.Second)
}

// ExecGuaranteeAfter returns the adaptive exit's escalation window.
func (c *Config) ExecGuaranteeAfter() time.Duration {
	return parseDurationOr(c.Execution.GuaranteeAfter, 45*time.Second)
}

// ExecCallTimeout returns the per-brokerage-call timeout.
func (c *Config) ExecCallTimeout() time.Duration {
	return parseDurationOr(c.Execution.CallTimeout, 5*time.Second)
}

// AutoExitInterval returns the monitor sweep interval.
func (c *Config) AutoExitInterval() time.Duration {
	return parseDurationOr(c.AutoExit.Interval, 30*time.Second)
}
