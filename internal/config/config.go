package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultProviderName          = "anthropic"
	defaultAnthropicModel        = "claude-sonnet-4-20250514"
	defaultAnthropicVersion      = "2023-06-01"
	defaultRetryMaxRetries       = 3
	defaultRetryBaseDelay        = "300ms"
	defaultRetryMaxDelay         = "5s"
	defaultSchedulerMaxTurns     = 50
	defaultThinkingLevel         = "medium"
	defaultContextWindow         = 200_000
	defaultReserveTokens         = 16_384
	defaultKeepRecentTokens      = 20_000
	defaultSchedulerBaseDelay    = "1s"
	defaultSchedulerMaxDelay     = "30s"
	defaultQueuePolicy           = "one-at-a-time"
	defaultControlListenAddr     = "127.0.0.1:7777"
	defaultSessionsRelativeDir   = ".pigo/sessions"
	defaultEventsDBRelativePath  = ".pigo/events.db"
	defaultConfigRelativePath    = ".config/pigo/config.toml"
	envProviderDefault           = "PIGO_PROVIDER_DEFAULT"
	envAnthropicAPIKey           = "ANTHROPIC_API_KEY"
	envAnthropicModel            = "PIGO_ANTHROPIC_MODEL"
	envAnthropicBaseURL          = "PIGO_ANTHROPIC_BASE_URL"
	envAnthropicVersion          = "PIGO_ANTHROPIC_VERSION"
	envRetryMaxRetries           = "PIGO_ANTHROPIC_RETRY_MAX_RETRIES"
	envRetryBaseDelay            = "PIGO_ANTHROPIC_RETRY_BASE_DELAY"
	envRetryMaxDelay             = "PIGO_ANTHROPIC_RETRY_MAX_DELAY"
	envControlListenAddr         = "PIGO_CONTROL_LISTEN_ADDR"
	envSessionsDir               = "PIGO_SESSIONS_DIR"
	envSchedulerContextWindow    = "PIGO_SCHEDULER_CONTEXT_WINDOW"
	envSchedulerAutoCompaction   = "PIGO_SCHEDULER_AUTO_COMPACTION"
	envSchedulerAutoRetry        = "PIGO_SCHEDULER_AUTO_RETRY"
	envSchedulerKeepRecentTokens = "PIGO_SCHEDULER_KEEP_RECENT_TOKENS"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Provider  ProviderConfig  `toml:"provider"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Control   ControlConfig   `toml:"control"`
}

// ProviderConfig configures model providers.
type ProviderConfig struct {
	Default   string                  `toml:"default"`
	Anthropic AnthropicProviderConfig `toml:"anthropic"`
}

// AnthropicProviderConfig configures Anthropic-specific runtime values.
type AnthropicProviderConfig struct {
	APIKey  string      `toml:"api_key"`
	Model   string      `toml:"model"`
	BaseURL string      `toml:"base_url"`
	Version string      `toml:"version"`
	Retry   RetryConfig `toml:"retry"`
}

// RetryConfig stores retry policy as config-friendly values.
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
}

// SchedulerConfig configures the turn scheduler.
type SchedulerConfig struct {
	MaxTurns         int    `toml:"max_turns"`
	ThinkingLevel    string `toml:"thinking_level"`
	ContextWindow    int    `toml:"context_window"`
	ReserveTokens    int    `toml:"reserve_tokens"`
	KeepRecentTokens int    `toml:"keep_recent_tokens"`
	AutoCompaction   bool   `toml:"auto_compaction"`
	AutoRetry        bool   `toml:"auto_retry"`
	MaxRetries       int    `toml:"max_retries"`
	BaseRetryDelay   string `toml:"base_retry_delay"`
	MaxRetryDelay    string `toml:"max_retry_delay"`
	SteerPolicy      string `toml:"steer_policy"`
	FollowUpPolicy   string `toml:"follow_up_policy"`
	NextTurnPolicy   string `toml:"next_turn_policy"`
}

// SessionsConfig configures on-disk session storage.
type SessionsConfig struct {
	Dir string `toml:"dir"`
}

// ControlConfig configures the HTTP control server.
type ControlConfig struct {
	ListenAddr string `toml:"listen_addr"`
	EventsDB   string `toml:"events_db"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
}

// AnthropicSettings is a validated Anthropic runtime settings snapshot.
type AnthropicSettings struct {
	APIKey  string
	Model   string
	BaseURL string
	Version string
	Retry   AnthropicRetrySettings
}

// AnthropicRetrySettings is the parsed retry policy.
type AnthropicRetrySettings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// SchedulerSettings is a validated scheduler settings snapshot.
type SchedulerSettings struct {
	MaxTurns         int
	ThinkingLevel    string
	ContextWindow    int
	ReserveTokens    int
	KeepRecentTokens int
	AutoCompaction   bool
	AutoRetry        bool
	MaxRetries       int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	SteerPolicy      string
	FollowUpPolicy   string
	NextTurnPolicy   string
}

// Default returns application defaults.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Default: defaultProviderName,
			Anthropic: AnthropicProviderConfig{
				Model:   defaultAnthropicModel,
				Version: defaultAnthropicVersion,
				Retry: RetryConfig{
					MaxRetries: defaultRetryMaxRetries,
					BaseDelay:  defaultRetryBaseDelay,
					MaxDelay:   defaultRetryMaxDelay,
				},
			},
		},
		Scheduler: SchedulerConfig{
			MaxTurns:         defaultSchedulerMaxTurns,
			ThinkingLevel:    defaultThinkingLevel,
			ContextWindow:    defaultContextWindow,
			ReserveTokens:    defaultReserveTokens,
			KeepRecentTokens: defaultKeepRecentTokens,
			AutoCompaction:   true,
			AutoRetry:        true,
			MaxRetries:       defaultRetryMaxRetries,
			BaseRetryDelay:   defaultSchedulerBaseDelay,
			MaxRetryDelay:    defaultSchedulerMaxDelay,
			SteerPolicy:      defaultQueuePolicy,
			FollowUpPolicy:   defaultQueuePolicy,
			NextTurnPolicy:   "all",
		},
		Sessions: SessionsConfig{
			Dir: defaultSessionsDir(),
		},
		Control: ControlConfig{
			ListenAddr: defaultControlListenAddr,
			EventsDB:   defaultEventsDBPath(),
		},
	}
}

// Load reads config file then applies environment variable overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AnthropicSettings returns validated settings suitable for runtime wiring.
func (c Config) AnthropicSettings() (AnthropicSettings, error) {
	baseDelay, err := time.ParseDuration(strings.TrimSpace(c.Provider.Anthropic.Retry.BaseDelay))
	if err != nil {
		return AnthropicSettings{}, fmt.Errorf("%w: parse anthropic retry base_delay: %v", ErrInvalidConfig, err)
	}
	maxDelay, err := time.ParseDuration(strings.TrimSpace(c.Provider.Anthropic.Retry.MaxDelay))
	if err != nil {
		return AnthropicSettings{}, fmt.Errorf("%w: parse anthropic retry max_delay: %v", ErrInvalidConfig, err)
	}
	if c.Provider.Anthropic.Retry.MaxRetries < 0 {
		return AnthropicSettings{}, fmt.Errorf("%w: anthropic retry max_retries must be >= 0", ErrInvalidConfig)
	}

	return AnthropicSettings{
		APIKey:  strings.TrimSpace(c.Provider.Anthropic.APIKey),
		Model:   strings.TrimSpace(c.Provider.Anthropic.Model),
		BaseURL: strings.TrimSpace(c.Provider.Anthropic.BaseURL),
		Version: strings.TrimSpace(c.Provider.Anthropic.Version),
		Retry: AnthropicRetrySettings{
			MaxRetries: c.Provider.Anthropic.Retry.MaxRetries,
			BaseDelay:  baseDelay,
			MaxDelay:   maxDelay,
		},
	}, nil
}

// SchedulerSettings returns validated scheduler settings.
func (c Config) SchedulerSettings() (SchedulerSettings, error) {
	baseDelay, err := time.ParseDuration(strings.TrimSpace(c.Scheduler.BaseRetryDelay))
	if err != nil {
		return SchedulerSettings{}, fmt.Errorf("%w: parse scheduler base_retry_delay: %v", ErrInvalidConfig, err)
	}
	maxDelay, err := time.ParseDuration(strings.TrimSpace(c.Scheduler.MaxRetryDelay))
	if err != nil {
		return SchedulerSettings{}, fmt.Errorf("%w: parse scheduler max_retry_delay: %v", ErrInvalidConfig, err)
	}
	if c.Scheduler.ReserveTokens >= c.Scheduler.ContextWindow {
		return SchedulerSettings{}, fmt.Errorf("%w: scheduler reserve_tokens must be below context_window", ErrInvalidConfig)
	}
	for _, policy := range []string{c.Scheduler.SteerPolicy, c.Scheduler.FollowUpPolicy, c.Scheduler.NextTurnPolicy} {
		switch strings.TrimSpace(policy) {
		case "", "all", "one-at-a-time":
		default:
			return SchedulerSettings{}, fmt.Errorf("%w: unknown queue policy %q", ErrInvalidConfig, policy)
		}
	}

	return SchedulerSettings{
		MaxTurns:         c.Scheduler.MaxTurns,
		ThinkingLevel:    strings.TrimSpace(c.Scheduler.ThinkingLevel),
		ContextWindow:    c.Scheduler.ContextWindow,
		ReserveTokens:    c.Scheduler.ReserveTokens,
		KeepRecentTokens: c.Scheduler.KeepRecentTokens,
		AutoCompaction:   c.Scheduler.AutoCompaction,
		AutoRetry:        c.Scheduler.AutoRetry,
		MaxRetries:       c.Scheduler.MaxRetries,
		BaseRetryDelay:   baseDelay,
		MaxRetryDelay:    maxDelay,
		SteerPolicy:      strings.TrimSpace(c.Scheduler.SteerPolicy),
		FollowUpPolicy:   strings.TrimSpace(c.Scheduler.FollowUpPolicy),
		NextTurnPolicy:   strings.TrimSpace(c.Scheduler.NextTurnPolicy),
	}, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value, ok := os.LookupEnv(envProviderDefault); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Default = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicAPIKey); ok {
		cfg.Provider.Anthropic.APIKey = value
	}
	if value, ok := os.LookupEnv(envAnthropicModel); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Model = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicBaseURL); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.BaseURL = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicVersion); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Version = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envRetryMaxRetries); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envRetryMaxRetries, err)
		}
		cfg.Provider.Anthropic.Retry.MaxRetries = parsed
	}
	if value, ok := os.LookupEnv(envRetryBaseDelay); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Retry.BaseDelay = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envRetryMaxDelay); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Retry.MaxDelay = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envControlListenAddr); ok && strings.TrimSpace(value) != "" {
		cfg.Control.ListenAddr = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envSessionsDir); ok && strings.TrimSpace(value) != "" {
		cfg.Sessions.Dir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envSchedulerContextWindow); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envSchedulerContextWindow, err)
		}
		cfg.Scheduler.ContextWindow = parsed
	}
	if value, ok := os.LookupEnv(envSchedulerKeepRecentTokens); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envSchedulerKeepRecentTokens, err)
		}
		cfg.Scheduler.KeepRecentTokens = parsed
	}
	if value, ok := os.LookupEnv(envSchedulerAutoCompaction); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envSchedulerAutoCompaction, err)
		}
		cfg.Scheduler.AutoCompaction = parsed
	}
	if value, ok := os.LookupEnv(envSchedulerAutoRetry); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envSchedulerAutoRetry, err)
		}
		cfg.Scheduler.AutoRetry = parsed
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Provider.Default) == "" {
		return fmt.Errorf("%w: provider.default is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Provider.Anthropic.Model) == "" {
		return fmt.Errorf("%w: provider.anthropic.model is required", ErrInvalidConfig)
	}
	if _, err := cfg.AnthropicSettings(); err != nil {
		return err
	}
	if _, err := cfg.SchedulerSettings(); err != nil {
		return err
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRelativePath)
}

func defaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultSessionsRelativeDir
	}
	return filepath.Join(home, defaultSessionsRelativeDir)
}

func defaultEventsDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultEventsDBRelativePath
	}
	return filepath.Join(home, defaultEventsDBRelativePath)
}
