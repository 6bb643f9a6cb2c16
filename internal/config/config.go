package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stupiduntilnot/relaybot/internal/provider"
)

// ProviderConfig holds credentials and model for one provider family.
type ProviderConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Enabled reports whether the provider has an API key.
func (p ProviderConfig) Enabled() bool {
	return p.APIKey != ""
}

// LogConfig selects logger output.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// Config holds configuration for the relay bot.
type Config struct {
	BotToken        string
	TelegramAPIBase string
	Admins          []int64

	DataDir         string
	DBPath          string
	HistoryMaxTurns int
	PromptExchanges int
	MinInterval     time.Duration

	RateLimit  int
	RatePeriod time.Duration

	Workers            int
	PollTimeoutSeconds int
	RequestTimeout     time.Duration

	MaxTokens   int
	Temperature float32

	Providers map[provider.Family]ProviderConfig

	Log LogConfig
}

// envKeys maps viper keys to the environment variables that set them.
var envKeys = map[string]string{
	"bot.token":                "BOT_TOKEN",
	"bot.admins":               "ADMINS",
	"telegram.api_base":        "TELEGRAM_API_BASE",
	"openai.api_key":           "OPENAI_API_KEY",
	"openai.model":             "OPENAI_MODEL",
	"openai.base_url":          "OPENAI_BASE_URL",
	"gemini.api_key":           "GEMINI_API_KEY",
	"gemini.model":             "GEMINI_MODEL",
	"gemini.base_url":          "GEMINI_BASE_URL",
	"deepseek.api_key":         "DEEPSEEK_API_KEY",
	"deepseek.model":           "DEEPSEEK_MODEL",
	"deepseek.base_url":        "DEEPSEEK_BASE_URL",
	"storage.data_dir":         "RELAYBOT_DATA_DIR",
	"storage.db_path":          "RELAYBOT_DB_PATH",
	"history.max_turns":        "RELAYBOT_HISTORY_MAX_TURNS",
	"history.prompt_exchanges": "RELAYBOT_PROMPT_EXCHANGES",
	"history.min_interval":     "RELAYBOT_MIN_INTERVAL_SECONDS",
	"ratelimit.limit":          "RELAYBOT_RATE_LIMIT",
	"ratelimit.period":         "RELAYBOT_RATE_PERIOD_SECONDS",
	"dispatch.workers":         "RELAYBOT_WORKERS",
	"dispatch.poll_timeout":    "RELAYBOT_POLL_TIMEOUT_SECONDS",
	"dispatch.request_timeout": "RELAYBOT_REQUEST_TIMEOUT_SECONDS",
	"completion.max_tokens":    "RELAYBOT_MAX_TOKENS",
	"completion.temperature":   "RELAYBOT_TEMPERATURE",
	"log.level":                "LOG_LEVEL",
	"log.format":               "LOG_FORMAT",
	"log.file":                 "LOG_FILE",
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("gemini.model", "gemini-1.5-flash")
	v.SetDefault("gemini.base_url", provider.DefaultGeminiBaseURL)
	v.SetDefault("deepseek.model", "deepseek-chat")
	v.SetDefault("deepseek.base_url", provider.DefaultDeepSeekBaseURL)
	v.SetDefault("storage.data_dir", "data/chat_story")
	v.SetDefault("storage.db_path", "data/relaybot.db")
	v.SetDefault("history.max_turns", 20)
	v.SetDefault("history.prompt_exchanges", 5)
	v.SetDefault("history.min_interval", 1)
	v.SetDefault("ratelimit.limit", 10)
	v.SetDefault("ratelimit.period", 60)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.poll_timeout", 30)
	v.SetDefault("dispatch.request_timeout", 120)
	v.SetDefault("completion.max_tokens", 300)
	v.SetDefault("completion.temperature", 0.7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// NewViper returns a viper instance with defaults and environment bindings.
// A non-empty configFile is read on top of the defaults; environment
// variables still win.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	applyDefaults(v)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load reads and validates configuration for the serve command.
func Load(configFile string) (Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return Config{}, err
	}
	cfg, err := FromViper(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromViper builds a Config without validating it. Offline commands use it
// since they need neither the bot token nor provider keys.
func FromViper(v *viper.Viper) (Config, error) {
	admins, err := parseAdmins(v.GetStringSlice("bot.admins"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BotToken:           strings.TrimSpace(v.GetString("bot.token")),
		TelegramAPIBase:    strings.TrimSpace(v.GetString("telegram.api_base")),
		Admins:             admins,
		DataDir:            v.GetString("storage.data_dir"),
		DBPath:             v.GetString("storage.db_path"),
		HistoryMaxTurns:    v.GetInt("history.max_turns"),
		PromptExchanges:    v.GetInt("history.prompt_exchanges"),
		MinInterval:        seconds(v.GetFloat64("history.min_interval")),
		RateLimit:          v.GetInt("ratelimit.limit"),
		RatePeriod:         seconds(v.GetFloat64("ratelimit.period")),
		Workers:            v.GetInt("dispatch.workers"),
		PollTimeoutSeconds: v.GetInt("dispatch.poll_timeout"),
		RequestTimeout:     seconds(v.GetFloat64("dispatch.request_timeout")),
		MaxTokens:          v.GetInt("completion.max_tokens"),
		Temperature:        float32(v.GetFloat64("completion.temperature")),
		Providers:          map[provider.Family]ProviderConfig{},
		Log: LogConfig{
			Level:  strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
			Format: strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
			File:   strings.TrimSpace(v.GetString("log.file")),
		},
	}
	for _, f := range provider.Families {
		prefix := string(f)
		cfg.Providers[f] = ProviderConfig{
			APIKey:  strings.TrimSpace(v.GetString(prefix + ".api_key")),
			Model:   strings.TrimSpace(v.GetString(prefix + ".model")),
			BaseURL: strings.TrimSpace(v.GetString(prefix + ".base_url")),
		}
	}
	return cfg, nil
}

// Validate checks the settings the bot cannot run without.
func (c Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required in environment")
	}
	if len(c.EnabledFamilies()) == 0 {
		return fmt.Errorf("at least one of OPENAI_API_KEY, GEMINI_API_KEY, DEEPSEEK_API_KEY is required")
	}
	if c.HistoryMaxTurns <= 0 {
		return fmt.Errorf("RELAYBOT_HISTORY_MAX_TURNS must be > 0")
	}
	if c.PromptExchanges <= 0 {
		return fmt.Errorf("RELAYBOT_PROMPT_EXCHANGES must be > 0")
	}
	if c.RateLimit > 0 && c.RatePeriod <= 0 {
		return fmt.Errorf("RELAYBOT_RATE_PERIOD_SECONDS must be > 0 when RELAYBOT_RATE_LIMIT is set")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("RELAYBOT_WORKERS must be > 0")
	}
	if c.PollTimeoutSeconds < 0 {
		return fmt.Errorf("RELAYBOT_POLL_TIMEOUT_SECONDS must be >= 0")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// EnabledFamilies lists providers with an API key, in menu order.
func (c Config) EnabledFamilies() []provider.Family {
	var out []provider.Family
	for _, f := range provider.Families {
		if c.Providers[f].Enabled() {
			out = append(out, f)
		}
	}
	return out
}

// HistoryPath is the history document for one provider family.
func (c Config) HistoryPath(f provider.Family) string {
	return filepath.Join(c.DataDir, string(f)+".json")
}

func parseAdmins(raw []string) ([]int64, error) {
	var out []int64
	seen := map[int64]bool{}
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("ADMINS contains invalid user id %q", part)
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
