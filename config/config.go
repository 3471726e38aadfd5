package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string
	Database Database

	StripeWebhookSecret string
	Prices              []PriceRule

	// Credits granted per paid tier when a subscription starts or renews.
	UnlimitedCredits int
	OneTimeCredits   int
	RenewalMode      string

	WeeklyFreeLimit int
	WeeklyWindow    time.Duration

	ReservationTTL time.Duration
	SweepInterval  time.Duration
	SweepBatch     int

	OpenAI            OpenAI
	MediaDir          string
	MediaBaseURL      string
	JobsCallbackToken string
	AdminToken        string

	LogLevel  string
	LogFormat string
}

type Database struct {
	Driver     string
	User       string
	Password   string
	Host       string
	Port       string
	Name       string
	SQLitePath string
}

type OpenAI struct {
	APIKey            string
	Model             string
	Voice             string
	MaxInFlight       int
	Timeout           time.Duration
	RequestsPerMinute int
}

// PriceRule maps an external price id to the ledger action it triggers.
type PriceRule struct {
	ID      string `mapstructure:"id"`
	Kind    string `mapstructure:"kind"`
	Tier    string `mapstructure:"tier"`
	Credits int    `mapstructure:"credits"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_host", "127.0.0.1")
	v.SetDefault("db_port", "3306")
	v.SetDefault("db_name", "nudge")
	v.SetDefault("sqlite_path", "./nudge.db")
	v.SetDefault("unlimited_credits", 20)
	v.SetDefault("one_time_credits", 0)
	v.SetDefault("renewal_mode", "reset")
	v.SetDefault("weekly_free_limit", 1)
	v.SetDefault("weekly_window", "168h")
	v.SetDefault("reservation_ttl", "30m")
	v.SetDefault("sweep_interval", "5m")
	v.SetDefault("sweep_batch", 100)
	v.SetDefault("openai_tts_model", "tts-1")
	v.SetDefault("openai_tts_voice", "nova")
	v.SetDefault("generation_max_in_flight", 4)
	v.SetDefault("generation_timeout", "2m")
	v.SetDefault("openai_requests_per_minute", 0)
	v.SetDefault("media_dir", "./media")
	v.SetDefault("media_base_url", "/media")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads .env (if present), the environment and an optional YAML file
// named by CONFIG_FILE. Environment values win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{
		Port: v.GetString("port"),
		Database: Database{
			Driver:     v.GetString("db_driver"),
			User:       v.GetString("db_user"),
			Password:   v.GetString("db_password"),
			Host:       v.GetString("db_host"),
			Port:       v.GetString("db_port"),
			Name:       v.GetString("db_name"),
			SQLitePath: v.GetString("sqlite_path"),
		},
		StripeWebhookSecret: strings.TrimSpace(v.GetString("stripe_webhook_secret")),
		UnlimitedCredits:    v.GetInt("unlimited_credits"),
		OneTimeCredits:      v.GetInt("one_time_credits"),
		RenewalMode:         v.GetString("renewal_mode"),
		WeeklyFreeLimit:     v.GetInt("weekly_free_limit"),
		WeeklyWindow:        v.GetDuration("weekly_window"),
		ReservationTTL:      v.GetDuration("reservation_ttl"),
		SweepInterval:       v.GetDuration("sweep_interval"),
		SweepBatch:          v.GetInt("sweep_batch"),
		OpenAI: OpenAI{
			APIKey:            v.GetString("openai_api_key"),
			Model:             v.GetString("openai_tts_model"),
			Voice:             v.GetString("openai_tts_voice"),
			MaxInFlight:       v.GetInt("generation_max_in_flight"),
			Timeout:           v.GetDuration("generation_timeout"),
			RequestsPerMinute: v.GetInt("openai_requests_per_minute"),
		},
		MediaDir:          v.GetString("media_dir"),
		MediaBaseURL:      strings.TrimSuffix(v.GetString("media_base_url"), "/"),
		JobsCallbackToken: v.GetString("jobs_callback_token"),
		AdminToken:        v.GetString("admin_token"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
	}

	if err := v.UnmarshalKey("prices", &cfg.Prices); err != nil {
		return nil, fmt.Errorf("config: prices: %w", err)
	}
	if raw := v.GetString("price_map"); raw != "" {
		rules, err := ParsePriceMap(raw)
		if err != nil {
			return nil, err
		}
		cfg.Prices = append(cfg.Prices, rules...)
	}

	if cfg.RenewalMode != "reset" && cfg.RenewalMode != "additive" {
		return nil, fmt.Errorf("config: RENEWAL_MODE must be reset or additive, got %q", cfg.RenewalMode)
	}
	if cfg.WeeklyFreeLimit < 0 || cfg.WeeklyWindow <= 0 {
		return nil, fmt.Errorf("config: invalid weekly window (limit=%d window=%s)", cfg.WeeklyFreeLimit, cfg.WeeklyWindow)
	}
	return cfg, nil
}

// ParsePriceMap parses the compact PRICE_MAP form:
//
//	price_a=subscription:unlimited:20,price_b=credits:one-time:20,price_c=purchase
//
// Tier and credits are optional.
func ParsePriceMap(raw string) ([]PriceRule, error) {
	var rules []PriceRule
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, spec, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("config: PRICE_MAP entry %q: want id=kind[:tier[:credits]]", entry)
		}
		parts := strings.Split(spec, ":")
		rule := PriceRule{ID: strings.TrimSpace(id), Kind: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			rule.Tier = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			n, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("config: PRICE_MAP entry %q: credits: %w", entry, err)
			}
			rule.Credits = n
		}
		if len(parts) > 3 {
			return nil, fmt.Errorf("config: PRICE_MAP entry %q: too many fields", entry)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
