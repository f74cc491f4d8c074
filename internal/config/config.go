package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "BOOKD"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "bookd.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMin   = 480
	defaultCalendarTO    = 10 * time.Second
	defaultSlotCapacity  = 2
	defaultListTailDays  = 30
	defaultSyncSchedule  = "@every 15m"
	defaultRenewSchedule = "0 4 * * *"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	StaffUser        string
	StaffPassword    string
	CalendarBaseURL  string
	CalendarID       string
	CalendarToken    string
	CalendarTimeout  time.Duration
	WebhookURL       string
	WebhookSecret    string
	SyncSchedule     string
	RenewSchedule    string
	AlertWebhookURL  string
	DefaultCapacity  int
	SlotListTailDays int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("calendar.base_url", "https://www.googleapis.com/calendar/v3")
	configViper.SetDefault("calendar.timeout_seconds", int(defaultCalendarTO.Seconds()))
	configViper.SetDefault("sync.schedule", defaultSyncSchedule)
	configViper.SetDefault("sync.renew_schedule", defaultRenewSchedule)
	configViper.SetDefault("slots.default_capacity", defaultSlotCapacity)
	configViper.SetDefault("slots.list_tail_days", defaultListTailDays)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		StaffUser:        configViper.GetString("auth.staff_user"),
		StaffPassword:    configViper.GetString("auth.staff_password"),
		CalendarBaseURL:  configViper.GetString("calendar.base_url"),
		CalendarID:       configViper.GetString("calendar.id"),
		CalendarToken:    configViper.GetString("calendar.token"),
		CalendarTimeout:  time.Duration(configViper.GetInt("calendar.timeout_seconds")) * time.Second,
		WebhookURL:       configViper.GetString("calendar.webhook_url"),
		WebhookSecret:    configViper.GetString("calendar.webhook_secret"),
		SyncSchedule:     configViper.GetString("sync.schedule"),
		RenewSchedule:    configViper.GetString("sync.renew_schedule"),
		AlertWebhookURL:  configViper.GetString("alerting.webhook_url"),
		DefaultCapacity:  configViper.GetInt("slots.default_capacity"),
		SlotListTailDays: configViper.GetInt("slots.list_tail_days"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("calendar.webhook_secret is required")
	}
	if c.DefaultCapacity < 1 {
		return fmt.Errorf("slots.default_capacity must be at least 1")
	}
	return nil
}
