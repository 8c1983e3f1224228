package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CCQA"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "ccqa.db"
	defaultSessionPath     = "ccqa-sessions"
	defaultLogLevel        = "info"
	defaultEnvironment     = "dev"
	defaultUpstreamTimeout = 30
	defaultTokenTTLMinutes = 60
	defaultEditBatchSize   = 2
	defaultBulkBatchSize   = 5
	defaultPaceIntervalMS  = 500
	defaultMaxAttempts     = 4
	defaultCacheTTLMinutes = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	SessionPath      string
	SessionInMemory  bool
	LogLevel         string
	Environment      string
	SigningSecret    string
	TokenTTL         time.Duration
	UpstreamBaseURL  string
	UpstreamTimeout  time.Duration
	EditBatchSize    int
	BulkBatchSize    int
	PaceInterval     time.Duration
	MaxAttempts      int
	CacheTTL         time.Duration
	ErrorRecipients  []string
	ReportRecipients []string
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
	configViper.SetDefault("session.path", defaultSessionPath)
	configViper.SetDefault("session.in_memory", false)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("env.name", defaultEnvironment)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("upstream.timeout_seconds", defaultUpstreamTimeout)
	configViper.SetDefault("submit.edit_batch_size", defaultEditBatchSize)
	configViper.SetDefault("submit.bulk_batch_size", defaultBulkBatchSize)
	configViper.SetDefault("submit.pace_interval_ms", defaultPaceIntervalMS)
	configViper.SetDefault("submit.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("cache.ttl_minutes", defaultCacheTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		SessionPath:      configViper.GetString("session.path"),
		SessionInMemory:  configViper.GetBool("session.in_memory"),
		LogLevel:         configViper.GetString("log.level"),
		Environment:      configViper.GetString("env.name"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		UpstreamBaseURL:  configViper.GetString("upstream.base_url"),
		UpstreamTimeout:  time.Duration(configViper.GetInt("upstream.timeout_seconds")) * time.Second,
		EditBatchSize:    configViper.GetInt("submit.edit_batch_size"),
		BulkBatchSize:    configViper.GetInt("submit.bulk_batch_size"),
		PaceInterval:     time.Duration(configViper.GetInt("submit.pace_interval_ms")) * time.Millisecond,
		MaxAttempts:      configViper.GetInt("submit.max_attempts"),
		CacheTTL:         time.Duration(configViper.GetInt("cache.ttl_minutes")) * time.Minute,
		ErrorRecipients:  configViper.GetStringSlice("email.error_recipients"),
		ReportRecipients: configViper.GetStringSlice("email.report_recipients"),
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
	if !c.SessionInMemory && strings.TrimSpace(c.SessionPath) == "" {
		return fmt.Errorf("session.path is required")
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Environment != "dev" && c.Environment != "prod" {
		return fmt.Errorf("env.name must be dev or prod")
	}
	if c.EditBatchSize <= 0 || c.BulkBatchSize <= 0 {
		return fmt.Errorf("submit batch sizes must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("submit.max_attempts must be positive")
	}
	return nil
}
