package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the credits service
type Config struct {
	Server  ServerConfig
	Billing BillingConfig
	Influx  InfluxConfig
	Perun   PerunConfig
	Mail    MailConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BillingConfig holds billing pipeline configuration
type BillingConfig struct {
	// Workers is the number of queue workers draining the task queue.
	Workers int
	// Precision is the number of decimal places credits are rounded to.
	Precision int32
	// DrainTimeout bounds how long shutdown waits for in-flight tasks.
	DrainTimeout time.Duration
	// ProjectWhitelist, when non-empty, restricts billing to the listed
	// projects. Comma-separated in the environment.
	ProjectWhitelist []string
}

// InfluxConfig holds time-series store configuration
type InfluxConfig struct {
	URL       string
	Database  string
	HistoryDB string
	Username  string
	Password  string
}

// PerunConfig holds attribute store configuration
type PerunConfig struct {
	BaseURL  string
	Login    string
	Password string
	// VOID is the id of the virtual organisation all projects live in.
	VOID int
	// ResourceID selects which resource the billing timestamps are bound to.
	ResourceID int
}

// MailConfig holds notification transport configuration
type MailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	// NoStartTLS skips the STARTTLS upgrade. Test environments only.
	NoStartTLS bool
	From       string
	// GovernanceAddress is carbon-copied on credit warnings.
	GovernanceAddress string
	// ToOverwrite, when set, replaces every recipient list. Used to divert
	// all mail during staging runs.
	ToOverwrite string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Billing: BillingConfig{
			Workers:          getEnvAsInt("CREDITS_WORKERS", 10),
			Precision:        int32(getEnvAsInt("CREDITS_PRECISION", 2)),
			DrainTimeout:     getEnvAsDuration("CREDITS_DRAIN_TIMEOUT", "30s"),
			ProjectWhitelist: getEnvAsList("CREDITS_PROJECT_WHITELIST"),
		},
		Influx: InfluxConfig{
			URL:       getEnv("INFLUXDB_URL", "http://localhost:8086"),
			Database:  getEnv("INFLUXDB_DB", ""),
			HistoryDB: getEnv("CREDITS_HISTORY_DB", "credits_history"),
			Username:  getEnv("INFLUXDB_USER", ""),
			Password:  getEnv("INFLUXDB_USER_PASSWORD", ""),
		},
		Perun: PerunConfig{
			BaseURL:    getEnv("PERUN_URL", ""),
			Login:      getEnv("PERUN_LOGIN", ""),
			Password:   getEnv("PERUN_PASSWORD", ""),
			VOID:       getEnvAsInt("PERUN_VO_ID", 0),
			ResourceID: getEnvAsInt("PERUN_RESOURCE_ID", 0),
		},
		Mail: MailConfig{
			SMTPHost:          getEnv("MAIL_SMTP_SERVER", "localhost"),
			SMTPPort:          getEnvAsInt("MAIL_SMTP_PORT", 25),
			Username:          getEnv("MAIL_SMTP_USER", ""),
			Password:          getEnv("MAIL_SMTP_PASSWORD", ""),
			NoStartTLS:        getEnvAsBool("MAIL_NOT_STARTTLS", false),
			From:              getEnv("MAIL_FROM", "credits@localhost"),
			GovernanceAddress: getEnv("CLOUD_GOVERNANCE_MAIL", ""),
			ToOverwrite:       getEnv("NOTIFICATION_TO_OVERWRITE", ""),
		},
	}

	// Validate required fields
	if cfg.Influx.Database == "" {
		return nil, fmt.Errorf("INFLUXDB_DB is required")
	}

	if cfg.Perun.BaseURL == "" {
		return nil, fmt.Errorf("PERUN_URL is required")
	}

	if cfg.Billing.Workers <= 0 {
		return nil, fmt.Errorf("CREDITS_WORKERS must be positive")
	}

	if cfg.Billing.Precision < 0 {
		return nil, fmt.Errorf("CREDITS_PRECISION must not be negative")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
