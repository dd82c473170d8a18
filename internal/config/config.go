// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL   string
	Driver        string // "pgx" or "sqlite", derived from DatabaseURL
	ListenAddr    string
	WebhookSecret string

	APISecretsKey string // encrypts action params at rest
	OAuthTokenKey string // encrypts stored OAuth tokens

	JWTSecret      string
	FrontendOrigin string

	WorkerCount       int
	WorkerLeaseSec    int
	SchedulerTick     time.Duration
	MaxRunsPerPeriod  int
	AllowQuotaOverage bool

	// Integration endpoint overrides, used by tests and self-hosted installs.
	SendGridAPIBase string
	MailgunAPIBase  string
	SESEndpoint     string
	NotionAPIBase   string
}

// FromEnv reads configuration, applying defaults where the variable is unset.
// Missing required values are reported together so the operator fixes them in
// one pass.
func FromEnv() (Config, error) {
	cfg := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ListenAddr:        envDefault("LISTEN_ADDR", ":8080"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		APISecretsKey:     os.Getenv("API_SECRETS_ENCRYPTION_KEY"),
		OAuthTokenKey:     os.Getenv("OAUTH_TOKEN_ENCRYPTION_KEY"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		FrontendOrigin:    envDefault("FRONTEND_ORIGIN", "http://localhost:3000"),
		SendGridAPIBase:   envDefault("SENDGRID_API_BASE", "https://api.sendgrid.com"),
		MailgunAPIBase:    envDefault("MAILGUN_API_BASE", "https://api.mailgun.net"),
		SESEndpoint:       os.Getenv("AWS_SES_ENDPOINT"),
		NotionAPIBase:     envDefault("NOTION_API_BASE_URL", "https://api.notion.com"),
		AllowQuotaOverage: os.Getenv("ALLOW_QUOTA_OVERAGE") == "true",
	}

	var err error
	if cfg.WorkerCount, err = envInt("WORKER_COUNT", 4); err != nil {
		return cfg, err
	}
	if cfg.WorkerLeaseSec, err = envInt("WORKER_LEASE_SECONDS", 30); err != nil {
		return cfg, err
	}
	tickMs, err := envInt("SCHEDULER_TICK_MS", 5000)
	if err != nil {
		return cfg, err
	}
	cfg.SchedulerTick = time.Duration(tickMs) * time.Millisecond
	if cfg.MaxRunsPerPeriod, err = envInt("MAX_RUNS_PER_PERIOD", 10000); err != nil {
		return cfg, err
	}

	var missing []string
	for _, req := range []struct{ name, val string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"WEBHOOK_SECRET", cfg.WebhookSecret},
		{"API_SECRETS_ENCRYPTION_KEY", cfg.APISecretsKey},
		{"OAUTH_TOKEN_ENCRYPTION_KEY", cfg.OAuthTokenKey},
		{"JWT_SECRET", cfg.JWTSecret},
	} {
		if req.val == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}

	cfg.Driver = driverFor(cfg.DatabaseURL)
	if cfg.WorkerLeaseSec < 5 {
		return cfg, fmt.Errorf("WORKER_LEASE_SECONDS must be at least 5, got %d", cfg.WorkerLeaseSec)
	}
	if cfg.WorkerCount < 1 {
		return cfg, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", cfg.WorkerCount)
	}
	return cfg, nil
}

func driverFor(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", name, v)
	}
	return n, nil
}
