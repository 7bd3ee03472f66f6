package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/campaign-mailer/internal/provider"
)

const (
	ReconcileFail = "fail"
	ReconcileLog  = "log"
)

type Config struct {
	RedisURL    string `env:"REDIS_URL,required=true"`
	Provider    string `env:"PROVIDER,required=true"`
	SenderEmail string `env:"SENDER_EMAIL,required=true"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	ResendAPIKey    string `env:"RESEND_API_KEY"`
	ResendBaseURL   string `env:"RESEND_BASE_URL"`
	SendGridAPIKey  string `env:"SENDGRID_API_KEY"`
	SendGridBaseURL string `env:"SENDGRID_BASE_URL"`

	GmailCredentialsFile string `env:"GMAIL_CREDENTIALS_FILE,default=credentials.json"`
	GmailTokenFile       string `env:"GMAIL_TOKEN_FILE,default=token.json"`

	LLMAPIKey            string `env:"LLM_API_KEY"`
	LLMBaseURL           string `env:"LLM_BASE_URL"`
	LLMModel             string `env:"LLM_MODEL"`
	LLMRequestsPerMinute int    `env:"LLM_REQUESTS_PER_MINUTE,default=30"`

	QueueName           string        `env:"QUEUE_NAME,default=email:queue"`
	RateLimitPerWindow  int           `env:"RATE_LIMIT_PER_WINDOW,default=50"`
	RateLimitWindow     time.Duration `env:"RATE_LIMIT_WINDOW,default=1h"`
	WorkerConcurrency   int           `env:"WORKER_CONCURRENCY,default=2"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS,default=3"`
	DrainInterval       time.Duration `env:"DRAIN_INTERVAL,default=1m"`
	DrainTimeBudget     time.Duration `env:"DRAIN_TIME_BUDGET,default=50s"`
	DrainMaxJobs        int           `env:"DRAIN_MAX_JOBS,default=500"`
	RefreshInterval     time.Duration `env:"REFRESH_INTERVAL,default=5m"`
	StaleAfter          time.Duration `env:"STALE_AFTER,default=30m"`
	ReconcilePolicy     string        `env:"RECONCILE_POLICY,default=fail"`
	ReconcileBatchLimit int           `env:"RECONCILE_BATCH_LIMIT,default=100"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings of the selected provider and the worker knobs.
func (c *Config) Validate() error {
	kind, err := provider.ParseKind(c.Provider)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch kind {
	case provider.KindSMTP:
		if strings.TrimSpace(c.SMTPHost) == "" {
			return fmt.Errorf("invalid config: SMTP_HOST is required for provider smtp")
		}
	case provider.KindResend:
		if strings.TrimSpace(c.ResendAPIKey) == "" {
			return fmt.Errorf("invalid config: RESEND_API_KEY is required for provider resend")
		}
	case provider.KindSendGrid:
		if strings.TrimSpace(c.SendGridAPIKey) == "" {
			return fmt.Errorf("invalid config: SENDGRID_API_KEY is required for provider sendgrid")
		}
	case provider.KindGmail:
		if strings.TrimSpace(c.GmailCredentialsFile) == "" || strings.TrimSpace(c.GmailTokenFile) == "" {
			return fmt.Errorf("invalid config: GMAIL_CREDENTIALS_FILE and GMAIL_TOKEN_FILE are required for provider gmail")
		}
	}

	if !strings.Contains(c.SenderEmail, "@") {
		return fmt.Errorf("invalid config: SENDER_EMAIL %q is not an email address", c.SenderEmail)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("invalid config: MAX_ATTEMPTS must be >= 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("invalid config: WORKER_CONCURRENCY must be >= 1")
	}
	if c.RateLimitPerWindow < 1 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("invalid config: rate limit must allow at least one send per positive window")
	}
	if c.DrainInterval <= 0 || c.RefreshInterval <= 0 {
		return fmt.Errorf("invalid config: DRAIN_INTERVAL and REFRESH_INTERVAL must be positive")
	}
	if c.DrainTimeBudget <= 0 || c.DrainTimeBudget > c.DrainInterval {
		return fmt.Errorf("invalid config: DRAIN_TIME_BUDGET must be positive and not exceed DRAIN_INTERVAL")
	}

	switch strings.ToLower(strings.TrimSpace(c.ReconcilePolicy)) {
	case ReconcileFail, ReconcileLog:
	default:
		return fmt.Errorf("invalid config: RECONCILE_POLICY must be %q or %q", ReconcileFail, ReconcileLog)
	}

	return nil
}

// ProviderKind is only meaningful after Validate succeeded.
func (c *Config) ProviderKind() provider.Kind {
	kind, _ := provider.ParseKind(c.Provider)
	return kind
}

func (c *Config) ProviderSettings() provider.Settings {
	return provider.Settings{
		Sender: c.SenderEmail,
		SMTP: provider.SMTPSettings{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.SMTPUser,
			Password: c.SMTPPassword,
		},
		Resend:   provider.HTTPSettings{BaseURL: c.ResendBaseURL, APIKey: c.ResendAPIKey},
		SendGrid: provider.HTTPSettings{BaseURL: c.SendGridBaseURL, APIKey: c.SendGridAPIKey},
		Gmail: provider.GmailSettings{
			CredentialsFile: c.GmailCredentialsFile,
			TokenFile:       c.GmailTokenFile,
		},
	}
}
