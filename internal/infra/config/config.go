package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"invoice_dispatch_bot/internal/domain/organization"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file name looked up in the working
// directory when no --config flag is given.
const DefaultConfigFile = "dispatcher.yaml"

// AppConfig holds all configuration for the application. The organization
// list and filesystem knobs come from the YAML file; secrets and
// environment-specific overrides come from env variables (optionally via a
// .env file).
type AppConfig struct {
	// Root is the invoices root directory, one subdirectory per firm.
	Root string `yaml:"root"`
	// HistoryPath is the JSONL dispatch history file. Ignored when
	// DATABASE_URL selects the Postgres store.
	HistoryPath string `yaml:"history_path"`
	// CronSpec schedules the weekly run in serve mode.
	CronSpec string `yaml:"cron_spec"`

	GmailCredentialsFile string `yaml:"gmail_credentials_file"`
	GmailTokenFile       string `yaml:"gmail_token_file"`

	Organizations []organization.Organization `yaml:"organizations"`

	// Environment-sourced fields.
	DatabaseURL   string `yaml:"-"`
	TelegramToken string `yaml:"-"`
	AdminChatID   int64  `yaml:"-"`
	LogLevel      string `yaml:"-"`
	Environment   string `yaml:"-"`
}

// Load reads the YAML config file and applies environment overrides.
// A .env file is honored if present; existing env variables win.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &AppConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "dispatch_history.jsonl"
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = "0 16 * * 5" // 4:00 PM every Friday
	}
	if cfg.GmailCredentialsFile == "" {
		cfg.GmailCredentialsFile = "credentials.json"
	}
	if cfg.GmailTokenFile == "" {
		cfg.GmailTokenFile = "token.json"
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")

	if chatIDStr := os.Getenv("ADMIN_CHAT_ID"); chatIDStr != "" {
		cfg.AdminChatID, err = strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_CHAT_ID: %w", err)
		}
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural requirements. Note that an organization with
// an empty recipient list is accepted here: that condition must surface as
// a per-organization skip decision, never silently send to nobody and never
// block the rest of the run.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root is required")
	}
	if len(c.Organizations) == 0 {
		return fmt.Errorf("at least one organization is required")
	}
	names := make(map[string]struct{}, len(c.Organizations))
	for i := range c.Organizations {
		org := &c.Organizations[i]
		if err := org.Validate(); err != nil {
			return fmt.Errorf("organization %d: %w", i, err)
		}
		if _, dup := names[org.Name]; dup {
			return fmt.Errorf("duplicate organization name %q", org.Name)
		}
		names[org.Name] = struct{}{}
	}
	return nil
}
