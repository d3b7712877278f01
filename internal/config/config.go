// Package config loads and validates service configuration from a YAML
// file, with defaults suitable for local development.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/notify"
	"github.com/capmedia/testplatform/internal/vm"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Database DatabaseConfig      `yaml:"database"`
	GCP      vm.GCPConfig        `yaml:"gcp"`
	GitHub   notify.GitHubConfig `yaml:"github"`
	Dispatch DispatchConfig      `yaml:"dispatch"`
	Watchdog WatchdogConfig      `yaml:"watchdog"`
	Logging  LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`
	// BaseURL is the externally reachable base URL of this service,
	// without a trailing slash (required). Workers call back here.
	BaseURL string `yaml:"base_url"`
	// WebhookSecret verifies GitHub webhook signatures (required).
	WebhookSecret string `yaml:"webhook_secret"`
	// AdminToken authorizes the operator endpoints (required).
	AdminToken string `yaml:"admin_token"`
	// LogDir receives worker log uploads. Empty disables uploads.
	LogDir string `yaml:"log_dir"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string (required).
	DSN string `yaml:"dsn"`
	// MaxOpenConns bounds the pool. Default: 25.
	MaxOpenConns int `yaml:"max_open_conns"`
	// MaxIdleConns bounds idle connections. Default: 5.
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// DispatchConfig holds test-dispatch settings.
type DispatchConfig struct {
	// SigningKey signs per-test callback tokens (required).
	SigningKey string `yaml:"signing_key"`
	// ArtifactURL points workers at the build under test (required).
	ArtifactURL string `yaml:"artifact_url"`
	// Branches lists the branches whose pushes dispatch tests.
	// Default: ["master"].
	Branches []string `yaml:"branches"`
}

// WatchdogConfig tunes the runtime watchdog.
type WatchdogConfig struct {
	// MaxRuntime is how long a test may run before it is canceled.
	// Default: 2h.
	MaxRuntime time.Duration `yaml:"-"`
	// Interval is how often expired instances are swept. Default: 1m.
	Interval time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts Go duration strings ("90m", "2h") for the
// watchdog fields, which yaml.v3 cannot decode into time.Duration.
func (w *WatchdogConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRuntime string `yaml:"max_runtime"`
		Interval   string `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if raw.MaxRuntime != "" {
		if w.MaxRuntime, err = time.ParseDuration(raw.MaxRuntime); err != nil {
			return fmt.Errorf("watchdog.max_runtime: %w", err)
		}
	}
	if raw.Interval != "" {
		if w.Interval, err = time.ParseDuration(raw.Interval); err != nil {
			return fmt.Errorf("watchdog.interval: %w", err)
		}
	}
	return nil
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: json.
	Format string `yaml:"format"`
}

// Load reads a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnv()

	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
// A set environment variable wins over the file value.
func (c *Config) applyEnv() {
	overrides := []struct {
		env   string
		field *string
	}{
		{"DATABASE_URL", &c.Database.DSN},
		{"GITHUB_TOKEN", &c.GitHub.Token},
		{"WEBHOOK_SECRET", &c.Server.WebhookSecret},
		{"ADMIN_TOKEN", &c.Server.AdminToken},
		{"SIGNING_KEY", &c.Dispatch.SigningKey},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.field = v
		}
	}
}

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if len(c.Dispatch.Branches) == 0 {
		c.Dispatch.Branches = []string{"master"}
	}
	if c.Watchdog.MaxRuntime == 0 {
		c.Watchdog.MaxRuntime = 2 * time.Hour
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: invalid URL %q: %w", c.Server.BaseURL, err)
	}
	if strings.HasSuffix(c.Server.BaseURL, "/") {
		return fmt.Errorf("server.base_url must not end with a slash")
	}
	if c.Server.WebhookSecret == "" {
		return fmt.Errorf("server.webhook_secret is required")
	}
	if c.Server.AdminToken == "" {
		return fmt.Errorf("server.admin_token is required")
	}
	if c.Dispatch.SigningKey == "" {
		return fmt.Errorf("dispatch.signing_key is required")
	}
	if c.Dispatch.ArtifactURL == "" {
		return fmt.Errorf("dispatch.artifact_url is required")
	}

	if c.GCP.Project == "" {
		return fmt.Errorf("gcp.project is required")
	}
	if c.GCP.Zone == "" {
		return fmt.Errorf("gcp.zone is required")
	}
	for _, platform := range models.ValidPlatforms() {
		spec, ok := c.GCP.Platforms[platform]
		if !ok || spec.Image == "" {
			return fmt.Errorf("gcp.platforms.%s.image is required", platform)
		}
	}

	if c.GitHub.Repo != "" {
		if c.GitHub.Token == "" {
			return fmt.Errorf("github.token is required when github.repo is set")
		}
		if c.GitHub.BotLogin == "" {
			return fmt.Errorf("github.bot_login is required when github.repo is set")
		}
	}

	return nil
}

// BranchTracked reports whether pushes to branch dispatch tests.
func (c *Config) BranchTracked(branch string) bool {
	for _, b := range c.Dispatch.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.slogLevel()}

	switch strings.ToLower(c.Logging.Format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
