// Package config loads the cloudship YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloudship/internal/deployment"
	"cloudship/internal/pipeline"
	"cloudship/internal/security"
	"cloudship/pkg/fileutil"

	"gopkg.in/yaml.v3"
)

const (
	FileName = "cloudship.yaml"

	EnvWebhookSecret = "CLOUDSHIP_WEBHOOK_SECRET"
	EnvGitHubToken   = "CLOUDSHIP_GITHUB_TOKEN"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	GCP       GCPConfig       `yaml:"gcp"`
	GitHub    GitHubConfig    `yaml:"github"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type GCPConfig struct {
	ProjectID        string `yaml:"project_id"`
	Region           string `yaml:"region"`
	Bucket           string `yaml:"bucket"`
	ArtifactRegistry string `yaml:"artifact_registry"`
	CredentialsFile  string `yaml:"credentials_file"`
	// Endpoint overrides the Google API endpoint, used with local emulators.
	Endpoint string `yaml:"endpoint"`
}

type GitHubConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
	Token         string `yaml:"token"`
	DefaultBranch string `yaml:"default_branch"`
	APIURL        string `yaml:"api_url"`
}

type PipelineConfig struct {
	PollInterval     time.Duration        `yaml:"poll_interval"`
	BuildDeadline    time.Duration        `yaml:"build_deadline"`
	ImageTemplate    string               `yaml:"image_template"`
	BuildArgs        string               `yaml:"build_args"`
	DefaultResources deployment.Resources `yaml:"default_resources"`
	PublicServices   *bool                `yaml:"public_services"`
}

type HotReloadConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Requests         int           `yaml:"requests"`
	Window           time.Duration `yaml:"window"`
	WebhookPerMinute int           `yaml:"webhook_per_minute"`
}

type WebhookConfig struct {
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
	DedupCapacity int           `yaml:"dedup_capacity"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Find returns the first config file in the standard search paths, or ""
// when none exists.
func Find() string {
	return fileutil.FirstFile(fileutil.DefaultConfigPaths(FileName)...)
}

// Load reads path, applies defaults and environment overrides. An empty path
// loads defaults plus environment only. Validation is separate; see Validate.
func Load(path string) (*Config, error) {
	c := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		c.Path = path
	}

	c.applyDefaults()
	c.applyEnv()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "cloudship.db"
	}
	if c.GCP.Region == "" {
		c.GCP.Region = "us-central1"
	}
	if c.GitHub.DefaultBranch == "" {
		c.GitHub.DefaultBranch = "main"
	}

	p := &c.Pipeline
	if p.PollInterval == 0 {
		p.PollInterval = 10 * time.Second
	}
	if p.BuildDeadline == 0 {
		p.BuildDeadline = 600 * time.Second
	}
	if p.ImageTemplate == "" {
		p.ImageTemplate = pipeline.DefaultImageTemplate
	}
	if p.DefaultResources.CPU == "" {
		p.DefaultResources.CPU = "1"
	}
	if p.DefaultResources.Memory == "" {
		p.DefaultResources.Memory = "512Mi"
	}
	if p.DefaultResources.MaxInstances == 0 {
		p.DefaultResources.MaxInstances = 10
	}
	if p.PublicServices == nil {
		public := true
		p.PublicServices = &public
	}

	if c.HotReload.Attempts == 0 {
		c.HotReload.Attempts = 3
	}
	if c.HotReload.Delay == 0 {
		c.HotReload.Delay = 2 * time.Second
	}
	if c.HotReload.Timeout == 0 {
		c.HotReload.Timeout = 30 * time.Second
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.WebhookPerMinute == 0 {
		c.RateLimit.WebhookPerMinute = 30
	}

	if c.Webhook.DedupTTL == 0 {
		c.Webhook.DedupTTL = 5 * time.Minute
	}
	if c.Webhook.DedupCapacity == 0 {
		c.Webhook.DedupCapacity = 4096
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv lets secrets stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.GitHub.WebhookSecret = v
	}
	if v := os.Getenv(EnvGitHubToken); v != "" {
		c.GitHub.Token = v
	}
}

// Validate returns every problem found, one line each.
func (c *Config) Validate() []string {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("  - server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errors = append(errors, fmt.Sprintf("  - database.driver must be sqlite or postgres, got '%s'", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errors = append(errors, "  - database.dsn is required")
	}

	if c.GCP.ProjectID == "" {
		errors = append(errors, "  - gcp.project_id is required")
	}
	if err := security.ValidateRegion(c.GCP.Region); err != nil {
		errors = append(errors, fmt.Sprintf("  - gcp.region: %v", err))
	}
	if c.GCP.Bucket == "" {
		errors = append(errors, "  - gcp.bucket is required")
	}
	if c.GCP.ArtifactRegistry == "" {
		errors = append(errors, "  - gcp.artifact_registry is required")
	}
	if c.GCP.CredentialsFile != "" && !fileutil.FileExists(c.GCP.CredentialsFile) {
		errors = append(errors, fmt.Sprintf("  - gcp.credentials_file does not exist: '%s'", c.GCP.CredentialsFile))
	}

	if c.GitHub.WebhookSecret == "" {
		errors = append(errors, fmt.Sprintf("  - github.webhook_secret is required (or set %s)", EnvWebhookSecret))
	} else if err := security.ValidateSecret(c.GitHub.WebhookSecret); err != nil {
		errors = append(errors, fmt.Sprintf("  - github.webhook_secret: %v", err))
	}
	if err := security.ValidateBranchName(c.GitHub.DefaultBranch); err != nil {
		errors = append(errors, fmt.Sprintf("  - github.default_branch: %v", err))
	}

	p := c.Pipeline
	if p.PollInterval < time.Second {
		errors = append(errors, fmt.Sprintf("  - pipeline.poll_interval must be at least 1s, got %s", p.PollInterval))
	}
	if p.BuildDeadline <= p.PollInterval {
		errors = append(errors, fmt.Sprintf("  - pipeline.build_deadline (%s) must exceed poll_interval (%s)", p.BuildDeadline, p.PollInterval))
	}
	if err := pipeline.ValidateImageTemplate(p.ImageTemplate); err != nil {
		errors = append(errors, fmt.Sprintf("  - pipeline.image_template: %v", err))
	}
	r := p.DefaultResources
	if r.MinInstances < 0 || r.MaxInstances < 1 || r.MinInstances > r.MaxInstances {
		errors = append(errors, fmt.Sprintf("  - pipeline.default_resources: invalid instance bounds min=%d max=%d", r.MinInstances, r.MaxInstances))
	}

	if c.HotReload.Attempts < 1 {
		errors = append(errors, fmt.Sprintf("  - hot_reload.attempts must be positive, got %d", c.HotReload.Attempts))
	}
	if c.HotReload.Delay < 0 || c.HotReload.Timeout < 0 {
		errors = append(errors, "  - hot_reload.delay and hot_reload.timeout must not be negative")
	}

	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 || c.RateLimit.WebhookPerMinute < 1 {
		errors = append(errors, "  - rate_limit.requests, rate_limit.window and rate_limit.webhook_per_minute must be positive")
	}

	if c.Webhook.DedupTTL <= 0 || c.Webhook.DedupCapacity < 1 {
		errors = append(errors, "  - webhook.dedup_ttl and webhook.dedup_capacity must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("  - logging.level must be debug, info, warn or error, got '%s'", c.Logging.Level))
	}

	return errors
}

// PermissionWarning reports a config file that other users can read. The
// file may carry the webhook secret.
func (c *Config) PermissionWarning() string {
	if c.Path == "" {
		return ""
	}
	if err := security.ValidateSecurePermissions(c.Path); errors.Is(err, security.ErrInsecurePermissions) {
		return fmt.Sprintf("config file %s may be read by other users; restrict it with chmod 640: %v", c.Path, err)
	}
	return ""
}
