package model

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/dockyard-paas/dockyard/internal/log"

	"github.com/spf13/viper"
)

const (
	DockerBackendCLI = "cli"
	DockerBackendAPI = "api"
)

// Config is the runtime configuration of the control plane.
type Config struct {
	Database      string        `mapstructure:"database" yaml:"database"`
	ScriptsDir    string        `mapstructure:"scripts_dir" yaml:"scripts_dir"`
	AppsDir       string        `mapstructure:"apps_dir" yaml:"apps_dir"`
	DockerBinary  string        `mapstructure:"docker_binary" yaml:"docker_binary"`
	DockerBackend string        `mapstructure:"docker_backend" yaml:"docker_backend"`
	DockerHost    string        `mapstructure:"docker_host" yaml:"docker_host,omitempty"`
	FactsTTL      time.Duration `mapstructure:"facts_ttl" yaml:"facts_ttl"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	ListLimit     int           `mapstructure:"list_limit" yaml:"list_limit"`
	OutputLimit   int           `mapstructure:"output_limit" yaml:"output_limit"`
	ExecTimeout   time.Duration `mapstructure:"exec_timeout" yaml:"exec_timeout"`
	Listen        string        `mapstructure:"listen" yaml:"listen"`
	Verbose       bool          `mapstructure:"verbose" yaml:"verbose"`
	LogFormat     string        `mapstructure:"log_format" yaml:"log_format"`
	Hooks         Hooks         `mapstructure:"hooks" yaml:"hooks"`
}

type Hooks struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Database:      "dockyard.db",
		ScriptsDir:    "/opt/dockyard/scripts",
		AppsDir:       "/srv/dockyard/apps",
		DockerBinary:  "docker",
		DockerBackend: DockerBackendCLI,
		FactsTTL:      5 * time.Second,
		Retention:     24 * time.Hour,
		SweepSchedule: "@hourly",
		ListLimit:     50,
		OutputLimit:   1 << 20,
		ExecTimeout:   30 * time.Second,
		Listen:        "127.0.0.1:7070",
		LogFormat:     string(log.FormatJSON),
		Hooks: Hooks{
			Timeout: 5 * time.Second,
		},
	}
}

// SetDefaults registers every key of DefaultConfig on v, so env
// overrides work for keys missing from the file.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("database", d.Database)
	v.SetDefault("scripts_dir", d.ScriptsDir)
	v.SetDefault("apps_dir", d.AppsDir)
	v.SetDefault("docker_binary", d.DockerBinary)
	v.SetDefault("docker_backend", d.DockerBackend)
	v.SetDefault("docker_host", d.DockerHost)
	v.SetDefault("facts_ttl", d.FactsTTL)
	v.SetDefault("retention", d.Retention)
	v.SetDefault("sweep_schedule", d.SweepSchedule)
	v.SetDefault("list_limit", d.ListLimit)
	v.SetDefault("output_limit", d.OutputLimit)
	v.SetDefault("exec_timeout", d.ExecTimeout)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("hooks.webhook_url", d.Hooks.WebhookURL)
	v.SetDefault("hooks.timeout", d.Hooks.Timeout)
}

// LoadConfig decodes and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.Database) == "" {
		add("database must not be empty")
	}
	if strings.TrimSpace(c.ScriptsDir) == "" {
		add("scripts_dir must not be empty")
	}
	if strings.TrimSpace(c.AppsDir) == "" {
		add("apps_dir must not be empty")
	}
	if strings.TrimSpace(c.DockerBinary) == "" {
		add("docker_binary must not be empty")
	}
	switch c.DockerBackend {
	case DockerBackendCLI, DockerBackendAPI:
	default:
		add("docker_backend must be %q or %q, got %q", DockerBackendCLI, DockerBackendAPI, c.DockerBackend)
	}
	if c.FactsTTL <= 0 {
		add("facts_ttl must be positive, got %s", c.FactsTTL)
	}
	if c.Retention <= 0 {
		add("retention must be positive, got %s", c.Retention)
	}
	if _, err := ParseCron(c.SweepSchedule); err != nil {
		add("sweep_schedule %q: %v", c.SweepSchedule, err)
	}
	if c.ListLimit <= 0 {
		add("list_limit must be positive, got %d", c.ListLimit)
	}
	if c.OutputLimit <= 0 {
		add("output_limit must be positive, got %d", c.OutputLimit)
	}
	if c.ExecTimeout <= 0 {
		add("exec_timeout must be positive, got %s", c.ExecTimeout)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		add("listen %q: %v", c.Listen, err)
	}
	if _, err := log.ParseFormat(c.LogFormat); err != nil {
		add("log_format: %v", err)
	}
	if c.Hooks.WebhookURL != "" {
		u, err := url.Parse(c.Hooks.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("hooks.webhook_url %q is not an http(s) URL", c.Hooks.WebhookURL)
		}
		if c.Hooks.Timeout <= 0 {
			add("hooks.timeout must be positive, got %s", c.Hooks.Timeout)
		}
	}
	return errors.Join(errs...)
}
