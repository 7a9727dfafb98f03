// Package config handles loading, validating, and applying
// configuration for batchcloud.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/batchcloud/internal/cloud"
	"github.com/terrpan/batchcloud/internal/credentials"
	"github.com/terrpan/batchcloud/internal/label"
	sshlauncher "github.com/terrpan/batchcloud/internal/launcher/ssh"
	"github.com/terrpan/batchcloud/internal/otel"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Cloud       CloudConfig       `yaml:"cloud,omitempty"`
	Credentials CredentialsConfig `yaml:"credentials,omitempty"`
	Launcher    LauncherConfig    `yaml:"launcher,omitempty"`
	Server      ServerConfig      `yaml:"server,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	OTel        OTelConfig        `yaml:"otel,omitempty"`
}

// ---------------------------------------------------------------------------
// Cloud
// ---------------------------------------------------------------------------

// CloudConfig describes the batch cloud and the host its nodes run on.
type CloudConfig struct {
	Name string `yaml:"name,omitempty"`

	// QueueType is the batch scheduler queue.  Stored and reported only.
	QueueType string `yaml:"queue_type,omitempty"`

	// Label is the whitespace-separated list of labels the cloud serves.
	Label string `yaml:"label,omitempty"`

	Hostname string `yaml:"hostname,omitempty"`
	// Port is the SSH port.  Default: 22.
	Port int `yaml:"port,omitempty"`

	// CredentialsID references a credential in the credential store.
	CredentialsID string `yaml:"credentials_id,omitempty"`

	// Username and Password are the pre-credential-store login.  They
	// are upgraded into a stored credential at load time.
	//
	// Deprecated: use CredentialsID.
	Username string `yaml:"username,omitempty"`
	// Deprecated: use CredentialsID.
	Password string `yaml:"password,omitempty"`

	// NamePrefix prefixes generated node names.  Default: "BatchSystem".
	NamePrefix string `yaml:"name_prefix,omitempty"`

	// RemoteFS is the agent's working directory on the host.
	// Default: "jenkins".
	RemoteFS string `yaml:"remote_fs,omitempty"`

	// AgentCommand starts the agent on the host.
	// Default: "java -jar agent.jar".
	AgentCommand string `yaml:"agent_command,omitempty"`

	// IdleTimeout is how long a node stays registered after its task
	// completes (or, if it never gets a task, after it comes online).
	// Default: 1m.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// CredentialsConfig selects and configures the credential store.
type CredentialsConfig struct {
	// Backend selects the store: "file" (default) or "redis".
	Backend string `yaml:"backend,omitempty"`

	// File is the YAML credentials file.  Only read when Backend == "file".
	// Default: "credentials.yaml".
	File string `yaml:"file,omitempty"`

	// Redis holds Redis settings.  Only read when Backend == "redis".
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds Redis connection settings for the credential store.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	// Prefix namespaces the keys.  Default: "batchcloud".
	Prefix string `yaml:"prefix,omitempty"`
}

// ---------------------------------------------------------------------------
// Launcher
// ---------------------------------------------------------------------------

// LauncherConfig holds SSH launcher settings.
type LauncherConfig struct {
	// ConnectTimeout bounds one dial + handshake.  Default: 15s.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	// MaxAttempts is the number of connection attempts.  Default: 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// RetryInterval is the initial backoff between attempts.  Default: 2s.
	RetryInterval time.Duration `yaml:"retry_interval,omitempty"`
	// LaunchTimeout bounds a whole launch, retries included.  Default: 5m.
	LaunchTimeout time.Duration `yaml:"launch_timeout,omitempty"`
	// KnownHostsFile enables host key verification (optional).
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`
	// PoolSize caps concurrent launches.  Default: 4.
	PoolSize int `yaml:"pool_size,omitempty"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the orchestrator-facing HTTP API.
type ServerConfig struct {
	// Listen is the API listen address.  Default: ":8080".
	Listen string `yaml:"listen,omitempty"`
	// RetentionInterval is how often idle nodes are checked.  Default: 15s.
	RetentionInterval time.Duration `yaml:"retention_interval,omitempty"`
	// ShutdownTimeout bounds graceful shutdown.  Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level,omitempty"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format,omitempty"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure,omitempty"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout,omitempty"`

	// Prometheus exposes metrics on the API server at /metrics.
	// Default: true.
	Prometheus *bool `yaml:"prometheus,omitempty"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Cloud.Port == 0 {
		c.Cloud.Port = cloud.DefaultPort
	}
	if c.Cloud.NamePrefix == "" {
		c.Cloud.NamePrefix = cloud.DefaultNamePrefix
	}
	if c.Cloud.RemoteFS == "" {
		c.Cloud.RemoteFS = cloud.DefaultRemoteFS
	}
	if c.Cloud.AgentCommand == "" {
		c.Cloud.AgentCommand = cloud.DefaultAgentCommand
	}
	if c.Cloud.IdleTimeout == 0 {
		c.Cloud.IdleTimeout = cloud.DefaultIdleTimeout
	}
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = "file"
	}
	if c.Credentials.File == "" {
		c.Credentials.File = "credentials.yaml"
	}
	if c.Credentials.Redis.Prefix == "" {
		c.Credentials.Redis.Prefix = "batchcloud"
	}
	if c.Launcher.ConnectTimeout == 0 {
		c.Launcher.ConnectTimeout = 15 * time.Second
	}
	if c.Launcher.MaxAttempts == 0 {
		c.Launcher.MaxAttempts = 3
	}
	if c.Launcher.RetryInterval == 0 {
		c.Launcher.RetryInterval = 2 * time.Second
	}
	if c.Launcher.LaunchTimeout == 0 {
		c.Launcher.LaunchTimeout = 5 * time.Minute
	}
	if c.Launcher.PoolSize == 0 {
		c.Launcher.PoolSize = 4
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.RetentionInterval == 0 {
		c.Server.RetentionInterval = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Cloud.Name == "" {
		return fmt.Errorf("cloud.name is required")
	}
	if c.Cloud.Hostname == "" {
		return fmt.Errorf("cloud.hostname is required")
	}
	if c.Cloud.Port < 1 || c.Cloud.Port > 65535 {
		return fmt.Errorf("cloud.port %d is out of range", c.Cloud.Port)
	}
	if strings.TrimSpace(c.Cloud.Label) == "" {
		return fmt.Errorf("cloud.label is required")
	}
	if err := label.ValidateSet(c.Cloud.Label); err != nil {
		return fmt.Errorf("cloud.label: %w", err)
	}
	if c.Cloud.IdleTimeout < 0 {
		return fmt.Errorf("cloud.idle_timeout must not be negative")
	}

	if err := c.validateCredentials(); err != nil {
		return err
	}

	switch c.Credentials.Backend {
	case "file":
		// OK
	case "redis":
		if c.Credentials.Redis.Addr == "" {
			return fmt.Errorf("credentials.redis.addr is required when credentials.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("credentials.backend %q is not supported (supported: file, redis)", c.Credentials.Backend)
	}

	if c.Launcher.MaxAttempts < 1 {
		return fmt.Errorf("launcher.max_attempts must be at least 1")
	}
	if c.Launcher.PoolSize < 1 {
		return fmt.Errorf("launcher.pool_size must be at least 1")
	}

	return nil
}

func (c *Config) validateCredentials() error {
	hasID := c.Cloud.CredentialsID != ""
	hasLegacy := c.Cloud.Username != "" || c.Cloud.Password != ""

	if !hasID && !hasLegacy {
		return fmt.Errorf("no credentials: provide cloud.credentials_id (recommended) or cloud.username and cloud.password")
	}
	if !hasID {
		if c.Cloud.Username == "" {
			return fmt.Errorf("cloud.username is required when using password login")
		}
		if c.Cloud.Password == "" {
			return fmt.Errorf("cloud.password is required when using password login")
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
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

// NewCredentialStore creates the credential store selected by
// credentials.backend.  The returned close function releases any
// connection the store holds.
func (c *Config) NewCredentialStore(ctx context.Context) (credentials.Store, func() error, error) {
	switch c.Credentials.Backend {
	case "file":
		store, err := credentials.LoadFile(c.Credentials.File)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Credentials.Redis.Addr,
			Password: c.Credentials.Redis.Password,
			DB:       c.Credentials.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connecting to redis %s: %w", c.Credentials.Redis.Addr, err)
		}
		return credentials.NewRedisStore(client, c.Credentials.Redis.Prefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported credentials backend: %s", c.Credentials.Backend)
	}
}

// NewLauncher creates the SSH launcher.
func (c *Config) NewLauncher(logger *slog.Logger) (*sshlauncher.Launcher, error) {
	return sshlauncher.New(sshlauncher.Config{
		ConnectTimeout: c.Launcher.ConnectTimeout,
		MaxAttempts:    c.Launcher.MaxAttempts,
		RetryInterval:  c.Launcher.RetryInterval,
		KnownHostsFile: c.Launcher.KnownHostsFile,
	}, logger)
}

// LegacyCloud returns the cloud descriptor as loaded, legacy login
// fields included, ready for cloud.Migrate.
func (c *Config) LegacyCloud() cloud.LegacyConfig {
	return cloud.LegacyConfig{
		Config: cloud.Config{
			Name:         c.Cloud.Name,
			QueueType:    c.Cloud.QueueType,
			Label:        c.Cloud.Label,
			Hostname:     c.Cloud.Hostname,
			Port:         c.Cloud.Port,
			CredentialID: c.Cloud.CredentialsID,
			NamePrefix:   c.Cloud.NamePrefix,
			RemoteFS:     c.Cloud.RemoteFS,
			AgentCommand: c.Cloud.AgentCommand,
			IdleTimeout:  c.Cloud.IdleTimeout,
		},
		Username: c.Cloud.Username,
		Password: c.Cloud.Password,
	}
}

// ApplyMigrated writes a migrated descriptor back, clearing the legacy
// login fields so that the config can be saved in its upgraded form.
func (c *Config) ApplyMigrated(m cloud.Config) {
	c.Cloud.CredentialsID = m.CredentialID
	c.Cloud.Username = ""
	c.Cloud.Password = ""
}

// OTelSetup returns the telemetry settings for otel.SetupOTelSDK.
func (c *Config) OTelSetup() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus != nil && *c.OTel.Prometheus,
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
