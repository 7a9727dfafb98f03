package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/batchcloud/internal/cloud"
	"github.com/terrpan/batchcloud/internal/credentials"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validConfig returns a minimal Config that passes Validate() with a
// credential id.
func validConfig() *Config {
	return &Config{
		Cloud: CloudConfig{
			Name:          "lsf-cloud",
			QueueType:     "normal",
			Label:         "lsf",
			Hostname:      "h1",
			CredentialsID: "cred-1",
		},
	}
}

// validLegacyConfig returns a minimal Config that passes Validate() with
// the deprecated username/password login.
func validLegacyConfig() *Config {
	cfg := validConfig()
	cfg.Cloud.CredentialsID = ""
	cfg.Cloud.Username = "lsfadmin"
	cfg.Cloud.Password = "s3cret"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidConfig() {
	cfg := validConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_ValidLegacyConfig() {
	cfg := validLegacyConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_ValidRedisBackend() {
	cfg := validConfig()
	cfg.Credentials.Backend = "redis"
	cfg.Credentials.Redis.Addr = "localhost:6379"
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_MultipleLabels() {
	cfg := validConfig()
	cfg.Cloud.Label = "lsf linux x86-64"
	require.NoError(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// Cloud errors
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingName() {
	cfg := validConfig()
	cfg.Cloud.Name = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cloud.name")
}

func (s *ConfigValidationSuite) TestValidate_MissingHostname() {
	cfg := validConfig()
	cfg.Cloud.Hostname = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cloud.hostname")
}

func (s *ConfigValidationSuite) TestValidate_PortOutOfRange() {
	cfg := validConfig()
	cfg.Cloud.Port = 65536
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cloud.port")
}

func (s *ConfigValidationSuite) TestValidate_EmptyLabel() {
	cfg := validConfig()
	cfg.Cloud.Label = "   "
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cloud.label is required")
}

func (s *ConfigValidationSuite) TestValidate_LabelWithOperators() {
	cfg := validConfig()
	cfg.Cloud.Label = "lsf || gpu"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cloud.label")
}

func (s *ConfigValidationSuite) TestValidate_NegativeIdleTimeout() {
	cfg := validConfig()
	cfg.Cloud.IdleTimeout = -time.Second
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "idle_timeout")
}

// ---------------------------------------------------------------------------
// Credential errors
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingCredentials() {
	cfg := validConfig()
	cfg.Cloud.CredentialsID = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "no credentials")
}

func (s *ConfigValidationSuite) TestValidate_Legacy_MissingPassword() {
	cfg := validLegacyConfig()
	cfg.Cloud.Password = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cloud.password")
}

func (s *ConfigValidationSuite) TestValidate_Legacy_MissingUsername() {
	cfg := validLegacyConfig()
	cfg.Cloud.Username = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cloud.username")
}

func (s *ConfigValidationSuite) TestValidate_CredentialsIDWithLegacyFields() {
	cfg := validConfig()
	cfg.Cloud.Username = "lsfadmin"
	require.NoError(s.T(), cfg.Validate(), "a credential id makes legacy fields irrelevant")
}

func (s *ConfigValidationSuite) TestValidate_RedisMissingAddr() {
	cfg := validConfig()
	cfg.Credentials.Backend = "redis"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "credentials.redis.addr")
}

func (s *ConfigValidationSuite) TestValidate_UnknownBackend() {
	cfg := validConfig()
	cfg.Credentials.Backend = "vault"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

// ---------------------------------------------------------------------------
// Launcher errors
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_NegativeMaxAttempts() {
	cfg := validConfig()
	cfg.Launcher.MaxAttempts = -1
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "launcher.max_attempts")
}

func (s *ConfigValidationSuite) TestValidate_NegativePoolSize() {
	cfg := validConfig()
	cfg.Launcher.PoolSize = -1
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "launcher.pool_size")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := validConfig()
	cfg.ApplyDefaults()

	assert.Equal(s.T(), 22, cfg.Cloud.Port)
	assert.Equal(s.T(), "BatchSystem", cfg.Cloud.NamePrefix)
	assert.Equal(s.T(), "jenkins", cfg.Cloud.RemoteFS)
	assert.Equal(s.T(), cloud.DefaultAgentCommand, cfg.Cloud.AgentCommand)
	assert.Equal(s.T(), time.Minute, cfg.Cloud.IdleTimeout)
	assert.Equal(s.T(), "file", cfg.Credentials.Backend)
	assert.Equal(s.T(), "credentials.yaml", cfg.Credentials.File)
	assert.Equal(s.T(), "batchcloud", cfg.Credentials.Redis.Prefix)
	assert.Equal(s.T(), 15*time.Second, cfg.Launcher.ConnectTimeout)
	assert.Equal(s.T(), 3, cfg.Launcher.MaxAttempts)
	assert.Equal(s.T(), 2*time.Second, cfg.Launcher.RetryInterval)
	assert.Equal(s.T(), 5*time.Minute, cfg.Launcher.LaunchTimeout)
	assert.Equal(s.T(), 4, cfg.Launcher.PoolSize)
	assert.Equal(s.T(), ":8080", cfg.Server.Listen)
	assert.Equal(s.T(), 15*time.Second, cfg.Server.RetentionInterval)
	assert.Equal(s.T(), 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	require.NotNil(s.T(), cfg.OTel.Prometheus)
	assert.True(s.T(), *cfg.OTel.Prometheus)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitValues() {
	cfg := validConfig()
	off := false
	cfg.Cloud.Port = 2222
	cfg.Launcher.MaxAttempts = 1
	cfg.OTel.Prometheus = &off
	cfg.ApplyDefaults()

	assert.Equal(s.T(), 2222, cfg.Cloud.Port)
	assert.Equal(s.T(), 1, cfg.Launcher.MaxAttempts)
	assert.False(s.T(), *cfg.OTel.Prometheus)
	assert.False(s.T(), cfg.OTelSetup().Prometheus)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoad_ParsesYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
cloud:
  name: lsf-cloud
  queue_type: normal
  label: "lsf linux"
  hostname: h1
  port: 2222
  credentials_id: cred-1
  idle_timeout: 90s
credentials:
  backend: redis
  redis:
    addr: localhost:6379
launcher:
  connect_timeout: 5s
  max_attempts: 5
server:
  listen: ":9090"
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "lsf-cloud", cfg.Cloud.Name)
	assert.Equal(t, "normal", cfg.Cloud.QueueType)
	assert.Equal(t, "lsf linux", cfg.Cloud.Label)
	assert.Equal(t, 2222, cfg.Cloud.Port)
	assert.Equal(t, 90*time.Second, cfg.Cloud.IdleTimeout)
	assert.Equal(t, "redis", cfg.Credentials.Backend)
	assert.Equal(t, "localhost:6379", cfg.Credentials.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Launcher.ConnectTimeout)
	assert.Equal(t, 5, cfg.Launcher.MaxAttempts)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, slog.LevelDebug, cfg.slogLevel())
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "cloud: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := &Config{Logging: LoggingConfig{Level: in}}
		assert.Equal(t, want, cfg.slogLevel(), in)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "other"} {
		cfg := &Config{Logging: LoggingConfig{Level: "warn", Format: format}}
		logger := cfg.NewLogger()
		require.NotNil(t, logger)
		assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	}
}

func TestNewCredentialStore_File(t *testing.T) {
	path := writeFile(t, "credentials.yaml", `
credentials:
  - id: cred-1
    kind: password
    username: lsfadmin
    password: s3cret
`)
	cfg := validConfig()
	cfg.Credentials.File = path
	require.NoError(t, cfg.Validate())

	store, closeFn, err := cfg.NewCredentialStore(context.Background())
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	cred, err := store.Lookup(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "lsfadmin", cred.Username)
}

func TestNewCredentialStore_RedisUnreachable(t *testing.T) {
	cfg := validConfig()
	cfg.Credentials.Backend = "redis"
	cfg.Credentials.Redis.Addr = "127.0.0.1:1"
	require.NoError(t, cfg.Validate())

	_, _, err := cfg.NewCredentialStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to redis")
}

func TestNewLauncher(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	l, err := cfg.NewLauncher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestLegacyCloud_MigratesPassword(t *testing.T) {
	cfg := validLegacyConfig()
	require.NoError(t, cfg.Validate())

	store, err := credentials.NewMemoryStore()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	migrated, err := cloud.Migrate(context.Background(), cfg.LegacyCloud(), store, logger)
	require.NoError(t, err)
	require.NotEmpty(t, migrated.CredentialID)
	assert.Equal(t, "lsf-cloud", migrated.Name)
	assert.Equal(t, "h1", migrated.Hostname)
	assert.Equal(t, 22, migrated.Port)

	cfg.ApplyMigrated(migrated)
	assert.Equal(t, migrated.CredentialID, cfg.Cloud.CredentialsID)
	assert.Empty(t, cfg.Cloud.Username)
	assert.Empty(t, cfg.Cloud.Password)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "credentials_id: "+migrated.CredentialID)
	assert.NotContains(t, string(out), "s3cret")
}
