// Package cloud implements the batch cloud: its descriptor, the
// copy-on-write snapshot it is read through, and the provisioner that
// turns a request for capacity into one worker node on the configured
// host.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/terrpan/batchcloud/internal/credentials"
	"github.com/terrpan/batchcloud/internal/label"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultPort         = 22
	DefaultNamePrefix   = "BatchSystem"
	DefaultRemoteFS     = "jenkins"
	DefaultAgentCommand = "java -jar agent.jar"
	DefaultIdleTimeout  = time.Minute
)

// Config describes one batch cloud.
type Config struct {
	// Name identifies the cloud and is the display name of planned nodes.
	Name string `json:"name"`

	// QueueType is the batch scheduler queue the host submits to.  It is
	// stored and reported but provisioning never reads it.
	QueueType string `json:"queueType"`

	// Label is the whitespace-separated label list this cloud serves.
	Label string `json:"label"`

	Hostname string `json:"hostname"`
	Port     int    `json:"port"`

	// CredentialID references the SSH credential in the credential store.
	CredentialID string `json:"credentialId"`

	NamePrefix   string        `json:"namePrefix"`
	RemoteFS     string        `json:"remoteFS"`
	AgentCommand string        `json:"agentCommand"`
	IdleTimeout  time.Duration `json:"idleTimeout"`
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	if c.RemoteFS == "" {
		c.RemoteFS = DefaultRemoteFS
	}
	if c.AgentCommand == "" {
		c.AgentCommand = DefaultAgentCommand
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
}

// Validate checks the descriptor.  A missing credential id is allowed;
// provisioning then fails for every request instead.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("cloud name is required")
	}
	if c.Hostname == "" {
		return errors.New("cloud hostname is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("cloud port %d out of range", c.Port)
	}
	if err := label.ValidateSet(c.Label); err != nil {
		return fmt.Errorf("cloud label %q: %w", c.Label, err)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("cloud idle timeout %s is negative", c.IdleTimeout)
	}
	return nil
}

// LegacyConfig is a cloud descriptor as written by older releases, which
// stored a raw username and password instead of a credential id.
type LegacyConfig struct {
	Config

	// Deprecated: use CredentialID.
	Username string `json:"username,omitempty"`
	// Deprecated: use CredentialID.
	Password string `json:"password,omitempty"`
}

// Migrate converts a loaded or submitted descriptor into a Config.
//
// A set CredentialID always wins and the legacy fields are dropped.
// Otherwise a username and password are upgraded into a stored password
// credential whose id becomes the CredentialID.  With neither, the
// Config is returned without a credential.
func Migrate(ctx context.Context, legacy LegacyConfig, store credentials.Store, logger *slog.Logger) (Config, error) {
	cfg := legacy.Config

	switch {
	case cfg.CredentialID != "":
		if legacy.Username != "" || legacy.Password != "" {
			logger.Info("credential id is set, ignoring legacy username/password",
				slog.String("cloud", cfg.Name),
				slog.String("credentialID", cfg.CredentialID),
			)
		}

	case legacy.Username != "" && legacy.Password != "":
		id, err := credentials.Upgrade(ctx, store, legacy.Username, legacy.Password, logger)
		if err != nil {
			return Config{}, fmt.Errorf("cloud %s: %w", cfg.Name, err)
		}
		cfg.CredentialID = id

	default:
		logger.Warn("cloud has no credential; provisioning will fail until one is configured",
			slog.String("cloud", cfg.Name),
		)
	}

	return cfg, nil
}
