// Package ssh implements launcher.Launcher by opening an SSH connection
// to the worker host and starting the agent command in a session.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/terrpan/batchcloud/internal/launcher"
)

// Config holds SSH launcher settings.
type Config struct {
	// ConnectTimeout bounds a single dial + handshake attempt.
	// Default: 15s.
	ConnectTimeout time.Duration

	// MaxAttempts is the number of connection attempts before giving
	// up.  Default: 3.
	MaxAttempts int

	// RetryInterval is the initial backoff between attempts; it doubles
	// after each failure.  Default: 2s.
	RetryInterval time.Duration

	// KnownHostsFile enables host key verification against an OpenSSH
	// known_hosts file.  When empty, host keys are not verified.
	KnownHostsFile string
}

// Launcher connects to worker hosts over SSH.
type Launcher struct {
	cfg             Config
	hostKeyCallback ssh.HostKeyCallback
	logger          *slog.Logger
	tracer          trace.Tracer
}

// Compile-time check that Launcher satisfies the launcher.Launcher interface.
var _ launcher.Launcher = (*Launcher)(nil)

// New creates an SSH launcher.
func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}

	hk := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		hk = cb
	} else {
		logger.Warn("ssh host key verification disabled; set launcher.known_hosts_file to enable it")
	}

	return &Launcher{
		cfg:             cfg,
		hostKeyCallback: hk,
		logger:          logger,
		tracer:          otel.Tracer("batchcloud/launcher/ssh"),
	}, nil
}

// Launch dials the target, retrying with exponential backoff, then
// starts the agent command in a new session.
func (l *Launcher) Launch(ctx context.Context, target launcher.Target) (launcher.Connection, error) {
	ctx, span := l.tracer.Start(ctx, "launcher.ssh.Launch")
	defer span.End()

	addr := net.JoinHostPort(target.Hostname, strconv.Itoa(target.Port))
	span.SetAttributes(
		attribute.String("node.name", target.NodeName),
		attribute.String("ssh.addr", addr),
	)

	if target.Credential == nil {
		return nil, errors.New("ssh launch: no credential")
	}
	auth, err := target.Credential.AuthMethods()
	if err != nil {
		return nil, fmt.Errorf("ssh launch %s: %w", target.NodeName, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            target.Credential.Username,
		Auth:            auth,
		HostKeyCallback: l.hostKeyCallback,
		Timeout:         l.cfg.ConnectTimeout,
	}

	attempt := 0
	client, err := backoff.RetryNotifyWithData(
		func() (*ssh.Client, error) {
			attempt++
			c, err := l.dial(ctx, addr, clientCfg)
			if err != nil && isPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			return c, err
		},
		l.backoff(ctx),
		func(err error, wait time.Duration) {
			l.logger.Debug("ssh connection failed, retrying",
				slog.String("node", target.NodeName),
				slog.String("addr", addr),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		},
	)
	span.SetAttributes(attribute.Int("ssh.attempts", attempt))
	if err != nil {
		return nil, fmt.Errorf("ssh connect %s after %d attempt(s): %w", addr, attempt, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ssh session %s: %w", addr, err)
	}

	cmd := agentCommandLine(target)
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("starting agent on %s: %w", addr, err)
	}

	l.logger.Info("agent started",
		slog.String("node", target.NodeName),
		slog.String("addr", addr),
		slog.String("user", target.Credential.Username),
	)

	return &connection{client: client, session: session}, nil
}

func (l *Launcher) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.cfg.MaxAttempts-1)), ctx)
}

// dial opens the TCP connection with ctx and performs the SSH handshake
// under a deadline, which is cleared once the client is established.
func (l *Launcher) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(cconn, chans, reqs), nil
}

// isPermanent reports whether retrying err cannot help: bad credentials
// or a host key that does not match known_hosts.
func isPermanent(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

// agentCommandLine builds the remote shell command that starts the
// agent inside the node's working directory.
func agentCommandLine(t launcher.Target) string {
	var b strings.Builder
	if t.RemoteFS != "" {
		q := shellescape.Quote(t.RemoteFS)
		fmt.Fprintf(&b, "mkdir -p %s && cd %s && ", q, q)
	}
	fmt.Fprintf(&b, "BATCHCLOUD_NODE_NAME=%s BATCHCLOUD_EXECUTORS=%d exec %s",
		shellescape.Quote(t.NodeName), t.NumExecutors, t.AgentCommand)
	return b.String()
}

type connection struct {
	client  *ssh.Client
	session *ssh.Session

	once sync.Once
	err  error
}

// Close signals the agent, then tears down the session and client.
func (c *connection) Close() error {
	c.once.Do(func() {
		_ = c.session.Signal(ssh.SIGTERM)
		_ = c.session.Close()
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.err = fmt.Errorf("closing ssh client: %w", err)
		}
	})
	return c.err
}
