package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/batchcloud/internal/credentials"
	"github.com/terrpan/batchcloud/internal/label"
	"github.com/terrpan/batchcloud/internal/launcher"
	"github.com/terrpan/batchcloud/internal/node"
	"github.com/terrpan/batchcloud/internal/pool"
)

var (
	// ErrInvalidWorkload is returned for a requested capacity below one.
	ErrInvalidWorkload = errors.New("excess workload must be at least 1")

	// ErrNoCredential is returned when the cloud has no credential id.
	ErrNoCredential = errors.New("cloud has no credential configured")
)

// Submitter schedules provisioning tasks.  *pool.Pool satisfies it.
type Submitter interface {
	Submit(task pool.Task) error
}

// Options holds the collaborators the Provisioner needs.
type Options struct {
	Snapshot    *Snapshot
	Credentials credentials.Store
	Launcher    launcher.Launcher
	Inventory   *node.Inventory
	Pool        Submitter
	Logger      *slog.Logger

	// LaunchTimeout bounds one launch, retries included.  Default: 5m.
	LaunchTimeout time.Duration
}

// Provisioner decides whether the cloud serves a label and plans one
// worker node per provisioning request.
type Provisioner struct {
	snapshot      *Snapshot
	creds         credentials.Store
	launcher      launcher.Launcher
	inventory     *node.Inventory
	pool          Submitter
	launchTimeout time.Duration
	logger        *slog.Logger

	inFlight atomic.Int64

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	nodesProvisioned    metric.Int64Counter
	provisionFailures   metric.Int64Counter
	nodeLaunchDuration  metric.Float64Histogram
	provisionRequests   metric.Int64Counter
	canProvisionQueries metric.Int64Counter
}

// New creates a Provisioner.
func New(opts Options) *Provisioner {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 5 * time.Minute
	}

	p := &Provisioner{
		snapshot:      opts.Snapshot,
		creds:         opts.Credentials,
		launcher:      opts.Launcher,
		inventory:     opts.Inventory,
		pool:          opts.Pool,
		launchTimeout: opts.LaunchTimeout,
		logger:        opts.Logger,
		tracer:        otel.Tracer("batchcloud/cloud"),
		meter:         otel.Meter("batchcloud/cloud"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	p.nodesProvisioned, err = p.meter.Int64Counter(
		"batchcloud.nodes.provisioned",
		metric.WithDescription("Total number of nodes provisioned and online"),
		metric.WithUnit("1"),
	)
	if err != nil {
		opts.Logger.Warn("failed to create nodesProvisioned counter", slog.String("error", err.Error()))
	}

	p.provisionFailures, err = p.meter.Int64Counter(
		"batchcloud.provision.failures",
		metric.WithDescription("Total number of failed provisioning attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		opts.Logger.Warn("failed to create provisionFailures counter", slog.String("error", err.Error()))
	}

	p.provisionRequests, err = p.meter.Int64Counter(
		"batchcloud.provision.requests",
		metric.WithDescription("Total number of provisioning requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		opts.Logger.Warn("failed to create provisionRequests counter", slog.String("error", err.Error()))
	}

	p.canProvisionQueries, err = p.meter.Int64Counter(
		"batchcloud.can_provision.queries",
		metric.WithDescription("Total number of label queries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		opts.Logger.Warn("failed to create canProvisionQueries counter", slog.String("error", err.Error()))
	}

	p.nodeLaunchDuration, err = p.meter.Float64Histogram(
		"batchcloud.node.launch.duration",
		metric.WithDescription("Time to bring a node online (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		opts.Logger.Warn("failed to create nodeLaunchDuration histogram", slog.String("error", err.Error()))
	}

	_, err = p.meter.Int64ObservableGauge(
		"batchcloud.provision.in_flight",
		metric.WithDescription("Current number of planned nodes not yet completed"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.inFlight.Load())
			return nil
		}),
	)
	if err != nil {
		opts.Logger.Warn("failed to create in-flight gauge", slog.String("error", err.Error()))
	}

	return p
}

// Config returns the current cloud descriptor.
func (p *Provisioner) Config() Config {
	return p.snapshot.Load()
}

// Serves reports whether the requested label expression is satisfied by
// the whitespace-separated label list cloudLabels.  An empty request is
// never served; a malformed one returns an error wrapping label.ErrSyntax.
func Serves(cloudLabels, requested string) (bool, error) {
	if requested == "" {
		return false, nil
	}
	expr, err := label.Parse(requested)
	if err != nil {
		return false, err
	}
	return expr.Matches(label.ParseSet(cloudLabels)), nil
}

// CanProvision reports whether the requested label expression is
// satisfied by the cloud's labels.  Malformed requests are logged and
// not served.
func (p *Provisioner) CanProvision(requested string) bool {
	if p.canProvisionQueries != nil {
		p.canProvisionQueries.Add(context.Background(), 1)
	}

	ok, err := Serves(p.snapshot.Load().Label, requested)
	if err != nil {
		p.logger.Warn("cannot parse requested label",
			slog.String("label", requested),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// Provision plans exactly one node sized to excessWorkload executors.
// Name generation happens here; credential resolution, launch and
// registration run on the pool.  Failures complete the handle with an
// error and are not retried.
func (p *Provisioner) Provision(ctx context.Context, requested string, excessWorkload int) *PlannedNode {
	ctx, span := p.tracer.Start(ctx, "cloud.Provision")
	defer span.End()

	cfg := p.snapshot.Load()
	name := newNodeName(cfg.NamePrefix)
	planned := newPlannedNode(name, cfg.Name, excessWorkload)

	span.SetAttributes(
		attribute.String("cloud.name", cfg.Name),
		attribute.String("node.name", name),
		attribute.String("label.requested", requested),
		attribute.Int("node.executors", excessWorkload),
	)
	if p.provisionRequests != nil {
		p.provisionRequests.Add(ctx, 1)
	}

	p.logger.Info("provisioning node",
		slog.String("node", name),
		slog.String("label", requested),
		slog.Int("executors", excessWorkload),
	)

	if excessWorkload < 1 {
		p.fail(ctx, planned, "invalid_workload", fmt.Errorf("%w: got %d", ErrInvalidWorkload, excessWorkload))
		return planned
	}

	p.inFlight.Add(1)
	linked := trace.LinkFromContext(ctx)
	err := p.pool.Submit(func(poolCtx context.Context) {
		defer p.inFlight.Add(-1)
		taskCtx, taskSpan := p.tracer.Start(poolCtx, "cloud.provisionNode", trace.WithLinks(linked))
		defer taskSpan.End()

		w, reason, err := p.provisionNode(taskCtx, cfg, name, excessWorkload)
		if err != nil {
			taskSpan.RecordError(err)
			taskSpan.SetStatus(codes.Error, err.Error())
			p.fail(taskCtx, planned, reason, err)
			return
		}
		planned.complete(w, nil)
	})
	if err != nil {
		p.inFlight.Add(-1)
		p.fail(ctx, planned, "submit", fmt.Errorf("submitting provisioning task: %w", err))
	}
	return planned
}

func (p *Provisioner) fail(ctx context.Context, planned *PlannedNode, reason string, err error) {
	if p.provisionFailures != nil {
		p.provisionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	p.logger.Error("provisioning failed",
		slog.String("node", planned.Name),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	planned.complete(nil, err)
}

// provisionNode resolves the credential, registers the node, launches
// it and marks it online.  The returned reason labels failure metrics.
func (p *Provisioner) provisionNode(ctx context.Context, cfg Config, name string, executors int) (*node.Worker, string, error) {
	startTime := time.Now()

	if cfg.CredentialID == "" {
		return nil, "credential", fmt.Errorf("node %s: %w", name, ErrNoCredential)
	}
	cred, err := p.creds.Lookup(ctx, cfg.CredentialID)
	if err != nil {
		return nil, "credential", fmt.Errorf("node %s: resolving credential %s: %w", name, cfg.CredentialID, err)
	}

	w := node.Worker{
		Name:         name,
		CloudName:    cfg.Name,
		Label:        cfg.Label,
		NumExecutors: executors,
		Hostname:     cfg.Hostname,
		Port:         cfg.Port,
		CredentialID: cfg.CredentialID,
		QueueType:    cfg.QueueType,
		RemoteFS:     cfg.RemoteFS,
		State:        node.StateRequested,
	}
	if err := p.inventory.Add(w); err != nil {
		return nil, "register", fmt.Errorf("registering node: %w", err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.launchTimeout)
	defer cancel()

	conn, err := p.launcher.Launch(launchCtx, launcher.Target{
		NodeName:     name,
		Hostname:     cfg.Hostname,
		Port:         cfg.Port,
		Credential:   cred,
		AgentCommand: cfg.AgentCommand,
		RemoteFS:     cfg.RemoteFS,
		NumExecutors: executors,
	})
	if err != nil {
		p.inventory.Terminate(context.WithoutCancel(ctx), name)
		return nil, "launch", fmt.Errorf("launching node %s: %w", name, err)
	}

	online, err := p.inventory.MarkOnline(name, conn)
	if err != nil {
		// Terminated while connecting.
		if cerr := conn.Close(); cerr != nil {
			p.logger.Warn("failed to close connection of removed node",
				slog.String("node", name),
				slog.String("error", cerr.Error()),
			)
		}
		return nil, "register", fmt.Errorf("node %s: %w", name, err)
	}

	if p.nodeLaunchDuration != nil {
		p.nodeLaunchDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if p.nodesProvisioned != nil {
		p.nodesProvisioned.Add(ctx, 1)
	}

	p.logger.Info("node online",
		slog.String("node", name),
		slog.String("host", cfg.Hostname),
		slog.Int("executors", executors),
	)
	return &online, "", nil
}

// newNodeName returns prefix-<random uuid>.  Uniqueness rests on the
// randomness of the UUID; no registry check is made.
func newNodeName(prefix string) string {
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	return prefix + "-" + uuid.NewString()
}
