package node

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/batchcloud/internal/launcher"
)

type entry struct {
	worker Worker
	conn   launcher.Connection
}

// Inventory is the registry of live worker nodes.
type Inventory struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	nodes map[string]*entry

	nodesTerminated metric.Int64Counter
	tasksCompleted  metric.Int64Counter
}

// NewInventory creates an empty inventory.
func NewInventory(logger *slog.Logger) *Inventory {
	inv := &Inventory{
		logger: logger,
		now:    time.Now,
		nodes:  make(map[string]*entry),
	}

	meter := otel.Meter("batchcloud/node")

	var err error
	inv.nodesTerminated, err = meter.Int64Counter(
		"batchcloud.nodes.terminated",
		metric.WithDescription("Total number of nodes removed from the inventory"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create nodesTerminated counter", slog.String("error", err.Error()))
	}

	inv.tasksCompleted, err = meter.Int64Counter(
		"batchcloud.tasks.completed",
		metric.WithDescription("Total number of tasks completed on nodes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create tasksCompleted counter", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"batchcloud.nodes",
		metric.WithDescription("Current number of nodes by state"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for state, n := range inv.countByState() {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("state", string(state))))
			}
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create nodes gauge", slog.String("error", err.Error()))
	}

	return inv
}

// Add registers w in the connecting state.
func (inv *Inventory) Add(w Worker) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.nodes[w.Name]; ok {
		return fmt.Errorf("node %s already registered", w.Name)
	}
	w.State = StateConnecting
	if w.CreatedAt.IsZero() {
		w.CreatedAt = inv.now()
	}
	inv.nodes[w.Name] = &entry{worker: w}
	return nil
}

// MarkOnline attaches the launched connection and makes the node
// available for its one task.
func (inv *Inventory) MarkOnline(name string, conn launcher.Connection) (Worker, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	e, ok := inv.nodes[name]
	if !ok {
		return Worker{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if e.worker.State != StateConnecting {
		return Worker{}, fmt.Errorf("%w: %s is %s, not %s", ErrInvalidState, name, e.worker.State, StateConnecting)
	}
	e.conn = conn
	e.worker.State = StateOnline
	e.worker.IdleSince = inv.now()
	return e.worker, nil
}

// Get returns a copy of the named node.
func (inv *Inventory) Get(name string) (Worker, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	e, ok := inv.nodes[name]
	if !ok {
		return Worker{}, false
	}
	return e.worker, true
}

// List returns copies of all nodes, sorted by name.
func (inv *Inventory) List() []Worker {
	inv.mu.Lock()
	out := make([]Worker, 0, len(inv.nodes))
	for _, e := range inv.nodes {
		out = append(out, e.worker)
	}
	inv.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TaskStarted records that the node accepted a task.  Nodes are single
// use: a node that already started a task returns ErrSingleUse.
func (inv *Inventory) TaskStarted(name string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	e, ok := inv.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if e.worker.TasksStarted > 0 {
		return fmt.Errorf("%w: %s", ErrSingleUse, name)
	}
	if e.worker.State != StateOnline {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, name, e.worker.State)
	}
	e.worker.TasksStarted++
	e.worker.State = StateBusy
	e.worker.IdleSince = time.Time{}
	return nil
}

// TaskCompleted records that the node's task finished.  The node becomes
// idle-pending-removal and is released by the retention policy.
func (inv *Inventory) TaskCompleted(ctx context.Context, name string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	e, ok := inv.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if e.worker.State != StateBusy {
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidState, name, e.worker.State, StateBusy)
	}
	e.worker.TasksCompleted++
	e.worker.State = StateIdlePendingRemoval
	e.worker.IdleSince = inv.now()

	if inv.tasksCompleted != nil {
		inv.tasksCompleted.Add(ctx, 1)
	}
	return nil
}

// Terminate removes the node and closes its connection.  It is best
// effort: an absent node or a failing close is logged as a warning and
// never returned.  It reports whether a node was removed.
func (inv *Inventory) Terminate(ctx context.Context, name string) bool {
	return inv.TerminateIf(ctx, name, nil)
}

// TerminateIf is Terminate guarded by cond, which sees the node's current
// state under the inventory lock.  A node for which cond returns false is
// left untouched.  A nil cond always terminates.
func (inv *Inventory) TerminateIf(ctx context.Context, name string, cond func(Worker) bool) bool {
	inv.mu.Lock()
	e, ok := inv.nodes[name]
	if ok && cond != nil && !cond(e.worker) {
		inv.mu.Unlock()
		return false
	}
	if ok {
		delete(inv.nodes, name)
	}
	inv.mu.Unlock()

	if !ok {
		inv.logger.Warn("terminate: node not found", slog.String("node", name))
		return false
	}

	inv.logger.Info("terminating node",
		slog.String("node", name),
		slog.String("state", string(e.worker.State)),
	)
	e.worker.State = StateTerminated

	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			inv.logger.Warn("failed to close node connection",
				slog.String("node", name),
				slog.String("error", err.Error()),
			)
		}
	}

	if inv.nodesTerminated != nil {
		inv.nodesTerminated.Add(ctx, 1)
	}
	return true
}

// Shutdown terminates every node.
func (inv *Inventory) Shutdown(ctx context.Context) {
	for _, w := range inv.List() {
		inv.Terminate(ctx, w.Name)
	}
}

func (inv *Inventory) countByState() map[State]int {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	counts := make(map[State]int, len(States))
	for _, e := range inv.nodes {
		counts[e.worker.State]++
	}
	return counts
}
