package cloud

import (
	"context"
	"sync"

	"github.com/terrpan/batchcloud/internal/node"
)

// PlannedNode is the asynchronous handle returned by Provision.  It
// completes with the registered worker or with the error that stopped
// provisioning.  Abandoning a handle does not cancel the work behind it.
type PlannedNode struct {
	// Name is the generated node name.
	Name string
	// DisplayName is the name of the cloud that planned the node.
	DisplayName string
	// NumExecutors is the capacity the node was planned for.
	NumExecutors int

	done   chan struct{}
	once   sync.Once
	worker *node.Worker
	err    error
}

func newPlannedNode(name, displayName string, numExecutors int) *PlannedNode {
	return &PlannedNode{
		Name:         name,
		DisplayName:  displayName,
		NumExecutors: numExecutors,
		done:         make(chan struct{}),
	}
}

// Done is closed when provisioning has finished, successfully or not.
func (p *PlannedNode) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until provisioning finishes or ctx is done.
func (p *PlannedNode) Wait(ctx context.Context) (*node.Worker, error) {
	select {
	case <-p.done:
		return p.worker, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking.  done is false while
// provisioning is still in progress.
func (p *PlannedNode) Result() (w *node.Worker, done bool, err error) {
	select {
	case <-p.done:
		return p.worker, true, p.err
	default:
		return nil, false, nil
	}
}

func (p *PlannedNode) complete(w *node.Worker, err error) {
	p.once.Do(func() {
		p.worker = w
		p.err = err
		close(p.done)
	})
}
