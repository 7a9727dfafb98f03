// Package launcher defines how a worker node is brought online on its
// remote host.  The only production implementation connects over SSH
// (see launcher/ssh); the interface lets the provisioner and its tests
// stay transport-agnostic.
package launcher

import (
	"context"

	"github.com/terrpan/batchcloud/internal/credentials"
)

// Target describes one worker node to bring online.
type Target struct {
	// NodeName is the generated, unique node name.
	NodeName string

	Hostname string
	Port     int

	// Credential is resolved from the credential store right before
	// launching and is not retained by the launcher after Launch returns.
	Credential *credentials.Credential

	// AgentCommand is the command started on the remote host to run the
	// orchestrator agent.  RemoteFS is the working directory it runs in.
	AgentCommand string
	RemoteFS     string

	// NumExecutors is passed to the agent through the environment.
	NumExecutors int
}

// Launcher is the contract every transport must satisfy.
//
// The lifecycle of a node's connection is:
//
//	Launch → (agent runs one task) → Connection.Close
//
// Transport level retries (reconnecting while the host's daemon comes
// up, for example) are the launcher's job.  Callers do not retry.
type Launcher interface {
	// Launch connects to the target host and starts the agent.  It
	// blocks until the agent has been started or ctx is done.
	Launch(ctx context.Context, target Target) (Connection, error)
}

// Connection is a live link to a launched agent.
type Connection interface {
	// Close stops the agent and releases the transport.  It must be
	// idempotent: closing an already-closed connection returns nil.
	Close() error
}
