// Package node holds the worker nodes produced by the cloud: their
// descriptors, the inventory they are registered in, and the single-use
// retention policy that releases them.
package node

import (
	"errors"
	"time"
)

var (
	// ErrNodeNotFound is returned when a node is not in the inventory.
	ErrNodeNotFound = errors.New("node not found")

	// ErrSingleUse is returned when a second task is started on a node.
	ErrSingleUse = errors.New("node already ran its task")

	// ErrInvalidState is returned for task events that do not fit the
	// node's current state.
	ErrInvalidState = errors.New("invalid node state")
)

// State is a node's position in its lifecycle:
//
//	requested → connecting → online → busy → idle-pending-removal → terminated
type State string

const (
	StateRequested          State = "requested"
	StateConnecting         State = "connecting"
	StateOnline             State = "online"
	StateBusy               State = "busy"
	StateIdlePendingRemoval State = "idle-pending-removal"
	StateTerminated         State = "terminated"
)

// States lists every state in lifecycle order.
var States = []State{
	StateRequested,
	StateConnecting,
	StateOnline,
	StateBusy,
	StateIdlePendingRemoval,
	StateTerminated,
}

// Worker describes one remote execution node.  The credential is held
// by id only and is resolved from the credential store when needed.
type Worker struct {
	Name         string `json:"name"`
	CloudName    string `json:"cloudName"`
	Label        string `json:"label"`
	NumExecutors int    `json:"numExecutors"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	CredentialID string `json:"credentialId"`
	QueueType    string `json:"queueType,omitempty"`
	RemoteFS     string `json:"remoteFS,omitempty"`

	State          State     `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	IdleSince      time.Time `json:"idleSince,omitempty"`
	TasksStarted   int       `json:"tasksStarted"`
	TasksCompleted int       `json:"tasksCompleted"`
}
