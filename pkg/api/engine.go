package api

import (
	"context"

	"github.com/petrijr/arcflow/pkg/address"
)

// NodeRef names a node of the loaded graph: its position in the node list
// and its node-table index.
type NodeRef struct {
	Position int
	ID       uint16
}

// GraphInfo summarises a loaded graph image.
type GraphInfo struct {
	Policy    CopyPolicy
	Bytes     int
	Ports     int
	Formats   int
	Nodes     int
	Instances int
	Arcs      int
	// Estimates is the header's per-bank memory consumption, in bytes.
	Estimates [address.MaxBanks]int
}

// PassResult summarises a scheduling call.
type PassResult struct {
	Passes    int // node list scans started
	Invoked   int // node invocations, repeats included
	Contended int // nodes skipped because their lock arc was held
	Idle      bool
}

// Engine owns the node registry and the graph image of one platform.
type Engine interface {
	// RegisterNode binds a node-table index to a factory. Indices must be
	// registered before Boot.
	RegisterNode(id uint16, factory NodeFactory) error

	// Install places a graph image in the source bank.
	Install(ctx context.Context, image []byte) error

	// InstallFromStore fetches an image from the configured graph store and
	// installs it. An empty version selects the most recently saved one.
	InstallFromStore(ctx context.Context, name, version string) error

	// Boot loads the installed graph for the processing context who. The
	// commander processor copies and resolves the image; every other
	// processor waits for it. The returned stream runs the instance-table
	// entry whose identity is who.
	Boot(ctx context.Context, who Identity) (Stream, error)

	// Graph returns a summary of the loaded graph, or false before the
	// commander finished booting.
	Graph() (GraphInfo, bool)

	// DebugRegister returns the number of flow events counted by debug
	// register i. Register 0 is never incremented.
	DebugRegister(i int) uint32
}

// Stream is one running context of the graph: a processor/instance pair that
// schedules the nodes it has affinity with.
type Stream interface {
	Identity() Identity

	// Reset runs one RESET pass after every stream reached the reset barrier.
	Reset(ctx context.Context) (PassResult, error)

	// Run schedules nodes until the return policy is met.
	Run(ctx context.Context, policy ReturnPolicy) (PassResult, error)

	// Stop runs one STOP pass and stops the owned ports.
	Stop(ctx context.Context) (PassResult, error)

	// SetParameter queues a parameter update for the node at position node.
	// It is applied before the node's next RUN.
	SetParameter(node int, tag uint8, data []byte) error

	// ReadParameter reads a parameter under the node's lock. It returns
	// ErrBusy when another stream holds the lock.
	ReadParameter(ctx context.Context, node int, tag uint8) ([]byte, error)

	// IOAck completes the outstanding transfer of port with n bytes moved in
	// place.
	IOAck(port int, n int) error

	// IOAckBuffer completes a transfer by handing the arc a platform buffer
	// directly (zero copy).
	IOAckBuffer(port int, buf address.Packed, size int) error
}
