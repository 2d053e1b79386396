package api

import (
	"context"
	"fmt"

	"github.com/petrijr/arcflow/pkg/address"
)

// Identity is the "whoami" of a processing context: the architecture and
// processor it runs on and the sub-instance on that processor.
type Identity struct {
	Arch     uint8 // 1..7, 0 is reserved for "any" in node affinity
	Proc     uint8 // 0..7
	Instance uint8 // 0..3
}

// Whoami packs the identity into the byte layout used by the instance table.
func (id Identity) Whoami() uint8 {
	return id.Arch&0x7 | (id.Proc&0x7)<<3 | (id.Instance&0x3)<<6
}

// IdentityFromWhoami is the inverse of Identity.Whoami.
func IdentityFromWhoami(b uint8) Identity {
	return Identity{Arch: b & 0x7, Proc: b >> 3 & 0x7, Instance: b >> 6 & 0x3}
}

func (id Identity) String() string {
	return fmt.Sprintf("arch%d/proc%d/inst%d", id.Arch, id.Proc, id.Instance)
}

// IODirection is the direction of an external port, seen from the graph.
type IODirection uint8

const (
	IOInbound  IODirection = iota // platform produces into the graph
	IOOutbound                    // platform consumes from the graph
)

func (d IODirection) String() string {
	if d == IOOutbound {
		return "outbound"
	}
	return "inbound"
}

// IORequest asks the platform to move data for one external port. For an
// inbound port Buf is free arc space to fill; for an outbound port it holds
// the bytes to drain. Done must be called exactly once, possibly from another
// goroutine, with the number of bytes moved.
type IORequest struct {
	Port     int
	Function uint8
	Dir      IODirection
	Buf      []byte
	Done     func(n int)
}

// Platform is everything the runtime needs from the board it runs on.
type Platform interface {
	// Processors lists the identities of the processing contexts.
	Processors() []Identity

	// Banks is the shared memory declaration, fixed at platform start.
	Banks() *address.Table

	// WaitBoot blocks until SignalBoot was called or ctx ends.
	WaitBoot(ctx context.Context) error
	// SignalBoot releases every WaitBoot caller. Extra calls are no-ops.
	SignalBoot()
	// ResetBarrier blocks until participants callers have arrived.
	ResetBarrier(ctx context.Context, participants int) error

	// IORequest starts a transfer on an external port. It must not block.
	IORequest(req IORequest) error
	// IOStop stops the port and drops any outstanding transfer.
	IOStop(port int) error

	// ReportError hands an error to the application. The runtime does not
	// change state after reporting.
	ReportError(ctx context.Context, err error)
}
