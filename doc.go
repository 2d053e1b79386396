// Package arcflow provides an embeddable dataflow runtime for Go.
//
// An arcflow graph is a list of processing nodes connected by arcs, ring
// buffers living in shared memory banks. The graph is compiled into a compact
// binary image that every processing context of a platform loads from the
// same place. No goroutine coordinates the others after boot: each stream
// scans the node list, runs the nodes it has affinity with, and moves data
// across the graph boundary through IO ports.
//
// # Core Concepts
//
// The arcflow programming model is small:
//
//  1. Node
//  2. Graph image and GraphBuilder
//  3. Platform
//  4. Engine and Stream
//  5. Worker and LocalRunner
//
// # Node
//
// A Node is a processing unit driven through five commands: RESET,
// SET_PARAMETER, READ_PARAMETER, RUN and STOP. RUN receives one Buffer per
// arc, inputs first, and reports how many bytes it consumed and produced:
//
//	func (g *gain) Run(cmd arcflow.CommandWord, bufs []arcflow.Buffer) arcflow.Status {
//	    n := min(len(bufs[0].Data), len(bufs[1].Data))
//	    for i := 0; i < n; i++ {
//	        bufs[1].Data[i] = bufs[0].Data[i] * g.factor
//	    }
//	    bufs[0].Size, bufs[1].Size = n, n
//	    return arcflow.StatusDone
//	}
//
// Nodes are registered by their node-table index before boot. Calls are
// synchronous and must not block.
//
// # Graph image
//
// GraphBuilder lays out arcs, IO ports, nodes and stream instances, and
// allocates arc buffers and node memory in the platform RAM bank:
//
//	image, err := arcflow.NewGraphBuilder().
//	    Arc("in", arcflow.ArcOptions{Size: 256}).
//	    Arc("out", arcflow.ArcOptions{Size: 256}).
//	    Inbound("in", 0).
//	    Outbound("out", 0).
//	    Node(gainID, arcflow.NodeOptions{Inputs: []string{"in"}, Outputs: []string{"out"}}).
//	    Build()
//
// Images can be kept in a GraphStore (in-memory, SQLite, PostgreSQL, Redis or
// MongoDB) and installed by name and version with Engine.InstallFromStore.
//
// # Platform
//
// The Platform declares the memory banks, the processing contexts, the boot
// and reset barriers and the IO drivers. LocalPlatform runs everything in
// the current process.
//
// # Engine and Stream
//
// The Engine holds the node registry and the installed image. Boot returns
// the Stream of one processing context; the commander context copies and
// resolves the image while the others wait. A Stream is driven by three
// scheduling calls: Reset, Run (with a ReturnPolicy) and Stop.
//
// Arcs never fail: overflow and underflow are recovered by the arc's flow
// policy and reported to the Observer as FlowEvents.
//
// # Worker and LocalRunner
//
// A worker (package pkg/worker) owns the goroutine of one stream. It applies
// control tasks (parameter updates, IO acknowledgements, reset, stop) from a
// Queue between scheduling passes. LocalRunner boots every processor of a
// LocalPlatform and runs one worker per stream.
//
// For runnable programs, see the /examples directory.
package arcflow
