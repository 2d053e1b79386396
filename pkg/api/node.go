package api

import (
	"errors"
	"fmt"
)

// Status is what a node reports after a RUN invocation.
type Status uint8

const (
	// StatusDone means the buffers handed to the node were fully processed.
	StatusDone Status = iota
	// StatusNeedsRun asks the scheduler to invoke the node again while its
	// arcs stay ready.
	StatusNeedsRun
)

func (s Status) String() string {
	if s == StatusNeedsRun {
		return "needs-run"
	}
	return "done"
}

// Buffer is one arc as seen by a node during RUN. Size starts at len(Data).
// For an input arc Data holds the unread bytes and the node sets Size to the
// number it consumed. For an output arc Data is the free space and the node
// sets Size to the number of bytes it produced. Data aliases arc memory and
// must not be kept past the call.
type Buffer struct {
	Data []byte
	Size int
}

// Segment is a block of pre-allocated working memory handed to a node.
type Segment struct {
	Data []byte
	// Scratch segments are reassigned per call and must not hold state
	// between invocations.
	Scratch bool
}

// Node is a processing unit driven through the five-command protocol.
// Implementations must not block: every call is synchronous and bounded.
type Node interface {
	// Reset initialises the node with the preset defaults. The segments stay
	// valid for the lifetime of the graph.
	Reset(preset uint8, segments []Segment) error

	// SetParameter applies one parameter update. Tag 0 carries the complete
	// parameter set in one block.
	SetParameter(tag uint8, data []byte) error

	// ReadParameter returns the current value of a parameter.
	ReadParameter(tag uint8) ([]byte, error)

	// Run processes data. Inputs come first in bufs, then outputs, as
	// described by cmd.Inputs and cmd.Outputs.
	Run(cmd CommandWord, bufs []Buffer) Status

	// Stop releases whatever the node acquired during Reset.
	Stop() error
}

// NodeFactory creates one node instance per occurrence in a graph.
type NodeFactory func() Node

// ErrUnsupportedCommand is returned by Invoke for commands that cannot be
// routed through it.
var ErrUnsupportedCommand = errors.New("unsupported node command")

// Invocation carries the arguments of a single Invoke call. Fields unused by
// a command are ignored.
type Invocation struct {
	Word     CommandWord
	Segments []Segment
	Buffers  []Buffer
	Data     []byte
}

// Invoke routes a command word to the matching Node method.
func Invoke(n Node, inv Invocation) (Status, []byte, error) {
	switch cmd := inv.Word.Command(); cmd {
	case CommandReset:
		return StatusDone, nil, n.Reset(inv.Word.Preset(), inv.Segments)
	case CommandSetParameter:
		return StatusDone, nil, n.SetParameter(inv.Word.Tag(), inv.Data)
	case CommandReadParameter:
		data, err := n.ReadParameter(inv.Word.Tag())
		return StatusDone, data, err
	case CommandRun:
		return n.Run(inv.Word, inv.Buffers), nil, nil
	case CommandStop:
		return StatusDone, nil, n.Stop()
	default:
		return StatusDone, nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd)
	}
}

// BaseNode provides no-op implementations of every command but Run, so
// simple nodes only implement what they need.
type BaseNode struct{}

func (BaseNode) Reset(uint8, []Segment) error        { return nil }
func (BaseNode) SetParameter(uint8, []byte) error    { return nil }
func (BaseNode) ReadParameter(uint8) ([]byte, error) { return nil, nil }
func (BaseNode) Run(CommandWord, []Buffer) Status    { return StatusDone }
func (BaseNode) Stop() error                         { return nil }
