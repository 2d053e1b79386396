package api

import "fmt"

// FlowPolicy is the per-arc reaction to an overflow or underflow. It is
// selected when the graph is compiled and enacted by the arc manager.
type FlowPolicy uint8

const (
	// FlowClamp transfers what fits (or what is there) and drops the rest.
	FlowClamp FlowPolicy = iota
	// FlowRepeatLastFrame pads an underflow with copies of the last frame.
	// On overflow it clamps.
	FlowRepeatLastFrame
	// FlowZeroFill pads an underflow with zeros. On overflow it clamps.
	FlowZeroFill
	// FlowInterpolate stretches (underflow) or decimates (overflow) whole
	// frames so the transfer matches the requested size.
	FlowInterpolate
)

func (p FlowPolicy) String() string {
	switch p {
	case FlowClamp:
		return "clamp"
	case FlowRepeatLastFrame:
		return "repeat-last-frame"
	case FlowZeroFill:
		return "zero-fill"
	case FlowInterpolate:
		return "interpolate"
	default:
		return fmt.Sprintf("FlowPolicy(%d)", uint8(p))
	}
}

// FlowKind says which side of an arc ran short.
type FlowKind uint8

const (
	FlowOverflow FlowKind = iota + 1
	FlowUnderflow
)

func (k FlowKind) String() string {
	switch k {
	case FlowOverflow:
		return "overflow"
	case FlowUnderflow:
		return "underflow"
	default:
		return "none"
	}
}

// FlowEvent reports a flow condition on an arc. Flow conditions are recovered
// locally and are never errors.
type FlowEvent struct {
	Arc  int
	Kind FlowKind
	// Policy is the arc's policy for the side that ran short.
	Policy    FlowPolicy
	Requested int
	Accepted  int
}

// Threshold selects the fill fraction at which an arc becomes readable.
type Threshold uint8

const (
	ThresholdHalf Threshold = iota
	ThresholdQuarter
)

// ReturnPolicy decides when a scheduling call returns to its caller.
type ReturnPolicy uint8

const (
	// ReturnAfterFirst returns as soon as one node has been invoked.
	ReturnAfterFirst ReturnPolicy = iota
	// ReturnAfterScan returns after the node list was scanned once.
	ReturnAfterScan
	// ReturnWhenIdle rescans until a full scan invokes no node.
	ReturnWhenIdle
)

func (p ReturnPolicy) String() string {
	switch p {
	case ReturnAfterFirst:
		return "after-first"
	case ReturnAfterScan:
		return "after-scan"
	case ReturnWhenIdle:
		return "when-idle"
	default:
		return fmt.Sprintf("ReturnPolicy(%d)", uint8(p))
	}
}

// CopyPolicy says how the loader brings a graph image into RAM.
type CopyPolicy uint8

const (
	CopyNone CopyPolicy = iota // already in RAM
	CopyAll
	CopyPartial
)

func (p CopyPolicy) String() string {
	switch p {
	case CopyNone:
		return "in-place"
	case CopyAll:
		return "copy-all"
	case CopyPartial:
		return "copy-partial"
	default:
		return fmt.Sprintf("CopyPolicy(%d)", uint8(p))
	}
}
