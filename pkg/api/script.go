package api

// HookPoint identifies where the scheduler calls the script hook.
type HookPoint uint8

const (
	HookBeforePass HookPoint = iota
	HookBeforeNode
	HookAfterNode
	HookAfterPass
	HookReturn
)

func (h HookPoint) String() string {
	switch h {
	case HookBeforePass:
		return "before-pass"
	case HookBeforeNode:
		return "before-node"
	case HookAfterNode:
		return "after-node"
	case HookAfterPass:
		return "after-pass"
	case HookReturn:
		return "return"
	default:
		return "unknown"
	}
}

// HookCall describes one script hook invocation. Node is -1 outside of the
// per-node points.
type HookCall struct {
	Point  HookPoint
	Who    Identity
	Word   CommandWord
	Node   int
	Script []byte // script section of the graph image
}

// ScriptHook runs administrative logic at fixed points of a scheduling call.
// It must not block.
type ScriptHook interface {
	Call(call HookCall)
}

// ScriptFunc adapts a function to ScriptHook.
type ScriptFunc func(call HookCall)

func (f ScriptFunc) Call(call HookCall) { f(call) }
