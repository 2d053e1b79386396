package api

import "fmt"

// Command is one of the node protocol commands.
type Command uint8

const (
	CommandReset Command = iota + 1
	CommandSetParameter
	CommandReadParameter
	CommandRun
	CommandStop
)

func (c Command) String() string {
	switch c {
	case CommandReset:
		return "reset"
	case CommandSetParameter:
		return "set-parameter"
	case CommandReadParameter:
		return "read-parameter"
	case CommandRun:
		return "run"
	case CommandStop:
		return "stop"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Command word layout.
const (
	cmdPos      = 0
	cmdMask     = 0xf << cmdPos
	instPos     = 4
	instMask    = 0xff << instPos
	presetPos   = 12
	presetMask  = 0x3f << presetPos
	tagPos      = 18
	tagMask     = 0x3f << tagPos
	nInPos      = 24
	nInMask     = 0xf << nInPos
	nOutPos     = 28
	nOutMask    = 0xf << nOutPos
	MaxPreset   = 0x3f
	MaxTag      = 0x3f
	MaxArcCount = 0xf
)

// CommandWord packs {input-arc count, output-arc count, tag, preset,
// instance index, command} into one word. It is passed with every node
// invocation.
type CommandWord uint32

// NewCommandWord builds a command word. Fields wider than their slot are
// truncated.
func NewCommandWord(cmd Command, instance, preset, tag uint8, nIn, nOut int) CommandWord {
	w := uint32(cmd)<<cmdPos&cmdMask |
		uint32(instance)<<instPos&instMask |
		uint32(preset)<<presetPos&presetMask |
		uint32(tag)<<tagPos&tagMask |
		uint32(nIn)<<nInPos&nInMask |
		uint32(nOut)<<nOutPos&nOutMask
	return CommandWord(w)
}

func (w CommandWord) Command() Command { return Command(uint32(w) & cmdMask >> cmdPos) }
func (w CommandWord) Instance() uint8  { return uint8(uint32(w) & instMask >> instPos) }
func (w CommandWord) Preset() uint8    { return uint8(uint32(w) & presetMask >> presetPos) }
func (w CommandWord) Tag() uint8       { return uint8(uint32(w) & tagMask >> tagPos) }
func (w CommandWord) Inputs() int      { return int(uint32(w) & nInMask >> nInPos) }
func (w CommandWord) Outputs() int     { return int(uint32(w) & nOutMask >> nOutPos) }

// WithCommand returns w with its command replaced.
func (w CommandWord) WithCommand(cmd Command) CommandWord {
	return CommandWord(uint32(w)&^cmdMask | uint32(cmd)<<cmdPos&cmdMask)
}

// WithTag returns w with its tag replaced.
func (w CommandWord) WithTag(tag uint8) CommandWord {
	return CommandWord(uint32(w)&^tagMask | uint32(tag)<<tagPos&tagMask)
}

func (w CommandWord) String() string {
	return fmt.Sprintf("%s inst=%d preset=%d tag=%d in=%d out=%d",
		w.Command(), w.Instance(), w.Preset(), w.Tag(), w.Inputs(), w.Outputs())
}
