package arcflow

import (
	"sync"
)

const gainID = 3

// gain multiplies every byte by a factor set through parameter tag 1.
type gain struct {
	mu      sync.Mutex
	factor  byte
	resets  int
	stopped bool
}

func (g *gain) Reset(preset uint8, segs []Segment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.factor = 1
	g.resets++
	g.stopped = false
	return nil
}

func (g *gain) SetParameter(tag uint8, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tag == 1 && len(data) == 1 {
		g.factor = data[0]
	}
	return nil
}

func (g *gain) ReadParameter(tag uint8) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return []byte{g.factor}, nil
}

func (g *gain) Run(cmd CommandWord, bufs []Buffer) Status {
	g.mu.Lock()
	f := g.factor
	g.mu.Unlock()

	in, out := bufs[0], bufs[1]
	n := min(len(in.Data), len(out.Data))
	for i := 0; i < n; i++ {
		out.Data[i] = in.Data[i] * f
	}
	bufs[0].Size = n
	bufs[1].Size = n
	return StatusDone
}

func (g *gain) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	return nil
}

func (g *gain) state() (resets int, stopped bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resets, g.stopped
}

func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func scaled(b []byte, f byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = v * f
	}
	return out
}

// pipeline returns a builder for inbound port 0 -> gain -> outbound port 1.
func pipeline(params ...Param) *GraphBuilder {
	return NewGraphBuilder().
		Arc("in", ArcOptions{Size: 32, Threshold: ThresholdQuarter}).
		Arc("out", ArcOptions{Size: 32, Threshold: ThresholdQuarter}).
		Inbound("in", 0).
		Outbound("out", 0).
		Node(gainID, NodeOptions{Inputs: []string{"in"}, Outputs: []string{"out"}, Params: params})
}
