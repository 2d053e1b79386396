package platform

import (
	"bytes"
	"sync"

	"github.com/petrijr/arcflow/pkg/api"
)

// Driver serves transfers for one port. Transfer must not block the caller
// for long; it calls req.Done exactly once, inline or from another goroutine.
type Driver interface {
	Transfer(req api.IORequest)
}

// Stopper is implemented by drivers that hold resources for a port.
type Stopper interface {
	Stop() error
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(req api.IORequest)

func (f DriverFunc) Transfer(req api.IORequest) { f(req) }

// Async runs every transfer of d on its own goroutine.
func Async(d Driver) Driver {
	return DriverFunc(func(req api.IORequest) { go d.Transfer(req) })
}

// SliceSource feeds an inbound port from a byte slice, at most Chunk bytes
// per transfer. Once drained it completes transfers with zero bytes.
type SliceSource struct {
	Chunk int

	mu   sync.Mutex
	data []byte
}

// NewSliceSource returns a source over a copy of data.
func NewSliceSource(data []byte, chunk int) *SliceSource {
	return &SliceSource{Chunk: chunk, data: append([]byte(nil), data...)}
}

func (s *SliceSource) Transfer(req api.IORequest) {
	s.mu.Lock()
	n := len(req.Buf)
	if s.Chunk > 0 && n > s.Chunk {
		n = s.Chunk
	}
	n = copy(req.Buf[:n], s.data)
	s.data = s.data[n:]
	s.mu.Unlock()
	req.Done(n)
}

// Remaining is the number of bytes not yet delivered.
func (s *SliceSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Sink collects everything an outbound port drains.
type Sink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *Sink) Transfer(req api.IORequest) {
	s.mu.Lock()
	s.buf.Write(req.Buf)
	s.mu.Unlock()
	req.Done(len(req.Buf))
}

// Bytes returns a copy of everything collected.
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}
