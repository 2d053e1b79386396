package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

var (
	// ErrPortNotOwned is returned for a port outside the stream's port mask.
	ErrPortNotOwned = errors.New("io port not owned by stream")

	// ErrNoTransfer is returned when acknowledging a port with no
	// outstanding request.
	ErrNoTransfer = errors.New("no outstanding io transfer")
)

func (s *stream) owns(port int) bool {
	return port >= 0 && port < len(s.rt.ports) && port < 32 && s.inst.Ports&(1<<uint(port)) != 0
}

// syncIO issues a platform request for every owned port that can move data
// and has none in flight. Inbound ports wait while their arc is being
// realigned; outbound ports are realigned here, since the platform is their
// consumer.
//
// Ports whose arc pads or decimates transfer through a staging buffer: an
// interpolating inbound arc offers the platform a full arc worth of room and
// decimates on acknowledgement, and an outbound arc with a padding underflow
// policy hands out one block as soon as it holds any data, padded per policy.
func (s *stream) syncIO(ctx context.Context) {
	for i, p := range s.rt.ports {
		if !s.owns(i) || p.outstanding.Load() {
			continue
		}
		d := s.rt.arc(p.Arc)

		var (
			buf    []byte
			staged bool
			err    error
		)
		switch p.Dir {
		case api.IOInbound:
			if s.rt.arcs.RequestRealign(d) || d.Free() == 0 {
				continue
			}
			if arc.Staged(d) {
				buf, staged = p.staging(int(d.Size())), true
			} else {
				buf, err = s.rt.arcs.Writable(d)
			}
		case api.IOOutbound:
			if d.RealignPending() {
				if _, err := s.rt.arcs.RealignToBase(d); err != nil {
					s.reportError(ctx, err)
					continue
				}
			}
			switch {
			case d.ReadyForRead():
				buf, err = s.rt.arcs.Readable(d)
			case d.Underflow() != api.FlowClamp && d.Filled() > 0:
				var (
					n  int
					ev api.FlowEvent
				)
				buf = p.staging(s.rt.arcs.Block(d))
				n, ev, err = s.rt.arcs.ReadOut(d, buf)
				buf, staged = buf[:n], true
				s.flow(ctx, ev)
			default:
				continue
			}
		}
		if err != nil {
			s.reportError(ctx, fmt.Errorf("io port %d: %w", i, err))
			continue
		}
		s.request(ctx, i, buf, staged)
	}
}

// request hands buf to the platform. The port is marked outstanding first,
// since the platform may complete the transfer before IORequest returns.
func (s *stream) request(ctx context.Context, port int, buf []byte, staged bool) {
	p := s.rt.ports[port]
	if !p.outstanding.CompareAndSwap(false, true) {
		return
	}
	p.staged.Store(staged)
	ackCtx := context.WithoutCancel(ctx)
	err := s.e.platform.IORequest(api.IORequest{
		Port:     port,
		Function: p.Function,
		Dir:      p.Dir,
		Buf:      buf,
		Done: func(n int) {
			if err := s.ack(ackCtx, port, n); err != nil {
				s.reportError(ackCtx, err)
			}
		},
	})
	if err != nil {
		p.outstanding.Store(false)
		s.reportError(ctx, fmt.Errorf("io port %d: %w", port, err))
	}
}

func (s *stream) IOAck(port int, n int) error {
	if !s.owns(port) {
		return fmt.Errorf("port %d: %w", port, ErrPortNotOwned)
	}
	return s.ack(context.Background(), port, n)
}

// ack completes the outstanding transfer of port: n bytes were written into
// an inbound arc, or drained from an outbound one. A staged outbound block
// left the arc when it was handed out.
func (s *stream) ack(ctx context.Context, port int, n int) error {
	p := s.rt.ports[port]
	if !p.outstanding.Load() {
		return fmt.Errorf("port %d: %w", port, ErrNoTransfer)
	}
	d := s.rt.arc(p.Arc)

	var (
		ev  api.FlowEvent
		err error
	)
	switch {
	case p.Dir == api.IOInbound && p.staged.Load():
		_, ev, err = s.rt.arcs.Accept(d, p.stage, n)
	case p.Dir == api.IOInbound:
		_, ev = s.rt.arcs.Produce(d, n)
	case !p.staged.Load():
		_, ev = s.rt.arcs.MoveOut(d, n)
	}
	p.staged.Store(false)
	p.outstanding.Store(false)
	if err != nil {
		return fmt.Errorf("port %d: %w", port, err)
	}
	s.flow(ctx, ev)
	return nil
}

func (s *stream) IOAckBuffer(port int, buf address.Packed, size int) error {
	if !s.owns(port) {
		return fmt.Errorf("port %d: %w", port, ErrPortNotOwned)
	}
	p := s.rt.ports[port]
	if !p.outstanding.Load() {
		return fmt.Errorf("port %d: %w", port, ErrNoTransfer)
	}
	d := s.rt.arc(p.Arc)

	var err error
	if p.Dir == api.IOInbound {
		err = s.rt.arcs.SetBaseFrom(d, buf, size)
	} else {
		err = s.rt.arcs.SetBaseTo(d, buf, size)
	}
	if err != nil {
		return fmt.Errorf("port %d: %w", port, err)
	}
	p.staged.Store(false)
	p.outstanding.Store(false)
	return nil
}

// stopIO drains what is left on owned outbound ports and stops every owned
// port.
func (s *stream) stopIO(ctx context.Context) {
	for i, p := range s.rt.ports {
		if !s.owns(i) || p.Dir != api.IOOutbound || p.outstanding.Load() {
			continue
		}
		d := s.rt.arc(p.Arc)
		if d.Filled() == 0 {
			continue
		}
		buf, err := s.rt.arcs.Readable(d)
		if err != nil {
			s.reportError(ctx, fmt.Errorf("io port %d: %w", i, err))
			continue
		}
		s.request(ctx, i, buf, false)
	}

	for i, p := range s.rt.ports {
		if !s.owns(i) {
			continue
		}
		if err := s.e.platform.IOStop(i); err != nil {
			s.reportError(ctx, fmt.Errorf("io port %d stop: %w", i, err))
		}
		p.outstanding.Store(false)
	}
}
