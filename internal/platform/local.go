// Package platform provides an in-process api.Platform: memory banks backed by
// Go slices, goroutine barriers and pluggable IO drivers.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

var (
	// ErrNoDriver is returned by IORequest for a port without a driver.
	ErrNoDriver = errors.New("no driver for io port")

	// ErrPortStopped is returned by IORequest after IOStop.
	ErrPortStopped = errors.New("io port stopped")
)

// Default bank layout used when Config.Banks is empty.
const (
	RAMBank   = 0
	ImageBank = 1

	DefaultRAMSize   = 256 << 10
	DefaultImageSize = 64 << 10
)

// Config describes a local platform.
type Config struct {
	// Banks is the shared memory declaration. Defaults to a RAM bank and an
	// image bank.
	Banks []address.Bank

	// Processors defaults to a single processor of architecture 1.
	Processors []api.Identity

	// Drivers serve IO requests, by port index.
	Drivers map[int]Driver

	Logger *slog.Logger

	// OnError, when set, receives every reported error.
	OnError func(error)
}

// DefaultBanks returns freshly allocated default banks.
func DefaultBanks() []address.Bank {
	return []address.Bank{
		{Index: RAMBank, Base: 0x2000_0000, Mem: make([]byte, DefaultRAMSize)},
		{Index: ImageBank, Base: 0x0800_0000, Mem: make([]byte, DefaultImageSize)},
	}
}

// Local is an api.Platform for goroutine processors in one address space.
type Local struct {
	banks   *address.Table
	procs   []api.Identity
	logger  *slog.Logger
	onError func(error)

	bootOnce sync.Once
	boot     chan struct{}
	reset    barrier

	mu      sync.Mutex
	drivers map[int]Driver
	stopped map[int]bool
	errs    []error
}

var _ api.Platform = (*Local)(nil)

// New builds a Local platform from cfg.
func New(cfg Config) (*Local, error) {
	if len(cfg.Banks) == 0 {
		cfg.Banks = DefaultBanks()
	}
	if len(cfg.Processors) == 0 {
		cfg.Processors = []api.Identity{{Arch: 1}}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	banks, err := address.NewTable(cfg.Banks...)
	if err != nil {
		return nil, fmt.Errorf("platform banks: %w", err)
	}

	drivers := make(map[int]Driver, len(cfg.Drivers))
	for port, d := range cfg.Drivers {
		drivers[port] = d
	}

	return &Local{
		banks:   banks,
		procs:   append([]api.Identity(nil), cfg.Processors...),
		logger:  cfg.Logger,
		onError: cfg.OnError,
		boot:    make(chan struct{}),
		drivers: drivers,
		stopped: make(map[int]bool),
	}, nil
}

func (p *Local) Processors() []api.Identity { return append([]api.Identity(nil), p.procs...) }
func (p *Local) Banks() *address.Table      { return p.banks }

func (p *Local) WaitBoot(ctx context.Context) error {
	select {
	case <-p.boot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Local) SignalBoot() { p.bootOnce.Do(func() { close(p.boot) }) }

// Booted reports whether SignalBoot was called.
func (p *Local) Booted() bool {
	select {
	case <-p.boot:
		return true
	default:
		return false
	}
}

func (p *Local) ResetBarrier(ctx context.Context, participants int) error {
	return p.reset.wait(ctx, participants)
}

// SetDriver installs or replaces the driver of port.
func (p *Local) SetDriver(port int, d Driver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drivers[port] = d
	delete(p.stopped, port)
}

func (p *Local) IORequest(req api.IORequest) error {
	p.mu.Lock()
	d, ok := p.drivers[req.Port]
	stopped := p.stopped[req.Port]
	p.mu.Unlock()

	if stopped {
		return fmt.Errorf("port %d: %w", req.Port, ErrPortStopped)
	}
	if !ok {
		return fmt.Errorf("port %d: %w", req.Port, ErrNoDriver)
	}

	done := req.Done
	req.Done = func(n int) {
		if p.isStopped(req.Port) {
			return
		}
		done(n)
	}
	d.Transfer(req)
	return nil
}

func (p *Local) isStopped(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped[port]
}

func (p *Local) IOStop(port int) error {
	p.mu.Lock()
	d, ok := p.drivers[port]
	p.stopped[port] = true
	p.mu.Unlock()

	if s, isStopper := d.(Stopper); ok && isStopper {
		return s.Stop()
	}
	return nil
}

func (p *Local) ReportError(ctx context.Context, err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()

	p.logger.ErrorContext(ctx, "arcflow platform error", slog.Any("error", err))
	if p.onError != nil {
		p.onError(err)
	}
}

// Errors returns every error reported so far.
func (p *Local) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

// barrier is a cyclic wait-for-N rendezvous.
type barrier struct {
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (b *barrier) wait(ctx context.Context, participants int) error {
	b.mu.Lock()
	if b.release == nil {
		b.release = make(chan struct{})
	}
	ch := b.release
	b.arrived++
	if b.arrived >= participants {
		close(ch)
		b.release = nil
		b.arrived = 0
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.release != ch {
			// Released while we were giving up.
			return nil
		}
		b.arrived--
		return ctx.Err()
	}
}
