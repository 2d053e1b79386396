// Package engine runs a loaded graph: it boots streams, dispatches node
// commands and keeps the external IO ports fed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petrijr/arcflow/internal/graph"
	"github.com/petrijr/arcflow/internal/persistence"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

var (
	// ErrBusy is returned when a node's lock is held by another stream.
	ErrBusy = errors.New("node busy")

	// ErrUnknownNode is returned when the graph uses a node index with no
	// registered factory.
	ErrUnknownNode = errors.New("unknown node index")

	// ErrNoImage is returned by Boot before an image was installed.
	ErrNoImage = errors.New("no graph image installed")

	// ErrAlreadyBooted is returned when changing the image or the registry
	// after the graph was loaded, and when booting an identity twice.
	ErrAlreadyBooted = errors.New("graph already booted")

	// ErrNoInstance is returned by Boot for an identity missing from the
	// stream instance table.
	ErrNoInstance = errors.New("no stream instance for identity")

	// ErrNoStore is returned by InstallFromStore without a configured store.
	ErrNoStore = errors.New("no graph store configured")
)

// Defaults applied by NewEngine.
const (
	DefaultSourceBank    = 1
	DefaultCommanderArch = 1
	DefaultMaxRepeat     = 4
	DefaultMaxPasses     = 64

	// DebugRegisters is the number of flow event counters an arc can select.
	DebugRegisters = 32
)

// Config describes how to construct an engine.
type Config struct {
	Platform api.Platform
	Observer api.Observer
	Script   api.ScriptHook

	// Store serves InstallFromStore. Optional.
	Store persistence.GraphStore

	// Source is where Install places the image. Zero selects offset 0 of
	// DefaultSourceBank.
	Source address.Packed

	// CommanderArch is the architecture whose processor 0 copies the image.
	CommanderArch uint8

	// MaxRepeat bounds consecutive RUN invocations of one node per visit.
	MaxRepeat int

	// MaxPasses bounds the scans of a single scheduling call.
	MaxPasses int
}

// engineImpl is the in-process engine shared by every stream of a platform.
type engineImpl struct {
	cfg      Config
	platform api.Platform
	observer api.Observer
	registry *nodeRegistry
	loader   *graph.Loader

	debug [DebugRegisters]atomic.Uint32

	mu        sync.Mutex
	installed bool
	booted    map[api.Identity]bool
	rt        *runtime
}

var _ api.Engine = (*engineImpl)(nil)

// NewEngine creates an engine for cfg.Platform.
func NewEngine(cfg Config) (api.Engine, error) {
	return newEngine(cfg)
}

func newEngine(cfg Config) (*engineImpl, error) {
	if cfg.Platform == nil {
		return nil, errors.New("engine: platform is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Source == 0 {
		cfg.Source = address.Pack(DefaultSourceBank, 0, 0)
	}
	if cfg.CommanderArch == 0 {
		cfg.CommanderArch = DefaultCommanderArch
	}
	if cfg.MaxRepeat <= 0 {
		cfg.MaxRepeat = DefaultMaxRepeat
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = DefaultMaxPasses
	}

	return &engineImpl{
		cfg:      cfg,
		platform: cfg.Platform,
		observer: cfg.Observer,
		registry: newNodeRegistry(),
		booted:   make(map[api.Identity]bool),
		loader:   graph.NewLoader(cfg.Platform.Banks(), cfg.Platform, cfg.CommanderArch),
	}, nil
}

func (e *engineImpl) RegisterNode(id uint16, factory api.NodeFactory) error {
	if id >= graph.Sentinel {
		return fmt.Errorf("node index %d is reserved", id)
	}
	e.mu.Lock()
	booted := e.rt != nil
	e.mu.Unlock()
	if booted {
		return ErrAlreadyBooted
	}
	return e.registry.Register(id, factory)
}

func (e *engineImpl) Install(ctx context.Context, image []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(image) < graph.HeaderBytes {
		return fmt.Errorf("image of %d bytes: %w", len(image), graph.ErrBadImage)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt != nil || e.loader.State() != graph.StateUnloaded {
		return ErrAlreadyBooted
	}
	if err := graph.Install(e.platform.Banks(), e.cfg.Source, image); err != nil {
		return err
	}
	e.installed = true
	return nil
}

func (e *engineImpl) InstallFromStore(ctx context.Context, name, version string) error {
	if e.cfg.Store == nil {
		return ErrNoStore
	}

	var (
		rec persistence.GraphRecord
		err error
	)
	if version == "" {
		rec, err = e.cfg.Store.GetLatestGraph(ctx, name)
	} else {
		rec, err = e.cfg.Store.GetGraph(ctx, name, version)
	}
	if err != nil {
		return fmt.Errorf("graph %q %q: %w", name, version, err)
	}
	if !rec.Verify() {
		return fmt.Errorf("graph %q %q: checksum mismatch: %w", rec.Name, rec.Version, graph.ErrBadImage)
	}
	return e.Install(ctx, rec.Image)
}

// Boot loads the graph for who and returns its stream. Each identity boots
// once: booting the commander again would copy the image over the live graph.
func (e *engineImpl) Boot(ctx context.Context, who api.Identity) (api.Stream, error) {
	e.mu.Lock()
	if e.booted[who] {
		e.mu.Unlock()
		return nil, fmt.Errorf("boot %s: %w", who, ErrAlreadyBooted)
	}
	installed := e.installed
	commander := e.loader.IsCommander(who)
	if commander && !installed {
		e.mu.Unlock()
		return nil, ErrNoImage
	}
	e.booted[who] = true
	e.mu.Unlock()

	s, err := e.boot(ctx, who, commander)
	if err != nil {
		e.mu.Lock()
		delete(e.booted, who)
		e.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (e *engineImpl) boot(ctx context.Context, who api.Identity, commander bool) (api.Stream, error) {
	g, err := e.loader.Load(ctx, e.cfg.Source, who)
	if err != nil {
		return nil, fmt.Errorf("boot %s: %w", who, err)
	}
	if commander {
		e.observer.OnGraphLoaded(ctx, g.Info())
	}

	rt, err := e.runtime(g)
	if err != nil {
		e.platform.ReportError(ctx, err)
		e.observer.OnPlatformError(ctx, err)
		return nil, err
	}

	for pos, inst := range rt.g.Instances {
		if inst.Who == who {
			return newStream(e, rt, pos, inst), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", who, ErrNoInstance)
}

// runtime returns the shared run state, building it from g on first use.
// Node instances are created once per graph and shared by every stream.
func (e *engineImpl) runtime(g *graph.Graph) (*runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt != nil {
		return e.rt, nil
	}
	rt, err := newRuntime(e.platform.Banks(), g, e.registry)
	if err != nil {
		return nil, err
	}
	e.rt = rt
	return rt, nil
}

func (e *engineImpl) Graph() (api.GraphInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt == nil {
		return api.GraphInfo{}, false
	}
	return e.rt.g.Info(), true
}

func (e *engineImpl) DebugRegister(i int) uint32 {
	if i <= 0 || i >= DebugRegisters {
		return 0
	}
	return e.debug[i].Load()
}

// countDebug bumps debug register i. Register 0 means none.
func (e *engineImpl) countDebug(i uint8) {
	if i > 0 && int(i) < DebugRegisters {
		e.debug[i].Add(1)
	}
}
