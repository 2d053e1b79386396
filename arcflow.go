package arcflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/arcflow/internal/engine"
	"github.com/petrijr/arcflow/internal/persistence"
	"github.com/petrijr/arcflow/internal/platform"
	"github.com/petrijr/arcflow/internal/taskqueue"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine       = api.Engine
	Stream       = api.Stream
	Node         = api.Node
	NodeFactory  = api.NodeFactory
	BaseNode     = api.BaseNode
	Buffer       = api.Buffer
	Segment      = api.Segment
	Status       = api.Status
	Command      = api.Command
	CommandWord  = api.CommandWord
	Identity     = api.Identity
	Platform     = api.Platform
	IORequest    = api.IORequest
	GraphInfo    = api.GraphInfo
	PassResult   = api.PassResult
	FlowEvent    = api.FlowEvent
	FlowPolicy   = api.FlowPolicy
	Threshold    = api.Threshold
	ReturnPolicy = api.ReturnPolicy
	CopyPolicy   = api.CopyPolicy
	ScriptHook   = api.ScriptHook
	ScriptFunc   = api.ScriptFunc
	HookCall     = api.HookCall

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Address is a packed bank/offset address in platform memory.
	Address = address.Packed
	Bank    = address.Bank
)

// Platform, store and queue types, re-exported from internal packages.

type (
	EngineConfig   = engine.Config
	LocalPlatform  = platform.Local
	PlatformConfig = platform.Config
	Driver         = platform.Driver
	DriverFunc     = platform.DriverFunc
	SliceSource    = platform.SliceSource
	Sink           = platform.Sink

	GraphStore  = persistence.GraphStore
	GraphRecord = persistence.GraphRecord

	Queue = taskqueue.Queue
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export protocol values for convenience.

const (
	StatusDone     = api.StatusDone
	StatusNeedsRun = api.StatusNeedsRun

	ReturnAfterFirst = api.ReturnAfterFirst
	ReturnAfterScan  = api.ReturnAfterScan
	ReturnWhenIdle   = api.ReturnWhenIdle

	FlowClamp           = api.FlowClamp
	FlowRepeatLastFrame = api.FlowRepeatLastFrame
	FlowZeroFill        = api.FlowZeroFill
	FlowInterpolate     = api.FlowInterpolate

	ThresholdHalf    = api.ThresholdHalf
	ThresholdQuarter = api.ThresholdQuarter

	CopyNone    = api.CopyNone
	CopyAll     = api.CopyAll
	CopyPartial = api.CopyPartial
)

// Default platform memory. Bank 0 holds arc buffers, node segments and the
// working copy of the image; bank 1 holds the installed image.
const (
	RAMBank   = platform.RAMBank
	ImageBank = platform.ImageBank
)

// Re-export sentinel errors callers are expected to match on.

var (
	ErrBusy          = engine.ErrBusy
	ErrUnknownNode   = engine.ErrUnknownNode
	ErrNoImage       = engine.ErrNoImage
	ErrNoInstance    = engine.ErrNoInstance
	ErrGraphNotFound = persistence.ErrGraphNotFound
	ErrGraphExists   = persistence.ErrGraphExists
)

// NewPlatform returns an in-process platform: shared banks in Go memory,
// channel based barriers and pluggable IO drivers.
func NewPlatform(cfg PlatformConfig) (*LocalPlatform, error) {
	return platform.New(cfg)
}

// NewEngine returns an Engine for cfg.Platform.
func NewEngine(cfg EngineConfig) (Engine, error) {
	return engine.NewEngine(cfg)
}

// NewSliceSource returns a driver feeding an inbound port from data, at most
// chunk bytes per transfer.
func NewSliceSource(data []byte, chunk int) *SliceSource {
	return platform.NewSliceSource(data, chunk)
}

// AsyncDriver wraps d so every transfer completes on its own goroutine.
func AsyncDriver(d Driver) Driver {
	return platform.Async(d)
}

// Graph store constructors. These wrap the internal/persistence package so
// external callers never need to import internal packages.

// NewInMemoryGraphStore returns a GraphStore kept in process memory.
func NewInMemoryGraphStore() GraphStore {
	return persistence.NewInMemoryStore()
}

// NewSQLiteGraphStore returns a GraphStore in a SQLite database. The caller
// imports the driver, e.g. modernc.org/sqlite.
func NewSQLiteGraphStore(db *sql.DB) (GraphStore, error) {
	return persistence.NewSQLiteGraphStore(db)
}

// NewPostgresGraphStore returns a GraphStore in PostgreSQL. The caller
// imports the driver, e.g. github.com/jackc/pgx/v5/stdlib.
func NewPostgresGraphStore(db *sql.DB) (GraphStore, error) {
	return persistence.NewPostgresGraphStore(db)
}

// NewRedisGraphStore returns a GraphStore in Redis under prefix.
func NewRedisGraphStore(client *redis.Client, prefix string) GraphStore {
	return persistence.NewRedisGraphStore(client, prefix)
}

// NewMongoGraphStore returns a GraphStore in a MongoDB collection.
func NewMongoGraphStore(ctx context.Context, client *mongo.Client, dbName, collName string) (GraphStore, error) {
	return persistence.NewMongoGraphStore(ctx, client, dbName, collName)
}

// SaveGraph stores image under name and version, with a fresh record ID and
// checksum.
func SaveGraph(ctx context.Context, store GraphStore, name, version string, image []byte) error {
	return store.SaveGraph(ctx, persistence.NewGraphRecord(name, version, image))
}

// Queue constructors.

// NewInMemoryQueue returns a control queue holding up to capacity tasks.
func NewInMemoryQueue(capacity int) Queue {
	return taskqueue.NewInMemoryQueue(capacity)
}

// NewRedisQueue returns a control queue kept in a Redis list, so another
// process can steer a running stream.
func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}
