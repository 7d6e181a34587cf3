// Package engine defines the operation contract every durability strategy
// (WAL, LSM, OPT-SP) implements, plus the shared Statement/Config types that
// carry a call's arguments across that contract.
package engine

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/bobboyms/storage-engine/pkg/catalog"
	"github.com/bobboyms/storage-engine/pkg/record"
)

// OpType names the operation a Statement carries out.
type OpType int

const (
	OpSelect OpType = iota
	OpInsert
	OpUpdate
	OpRemove
)

// Kind names a concrete durability strategy.
type Kind int

const (
	KindWAL Kind = iota
	KindLSM
	KindOptSP
)

func (k Kind) String() string {
	switch k {
	case KindWAL:
		return "wal"
	case KindLSM:
		return "lsm"
	case KindOptSP:
		return "opt-sp"
	default:
		return "unknown"
	}
}

// Statement is one operation request against a table. Select/Remove use
// Key; Insert uses Rec; Update uses Key, FieldIDs and Rec (the partial
// record supplying only the fields named by FieldIDs, mirroring set_data
// semantics). Projection restricts Select's result to a subset of columns.
type Statement struct {
	Op         OpType
	Txn        uint64
	Table      string
	Index      string // index to route through; empty means the primary index
	Key        Key
	Rec        *record.Record
	FieldIDs   []int
	Projection *record.Schema
}

// TxnID returns the statement's owning transaction id, 0 for statements
// issued outside an explicit TxnBegin/TxnEnd bracket.
func (s *Statement) TxnID() uint64 { return s.Txn }

// Key is the hashed lookup key every index is keyed by.
type Key = uint64

// HashKey derives a Statement's lookup key from a record's indexed columns.
func HashKey(rec *record.Record, columns []int) Key {
	return xxhash.Sum64(rec.KeyBytes(columns))
}

// Config is the shared construction input for every engine implementation.
type Config struct {
	// FSPath is the directory holding the table's data/log/checkpoint files.
	FSPath string

	// GCInterval is the group-commit goroutine's sleep interval.
	GCInterval int // milliseconds

	// MergeInterval is the number of txn_end calls between LSM merge
	// attempts (0 means TxnEnd never attempts a merge).
	MergeInterval int

	// MergeRatio gates each interval merge attempt: a table is merged only
	// if its pm_map holds more than MergeRatio times as many keys as its
	// off_map. Forced merges ignore it.
	MergeRatio float64

	// ActiveTxnThreshold bounds how many of the most recent transactions
	// WAL recovery treats as possibly-in-flight.
	ActiveTxnThreshold int

	Catalog *catalog.Catalog

	// Recovery is carried in the config but read by no engine: log replay
	// runs only when Recover is called, and Close always closes the log.
	Recovery bool

	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		GCInterval:         100,
		MergeInterval:      50,
		MergeRatio:         0.3,
		ActiveTxnThreshold: 16,
		Catalog:            catalog.NewCatalog(),
		Logger:             zerolog.Nop(),
	}
}

// Engine is the uniform contract every durability strategy implements:
// select/insert/update/remove, transaction bracketing and crash recovery.
type Engine interface {
	Select(ctx context.Context, stmt *Statement) (*record.Record, error)
	Insert(ctx context.Context, stmt *Statement) error
	Update(ctx context.Context, stmt *Statement) error
	Remove(ctx context.Context, stmt *Statement) error

	// TxnBegin and TxnEnd bracket one logical transaction. WAL and LSM
	// treat every statement as its own implicit transaction and these are
	// near no-ops; LSM's TxnEnd is also where merge is checked.
	TxnBegin(ctx context.Context) (txnID uint64, err error)
	TxnEnd(ctx context.Context, txnID uint64) error

	// Recover replays durable state from disk. Only the WAL engine
	// implements log replay; LSM and OPT-SP return
	// errors.RecoveryUnsupportedError.
	Recover(ctx context.Context) error

	Close() error
}

// Checkpointer is implemented by durability strategies that can serialize
// their index trees to accelerate a future Recover. WAL and LSM both
// implement it; OPT-SP does not since bbolt already owns its own durable
// page format and has no separate B+Tree to snapshot.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context) error
}
