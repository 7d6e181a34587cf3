// Package walengine implements the write-ahead-log durability strategy:
// every mutation is appended to the log before it touches the table's
// heap, and group commit periodically flushes the log to stable storage
// on a fixed interval rather than on every write.
package walengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobboyms/storage-engine/pkg/btree"
	"github.com/bobboyms/storage-engine/pkg/catalog"
	"github.com/bobboyms/storage-engine/pkg/checkpoint"
	"github.com/bobboyms/storage-engine/pkg/cursor"
	"github.com/bobboyms/storage-engine/pkg/engine"
	storeerrors "github.com/bobboyms/storage-engine/pkg/errors"
	"github.com/bobboyms/storage-engine/pkg/heap"
	"github.com/bobboyms/storage-engine/pkg/logrecord"
	"github.com/bobboyms/storage-engine/pkg/lsn"
	"github.com/bobboyms/storage-engine/pkg/metrics"
	"github.com/bobboyms/storage-engine/pkg/query"
	"github.com/bobboyms/storage-engine/pkg/record"
	"github.com/bobboyms/storage-engine/pkg/types"
	"github.com/bobboyms/storage-engine/pkg/vacuum"
	"github.com/bobboyms/storage-engine/pkg/wal"
)

const bTreeDegree = 32

// keyType adapts a hashed uint64 key to the types.Comparable the btree
// package orders on.
func keyType(k uint64) types.Uint64Key { return types.Uint64Key(k) }

// tableState is the runtime, in-memory half of a table: its heap and one
// B+Tree per declared index, mapping the index's hashed key to a heap
// offset (off_map in the source).
type tableState struct {
	def     *catalog.Table
	heap    *heap.HeapManager
	indices map[string]*btree.BPlusTree // index name -> off_map
}

// Engine is the WAL durability strategy.
type Engine struct {
	cfg    engine.Config
	tables map[string]*tableState

	log       *logrecord.Writer
	lsn       *lsn.Tracker
	ckpt      *checkpoint.Manager

	ready  atomic.Bool
	gcWg   sync.WaitGroup
	closed atomic.Bool
}

// New opens (or creates) every table registered in cfg.Catalog under
// cfg.FSPath and starts the group-commit goroutine.
func New(cfg engine.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.FSPath, 0777); err != nil {
		return nil, cerrors.Wrap(err, "walengine: create fs_path")
	}

	e := &Engine{
		cfg:    cfg,
		tables: make(map[string]*tableState),
		lsn:    lsn.NewTracker(0),
		ckpt:   checkpoint.NewManager(cfg.FSPath),
	}

	for _, t := range cfg.Catalog.Tables() {
		st := &tableState{def: t, indices: make(map[string]*btree.BPlusTree)}

		hm, err := heap.NewHeapManager(filepath.Join(cfg.FSPath, t.Name), t.MaxTupleSize)
		if err != nil {
			return nil, cerrors.Wrapf(err, "walengine: open heap for table %q", t.Name)
		}
		st.heap = hm

		for _, idx := range t.Indices {
			if idx.Unique {
				st.indices[idx.Name] = btree.NewUniqueTree(bTreeDegree)
			} else {
				st.indices[idx.Name] = btree.NewTree(bTreeDegree)
			}
		}
		e.tables[t.Name] = st
	}

	logPath := filepath.Join(cfg.FSPath, "log")
	w, err := wal.NewWALWriter(logPath, wal.DefaultOptions())
	if err != nil {
		return nil, cerrors.Wrap(err, "walengine: open log")
	}
	e.log = logrecord.NewWriter(w)

	e.ready.Store(true)
	e.gcWg.Add(1)
	go e.groupCommit()

	e.cfg.Logger.Info().Str("path", cfg.FSPath).Int("tables", len(e.tables)).Msg("wal engine opened")
	return e, nil
}

// groupCommit syncs the log to disk on a fixed interval instead of after
// every write.
func (e *Engine) groupCommit() {
	defer e.gcWg.Done()
	interval := time.Duration(e.cfg.GCInterval) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for e.ready.Load() {
		timer := prometheus.NewTimer(metrics.GCSyncSeconds.WithLabelValues("wal"))
		e.log.Sync()
		timer.ObserveDuration()
		time.Sleep(interval)
	}
}

func (e *Engine) table(name string) (*tableState, error) {
	st, ok := e.tables[name]
	if !ok {
		return nil, &storeerrors.TableNotFoundError{Name: name}
	}
	return st, nil
}

func (st *tableState) primaryTree() *btree.BPlusTree {
	return st.indices[st.def.PrimaryIndex().Name]
}

func (e *Engine) Select(ctx context.Context, stmt *engine.Statement) (*record.Record, error) {
	if e.closed.Load() {
		return nil, &storeerrors.EngineClosedError{Kind: "wal"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return nil, err
	}

	treeName := stmt.Index
	if treeName == "" {
		treeName = st.def.PrimaryIndex().Name
	}
	tree, ok := st.indices[treeName]
	if !ok {
		return nil, &storeerrors.IndexNotFoundError{Name: treeName}
	}

	offset, found := tree.Get(keyType(stmt.Key))
	if !found {
		return nil, nil
	}

	raw, err := st.heap.At(offset)
	if err == heap.ErrTombstone {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(err, "walengine: read heap slot")
	}

	rec, err := record.Deserialize(st.def.Schema, raw)
	if err != nil {
		return nil, cerrors.Wrap(err, "walengine: deserialize record")
	}
	if stmt.Projection != nil {
		data, err := rec.Project(stmt.Projection)
		if err != nil {
			return nil, err
		}
		return record.Deserialize(stmt.Projection, data)
	}
	return rec, nil
}

// Scan walks idxName's off_map in ascending key order, returning every
// record whose key matches cond (a nil cond returns every live record).
// It reads through the same latch-coupled node locks Select's Get does,
// never a table-wide lock, so a concurrent writer is never blocked for the
// whole scan's duration.
func (e *Engine) Scan(ctx context.Context, tableName, idxName string, cond *query.ScanCondition) ([]*record.Record, error) {
	if e.closed.Load() {
		return nil, &storeerrors.EngineClosedError{Kind: "wal"}
	}
	st, err := e.table(tableName)
	if err != nil {
		return nil, err
	}
	if idxName == "" {
		idxName = st.def.PrimaryIndex().Name
	}
	tree, ok := st.indices[idxName]
	if !ok {
		return nil, &storeerrors.IndexNotFoundError{Name: idxName}
	}

	c := cursor.New(tree)
	defer c.Close()

	var startKey types.Comparable
	if cond != nil && cond.ShouldSeek() {
		startKey = cond.GetStartKey()
	}
	c.Seek(startKey)

	var out []*record.Record
	for c.Valid() {
		key := c.Key()
		if cond != nil && !cond.ShouldContinue(key) {
			break
		}
		if cond == nil || cond.Matches(key) {
			raw, err := st.heap.At(c.Value())
			if err != nil && err != heap.ErrTombstone {
				return nil, cerrors.Wrap(err, "walengine: read heap slot")
			}
			if err == nil {
				rec, err := record.Deserialize(st.def.Schema, raw)
				if err != nil {
					return nil, cerrors.Wrap(err, "walengine: deserialize record")
				}
				out = append(out, rec)
			}
		}
		if !c.Next() {
			break
		}
	}
	return out, nil
}

// Insert is a logical no-op if the primary key already exists.
func (e *Engine) Insert(ctx context.Context, stmt *engine.Statement) error {
	return e.insert(stmt, true)
}

func (e *Engine) insert(stmt *engine.Statement, logIt bool) error {
	if e.closed.Load() {
		return &storeerrors.EngineClosedError{Kind: "wal"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return err
	}

	primary := st.def.PrimaryIndex()
	primaryKey := engine.HashKey(stmt.Rec, primary.Columns)
	if _, exists := st.primaryTree().Get(keyType(primaryKey)); exists {
		return nil
	}

	payload, err := stmt.Rec.Serialize()
	if err != nil {
		return cerrors.Wrap(err, "walengine: serialize record")
	}

	if logIt {
		next := e.lsn.Next()
		if err := e.appendLog(next, stmt.TxnID(), logrecord.OpInsert, st.def, payload); err != nil {
			return err
		}
	}

	offset, err := st.heap.PushBack(payload)
	if err != nil {
		return cerrors.Wrap(err, "walengine: push tuple")
	}

	for _, idx := range st.def.Indices {
		key := engine.HashKey(stmt.Rec, idx.Columns)
		if err := st.indices[idx.Name].Insert(keyType(key), offset); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Remove(ctx context.Context, stmt *engine.Statement) error {
	if e.closed.Load() {
		return &storeerrors.EngineClosedError{Kind: "wal"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return err
	}

	offset, found := st.primaryTree().Get(keyType(stmt.Key))
	if !found {
		return nil
	}

	raw, err := st.heap.At(offset)
	if err != nil && err != heap.ErrTombstone {
		return cerrors.Wrap(err, "walengine: read heap slot")
	}
	if err == heap.ErrTombstone {
		return nil
	}
	beforeRec, err := record.Deserialize(st.def.Schema, raw)
	if err != nil {
		return cerrors.Wrap(err, "walengine: deserialize record")
	}
	beforePayload, err := beforeRec.Serialize()
	if err != nil {
		return err
	}

	next := e.lsn.Next()
	if err := e.appendLog(next, stmt.TxnID(), logrecord.OpDelete, st.def, beforePayload); err != nil {
		return err
	}

	if err := st.heap.Delete(offset); err != nil {
		return cerrors.Wrap(err, "walengine: tombstone tuple")
	}
	for _, idx := range st.def.Indices {
		key := engine.HashKey(beforeRec, idx.Columns)
		st.indices[idx.Name].Remove(keyType(key))
	}
	return nil
}

func (e *Engine) Update(ctx context.Context, stmt *engine.Statement) error {
	return e.update(stmt, true)
}

func (e *Engine) update(stmt *engine.Statement, logIt bool) error {
	if e.closed.Load() {
		return &storeerrors.EngineClosedError{Kind: "wal"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return err
	}

	offset, found := st.primaryTree().Get(keyType(stmt.Key))
	if !found {
		return nil
	}

	raw, err := st.heap.At(offset)
	if err != nil {
		if err == heap.ErrTombstone {
			return nil
		}
		return cerrors.Wrap(err, "walengine: read heap slot")
	}
	beforeRec, err := record.Deserialize(st.def.Schema, raw)
	if err != nil {
		return cerrors.Wrap(err, "walengine: deserialize record")
	}
	beforePayload, err := beforeRec.Serialize()
	if err != nil {
		return err
	}

	afterRec := beforeRec.Clone()
	for _, field := range stmt.FieldIDs {
		afterRec.SetFrom(field, stmt.Rec)
	}
	afterPayload, err := afterRec.Serialize()
	if err != nil {
		return err
	}

	if logIt {
		next := e.lsn.Next()
		if err := e.appendLog(next, stmt.TxnID(), logrecord.OpUpdate, st.def, beforePayload, afterPayload); err != nil {
			return err
		}
	}

	if err := st.heap.Update(offset, afterPayload); err != nil {
		return cerrors.Wrap(err, "walengine: update tuple in place")
	}
	return nil
}

func (e *Engine) appendLog(lsnVal uint64, txnID uint64, op logrecord.OpType, tab *catalog.Table, tuples ...[]byte) error {
	if err := e.log.Append(lsnVal, txnID, op, tableIDOf(tab), tuples...); err != nil {
		return cerrors.Wrap(err, "walengine: append log entry")
	}
	return nil
}

func tableIDOf(tab *catalog.Table) uint32 {
	var h uint32
	for _, c := range tab.Name {
		h = h*31 + uint32(c)
	}
	return h
}

// TxnBegin/TxnEnd are no-ops: every statement is its own implicit
// transaction.
func (e *Engine) TxnBegin(ctx context.Context) (uint64, error) { return 0, nil }
func (e *Engine) TxnEnd(ctx context.Context, txnID uint64) error { return nil }

// CreateCheckpoint snapshots every table's indices at the current LSN so a
// later Recover can start from this point instead of replaying the log from
// its first entry.
func (e *Engine) CreateCheckpoint(ctx context.Context) error {
	lsnVal := e.lsn.Current()
	for name, st := range e.tables {
		for idxName, tree := range st.indices {
			if err := e.ckpt.Create(name, idxName, tree, lsnVal); err != nil {
				return cerrors.Wrapf(err, "walengine: checkpoint table %q index %q", name, idxName)
			}
		}
	}
	e.cfg.Logger.Info().Uint64("lsn", lsnVal).Int("tables", len(e.tables)).Msg("checkpoint created")
	return nil
}

// loadCheckpoints loads the latest checkpoint for every index of every
// table, returning per-table the LSN the checkpoint was taken at. A table
// whose indices don't all have a matching checkpoint falls back to empty
// trees with floor 0, so Recover replays its log tail from the beginning
// rather than mixing trees taken at different points in time.
func (e *Engine) loadCheckpoints() map[string]uint64 {
	floor := make(map[string]uint64, len(e.tables))
	for name, st := range e.tables {
		loaded := make(map[string]*btree.BPlusTree, len(st.def.Indices))
		var tableLSN uint64
		ok := len(st.def.Indices) > 0
		for i, idx := range st.def.Indices {
			tree, idxLSN, err := e.ckpt.LoadLatest(name, idx.Name)
			if err != nil {
				ok = false
				break
			}
			loaded[idx.Name] = tree
			if i == 0 || idxLSN < tableLSN {
				tableLSN = idxLSN
			}
		}
		if ok {
			for idxName, tree := range loaded {
				st.indices[idxName] = tree
			}
			floor[name] = tableLSN
			continue
		}
		for _, idx := range st.def.Indices {
			if idx.Unique {
				st.indices[idx.Name] = btree.NewUniqueTree(bTreeDegree)
			} else {
				st.indices[idx.Name] = btree.NewTree(bTreeDegree)
			}
		}
		floor[name] = 0
	}
	return floor
}

// Recover loads the latest checkpoint for each table (if any), then replays
// only the log tail after its LSN, applying an undo/redo windowing rule:
// once the tail active_txn_threshold transactions are reached, every
// remaining entry is undone instead of redone.
func (e *Engine) Recover(ctx context.Context) error {
	start := time.Now()
	e.cfg.Logger.Info().Msg("wal recovery starting")

	logPath := filepath.Join(e.cfg.FSPath, "log")

	tableFloor := e.loadCheckpoints()

	undoMode := false
	var maxLSN uint64
	err := logrecord.ReadAll(logPath, func(total uint64, rec *logrecord.Record) error {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if !undoMode && int64(total)-int64(rec.LSN) < int64(e.cfg.ActiveTxnThreshold) {
			undoMode = true
		}

		tab := e.tableByID(rec.TableID)
		if tab == nil {
			return nil
		}
		if rec.LSN <= tableFloor[tab.def.Name] {
			return nil
		}

		op := rec.OpType
		if undoMode {
			switch op {
			case logrecord.OpInsert:
				op = logrecord.OpDelete
			case logrecord.OpDelete:
				op = logrecord.OpInsert
			}
		}

		switch op {
		case logrecord.OpInsert:
			rr, err := record.Deserialize(tab.def.Schema, rec.Tuples[0])
			if err != nil {
				return err
			}
			return e.insert(&engine.Statement{Table: tab.def.Name, Rec: rr}, false)

		case logrecord.OpDelete:
			rr, err := record.Deserialize(tab.def.Schema, rec.Tuples[0])
			if err != nil {
				return err
			}
			primary := tab.def.PrimaryIndex()
			key := engine.HashKey(rr, primary.Columns)
			return e.removeByKey(tab, key)

		case logrecord.OpUpdate:
			before, err := record.Deserialize(tab.def.Schema, rec.Tuples[0])
			if err != nil {
				return err
			}
			after, err := record.Deserialize(tab.def.Schema, rec.Tuples[1])
			if err != nil {
				return err
			}
			if !undoMode {
				primary := tab.def.PrimaryIndex()
				e.removeByKey(tab, engine.HashKey(before, primary.Columns))
				return e.insert(&engine.Statement{Table: tab.def.Name, Rec: after}, false)
			}
			primary := tab.def.PrimaryIndex()
			e.removeByKey(tab, engine.HashKey(after, primary.Columns))
			return e.insert(&engine.Statement{Table: tab.def.Name, Rec: before}, false)
		}
		return nil
	})
	if err != nil {
		return cerrors.Wrap(err, "walengine: recovery replay")
	}

	e.lsn.Set(maxLSN)
	metrics.RecoveryDurationSeconds.WithLabelValues("wal").Observe(time.Since(start).Seconds())
	e.cfg.Logger.Info().Dur("duration", time.Since(start)).Msg("wal recovery complete")
	return nil
}

func (e *Engine) tableByID(id uint32) *tableState {
	for _, st := range e.tables {
		if tableIDOf(st.def) == id {
			return st
		}
	}
	return nil
}

func (e *Engine) removeByKey(st *tableState, key uint64) error {
	offset, found := st.primaryTree().Get(keyType(key))
	if !found {
		return nil
	}
	raw, err := st.heap.At(offset)
	if err != nil {
		if err == heap.ErrTombstone {
			return nil
		}
		return err
	}
	rec, err := record.Deserialize(st.def.Schema, raw)
	if err != nil {
		return err
	}
	if err := st.heap.Delete(offset); err != nil {
		return err
	}
	for _, idx := range st.def.Indices {
		k := engine.HashKey(rec, idx.Columns)
		st.indices[idx.Name].Remove(keyType(k))
	}
	return nil
}

// Vacuum rewrites tableName's heap, dropping tombstoned and superseded
// slots, and repoints every index at the surviving records' new offsets.
// It is never invoked implicitly; a caller decides when the dead-slot
// ratio justifies the rewrite.
func (e *Engine) Vacuum(ctx context.Context, tableName string) (vacuum.Result, error) {
	st, err := e.table(tableName)
	if err != nil {
		return vacuum.Result{}, err
	}

	primary := st.def.PrimaryIndex()
	secondary := make(map[*btree.BPlusTree][]int)
	for _, idx := range st.def.SecondaryIndices() {
		secondary[st.indices[idx.Name]] = idx.Columns
	}

	oldHeap := st.heap
	newPath := oldHeap.Path() + ".vacuum"
	newHeap, res, err := vacuum.Run(st.def.Schema, primary.Columns, oldHeap, st.indices[primary.Name], secondary, newPath)
	if err != nil {
		return res, err
	}

	st.heap = newHeap
	oldHeap.Close()
	removeSegments(oldHeap.Path())

	metrics.VacuumReclaimedSlots.WithLabelValues(tableName).Add(float64(res.SlotsReclaimed))
	e.cfg.Logger.Info().Str("table", tableName).Int64("scanned", res.SlotsScanned).Int64("reclaimed", res.SlotsReclaimed).Msg("vacuum complete")
	return res, nil
}

func removeSegments(basePath string) {
	for id := 1; ; id++ {
		path := fmt.Sprintf("%s_%03d.data", basePath, id)
		if err := os.Remove(path); err != nil {
			return
		}
	}
}

func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.ready.Store(false)
	e.gcWg.Wait()

	if err := e.log.Sync(); err != nil {
		return err
	}
	if err := e.log.Close(); err != nil {
		return err
	}
	for _, st := range e.tables {
		st.heap.Sync()
		if err := st.heap.Close(); err != nil {
			return err
		}
	}
	return nil
}
