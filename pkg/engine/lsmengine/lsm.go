// Package lsmengine implements the log-structured-merge durability
// strategy: writes land in an in-memory pm_map first and only reach the
// heap/off_map when a merge runs. TxnEnd attempts a merge every
// merge_interval calls, and the attempt proceeds only for tables whose
// pm_map has outgrown off_map by merge_ratio.
package lsmengine

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
	"github.com/bobboyms/storage-engine/pkg/pmmap"
	"github.com/bobboyms/storage-engine/pkg/query"
	"github.com/bobboyms/storage-engine/pkg/record"
	"github.com/bobboyms/storage-engine/pkg/types"
	"github.com/bobboyms/storage-engine/pkg/vacuum"
	"github.com/bobboyms/storage-engine/pkg/wal"
)

const bTreeDegree = 32

func keyType(k uint64) types.Uint64Key { return types.Uint64Key(k) }

type tableState struct {
	def         *catalog.Table
	heap        *heap.HeapManager
	offMaps     map[string]*btree.BPlusTree // index name -> off_map (fs-resident)
	pmMaps      map[string]*pmmap.Map       // index name -> pm_map (mem-resident)
	offMapCount atomic.Int64                // primary off_map cardinality, for the merge_ratio check
}

// Engine is the LSM durability strategy.
type Engine struct {
	cfg    engine.Config
	tables map[string]*tableState

	log  *logrecord.Writer
	lsn  *lsn.Tracker
	ckpt *checkpoint.Manager

	mergeLooper atomic.Int64

	ready  atomic.Bool
	gcWg   sync.WaitGroup
	closed atomic.Bool
}

func New(cfg engine.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.FSPath, 0777); err != nil {
		return nil, cerrors.Wrap(err, "lsmengine: create fs_path")
	}

	e := &Engine{
		cfg:    cfg,
		tables: make(map[string]*tableState),
		lsn:    lsn.NewTracker(0),
		ckpt:   checkpoint.NewManager(cfg.FSPath),
	}

	for _, t := range cfg.Catalog.Tables() {
		st := &tableState{
			def:     t,
			offMaps: make(map[string]*btree.BPlusTree),
			pmMaps:  make(map[string]*pmmap.Map),
		}

		hm, err := heap.NewHeapManager(filepath.Join(cfg.FSPath, t.Name), t.MaxTupleSize)
		if err != nil {
			return nil, cerrors.Wrapf(err, "lsmengine: open heap for table %q", t.Name)
		}
		st.heap = hm

		for _, idx := range t.Indices {
			st.offMaps[idx.Name] = btree.NewUniqueTree(bTreeDegree)
			st.pmMaps[idx.Name] = pmmap.New()
		}
		e.tables[t.Name] = st
	}

	w, err := wal.NewWALWriter(filepath.Join(cfg.FSPath, "log"), wal.DefaultOptions())
	if err != nil {
		return nil, cerrors.Wrap(err, "lsmengine: open log")
	}
	e.log = logrecord.NewWriter(w)

	e.ready.Store(true)
	e.gcWg.Add(1)
	go e.groupCommit()

	e.cfg.Logger.Info().Str("path", cfg.FSPath).Int("tables", len(e.tables)).Msg("lsm engine opened")
	return e, nil
}

func (e *Engine) groupCommit() {
	defer e.gcWg.Done()
	interval := time.Duration(e.cfg.GCInterval) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for e.ready.Load() {
		timer := prometheus.NewTimer(metrics.GCSyncSeconds.WithLabelValues("lsm"))
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

func (st *tableState) primaryName() string { return st.def.PrimaryIndex().Name }

// Select overlays pm_map (memory) over off_map+heap (storage): memory wins
// wherever the memtable record has a column marked enabled. merge ignores
// this flag entirely and overwrites every column unconditionally; select
// does not.
func (e *Engine) Select(ctx context.Context, stmt *engine.Statement) (*record.Record, error) {
	if e.closed.Load() {
		return nil, &storeerrors.EngineClosedError{Kind: "lsm"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return nil, err
	}
	idxName := stmt.Index
	if idxName == "" {
		idxName = st.primaryName()
	}

	pmRec, pmFound := st.pmMaps[idxName].Get(stmt.Key)

	var fsRec *record.Record
	if offset, found := st.offMaps[idxName].Get(keyType(stmt.Key)); found {
		raw, err := st.heap.At(offset)
		if err != nil && err != heap.ErrTombstone {
			return nil, cerrors.Wrap(err, "lsmengine: read heap slot")
		}
		if err == nil {
			fsRec, err = record.Deserialize(st.def.Schema, raw)
			if err != nil {
				return nil, cerrors.Wrap(err, "lsmengine: deserialize record")
			}
		}
	}

	var result *record.Record
	switch {
	case pmFound && fsRec == nil:
		result = pmRec
	case !pmFound && fsRec != nil:
		result = fsRec
	case pmFound && fsRec != nil:
		for i, col := range pmRec.Schema().Columns {
			if col.Enabled {
				fsRec.Set(i, pmRec.Get(i))
			}
		}
		result = fsRec
	default:
		return nil, nil
	}

	if stmt.Projection != nil {
		data, err := result.Project(stmt.Projection)
		if err != nil {
			return nil, err
		}
		return record.Deserialize(stmt.Projection, data)
	}
	return result, nil
}

// Scan walks idxName's off_map in ascending key order, overlaying pm_map
// the same way Select does (memory wins on any column flagged Enabled),
// and returns every record cond matches (a nil cond returns every live
// record already merged to disk, plus whatever pm_map has to say about
// it). A row that exists only in pm_map and has never been merged is not
// visible to a scan: off_map's cursor is what gives scan its order, and
// pm_map has none of its own.
func (e *Engine) Scan(ctx context.Context, tableName, idxName string, cond *query.ScanCondition) ([]*record.Record, error) {
	if e.closed.Load() {
		return nil, &storeerrors.EngineClosedError{Kind: "lsm"}
	}
	st, err := e.table(tableName)
	if err != nil {
		return nil, err
	}
	if idxName == "" {
		idxName = st.primaryName()
	}
	tree, ok := st.offMaps[idxName]
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
				return nil, cerrors.Wrap(err, "lsmengine: read heap slot")
			}
			if err == nil {
				rec, err := record.Deserialize(st.def.Schema, raw)
				if err != nil {
					return nil, cerrors.Wrap(err, "lsmengine: deserialize record")
				}
				if hashed, ok := key.(types.Uint64Key); ok {
					if pmRec, found := st.pmMaps[idxName].Get(uint64(hashed)); found {
						for i, col := range pmRec.Schema().Columns {
							if col.Enabled {
								rec.Set(i, pmRec.Get(i))
							}
						}
					}
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

func (e *Engine) Insert(ctx context.Context, stmt *engine.Statement) error {
	if e.closed.Load() {
		return &storeerrors.EngineClosedError{Kind: "lsm"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return err
	}

	primary := st.def.PrimaryIndex()
	primaryKey := engine.HashKey(stmt.Rec, primary.Columns)
	if st.pmMaps[primary.Name].Exists(primaryKey) {
		return nil
	}
	if _, found := st.offMaps[primary.Name].Get(keyType(primaryKey)); found {
		return nil
	}

	payload, err := stmt.Rec.Serialize()
	if err != nil {
		return cerrors.Wrap(err, "lsmengine: serialize record")
	}
	if err := e.log.Append(e.lsn.Next(), stmt.TxnID(), logrecord.OpInsert, tableIDOf(st.def), payload); err != nil {
		return cerrors.Wrap(err, "lsmengine: append log entry")
	}

	for _, idx := range st.def.Indices {
		key := engine.HashKey(stmt.Rec, idx.Columns)
		st.pmMaps[idx.Name].Set(key, stmt.Rec)
	}
	return nil
}

func (e *Engine) Remove(ctx context.Context, stmt *engine.Statement) error {
	if e.closed.Load() {
		return &storeerrors.EngineClosedError{Kind: "lsm"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return err
	}

	primary := st.def.PrimaryIndex()
	_, inMem := st.pmMaps[primary.Name].Get(stmt.Key)
	_, inFs := st.offMaps[primary.Name].Get(keyType(stmt.Key))
	if !inMem && !inFs {
		return nil
	}

	payload, err := stmt.Rec.Serialize()
	if err != nil {
		return cerrors.Wrap(err, "lsmengine: serialize record")
	}
	if err := e.log.Append(e.lsn.Next(), stmt.TxnID(), logrecord.OpDelete, tableIDOf(st.def), payload); err != nil {
		return cerrors.Wrap(err, "lsmengine: append log entry")
	}

	for _, idx := range st.def.Indices {
		key := engine.HashKey(stmt.Rec, idx.Columns)
		st.pmMaps[idx.Name].Delete(key)
		if idx.Name == primary.Name {
			if _, found := st.offMaps[idx.Name].Get(keyType(key)); found {
				st.offMapCount.Add(-1)
			}
		}
		st.offMaps[idx.Name].Remove(keyType(key))
	}
	return nil
}

// Update carries forward a behavior from the source this was ported from:
// a row absent from pm_map is overwritten wholesale by the statement's
// record rather than being fetched from storage and patched field-by-field.
// A row already resident in pm_map is patched in place as expected.
func (e *Engine) Update(ctx context.Context, stmt *engine.Statement) error {
	if e.closed.Load() {
		return &storeerrors.EngineClosedError{Kind: "lsm"}
	}
	st, err := e.table(stmt.Table)
	if err != nil {
		return err
	}

	primary := st.def.PrimaryIndex()
	beforeRec, existing := st.pmMaps[primary.Name].Get(stmt.Key)

	var beforePayload []byte
	if existing {
		beforePayload, err = beforeRec.Serialize()
		if err != nil {
			return err
		}
		for _, field := range stmt.FieldIDs {
			beforeRec.SetFrom(field, stmt.Rec)
		}
	} else {
		beforeRec = stmt.Rec
	}

	afterPayload, err := beforeRec.Serialize()
	if err != nil {
		return err
	}

	var logErr error
	if existing {
		logErr = e.log.Append(e.lsn.Next(), stmt.TxnID(), logrecord.OpUpdate, tableIDOf(st.def), beforePayload, afterPayload)
	} else {
		logErr = e.log.Append(e.lsn.Next(), stmt.TxnID(), logrecord.OpUpdate, tableIDOf(st.def), afterPayload)
	}
	if logErr != nil {
		return cerrors.Wrap(logErr, "lsmengine: append log entry")
	}

	if !existing {
		for _, idx := range st.def.Indices {
			key := engine.HashKey(beforeRec, idx.Columns)
			st.pmMaps[idx.Name].Set(key, beforeRec)
		}
	}
	return nil
}

func (e *Engine) TxnBegin(ctx context.Context) (uint64, error) { return 0, nil }

// TxnEnd is where LSM checks whether a merge is due.
func (e *Engine) TxnEnd(ctx context.Context, txnID uint64) error {
	n := e.mergeLooper.Add(1)
	if e.cfg.MergeInterval > 0 && n%int64(e.cfg.MergeInterval) == 0 {
		e.merge(false)
		e.mergeLooper.Store(0)
	}
	return nil
}

// merge folds every table's pm_map into its off_map/heap. Unlike select,
// merge overwrites every column of the stored record unconditionally,
// ignoring the enabled flag that the select path above respects.
func (e *Engine) merge(force bool) {
	for _, st := range e.tables {
		primary := st.def.PrimaryIndex()
		pm := st.pmMaps[primary.Name]
		off := st.offMaps[primary.Name]

		threshold := e.cfg.MergeRatio * float64(st.offMapCount.Load())
		if !force && float64(pm.Len()) <= threshold {
			continue
		}

		pm.Range(func(key uint64, rec *record.Record) {
			if offset, found := off.Get(keyType(key)); found {
				raw, err := st.heap.At(offset)
				if err != nil {
					e.cfg.Logger.Error().Err(err).Msg("lsm merge: read heap slot")
					return
				}
				fsRec, err := record.Deserialize(st.def.Schema, raw)
				if err != nil {
					e.cfg.Logger.Error().Err(err).Msg("lsm merge: deserialize record")
					return
				}
				for i := range fsRec.Schema().Columns {
					fsRec.Set(i, rec.Get(i))
				}
				payload, err := fsRec.Serialize()
				if err != nil {
					e.cfg.Logger.Error().Err(err).Msg("lsm merge: serialize record")
					return
				}
				if err := st.heap.Update(offset, payload); err != nil {
					e.cfg.Logger.Error().Err(err).Msg("lsm merge: update heap slot")
				}
				return
			}

			payload, err := rec.Serialize()
			if err != nil {
				e.cfg.Logger.Error().Err(err).Msg("lsm merge: serialize record")
				return
			}
			newOffset, err := st.heap.PushBack(payload)
			if err != nil {
				e.cfg.Logger.Error().Err(err).Msg("lsm merge: push tuple")
				return
			}
			if err := off.Insert(keyType(key), newOffset); err != nil {
				e.cfg.Logger.Error().Err(err).Msg("lsm merge: insert off_map entry")
				return
			}
			st.offMapCount.Add(1)
		})

		for _, idx := range st.def.Indices {
			st.pmMaps[idx.Name].Clear()
		}

		metrics.MergeTotal.WithLabelValues(st.def.Name, forcedLabel(force)).Inc()
	}
}

func forcedLabel(force bool) string {
	if force {
		return "true"
	}
	return "false"
}

func tableIDOf(tab *catalog.Table) uint32 {
	var h uint32
	for _, c := range tab.Name {
		h = h*31 + uint32(c)
	}
	return h
}

// CreateCheckpoint forces a merge, so nothing the checkpoint captures is
// still sitting only in pm_map, then snapshots every table's off_map
// indices at the resulting LSN. Recover stays unsupported regardless
// (pm_map has no log-replayable history of its own to rebuild), so the
// checkpoint exists for off_map backup/cold-start acceleration rather than
// bounding a log replay the way WAL's does.
func (e *Engine) CreateCheckpoint(ctx context.Context) error {
	e.merge(true)
	lsnVal := e.lsn.Current()
	for name, st := range e.tables {
		for idxName, tree := range st.offMaps {
			if err := e.ckpt.Create(name, idxName, tree, lsnVal); err != nil {
				return cerrors.Wrapf(err, "lsmengine: checkpoint table %q index %q", name, idxName)
			}
		}
	}
	e.cfg.Logger.Info().Uint64("lsn", lsnVal).Int("tables", len(e.tables)).Msg("checkpoint created")
	return nil
}

// Recover: the LSM strategy has no crash-recovery path; the log here exists purely for group commit.
func (e *Engine) Recover(ctx context.Context) error {
	return &storeerrors.RecoveryUnsupportedError{Kind: "lsm"}
}

// Vacuum forces a merge (folding pm_map into off_map/heap) and then
// rewrites the heap, dropping tombstoned and superseded slots.
// Unlike WAL's Vacuum, a forced merge first guarantees nothing live is
// still sitting only in memory when the heap rewrite scans it.
func (e *Engine) Vacuum(ctx context.Context, tableName string) (vacuum.Result, error) {
	st, err := e.table(tableName)
	if err != nil {
		return vacuum.Result{}, err
	}

	e.merge(true)

	primary := st.def.PrimaryIndex()
	secondary := make(map[*btree.BPlusTree][]int)
	for _, idx := range st.def.SecondaryIndices() {
		secondary[st.offMaps[idx.Name]] = idx.Columns
	}

	oldHeap := st.heap
	newPath := oldHeap.Path() + ".vacuum"
	newHeap, res, err := vacuum.Run(st.def.Schema, primary.Columns, oldHeap, st.offMaps[primary.Name], secondary, newPath)
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

	e.merge(true)

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
