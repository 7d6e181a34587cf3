// Package vacuum reclaims dead space left behind by deletes and
// superseded updates. The heap-backed WAL and LSM strategies tombstone a
// heap slot on delete and leaves the old slot in place on a relocating
// update; nothing ever reclaims them on its own. Vacuum is an explicit,
// caller-invoked operation, never run implicitly by an engine.
package vacuum

import (
	"io"

	"github.com/cespare/xxhash/v2"
	cerrors "github.com/cockroachdb/errors"

	"github.com/bobboyms/storage-engine/pkg/btree"
	"github.com/bobboyms/storage-engine/pkg/heap"
	"github.com/bobboyms/storage-engine/pkg/record"
	"github.com/bobboyms/storage-engine/pkg/types"
)

// Result summarizes one vacuum pass.
type Result struct {
	SlotsScanned   int64
	SlotsReclaimed int64
}

// Run rewrites oldHeap into a fresh heap at newPath, keeping only slots
// that are both live (not tombstoned) and still current: a live slot is
// current when its record's primary-index key maps back to that exact
// offset in primary. A relocating update leaves its old slot non-current
// the moment the new slot's offset is installed in primary, even though
// the old bytes are never explicitly tombstoned; checking against primary
// is what catches that case, not just ErrTombstone.
//
// Run installs every surviving record's new offset back into primary (and
// into every entry of secondary, which shares the same key space as
// primary under a different index) before returning the new heap. The
// caller is responsible for swapping it in for the table's old heap and
// closing/removing the old one.
func Run(schema *record.Schema, primaryColumns []int, oldHeap *heap.HeapManager, primary *btree.BPlusTree, secondary map[*btree.BPlusTree][]int, newPath string) (*heap.HeapManager, Result, error) {
	newHeap, err := heap.NewHeapManager(newPath, oldHeap.MaxTupleSize())
	if err != nil {
		return nil, Result{}, cerrors.Wrap(err, "vacuum: create new heap")
	}

	var res Result
	it := oldHeap.NewIterator()
	for {
		offset, data, valid, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, res, cerrors.Wrap(err, "vacuum: iterate old heap")
		}
		res.SlotsScanned++

		if !valid {
			res.SlotsReclaimed++
			continue
		}

		rec, err := record.Deserialize(schema, data)
		if err != nil {
			return nil, res, cerrors.Wrap(err, "vacuum: deserialize record")
		}

		key := types.Uint64Key(hashKey(rec, primaryColumns))
		current, found := primary.Get(key)
		if !found || current != offset {
			res.SlotsReclaimed++
			continue
		}

		newOffset, err := newHeap.PushBack(data)
		if err != nil {
			return nil, res, cerrors.Wrap(err, "vacuum: push surviving tuple")
		}
		if err := primary.Replace(key, newOffset); err != nil {
			return nil, res, cerrors.Wrap(err, "vacuum: update primary offset")
		}
		for tree, columns := range secondary {
			skey := types.Uint64Key(hashKey(rec, columns))
			if err := tree.Replace(skey, newOffset); err != nil {
				return nil, res, cerrors.Wrap(err, "vacuum: update secondary offset")
			}
		}
	}

	return newHeap, res, nil
}

// hashKey computes the same xxhash-over-KeyBytes key as engine.HashKey
// without importing the engine package.
func hashKey(rec *record.Record, columns []int) uint64 {
	return xxhash.Sum64(rec.KeyBytes(columns))
}
