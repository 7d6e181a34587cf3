// Package checkpoint snapshots an off_map B+Tree to disk so recovery can
// start from a bounded point instead of replaying a log from its first
// entry. Each checkpoint is zstd-compressed and named with a
// generation id so a reader never observes a half-written file: a crash
// mid-write leaves an orphaned temp file, never a corrupt "latest".
package checkpoint

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	cerrors "github.com/cockroachdb/errors"

	"github.com/bobboyms/storage-engine/pkg/btree"
	storeerrors "github.com/bobboyms/storage-engine/pkg/errors"
)

// Manager creates and loads checkpoints for one table's indices under a
// base directory.
type Manager struct {
	basePath string
	mu       sync.Mutex
}

func NewManager(basePath string) *Manager {
	return &Manager{basePath: basePath}
}

func fileName(tableName, indexName string, lsn uint64, genID string) string {
	return "checkpoint_" + tableName + "_" + indexName + "_" + itoa(lsn) + "_" + genID + ".chk.zst"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := make([]byte, 0, 20)
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// Create snapshots tree as of lsn, compressing it with zstd and writing it
// atomically (temp file + rename), then removes every older checkpoint for
// the same table/index.
func (m *Manager) Create(tableName, indexName string, tree *btree.BPlusTree, lsn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := SerializeBPlusTree(tree, lsn)
	if err != nil {
		return cerrors.Wrap(err, "checkpoint: serialize tree")
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return cerrors.Wrap(err, "checkpoint: new zstd encoder")
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	genID := uuid.NewString()
	name := fileName(tableName, indexName, lsn, genID)
	path := filepath.Join(m.basePath, name)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, compressed, 0644); err != nil {
		return cerrors.Wrap(err, "checkpoint: write temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return cerrors.Wrap(err, "checkpoint: rename temp file")
	}

	return m.pruneOlderThan(tableName, indexName, lsn)
}

func (m *Manager) pruneOlderThan(tableName, indexName string, keepLSN uint64) error {
	entries, err := m.list(tableName, indexName)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.lsn < keepLSN {
			os.Remove(filepath.Join(m.basePath, e.name))
		}
	}
	return nil
}

type checkpointFile struct {
	name string
	lsn  uint64
}

func (m *Manager) list(tableName, indexName string) ([]checkpointFile, error) {
	files, err := os.ReadDir(m.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := "checkpoint_" + tableName + "_" + indexName + "_"
	var out []checkpointFile
	for _, f := range files {
		name := f.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".chk.zst") {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".chk.zst")
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 {
			continue
		}
		lsn, err := parseUint(parts[0])
		if err != nil {
			continue
		}
		out = append(out, checkpointFile{name: name, lsn: lsn})
	}
	return out, nil
}

func parseUint(s string) (uint64, error) {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, cerrors.New("checkpoint: invalid lsn component")
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}

// LoadLatest reads back the highest-LSN checkpoint for a table/index pair.
// Returns storeerrors.CorruptCheckpointError if none exists.
func (m *Manager) LoadLatest(tableName, indexName string) (*btree.BPlusTree, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.list(tableName, indexName)
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, &storeerrors.CorruptCheckpointError{Path: m.basePath, Reason: "no checkpoint found"}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lsn > entries[j].lsn })
	latest := entries[0]

	compressed, err := os.ReadFile(filepath.Join(m.basePath, latest.name))
	if err != nil {
		return nil, 0, cerrors.Wrap(err, "checkpoint: read file")
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, 0, cerrors.Wrap(err, "checkpoint: new zstd decoder")
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, cerrors.Wrap(err, "checkpoint: decompress")
	}

	return DeserializeBPlusTree(raw)
}
