package checkpoint

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	cerrors "github.com/cockroachdb/errors"

	"github.com/bobboyms/storage-engine/pkg/btree"
	"github.com/bobboyms/storage-engine/pkg/types"
)

const (
	magic   = 0x43484b50 // "CHKP"
	version = 1

	nodeTypeInternal = 0
	nodeTypeLeaf     = 1

	keyTagInt     = 1
	keyTagVarchar = 2
	keyTagBool    = 3
	keyTagFloat   = 4
	keyTagDate    = 5
	keyTagUint64  = 6
)

type header struct {
	Magic     uint32
	Version   uint8
	LastLSN   uint64
	TreeGrade int32
	UniqueKey bool
}

// SerializeBPlusTree walks tree depth-first and writes every node's keys
// and leaf data pointers (or internal children), prefixed by a header
// carrying the LSN the snapshot was taken at.
func SerializeBPlusTree(tree *btree.BPlusTree, lastLSN uint64) ([]byte, error) {
	buf := new(bytes.Buffer)

	h := header{
		Magic:     magic,
		Version:   version,
		LastLSN:   lastLSN,
		TreeGrade: int32(tree.T),
		UniqueKey: tree.UniqueKey,
	}
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if tree.Root == nil {
		return nil, cerrors.New("checkpoint: tree root is nil")
	}
	if err := serializeNode(buf, tree.Root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeNode(w io.Writer, node *btree.Node) error {
	node.RLock()
	defer node.RUnlock()

	nodeType := uint8(nodeTypeInternal)
	if node.Leaf {
		nodeType = nodeTypeLeaf
	}
	if err := binary.Write(w, binary.LittleEndian, nodeType); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(node.N)); err != nil {
		return err
	}

	for i := 0; i < node.N; i++ {
		keyBytes, err := serializeKey(node.Keys[i])
		if err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(keyBytes))); err != nil {
			return err
		}
		if _, err := w.Write(keyBytes); err != nil {
			return err
		}
	}

	if node.Leaf {
		for i := 0; i < node.N; i++ {
			if err := binary.Write(w, binary.LittleEndian, node.DataPtrs[i]); err != nil {
				return err
			}
		}
		return nil
	}

	for i := 0; i <= node.N; i++ {
		if err := serializeNode(w, node.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeserializeBPlusTree reconstructs a tree from SerializeBPlusTree's output,
// returning the LSN the snapshot was taken at.
func DeserializeBPlusTree(data []byte) (*btree.BPlusTree, uint64, error) {
	r := bytes.NewReader(data)

	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, 0, err
	}
	if h.Magic != magic {
		return nil, 0, cerrors.New("checkpoint: bad magic")
	}

	tree := btree.NewTree(int(h.TreeGrade))
	tree.UniqueKey = h.UniqueKey

	root, err := deserializeNode(r, int(h.TreeGrade))
	if err != nil {
		return nil, 0, err
	}
	tree.Root = root

	return tree, h.LastLSN, nil
}

func deserializeNode(r io.Reader, t int) (*btree.Node, error) {
	var nodeType uint8
	if err := binary.Read(r, binary.LittleEndian, &nodeType); err != nil {
		return nil, err
	}
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	node := btree.NewNode(t, nodeType == nodeTypeLeaf)
	node.N = int(n)

	for i := 0; i < node.N; i++ {
		var kLen uint16
		if err := binary.Read(r, binary.LittleEndian, &kLen); err != nil {
			return nil, err
		}
		kBytes := make([]byte, kLen)
		if _, err := io.ReadFull(r, kBytes); err != nil {
			return nil, err
		}
		key, err := deserializeKey(kBytes)
		if err != nil {
			return nil, err
		}
		node.Keys = append(node.Keys, key)
	}

	if node.Leaf {
		for i := 0; i < node.N; i++ {
			var offset int64
			if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
				return nil, err
			}
			node.DataPtrs = append(node.DataPtrs, offset)
		}
		return node, nil
	}

	for i := 0; i <= node.N; i++ {
		child, err := deserializeNode(r, t)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// serializeKey tags every key with its concrete type so a checkpoint can be
// read back without knowing the schema ahead of time. Uint64Key is the tag
// every off_map checkpoint (WAL and LSM) actually uses; the others cover
// pkg/types' column-typed keys for completeness.
func serializeKey(key types.Comparable) ([]byte, error) {
	buf := new(bytes.Buffer)
	switch k := key.(type) {
	case types.Uint64Key:
		buf.WriteByte(keyTagUint64)
		binary.Write(buf, binary.LittleEndian, uint64(k))
	case types.IntKey:
		buf.WriteByte(keyTagInt)
		binary.Write(buf, binary.LittleEndian, int64(k))
	case types.VarcharKey:
		buf.WriteByte(keyTagVarchar)
		str := string(k)
		binary.Write(buf, binary.LittleEndian, uint16(len(str)))
		buf.WriteString(str)
	case types.BoolKey:
		buf.WriteByte(keyTagBool)
		var b uint8
		if k {
			b = 1
		}
		buf.WriteByte(b)
	case types.FloatKey:
		buf.WriteByte(keyTagFloat)
		binary.Write(buf, binary.LittleEndian, float64(k))
	case types.DateKey:
		buf.WriteByte(keyTagDate)
		binary.Write(buf, binary.LittleEndian, time.Time(k).UnixNano())
	default:
		return nil, cerrors.Newf("checkpoint: unsupported key type %T", k)
	}
	return buf.Bytes(), nil
}

func deserializeKey(data []byte) (types.Comparable, error) {
	if len(data) == 0 {
		return nil, cerrors.New("checkpoint: empty key data")
	}
	tag := data[0]
	r := bytes.NewReader(data[1:])

	switch tag {
	case keyTagUint64:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return types.Uint64Key(v), nil
	case keyTagInt:
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return types.IntKey(v), nil
	case keyTagVarchar:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, err
		}
		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return types.VarcharKey(string(b)), nil
	case keyTagBool:
		var b uint8
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return nil, err
		}
		return types.BoolKey(b == 1), nil
	case keyTagFloat:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return nil, err
		}
		return types.FloatKey(f), nil
	case keyTagDate:
		var ts int64
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return nil, err
		}
		return types.DateKey(time.Unix(0, ts)), nil
	default:
		return nil, cerrors.Newf("checkpoint: unknown key type tag %d", tag)
	}
}
