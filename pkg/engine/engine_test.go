package engine

import (
	"testing"

	"github.com/bobboyms/storage-engine/pkg/record"
)

func TestHashKeyIsDeterministic(t *testing.T) {
	schema := record.NewSchema("users", record.Column{Name: "id", Type: record.TypeInt, Enabled: true, Inlined: true})
	rec1 := record.New(schema, []any{int64(42)})
	rec2 := record.New(schema, []any{int64(42)})
	rec3 := record.New(schema, []any{int64(43)})

	if HashKey(rec1, []int{0}) != HashKey(rec2, []int{0}) {
		t.Fatal("expected identical records to hash to the same key")
	}
	if HashKey(rec1, []int{0}) == HashKey(rec3, []int{0}) {
		t.Fatal("expected different records to hash to different keys")
	}
}

func TestStatementTxnID(t *testing.T) {
	stmt := &Statement{Txn: 7}
	if stmt.TxnID() != 7 {
		t.Fatalf("expected TxnID 7, got %d", stmt.TxnID())
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindWAL:   "wal",
		KindLSM:   "lsm",
		KindOptSP: "opt-sp",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Catalog == nil {
		t.Fatal("expected DefaultConfig to populate a catalog")
	}
	if cfg.GCInterval <= 0 {
		t.Fatal("expected a positive default GC interval")
	}
}
