package walengine

import (
	"context"
	"testing"

	"github.com/bobboyms/storage-engine/pkg/catalog"
	"github.com/bobboyms/storage-engine/pkg/engine"
	"github.com/bobboyms/storage-engine/pkg/query"
	"github.com/bobboyms/storage-engine/pkg/record"
	"github.com/bobboyms/storage-engine/pkg/types"
)

func usersSchema() *record.Schema {
	return record.NewSchema("users",
		record.Column{Name: "id", Type: record.TypeInt, Enabled: true, Inlined: true},
		record.Column{Name: "name", Type: record.TypeVarchar, Enabled: true, Inlined: true},
		record.Column{Name: "age", Type: record.TypeInt, Enabled: true, Inlined: true},
	)
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()

	cat := catalog.NewCatalog()
	if _, err := cat.NewTable("users", usersSchema(), 256,
		catalog.IndexDef{Name: "pk", Columns: []int{0}, Primary: true, Unique: true},
		catalog.IndexDef{Name: "by_name", Columns: []int{1}},
	); err != nil {
		t.Fatal(err)
	}

	cfg := engine.DefaultConfig()
	cfg.FSPath = dir
	cfg.Catalog = cat
	cfg.GCInterval = 20
	cfg.ActiveTxnThreshold = 2

	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, dir
}

func TestInsertSelectRemove(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	schema := e.tables["users"].def.Schema

	rec := record.New(schema, []any{int64(1), "alice", int64(30)})
	key := engine.HashKey(rec, []int{0})

	if err := e.Insert(ctx, &engine.Statement{Table: "users", Rec: rec}); err != nil {
		t.Fatal(err)
	}

	got, err := e.Select(ctx, &engine.Statement{Table: "users", Key: key})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a record")
	}
	if name, _ := got.GetByName("name"); name != "alice" {
		t.Fatalf("got name %v", name)
	}

	if err := e.Remove(ctx, &engine.Statement{Table: "users", Key: key}); err != nil {
		t.Fatal(err)
	}
	got, err = e.Select(ctx, &engine.Statement{Table: "users", Key: key})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected select to miss after remove")
	}
}

func TestUpdateAppliesOnlyNamedFields(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	schema := e.tables["users"].def.Schema

	rec := record.New(schema, []any{int64(1), "alice", int64(30)})
	key := engine.HashKey(rec, []int{0})
	if err := e.Insert(ctx, &engine.Statement{Table: "users", Rec: rec}); err != nil {
		t.Fatal(err)
	}

	patch := record.New(schema, []any{int64(1), "ignored", int64(31)})
	if err := e.Update(ctx, &engine.Statement{Table: "users", Key: key, Rec: patch, FieldIDs: []int{2}}); err != nil {
		t.Fatal(err)
	}

	got, err := e.Select(ctx, &engine.Statement{Table: "users", Key: key})
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := got.GetByName("name"); name != "alice" {
		t.Fatalf("expected name untouched, got %v", name)
	}
	if age, _ := got.GetByName("age"); age != int64(31) {
		t.Fatalf("expected age 31, got %v", age)
	}
}

func TestRecoverReplaysInsertsAfterReopen(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()
	schema := e.tables["users"].def.Schema

	rec := record.New(schema, []any{int64(1), "alice", int64(30)})
	key := engine.HashKey(rec, []int{0})
	if err := e.Insert(ctx, &engine.Statement{Table: "users", Rec: rec}); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	cat := catalog.NewCatalog()
	if _, err := cat.NewTable("users", usersSchema(), 256,
		catalog.IndexDef{Name: "pk", Columns: []int{0}, Primary: true, Unique: true},
		catalog.IndexDef{Name: "by_name", Columns: []int{1}},
	); err != nil {
		t.Fatal(err)
	}
	cfg := engine.DefaultConfig()
	cfg.FSPath = dir
	cfg.Catalog = cat
	cfg.ActiveTxnThreshold = 0

	reopened, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if err := reopened.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := reopened.Select(ctx, &engine.Statement{Table: "users", Key: key})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected recovery to restore the inserted record")
	}
	if name, _ := got.GetByName("name"); name != "alice" {
		t.Fatalf("got name %v", name)
	}
}

func TestVacuumReclaimsTombstonedSlots(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	schema := e.tables["users"].def.Schema

	rec := record.New(schema, []any{int64(1), "alice", int64(30)})
	key := engine.HashKey(rec, []int{0})
	if err := e.Insert(ctx, &engine.Statement{Table: "users", Rec: rec}); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove(ctx, &engine.Statement{Table: "users", Key: key}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Vacuum(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	if res.SlotsReclaimed == 0 {
		t.Fatal("expected at least one reclaimed slot")
	}
}

func TestRecoverConsultsCheckpointInsteadOfReplayingFromZero(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()
	schema := e.tables["users"].def.Schema

	for i := int64(1); i <= 3; i++ {
		rec := record.New(schema, []any{i, "first", int64(20)})
		if err := e.Insert(ctx, &engine.Statement{Table: "users", Rec: rec}); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.CreateCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}
	for i := int64(4); i <= 5; i++ {
		rec := record.New(schema, []any{i, "second", int64(21)})
		if err := e.Insert(ctx, &engine.Statement{Table: "users", Rec: rec}); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	cat := catalog.NewCatalog()
	if _, err := cat.NewTable("users", usersSchema(), 256,
		catalog.IndexDef{Name: "pk", Columns: []int{0}, Primary: true, Unique: true},
		catalog.IndexDef{Name: "by_name", Columns: []int{1}},
	); err != nil {
		t.Fatal(err)
	}
	cfg := engine.DefaultConfig()
	cfg.FSPath = dir
	cfg.Catalog = cat
	cfg.ActiveTxnThreshold = 0

	reopened, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if err := reopened.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 5; i++ {
		key := engine.HashKey(record.New(schema, []any{i, "", int64(0)}), []int{0})
		got, err := reopened.Select(ctx, &engine.Statement{Table: "users", Key: key})
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatalf("expected row %d to survive recovery", i)
		}
	}
}

func TestScanReturnsRecordsInAscendingKeyOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	schema := e.tables["users"].def.Schema

	var keys []uint64
	for _, age := range []int64{30, 10, 20} {
		rec := record.New(schema, []any{age, "user", age})
		keys = append(keys, engine.HashKey(rec, []int{0}))
		if err := e.Insert(ctx, &engine.Statement{Table: "users", Rec: rec}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := e.Scan(ctx, "users", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}

	var prev uint64
	for i, rec := range got {
		k := engine.HashKey(rec, []int{0})
		if i > 0 && k < prev {
			t.Fatalf("expected ascending hashed key order, got %d after %d", k, prev)
		}
		prev = k
	}

	only, err := e.Scan(ctx, "users", "", query.Equal(types.Uint64Key(keys[0])))
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 {
		t.Fatalf("expected exactly one match for Equal scan, got %d", len(only))
	}
}
