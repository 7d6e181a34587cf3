package pmmap

import (
	"testing"

	"github.com/bobboyms/storage-engine/pkg/record"
)

func schema() *record.Schema {
	return record.NewSchema("t", record.Column{Name: "id", Type: record.TypeInt, Enabled: true, Inlined: true})
}

func TestSetGetDelete(t *testing.T) {
	m := New()
	rec := record.New(schema(), []any{int64(1)})

	if _, ok := m.Get(1); ok {
		t.Fatal("expected miss on empty map")
	}
	m.Set(1, rec)
	if !m.Exists(1) {
		t.Fatal("expected key 1 to exist after Set")
	}
	got, ok := m.Get(1)
	if !ok || got != rec {
		t.Fatalf("expected to get back the same record, got %v, %v", got, ok)
	}

	m.Delete(1)
	if m.Exists(1) {
		t.Fatal("expected key 1 to be gone after Delete")
	}
}

func TestLenAndClear(t *testing.T) {
	m := New()
	for i := uint64(0); i < 5; i++ {
		m.Set(i, record.New(schema(), []any{int64(i)}))
	}
	if m.Len() != 5 {
		t.Fatalf("expected length 5, got %d", m.Len())
	}
	m.Clear()
	if m.Len() != 0 {
		t.Fatalf("expected length 0 after Clear, got %d", m.Len())
	}
}

func TestRangeVisitsEveryEntry(t *testing.T) {
	m := New()
	want := map[uint64]bool{1: true, 2: true, 3: true}
	for k := range want {
		m.Set(k, record.New(schema(), []any{int64(k)}))
	}

	seen := make(map[uint64]bool)
	m.Range(func(key uint64, rec *record.Record) {
		seen[key] = true
	})
	if len(seen) != len(want) {
		t.Fatalf("expected to visit %d entries, saw %d", len(want), len(seen))
	}
}
