package heap

import (
	"io"
	"path/filepath"
	"testing"
)

func TestPushBackAndAt(t *testing.T) {
	dir := t.TempDir()
	hm, err := NewHeapManager(filepath.Join(dir, "users"), 32)
	if err != nil {
		t.Fatal(err)
	}
	defer hm.Close()

	off, err := hm.PushBack([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("expected first offset 0, got %d", off)
	}

	got, err := hm.At(off)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateInPlace(t *testing.T) {
	dir := t.TempDir()
	hm, err := NewHeapManager(filepath.Join(dir, "users"), 32)
	if err != nil {
		t.Fatal(err)
	}
	defer hm.Close()

	off, err := hm.PushBack([]byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := hm.Update(off, []byte("v2-updated")); err != nil {
		t.Fatal(err)
	}

	got, err := hm.At(off)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2-updated" {
		t.Fatalf("got %q", got)
	}
	if hm.NextSlot() != 1 {
		t.Fatalf("update must not allocate a new slot, nextSlot=%d", hm.NextSlot())
	}
}

func TestPushBackExceedsMaxTupleSize(t *testing.T) {
	dir := t.TempDir()
	hm, err := NewHeapManager(filepath.Join(dir, "users"), 4)
	if err != nil {
		t.Fatal(err)
	}
	defer hm.Close()

	if _, err := hm.PushBack([]byte("too big")); err == nil {
		t.Fatal("expected error for tuple exceeding max size")
	}
}

func TestDeleteTombstone(t *testing.T) {
	dir := t.TempDir()
	hm, err := NewHeapManager(filepath.Join(dir, "users"), 32)
	if err != nil {
		t.Fatal(err)
	}
	defer hm.Close()

	off, _ := hm.PushBack([]byte("gone"))
	if err := hm.Delete(off); err != nil {
		t.Fatal(err)
	}
	if _, err := hm.At(off); err != ErrTombstone {
		t.Fatalf("expected ErrTombstone, got %v", err)
	}
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users")

	hm1, err := NewHeapManager(path, 32)
	if err != nil {
		t.Fatal(err)
	}
	off, err := hm1.PushBack([]byte("durable"))
	if err != nil {
		t.Fatal(err)
	}
	if err := hm1.Close(); err != nil {
		t.Fatal(err)
	}

	hm2, err := NewHeapManager(path, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer hm2.Close()

	got, err := hm2.At(off)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "durable" {
		t.Fatalf("got %q", got)
	}
	if hm2.NextSlot() != 1 {
		t.Fatalf("expected nextSlot to resume at 1, got %d", hm2.NextSlot())
	}
}

func TestMismatchedMaxTupleSizeRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users")

	hm1, err := NewHeapManager(path, 32)
	if err != nil {
		t.Fatal(err)
	}
	hm1.Close()

	if _, err := NewHeapManager(path, 64); err == nil {
		t.Fatal("expected error when reopening with a different max tuple size")
	}
}

func TestIteratorSkipsTombstones(t *testing.T) {
	dir := t.TempDir()
	hm, err := NewHeapManager(filepath.Join(dir, "users"), 32)
	if err != nil {
		t.Fatal(err)
	}
	defer hm.Close()

	off0, _ := hm.PushBack([]byte("a"))
	_, _ = hm.PushBack([]byte("b"))
	off2, _ := hm.PushBack([]byte("c"))
	hm.Delete(off2)

	it := hm.NewIterator()
	var live int
	for {
		off, data, valid, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if valid {
			live++
		}
		_ = off
		_ = data
	}
	if live != 2 {
		t.Fatalf("expected 2 live slots, got %d", live)
	}
	_ = off0
}

func TestRotationAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users")
	hm, err := NewHeapManager(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	hm.slotsPerSegment = 4
	defer hm.Close()

	var offs []int64
	for i := 0; i < 10; i++ {
		off, err := hm.PushBack([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		offs = append(offs, off)
	}

	if len(hm.segments) < 3 {
		t.Fatalf("expected at least 3 segments after 10 pushes with 4 slots/segment, got %d", len(hm.segments))
	}

	for i, off := range offs {
		got, err := hm.At(off)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0] != byte(i) {
			t.Fatalf("slot %d: expected %d, got %v", off, i, got)
		}
	}
}

func TestOutOfRangeOffset(t *testing.T) {
	dir := t.TempDir()
	hm, err := NewHeapManager(filepath.Join(dir, "users"), 16)
	if err != nil {
		t.Fatal(err)
	}
	defer hm.Close()

	if _, err := hm.At(5); err == nil {
		t.Fatal("expected out-of-range error")
	}
}
