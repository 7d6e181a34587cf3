// Package heap implements the append-only table storage (fs_data): a set of
// rotating segment files divided into fixed-size slots, one slot per tuple.
// Every table fixes a max_tuple_size at creation; a slot is exactly that many
// bytes plus a small header, so update(offset, bytes) always overwrites in
// place and never needs to move or re-link a record.
package heap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	HeapMagic   = 0x48454150 // ASCII "HEAP"
	HeapVersion = 1

	// SegmentHeaderSize: Magic(4) + Version(1) + MaxTupleSize(4) + Reserved(3)
	SegmentHeaderSize = 12

	// SlotHeaderSize: Valid(1) + Length(4)
	SlotHeaderSize = 5

	DefaultSlotsPerSegment = 1 << 16 // 65536 slots per segment file
)

var ErrTombstone = fmt.Errorf("heap: slot is deleted")

// Segment is one rotation of the table's data file.
type Segment struct {
	ID   int
	Path string
	File *os.File
}

// HeapManager stores fixed-size tuple slots across a sequence of segment
// files named "<path>_%03d.data". Offset returned to callers is a slot
// index, global across all segments of the table; it is an opaque handle,
// never interpreted by anything outside this package.
type HeapManager struct {
	basePath        string
	maxTupleSize    int
	slotSize        int
	slotsPerSegment int64

	mu       sync.RWMutex
	segments []*Segment
	nextSlot int64
}

// NewHeapManager opens (or creates) the segment chain for path, fixing
// maxTupleSize as the slot payload size for every tuple in this table.
func NewHeapManager(path string, maxTupleSize int) (*HeapManager, error) {
	hm := &HeapManager{
		basePath:        path,
		maxTupleSize:    maxTupleSize,
		slotSize:        SlotHeaderSize + maxTupleSize,
		slotsPerSegment: DefaultSlotsPerSegment,
	}

	id := 1
	var total int64
	for {
		segPath := fmt.Sprintf("%s_%03d.data", path, id)
		f, err := os.OpenFile(segPath, os.O_RDWR, 0666)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("heap: open segment %s: %w", segPath, err)
		}

		got, storedTupleSize, err := readSegmentHeader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if storedTupleSize != maxTupleSize {
			f.Close()
			return nil, fmt.Errorf("heap: segment %s has max tuple size %d, table expects %d", segPath, storedTupleSize, maxTupleSize)
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		slotsInSegment := (info.Size() - SegmentHeaderSize) / int64(hm.slotSize)
		total += slotsInSegment
		_ = got

		hm.segments = append(hm.segments, &Segment{ID: id, Path: segPath, File: f})
		id++
	}

	if len(hm.segments) == 0 {
		if _, err := hm.createSegment(1); err != nil {
			return nil, err
		}
	}

	hm.nextSlot = total
	return hm, nil
}

func readSegmentHeader(f *os.File) (magic uint32, maxTupleSize int, err error) {
	buf := make([]byte, SegmentHeaderSize)
	if _, err = io.ReadFull(f, buf); err != nil {
		return 0, 0, fmt.Errorf("heap: read segment header: %w", err)
	}
	magic = binary.LittleEndian.Uint32(buf[0:4])
	if magic != HeapMagic {
		return 0, 0, fmt.Errorf("heap: bad segment magic 0x%x", magic)
	}
	maxTupleSize = int(binary.LittleEndian.Uint32(buf[5:9]))
	return magic, maxTupleSize, nil
}

func writeSegmentHeader(f *os.File, maxTupleSize int) error {
	buf := make([]byte, SegmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], HeapMagic)
	buf[4] = HeapVersion
	binary.LittleEndian.PutUint32(buf[5:9], uint32(maxTupleSize))
	_, err := f.WriteAt(buf, 0)
	return err
}

func (hm *HeapManager) createSegment(id int) (*Segment, error) {
	segPath := fmt.Sprintf("%s_%03d.data", hm.basePath, id)
	f, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("heap: create segment %s: %w", segPath, err)
	}
	if err := writeSegmentHeader(f, hm.maxTupleSize); err != nil {
		f.Close()
		return nil, err
	}
	seg := &Segment{ID: id, Path: segPath, File: f}
	hm.segments = append(hm.segments, seg)
	return seg, nil
}

// segmentForSlot returns the segment owning slot, creating it if this is the
// first write to reach it, and the slot's byte offset within that segment.
func (hm *HeapManager) segmentForSlot(slot int64) (*Segment, int64, error) {
	segIdx := int(slot / hm.slotsPerSegment)
	localSlot := slot % hm.slotsPerSegment
	byteOffset := int64(SegmentHeaderSize) + localSlot*int64(hm.slotSize)

	for segIdx >= len(hm.segments) {
		seg, err := hm.createSegment(len(hm.segments) + 1)
		if err != nil {
			return nil, 0, err
		}
		_ = seg
	}
	return hm.segments[segIdx], byteOffset, nil
}

func (hm *HeapManager) writeSlot(slot int64, data []byte) error {
	if len(data) > hm.maxTupleSize {
		return fmt.Errorf("heap: tuple of %d bytes exceeds max tuple size %d", len(data), hm.maxTupleSize)
	}
	seg, byteOffset, err := hm.segmentForSlot(slot)
	if err != nil {
		return err
	}

	buf := make([]byte, hm.slotSize)
	buf[0] = 1 // Valid
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(data)))
	copy(buf[SlotHeaderSize:], data)

	_, err = seg.File.WriteAt(buf, byteOffset)
	return err
}

// PushBack appends a new tuple and returns its slot offset.
func (hm *HeapManager) PushBack(data []byte) (int64, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	slot := hm.nextSlot
	if err := hm.writeSlot(slot, data); err != nil {
		return 0, err
	}
	hm.nextSlot++
	return slot, nil
}

// Update overwrites the tuple at offset in place. offset must name a slot
// already returned by PushBack; the new payload must fit the table's fixed
// max tuple size.
func (hm *HeapManager) Update(offset int64, data []byte) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if offset < 0 || offset >= hm.nextSlot {
		return fmt.Errorf("heap: offset %d out of range", offset)
	}
	return hm.writeSlot(offset, data)
}

// At reads the tuple stored at offset. Returns ErrTombstone if the slot was
// deleted.
func (hm *HeapManager) At(offset int64) ([]byte, error) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	if offset < 0 || offset >= hm.nextSlot {
		return nil, fmt.Errorf("heap: offset %d out of range", offset)
	}
	segIdx := int(offset / hm.slotsPerSegment)
	localSlot := offset % hm.slotsPerSegment
	byteOffset := int64(SegmentHeaderSize) + localSlot*int64(hm.slotSize)

	if segIdx >= len(hm.segments) {
		return nil, fmt.Errorf("heap: offset %d out of range", offset)
	}
	seg := hm.segments[segIdx]

	header := make([]byte, SlotHeaderSize)
	if _, err := seg.File.ReadAt(header, byteOffset); err != nil {
		return nil, fmt.Errorf("heap: read slot header at %d: %w", offset, err)
	}
	if header[0] == 0 {
		return nil, ErrTombstone
	}
	length := binary.LittleEndian.Uint32(header[1:5])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := seg.File.ReadAt(payload, byteOffset+SlotHeaderSize); err != nil {
			return nil, fmt.Errorf("heap: read slot payload at %d: %w", offset, err)
		}
	}
	return payload, nil
}

// Delete marks the slot at offset as a tombstone. The bytes remain on disk
// until a caller-invoked vacuum reclaims the segment; delete
// itself never compacts anything.
func (hm *HeapManager) Delete(offset int64) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if offset < 0 || offset >= hm.nextSlot {
		return fmt.Errorf("heap: offset %d out of range", offset)
	}
	segIdx := int(offset / hm.slotsPerSegment)
	localSlot := offset % hm.slotsPerSegment
	byteOffset := int64(SegmentHeaderSize) + localSlot*int64(hm.slotSize)
	seg := hm.segments[segIdx]

	_, err := seg.File.WriteAt([]byte{0}, byteOffset)
	return err
}

// Sync flushes every open segment to stable storage.
func (hm *HeapManager) Sync() error {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, seg := range hm.segments {
		if err := seg.File.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes every segment file.
func (hm *HeapManager) Close() error {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, seg := range hm.segments {
		seg.File.Sync()
		if err := seg.File.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (hm *HeapManager) Path() string { return hm.basePath }

func (hm *HeapManager) MaxTupleSize() int { return hm.maxTupleSize }

// NextSlot returns the slot offset PushBack will hand out next; vacuum uses
// it as the upper bound of a full scan.
func (hm *HeapManager) NextSlot() int64 {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.nextSlot
}

// Iterator walks every slot in offset order, including tombstoned ones;
// vacuum uses it to decide what to keep.
type Iterator struct {
	hm   *HeapManager
	next int64
	last int64
}

func (hm *HeapManager) NewIterator() *Iterator {
	return &Iterator{hm: hm, next: 0, last: hm.NextSlot()}
}

// Next returns the next slot's offset, payload and whether it is live
// (false for a tombstoned slot). io.EOF ends the iteration.
func (it *Iterator) Next() (offset int64, data []byte, valid bool, err error) {
	if it.next >= it.last {
		return 0, nil, false, io.EOF
	}
	offset = it.next
	it.next++

	data, err = it.hm.At(offset)
	if err == ErrTombstone {
		return offset, nil, false, nil
	}
	if err != nil {
		return offset, nil, false, err
	}
	return offset, data, true, nil
}
