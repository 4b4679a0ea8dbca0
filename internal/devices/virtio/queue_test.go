package virtio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

// flatMemory is a simple byte-addressed GuestMemory backed by a flat slice,
// enough to exercise the descriptor table / rings without a real VM.
type flatMemory struct {
	buf []byte
}

func newFlatMemory(size int) *flatMemory {
	return &flatMemory{buf: make([]byte, size)}
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func (m *flatMemory) putDescriptor(descTableAddr uint64, idx uint16, d VirtQueueDescriptor) {
	off := descTableAddr + uint64(idx)*16
	binary.LittleEndian.PutUint64(m.buf[off:], d.Addr)
	binary.LittleEndian.PutUint32(m.buf[off+8:], d.Length)
	binary.LittleEndian.PutUint16(m.buf[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(m.buf[off+14:], d.Next)
}

func newReadyQueue(t *testing.T, mem *flatMemory, size uint16) *VirtQueue {
	t.Helper()
	q := NewVirtQueue(mem, size)
	q.SetAddresses(0, 4096, 8192)
	if err := q.SetSize(size); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	q.SetReady(true)
	return q
}

func TestReadDescriptorChainDetectsCycle(t *testing.T) {
	mem := newFlatMemory(1 << 16)
	q := newReadyQueue(t, mem, 4)

	// 0 -> 1 -> 0 (cycle)
	mem.putDescriptor(0, 0, VirtQueueDescriptor{Addr: 0x1000, Length: 8, Flags: virtqDescFNext, Next: 1})
	mem.putDescriptor(0, 1, VirtQueueDescriptor{Addr: 0x2000, Length: 8, Flags: virtqDescFNext, Next: 0})

	_, err := q.ReadDescriptorChain(0)
	if err == nil {
		t.Fatal("expected a cycle error, got nil")
	}
	var cycleErr *vmerr.Cycle
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *vmerr.Cycle, got %T: %v", err, err)
	}
}

func TestReadDescriptorChainWalksToEnd(t *testing.T) {
	mem := newFlatMemory(1 << 16)
	q := newReadyQueue(t, mem, 4)

	mem.putDescriptor(0, 0, VirtQueueDescriptor{Addr: 0x1000, Length: 8, Flags: virtqDescFNext, Next: 1})
	mem.putDescriptor(0, 1, VirtQueueDescriptor{Addr: 0x2000, Length: 16, Flags: virtqDescFWrite, Next: 0})

	payloads, err := q.ReadDescriptorChain(0)
	if err != nil {
		t.Fatalf("ReadDescriptorChain: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(payloads))
	}
	if payloads[1].Length != 16 || !payloads[1].IsWrite {
		t.Fatalf("unexpected second payload: %+v", payloads[1])
	}
}

func TestReadDescriptorChainRejectsBadIndex(t *testing.T) {
	mem := newFlatMemory(1 << 16)
	q := newReadyQueue(t, mem, 4)

	mem.putDescriptor(0, 0, VirtQueueDescriptor{Addr: 0x1000, Length: 8, Flags: virtqDescFNext, Next: 9})

	_, err := q.ReadDescriptorChain(0)
	var badIdx *vmerr.BadDescriptorIndex
	if !errors.As(err, &badIdx) {
		t.Fatalf("expected *vmerr.BadDescriptorIndex, got %T: %v", err, err)
	}
}

func TestAvailableBufferRoundTrip(t *testing.T) {
	mem := newFlatMemory(1 << 16)
	q := newReadyQueue(t, mem, 4)

	// avail ring: flags(2) idx(2) ring[4](2 each)
	binary.LittleEndian.PutUint16(mem.buf[4096+2:], 1) // idx = 1
	binary.LittleEndian.PutUint16(mem.buf[4096+4:], 7) // ring[0] = head 7

	head, ok, err := q.GetAvailableBuffer()
	if err != nil {
		t.Fatalf("GetAvailableBuffer: %v", err)
	}
	if !ok || head != 7 {
		t.Fatalf("expected head=7, ok=true; got head=%d ok=%v", head, ok)
	}

	_, ok, err = q.GetAvailableBuffer()
	if err != nil {
		t.Fatalf("GetAvailableBuffer: %v", err)
	}
	if ok {
		t.Fatal("expected no further buffers available")
	}
}

func TestPutUsedBufferPublishesIndex(t *testing.T) {
	mem := newFlatMemory(1 << 16)
	q := newReadyQueue(t, mem, 4)

	if err := q.PutUsedBuffer(3, 64); err != nil {
		t.Fatalf("PutUsedBuffer: %v", err)
	}

	gotIdx := binary.LittleEndian.Uint16(mem.buf[8192+2:])
	if gotIdx != 1 {
		t.Fatalf("expected used.idx=1, got %d", gotIdx)
	}
	gotHead := binary.LittleEndian.Uint32(mem.buf[8192+4:])
	if gotHead != 3 {
		t.Fatalf("expected used element head=3, got %d", gotHead)
	}
}
