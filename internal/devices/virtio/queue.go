// Package virtio implements the virtio 1.x split virtqueue layout and the
// MMIO transport that drives it. Grounded on the teacher's
// internal/devices/virtio/queue.go, enriched with the bitset-based
// descriptor-chain cycle detection the teacher's version lacked (it only
// bounded chain length, which stops an infinite loop but not a guest making
// the device re-walk the same descriptor and double-count its length).
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

// Descriptor flags, virtio 1.x split-ring layout §2.7.5.
const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	virtqUsedFNoNotify = 1
)

// GuestMemory provides access to guest physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// VirtQueueDescriptor is a single descriptor-table entry.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// VirtQueuePayload is one buffer in a walked descriptor chain.
type VirtQueuePayload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is one split virtqueue: descriptor table, available ring, used
// ring, plus the driver-visible negotiated size and ready state.
type VirtQueue struct {
	// Index is this queue's position within its device (0, 1, ...),
	// assigned by the owning transport and used only to label errors.
	Index int

	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Enabled       bool
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory

	// NotifyEvent is a one-slot buffered channel created with the queue.
	// Nothing in this package sends on it: the MMIO transport delivers
	// QUEUE_NOTIFY by calling DeviceHandler.OnQueueNotify directly.
	NotifyEvent chan struct{}

	// visited is reused across ReadDescriptorChain calls as a per-walk
	// cycle-detection bitset, allocated by SetSize when the queue size is
	// negotiated (its length never needs to exceed the negotiated queue size).
	visited []bool
}

// NewVirtQueue creates a queue bound to mem, accepting up to maxSize
// descriptors once negotiated.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize:     maxSize,
		mem:         mem,
		NotifyEvent: make(chan struct{}, 1),
	}
}

// Reset clears all negotiated state, as required on DRIVER_OK -> reset or a
// NEEDS_RESET acknowledgement.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.Enabled = false
	q.visited = nil
}

func (q *VirtQueue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

func (q *VirtQueue) SetSize(size uint16) error {
	if size > q.MaxSize {
		return &vmerr.SizeError{What: "virtqueue size", Value: uint64(size)}
	}
	if size == 0 {
		return &vmerr.SizeError{What: "virtqueue size", Value: 0}
	}
	q.Size = size
	q.visited = make([]bool, size)
	return nil
}

// SetReady marks the queue usable; clearing it discards all queue state, per
// the split-ring lifecycle's DRIVER_OK transition.
func (q *VirtQueue) SetReady(ready bool) {
	q.Ready = ready
	if !ready {
		q.Reset()
	}
}

func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.Size {
		return VirtQueueDescriptor{}, &vmerr.BadDescriptorIndex{Queue: q.Index, Index: idx, Num: q.Size}
	}

	var buf [16]byte
	offset := q.DescTableAddr + uint64(idx)*16
	if err := q.readGuestInto(offset, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}

	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// GetAvailableBuffer pops the next descriptor-chain head off the available
// ring, if the driver has published one since the last call.
func (q *VirtQueue) GetAvailableBuffer() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	var header [4]byte
	if err := q.readGuestInto(q.AvailRingAddr, header[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])

	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	var buf [2]byte
	offset := q.AvailRingAddr + 4 + uint64(ringIndex)*2
	if err := q.readGuestInto(offset, buf[:]); err != nil {
		return 0, false, err
	}

	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++
	return head, true, nil
}

// GetAvailableBuffers drains every buffer currently available.
func (q *VirtQueue) GetAvailableBuffers() ([]uint16, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	var heads []uint16
	for {
		head, hasBuffer, err := q.GetAvailableBuffer()
		if err != nil {
			return heads, err
		}
		if !hasBuffer {
			break
		}
		heads = append(heads, head)
	}
	return heads, nil
}

// ReadDescriptorChain walks the descriptor chain starting at head, rejecting
// a chain that revisits an index (vmerr.Cycle) or exceeds the queue size
// (vmerr.ChainTooLong) before it can turn a malicious driver into an
// unbounded read or a double-counted buffer length.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueuePayload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	for i := range q.visited {
		q.visited[i] = false
	}

	var payloads []VirtQueuePayload
	index := head

	for i := uint16(0); i < q.Size; i++ {
		if index >= q.Size {
			return payloads, &vmerr.BadDescriptorIndex{Queue: q.Index, Index: index, Num: q.Size}
		}
		if q.visited[index] {
			return payloads, &vmerr.Cycle{Queue: q.Index, Index: index}
		}
		q.visited[index] = true

		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return payloads, err
		}

		payloads = append(payloads, VirtQueuePayload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: (desc.Flags & virtqDescFWrite) != 0,
		})

		if (desc.Flags & virtqDescFNext) == 0 {
			return payloads, nil
		}
		index = desc.Next
	}

	return payloads, &vmerr.ChainTooLong{Queue: q.Index, Limit: q.Size}
}

// PutUsedBuffer publishes a completed buffer on the used ring.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	usedIdx := q.usedIdx % q.Size
	base := q.UsedRingAddr + 4 + uint64(usedIdx)*8

	if err := q.writeGuestUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeGuestUint32(base+4, length); err != nil {
		return err
	}

	q.usedIdx++
	return q.writeGuestUint16(q.UsedRingAddr+2, q.usedIdx)
}

// PutUsedBufferWithFlags is PutUsedBuffer plus VIRTQ_USED_F_NO_NOTIFY.
func (q *VirtQueue) PutUsedBufferWithFlags(head uint16, length uint32, suppressInterrupt bool) error {
	if err := q.PutUsedBuffer(head, length); err != nil {
		return err
	}

	var flags [2]byte
	if err := q.readGuestInto(q.UsedRingAddr, flags[:]); err != nil {
		return err
	}
	usedFlags := binary.LittleEndian.Uint16(flags[:])

	if suppressInterrupt {
		usedFlags |= virtqUsedFNoNotify
	} else {
		usedFlags &^= virtqUsedFNoNotify
	}

	return q.writeGuestUint16(q.UsedRingAddr, usedFlags)
}

func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeGuestFrom(addr, data)
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return &vmerr.BadOrdering{Op: "virtqueue access", Reason: "queue not ready"}
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: guest memory accessor is nil")
	}
	return nil
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func (q *VirtQueue) writeGuestUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

// guestOffset validates a guest address/length pair fits in an io.ReaderAt
// offset before the syscall layer ever sees it.
func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}
