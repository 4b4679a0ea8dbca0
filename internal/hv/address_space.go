package hv

import (
	"sync"

	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

// AddressSpace manages physical address allocation for a VM. It tracks the
// RAM region and hands out additional MMIO windows above it, and separately
// records the fixed regions (GIC, UART, virtio window) the caller already
// knows the addresses for.
//
// Grounded on the teacher's hv.AddressSpace, with the x86-only split-memory
// (PCI hole) branch removed: this project targets arm64 exclusively, where
// RAM is always one contiguous region above the fixed MMIO map.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	nextMMIO uint64

	allocations  []MMIOAllocation
	fixedRegions []MMIOAllocation
}

// MMIOAllocationRequest describes a dynamically sized MMIO window a device
// needs, leaving the exact base address to the allocator.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a concrete, addressed MMIO window.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// NewAddressSpace creates an allocator that places dynamic MMIO windows
// above [ramBase, ramBase+ramSize).
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:  ramBase,
		ramSize:  ramSize,
		nextMMIO: alignUp(ramBase+ramSize, 0x1000),
	}
}

// Allocate reserves a dynamically placed MMIO window.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, &vmerr.SizeError{What: "mmio allocation " + req.Name, Value: 0}
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, &vmerr.AlignmentError{What: "mmio allocation alignment for " + req.Name, Value: alignment}
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size

	return alloc, nil
}

// RegisterFixed records a pre-determined MMIO region (GIC, UART, virtio
// window) and rejects it if it overlaps RAM.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return &vmerr.SizeError{What: "fixed region " + name, Value: 0}
	}

	ramEnd := a.ramBase + a.ramSize
	regionEnd := base + size
	if base < ramEnd && regionEnd > a.ramBase {
		return &vmerr.Overlap{
			Name: name, Base: base, Size: size,
			WithName: "ram", WithBase: a.ramBase, WithSize: a.ramSize,
		}
	}

	for _, existing := range a.fixedRegions {
		existingEnd := existing.Base + existing.Size
		if base < existingEnd && regionEnd > existing.Base {
			return &vmerr.Overlap{
				Name: name, Base: base, Size: size,
				WithName: existing.Name, WithBase: existing.Base, WithSize: existing.Size,
			}
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]MMIOAllocation, len(a.allocations))
	copy(out, a.allocations)
	return out
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]MMIOAllocation, len(a.fixedRegions))
	copy(out, a.fixedRegions)
	return out
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
