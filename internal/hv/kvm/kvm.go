//go:build linux && arm64

package kvm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nicolasmesa/armvmm/internal/hv"
	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

func unsafePtrOf(data []byte) unsafe.Pointer {
	return unsafe.Pointer(&data[0])
}

// Hypervisor opens /dev/kvm and creates virtual machines against it.
// Grounded on the teacher's internal/hv/kvm/kvm.go hypervisor type, with the
// multi-architecture dispatch and snapshot machinery removed: this package
// only ever targets arm64.
type Hypervisor struct {
	fd int
}

// Open opens the control device and validates the reported API version,
// per §6: "query API version (must equal 12)".
func Open() (*Hypervisor, error) {
	fd, err := openControlDevice()
	if err != nil {
		return nil, err
	}
	version, err := getAPIVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, &vmerr.Host{Request: "KVM_GET_API_VERSION", Err: err}
	}
	if version != kvmAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unexpected API version %d (want %d)", version, kvmAPIVersion)
	}
	return &Hypervisor{fd: fd}, nil
}

func (h *Hypervisor) Close() error {
	return unix.Close(h.fd)
}

// memorySlot is one host-anonymous mapping registered with the kernel as
// guest RAM.
type memorySlot struct {
	id    uint32
	gpa   uint64
	size  uint64
	bytes []byte
}

func (s *memorySlot) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > s.size {
		return 0, fmt.Errorf("kvm: slot ReadAt offset out of bounds")
	}
	n := copy(p, s.bytes[off:])
	if n != len(p) {
		return n, fmt.Errorf("kvm: slot ReadAt short read")
	}
	return n, nil
}

func (s *memorySlot) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > s.size {
		return 0, fmt.Errorf("kvm: slot WriteAt offset out of bounds")
	}
	n := copy(s.bytes[off:], p)
	if n != len(p) {
		return n, fmt.Errorf("kvm: slot WriteAt short write")
	}
	return n, nil
}

func (s *memorySlot) Size() uint64 { return s.size }

// VirtualMachine owns guest RAM, the GIC, and every vCPU created against
// the backing KVM VM fd. Grounded on the teacher's kvm.virtualMachine, with
// the chipset-builder/snapshot machinery dropped (out of scope) and the
// split-memory (PCI hole) GPA translation removed (arm64 here is always one
// contiguous RAM region above the fixed MMIO map).
type VirtualMachine struct {
	mu sync.Mutex

	fd int

	gic *gic

	memSize uint64
	memBase uint64
	slots   []*memorySlot
	nextSlotID uint32

	vcpus []*VirtualCPU

	devices []hv.MemoryMappedIODevice
	addrSpace *hv.AddressSpace
}

var _ hv.VirtualMachine = (*VirtualMachine)(nil)

// Config implements hv.VMConfig for a simple fixed-size, fixed-base,
// N-vCPU machine.
type Config struct {
	NumCPUs int
	MemSize uint64
	MemBase uint64
}

func (c Config) CPUCount() int      { return c.NumCPUs }
func (c Config) MemorySize() uint64 { return c.MemSize }
func (c Config) MemoryBase() uint64 { return c.MemBase }

// NewVirtualMachine creates the VM, the GICv3, and cfg.CPUCount() vCPUs, in
// the order the ordering invariant requires: GIC create -> vCPUs -> GIC
// finalize. Grounded on the teacher's hypervisor.NewVirtualMachine.
func (h *Hypervisor) NewVirtualMachine(cfg hv.VMConfig) (*VirtualMachine, error) {
	fd, err := createVM(h.fd)
	if err != nil {
		return nil, &vmerr.Host{Request: "KVM_CREATE_VM", Err: err}
	}

	vm := &VirtualMachine{
		fd:        fd,
		memSize:   cfg.MemorySize(),
		memBase:   cfg.MemoryBase(),
		addrSpace: hv.NewAddressSpace(cfg.MemoryBase(), cfg.MemorySize()),
		gic:       newGIC(fd),
	}

	if err := vm.addrSpace.RegisterFixed("gic-distributor", hv.GICDistributorBase, hv.GICDistributorSize); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := vm.addrSpace.RegisterFixed("gic-redistributor", hv.GICRedistributorBase, hv.GICRedistributorSize); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := vm.addrSpace.RegisterFixed("uart", hv.UARTBase, hv.UARTSize); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := vm.gic.create(); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create gic: %w", err)
	}
	slog.Info("kvm: gic created", "version", vm.gic.version)

	if cfg.MemorySize() > 0 {
		if _, err := vm.AllocateMemory(cfg.MemoryBase(), cfg.MemorySize()); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	mmapSize, err := getVCPUMmapSize(h.fd)
	if err != nil {
		unix.Close(fd)
		return nil, &vmerr.Host{Request: "KVM_GET_VCPU_MMAP_SIZE", Err: err}
	}

	for i := 0; i < cfg.CPUCount(); i++ {
		vcpu, err := vm.createVCPU(i, mmapSize)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if err := vm.gic.finalize(); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("finalize gic: %w", err)
	}
	slog.Info("kvm: gic finalized", "vcpus", len(vm.vcpus))

	return vm, nil
}

// AllocateMemory mmaps host-anonymous memory and registers it as a guest
// RAM slot. Grounded on the teacher's kvm.virtualMachine.AllocateMemory.
func (vm *VirtualMachine) AllocateMemory(gpa, size uint64) (hv.MemoryRegion, error) {
	if gpa%4096 != 0 {
		return nil, &vmerr.AlignmentError{What: "gpa", Value: gpa}
	}
	if size%4096 != 0 {
		return nil, &vmerr.AlignmentError{What: "size", Value: size}
	}
	if size == 0 {
		return nil, &vmerr.SizeError{What: "ram size", Value: 0}
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}

	vm.mu.Lock()
	slotID := vm.nextSlotID
	vm.mu.Unlock()

	region := &kvmUserspaceMemoryRegion{
		Slot:          slotID,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafePtrOf(data))),
	}
	if err := setUserMemoryRegion(vm.fd, region); err != nil {
		unix.Munmap(data)
		return nil, &vmerr.RegistrationError{What: fmt.Sprintf("ram slot %d", slotID), Err: err}
	}

	slot := &memorySlot{id: slotID, gpa: gpa, size: size, bytes: data}

	vm.mu.Lock()
	vm.slots = append(vm.slots, slot)
	vm.nextSlotID++
	vm.mu.Unlock()

	return slot, nil
}

// AllocateMMIO hands out a dynamically placed MMIO window above guest RAM.
func (vm *VirtualMachine) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	return vm.addrSpace.Allocate(req)
}

func (vm *VirtualMachine) findSlot(gpa uint64, length int) (*memorySlot, uint64, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, s := range vm.slots {
		if gpa >= s.gpa && gpa < s.gpa+s.size {
			end := gpa + uint64(length)
			if end > s.gpa+s.size {
				return nil, 0, &vmerr.UnmappedAddress{Address: gpa, Length: length}
			}
			return s, gpa - s.gpa, nil
		}
	}
	return nil, 0, &vmerr.UnmappedAddress{Address: gpa, Length: length}
}

// ReadAt reads guest RAM at an absolute GPA; it never truncates across a
// slot boundary, per §4.1.
func (vm *VirtualMachine) ReadAt(p []byte, gpa int64) (int, error) {
	slot, off, err := vm.findSlot(uint64(gpa), len(p))
	if err != nil {
		return 0, err
	}
	return slot.ReadAt(p, int64(off))
}

// WriteAt writes guest RAM at an absolute GPA.
func (vm *VirtualMachine) WriteAt(p []byte, gpa int64) (int, error) {
	slot, off, err := vm.findSlot(uint64(gpa), len(p))
	if err != nil {
		return 0, err
	}
	return slot.WriteAt(p, int64(off))
}

func (vm *VirtualMachine) MemorySize() uint64 { return vm.memSize }
func (vm *VirtualMachine) MemoryBase() uint64 { return vm.memBase }

func (vm *VirtualMachine) SetIRQ(irqLine uint32, level bool) error {
	return vm.gic.setIRQ(irqLine, level)
}

func (vm *VirtualMachine) Arm64GICInfo() hv.Arm64GICInfo {
	return vm.gic.info()
}

// AddDevice registers a device's MMIO regions in the address space and adds
// it to the linear-search dispatch table. Overlap is rejected per §4.4.
func (vm *VirtualMachine) AddDevice(dev hv.MemoryMappedIODevice) error {
	for _, region := range dev.MMIORegions() {
		if err := vm.addrSpace.RegisterFixed(dev.Name(), region.Address, region.Size); err != nil {
			return err
		}
	}
	if err := dev.Init(vm); err != nil {
		return fmt.Errorf("init device %s: %w", dev.Name(), err)
	}

	vm.mu.Lock()
	vm.devices = append(vm.devices, dev)
	sort.Slice(vm.devices, func(i, j int) bool {
		return vm.devices[i].MMIORegions()[0].Address < vm.devices[j].MMIORegions()[0].Address
	})
	vm.mu.Unlock()
	return nil
}

// dispatchMMIO finds the device owning addr and forwards the access.
// Unhandled addresses are logged and return zero-filled data, per §4.4.
func (vm *VirtualMachine) dispatchMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) {
	vm.mu.Lock()
	devices := vm.devices
	vm.mu.Unlock()

	for _, dev := range devices {
		for _, region := range dev.MMIORegions() {
			if addr >= region.Address && addr < region.Address+region.Size {
				offset := addr
				var err error
				if isWrite {
					err = dev.WriteMMIO(ctx, offset, data)
				} else {
					err = dev.ReadMMIO(ctx, offset, data)
				}
				if err != nil {
					slog.Warn("kvm: device mmio error", "device", dev.Name(), "addr", addr, "error", err)
				}
				return
			}
		}
	}

	slog.Warn("kvm: unhandled mmio access", "addr", fmt.Sprintf("0x%x", addr), "write", isWrite)
	if !isWrite {
		for i := range data {
			data[i] = 0
		}
	}
}

func (vm *VirtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vm.mu.Lock()
	if id < 0 || id >= len(vm.vcpus) {
		vm.mu.Unlock()
		return fmt.Errorf("kvm: no vCPU %d", id)
	}
	vcpu := vm.vcpus[id]
	vm.mu.Unlock()
	return f(vcpu)
}

func (vm *VirtualMachine) Close() error {
	var firstErr error
	for _, v := range vm.vcpus {
		if err := v.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range vm.slots {
		if err := unix.Munmap(s.bytes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(vm.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (vm *VirtualMachine) createVCPU(id int, mmapSize int) (*VirtualCPU, error) {
	fd, err := createVCPU(vm.fd, id)
	if err != nil {
		return nil, &vmerr.Host{Request: "KVM_CREATE_VCPU", Err: err}
	}

	runMem, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap vcpu run region: %w", err)
	}

	target, err := armPreferredTarget(vm.fd)
	if err != nil {
		unix.Close(fd)
		unix.Munmap(runMem)
		return nil, &vmerr.Host{Request: "KVM_ARM_PREFERRED_TARGET", Err: err}
	}
	target.Features[0] |= 1 << kvmArmVCPUPSCI02
	if err := armVCPUInit(fd, &target); err != nil {
		unix.Close(fd)
		unix.Munmap(runMem)
		return nil, &vmerr.Host{Request: "KVM_ARM_VCPU_INIT", Err: err}
	}

	if err := vm.gic.onVCPUCreated(); err != nil {
		unix.Close(fd)
		unix.Munmap(runMem)
		return nil, err
	}

	return &VirtualCPU{id: id, fd: fd, vm: vm, run: runMem}, nil
}
