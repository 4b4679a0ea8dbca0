//go:build linux && arm64

package kvm

import (
	"fmt"

	"github.com/nicolasmesa/armvmm/internal/hv"
	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

// gic drives the in-kernel GICv3 (falling back to GICv2) device through its
// three-phase lifecycle. Grounded on the teacher's
// internal/hv/kvm/kvm_arm64_vgic.go: create() before any vCPU exists,
// finalize() after all vCPUs exist, with BadOrdering enforced at both
// boundaries rather than left to the kernel's own (less specific) EINVAL.
type gic struct {
	vmFd int

	devFd    int
	version  hv.Arm64GICVersion
	created  bool
	finalized bool
	vcpuCount int

	distBase, distSize     uint64
	redistBase, redistSize uint64
}

func newGIC(vmFd int) *gic {
	return &gic{vmFd: vmFd}
}

// create brings up the in-kernel interrupt controller. Must be called
// before any vCPU is created.
func (g *gic) create() error {
	if g.vcpuCount > 0 {
		return &vmerr.BadOrdering{Op: "gic.create", Reason: "vCPUs already exist"}
	}

	fd, err := createDevice(g.vmFd, kvmDevTypeArmVgicV3)
	if err != nil {
		fd, err = createDevice(g.vmFd, kvmDevTypeArmVgicV2)
		if err != nil {
			return fmt.Errorf("gic: create device: %w", err)
		}
		g.version = hv.Arm64GICVersion2
		g.devFd = fd
		g.distBase = hv.GICDistributorBase
		g.distSize = hv.GICDistributorSize
		if err := setDeviceAttrU64(fd, kvmDevArmVgicGrpAddr, kvmVgicV2AddrTypeDist, g.distBase); err != nil {
			return fmt.Errorf("gic: set v2 dist addr: %w", err)
		}
		g.created = true
		return nil
	}

	g.version = hv.Arm64GICVersion3
	g.devFd = fd
	g.distBase = hv.GICDistributorBase
	g.distSize = hv.GICDistributorSize
	g.redistBase = hv.GICRedistributorBase
	g.redistSize = hv.GICRedistributorSize

	if err := setDeviceAttrU64(fd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeDist, g.distBase); err != nil {
		return fmt.Errorf("gic: set v3 dist addr: %w", err)
	}
	if err := setDeviceAttrU64(fd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeRedist, g.redistBase); err != nil {
		return fmt.Errorf("gic: set v3 redist addr: %w", err)
	}

	g.created = true
	return nil
}

// onVCPUCreated is invoked by the virtualMachine after each successful
// vCPU creation, so create()/finalize() can enforce the ordering invariant
// without the caller having to thread state through.
func (g *gic) onVCPUCreated() error {
	if g.finalized {
		return &vmerr.BadOrdering{Op: "create vCPU", Reason: "GIC already finalized"}
	}
	g.vcpuCount++
	return nil
}

// finalize issues the GIC's INIT control attribute. Must be called after
// all vCPUs exist and before the first run().
func (g *gic) finalize() error {
	if !g.created {
		return &vmerr.BadOrdering{Op: "gic.finalize", Reason: "gic.create was never called"}
	}
	if g.vcpuCount == 0 {
		return &vmerr.BadOrdering{Op: "gic.finalize", Reason: "no vCPU exists yet"}
	}
	if g.finalized {
		return nil
	}
	if err := setDeviceAttrNoData(g.devFd, kvmDevArmVgicGrpCtrl, kvmDevArmVgicCtrlInit); err != nil {
		return fmt.Errorf("gic: finalize: %w", err)
	}
	g.finalized = true
	return nil
}

func (g *gic) info() hv.Arm64GICInfo {
	return hv.Arm64GICInfo{
		Version:           g.version,
		DistributorBase:   g.distBase,
		DistributorSize:   g.distSize,
		RedistributorBase: g.redistBase,
		RedistributorSize: g.redistSize,
	}
}

// setIRQ encodes the line transition and injects it through KVM_IRQ_LINE.
// Bits 31-24 are the type tag (SPI when id >= 32, PPI when 16 <= id < 32);
// the low 16 bits are the interrupt id. Grounded on the teacher's
// internal/hv/kvm/kvm_irq_arm64.go encoding.
func (g *gic) setIRQ(id uint32, level bool) error {
	var irqType uint32
	switch {
	case id >= 32:
		irqType = armIRQTypeSPI
	case id >= 16:
		irqType = armIRQTypePPI
	default:
		irqType = armIRQTypeCPU
	}
	encoded := (irqType << armIRQTypeShift) | (id & 0xffff)
	return irqLine(g.vmFd, encoded, level)
}
