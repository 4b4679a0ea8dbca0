// Package boot parses the ARM64 Linux Image header and places the kernel,
// initrd, and device tree in guest memory, seeding the boot vCPU's
// registers per the arm64 kernel boot protocol. Grounded on the teacher's
// internal/linux/boot/arm64/image.go header parser, trimmed to raw
// (uncompressed) images — nothing in this spec's scope produces a
// self-decompressing stub — and on internal/linux/boot/loader.go's
// loadARM64 for the placement algorithm, rewritten around this project's
// hv.VirtualMachine/hv.VirtualCPU rather than the teacher's loader
// template/callback machinery.
package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/nicolasmesa/armvmm/internal/hv"
	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

const (
	headerSize = 64
	imageMagic = 0x644d5241 // "ARM\x64"

	defaultTextOffset = 0x80000
	initrdGuestOffset = 128 * 1024 * 1024

	vbarOffset     = 0x10800
	stackSlack     = 64 * 1024
	pageSize       = 4096

	// PSTATE bits for EL1h with every asynchronous exception masked:
	// mode=EL1h(5), D|A|I|F set.
	pstateEL1hMasked = 0x3c5
)

// Header is the 64-byte ARM64 Image header, little-endian, per §4.10.
type Header struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Magic      uint32
}

// ParseHeader reads and validates the image header at the start of image.
func ParseHeader(image []byte) (Header, error) {
	if len(image) < headerSize {
		return Header{}, &vmerr.TruncatedHeader{Got: len(image), Want: headerSize}
	}
	h := Header{
		Code0:      binary.LittleEndian.Uint32(image[0:4]),
		Code1:      binary.LittleEndian.Uint32(image[4:8]),
		TextOffset: binary.LittleEndian.Uint64(image[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(image[16:24]),
		Flags:      binary.LittleEndian.Uint64(image[24:32]),
		Magic:      binary.LittleEndian.Uint32(image[56:60]),
	}
	if h.Magic != imageMagic {
		return Header{}, &vmerr.BadMagic{Got: h.Magic}
	}
	return h, nil
}

// PageSize decodes the page-size hint from Flags bits [2:1].
func (h Header) PageSize() int {
	switch (h.Flags >> 1) & 0x3 {
	case 1:
		return 4 * 1024
	case 2:
		return 16 * 1024
	case 3:
		return 64 * 1024
	default:
		return 0
	}
}

// effectiveTextOffset resolves TextOffset==0 per §4.10: flags bit 3 (text
// offset valid but zero, meaning "use 0") takes precedence over the
// historical 0x80000 default.
func (h Header) effectiveTextOffset() uint64 {
	if h.TextOffset != 0 {
		return h.TextOffset
	}
	if h.Flags&(1<<3) != 0 {
		return 0
	}
	return defaultTextOffset
}

func (h Header) effectiveImageSize(fileLen int) uint64 {
	if h.ImageSize != 0 {
		return h.ImageSize
	}
	return uint64(fileLen)
}

// Placement is the two-pass result of Plan: the guest addresses every blob
// will occupy, computed before anything is written so the DTB generator and
// the actual memory writes agree, per §4.10's "same initrd start/end
// addresses" requirement.
type Placement struct {
	KernelAddr uint64
	KernelEnd  uint64

	HasInitrd   bool
	InitrdAddr  uint64
	InitrdEnd   uint64

	DTBAddr uint64
}

// Plan computes where the kernel, optional initrd, and DTB will land in
// guest memory, without touching guest memory itself.
func Plan(ramBase uint64, kernel []byte, initrd []byte) (Placement, Header, error) {
	hdr, err := ParseHeader(kernel)
	if err != nil {
		return Placement{}, Header{}, err
	}

	kernelAddr := ramBase + hdr.effectiveTextOffset()
	kernelSize := hdr.effectiveImageSize(len(kernel))
	kernelEnd := kernelAddr + kernelSize

	p := Placement{KernelAddr: kernelAddr, KernelEnd: kernelEnd}

	if len(initrd) > 0 {
		p.HasInitrd = true
		p.InitrdAddr = alignUp(ramBase+initrdGuestOffset, pageSize)
		p.InitrdEnd = p.InitrdAddr + uint64(len(initrd))
		p.DTBAddr = alignUp(p.InitrdEnd, pageSize)
	} else {
		p.DTBAddr = alignUp(kernelEnd, pageSize)
	}

	return p, hdr, nil
}

// Write copies kernel, initrd, and dtb into guest memory at the addresses
// Plan computed, then seeds the boot vCPU's registers per §4.10.
func Write(vm hv.VirtualMachine, vcpu hv.VirtualCPU, p Placement, kernel, initrd, dtb []byte) error {
	if _, err := vm.WriteAt(kernel, int64(p.KernelAddr)); err != nil {
		return fmt.Errorf("boot: write kernel: %w", err)
	}
	if p.HasInitrd {
		if _, err := vm.WriteAt(initrd, int64(p.InitrdAddr)); err != nil {
			return fmt.Errorf("boot: write initrd: %w", err)
		}
	}
	if _, err := vm.WriteAt(dtb, int64(p.DTBAddr)); err != nil {
		return fmt.Errorf("boot: write dtb: %w", err)
	}

	sp := alignUp(p.DTBAddr+uint64(len(dtb)), pageSize) + stackSlack

	regs := map[hv.Register]uint64{
		hv.RegisterX0:      p.DTBAddr,
		hv.RegisterX1:      0,
		hv.RegisterX2:      0,
		hv.RegisterX3:      0,
		hv.RegisterPC:      p.KernelAddr,
		hv.RegisterPstate:  pstateEL1hMasked,
		hv.RegisterVBAREL1: p.KernelAddr + vbarOffset,
		hv.RegisterSP:      sp,
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("boot: set registers: %w", err)
	}
	return nil
}

func alignUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}
