package boot

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

func buildHeader(textOffset, imageSize, flags uint64) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[8:16], textOffset)
	binary.LittleEndian.PutUint64(buf[16:24], imageSize)
	binary.LittleEndian.PutUint64(buf[24:32], flags)
	binary.LittleEndian.PutUint32(buf[56:60], imageMagic)
	return buf
}

func TestParseHeaderRejectsTruncated(t *testing.T) {
	_, err := ParseHeader(make([]byte, 10))
	var trunc *vmerr.TruncatedHeader
	if !errors.As(err, &trunc) {
		t.Fatalf("expected *vmerr.TruncatedHeader, got %T: %v", err, err)
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	buf := buildHeader(0x80000, 0x1000, 0)
	binary.LittleEndian.PutUint32(buf[56:60], 0xdeadbeef)
	_, err := ParseHeader(buf)
	var bad *vmerr.BadMagic
	if !errors.As(err, &bad) {
		t.Fatalf("expected *vmerr.BadMagic, got %T: %v", err, err)
	}
}

func TestEffectiveTextOffsetDefaultsWhenZero(t *testing.T) {
	h, err := ParseHeader(buildHeader(0, 0x1000, 0))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got := h.effectiveTextOffset(); got != defaultTextOffset {
		t.Fatalf("expected default text offset %#x, got %#x", defaultTextOffset, got)
	}
}

func TestEffectiveTextOffsetZeroWhenFlagBitSet(t *testing.T) {
	h, err := ParseHeader(buildHeader(0, 0x1000, 1<<3))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got := h.effectiveTextOffset(); got != 0 {
		t.Fatalf("expected text offset 0, got %#x", got)
	}
}

func TestPlanWithoutInitrdPlacesDTBAfterKernel(t *testing.T) {
	kernel := buildHeader(0x80000, 0x2000, 0)
	kernel = append(kernel, make([]byte, 0x2000-len(kernel))...)

	p, _, err := Plan(0x4000_0000, kernel, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	wantKernelAddr := uint64(0x4000_0000 + 0x80000)
	if p.KernelAddr != wantKernelAddr {
		t.Fatalf("expected kernel addr %#x, got %#x", wantKernelAddr, p.KernelAddr)
	}
	if p.HasInitrd {
		t.Fatal("expected HasInitrd=false")
	}
	if p.DTBAddr != alignUp(p.KernelEnd, pageSize) {
		t.Fatalf("expected dtb addr right after kernel, got %#x", p.DTBAddr)
	}
}

func TestPlanWithInitrdPlacesItAt128MiBOffset(t *testing.T) {
	kernel := buildHeader(0x80000, 0x2000, 0)
	kernel = append(kernel, make([]byte, 0x2000-len(kernel))...)
	initrd := make([]byte, 123)

	p, _, err := Plan(0x4000_0000, kernel, initrd)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	wantInitrdAddr := alignUp(0x4000_0000+initrdGuestOffset, pageSize)
	if p.InitrdAddr != wantInitrdAddr {
		t.Fatalf("expected initrd addr %#x, got %#x", wantInitrdAddr, p.InitrdAddr)
	}
	if !p.HasInitrd {
		t.Fatal("expected HasInitrd=true")
	}
	if p.DTBAddr != alignUp(p.InitrdEnd, pageSize) {
		t.Fatalf("expected dtb addr right after initrd, got %#x", p.DTBAddr)
	}
}
