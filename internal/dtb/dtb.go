// Package dtb builds the flattened device tree this VMM hands the guest
// kernel, declaratively assembling fdt.Node values and serializing them with
// fdt.Build. Grounded on spec §4.11; the fdt package itself (node shape and
// v17 byte-stream encoder) is adopted from the teacher's internal/fdt
// verbatim, since it is architecture-neutral serialization infrastructure
// with no ARM64 or KVM-specific content of its own.
package dtb

import (
	"fmt"

	"github.com/nicolasmesa/armvmm/internal/fdt"
	"github.com/nicolasmesa/armvmm/internal/hv"
)

// Config carries every value the tree's content depends on: the addresses
// chosen by the memory manager and boot loader, the bootargs string, and
// the number of CPUs to describe.
type Config struct {
	RAMBase uint64
	RAMSize uint64

	UARTBase uint64
	UARTSize uint64
	UARTIRQ  uint32

	GIC hv.Arm64GICInfo

	CPUCount int
	Bootargs string

	HasInitrd  bool
	InitrdAddr uint64
	InitrdEnd  uint64
}

// Timer PPI numbers and dt_number/flags encoding, per §4.11: each triple is
// {type=1 (PPI), dt_number = ppi-16, flags=4 (level)}, in the fixed order
// secure-phys, non-secure-phys, virtual, hypervisor.
var timerPPIs = []uint32{29, 30, 27, 26}

// Build assembles the full tree described in §4.11 and serializes it.
func Build(cfg Config) ([]byte, error) {
	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"compatible":     {Strings: []string{"linux,dummy-virt"}},
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []fdt.Node{
			aliasesNode(cfg),
			chosenNode(cfg),
			memoryNode(cfg),
			cpusNode(cfg),
			psciNode(),
			gicNode(cfg),
			timerNode(),
			clockNode(),
			socNode(cfg),
		},
	}

	data, err := fdt.Build(root)
	if err != nil {
		return nil, fmt.Errorf("dtb: build: %w", err)
	}
	return data, nil
}

func aliasesNode(cfg Config) fdt.Node {
	return fdt.Node{
		Name: "aliases",
		Properties: map[string]fdt.Property{
			"serial0": {Strings: []string{fmt.Sprintf("/soc/pl011@%x", cfg.UARTBase)}},
		},
	}
}

func chosenNode(cfg Config) fdt.Node {
	props := map[string]fdt.Property{
		"bootargs":    {Strings: []string{cfg.Bootargs}},
		"stdout-path": {Strings: []string{"serial0"}},
	}
	if cfg.HasInitrd {
		props["linux,initrd-start"] = fdt.Property{U32: hiLo(cfg.InitrdAddr)}
		props["linux,initrd-end"] = fdt.Property{U32: hiLo(cfg.InitrdEnd)}
	}
	return fdt.Node{Name: "chosen", Properties: props}
}

func memoryNode(cfg Config) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("memory@%x", cfg.RAMBase),
		Properties: map[string]fdt.Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U32: append(hiLo(cfg.RAMBase), hiLo(cfg.RAMSize)...)},
		},
	}
}

func cpusNode(cfg Config) fdt.Node {
	n := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{0}},
		},
	}
	for i := 0; i < cfg.CPUCount; i++ {
		n.Children = append(n.Children, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]fdt.Property{
				"device_type":    {Strings: []string{"cpu"}},
				"compatible":     {Strings: []string{"arm,cortex-a57"}},
				"reg":            {U32: []uint32{uint32(i)}},
				"enable-method":  {Strings: []string{"psci"}},
			},
		})
	}
	return n
}

func psciNode() fdt.Node {
	return fdt.Node{
		Name: "psci",
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"arm,psci-1.0", "arm,psci-0.2"}},
			"method":     {Strings: []string{"hvc"}},
		},
	}
}

func gicNode(cfg Config) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("interrupt-controller@%x", cfg.GIC.DistributorBase),
		Properties: map[string]fdt.Property{
			"compatible":          {Strings: []string{"arm,gic-v3"}},
			"#interrupt-cells":    {U32: []uint32{3}},
			"interrupt-controller": {Flag: true},
			"reg": {U64: []uint64{
				cfg.GIC.DistributorBase, cfg.GIC.DistributorSize,
				cfg.GIC.RedistributorBase, cfg.GIC.RedistributorSize,
			}},
			"phandle": {U32: []uint32{1}},
		},
	}
}

func timerNode() fdt.Node {
	var interrupts []uint32
	for _, ppi := range timerPPIs {
		interrupts = append(interrupts, 1, ppi-16, 4)
	}
	return fdt.Node{
		Name: "timer",
		Properties: map[string]fdt.Property{
			"compatible":      {Strings: []string{"arm,armv8-timer"}},
			"interrupt-parent": {U32: []uint32{1}},
			"always-on":       {Flag: true},
			"interrupts":      {U32: interrupts},
		},
	}
}

func clockNode() fdt.Node {
	return fdt.Node{
		Name: "apb-pclk",
		Properties: map[string]fdt.Property{
			"compatible":        {Strings: []string{"fixed-clock"}},
			"#clock-cells":      {U32: []uint32{0}},
			"clock-frequency":   {U32: []uint32{24000000}},
			"phandle":           {U32: []uint32{2}},
		},
	}
}

func socNode(cfg Config) fdt.Node {
	return fdt.Node{
		Name: "soc",
		Properties: map[string]fdt.Property{
			"compatible":     {Strings: []string{"simple-bus"}},
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"ranges":         {Flag: true},
		},
		Children: []fdt.Node{pl011Node(cfg)},
	}
}

func pl011Node(cfg Config) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("pl011@%x", cfg.UARTBase),
		Properties: map[string]fdt.Property{
			"compatible":              {Strings: []string{"arm,pl011", "arm,primecell"}},
			"status":                  {Strings: []string{"okay"}},
			"arm,primecell-periphid":  {U32: []uint32{0x00241011}},
			"reg":                     {U64: []uint64{cfg.UARTBase, cfg.UARTSize}},
			"interrupt-parent":        {U32: []uint32{1}},
			"interrupts":              {U32: []uint32{0, cfg.UARTIRQ - 32, 4}},
			"clock-names":             {Strings: []string{"uartclk", "apb_pclk"}},
			"clocks":                  {U32: []uint32{2, 2}},
		},
	}
}

// hiLo splits a 64-bit guest address/size into a (high, low) 32-bit pair,
// the encoding every #address-cells=2/#size-cells=2 "reg"-like property
// uses in this tree.
func hiLo(v uint64) []uint32 {
	return []uint32{uint32(v >> 32), uint32(v)}
}
