// Package config loads the YAML-described VMConfig this VMM boots from.
// Grounded on SPEC_FULL.md §4.12; the teacher repo has no comparable
// top-level config file (its CLI takes flags directly), so this package is
// built fresh in the teacher's general error-wrapping and validation idiom,
// using gopkg.in/yaml.v3 the way the rest of the pack's config-bearing
// repos do.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nicolasmesa/armvmm/internal/hv"
	"github.com/nicolasmesa/armvmm/internal/vmerr"
)

const (
	defaultMemorySize = 1 << 30 // 1 GiB
	defaultVCPUCount  = 1
	defaultConsole    = "virtio"

	maxVCPUCount = 8
	minMemory    = 16 << 20 // 16 MiB: below this a kernel can't plausibly boot
)

// VMConfig is the on-disk shape of a VM definition. It implements
// hv.VMConfig directly so the hypervisor layer can consume it without an
// adapter.
type VMConfig struct {
	MemSize    uint64 `yaml:"memory_size"`
	VCPUCount  int    `yaml:"vcpu_count"`
	KernelPath string `yaml:"kernel_path"`
	InitrdPath string `yaml:"initrd_path"`
	DTBPath    string `yaml:"dtb_path"`
	Bootargs   string `yaml:"bootargs"`
	Console    string `yaml:"console"`
}

// Load reads and validates a VMConfig from path, applying defaults for any
// zero-valued field that has one.
func Load(path string) (*VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg VMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *VMConfig) applyDefaults() {
	if c.MemSize == 0 {
		c.MemSize = defaultMemorySize
	}
	if c.VCPUCount == 0 {
		c.VCPUCount = defaultVCPUCount
	}
	if c.Console == "" {
		c.Console = defaultConsole
	}
}

// Validate checks every boundary constraint the memory manager and vCPU
// lifecycle will otherwise fail on deep inside setup, surfacing them here
// instead as a single vmerr.ConfigError naming the offending field.
func (c *VMConfig) Validate() error {
	if c.MemSize < minMemory {
		return &vmerr.ConfigError{Field: "memory_size", Reason: fmt.Sprintf("must be at least %d bytes", minMemory)}
	}
	if c.MemSize%4096 != 0 {
		return &vmerr.ConfigError{Field: "memory_size", Reason: "must be a multiple of the 4 KiB page size"}
	}
	if c.VCPUCount < 1 || c.VCPUCount > maxVCPUCount {
		return &vmerr.ConfigError{Field: "vcpu_count", Reason: fmt.Sprintf("must be between 1 and %d", maxVCPUCount)}
	}
	if c.KernelPath == "" {
		return &vmerr.ConfigError{Field: "kernel_path", Reason: "required"}
	}
	switch c.Console {
	case "virtio", "pl011":
	default:
		return &vmerr.ConfigError{Field: "console", Reason: fmt.Sprintf("unknown console type %q", c.Console)}
	}
	return nil
}

func (c *VMConfig) CPUCount() int      { return c.VCPUCount }
func (c *VMConfig) MemorySize() uint64 { return c.MemSize }
func (c *VMConfig) MemoryBase() uint64 { return hv.RAMBase }
