// Command armvmm boots a single ARM64 Linux kernel under KVM. Grounded on
// the teacher's cmd/cc/main.go flag-parsing/wiring shape, trimmed to the
// single-purpose "load a config, boot a VM" flow this spec describes.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"github.com/nicolasmesa/armvmm/internal/boot"
	"github.com/nicolasmesa/armvmm/internal/config"
	"github.com/nicolasmesa/armvmm/internal/devices/serial"
	"github.com/nicolasmesa/armvmm/internal/devices/virtio"
	"github.com/nicolasmesa/armvmm/internal/dtb"
	"github.com/nicolasmesa/armvmm/internal/hv"
	"github.com/nicolasmesa/armvmm/internal/hv/kvm"
	"github.com/nicolasmesa/armvmm/internal/runloop"
)

func main() {
	configPath := flag.String("config", "", "Path to a VM config YAML file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		colorstring.Fprint(os.Stderr, "[bold]armvmm[reset] -config <path.yaml>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *configPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath); err != nil {
		slog.Error("armvmm: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hvHandle, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open control device: %w", err)
	}
	defer hvHandle.Close()

	vm, err := hvHandle.NewVirtualMachine(cfg)
	if err != nil {
		return fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()

	var sink runloop.InputSink
	switch cfg.Console {
	case "pl011":
		uart := serial.New(hv.UARTBase, hv.UARTSize, hv.UARTIRQ, os.Stdout, vm)
		if err := vm.AddDevice(uart); err != nil {
			return fmt.Errorf("add uart: %w", err)
		}
		sink = uartSink{uart}
	case "virtio":
		alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{Name: "virtio-console", Size: hv.VirtioDeviceSize})
		if err != nil {
			return fmt.Errorf("allocate virtio console window: %w", err)
		}
		console := virtio.NewConsole(os.Stdout)
		mmio := virtio.NewMMIODevice(alloc.Base, alloc.Size, hv.VirtioIRQ(0), vm, vm, console)
		console.AttachTransport(mmio)
		if err := vm.AddDevice(mmio); err != nil {
			return fmt.Errorf("add virtio console: %w", err)
		}
		sink = runloop.ConsoleInjector(console.InjectInput)
	default:
		return fmt.Errorf("unknown console type %q", cfg.Console)
	}

	kernel, err := loadFileWithProgress(cfg.KernelPath, "kernel")
	if err != nil {
		return err
	}
	var initrd []byte
	if cfg.InitrdPath != "" {
		initrd, err = loadFileWithProgress(cfg.InitrdPath, "initrd")
		if err != nil {
			return err
		}
	}

	placement, _, err := boot.Plan(hv.RAMBase, kernel, initrd)
	if err != nil {
		return fmt.Errorf("plan boot layout: %w", err)
	}

	tree, err := dtb.Build(dtb.Config{
		RAMBase:    hv.RAMBase,
		RAMSize:    cfg.MemorySize(),
		UARTBase:   hv.UARTBase,
		UARTSize:   hv.UARTSize,
		UARTIRQ:    hv.UARTIRQ,
		GIC:        vm.Arm64GICInfo(),
		CPUCount:   cfg.CPUCount(),
		Bootargs:   cfg.Bootargs,
		HasInitrd:  placement.HasInitrd,
		InitrdAddr: placement.InitrdAddr,
		InitrdEnd:  placement.InitrdEnd,
	})
	if err != nil {
		return fmt.Errorf("build device tree: %w", err)
	}

	var bootErr error
	err = vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := boot.Write(vm, vcpu, placement, kernel, initrd, tree); err != nil {
			bootErr = err
			return err
		}
		return runloop.Run(ctx, vcpu, sink, os.Stdin)
	})
	if bootErr != nil {
		return bootErr
	}
	return err
}

// uartSink adapts serial.Device's error-free InjectInput to runloop.InputSink
// directly, since the pl011 path never fails to accept input.
type uartSink struct{ uart *serial.Device }

func (s uartSink) InjectInput(data []byte) { s.uart.InjectInput(data) }

func loadFileWithProgress(path, label string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", label, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", label, err)
	}

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %s", label))
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil {
		return nil, fmt.Errorf("read %s: %w", label, err)
	}
	return buf.Bytes(), nil
}
