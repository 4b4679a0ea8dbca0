//go:build linux && arm64

// Package runloop drives a single vCPU cooperatively: it alternates between
// blocking inside vcpu.Run and in-memory bookkeeping, using a 100ms timer to
// interrupt an otherwise indefinite Run call so stdin can be polled for
// interactive input. Grounded on spec §5 and the teacher's
// internal/hv/kvm/kvm_arm64.go Run loop's immediate-exit/EINTR handling,
// reimplemented at the VMM-core level (this package never touches KVM
// directly; it only calls hv.VirtualCPU).
package runloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nicolasmesa/armvmm/internal/hv"
	"github.com/nicolasmesa/armvmm/internal/hv/kvm"
)

// pollInterval is a var rather than a const so tests can shrink it instead
// of waiting out a real 100ms tick.
var pollInterval = 100 * time.Millisecond

// InputSink receives bytes read from stdin during interactive polling,
// matching the UART's InjectInput method.
type InputSink interface {
	InjectInput(data []byte)
}

// terminalSink adapts a virtio console, whose InjectInput can fail, to the
// error-free InputSink the loop uses for the UART path.
type terminalSink struct {
	inject func([]byte) error
}

func (s terminalSink) InjectInput(data []byte) {
	if err := s.inject(data); err != nil {
		slog.Warn("runloop: input injection failed", "error", err)
	}
}

// ConsoleInjector adapts any InjectInput(data []byte) error method (the
// virtio console's shape) to InputSink.
func ConsoleInjector(inject func([]byte) error) InputSink {
	return terminalSink{inject: inject}
}

// Run enters the interactive run loop: it repeatedly calls vcpu.Run,
// polling stdin and forwarding bytes to sink whenever a run call returns
// (whether due to MMIO, the interrupting timer, or anything else), until
// the guest halts, shuts down, ctx is canceled, or vcpu.Run returns an
// unrecognized error.
func Run(ctx context.Context, vcpu hv.VirtualCPU, sink InputSink, stdin *os.File) error {
	term, err := enterRawMode(int(stdin.Fd()))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := term.restore(); rerr != nil {
			slog.Warn("runloop: failed to restore terminal", "error", rerr)
		}
	}()

	if err := unix.SetNonblock(int(stdin.Fd()), true); err != nil {
		return fmt.Errorf("runloop: set stdin nonblocking: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1)
	defer signal.Stop(sigCh)

	// tidCh carries the OS thread id of the goroutine that ends up running
	// the vCPU, once drive has locked itself to it; tickTimer needs that id
	// to target its tgkill and must wait for it rather than assume it knows
	// which thread Go scheduled drive onto.
	tidCh := make(chan int, 1)

	// ownCtx is canceled as soon as either goroutine returns, not just on
	// error: tickTimer has no other way to learn that drive stopped (e.g.
	// the guest halted), and without this it would tick forever and
	// g.Wait() would never return.
	ownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ownCtx)
	g.Go(func() error { defer cancel(); return tickTimer(gctx, vcpu, tidCh) })
	g.Go(func() error { defer cancel(); return drive(gctx, vcpu, sink, stdin, sigCh, tidCh) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// tickTimer delivers SIGUSR1 to the control thread every pollInterval,
// after flagging immediate_exit so KVM_RUN returns without resuming the
// guest. Per §5, the signal interrupts the blocking ioctl; immediate_exit
// ensures the kernel doesn't re-enter the guest before checking the flag.
func tickTimer(ctx context.Context, vcpu hv.VirtualCPU, tidCh <-chan int) error {
	var tid int
	select {
	case tid = <-tidCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			vcpu.SetImmediateExit(true)
			if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
				return fmt.Errorf("runloop: tgkill: %w", err)
			}
		}
	}
}

// drive is the control thread: it runs the vCPU, and on every return polls
// stdin non-blockingly and forwards any bytes to sink before clearing
// immediate_exit and re-entering Run.
func drive(ctx context.Context, vcpu hv.VirtualCPU, sink InputSink, stdin *os.File, sigCh <-chan os.Signal, tidCh chan<- int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tidCh <- unix.Gettid()

	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := vcpu.Run(ctx)
		drainSignals(sigCh)

		switch {
		case err == nil:
			// MMIO handled inline by the device dispatch; keep running.
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			if errors.Is(err, kvm.ErrHalted()) || errors.Is(err, kvm.ErrShutdownRequested()) {
				return nil
			}
			return err
		}

		n, rerr := stdin.Read(buf)
		if n > 0 {
			sink.InjectInput(buf[:n])
		}
		if rerr != nil && !errors.Is(rerr, unix.EAGAIN) && !errors.Is(rerr, unix.EWOULDBLOCK) {
			slog.Warn("runloop: stdin read failed", "error", rerr)
		}

		vcpu.SetImmediateExit(false)
	}
}

func drainSignals(sigCh <-chan os.Signal) {
	for {
		select {
		case <-sigCh:
		default:
			return
		}
	}
}
