//go:build linux && arm64

package runloop

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nicolasmesa/armvmm/internal/hv"
	"github.com/nicolasmesa/armvmm/internal/hv/kvm"
)

// fakeVCPU simulates a blocking KVM_RUN call interrupted by the
// interactive timer: Run blocks until SetImmediateExit(true) wakes it (the
// Go-level analogue of an EINTR'd ioctl) and returns nil, exactly the
// outcome kvm.VirtualCPU.Run now produces on a spurious EINTR. After
// haltAfter such wakes it reports the guest halted instead.
type fakeVCPU struct {
	mu    sync.Mutex
	woken chan struct{}

	calls     int
	haltAfter int
}

func newFakeVCPU(haltAfter int) *fakeVCPU {
	return &fakeVCPU{woken: make(chan struct{}, 1), haltAfter: haltAfter}
}

func (f *fakeVCPU) ID() int { return 0 }

func (f *fakeVCPU) SetRegisters(map[hv.Register]uint64) error { return nil }
func (f *fakeVCPU) GetRegisters(map[hv.Register]uint64) error { return nil }

func (f *fakeVCPU) SetImmediateExit(value bool) {
	if !value {
		return
	}
	select {
	case f.woken <- struct{}{}:
	default:
	}
}

func (f *fakeVCPU) Run(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n > f.haltAfter {
		return kvm.ErrHalted()
	}

	select {
	case <-f.woken:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeVCPU) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ hv.VirtualCPU = (*fakeVCPU)(nil)

type recordingSink struct {
	mu       sync.Mutex
	received [][]byte
}

func (s *recordingSink) InjectInput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.received = append(s.received, cp)
}

func (s *recordingSink) any() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received) > 0
}

// TestDrivePollsStdinAfterEveryInterruptedRun exercises the bug fixed in
// kvm.VirtualCPU.Run: when Run returns nil after the interactive timer
// interrupts it (rather than retrying KVM_RUN internally and never
// returning), drive must reach its stdin poll on every tick instead of
// hanging after the first one.
func TestDrivePollsStdinAfterEveryInterruptedRun(t *testing.T) {
	orig := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = orig }()

	vcpu := newFakeVCPU(3)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatalf("set nonblocking: %v", err)
	}
	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatalf("write stdin fixture: %v", err)
	}

	sink := &recordingSink{}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1)
	defer signal.Stop(sigCh)

	tidCh := make(chan int, 1)

	ctx, timeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer timeout()
	ownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ownCtx)
	g.Go(func() error { defer cancel(); return tickTimer(gctx, vcpu, tidCh) })
	g.Go(func() error { defer cancel(); return drive(gctx, vcpu, sink, r, sigCh, tidCh) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error from run loop: %v", err)
	}

	if got := vcpu.callCount(); got < 3 {
		t.Errorf("expected at least 3 Run calls (one per interrupted tick before halt), got %d", got)
	}
	if !sink.any() {
		t.Errorf("expected stdin bytes to be forwarded to the sink after an interrupted run, got none")
	}
}
