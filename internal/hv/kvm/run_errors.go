//go:build linux && arm64

package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errHalted and errShutdownRequested are returned by VirtualCPU.Run to let
// the run loop distinguish an orderly stop (HLT, SYSTEM_EVENT) from a real
// failure without inventing a second return channel; the run loop treats
// both as "stop, not fatal" per §4.9's exit dispatch table.
var (
	errHalted            = errors.New("kvm: vcpu halted")
	errShutdownRequested = errors.New("kvm: guest requested shutdown")
)

// ErrHalted reports that the vCPU executed HLT.
func ErrHalted() error { return errHalted }

// ErrShutdownRequested reports a SYSTEM_EVENT exit (shutdown or reset).
func ErrShutdownRequested() error { return errShutdownRequested }

func unmapRunRegion(region []byte) error {
	if region == nil {
		return nil
	}
	return unix.Munmap(region)
}

func closeFd(fd int) error {
	return unix.Close(fd)
}
