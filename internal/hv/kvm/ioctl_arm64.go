//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctlRetry re-issues the syscall on EINTR. Every control-plane ioctl in
// this file uses it: none of them are meant to be interrupted by the
// interactive timer's signal, so an EINTR here is noise to swallow, not a
// condition any caller needs to observe.
//
// KVM_RUN is the one exception — vcpuRun below calls ioctlOnce instead, since
// for KVM_RUN an EINTR is the interactive timer doing its job and Run must
// see it to return promptly, matching the teacher's kvm_arm64.go Run loop,
// which also calls the raw ioctl (not ioctlWithRetry) for KVM_RUN
// specifically.
func ioctlRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return v, nil
	}
}

// ioctlOnce issues the ioctl exactly once, surfacing EINTR to the caller
// instead of retrying.
func ioctlOnce(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v, nil
}

func openControlDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	return fd, nil
}

func getAPIVersion(fd int) (int, error) {
	v, err := ioctlRetry(uintptr(fd), kvmGetAPIVersion, 0)
	return int(v), err
}

func createVM(fd int) (int, error) {
	v, err := ioctlRetry(uintptr(fd), kvmCreateVM, 0)
	return int(v), err
}

func getVCPUMmapSize(fd int) (int, error) {
	v, err := ioctlRetry(uintptr(fd), kvmGetVCPUMmapSize, 0)
	return int(v), err
}

func createVCPU(vmFd, id int) (int, error) {
	v, err := ioctlRetry(uintptr(vmFd), kvmCreateVCPU, uintptr(id))
	return int(v), err
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlRetry(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func irqLine(vmFd int, irq uint32, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}
	arg := kvmIRQLevel{IRQ: irq, Level: l}
	_, err := ioctlRetry(uintptr(vmFd), kvmIRQLine, uintptr(unsafe.Pointer(&arg)))
	return err
}

func getOneReg(vcpuFd int, id uint64) (uint64, error) {
	var value uint64
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	_, err := ioctlRetry(uintptr(vcpuFd), kvmGetOneReg, uintptr(unsafe.Pointer(&reg)))
	return value, err
}

func setOneReg(vcpuFd int, id uint64, value uint64) error {
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	_, err := ioctlRetry(uintptr(vcpuFd), kvmSetOneReg, uintptr(unsafe.Pointer(&reg)))
	return err
}

func armPreferredTarget(vmFd int) (kvmVCPUInit, error) {
	var init kvmVCPUInit
	_, err := ioctlRetry(uintptr(vmFd), kvmArmPreferredTarget, uintptr(unsafe.Pointer(&init)))
	return init, err
}

func armVCPUInit(vcpuFd int, init *kvmVCPUInit) error {
	_, err := ioctlRetry(uintptr(vcpuFd), kvmArmVcpuInitIoctl, uintptr(unsafe.Pointer(init)))
	return err
}

func createDevice(vmFd int, devType uint32) (int, error) {
	args := kvmCreateDeviceArgs{Type: devType}
	_, err := ioctlRetry(uintptr(vmFd), kvmCreateDevice, uintptr(unsafe.Pointer(&args)))
	return int(args.Fd), err
}

func setDeviceAttrU64(devFd int, group uint32, attr uint64, value uint64) error {
	a := kvmDeviceAttr{Group: group, Attr: attr, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	_, err := ioctlRetry(uintptr(devFd), kvmSetDeviceAttr, uintptr(unsafe.Pointer(&a)))
	return err
}

func setDeviceAttrNoData(devFd int, group uint32, attr uint64) error {
	a := kvmDeviceAttr{Group: group, Attr: attr}
	_, err := ioctlRetry(uintptr(devFd), kvmSetDeviceAttr, uintptr(unsafe.Pointer(&a)))
	return err
}

func vcpuRun(vcpuFd int) error {
	_, err := ioctlOnce(uintptr(vcpuFd), kvmRun, 0)
	return err
}
