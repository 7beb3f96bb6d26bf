//go:build linux

package kernel

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/sel4vm/internal/debug"
)

// KVM ioctl numbers, taken from <linux/kvm.h>. The capability-kernel
// contract this package exposes is deliberately narrower than the seL4
// syscall ABI it stands in for, so KVMKernel reinterprets KVM's
// exit-reason vocabulary (KVM_EXIT_MMIO/KVM_EXIT_IO/KVM_EXIT_HLT/...) as
// the FAULT-class VMEnter results a seL4 vm_vcpu would have produced,
// and KVM_EXIT_INTR as the NOTIF class.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetVCPUMMapSize     = 0xAE04
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmIRQLine             = 0x4008AE61
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
)

const (
	kvmExitUnknown = 0
	kvmExitIO      = 2
	kvmExitHLT     = 5
	kvmExitMMIO    = 6
	kvmExitIntr    = 10
	kvmExitShutdown = 8
	kvmExitFailEntry = 9
	kvmExitInternalError = 17
)

// kvmRunData mirrors struct kvm_run's common header; the mmap'd page
// carries architecture-specific exit payload past this point, which
// KVMKernel decodes by hand since Go has no union type.
type kvmRunData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

// vcpuState is the per-vCPU bookkeeping a KVMKernel needs to implement the
// blocking VMEnter semantics on top of KVM_RUN: the vCPU fd and its
// mmap'd run page, whose exit reason VMEnter classifies (KVM_EXIT_INTR as
// a notification, everything else as a fault or a fatal error).
type vcpuState struct {
	fd   int
	run  []byte
	data *kvmRunData
}

// KVMKernel is a Linux /dev/kvm-backed Kernel, created by OpenKVMKernel.
// No package in this module constructs one; internal/vm takes whatever
// Kernel it is given, and every package's unit tests use FakeKernel.
type KVMKernel struct {
	mu      sync.Mutex
	kvmFd   int
	vmFd    int
	mmapSz  int
	vcpus   map[VCPUHandle]*vcpuState
	nextID  VCPUHandle
}

// OpenKVMKernel opens /dev/kvm and creates one VM object. The caller owns
// the returned KVMKernel and must call Close when done.
func OpenKVMKernel() (*KVMKernel, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %v", ErrKernelInvocation, err)
	}
	vmFdU, err := ioctl(fd, kvmCreateVM, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: KVM_CREATE_VM: %v", ErrKernelInvocation, err)
	}
	szU, err := ioctl(fd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		unix.Close(int(vmFdU))
		unix.Close(fd)
		return nil, fmt.Errorf("%w: KVM_GET_VCPU_MMAP_SIZE: %v", ErrKernelInvocation, err)
	}
	return &KVMKernel{
		kvmFd:  fd,
		vmFd:   int(vmFdU),
		mmapSz: int(szU),
		vcpus:  make(map[VCPUHandle]*vcpuState),
	}, nil
}

// Close tears down the VM and every vCPU file descriptor.
func (k *KVMKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, v := range k.vcpus {
		unix.Close(v.fd)
	}
	unix.Close(k.vmFd)
	return unix.Close(k.kvmFd)
}

// SetUserMemoryRegion installs one guest-physical memory slot backed by a
// host virtual address, handing a whole RAM region to KVM in one
// invocation. It is not part of the Kernel interface; nothing in this
// module calls it, so the embedder that opened the KVMKernel does.
func (k *KVMKernel) SetUserMemoryRegion(slot uint32, guestPhysAddr, size, userAddr uint64) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    size,
		UserspaceAddr: userAddr,
	}
	_, err := ioctl(k.vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("%w: KVM_SET_USER_MEMORY_REGION: %v", ErrKernelInvocation, err)
	}
	return nil
}

func (k *KVMKernel) CreateVCPU(badge uint32) (VCPUHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	fdU, err := ioctl(k.vmFd, kvmCreateVCPU, uintptr(badge))
	if err != nil {
		return 0, fmt.Errorf("%w: KVM_CREATE_VCPU: %v", ErrKernelInvocation, err)
	}
	fd := int(fdU)

	data, err := unix.Mmap(fd, 0, k.mmapSz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("%w: mmap vcpu run page: %v", ErrKernelInvocation, err)
	}

	k.nextID++
	h := k.nextID
	k.vcpus[h] = &vcpuState{
		fd:   fd,
		run:  data,
		data: (*kvmRunData)(unsafe.Pointer(&data[0])),
	}
	debug.Writef("kernel.kvm", "created vcpu badge=%d handle=%d fd=%d", badge, h, fd)
	return h, nil
}

func (k *KVMKernel) vcpu(h VCPUHandle) (*vcpuState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.vcpus[h]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vcpu handle %d", ErrKernelInvocation, h)
	}
	return v, nil
}

// VMEnter runs the vCPU until KVM_RUN returns, then classifies the exit
// into the FAULT/NOTIF vocabulary the rest of the runtime understands.
// pc/ppc/entryInterruptInfo are accepted for interface symmetry with the
// seL4-shaped contract and ignored on this backend: KVM_RUN resumes from
// the vCPU's own register state.
func (k *KVMKernel) VMEnter(h VCPUHandle, pc, ppc, entryInterruptInfo uint64) (EntryResult, error) {
	v, err := k.vcpu(h)
	if err != nil {
		return EntryResult{}, err
	}

	for {
		_, err := ioctl(v.fd, kvmRun, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return EntryResult{}, fmt.Errorf("%w: KVM_RUN: %v", ErrKernelInvocation, err)
		}
		break
	}

	switch v.data.ExitReason {
	case kvmExitIntr:
		return EntryResult{Reason: ExitNotification, Notif: NotifMessage{Reason: kvmExitIntr}}, nil
	case kvmExitMMIO:
		addr := v.data.Data[0]
		return EntryResult{Reason: ExitFault, Fault: FaultMessage{Reason: kvmExitMMIO, GuestPhys: addr}}, nil
	case kvmExitIO:
		port := (v.data.Data[0] >> 16) & 0xFFFF
		return EntryResult{Reason: ExitFault, Fault: FaultMessage{Reason: kvmExitIO, GuestPhys: port}}, nil
	case kvmExitHLT:
		return EntryResult{Reason: ExitFault, Fault: FaultMessage{Reason: kvmExitHLT}}, nil
	case kvmExitShutdown, kvmExitFailEntry, kvmExitInternalError:
		return EntryResult{}, fmt.Errorf("%w: fatal KVM exit reason %d", ErrKernelInvocation, v.data.ExitReason)
	default:
		debug.Writef("kernel.kvm", "unrecognized exit reason %d on vcpu %d", v.data.ExitReason, h)
		return EntryResult{Reason: ExitFault, Fault: FaultMessage{Reason: v.data.ExitReason}}, nil
	}
}

// GetRegister/SetRegister only cover the general-purpose register file on
// this backend (KVM_GET_REGS/KVM_SET_REGS); banked/system registers
// (KVM_GET_SREGS and friends) are not reachable through KVMKernel.
func (k *KVMKernel) GetRegister(h VCPUHandle, reg Register) (uint64, error) {
	v, err := k.vcpu(h)
	if err != nil {
		return 0, err
	}
	var regs [18]uint64
	if _, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs[0]))); err != nil {
		return 0, fmt.Errorf("%w: KVM_GET_REGS: %v", ErrKernelInvocation, err)
	}
	idx := int(reg)
	if idx < 0 || idx >= len(regs) {
		return 0, fmt.Errorf("%w: register index %d out of range", ErrKernelInvocation, reg)
	}
	return regs[idx], nil
}

func (k *KVMKernel) SetRegister(h VCPUHandle, reg Register, value uint64) error {
	v, err := k.vcpu(h)
	if err != nil {
		return err
	}
	var regs [18]uint64
	if _, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs[0]))); err != nil {
		return fmt.Errorf("%w: KVM_GET_REGS: %v", ErrKernelInvocation, err)
	}
	idx := int(reg)
	if idx < 0 || idx >= len(regs) {
		return fmt.Errorf("%w: register index %d out of range", ErrKernelInvocation, reg)
	}
	regs[idx] = value
	if _, err := ioctl(v.fd, kvmSetRegs, uintptr(unsafe.Pointer(&regs[0]))); err != nil {
		return fmt.Errorf("%w: KVM_SET_REGS: %v", ErrKernelInvocation, err)
	}
	return nil
}

// MapFrame/UnmapFrame are no-ops on KVMKernel: the per-frame mappings
// internal/memory makes are not forwarded to KVM, and guest memory on
// this backend is only what SetUserMemoryRegion installs (unlike a seL4
// VM, which maps page by page through vspace reservations).
func (k *KVMKernel) MapFrame(guestPhysAddr uint64, f Frame) error {
	return nil
}

func (k *KVMKernel) UnmapFrame(guestPhysAddr uint64, sizeBits uint32) error {
	return nil
}

func (k *KVMKernel) InjectIRQ(h VCPUHandle, irq uint32, lr int) error {
	level := kvmIRQLevel{IRQ: irq, Level: 1}
	if _, err := ioctl(k.vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&level))); err != nil {
		return fmt.Errorf("%w: KVM_IRQ_LINE: %v", ErrKernelInvocation, err)
	}
	return nil
}

// Reply is a no-op on KVMKernel: KVM_RUN already blocks until the next
// exit, so there is no separate reply invocation to make.
func (k *KVMKernel) Reply(h VCPUHandle) error {
	return nil
}

var _ Kernel = (*KVMKernel)(nil)
