package kernel

import (
	"fmt"
	"sync"
)

// FakeKernel is an in-memory Kernel used by every package's unit tests so
// they never need root privileges or a real hypervisor backing. It models
// register state and pending entry results per vCPU and lets tests drive
// exits directly via QueueFault/QueueNotif.
type FakeKernel struct {
	mu        sync.Mutex
	nextVCPU  VCPUHandle
	regs      map[VCPUHandle]map[Register]uint64
	mappings  map[uint64]Frame
	pending   map[VCPUHandle][]EntryResult
	injected  []injectedIRQ
	replies   int
}

type injectedIRQ struct {
	h   VCPUHandle
	irq uint32
	lr  int
}

// NewFakeKernel creates an empty FakeKernel.
func NewFakeKernel() *FakeKernel {
	return &FakeKernel{
		regs:     make(map[VCPUHandle]map[Register]uint64),
		mappings: make(map[uint64]Frame),
		pending:  make(map[VCPUHandle][]EntryResult),
	}
}

func (k *FakeKernel) CreateVCPU(badge uint32) (VCPUHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextVCPU++
	h := k.nextVCPU
	k.regs[h] = make(map[Register]uint64)
	return h, nil
}

// QueueFault appends a FAULT result carrying f to h's queue. VMEnter on h
// returns queued results in order and fails once the queue is empty.
func (k *FakeKernel) QueueFault(h VCPUHandle, f FaultMessage) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pending[h] = append(k.pending[h], EntryResult{Reason: ExitFault, Fault: f})
}

// QueueNotif arranges for the next VMEnter on h to return a notification.
func (k *FakeKernel) QueueNotif(h VCPUHandle, badge uint32, n NotifMessage) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pending[h] = append(k.pending[h], EntryResult{Reason: ExitNotification, Badge: badge, Notif: n})
}

func (k *FakeKernel) VMEnter(h VCPUHandle, pc, ppc, entryInterruptInfo uint64) (EntryResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	q := k.pending[h]
	if len(q) == 0 {
		return EntryResult{}, fmt.Errorf("fakekernel: no queued exit for vcpu %d", h)
	}
	res := q[0]
	k.pending[h] = q[1:]
	return res, nil
}

func (k *FakeKernel) GetRegister(h VCPUHandle, reg Register) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.regs[h]
	if !ok {
		return 0, fmt.Errorf("fakekernel: unknown vcpu %d", h)
	}
	return m[reg], nil
}

func (k *FakeKernel) SetRegister(h VCPUHandle, reg Register, value uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.regs[h]
	if !ok {
		return fmt.Errorf("fakekernel: unknown vcpu %d", h)
	}
	m[reg] = value
	return nil
}

func (k *FakeKernel) MapFrame(guestPhysAddr uint64, f Frame) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mappings[guestPhysAddr] = f
	return nil
}

func (k *FakeKernel) UnmapFrame(guestPhysAddr uint64, sizeBits uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.mappings, guestPhysAddr)
	return nil
}

func (k *FakeKernel) InjectIRQ(h VCPUHandle, irq uint32, lr int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.injected = append(k.injected, injectedIRQ{h: h, irq: irq, lr: lr})
	return nil
}

func (k *FakeKernel) Reply(h VCPUHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.replies++
	return nil
}

// Injected returns the (vcpu, irq) pairs passed to InjectIRQ, in order.
func (k *FakeKernel) Injected() []struct {
	VCPU VCPUHandle
	IRQ  uint32
} {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]struct {
		VCPU VCPUHandle
		IRQ  uint32
	}, len(k.injected))
	for i, e := range k.injected {
		out[i] = struct {
			VCPU VCPUHandle
			IRQ  uint32
		}{e.h, e.irq}
	}
	return out
}

// Replies returns how many times Reply has been called.
func (k *FakeKernel) Replies() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.replies
}

var _ Kernel = (*FakeKernel)(nil)
