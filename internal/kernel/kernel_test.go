package kernel_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/kernel"
)

func TestFakeKernelVMEnterDrainsQueue(t *testing.T) {
	k := kernel.NewFakeKernel()
	h, err := k.CreateVCPU(1)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	k.QueueFault(h, kernel.FaultMessage{Reason: 5, GuestPhys: 0x1000})
	k.QueueNotif(h, 2, kernel.NotifMessage{Reason: 1})

	res, err := k.VMEnter(h, 0, 0, 0)
	if err != nil {
		t.Fatalf("VMEnter: %v", err)
	}
	if res.Reason != kernel.ExitFault || res.Fault.GuestPhys != 0x1000 {
		t.Fatalf("unexpected first result: %+v", res)
	}

	res, err = k.VMEnter(h, 0, 0, 0)
	if err != nil {
		t.Fatalf("VMEnter: %v", err)
	}
	if res.Reason != kernel.ExitNotification || res.Badge != 2 {
		t.Fatalf("unexpected second result: %+v", res)
	}

	if _, err := k.VMEnter(h, 0, 0, 0); err == nil {
		t.Fatalf("expected error on empty queue")
	}
}

func TestFakeKernelRegisterRoundTrip(t *testing.T) {
	k := kernel.NewFakeKernel()
	h, _ := k.CreateVCPU(1)

	if err := k.SetRegister(h, kernel.Register(3), 0xdeadbeef); err != nil {
		t.Fatalf("SetRegister: %v", err)
	}
	got, err := k.GetRegister(h, kernel.Register(3))
	if err != nil {
		t.Fatalf("GetRegister: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("got %#x, want 0xdeadbeef", got)
	}

	if _, err := k.GetRegister(kernel.VCPUHandle(999), kernel.Register(3)); err == nil {
		t.Fatalf("expected error for unknown vcpu")
	}
}

func TestFakeKernelInjectIRQAndReply(t *testing.T) {
	k := kernel.NewFakeKernel()
	h, _ := k.CreateVCPU(1)

	if err := k.InjectIRQ(h, 27, 0); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}
	if err := k.Reply(h); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	injected := k.Injected()
	if len(injected) != 1 || injected[0].IRQ != 27 || injected[0].VCPU != h {
		t.Fatalf("unexpected injected IRQs: %+v", injected)
	}
	if k.Replies() != 1 {
		t.Fatalf("expected 1 reply, got %d", k.Replies())
	}
}

func TestFakeKernelMapUnmapFrame(t *testing.T) {
	k := kernel.NewFakeKernel()

	f := kernel.Frame{Cap: 42, GuestPhysAddr: 0x2000, SizeBits: 12, Rights: kernel.MapRights{Read: true}}
	if err := k.MapFrame(0x2000, f); err != nil {
		t.Fatalf("MapFrame: %v", err)
	}
	if err := k.UnmapFrame(0x2000, 12); err != nil {
		t.Fatalf("UnmapFrame: %v", err)
	}
}
