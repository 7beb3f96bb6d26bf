package vm_test

import (
	"context"
	"testing"

	"github.com/tinyrange/sel4vm/internal/fault"
	"github.com/tinyrange/sel4vm/internal/irqchip"
	"github.com/tinyrange/sel4vm/internal/kernel"
	"github.com/tinyrange/sel4vm/internal/vm"
)

func TestARMHandlersPSCICPUOnBringsUpSecondary(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 2})
	if err != nil {
		t.Fatal(err)
	}
	c0, _ := v.CreateVCPU()
	c1, _ := v.CreateVCPU()
	if err := v.AssignVCPUTarget(c0, 0); err != nil {
		t.Fatal(err)
	}
	if err := c0.Start(0, nil); err != nil {
		t.Fatal(err)
	}

	dec := &fault.ARMDecoder{}
	handlers := vm.ARMHandlers(dec, nil, v)

	const (
		psciCPUOnSMC64 = 0xC4000003
		targetCPU      = 1
		entry          = 0xDEADBEEF
		contextID      = 0xCAFE
		ecSMC64        = 0x17
	)
	k.QueueFault(c0.Handle(), kernel.FaultMessage{
		Reason: ecSMC64,
		GPRs:   [32]uint64{psciCPUOnSMC64, targetCPU, entry, contextID},
	})

	d := &vm.Dispatcher{FaultHandler: handlers}
	if err := d.Run(context.Background(), c0); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error: %v", err)
	}

	if !c1.Online() {
		t.Fatalf("expected vcpu1 to be online after PSCI CPU_ON")
	}
	if c1.Target() != targetCPU {
		t.Fatalf("expected vcpu1 target_cpu %d, got %d", targetCPU, c1.Target())
	}
	if c1.PC() != entry {
		t.Fatalf("expected vcpu1 pc %#x, got %#x", uint64(entry), c1.PC())
	}
	gotX0, err := k.GetRegister(c1.Handle(), kernel.Register(0))
	if err != nil {
		t.Fatal(err)
	}
	if gotX0 != contextID {
		t.Fatalf("expected vcpu1 x0 = context %#x, got %#x", uint64(contextID), gotX0)
	}

	retX0, err := k.GetRegister(c0.Handle(), kernel.Register(0))
	if err != nil {
		t.Fatal(err)
	}
	if retX0 != fault.PSCISuccess {
		t.Fatalf("expected PSCI_SUCCESS return value, got %d", retX0)
	}
}

func TestARMHandlersPSCICPUOnAlreadyOnline(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 2})
	if err != nil {
		t.Fatal(err)
	}
	c0, _ := v.CreateVCPU()
	c1, _ := v.CreateVCPU()
	if err := v.AssignVCPUTarget(c0, 0); err != nil {
		t.Fatal(err)
	}
	if err := v.AssignVCPUTarget(c1, 1); err != nil {
		t.Fatal(err)
	}
	if err := c1.Start(0x2000, nil); err != nil {
		t.Fatal(err)
	}

	dec := &fault.ARMDecoder{}
	handlers := vm.ARMHandlers(dec, nil, v)

	const ecSMC64 = 0x17
	k.QueueFault(c0.Handle(), kernel.FaultMessage{
		Reason: ecSMC64,
		GPRs:   [32]uint64{0xC4000003, 1, 0xABCD, 0},
	})
	d := &vm.Dispatcher{FaultHandler: handlers}
	if err := d.Run(context.Background(), c0); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error: %v", err)
	}

	retX0, err := k.GetRegister(c0.Handle(), kernel.Register(0))
	if err != nil {
		t.Fatal(err)
	}
	if int64(retX0) != fault.PSCIAlreadyOn {
		t.Fatalf("expected PSCI_ALREADY_ON, got %d", int64(retX0))
	}
}

func TestARMHandlersWFxIsIgnored(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := v.CreateVCPU()

	dec := &fault.ARMDecoder{}
	handlers := vm.ARMHandlers(dec, nil, v)

	const ecWFx = 0x01
	k.QueueFault(c.Handle(), kernel.FaultMessage{Reason: ecWFx})
	d := &vm.Dispatcher{FaultHandler: handlers}
	if err := d.Run(context.Background(), c); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if k.Replies() != 1 {
		t.Fatalf("expected 1 reply, got %d", k.Replies())
	}
}

func TestARMHandlersSystemRegisterUnrecognizedIsFatal(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := v.CreateVCPU()

	dec := &fault.ARMDecoder{}
	table := &fault.VCPUFaultTable{IgnoredSysRegs: map[uint32]bool{0x1: true}}
	handlers := vm.ARMHandlers(dec, table, v)

	const ecSystemRegister = 0x18
	k.QueueFault(c.Handle(), kernel.FaultMessage{Reason: ecSystemRegister, Qualification: 0x99})
	d := &vm.Dispatcher{FaultHandler: handlers}
	if err := d.Run(context.Background(), c); err == nil {
		t.Fatalf("expected an error for an unrecognized system register trap")
	}
}

func TestARMHandlersSystemRegisterIgnoredResumes(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := v.CreateVCPU()

	dec := &fault.ARMDecoder{}
	table := &fault.VCPUFaultTable{IgnoredSysRegs: map[uint32]bool{0x1: true}}
	handlers := vm.ARMHandlers(dec, table, v)

	const ecSystemRegister = 0x18
	k.QueueFault(c.Handle(), kernel.FaultMessage{Reason: ecSystemRegister, Qualification: 0x1})
	d := &vm.Dispatcher{FaultHandler: handlers}
	if err := d.Run(context.Background(), c); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if k.Replies() != 1 {
		t.Fatalf("expected 1 reply, got %d", k.Replies())
	}
}

func TestARMHandlersMemoryAbortFallsThroughToResolver(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := v.CreateVCPU()

	const mmioAddr = 0x9000_0000
	var seenAddr uint64
	var seenWidth uint32

	dec := &fault.ARMDecoder{}
	handlers := vm.ARMHandlers(dec, nil, v)
	d := &vm.Dispatcher{
		FaultHandler: handlers,
		OnUnhandledFault: func(c *vm.VCPU, msg kernel.FaultMessage) (vm.Action, error) {
			f := c.Fault()
			seenAddr = f.GuestPhysAddr()
			seenWidth = f.Width()
			if err := f.FaultEmulate(f.PendingRegister(), 0x1234); err != nil {
				t.Fatal(err)
			}
			return vm.ActionHandled, nil
		},
	}

	// syndrome-valid data abort: read, width=4 (1 << width shift), Rt=2
	const (
		ecDataAbortLowerEL = 0x24
		hsrSyndromeValid   = 1 << 24
		hsrWidthShift      = 22
		hsrSrtShift        = 16
	)
	iss := uint64(hsrSyndromeValid | (1 << hsrWidthShift) | (2 << hsrSrtShift))
	k.QueueFault(c.Handle(), kernel.FaultMessage{
		Reason:        ecDataAbortLowerEL,
		Qualification: iss,
		GuestPhys:     mmioAddr,
	})

	if err := d.Run(context.Background(), c); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if seenAddr != mmioAddr {
		t.Fatalf("expected device to see addr %#x, got %#x", uint64(mmioAddr), seenAddr)
	}
	if seenWidth != 4 {
		t.Fatalf("expected decoded width 4, got %d", seenWidth)
	}
	got, err := k.GetRegister(c.Handle(), kernel.Register(2))
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x1234 {
		t.Fatalf("expected r2 = 0x1234, got %#x", got)
	}
}

func TestARMHandlersMemoryAbortWriteReadsSourceRegister(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := v.CreateVCPU()
	if err := k.SetRegister(c.Handle(), kernel.Register(3), 0xABBA); err != nil {
		t.Fatal(err)
	}

	dec := &fault.ARMDecoder{}
	handlers := vm.ARMHandlers(dec, nil, v)
	var seenData uint64
	d := &vm.Dispatcher{
		FaultHandler: handlers,
		OnUnhandledFault: func(c *vm.VCPU, msg kernel.FaultMessage) (vm.Action, error) {
			seenData = c.Fault().Data()
			return vm.ActionHandled, nil
		},
	}

	const (
		ecDataAbortLowerEL = 0x24
		hsrSyndromeValid   = 1 << 24
		hsrWidthShift      = 22
		hsrSrtShift        = 16
		hsrWnR             = 1 << 6
	)
	iss := uint64(hsrSyndromeValid | hsrWnR | (1 << hsrWidthShift) | (3 << hsrSrtShift))
	k.QueueFault(c.Handle(), kernel.FaultMessage{Reason: ecDataAbortLowerEL, Qualification: iss, GuestPhys: 0x1000})

	if err := d.Run(context.Background(), c); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if seenData != 0xABBA {
		t.Fatalf("expected write fault data 0xABBA, got %#x", seenData)
	}
}

// TestARMHandlersGICDistributorRegisterPageEnablesIRQ drives a guest
// write of GICD_CTLR=1 and ISENABLER0 bit 0 through the real memory
// reservation and fault-dispatch path (not the GIC's internal
// SetEnabled/SetDistributorEnabled directly), then checks that a
// subsequent InjectIRQ produces a direct list-register injection.
func TestARMHandlersGICDistributorRegisterPageEnablesIRQ(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := v.CreateVCPU()

	g := irqchip.NewGIC(k)
	g.AddVCPU(c.Handle(), 4)
	if err := g.RegisterIRQ(c.Handle(), 0, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.RegisterGICDistributor(v.Memory(), g, vm.GICDistributorBase); err != nil {
		t.Fatal(err)
	}

	dec := &fault.ARMDecoder{}
	handlers := vm.ARMHandlers(dec, nil, v)
	d := &vm.Dispatcher{
		FaultHandler:     handlers,
		OnUnhandledFault: vm.UnhandledMemoryFault(v.MemResolver()),
	}

	const (
		ecDataAbortLowerEL = 0x24
		hsrSyndromeValid   = 1 << 24
		hsrWnR             = 1 << 6
		hsrWidthShift      = 22
		hsrSrtShift        = 16
		wordWidth          = 2 // 1<<2 = 4 bytes
		gicdCTLROffset     = 0x000
		gicdISENABLER0     = 0x100
	)

	// Write GICD_CTLR = 1 (distributor enable) from r2.
	if err := k.SetRegister(c.Handle(), kernel.Register(2), 1); err != nil {
		t.Fatal(err)
	}
	ctlrISS := uint64(hsrSyndromeValid | hsrWnR | (wordWidth << hsrWidthShift) | (2 << hsrSrtShift))
	k.QueueFault(c.Handle(), kernel.FaultMessage{
		Reason:        ecDataAbortLowerEL,
		Qualification: ctlrISS,
		GuestPhys:     vm.GICDistributorBase + gicdCTLROffset,
	})
	if err := d.Run(context.Background(), c); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error on GICD_CTLR write: %v", err)
	}

	// Write ISENABLER0 bit 0 = 1 (enable virq 0) from r3.
	if err := k.SetRegister(c.Handle(), kernel.Register(3), 1); err != nil {
		t.Fatal(err)
	}
	enableISS := uint64(hsrSyndromeValid | hsrWnR | (wordWidth << hsrWidthShift) | (3 << hsrSrtShift))
	k.QueueFault(c.Handle(), kernel.FaultMessage{
		Reason:        ecDataAbortLowerEL,
		Qualification: enableISS,
		GuestPhys:     vm.GICDistributorBase + gicdISENABLER0,
	})
	if err := d.Run(context.Background(), c); err == nil || !isNoQueuedExit(err) {
		t.Fatalf("unexpected dispatch error on ISENABLER0 write: %v", err)
	}

	if err := g.InjectIRQ(c.Handle(), 0); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}
	injected := k.Injected()
	if len(injected) != 1 || injected[0].IRQ != 0 {
		t.Fatalf("expected virq 0 to inject directly via a list register, got %+v", injected)
	}
}
