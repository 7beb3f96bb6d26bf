package irqchip_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/irqchip"
	"github.com/tinyrange/sel4vm/internal/kernel"
)

func TestGICInjectDirectWhenEnabledAndSlotFree(t *testing.T) {
	k := kernel.NewFakeKernel()
	vcpu, _ := k.CreateVCPU(1)
	g := irqchip.NewGIC(k)
	g.AddVCPU(vcpu, 4)
	g.SetDistributorEnabled(true)

	if err := g.RegisterIRQ(vcpu, 40, nil, nil); err != nil {
		t.Fatalf("RegisterIRQ: %v", err)
	}
	g.SetEnabled(vcpu, 40, true)

	if err := g.InjectIRQ(vcpu, 40); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}

	injected := k.Injected()
	if len(injected) != 1 || injected[0].IRQ != 40 {
		t.Fatalf("expected direct injection, got %+v", injected)
	}
}

func TestGICOverflowsWhenSlotsFull(t *testing.T) {
	k := kernel.NewFakeKernel()
	vcpu, _ := k.CreateVCPU(1)
	g := irqchip.NewGIC(k)
	g.AddVCPU(vcpu, 1)
	g.SetDistributorEnabled(true)

	g.RegisterIRQ(vcpu, 40, nil, nil)
	g.RegisterIRQ(vcpu, 41, nil, nil)
	g.SetEnabled(vcpu, 40, true)
	g.SetEnabled(vcpu, 41, true)

	if err := g.InjectIRQ(vcpu, 40); err != nil {
		t.Fatalf("InjectIRQ 40: %v", err)
	}
	if err := g.InjectIRQ(vcpu, 41); err != nil {
		t.Fatalf("InjectIRQ 41 should overflow, not error: %v", err)
	}

	injected := k.Injected()
	if len(injected) != 1 {
		t.Fatalf("expected only 1 direct injection before maintenance, got %d", len(injected))
	}

	if err := g.Maintenance(vcpu, 0); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	injected = k.Injected()
	if len(injected) != 2 || injected[1].IRQ != 41 {
		t.Fatalf("expected overflow to drain after maintenance, got %+v", injected)
	}
}

func TestGICRegisterIRQRejectsOccupiedSPISlot(t *testing.T) {
	g := irqchip.NewGIC(kernel.NewFakeKernel())
	if err := g.RegisterIRQ(1, 50, nil, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := g.RegisterIRQ(1, 50, nil, nil); err == nil {
		t.Fatalf("expected rejection of occupied SPI slot")
	}
}

func TestGICHandleSGIRTargetsMatchingVCPUs(t *testing.T) {
	k := kernel.NewFakeKernel()
	vcpu1, _ := k.CreateVCPU(1)
	vcpu2, _ := k.CreateVCPU(2)
	g := irqchip.NewGIC(k)
	g.AddVCPU(vcpu1, 4)
	g.AddVCPU(vcpu2, 4)
	g.SetDistributorEnabled(true)
	g.RegisterIRQ(vcpu1, 1, nil, nil)
	g.RegisterIRQ(vcpu2, 1, nil, nil)
	g.SetEnabled(vcpu1, 1, true)
	g.SetEnabled(vcpu2, 1, true)

	err := g.HandleSGIR(vcpu1, 1, irqchip.TargetAllOthers, 0, []kernel.VCPUHandle{vcpu1, vcpu2})
	if err != nil {
		t.Fatalf("HandleSGIR: %v", err)
	}

	injected := k.Injected()
	if len(injected) != 1 || injected[0].VCPU != vcpu2 {
		t.Fatalf("expected only vcpu2 to receive SGI, got %+v", injected)
	}
}
