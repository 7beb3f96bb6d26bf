package irqchip_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/irqchip"
	"github.com/tinyrange/sel4vm/internal/kernel"
)

func TestLAPICSetControllerInjectsAndEOIs(t *testing.T) {
	set := irqchip.NewLAPICSet()
	l := irqchip.NewLAPIC()
	set.Add(kernel.VCPUHandle(1), l)

	if err := set.InjectIRQ(kernel.VCPUHandle(1), 0x30); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}
	vec, ok := l.GetInterrupt()
	if !ok || vec != 0x30 {
		t.Fatalf("got (%d, %v), want (0x30, true)", vec, ok)
	}
	set.EOI(kernel.VCPUHandle(1), 0x30)
	if l.PPR() != 0 {
		t.Fatalf("expected PPR to drop back to 0 after EOI, got %#x", l.PPR())
	}
}

func TestLAPICSetInjectIRQErrorsOnUnknownVCPU(t *testing.T) {
	set := irqchip.NewLAPICSet()
	if err := set.InjectIRQ(kernel.VCPUHandle(9), 1); err == nil {
		t.Fatalf("expected an error for an unregistered vcpu")
	}
}

func TestGICControllerEOIAcksListRegister(t *testing.T) {
	kern := kernel.NewFakeKernel()
	g := irqchip.NewGIC(kern)
	vcpu := kernel.VCPUHandle(1)
	g.AddVCPU(vcpu, 4)
	g.SetDistributorEnabled(true)

	var acked bool
	if err := g.RegisterIRQ(vcpu, 40, func() { acked = true }, nil); err != nil {
		t.Fatalf("RegisterIRQ: %v", err)
	}
	g.SetEnabled(vcpu, 40, true)
	if err := g.InjectIRQ(vcpu, 40); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}

	var ctrl irqchip.Controller = g
	ctrl.EOI(vcpu, 40)
	if !acked {
		t.Fatalf("expected EOI to invoke the registered ack callback")
	}
}
