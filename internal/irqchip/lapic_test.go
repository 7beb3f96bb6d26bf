package irqchip_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/irqchip"
)

func TestLAPICAcceptAndGetInterrupt(t *testing.T) {
	l := irqchip.NewLAPIC()
	l.AcceptIRQ(0x30)
	if !l.HasInterrupt() {
		t.Fatalf("expected pending interrupt")
	}
	vec, ok := l.GetInterrupt()
	if !ok || vec != 0x30 {
		t.Fatalf("got vec=%d ok=%v, want 0x30/true", vec, ok)
	}
	if l.HasInterrupt() {
		t.Fatalf("expected no more pending interrupts after delivery")
	}
}

func TestLAPICEOIClearsHighestISR(t *testing.T) {
	l := irqchip.NewLAPIC()
	l.AcceptIRQ(0x40)
	l.GetInterrupt() // moves 0x40 to ISR
	l.AcceptIRQ(0x50)
	l.GetInterrupt() // 0x50 outranks in-service 0x40, moves to ISR

	if l.PPR() != 0x50&^0xF {
		t.Fatalf("expected PPR from highest ISR vector")
	}
	l.EOI()
	if l.PPR() != 0x40&^0xF {
		t.Fatalf("expected PPR to drop to next highest ISR vector after EOI")
	}
}

func TestLAPICSIPITransitionsFromWaitToRun(t *testing.T) {
	l := irqchip.NewLAPIC()
	l.HandleInit()
	if l.State() != irqchip.LAPICWaitSIPI {
		t.Fatalf("expected WAIT_SIPI after INIT")
	}
	l.HandleSIPI(7)
	if l.State() != irqchip.LAPICRun {
		t.Fatalf("expected RUN after SIPI")
	}
	if l.SIPIVector() != 7 {
		t.Fatalf("expected stored SIPI vector 7, got %d", l.SIPIVector())
	}

	// A second SIPI while already running must be ignored.
	l.HandleSIPI(9)
	if l.SIPIVector() != 7 {
		t.Fatalf("expected SIPI vector unchanged once RUN, got %d", l.SIPIVector())
	}
}

type fakePIC struct {
	pending bool
	vector  uint8
}

func (p *fakePIC) HasPendingExtINT() bool    { return p.pending }
func (p *fakePIC) PendingExtINTVector() uint8 { return p.vector }

func TestLAPICVirtualWireExtINT(t *testing.T) {
	l := irqchip.NewLAPIC()
	pic := &fakePIC{pending: true, vector: 0x20}
	l.MakeBootLAPIC(pic)

	if !l.HasInterrupt() {
		t.Fatalf("expected ExtINT from PIC to be visible")
	}
	vec, ok := l.GetInterrupt()
	if !ok || vec != 0x20 {
		t.Fatalf("got vec=%d ok=%v, want 0x20/true", vec, ok)
	}
}
