package irqchip

import (
	"fmt"
	"sync"

	"github.com/tinyrange/sel4vm/internal/kernel"
)

// Controller is the architecture-generic face both GIC and LAPIC present
// to the dispatch loop, grounded on the teacher's LineSet/ChipsetDevice
// split: line-level interrupt delivery kept separate from the device that
// owns register emulation. A caller that only needs to raise or acknowledge
// an IRQ on a vCPU does not need to know which concrete controller backs
// the VM's architecture.
type Controller interface {
	InjectIRQ(vcpu kernel.VCPUHandle, irq uint32) error
	RegisterIRQ(vcpu kernel.VCPUHandle, irq uint32, ack AckFunc, cookie any) error
	EOI(vcpu kernel.VCPUHandle, irq uint32)
}

// EOI on a GIC acks the list register carrying irq for vcpu directly,
// rather than going through a maintenance-fault index.
func (g *GIC) EOI(vcpu kernel.VCPUHandle, irq uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	lr, ok := g.vcpus[vcpu]
	if !ok {
		return
	}
	for i, h := range lr.lrs {
		if h != nil && h.virq == irq {
			delete(g.pending, irq)
			if h.ack != nil {
				h.ack()
			}
			lr.lrs[i] = nil
			break
		}
	}
}

// LAPICSet adapts a collection of per-vCPU LAPIC instances to Controller,
// since one LAPIC serves exactly one vCPU while Controller's methods are
// vcpu-keyed (matching GIC's shape). RegisterIRQ is a no-op: a LAPIC
// accepts any vector directly, it has no SGI/PPI/SPI registration step.
type LAPICSet struct {
	mu     sync.Mutex
	lapics map[kernel.VCPUHandle]*LAPIC
}

// NewLAPICSet creates an empty LAPICSet.
func NewLAPICSet() *LAPICSet {
	return &LAPICSet{lapics: make(map[kernel.VCPUHandle]*LAPIC)}
}

// Add registers l as the LAPIC backing vcpu.
func (s *LAPICSet) Add(vcpu kernel.VCPUHandle, l *LAPIC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lapics[vcpu] = l
}

// Get returns the LAPIC backing vcpu, if any.
func (s *LAPICSet) Get(vcpu kernel.VCPUHandle) (*LAPIC, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lapics[vcpu]
	return l, ok
}

func (s *LAPICSet) InjectIRQ(vcpu kernel.VCPUHandle, irq uint32) error {
	l, ok := s.Get(vcpu)
	if !ok {
		return fmt.Errorf("irqchip: no lapic for vcpu %d", vcpu)
	}
	l.AcceptIRQ(uint8(irq))
	return nil
}

func (s *LAPICSet) RegisterIRQ(vcpu kernel.VCPUHandle, irq uint32, ack AckFunc, cookie any) error {
	return nil
}

func (s *LAPICSet) EOI(vcpu kernel.VCPUHandle, irq uint32) {
	if l, ok := s.Get(vcpu); ok {
		l.EOI()
	}
}

var (
	_ Controller = (*GIC)(nil)
	_ Controller = (*LAPICSet)(nil)
)
