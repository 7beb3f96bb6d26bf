package vm

import (
	"sync"

	"github.com/tinyrange/sel4vm/internal/pci"
)

// Legacy x86 PCI configuration-space access ports: a single 32-bit
// CONFIG_ADDRESS register selects a bus/device/function/register, and
// CONFIG_DATA (plus its three high byte lanes) reads or writes the
// selected register.
const (
	portConfigAddress = 0xCF8
	portConfigData    = 0xCFC

	configAddressEnable = 1 << 31
)

// PCIConfigPorts adapts a pci.Space onto the two legacy x86 IO ports a
// guest's PCI enumeration and device drivers use to reach configuration
// space, the same CONFIG_ADDRESS/CONFIG_DATA pair real x86 firmware and
// Linux's "type 1" PCI access method use.
type PCIConfigPorts struct {
	mu      sync.Mutex
	space   *pci.Space
	address uint32
}

// RegisterPCIConfigPorts wires space behind ports 0xCF8 (CONFIG_ADDRESS)
// and 0xCFC-0xCFF (CONFIG_DATA, one port per byte lane) in ports.
func RegisterPCIConfigPorts(ports *IOPortSpace, space *pci.Space) *PCIConfigPorts {
	p := &PCIConfigPorts{space: space}

	ports.AddDevice(SimpleX86IOPortDevice{
		Ports: []uint16{portConfigAddress},
		ReadFunc: func(port uint16, size int) (uint32, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.address, nil
		},
		WriteFunc: func(port uint16, size int, value uint32) error {
			p.mu.Lock()
			p.address = value
			p.mu.Unlock()
			return nil
		},
	})

	ports.AddDevice(SimpleX86IOPortDevice{
		Ports:     []uint16{portConfigData, portConfigData + 1, portConfigData + 2, portConfigData + 3},
		ReadFunc:  p.readData,
		WriteFunc: p.writeData,
	})

	return p
}

// decode resolves the current CONFIG_ADDRESS plus the CONFIG_DATA byte
// lane port was accessed at into a bus/device/function/register offset,
// per the type-1 access method's bit layout: bit 31 enable, bits[23:16]
// bus, bits[15:11] device, bits[10:8] function, bits[7:2] register.
func (p *PCIConfigPorts) decode(port uint16) (bus, dev, fn uint8, offset uint16, ok bool) {
	p.mu.Lock()
	addr := p.address
	p.mu.Unlock()

	if addr&configAddressEnable == 0 {
		return 0, 0, 0, 0, false
	}
	bus = uint8(addr >> 16)
	dev = uint8((addr >> 11) & 0x1F)
	fn = uint8((addr >> 8) & 0x7)
	register := uint16(addr & 0xFC)
	lane := port - portConfigData
	return bus, dev, fn, register + lane, true
}

func (p *PCIConfigPorts) readData(port uint16, size int) (uint32, error) {
	bus, dev, fn, offset, ok := p.decode(port)
	if !ok {
		return 0xFFFFFFFF, nil
	}
	return p.space.ReadConfig(bus, dev, fn, offset, uint8(size))
}

func (p *PCIConfigPorts) writeData(port uint16, size int, value uint32) error {
	bus, dev, fn, offset, ok := p.decode(port)
	if !ok {
		return nil
	}
	return p.space.WriteConfig(bus, dev, fn, offset, uint8(size), value)
}
