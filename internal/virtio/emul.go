package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/pci"
)

// Legacy virtio-pci config register offsets (spec §4.5's "generic transport
// registers" that device_io_in/device_io_out sit on top of). The block
// starts at 0x50 rather than the conventional legacy-PCI I/O-BAR offset
// zero, since here it sits directly in configuration space behind
// pci.Space's ConfigSpace dispatch rather than behind its own BAR window:
// the type-0 header's six BARs occupy 0x10-0x28, and the default
// capability mask blanks 0x34-0x38 and 0x40-0x50, so 0x50 is the first
// offset neither claims.
const (
	regHostFeatures  = 0x50
	regGuestFeatures = 0x54
	regQueueAddress  = 0x58
	regQueueSize     = 0x5C
	regQueueSelect   = 0x5E
	regQueueNotify   = 0x60
	regDeviceStatus  = 0x62
	regISRStatus     = 0x63
	regDeviceConfig  = 0x64

	queueAlignBytes = 4096
	queuePFNShift   = 12

	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4

	// RX and TX queue indices, per spec §4.5.
	QueueRX = 0
	QueueTX = 1

	// NetHeaderSize is sizeof(VirtioNetHdr): the bytes every TX chain and
	// every RX chain are prefixed with, and that Notify skips / RxComplete
	// prepends.
	NetHeaderSize = 10

	maxFrameSize = 65536
)

// NetHeader is the legacy virtio-net per-packet header (no mergeable-buffer
// extension), prefixed onto every TX and RX descriptor chain.
type NetHeader struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	ChecksumStart  uint16
	ChecksumOffset uint16
}

func (h NetHeader) encode() []byte {
	buf := make([]byte, NetHeaderSize)
	buf[0] = h.Flags
	buf[1] = h.GSOType
	binary.LittleEndian.PutUint16(buf[2:4], h.HdrLen)
	binary.LittleEndian.PutUint16(buf[4:6], h.GSOSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.ChecksumStart)
	binary.LittleEndian.PutUint16(buf[8:10], h.ChecksumOffset)
	return buf
}

// Backend is the collaborator a Device hands received TX frames to, and
// that drives RxComplete for inbound frames. It stands in for spec §4.5's
// "backend driver" (the physical device behind the virtio transport).
type Backend interface {
	// RawTx is invoked with one fully reassembled guest frame (the virtio
	// header already stripped) whenever the guest notifies the TX queue.
	RawTx(frame []byte) error
}

// DeviceConfig supplies the device-type-specific fields exposed starting at
// regDeviceConfig (e.g. virtio-net's MAC + link status).
type DeviceConfig interface {
	ReadByte(offset int) (byte, bool)
	WriteByte(offset int, value byte) bool
}

// Device is a virtio_emul object: two vrings plus the legacy transport
// register block, per spec §4.5.
type Device struct {
	mu sync.Mutex

	VendorID, DeviceID uint16
	hostFeatures       uint32
	guestFeatures      uint32
	status             uint8
	isr                uint8
	queueSelect        uint16

	queues  [2]*Queue
	config  DeviceConfig
	backend Backend

	// RaiseIRQ is invoked after ISR is latched (notify completion, a
	// completed rx_complete) so the embedder can drive its irqchip.
	RaiseIRQ func()
}

// NewDevice creates a Device with RX/TX queues of the given max size bound
// to mem, and hostFeatures advertised to the guest.
func NewDevice(vendorID, deviceID uint16, mem GuestMemory, maxQueueSize uint16, hostFeatures uint32, config DeviceConfig, backend Backend) *Device {
	return &Device{
		VendorID:     vendorID,
		DeviceID:     deviceID,
		hostFeatures: hostFeatures,
		queues:       [2]*Queue{NewQueue(mem, maxQueueSize), NewQueue(mem, maxQueueSize)},
		config:       config,
		backend:      backend,
	}
}

// Queue returns the RX (0) or TX (1) queue.
func (d *Device) Queue(idx int) *Queue { return d.queues[idx] }

// DeviceIOIn implements reads of the legacy transport register block plus
// device-specific config, per spec §4.5's device_io_in.
func (d *Device) DeviceIOIn(offset uint16, size uint8) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == regHostFeatures:
		return d.hostFeatures, nil
	case offset == regGuestFeatures:
		return d.guestFeatures, nil
	case offset == regQueueAddress:
		return uint32(d.queues[d.queueSelect].DescTableAddr >> queuePFNShift), nil
	case offset == regQueueSize:
		return uint32(d.queues[d.queueSelect].MaxSize), nil
	case offset == regQueueSelect:
		return uint32(d.queueSelect), nil
	case offset == regDeviceStatus:
		return uint32(d.status), nil
	case offset == regISRStatus:
		isr := d.isr
		d.isr = 0
		return uint32(isr), nil
	case offset >= regDeviceConfig && d.config != nil:
		return d.readConfig(offset-regDeviceConfig, size)
	default:
		return 0xFFFFFFFF, nil
	}
}

func (d *Device) readConfig(off uint16, size uint8) (uint32, error) {
	var v uint32
	for i := uint8(0); i < size; i++ {
		b, ok := d.config.ReadByte(int(off) + int(i))
		if !ok {
			return 0, fmt.Errorf("virtio: config read out of range at %#x", off)
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

// DeviceIOOut implements writes to the legacy transport register block plus
// device-specific config, per spec §4.5's device_io_out.
func (d *Device) DeviceIOOut(offset uint16, size uint8, value uint32) error {
	d.mu.Lock()

	switch {
	case offset == regGuestFeatures:
		d.guestFeatures = value
	case offset == regQueueAddress:
		pfn := uint64(value) << queuePFNShift
		q := d.queues[d.queueSelect]
		q.SetAddresses(pfn, pfn+uint64(q.MaxSize)*16, alignUp(pfn+uint64(q.MaxSize)*16+6+2*uint64(q.MaxSize), queueAlignBytes))
		if err := q.SetSize(q.MaxSize); err != nil {
			d.mu.Unlock()
			return err
		}
		q.SetReady(pfn != 0)
	case offset == regQueueSelect:
		if value > 1 {
			d.mu.Unlock()
			return fmt.Errorf("virtio: queue select %d out of range", value)
		}
		d.queueSelect = uint16(value)
	case offset == regQueueNotify:
		idx := int(value)
		d.mu.Unlock()
		return d.notify(idx)
	case offset == regDeviceStatus:
		d.status = uint8(value)
		if d.status == 0 {
			d.queues[0].Reset()
			d.queues[1].Reset()
		}
	case offset >= regDeviceConfig && d.config != nil:
		d.mu.Unlock()
		return d.writeConfig(offset-regDeviceConfig, size, value)
	}
	d.mu.Unlock()
	return nil
}

func (d *Device) writeConfig(off uint16, size uint8, value uint32) error {
	for i := uint8(0); i < size; i++ {
		if !d.config.WriteByte(int(off)+int(i), byte(value>>(8*i))) {
			return fmt.Errorf("virtio: config write out of range at %#x", off)
		}
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// notify drains the TX avail ring, skipping the virtio-net header of each
// chain and handing the remaining bytes to the backend's RawTx, per spec
// §4.5's "notify" operation.
func (d *Device) notify(queue int) error {
	if queue != QueueTX {
		return nil
	}
	q := d.queues[QueueTX]
	for {
		head, ok, err := q.AvailableBuffer()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		frame, total, err := d.collectTx(q, head)
		if err != nil {
			debug.Writef("virtio.notify", "collect tx chain %d: %v", head, err)
			q.PutUsedBuffer(head, total)
			continue
		}
		if d.backend != nil {
			if err := d.backend.RawTx(frame); err != nil {
				debug.Writef("virtio.notify", "backend RawTx: %v", err)
			}
		}
		if err := q.PutUsedBuffer(head, total); err != nil {
			return err
		}
	}
	d.latchISR()
	return nil
}

func (d *Device) collectTx(q *Queue, head uint16) ([]byte, uint32, error) {
	payloads, err := q.DescriptorChain(head)
	if err != nil {
		return nil, 0, err
	}
	var total uint32
	skip := uint32(NetHeaderSize)
	frame := make([]byte, 0, maxFrameSize)
	for _, p := range payloads {
		total += p.Length
		buf, err := q.ReadGuest(p.Addr, p.Length)
		if err != nil {
			return nil, total, err
		}
		if skip > 0 {
			if uint32(len(buf)) <= skip {
				skip -= uint32(len(buf))
				continue
			}
			buf = buf[skip:]
			skip = 0
		}
		if len(frame)+len(buf) > maxFrameSize {
			return nil, total, fmt.Errorf("virtio: tx frame exceeds MTU bound")
		}
		frame = append(frame, buf...)
	}
	return frame, total, nil
}

// RxComplete fills one avail-ring chain with a virtio-net header followed
// by packet, truncating on a short chain, publishes the used element, and
// raises the device's IRQ — spec §4.5's "rx_complete".
func (d *Device) RxComplete(packet []byte) error {
	d.mu.Lock()
	q := d.queues[QueueRX]
	d.mu.Unlock()

	head, ok, err := q.AvailableBuffer()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("virtio: no RX buffer available")
	}
	payloads, err := q.DescriptorChain(head)
	if err != nil {
		return err
	}

	out := append(NetHeader{}.encode(), packet...)
	var written uint32
	for _, p := range payloads {
		if !p.IsWrite {
			continue
		}
		if uint32(len(out)) == 0 {
			break
		}
		n := p.Length
		if uint32(len(out)) < n {
			n = uint32(len(out))
		}
		if err := q.WriteGuest(p.Addr, out[:n]); err != nil {
			return err
		}
		out = out[n:]
		written += n
	}
	if err := q.PutUsedBuffer(head, written); err != nil {
		return err
	}
	d.latchISR()
	return nil
}

func (d *Device) latchISR() {
	d.mu.Lock()
	d.isr |= 1
	raise := d.RaiseIRQ
	d.mu.Unlock()
	if raise != nil {
		raise()
	}
}

// configSpace adapts Device onto pci.ConfigSpace so it can sit behind a
// pci.Space's generic config-space dispatch.
type configSpace struct{ d *Device }

func (c configSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	return c.d.DeviceIOIn(offset, size)
}

func (c configSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	return c.d.DeviceIOOut(offset, size, value)
}

// ConfigSpace implements pci.Endpoint.
func (d *Device) ConfigSpace() pci.ConfigSpace { return configSpace{d} }

// OnBARReprogram implements pci.Endpoint. The legacy transport's BAR0 is a
// pure I/O-port window over DeviceIOIn/DeviceIOOut; no device-side state
// needs to track the base itself since every access is offset-relative.
func (d *Device) OnBARReprogram(index int, value uint32) error { return nil }

var _ pci.Endpoint = (*Device)(nil)
