package virtio

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/pci"
)

// ConsoleDevice is a virtio-console device: one RX queue fed from an
// io.Reader and one TX queue drained into an io.Writer, each descriptor
// chain carried byte-for-byte (no per-packet header, unlike virtio-net).
type ConsoleDevice struct {
	mu sync.Mutex

	hostFeatures uint32
	status       uint8
	isr          uint8
	queueSelect  uint16

	queues [2]*Queue

	out io.Writer
	in  io.Reader

	pending []byte

	RaiseIRQ func()
}

// NewConsoleDevice creates a console device with queues of at most
// maxQueueSize descriptors backed by mem, writing guest output to out and
// feeding guest input from in.
func NewConsoleDevice(mem GuestMemory, maxQueueSize uint16, out io.Writer, in io.Reader) *ConsoleDevice {
	d := &ConsoleDevice{
		queues: [2]*Queue{NewQueue(mem, maxQueueSize), NewQueue(mem, maxQueueSize)},
		out:    out,
		in:     in,
	}
	if in != nil {
		d.startInputReader()
	}
	return d
}

// Queue returns the RX (0) or TX (1) queue.
func (d *ConsoleDevice) Queue(idx int) *Queue { return d.queues[idx] }

func (d *ConsoleDevice) DeviceIOIn(offset uint16, size uint8) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case regHostFeatures:
		return d.hostFeatures, nil
	case regQueueAddress:
		return uint32(d.queues[d.queueSelect].DescTableAddr >> queuePFNShift), nil
	case regQueueSize:
		return uint32(d.queues[d.queueSelect].MaxSize), nil
	case regQueueSelect:
		return uint32(d.queueSelect), nil
	case regDeviceStatus:
		return uint32(d.status), nil
	case regISRStatus:
		isr := d.isr
		d.isr = 0
		return uint32(isr), nil
	default:
		return 0xFFFFFFFF, nil
	}
}

func (d *ConsoleDevice) DeviceIOOut(offset uint16, size uint8, value uint32) error {
	d.mu.Lock()
	switch offset {
	case regQueueAddress:
		pfn := uint64(value) << queuePFNShift
		q := d.queues[d.queueSelect]
		q.SetAddresses(pfn, pfn+uint64(q.MaxSize)*16, alignUp(pfn+uint64(q.MaxSize)*16+6+2*uint64(q.MaxSize), queueAlignBytes))
		if err := q.SetSize(q.MaxSize); err != nil {
			d.mu.Unlock()
			return err
		}
		q.SetReady(pfn != 0)
	case regQueueSelect:
		if value > 1 {
			d.mu.Unlock()
			return fmt.Errorf("virtio: queue select %d out of range", value)
		}
		d.queueSelect = uint16(value)
	case regQueueNotify:
		idx := int(value)
		d.mu.Unlock()
		return d.notify(idx)
	case regDeviceStatus:
		d.status = uint8(value)
		if d.status == 0 {
			d.queues[0].Reset()
			d.queues[1].Reset()
		}
	}
	d.mu.Unlock()
	return nil
}

// notify drains the TX avail ring (queue index 1) straight into out.
func (d *ConsoleDevice) notify(queue int) error {
	if queue != QueueTX {
		if queue == QueueRX {
			return d.drainPending()
		}
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
		payloads, err := q.DescriptorChain(head)
		if err != nil {
			return err
		}
		var total uint32
		for _, p := range payloads {
			buf, err := q.ReadGuest(p.Addr, p.Length)
			if err != nil {
				return err
			}
			if d.out != nil {
				if _, err := d.out.Write(buf); err != nil {
					debug.Writef("virtio.console", "write: %v", err)
				}
			}
			total += p.Length
		}
		if err := q.PutUsedBuffer(head, total); err != nil {
			return err
		}
	}
	d.latchISR()
	return nil
}

// PushInput delivers data to the guest's RX queue, buffering whatever does
// not fit in the buffers currently posted until the guest posts more (or
// notifies the RX queue, which calls drainPending).
func (d *ConsoleDevice) PushInput(data []byte) error {
	return d.deliverInput(data)
}

// drainPending flushes any host input queued while the RX ring had no
// available buffers.
func (d *ConsoleDevice) drainPending() error {
	d.mu.Lock()
	data := d.pending
	d.pending = nil
	d.mu.Unlock()
	if len(data) == 0 {
		return nil
	}
	return d.deliverInput(data)
}

// deliverInput fills avail-ring chains from the RX queue with data,
// re-queuing whatever does not fit in the buffers currently posted.
func (d *ConsoleDevice) deliverInput(data []byte) error {
	q := d.queues[QueueRX]
	for len(data) > 0 {
		head, ok, err := q.AvailableBuffer()
		if err != nil {
			return err
		}
		if !ok {
			d.mu.Lock()
			d.pending = append(data, d.pending...)
			d.mu.Unlock()
			return nil
		}
		payloads, err := q.DescriptorChain(head)
		if err != nil {
			return err
		}
		var written uint32
		for _, p := range payloads {
			if !p.IsWrite || len(data) == 0 {
				continue
			}
			n := p.Length
			if uint32(len(data)) < n {
				n = uint32(len(data))
			}
			if err := q.WriteGuest(p.Addr, data[:n]); err != nil {
				return err
			}
			data = data[n:]
			written += n
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return err
		}
	}
	d.latchISR()
	return nil
}

func (d *ConsoleDevice) latchISR() {
	d.mu.Lock()
	d.isr |= 1
	raise := d.RaiseIRQ
	d.mu.Unlock()
	if raise != nil {
		raise()
	}
}

func (d *ConsoleDevice) startInputReader() {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := d.in.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if err := d.deliverInput(chunk); err != nil {
					debug.Writef("virtio.console", "deliver input: %v", err)
				}
			}
			if err != nil {
				if err != io.EOF {
					debug.Writef("virtio.console", "read: %v", err)
				}
				return
			}
		}
	}()
}

type consoleConfigSpace struct{ d *ConsoleDevice }

func (c consoleConfigSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	return c.d.DeviceIOIn(offset, size)
}

func (c consoleConfigSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	return c.d.DeviceIOOut(offset, size, value)
}

// ConfigSpace implements pci.Endpoint.
func (d *ConsoleDevice) ConfigSpace() pci.ConfigSpace { return consoleConfigSpace{d} }

// OnBARReprogram implements pci.Endpoint; the legacy I/O BAR needs no
// device-side bookkeeping of its own base.
func (d *ConsoleDevice) OnBARReprogram(index int, value uint32) error { return nil }

var _ pci.Endpoint = (*ConsoleDevice)(nil)
