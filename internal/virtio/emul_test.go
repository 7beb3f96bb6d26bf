package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/sel4vm/internal/virtio"
)

type fakeBackend struct {
	frames [][]byte
}

func (f *fakeBackend) HandleTx(frame []byte, release func()) error {
	f.frames = append(f.frames, append([]byte(nil), frame...))
	if release != nil {
		release()
	}
	return nil
}

const (
	regQueueSelect  = 0x5E
	regQueueAddress = 0x58
	regQueueNotify  = 0x60
	regISRStatus    = 0x63
	queuePFNShift   = 12
)

// queueAddrsForPFN mirrors the legacy transport's derivation of avail/used
// ring addresses from a programmed descriptor-table PFN, so tests can write
// ring contents at the same addresses the device computes internally.
func queueAddrsForPFN(pfn uint64, maxSize uint16) (desc, avail, used uint64) {
	desc = pfn << queuePFNShift
	avail = desc + uint64(maxSize)*16
	usedUnaligned := avail + 6 + 2*uint64(maxSize)
	used = (usedUnaligned + 4095) &^ 4095
	return
}

func TestNetDeviceNotifyStripsHeaderAndCallsBackend(t *testing.T) {
	mem := newFlatMemory(0x30000)
	backend := &fakeBackend{}
	nd := virtio.NewNetDevice(mem, 4, [6]byte{2, 0, 0, 0, 0, 1}, backend)

	const pfn = 0x10
	desc, avail, used := queueAddrsForPFN(pfn, 4)

	if err := nd.DeviceIOOut(regQueueSelect, 2, virtio.QueueTX); err != nil {
		t.Fatalf("select TX: %v", err)
	}
	if err := nd.DeviceIOOut(regQueueAddress, 4, pfn); err != nil {
		t.Fatalf("program queue address: %v", err)
	}

	payload := append(make([]byte, virtio.NetHeaderSize), []byte("hello")...)
	mem.WriteAt(payload, 0x9000)
	mem.putDescriptor(desc, 0, 0x9000, uint32(len(payload)), 0, 0)
	mem.putAvail(avail, 1, 0)

	if err := nd.DeviceIOOut(regQueueNotify, 2, virtio.QueueTX); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(backend.frames) != 1 || string(backend.frames[0]) != "hello" {
		t.Fatalf("got frames %+v, want one frame \"hello\"", backend.frames)
	}

	gotLen := binary.LittleEndian.Uint32(mem.buf[used+8:])
	if gotLen != uint32(len(payload)) {
		t.Fatalf("got used length %d, want %d", gotLen, len(payload))
	}

	isr, err := nd.DeviceIOIn(regISRStatus, 1)
	if err != nil || isr != 1 {
		t.Fatalf("got isr=%d err=%v, want 1/nil", isr, err)
	}
	isr, _ = nd.DeviceIOIn(regISRStatus, 1)
	if isr != 0 {
		t.Fatalf("expected ISR to clear on read, got %d", isr)
	}
}

func TestNetDeviceRxCompletePrependsHeader(t *testing.T) {
	mem := newFlatMemory(0x30000)
	nd := virtio.NewNetDevice(mem, 4, [6]byte{2, 0, 0, 0, 0, 1}, discardNetBackend{})

	const pfn = 0x20
	desc, avail, used := queueAddrsForPFN(pfn, 4)

	if err := nd.DeviceIOOut(regQueueSelect, 2, virtio.QueueRX); err != nil {
		t.Fatalf("select RX: %v", err)
	}
	if err := nd.DeviceIOOut(regQueueAddress, 4, pfn); err != nil {
		t.Fatalf("program queue address: %v", err)
	}

	bufLen := uint32(virtio.NetHeaderSize + 5)
	mem.putDescriptor(desc, 0, 0x9000, bufLen, 2 /* VIRTQ_DESC_F_WRITE */, 0)
	mem.putAvail(avail, 1, 0)

	if err := nd.EnqueueRxPacket([]byte("world")); err != nil {
		t.Fatalf("EnqueueRxPacket: %v", err)
	}

	got := mem.buf[0x9000+virtio.NetHeaderSize : 0x9000+virtio.NetHeaderSize+5]
	if string(got) != "world" {
		t.Fatalf("got %q, want world", got)
	}
	gotLen := binary.LittleEndian.Uint32(mem.buf[used+8:])
	if gotLen != bufLen {
		t.Fatalf("got used length %d, want %d", gotLen, bufLen)
	}
}

type discardNetBackend struct{}

func (discardNetBackend) HandleTx(_ []byte, release func()) error {
	if release != nil {
		release()
	}
	return nil
}
