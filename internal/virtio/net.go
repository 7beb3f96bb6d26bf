package virtio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/sel4vm/internal/debug"
)

// NetBackend decouples the net device model from its concrete packet sink
// (a host tap device, a userspace network stack, a discard sink for tests),
// per spec §4.5's "backend driver" collaborator.
type NetBackend interface {
	HandleTx(frame []byte, release func()) error
}

// netDeviceBinder lets a backend that can itself originate inbound traffic
// (a userspace stack, unlike a passive tap) learn which NetDevice to push
// received frames into.
type netDeviceBinder interface {
	BindNetDevice(*NetDevice)
}

// netConfig is virtio-net's device-specific config space: a 6-byte MAC
// followed by a 2-byte link-status field, both guest-readable, neither
// guest-writable.
type netConfig struct {
	mac    [6]byte
	status uint16
}

const netStatusLinkUp = 1

func (c *netConfig) ReadByte(offset int) (byte, bool) {
	switch {
	case offset < 6:
		return c.mac[offset], true
	case offset < 8:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], c.status)
		return buf[offset-6], true
	default:
		return 0, false
	}
}

func (c *netConfig) WriteByte(offset int, value byte) bool {
	return offset < 8
}

// NetDevice is a virtio-net device: a Device with RX/TX queues wired to a
// NetBackend instead of an arbitrary Backend.
type NetDevice struct {
	*Device
	backend NetBackend
}

type netBackendAdapter struct{ backend NetBackend }

func (a netBackendAdapter) RawTx(frame []byte) error {
	return a.backend.HandleTx(frame, func() {})
}

// NewNetDevice creates a virtio-net device advertising mac, with queues of
// at most maxQueueSize descriptors backed by mem, delivering transmitted
// frames to backend.
func NewNetDevice(mem GuestMemory, maxQueueSize uint16, mac [6]byte, backend NetBackend) *NetDevice {
	debug.Writef("virtio.net", "new device mac=%s", macString(mac))
	cfg := &netConfig{mac: mac, status: netStatusLinkUp}
	d := NewDevice(0x1AF4, 0x1000, mem, maxQueueSize, 0, cfg, netBackendAdapter{backend})
	nd := &NetDevice{Device: d, backend: backend}
	if binder, ok := backend.(netDeviceBinder); ok {
		binder.BindNetDevice(nd)
	}
	return nd
}

// EnqueueRxPacket delivers one inbound Ethernet frame to the guest, per
// spec §4.5's rx_complete.
func (n *NetDevice) EnqueueRxPacket(packet []byte) error {
	return n.RxComplete(packet)
}

// discardBackend drops every transmitted frame; used where a NetDevice is
// wired up but nothing needs to observe its traffic.
type discardBackend struct{}

func (discardBackend) HandleTx(_ []byte, release func()) error {
	if release != nil {
		release()
	}
	return nil
}

// TapBackend forwards guest frames to a host tap-like device and delivers
// frames read back from it to the bound NetDevice. It is the spec's literal
// "physical device driver" collaborator: a thin stub over an
// io.ReadWriteCloser the embedder is expected to replace with a real
// /dev/net/tun file descriptor.
type TapBackend struct {
	dev io.ReadWriteCloser
}

// NewTapBackend wraps an already-opened tap file descriptor.
func NewTapBackend(dev io.ReadWriteCloser) *TapBackend {
	return &TapBackend{dev: dev}
}

func (t *TapBackend) HandleTx(frame []byte, release func()) error {
	defer func() {
		if release != nil {
			release()
		}
	}()
	_, err := t.dev.Write(frame)
	return err
}

// BindNetDevice starts a goroutine copying frames read from the tap device
// into the guest's RX queue.
func (t *TapBackend) BindNetDevice(netdev *NetDevice) {
	go func() {
		buf := make([]byte, maxFrameSize)
		for {
			n, err := t.dev.Read(buf)
			if err != nil {
				debug.Writef("virtio.tap", "read: %v", err)
				return
			}
			frame := append([]byte(nil), buf[:n]...)
			if err := netdev.EnqueueRxPacket(frame); err != nil {
				debug.Writef("virtio.tap", "enqueue rx: %v", err)
			}
		}
	}()
}

var (
	_ NetBackend      = discardBackend{}
	_ NetBackend      = (*TapBackend)(nil)
	_ netDeviceBinder = (*TapBackend)(nil)
)

func macString(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
