package virtio

import (
	"context"
	"fmt"

	"github.com/tinyrange/sel4vm/internal/debug"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const netstackNICID tcpip.NICID = 1

// NetstackBackend is a NetBackend that terminates guest Ethernet frames in
// a gVisor userspace network stack instead of a host tap device —
// supplemental to spec §4.5, useful for hermetic tests that want a live
// TCP/UDP endpoint without a real NIC.
type NetstackBackend struct {
	stack *stack.Stack
	ch    *channel.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNetstackBackend builds a gVisor stack with an IPv4+ARP NIC addressed
// hostAddr/prefixLen, reachable by the guest at guestMAC.
func NewNetstackBackend(guestMAC [6]byte, hostAddr tcpip.Address, prefixLen int) (*NetstackBackend, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// channel.Endpoint's MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// ethernet header to get the L3 MTU, so request an L3 MTU of 1500.
	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(guestMAC[:])))
	ep := ethernet.New(ch)

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := s.CreateNIC(netstackNICID, ep); err != nil {
		cancel()
		return nil, fmt.Errorf("virtio: gvisor CreateNIC: %s", err)
	}
	if err := s.AddProtocolAddress(netstackNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   hostAddr,
			PrefixLen: prefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		cancel()
		return nil, fmt.Errorf("virtio: gvisor AddProtocolAddress: %s", err)
	}

	debug.Writef("virtio.netstack", "backend up mac=%s host=%s/%d", macString(guestMAC), hostAddr, prefixLen)

	return &NetstackBackend{stack: s, ch: ch, ctx: ctx, cancel: cancel}, nil
}

// Stack exposes the underlying gVisor stack so an embedder can listen on it
// with gonet or register additional protocol addresses/routes.
func (b *NetstackBackend) Stack() *stack.Stack { return b.stack }

// HandleTx injects a guest-transmitted frame into the gVisor stack's NIC.
func (b *NetstackBackend) HandleTx(frame []byte, release func()) error {
	defer func() {
		if release != nil {
			release()
		}
	}()
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	defer pkt.DecRef()
	b.ch.InjectInbound(0, pkt)
	return nil
}

// BindNetDevice starts the goroutine that copies frames the gVisor stack
// emits back into the guest's RX queue. Framed async per the teacher's
// netstack_backend.go comment: the stack can emit frames while still
// processing a guest TX packet, so this must never call back in synchronously.
func (b *NetstackBackend) BindNetDevice(netdev *NetDevice) {
	go func() {
		for {
			pkt := b.ch.ReadContext(b.ctx)
			if pkt == nil {
				return
			}
			view := pkt.ToView()
			frame := view.AsSlice()
			copied := append([]byte(nil), frame...)
			pkt.DecRef()
			if err := netdev.EnqueueRxPacket(copied); err != nil {
				debug.Writef("virtio.netstack", "enqueue rx: %v", err)
			}
		}
	}()
}

// Close tears down the backend's read loop and stack.
func (b *NetstackBackend) Close() {
	b.cancel()
	b.stack.Close()
}

var (
	_ NetBackend      = (*NetstackBackend)(nil)
	_ netDeviceBinder = (*NetstackBackend)(nil)
)
