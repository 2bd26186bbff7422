package netbe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/tinyrange/virtnet/internal/mevent"
)

func init() {
	Register("netstack", openNetstack)
}

const (
	netstackNICID tcpip.NICID = 1

	// Backpressure limit for frames awaiting guest RX buffers. Past this
	// the stack's output is dropped like any congested link.
	netstackMaxPending = 256
)

var (
	netstackHostIP  = net.IPv4(10, 0, 2, 2)
	netstackHostMAC = net.HardwareAddr{0x02, 0x00, 0x0a, 0x00, 0x02, 0x02}
)

// netstackBackend runs a user-mode network stack as the host side of the
// link. Guest TX frames are injected into the stack; frames the stack
// emits queue up for the frontend's RX drain.
type netstackBackend struct {
	s      *stack.Stack
	ch     *channel.Endpoint
	cb     RxCallback
	cancel context.CancelFunc

	mu      sync.Mutex
	pending [][]byte
	vhdrLen int

	dns *dnsForwarder
}

func openNetstack(spec string, cb RxCallback, _ *mevent.Loop) (Backend, error) {
	withDNS := false
	switch spec {
	case "netstack":
	case "netstack:dns":
		withDNS = true
	default:
		return nil, fmt.Errorf("netbe: bad netstack spec %q", spec)
	}

	// The channel MTU is the L2 MTU; the ethernet wrapper subtracts the
	// header to arrive at a 1500-byte L3 MTU.
	ch := channel.New(netstackMaxPending, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(netstackHostMAC))
	ep := ethernet.New(ch)
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := s.CreateNIC(netstackNICID, ep); err != nil {
		return nil, fmt.Errorf("netbe: netstack CreateNIC: %s", err)
	}
	var host4 [4]byte
	copy(host4[:], netstackHostIP.To4())
	if err := s.AddProtocolAddress(netstackNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(host4),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("netbe: netstack address: %s", err)
	}
	s.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         netstackNICID,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	be := &netstackBackend{
		s:       s,
		ch:      ch,
		cb:      cb,
		cancel:  cancel,
		vhdrLen: 10,
	}
	go be.pump(ctx)

	if withDNS {
		fwd, err := startDNSForwarder(s)
		if err != nil {
			be.Close()
			return nil, err
		}
		be.dns = fwd
	}
	return be, nil
}

// pump moves frames from the stack's output queue into pending and pokes
// the frontend.
func (b *netstackBackend) pump(ctx context.Context) {
	for {
		pkt := b.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		b.mu.Lock()
		if len(b.pending) >= netstackMaxPending {
			b.mu.Unlock()
			slog.Debug("netbe: netstack rx queue full, dropping frame", "len", len(frame))
			continue
		}
		b.pending = append(b.pending, frame)
		b.mu.Unlock()

		if b.cb != nil {
			b.cb()
		}
	}
}

func (b *netstackBackend) Send(iov [][]byte, length int, more bool) (int, error) {
	_ = more
	buf := gather(iov)
	if len(buf) > length {
		buf = buf[:length]
	}
	b.mu.Lock()
	vhdrLen := b.vhdrLen
	b.mu.Unlock()
	if len(buf) < vhdrLen {
		return 0, fmt.Errorf("netbe: netstack tx frame shorter than vnet header (%d < %d)", len(buf), vhdrLen)
	}
	frame := buf[vhdrLen:]

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the L2 header itself; the protocol
	// argument is unused on this path.
	b.ch.InjectInbound(0, pkt)
	return length, nil
}

func (b *netstackBackend) Recv(iov [][]byte) (int, error) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	frame := b.pending[0]
	b.pending = b.pending[1:]
	vhdrLen := b.vhdrLen
	b.mu.Unlock()

	buf := make([]byte, vhdrLen+len(frame))
	copy(buf[vhdrLen:], frame)
	written := scatter(buf, iov)
	if written < len(buf) {
		slog.Debug("netbe: netstack rx frame truncated", "frame", len(buf), "written", written)
	}
	return written, nil
}

func (b *netstackBackend) Capabilities() uint64 {
	// Pure software path: no checksum or segmentation offloads.
	return 0
}

func (b *netstackBackend) SetCapabilities(features uint64, vhdrLen int) error {
	_ = features
	b.mu.Lock()
	b.vhdrLen = vhdrLen
	b.mu.Unlock()
	return nil
}

// Stack exposes the user-mode stack so tooling can dial the guest through
// it (gonet adapters).
func (b *netstackBackend) Stack() *stack.Stack { return b.s }

func (b *netstackBackend) Close() error {
	if b.dns != nil {
		b.dns.stop()
	}
	b.cancel()
	b.ch.Close()
	return nil
}

// hostUDPConn opens a PacketConn bound inside the user-mode stack, used by
// in-stack services like the DNS forwarder.
func hostUDPConn(s *stack.Stack, port uint16) (net.PacketConn, error) {
	var host4 [4]byte
	copy(host4[:], netstackHostIP.To4())
	conn, err := gonet.DialUDP(s, &tcpip.FullAddress{
		NIC:  netstackNICID,
		Addr: tcpip.AddrFrom4(host4),
		Port: port,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netbe: netstack udp bind :%d: %w", port, err)
	}
	return conn, nil
}

func hostResolve(name string) (string, error) {
	addrs, err := net.DefaultResolver.LookupHost(context.Background(), strings.TrimSuffix(name, "."))
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	return "", fmt.Errorf("netbe: no IPv4 address for %q", name)
}
