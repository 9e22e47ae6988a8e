// Package simnet is a reference implementation of the netif contract:
// a deliberately small IPv4 host stack that can take a fresh link
// from DHCP to a bound address and keep the lease alive.
//
// It exists for host-side use — the tinypand sim mode and the
// end-to-end suite — where a full embedded IP stack would be dead
// weight. It speaks exactly enough: a broadcast DHCP DORA client and
// lease renewal at T1. ARP is intentionally absent; the only unicast
// destination it ever needs is the access point, whose MAC it learns
// from the DHCP server's own frames.
package simnet

import (
	"log/slog"
	"math"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/netif"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pbuf"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/tick"
)

// Output is where the stack hands outbound Ethernet frames; the
// bridge implements it.
type Output interface {
	LinkOutput(p *pbuf.Buf) error
}

// dhcpState is the DORA client state.
type dhcpState uint8

const (
	dhcpIdle dhcpState = iota
	dhcpSelecting
	dhcpRequesting
	dhcpBound
)

// retryMS is the DHCP retransmission interval.
const retryMS = 4000

// noTimeout mirrors the supervisor's "no pending timer" oracle value.
const noTimeout = math.MaxUint32

// Stack is the reference netif collaborator. Single-threaded, like
// everything else on the pump.
type Stack struct {
	mac    net.HardwareAddr
	out    Output
	pool   *pbuf.Pool
	log    *slog.Logger
	onAddr netif.AddrFunc

	linkUp bool
	active bool
	state  dhcpState

	xid       dhcpv4.TransactionID
	offer     *dhcpv4.DHCPv4
	serverMAC net.HardwareAddr

	needDiscover bool
	needRequest  bool
	lastTxAt     uint32
	boundAt      uint32
	leaseMS      uint32

	info netif.IPInfo
}

// New creates a stack for the given client MAC, emitting frames into
// out. logger may be nil.
func New(mac net.HardwareAddr, out Output, pool *pbuf.Pool, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{
		mac:  mac,
		out:  out,
		pool: pool,
		log:  logger,
	}
}

// SetAddrFunc registers the address-change consumer.
func (s *Stack) SetAddrFunc(fn netif.AddrFunc) {
	s.onAddr = fn
}

// Info returns the current address set.
func (s *Stack) Info() netif.IPInfo {
	return s.info
}

// -------------------------------------------------------------------------
// netif.Stack
// -------------------------------------------------------------------------

// LinkUp marks the link usable.
func (s *Stack) LinkUp() {
	s.linkUp = true
}

// LinkDown marks the link unusable and drops any held address.
func (s *Stack) LinkDown() {
	s.linkUp = false
	s.dropAddress()
}

// DHCPStart begins address acquisition. The discover goes out on the
// next Process call, from the pump, never from inside the caller's
// own transition.
func (s *Stack) DHCPStart() {
	s.active = true
	s.state = dhcpSelecting
	s.needDiscover = true
	s.offer = nil
}

// DHCPStop abandons the lease.
func (s *Stack) DHCPStop() {
	s.active = false
	s.state = dhcpIdle
	s.needDiscover = false
	s.needRequest = false
	s.dropAddress()
}

// dropAddress clears the cached address and notifies, once.
func (s *Stack) dropAddress() {
	if !s.info.HasIP {
		return
	}
	s.info = netif.IPInfo{}
	if s.onAddr != nil {
		s.onAddr(s.info)
	}
}

// EthernetInput consumes one inbound frame. Only IPv4/UDP traffic for
// the DHCP client port is interesting; everything else is dropped
// silently.
func (s *Stack) EthernetInput(p *pbuf.Buf) {
	defer p.Free()
	if !s.active {
		return
	}

	pkt := gopacket.NewPacket(p.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if ethLayer == nil || udpLayer == nil {
		return
	}
	eth := ethLayer.(*layers.Ethernet)
	udp := udpLayer.(*layers.UDP)
	if udp.DstPort != 68 {
		return
	}

	msg, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		s.log.Debug("dropping malformed dhcp reply", "err", err)
		return
	}
	if msg.TransactionID != s.xid {
		s.log.Debug("dropping dhcp reply with foreign xid", "xid", msg.TransactionID)
		return
	}

	switch msg.MessageType() {
	case dhcpv4.MessageTypeOffer:
		if s.state != dhcpSelecting {
			return
		}
		s.offer = msg
		s.serverMAC = eth.SrcMAC
		s.state = dhcpRequesting
		s.needRequest = true

	case dhcpv4.MessageTypeAck:
		if s.state != dhcpRequesting && s.state != dhcpBound {
			return
		}
		s.bind(msg)

	case dhcpv4.MessageTypeNak:
		s.log.Info("dhcp nak, restarting discovery")
		s.state = dhcpSelecting
		s.offer = nil
		s.needDiscover = true
	}
}

// bind applies an ACK: cache the address set and publish it.
func (s *Stack) bind(ack *dhcpv4.DHCPv4) {
	ip, ok := netip.AddrFromSlice(ack.YourIPAddr.To4())
	if !ok {
		s.log.Warn("dhcp ack without usable address")
		return
	}

	info := netif.IPInfo{IP: ip, HasIP: true}
	if mask := ack.SubnetMask(); mask != nil {
		info.Netmask, _ = netip.AddrFromSlice(net.IP(mask).To4())
	}
	if routers := ack.Router(); len(routers) > 0 {
		info.Gateway, _ = netip.AddrFromSlice(routers[0].To4())
	}
	if dns := ack.DNS(); len(dns) > 0 {
		info.DNS, _ = netip.AddrFromSlice(dns[0].To4())
	}

	lease := ack.IPAddressLeaseTime(0)
	s.leaseMS = uint32(lease.Milliseconds())
	s.state = dhcpBound
	s.boundAt = s.lastTxAt

	alreadyHad := s.info.HasIP
	s.info = info
	if !alreadyHad && s.onAddr != nil {
		s.onAddr(info)
	}
	s.log.Info("dhcp bound", "ip", info.IP, "gw", info.Gateway,
		"lease_ms", s.leaseMS)
}

// -------------------------------------------------------------------------
// Timer pump
// -------------------------------------------------------------------------

// Process advances the DHCP client: sends deferred messages and
// handles retransmission and renewal timers.
func (s *Stack) Process(now uint32) {
	if !s.linkUp || !s.active {
		return
	}

	switch {
	case s.needDiscover:
		s.needDiscover = false
		s.sendDiscover(now)

	case s.needRequest:
		s.needRequest = false
		s.sendRequest(now)

	case s.state == dhcpSelecting && tick.HasElapsed(now, s.lastTxAt, retryMS):
		s.sendDiscover(now)

	case s.state == dhcpRequesting && tick.HasElapsed(now, s.lastTxAt, retryMS):
		s.sendRequest(now)

	case s.state == dhcpBound && s.leaseMS > 0 &&
		tick.HasElapsed(now, s.boundAt, s.leaseMS/2):
		// T1: re-request the bound address.
		s.log.Debug("dhcp renewing lease")
		s.sendRequest(now)
		s.boundAt = now
	}
}

// NextTimeout returns the milliseconds until the stack next needs the
// pump, or noTimeout when idle.
func (s *Stack) NextTimeout(now uint32) uint32 {
	if !s.linkUp || !s.active {
		return noTimeout
	}
	if s.needDiscover || s.needRequest {
		return 0
	}
	switch s.state {
	case dhcpSelecting, dhcpRequesting:
		return tick.Remaining(now, s.lastTxAt, retryMS)
	case dhcpBound:
		if s.leaseMS == 0 {
			return noTimeout
		}
		return tick.Remaining(now, s.boundAt, s.leaseMS/2)
	default:
		return noTimeout
	}
}

// -------------------------------------------------------------------------
// Transmission
// -------------------------------------------------------------------------

// sendDiscover broadcasts a fresh DHCPDISCOVER.
func (s *Stack) sendDiscover(now uint32) {
	discover, err := dhcpv4.NewDiscovery(s.mac)
	if err != nil {
		s.log.Error("build dhcp discover", "err", err)
		return
	}
	s.xid = discover.TransactionID
	s.lastTxAt = now
	s.sendDHCP(discover)
}

// sendRequest broadcasts a DHCPREQUEST for the held offer.
func (s *Stack) sendRequest(now uint32) {
	if s.offer == nil {
		// Lost the offer (e.g. restart); fall back to discovery.
		s.state = dhcpSelecting
		s.sendDiscover(now)
		return
	}
	req, err := dhcpv4.NewRequestFromOffer(s.offer)
	if err != nil {
		s.log.Error("build dhcp request", "err", err)
		return
	}
	s.xid = req.TransactionID
	s.lastTxAt = now
	s.sendDHCP(req)
}

// sendDHCP wraps a client DHCP message in UDP/IPv4/Ethernet broadcast
// and pushes it out the link.
func (s *Stack) sendDHCP(msg *dhcpv4.DHCPv4) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       s.mac,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4zero,
		DstIP:    net.IPv4bcast,
	}
	udpLayer := &layers.UDP{SrcPort: 68, DstPort: 67}
	if err := udpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		s.log.Error("udp checksum setup", "err", err)
		return
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts,
		ethLayer, ipLayer, udpLayer, gopacket.Payload(msg.ToBytes())); err != nil {
		s.log.Error("serialize dhcp message", "err", err)
		return
	}

	wire := buf.Bytes()
	p, err := s.pool.Get(len(wire))
	if err != nil {
		s.log.Warn("dhcp frame too large for pool", "len", len(wire))
		return
	}
	copy(p.Bytes(), wire)
	if err := s.out.LinkOutput(p); err != nil {
		s.log.Debug("dhcp frame not taken by link", "err", err)
	}
	p.Free()
}
