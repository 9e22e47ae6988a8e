package simnet_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/netif"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pbuf"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/simnet"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	serverMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	serverIP  = net.IPv4(192, 168, 44, 1)
	clientIP  = net.IPv4(192, 168, 44, 2)
)

// captureOutput records frames the stack emits.
type captureOutput struct {
	frames [][]byte
}

func (o *captureOutput) LinkOutput(p *pbuf.Buf) error {
	o.frames = append(o.frames, append([]byte(nil), p.Bytes()...))
	return nil
}

type fixture struct {
	out   *captureOutput
	pool  *pbuf.Pool
	stack *simnet.Stack
	addrs []netif.IPInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{out: &captureOutput{}, pool: pbuf.NewPool(0)}
	f.stack = simnet.New(clientMAC, f.out, f.pool, nil)
	f.stack.SetAddrFunc(func(info netif.IPInfo) {
		f.addrs = append(f.addrs, info)
	})
	f.stack.LinkUp()
	f.stack.DHCPStart()
	return f
}

// lastDHCP decodes the most recent emitted frame as a DHCP message.
func (f *fixture) lastDHCP(t *testing.T) *dhcpv4.DHCPv4 {
	t.Helper()

	if len(f.out.frames) == 0 {
		t.Fatal("no frames emitted")
	}
	frame := f.out.frames[len(f.out.frames)-1]
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil {
		t.Fatalf("frame is not UDP: % 02x", frame)
	}
	msg, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	return msg
}

// inject feeds a server frame into the stack.
func (f *fixture) inject(t *testing.T, reply *dhcpv4.DHCPv4) {
	t.Helper()

	ethLayer := &layers.Ethernet{
		SrcMAC:       serverMAC,
		DstMAC:       clientMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: serverIP, DstIP: net.IPv4bcast,
	}
	udpLayer := &layers.UDP{SrcPort: 67, DstPort: 68}
	if err := udpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		t.Fatalf("checksum setup: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts,
		ethLayer, ipLayer, udpLayer, gopacket.Payload(reply.ToBytes())); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	p, err := f.pool.Get(len(buf.Bytes()))
	if err != nil {
		t.Fatalf("pool.Get: %v", err)
	}
	copy(p.Bytes(), buf.Bytes())
	f.stack.EthernetInput(p)
}

// reply builds a server response to msg.
func reply(t *testing.T, req *dhcpv4.DHCPv4, mt dhcpv4.MessageType) *dhcpv4.DHCPv4 {
	t.Helper()

	resp, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithYourIP(clientIP),
		dhcpv4.WithServerIP(serverIP),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverIP)),
		dhcpv4.WithNetmask(net.CIDRMask(24, 32)),
		dhcpv4.WithRouter(serverIP),
		dhcpv4.WithDNS(net.IPv4(8, 8, 8, 8)),
		dhcpv4.WithLeaseTime(3600),
	)
	if err != nil {
		t.Fatalf("NewReplyFromRequest: %v", err)
	}
	return resp
}

// TestDORA walks the full client exchange and checks the published
// address set.
func TestDORA(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.stack.Process(0)
	discover := f.lastDHCP(t)
	if got := discover.MessageType(); got != dhcpv4.MessageTypeDiscover {
		t.Fatalf("first message = %v, want Discover", got)
	}

	f.inject(t, reply(t, discover, dhcpv4.MessageTypeOffer))
	f.stack.Process(10)
	request := f.lastDHCP(t)
	if got := request.MessageType(); got != dhcpv4.MessageTypeRequest {
		t.Fatalf("second message = %v, want Request", got)
	}

	f.inject(t, reply(t, request, dhcpv4.MessageTypeAck))

	if len(f.addrs) != 1 {
		t.Fatalf("address callbacks = %d, want 1", len(f.addrs))
	}
	info := f.addrs[0]
	if !info.HasIP {
		t.Fatal("HasIP = false after ACK")
	}
	if info.IP != netip.AddrFrom4([4]byte{192, 168, 44, 2}) {
		t.Errorf("ip = %v", info.IP)
	}
	if info.Netmask != netip.AddrFrom4([4]byte{255, 255, 255, 0}) {
		t.Errorf("netmask = %v", info.Netmask)
	}
	if info.Gateway != netip.AddrFrom4([4]byte{192, 168, 44, 1}) {
		t.Errorf("gateway = %v", info.Gateway)
	}
	if info.DNS != netip.AddrFrom4([4]byte{8, 8, 8, 8}) {
		t.Errorf("dns = %v", info.DNS)
	}
}

func TestDiscoverRetransmission(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stack.Process(0)
	if len(f.out.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(f.out.frames))
	}

	// Not yet due.
	f.stack.Process(3999)
	if len(f.out.frames) != 1 {
		t.Fatalf("retransmitted early: %d frames", len(f.out.frames))
	}

	f.stack.Process(4000)
	if len(f.out.frames) != 2 {
		t.Fatalf("frames = %d, want 2 after retry interval", len(f.out.frames))
	}
}

func TestForeignXIDIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stack.Process(0)
	discover := f.lastDHCP(t)

	offer := reply(t, discover, dhcpv4.MessageTypeOffer)
	offer.TransactionID = dhcpv4.TransactionID{0xde, 0xad, 0xbe, 0xef}
	f.inject(t, offer)

	f.stack.Process(10)
	if got := f.lastDHCP(t).MessageType(); got != dhcpv4.MessageTypeDiscover {
		t.Errorf("stack acted on foreign-xid offer: last message %v", got)
	}
}

func TestLinkDownDropsAddress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stack.Process(0)
	discover := f.lastDHCP(t)
	f.inject(t, reply(t, discover, dhcpv4.MessageTypeOffer))
	f.stack.Process(10)
	f.inject(t, reply(t, f.lastDHCP(t), dhcpv4.MessageTypeAck))
	if len(f.addrs) != 1 || !f.addrs[0].HasIP {
		t.Fatal("test setup: no address bound")
	}

	f.stack.LinkDown()

	if len(f.addrs) != 2 {
		t.Fatalf("address callbacks = %d, want 2", len(f.addrs))
	}
	if f.addrs[1].HasIP {
		t.Error("HasIP = true after link down")
	}
	if f.stack.Info().HasIP {
		t.Error("stack still holds an address")
	}
}

func TestNextTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// A deferred discover is due immediately.
	if got := f.stack.NextTimeout(0); got != 0 {
		t.Errorf("NextTimeout before discover = %d, want 0", got)
	}

	f.stack.Process(0)
	if got := f.stack.NextTimeout(1000); got != 3000 {
		t.Errorf("NextTimeout during selection = %d, want 3000", got)
	}

	f.stack.DHCPStop()
	if got := f.stack.NextTimeout(1000); got != uint32(0xFFFFFFFF) {
		t.Errorf("NextTimeout when stopped = %d, want none", got)
	}
}
