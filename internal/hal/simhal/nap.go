package simhal

import (
	"log/slog"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/bnep"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal"
)

// NAPConfig parameterizes the emulated access point.
type NAPConfig struct {
	// Addr is the access point's Bluetooth device address.
	Addr hal.BDAddr

	// SetupResponse is the verdict returned to setup requests.
	// Defaults to Success.
	SetupResponse bnep.SetupResponseCode

	// ServerIP / ClientIP / Netmask / Gateway / DNS describe the
	// DHCP pool (one client). Zero values select the 192.168.44.0/24
	// defaults.
	ServerIP net.IP
	ClientIP net.IP
	Netmask  net.IPMask
	Gateway  net.IP
	DNS      net.IP

	// LeaseSeconds is the offered lease time. Zero selects 3600.
	LeaseSeconds uint32

	// DisableDHCP makes the NAP ignore DHCP traffic, for timeout
	// scenarios.
	DisableDHCP bool

	// Logger may be nil.
	Logger *slog.Logger
}

// NAP emulates the phone side of the link: it answers the BNEP setup
// handshake and runs a single-lease DHCP server over the emulated
// Ethernet segment.
type NAP struct {
	cfg       NAPConfig
	mac       bnep.EtherAddr
	clientMAC bnep.EtherAddr
	tx        func(frame []byte)
	log       *slog.Logger

	// Frames captures everything the client transmitted, for test
	// inspection.
	Frames [][]byte
}

// NewNAP creates an access-point emulator.
func NewNAP(cfg NAPConfig) *NAP {
	if cfg.ServerIP == nil {
		cfg.ServerIP = net.IPv4(192, 168, 44, 1)
	}
	if cfg.ClientIP == nil {
		cfg.ClientIP = net.IPv4(192, 168, 44, 2)
	}
	if cfg.Netmask == nil {
		cfg.Netmask = net.CIDRMask(24, 32)
	}
	if cfg.Gateway == nil {
		cfg.Gateway = cfg.ServerIP
	}
	if cfg.DNS == nil {
		cfg.DNS = net.IPv4(8, 8, 8, 8)
	}
	if cfg.LeaseSeconds == 0 {
		cfg.LeaseSeconds = 3600
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &NAP{
		cfg: cfg,
		mac: bnep.EtherAddrFromBD(cfg.Addr),
		log: cfg.Logger,
	}
}

// MAC returns the NAP's Ethernet address.
func (n *NAP) MAC() bnep.EtherAddr {
	return n.mac
}

// LinkEstablished implements Peer.
func (n *NAP) LinkEstablished(clientAddr hal.BDAddr, tx func(frame []byte)) {
	n.clientMAC = bnep.EtherAddrFromBD(clientAddr)
	n.tx = tx
}

// LinkClosed implements Peer.
func (n *NAP) LinkClosed() {
	n.tx = nil
}

// HandleFrame implements Peer: BNEP dispatch for everything the
// client sends.
func (n *NAP) HandleFrame(frame []byte) {
	n.Frames = append(n.Frames, frame)

	hdr, err := bnep.ParseHeader(frame)
	if err != nil {
		n.log.Warn("nap: dropping malformed frame", "err", err)
		return
	}

	if hdr.Type == bnep.PacketControl {
		n.handleControl(frame)
		return
	}

	eth, err := bnep.ParseEthernetFrame(frame, n.mac, n.clientMAC)
	if err != nil {
		n.log.Warn("nap: dropping malformed data frame", "err", err)
		return
	}
	if eth.EtherType == uint16(layers.EthernetTypeIPv4) && !n.cfg.DisableDHCP {
		n.handleIPv4(eth)
	}
}

// handleControl answers the client's control traffic: the setup
// request gets the configured verdict, filter requests are accepted.
func (n *NAP) handleControl(frame []byte) {
	ct, _, err := bnep.ParseControl(frame)
	if err != nil {
		return
	}
	switch ct {
	case bnep.ControlSetupRequest:
		var buf [bnep.SetupResponseLen]byte
		cnt, _ := bnep.BuildSetupResponse(buf[:], n.cfg.SetupResponse)
		n.send(buf[:cnt])
	case bnep.ControlFilterNetTypeSet:
		var buf [bnep.FilterResponseLen]byte
		cnt, _ := bnep.BuildFilterResponse(buf[:], bnep.ControlFilterNetTypeResponse, bnep.FilterSuccess)
		n.send(buf[:cnt])
	case bnep.ControlFilterMultiAddrSet:
		var buf [bnep.FilterResponseLen]byte
		cnt, _ := bnep.BuildFilterResponse(buf[:], bnep.ControlFilterMultiAddrResponse, bnep.FilterSuccess)
		n.send(buf[:cnt])
	default:
	}
}

// SendControl injects an arbitrary control frame towards the client,
// for scripted scenarios (filter requests, unknown commands).
func (n *NAP) SendControl(frame []byte) {
	n.send(frame)
}

// handleIPv4 runs the DHCP server over the client's IPv4 traffic.
func (n *NAP) handleIPv4(eth bnep.EthernetFrame) {
	pkt := gopacket.NewPacket(eth.Payload, layers.LayerTypeIPv4, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp := udpLayer.(*layers.UDP)
	if udp.DstPort != 67 {
		return
	}

	req, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		n.log.Warn("nap: malformed dhcp message", "err", err)
		return
	}

	var msgType dhcpv4.MessageType
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		msgType = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		msgType = dhcpv4.MessageTypeAck
	default:
		return
	}

	reply, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithYourIP(n.cfg.ClientIP),
		dhcpv4.WithServerIP(n.cfg.ServerIP),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(n.cfg.ServerIP)),
		dhcpv4.WithNetmask(n.cfg.Netmask),
		dhcpv4.WithRouter(n.cfg.Gateway),
		dhcpv4.WithDNS(n.cfg.DNS),
		dhcpv4.WithLeaseTime(n.cfg.LeaseSeconds),
	)
	if err != nil {
		n.log.Error("nap: build dhcp reply", "err", err)
		return
	}

	n.sendDHCPReply(reply)
	n.log.Debug("nap: dhcp reply", "type", msgType, "yiaddr", n.cfg.ClientIP)
}

// sendDHCPReply wraps a DHCP message in UDP/IPv4/Ethernet and ships
// it as a BNEP General Ethernet frame.
func (n *NAP) sendDHCPReply(reply *dhcpv4.DHCPv4) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(n.mac[:]),
		DstMAC:       net.HardwareAddr(n.clientMAC[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    n.cfg.ServerIP,
		DstIP:    net.IPv4bcast,
	}
	udpLayer := &layers.UDP{SrcPort: 67, DstPort: 68}
	if err := udpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		n.log.Error("nap: udp checksum setup", "err", err)
		return
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts,
		ethLayer, ipLayer, udpLayer, gopacket.Payload(reply.ToBytes())); err != nil {
		n.log.Error("nap: serialize dhcp reply", "err", err)
		return
	}

	wire := buf.Bytes()
	out := make([]byte, bnep.GeneralHeaderLen+len(wire)-14)
	// Re-encapsulate: swap the Ethernet header for a BNEP general
	// header carrying the same addresses.
	if _, err := bnep.WriteGeneralHeader(out, n.clientMAC, n.mac, uint16(layers.EthernetTypeIPv4)); err != nil {
		return
	}
	copy(out[bnep.GeneralHeaderLen:], wire[14:])
	n.send(out)
}

// send injects one BNEP frame towards the client.
func (n *NAP) send(frame []byte) {
	if n.tx == nil {
		return
	}
	n.tx(frame)
}
