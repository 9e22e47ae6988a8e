package tinypan_test

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	tinypan "github.com/Akhil-Chaturvedi/TinyPAN"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/bnep"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal/simhal"
	panmetrics "github.com/Akhil-Chaturvedi/TinyPAN/internal/metrics"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pbuf"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/simnet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var napAddr = hal.BDAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

// testClock is a manually advanced millisecond tick.
type testClock struct {
	now uint32
}

func (c *testClock) tick() uint32 { return c.now }

// rig is a complete simulated deployment: client, radio, access
// point, reference stack, manual clock, recorded events.
type rig struct {
	clock  *testClock
	radio  *simhal.Radio
	nap    *simhal.NAP
	stack  *simnet.Stack
	client *tinypan.Client
	events []tinypan.Event
}

func newE2ERig(t *testing.T, mutate func(*tinypan.Config, *simhal.NAPConfig)) *rig {
	t.Helper()

	r := &rig{clock: &testClock{}}

	localBD := hal.BDAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	r.radio = simhal.NewRadio(localBD, simhal.Options{Clock: r.clock.tick})

	napCfg := simhal.NAPConfig{Addr: napAddr}
	cfg := tinypan.DefaultConfig()
	cfg.RemoteAddr = napAddr
	if mutate != nil {
		mutate(&cfg, &napCfg)
	}
	r.nap = simhal.NewNAP(napCfg)
	r.radio.AttachPeer(r.nap)

	clientMAC := bnep.EtherAddrFromBD(localBD)
	bridgePlaceholder := &deferredOutput{}
	r.stack = simnet.New(net.HardwareAddr(clientMAC[:]), bridgePlaceholder, pbuf.NewPool(0), nil)

	client, err := tinypan.NewClient(cfg, r.radio, r.stack)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	bridgePlaceholder.target = client
	r.client = client
	t.Cleanup(client.Close)

	client.SetEventCallback(func(ev tinypan.Event) {
		r.events = append(r.events, ev)
	})
	return r
}

// deferredOutput lets the stack be constructed before the client that
// carries its link output.
type deferredOutput struct {
	target interface {
		LinkOutput(p *pbuf.Buf) error
	}
}

func (d *deferredOutput) LinkOutput(p *pbuf.Buf) error {
	return d.target.LinkOutput(p)
}

// pump runs poll/process cycles, advancing the clock by stepMS each
// cycle.
func (r *rig) pump(cycles int, stepMS uint32) {
	for i := 0; i < cycles; i++ {
		r.radio.Poll()
		r.client.Process()
		r.clock.now += stepMS
	}
}

// stateChanges extracts the StateChanged sequence from the recorded
// events.
func (r *rig) stateChanges() []tinypan.State {
	var out []tinypan.State
	for _, ev := range r.events {
		if ev.Type == tinypan.EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *rig) hasEvent(t tinypan.EventType) bool {
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// TestHappyHandshakeToOnline drives the full attach sequence against
// the emulated access point: connect, BNEP setup, DHCP DORA, online.
func TestHappyHandshakeToOnline(t *testing.T) {
	r := newE2ERig(t, nil)

	if err := r.client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.client.State(); got != tinypan.StateConnecting {
		t.Fatalf("state after Start = %v, want Connecting", got)
	}

	r.pump(10, 10)

	if got := r.client.State(); got != tinypan.StateOnline {
		t.Fatalf("state = %v, want Online", got)
	}
	if !r.client.IsOnline() {
		t.Error("IsOnline() = false in Online with an address")
	}

	info := r.client.IPInfo()
	want := map[string]netip.Addr{
		"ip":      netip.AddrFrom4([4]byte{192, 168, 44, 2}),
		"netmask": netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		"gateway": netip.AddrFrom4([4]byte{192, 168, 44, 1}),
		"dns":     netip.AddrFrom4([4]byte{8, 8, 8, 8}),
	}
	if info.IP != want["ip"] || info.Netmask != want["netmask"] ||
		info.Gateway != want["gateway"] || info.DNS != want["dns"] {
		t.Errorf("IPInfo = %+v", info)
	}
	if !info.HasIP {
		t.Error("IPInfo.HasIP = false")
	}

	// The very first frame on the wire is the 7-byte setup request.
	if len(r.nap.Frames) == 0 {
		t.Fatal("no frames reached the access point")
	}
	wantSetup := []byte{0x01, 0x01, 0x02, 0x11, 0x16, 0x11, 0x15}
	if !bytes.Equal(r.nap.Frames[0], wantSetup) {
		t.Errorf("first frame = % 02x, want % 02x", r.nap.Frames[0], wantSetup)
	}

	if !r.hasEvent(tinypan.EventConnected) {
		t.Error("no Connected event")
	}
	if !r.hasEvent(tinypan.EventIPAcquired) {
		t.Error("no IPAcquired event")
	}

	// Edge-triggered StateChanged: the exact happy path, no
	// duplicates, no skips.
	wantStates := []tinypan.State{
		tinypan.StateConnecting, tinypan.StateBnepSetup,
		tinypan.StateDhcp, tinypan.StateOnline,
	}
	got := r.stateChanges()
	if len(got) != len(wantStates) {
		t.Fatalf("state changes = %v, want %v", got, wantStates)
	}
	for i := range wantStates {
		if got[i] != wantStates[i] {
			t.Fatalf("state changes = %v, want %v", got, wantStates)
		}
	}
}

// TestDhcpDiscoverOnWire inspects the DISCOVER as it crosses the
// simulated radio: a BNEP General Ethernet frame carrying
// IPv4 0.0.0.0 -> 255.255.255.255, UDP 68 -> 67.
func TestDhcpDiscoverOnWire(t *testing.T) {
	r := newE2ERig(t, nil)
	if err := r.client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.pump(10, 10)

	var discover []byte
	for _, f := range r.nap.Frames {
		if bnep.PacketType(f[0]&0x7f) != bnep.PacketControl {
			discover = f
			break
		}
	}
	if discover == nil {
		t.Fatal("no data frame reached the access point")
	}

	local := bnep.EtherAddrFromBD(hal.BDAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	eth, err := bnep.ParseEthernetFrame(discover, r.nap.MAC(), local)
	if err != nil {
		t.Fatalf("ParseEthernetFrame: %v", err)
	}
	if eth.EtherType != 0x0800 {
		t.Fatalf("ethertype = %#04x, want IPv4", eth.EtherType)
	}

	pkt := gopacket.NewPacket(eth.Payload, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udpLayer, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if ipLayer == nil || udpLayer == nil {
		t.Fatal("discover is not IPv4/UDP")
	}
	if !ipLayer.SrcIP.Equal(net.IPv4zero) || !ipLayer.DstIP.Equal(net.IPv4bcast) {
		t.Errorf("ip = %v -> %v, want 0.0.0.0 -> 255.255.255.255", ipLayer.SrcIP, ipLayer.DstIP)
	}
	if udpLayer.SrcPort != 68 || udpLayer.DstPort != 67 {
		t.Errorf("udp = %v -> %v, want 68 -> 67", udpLayer.SrcPort, udpLayer.DstPort)
	}
}

// TestSetupRejection: a NotAllowed verdict from the access point
// sends the supervisor into Reconnecting.
func TestSetupRejection(t *testing.T) {
	r := newE2ERig(t, func(_ *tinypan.Config, nap *simhal.NAPConfig) {
		nap.SetupResponse = bnep.SetupNotAllowed
	})
	if err := r.client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r.pump(3, 10)

	if got := r.client.State(); got != tinypan.StateReconnecting {
		t.Fatalf("state = %v, want Reconnecting", got)
	}
	if r.client.IsOnline() {
		t.Error("IsOnline() = true after rejection")
	}
}

// TestFilterDecline: an unsolicited filter request after the
// handshake is answered with Unsupported.
func TestFilterDecline(t *testing.T) {
	r := newE2ERig(t, nil)
	if err := r.client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.pump(10, 10)
	if got := r.client.State(); got != tinypan.StateOnline {
		t.Fatalf("state = %v, want Online", got)
	}

	before := len(r.nap.Frames)
	r.nap.SendControl([]byte{0x01, 0x03, 0x00, 0x02, 0x08, 0x00})
	r.pump(2, 10)

	want := []byte{0x01, 0x04, 0x00, 0x01}
	found := false
	for _, f := range r.nap.Frames[before:] {
		if bytes.Equal(f, want) {
			found = true
		}
	}
	if !found {
		t.Errorf("no filter decline on the wire; frames after request: %v", r.nap.Frames[before:])
	}
}

// TestLinkLossReconnectsAndRecovers: dropping the link from Online
// reconnects with the base delay (backoff was reset by the successful
// handshake) and comes back online.
func TestLinkLossReconnectsAndRecovers(t *testing.T) {
	r := newE2ERig(t, func(cfg *tinypan.Config, _ *simhal.NAPConfig) {
		cfg.ReconnectIntervalMS = 100
		cfg.ReconnectMaxMS = 400
	})
	if err := r.client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.pump(10, 10)
	if got := r.client.State(); got != tinypan.StateOnline {
		t.Fatalf("state = %v, want Online", got)
	}

	r.radio.DropLink()
	r.pump(1, 10)
	if got := r.client.State(); got != tinypan.StateReconnecting {
		t.Fatalf("state after link loss = %v, want Reconnecting", got)
	}
	if !r.hasEvent(tinypan.EventDisconnected) {
		t.Error("no Disconnected event after link loss")
	}
	if r.client.IPInfo().HasIP {
		t.Error("IP info survived link loss")
	}

	// The base interval elapses and a fresh attach succeeds.
	r.pump(25, 10)
	if got := r.client.State(); got != tinypan.StateOnline {
		t.Fatalf("state after recovery = %v, want Online", got)
	}
}

// TestStopEmitsDisconnectedAndClearsState covers the teardown
// contract: one Disconnected event, IP info gone, restartable.
func TestStopEmitsDisconnectedAndClearsState(t *testing.T) {
	r := newE2ERig(t, nil)
	if err := r.client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.pump(10, 10)
	if got := r.client.State(); got != tinypan.StateOnline {
		t.Fatalf("state = %v, want Online", got)
	}

	r.events = nil
	r.client.Stop()

	if got := r.client.State(); got != tinypan.StateIdle {
		t.Fatalf("state after Stop = %v, want Idle", got)
	}
	disconnects := 0
	for _, ev := range r.events {
		if ev.Type == tinypan.EventDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("Disconnected events = %d, want exactly 1", disconnects)
	}
	if r.client.IPInfo().HasIP {
		t.Error("IP info survived Stop")
	}
	if r.client.IsOnline() {
		t.Error("IsOnline() = true after Stop")
	}

	// Stop when already idle emits nothing further.
	r.events = nil
	r.client.Stop()
	if len(r.events) != 0 {
		t.Errorf("idle Stop emitted %v", r.events)
	}

	// Restartable.
	if err := r.client.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	r.pump(10, 10)
	if got := r.client.State(); got != tinypan.StateOnline {
		t.Errorf("state after restart = %v, want Online", got)
	}
}

// slipPeer is a byte-pipe far end that records everything the client
// transmits.
type slipPeer struct {
	received [][]byte
}

func (p *slipPeer) LinkEstablished(hal.BDAddr, func(frame []byte)) {}
func (p *slipPeer) LinkClosed()                                    {}

func (p *slipPeer) HandleFrame(frame []byte) {
	p.received = append(p.received, frame)
}

// recordingSLIPStack is a minimal netif.SLIPStack that counts RX
// signals and lets the test publish an address.
type recordingSLIPStack struct {
	onAddr    tinypan.AddrFunc
	processed int
	linkUps   int
}

func (s *recordingSLIPStack) SetAddrFunc(fn tinypan.AddrFunc) { s.onAddr = fn }
func (s *recordingSLIPStack) ProcessRxQueue()                 { s.processed++ }
func (s *recordingSLIPStack) LinkUp()                         { s.linkUps++ }
func (s *recordingSLIPStack) LinkDown()                       {}

// TestSLIPModeEndToEnd: in byte-pipe mode the setup phase completes
// without any BNEP traffic, escaped byte runs cross the link
// verbatim, and a companion-published address takes the client
// online.
func TestSLIPModeEndToEnd(t *testing.T) {
	clock := &testClock{}
	radio := simhal.NewRadio(hal.BDAddr{9, 8, 7, 6, 5, 4}, simhal.Options{Clock: clock.tick})
	peer := &slipPeer{}
	radio.AttachPeer(peer)

	stack := &recordingSLIPStack{}
	cfg := tinypan.DefaultConfig()
	cfg.RemoteAddr = napAddr

	client, err := tinypan.NewSLIPClient(cfg, radio, stack)
	if err != nil {
		t.Fatalf("NewSLIPClient: %v", err)
	}
	defer client.Close()

	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 4; i++ {
		radio.Poll()
		client.Process()
		clock.now += 10
	}

	if got := client.State(); got != tinypan.StateDhcp {
		t.Fatalf("state = %v, want Dhcp awaiting an address", got)
	}
	if stack.linkUps != 1 {
		t.Errorf("stack LinkUp calls = %d, want 1", stack.linkUps)
	}
	// No BNEP setup request may cross the wire in SLIP mode.
	for _, f := range peer.received {
		if len(f) > 0 && f[0] == 0x01 {
			t.Fatalf("BNEP control frame on a SLIP link: % 02x", f)
		}
	}

	// Outbound byte runs cross verbatim.
	run := []byte{0xC0, 0x45, 0x00, 0xDB, 0xDC, 0xC0}
	if err := client.SerialWrite(run); err != nil {
		t.Fatalf("SerialWrite: %v", err)
	}
	if len(peer.received) != 1 || !bytes.Equal(peer.received[0], run) {
		t.Fatalf("peer received %v, want the escaped run verbatim", peer.received)
	}

	// Inbound bytes land in the serial ring and signal the stack.
	radio.InjectReceive([]byte{0xC0, 0x01, 0x02, 0xC0})
	radio.Poll()
	client.Process()
	if stack.processed == 0 {
		t.Error("stack never signalled to process RX bytes")
	}
	var buf [16]byte
	if n := client.SerialRead(buf[:]); n != 4 || !bytes.Equal(buf[:n], []byte{0xC0, 0x01, 0x02, 0xC0}) {
		t.Errorf("SerialRead = % 02x (n=%d)", buf[:n], n)
	}

	// The companion app assigns an address: online.
	stack.onAddr(tinypan.IPInfo{
		IP:    netip.AddrFrom4([4]byte{10, 0, 0, 2}),
		HasIP: true,
	})
	client.Process()
	if got := client.State(); got != tinypan.StateOnline {
		t.Fatalf("state = %v, want Online after address publication", got)
	}
	if !client.IsOnline() {
		t.Error("IsOnline() = false")
	}
}

// counterSum totals every series of a counter/gauge family, or 0 when
// the family has no samples yet.
func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}

// TestMetricsWiring: every collector series the daemon exports must
// move with real activity — traffic and encapsulations on the way to
// Online, reconnect attempts and state transitions after a link loss.
func TestMetricsWiring(t *testing.T) {
	clock := &testClock{}
	radio := simhal.NewRadio(hal.BDAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		simhal.Options{Clock: clock.tick})
	nap := simhal.NewNAP(simhal.NAPConfig{Addr: napAddr})
	radio.AttachPeer(nap)

	clientMAC := bnep.EtherAddrFromBD(hal.BDAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	out := &deferredOutput{}
	stack := simnet.New(net.HardwareAddr(clientMAC[:]), out, pbuf.NewPool(0), nil)

	reg := prometheus.NewRegistry()
	collector := panmetrics.NewCollector(reg)

	cfg := tinypan.DefaultConfig()
	cfg.RemoteAddr = napAddr
	cfg.ReconnectIntervalMS = 100
	cfg.ReconnectMaxMS = 400

	client, err := tinypan.NewClient(cfg, radio, stack, tinypan.WithMetrics(collector))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	out.target = client
	defer client.Close()

	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 10; i++ {
		radio.Poll()
		client.Process()
		clock.now += 10
	}
	if got := client.State(); got != tinypan.StateOnline {
		t.Fatalf("state = %v, want Online", got)
	}

	// The DORA exchange moved frames both ways.
	if got := counterSum(t, reg, "tinypan_pan_frames_total"); got < 4 {
		t.Errorf("frames_total = %v, want >= 4 (discover/offer/request/ack)", got)
	}
	if got := counterSum(t, reg, "tinypan_pan_bytes_total"); got == 0 {
		t.Error("bytes_total = 0 after DORA traffic")
	}
	if got := counterSum(t, reg, "tinypan_pan_tx_encapsulations_total"); got < 2 {
		t.Errorf("tx_encapsulations_total = %v, want >= 2", got)
	}
	if got := counterSum(t, reg, "tinypan_pan_state_transitions_total"); got < 4 {
		t.Errorf("state_transitions_total = %v, want >= 4", got)
	}
	if got := counterSum(t, reg, "tinypan_pan_supervisor_state"); got != float64(tinypan.StateOnline) {
		t.Errorf("supervisor_state = %v, want %d", got, tinypan.StateOnline)
	}

	// A link loss followed by the backoff delay records a reconnect
	// attempt.
	radio.DropLink()
	for i := 0; i < 15; i++ {
		radio.Poll()
		client.Process()
		clock.now += 10
	}
	if got := counterSum(t, reg, "tinypan_pan_reconnect_attempts_total"); got < 1 {
		t.Errorf("reconnect_attempts_total = %v, want >= 1", got)
	}
}

// TestConnectFailureBackoffTiming verifies the facade-level pump
// honors the reconnect delay: with no peer attached, attempts are
// spaced by the growing backoff.
func TestConnectFailureBackoffTiming(t *testing.T) {
	clock := &testClock{}
	radio := simhal.NewRadio(hal.BDAddr{1, 2, 3, 4, 5, 6}, simhal.Options{Clock: clock.tick})
	// No peer attached: every connect fails.

	clientMAC := bnep.EtherAddrFromBD(hal.BDAddr{1, 2, 3, 4, 5, 6})
	out := &deferredOutput{}
	stack := simnet.New(net.HardwareAddr(clientMAC[:]), out, pbuf.NewPool(0), nil)

	cfg := tinypan.DefaultConfig()
	cfg.RemoteAddr = napAddr
	cfg.ReconnectIntervalMS = 100
	cfg.ReconnectMaxMS = 250
	cfg.MaxReconnectAttempts = 2

	client, err := tinypan.NewClient(cfg, radio, stack)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	out.target = client
	defer client.Close()

	var states []tinypan.State
	client.SetEventCallback(func(ev tinypan.Event) {
		if ev.Type == tinypan.EventStateChanged {
			states = append(states, ev.State)
		}
	})

	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 80; i++ {
		radio.Poll()
		client.Process()
		clock.now += 10
	}

	if got := client.State(); got != tinypan.StateError {
		t.Fatalf("state = %v, want Error after exhausting attempts", got)
	}

	// Connecting appears 1 (initial) + 2 (allowed attempts) times.
	connecting := 0
	for _, s := range states {
		if s == tinypan.StateConnecting {
			connecting++
		}
	}
	if connecting != 3 {
		t.Errorf("Connecting entered %d times, want 3", connecting)
	}
}
