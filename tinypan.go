// Package tinypan attaches a device to a phone's Bluetooth tethering:
// it speaks the PAN User role over BNEP/L2CAP, bridges Ethernet
// frames between a radio HAL and an IP stack, and supervises the
// connection from idle through DHCP to online with wrap-safe timeouts
// and exponential-backoff reconnection.
//
// The client is strictly single-threaded and cooperative. The
// application owns the loop:
//
//	client, _ := tinypan.NewClient(cfg, radio, stack)
//	client.Start()
//	for {
//		radioPoll()              // platform event delivery
//		client.Process()
//		sleepMS(client.NextTimeout())
//	}
//
// Every entry point, every HAL callback and every IP-stack callback
// must run on that one thread.
package tinypan

import (
	"errors"
	"log/slog"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/bnep"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/bridge"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal"
	panmetrics "github.com/Akhil-Chaturvedi/TinyPAN/internal/metrics"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/netif"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pan"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pbuf"
)

// Re-exported collaborator types. The module's internal packages are
// not importable by applications; these aliases are the public
// surface for wiring a HAL and an IP stack.
type (
	// BDAddr is a 6-byte Bluetooth device address.
	BDAddr = hal.BDAddr

	// Radio is the radio HAL contract a platform port implements.
	Radio = hal.Radio

	// NetworkStack is the Ethernet-mode IP-stack contract.
	NetworkStack = netif.Stack

	// SLIPStack is the byte-pipe-mode IP-stack contract.
	SLIPStack = netif.SLIPStack

	// IPInfo is the address set published by the IP stack.
	IPInfo = netif.IPInfo

	// AddrFunc consumes address-state changes from the IP stack.
	AddrFunc = netif.AddrFunc

	// State is the supervisor state.
	State = pan.State
)

// ParseBDAddr parses "AA:BB:CC:DD:EE:FF" into a BDAddr.
func ParseBDAddr(s string) (BDAddr, error) {
	return hal.ParseBDAddr(s)
}

// Supervisor states, re-exported for applications.
const (
	StateIdle         = pan.StateIdle
	StateConnecting   = pan.StateConnecting
	StateBnepSetup    = pan.StateBnepSetup
	StateDhcp         = pan.StateDhcp
	StateOnline       = pan.StateOnline
	StateReconnecting = pan.StateReconnecting
	StateError        = pan.StateError
)

// NoTimeout is returned by NextTimeout when no timer is pending; the
// host may sleep indefinitely (until an external event).
const NoTimeout = pan.NoTimeout

// Lifecycle errors.
var (
	// ErrBadConfig indicates an unusable configuration (zero remote
	// address, nil collaborators).
	ErrBadConfig = errors.New("bad configuration")

	// ErrNotInitialized indicates use of a closed client.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrAlreadyStarted indicates Start on a running client.
	ErrAlreadyStarted = pan.ErrAlreadyStarted
)

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// Config carries the client parameters. Copied at NewClient; later
// mutation has no effect.
type Config struct {
	// RemoteAddr is the access point's Bluetooth device address.
	RemoteAddr BDAddr

	// ReconnectIntervalMS is the first backoff delay after a failure.
	ReconnectIntervalMS uint16

	// ReconnectMaxMS caps the exponential backoff.
	ReconnectMaxMS uint16

	// HeartbeatIntervalMS is reserved for a future link-health
	// monitor; the client stores it and does not act on it.
	HeartbeatIntervalMS uint16

	// HeartbeatRetries is reserved alongside the heartbeat interval.
	HeartbeatRetries uint8

	// MaxReconnectAttempts bounds reconnection; 0 means unlimited.
	MaxReconnectAttempts uint8

	// ForceUncompressedTX always emits 15-byte BNEP headers.
	ForceUncompressedTX bool

	// ConnectTimeoutMS, SetupTimeoutMS, SetupRetries and
	// DHCPTimeoutMS override the supervisor's timing; zero selects
	// the defaults.
	ConnectTimeoutMS uint32
	SetupTimeoutMS   uint32
	SetupRetries     uint8
	DHCPTimeoutMS    uint32
}

// DefaultConfig returns a Config with every tunable at its default.
// The remote address must still be filled in.
func DefaultConfig() Config {
	return Config{
		ReconnectIntervalMS:  pan.DefaultReconnectIntervalMS,
		ReconnectMaxMS:       pan.DefaultReconnectMaxMS,
		HeartbeatIntervalMS:  pan.DefaultHeartbeatIntervalMS,
		HeartbeatRetries:     pan.DefaultHeartbeatRetries,
		MaxReconnectAttempts: 0,
	}
}

// supervisorConfig maps the public config onto the supervisor's.
func (c Config) supervisorConfig() pan.Config {
	sc := pan.DefaultConfig()
	sc.ReconnectIntervalMS = c.ReconnectIntervalMS
	sc.ReconnectMaxMS = c.ReconnectMaxMS
	sc.MaxReconnectAttempts = c.MaxReconnectAttempts
	sc.HeartbeatIntervalMS = c.HeartbeatIntervalMS
	sc.HeartbeatRetries = c.HeartbeatRetries
	if c.ConnectTimeoutMS != 0 {
		sc.ConnectTimeoutMS = c.ConnectTimeoutMS
	}
	if c.SetupTimeoutMS != 0 {
		sc.SetupTimeoutMS = c.SetupTimeoutMS
	}
	if c.SetupRetries != 0 {
		sc.SetupRetries = c.SetupRetries
	}
	if c.DHCPTimeoutMS != 0 {
		sc.DHCPTimeoutMS = c.DHCPTimeoutMS
	}
	return sc
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// EventType identifies an application-visible event.
type EventType uint8

const (
	// EventStateChanged reports a supervisor state transition.
	// Edge-triggered: one per observed transition.
	EventStateChanged EventType = iota

	// EventConnected reports BNEP handshake completion.
	EventConnected

	// EventDisconnected reports loss (or teardown) of the link.
	EventDisconnected

	// EventIPAcquired reports a usable address.
	EventIPAcquired

	// EventIPLost reports the address went away.
	EventIPLost

	// EventError reports entry into the terminal Error state.
	EventError
)

// eventTypeNames maps event types to human-readable strings.
var eventTypeNames = [6]string{
	"StateChanged",
	"Connected",
	"Disconnected",
	"IPAcquired",
	"IPLost",
	"Error",
}

// String returns the human-readable name for the event type.
func (e EventType) String() string {
	if int(e) < len(eventTypeNames) {
		return eventTypeNames[e]
	}
	return "Unknown"
}

// Event is one application notification.
type Event struct {
	// Type identifies the event.
	Type EventType

	// State carries the supervisor state at emission time.
	State State

	// IPInfo carries the address set for EventIPAcquired.
	IPInfo IPInfo
}

// EventFunc consumes client events. Invoked on the polling thread,
// after the client finished all internal state updates for the cycle.
type EventFunc func(ev Event)

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// clampActiveMS bounds the sleep during handshake-active states so a
// missed transition is picked up promptly.
const clampActiveMS = 50

// Option configures optional Client parameters.
type Option func(*Client)

// WithLogger attaches a logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches a Prometheus collector fed from the pump.
func WithMetrics(m *panmetrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client is the public facade: lifecycle, event fan-out, IP-info
// cache, and the sleep oracle. Strictly single-threaded.
//
// The transport binding is fixed at construction: NewClient wires the
// Ethernet (BNEP) mode, NewSLIPClient the byte-pipe mode. Exactly one
// of stack/slip is non-nil; in SLIP mode there is no BNEP channel and
// the setup phase completes trivially.
type Client struct {
	cfg   Config
	radio Radio
	stack NetworkStack
	slip  netif.SLIPStack
	log   *slog.Logger

	pool    *pbuf.Pool
	channel *bnep.Channel
	br      *bridge.Bridge
	sup     *pan.Supervisor

	metrics  *panmetrics.Collector
	peerName string

	// publishedStats is the bridge counter snapshot already pushed to
	// the collector; each cycle publishes only the delta, so the
	// monotonic counters stay counters on the Prometheus side.
	publishedStats bridge.Stats

	eventCb      EventFunc
	lastReported State
	cycleEvents  []Event
	inFanout     bool

	info netif.IPInfo

	// connectFailPending defers an immediate connect error into the
	// next Process cycle, keeping HAL error delivery off the
	// supervisor's own call stack.
	connectFailPending bool

	// slipLinkReady defers the SLIP mode's trivial "handshake done"
	// into the next Process cycle, so the Connecting -> BnepSetup ->
	// Dhcp transitions are observed as distinct states.
	slipLinkReady bool

	closed bool
}

// NewClient initializes an Ethernet (BNEP) mode client against a
// radio and an IP stack. The radio is brought up here; Close releases
// it.
func NewClient(cfg Config, radio Radio, stack NetworkStack, opts ...Option) (*Client, error) {
	if radio == nil || stack == nil || cfg.RemoteAddr.IsZero() {
		return nil, ErrBadConfig
	}

	c := newClientCore(cfg, radio, opts)
	c.stack = stack

	if err := radio.Init(); err != nil {
		return nil, err
	}

	localMAC := bnep.EtherAddrFromBD(radio.LocalAddress())
	remoteMAC := bnep.EtherAddrFromBD(cfg.RemoteAddr)

	c.channel = bnep.NewChannel(localMAC, remoteMAC,
		bridge.NewRadioSender(radio),
		bnep.Hooks{
			OnSetupResponse: c.onSetupResponse,
			OnFrame:         c.onInboundFrame,
		},
		c.log)
	c.br = bridge.NewEthernet(radio, c.channel, stack, c.pool,
		bridge.Options{ForceUncompressedTX: cfg.ForceUncompressedTX}, c.log)
	c.sup = pan.New(cfg.supervisorConfig(), c.ports(), c.log)

	radio.SetReceiveCallback(c.onRadioReceive)
	radio.SetEventCallback(c.onRadioEvent)
	stack.SetAddrFunc(c.onAddrChange)
	return c, nil
}

// NewSLIPClient initializes a byte-pipe (SLIP) mode client: no BNEP
// channel, the link carries RFC 1055 byte runs verbatim, and the far
// side provides addressing.
func NewSLIPClient(cfg Config, radio Radio, stack SLIPStack, opts ...Option) (*Client, error) {
	if radio == nil || stack == nil || cfg.RemoteAddr.IsZero() {
		return nil, ErrBadConfig
	}

	c := newClientCore(cfg, radio, opts)
	c.slip = stack

	if err := radio.Init(); err != nil {
		return nil, err
	}

	c.br = bridge.NewSLIP(radio, stack, c.pool, c.log)
	c.sup = pan.New(cfg.supervisorConfig(), c.ports(), c.log)

	radio.SetReceiveCallback(c.onRadioReceive)
	radio.SetEventCallback(c.onRadioEvent)
	stack.SetAddrFunc(c.onAddrChange)
	return c, nil
}

// newClientCore builds the mode-independent part of a client.
func newClientCore(cfg Config, radio Radio, opts []Option) *Client {
	c := &Client{
		cfg:          cfg,
		radio:        radio,
		log:          slog.Default(),
		peerName:     cfg.RemoteAddr.String(),
		lastReported: pan.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = pbuf.NewPool(0)
	return c
}

// ports wires the supervisor's side effects to the siblings.
func (c *Client) ports() pan.Ports {
	return pan.Ports{
		Connect: func() {
			err := c.radio.L2CAPConnect(c.cfg.RemoteAddr, bnep.PSM, bnep.MinMTU)
			if err != nil {
				c.log.Warn("l2cap connect request failed", "err", err)
				c.connectFailPending = true
			}
		},
		Disconnect: func() {
			c.radio.L2CAPDisconnect()
			if c.channel != nil {
				c.channel.Reset()
			}
			c.slipLinkReady = false
			c.br.Flush()
		},
		OpenChannel: func() {
			if c.channel != nil {
				c.channel.Open()
			} else {
				// SLIP mode has no handshake; complete the setup
				// phase on the next Process cycle.
				c.slipLinkReady = true
			}
		},
		ResendSetup: func() {
			if c.channel != nil {
				c.channel.SendSetupRequest()
			}
		},
		LinkUp: func() {
			c.br.SetLinkUp(true)
			if c.stack != nil {
				c.stack.LinkUp()
				c.stack.DHCPStart()
			} else {
				c.slip.LinkUp()
			}
		},
		LinkDown: func() {
			c.br.SetLinkUp(false)
			if c.stack != nil {
				c.stack.DHCPStop()
				c.stack.LinkDown()
			} else {
				c.slip.LinkDown()
			}
		},
		RestartDHCP: func() {
			if c.stack != nil {
				c.stack.DHCPStop()
				c.stack.DHCPStart()
			}
		},
		OnStateChange: func(oldState, newState pan.State) {
			if c.metrics != nil {
				c.metrics.RecordStateTransition(c.peerName, oldState.String(), newState.String())
			}
			if newState == pan.StateError {
				c.queueEvent(Event{Type: EventError})
			}
		},
		OnReconnectAttempt: func(uint32) {
			if c.metrics != nil {
				c.metrics.IncReconnectAttempts(c.peerName)
			}
		},
	}
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// SetEventCallback registers the application event consumer.
func (c *Client) SetEventCallback(fn EventFunc) {
	c.eventCb = fn
}

// Start begins connecting to the configured access point.
func (c *Client) Start() error {
	if c.closed {
		return ErrNotInitialized
	}
	err := c.sup.Start(c.radio.MonotonicMS())
	c.finishCycle()
	return err
}

// Stop tears the link down and returns to Idle: the L2CAP channel is
// closed, the TX queue flushed, the IP info cleared. One Disconnected
// event is emitted when the client was not already idle.
func (c *Client) Stop() {
	if c.closed {
		return
	}
	prior := c.sup.State()
	c.sup.Stop(c.radio.MonotonicMS())
	c.info = netif.IPInfo{}
	if prior != pan.StateIdle {
		c.queueEvent(Event{Type: EventDisconnected})
	}
	c.finishCycle()
}

// Close stops the client and releases the radio. The client is dead
// afterwards.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.Stop()
	c.radio.Deinit()
	c.closed = true
}

// Process advances all timers. Call once per pump cycle.
func (c *Client) Process() {
	if c.closed {
		return
	}
	now := c.radio.MonotonicMS()

	if c.connectFailPending {
		c.connectFailPending = false
		c.sup.OnL2CAPConnectFailed(now)
	}
	if c.slipLinkReady {
		c.slipLinkReady = false
		c.sup.OnSetupResult(true, now)
		c.queueEvent(Event{Type: EventConnected})
	}

	c.sup.Process(now)
	if t, ok := c.stack.(netif.Ticker); ok {
		t.Process(now)
	}
	c.finishCycle()
}

// NextTimeout returns the milliseconds the host may sleep before the
// next Process call, combining the supervisor's and the IP stack's
// timers. Handshake-active states are clamped to keep missed
// transitions cheap.
func (c *Client) NextTimeout() uint32 {
	if c.closed {
		return NoTimeout
	}
	now := c.radio.MonotonicMS()

	next := c.sup.NextTimeout(now)
	if t, ok := c.stack.(netif.Ticker); ok {
		if st := t.NextTimeout(now); st < next {
			next = st
		}
	}

	switch c.sup.State() {
	case pan.StateConnecting, pan.StateBnepSetup, pan.StateDhcp:
		if next > clampActiveMS {
			next = clampActiveMS
		}
	}
	return next
}

// LinkOutput is the IP stack's outbound entry point: one Ethernet
// frame to encapsulate and transmit. The buffer is returned to the
// caller unchanged; queued transmissions work on a clone.
func (c *Client) LinkOutput(p *pbuf.Buf) error {
	if c.closed {
		return ErrNotInitialized
	}
	return c.br.LinkOutput(p)
}

// SerialWrite is the SLIP stack's outbound entry point: one run of
// already-escaped bytes, transmitted verbatim.
func (c *Client) SerialWrite(data []byte) error {
	if c.closed {
		return ErrNotInitialized
	}
	return c.br.SerialWrite(data)
}

// SerialRead drains pending inbound SLIP bytes; the SLIP stack's
// serial-read hook.
func (c *Client) SerialRead(buf []byte) int {
	if c.closed {
		return 0
	}
	return c.br.SerialRead(buf)
}

// -------------------------------------------------------------------------
// Observability
// -------------------------------------------------------------------------

// State returns the supervisor state.
func (c *Client) State() State {
	return c.sup.State()
}

// IsOnline reports whether the link is up with a usable address.
func (c *Client) IsOnline() bool {
	return c.sup.State() == pan.StateOnline && c.info.HasIP
}

// IPInfo returns the cached address set.
func (c *Client) IPInfo() IPInfo {
	return c.info
}

// -------------------------------------------------------------------------
// Internal callbacks
// -------------------------------------------------------------------------

// onRadioReceive is the HAL inbound entry point: route through the
// bridge, then fan out whatever the frame caused.
func (c *Client) onRadioReceive(b []byte) {
	if c.closed {
		return
	}
	c.br.OnRadioReceive(b)
	c.finishCycle()
}

// onRadioEvent is the HAL event entry point.
func (c *Client) onRadioEvent(ev hal.Event, status uint8) {
	if c.closed {
		return
	}
	now := c.radio.MonotonicMS()

	switch ev {
	case hal.EventConnected:
		c.sup.OnL2CAPConnected(now)

	case hal.EventConnectFailed:
		c.log.Debug("l2cap connect failed", "status", status)
		c.sup.OnL2CAPConnectFailed(now)

	case hal.EventDisconnected:
		prior := c.sup.State()
		if c.channel != nil {
			c.channel.Reset()
		}
		c.br.Flush()
		c.info = netif.IPInfo{}
		c.sup.OnL2CAPDisconnected(now)
		if prior != pan.StateIdle {
			c.queueEvent(Event{Type: EventDisconnected})
		}

	case hal.EventCanSendNow:
		c.br.OnCanSendNow()
	}

	c.finishCycle()
}

// onSetupResponse is the channel's handshake verdict hook.
func (c *Client) onSetupResponse(code bnep.SetupResponseCode) {
	now := c.radio.MonotonicMS()
	if code == bnep.SetupSuccess {
		c.sup.OnSetupResult(true, now)
		c.queueEvent(Event{Type: EventConnected})
	} else {
		c.sup.OnSetupResult(false, now)
	}
}

// onInboundFrame forwards parsed data frames to the bridge's inbound
// reshaper.
func (c *Client) onInboundFrame(frame bnep.EthernetFrame) {
	c.br.DeliverInbound(frame)
}

// onAddrChange is the IP stack's address hook.
func (c *Client) onAddrChange(info netif.IPInfo) {
	now := c.radio.MonotonicMS()
	if info.HasIP {
		c.info = info
		c.sup.OnIPAcquired(now)
		c.queueEvent(Event{Type: EventIPAcquired, IPInfo: info})
	} else {
		c.info = netif.IPInfo{}
		c.sup.OnIPLost(now)
		c.queueEvent(Event{Type: EventIPLost})
	}
	c.finishCycle()
}

// -------------------------------------------------------------------------
// Event fan-out
// -------------------------------------------------------------------------

// queueEvent defers one semantic event to the end of the cycle.
func (c *Client) queueEvent(ev Event) {
	c.cycleEvents = append(c.cycleEvents, ev)
}

// finishCycle fans out everything observed during one entry into the
// client: first the edge-triggered StateChanged, then the semantic
// events in occurrence order. Callbacks run only after all internal
// state has settled, and never recursively.
func (c *Client) finishCycle() {
	if c.inFanout {
		return
	}
	c.inFanout = true
	defer func() { c.inFanout = false }()

	state := c.sup.State()
	var out []Event
	if state != c.lastReported {
		c.lastReported = state
		out = append(out, Event{Type: EventStateChanged, State: state})
	}
	out = append(out, c.cycleEvents...)
	c.cycleEvents = nil

	if c.metrics != nil {
		c.metrics.SetSupervisorState(c.peerName, uint8(state))
		c.metrics.SetTxQueueDepth(c.peerName, c.br.QueueDepth())
		c.publishBridgeStats()
	}

	if c.eventCb == nil {
		return
	}
	for i := range out {
		out[i].State = state
		c.eventCb(out[i])
	}
}

// publishBridgeStats pushes the bridge counters accumulated since the
// last cycle into the collector.
func (c *Client) publishBridgeStats() {
	st := c.br.Stats()
	prev := c.publishedStats

	if st.FramesOut != prev.FramesOut || st.BytesOut != prev.BytesOut {
		c.metrics.AddTraffic(c.peerName, panmetrics.DirectionOut,
			st.FramesOut-prev.FramesOut, st.BytesOut-prev.BytesOut)
	}
	if st.FramesIn != prev.FramesIn || st.BytesIn != prev.BytesIn {
		c.metrics.AddTraffic(c.peerName, panmetrics.DirectionIn,
			st.FramesIn-prev.FramesIn, st.BytesIn-prev.BytesIn)
	}
	if n := st.TxFastPath - prev.TxFastPath; n > 0 {
		c.metrics.AddEncapsulations(c.peerName, panmetrics.PathFast, n)
	}
	if n := st.TxSlowPath - prev.TxSlowPath; n > 0 {
		c.metrics.AddEncapsulations(c.peerName, panmetrics.PathSlow, n)
	}
	if n := st.TxDropped - prev.TxDropped; n > 0 {
		c.metrics.AddTxDropped(c.peerName, n)
	}

	c.publishedStats = st
}
