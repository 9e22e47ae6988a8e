package bnep

import (
	"log/slog"
)

// -------------------------------------------------------------------------
// Channel State — BNEP v1.0 Section 2.6.3 connection setup
// -------------------------------------------------------------------------

// ChannelState is the BNEP per-session connection state.
type ChannelState uint8

const (
	// ChannelClosed indicates no BNEP connection is established.
	ChannelClosed ChannelState = iota

	// ChannelWaitConnectionRequest is the server-role state: waiting
	// for a peer's Setup Connection Request. Reserved; the PANU role
	// never enters it.
	ChannelWaitConnectionRequest

	// ChannelWaitConnectionResponse indicates a Setup Connection
	// Request was sent and the response is outstanding.
	ChannelWaitConnectionResponse

	// ChannelConnected indicates the setup handshake completed with
	// Success and data frames may flow.
	ChannelConnected
)

// channelStateNames maps channel states to human-readable strings.
var channelStateNames = [4]string{
	"Closed",
	"WaitConnectionRequest",
	"WaitConnectionResponse",
	"Connected",
}

// String returns the human-readable name for the channel state.
func (s ChannelState) String() string {
	if int(s) < len(channelStateNames) {
		return channelStateNames[s]
	}
	return "Unknown"
}

// -------------------------------------------------------------------------
// Send Abstraction
// -------------------------------------------------------------------------

// SendStatus is the tri-state result of handing a frame to the radio.
type SendStatus uint8

const (
	// SendOK indicates the frame was accepted for transmission.
	SendOK SendStatus = iota

	// SendBusy indicates the radio cannot take the frame right now;
	// the caller should retry on the next can-send-now signal.
	SendBusy

	// SendFailed indicates a hard transmit error; the frame is lost.
	SendFailed
)

// Sender abstracts transmitting raw BNEP frames on the L2CAP channel.
// The radio HAL implements it (through the bridge's adapter); tests
// substitute fakes.
type Sender interface {
	// Send hands one complete BNEP frame to the radio.
	Send(frame []byte) SendStatus

	// RequestCanSendNow asks the radio to signal when Send will
	// succeed again. The signal is delivered through the owner's
	// event plumbing, not through this interface.
	RequestCanSendNow()
}

// -------------------------------------------------------------------------
// Channel Hooks
// -------------------------------------------------------------------------

// Hooks are the channel's upward callbacks. All of them are invoked
// synchronously from the polling thread after the channel has finished
// its own state update.
type Hooks struct {
	// OnSetupResponse is called with the peer's setup response code,
	// Success or otherwise.
	OnSetupResponse func(code SetupResponseCode)

	// OnFrame delivers a parsed inbound Ethernet frame. The payload
	// aliases the receive buffer and must be consumed before return.
	OnFrame func(frame EthernetFrame)

	// OnStateChange is called after every channel state transition.
	OnStateChange func(state ChannelState)
}

// -------------------------------------------------------------------------
// Channel
// -------------------------------------------------------------------------

// pendingControlSize bounds the deferred control slot. Every control
// frame this side originates fits in 16 bytes.
const pendingControlSize = 16

// Channel is the client-side BNEP session: it runs the setup
// handshake, answers the peer's control messages, and hands inbound
// data frames upward once connected.
//
// A single pending-control slot holds at most one control frame that
// the radio refused with Busy. The slot has strictly higher drain
// priority than any data traffic; the bridge calls FlushPending before
// draining its data queue.
type Channel struct {
	state      ChannelState
	localAddr  EtherAddr
	remoteAddr EtherAddr

	sender Sender
	hooks  Hooks
	log    *slog.Logger

	pending    [pendingControlSize]byte
	pendingLen int
}

// NewChannel creates a closed channel for the given address pair.
// logger may be nil, in which case slog.Default() is used.
func NewChannel(local, remote EtherAddr, sender Sender, hooks Hooks, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		state:      ChannelClosed,
		localAddr:  local,
		remoteAddr: remote,
		sender:     sender,
		hooks:      hooks,
		log:        logger,
	}
}

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	return c.state
}

// LocalAddr returns the local MAC address bound to the channel.
func (c *Channel) LocalAddr() EtherAddr { return c.localAddr }

// RemoteAddr returns the peer MAC address bound to the channel.
func (c *Channel) RemoteAddr() EtherAddr { return c.remoteAddr }

// HasPendingControl reports whether a deferred control frame is
// waiting for a can-send-now signal.
func (c *Channel) HasPendingControl() bool {
	return c.pendingLen > 0
}

// ReadyForData reports whether data frames may be handed to the
// radio: the handshake completed and no control frame is pending.
func (c *Channel) ReadyForData() bool {
	return c.state == ChannelConnected && c.pendingLen == 0
}

// setState transitions the channel and notifies the owner. No-op when
// the state is unchanged.
func (c *Channel) setState(s ChannelState) {
	if c.state == s {
		return
	}
	c.log.Debug("bnep channel state", "from", c.state, "to", s)
	c.state = s
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

// Open starts the setup handshake: the channel advertises PANU as its
// source service and requests NAP from the peer. Called by the
// supervisor when the L2CAP channel comes up.
func (c *Channel) Open() {
	c.setState(ChannelWaitConnectionResponse)
	c.SendSetupRequest()
}

// SendSetupRequest (re)transmits the Setup Connection Request. The
// supervisor also calls it directly on setup timeout retries.
func (c *Channel) SendSetupRequest() {
	var buf [SetupRequestLen]byte
	n, err := BuildSetupRequest(buf[:], UUIDPANU, UUIDNAP)
	if err != nil {
		// Cannot happen with a correctly sized buffer.
		c.log.Error("build setup request", "err", err)
		return
	}
	c.sendOrDefer(buf[:n])
}

// Reset returns the channel to Closed and discards any pending
// control frame. Called on L2CAP disconnect and on supervisor stop.
func (c *Channel) Reset() {
	c.pendingLen = 0
	c.setState(ChannelClosed)
}

// sendOrDefer transmits a control frame, parking it in the pending
// slot when the radio is busy. A frame already parked is not
// displaced: control traffic is serialized by the protocol, so a
// second deferral only happens if the peer floods filter requests
// while the radio is saturated, and then the newest reply is the one
// that can be dropped.
func (c *Channel) sendOrDefer(frame []byte) {
	if c.pendingLen > 0 {
		c.log.Warn("control slot occupied, dropping control frame",
			"len", len(frame))
		return
	}
	switch c.sender.Send(frame) {
	case SendOK:
	case SendBusy:
		c.pendingLen = copy(c.pending[:], frame)
		c.sender.RequestCanSendNow()
	case SendFailed:
		c.log.Warn("control frame send failed", "len", len(frame))
	}
}

// FlushPending attempts to transmit the deferred control frame.
// It returns true when the slot is empty afterwards (the data queue
// may drain) and false when the radio is still busy, in which case a
// new can-send-now signal has been requested.
func (c *Channel) FlushPending() bool {
	if c.pendingLen == 0 {
		return true
	}
	switch c.sender.Send(c.pending[:c.pendingLen]) {
	case SendOK:
		c.pendingLen = 0
		return true
	case SendBusy:
		c.sender.RequestCanSendNow()
		return false
	case SendFailed:
		c.log.Warn("pending control frame send failed", "len", c.pendingLen)
		c.pendingLen = 0
		return true
	}
	return false
}

// -------------------------------------------------------------------------
// Inbound Dispatch
// -------------------------------------------------------------------------

// HandleInbound processes one inbound BNEP packet from the L2CAP
// channel. Malformed packets are dropped with a log line; unknown
// control types are answered with Command Not Understood.
func (c *Channel) HandleInbound(b []byte) {
	hdr, err := ParseHeader(b)
	if err != nil {
		c.log.Debug("dropping inbound packet", "err", err, "len", len(b))
		return
	}

	if hdr.Type == PacketControl {
		c.handleControl(b)
		return
	}

	if c.state != ChannelConnected {
		c.log.Debug("dropping data frame, channel not connected",
			"state", c.state, "type", hdr.Type)
		return
	}

	frame, err := ParseEthernetFrame(b, c.localAddr, c.remoteAddr)
	if err != nil {
		c.log.Debug("dropping malformed data frame", "err", err)
		return
	}
	if c.hooks.OnFrame != nil {
		c.hooks.OnFrame(frame)
	}
}

// handleControl dispatches one inbound control packet.
func (c *Channel) handleControl(b []byte) {
	ct, body, err := ParseControl(b)
	if err != nil {
		c.log.Debug("dropping malformed control packet", "err", err)
		return
	}

	switch ct {
	case ControlSetupRequest:
		// This side is PANU only; a peer asking us to be its access
		// point is refused.
		dst, src, perr := ParseSetupRequest(body)
		c.log.Info("refusing peer setup request",
			"dst_uuid", dst, "src_uuid", src, "parse_err", perr)
		var buf [SetupResponseLen]byte
		n, _ := BuildSetupResponse(buf[:], SetupNotAllowed)
		c.sendOrDefer(buf[:n])

	case ControlSetupResponse:
		code, perr := ParseSetupResponse(b)
		if perr != nil {
			c.log.Debug("dropping malformed setup response", "err", perr)
			return
		}
		c.handleSetupResponse(code)

	case ControlFilterNetTypeSet:
		c.replyFilterUnsupported(ControlFilterNetTypeResponse)

	case ControlFilterMultiAddrSet:
		c.replyFilterUnsupported(ControlFilterMultiAddrResponse)

	case ControlFilterNetTypeResponse, ControlFilterMultiAddrResponse:
		// We never send filter requests, but a reply costs nothing
		// to tolerate.
		c.log.Debug("ignoring unsolicited filter response", "type", ct)

	case ControlCommandNotUnderstood:
		tag := byte(0xff)
		if len(body) > 0 {
			tag = body[0]
		}
		c.log.Warn("peer did not understand control frame", "tag", tag)

	default:
		c.log.Warn("unknown control type", "type", uint8(ct))
		var buf [CommandNotUnderstoodLen]byte
		n, _ := BuildCommandNotUnderstood(buf[:], byte(ct))
		c.sendOrDefer(buf[:n])
	}
}

// handleSetupResponse applies the peer's verdict on our setup request.
func (c *Channel) handleSetupResponse(code SetupResponseCode) {
	if c.state != ChannelWaitConnectionResponse {
		c.log.Debug("ignoring setup response", "state", c.state, "code", code)
		return
	}

	if code == SetupSuccess {
		c.setState(ChannelConnected)
	} else {
		c.log.Warn("setup rejected by peer", "code", code)
		c.setState(ChannelClosed)
	}
	if c.hooks.OnSetupResponse != nil {
		c.hooks.OnSetupResponse(code)
	}
}

// replyFilterUnsupported declines a filter set request. Filtering is
// left to the access point; Unsupported tells the peer to keep
// sending everything, which BNEP permits for a device that does not
// filter.
func (c *Channel) replyFilterUnsupported(respType ControlType) {
	var buf [FilterResponseLen]byte
	n, err := BuildFilterResponse(buf[:], respType, FilterUnsupported)
	if err != nil {
		c.log.Error("build filter response", "err", err)
		return
	}
	c.sendOrDefer(buf[:n])
}
