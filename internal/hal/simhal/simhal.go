// Package simhal provides an in-process simulated radio: a hal.Radio
// whose L2CAP channel terminates in a scriptable access-point
// emulator instead of a Bluetooth controller.
//
// The simulator preserves the threading contract of a real port:
// nothing is delivered from inside a send or connect call. Events and
// inbound frames queue internally and reach the registered callbacks
// only from Poll, which the polling loop (or test) calls from the
// pump thread.
package simhal

import (
	"errors"
	"log/slog"
	"time"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal"
)

// Peer terminates the simulated link. The NAP emulator implements it;
// tests can substitute anything.
type Peer interface {
	// LinkEstablished tells the peer a client attached. The peer
	// keeps tx to inject frames back towards the client.
	LinkEstablished(clientAddr hal.BDAddr, tx func(frame []byte))

	// LinkClosed tells the peer the client detached.
	LinkClosed()

	// HandleFrame processes one frame sent by the client.
	HandleFrame(frame []byte)
}

// Options configures the simulated radio.
type Options struct {
	// Clock supplies the monotonic millisecond tick. Nil selects a
	// wall-clock-backed tick starting at zero.
	Clock func() uint32

	// Logger may be nil.
	Logger *slog.Logger
}

// queuedEvent is one deferred callback delivery.
type queuedEvent struct {
	ev     hal.Event
	status uint8
}

// Radio is the simulated hal.Radio.
type Radio struct {
	addr  hal.BDAddr
	clock func() uint32
	log   *slog.Logger

	peer       Peer
	recvCb     hal.ReceiveFunc
	eventCb    hal.EventFunc
	connected  bool
	connecting bool

	events  []queuedEvent
	inbound [][]byte

	// Scripting knobs.
	failNextConnect bool
	busySends       int
	wantCanSend     bool

	initialized bool
}

// NewRadio creates a simulated radio with the given device address.
func NewRadio(addr hal.BDAddr, opts Options) *Radio {
	clock := opts.Clock
	if clock == nil {
		start := time.Now()
		clock = func() uint32 {
			return uint32(time.Since(start).Milliseconds())
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Radio{addr: addr, clock: clock, log: logger}
}

// AttachPeer wires the far end of the link. Connects fail while no
// peer is attached.
func (r *Radio) AttachPeer(p Peer) {
	r.peer = p
}

// -------------------------------------------------------------------------
// Scripting
// -------------------------------------------------------------------------

// FailNextConnect makes the next L2CAPConnect report ConnectFailed.
func (r *Radio) FailNextConnect() {
	r.failNextConnect = true
}

// SetBusySends makes the next n L2CAPSend calls report Busy.
func (r *Radio) SetBusySends(n int) {
	r.busySends = n
}

// DropLink simulates the peer vanishing: the channel closes and an
// EventDisconnected is queued.
func (r *Radio) DropLink() {
	if !r.connected {
		return
	}
	r.connected = false
	if r.peer != nil {
		r.peer.LinkClosed()
	}
	r.events = append(r.events, queuedEvent{ev: hal.EventDisconnected})
}

// InjectReceive queues raw inbound payload for delivery at the next
// Poll. The peer's tx hook uses it.
func (r *Radio) InjectReceive(b []byte) {
	r.inbound = append(r.inbound, append([]byte(nil), b...))
}

// Connected reports the simulated channel state.
func (r *Radio) Connected() bool {
	return r.connected
}

// Poll delivers queued events and inbound frames to the registered
// callbacks. Call from the pump thread only.
func (r *Radio) Poll() {
	for len(r.events) > 0 || len(r.inbound) > 0 {
		events := r.events
		r.events = nil
		for _, qe := range events {
			if r.eventCb != nil {
				r.eventCb(qe.ev, qe.status)
			}
		}

		inbound := r.inbound
		r.inbound = nil
		for _, frame := range inbound {
			if r.recvCb != nil {
				r.recvCb(frame)
			}
		}
	}

	if r.wantCanSend && r.connected && r.busySends == 0 {
		r.wantCanSend = false
		if r.eventCb != nil {
			r.eventCb(hal.EventCanSendNow, 0)
		}
	}
}

// -------------------------------------------------------------------------
// hal.Radio implementation
// -------------------------------------------------------------------------

// Init brings the simulated radio up.
func (r *Radio) Init() error {
	r.initialized = true
	return nil
}

// Deinit releases the simulated radio.
func (r *Radio) Deinit() {
	r.DropLink()
	r.initialized = false
}

// LocalAddress returns the simulated device address.
func (r *Radio) LocalAddress() hal.BDAddr {
	return r.addr
}

// MonotonicMS returns the simulated millisecond tick.
func (r *Radio) MonotonicMS() uint32 {
	return r.clock()
}

// errNotInitialized indicates radio use before Init.
var errNotInitialized = errors.New("sim radio not initialized")

// L2CAPConnect queues the outcome of a connect attempt: Connected
// when a peer is attached, ConnectFailed otherwise or when scripted.
func (r *Radio) L2CAPConnect(remote hal.BDAddr, psm uint16, localMTU uint16) error {
	if !r.initialized {
		return errNotInitialized
	}
	if r.failNextConnect || r.peer == nil {
		r.failNextConnect = false
		r.log.Debug("sim connect failing", "remote", remote, "psm", psm)
		r.events = append(r.events, queuedEvent{ev: hal.EventConnectFailed})
		return nil
	}

	r.connecting = true
	r.events = append(r.events, queuedEvent{ev: hal.EventConnected})
	r.connected = true
	r.connecting = false
	r.peer.LinkEstablished(r.addr, r.InjectReceive)
	r.log.Debug("sim connect", "remote", remote, "psm", psm, "mtu", localMTU)
	return nil
}

// L2CAPDisconnect closes the simulated channel.
func (r *Radio) L2CAPDisconnect() {
	if !r.connected && !r.connecting {
		return
	}
	r.connected = false
	r.connecting = false
	if r.peer != nil {
		r.peer.LinkClosed()
	}
	r.events = append(r.events, queuedEvent{ev: hal.EventDisconnected})
}

// L2CAPSend hands one frame to the peer, honoring the scripted busy
// budget.
func (r *Radio) L2CAPSend(b []byte) hal.SendResult {
	if !r.connected {
		return hal.SendErr
	}
	if len(b) == 0 || len(b) > int(maxFrame) {
		// Contract violation by the caller; a real controller would
		// reject the PDU.
		r.log.Error("sim send with invalid frame size", "len", len(b))
		return hal.SendErr
	}
	if r.busySends > 0 {
		r.busySends--
		return hal.SendBusy
	}
	if r.peer != nil {
		r.peer.HandleFrame(append([]byte(nil), b...))
	}
	return hal.SendOK
}

// maxFrame is the simulated L2CAP MTU.
const maxFrame = 1691

// L2CAPCanSend reports whether a send would currently succeed.
func (r *Radio) L2CAPCanSend() bool {
	return r.connected && r.busySends == 0
}

// L2CAPRequestCanSendNow arms an EventCanSendNow for the next Poll
// with transmit credit.
func (r *Radio) L2CAPRequestCanSendNow() {
	r.wantCanSend = true
}

// SetReceiveCallback registers the inbound payload consumer.
func (r *Radio) SetReceiveCallback(fn hal.ReceiveFunc) {
	r.recvCb = fn
}

// SetEventCallback registers the connection event consumer.
func (r *Radio) SetEventCallback(fn hal.EventFunc) {
	r.eventCb = fn
}
