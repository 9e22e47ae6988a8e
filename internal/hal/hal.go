// Package hal defines the radio hardware abstraction the rest of the
// module is written against.
//
// This is the only surface that touches a real Bluetooth stack.
// Implementations wrap a platform's L2CAP transport (BlueZ sockets,
// vendor SDKs) or, in this tree, an in-process simulator. All
// callbacks must be delivered on the polling thread; platforms that
// produce radio events on interrupts or separate tasks must mailbox
// them back into the pump.
package hal

import (
	"errors"
	"fmt"
)

// BDAddr is a 6-byte Bluetooth device address. It is opaque to the
// core: only equality and MAC derivation use its bytes.
type BDAddr [6]byte

// String returns the conventional colon-separated hex form.
func (a BDAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a[0], a[1], a[2], a[3], a[4], a[5])
}

// ErrBadBDAddr indicates a device address string that is not six
// colon-separated hex octets.
var ErrBadBDAddr = errors.New("malformed bluetooth device address")

// ParseBDAddr parses "AA:BB:CC:DD:EE:FF" (case-insensitive) into a
// BDAddr.
func ParseBDAddr(s string) (BDAddr, error) {
	var a BDAddr
	if len(s) != 17 {
		return BDAddr{}, fmt.Errorf("%w: %q", ErrBadBDAddr, s)
	}
	for i := 0; i < 6; i++ {
		hi, ok1 := hexNibble(s[i*3])
		lo, ok2 := hexNibble(s[i*3+1])
		if !ok1 || !ok2 {
			return BDAddr{}, fmt.Errorf("%w: %q", ErrBadBDAddr, s)
		}
		if i < 5 && s[i*3+2] != ':' {
			return BDAddr{}, fmt.Errorf("%w: %q", ErrBadBDAddr, s)
		}
		a[i] = hi<<4 | lo
	}
	return a, nil
}

// hexNibble decodes one hex digit.
func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// IsZero reports whether the address is all zeros.
func (a BDAddr) IsZero() bool {
	return a == BDAddr{}
}

// Event is a connection-level radio event delivered through the event
// callback.
type Event uint8

const (
	// EventConnected signals the L2CAP channel opened.
	EventConnected Event = iota

	// EventDisconnected signals the L2CAP channel closed.
	EventDisconnected

	// EventConnectFailed signals the outgoing L2CAP connect attempt
	// did not complete.
	EventConnectFailed

	// EventCanSendNow signals a previously requested transmit window
	// is available.
	EventCanSendNow
)

// eventNames maps events to human-readable strings.
var eventNames = [4]string{
	"Connected",
	"Disconnected",
	"ConnectFailed",
	"CanSendNow",
}

// String returns the human-readable name for the event.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Unknown"
}

// SendResult is the tri-state outcome of an L2CAP send.
type SendResult uint8

const (
	// SendOK indicates the frame was accepted.
	SendOK SendResult = iota

	// SendBusy indicates no transmit credit; retry on CanSendNow.
	SendBusy

	// SendErr indicates a hard transmit failure.
	SendErr
)

// ReceiveFunc consumes inbound L2CAP payload bytes. The buffer is
// only valid for the duration of the call.
type ReceiveFunc func(b []byte)

// EventFunc consumes radio events. status carries an implementation-
// defined detail code (0 = no detail).
type EventFunc func(ev Event, status uint8)

// Radio is the contract a platform port implements.
//
// All methods are non-blocking: L2CAPConnect returns immediately and
// reports the outcome through the event callback. No call may be made
// from outside the polling thread.
type Radio interface {
	// Init brings the radio up. Must be called before anything else.
	Init() error

	// Deinit releases the radio. The instance is dead afterwards.
	Deinit()

	// LocalAddress returns the adapter's device address.
	LocalAddress() BDAddr

	// MonotonicMS returns a monotonically non-decreasing millisecond
	// tick. Wrap-around at 2^32 is permitted.
	MonotonicMS() uint32

	// L2CAPConnect starts an outgoing connection to remote on the
	// given PSM, advertising localMTU for the receive direction.
	// The outcome arrives as EventConnected or EventConnectFailed.
	L2CAPConnect(remote BDAddr, psm uint16, localMTU uint16) error

	// L2CAPDisconnect tears the channel down. EventDisconnected is
	// delivered when it completes.
	L2CAPDisconnect()

	// L2CAPSend transmits one frame. The buffer may be reused as
	// soon as the call returns.
	L2CAPSend(b []byte) SendResult

	// L2CAPCanSend reports whether L2CAPSend would currently accept
	// a frame.
	L2CAPCanSend() bool

	// L2CAPRequestCanSendNow asks for an EventCanSendNow once
	// transmit credit is available.
	L2CAPRequestCanSendNow()

	// SetReceiveCallback registers the inbound payload consumer.
	SetReceiveCallback(fn ReceiveFunc)

	// SetEventCallback registers the connection event consumer.
	SetEventCallback(fn EventFunc)
}

// KVStore is the optional non-volatile key/value capability some
// platforms provide. Present in the contract for ports that persist
// link keys; the core does not use it.
type KVStore interface {
	// LoadKV reads a stored value; ok is false when absent.
	LoadKV(key string) (value []byte, ok bool)

	// StoreKV persists a value under key.
	StoreKV(key string, value []byte) error
}
