// Package netif defines the contract between the bridge and the IP
// stack it serves.
//
// The IP stack is an external collaborator: it consumes Ethernet
// frames (or a SLIP byte stream), produces outbound packet buffers,
// and owns ARP/IPv4/UDP/DHCP. The in-tree simnet package is one
// implementation; production firmware binds a real stack here.
package netif

import (
	"errors"
	"net/netip"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pbuf"
)

// Link-output result errors, returned by the bridge to the IP stack.
var (
	// ErrNotConnected indicates the link is not up; the frame was not
	// taken.
	ErrNotConnected = errors.New("link not connected")

	// ErrOutOfMemory indicates the TX queue is full; the frame was
	// dropped.
	ErrOutOfMemory = errors.New("tx queue full")

	// ErrBadArgument indicates a frame too short to carry an Ethernet
	// header, or an otherwise unusable buffer.
	ErrBadArgument = errors.New("bad outbound frame")
)

// IPInfo is the address set published by the IP stack once an address
// is acquired, and cached by the facade.
type IPInfo struct {
	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	DNS     netip.Addr

	// HasIP is true while the stack holds a usable address.
	HasIP bool
}

// AddrFunc consumes address-state changes. Losing the address is
// signalled with HasIP == false.
type AddrFunc func(info IPInfo)

// Stack is the Ethernet-mode IP-stack collaborator driven by the
// bridge.
type Stack interface {
	// SetAddrFunc registers the consumer of address-state changes.
	SetAddrFunc(fn AddrFunc)

	// EthernetInput delivers one inbound Ethernet frame. Ownership of
	// the buffer transfers to the stack, which frees it when done.
	EthernetInput(p *pbuf.Buf)

	// LinkUp tells the stack the link-layer path is usable.
	LinkUp()

	// LinkDown tells the stack the link-layer path is gone.
	LinkDown()

	// DHCPStart begins address acquisition. Address changes are
	// reported through the AddrFunc registered at stack setup.
	DHCPStart()

	// DHCPStop abandons the lease and clears the address.
	DHCPStop()
}

// SLIPStack is the byte-pipe-mode collaborator. The bridge signals it
// when inbound bytes are waiting; the stack drains them through the
// SerialReader it was configured with. Addressing comes from the far
// side (a companion app), published through the same AddrFunc shape
// as the Ethernet stack's DHCP client.
type SLIPStack interface {
	// SetAddrFunc registers the consumer of address-state changes.
	SetAddrFunc(fn AddrFunc)

	// ProcessRxQueue drains and decodes whatever the serial reader
	// currently holds.
	ProcessRxQueue()

	// LinkUp and LinkDown mirror the Ethernet-mode signals.
	LinkUp()
	LinkDown()
}

// Ticker is the optional timer surface of a stack. When a stack
// implements it, the facade drives Process from the pump and folds
// NextTimeout into its sleep oracle.
type Ticker interface {
	// Process advances the stack's timers to now (milliseconds).
	Process(now uint32)

	// NextTimeout returns the milliseconds until the stack next needs
	// the pump, or math.MaxUint32 when idle.
	NextTimeout(now uint32) uint32
}

// SerialReader is the bridge-side hook a SLIPStack drains inbound
// bytes from.
type SerialReader interface {
	// SerialRead copies up to len(buf) pending bytes into buf and
	// returns the number copied.
	SerialRead(buf []byte) int
}
