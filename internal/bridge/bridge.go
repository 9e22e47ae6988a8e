// Package bridge moves frames between the IP stack and the radio.
//
// Outbound, it encapsulates Ethernet frames as BNEP packets — in
// place inside the stack's own buffer when the radio can take the
// frame immediately, or via a cloned slot on a bounded FIFO ring when
// it cannot. Inbound, it reshapes parsed BNEP frames into Ethernet
// buffers for the stack. A SLIP byte-pipe mode is available behind
// the same drain machinery for BLE transports.
package bridge

import (
	"encoding/binary"
	"log/slog"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/bnep"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/netif"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pbuf"
)

// ethHeaderLen is the Ethernet II header size.
const ethHeaderLen = 14

// Mode selects the transport binding. It is fixed at construction;
// the two modes never coexist on one bridge.
type Mode uint8

const (
	// ModeEthernet encapsulates Ethernet frames in BNEP.
	ModeEthernet Mode = iota

	// ModeSLIP moves RFC 1055 byte runs untouched.
	ModeSLIP
)

// Options carries the bridge tunables.
type Options struct {
	// ForceUncompressedTX always emits 15-byte General Ethernet
	// headers, for peers whose compressed-frame parsers are broken.
	ForceUncompressedTX bool
}

// Stats are the bridge's running counters, snapshot by the metrics
// collector. Only the polling thread writes them.
type Stats struct {
	FramesIn       uint64
	FramesOut      uint64
	BytesIn        uint64
	BytesOut       uint64
	TxQueued       uint64
	TxDropped      uint64
	TxFastPath     uint64
	TxSlowPath     uint64
	RxDroppedBytes uint64
}

// Bridge is the TX queue and netif bridge. Strictly single-threaded.
type Bridge struct {
	mode    Mode
	radio   hal.Radio
	channel *bnep.Channel
	stack   netif.Stack
	slip    netif.SLIPStack
	pool    *pbuf.Pool
	opts    Options
	log     *slog.Logger

	queue  txQueue
	rx     rxRing
	linkUp bool
	stats  Stats
}

// NewEthernet creates a BNEP-mode bridge. logger may be nil.
func NewEthernet(radio hal.Radio, channel *bnep.Channel, stack netif.Stack, pool *pbuf.Pool, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		mode:    ModeEthernet,
		radio:   radio,
		channel: channel,
		stack:   stack,
		pool:    pool,
		opts:    opts,
		log:     logger,
	}
}

// NewSLIP creates a byte-pipe-mode bridge. logger may be nil.
func NewSLIP(radio hal.Radio, slip netif.SLIPStack, pool *pbuf.Pool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		mode:  ModeSLIP,
		radio: radio,
		slip:  slip,
		pool:  pool,
		log:   logger,
	}
}

// radioSender adapts hal.Radio to the channel's Sender contract.
type radioSender struct {
	r hal.Radio
}

// NewRadioSender wraps a radio for use as the BNEP channel's control
// frame sender.
func NewRadioSender(r hal.Radio) bnep.Sender {
	return radioSender{r: r}
}

func (s radioSender) Send(frame []byte) bnep.SendStatus {
	switch s.r.L2CAPSend(frame) {
	case hal.SendOK:
		return bnep.SendOK
	case hal.SendBusy:
		return bnep.SendBusy
	default:
		return bnep.SendFailed
	}
}

func (s radioSender) RequestCanSendNow() {
	s.r.L2CAPRequestCanSendNow()
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return b.stats
}

// QueueDepth returns the number of frames waiting on the TX ring.
func (b *Bridge) QueueDepth() int {
	return b.queue.depth()
}

// SetLinkUp gates the SLIP-mode output path; Ethernet mode uses the
// BNEP channel state instead.
func (b *Bridge) SetLinkUp(up bool) {
	b.linkUp = up
}

// Flush releases every queued TX slot and discards pending RX bytes.
// Called on stop and on disconnect.
func (b *Bridge) Flush() {
	b.queue.flush()
	b.rx.reset()
}

// -------------------------------------------------------------------------
// Ethernet-mode outbound
// -------------------------------------------------------------------------

// LinkOutput takes one outbound Ethernet frame from the IP stack.
// The buffer is returned to the stack unchanged in both paths; queued
// transmissions work on a clone.
func (b *Bridge) LinkOutput(p *pbuf.Buf) error {
	if b.mode != ModeEthernet || p == nil {
		return netif.ErrBadArgument
	}
	total := p.TotalLen()
	if total < ethHeaderLen || total-ethHeaderLen+bnep.GeneralHeaderLen > int(bnep.MinMTU) {
		return netif.ErrBadArgument
	}
	if b.channel.State() != bnep.ChannelConnected {
		return netif.ErrNotConnected
	}

	if b.channel.ReadyForData() && b.queue.empty() && p.IsContiguous() && b.radio.L2CAPCanSend() {
		return b.fastPath(p)
	}
	return b.slowPath(p, total)
}

// headerLen picks the BNEP encapsulation for an address pair: the
// 3-byte compressed header when both addresses are implied by the
// channel endpoints, the 15-byte general header otherwise.
func (b *Bridge) headerLen(dst, src bnep.EtherAddr) int {
	if !b.opts.ForceUncompressedTX &&
		dst == b.channel.RemoteAddr() && src == b.channel.LocalAddr() {
		return bnep.CompressedHeaderLen
	}
	return bnep.GeneralHeaderLen
}

// writeHeader writes the chosen BNEP header at the front of out.
func writeHeader(out []byte, hdrLen int, dst, src bnep.EtherAddr, ethertype uint16) {
	if hdrLen == bnep.CompressedHeaderLen {
		_, _ = bnep.WriteCompressedHeader(out, ethertype)
	} else {
		_, _ = bnep.WriteGeneralHeader(out, dst, src, ethertype)
	}
}

// fastPath swaps the Ethernet header for a BNEP header inside the
// stack's own buffer, submits it, and reverts both header moves
// before returning, so the stack sees its buffer untouched. A Busy
// verdict after the in-place write clones the already-encapsulated
// bytes onto the ring.
func (b *Bridge) fastPath(p *pbuf.Buf) error {
	data := p.Bytes()
	var dst, src bnep.EtherAddr
	copy(dst[:], data[0:6])
	copy(src[:], data[6:12])
	ethertype := binary.BigEndian.Uint16(data[12:14])
	hdrLen := b.headerLen(dst, src)

	if err := p.Header(-ethHeaderLen); err != nil {
		return netif.ErrBadArgument
	}
	if err := p.Header(hdrLen); err != nil {
		// Headroom too small for in-place encapsulation; restore and
		// take the copying path.
		_ = p.Header(ethHeaderLen)
		return b.slowPath(p, p.TotalLen())
	}

	out := p.Bytes()
	// A compressed header is shorter than the Ethernet header and lands
	// on its tail bytes; keep them so the revert restores content too.
	var saved [bnep.GeneralHeaderLen]byte
	copy(saved[:hdrLen], out[:hdrLen])
	writeHeader(out, hdrLen, dst, src, ethertype)

	res := b.radio.L2CAPSend(out)
	if res == hal.SendBusy {
		// The radio lost its window between the precondition check
		// and the send. Preserve the encapsulated frame before the
		// buffer is handed back.
		b.cloneAndQueue(out)
	}

	copy(out[:hdrLen], saved[:hdrLen])
	_ = p.Header(-hdrLen)
	_ = p.Header(ethHeaderLen)

	switch res {
	case hal.SendOK:
		b.stats.TxFastPath++
		b.stats.FramesOut++
		b.stats.BytesOut += uint64(len(out))
	case hal.SendErr:
		b.stats.TxDropped++
		b.log.Warn("fast path send failed", "len", len(out))
	case hal.SendBusy:
		// Accounted by cloneAndQueue.
	}
	return nil
}

// cloneAndQueue copies an encapsulated frame onto the TX ring.
func (b *Bridge) cloneAndQueue(frame []byte) {
	slot, err := b.pool.Get(len(frame))
	if err != nil {
		b.stats.TxDropped++
		b.log.Warn("tx clone failed", "err", err, "len", len(frame))
		return
	}
	copy(slot.Bytes(), frame)
	if !b.queue.enqueue(slot) {
		slot.Free()
		b.stats.TxDropped++
		b.log.Warn("tx queue full, dropping frame", "len", len(frame))
		return
	}
	b.stats.TxQueued++
	b.radio.L2CAPRequestCanSendNow()
}

// slowPath clones the frame into a fresh slot with the BNEP header
// already applied and appends it to the ring.
func (b *Bridge) slowPath(p *pbuf.Buf, total int) error {
	var ethHdr [ethHeaderLen]byte
	p.CopyTo(ethHdr[:])
	var dst, src bnep.EtherAddr
	copy(dst[:], ethHdr[0:6])
	copy(src[:], ethHdr[6:12])
	ethertype := binary.BigEndian.Uint16(ethHdr[12:14])
	hdrLen := b.headerLen(dst, src)

	slot, err := b.pool.Get(hdrLen + total - ethHeaderLen)
	if err != nil {
		b.stats.TxDropped++
		return netif.ErrBadArgument
	}
	out := slot.Bytes()
	writeHeader(out, hdrLen, dst, src, ethertype)
	copyFromOffset(p, ethHeaderLen, out[hdrLen:])

	if !b.queue.enqueue(slot) {
		slot.Free()
		b.stats.TxDropped++
		b.log.Warn("tx queue full, dropping frame", "len", total)
		return netif.ErrOutOfMemory
	}
	b.stats.TxQueued++
	b.stats.TxSlowPath++
	b.radio.L2CAPRequestCanSendNow()
	return nil
}

// copyFromOffset flattens a chain into dst, skipping the first skip
// bytes of payload.
func copyFromOffset(p *pbuf.Buf, skip int, dst []byte) int {
	n := 0
	for s := p; s != nil && n < len(dst); s = s.Next() {
		seg := s.Bytes()
		if skip >= len(seg) {
			skip -= len(seg)
			continue
		}
		n += copy(dst[n:], seg[skip:])
		skip = 0
	}
	return n
}

// -------------------------------------------------------------------------
// Ethernet-mode inbound
// -------------------------------------------------------------------------

// DeliverInbound reshapes a parsed BNEP frame into an Ethernet buffer
// and hands it to the IP stack. Wired as the channel's OnFrame hook.
func (b *Bridge) DeliverInbound(frame bnep.EthernetFrame) {
	if b.stack == nil {
		return
	}
	p, err := b.pool.Get(ethHeaderLen + len(frame.Payload))
	if err != nil {
		b.stats.RxDroppedBytes += uint64(len(frame.Payload))
		b.log.Warn("rx buffer unavailable", "err", err, "len", len(frame.Payload))
		return
	}
	out := p.Bytes()
	copy(out[0:6], frame.Dst[:])
	copy(out[6:12], frame.Src[:])
	binary.BigEndian.PutUint16(out[12:14], frame.EtherType)
	copy(out[ethHeaderLen:], frame.Payload)

	b.stats.FramesIn++
	b.stats.BytesIn += uint64(len(out))
	b.stack.EthernetInput(p)
}

// -------------------------------------------------------------------------
// SLIP mode
// -------------------------------------------------------------------------

// SerialWrite takes a run of already-escaped SLIP bytes from the IP
// stack and transmits it verbatim: immediately when the radio has a
// window and nothing is queued, via the ring otherwise.
func (b *Bridge) SerialWrite(data []byte) error {
	if b.mode != ModeSLIP || len(data) == 0 {
		return netif.ErrBadArgument
	}
	if !b.linkUp {
		return netif.ErrNotConnected
	}

	if b.queue.empty() && b.radio.L2CAPCanSend() {
		switch b.radio.L2CAPSend(data) {
		case hal.SendOK:
			b.stats.FramesOut++
			b.stats.BytesOut += uint64(len(data))
			return nil
		case hal.SendErr:
			b.stats.TxDropped++
			b.log.Warn("slip send failed", "len", len(data))
			return nil
		case hal.SendBusy:
			// Fall through to queue.
		}
	}

	slot, err := b.pool.Get(len(data))
	if err != nil {
		b.stats.TxDropped++
		return netif.ErrBadArgument
	}
	copy(slot.Bytes(), data)
	if !b.queue.enqueue(slot) {
		slot.Free()
		b.stats.TxDropped++
		return netif.ErrOutOfMemory
	}
	b.stats.TxQueued++
	b.radio.L2CAPRequestCanSendNow()
	return nil
}

// SerialRead drains pending inbound SLIP bytes into buf. Wired as the
// IP stack's serial-read hook.
func (b *Bridge) SerialRead(buf []byte) int {
	return b.rx.read(buf)
}

// -------------------------------------------------------------------------
// Radio callbacks
// -------------------------------------------------------------------------

// OnRadioReceive routes inbound L2CAP payload: BNEP dispatch in
// Ethernet mode, the RX byte ring plus a processing signal in SLIP
// mode.
func (b *Bridge) OnRadioReceive(data []byte) {
	switch b.mode {
	case ModeEthernet:
		b.channel.HandleInbound(data)
	case ModeSLIP:
		n := b.rx.write(data)
		if n < len(data) {
			b.stats.RxDroppedBytes += uint64(len(data) - n)
			b.log.Warn("rx ring full, dropping bytes", "dropped", len(data)-n)
		}
		if b.slip != nil {
			b.slip.ProcessRxQueue()
		}
	}
}

// OnCanSendNow drains deferred transmissions: the channel's pending
// control frame strictly first, then as much of the data ring as the
// radio will take. A Busy verdict re-arms the can-send-now request; a
// hard error drops one slot and keeps going.
func (b *Bridge) OnCanSendNow() {
	if b.channel != nil && !b.channel.FlushPending() {
		return
	}

	for {
		slot := b.queue.peek()
		if slot == nil {
			return
		}
		switch b.radio.L2CAPSend(slot.Bytes()) {
		case hal.SendOK:
			b.queue.dequeue()
			b.stats.FramesOut++
			b.stats.BytesOut += uint64(slot.Len())
			slot.Free()
		case hal.SendBusy:
			b.radio.L2CAPRequestCanSendNow()
			return
		case hal.SendErr:
			b.queue.dequeue()
			b.stats.TxDropped++
			b.log.Warn("queued frame send failed", "len", slot.Len())
			slot.Free()
		}
	}
}
