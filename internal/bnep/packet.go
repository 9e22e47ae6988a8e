package bnep

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants — BNEP Specification v1.0
// -------------------------------------------------------------------------

// PSM is the well-known L2CAP Protocol/Service Multiplexer for BNEP
// (BNEP v1.0 Section 2.2).
const PSM uint16 = 0x000F

// MinMTU is the minimum L2CAP MTU a BNEP channel must negotiate
// (BNEP v1.0 Section 2.2: 1691 octets).
const MinMTU uint16 = 1691

// Base header sizes for the data packet types. The type byte is
// included in each count.
const (
	// GeneralHeaderLen is the BNEP General Ethernet header size:
	// type(1) + dst(6) + src(6) + ethertype(2).
	GeneralHeaderLen = 15

	// CompressedHeaderLen is the BNEP Compressed Ethernet header size:
	// type(1) + ethertype(2).
	CompressedHeaderLen = 3

	// CompressedSrcHeaderLen is the Compressed Ethernet Source Only
	// header size: type(1) + src(6) + ethertype(2).
	CompressedSrcHeaderLen = 9

	// CompressedDstHeaderLen is the Compressed Ethernet Dest Only
	// header size: type(1) + dst(6) + ethertype(2).
	CompressedDstHeaderLen = 9

	// SetupRequestLen is the size of a Setup Connection Request with
	// 2-byte UUIDs: type(1) + control(1) + uuid_size(1) + dst(2) + src(2).
	SetupRequestLen = 7

	// SetupResponseLen is the size of a Setup Connection Response:
	// type(1) + control(1) + code(2).
	SetupResponseLen = 4

	// FilterResponseLen is the size of a Filter Net Type / Multi Addr
	// Response: type(1) + control(1) + code(2).
	FilterResponseLen = 4

	// CommandNotUnderstoodLen is the size of a Command Not Understood
	// reply: type(1) + control(1) + unknown_tag(1).
	CommandNotUnderstoodLen = 3
)

// uuidSize16 is the UUID size field value for 16-bit service UUIDs in
// a Setup Connection Request (BNEP v1.0 Section 2.6.3).
const uuidSize16 = 0x02

// extensionFlag is bit 7 of the type byte: one or more extension
// headers follow the base header (BNEP v1.0 Section 2.4).
const extensionFlag = 0x80

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Packet Types — BNEP v1.0 Section 2.4
// -------------------------------------------------------------------------

// PacketType identifies the BNEP packet layout. On the wire it is the
// low 7 bits of the first byte; bit 7 flags extension headers.
type PacketType uint8

const (
	// PacketGeneralEthernet carries full dst, src and ethertype
	// (BNEP v1.0 Section 2.4: value 0x00).
	PacketGeneralEthernet PacketType = 0x00

	// PacketControl carries a BNEP control message
	// (BNEP v1.0 Section 2.4: value 0x01).
	PacketControl PacketType = 0x01

	// PacketCompressedEthernet omits both addresses; they are implied
	// by the L2CAP channel endpoints (BNEP v1.0 Section 2.4: value 0x02).
	PacketCompressedEthernet PacketType = 0x02

	// PacketCompressedSrcOnly carries the source address only
	// (BNEP v1.0 Section 2.4: value 0x03).
	PacketCompressedSrcOnly PacketType = 0x03

	// PacketCompressedDstOnly carries the destination address only
	// (BNEP v1.0 Section 2.4: value 0x04).
	PacketCompressedDstOnly PacketType = 0x04
)

// packetTypeNames maps packet type values to human-readable strings.
var packetTypeNames = [5]string{
	"GeneralEthernet",
	"Control",
	"CompressedEthernet",
	"CompressedSrcOnly",
	"CompressedDstOnly",
}

// String returns the human-readable name for the packet type.
func (pt PacketType) String() string {
	if int(pt) < len(packetTypeNames) {
		return packetTypeNames[pt]
	}
	return fmt.Sprintf(unknownFmt, pt)
}

// IsData reports whether the packet type carries an Ethernet payload
// (everything except Control).
func (pt PacketType) IsData() bool {
	switch pt {
	case PacketGeneralEthernet, PacketCompressedEthernet,
		PacketCompressedSrcOnly, PacketCompressedDstOnly:
		return true
	default:
		return false
	}
}

// -------------------------------------------------------------------------
// Control Types — BNEP v1.0 Section 2.6
// -------------------------------------------------------------------------

// ControlType identifies a BNEP control message.
type ControlType uint8

const (
	// ControlCommandNotUnderstood is the reply to an unrecognized
	// control type (BNEP v1.0 Section 2.6.1: value 0x00).
	ControlCommandNotUnderstood ControlType = 0x00

	// ControlSetupRequest is a Setup Connection Request
	// (BNEP v1.0 Section 2.6.3: value 0x01).
	ControlSetupRequest ControlType = 0x01

	// ControlSetupResponse is a Setup Connection Response
	// (BNEP v1.0 Section 2.6.4: value 0x02).
	ControlSetupResponse ControlType = 0x02

	// ControlFilterNetTypeSet sets network protocol type filters
	// (BNEP v1.0 Section 2.6.5: value 0x03).
	ControlFilterNetTypeSet ControlType = 0x03

	// ControlFilterNetTypeResponse acknowledges a net type filter set
	// (BNEP v1.0 Section 2.6.6: value 0x04).
	ControlFilterNetTypeResponse ControlType = 0x04

	// ControlFilterMultiAddrSet sets multicast address filters
	// (BNEP v1.0 Section 2.6.7: value 0x05).
	ControlFilterMultiAddrSet ControlType = 0x05

	// ControlFilterMultiAddrResponse acknowledges a multicast filter set
	// (BNEP v1.0 Section 2.6.8: value 0x06).
	ControlFilterMultiAddrResponse ControlType = 0x06
)

// controlTypeNames maps control type values to human-readable strings.
var controlTypeNames = [7]string{
	"CommandNotUnderstood",
	"SetupRequest",
	"SetupResponse",
	"FilterNetTypeSet",
	"FilterNetTypeResponse",
	"FilterMultiAddrSet",
	"FilterMultiAddrResponse",
}

// String returns the human-readable name for the control type.
func (ct ControlType) String() string {
	if int(ct) < len(controlTypeNames) {
		return controlTypeNames[ct]
	}
	return fmt.Sprintf(unknownFmt, ct)
}

// -------------------------------------------------------------------------
// Response Codes — BNEP v1.0 Sections 2.6.4, 2.6.6, 2.6.8
// -------------------------------------------------------------------------

// SetupResponseCode is the 16-bit result of a Setup Connection Request.
type SetupResponseCode uint16

const (
	// SetupSuccess indicates the connection was accepted.
	SetupSuccess SetupResponseCode = 0x0000

	// SetupInvalidDst indicates an invalid destination service UUID.
	SetupInvalidDst SetupResponseCode = 0x0001

	// SetupInvalidSrc indicates an invalid source service UUID.
	SetupInvalidSrc SetupResponseCode = 0x0002

	// SetupInvalidSvc indicates an invalid service UUID size.
	SetupInvalidSvc SetupResponseCode = 0x0003

	// SetupNotAllowed indicates the connection is not allowed.
	SetupNotAllowed SetupResponseCode = 0x0004
)

// setupResponseNames maps setup response codes to human-readable strings.
var setupResponseNames = [5]string{
	"Success",
	"InvalidDstUUID",
	"InvalidSrcUUID",
	"InvalidSvcUUID",
	"NotAllowed",
}

// String returns the human-readable name for the setup response code.
func (c SetupResponseCode) String() string {
	if int(c) < len(setupResponseNames) {
		return setupResponseNames[c]
	}
	return fmt.Sprintf(unknownFmt, c)
}

// Filter response codes. Both filter response messages share the same
// code space (BNEP v1.0 Sections 2.6.6, 2.6.8).
const (
	// FilterSuccess indicates the filter set was accepted.
	FilterSuccess uint16 = 0x0000

	// FilterUnsupported indicates the request is not supported.
	// A device that does not perform filtering replies with this code
	// and the peer falls back to sending everything.
	FilterUnsupported uint16 = 0x0001
)

// -------------------------------------------------------------------------
// PAN Service UUIDs — PAN Profile v1.0
// -------------------------------------------------------------------------

// Service UUIDs used in the Setup Connection Request. This
// implementation always connects PANU -> NAP.
const (
	// UUIDPANU is the PAN User service class UUID.
	UUIDPANU uint16 = 0x1115

	// UUIDNAP is the Network Access Point service class UUID.
	UUIDNAP uint16 = 0x1116

	// UUIDGN is the Group Ad-hoc Network service class UUID.
	UUIDGN uint16 = 0x1117
)

// -------------------------------------------------------------------------
// Addresses
// -------------------------------------------------------------------------

// EtherAddr is a 6-byte IEEE 802 MAC address.
type EtherAddr [6]byte

// String returns the conventional colon-separated hex form.
func (a EtherAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		a[0], a[1], a[2], a[3], a[4], a[5])
}

// EtherAddrFromBD derives the local MAC address from a Bluetooth
// device address: set the locally-administered bit and clear the
// multicast bit in the first byte.
func EtherAddrFromBD(bd [6]byte) EtherAddr {
	a := EtherAddr(bd)
	a[0] |= 0x02
	a[0] &^= 0x01
	return a
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for codec failures.
var (
	// ErrBufferTooSmall indicates the destination buffer cannot hold
	// the frame being built.
	ErrBufferTooSmall = errors.New("destination buffer too small")

	// ErrPacketTooShort indicates the source data is truncated.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrUnknownPacketType indicates an unrecognized BNEP packet type.
	ErrUnknownPacketType = errors.New("unknown BNEP packet type")

	// ErrBadControlTag indicates a control payload whose type tag does
	// not match the expected control message.
	ErrBadControlTag = errors.New("unexpected control type tag")

	// ErrExtensionOverrun indicates an extension header chain that
	// runs past the end of the packet.
	ErrExtensionOverrun = errors.New("extension header chain overruns packet")
)

// -------------------------------------------------------------------------
// Builders
//
// All builders write into a caller-supplied buffer and return the
// number of bytes written. Multi-byte integers are big-endian on the
// wire (BNEP v1.0 Section 2.3). Output is dense and unpadded.
// -------------------------------------------------------------------------

// BuildSetupRequest writes a Setup Connection Request with 16-bit
// service UUIDs: destination first, then source (BNEP v1.0
// Section 2.6.3).
func BuildSetupRequest(dst []byte, srcUUID, dstUUID uint16) (int, error) {
	if len(dst) < SetupRequestLen {
		return 0, ErrBufferTooSmall
	}
	dst[0] = byte(PacketControl)
	dst[1] = byte(ControlSetupRequest)
	dst[2] = uuidSize16
	binary.BigEndian.PutUint16(dst[3:5], dstUUID)
	binary.BigEndian.PutUint16(dst[5:7], srcUUID)
	return SetupRequestLen, nil
}

// BuildSetupResponse writes a Setup Connection Response
// (BNEP v1.0 Section 2.6.4).
func BuildSetupResponse(dst []byte, code SetupResponseCode) (int, error) {
	if len(dst) < SetupResponseLen {
		return 0, ErrBufferTooSmall
	}
	dst[0] = byte(PacketControl)
	dst[1] = byte(ControlSetupResponse)
	binary.BigEndian.PutUint16(dst[2:4], uint16(code))
	return SetupResponseLen, nil
}

// BuildFilterResponse writes a Filter Net Type Response or Filter
// Multi Addr Response, selected by respType (BNEP v1.0
// Sections 2.6.6, 2.6.8).
func BuildFilterResponse(dst []byte, respType ControlType, code uint16) (int, error) {
	if respType != ControlFilterNetTypeResponse && respType != ControlFilterMultiAddrResponse {
		return 0, ErrBadControlTag
	}
	if len(dst) < FilterResponseLen {
		return 0, ErrBufferTooSmall
	}
	dst[0] = byte(PacketControl)
	dst[1] = byte(respType)
	binary.BigEndian.PutUint16(dst[2:4], code)
	return FilterResponseLen, nil
}

// BuildCommandNotUnderstood writes a Command Not Understood reply
// echoing the offending control type (BNEP v1.0 Section 2.6.1).
func BuildCommandNotUnderstood(dst []byte, unknownTag byte) (int, error) {
	if len(dst) < CommandNotUnderstoodLen {
		return 0, ErrBufferTooSmall
	}
	dst[0] = byte(PacketControl)
	dst[1] = byte(ControlCommandNotUnderstood)
	dst[2] = unknownTag
	return CommandNotUnderstoodLen, nil
}

// WriteGeneralHeader writes a General Ethernet header in place.
// The caller appends or already holds the payload after it.
func WriteGeneralHeader(dst []byte, dstAddr, srcAddr EtherAddr, ethertype uint16) (int, error) {
	if len(dst) < GeneralHeaderLen {
		return 0, ErrBufferTooSmall
	}
	dst[0] = byte(PacketGeneralEthernet)
	copy(dst[1:7], dstAddr[:])
	copy(dst[7:13], srcAddr[:])
	binary.BigEndian.PutUint16(dst[13:15], ethertype)
	return GeneralHeaderLen, nil
}

// WriteCompressedHeader writes a Compressed Ethernet header in place.
func WriteCompressedHeader(dst []byte, ethertype uint16) (int, error) {
	if len(dst) < CompressedHeaderLen {
		return 0, ErrBufferTooSmall
	}
	dst[0] = byte(PacketCompressedEthernet)
	binary.BigEndian.PutUint16(dst[1:3], ethertype)
	return CompressedHeaderLen, nil
}

// BuildGeneralEthernet writes a complete General Ethernet frame:
// 15-byte header followed by the payload.
func BuildGeneralEthernet(dst []byte, dstAddr, srcAddr EtherAddr, ethertype uint16, payload []byte) (int, error) {
	total := GeneralHeaderLen + len(payload)
	if len(dst) < total {
		return 0, ErrBufferTooSmall
	}
	if _, err := WriteGeneralHeader(dst, dstAddr, srcAddr, ethertype); err != nil {
		return 0, err
	}
	copy(dst[GeneralHeaderLen:], payload)
	return total, nil
}

// BuildCompressedEthernet writes a complete Compressed Ethernet frame:
// 3-byte header followed by the payload.
func BuildCompressedEthernet(dst []byte, ethertype uint16, payload []byte) (int, error) {
	total := CompressedHeaderLen + len(payload)
	if len(dst) < total {
		return 0, ErrBufferTooSmall
	}
	if _, err := WriteCompressedHeader(dst, ethertype); err != nil {
		return 0, err
	}
	copy(dst[CompressedHeaderLen:], payload)
	return total, nil
}

// -------------------------------------------------------------------------
// Parsers
// -------------------------------------------------------------------------

// Header is the result of parsing the fixed part of a BNEP packet.
type Header struct {
	// Type is the packet type from the low 7 bits of the first byte.
	Type PacketType

	// HasExtension is bit 7 of the first byte: one or more extension
	// headers follow the base header.
	HasExtension bool

	// Len is the base header length in bytes, excluding any extension
	// headers.
	Len int
}

// baseHeaderLen maps each packet type to its fixed header size.
func baseHeaderLen(pt PacketType) int {
	switch pt {
	case PacketGeneralEthernet:
		return GeneralHeaderLen
	case PacketControl:
		// Type byte only; the control payload follows.
		return 1
	case PacketCompressedEthernet:
		return CompressedHeaderLen
	case PacketCompressedSrcOnly:
		return CompressedSrcHeaderLen
	case PacketCompressedDstOnly:
		return CompressedDstHeaderLen
	default:
		return 0
	}
}

// ParseHeader decodes the type byte and validates that the base header
// is fully present.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < 1 {
		return Header{}, ErrPacketTooShort
	}
	pt := PacketType(b[0] &^ extensionFlag)
	hl := baseHeaderLen(pt)
	if hl == 0 {
		return Header{}, fmt.Errorf("%w: %#02x", ErrUnknownPacketType, b[0])
	}
	if len(b) < hl {
		return Header{}, ErrPacketTooShort
	}
	return Header{
		Type:         pt,
		HasExtension: b[0]&extensionFlag != 0,
		Len:          hl,
	}, nil
}

// skipExtensions walks the extension header chain starting at off and
// returns the offset of the first byte after the chain.
//
// Each extension header is tag(1) + len(1) + data(len); bit 7 of the
// tag indicates another extension header follows (BNEP v1.0
// Section 2.5). A chain that runs past the end of the packet is
// rejected rather than clamped.
func skipExtensions(b []byte, off int) (int, error) {
	for {
		if off+2 > len(b) {
			return 0, ErrExtensionOverrun
		}
		tag := b[off]
		extLen := int(b[off+1])
		off += 2 + extLen
		if off > len(b) {
			return 0, ErrExtensionOverrun
		}
		if tag&extensionFlag == 0 {
			return off, nil
		}
	}
}

// EthernetFrame is the Ethernet-shaped view of a parsed BNEP data
// packet. Payload aliases the input buffer (zero-copy); callers that
// keep the frame past the buffer's lifetime must copy.
type EthernetFrame struct {
	Dst       EtherAddr
	Src       EtherAddr
	EtherType uint16
	Payload   []byte
}

// ParseEthernetFrame decodes a BNEP data packet into an Ethernet
// frame, filling in the addresses the compressed forms omit: a
// missing destination is the local address, a missing source is the
// remote address (BNEP v1.0 Section 2.4). Any extension header chain
// between the base header and the payload is skipped.
func ParseEthernetFrame(b []byte, local, remote EtherAddr) (EthernetFrame, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return EthernetFrame{}, err
	}

	var frame EthernetFrame
	switch hdr.Type {
	case PacketGeneralEthernet:
		copy(frame.Dst[:], b[1:7])
		copy(frame.Src[:], b[7:13])
		frame.EtherType = binary.BigEndian.Uint16(b[13:15])
	case PacketCompressedEthernet:
		frame.Dst = local
		frame.Src = remote
		frame.EtherType = binary.BigEndian.Uint16(b[1:3])
	case PacketCompressedSrcOnly:
		frame.Dst = local
		copy(frame.Src[:], b[1:7])
		frame.EtherType = binary.BigEndian.Uint16(b[7:9])
	case PacketCompressedDstOnly:
		copy(frame.Dst[:], b[1:7])
		frame.Src = remote
		frame.EtherType = binary.BigEndian.Uint16(b[7:9])
	default:
		return EthernetFrame{}, fmt.Errorf("%w: %v is not a data packet", ErrUnknownPacketType, hdr.Type)
	}

	off := hdr.Len
	if hdr.HasExtension {
		off, err = skipExtensions(b, off)
		if err != nil {
			return EthernetFrame{}, err
		}
	}
	frame.Payload = b[off:]
	return frame, nil
}

// ParseControl decodes a BNEP control packet and returns the control
// type and its body. The body aliases the input buffer. Extension
// headers on control packets are skipped before the control payload
// is read.
func ParseControl(b []byte) (ControlType, []byte, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return 0, nil, err
	}
	if hdr.Type != PacketControl {
		return 0, nil, fmt.Errorf("%w: %v is not a control packet", ErrUnknownPacketType, hdr.Type)
	}

	off := hdr.Len
	if hdr.HasExtension {
		off, err = skipExtensions(b, off)
		if err != nil {
			return 0, nil, err
		}
	}
	if off >= len(b) {
		return 0, nil, ErrPacketTooShort
	}
	return ControlType(b[off]), b[off+1:], nil
}

// ParseSetupResponse decodes a complete Setup Connection Response
// packet, verifying the control type tag before reading the 16-bit
// response code.
func ParseSetupResponse(b []byte) (SetupResponseCode, error) {
	ct, body, err := ParseControl(b)
	if err != nil {
		return 0, err
	}
	if ct != ControlSetupResponse {
		return 0, fmt.Errorf("%w: got %#02x", ErrBadControlTag, byte(ct))
	}
	if len(body) < 2 {
		return 0, ErrPacketTooShort
	}
	return SetupResponseCode(binary.BigEndian.Uint16(body[:2])), nil
}

// ParseSetupRequest decodes the body of a Setup Connection Request
// (the bytes after the control type tag): uuid_size followed by
// destination and source service UUIDs. Only 16-bit UUIDs are
// understood; other sizes return zero UUIDs and a nil error so the
// caller can still log and reject.
func ParseSetupRequest(body []byte) (dstUUID, srcUUID uint16, err error) {
	if len(body) < 1 {
		return 0, 0, ErrPacketTooShort
	}
	if body[0] != uuidSize16 {
		return 0, 0, nil
	}
	if len(body) < 5 {
		return 0, 0, ErrPacketTooShort
	}
	return binary.BigEndian.Uint16(body[1:3]), binary.BigEndian.Uint16(body[3:5]), nil
}
