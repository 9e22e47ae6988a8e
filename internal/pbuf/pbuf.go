// Package pbuf provides the packet-buffer abstraction shared by the
// IP-stack side and the bridge: possibly-chained byte segments with
// reserved link-layer headroom and lwIP-style header grow/shrink.
//
// Buffers come from a fixed-size Pool rather than ad-hoc allocation;
// the data path recycles them instead of touching the heap per frame.
package pbuf

import (
	"errors"
	"sync"
)

// LinkHeadroom is the encapsulation headroom reserved at the front of
// every pooled buffer. It must fit the largest link header written in
// place: the 15-byte BNEP General Ethernet header, rounded up.
const LinkHeadroom = 16

// DefaultPayload is the default per-buffer payload capacity,
// sized for the BNEP minimum MTU.
const DefaultPayload = 1691

// Pool errors.
var (
	// ErrTooLarge indicates a requested payload exceeding the pool's
	// buffer capacity.
	ErrTooLarge = errors.New("payload exceeds pool buffer size")

	// ErrNoHeadroom indicates a header grow beyond the reserved
	// headroom.
	ErrNoHeadroom = errors.New("insufficient headroom")

	// ErrShrinkPastEnd indicates a header shrink larger than the
	// segment's current length.
	ErrShrinkPastEnd = errors.New("shrink exceeds segment length")
)

// Pool hands out fixed-capacity packet buffers. The zero value is not
// usable; construct with NewPool.
type Pool struct {
	payload int
	pool    sync.Pool
}

// NewPool creates a pool whose buffers hold up to payload bytes after
// LinkHeadroom bytes of reserved headroom. payload <= 0 selects
// DefaultPayload.
func NewPool(payload int) *Pool {
	if payload <= 0 {
		payload = DefaultPayload
	}
	p := &Pool{payload: payload}
	p.pool.New = func() any {
		return &Buf{
			data: make([]byte, LinkHeadroom+payload),
			pool: p,
		}
	}
	return p
}

// PayloadSize returns the per-buffer payload capacity.
func (p *Pool) PayloadSize() int {
	return p.payload
}

// Get returns a buffer with length n and full headroom, or ErrTooLarge
// when n exceeds the pool's buffer capacity.
func (p *Pool) Get(n int) (*Buf, error) {
	if n > p.payload {
		return nil, ErrTooLarge
	}
	b := p.pool.Get().(*Buf)
	b.off = LinkHeadroom
	b.length = n
	b.next = nil
	return b, nil
}

// Buf is one segment of a packet buffer chain.
type Buf struct {
	data   []byte
	off    int
	length int
	next   *Buf
	pool   *Pool
}

// Bytes returns the segment's current payload view.
func (b *Buf) Bytes() []byte {
	return b.data[b.off : b.off+b.length]
}

// Len returns the segment's current payload length.
func (b *Buf) Len() int {
	return b.length
}

// TotalLen returns the payload length summed over the whole chain.
func (b *Buf) TotalLen() int {
	total := 0
	for s := b; s != nil; s = s.next {
		total += s.length
	}
	return total
}

// Next returns the following segment, or nil.
func (b *Buf) Next() *Buf {
	return b.next
}

// Chain appends tail after the last segment of b's chain.
func (b *Buf) Chain(tail *Buf) {
	s := b
	for s.next != nil {
		s = s.next
	}
	s.next = tail
}

// IsContiguous reports whether the packet is a single segment.
func (b *Buf) IsContiguous() bool {
	return b.next == nil
}

// Headroom returns the bytes available in front of the current head.
func (b *Buf) Headroom() int {
	return b.off
}

// Header grows (n > 0) or shrinks (n < 0) the segment head, the way
// lwIP's pbuf_header does. Growing moves the head back into the
// reserved headroom so a link header can be written in place;
// shrinking hides header bytes from the payload view. Both directions
// are exact inverses, which the in-place TX fast path relies on to
// restore the buffer before returning it to the IP stack.
func (b *Buf) Header(n int) error {
	switch {
	case n > 0:
		if n > b.off {
			return ErrNoHeadroom
		}
		b.off -= n
		b.length += n
	case n < 0:
		if -n > b.length {
			return ErrShrinkPastEnd
		}
		b.off += -n
		b.length -= -n
	}
	return nil
}

// CopyTo flattens the chain into dst and returns the number of bytes
// copied. dst shorter than TotalLen truncates.
func (b *Buf) CopyTo(dst []byte) int {
	n := 0
	for s := b; s != nil && n < len(dst); s = s.next {
		n += copy(dst[n:], s.Bytes())
	}
	return n
}

// Free returns every segment of the chain to its pool.
func (b *Buf) Free() {
	for s := b; s != nil; {
		next := s.next
		s.next = nil
		if s.pool != nil {
			s.pool.pool.Put(s)
		}
		s = next
	}
}
