// Package wire implements the datagram framing primitives shared by every
// worker on the datapath: the 4-byte envelope header and the route header
// that follows it for IP_FRAME packets.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Top-level envelope types. The values are part of the wire contract
// and must stay stable across versions.
const (
	TypeIPFrame byte = iota
	TypeIndex
	TypePing
	TypeDetect
	TypeUDPLog
)

// Sub-types. Forwarding class is carried by the route header, not here;
// these qualify the envelope's payload framing.
const (
	SubRawP2P     byte = iota // p2p-encrypted, uncompressed
	SubDeflateP2P             // p2p-encrypted, deflate-compressed
	SubRelay                  // relay-layer wrapped (outer crypto only)
)

// HeaderSize is the fixed 4-byte envelope header: 2-byte size, 1-byte type,
// 1-byte sub-type.
const HeaderSize = 4

// MaxDatagram bounds a single UDP datagram payload (conservative IPv4/IPv6
// safe default; real MTU discovery is a configuration concern).
const MaxDatagram = 65507

// MaxPayload is the largest payload the size field can carry once the
// header itself is excluded.
const MaxPayload = MaxDatagram - HeaderSize

// Padding is reserved at the front of every staging buffer so filters such
// as the relay crypto stage can prepend a header without copying the
// payload. It must be large enough for the largest possible prepend: an
// envelope header plus a route header carrying a full relay array.
const Padding = 4 + 8 + 8 + 1 + 1 + 8*MaxNodeRelay

// TrailingSlack reserves room after the payload for the compress and
// crypto filters to grow it in place: an AEAD seal appends a 24-byte
// nonce and a 16-byte tag, and both the p2p and relay crypto layers can
// apply in sequence to the same buffer.
const TrailingSlack = 128

// FramingError reports a malformed envelope. It is always a per-packet
// drop at the filter-chain level, never a process error.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "wire: framing error: " + e.Reason }

// Buffer is a reusable staging buffer with a padding region at the front.
// Filters that need to prepend bytes (e.g. a relay header) move Start back
// instead of copying the payload forward.
type Buffer struct {
	data  []byte
	Start int // offset of the first wire byte (header start)
	End   int // offset one past the last valid wire byte
}

// NewBuffer allocates a staging buffer sized for payloadBlockSize plus the
// fixed padding region.
func NewBuffer(payloadBlockSize int) *Buffer {
	size := payloadBlockSize + Padding + TrailingSlack
	return &Buffer{data: make([]byte, size), Start: Padding, End: Padding}
}

// Reset rewinds the buffer to its maximal padding offset, ready for a new
// packet to be read into it.
func (b *Buffer) Reset() {
	b.Start = Padding
	b.End = Padding
}

// Bytes returns the valid wire range [Start:End).
func (b *Buffer) Bytes() []byte { return b.data[b.Start:b.End] }

// Payload returns the bytes following the envelope header.
func (b *Buffer) Payload() []byte {
	if b.End-b.Start < HeaderSize {
		return nil
	}
	return b.data[b.Start+HeaderSize : b.End]
}

// SetPayload overwrites the payload region in place, growing or shrinking
// End and rewriting the size field. It fails if the new payload would
// exceed the buffer's backing capacity.
func (b *Buffer) SetPayload(p []byte) error {
	need := b.Start + HeaderSize + len(p)
	if need > len(b.data) {
		return &FramingError{Reason: "payload exceeds buffer capacity"}
	}
	if len(p) > MaxPayload {
		return &FramingError{Reason: "payload exceeds maximum datagram size"}
	}
	copy(b.data[b.Start+HeaderSize:], p)
	b.End = need
	binary.BigEndian.PutUint16(b.data[b.Start:], uint16(len(p)))
	return nil
}

// Prepend moves Start back by n bytes so a filter can write a header in
// the padding region ahead of the payload. Exhausting the padding region
// is a hard failure, never a silent wrap past byte 0.
func (b *Buffer) Prepend(n int) ([]byte, error) {
	if b.Start-n < 0 {
		return nil, &FramingError{Reason: "prepend exceeds padding region"}
	}
	b.Start -= n
	return b.data[b.Start : b.Start+n], nil
}

// Type returns the envelope's top-level type byte.
func (b *Buffer) Type() byte { return b.data[b.Start+2] }

// SubType returns the envelope's sub-type byte.
func (b *Buffer) SubType() byte { return b.data[b.Start+3] }

// SetTypes rewrites the type/sub-type bytes in place.
func (b *Buffer) SetTypes(t, st byte) {
	b.data[b.Start+2] = t
	b.data[b.Start+3] = st
}

// Encode writes a fresh envelope (type, subtype, payload) into a new
// buffer sized for payload plus padding.
func Encode(t, subType byte, payload []byte) (*Buffer, error) {
	buf := NewBuffer(len(payload))
	buf.SetTypes(t, subType)
	if err := buf.SetPayload(payload); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeDatagram parses a raw UDP datagram (no padding region) into its
// envelope fields. It is the entry point for the inet worker reading
// directly off the socket.
func DecodeDatagram(datagram []byte) (typ, subType byte, payload []byte, err error) {
	if len(datagram) < HeaderSize {
		return 0, 0, nil, &FramingError{Reason: "datagram shorter than header"}
	}
	size := binary.BigEndian.Uint16(datagram)
	typ = datagram[2]
	subType = datagram[3]
	if int(size) > len(datagram)-HeaderSize {
		return 0, 0, nil, &FramingError{Reason: "declared size exceeds received length"}
	}
	if int(size) > MaxPayload {
		return 0, 0, nil, &FramingError{Reason: "declared size exceeds maximum"}
	}
	if !isKnownType(typ) {
		return 0, 0, nil, &FramingError{Reason: fmt.Sprintf("unknown type %d", typ)}
	}
	payload = datagram[HeaderSize : HeaderSize+int(size)]
	return typ, subType, payload, nil
}

func isKnownType(t byte) bool {
	switch t {
	case TypeIPFrame, TypeIndex, TypePing, TypeDetect, TypeUDPLog:
		return true
	default:
		return false
	}
}
