package wire

import (
	"encoding/binary"
)

// MaxNodeRelay bounds the number of intermediate hops a route header may
// carry.
const MaxNodeRelay = 8

// Forwarding classes. The values are part of the wire contract.
const (
	ForwardDirect byte = iota
	ForwardUnified
	ForwardRelay
	ForwardStd
)

// routeHeaderFixedSize is src uuid64 + dst uuid64 + ttl + forwarding class.
const routeHeaderFixedSize = 8 + 8 + 1 + 1

// RouteHeader is present whenever the envelope type is TypeIPFrame. The
// relay id array is variable length and network byte order, trailing the
// fixed fields.
type RouteHeader struct {
	Src      uint64
	Dst      uint64
	TTL      uint8
	Class    byte
	RelayIDs [MaxNodeRelay]uint64
	RelayLen int
}

// Size returns the wire size of this header including its relay tail.
func (h *RouteHeader) Size() int {
	return routeHeaderFixedSize + h.RelayLen*8
}

// Encode writes the header into dst, which must be at least h.Size() long.
func (h *RouteHeader) Encode(dst []byte) error {
	if h.RelayLen > MaxNodeRelay {
		return &FramingError{Reason: "relay array exceeds maximum"}
	}
	if len(dst) < h.Size() {
		return &FramingError{Reason: "route header buffer too small"}
	}
	binary.BigEndian.PutUint64(dst[0:], h.Src)
	binary.BigEndian.PutUint64(dst[8:], h.Dst)
	dst[16] = h.TTL
	dst[17] = h.Class
	off := routeHeaderFixedSize
	for i := 0; i < h.RelayLen; i++ {
		binary.BigEndian.PutUint64(dst[off:], h.RelayIDs[i])
		off += 8
	}
	return nil
}

// DecodeRouteHeader reads a route header (fixed part plus relayLen trailing
// ids, which the caller supplies; the worker codec derives it from TTL via
// RelayLenForTTL) from src.
func DecodeRouteHeader(src []byte, relayLen int) (*RouteHeader, int, error) {
	if len(src) < routeHeaderFixedSize {
		return nil, 0, &FramingError{Reason: "route header shorter than fixed part"}
	}
	if relayLen > MaxNodeRelay {
		return nil, 0, &FramingError{Reason: "relay array exceeds maximum"}
	}
	total := routeHeaderFixedSize + relayLen*8
	if len(src) < total {
		return nil, 0, &FramingError{Reason: "route header shorter than declared relay tail"}
	}
	h := &RouteHeader{
		Src:      binary.BigEndian.Uint64(src[0:]),
		Dst:      binary.BigEndian.Uint64(src[8:]),
		TTL:      src[16],
		Class:    src[17],
		RelayLen: relayLen,
	}
	off := routeHeaderFixedSize
	for i := 0; i < relayLen; i++ {
		h.RelayIDs[i] = binary.BigEndian.Uint64(src[off:])
		off += 8
	}
	return h, total, nil
}

// PeekTTL reads the TTL field without decoding the rest of the header,
// letting a reader compute the trailing relay-id count before calling
// DecodeRouteHeader.
func PeekTTL(src []byte) (byte, error) {
	if len(src) < routeHeaderFixedSize {
		return 0, &FramingError{Reason: "route header shorter than fixed part"}
	}
	return src[16], nil
}

// RelayLenForTTL derives the trailing relay-id count from a packet's TTL.
// The routing filter keeps TTL and RelayLen decremented in lockstep one
// hop at a time (RelayLen = TTL-1 at creation), so a reader that has not
// yet touched the header can recover RelayLen from TTL alone instead of
// needing a separate wire-level length field.
func RelayLenForTTL(ttl byte) int {
	if ttl == 0 {
		return 0
	}
	return int(ttl) - 1
}

// PopRelay removes and returns the first relay id, shifting the remainder
// down by one slot. Used by transit nodes forwarding a relay-class packet.
func (h *RouteHeader) PopRelay() (uint64, bool) {
	if h.RelayLen == 0 {
		return 0, false
	}
	id := h.RelayIDs[0]
	copy(h.RelayIDs[:h.RelayLen-1], h.RelayIDs[1:h.RelayLen])
	h.RelayLen--
	return id, true
}
