package worker

import (
	"encoding/binary"
	"time"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/pf"
	"gnbgo/internal/wire"
)

// encodeDatagram assembles the final wire datagram for a packet the
// chain has finished processing: a 4-byte envelope header, the route
// header the ROUTE filter decided on, and the (already crypto-sealed)
// inner payload. The route header is prepended into the staging buffer's
// padding region so the payload never moves, only the wire start pointer
// and the size field change; the returned slice aliases the buffer and
// is only valid until its next Reset.
func encodeDatagram(ctx *pf.Context) ([]byte, error) {
	rh := &wire.RouteHeader{
		Src:      ctx.SrcID,
		Dst:      ctx.DstID,
		TTL:      ctx.TTL,
		Class:    ctx.ForwardClass,
		RelayIDs: ctx.RelayIDs,
		RelayLen: ctx.RelayLen,
	}
	typ, subType := ctx.Buf.Type(), ctx.Buf.SubType()
	if _, err := ctx.Buf.Prepend(rh.Size()); err != nil {
		return nil, err
	}
	datagram := ctx.Buf.Bytes()
	if err := rh.Encode(datagram[wire.HeaderSize:]); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(datagram, uint16(len(datagram)-wire.HeaderSize))
	datagram[2] = typ
	datagram[3] = subType
	return datagram, nil
}

// decodeRouteHeader reads the route header trailing an IP_FRAME
// envelope's 4-byte header, deriving the relay-id count from TTL (the
// routing filter keeps RelayLen at TTL-1 in lockstep) so no separate
// length field is needed on the wire.
func decodeRouteHeader(payload []byte) (*wire.RouteHeader, []byte, error) {
	ttl, err := wire.PeekTTL(payload)
	if err != nil {
		return nil, nil, err
	}
	rh, n, err := wire.DecodeRouteHeader(payload, wire.RelayLenForTTL(ttl))
	if err != nil {
		return nil, nil, err
	}
	return rh, payload[n:], nil
}

func classLabel(class byte) string {
	switch class {
	case wire.ForwardDirect:
		return "direct"
	case wire.ForwardRelay:
		return "relay"
	case wire.ForwardUnified:
		return "unified"
	default:
		return "std"
	}
}

func livenessWindowOf(cb *controlblock.ControlBlock) time.Duration {
	seconds := cb.Config.LivenessWindowSeconds
	if seconds <= 0 {
		seconds = 90
	}
	return time.Duration(seconds) * time.Second
}
