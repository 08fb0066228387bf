package worker

import (
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/metrics"
	"gnbgo/internal/pf"
	"gnbgo/internal/wire"
)

// TunDevice is the narrow surface the tun worker needs from the OS tun
// driver.
type TunDevice interface {
	io.ReadWriteCloser
}

// Tun reads IP packets off the virtual interface and drives the egress
// chain, then writes whatever the ingress chain decodes for local
// delivery back onto the same device: a fixed read buffer, then
// parse-then-dispatch per packet.
type Tun struct {
	dev   TunDevice
	chain *pf.Chain
	cb    *controlblock.ControlBlock
	out   Outbound
	log   *logrus.Entry
}

// Outbound is how the tun worker hands a finished egress datagram to the
// inet side for transmission. Kept as an interface so tun.go and inet.go
// do not need to share a concrete socket type.
type Outbound interface {
	Send(to *net.UDPAddr, datagram []byte) error
}

// NewTun builds a tun worker bound to dev, reading/writing at most
// cfg.PayloadBlockSize bytes per packet.
func NewTun(dev TunDevice, chain *pf.Chain, cb *controlblock.ControlBlock, out Outbound, log *logrus.Entry) *Tun {
	return &Tun{dev: dev, chain: chain, cb: cb, out: out, log: log}
}

// Run reads packets from the tun device until it returns an error or Stop
// closes the device. Intended to be run in its own goroutine.
func (t *Tun) Run() {
	buf := t.cb.Payload.Buffer("tun")
	raw := make([]byte, t.cb.Config.PayloadBlockSize)
	for {
		n, err := t.dev.Read(raw)
		if err != nil {
			t.log.WithError(err).Info("tun worker exiting")
			return
		}
		if n == 0 {
			continue
		}
		t.handle(buf, raw[:n])
	}
}

func (t *Tun) handle(buf *wire.Buffer, packet []byte) {
	proto, dst4, dst6, err := parseIPDestination(packet)
	if err != nil {
		metrics.FramingDrops.WithLabelValues("ip_header").Inc()
		return
	}

	buf.Reset()
	buf.SetTypes(wire.TypeIPFrame, wire.SubRawP2P)
	if err := buf.SetPayload(packet); err != nil {
		metrics.FramingDrops.WithLabelValues("oversize").Inc()
		return
	}

	ctx := &pf.Context{Buf: buf, IPProto: proto, DstIPv4: dst4, DstIPv6: dst6}
	verdict := t.chain.RunEgress(ctx)
	if verdict != pf.Finish {
		t.cb.Status.IncRouteDrop()
		return
	}
	if !ctx.Relay && ctx.NextHop == nil {
		// Direct class still needs a next hop resolved by ROUTE; nothing
		// to send if that never happened.
		return
	}

	datagram, err := encodeDatagram(ctx)
	if err != nil {
		t.log.WithError(err).Debug("failed to encode egress datagram")
		return
	}
	addr := ctx.NextHop.BestEndpoint(livenessWindowOf(t.cb), time.Now())
	if addr == nil {
		t.cb.Status.IncRouteDrop()
		return
	}
	if err := t.out.Send(addr, datagram); err != nil {
		t.log.WithError(err).Debug("failed to send egress datagram")
	}
	metrics.ForwardedPackets.WithLabelValues("egress", classLabel(ctx.ForwardClass)).Inc()
}

// Deliver writes a decrypted, terminal ingress packet back onto the tun
// device for the local OS network stack to route.
func (t *Tun) Deliver(ip []byte) error {
	_, err := t.dev.Write(ip)
	return err
}

// parseIPDestination reads just enough of an IP packet's header to learn
// its protocol and destination address, used by ROUTE's egress lookup.
// Minimal by design: full header validation belongs to the OS.
func parseIPDestination(packet []byte) (proto uint8, dst4, dst6 net.IP, err error) {
	if len(packet) < 1 {
		return 0, nil, nil, newFramingError("empty packet")
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return 0, nil, nil, newFramingError("ipv4 header too short")
		}
		return packet[9], net.IP(packet[16:20]), nil, nil
	case 6:
		if len(packet) < 40 {
			return 0, nil, nil, newFramingError("ipv6 header too short")
		}
		return packet[6], nil, net.IP(packet[24:40]), nil
	default:
		return 0, nil, nil, newFramingError("unknown ip version")
	}
}

func newFramingError(reason string) error {
	return &wire.FramingError{Reason: reason}
}
