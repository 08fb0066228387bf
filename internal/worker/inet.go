package worker

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/metrics"
	"gnbgo/internal/pf"
	"gnbgo/internal/wire"
)

// Inet owns one UDP socket (the daemon may open several for load
// spreading) and drives the ingress chain for every datagram it
// receives. A finished relay-class packet is re-encoded and handed back
// to the same socket for retransmission.
type Inet struct {
	conn  *net.UDPConn
	chain *pf.Chain
	cb    *controlblock.ControlBlock
	tun   *Tun
	log   *logrus.Entry
}

// NewInet wraps an already-bound UDP socket as an inet worker.
func NewInet(conn *net.UDPConn, chain *pf.Chain, cb *controlblock.ControlBlock, tun *Tun, log *logrus.Entry) *Inet {
	return &Inet{conn: conn, chain: chain, cb: cb, tun: tun, log: log}
}

// Send implements Outbound, letting the tun worker hand egress datagrams
// to this same socket for transmission.
func (w *Inet) Send(to *net.UDPAddr, datagram []byte) error {
	_, err := w.conn.WriteToUDP(datagram, to)
	return err
}

// Run reads datagrams until the socket is closed. When pool is non-nil
// (pf_worker_num > 0), parsing is handed off to the ring-fed worker pool
// instead of running inline on this goroutine.
func (w *Inet) Run(pool *PFPool) {
	worker := "inet-" + w.conn.LocalAddr().String()
	buf := w.cb.Payload.Buffer(worker)
	raw := make([]byte, wire.MaxDatagram)
	for {
		n, addr, err := w.conn.ReadFromUDP(raw)
		if err != nil {
			w.log.WithError(err).Info("inet worker exiting")
			return
		}
		if n == 0 {
			continue
		}
		if pool != nil {
			pool.Submit(raw[:n], addr)
			continue
		}
		processIngress(w.chain, w.cb, w.tun, w.Send, w.log, buf, raw[:n], addr)
	}
}

// Close closes the underlying socket, causing Run to return.
func (w *Inet) Close() error {
	return w.conn.Close()
}

// processIngress decodes one inbound datagram, drives the ingress chain,
// and either delivers a terminal packet to tun or re-encodes and
// retransmits a transit one via send. Shared by Inet's inline path and
// PFPool's worker goroutines so the two only differ in how the datagram
// reached this function.
func processIngress(chain *pf.Chain, cb *controlblock.ControlBlock, tun *Tun, send func(*net.UDPAddr, []byte) error, log *logrus.Entry, buf *wire.Buffer, datagram []byte, addr *net.UDPAddr) {
	typ, subType, payload, err := wire.DecodeDatagram(datagram)
	if err != nil {
		metrics.FramingDrops.WithLabelValues("malformed").Inc()
		cb.Status.IncFramingDrop()
		return
	}
	if typ != wire.TypeIPFrame {
		// PING/INDEX/DETECT/UDPLOG belong to the discovery and
		// diagnostics workers, not the pf chain.
		return
	}

	rh, inner, err := decodeRouteHeader(payload)
	if err != nil {
		metrics.FramingDrops.WithLabelValues("route_header").Inc()
		cb.Status.IncFramingDrop()
		return
	}

	buf.Reset()
	buf.SetTypes(typ, subType)
	if err := buf.SetPayload(inner); err != nil {
		metrics.FramingDrops.WithLabelValues("oversize").Inc()
		return
	}

	ctx := &pf.Context{
		Buf:        buf,
		SrcID:      rh.Src,
		DstID:      rh.Dst,
		TTL:        rh.TTL,
		RelayIDs:   rh.RelayIDs,
		RelayLen:   rh.RelayLen,
		SourceAddr: addr,
	}
	if verdict := chain.RunIngress(ctx); verdict != pf.Finish {
		cb.Status.IncRouteDrop()
		return
	}

	if !ctx.Relay {
		if err := tun.Deliver(ctx.Buf.Payload()); err != nil {
			log.WithError(err).Debug("failed to deliver to tun")
		}
		metrics.ForwardedPackets.WithLabelValues("ingress", "terminal").Inc()
		return
	}

	out, err := encodeDatagram(ctx)
	if err != nil {
		log.WithError(err).Debug("failed to encode transit datagram")
		return
	}
	next := ctx.NextHop.BestEndpoint(livenessWindowOf(cb), time.Now())
	if next == nil {
		cb.Status.IncRouteDrop()
		return
	}
	if err := send(next, out); err != nil {
		log.WithError(err).Debug("failed to forward transit datagram")
	}
	metrics.ForwardedPackets.WithLabelValues("ingress", "transit").Inc()
}
