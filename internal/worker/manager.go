package worker

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/pf"
	"gnbgo/internal/registry"
)

// Manager owns every worker's lifecycle and the shutdown order:
// non-primary datapath workers stop first, then primary; partial stops
// leave the control block intact for diagnostics.
type Manager struct {
	cb      *controlblock.ControlBlock
	primary *Primary
	tun     *Tun
	tunDev  TunDevice
	inets   []*Inet
	pool    *PFPool
	log     *logrus.Entry
}

// New assembles a Manager around an already-populated control block and
// registry, a caller-supplied tun device, and the set of UDP sockets to
// listen on. chain must already have every filter registered in
// canonical order (dump, route, deflate, p2p crypto, inflate, relay
// crypto).
func New(cb *controlblock.ControlBlock, reg *registry.Registry, chain *pf.Chain, tunDev TunDevice, sockets []*net.UDPConn, log *logrus.Entry) (*Manager, error) {
	if reg.Local() == nil {
		return nil, fmt.Errorf("worker: registry has no local node")
	}
	m := &Manager{cb: cb, tunDev: tunDev, log: log}

	primaryLog := log.WithField("worker", "primary")
	rekeyTick := time.Duration(cb.Config.RekeyTickSeconds) * time.Second
	m.primary = NewPrimary(cb, reg, cb.Core.Identity, rekeyTick, primaryLog)

	tunLog := log.WithField("worker", "tun")
	outbound := &roundRobinOutbound{}
	m.tun = NewTun(tunDev, chain, cb, outbound, tunLog)

	for _, conn := range sockets {
		inetLog := log.WithField("worker", "inet").WithField("addr", conn.LocalAddr().String())
		inet := NewInet(conn, chain, cb, m.tun, inetLog)
		outbound.add(inet)
		m.inets = append(m.inets, inet)
	}

	if n := cb.Config.PFWorkerNum; n > 0 {
		poolLog := log.WithField("worker", "pf-pool")
		m.pool = NewPFPool(n, n*64, chain, cb, m.tun, outbound.Send, poolLog)
	}

	return m, nil
}

// Start launches primary, every inet socket reader and the tun reader.
func (m *Manager) Start() {
	m.primary.Start()
	for _, inet := range m.inets {
		go inet.Run(m.pool)
	}
	go m.tun.Run()
	m.log.Info("worker manager started")
}

// Stop tears workers down in order: non-primary datapath workers first
// (tun device and sockets closed, which unblocks their Read/ReadFromUDP
// calls), then the pf pool, then primary last.
func (m *Manager) Stop() {
	_ = m.tunDev.Close()
	for _, inet := range m.inets {
		_ = inet.Close()
	}
	if m.pool != nil {
		m.pool.Close()
	}
	m.primary.Stop()
	m.log.Info("worker manager stopped")
}

// roundRobinOutbound spreads egress sends across every bound inet socket,
// since any one of them can transmit on behalf of the tun worker. The
// cursor is atomic because pf workers retransmit through it concurrently.
type roundRobinOutbound struct {
	inets []*Inet
	next  atomic.Uint32
}

func (o *roundRobinOutbound) add(i *Inet) {
	o.inets = append(o.inets, i)
}

func (o *roundRobinOutbound) Send(to *net.UDPAddr, datagram []byte) error {
	if len(o.inets) == 0 {
		return fmt.Errorf("worker: no inet sockets available")
	}
	i := o.inets[int(o.next.Add(1)-1)%len(o.inets)]
	return i.Send(to, datagram)
}
