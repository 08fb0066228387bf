// Package natdetect implements the detect worker: it finds whichever
// gateway control protocol the local network offers, keeps a UDP port
// mapping alive for the local socket, and promotes the local node to
// direct reachability for as long as the mapping holds.
package natdetect

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"

	"gnbgo/internal/registry"
)

// DefaultLease is how long a UDP mapping is requested for; the worker
// renews at half this interval so the mapping never lapses.
const DefaultLease = time.Hour

// mapper is the slice of a gateway control protocol this worker needs:
// report the public address, and open or close one UDP mapping.
type mapper interface {
	name() string
	externalIP() (net.IP, error)
	mapUDP(port int, lease time.Duration) error
	unmapUDP(port int) error
}

type pmpMapper struct {
	c *natpmp.Client
}

func (m *pmpMapper) name() string { return "nat-pmp" }

func (m *pmpMapper) externalIP() (net.IP, error) {
	res, err := m.c.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	a := res.ExternalIPAddress
	return net.IPv4(a[0], a[1], a[2], a[3]), nil
}

func (m *pmpMapper) mapUDP(port int, lease time.Duration) error {
	_, err := m.c.AddPortMapping("udp", port, port, int(lease.Seconds()))
	return err
}

func (m *pmpMapper) unmapUDP(port int) error {
	// NAT-PMP expresses removal as a zero-lifetime mapping.
	_, err := m.c.AddPortMapping("udp", port, port, 0)
	return err
}

type igdMapper struct {
	c       *internetgateway1.WANIPConnection1
	localIP string
}

func (m *igdMapper) name() string { return "upnp-igd" }

func (m *igdMapper) externalIP() (net.IP, error) {
	s, err := m.c.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("natdetect: gateway reported unparseable address %q", s)
	}
	return ip, nil
}

func (m *igdMapper) mapUDP(port int, lease time.Duration) error {
	return m.c.AddPortMapping("", uint16(port), "UDP", uint16(port), m.localIP, true, "gnbgo", uint32(lease.Seconds()))
}

func (m *igdMapper) unmapUDP(port int) error {
	return m.c.DeletePortMapping("", uint16(port), "UDP")
}

// discoverMapper probes for a controllable gateway, NAT-PMP first (one
// cheap UDP exchange), then UPnP IGDv1. The IGD path also needs the
// address of the interface facing the gateway, since its mapping call
// names the internal client explicitly.
func discoverMapper() (mapper, error) {
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m := &pmpMapper{c: natpmp.NewClient(gw)}
		if _, err := m.externalIP(); err == nil {
			return m, nil
		}
	}
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil || len(clients) == 0 {
		return nil, fmt.Errorf("natdetect: no controllable gateway found")
	}
	local, err := gateway.DiscoverInterface()
	if err != nil {
		return nil, fmt.Errorf("natdetect: resolve interface facing gateway: %w", err)
	}
	return &igdMapper{c: clients[0], localIP: local.String()}, nil
}

// Worker is the detect worker. It owns the mapping lifecycle end to end:
// discover a gateway, establish the mapping, renew it on a half-lease
// cadence, remove it on Stop, and keep the local node's reachability in
// step with whether a mapping currently holds.
type Worker struct {
	reg  *registry.Registry
	port int
	log  *logrus.Entry

	// OnExternalAddr is invoked with the publicly reachable endpoint
	// each time a mapping is established or renewed; the index worker
	// announces it to peers.
	OnExternalAddr func(addr *net.UDPAddr)

	lease    time.Duration
	discover func() (mapper, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds a detect worker mapping udpPort for the registry's
// local node.
func NewWorker(reg *registry.Registry, udpPort int, log *logrus.Entry) *Worker {
	return &Worker{
		reg:      reg,
		port:     udpPort,
		log:      log,
		lease:    DefaultLease,
		discover: discoverMapper,
	}
}

// Start launches the mapping loop. Calling Start twice has no effect.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
	w.log.Info("detect worker started")
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	m := w.refresh(nil)
	ticker := time.NewTicker(w.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if m != nil && w.port > 0 {
				_ = m.unmapUDP(w.port)
			}
			return
		case <-ticker.C:
			m = w.refresh(m)
		}
	}
}

// refresh drives one detect tick: find a gateway if none is known yet,
// re-establish the mapping, and promote the local node on success. A
// failed renewal leaves the node's current reachability untouched, since
// an already-relayed node losing its mapping must not flap to unknown
// mid-session.
func (w *Worker) refresh(m mapper) mapper {
	if m == nil {
		var err error
		m, err = w.discover()
		if err != nil {
			w.log.WithError(err).Debug("no controllable gateway")
			return nil
		}
		w.log.WithField("protocol", m.name()).Info("gateway found")
	}
	ip, err := m.externalIP()
	if err != nil {
		w.log.WithError(err).Debug("external address lookup failed")
		return m
	}
	if w.port <= 0 {
		return m
	}
	if err := m.mapUDP(w.port, w.lease); err != nil {
		w.log.WithError(err).Debug("udp mapping refused")
		return m
	}

	local := w.reg.Local()
	if local == nil {
		return m
	}
	local.SetReachability(registry.ReachDirect)
	local.Touch(time.Now())
	if w.OnExternalAddr != nil {
		w.OnExternalAddr(&net.UDPAddr{IP: ip, Port: w.port})
	}
	return m
}

// Stop removes the mapping and halts the loop, waiting for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.log.Info("detect worker stopped")
}
