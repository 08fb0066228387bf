package worker

import (
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/pf"
)

// ringJob is one ingress datagram queued for a pf worker.
type ringJob struct {
	datagram []byte
	addr     *net.UDPAddr
}

// PFPool runs pf_worker_num goroutines pulling off a single bounded
// channel, each with its own staging buffer so no two workers ever alias
// one. Inet.Run feeds the pool instead of calling processIngress inline
// when a pool is configured.
type PFPool struct {
	jobs  chan ringJob
	chain *pf.Chain
	cb    *controlblock.ControlBlock
	tun   *Tun
	send  func(*net.UDPAddr, []byte) error
	log   *logrus.Entry
	stop  chan struct{}
}

// NewPFPool builds a pool of n workers, each fed from a ring of the given
// depth, retransmitting transit packets via send. n <= 0 means the
// datapath should process packets inline instead.
func NewPFPool(n, ringDepth int, chain *pf.Chain, cb *controlblock.ControlBlock, tun *Tun, send func(*net.UDPAddr, []byte) error, log *logrus.Entry) *PFPool {
	p := &PFPool{
		jobs:  make(chan ringJob, ringDepth),
		chain: chain,
		cb:    cb,
		tun:   tun,
		send:  send,
		log:   log,
		stop:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.run(i)
	}
	return p
}

// Submit enqueues a raw ingress datagram, dropping it if the ring is
// full rather than blocking the socket read loop.
func (p *PFPool) Submit(datagram []byte, addr *net.UDPAddr) {
	cp := append([]byte(nil), datagram...)
	select {
	case p.jobs <- ringJob{datagram: cp, addr: addr}:
	default:
		p.cb.Status.IncRouteDrop()
	}
}

func (p *PFPool) run(index int) {
	buf := p.cb.Payload.Buffer("pf-worker-" + strconv.Itoa(index))
	for {
		select {
		case <-p.stop:
			return
		case job := <-p.jobs:
			processIngress(p.chain, p.cb, p.tun, p.send, p.log, buf, job.datagram, job.addr)
		}
	}
}

// Close stops every pool goroutine.
func (p *PFPool) Close() {
	close(p.stop)
}
