package pf

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Dump is the diagnostics filter: it never changes a verdict, only counts
// and optionally logs packets passing through tun_frame and inet_fwd.
// The counters are atomic because inet_fwd runs on every pf worker
// concurrently.
type Dump struct {
	log     *logrus.Entry
	trace   bool
	tunSeen atomic.Uint64
	fwdSeen atomic.Uint64
}

// NewDump builds a Dump filter. trace enables per-packet debug logging.
func NewDump(log *logrus.Entry, trace bool) *Dump {
	return &Dump{log: log.WithField("filter", "dump"), trace: trace}
}

func (d *Dump) Name() string { return "dump" }
func (d *Dump) Tag() Tag     { return TagDump }
func (d *Dump) Init() error  { return nil }
func (d *Dump) Release()     {}

func (d *Dump) TunFrame(ctx *Context) Verdict {
	d.tunSeen.Add(1)
	if d.trace {
		d.log.WithField("bytes", len(ctx.Buf.Payload())).Debug("tun frame read")
	}
	return Next
}

func (d *Dump) InetFwd(ctx *Context) Verdict {
	d.fwdSeen.Add(1)
	if d.trace {
		d.log.WithFields(logrus.Fields{
			"dst": ctx.DstID,
			"ttl": ctx.TTL,
		}).Debug("retransmitting transit packet")
	}
	return Next
}
