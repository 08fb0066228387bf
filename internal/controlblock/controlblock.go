// Package controlblock holds the daemon's shared state as five explicit
// zones, each its own struct with its own ownership rules. Persistence,
// if ever added, would be an opt-in serialization of these structs
// rather than the storage model itself.
package controlblock

import (
	"sync"
	"sync/atomic"
	"time"

	"gnbgo/internal/keyschedule"
	"gnbgo/internal/registry"
	"gnbgo/internal/wire"
	"gnbgo/pkg/config"
)

// ConfigZone is the resolved configuration, read by every worker and
// written only once, before any worker starts.
type ConfigZone struct {
	*config.Conf
}

// CoreZone holds the long-lived identity and interface binding. Like
// ConfigZone it is immutable after startup.
type CoreZone struct {
	Identity *keyschedule.Identity
	IfName   string
}

// StatusZone is the keep-alive timestamp (single writer: primary) and
// the per-kind drop counters, all plain atomics. The metrics package
// keeps its own Prometheus counters, which are not derived from this
// zone.
type StatusZone struct {
	keepAlive    atomic.Int64
	framingDrops atomic.Uint64
	cryptoDrops  atomic.Uint64
	routeDrops   atomic.Uint64
}

// Touch records a liveness heartbeat. Single writer: primary worker.
func (s *StatusZone) Touch(now time.Time) { s.keepAlive.Store(now.Unix()) }

// KeepAlive returns the last recorded heartbeat.
func (s *StatusZone) KeepAlive() time.Time { return time.Unix(s.keepAlive.Load(), 0) }

// IncFramingDrop, IncCryptoDrop and IncRouteDrop record a per-packet
// drop by kind. Called from any pf worker; atomics make this safe
// without a zone-wide lock.
func (s *StatusZone) IncFramingDrop() { s.framingDrops.Add(1) }
func (s *StatusZone) IncCryptoDrop()  { s.cryptoDrops.Add(1) }
func (s *StatusZone) IncRouteDrop()   { s.routeDrops.Add(1) }

// Counters returns a point-in-time snapshot of the drop counters.
func (s *StatusZone) Counters() (framing, crypto, route uint64) {
	return s.framingDrops.Load(), s.cryptoDrops.Load(), s.routeDrops.Load()
}

// NodesZone is the node registry, append-only at startup and immutable
// in steady state.
type NodesZone struct {
	*registry.Registry
}

// PayloadZone owns the per-worker staging buffers. Each buffer has
// exactly one worker attached, with no cross-worker aliasing; allocation
// is lazy and happens once per worker name.
type PayloadZone struct {
	mu      sync.Mutex
	size    int
	buffers map[string]*wire.Buffer
}

// Buffer returns the staging buffer owned by worker, allocating it on
// first use. Callers must not share the returned buffer across workers.
func (p *PayloadZone) Buffer(worker string) *wire.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buffers[worker]; ok {
		return b
	}
	b := wire.NewBuffer(p.size)
	p.buffers[worker] = b
	return b
}

// ControlBlock is the five-zone shared-state block, held as plain owned
// memory. A file-backed mirror would only ever be a diagnostics feature,
// not the storage model.
type ControlBlock struct {
	Config  ConfigZone
	Core    CoreZone
	Status  StatusZone
	Nodes   NodesZone
	Payload PayloadZone

	released atomic.Bool
}

// New assembles a control block. reg must already have its local node
// set; New does not validate configuration itself, that is the
// configuration provider's job.
func New(cfg *config.Conf, identity *keyschedule.Identity, reg *registry.Registry) *ControlBlock {
	return &ControlBlock{
		Config: ConfigZone{Conf: cfg},
		Core:   CoreZone{Identity: identity, IfName: cfg.IfName},
		Nodes:  NodesZone{Registry: reg},
		Payload: PayloadZone{
			size:    cfg.PayloadBlockSize,
			buffers: make(map[string]*wire.Buffer),
		},
	}
}

// Release tears the control block down exactly once. Callers defer it
// immediately after New so teardown runs regardless of which path exits
// the scope.
func (cb *ControlBlock) Release() {
	if cb.released.Swap(true) {
		return
	}
	cb.Payload.mu.Lock()
	defer cb.Payload.mu.Unlock()
	cb.Payload.buffers = nil
}
