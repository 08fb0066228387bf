// Package worker implements the engine's worker loops. Only primary,
// the tun workers and the pf workers sit on the datapath; the node,
// index, index-service and detect workers publish into or read from the
// registry the datapath consults.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/keyschedule"
	"gnbgo/internal/metrics"
	"gnbgo/internal/registry"
)

// Primary is the supervisor worker: it owns the rekey tick and the
// liveness heartbeat. Log rotation and script/helper invocation belong
// to the surrounding tooling, not this engine.
type Primary struct {
	cb   *controlblock.ControlBlock
	reg  *registry.Registry
	id   *keyschedule.Identity
	seed *keyschedule.Seed
	log  *logrus.Entry

	tick time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPrimary builds the supervisor worker. tick is the rekey/liveness
// cadence, defaulted by keyschedule.Seed when zero.
func NewPrimary(cb *controlblock.ControlBlock, reg *registry.Registry, id *keyschedule.Identity, tick time.Duration, log *logrus.Entry) *Primary {
	return &Primary{
		cb:   cb,
		reg:  reg,
		id:   id,
		seed: keyschedule.NewSeed(tick),
		tick: tick,
		log:  log,
	}
}

// Start launches the supervisor loop. Calling Start twice has no effect.
func (p *Primary) Start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	// Derive the first key generation synchronously so no peer is ever
	// visible to the datapath without session keys.
	seed := p.seed.Update(time.Now())
	keyschedule.RotateAll(p.reg, p.id, seed)
	go p.loop()
	p.log.Info("primary worker started")
}

func (p *Primary) loop() {
	defer close(p.done)
	interval := p.tick
	if interval <= 0 {
		interval = keyschedule.DefaultRekeyTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.housekeep(now)
		}
	}
}

func (p *Primary) housekeep(now time.Time) {
	if p.seed.VerifySeedTime(now) {
		seed := p.seed.Update(now)
		keyschedule.RotateAll(p.reg, p.id, seed)
		metrics.RekeyEvents.Inc()
		p.log.WithField("seed", seed).Debug("rotated session keys")
	}
	p.cb.Status.Touch(now)
}

// Stop halts the supervisor loop and waits for it to exit.
func (p *Primary) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("primary worker stopped")
}
