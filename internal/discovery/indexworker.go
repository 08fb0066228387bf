package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/registry"
)

// DefaultIndexTick is how often the index worker re-announces the local
// endpoint and refreshes its view of the peers'.
const DefaultIndexTick = 30 * time.Second

// IndexWorker is the client half of the out-of-band discovery protocol:
// on a fixed cadence it announces the local node's publicly reachable
// endpoint to the index service and applies the service's view of every
// peer's endpoint into the registry.
type IndexWorker struct {
	client IndexClient
	reg    *registry.Registry
	log    *logrus.Entry
	tick   time.Duration

	// LocalAddr yields the local node's current public endpoint string,
	// typically fed by the detect worker's NAT probe. Announcements are
	// skipped while it returns "".
	LocalAddr func() string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIndexWorker builds an index worker polling through client every
// tick (DefaultIndexTick when zero).
func NewIndexWorker(client IndexClient, reg *registry.Registry, tick time.Duration, log *logrus.Entry) *IndexWorker {
	if tick <= 0 {
		tick = DefaultIndexTick
	}
	return &IndexWorker{client: client, reg: reg, log: log, tick: tick}
}

// Start launches the poll loop. Calling Start twice has no effect.
func (w *IndexWorker) Start() {
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
	w.log.Info("index worker started")
}

func (w *IndexWorker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *IndexWorker) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.tick)
	defer cancel()

	local := w.reg.Local()
	if local == nil {
		return
	}
	if w.LocalAddr != nil {
		if addr := w.LocalAddr(); addr != "" {
			rec := EndpointRecord{NodeID: local.ID, Addr: addr, Seen: time.Now().Unix()}
			if err := w.client.Announce(ctx, rec); err != nil {
				w.log.WithError(err).Debug("index announce failed")
			}
		}
	}

	recs, err := w.client.Fetch(ctx)
	if err != nil {
		w.log.WithError(err).Debug("index fetch failed")
		return
	}
	ApplyRecords(w.reg, recs, time.Now())
}

// Stop halts the poll loop and waits for it to exit.
func (w *IndexWorker) Stop() {
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
	w.log.Info("index worker stopped")
}
