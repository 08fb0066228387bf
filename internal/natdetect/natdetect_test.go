package natdetect

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/registry"
)

type fakeMapper struct {
	mu       sync.Mutex
	mapped   int
	unmapped int
	mapErr   error
}

func (f *fakeMapper) name() string { return "fake" }

func (f *fakeMapper) externalIP() (net.IP, error) {
	return net.IPv4(203, 0, 113, 9), nil
}

func (f *fakeMapper) mapUDP(port int, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapErr != nil {
		return f.mapErr
	}
	f.mapped++
	return nil
}

func (f *fakeMapper) unmapUDP(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmapped++
	return nil
}

func (f *fakeMapper) counts() (mapped, unmapped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapped, f.unmapped
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func localRegistry(t *testing.T) (*registry.Registry, *registry.Node) {
	t.Helper()
	reg := registry.New()
	local := registry.NewNode(1, nil, net.IPv4(10, 1, 0, 1), nil)
	local.Local = true
	if err := reg.Insert(local); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return reg, local
}

func TestWorkerMapsRenewsAndUnmapsOnStop(t *testing.T) {
	reg, local := localRegistry(t)
	fm := &fakeMapper{}

	var gotAddr string
	var addrMu sync.Mutex

	w := NewWorker(reg, 4500, testLog())
	w.lease = 40 * time.Millisecond
	w.discover = func() (mapper, error) { return fm, nil }
	w.OnExternalAddr = func(a *net.UDPAddr) {
		addrMu.Lock()
		gotAddr = a.String()
		addrMu.Unlock()
	}

	w.Start()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if mapped, _ := fm.counts(); mapped >= 2 {
			break // initial mapping plus at least one renewal
		}
		if time.Now().After(deadline) {
			t.Fatal("mapping was never renewed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if local.Reachability() != registry.ReachDirect {
		t.Fatalf("local reachability = %v, want direct while the mapping holds", local.Reachability())
	}
	addrMu.Lock()
	defer addrMu.Unlock()
	if gotAddr != "203.0.113.9:4500" {
		t.Fatalf("announced endpoint = %q, want 203.0.113.9:4500", gotAddr)
	}
	if _, unmapped := fm.counts(); unmapped != 1 {
		t.Fatalf("unmapped %d times, want exactly once on Stop", unmapped)
	}
}

func TestRefreshKeepsReachabilityWhenMappingRefused(t *testing.T) {
	reg, local := localRegistry(t)
	local.SetReachability(registry.ReachRelay)

	fm := &fakeMapper{mapErr: errors.New("gateway said no")}
	w := NewWorker(reg, 4500, testLog())
	w.discover = func() (mapper, error) { return fm, nil }

	if got := w.refresh(nil); got != fm {
		t.Fatal("refresh must keep the discovered mapper for the next tick")
	}
	if local.Reachability() != registry.ReachRelay {
		t.Fatalf("reachability = %v, a refused mapping must not change it", local.Reachability())
	}
}

func TestRefreshSkipsMappingWithoutAPort(t *testing.T) {
	reg, local := localRegistry(t)
	fm := &fakeMapper{}
	w := NewWorker(reg, 0, testLog())
	w.discover = func() (mapper, error) { return fm, nil }

	w.refresh(nil)

	if mapped, _ := fm.counts(); mapped != 0 {
		t.Fatal("no port configured means nothing to map")
	}
	if local.Reachability() != registry.ReachUnknown {
		t.Fatalf("reachability = %v, want unchanged", local.Reachability())
	}
}
