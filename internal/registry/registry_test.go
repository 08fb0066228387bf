package registry

import (
	"net"
	"testing"
	"time"
)

func newTestNode(id NodeID, ip string) *Node {
	return NewNode(id, nil, net.ParseIP(ip), nil)
}

func TestInsertAndLookups(t *testing.T) {
	r := New()
	a := newTestNode(100, "10.1.0.1")
	b := newTestNode(200, "10.1.0.2")
	if err := r.Insert(a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := r.Insert(b); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	if got, ok := r.ByUUID(100); !ok || got != a {
		t.Fatalf("ByUUID(100) = %v, %v", got, ok)
	}
	if got, ok := r.ByTunIPv4(net.ParseIP("10.1.0.2")); !ok || got != b {
		t.Fatalf("ByTunIPv4 = %v, %v", got, ok)
	}
	if len(r.BySubnetC(net.ParseIP("10.1.0.99"))) != 2 {
		t.Fatalf("expected both nodes in the /24 index")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", r.Len())
	}
}

func TestInsertRejectsDuplicateUUID(t *testing.T) {
	r := New()
	if err := r.Insert(newTestNode(1, "10.0.0.1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := r.Insert(newTestNode(1, "10.0.0.2")); err == nil {
		t.Fatal("expected error inserting duplicate uuid64")
	}
}

func TestLocalNodePointer(t *testing.T) {
	r := New()
	if r.Local() != nil {
		t.Fatal("expected nil local node before insertion")
	}
	local := newTestNode(1, "10.0.0.1")
	local.Local = true
	if err := r.Insert(local); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if r.Local() != local {
		t.Fatal("expected local node pointer to be set")
	}
}

func TestEndpointRingCursorSpreadsLoad(t *testing.T) {
	n := newTestNode(1, "10.0.0.1")
	now := time.Now()
	a1 := &net.UDPAddr{IP: net.ParseIP("1.1.1.1"), Port: 100}
	a2 := &net.UDPAddr{IP: net.ParseIP("2.2.2.2"), Port: 200}
	n.UpdateEndpoint(a1, now)
	n.UpdateEndpoint(a2, now)

	first := n.BestEndpoint(time.Minute, now)
	second := n.BestEndpoint(time.Minute, now)
	if first == nil || second == nil {
		t.Fatal("expected non-nil endpoints")
	}
	if first.String() == second.String() {
		t.Fatalf("expected cursor to rotate between endpoints, got %s twice", first)
	}
}

func TestBestEndpointPrefersWithinLivenessWindow(t *testing.T) {
	n := newTestNode(1, "10.0.0.1")
	now := time.Now()
	stale := &net.UDPAddr{IP: net.ParseIP("1.1.1.1"), Port: 100}
	fresh := &net.UDPAddr{IP: net.ParseIP("2.2.2.2"), Port: 200}
	n.UpdateEndpoint(stale, now.Add(-time.Hour))
	n.UpdateEndpoint(fresh, now)

	got := n.BestEndpoint(time.Minute, now)
	if got == nil || got.String() != fresh.String() {
		t.Fatalf("expected fresh endpoint, got %v", got)
	}
}

func TestSetKeysDoesNotTearPreviousGeneration(t *testing.T) {
	n := newTestNode(1, "10.0.0.1")
	gen1 := SessionKeys{Seed: 1}
	gen1.Send[0] = 0xAA
	n.SetKeys(gen1)

	gen2 := SessionKeys{Seed: 2}
	gen2.Send[0] = 0xBB
	n.SetKeys(gen2)

	cur, ok := n.CurrentKeys()
	if !ok || cur.Seed != 2 {
		t.Fatalf("expected current generation 2, got %+v", cur)
	}
	prev, _, ok := n.PreviousKeys()
	if !ok || prev.Seed != 1 {
		t.Fatalf("expected previous generation 1, got %+v", prev)
	}
}
