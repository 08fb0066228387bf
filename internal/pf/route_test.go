package pf

import (
	"net"
	"testing"

	"gnbgo/internal/registry"
	"gnbgo/internal/wire"
)

func TestRouteTunRouteChoosesRelayHop(t *testing.T) {
	reg := registry.New()
	local := registry.NewNode(1, nil, net.IPv4(10, 0, 0, 1), nil)
	local.Local = true
	local.SetReachability(registry.ReachDirect)
	relay := registry.NewNode(3, nil, net.IPv4(10, 0, 0, 3), nil)
	relay.SetReachability(registry.ReachDirect)
	dst := registry.NewNode(2, nil, net.IPv4(10, 0, 0, 2), nil)
	dst.SetReachability(registry.ReachRelay)
	dst.RelayVia = 3

	for _, n := range []*registry.Node{local, relay, dst} {
		if err := reg.Insert(n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	r := NewRoute(reg)
	ctx := &Context{}
	ctx.DstIPv4 = net.IPv4(10, 0, 0, 2)
	if v := r.TunRoute(ctx); v != Next {
		t.Fatalf("verdict = %s, want NEXT", v)
	}
	if ctx.ForwardClass != wire.ForwardRelay {
		t.Fatalf("forward class = %d, want relay", ctx.ForwardClass)
	}
	if ctx.NextHop == nil || ctx.NextHop.ID != 3 {
		t.Fatalf("next hop = %v, want node 3", ctx.NextHop)
	}
	if ctx.RelayLen != 1 || ctx.RelayIDs[0] != 2 {
		t.Fatalf("relay array = %v[:%d], want [2] (the hops still ahead of the first)", ctx.RelayIDs, ctx.RelayLen)
	}
	if ctx.TTL != 2 {
		t.Fatalf("ttl = %d, want 2", ctx.TTL)
	}
	if !ctx.Relay {
		t.Fatal("expected Relay=true for a relay-class destination")
	}
}

func TestRouteInetRouteFallsBackToDirectWithEmptyRelayArray(t *testing.T) {
	reg := registry.New()
	local := registry.NewNode(3, nil, net.IPv4(10, 0, 0, 3), nil)
	local.Local = true
	dst := registry.NewNode(2, nil, net.IPv4(10, 0, 0, 2), nil)
	origin := registry.NewNode(1, nil, net.IPv4(10, 0, 0, 1), nil)
	for _, n := range []*registry.Node{local, dst, origin} {
		if err := reg.Insert(n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	r := NewRoute(reg)
	ctx := &Context{SrcID: 1, DstID: 2, TTL: 2}
	if v := r.InetRoute(ctx); v != Next {
		t.Fatalf("verdict = %s, want NEXT", v)
	}
	if !ctx.Relay {
		t.Fatal("expected transit packet to set Relay=true")
	}
	if ctx.NextHop == nil || ctx.NextHop.ID != 2 {
		t.Fatalf("next hop = %v, want direct delivery to node 2", ctx.NextHop)
	}
	if ctx.TTL != 1 {
		t.Fatalf("ttl = %d, want 1 after one decrement", ctx.TTL)
	}
}

func TestRouteInetRouteTerminalStaysInPhase(t *testing.T) {
	reg := registry.New()
	local := registry.NewNode(2, nil, net.IPv4(10, 0, 0, 2), nil)
	local.Local = true
	if err := reg.Insert(local); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := NewRoute(reg)
	ctx := &Context{SrcID: 1, DstID: 2, TTL: 1}
	if v := r.InetRoute(ctx); v != Next {
		t.Fatalf("verdict = %s, want NEXT (terminal stays in-phase)", v)
	}
	if ctx.Relay {
		t.Fatal("terminal delivery must not set Relay")
	}
}
