package pf

import (
	"net"

	"gnbgo/internal/metrics"
	"gnbgo/internal/registry"
	"gnbgo/internal/wire"
)

// Route resolves destinations and decides forward class. It participates
// in tun_route (egress lookup), inet_route (terminal/transit decision)
// and inet_fwd (next-hop rewrite for retransmitted transit packets).
//
// Route header semantics: Dst stays the packet's final destination for
// the whole journey, used for the terminal check; RelayIDs holds only
// the hops still to traverse, consumed by popping one entry per transit
// hop. When the array is empty a transit node resolves the next hop
// directly from the registry, since reaching the final destination is by
// definition the last hop.
type Route struct {
	reg *registry.Registry
}

// NewRoute builds a Route filter bound to a registry.
func NewRoute(reg *registry.Registry) *Route {
	return &Route{reg: reg}
}

func (r *Route) Name() string { return "route" }
func (r *Route) Tag() Tag     { return TagRoute }
func (r *Route) Init() error  { return nil }
func (r *Route) Release()     {}

// resolveIPv4 looks up the node owning dst, trying the /24 subnet index
// first and falling back to the exact tun-ipv4 index.
func (r *Route) resolveIPv4(dst net.IP) (*registry.Node, bool) {
	if dst == nil {
		return nil, false
	}
	for _, n := range r.reg.BySubnetC(dst) {
		if n.TunIPv4 != nil && n.TunIPv4.Equal(dst) {
			return n, true
		}
	}
	return r.reg.ByTunIPv4(dst)
}

// TunRoute performs the egress destination lookup and chooses a forward
// class.
func (r *Route) TunRoute(ctx *Context) Verdict {
	dst, ok := r.resolveIPv4(ctx.DstIPv4)
	if !ok && ctx.DstIPv6 != nil {
		dst, ok = r.reg.ByTunIPv6(ctx.DstIPv6)
	}
	if !ok {
		metrics.RouteDrops.WithLabelValues("no_route").Inc()
		return NoRoute
	}
	ctx.Dst = dst
	ctx.DstID = uint64(dst.ID)
	local := r.reg.Local()
	if local != nil {
		ctx.SrcID = uint64(local.ID)
	}

	switch dst.Reachability() {
	case registry.ReachDirect:
		ctx.ForwardClass = wire.ForwardDirect
		ctx.NextHop = dst
		ctx.RelayLen = 0
		ctx.TTL = 1
		ctx.Relay = false
	case registry.ReachRelay:
		relay, ok := r.reg.ByUUID(dst.RelayVia)
		if !ok {
			metrics.RouteDrops.WithLabelValues("no_route").Inc()
			return NoRoute
		}
		// The datagram goes to the first hop directly; the relay array
		// carries the hops still ahead of it, ending with the
		// destination itself, so each transit node pops the next stop.
		ctx.ForwardClass = wire.ForwardRelay
		ctx.NextHop = relay
		ctx.RelayIDs[0] = uint64(dst.ID)
		ctx.RelayLen = 1
		ctx.TTL = uint8(ctx.RelayLen + 1)
		ctx.Relay = true
	default:
		return NoRoute
	}
	return Next
}

// InetRoute decides whether an inbound packet terminates here or must
// transit onward. Both branches return Next so the p2p crypto and
// inflate filters registered in this same phase still run for terminal
// packets; ctx.Relay tells RunIngress whether inet_fwd should follow.
func (r *Route) InetRoute(ctx *Context) Verdict {
	local := r.reg.Local()
	if local == nil {
		return Error
	}
	if src, ok := r.reg.ByUUID(registry.NodeID(ctx.SrcID)); ok {
		ctx.Src = src
	}
	if ctx.DstID == uint64(local.ID) {
		ctx.Relay = false
		return Next
	}

	ctx.TTL--
	if ctx.TTL == 0 {
		metrics.RouteDrops.WithLabelValues("ttl_exhausted").Inc()
		return Drop
	}

	if id, ok := popRelay(ctx); ok {
		next, ok := r.reg.ByUUID(registry.NodeID(id))
		if !ok {
			metrics.RouteDrops.WithLabelValues("no_route").Inc()
			return NoRoute
		}
		ctx.NextHop = next
	} else {
		next, ok := r.reg.ByUUID(registry.NodeID(ctx.DstID))
		if !ok {
			metrics.RouteDrops.WithLabelValues("no_route").Inc()
			return NoRoute
		}
		ctx.NextHop = next
	}
	ctx.Relay = true
	return Next
}

// InetFwd sanity-checks the next hop before the relay crypto filter
// re-wraps the packet for retransmission.
func (r *Route) InetFwd(ctx *Context) Verdict {
	if ctx.NextHop == nil {
		return NoRoute
	}
	return Next
}

func popRelay(ctx *Context) (uint64, bool) {
	if ctx.RelayLen == 0 {
		return 0, false
	}
	id := ctx.RelayIDs[0]
	copy(ctx.RelayIDs[:ctx.RelayLen-1], ctx.RelayIDs[1:ctx.RelayLen])
	ctx.RelayLen--
	return id, true
}
