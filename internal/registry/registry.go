package registry

import (
	"fmt"
	"net"
)

// Registry is the packed node table plus its secondary indexes.
// Insertion happens once at startup; in steady state it is treated as
// immutable, so lookups need no locking.
type Registry struct {
	nodes     []*Node
	byUUID    map[NodeID]*Node
	byTunIPv4 map[string]*Node
	byTunIPv6 map[string]*Node
	bySubnetA map[byte][]*Node   // /8
	bySubnetB map[uint16][]*Node // /16
	bySubnetC map[uint32][]*Node // /24
	local     *Node
}

// New builds an empty registry ready for one-shot population via Insert.
func New() *Registry {
	return &Registry{
		byUUID:    make(map[NodeID]*Node),
		byTunIPv4: make(map[string]*Node),
		byTunIPv6: make(map[string]*Node),
		bySubnetA: make(map[byte][]*Node),
		bySubnetB: make(map[uint16][]*Node),
		bySubnetC: make(map[uint32][]*Node),
	}
}

// Insert adds a node to the registry and its secondary indexes. It must
// only be called during startup configuration, never in steady state.
func (r *Registry) Insert(n *Node) error {
	if _, exists := r.byUUID[n.ID]; exists {
		return fmt.Errorf("registry: duplicate uuid64 %d", n.ID)
	}
	r.nodes = append(r.nodes, n)
	r.byUUID[n.ID] = n
	if n.TunIPv4 != nil {
		r.byTunIPv4[n.TunIPv4.String()] = n
		indexSubnets(r, n, n.TunIPv4)
	}
	if n.TunIPv6 != nil {
		r.byTunIPv6[n.TunIPv6.String()] = n
	}
	if n.Local {
		r.local = n
	}
	return nil
}

func indexSubnets(r *Registry, n *Node, ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	r.bySubnetA[v4[0]] = append(r.bySubnetA[v4[0]], n)
	r.bySubnetB[uint16(v4[0])<<8|uint16(v4[1])] = append(r.bySubnetB[uint16(v4[0])<<8|uint16(v4[1])], n)
	key := uint32(v4[0])<<16 | uint32(v4[1])<<8 | uint32(v4[2])
	r.bySubnetC[key] = append(r.bySubnetC[key], n)
}

// ByUUID looks up a node by its 64-bit id.
func (r *Registry) ByUUID(id NodeID) (*Node, bool) {
	n, ok := r.byUUID[id]
	return n, ok
}

// ByTunIPv4 looks up the node owning a virtual IPv4 address, the routing
// filter's fallback when no subnet index matches.
func (r *Registry) ByTunIPv4(ip net.IP) (*Node, bool) {
	n, ok := r.byTunIPv4[ip.String()]
	return n, ok
}

// ByTunIPv6 looks up the node owning a virtual IPv6 address.
func (r *Registry) ByTunIPv6(ip net.IP) (*Node, bool) {
	n, ok := r.byTunIPv6[ip.String()]
	return n, ok
}

// BySubnetA/B/C return every node sharing the /8, /16 or /24 prefix of
// ip.
func (r *Registry) BySubnetA(ip net.IP) []*Node {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	return r.bySubnetA[v4[0]]
}

func (r *Registry) BySubnetB(ip net.IP) []*Node {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	return r.bySubnetB[uint16(v4[0])<<8|uint16(v4[1])]
}

func (r *Registry) BySubnetC(ip net.IP) []*Node {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	key := uint32(v4[0])<<16 | uint32(v4[1])<<8 | uint32(v4[2])
	return r.bySubnetC[key]
}

// ByEndpoint finds the node whose observed-endpoint ring currently
// contains addr, identifying the previous hop of a relay-wrapped
// datagram by the socket address it arrived from. This is a linear scan;
// overlay node counts are small enough that this is cheaper than
// maintaining a reverse index that would need invalidation on every
// UpdateEndpoint eviction.
func (r *Registry) ByEndpoint(addr *net.UDPAddr) (*Node, bool) {
	if addr == nil {
		return nil, false
	}
	for _, n := range r.nodes {
		if n.HasEndpoint(addr) {
			return n, true
		}
	}
	return nil, false
}

// Iter returns every registered node. The returned slice shares the
// registry's backing array; callers must not mutate it.
func (r *Registry) Iter() []*Node {
	return r.nodes
}

// Local returns the local node, or nil if configuration has not completed
// yet. Workers must not start before it is set.
func (r *Registry) Local() *Node {
	return r.local
}

// Len reports how many nodes are registered.
func (r *Registry) Len() int {
	return len(r.nodes)
}
