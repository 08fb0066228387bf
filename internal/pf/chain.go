// Package pf implements the packet-filter chain framework: a dispatcher
// over six ordered phases (tun_frame, tun_route, tun_fwd, inet_frame,
// inet_route, inet_fwd), with filters registering only the phases they
// participate in through small per-phase interfaces.
package pf

import (
	"net"

	"gnbgo/internal/registry"
	"gnbgo/internal/wire"
)

// Verdict is the result of a single filter invocation.
type Verdict int

const (
	Next Verdict = iota
	Finish
	Drop
	NoRoute
	Error
)

// String returns the verdict's wire-log name.
func (v Verdict) String() string {
	switch v {
	case Next:
		return "NEXT"
	case Finish:
		return "FINISH"
	case Drop:
		return "DROP"
	case NoRoute:
		return "NOROUTE"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Tag classifies a filter's purpose.
type Tag int

const (
	TagDump Tag = iota
	TagRoute
	TagCrypto
	TagCompress
)

// Context carries everything a filter phase needs, shared across every
// filter invoked for one packet.
type Context struct {
	Src *registry.Node
	Dst *registry.Node // the packet's final destination, populated by ROUTE

	// NextHop is who this node hands the datagram to next: the chosen
	// relay on egress, or the popped/resolved hop on ingress transit.
	// Equal to Dst whenever forwarding is direct.
	NextHop *registry.Node

	ForwardClass byte // wire.ForwardDirect / ForwardUnified / ForwardRelay

	Buf *wire.Buffer

	IPProto uint8
	DstIPv4 net.IP
	DstIPv6 net.IP

	// SrcID/DstID are the route header's node-id fields. DstID is the
	// final destination and never changes hop to hop; a packet whose
	// DstID equals the local node's id is terminal.
	SrcID uint64
	DstID uint64

	TTL      uint8
	RelayIDs [wire.MaxNodeRelay]uint64
	RelayLen int

	// SourceAddr is the socket address a datagram arrived from; only set
	// on ingress phases.
	SourceAddr *net.UDPAddr

	// Relay is true once the ROUTE filter has decided this packet
	// transits through this node rather than terminating here.
	Relay bool
}

// Filter is the common lifecycle every packet filter implements. Phase
// participation is expressed by additionally implementing one or more of
// the TunFramer/TunRouter/.../InetForwarder interfaces below; a filter
// implementing none of them is registered but never invoked.
type Filter interface {
	Name() string
	Tag() Tag
	Init() error
	Release()
}

// Configurable filters accept the resolved configuration before Init.
type Configurable interface {
	Conf(cfg any) error
}

type TunFramer interface{ TunFrame(ctx *Context) Verdict }
type TunRouter interface{ TunRoute(ctx *Context) Verdict }
type TunForwarder interface{ TunFwd(ctx *Context) Verdict }
type InetFramer interface{ InetFrame(ctx *Context) Verdict }
type InetRouter interface{ InetRoute(ctx *Context) Verdict }
type InetForwarder interface{ InetFwd(ctx *Context) Verdict }

// Chain holds the six phase-ordered filter arrays populated at
// registration time.
type Chain struct {
	conf any
	all  []Filter

	tunFrame []TunFramer
	tunRoute []TunRouter
	tunFwd   []TunForwarder

	inetFrame []InetFramer
	inetRoute []InetRouter
	inetFwd   []InetForwarder
}

// NewChain builds an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// SetConf stores the resolved configuration handed to every Configurable
// filter registered afterwards; the conf hook runs before the filter's
// Init.
func (c *Chain) SetConf(conf any) {
	c.conf = conf
}

// Register installs a filter into whichever phase arrays it implements,
// in call order. Callers must register the route filter ahead of any p2p
// crypto filter, whose key lookup depends on the resolved peer.
func (c *Chain) Register(f Filter) error {
	if v, ok := f.(Configurable); ok && c.conf != nil {
		if err := v.Conf(c.conf); err != nil {
			return err
		}
	}
	if err := f.Init(); err != nil {
		return err
	}
	c.all = append(c.all, f)
	if v, ok := f.(TunFramer); ok {
		c.tunFrame = append(c.tunFrame, v)
	}
	if v, ok := f.(TunRouter); ok {
		c.tunRoute = append(c.tunRoute, v)
	}
	if v, ok := f.(TunForwarder); ok {
		c.tunFwd = append(c.tunFwd, v)
	}
	if v, ok := f.(InetFramer); ok {
		c.inetFrame = append(c.inetFrame, v)
	}
	if v, ok := f.(InetRouter); ok {
		c.inetRoute = append(c.inetRoute, v)
	}
	if v, ok := f.(InetForwarder); ok {
		c.inetFwd = append(c.inetFwd, v)
	}
	return nil
}

// Release tears down every registered filter in reverse registration
// order. Callers defer it right after building the chain so release runs
// regardless of which path exits.
func (c *Chain) Release() {
	for i := len(c.all) - 1; i >= 0; i-- {
		c.all[i].Release()
	}
}

func runTunFrame(fs []TunFramer, ctx *Context) Verdict {
	for _, f := range fs {
		switch v := f.TunFrame(ctx); v {
		case Next:
			continue
		default:
			return v
		}
	}
	return Next
}

func runTunRoute(fs []TunRouter, ctx *Context) Verdict {
	for _, f := range fs {
		switch v := f.TunRoute(ctx); v {
		case Next:
			continue
		default:
			return v
		}
	}
	return Next
}

func runTunFwd(fs []TunForwarder, ctx *Context) Verdict {
	for _, f := range fs {
		switch v := f.TunFwd(ctx); v {
		case Next:
			continue
		default:
			return v
		}
	}
	return Next
}

func runInetFrame(fs []InetFramer, ctx *Context) Verdict {
	for _, f := range fs {
		switch v := f.InetFrame(ctx); v {
		case Next:
			continue
		default:
			return v
		}
	}
	return Next
}

func runInetRoute(fs []InetRouter, ctx *Context) Verdict {
	for _, f := range fs {
		switch v := f.InetRoute(ctx); v {
		case Next:
			continue
		default:
			return v
		}
	}
	return Next
}

func runInetFwd(fs []InetForwarder, ctx *Context) Verdict {
	for _, f := range fs {
		switch v := f.InetFwd(ctx); v {
		case Next:
			continue
		default:
			return v
		}
	}
	return Next
}

// RunEgress drives the three tun-side phases in order, stopping early on
// any non-Next verdict.
func (c *Chain) RunEgress(ctx *Context) Verdict {
	if v := runTunFrame(c.tunFrame, ctx); v != Next {
		return terminal(v)
	}
	if v := runTunRoute(c.tunRoute, ctx); v != Next {
		return terminal(v)
	}
	if !ctx.Relay {
		return Finish
	}
	if v := runTunFwd(c.tunFwd, ctx); v != Next {
		return terminal(v)
	}
	return Finish
}

// RunIngress drives the three inet-side phases in order. A Drop or
// NoRoute from inet_route terminates the run before inet_fwd ever sees
// the packet.
func (c *Chain) RunIngress(ctx *Context) Verdict {
	if v := runInetFrame(c.inetFrame, ctx); v != Next {
		return terminal(v)
	}
	if v := runInetRoute(c.inetRoute, ctx); v != Next {
		return terminal(v)
	}
	if !ctx.Relay {
		return Finish
	}
	if v := runInetFwd(c.inetFwd, ctx); v != Next {
		return terminal(v)
	}
	return Finish
}

// terminal normalizes a Finish verdict returned mid-phase to Finish, and
// passes Drop/NoRoute/Error straight through.
func terminal(v Verdict) Verdict {
	if v == Finish {
		return Finish
	}
	return v
}
