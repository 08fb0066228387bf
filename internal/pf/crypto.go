// Per-packet cryptographic transforms: P2PCrypto encrypts/decrypts the
// innermost payload between the two endpoints of a flow; RelayCrypto
// adds or verifies an outer layer so intermediate hops can authenticate
// a datagram without reading the payload it carries. Both seal with
// XChaCha20-Poly1305; the size and type bytes of the envelope stay
// cleartext.
package pf

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"gnbgo/internal/keyschedule"
	"gnbgo/internal/metrics"
	"gnbgo/internal/registry"
	"gnbgo/internal/wire"
)

// P2PCrypto is the innermost crypto layer, keyed per destination/source
// peer.
type P2PCrypto struct{}

// NewP2PCrypto builds the endpoint-to-endpoint crypto filter.
func NewP2PCrypto() *P2PCrypto { return &P2PCrypto{} }

func (c *P2PCrypto) Name() string { return "crypto-p2p" }
func (c *P2PCrypto) Tag() Tag     { return TagCrypto }
func (c *P2PCrypto) Init() error  { return nil }
func (c *P2PCrypto) Release()     {}

// TunRoute encrypts the (already possibly compressed) payload for the
// final destination, run after ROUTE and COMPRESS in tun_route.
func (c *P2PCrypto) TunRoute(ctx *Context) Verdict {
	if ctx.Dst == nil {
		return Error
	}
	keys, ok := ctx.Dst.CurrentKeys()
	if !ok {
		metrics.CryptoDrops.WithLabelValues("p2p").Inc()
		return Drop
	}
	ciphertext, err := sealXChaCha(keys.Send, ctx.Buf.Payload())
	if err != nil {
		return Error
	}
	if err := ctx.Buf.SetPayload(ciphertext); err != nil {
		return Drop
	}
	return Next
}

// InetRoute decrypts a terminal packet's innermost layer. Transit
// packets are never p2p-decrypted at this node, since it holds no
// session key for a pair it is not an endpoint of.
func (c *P2PCrypto) InetRoute(ctx *Context) Verdict {
	if ctx.Relay {
		return Next
	}
	if ctx.Src == nil {
		metrics.CryptoDrops.WithLabelValues("p2p").Inc()
		return Drop
	}
	plain, ok := openWithGrace(ctx.Src, ctx.Buf.Payload())
	if !ok {
		metrics.CryptoDrops.WithLabelValues("p2p").Inc()
		return Drop
	}
	if err := ctx.Buf.SetPayload(plain); err != nil {
		return Drop
	}
	return Next
}

// RelayCrypto wraps/unwraps the outer, hop-to-hop authentication layer.
// The inner sub-type is carried as a one-byte prefix inside the wrapped
// plaintext so it can be restored once the outer layer is stripped.
type RelayCrypto struct {
	reg *registry.Registry
}

// NewRelayCrypto builds the hop-to-hop crypto filter.
func NewRelayCrypto(reg *registry.Registry) *RelayCrypto { return &RelayCrypto{reg: reg} }

func (c *RelayCrypto) Name() string { return "crypto-relay" }
func (c *RelayCrypto) Tag() Tag     { return TagCrypto }
func (c *RelayCrypto) Init() error  { return nil }
func (c *RelayCrypto) Release()     {}

func (c *RelayCrypto) wrap(ctx *Context, peer *registry.Node) Verdict {
	keys, ok := peer.CurrentKeys()
	if !ok {
		return Drop
	}
	inner := ctx.Buf.Payload()
	plain := make([]byte, 1+len(inner))
	plain[0] = ctx.Buf.SubType()
	copy(plain[1:], inner)
	ciphertext, err := sealXChaCha(keys.Send, plain)
	if err != nil {
		return Error
	}
	if err := ctx.Buf.SetPayload(ciphertext); err != nil {
		return Drop
	}
	ctx.Buf.SetTypes(ctx.Buf.Type(), wire.SubRelay)
	return Next
}

// TunFwd wraps an egress packet bound for an intermediate relay.
func (c *RelayCrypto) TunFwd(ctx *Context) Verdict {
	if ctx.NextHop == nil {
		return Error
	}
	return c.wrap(ctx, ctx.NextHop)
}

// InetFrame verifies and strips the outer layer of an inbound datagram,
// identifying the previous hop by the socket address it arrived from.
func (c *RelayCrypto) InetFrame(ctx *Context) Verdict {
	if ctx.Buf.SubType() != wire.SubRelay {
		return Next
	}
	prevHop, ok := c.reg.ByEndpoint(ctx.SourceAddr)
	if !ok {
		metrics.CryptoDrops.WithLabelValues("relay").Inc()
		return Drop
	}
	plain, ok := openWithGrace(prevHop, ctx.Buf.Payload())
	if !ok {
		metrics.CryptoDrops.WithLabelValues("relay").Inc()
		return Drop
	}
	if len(plain) < 1 {
		return Drop
	}
	if err := ctx.Buf.SetPayload(plain[1:]); err != nil {
		return Drop
	}
	ctx.Buf.SetTypes(ctx.Buf.Type(), plain[0])
	return Next
}

// InetFwd re-wraps a transit packet for the next hop before
// retransmission.
func (c *RelayCrypto) InetFwd(ctx *Context) Verdict {
	if ctx.NextHop == nil {
		return Error
	}
	return c.wrap(ctx, ctx.NextHop)
}

func sealXChaCha(key [32]byte, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func openXChaCha(key [32]byte, ciphertext []byte) ([]byte, bool) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, false
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, false
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, false
	}
	return plain, true
}

// openWithGrace tries the node's current session key generation, then
// falls back to the superseded generation within the rekey grace window:
// a packet encrypted just before a rotation must still decrypt while the
// sender catches up.
func openWithGrace(peer *registry.Node, ciphertext []byte) ([]byte, bool) {
	if keys, ok := peer.CurrentKeys(); ok {
		if plain, ok := openXChaCha(keys.Recv, ciphertext); ok {
			return plain, true
		}
	}
	if keys, age, ok := peer.PreviousKeys(); ok && age <= keyschedule.GraceWindow {
		if plain, ok := openXChaCha(keys.Recv, ciphertext); ok {
			return plain, true
		}
	}
	return nil, false
}
