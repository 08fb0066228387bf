// Compress implements the stateless compression filter. flate is used
// rather than gzip because the wire format wants a headerless, framed
// segment; gzip's container would cost bytes on every packet for
// metadata the envelope already carries.
package pf

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"gnbgo/internal/wire"
	"gnbgo/pkg/config"
)

// Compress holds the deflate settings and lifecycle shared by its two
// chain legs. The canonical chain order places deflate before CRYPTO(p2p)
// on egress but inflate after it on ingress, so the two legs register as
// separate filter values (Deflater and Inflater) around the p2p crypto
// filter.
type Compress struct {
	level int
}

// NewCompress builds the compression settings at the given flate level;
// -1 selects flate.DefaultCompression.
func NewCompress(level int) *Compress {
	if level == 0 {
		level = flate.DefaultCompression
	}
	return &Compress{level: level}
}

func (c *Compress) Name() string { return "compress" }
func (c *Compress) Tag() Tag     { return TagCompress }
func (c *Compress) Init() error  { return nil }
func (c *Compress) Release()     {}

// Conf adopts the configured compress_level when one is set, validating
// it against flate's accepted range.
func (c *Compress) Conf(cfg any) error {
	conf, ok := cfg.(*config.Conf)
	if !ok || conf.CompressLevel == 0 {
		return nil
	}
	if conf.CompressLevel < flate.HuffmanOnly || conf.CompressLevel > flate.BestCompression {
		return fmt.Errorf("pf: compress_level %d out of range", conf.CompressLevel)
	}
	c.level = conf.CompressLevel
	return nil
}

// Deflater returns the egress leg, registered before CRYPTO(p2p) in
// tun_route.
func (c *Compress) Deflater() Filter { return &deflater{c} }

// Inflater returns the ingress leg, registered after CRYPTO(p2p) in
// inet_route.
func (c *Compress) Inflater() Filter { return &inflater{c} }

type deflater struct {
	*Compress
}

func (d *deflater) Name() string { return "compress-deflate" }

// TunRoute deflates the payload and switches the sub-type to
// SubDeflateP2P only when doing so actually shrinks it; otherwise the
// packet is left raw rather than pay the deflate framing overhead for no
// gain.
func (d *deflater) TunRoute(ctx *Context) Verdict {
	payload := ctx.Buf.Payload()
	compressed, err := deflate(payload, d.level)
	if err == nil && len(compressed) < len(payload) {
		if err := ctx.Buf.SetPayload(compressed); err != nil {
			return Drop
		}
		ctx.Buf.SetTypes(ctx.Buf.Type(), wire.SubDeflateP2P)
		return Next
	}
	ctx.Buf.SetTypes(ctx.Buf.Type(), wire.SubRawP2P)
	return Next
}

type inflater struct {
	*Compress
}

func (i *inflater) Name() string { return "compress-inflate" }

// InetRoute inflates a terminal packet declared as SubDeflateP2P, after
// P2PCrypto has already decrypted it. Receiver-compatible regardless of
// local configuration: a raw sub-type passes through untouched. Transit
// packets are still p2p-encrypted for their final destination and are
// left alone too.
func (i *inflater) InetRoute(ctx *Context) Verdict {
	if ctx.Relay {
		return Next
	}
	if ctx.Buf.SubType() != wire.SubDeflateP2P {
		return Next
	}
	raw, err := inflate(ctx.Buf.Payload())
	if err != nil {
		return Drop
	}
	if err := ctx.Buf.SetPayload(raw); err != nil {
		return Drop
	}
	ctx.Buf.SetTypes(ctx.Buf.Type(), wire.SubRawP2P)
	return Next
}

func deflate(p []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(p []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(p))
	defer r.Close()
	return io.ReadAll(r)
}
