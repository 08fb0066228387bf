package worker

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/keyschedule"
	"gnbgo/internal/pf"
	"gnbgo/internal/registry"
	"gnbgo/internal/wire"
	"gnbgo/pkg/config"
)

// fakeTun stands in for the OS tun driver: injected packets come out of
// Read, delivered packets are captured from Write.
type fakeTun struct {
	in        chan []byte
	delivered chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTun() *fakeTun {
	return &fakeTun{
		in:        make(chan []byte, 64),
		delivered: make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

func (f *fakeTun) Read(p []byte) (int, error) {
	select {
	case pkt := <-f.in:
		return copy(p, pkt), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeTun) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	select {
	case f.delivered <- cp:
	default:
	}
	return len(p), nil
}

func (f *fakeTun) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func testIdentity(t *testing.T) *keyschedule.Identity {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	id, err := keyschedule.NewIdentity(seed)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

func testChain(t *testing.T, reg *registry.Registry) *pf.Chain {
	t.Helper()
	c := pf.NewChain()
	compress := pf.NewCompress(-1)
	for _, f := range []pf.Filter{
		pf.NewDump(logrus.NewEntry(logrus.New()), false),
		pf.NewRoute(reg),
		compress.Deflater(),
		pf.NewP2PCrypto(),
		compress.Inflater(),
		pf.NewRelayCrypto(reg),
	} {
		if err := c.Register(f); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// ipv4Packet builds a minimal IPv4 frame the routing filter can resolve.
func ipv4Packet(src, dst net.IP, payload []byte) []byte {
	p := make([]byte, 20+len(payload))
	p[0] = 0x45
	binary.BigEndian.PutUint16(p[2:], uint16(len(p)))
	p[8] = 64
	p[9] = 1 // ICMP
	copy(p[12:16], src.To4())
	copy(p[16:20], dst.To4())
	copy(p[20:], payload)
	return p
}

// overlayPeer couples one end of a two-node overlay for the tests below.
type overlayPeer struct {
	reg  *registry.Registry
	cb   *controlblock.ControlBlock
	tun  *fakeTun
	conn *net.UDPConn
	mgr  *Manager
}

// twoNodeOverlay assembles nodes A (100, 10.1.0.1) and B (200, 10.1.0.2)
// with real loopback sockets, each knowing the other's endpoint.
func twoNodeOverlay(t *testing.T) (*overlayPeer, *overlayPeer) {
	t.Helper()
	idA, idB := testIdentity(t), testIdentity(t)

	connA, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen A: %v", err)
	}
	connB, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen B: %v", err)
	}

	build := func(localID, peerID registry.NodeID, localIdent, peerIdent *keyschedule.Identity, localIP, peerIP net.IP, peerAddr *net.UDPAddr) (*registry.Registry, *controlblock.ControlBlock) {
		reg := registry.New()
		local := registry.NewNode(localID, localIdent.SignPub, localIP, nil)
		local.Local = true
		local.SetDHPub(localIdent.DHPub)
		local.SetReachability(registry.ReachDirect)
		peer := registry.NewNode(peerID, peerIdent.SignPub, peerIP, nil)
		peer.SetDHPub(peerIdent.DHPub)
		peer.SetReachability(registry.ReachDirect)
		peer.UpdateEndpoint(peerAddr, time.Now())
		if err := reg.Insert(local); err != nil {
			t.Fatalf("insert local: %v", err)
		}
		if err := reg.Insert(peer); err != nil {
			t.Fatalf("insert peer: %v", err)
		}
		cfg := &config.Conf{PayloadBlockSize: 2048}
		return reg, controlblock.New(cfg, localIdent, reg)
	}

	ipA, ipB := net.IPv4(10, 1, 0, 1), net.IPv4(10, 1, 0, 2)
	regA, cbA := build(100, 200, idA, idB, ipA, ipB, connB.LocalAddr().(*net.UDPAddr))
	regB, cbB := build(200, 100, idB, idA, ipB, ipA, connA.LocalAddr().(*net.UDPAddr))

	tunA, tunB := newFakeTun(), newFakeTun()
	mgrA, err := New(cbA, regA, testChain(t, regA), tunA, []*net.UDPConn{connA}, testLog())
	if err != nil {
		t.Fatalf("manager A: %v", err)
	}
	mgrB, err := New(cbB, regB, testChain(t, regB), tunB, []*net.UDPConn{connB}, testLog())
	if err != nil {
		t.Fatalf("manager B: %v", err)
	}

	return &overlayPeer{reg: regA, cb: cbA, tun: tunA, conn: connA, mgr: mgrA},
		&overlayPeer{reg: regB, cb: cbB, tun: tunB, conn: connB, mgr: mgrB}
}

func TestTwoNodeDirectPath(t *testing.T) {
	a, b := twoNodeOverlay(t)
	a.mgr.Start()
	b.mgr.Start()
	defer a.mgr.Stop()
	defer b.mgr.Stop()

	packet := ipv4Packet(net.IPv4(10, 1, 0, 1), net.IPv4(10, 1, 0, 2), []byte("echo request payload"))
	a.tun.in <- packet

	select {
	case got := <-b.tun.delivered:
		if !bytes.Equal(got, packet) {
			t.Fatalf("delivered %d bytes differing from the %d sent", len(got), len(packet))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("packet never delivered to B's tun device")
	}

	// Mirror path: B replies to A.
	reply := ipv4Packet(net.IPv4(10, 1, 0, 2), net.IPv4(10, 1, 0, 1), []byte("echo reply payload"))
	b.tun.in <- reply

	select {
	case got := <-a.tun.delivered:
		if !bytes.Equal(got, reply) {
			t.Fatal("reply corrupted on the mirror path")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reply never delivered to A's tun device")
	}
}

func TestPFPoolProcessesIndependentDatagrams(t *testing.T) {
	a, b := twoNodeOverlay(t)
	// Only the managers' primaries are needed, for key derivation; the
	// sockets stay quiet because the pool is fed directly.
	a.mgr.Start()
	b.mgr.Start()
	defer a.mgr.Stop()
	defer b.mgr.Stop()

	chainA := testChain(t, a.reg)
	const total = 32
	sent := make(map[string]bool, total)
	datagrams := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		payload := append([]byte("packet-"), byte('A'+i%26), byte('0'+i%10))
		packet := ipv4Packet(net.IPv4(10, 1, 0, 1), net.IPv4(10, 1, 0, 2), payload)
		sent[string(packet)] = true

		buf := a.cb.Payload.Buffer("egress-test")
		buf.Reset()
		buf.SetTypes(wire.TypeIPFrame, wire.SubRawP2P)
		proto, dst4, dst6, err := parseIPDestination(packet)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if err := buf.SetPayload(packet); err != nil {
			t.Fatalf("SetPayload: %v", err)
		}
		ctx := &pf.Context{Buf: buf, IPProto: proto, DstIPv4: dst4, DstIPv6: dst6}
		if v := chainA.RunEgress(ctx); v != pf.Finish {
			t.Fatalf("egress verdict = %s", v)
		}
		d, err := encodeDatagram(ctx)
		if err != nil {
			t.Fatalf("encodeDatagram: %v", err)
		}
		datagrams = append(datagrams, append([]byte(nil), d...))
	}

	chainB := testChain(t, b.reg)
	tunB := NewTun(b.tun, chainB, b.cb, nil, testLog())
	pool := NewPFPool(4, 256, chainB, b.cb, tunB, func(*net.UDPAddr, []byte) error { return nil }, testLog())
	defer pool.Close()

	src := a.conn.LocalAddr().(*net.UDPAddr)
	var wg sync.WaitGroup
	for _, d := range datagrams {
		wg.Add(1)
		go func(d []byte) {
			defer wg.Done()
			pool.Submit(d, src)
		}(d)
	}
	wg.Wait()

	got := make(map[string]bool, total)
	timeout := time.After(5 * time.Second)
	for len(got) < total {
		select {
		case pkt := <-b.tun.delivered:
			if !sent[string(pkt)] {
				t.Fatalf("delivered a packet that was never sent (%d bytes)", len(pkt))
			}
			got[string(pkt)] = true
		case <-timeout:
			t.Fatalf("delivered %d of %d packets before timeout", len(got), total)
		}
	}
}

func TestManagerStopClosesSocketsAndTun(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	reg := registry.New()
	local := registry.NewNode(1, nil, net.IPv4(10, 1, 0, 1), nil)
	local.Local = true
	if err := reg.Insert(local); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cb := controlblock.New(&config.Conf{PayloadBlockSize: 1024, PFWorkerNum: 2}, testIdentity(t), reg)
	dev := newFakeTun()
	mgr, err := New(cb, reg, testChain(t, reg), dev, []*net.UDPConn{conn}, testLog())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	mgr.Start()
	mgr.Stop()

	if err := mgr.inets[0].Send(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, []byte("x")); err == nil {
		t.Fatal("expected sends to fail once the socket is closed")
	}
	select {
	case <-dev.closed:
	default:
		t.Fatal("tun device must be closed by Stop")
	}
}

func TestManagerRequiresLocalNode(t *testing.T) {
	cb := controlblock.New(&config.Conf{PayloadBlockSize: 1024}, testIdentity(t), registry.New())
	if _, err := New(cb, registry.New(), pf.NewChain(), newFakeTun(), nil, testLog()); err == nil {
		t.Fatal("expected an error assembling a manager without a local node")
	}
}
