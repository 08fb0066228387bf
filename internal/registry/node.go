// Package registry implements the overlay's node table: a packed,
// append-only array of peers plus the secondary indexes used by the
// routing filter, and the single-writer update paths for the mutable
// fields multiple workers read concurrently.
package registry

import (
	"crypto/ed25519"
	"net"
	"sync/atomic"
	"time"
)

// NodeID is the overlay-wide unique 64-bit identifier.
type NodeID uint64

// Reachability classifies how a peer is currently being forwarded to.
type Reachability int32

const (
	ReachUnknown Reachability = iota
	ReachDirect
	ReachRelay
)

func (r Reachability) String() string {
	switch r {
	case ReachDirect:
		return "direct"
	case ReachRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// MaxEndpoints bounds the ordered ring of observed public socket
// endpoints kept per node.
const MaxEndpoints = 4

// SessionKeys holds one generation of a peer's symmetric send/recv keys.
// Two generations are kept so in-flight packets survive a rekey without
// tearing a 32-byte key read.
type SessionKeys struct {
	Send [32]byte
	Recv [32]byte
	Seed uint32 // the time-seed this generation was derived from
}

// endpointSlot is one entry in the bounded endpoint ring, guarded by the
// node's seqlock (see UpdateEndpoint and BestEndpoint).
type endpointSlot struct {
	Addr          *net.UDPAddr
	LastSeenAlive time.Time
}

// Node is one overlay participant. Fields fall into three ownership
// classes:
//   - immutable after registry construction (ID, PublicKey, tun addresses)
//   - single-writer/many-reader via a seqlock (endpoint ring, cursor)
//   - single-writer/many-reader via double-buffered atomic index (keys)
type Node struct {
	ID        NodeID
	PublicKey ed25519.PublicKey // Ed25519 verify key
	DHPub     [32]byte          // X25519 public key used for session-key agreement
	TunIPv4   net.IP
	TunIPv6   net.IP
	Local     bool
	// RelayVia names the intermediate node used to reach this peer when
	// its reachability is ReachRelay. It is set before the node is
	// inserted into the registry and is not changed afterwards.
	RelayVia NodeID

	// endpoint ring: written only by the node worker, read by the
	// routing filter and the detect worker, protected by a seqlock. The
	// cursor is advanced by readers too, so it is atomic rather than
	// seqlock-guarded.
	epSeq    atomic.Uint32
	epRing   [MaxEndpoints]endpointSlot
	epCount  int
	epCursor atomic.Uint32

	// reachability + last-seen: plain atomics, single writer (node
	// worker), many readers.
	reachability atomic.Int32
	lastSeen     atomic.Int64 // unix seconds

	// key slots: single writer is the primary worker during rekey;
	// readers use keyIndex to pick a generation without tearing a key.
	keySlots     [2]SessionKeys
	keyIndex     atomic.Int32
	keyIsSet     atomic.Bool
	keyRotatedAt atomic.Int64 // unix seconds of the last SetKeys call
}

// NewNode constructs a registry entry. Nodes are materialized once at
// startup and never removed during steady state.
func NewNode(id NodeID, pub ed25519.PublicKey, tun4, tun6 net.IP) *Node {
	n := &Node{ID: id, PublicKey: pub, TunIPv4: tun4, TunIPv6: tun6}
	n.reachability.Store(int32(ReachUnknown))
	return n
}

// SetDHPub installs the node's X25519 public key, used with its Ed25519
// verify key for session-key agreement.
func (n *Node) SetDHPub(pub [32]byte) {
	n.DHPub = pub
}

// Reachability returns the node's current reachability class.
func (n *Node) Reachability() Reachability {
	return Reachability(n.reachability.Load())
}

// SetReachability is the single-writer update used by the node/detect
// workers when NAT traversal state changes.
func (n *Node) SetReachability(r Reachability) {
	n.reachability.Store(int32(r))
}

// LastSeen returns the last liveness timestamp observed for this node.
func (n *Node) LastSeen() time.Time {
	return time.Unix(n.lastSeen.Load(), 0)
}

// Touch records a liveness observation. Single writer: node worker.
func (n *Node) Touch(t time.Time) {
	n.lastSeen.Store(t.Unix())
}

// UpdateEndpoint appends or refreshes an observed endpoint. The node
// worker is the sole producer for the endpoint ring; the seqlock
// discipline lets concurrent readers retry instead of observing a torn
// ring slot.
func (n *Node) UpdateEndpoint(addr *net.UDPAddr, seenAlive time.Time) {
	n.epSeq.Add(1)       // odd: write in progress
	defer n.epSeq.Add(1) // even: write complete

	for i := 0; i < n.epCount; i++ {
		if sameAddr(n.epRing[i].Addr, addr) {
			n.epRing[i].LastSeenAlive = seenAlive
			return
		}
	}
	if n.epCount < MaxEndpoints {
		n.epRing[n.epCount] = endpointSlot{Addr: addr, LastSeenAlive: seenAlive}
		n.epCount++
		return
	}
	// ring full: evict the slot under the shared cursor, spreading
	// evictions the same way BestEndpoint's read-side rotation does.
	victim := int(n.epCursor.Add(1)-1) % MaxEndpoints
	n.epRing[victim] = endpointSlot{Addr: addr, LastSeenAlive: seenAlive}
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// BestEndpoint returns the next endpoint to try, advancing a per-peer
// cursor to spread load across known endpoints and preferring one whose
// last-seen-alive timestamp is within livenessWindow. Readers retry on a
// torn seqlock read.
func (n *Node) BestEndpoint(livenessWindow time.Duration, now time.Time) *net.UDPAddr {
	for {
		seq1 := n.epSeq.Load()
		if seq1%2 == 1 {
			continue // writer in progress
		}
		count := n.epCount
		if count == 0 {
			if n.epSeq.Load() == seq1 {
				return nil
			}
			continue
		}
		cursor := int(n.epCursor.Add(1) - 1)
		var fresh, any *net.UDPAddr
		for i := 0; i < count; i++ {
			idx := (cursor + i) % count
			slot := n.epRing[idx]
			if any == nil {
				any = slot.Addr
			}
			if now.Sub(slot.LastSeenAlive) <= livenessWindow {
				fresh = slot.Addr
				break
			}
		}
		if n.epSeq.Load() != seq1 {
			continue // torn read, retry
		}
		if fresh != nil {
			return fresh
		}
		return any
	}
}

// HasEndpoint reports whether addr is currently in this node's observed
// endpoint ring, retrying on a torn seqlock read like BestEndpoint.
func (n *Node) HasEndpoint(addr *net.UDPAddr) bool {
	for {
		seq1 := n.epSeq.Load()
		if seq1%2 == 1 {
			continue
		}
		found := false
		for i := 0; i < n.epCount; i++ {
			if sameAddr(n.epRing[i].Addr, addr) {
				found = true
				break
			}
		}
		if n.epSeq.Load() != seq1 {
			continue
		}
		return found
	}
}

// CurrentKeys returns the active session key generation. Safe against a
// concurrent rekey because the writer always finishes populating a slot
// before flipping keyIndex.
func (n *Node) CurrentKeys() (SessionKeys, bool) {
	if !n.keyIsSet.Load() {
		return SessionKeys{}, false
	}
	idx := n.keyIndex.Load()
	return n.keySlots[idx], true
}

// SetKeys installs a new session key generation into the inactive slot and
// then flips the index, so packets already reading the previous slot are
// never torn. Single writer: primary worker during rekey.
func (n *Node) SetKeys(keys SessionKeys) {
	next := 1 - n.keyIndex.Load()
	n.keySlots[next] = keys
	n.keyIndex.Store(next)
	n.keyIsSet.Store(true)
	n.keyRotatedAt.Store(time.Now().Unix())
}

// PreviousKeys returns the generation superseded by the most recent
// SetKeys call, and how long ago the rotation happened. The crypto filter
// uses this to honor the rekey grace window: a packet encrypted just
// before rotation must still decrypt.
func (n *Node) PreviousKeys() (keys SessionKeys, age time.Duration, ok bool) {
	if !n.keyIsSet.Load() {
		return SessionKeys{}, 0, false
	}
	prev := 1 - n.keyIndex.Load()
	return n.keySlots[prev], time.Since(time.Unix(n.keyRotatedAt.Load(), 0)), true
}
