package keyschedule

import (
	"sync/atomic"
	"time"

	"gnbgo/internal/registry"
)

// DefaultRekeyTick is how often the time-seed advances.
const DefaultRekeyTick = 300 * time.Second

// GraceWindow is how long a superseded key generation stays acceptable
// for decryption after a rotation. Fixed at 2x the rekey tick so the
// update loop has a full cycle to reach every peer before the old
// generation is forgotten.
const GraceWindow = 2 * DefaultRekeyTick

// Seed tracks the rotating 32-bit time-seed mixed into session-key
// derivation. Only the primary worker writes and reads it; the crypto
// filters judge the grace window from each node's key rotation time
// (registry.Node.PreviousKeys), not from the seed.
type Seed struct {
	tick    time.Duration
	current atomic.Uint32
}

// NewSeed creates a seed tracker with the given rotation cadence.
func NewSeed(tick time.Duration) *Seed {
	if tick <= 0 {
		tick = DefaultRekeyTick
	}
	return &Seed{tick: tick}
}

func seedFor(now time.Time, tick time.Duration) uint32 {
	return uint32(now.Unix() / int64(tick.Seconds()))
}

// VerifySeedTime reports whether the seed computed from now differs from
// the currently stored one.
func (s *Seed) VerifySeedTime(now time.Time) bool {
	return seedFor(now, s.tick) != s.current.Load()
}

// Update advances the stored seed to match now, returning the new seed
// value.
func (s *Seed) Update(now time.Time) uint32 {
	v := seedFor(now, s.tick)
	s.current.Store(v)
	return v
}

// Current returns the active time-seed without mutating it.
func (s *Seed) Current() uint32 {
	return s.current.Load()
}

// RotateAll walks the registry and recomputes every peer's session keys
// for the current seed. The local node's own record is skipped; it holds
// no session with itself.
func RotateAll(reg *registry.Registry, local *Identity, seed uint32) {
	localNode := reg.Local()
	if local == nil || localNode == nil {
		return
	}
	for _, n := range reg.Iter() {
		if n.ID == localNode.ID {
			continue
		}
		peer := PeerIdentity{SignPub: n.PublicKey, DHPub: n.DHPub}
		send, recv, err := BuildCryptoKey(local, peer, uint64(localNode.ID), uint64(n.ID), seed)
		if err != nil {
			continue
		}
		n.SetKeys(registry.SessionKeys{Send: send, Recv: recv, Seed: seed})
	}
}
