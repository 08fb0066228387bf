// Package keyschedule derives per-peer symmetric session keys from
// long-lived asymmetric identities and a rotating time-seed: an X25519
// key agreement between the two identities, expanded through HKDF and
// salted with the node-id pair and the seed.
package keyschedule

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Identity is a node's long-lived asymmetric material: an Ed25519
// signing keypair for authentication and an X25519 keypair for key
// agreement, both derived from the same on-disk seed.
type Identity struct {
	SignPriv ed25519.PrivateKey
	SignPub  ed25519.PublicKey
	DHPriv   [32]byte
	DHPub    [32]byte
}

// NewIdentity derives an Identity from a 32-byte seed, the contents of
// the on-disk key material the configuration provider loads.
func NewIdentity(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("keyschedule: seed must be 32 bytes")
	}
	signPriv := ed25519.NewKeyFromSeed(seed)
	signPub := signPriv.Public().(ed25519.PublicKey)

	// Derive the X25519 scalar from the same seed the way libsodium
	// converts an Ed25519 seed to a Curve25519 key: hash it and clamp.
	h := sha512.Sum512(seed)
	var dhPriv [32]byte
	copy(dhPriv[:], h[:32])
	dhPriv[0] &= 248
	dhPriv[31] &= 127
	dhPriv[31] |= 64

	var dhPub [32]byte
	pub, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(dhPub[:], pub)

	return &Identity{SignPriv: signPriv, SignPub: signPub, DHPriv: dhPriv, DHPub: dhPub}, nil
}

// PeerIdentity is the subset of a remote peer's identity needed for key
// agreement and authentication: its Ed25519 verify key and its X25519
// public key, as held on the peer's registry node.
type PeerIdentity struct {
	SignPub ed25519.PublicKey
	DHPub   [32]byte
}

// DirectionalKeys are the two keys derived for an ordered pair of peers;
// each side's send key is the other's recv key.
type DirectionalKeys struct {
	LowToHigh [32]byte
	HighToLow [32]byte
}

// BuildCryptoKey derives the session keys shared between localID/peerID
// for the given time-seed. The construction is deterministic in (local
// identity, peer identity, time-seed), so two peers holding the same
// seed derive equal keys from opposite views.
func BuildCryptoKey(local *Identity, peer PeerIdentity, localID, peerID uint64, seed uint32) (send, recv [32]byte, err error) {
	shared, err := curve25519.X25519(local.DHPriv[:], peer.DHPub[:])
	if err != nil {
		return send, recv, err
	}

	lowID, highID := localID, peerID
	if lowID > highID {
		lowID, highID = highID, lowID
	}

	salt := make([]byte, 20)
	binary.BigEndian.PutUint64(salt[0:], lowID)
	binary.BigEndian.PutUint64(salt[8:], highID)
	binary.BigEndian.PutUint32(salt[16:], seed)

	lowToHigh, err := expand(shared, salt, "gnbgo session low->high")
	if err != nil {
		return send, recv, err
	}
	highToLow, err := expand(shared, salt, "gnbgo session high->low")
	if err != nil {
		return send, recv, err
	}

	if localID == lowID {
		return lowToHigh, highToLow, nil
	}
	return highToLow, lowToHigh, nil
}

func expand(secret, salt []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha512.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
