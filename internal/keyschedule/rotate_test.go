package keyschedule

import (
	"net"
	"testing"

	"gnbgo/internal/registry"
)

func TestRotateAllKeysEveryPeerButNotLocal(t *testing.T) {
	idLocal := mustIdentity(t)
	idPeer := mustIdentity(t)

	reg := registry.New()
	local := registry.NewNode(1, idLocal.SignPub, net.IPv4(10, 0, 0, 1), nil)
	local.Local = true
	local.SetDHPub(idLocal.DHPub)
	peer := registry.NewNode(2, idPeer.SignPub, net.IPv4(10, 0, 0, 2), nil)
	peer.SetDHPub(idPeer.DHPub)
	if err := reg.Insert(local); err != nil {
		t.Fatalf("insert local: %v", err)
	}
	if err := reg.Insert(peer); err != nil {
		t.Fatalf("insert peer: %v", err)
	}

	RotateAll(reg, idLocal, 7)

	keys, ok := peer.CurrentKeys()
	if !ok {
		t.Fatal("expected session keys for the peer after rotation")
	}
	if keys.Seed != 7 {
		t.Fatalf("peer keys seed = %d, want 7", keys.Seed)
	}
	if _, ok := local.CurrentKeys(); ok {
		t.Fatal("the local node's own record must be skipped")
	}
}

func TestRotateAllSkipsPeersWithoutAgreementKey(t *testing.T) {
	idLocal := mustIdentity(t)

	reg := registry.New()
	local := registry.NewNode(1, idLocal.SignPub, net.IPv4(10, 0, 0, 1), nil)
	local.Local = true
	local.SetDHPub(idLocal.DHPub)
	// A peer whose X25519 key has not been published yet.
	pending := registry.NewNode(2, nil, net.IPv4(10, 0, 0, 2), nil)
	if err := reg.Insert(local); err != nil {
		t.Fatalf("insert local: %v", err)
	}
	if err := reg.Insert(pending); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	RotateAll(reg, idLocal, 7)

	if _, ok := pending.CurrentKeys(); ok {
		t.Fatal("a peer without agreement material must be left keyless, not given garbage keys")
	}
}

func TestGraceWindowCoversAFullRekeyCycle(t *testing.T) {
	if GraceWindow < DefaultRekeyTick {
		t.Fatalf("grace window %v must span at least one rekey tick %v", GraceWindow, DefaultRekeyTick)
	}
}
