package controlblock

import (
	"testing"
	"time"

	"gnbgo/internal/keyschedule"
	"gnbgo/internal/registry"
	"gnbgo/pkg/config"
)

func testIdentity(t *testing.T) *keyschedule.Identity {
	t.Helper()
	seed := make([]byte, 32)
	id, err := keyschedule.NewIdentity(seed)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

func TestControlBlockBuffersAreStableAndIsolated(t *testing.T) {
	reg := registry.New()
	cb := New(&config.Conf{PayloadBlockSize: 1024}, testIdentity(t), reg)
	defer cb.Release()

	tunBuf := cb.Payload.Buffer("tun")
	again := cb.Payload.Buffer("tun")
	if tunBuf != again {
		t.Fatal("expected the same buffer instance for repeated calls with the same worker name")
	}

	infBuf := cb.Payload.Buffer("inet")
	if infBuf == tunBuf {
		t.Fatal("expected distinct buffers for distinct workers")
	}
}

func TestControlBlockStatusZoneSingleWriterManyReaders(t *testing.T) {
	cb := New(&config.Conf{PayloadBlockSize: 1024}, testIdentity(t), registry.New())
	defer cb.Release()

	now := time.Unix(1000, 0)
	cb.Status.Touch(now)
	if got := cb.Status.KeepAlive(); !got.Equal(now) {
		t.Fatalf("keep-alive = %v, want %v", got, now)
	}

	cb.Status.IncFramingDrop()
	cb.Status.IncFramingDrop()
	cb.Status.IncCryptoDrop()
	framing, crypto, route := cb.Status.Counters()
	if framing != 2 || crypto != 1 || route != 0 {
		t.Fatalf("counters = (%d,%d,%d), want (2,1,0)", framing, crypto, route)
	}
}

func TestControlBlockReleaseIsIdempotent(t *testing.T) {
	cb := New(&config.Conf{PayloadBlockSize: 1024}, testIdentity(t), registry.New())
	cb.Release()
	cb.Release() // must not panic on double release
}
