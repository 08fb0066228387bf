package discovery

import (
	"net"
	"testing"
	"time"

	"gnbgo/internal/registry"
)

func TestApplyRecordsUpdatesKnownPeerEndpoint(t *testing.T) {
	reg := registry.New()
	local := registry.NewNode(1, nil, nil, nil)
	local.Local = true
	peer := registry.NewNode(2, nil, nil, nil)
	if err := reg.Insert(local); err != nil {
		t.Fatalf("insert local: %v", err)
	}
	if err := reg.Insert(peer); err != nil {
		t.Fatalf("insert peer: %v", err)
	}

	now := time.Unix(5000, 0)
	ApplyRecords(reg, []EndpointRecord{
		{NodeID: 2, Addr: "198.51.100.9:4500", Seen: 4999},
		{NodeID: 1, Addr: "198.51.100.1:4500", Seen: 4999},  // local node, must be ignored
		{NodeID: 99, Addr: "198.51.100.2:4500", Seen: 4999}, // unknown node, must be ignored
	}, now)

	want, _ := net.ResolveUDPAddr("udp", "198.51.100.9:4500")
	got := peer.BestEndpoint(time.Hour, now)
	if got == nil || !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("peer endpoint = %v, want %v", got, want)
	}
	if local.BestEndpoint(time.Hour, now) != nil {
		t.Fatal("local node's endpoint ring must not be updated")
	}
}
