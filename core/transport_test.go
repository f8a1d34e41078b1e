package core

import (
	"testing"
	"time"
)

func TestMarshalUnmarshalEnvelopeRoundTrip(t *testing.T) {
	type sample struct {
		Kind RecordKind `json:"kind"`
		Addr string     `json:"addr"`
	}
	in := sample{Kind: KindChunk, Addr: "deadbeef"}
	raw, err := marshalEnvelope(in)
	if err != nil {
		t.Fatalf("marshalEnvelope: %v", err)
	}
	var out sample
	if err := unmarshalEnvelope(raw, &out); err != nil {
		t.Fatalf("unmarshalEnvelope: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestPeerIdAddressIsDeterministic(t *testing.T) {
	a := PeerId("12D3KooWexample").Address()
	b := PeerId("12D3KooWexample").Address()
	if a != b {
		t.Fatalf("PeerId.Address should be deterministic for the same id")
	}
	if PeerId("other").Address() == a {
		t.Fatalf("different peer ids should hash to different addresses")
	}
}

// TestNodeSampleAndPeersReadRoutingTable exercises Sample/Peers against a
// bare Node built around a RoutingTable directly, the same technique
// swarm_test.go uses to avoid standing up a real libp2p host: Sample and
// Peers only ever touch n.routes.
func TestNodeSampleAndPeersReadRoutingTable(t *testing.T) {
	self := PeerId("self")
	rt := NewRoutingTable(self.Address())
	n := &Node{routes: rt, self: self.Address()}

	for i := 0; i < 3; i++ {
		id := PeerId(string(rune('a' + i)))
		rt.AddPeer(PeerEntry{ID: id, Addr: id.Address(), LastSeen: time.Now()})
	}

	if got := n.Peers(); len(got) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(got))
	}
	if got := n.Sample(2); len(got) != 2 {
		t.Fatalf("expected Sample(2) to return 2 peer ids, got %d", len(got))
	}
	if got := n.Sample(100); len(got) != 3 {
		t.Fatalf("expected Sample to cap at the known peer count, got %d", len(got))
	}
}

func TestParsePortExtractsTCPPort(t *testing.T) {
	port, err := parsePort("/ip4/0.0.0.0/tcp/4001")
	if err != nil {
		t.Fatalf("parsePort: %v", err)
	}
	if port != 4001 {
		t.Fatalf("expected port 4001, got %d", port)
	}
}

func TestParsePortRejectsAddressWithoutTCP(t *testing.T) {
	if _, err := parsePort("/ip4/0.0.0.0/udp/4001"); err == nil {
		t.Fatalf("expected an error for a non-tcp multiaddress")
	}
}
