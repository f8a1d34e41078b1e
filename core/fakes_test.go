package core

// In-memory PeerManager fake shared by the replication/swarm test suites,
// letting several nodes exchange real wire messages (marshalEnvelope'd
// JSON, same as transport.go) without a live libp2p host.

import (
	"fmt"
	"sync"
)

type mockNetwork struct {
	mu    sync.Mutex
	nodes map[string]*mockPM
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{nodes: make(map[string]*mockPM)}
}

type mockPM struct {
	net    *mockNetwork
	selfID string

	peersMu sync.Mutex
	peers   []PeerEntry

	subsMu sync.Mutex
	subs   map[string]chan InboundMsg
}

func newMockPM(net *mockNetwork, selfID string) *mockPM {
	pm := &mockPM{net: net, selfID: selfID, subs: make(map[string]chan InboundMsg)}
	net.mu.Lock()
	net.nodes[selfID] = pm
	net.mu.Unlock()
	return pm
}

// setPeers seeds this node's view of the world, used for Sample/Peers.
func (m *mockPM) setPeers(peers []PeerEntry) {
	m.peersMu.Lock()
	m.peers = peers
	m.peersMu.Unlock()
}

func (m *mockPM) Sample(n int) []string {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	out := make([]string, 0, n)
	for _, p := range m.peers {
		if len(out) >= n {
			break
		}
		out = append(out, string(p.ID))
	}
	return out
}

func (m *mockPM) Peers() []PeerEntry {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	return append([]PeerEntry(nil), m.peers...)
}

func (m *mockPM) SendAsync(peerID, proto string, code byte, payload []byte) error {
	m.net.mu.Lock()
	dest, ok := m.net.nodes[peerID]
	m.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("mockpm: unknown peer %s", peerID)
	}
	dest.deliver(proto, InboundMsg{PeerID: m.selfID, Code: code, Payload: payload})
	return nil
}

func (m *mockPM) deliver(proto string, msg InboundMsg) {
	m.subsMu.Lock()
	ch, ok := m.subs[proto]
	m.subsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (m *mockPM) Subscribe(proto string) <-chan InboundMsg {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[proto]; ok {
		return ch
	}
	ch := make(chan InboundMsg, 64)
	m.subs[proto] = ch
	return ch
}

func (m *mockPM) Unsubscribe(proto string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[proto]; ok {
		delete(m.subs, proto)
		close(ch)
	}
}

var _ PeerManager = (*mockPM)(nil)
