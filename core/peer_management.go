package core

// Peer administration convenience layer on top of Node: explicit
// connect/disconnect and topic advertisement for operators and the
// bootstrap subsystem. Node itself already implements PeerManager for the
// replication/quorum layers; this wraps it with the handful of imperative
// operations those layers don't need. Grounded on the teacher's
// core/peer_management.go (PeerManagement wrapping Node).

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

type PeerManagement struct {
	node *Node
}

func NewPeerManagement(n *Node) *PeerManagement {
	return &PeerManagement{node: n}
}

// Connect dials an explicit multiaddress and registers it in the routing
// table immediately, bypassing discovery.
func (pm *PeerManagement) Connect(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("peer_management: invalid address %s: %w", addr, err)
	}
	if err := pm.node.host.Connect(pm.node.ctx, *pi); err != nil {
		return fmt.Errorf("peer_management: connect %s: %w", addr, err)
	}
	id := PeerId(pi.ID.String())
	pm.node.routes.AddPeer(PeerEntry{ID: id, Addr: id.Address(), LastSeen: time.Now()})
	return nil
}

// Disconnect closes the connection to id and drops it from the routing
// table.
func (pm *PeerManagement) Disconnect(id PeerId) error {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return fmt.Errorf("peer_management: bad peer id %s: %w", id, err)
	}
	if err := pm.node.host.Network().ClosePeer(pid); err != nil {
		return err
	}
	pm.node.routes.RemovePeer(id)
	return nil
}

// AdvertiseSelf announces this node's presence on topic by broadcasting
// its libp2p peer ID.
func (pm *PeerManagement) AdvertiseSelf(topic string) error {
	return pm.node.Broadcast(topic, []byte(pm.node.host.ID()))
}

// Peers returns the node's current close-40 routing window.
func (pm *PeerManagement) Peers() []PeerEntry {
	return pm.node.Peers()
}
