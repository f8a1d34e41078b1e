package core

// Transport (§C5): a libp2p host plus gossipsub, request/response streams,
// and mDNS discovery. Grounded on the teacher's core/network.go, generalized
// from the teacher's blockchain Node (NodeID/Peer/Message/NetworkMessage) to
// the record-store node used throughout this module. NAT traversal
// (nat_traversal.go) is wired in here; connection_pool.go's ConnPool is
// kept in the package but not used by the transport.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// PeerId is a libp2p peer identity, used as the routing-table key for C4.
type PeerId string

func (p PeerId) String() string { return string(p) }

// Address hashes the peer ID into the same 256-bit key space addresses
// live in, so the routing table's XOR-distance math (kademlia.go) applies
// uniformly to peers and records alike (§4.1).
func (p PeerId) Address() Address { return AddressOf([]byte(p)) }

// Config is the transport's own configuration; assembled from pkg/config at
// startup.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	IdentityKey    crypto.PrivKey // libp2p identity; nil generates an ephemeral one
}

// Message is an in-process delivery of a gossipsub payload.
type Message struct {
	From  PeerId
	Topic string
	Data  []byte
}

// NetworkMessage is the JSON envelope for one gossiped record-replication
// event, kept for parity with the teacher's logging/record hook shape.
type NetworkMessage struct {
	Topic   string `json:"topic"`
	Content []byte `json:"content"`
}

// InboundMsg is one request/response stream delivery: a protocol message
// code plus its raw JSON payload.
type InboundMsg struct {
	PeerID  string `json:"peer_id"`
	Code    byte   `json:"code"`
	Payload []byte `json:"payload"`
	Topic   string `json:"topic"`
	Ts      int64  `json:"ts"`
}

// PeerManager abstracts the subset of transport behavior the replication
// and quorum layers need, so they can be tested against a fake.
type PeerManager interface {
	Sample(n int) []string
	SendAsync(peerID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
	Peers() []PeerEntry
}

// Node wraps a libp2p host with pubsub, a routing table, and the
// request/response dispatch table used by replication.go.
type Node struct {
	host   hostIface
	pubsub *pubsub.PubSub
	routes *RoutingTable
	self   Address

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subLock   sync.Mutex
	subs      map[string]*pubsub.Subscription

	dispatchLock sync.RWMutex
	dispatch     map[string]chan InboundMsg

	nat *NATManager

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	logger *logrus.Logger
}

// hostIface narrows libp2p's host.Host down to what this file actually
// calls, so tests can supply a stub.
type hostIface interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
	Network() network.Network
	Close() error
}

// NewNode creates and bootstraps a transport node bound to self (the local
// node's record-store address; cmd/antnode passes the hash of its libp2p
// PeerId).
func NewNode(cfg Config, self Address, lg *logrus.Logger) (*Node, error) {
	if lg == nil {
		lg = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	opts := []libp2p.Option{libp2p.ListenAddrStrings(cfg.ListenAddr)}
	if cfg.IdentityKey != nil {
		opts = append(opts, libp2p.Identity(cfg.IdentityKey))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("transport: create pubsub: %w", err)
	}

	n := &Node{
		host:     h,
		pubsub:   ps,
		routes:   NewRoutingTable(self),
		self:     self,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		dispatch: make(map[string]chan InboundMsg),
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   lg,
	}

	if natMgr, err := NewNATManager(); err == nil {
		if port, err := parsePort(cfg.ListenAddr); err == nil {
			if err := natMgr.Map(port); err != nil {
				lg.Warnf("transport: NAT map failed: %v", err)
			}
		}
		n.nat = natMgr
	} else {
		lg.Debugf("transport: NAT discovery unavailable: %v", err)
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		lg.Warnf("transport: dial seed warning: %v", err)
	}

	if cfg.DiscoveryTag != "" {
		if _, err := mdns.NewMdnsService(h, cfg.DiscoveryTag, mdnsNotifee{n}).Start(); err != nil {
			lg.Warnf("transport: mdns start failed: %v", err)
		}
	}

	return n, nil
}

type mdnsNotifee struct{ n *Node }

func (m mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n := m.n
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.Warnf("transport: mdns connect %s failed: %v", info.ID, err)
		return
	}
	id := PeerId(info.ID.String())
	n.routes.AddPeer(PeerEntry{ID: id, Addr: id.Address(), LastSeen: time.Now()})
	n.logger.Infof("transport: connected to %s via mdns", info.ID)
}

// DialSeed connects to a list of bootstrap multiaddresses.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		id := PeerId(pi.ID.String())
		n.routes.AddPeer(PeerEntry{ID: id, Addr: id.Address(), LastSeen: time.Now()})
		n.logger.Infof("transport: bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("transport: dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("transport: join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	return t.Publish(n.ctx, data)
}

func (n *Node) SubscribeTopic(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = n.pubsub.Subscribe(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("transport: subscribe %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()
	out := make(chan Message)
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				close(out)
				return
			}
			out <- Message{From: PeerId(msg.GetFrom().String()), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

//---------------------------------------------------------------------
// request/response streams (one code byte, then the JSON payload; closing
// the stream ends the message)
//---------------------------------------------------------------------

// SendAsync opens a stream to peerID on proto, writes a one-byte message
// code followed by a JSON payload, and closes the stream. The reply (if
// any) is delivered asynchronously to whoever is Subscribe'd on proto.
func (n *Node) SendAsync(peerID, proto string, code byte, payload []byte) error {
	reqID := uuid.NewString()
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("transport: bad peer id %s: %w", peerID, err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		return fmt.Errorf("transport: open stream to %s: %w", peerID, err)
	}
	defer s.Close()
	n.logger.Debugf("transport: request %s code=%d proto=%s -> %s", reqID, code, proto, peerID)

	w := bufio.NewWriter(s)
	if _, err := w.Write([]byte{code}); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// Subscribe registers a stream handler for proto (once) and returns the
// channel of inbound messages.
func (n *Node) Subscribe(protoID string) <-chan InboundMsg {
	n.dispatchLock.Lock()
	defer n.dispatchLock.Unlock()
	if ch, ok := n.dispatch[protoID]; ok {
		return ch
	}
	out := make(chan InboundMsg, 64)
	n.dispatch[protoID] = out
	n.host.SetStreamHandler(protocol.ID(protoID), func(s network.Stream) {
		defer s.Close()
		raw, err := io.ReadAll(s)
		if err != nil || len(raw) == 0 {
			return
		}
		msg := InboundMsg{
			PeerID:  s.Conn().RemotePeer().String(),
			Code:    raw[0],
			Payload: raw[1:],
			Topic:   protoID,
			Ts:      time.Now().UnixMilli(),
		}
		select {
		case out <- msg:
		default:
			n.logger.Warnf("transport: dispatch channel for %s full, dropping message", protoID)
		}
	})
	return out
}

func (n *Node) Unsubscribe(protoID string) {
	n.dispatchLock.Lock()
	defer n.dispatchLock.Unlock()
	if ch, ok := n.dispatch[protoID]; ok {
		close(ch)
		delete(n.dispatch, protoID)
	}
	n.host.SetStreamHandler(protocol.ID(protoID), nil)
}

// Sample returns up to n peers from the close-40 window, for replication
// fanout and gossip sampling.
func (n *Node) Sample(count int) []string {
	peers := n.routes.Close40()
	if count > len(peers) {
		count = len(peers)
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, string(peers[i].ID))
	}
	return out
}

func (n *Node) Peers() []PeerEntry {
	return n.routes.Close40()
}

// Routes exposes the node's routing table to callers outside the package
// (cmd/antnode wires it directly into Client).
func (n *Node) Routes() *RoutingTable { return n.routes }

func (n *Node) ListenAndServe() {
	<-n.ctx.Done()
	n.logger.Info("transport: node shutting down")
}

func (n *Node) Close() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	return n.host.Close()
}

func (n *Node) ID() PeerId { return PeerId(n.host.ID().String()) }

//---------------------------------------------------------------------
// JSON helpers shared by replication.go / quote.go / bootstrap.go
//---------------------------------------------------------------------

func marshalEnvelope(v interface{}) ([]byte, error) { return json.Marshal(v) }
func unmarshalEnvelope(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

var _ PeerManager = (*Node)(nil)
