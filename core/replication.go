package core

// Record replication (§4.7, §C7): disseminate newly-stored records to the
// close group, serve "have/get" inventory requests, and answer Kademlia
// find-node RPCs used by the iterative lookup in kademlia.go. Grounded on
// the teacher's core/replication.go (msgType enum, protocolID constant,
// JSON envelope structs, InboundMsg dispatch loop) with the payload
// generalized from blocks to records and the encoding switched from RLP to
// the canonical tagged encoding already used to sign records — dropping
// the go-ethereum/rlp dependency, which has no other home in this module.

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"
)

type msgType uint8

const (
	msgHave      msgType = iota + 1 // inventory: addresses this node holds
	msgGetRecord                    // request one record by kind+address
	msgRecord                       // full record payload
	msgFindNode                     // kademlia: who is closest to target?
	msgCloseList                    // response: peer list

	msgPutValue  // client->peer: store this record, proof attached
	msgPutAck    // peer->client: stored
	msgPutReject // peer->client: refused, with a reason

	msgGetQuote // client->peer: price to store this kind+address
	msgQuote    // peer->client: signed quote

	msgReplicate      // holder->destination: here is a record you should hold (§4.7)
	msgReplicateAck   // destination->holder: accepted
	msgFreshReplicate // holder->destination: accelerated push for a just-accepted record
	msgFreshReplicateAck

	msgPeerConsideredBad    // report a peer as dead/misbehaving
	msgPeerConsideredBadAck

	msgPing    // liveness check
	msgPingAck

	msgGetVersion // protocol/software version request
	msgVersion
)

const protocolID = "autonomi/repl/1.0.0"

// ProtocolVersion is what GetVersion/Version report about this node.
const ProtocolVersion = "autonomi/1.0.0"

type haveMsg struct {
	Addrs []string   `json:"addrs"`
	Kind  RecordKind `json:"kind"`
}

type getRecordMsg struct {
	Kind RecordKind `json:"kind"`
	Addr string     `json:"addr"`
}

type recordMsg struct {
	Kind RecordKind `json:"kind"`
	Addr string     `json:"addr"`
	Data []byte     `json:"data"`
}

type findNodeMsg struct {
	Target string `json:"target"`
}

type closeListMsg struct {
	Peers []closePeer `json:"peers"`
}

type closePeer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// paymentProofWire is PaymentProof's wire encoding for a PutValue request.
type paymentProofWire struct {
	Addr         string   `json:"addr"`
	Amount       uint64   `json:"amount"`
	Payees       []string `json:"payees"`
	SpendAddr    string   `json:"spend_addr"`
	QuoteDigests []string `json:"quote_digests"`
}

func encodePaymentProofWire(pp *PaymentProof) *paymentProofWire {
	if pp == nil {
		return nil
	}
	w := &paymentProofWire{
		Addr:         pp.Addr.Hex(),
		Amount:       pp.Amount,
		SpendAddr:    pp.SpendAddr.Hex(),
		QuoteDigests: pp.QuoteDigests,
	}
	for _, p := range pp.Payees {
		w.Payees = append(w.Payees, string(p))
	}
	return w
}

func decodePaymentProofWire(w *paymentProofWire) *PaymentProof {
	if w == nil {
		return nil
	}
	pp := &PaymentProof{Amount: w.Amount, QuoteDigests: w.QuoteDigests}
	if addr, err := addressFromHex(w.Addr); err == nil {
		pp.Addr = addr
	}
	if addr, err := addressFromHex(w.SpendAddr); err == nil {
		pp.SpendAddr = addr
	}
	for _, p := range w.Payees {
		pp.Payees = append(pp.Payees, PeerId(p))
	}
	return pp
}

type putValueMsg struct {
	Kind  RecordKind        `json:"kind"`
	Addr  string            `json:"addr"`
	Data  []byte            `json:"data"`
	Proof *paymentProofWire `json:"proof,omitempty"`
}

type putAckMsg struct {
	Kind RecordKind `json:"kind"`
	Addr string     `json:"addr"`
}

type putRejectMsg struct {
	Kind   RecordKind `json:"kind"`
	Addr   string     `json:"addr"`
	Reason string     `json:"reason"`
}

type getQuoteMsg struct {
	Kind RecordKind `json:"kind"`
	Addr string     `json:"addr"`
}

type quoteMsg struct {
	Quote *Quote `json:"quote"`
}

type replicateMsg struct {
	Kind RecordKind `json:"kind"`
	Addr string     `json:"addr"`
	Data []byte     `json:"data"`
}

type replicateAckMsg struct {
	Addr string `json:"addr"`
}

type peerConsideredBadMsg struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason"`
}

type peerConsideredBadAckMsg struct{}

type pingMsg struct{}

type pingAckMsg struct {
	Addr string `json:"addr"`
}

type getVersionMsg struct{}

type versionMsg struct {
	Version string `json:"version"`
}

//---------------------------------------------------------------------
// Replicator
//---------------------------------------------------------------------

// ReplicationConfig bounds fanout and timeouts for dissemination and pull
// requests.
type ReplicationConfig struct {
	Fanout         int
	RequestTimeout time.Duration
}

func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{Fanout: CloseGroupSize, RequestTimeout: 10 * time.Second}
}

// Replicator wires the record store to the transport, disseminating newly
// accepted records to the close group and serving peer pulls.
type Replicator struct {
	logger      *logrus.Logger
	cfg         ReplicationConfig
	store       *Store
	pm          PeerManager
	routes      *RoutingTable
	self        PeerId
	identityKey ed25519.PrivateKey // signs the quotes this node issues (§4.8)

	closing chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan *recordMsg // keyed by kind:addr:peer

	putPendingMu sync.Mutex
	putPending   map[string]chan putResult // keyed by kind:addr:peer

	quotePendingMu sync.Mutex
	quotePending   map[string]chan *Quote // keyed by kind:addr:peer

	miscMu sync.Mutex
	misc   map[string]chan []byte // keyed by ackCode:peer (ping/version/bad-peer)

	issuedMu sync.Mutex
	issued   map[string]*Quote // most recent quote this node issued for kind:addr
}

type putResult struct {
	ok     bool
	reason string
}

func NewReplicator(cfg ReplicationConfig, lg *logrus.Logger, store *Store, pm PeerManager, routes *RoutingTable, self PeerId, identityKey ed25519.PrivateKey) *Replicator {
	if lg == nil {
		lg = logrus.New()
	}
	return &Replicator{
		logger:       lg,
		cfg:          cfg,
		store:        store,
		pm:           pm,
		routes:       routes,
		self:         self,
		identityKey:  identityKey,
		closing:      make(chan struct{}),
		pending:      make(map[string]chan *recordMsg),
		putPending:   make(map[string]chan putResult),
		quotePending: make(map[string]chan *Quote),
		misc:         make(map[string]chan []byte),
		issued:       make(map[string]*Quote),
	}
}

// ReplicateRecord disseminates rec's inventory to the peers closest to its
// address (§4.7: the close group, not a random fanout, since records are
// content/owner addressed and only the close group is expected to hold
// them).
func (r *Replicator) ReplicateRecord(rec Record) {
	addr := rec.Address()
	targets := r.routes.CloseGroup(addr)
	inv := haveMsg{Addrs: []string{addr.Hex()}, Kind: rec.Kind()}
	payload, err := marshalEnvelope(inv)
	if err != nil {
		r.logger.Errorf("replication: marshal inv: %v", err)
		return
	}
	sent := 0
	for _, p := range targets {
		if err := r.pm.SendAsync(string(p.ID), protocolID, byte(msgHave), payload); err != nil {
			r.logger.Warnf("replication: send have to %s failed: %v", p.ID, err)
			continue
		}
		sent++
	}
	r.logger.Debugf("replication: disseminated %s to %d/%d close peers", addr.Short(), sent, len(targets))
}

// FetchRecord pulls a record by kind+address from the close group,
// returning the first well-formed reply. Used by handleHave's pull-on-miss
// path, where any one peer's copy will do.
func (r *Replicator) FetchRecord(ctx context.Context, kind RecordKind, addr Address) (Record, error) {
	peers := r.routes.CloseGroup(addr)
	if len(peers) == 0 {
		return nil, errors.New("replication: no peers available")
	}
	req := getRecordMsg{Kind: kind, Addr: addr.Hex()}
	payload, err := marshalEnvelope(req)
	if err != nil {
		return nil, err
	}

	key := pendingKey(kind, addr, "")
	r.pendingMu.Lock()
	ch, ok := r.pending[key]
	if !ok {
		ch = make(chan *recordMsg, 1)
		r.pending[key] = ch
	}
	r.pendingMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	for _, p := range peers {
		if err := r.pm.SendAsync(string(p.ID), protocolID, byte(msgGetRecord), payload); err != nil {
			r.logger.Debugf("replication: getrecord send to %s failed: %v", p.ID, err)
		}
	}

	select {
	case rm := <-ch:
		return DecodeRecord(rm.Kind, rm.Data)
	case <-ctx.Done():
		r.pendingMu.Lock()
		delete(r.pending, key)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("replication: fetch %s timed out: %w", addr.Short(), ctx.Err())
	}
}

// FetchRecordFrom requests a record from exactly one peer, correlating the
// reply by (kind, addr, peer) so a client can fan this out concurrently
// across the whole close group (C11's quorum collection) without multiple
// in-flight requests for the same address racing on a single reply slot.
func (r *Replicator) FetchRecordFrom(ctx context.Context, p PeerEntry, kind RecordKind, addr Address) (Record, error) {
	req := getRecordMsg{Kind: kind, Addr: addr.Hex()}
	payload, err := marshalEnvelope(req)
	if err != nil {
		return nil, err
	}

	key := pendingKey(kind, addr, p.ID)
	r.pendingMu.Lock()
	ch, ok := r.pending[key]
	if !ok {
		ch = make(chan *recordMsg, 1)
		r.pending[key] = ch
	}
	r.pendingMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	if err := r.pm.SendAsync(string(p.ID), protocolID, byte(msgGetRecord), payload); err != nil {
		r.pendingMu.Lock()
		delete(r.pending, key)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("replication: getrecord send to %s failed: %w", p.ID, err)
	}

	select {
	case rm := <-ch:
		return DecodeRecord(rm.Kind, rm.Data)
	case <-ctx.Done():
		r.pendingMu.Lock()
		delete(r.pending, key)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("replication: fetch %s from %s timed out: %w", addr.Short(), p.ID, ctx.Err())
	}
}

// pendingKey scopes a pending reply slot to (kind, addr) and, for
// FetchRecordFrom, the specific peer being asked — an empty peer denotes
// FetchRecord's any-peer broadcast mode.
func pendingKey(kind RecordKind, addr Address, peer PeerId) string {
	return fmt.Sprintf("%d:%s:%s", kind, addr.Hex(), peer)
}

//---------------------------------------------------------------------
// Quote & PutValue (§4.8, §4.11): the real put_record wire protocol
//---------------------------------------------------------------------

// GetQuoteFrom asks p for a signed price quote on storing kind+addr (§4.8).
// A peer that already holds the record sends no reply, so the call times
// out; that, like any other failure, is surfaced as an error so the caller
// (Client.attachQuotes) can simply skip that peer.
func (r *Replicator) GetQuoteFrom(ctx context.Context, p PeerEntry, kind RecordKind, addr Address) (*Quote, error) {
	payload, err := marshalEnvelope(getQuoteMsg{Kind: kind, Addr: addr.Hex()})
	if err != nil {
		return nil, err
	}

	key := pendingKey(kind, addr, p.ID)
	r.quotePendingMu.Lock()
	ch, ok := r.quotePending[key]
	if !ok {
		ch = make(chan *Quote, 1)
		r.quotePending[key] = ch
	}
	r.quotePendingMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	if err := r.pm.SendAsync(string(p.ID), protocolID, byte(msgGetQuote), payload); err != nil {
		r.quotePendingMu.Lock()
		delete(r.quotePending, key)
		r.quotePendingMu.Unlock()
		return nil, fmt.Errorf("replication: getquote send to %s failed: %w", p.ID, err)
	}

	select {
	case q := <-ch:
		if q.Addr != addr || q.DataType != kind {
			return nil, ErrInvalidQuote
		}
		return q, nil
	case <-ctx.Done():
		r.quotePendingMu.Lock()
		delete(r.quotePending, key)
		r.quotePendingMu.Unlock()
		return nil, fmt.Errorf("replication: getquote from %s timed out: %w", p.ID, ctx.Err())
	}
}

// PutValue implements put_record's wire leg: send the record plus its
// payment proof to p and wait for an Ack/Reject.
func (r *Replicator) PutValue(ctx context.Context, p PeerEntry, rec Record, proof *PaymentProof) (bool, error) {
	addr := rec.Address()
	payload, err := marshalEnvelope(putValueMsg{
		Kind:  rec.Kind(),
		Addr:  addr.Hex(),
		Data:  rec.Bytes(),
		Proof: encodePaymentProofWire(proof),
	})
	if err != nil {
		return false, err
	}

	key := pendingKey(rec.Kind(), addr, p.ID)
	r.putPendingMu.Lock()
	ch, ok := r.putPending[key]
	if !ok {
		ch = make(chan putResult, 1)
		r.putPending[key] = ch
	}
	r.putPendingMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	if err := r.pm.SendAsync(string(p.ID), protocolID, byte(msgPutValue), payload); err != nil {
		r.putPendingMu.Lock()
		delete(r.putPending, key)
		r.putPendingMu.Unlock()
		return false, fmt.Errorf("replication: putvalue send to %s failed: %w", p.ID, err)
	}

	select {
	case res := <-ch:
		if !res.ok {
			return false, fmt.Errorf("replication: %s rejected put: %s", p.ID, res.reason)
		}
		return true, nil
	case <-ctx.Done():
		r.putPendingMu.Lock()
		delete(r.putPending, key)
		r.putPendingMu.Unlock()
		return false, fmt.Errorf("replication: putvalue to %s timed out: %w", p.ID, ctx.Err())
	}
}

func (r *Replicator) recordIssuedQuote(kind RecordKind, addr Address, q *Quote) {
	r.issuedMu.Lock()
	r.issued[forkKey(kind, addr)] = q
	r.issuedMu.Unlock()
}

func (r *Replicator) lookupIssuedQuote(kind RecordKind, addr Address) *Quote {
	r.issuedMu.Lock()
	defer r.issuedMu.Unlock()
	return r.issued[forkKey(kind, addr)]
}

func (r *Replicator) dispatchPutResult(from PeerId, kind RecordKind, addr Address, res putResult) {
	key := pendingKey(kind, addr, from)
	r.putPendingMu.Lock()
	ch, ok := r.putPending[key]
	if ok {
		delete(r.putPending, key)
	}
	r.putPendingMu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

func (r *Replicator) sendPutAck(peerID string, kind RecordKind, hexAddr string) {
	payload, err := marshalEnvelope(putAckMsg{Kind: kind, Addr: hexAddr})
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgPutAck), payload); err != nil {
		r.logger.Debugf("replication: send put ack to %s failed: %v", peerID, err)
	}
}

func (r *Replicator) sendPutReject(peerID string, kind RecordKind, hexAddr, reason string) {
	payload, err := marshalEnvelope(putRejectMsg{Kind: kind, Addr: hexAddr, Reason: reason})
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgPutReject), payload); err != nil {
		r.logger.Debugf("replication: send put reject to %s failed: %v", peerID, err)
	}
}

// handleGetQuote answers a quote request with a freshly signed price for
// kind+addr, or silently drops the request if the record already exists
// locally. No RecordExists message is sent; the requester's GetQuoteFrom
// times out and the client moves on without this peer as a payee.
func (r *Replicator) handleGetQuote(peerID string, data []byte) {
	var req getQuoteMsg
	if err := unmarshalEnvelope(data, &req); err != nil {
		r.logger.Warnf("replication: decode getquote: %v", err)
		return
	}
	addr, err := addressFromHex(req.Addr)
	if err != nil {
		return
	}
	if r.store.Has(req.Kind, addr) {
		return
	}
	q, err := SignQuote(r.identityKey, r.self, addr, req.Kind, BaseCost(req.Kind))
	if err != nil {
		r.logger.Warnf("replication: sign quote for %s failed: %v", addr.Short(), err)
		return
	}
	r.recordIssuedQuote(req.Kind, addr, q)
	payload, err := marshalEnvelope(quoteMsg{Quote: q})
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgQuote), payload); err != nil {
		r.logger.Debugf("replication: send quote to %s failed: %v", peerID, err)
	}
}

func (r *Replicator) handleQuote(peerID string, data []byte) {
	var m quoteMsg
	if err := unmarshalEnvelope(data, &m); err != nil || m.Quote == nil {
		r.logger.Warnf("replication: decode quote: %v", err)
		return
	}
	key := pendingKey(m.Quote.DataType, m.Quote.Addr, PeerId(peerID))
	r.quotePendingMu.Lock()
	ch, ok := r.quotePending[key]
	if ok {
		delete(r.quotePending, key)
	}
	r.quotePendingMu.Unlock()
	if ok {
		select {
		case ch <- m.Quote:
		default:
		}
	}
}

// handlePutValue admits a client's store request, enforcing I7: a record
// that doesn't exist here yet requires a payment proof that covers this
// peer as a payee and, when this node has issued a quote for kind+addr,
// matches the latest such quote. A proof for a record this node never
// quoted is checked for payee coverage only.
func (r *Replicator) handlePutValue(peerID string, data []byte) {
	var req putValueMsg
	if err := unmarshalEnvelope(data, &req); err != nil {
		r.logger.Warnf("replication: decode putvalue: %v", err)
		return
	}
	addr, err := addressFromHex(req.Addr)
	if err != nil {
		r.sendPutReject(peerID, req.Kind, req.Addr, "bad address")
		return
	}
	rec, err := DecodeRecord(req.Kind, req.Data)
	if err != nil {
		r.sendPutReject(peerID, req.Kind, req.Addr, "undecodable record")
		return
	}
	if rec.Address() != addr {
		r.sendPutReject(peerID, req.Kind, req.Addr, "address mismatch")
		return
	}

	if !r.store.Has(req.Kind, addr) {
		proof := decodePaymentProofWire(req.Proof)
		if proof == nil || !proof.CoversPayee(r.self) {
			r.sendPutReject(peerID, req.Kind, req.Addr, "payment proof missing or does not cover this peer")
			return
		}
		if q := r.lookupIssuedQuote(req.Kind, addr); q != nil && !proof.VerifyAgainstQuote(q) {
			r.sendPutReject(peerID, req.Kind, req.Addr, "payment proof does not match issued quote")
			return
		}
	}

	if err := r.store.Put(rec); err != nil {
		var fork *Fork
		if !errors.As(err, &fork) {
			r.sendPutReject(peerID, req.Kind, req.Addr, err.Error())
			return
		}
	}
	go r.ReplicateRecord(rec)
	r.sendPutAck(peerID, req.Kind, req.Addr)
}

func (r *Replicator) handlePutAck(peerID string, data []byte) {
	var m putAckMsg
	if err := unmarshalEnvelope(data, &m); err != nil {
		r.logger.Warnf("replication: decode put ack: %v", err)
		return
	}
	addr, err := addressFromHex(m.Addr)
	if err != nil {
		return
	}
	r.dispatchPutResult(PeerId(peerID), m.Kind, addr, putResult{ok: true})
}

func (r *Replicator) handlePutReject(peerID string, data []byte) {
	var m putRejectMsg
	if err := unmarshalEnvelope(data, &m); err != nil {
		r.logger.Warnf("replication: decode put reject: %v", err)
		return
	}
	addr, err := addressFromHex(m.Addr)
	if err != nil {
		return
	}
	r.dispatchPutResult(PeerId(peerID), m.Kind, addr, putResult{ok: false, reason: m.Reason})
}

//---------------------------------------------------------------------
// §4.7 churn-triggered replication planning
//---------------------------------------------------------------------

// PlanReplication runs §4.7's algorithm for a single churned peer p: it was
// either just newly discovered within the close-40 (alive=true), or just
// declared dead and dropped from it (alive=false). For every locally held
// key within p's distance_bar, the key's own nearest-CG+1 holders decide
// whether self must push a copy onward, and if so to whom.
func (r *Replicator) PlanReplication(p PeerEntry, alive bool) {
	all := r.routes.ClosestTo(p.Addr, 2*CloseGroupSize)
	if len(all) <= CloseGroupSize {
		return
	}
	distanceBar := Distance(p.Addr, all[CloseGroupSize].Addr)

	for _, sk := range r.store.Entries() {
		if Distance(p.Addr, sk.Addr).Cmp(distanceBar) > 0 {
			continue
		}

		byKeyDist := append([]PeerEntry(nil), all...)
		byKeyDist = append(byKeyDist, PeerEntry{ID: r.self, Addr: r.routes.self})
		sort.Slice(byKeyDist, func(i, j int) bool {
			return Closer(sk.Addr, byKeyDist[i].Addr, byKeyDist[j].Addr)
		})
		window := byKeyDist
		if len(window) > CloseGroupSize+1 {
			window = window[:CloseGroupSize+1]
		}

		selfIdx := -1
		for i, e := range window {
			if e.ID == r.self {
				selfIdx = i
				break
			}
		}
		if selfIdx < 0 || selfIdx >= ReplicationRange {
			continue
		}

		var dest *PeerEntry
		switch {
		case alive:
			for i := range window {
				if window[i].ID == p.ID {
					dest = &window[i]
					break
				}
			}
		case len(window) >= CloseGroupSize:
			dest = &window[CloseGroupSize-1]
		}
		if dest == nil || dest.ID == r.self {
			continue
		}

		rec, err := r.store.Get(sk.Kind, sk.Addr)
		if err != nil {
			continue
		}
		r.sendReplicate(*dest, rec, false)
	}
}

func (r *Replicator) sendReplicate(dest PeerEntry, rec Record, fresh bool) {
	payload, err := marshalEnvelope(replicateMsg{Kind: rec.Kind(), Addr: rec.Address().Hex(), Data: rec.Bytes()})
	if err != nil {
		r.logger.Warnf("replication: marshal replicate: %v", err)
		return
	}
	code := byte(msgReplicate)
	if fresh {
		code = byte(msgFreshReplicate)
	}
	if err := r.pm.SendAsync(string(dest.ID), protocolID, code, payload); err != nil {
		r.logger.Debugf("replication: send replicate to %s failed: %v", dest.ID, err)
	}
}

// FreshReplicate accelerates propagation of a just-accepted record beyond
// the strict close group, used right after a local PutLocal succeeds.
func (r *Replicator) FreshReplicate(rec Record) {
	for _, p := range r.routes.Close40() {
		r.sendReplicate(p, rec, true)
	}
}

func (r *Replicator) holderKnown(id PeerId) bool {
	for _, p := range r.routes.Close40() {
		if p.ID == id {
			return true
		}
	}
	return false
}

// handleReplicate accepts a pushed record from holder. A Replicate push is
// accepted only if holder is within this node's own local close-40
// (otherwise it's dropped, per §4.7's acceptance rule); a FreshReplicate
// push skips that check. A GraphEntry with a differing hash at the same
// address is kept as a fork by store.Put itself — the double-spend
// evidence-preservation rule, not a special case here.
func (r *Replicator) handleReplicate(peerID string, data []byte, fresh bool) {
	var m replicateMsg
	if err := unmarshalEnvelope(data, &m); err != nil {
		r.logger.Warnf("replication: decode replicate: %v", err)
		return
	}
	if !fresh && !r.holderKnown(PeerId(peerID)) {
		r.logger.Debugf("replication: dropping replicate from unknown holder %s", peerID)
		return
	}
	rec, err := DecodeRecord(m.Kind, m.Data)
	if err != nil {
		return
	}
	if err := r.store.Put(rec); err != nil {
		var fork *Fork
		if !errors.As(err, &fork) {
			r.logger.Debugf("replication: replicate put rejected: %v", err)
			return
		}
	}
	r.ackReplicate(peerID, fresh, m.Addr)
}

func (r *Replicator) ackReplicate(peerID string, fresh bool, hexAddr string) {
	payload, err := marshalEnvelope(replicateAckMsg{Addr: hexAddr})
	if err != nil {
		return
	}
	code := byte(msgReplicateAck)
	if fresh {
		code = byte(msgFreshReplicateAck)
	}
	if err := r.pm.SendAsync(peerID, protocolID, code, payload); err != nil {
		r.logger.Debugf("replication: send replicate ack to %s failed: %v", peerID, err)
	}
}

//---------------------------------------------------------------------
// Misc request/response families: PeerConsideredBad, Ping, GetVersion
//---------------------------------------------------------------------

func (r *Replicator) sendAwait(ctx context.Context, p PeerEntry, code, ackCode msgType, payload []byte) ([]byte, error) {
	key := fmt.Sprintf("%d:%s", ackCode, p.ID)
	ch := make(chan []byte, 1)
	r.miscMu.Lock()
	r.misc[key] = ch
	r.miscMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	if err := r.pm.SendAsync(string(p.ID), protocolID, byte(code), payload); err != nil {
		r.miscMu.Lock()
		delete(r.misc, key)
		r.miscMu.Unlock()
		return nil, err
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		r.miscMu.Lock()
		delete(r.misc, key)
		r.miscMu.Unlock()
		return nil, ctx.Err()
	}
}

func (r *Replicator) dispatchMisc(from PeerId, ackCode msgType, raw []byte) {
	key := fmt.Sprintf("%d:%s", ackCode, from)
	r.miscMu.Lock()
	ch, ok := r.misc[key]
	if ok {
		delete(r.misc, key)
	}
	r.miscMu.Unlock()
	if ok {
		select {
		case ch <- raw:
		default:
		}
	}
}

// Ping checks liveness of p by waiting for its PingAck.
func (r *Replicator) Ping(ctx context.Context, p PeerEntry) error {
	payload, err := marshalEnvelope(pingMsg{})
	if err != nil {
		return err
	}
	_, err = r.sendAwait(ctx, p, msgPing, msgPingAck, payload)
	return err
}

// GetVersion fetches p's reported protocol version.
func (r *Replicator) GetVersion(ctx context.Context, p PeerEntry) (string, error) {
	payload, err := marshalEnvelope(getVersionMsg{})
	if err != nil {
		return "", err
	}
	raw, err := r.sendAwait(ctx, p, msgGetVersion, msgVersion, payload)
	if err != nil {
		return "", err
	}
	var v versionMsg
	if err := unmarshalEnvelope(raw, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// ReportBadPeer tells dest that bad is misbehaving or unresponsive.
func (r *Replicator) ReportBadPeer(ctx context.Context, dest PeerEntry, bad PeerId, reason string) error {
	payload, err := marshalEnvelope(peerConsideredBadMsg{Peer: string(bad), Reason: reason})
	if err != nil {
		return err
	}
	_, err = r.sendAwait(ctx, dest, msgPeerConsideredBad, msgPeerConsideredBadAck, payload)
	return err
}

func (r *Replicator) handlePing(peerID string, data []byte) {
	payload, err := marshalEnvelope(pingAckMsg{Addr: string(r.self)})
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgPingAck), payload); err != nil {
		r.logger.Debugf("replication: send ping ack to %s failed: %v", peerID, err)
	}
}

func (r *Replicator) handleGetVersion(peerID string, data []byte) {
	payload, err := marshalEnvelope(versionMsg{Version: ProtocolVersion})
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgVersion), payload); err != nil {
		r.logger.Debugf("replication: send version to %s failed: %v", peerID, err)
	}
}

func (r *Replicator) handlePeerConsideredBad(peerID string, data []byte) {
	var m peerConsideredBadMsg
	if err := unmarshalEnvelope(data, &m); err != nil {
		return
	}
	r.logger.Warnf("replication: %s reports peer %s as bad: %s", peerID, m.Peer, m.Reason)
	payload, err := marshalEnvelope(peerConsideredBadAckMsg{})
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgPeerConsideredBadAck), payload); err != nil {
		r.logger.Debugf("replication: send bad-peer ack to %s failed: %v", peerID, err)
	}
}

//---------------------------------------------------------------------
// Service loop
//---------------------------------------------------------------------

func (r *Replicator) Start() {
	sub := r.pm.Subscribe(protocolID)
	go r.readLoop(sub)
}

func (r *Replicator) Stop() {
	close(r.closing)
	r.pm.Unsubscribe(protocolID)
}

func (r *Replicator) readLoop(sub <-chan InboundMsg) {
	for {
		select {
		case <-r.closing:
			return
		case m, ok := <-sub:
			if !ok {
				return
			}
			go r.handleMsg(m)
		}
	}
}

func (r *Replicator) handleMsg(m InboundMsg) {
	switch msgType(m.Code) {
	case msgHave:
		r.handleHave(m.PeerID, m.Payload)
	case msgGetRecord:
		r.handleGetRecord(m.PeerID, m.Payload)
	case msgRecord:
		r.handleRecord(m.PeerID, m.Payload)
	case msgFindNode:
		r.handleFindNode(m.PeerID, m.Payload)
	case msgCloseList:
		// responses to our own FindNode queries are consumed directly by
		// the caller of QueryPeerForClosest, not through this loop.
	case msgPutValue:
		r.handlePutValue(m.PeerID, m.Payload)
	case msgPutAck:
		r.handlePutAck(m.PeerID, m.Payload)
	case msgPutReject:
		r.handlePutReject(m.PeerID, m.Payload)
	case msgGetQuote:
		r.handleGetQuote(m.PeerID, m.Payload)
	case msgQuote:
		r.handleQuote(m.PeerID, m.Payload)
	case msgReplicate:
		r.handleReplicate(m.PeerID, m.Payload, false)
	case msgFreshReplicate:
		r.handleReplicate(m.PeerID, m.Payload, true)
	case msgReplicateAck, msgFreshReplicateAck:
		// fire-and-forget pushes; nothing currently blocks on this ack.
	case msgPeerConsideredBad:
		r.handlePeerConsideredBad(m.PeerID, m.Payload)
	case msgPeerConsideredBadAck:
		r.dispatchMisc(PeerId(m.PeerID), msgPeerConsideredBadAck, m.Payload)
	case msgPing:
		r.handlePing(m.PeerID, m.Payload)
	case msgPingAck:
		r.dispatchMisc(PeerId(m.PeerID), msgPingAck, m.Payload)
	case msgGetVersion:
		r.handleGetVersion(m.PeerID, m.Payload)
	case msgVersion:
		r.dispatchMisc(PeerId(m.PeerID), msgVersion, m.Payload)
	default:
		r.logger.Warnf("replication: unknown message code %d from %s", m.Code, m.PeerID)
	}
}

func (r *Replicator) handleHave(peerID string, data []byte) {
	var inv haveMsg
	if err := unmarshalEnvelope(data, &inv); err != nil {
		r.logger.Warnf("replication: decode have: %v", err)
		return
	}
	for _, hexAddr := range inv.Addrs {
		addr, err := addressFromHex(hexAddr)
		if err != nil {
			continue
		}
		if !r.store.Has(inv.Kind, addr) {
			go func(k RecordKind, a Address) {
				ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
				defer cancel()
				if rec, err := r.FetchRecord(ctx, k, a); err == nil {
					_ = r.store.Put(rec)
				}
			}(inv.Kind, addr)
		}
	}
}

func (r *Replicator) handleGetRecord(peerID string, data []byte) {
	var req getRecordMsg
	if err := unmarshalEnvelope(data, &req); err != nil {
		r.logger.Warnf("replication: decode getrecord: %v", err)
		return
	}
	addr, err := addressFromHex(req.Addr)
	if err != nil {
		return
	}
	rec, err := r.store.Get(req.Kind, addr)
	if err != nil {
		return
	}
	payload, err := marshalEnvelope(recordMsg{Kind: rec.Kind(), Addr: addr.Hex(), Data: rec.Bytes()})
	if err != nil {
		r.logger.Warnf("replication: marshal record: %v", err)
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgRecord), payload); err != nil {
		r.logger.Warnf("replication: send record to %s failed: %v", peerID, err)
	}
}

func (r *Replicator) handleRecord(peerID string, data []byte) {
	var rm recordMsg
	if err := unmarshalEnvelope(data, &rm); err != nil {
		r.logger.Warnf("replication: decode record: %v", err)
		return
	}
	r.dispatchPending(PeerId(peerID), rm)
}

// dispatchPending tries the per-peer reply slot a FetchRecordFrom(from)
// call would be waiting on first, then falls back to FetchRecord's
// any-peer slot — a response can only ever satisfy one of the two modes.
func (r *Replicator) dispatchPending(from PeerId, rm recordMsg) {
	addr, err := addressFromHex(rm.Addr)
	if err != nil {
		return
	}
	for _, key := range []string{pendingKey(rm.Kind, addr, from), pendingKey(rm.Kind, addr, "")} {
		r.pendingMu.Lock()
		ch, ok := r.pending[key]
		if ok {
			delete(r.pending, key)
		}
		r.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &rm:
			default:
			}
			return
		}
	}
}

func (r *Replicator) handleFindNode(peerID string, data []byte) {
	var req findNodeMsg
	if err := unmarshalEnvelope(data, &req); err != nil {
		r.logger.Warnf("replication: decode findnode: %v", err)
		return
	}
	target, err := addressFromHex(req.Target)
	if err != nil {
		return
	}
	closest := r.routes.ClosestTo(target, KBucketSize)
	resp := closeListMsg{}
	for _, p := range closest {
		resp.Peers = append(resp.Peers, closePeer{ID: string(p.ID), Addr: p.Addr.Hex()})
	}
	payload, err := marshalEnvelope(resp)
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(peerID, protocolID, byte(msgCloseList), payload); err != nil {
		r.logger.Warnf("replication: send closelist to %s failed: %v", peerID, err)
	}
}

// QueryPeerForClosest implements kademlia.go's QueryFn against this
// replicator's transport: send a FindNode and wait for the matching
// CloseList reply on a dedicated per-query subscription.
func (r *Replicator) QueryPeerForClosest(ctx context.Context, p PeerEntry, target Address) ([]PeerEntry, error) {
	topic := fmt.Sprintf("%s:findnode:%s", protocolID, target.Hex())
	sub := r.pm.Subscribe(topic)
	defer r.pm.Unsubscribe(topic)

	req := findNodeMsg{Target: target.Hex()}
	payload, err := marshalEnvelope(req)
	if err != nil {
		return nil, err
	}
	if err := r.pm.SendAsync(string(p.ID), protocolID, byte(msgFindNode), payload); err != nil {
		return nil, err
	}

	select {
	case m := <-sub:
		var resp closeListMsg
		if err := unmarshalEnvelope(m.Payload, &resp); err != nil {
			return nil, err
		}
		out := make([]PeerEntry, 0, len(resp.Peers))
		for _, cp := range resp.Peers {
			id := PeerId(cp.ID)
			addr, err := addressFromHex(cp.Addr)
			if err != nil {
				addr = id.Address()
			}
			out = append(out, PeerEntry{ID: id, Addr: addr, LastSeen: time.Now()})
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func addressFromHex(s string) (Address, error) {
	var a Address
	b, err := hexDecode(s)
	if err != nil {
		return a, err
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("replication: bad address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// digestKey reduces an arbitrary byte payload to a short, stable string for
// quorum-tracker value keys (see quorum.go's Tracker.Vote).
func digestKey(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:8])
}
