package core

// Client get/put orchestration (§4.11, §C11): quorum collection against
// the close group and the deterministic split-record fork-resolution
// rules. Grounded on the teacher's concurrency idiom in replication.go
// (goroutine-per-peer fan-in) applied to get_record/put_record instead of
// block sync.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoQuorum  = errors.New("client: quorum not reached")
	ErrChunkFork = errors.New("client: conflicting chunk payloads for the same address")
)

// Fork is returned by GetRecord when the Pointer/Scratchpad copies that
// share the highest counter differ in payload — the caller must write a
// higher-counter record to resolve it — and when more than one GraphEntry
// copy comes back for the same address.
type Fork struct {
	Records []Record
}

func (f *Fork) Error() string { return fmt.Sprintf("client: split record, %d conflicting versions", len(f.Records)) }

// Client wraps a Swarm with the quorum-aware get/put operations.
type Client struct {
	swarm  *Swarm
	rep    *Replicator
	routes *RoutingTable
	retry  int
}

func NewClient(swarm *Swarm, rep *Replicator, routes *RoutingTable, retryFailed int) *Client {
	if retryFailed <= 0 {
		retryFailed = 3
	}
	return &Client{swarm: swarm, rep: rep, routes: routes, retry: retryFailed}
}

// GetRecord wraps the iterative lookup and close-group fetch, applying
// I5's fork-resolution rule to the collected responses.
func (c *Client) GetRecord(ctx context.Context, kind RecordKind, addr Address, q Quorum) (Record, error) {
	if local, err := c.swarm.GetLocal(kind, addr); err == nil {
		return local, nil
	}

	peers := c.routes.CloseGroup(addr)
	if len(peers) == 0 {
		return nil, errors.New("client: no close-group peers available")
	}

	type reply struct {
		peer PeerId
		rec  Record
		err  error
	}
	results := make(chan reply, len(peers))
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p PeerEntry) {
			defer wg.Done()
			rec, err := c.rep.FetchRecordFrom(ctx, p, kind, addr)
			results <- reply{peer: p.ID, rec: rec, err: err}
		}(p)
	}
	go func() { wg.Wait(); close(results) }()

	required := q.Required(len(peers))
	tracker := NewTracker(q, len(peers))
	var collected []Record
	for r := range results {
		if r.err != nil || r.rec == nil {
			continue
		}
		collected = append(collected, r.rec)
		// Vote dedups by voter, so a peer that somehow answers twice for
		// the same address can't inflate the tally; the leading digest's
		// vote count is exposed for callers that want to log agreement
		// rather than just quorum count.
		tracker.Vote(addr, digestKey(r.rec.Bytes()), r.peer)
	}

	if len(collected) < required {
		return nil, fmt.Errorf("%w: got %d of %d required", ErrNoQuorum, len(collected), required)
	}
	if leadKey, votes := tracker.Leading(addr); leadKey != "" {
		c.swarm.logger.Debugf("client: get %s converged on digest %s with %d/%d votes", addr.Short(), leadKey, votes, len(collected))
	}

	return resolveSplit(kind, collected)
}

// resolveSplit applies §4.11's deterministic fork-resolution rules.
func resolveSplit(kind RecordKind, records []Record) (Record, error) {
	switch kind {
	case KindChunk:
		// A genuine content-address split must not happen since address is
		// always the payload's own hash; if divergent bytes somehow surface
		// under the same requested address anyway, reject rather than guess.
		byDigest := map[string]Record{}
		for _, r := range records {
			byDigest[digestOf(r)] = r
		}
		if len(byDigest) == 1 {
			return records[0], nil
		}
		return nil, ErrChunkFork

	case KindPointer, KindScratchpad:
		return resolveMutableSplit(records)

	case KindGraphEntry:
		if len(records) == 1 {
			return records[0], nil
		}
		return nil, &Fork{Records: records}

	default:
		return nil, fmt.Errorf("client: unknown kind %d", kind)
	}
}

func resolveMutableSplit(records []Record) (Record, error) {
	var best Record
	var bestCounter uint64
	var tied []Record

	for _, r := range records {
		var ctr uint64
		switch v := r.(type) {
		case *Pointer:
			ctr = v.Counter
		case *Scratchpad:
			ctr = v.Counter
		default:
			continue
		}
		switch {
		case best == nil || ctr > bestCounter:
			best, bestCounter = r, ctr
			tied = []Record{r}
		case ctr == bestCounter:
			tied = append(tied, r)
		}
	}
	if best == nil {
		return nil, errors.New("client: empty record set")
	}
	if len(tied) == 1 {
		return best, nil
	}
	first := digestOf(tied[0])
	for _, r := range tied[1:] {
		if digestOf(r) != first {
			return nil, &Fork{Records: tied}
		}
	}
	return tied[0], nil
}

func digestOf(r Record) string {
	h := sha256.Sum256(r.Bytes())
	return hex.EncodeToString(h[:])
}

// PutRecord implements §4.11's put_record: obtain a quote from each close
// group member, fold them (plus any caller-supplied proof, e.g. an
// out-of-band Merkle batch payment) into a PaymentProof, then issue a real
// PutValue to every peer and tally actual Ack/Reject responses — not mere
// send success. On insufficient acks it retries against a refreshed
// closest set up to c.retry times, per I7.
func (c *Client) PutRecord(ctx context.Context, rec Record, proof *PaymentProof, q Quorum) (succeeded []PeerId, failed []PeerId, err error) {
	addr := rec.Address()

	for attempt := 0; attempt <= c.retry; attempt++ {
		peers := c.routes.CloseGroup(addr)
		if len(peers) == 0 {
			return nil, nil, errors.New("client: no close-group peers available")
		}

		required := q.Required(len(peers))
		succeeded = nil
		failed = nil

		if lerr := c.swarm.PutLocal(rec); lerr != nil {
			var fork *Fork
			if !errors.As(lerr, &fork) {
				return nil, nil, fmt.Errorf("client: local put failed: %w", lerr)
			}
		}

		quotedProof := c.attachQuotes(ctx, peers, rec.Kind(), addr, proof)

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, p := range peers {
			wg.Add(1)
			go func(p PeerEntry) {
				defer wg.Done()
				ok, perr := c.rep.PutValue(ctx, p, rec, quotedProof)
				mu.Lock()
				if perr != nil || !ok {
					failed = append(failed, p.ID)
				} else {
					succeeded = append(succeeded, p.ID)
				}
				mu.Unlock()
			}(p)
		}
		wg.Wait()

		if len(succeeded) >= required {
			return succeeded, failed, nil
		}
	}

	return succeeded, failed, fmt.Errorf("%w: exhausted %d retries", ErrNoQuorum, c.retry)
}

// attachQuotes collects a signed quote from every close-group peer (§4.8),
// folding their costs and peer ids into a PaymentProof the recipients can
// later verify themselves against via VerifyAgainstQuote. A peer that
// fails to quote (e.g. it already holds the record, so it sends no quote
// and the request times out) is simply skipped rather than aborting the put.
func (c *Client) attachQuotes(ctx context.Context, peers []PeerEntry, kind RecordKind, addr Address, proof *PaymentProof) *PaymentProof {
	out := &PaymentProof{Addr: addr}
	if proof != nil {
		cp := *proof
		cp.Payees = append([]PeerId(nil), proof.Payees...)
		cp.QuoteDigests = append([]string(nil), proof.QuoteDigests...)
		out = &cp
	}
	out.Addr = addr

	payeeSet := map[PeerId]bool{}
	for _, p := range out.Payees {
		payeeSet[p] = true
	}
	for _, p := range peers {
		qt, err := c.rep.GetQuoteFrom(ctx, p, kind, addr)
		if err != nil {
			continue
		}
		out.Amount += qt.Cost
		if !payeeSet[p.ID] {
			out.Payees = append(out.Payees, p.ID)
			payeeSet[p.ID] = true
		}
		out.QuoteDigests = append(out.QuoteDigests, QuoteDigest(qt))
	}
	return out
}
