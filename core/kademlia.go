package core

// Kademlia routing core (§4.4, §C4): 256 XOR-distance buckets of up to K=20
// peers each, with an alpha=3 concurrent iterative lookup. Grounded on the
// teacher's core/kademlia.go (160-bucket sketch generalized here to the
// 256-bit address space used throughout this module) plus the worker/channel
// fan-in idiom from core/replication.go's RequestMissing.

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	KBucketSize  = 20
	AlphaConcurrency = 3
	CloseGroupSize   = 5
	CloseGroupMajority = 3
	ReplicationRange   = 2
	Close40Size        = 40
)

// PeerEntry is one routing-table row: a network identity plus its address
// in the shared key space.
type PeerEntry struct {
	ID       PeerId
	Addr     Address
	LastSeen time.Time
}

// RoutingTable is a 256-bucket Kademlia table keyed by XOR distance from
// the local node's own address.
type RoutingTable struct {
	mu      sync.RWMutex
	self    Address
	buckets [256][]PeerEntry
}

func NewRoutingTable(self Address) *RoutingTable {
	return &RoutingTable{self: self}
}

func (rt *RoutingTable) bucketIndex(addr Address) int {
	if addr == rt.self {
		return 0
	}
	return CommonPrefixLen(rt.self, addr)
}

// AddPeer inserts or refreshes a peer. If the owning bucket is full the
// least-recently-seen entry is evicted in favor of the new one — a
// simplification of the classic Kademlia least-recently-seen ping/replace
// rule, acceptable since churn is handled at the replication layer (§4.7)
// rather than the routing table itself.
func (rt *RoutingTable) AddPeer(p PeerEntry) {
	if p.Addr == rt.self {
		return
	}
	idx := rt.bucketIndex(p.Addr)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for i, e := range bucket {
		if e.ID == p.ID {
			bucket[i] = p
			return
		}
	}
	if len(bucket) >= KBucketSize {
		oldest := 0
		for i, e := range bucket {
			if e.LastSeen.Before(bucket[oldest].LastSeen) {
				oldest = i
			}
		}
		bucket[oldest] = p
		rt.buckets[idx] = bucket
		return
	}
	rt.buckets[idx] = append(bucket, p)
}

func (rt *RoutingTable) RemovePeer(id PeerId) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, bucket := range rt.buckets {
		for j, e := range bucket {
			if e.ID == id {
				rt.buckets[i] = append(bucket[:j], bucket[j+1:]...)
				return
			}
		}
	}
}

// ClosestTo returns up to count peers ordered by XOR distance to target.
func (rt *RoutingTable) ClosestTo(target Address, count int) []PeerEntry {
	rt.mu.RLock()
	all := make([]PeerEntry, 0, count*2)
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return Closer(target, all[i].Addr, all[j].Addr)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// CloseGroup returns the CG=5 peers closest to addr, used for quorum
// collection and payment-quote routing.
func (rt *RoutingTable) CloseGroup(addr Address) []PeerEntry {
	return rt.ClosestTo(addr, CloseGroupSize)
}

// Close40 returns the observation window used by the replication planner.
func (rt *RoutingTable) Close40() []PeerEntry {
	return rt.ClosestTo(rt.self, Close40Size)
}

//---------------------------------------------------------------------
// Iterative lookup
//---------------------------------------------------------------------

// QueryFn asks a single peer for its closest-known peers to target.
type QueryFn func(ctx context.Context, peer PeerEntry, target Address) ([]PeerEntry, error)

// IterativeFindNode implements the standard Kademlia alpha-concurrent
// lookup: repeatedly query the alpha closest not-yet-queried peers,
// merge results into the candidate set, and stop once a round produces no
// peer closer than the best already known and the K closest candidates
// have all been queried, or once no unqueried candidate is left.
func (rt *RoutingTable) IterativeFindNode(ctx context.Context, target Address, query QueryFn) ([]PeerEntry, error) {
	seen := make(map[PeerId]bool)
	queried := make(map[PeerId]bool)

	candidates := rt.ClosestTo(target, KBucketSize)
	for _, c := range candidates {
		seen[c.ID] = true
	}

	for {
		sort.Slice(candidates, func(i, j int) bool {
			return Closer(target, candidates[i].Addr, candidates[j].Addr)
		})

		var toQuery []PeerEntry
		for _, c := range candidates {
			if !queried[c.ID] {
				toQuery = append(toQuery, c)
			}
			if len(toQuery) == AlphaConcurrency {
				break
			}
		}
		if len(toQuery) == 0 {
			break
		}

		type result struct {
			peers []PeerEntry
			err   error
		}
		results := make(chan result, len(toQuery))
		var wg sync.WaitGroup
		for _, p := range toQuery {
			queried[p.ID] = true
			wg.Add(1)
			go func(p PeerEntry) {
				defer wg.Done()
				peers, err := query(ctx, p, target)
				results <- result{peers: peers, err: err}
			}(p)
		}
		go func() {
			wg.Wait()
			close(results)
		}()

		improved := false
		bestBefore := Address{}
		if len(candidates) > 0 {
			bestBefore = candidates[0].Addr
		}
		for res := range results {
			if res.err != nil {
				continue
			}
			for _, np := range res.peers {
				if !seen[np.ID] {
					seen[np.ID] = true
					candidates = append(candidates, np)
				}
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return Closer(target, candidates[i].Addr, candidates[j].Addr)
		})
		if len(candidates) > 0 && Closer(target, candidates[0].Addr, bestBefore) {
			improved = true
		}
		if !improved && allQueried(candidates, queried) {
			break
		}
		select {
		case <-ctx.Done():
			return candidates, ctx.Err()
		default:
		}
	}

	if len(candidates) > KBucketSize {
		candidates = candidates[:KBucketSize]
	}
	return candidates, nil
}

func allQueried(candidates []PeerEntry, queried map[PeerId]bool) bool {
	limit := KBucketSize
	if len(candidates) < limit {
		limit = len(candidates)
	}
	for i := 0; i < limit; i++ {
		if !queried[candidates[i].ID] {
			return false
		}
	}
	return true
}
