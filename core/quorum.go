package core

// Quorum policies (§C11): how many consistent responses a get/put
// operation needs from the close group before it can trust the result.
// Grounded on the teacher's core/quorum_tracker.go (vote counting against a
// threshold), generalized from a single fixed threshold to the spec's four
// named policies.

import "sync"

type QuorumKind uint8

const (
	QuorumAll QuorumKind = iota
	QuorumMajority
	QuorumN
	QuorumOne
)

// Quorum describes how many matching responses are required out of a group
// of `total` respondents. N carries the required count when Kind is
// QuorumN; it is ignored otherwise.
type Quorum struct {
	Kind QuorumKind
	N    int
}

func (q Quorum) Required(total int) int {
	switch q.Kind {
	case QuorumAll:
		return total
	case QuorumMajority:
		return total/2 + 1
	case QuorumN:
		if q.N > total {
			return total
		}
		return q.N
	case QuorumOne:
		return 1
	default:
		return total
	}
}

// Tracker counts distinct-peer votes for a single value (keyed by whatever
// digest the caller chooses to identify "the same answer", typically the
// SHA-256 of the record's canonical bytes) and reports when Quorum.Required
// has been met.
type Tracker struct {
	mu      sync.Mutex
	quorum  Quorum
	total   int
	votesBy map[Address]map[string]int // target -> value-key -> vote count (voters dedups by voter)
	voters  map[Address]map[string]bool
}

func NewTracker(q Quorum, total int) *Tracker {
	return &Tracker{
		quorum:  q,
		total:   total,
		votesBy: make(map[Address]map[string]int),
		voters:  make(map[Address]map[string]bool),
	}
}

// Vote records that voter observed valueKey for target. Returns the number
// of distinct voters now agreeing on valueKey.
func (t *Tracker) Vote(target Address, valueKey string, voter PeerId) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.voters[target] == nil {
		t.voters[target] = make(map[string]bool)
	}
	voterKey := valueKey + "|" + string(voter)
	if t.voters[target][voterKey] {
		return t.votesBy[target][valueKey]
	}
	t.voters[target][voterKey] = true

	if t.votesBy[target] == nil {
		t.votesBy[target] = make(map[string]int)
	}
	t.votesBy[target][valueKey]++
	return t.votesBy[target][valueKey]
}

// Satisfied reports whether valueKey has reached the required vote count
// for target under this tracker's quorum policy.
func (t *Tracker) Satisfied(target Address, valueKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.votesBy[target][valueKey] >= t.quorum.Required(t.total)
}

// Leading returns the value-key with the most votes for target and its
// count, for callers that want the majority answer regardless of whether
// quorum was formally reached (e.g. a best-effort read after timeout).
func (t *Tracker) Leading(target Address) (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best string
	var bestN int
	for k, n := range t.votesBy[target] {
		if n > bestN {
			best, bestN = k, n
		}
	}
	return best, bestN
}

func (t *Tracker) Reset(target Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.votesBy, target)
	delete(t.voters, target)
}
