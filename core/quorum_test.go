package core

import "testing"

func TestQuorumRequired(t *testing.T) {
	cases := []struct {
		name  string
		q     Quorum
		total int
		want  int
	}{
		{"all", Quorum{Kind: QuorumAll}, 5, 5},
		{"majority-odd", Quorum{Kind: QuorumMajority}, 5, 3},
		{"majority-even", Quorum{Kind: QuorumMajority}, 4, 3},
		{"n-within-total", Quorum{Kind: QuorumN, N: 2}, 5, 2},
		{"n-clamped-to-total", Quorum{Kind: QuorumN, N: 9}, 5, 5},
		{"one", Quorum{Kind: QuorumOne}, 5, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.q.Required(c.total); got != c.want {
				t.Fatalf("Required(%d) = %d, want %d", c.total, got, c.want)
			}
		})
	}
}

func TestTrackerVoteDedupesByVoter(t *testing.T) {
	target := AddressOf([]byte("addr"))
	tr := NewTracker(Quorum{Kind: QuorumMajority}, 5)

	n := tr.Vote(target, "digest-a", PeerId("p1"))
	if n != 1 {
		t.Fatalf("expected 1 vote, got %d", n)
	}
	n = tr.Vote(target, "digest-a", PeerId("p1"))
	if n != 1 {
		t.Fatalf("duplicate vote from the same voter should not be counted twice, got %d", n)
	}
	n = tr.Vote(target, "digest-a", PeerId("p2"))
	if n != 2 {
		t.Fatalf("expected 2 distinct voters, got %d", n)
	}
}

func TestTrackerSatisfiedReachesQuorum(t *testing.T) {
	target := AddressOf([]byte("addr"))
	tr := NewTracker(Quorum{Kind: QuorumMajority}, 5)

	tr.Vote(target, "digest-a", PeerId("p1"))
	tr.Vote(target, "digest-a", PeerId("p2"))
	if tr.Satisfied(target, "digest-a") {
		t.Fatalf("should not be satisfied with only 2 of 5 votes under majority")
	}
	tr.Vote(target, "digest-a", PeerId("p3"))
	if !tr.Satisfied(target, "digest-a") {
		t.Fatalf("expected majority quorum satisfied with 3 of 5 votes")
	}
}

func TestTrackerLeadingPicksHighestVoteCount(t *testing.T) {
	target := AddressOf([]byte("addr"))
	tr := NewTracker(Quorum{Kind: QuorumMajority}, 5)

	tr.Vote(target, "digest-a", PeerId("p1"))
	tr.Vote(target, "digest-b", PeerId("p2"))
	tr.Vote(target, "digest-b", PeerId("p3"))

	key, n := tr.Leading(target)
	if key != "digest-b" || n != 2 {
		t.Fatalf("expected leading digest-b with 2 votes, got %s with %d", key, n)
	}
}

func TestTrackerResetClearsTarget(t *testing.T) {
	target := AddressOf([]byte("addr"))
	tr := NewTracker(Quorum{Kind: QuorumOne}, 5)
	tr.Vote(target, "digest-a", PeerId("p1"))
	tr.Reset(target)

	if tr.Satisfied(target, "digest-a") {
		t.Fatalf("expected reset target to no longer be satisfied")
	}
	key, n := tr.Leading(target)
	if key != "" || n != 0 {
		t.Fatalf("expected no leading value after reset, got %s/%d", key, n)
	}
}
