package core

import "testing"

func TestResolveSplitChunkAgreement(t *testing.T) {
	data := []byte("hello-autonomi")
	c1 := &Chunk{Data: data}
	c2 := &Chunk{Data: append([]byte(nil), data...)}

	rec, err := resolveSplit(KindChunk, []Record{c1, c2})
	if err != nil {
		t.Fatalf("resolveSplit: %v", err)
	}
	if rec.Address() != c1.Address() {
		t.Fatalf("unexpected resolved record address")
	}
}

func TestResolveSplitChunkDivergence(t *testing.T) {
	c1 := &Chunk{Data: []byte("a")}
	c2 := &Chunk{Data: []byte("b")}

	_, err := resolveSplit(KindChunk, []Record{c1, c2})
	if err != ErrChunkFork {
		t.Fatalf("expected ErrChunkFork, got %v", err)
	}
}

func TestResolveMutableSplitHighestCounterWins(t *testing.T) {
	owner := OwnerKey{1, 2, 3}
	older := &Pointer{Owner: owner, Counter: 0, Target: AddressOf([]byte("a2"))}
	newer := &Pointer{Owner: owner, Counter: 1, Target: AddressOf([]byte("a1"))}

	rec, err := resolveSplit(KindPointer, []Record{older, newer})
	if err != nil {
		t.Fatalf("resolveSplit: %v", err)
	}
	got, ok := rec.(*Pointer)
	if !ok || got.Counter != 1 {
		t.Fatalf("expected counter=1 pointer to win, got %+v", rec)
	}
}

func TestResolveMutableSplitSameCounterDifferentPayloadIsFork(t *testing.T) {
	owner := OwnerKey{1, 2, 3}
	x := &Scratchpad{Owner: owner, Counter: 5, Content: []byte("X")}
	y := &Scratchpad{Owner: owner, Counter: 5, Content: []byte("Y")}

	_, err := resolveSplit(KindScratchpad, []Record{x, y})
	var fork *Fork
	ok := false
	if f, isFork := err.(*Fork); isFork {
		fork = f
		ok = true
	}
	if !ok {
		t.Fatalf("expected *Fork error, got %v", err)
	}
	if len(fork.Records) != 2 {
		t.Fatalf("expected 2 conflicting records in fork, got %d", len(fork.Records))
	}
}

func TestResolveMutableSplitSameCounterSamePayloadIsNotFork(t *testing.T) {
	owner := OwnerKey{1, 2, 3}
	a := &Scratchpad{Owner: owner, Counter: 5, Content: []byte("Z")}
	b := &Scratchpad{Owner: owner, Counter: 5, Content: []byte("Z")}

	rec, err := resolveSplit(KindScratchpad, []Record{a, b})
	if err != nil {
		t.Fatalf("expected no fork for identical payloads, got %v", err)
	}
	if string(rec.(*Scratchpad).Content) != "Z" {
		t.Fatalf("unexpected resolved content: %s", rec.(*Scratchpad).Content)
	}
}

func TestResolveSplitGraphEntrySingleRecord(t *testing.T) {
	owner := OwnerKey{9}
	g := &GraphEntry{Owner: owner}
	rec, err := resolveSplit(KindGraphEntry, []Record{g})
	if err != nil {
		t.Fatalf("resolveSplit: %v", err)
	}
	if rec != g {
		t.Fatalf("expected the single graph entry back unchanged")
	}
}
