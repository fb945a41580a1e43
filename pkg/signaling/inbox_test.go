package signaling

import (
	"testing"
	"time"
)

func sig(id, from string, typ SignalType, ts time.Time) Signal {
	return Signal{ID: id, From: from, To: "me", Type: typ, Timestamp: ts}
}

func TestInboxSortsByTimestamp(t *testing.T) {
	in := NewInbox(0)
	base := time.Unix(1000, 0)

	// Bye delivered before the Offer that precedes it in time.
	batch := []Signal{
		sig("s2", "alice", SignalTypeBye, time.Unix(1005, 0)),
		sig("s1", "alice", SignalTypeOffer, base),
	}

	ready, discard := in.Prepare(batch, time.Unix(1010, 0))
	if len(discard) != 0 {
		t.Fatalf("expected no discards, got %v", discard)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready signals, got %d", len(ready))
	}
	if ready[0].Type != SignalTypeOffer || ready[1].Type != SignalTypeBye {
		t.Errorf("expected offer before bye, got %s then %s", ready[0].Type, ready[1].Type)
	}
}

func TestInboxSkipsDuplicates(t *testing.T) {
	in := NewInbox(0)
	now := time.Now()

	first, _ := in.Prepare([]Signal{sig("s1", "bob", SignalTypeOffer, now)}, now)
	if len(first) != 1 {
		t.Fatalf("expected 1 ready signal, got %d", len(first))
	}

	// Redelivery of the same id, plus one new signal.
	second, discard := in.Prepare([]Signal{
		sig("s1", "bob", SignalTypeOffer, now),
		sig("s2", "bob", SignalTypeCandidate, now),
	}, now)
	if len(second) != 1 || second[0].ID != "s2" {
		t.Fatalf("expected only s2 ready, got %v", second)
	}
	// The duplicate is never dispatched again, but its delete is
	// re-issued: redelivery means the first delete failed.
	if len(discard) != 1 || discard[0] != "s1" {
		t.Errorf("expected redelivered id in discard, got %v", discard)
	}
}

func TestInboxDiscardsStale(t *testing.T) {
	in := NewInbox(5 * time.Minute)
	now := time.Now()

	ready, discard := in.Prepare([]Signal{
		sig("old", "bob", SignalTypeOffer, now.Add(-6*time.Minute)),
		sig("new", "bob", SignalTypeOffer, now.Add(-time.Minute)),
	}, now)

	if len(ready) != 1 || ready[0].ID != "new" {
		t.Fatalf("expected only fresh signal ready, got %v", ready)
	}
	// A delete must still be issued for the stale signal.
	if len(discard) != 1 || discard[0] != "old" {
		t.Fatalf("expected stale id in discard, got %v", discard)
	}
	// And the stale id must never be dispatched later either.
	again, _ := in.Prepare([]Signal{sig("old", "bob", SignalTypeOffer, now.Add(-6*time.Minute))}, now)
	if len(again) != 0 {
		t.Errorf("stale signal redelivered and dispatched: %v", again)
	}
}

func TestInboxPrune(t *testing.T) {
	in := NewInbox(5 * time.Minute)
	now := time.Now()

	in.Prepare([]Signal{
		sig("a", "bob", SignalTypeOffer, now.Add(-10*time.Minute)),
		sig("b", "bob", SignalTypeOffer, now),
	}, now)

	if removed := in.Prune(now); removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if in.Seen("a") {
		t.Error("pruned id still marked seen")
	}
	if !in.Seen("b") {
		t.Error("fresh id lost by prune")
	}
}
