package gossip

import (
	"testing"
	"time"

	"github.com/chikuno/dchat/internal/types"
)

func TestHappensBeforeAndConcurrent(t *testing.T) {
	a := VectorClock{"n1": 1, "n2": 1}
	b := VectorClock{"n1": 2, "n2": 1}
	if !a.HappensBefore(b) {
		t.Fatal("expected a to happen-before b")
	}
	if b.HappensBefore(a) {
		t.Fatal("b should not happen-before a")
	}

	c := VectorClock{"n1": 2, "n2": 0}
	d := VectorClock{"n1": 1, "n2": 1}
	if !c.ConcurrentWith(d) {
		t.Fatal("expected c and d to be concurrent")
	}
}

func TestMergeTakesComponentwiseMax(t *testing.T) {
	a := VectorClock{"n1": 3, "n2": 1}
	b := VectorClock{"n1": 1, "n2": 5, "n3": 2}
	merged := a.Merge(b)
	if merged["n1"] != 3 || merged["n2"] != 5 || merged["n3"] != 2 {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}

func TestDiffFindsLocalRemoteAndConflicts(t *testing.T) {
	local := map[string]MessageRecord{
		"m1": {ID: "m1", ContentHash: types.Hash{1}},
		"m2": {ID: "m2", ContentHash: types.Hash{2}},
	}
	remote := map[string]MessageRecord{
		"m2": {ID: "m2", ContentHash: types.Hash{9}}, // conflicting hash
		"m3": {ID: "m3", ContentHash: types.Hash{3}},
	}
	d := Diff(local, remote)
	if len(d.LocalOnly) != 1 || d.LocalOnly[0] != "m1" {
		t.Fatalf("unexpected local-only: %v", d.LocalOnly)
	}
	if len(d.RemoteOnly) != 1 || d.RemoteOnly[0] != "m3" {
		t.Fatalf("unexpected remote-only: %v", d.RemoteOnly)
	}
	if len(d.Conflicts) != 1 || d.Conflicts[0] != "m2" {
		t.Fatalf("unexpected conflicts: %v", d.Conflicts)
	}
}

func TestResolveConflictPrefersHappensAfter(t *testing.T) {
	earlier := MessageRecord{Clock: VectorClock{"n1": 1}, Timestamp: time.Now()}
	later := MessageRecord{Clock: VectorClock{"n1": 2}, Timestamp: time.Now()}
	winner := ResolveConflict(earlier, later)
	if winner.Clock["n1"] != 2 {
		t.Fatalf("expected the happens-after record to win")
	}
}

func TestResolveConflictConcurrentFallsBackToTimestampThenSender(t *testing.T) {
	now := time.Now()
	a := MessageRecord{Clock: VectorClock{"n1": 1}, Timestamp: now, SenderID: "alice"}
	b := MessageRecord{Clock: VectorClock{"n2": 1}, Timestamp: now.Add(time.Second), SenderID: "bob"}
	winner := ResolveConflict(a, b)
	if winner.SenderID != "bob" {
		t.Fatalf("expected later timestamp to win, got sender %s", winner.SenderID)
	}

	tie1 := MessageRecord{Clock: VectorClock{"n1": 1}, Timestamp: now, SenderID: "alice"}
	tie2 := MessageRecord{Clock: VectorClock{"n2": 1}, Timestamp: now, SenderID: "bob"}
	winner = ResolveConflict(tie1, tie2)
	if winner.SenderID != "bob" {
		t.Fatalf("expected lexicographically larger sender id to win tie, got %s", winner.SenderID)
	}
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	filter := BuildFilter(ids, 256, 4)
	for _, id := range ids {
		if !MayContain(filter, id, 256, 4) {
			t.Fatalf("expected filter to contain %s (no false negatives allowed)", id)
		}
	}
}

func TestPeerStateRateLimit(t *testing.T) {
	ps := NewPeerState()
	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := ps.AllowGossip(now, 3); err != nil {
			t.Fatalf("gossip %d should be allowed: %v", i, err)
		}
	}
	if err := ps.AllowGossip(now, 3); err == nil {
		t.Fatal("expected 4th gossip within the same second to be rate-limited")
	}
	if err := ps.AllowGossip(now.Add(2*time.Second), 3); err != nil {
		t.Fatalf("gossip after window expiry should be allowed: %v", err)
	}
}

func TestNeedsSyncAndMarkSynced(t *testing.T) {
	ps := NewPeerState()
	now := time.Now()
	if !ps.NeedsSync(now, time.Minute) {
		t.Fatal("fresh peer state should need sync")
	}
	ps.MarkSynced(now, VectorClock{"n1": 5})
	if ps.NeedsSync(now, time.Minute) {
		t.Fatal("should not need sync immediately after MarkSynced")
	}
	if ps.Clock()["n1"] != 5 {
		t.Fatalf("expected merged clock to include remote clock")
	}
}
