package pruning

import (
	"testing"
	"time"
)

func TestArchiveNeverPrunes(t *testing.T) {
	p, err := New(Archive, Policy{RetentionPeriod: time.Hour}, 10)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	candidates := []Candidate{{MessageID: "m1", ChannelID: "c", CreatedAt: now.Add(-24 * time.Hour)}}
	pruned, cp, err := p.Prune(10, 100, candidates, now)
	if err != nil || pruned != nil || cp != nil {
		t.Fatalf("archive node pruned: pruned=%v cp=%v err=%v", pruned, cp, err)
	}
}

func TestPruneRespectsRetentionAndPriorityChannels(t *testing.T) {
	now := time.Now()
	policy := Policy{
		RetentionPeriod:  time.Hour,
		PriorityChannels: map[string]struct{}{"important": {}},
	}
	p, err := New(Full, policy, 10)
	if err != nil {
		t.Fatal(err)
	}

	candidates := []Candidate{
		{MessageID: "old", ChannelID: "general", CreatedAt: now.Add(-2 * time.Hour)},
		{MessageID: "new", ChannelID: "general", CreatedAt: now.Add(-time.Minute)},
		{MessageID: "old-priority", ChannelID: "important", CreatedAt: now.Add(-2 * time.Hour)},
	}

	pruned, cp, err := p.Prune(5, 50, candidates, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 1 || pruned[0] != "old" {
		t.Fatalf("expected only 'old' pruned, got %v", pruned)
	}
	if cp == nil || cp.MessageCount != 1 || cp.Height != 5 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
	if !p.IsRetained("old") {
		t.Fatalf("expected pruned id to be retained in cache")
	}
}

func TestEmergencyPruneOldestFirst(t *testing.T) {
	now := time.Now()
	p, err := New(Full, Policy{RetentionPeriod: 24 * time.Hour, PriorityChannels: map[string]struct{}{}}, 10)
	if err != nil {
		t.Fatal(err)
	}

	candidates := []Candidate{
		{MessageID: "newest", ChannelID: "c", CreatedAt: now.Add(-time.Minute)},
		{MessageID: "oldest", ChannelID: "c", CreatedAt: now.Add(-time.Hour)},
		{MessageID: "middle", ChannelID: "c", CreatedAt: now.Add(-30 * time.Minute)},
	}

	pruned, cp, err := p.EmergencyPrune(9, 100, 98, candidates, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 2 {
		t.Fatalf("expected to prune 2 ids to close a gap of 2, got %v", pruned)
	}
	if pruned[0] != "oldest" || pruned[1] != "middle" {
		t.Fatalf("expected oldest-first ordering, got %v", pruned)
	}
	if cp == nil {
		t.Fatal("expected a checkpoint to be recorded")
	}
}

func TestEmergencyPruneNoopWhenUnderLimit(t *testing.T) {
	p, err := New(Full, Policy{RetentionPeriod: time.Hour}, 10)
	if err != nil {
		t.Fatal(err)
	}
	pruned, cp, err := p.EmergencyPrune(1, 10, 100, nil, time.Now())
	if err != nil || pruned != nil || cp != nil {
		t.Fatalf("expected no-op under limit: pruned=%v cp=%v err=%v", pruned, cp, err)
	}
}
