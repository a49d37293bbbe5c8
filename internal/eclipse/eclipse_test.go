package eclipse

import (
	"testing"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

func baseConfig() Config {
	return Config{
		MaxPeersPerASN:        2,
		AlertThreshold:        3,
		MaxPeersPerContinent:  10,
		MinASNDiversity:       2,
		MinContinentDiversity: 2,
		MinRelayPaths:         2,
		BGPConsensusThreshold: 0.6,
	}
}

// TestAddPeerAsnConcentrationThenRejectsAtAlertThreshold covers spec
// §4.10 scenario 3: with max_peers_per_asn=2, a third same-ASN peer is
// accepted but raises AsnConcentration; a fourth is rejected once
// alert_threshold is reached.
func TestAddPeerAsnConcentrationThenRejectsAtAlertThreshold(t *testing.T) {
	g := New(baseConfig())
	if concentration, err := g.AddPeer(PeerInfo{ID: "p1", ASN: 100, Continent: "EU"}); err != nil || concentration {
		t.Fatalf("first peer: concentration=%v err=%v", concentration, err)
	}
	if concentration, err := g.AddPeer(PeerInfo{ID: "p2", ASN: 100, Continent: "EU"}); err != nil || concentration {
		t.Fatalf("second peer: concentration=%v err=%v", concentration, err)
	}
	// third peer exceeds max_peers_per_asn (2) but not yet alert_threshold (3):
	// accepted, flagged AsnConcentration.
	concentration, err := g.AddPeer(PeerInfo{ID: "p3", ASN: 100, Continent: "EU"})
	if err != nil {
		t.Fatalf("expected third peer to be admitted, got %v", err)
	}
	if !concentration {
		t.Fatal("expected AsnConcentration on the third same-ASN peer")
	}
	// fourth peer hits alert_threshold (3) and is refused.
	if _, err := g.AddPeer(PeerInfo{ID: "p4", ASN: 100, Continent: "EU"}); !errs.Is(err, errs.Capacity) {
		t.Fatalf("expected Capacity error at alert threshold, got %v", err)
	}
}

func TestAddPeerRejectsAboveContinentCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPeersPerASN = 100
	cfg.AlertThreshold = 100
	cfg.MaxPeersPerContinent = 1
	g := New(cfg)
	if _, err := g.AddPeer(PeerInfo{ID: "p1", ASN: 1, Continent: "EU"}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddPeer(PeerInfo{ID: "p2", ASN: 2, Continent: "EU"}); !errs.Is(err, errs.Capacity) {
		t.Fatalf("expected Capacity error over continent cap, got %v", err)
	}
}

func TestDiversityAndHealthy(t *testing.T) {
	g := New(baseConfig())
	_, _ = g.AddPeer(PeerInfo{ID: "p1", ASN: 1, Continent: "EU"})
	_, _ = g.AddPeer(PeerInfo{ID: "p2", ASN: 2, Continent: "NA"})

	asns, continents := g.Diversity()
	if asns != 2 || continents != 2 {
		t.Fatalf("expected 2 unique asns/continents, got %d/%d", asns, continents)
	}
	if g.Healthy() {
		t.Fatal("expected unhealthy before any relay paths are selected")
	}

	candidates := [][]PeerInfo{
		{{ID: "r1", ASN: 10}, {ID: "r2", ASN: 20}},
		{{ID: "r3", ASN: 30}, {ID: "r4", ASN: 40}},
	}
	g.SelectRelayPaths(candidates)
	if !g.Healthy() {
		t.Fatal("expected healthy once diversity and relay path minimums are met")
	}
}

func TestSelectRelayPathsAvoidsSharedRelaysAndDuplicateASNSequences(t *testing.T) {
	g := New(baseConfig())
	candidates := [][]PeerInfo{
		{{ID: "r1", ASN: 10}, {ID: "r2", ASN: 20}},
		{{ID: "r1", ASN: 10}, {ID: "r3", ASN: 30}}, // shares relay r1, must be skipped
		{{ID: "r4", ASN: 10}, {ID: "r5", ASN: 20}}, // same ASN sequence as path 1, must be skipped
		{{ID: "r6", ASN: 50}, {ID: "r7", ASN: 60}},
	}
	paths := g.SelectRelayPaths(candidates)
	if len(paths) != 2 {
		t.Fatalf("expected 2 disjoint paths, got %d", len(paths))
	}
	if paths[0].Relays[0] != "r1" || paths[1].Relays[0] != "r6" {
		t.Fatalf("unexpected path selection: %+v", paths)
	}
}

func TestMarkPathFailureSelectsNextBestBySuccessRate(t *testing.T) {
	g := New(baseConfig())
	candidates := [][]PeerInfo{
		{{ID: "r1", ASN: 10}, {ID: "r2", ASN: 20}},
		{{ID: "r3", ASN: 30}, {ID: "r4", ASN: 40}},
	}
	paths := g.SelectRelayPaths(candidates)
	good, bad := paths[0], paths[1]
	good.Successes = 9
	good.Failures = 1
	bad.Successes = 1
	bad.Failures = 1

	next := g.MarkPathFailure(bad)
	if next == nil || next != good {
		t.Fatalf("expected failover to pick the higher success-rate path")
	}
	if bad.Active {
		t.Fatal("failed path should be marked inactive")
	}
}

func TestBGPHijackCheckDetectsMinorityConsensus(t *testing.T) {
	g := New(baseConfig())
	obs := []RouteObservation{
		{Peer: types.NodeID("a"), ASPath: []uint32{1, 2, 3}},
		{Peer: types.NodeID("b"), ASPath: []uint32{1, 2, 3}},
		{Peer: types.NodeID("c"), ASPath: []uint32{1, 9, 3}},
	}
	hijack, share := g.BGPHijackCheck(obs)
	if hijack {
		t.Fatalf("2/3 agreement (%.2f) should meet a 0.6 threshold", share)
	}

	obs2 := []RouteObservation{
		{Peer: types.NodeID("a"), ASPath: []uint32{1, 2, 3}},
		{Peer: types.NodeID("b"), ASPath: []uint32{1, 8, 3}},
		{Peer: types.NodeID("c"), ASPath: []uint32{1, 9, 3}},
	}
	hijack2, share2 := g.BGPHijackCheck(obs2)
	if !hijack2 {
		t.Fatalf("1/3 agreement (%.2f) should fall below a 0.6 threshold", share2)
	}
}

func TestRemovePeerFreesASNSlot(t *testing.T) {
	g := New(baseConfig())
	_, _ = g.AddPeer(PeerInfo{ID: "p1", ASN: 1, Continent: "EU"})
	_, _ = g.AddPeer(PeerInfo{ID: "p2", ASN: 1, Continent: "EU"})
	g.RemovePeer("p1")
	if concentration, err := g.AddPeer(PeerInfo{ID: "p3", ASN: 1, Continent: "EU"}); err != nil || concentration {
		t.Fatalf("expected room to admit after removal without concentration flag, got concentration=%v err=%v", concentration, err)
	}
}
