// Package eclipse implements diversity enforcement, relay-path
// selection/failover, and BGP hijack consensus detection per spec
// §4.10. No repo under _examples/ models ASN/continent diversity or
// BGP consensus; this is built fresh in the teacher's idiom, grounded
// on core/peer_management.go's peer-table-under-lock shape.
package eclipse

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

// PeerInfo is the subset of peer metadata diversity checks need.
type PeerInfo struct {
	ID        types.NodeID
	ASN       uint32
	Continent string
}

// Config bounds diversity caps and BGP consensus sensitivity.
type Config struct {
	MaxPeersPerASN         int
	AlertThreshold         int
	MaxPeersPerContinent   int
	MinASNDiversity        int
	MinContinentDiversity  int
	MinRelayPaths          int
	BGPConsensusThreshold  float64
}

// RelayPath is one path of relays with a distinct ASN sequence.
type RelayPath struct {
	Relays   []types.NodeID
	ASNs     []uint32
	Active   bool
	Successes int
	Failures  int
}

// Guard owns the peer set and relay paths behind one writer lock.
type Guard struct {
	mu    sync.Mutex
	cfg   Config
	peers map[types.NodeID]PeerInfo
	paths []*RelayPath
}

// New constructs an empty Guard.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg, peers: make(map[types.NodeID]PeerInfo)}
}

func (g *Guard) countASN(asn uint32) int {
	n := 0
	for _, p := range g.peers {
		if p.ASN == asn {
			n++
		}
	}
	return n
}

func (g *Guard) countContinent(continent string) int {
	n := 0
	for _, p := range g.peers {
		if p.Continent == continent {
			n++
		}
	}
	return n
}

// AddPeer admits a peer unless the same-ASN count already stands at or
// above alert_threshold, or the same-continent count already stands at or
// above max_peers_per_continent, so that admitting it would exceed that
// limit. Crossing max_peers_per_asn alone does not
// refuse the connection: the peer is admitted and asnConcentration
// reports true, mirroring BGPHijackCheck's (detected, share) tuple —
// alert_threshold is the hard cap; max_peers_per_asn only raises the
// indicator (spec §4.10 scenario 3).
func (g *Guard) AddPeer(p PeerInfo) (asnConcentration bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	asnCount := g.countASN(p.ASN)
	if asnCount >= g.cfg.AlertThreshold {
		logrus.WithFields(logrus.Fields{"asn": p.ASN, "count": asnCount}).Warn("eclipse: ASN alert threshold reached, refusing connection")
		return false, errs.New(errs.Capacity, "eclipse.AddPeer", "ASN alert threshold reached")
	}
	if g.countContinent(p.Continent) >= g.cfg.MaxPeersPerContinent {
		return false, errs.New(errs.Capacity, "eclipse.AddPeer", "continent peer cap reached")
	}

	asnConcentration = asnCount >= g.cfg.MaxPeersPerASN
	if asnConcentration {
		logrus.WithFields(logrus.Fields{"asn": p.ASN, "count": asnCount}).Warn("eclipse: AsnConcentration, admitting peer above max_peers_per_asn")
	}

	g.peers[p.ID] = p
	return asnConcentration, nil
}

// RemovePeer drops a peer from the tracked set.
func (g *Guard) RemovePeer(id types.NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, id)
}

// Diversity reports the current unique-ASN and unique-continent counts.
func (g *Guard) Diversity() (uniqueASNs, uniqueContinents int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	asns := make(map[uint32]struct{})
	continents := make(map[string]struct{})
	for _, p := range g.peers {
		asns[p.ASN] = struct{}{}
		continents[p.Continent] = struct{}{}
	}
	return len(asns), len(continents)
}

// Healthy reports spec §4.10's health condition: unique_asns and
// unique_continents meet their minimums, and active relay paths meet
// min_relay_paths.
func (g *Guard) Healthy() bool {
	uniqueASNs, uniqueContinents := g.Diversity()
	g.mu.Lock()
	active := 0
	for _, p := range g.paths {
		if p.Active {
			active++
		}
	}
	g.mu.Unlock()
	return uniqueASNs >= g.cfg.MinASNDiversity &&
		uniqueContinents >= g.cfg.MinContinentDiversity &&
		active >= g.cfg.MinRelayPaths
}

// SelectRelayPaths builds up to min_relay_paths disjoint paths (no
// shared relays) with distinct ASN sequences from the candidate list.
func (g *Guard) SelectRelayPaths(candidates [][]PeerInfo) []*RelayPath {
	g.mu.Lock()
	defer g.mu.Unlock()

	used := make(map[types.NodeID]struct{})
	seenASNSeq := make(map[string]struct{})
	var paths []*RelayPath
	for _, cand := range candidates {
		if len(paths) >= g.cfg.MinRelayPaths {
			break
		}
		conflict := false
		for _, p := range cand {
			if _, dup := used[p.ID]; dup {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		var asns []uint32
		var relays []types.NodeID
		seqKey := ""
		for _, p := range cand {
			asns = append(asns, p.ASN)
			relays = append(relays, p.ID)
			seqKey += string(rune(p.ASN)) + ","
		}
		if _, dup := seenASNSeq[seqKey]; dup {
			continue
		}
		for _, p := range cand {
			used[p.ID] = struct{}{}
		}
		seenASNSeq[seqKey] = struct{}{}
		rp := &RelayPath{Relays: relays, ASNs: asns, Active: true}
		paths = append(paths, rp)
	}
	g.paths = append(g.paths, paths...)
	return paths
}

// MarkPathFailure marks path as inactive and returns the next best
// active path by success rate, per spec §4.10's failover rule.
func (g *Guard) MarkPathFailure(failed *RelayPath) *RelayPath {
	g.mu.Lock()
	defer g.mu.Unlock()
	failed.Active = false
	failed.Failures++
	logrus.Warn("eclipse: relay path failure, selecting next best path")

	var candidates []*RelayPath
	for _, p := range g.paths {
		if p.Active {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return successRate(candidates[i]) > successRate(candidates[j])
	})
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

func successRate(p *RelayPath) float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// RouteObservation is one peer's claimed AS-path for a prefix.
type RouteObservation struct {
	Peer   types.NodeID
	ASPath []uint32
}

// BGPHijackCheck groups observations by AS-path and emits a hijack
// signal if the largest agreeing group's share falls below
// bgp_consensus_threshold.
func (g *Guard) BGPHijackCheck(observations []RouteObservation) (hijackDetected bool, agreementShare float64) {
	if len(observations) == 0 {
		return false, 1
	}
	counts := make(map[string]int)
	for _, o := range observations {
		counts[asPathKey(o.ASPath)]++
	}
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	share := float64(best) / float64(len(observations))
	return share < g.cfg.BGPConsensusThreshold, share
}

func asPathKey(path []uint32) string {
	key := ""
	for _, asn := range path {
		key += string(rune(asn)) + "-"
	}
	return key
}
