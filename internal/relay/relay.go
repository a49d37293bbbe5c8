// Package relay implements the relay pool: registration, heartbeat
// uptime scoring, active-pool membership, selection strategies, and
// proof-of-delivery batching, generalized from the teacher's
// core/peer_management.go (PeerManagement sampling) and
// core/stake_penalty.go (keyed-counter-under-lock style).
package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

// Strategy is a closed set of selection variants (Design Note: not an
// open interface — adding a strategy means adding a case, matching the
// spec's enumerated list).
type Strategy int

const (
	RoundRobin Strategy = iota
	WeightedRoundRobin
	LeastConnections
	Geographic
)

// HeartbeatEntry is one (timestamp, online) sample in a relay's uptime
// history.
type HeartbeatEntry struct {
	At     time.Time
	Online bool
}

// Relay mirrors spec §3's Relay entity.
type Relay struct {
	ID                 types.NodeID
	Operator           types.Address
	Stake              uint64
	Continent          string
	ASN                uint32
	RegisteredAt       time.Time
	LastHeartbeat       time.Time
	MessagesRelayed    uint64
	BandwidthUsed      uint64
	ActiveConnections  int
	UptimeHistory      []HeartbeatEntry
	pendingPoD         []PoDEntry
}

type PoDEntry struct {
	MessageID string
	Size      uint64
}

// ProofBatch is a drained batch of proof-of-delivery entries, returned by
// RecordRelay to its caller; the pool itself writes nothing to the ledger.
type ProofBatch struct {
	RelayID types.NodeID
	Entries []PoDEntry
}

// Config bounds pool membership and batching.
type Config struct {
	MinStake          uint64
	MinUptimeScore    float64
	HeartbeatInterval time.Duration
	UptimeWindow      time.Duration
	PodBatchSize      int
}

var (
	poolSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dchat_relay_pool_active_size",
		Help: "Number of relays currently in the active pool.",
	})
	uptimeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dchat_relay_uptime_score",
		Help: "Per-relay uptime score in [0,1].",
	}, []string{"relay_id"})
)

func init() {
	prometheus.MustRegister(poolSizeGauge, uptimeGauge)
}

// Pool owns the relay table and a round-robin cursor, behind one
// writer lock per §5's one-lock-per-table convention.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	relays map[types.NodeID]*Relay
	rrIdx  int
}

// New constructs an empty relay Pool.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg, relays: make(map[types.NodeID]*Relay)}
}

// Register admits a relay if stake meets the minimum.
func (p *Pool) Register(id types.NodeID, operator types.Address, stake uint64, continent string, asn uint32) error {
	if stake < p.cfg.MinStake {
		return errs.New(errs.Validation, "relay.Register",
			fmt.Sprintf("stake %d below minimum %d", stake, p.cfg.MinStake))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.relays[id] = &Relay{
		ID: id, Operator: operator, Stake: stake, Continent: continent, ASN: asn,
		RegisteredAt: time.Now().UTC(),
	}
	p.refreshPoolSizeLocked()
	return nil
}

// Heartbeat appends an (timestamp, online) entry and re-evaluates
// active-pool membership.
func (p *Pool) Heartbeat(id types.NodeID, online bool, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.relays[id]
	if !ok {
		return errs.New(errs.Validation, "relay.Heartbeat", fmt.Sprintf("unknown relay %s", id))
	}
	r.UptimeHistory = append(r.UptimeHistory, HeartbeatEntry{At: now, Online: online})
	if online {
		r.LastHeartbeat = now
	}
	score := uptimeScore(r.UptimeHistory, now, p.cfg.UptimeWindow)
	uptimeGauge.WithLabelValues(string(id)).Set(score)
	p.refreshPoolSizeLocked()
	return nil
}

// uptimeScore is the sum of online-interval duration within the window
// divided by total window duration, per spec §4.7.
func uptimeScore(history []HeartbeatEntry, now time.Time, window time.Duration) float64 {
	if window <= 0 || len(history) == 0 {
		return 0
	}
	windowStart := now.Add(-window)
	var onlineDur, totalDur time.Duration
	prev := windowStart
	for _, h := range history {
		if h.At.Before(windowStart) {
			prev = h.At
			continue
		}
		segStart := prev
		if segStart.Before(windowStart) {
			segStart = windowStart
		}
		segDur := h.At.Sub(segStart)
		if segDur < 0 {
			segDur = 0
		}
		totalDur += segDur
		if h.Online {
			onlineDur += segDur
		}
		prev = h.At
	}
	if now.After(prev) {
		tailDur := now.Sub(prev)
		totalDur += tailDur
		if len(history) > 0 && history[len(history)-1].Online {
			onlineDur += tailDur
		}
	}
	if totalDur <= 0 {
		return 0
	}
	score := float64(onlineDur) / float64(totalDur)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// isActive reports active-pool membership: stake >= min_stake AND
// uptime_score >= min_score AND heartbeat within 2*heartbeat_interval.
func (p *Pool) isActive(r *Relay, now time.Time) bool {
	if r.Stake < p.cfg.MinStake {
		return false
	}
	if uptimeScore(r.UptimeHistory, now, p.cfg.UptimeWindow) < p.cfg.MinUptimeScore {
		return false
	}
	if r.LastHeartbeat.IsZero() || now.Sub(r.LastHeartbeat) > 2*p.cfg.HeartbeatInterval {
		return false
	}
	return true
}

func (p *Pool) activePoolLocked(now time.Time) []*Relay {
	out := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		if p.isActive(r, now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) refreshPoolSizeLocked() {
	poolSizeGauge.Set(float64(len(p.activePoolLocked(time.Now().UTC()))))
}

// Select picks one relay from the active pool per strategy.
func (p *Pool) Select(strategy Strategy) (types.NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := p.activePoolLocked(time.Now().UTC())
	if len(active) == 0 {
		return "", errs.New(errs.State, "relay.Select", "no relays in active pool")
	}

	switch strategy {
	case WeightedRoundRobin:
		best := active[0]
		bestScore := uptimeScore(best.UptimeHistory, time.Now().UTC(), p.cfg.UptimeWindow)
		for _, r := range active[1:] {
			s := uptimeScore(r.UptimeHistory, time.Now().UTC(), p.cfg.UptimeWindow)
			if s > bestScore {
				best, bestScore = r, s
			}
		}
		return best.ID, nil
	case LeastConnections:
		best := active[0]
		for _, r := range active[1:] {
			if r.ActiveConnections < best.ActiveConnections {
				best = r
			}
		}
		return best.ID, nil
	case Geographic:
		// Round-robin for now; intended for client-location weighting later.
		fallthrough
	case RoundRobin:
		fallthrough
	default:
		p.rrIdx = (p.rrIdx + 1) % len(active)
		return active[p.rrIdx].ID, nil
	}
}

// RecordRelay appends a proof-of-delivery entry to relay id's pending
// queue, draining a ProofBatch once pod_batch_size is reached.
func (p *Pool) RecordRelay(id types.NodeID, messageID string, size uint64) (*ProofBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.relays[id]
	if !ok {
		return nil, errs.New(errs.Validation, "relay.RecordRelay", fmt.Sprintf("unknown relay %s", id))
	}
	r.MessagesRelayed++
	r.BandwidthUsed += size
	r.pendingPoD = append(r.pendingPoD, PoDEntry{MessageID: messageID, Size: size})

	if len(r.pendingPoD) < p.cfg.PodBatchSize {
		return nil, nil
	}
	batch := &ProofBatch{RelayID: id, Entries: r.pendingPoD}
	r.pendingPoD = nil
	logrus.WithFields(logrus.Fields{"relay_id": id, "batch_size": len(batch.Entries)}).Info("relay: proof-of-delivery batch drained")
	return batch, nil
}

// Get returns a copy of relay id's current state.
func (p *Pool) Get(id types.NodeID) (Relay, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.relays[id]
	if !ok {
		return Relay{}, errs.New(errs.Validation, "relay.Get", fmt.Sprintf("unknown relay %s", id))
	}
	cp := *r
	cp.pendingPoD = append([]PoDEntry(nil), r.pendingPoD...)
	return cp, nil
}

// ActivePoolSize returns the current size of the active pool.
func (p *Pool) ActivePoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activePoolLocked(time.Now().UTC()))
}
