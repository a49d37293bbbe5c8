// Package pruning implements node-type-scoped state retention and
// Merkle-backed checkpointing per spec §4.4, generalized from the
// teacher's core/chain_fork_manager.go (reorg/retention bookkeeping) and
// sharing internal/merkle's tree builder with the sharding package.
package pruning

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/merkle"
	"github.com/chikuno/dchat/internal/types"
)

// NodeType controls whether and how a node prunes.
type NodeType int

const (
	Archive NodeType = iota
	Full
	Light
)

// Policy is the active governance pruning policy: retention window plus
// channels that are never pruned regardless of age.
type Policy struct {
	RetentionPeriod time.Duration
	PriorityChannels map[string]struct{}
}

// Candidate is one prunable item: a message id, its channel, and age.
type Candidate struct {
	MessageID string
	ChannelID string
	CreatedAt time.Time
}

// Checkpoint mirrors spec §3: reproducible by hashing the exact id set
// pruned at this pass.
type Checkpoint struct {
	ID           string
	Height       uint64
	MerkleRoot   types.Hash
	MessageCount uint64
	StateSize    uint64
	Timestamp    time.Time
}

// Pruner runs pruning passes for one node, keeping a rolling history of
// checkpoints and an optional bounded retained-id cache.
type Pruner struct {
	nodeType NodeType
	policy   Policy
	retained *lru.Cache[string, time.Time]

	checkpoints []Checkpoint
}

// New constructs a Pruner. retainCacheSize of 0 disables retention.
func New(nodeType NodeType, policy Policy, retainCacheSize int) (*Pruner, error) {
	p := &Pruner{nodeType: nodeType, policy: policy}
	if retainCacheSize > 0 {
		c, err := lru.New[string, time.Time](retainCacheSize)
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, "pruning.New", "construct retained-id cache", err)
		}
		p.retained = c
	}
	return p, nil
}

// Prune runs a single pass over candidates at the given ledger height,
// returning the ids actually pruned. Archive nodes never prune.
// Eligibility: age is at least the retention period and the channel is not
// in the priority allowlist.
func (p *Pruner) Prune(height uint64, stateSize uint64, candidates []Candidate, now time.Time) ([]string, *Checkpoint, error) {
	if p.nodeType == Archive {
		return nil, nil, nil
	}

	var toPrune []string
	for _, c := range candidates {
		if _, priority := p.policy.PriorityChannels[c.ChannelID]; priority {
			continue
		}
		if now.Sub(c.CreatedAt) < p.policy.RetentionPeriod {
			continue
		}
		toPrune = append(toPrune, c.MessageID)
	}
	return p.commit(height, stateSize, toPrune, now)
}

// EmergencyPrune triggers when currentStateSize exceeds maxStateSize,
// selecting candidates oldest-first regardless of retention period
// (priority channels are still protected).
func (p *Pruner) EmergencyPrune(height uint64, currentStateSize, maxStateSize uint64, candidates []Candidate, now time.Time) ([]string, *Checkpoint, error) {
	if p.nodeType == Archive || currentStateSize <= maxStateSize {
		return nil, nil, nil
	}

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, priority := p.policy.PriorityChannels[c.ChannelID]; priority {
			continue
		}
		eligible = append(eligible, c)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })

	overBy := currentStateSize - maxStateSize
	var toPrune []string
	var freed uint64
	for _, c := range eligible {
		if freed >= overBy {
			break
		}
		toPrune = append(toPrune, c.MessageID)
		freed++ // size-per-id is not modeled; each pruned id counts as one unit
	}

	logrus.WithFields(logrus.Fields{
		"height": height, "current_state_size": currentStateSize, "max_state_size": maxStateSize, "pruned": len(toPrune),
	}).Warn("pruning: emergency prune triggered")
	return p.commit(height, currentStateSize, toPrune, now)
}

func (p *Pruner) commit(height uint64, stateSize uint64, ids []string, now time.Time) ([]string, *Checkpoint, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	root := merkle.Build(ids).Root()
	cp := Checkpoint{
		ID:           root.Hex(),
		Height:       height,
		MerkleRoot:   root,
		MessageCount: uint64(len(ids)),
		StateSize:    stateSize,
		Timestamp:    now,
	}
	p.checkpoints = append(p.checkpoints, cp)

	if p.retained != nil {
		for _, id := range ids {
			p.retained.Add(id, now)
		}
	}
	return ids, &cp, nil
}

// Checkpoints returns all checkpoints recorded so far, oldest first.
func (p *Pruner) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, len(p.checkpoints))
	copy(out, p.checkpoints)
	return out
}

// IsRetained reports whether id is still held in the retained-id cache.
func (p *Pruner) IsRetained(id string) bool {
	if p.retained == nil {
		return false
	}
	_, ok := p.retained.Get(id)
	return ok
}
