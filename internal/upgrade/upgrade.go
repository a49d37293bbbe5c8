// Package upgrade implements protocol version voting, hard-fork
// validator thresholds, and activation scheduling per spec §4.6,
// grounded on the teacher's core/governance.go (GovProposal voting,
// quorumReached, zap.L().Sugar() logging convention).
package upgrade

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

// Kind is the proposal category; HardFork carries extra requirements.
type Kind int

const (
	SoftFork Kind = iota
	HardFork
	SecurityPatch
	FeatureToggle
)

// Status is a proposal's lifecycle position.
type Status int

const (
	Voting Status = iota
	Passed
	Rejected
	Scheduled
	Activated
)

// ValidatorSignature records one validator's weight backing a HardFork.
type ValidatorSignature struct {
	Validator types.Address
	Stake     uint64
}

// Proposal mirrors spec §3's UpgradeProposal entity.
type Proposal struct {
	ID                  string
	Kind                Kind
	CurrentVersion      types.Version
	TargetVersion       types.Version
	Deadline            time.Time
	ActivationHeight    uint64
	ActivationTime      time.Time
	VotesFor            uint64
	VotesAgainst        uint64
	ValidatorSignatures []ValidatorSignature
	Status              Status
}

// Config bounds quorum and hard-fork acceptance.
type Config struct {
	QuorumPct         float64 // fraction of total_stake, e.g. 0.5
	HardForkThreshold float64 // fraction of total_stake required in validator signatures
}

// Registry owns proposals and the activated protocol version, behind
// one writer lock.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	proposals map[string]*Proposal
	current   types.Version
}

// New constructs a Registry starting at currentVersion.
func New(cfg Config, currentVersion types.Version) *Registry {
	return &Registry{cfg: cfg, proposals: make(map[string]*Proposal), current: currentVersion}
}

// Propose opens a new proposal. HardFork proposals must target a higher
// major version than current.
func (r *Registry) Propose(kind Kind, target types.Version, deadline time.Time) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == HardFork && target.Major <= r.current.Major {
		return nil, errs.New(errs.Validation, "upgrade.Propose",
			fmt.Sprintf("hard fork target major %d must exceed current major %d", target.Major, r.current.Major))
	}
	p := &Proposal{
		ID: uuid.New().String(), Kind: kind, CurrentVersion: r.current, TargetVersion: target,
		Deadline: deadline, Status: Voting,
	}
	r.proposals[p.ID] = p
	zap.L().Sugar().Infow("upgrade: proposal opened", "id", p.ID, "kind", kind, "target", target.String())
	return p, nil
}

func (r *Registry) get(id string) (*Proposal, error) {
	p, ok := r.proposals[id]
	if !ok {
		return nil, errs.New(errs.Validation, "upgrade", fmt.Sprintf("unknown proposal %s", id))
	}
	return p, nil
}

// Vote registers a For/Against vote weighted by stake.
func (r *Registry) Vote(id string, stake uint64, approve bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	if p.Status != Voting {
		return errs.New(errs.State, "upgrade.Vote", fmt.Sprintf("proposal %s is not in Voting", id))
	}
	if approve {
		p.VotesFor += stake
	} else {
		p.VotesAgainst += stake
	}
	return nil
}

// SignHardFork records a validator's signature backing a HardFork
// proposal.
func (r *Registry) SignHardFork(id string, validator types.Address, stake uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	if p.Kind != HardFork {
		return errs.New(errs.Validation, "upgrade.SignHardFork", fmt.Sprintf("proposal %s is not a HardFork", id))
	}
	p.ValidatorSignatures = append(p.ValidatorSignatures, ValidatorSignature{Validator: validator, Stake: stake})
	return nil
}

// Tally evaluates the proposal against totalStake per spec §4.6: passes
// iff votes_for+votes_against >= quorum*total_stake AND votes_for >
// votes_against, and (for HardFork) validator signatures sum to at
// least hard_fork_threshold*total_stake.
func (r *Registry) Tally(id string, totalStake uint64) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != Voting {
		return nil, errs.New(errs.State, "upgrade.Tally", fmt.Sprintf("proposal %s is not in Voting", id))
	}

	participated := p.VotesFor + p.VotesAgainst
	quorumMet := float64(participated) >= r.cfg.QuorumPct*float64(totalStake)
	majority := p.VotesFor > p.VotesAgainst

	passed := quorumMet && majority
	if passed && p.Kind == HardFork {
		var sigStake uint64
		for _, s := range p.ValidatorSignatures {
			sigStake += s.Stake
		}
		passed = float64(sigStake) >= r.cfg.HardForkThreshold*float64(totalStake)
	}

	if passed {
		p.Status = Passed
	} else {
		p.Status = Rejected
	}
	zap.L().Sugar().Infow("upgrade: tally complete", "id", id, "status", p.Status)
	return p, nil
}

// Schedule moves a Passed proposal to Scheduled at the given activation
// height/time.
func (r *Registry) Schedule(id string, activationHeight uint64, activationTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	if p.Status != Passed {
		return errs.New(errs.State, "upgrade.Schedule", fmt.Sprintf("proposal %s is not Passed", id))
	}
	p.ActivationHeight = activationHeight
	p.ActivationTime = activationTime
	p.Status = Scheduled
	return nil
}

// Activate advances the current protocol version once height reaches a
// Scheduled proposal's activation height.
func (r *Registry) Activate(id string, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	if p.Status != Scheduled {
		return errs.New(errs.State, "upgrade.Activate", fmt.Sprintf("proposal %s is not Scheduled", id))
	}
	if height < p.ActivationHeight {
		return errs.New(errs.Validation, "upgrade.Activate",
			fmt.Sprintf("height %d has not reached activation height %d", height, p.ActivationHeight))
	}
	p.Status = Activated
	r.current = p.TargetVersion
	zap.L().Sugar().Infow("upgrade: activated", "id", id, "version", r.current.String())
	return nil
}

// CurrentVersion returns the registry's current protocol version.
func (r *Registry) CurrentVersion() types.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Compatible reports whether peerVersion is compatible with the current
// version: same major version only.
func (r *Registry) Compatible(peerVersion types.Version) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.CompatibleWith(peerVersion)
}
