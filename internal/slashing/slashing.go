// Package slashing implements evidence-driven stake penalties shared by
// dispute resolution and bridge misbehavior handling (spec §4.13),
// generalized from the teacher's core/stake_penalty.go keyed-stake
// bookkeeping. The insurance fund and claim-approval flow supplement
// the distilled spec from original_source/dchat-chain/insurance_fund.rs,
// which the distillation dropped but the spec's component table still
// implies via "Slashing (S) ... shared by DC and XB".
package slashing

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

// ClaimStatus tracks an InsuranceClaim's approval state.
type ClaimStatus int

const (
	ClaimAutoApproved ClaimStatus = iota
	ClaimPendingGovernanceVote
	ClaimApproved
	ClaimRejected
)

// InsuranceClaim is filed when a slash's deficit exceeds the offender's
// remaining stake.
type InsuranceClaim struct {
	ID       string
	Offender types.Address
	Amount   uint64
	Status   ClaimStatus
	VotesFor int
}

// Config bounds slash percentage and insurance-claim governance gating.
type Config struct {
	SlashPct              float64 // fraction of stake deducted, e.g. 0.1
	AutoApproveThreshold   uint64  // claims at or below this amount auto-approve
	MinVotesForApproval    int
}

// Manager owns stake balances, the insurance fund balance, and pending
// claims, behind one writer lock.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	stakes map[types.Address]uint64

	insuranceFund uint64
	claims        map[string]*InsuranceClaim
	nextClaimID   int
}

// New constructs a Manager with an initial insurance fund balance.
func New(cfg Config, initialFund uint64) *Manager {
	return &Manager{
		cfg: cfg, stakes: make(map[types.Address]uint64), insuranceFund: initialFund,
		claims: make(map[string]*InsuranceClaim),
	}
}

// SetStake seeds or updates offender's tracked stake (called once a
// validator registers or its stake changes elsewhere in the system).
func (m *Manager) SetStake(offender types.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stakes[offender] = amount
}

// Stake returns offender's currently tracked stake.
func (m *Manager) Stake(offender types.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stakes[offender]
}

// Slash deducts cfg.SlashPct of assessedStake — the stake the offender
// held at the time the slashable offense occurred, which may already
// exceed its current (possibly previously-slashed) balance — from the
// offender's currently tracked stake. evidenceID is logged, not
// otherwise interpreted; the evidence validators live in
// internal/dispute. If the deduction exceeds the
// offender's remaining stake, the shortfall is filed as an
// InsuranceClaim against the insurance fund.
func (m *Manager) Slash(offender types.Address, assessedStake uint64, evidenceID string) (deducted uint64, claim *InsuranceClaim, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stake := m.stakes[offender]
	target := uint64(float64(assessedStake) * m.cfg.SlashPct)
	penalty := target
	if penalty > stake {
		penalty = stake
	}
	m.stakes[offender] = stake - penalty

	if target <= penalty {
		logrus.WithFields(logrus.Fields{"offender": offender, "evidence_id": evidenceID, "deducted": penalty}).
			Info("slashing: stake penalty applied")
		return penalty, nil, nil
	}

	shortfall := target - penalty
	c := m.fileClaimLocked(offender, shortfall)
	logrus.WithFields(logrus.Fields{
		"offender": offender, "evidence_id": evidenceID, "deducted": penalty, "claim_id": c.ID, "shortfall": shortfall,
	}).Warn("slashing: stake insufficient, insurance claim filed")
	return penalty, c, nil
}

func (m *Manager) fileClaimLocked(offender types.Address, amount uint64) *InsuranceClaim {
	m.nextClaimID++
	c := &InsuranceClaim{ID: fmt.Sprintf("claim-%d", m.nextClaimID), Offender: offender, Amount: amount}
	if amount <= m.cfg.AutoApproveThreshold {
		c.Status = ClaimAutoApproved
		m.payoutLocked(c)
	} else {
		c.Status = ClaimPendingGovernanceVote
	}
	m.claims[c.ID] = c
	return c
}

func (m *Manager) payoutLocked(c *InsuranceClaim) {
	if m.insuranceFund < c.Amount {
		c.Amount = m.insuranceFund
	}
	m.insuranceFund -= c.Amount
}

// VoteOnClaim registers a governance approval vote for a claim pending
// governance approval, approving it once votes reach min_votes_for_approval.
func (m *Manager) VoteOnClaim(claimID string) (*InsuranceClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[claimID]
	if !ok {
		return nil, errs.New(errs.Validation, "slashing.VoteOnClaim", fmt.Sprintf("unknown claim %s", claimID))
	}
	if c.Status != ClaimPendingGovernanceVote {
		return nil, errs.New(errs.State, "slashing.VoteOnClaim", fmt.Sprintf("claim %s is not pending a vote", claimID))
	}
	c.VotesFor++
	if c.VotesFor >= m.cfg.MinVotesForApproval {
		c.Status = ClaimApproved
		m.payoutLocked(c)
	}
	return c, nil
}

// InsuranceFundBalance returns the fund's current balance.
func (m *Manager) InsuranceFundBalance() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insuranceFund
}

// Claim returns a copy of claim id's current state.
func (m *Manager) Claim(id string) (InsuranceClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return InsuranceClaim{}, errs.New(errs.Validation, "slashing.Claim", fmt.Sprintf("unknown claim %s", id))
	}
	return *c, nil
}
