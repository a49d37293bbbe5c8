// Package dispute implements the claim/challenge/response/vote state
// machine of spec §4.5, generalized from the teacher's
// core/chain_fork_manager.go (fork evidence bookkeeping) with an
// explicit status enum instead of free-form strings. Governance-adjacent
// subsystems (upgrade, dispute) log via zap.L().Sugar(), matching
// internal/upgrade's convention.
package dispute

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

// Status is a DisputeClaim's position in the state machine.
type Status int

const (
	Pending Status = iota
	Challenged
	Responded
	UnderVote
	ResolvedForClaimant
	ResolvedForAccused
	Dismissed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Challenged:
		return "Challenged"
	case Responded:
		return "Responded"
	case UnderVote:
		return "UnderVote"
	case ResolvedForClaimant:
		return "ResolvedForClaimant"
	case ResolvedForAccused:
		return "ResolvedForAccused"
	case Dismissed:
		return "Dismissed"
	default:
		return "Unknown"
	}
}

// EvidenceKind tags the shape of evidence attached to a claim.
type EvidenceKind int

const (
	ForkDetected EvidenceKind = iota
	IntegrityViolation
	OtherEvidence
)

// SignedMessage is the minimal shape ForkDetected evidence validates.
type SignedMessage struct {
	Sequence uint64
	Payload  []byte
	Signer   types.Address
}

// ForkEvidence is the payload for a ForkDetected claim: two signed
// messages at the same sequence number that differ.
type ForkEvidence struct {
	A, B SignedMessage
}

// IntegrityEvidence is the payload for an IntegrityViolation claim.
type IntegrityEvidence struct {
	ClaimedHash types.Hash
	Payload     []byte
}

// Claim mirrors spec §3's DisputeClaim entity.
type Claim struct {
	ID            string
	Kind          EvidenceKind
	Claimant      types.Address
	Accused       types.Address
	Evidence      []byte
	EvidenceHash  types.Hash
	Status        Status
	CreatedAt     time.Time
	ResolvedAt    time.Time
}

// Registry owns all claims behind one writer lock, per §5's
// single-writer-lock convention.
type Registry struct {
	mu     sync.Mutex
	claims map[string]*Claim
}

// New constructs an empty dispute Registry.
func New() *Registry {
	return &Registry{claims: make(map[string]*Claim)}
}

// File opens a new claim in Pending, validating the evidence kind.
func (r *Registry) File(kind EvidenceKind, claimant, accused types.Address, evidence []byte) (*Claim, error) {
	if err := validateEvidence(kind, evidence); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Claim{
		ID: uuid.New().String(), Kind: kind, Claimant: claimant, Accused: accused,
		Evidence: evidence, EvidenceHash: hashEvidence(evidence), Status: Pending, CreatedAt: time.Now().UTC(),
	}
	r.claims[c.ID] = c
	return c, nil
}

func validateEvidence(kind EvidenceKind, evidence []byte) error {
	if len(evidence) == 0 {
		return errs.New(errs.Validation, "dispute.File", "evidence must not be empty")
	}
	switch kind {
	case ForkDetected, IntegrityViolation:
		// File checks only that the evidence is non-empty; the exported
		// ValidateForkEvidence / ValidateIntegrityEvidence helpers validate
		// the decoded structs, and Resolve does not call them.
		return nil
	default:
		// Other evidence kinds get only the non-emptiness check above; the
		// spec leaves their validators unspecified (Open Question, carried
		// forward unresolved rather than guessed at).
		return nil
	}
}

func hashEvidence(evidence []byte) types.Hash {
	return types.Hash(blake3.Sum256(evidence))
}

// ValidateForkEvidence reports whether two signed messages at the same
// sequence number actually differ — a valid ForkDetected proof.
func ValidateForkEvidence(ev ForkEvidence) bool {
	if ev.A.Sequence != ev.B.Sequence {
		return false
	}
	return !bytes.Equal(ev.A.Payload, ev.B.Payload)
}

// ValidateIntegrityEvidence reports whether the recomputed hash of the
// payload differs from the accused's claimed hash.
func ValidateIntegrityEvidence(ev IntegrityEvidence, recompute func([]byte) types.Hash) bool {
	return recompute(ev.Payload) != ev.ClaimedHash
}

func (r *Registry) get(id string) (*Claim, error) {
	c, ok := r.claims[id]
	if !ok {
		return nil, errs.New(errs.Validation, "dispute", fmt.Sprintf("unknown claim %s", id))
	}
	return c, nil
}

func (r *Registry) transition(id string, from, to Status, actor types.Address, requireActor types.Address, op string) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if c.Status != from {
		return nil, errs.New(errs.State, op,
			fmt.Sprintf("claim %s: invalid transition %s -> %s (currently %s)", id, from, to, c.Status))
	}
	if requireActor != (types.Address{}) && actor != requireActor {
		return nil, errs.New(errs.Validation, op, fmt.Sprintf("claim %s: actor not authorized for this transition", id))
	}
	c.Status = to
	zap.L().Sugar().Infow("dispute: state transition", "claim_id", id, "from", from, "to", to)
	return c, nil
}

// Challenge moves Pending -> Challenged; only the accused may do this.
func (r *Registry) Challenge(id string, by types.Address) (*Claim, error) {
	r.mu.Lock()
	c, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	accused := c.Accused
	r.mu.Unlock()
	return r.transition(id, Pending, Challenged, by, accused, "dispute.Challenge")
}

// Respond moves Challenged -> Responded; only the claimant may do this.
func (r *Registry) Respond(id string, by types.Address) (*Claim, error) {
	r.mu.Lock()
	c, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	claimant := c.Claimant
	r.mu.Unlock()
	return r.transition(id, Challenged, Responded, by, claimant, "dispute.Respond")
}

// StartVote moves Responded -> UnderVote; triggered by governance.
func (r *Registry) StartVote(id string) (*Claim, error) {
	return r.transition(id, Responded, UnderVote, types.Address{}, types.Address{}, "dispute.StartVote")
}

// Resolve tallies an UnderVote claim against slashThreshold (0..1) and
// moves it to ResolvedForClaimant, ResolvedForAccused, or Dismissed.
func (r *Registry) Resolve(id string, tally float64, slashThreshold float64) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if c.Status != UnderVote {
		return nil, errs.New(errs.State, "dispute.Resolve",
			fmt.Sprintf("claim %s: cannot resolve from status %s", id, c.Status))
	}
	switch {
	case tally >= slashThreshold:
		c.Status = ResolvedForClaimant
	case tally <= 1-slashThreshold:
		c.Status = ResolvedForAccused
	default:
		c.Status = Dismissed
	}
	c.ResolvedAt = time.Now().UTC()
	zap.L().Sugar().Infow("dispute: resolved", "claim_id", id, "tally", tally, "result", c.Status.String())
	return c, nil
}

// Get returns a copy of claim id's current state.
func (r *Registry) Get(id string) (Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.get(id)
	if err != nil {
		return Claim{}, err
	}
	return *c, nil
}
