package dispute

import (
	"testing"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

func TestFullLifecycleResolvedForClaimant(t *testing.T) {
	r := New()
	claimant, accused := types.Address{1}, types.Address{2}

	c, err := r.File(IntegrityViolation, claimant, accused, []byte("evidence"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Challenge(c.ID, accused); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Respond(c.ID, claimant); err != nil {
		t.Fatal(err)
	}
	if _, err := r.StartVote(c.ID); err != nil {
		t.Fatal(err)
	}
	resolved, err := r.Resolve(c.ID, 0.8, 0.67)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != ResolvedForClaimant {
		t.Fatalf("expected ResolvedForClaimant, got %s", resolved.Status)
	}
}

func TestWrongStateTransitionFails(t *testing.T) {
	r := New()
	claimant, accused := types.Address{1}, types.Address{2}
	c, err := r.File(IntegrityViolation, claimant, accused, []byte("evidence"))
	if err != nil {
		t.Fatal(err)
	}
	// Can't Respond before Challenge.
	if _, err := r.Respond(c.ID, claimant); !errs.Is(err, errs.State) {
		t.Fatalf("expected State error for out-of-order transition, got %v", err)
	}
}

func TestChallengeRequiresAccused(t *testing.T) {
	r := New()
	claimant, accused := types.Address{1}, types.Address{2}
	c, err := r.File(IntegrityViolation, claimant, accused, []byte("evidence"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Challenge(c.ID, claimant); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected Validation error when claimant challenges own claim, got %v", err)
	}
}

func TestResolveOutcomesByTally(t *testing.T) {
	r := New()
	claimant, accused := types.Address{1}, types.Address{2}

	mk := func() *Claim {
		c, _ := r.File(ForkDetected, claimant, accused, []byte("evidence"))
		r.Challenge(c.ID, accused)
		r.Respond(c.ID, claimant)
		r.StartVote(c.ID)
		return c
	}

	forAccused, _ := r.Resolve(mk().ID, 0.1, 0.67)
	if forAccused.Status != ResolvedForAccused {
		t.Fatalf("expected ResolvedForAccused, got %s", forAccused.Status)
	}

	dismissed, _ := r.Resolve(mk().ID, 0.5, 0.67)
	if dismissed.Status != Dismissed {
		t.Fatalf("expected Dismissed, got %s", dismissed.Status)
	}
}

func TestValidateForkEvidence(t *testing.T) {
	a := SignedMessage{Sequence: 5, Payload: []byte("a")}
	b := SignedMessage{Sequence: 5, Payload: []byte("b")}
	if !ValidateForkEvidence(ForkEvidence{A: a, B: b}) {
		t.Fatal("expected valid fork evidence for differing payloads at same sequence")
	}
	same := SignedMessage{Sequence: 5, Payload: []byte("a")}
	if ValidateForkEvidence(ForkEvidence{A: a, B: same}) {
		t.Fatal("expected invalid fork evidence when payloads are identical")
	}
}
