package multisig

import (
	"testing"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

func validators(addrs ...types.Address) map[types.Address]struct{} {
	m := make(map[types.Address]struct{}, len(addrs))
	for _, a := range addrs {
		m[a] = struct{}{}
	}
	return m
}

func TestQuorumDetectionCrossesOnceAtThreshold(t *testing.T) {
	v1, v2, v3 := types.Address{1}, types.Address{2}, types.Address{3}
	r := New(ValidatorConfig{Threshold: 2, Validators: validators(v1, v2, v3)})
	if _, err := r.InitTransaction("tx1"); err != nil {
		t.Fatal(err)
	}

	crossed, err := r.SubmitSignature("tx1", Signature{ValidatorID: v1, Sig: []byte("12345678")})
	if err != nil || crossed {
		t.Fatalf("first signature should not cross quorum: crossed=%v err=%v", crossed, err)
	}
	crossed, err = r.SubmitSignature("tx1", Signature{ValidatorID: v2, Sig: []byte("12345678")})
	if err != nil || !crossed {
		t.Fatalf("second signature should cross quorum: crossed=%v err=%v", crossed, err)
	}
	crossed, err = r.SubmitSignature("tx1", Signature{ValidatorID: v3, Sig: []byte("12345678")})
	if err != nil || crossed {
		t.Fatalf("third signature should not re-cross quorum: crossed=%v err=%v", crossed, err)
	}
}

func TestSubmitSignatureRejectsDuplicateValidator(t *testing.T) {
	v1 := types.Address{1}
	r := New(ValidatorConfig{Threshold: 2, Validators: validators(v1)})
	r.InitTransaction("tx1")
	r.SubmitSignature("tx1", Signature{ValidatorID: v1, Sig: []byte("12345678")})
	if _, err := r.SubmitSignature("tx1", Signature{ValidatorID: v1, Sig: []byte("12345678")}); !errs.Is(err, errs.State) {
		t.Fatalf("expected State error for duplicate validator signature, got %v", err)
	}
}

func TestSubmitSignatureRejectsNonMember(t *testing.T) {
	v1, stranger := types.Address{1}, types.Address{9}
	r := New(ValidatorConfig{Threshold: 1, Validators: validators(v1)})
	r.InitTransaction("tx1")
	if _, err := r.SubmitSignature("tx1", Signature{ValidatorID: stranger, Sig: []byte("12345678")}); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected Validation error for non-member validator, got %v", err)
	}
}

func TestRotateValidatorSetPreservesInFlightConfig(t *testing.T) {
	v1, v2 := types.Address{1}, types.Address{2}
	r := New(ValidatorConfig{Threshold: 1, Validators: validators(v1)})
	r.InitTransaction("tx1")

	r.RotateValidatorSet(ValidatorConfig{Threshold: 1, Validators: validators(v2)})

	// tx1 started under the old config and should still accept v1.
	if _, err := r.SubmitSignature("tx1", Signature{ValidatorID: v1, Sig: []byte("12345678")}); err != nil {
		t.Fatalf("expected in-flight tx to retain its original config: %v", err)
	}

	// A fresh transaction uses the new config and rejects v1.
	r.InitTransaction("tx2")
	if _, err := r.SubmitSignature("tx2", Signature{ValidatorID: v1, Sig: []byte("12345678")}); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected new tx to use rotated validator set, got %v", err)
	}
}
