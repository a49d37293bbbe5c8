// Package multisig implements M-of-N signature collection and quorum
// detection per spec §4.12, generalized from the teacher's
// core/cross_chain_bridge.go escrow/uuid pattern onto a per-tx-id
// collection table with atomic validator-set rotation.
package multisig

import (
	"fmt"
	"sync"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

// ValidatorConfig is the global quorum configuration: threshold plus the
// current validator set.
type ValidatorConfig struct {
	Threshold  int
	Validators map[types.Address]struct{}
}

// Signature is one validator's contribution to a transaction.
type Signature struct {
	ValidatorID types.Address
	Sig         []byte
	Message     []byte
}

// State is the per-tx_id collection state mirroring spec §3's
// MultiSigState entity.
type State struct {
	TxID          string
	Config        ValidatorConfig
	Signatures    map[types.Address]Signature
	QuorumReached bool
}

// Registry owns the config and all in-flight collection states.
type Registry struct {
	mu     sync.Mutex
	cfg    ValidatorConfig
	states map[string]*State
}

// New constructs a Registry with the given initial validator config.
func New(cfg ValidatorConfig) *Registry {
	return &Registry{cfg: cfg, states: make(map[string]*State)}
}

// InitTransaction opens a new collection state bound to the current
// global config; subsequent RotateValidatorSet calls do not affect it.
func (r *Registry) InitTransaction(txID string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[txID]; exists {
		return nil, errs.New(errs.Validation, "multisig.InitTransaction", fmt.Sprintf("transaction %s already initialized", txID))
	}
	s := &State{
		TxID:       txID,
		Config:     copyConfig(r.cfg),
		Signatures: make(map[types.Address]Signature),
	}
	r.states[txID] = s
	return s, nil
}

func copyConfig(cfg ValidatorConfig) ValidatorConfig {
	validators := make(map[types.Address]struct{}, len(cfg.Validators))
	for v := range cfg.Validators {
		validators[v] = struct{}{}
	}
	return ValidatorConfig{Threshold: cfg.Threshold, Validators: validators}
}

// verifySignature is a length-checked stand-in for real cryptographic
// verification, abstracted per spec §4.12.
func verifySignature(sig []byte) bool {
	return len(sig) >= 8
}

// SubmitSignature verifies the validator is in the tx's validator set,
// that it has not already signed, and that the signature passes the
// (length-checked) verification, then returns whether this call crossed
// the quorum threshold.
func (r *Registry) SubmitSignature(txID string, sig Signature) (crossedQuorum bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[txID]
	if !ok {
		return false, errs.New(errs.Validation, "multisig.SubmitSignature", fmt.Sprintf("unknown transaction %s", txID))
	}
	if _, member := s.Config.Validators[sig.ValidatorID]; !member {
		return false, errs.New(errs.Validation, "multisig.SubmitSignature", "validator is not in this transaction's validator set")
	}
	if _, already := s.Signatures[sig.ValidatorID]; already {
		return false, errs.New(errs.State, "multisig.SubmitSignature", "validator has already signed this transaction")
	}
	if !verifySignature(sig.Sig) {
		return false, errs.New(errs.Validation, "multisig.SubmitSignature", "signature failed verification")
	}

	wasReached := s.QuorumReached
	s.Signatures[sig.ValidatorID] = sig
	s.QuorumReached = len(s.Signatures) >= s.Config.Threshold
	return s.QuorumReached && !wasReached, nil
}

// RotateValidatorSet atomically replaces the global config; states
// already InitTransaction'd retain the config they began with.
func (r *Registry) RotateValidatorSet(cfg ValidatorConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = copyConfig(cfg)
}

// Get returns a copy of tx_id's current collection state.
func (r *Registry) Get(txID string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[txID]
	if !ok {
		return State{}, errs.New(errs.Validation, "multisig.Get", fmt.Sprintf("unknown transaction %s", txID))
	}
	sigs := make(map[types.Address]Signature, len(s.Signatures))
	for k, v := range s.Signatures {
		sigs[k] = v
	}
	return State{TxID: s.TxID, Config: copyConfig(s.Config), Signatures: sigs, QuorumReached: s.QuorumReached}, nil
}
