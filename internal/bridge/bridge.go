// Package bridge implements the cross-chain transaction state machine
// of spec §4.11, generalized from the teacher's
// core/cross_chain_bridge.go (StartBridgeTransfer/CompleteBridgeTransfer
// lifecycle, uuid ids, Broadcast-on-transition pattern) onto an explicit
// status enum and finality-proof gate.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

// Status is a BridgeTransaction's position in the state machine.
type Status int

const (
	Initiated Status = iota
	PendingFinality
	ReadyToExecute
	Executed
	RolledBack
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Initiated:
		return "Initiated"
	case PendingFinality:
		return "PendingFinality"
	case ReadyToExecute:
		return "ReadyToExecute"
	case Executed:
		return "Executed"
	case RolledBack:
		return "RolledBack"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// FinalityProof attests to a number of confirmations behind src_tx_hash.
type FinalityProof struct {
	TxHash        types.Hash
	Confirmations uint64
}

// Transaction mirrors spec §3's BridgeTransaction entity.
type Transaction struct {
	ID          string
	SrcChain    types.ChainKind
	DstChain    types.ChainKind
	Initiator   types.Address
	SrcTxHash   types.Hash
	DstTxHash   types.Hash
	Amount      uint64
	Status      Status
	InitiatedAt time.Time
	FinalizedAt time.Time
	TimeoutAt   time.Time
}

// Config supplies the required-confirmations function per source chain.
type Config struct {
	RequiredConfirmations func(src types.ChainKind) uint64
}

var (
	executedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dchat_bridge_transactions_executed_total",
		Help: "Total bridge transactions successfully executed.",
	})
	timedOutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dchat_bridge_transactions_timed_out_total",
		Help: "Total bridge transactions that timed out.",
	})
	rolledBackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dchat_bridge_transactions_rolled_back_total",
		Help: "Total bridge transactions rolled back.",
	})
)

func init() {
	prometheus.MustRegister(executedCounter, timedOutCounter, rolledBackCounter)
}

// Registry owns all bridge transactions behind one writer lock.
type Registry struct {
	mu   sync.Mutex
	cfg  Config
	txs  map[string]*Transaction
}

// New constructs an empty bridge Registry.
func New(cfg Config) *Registry {
	return &Registry{cfg: cfg, txs: make(map[string]*Transaction)}
}

// Initiate opens a new bridge transaction in Initiated. src_chain must
// differ from dst_chain.
func (r *Registry) Initiate(src, dst types.ChainKind, initiator types.Address, amount uint64, timeout time.Time) (*Transaction, error) {
	if src == dst {
		return nil, errs.New(errs.Validation, "bridge.Initiate", "src_chain and dst_chain must differ")
	}
	if amount == 0 {
		return nil, errs.New(errs.Validation, "bridge.Initiate", "amount must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &Transaction{
		ID: uuid.New().String(), SrcChain: src, DstChain: dst, Initiator: initiator,
		Amount: amount, Status: Initiated, InitiatedAt: time.Now().UTC(), TimeoutAt: timeout,
	}
	r.txs[tx.ID] = tx
	logrus.WithFields(logrus.Fields{"tx_id": tx.ID, "src": src, "dst": dst, "amount": amount}).Info("bridge: transaction initiated")
	return tx, nil
}

func (r *Registry) get(id string) (*Transaction, error) {
	tx, ok := r.txs[id]
	if !ok {
		return nil, errs.New(errs.Validation, "bridge", fmt.Sprintf("unknown transaction %s", id))
	}
	return tx, nil
}

// ObserveSourceFinality records src_tx_hash and moves Initiated ->
// PendingFinality once seen on the source chain.
func (r *Registry) ObserveSourceFinality(id string, srcTxHash types.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.get(id)
	if err != nil {
		return err
	}
	if tx.Status != Initiated {
		return errs.New(errs.State, "bridge.ObserveSourceFinality", fmt.Sprintf("transaction %s is not Initiated", id))
	}
	tx.SrcTxHash = srcTxHash
	tx.Status = PendingFinality
	return nil
}

// MarkReadyToExecute moves PendingFinality -> ReadyToExecute if proof
// has confirmations >= required_confirmations_for(src_chain) and the
// proof's hash matches the transaction's recorded src_tx_hash.
func (r *Registry) MarkReadyToExecute(id string, proof FinalityProof) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.get(id)
	if err != nil {
		return err
	}
	if tx.Status != PendingFinality {
		return errs.New(errs.State, "bridge.MarkReadyToExecute", fmt.Sprintf("transaction %s is not PendingFinality", id))
	}
	if proof.TxHash != tx.SrcTxHash {
		return errs.New(errs.Validation, "bridge.MarkReadyToExecute", "finality proof tx_hash does not match transaction")
	}
	required := r.cfg.RequiredConfirmations(tx.SrcChain)
	if proof.Confirmations < required {
		return errs.New(errs.Validation, "bridge.MarkReadyToExecute",
			fmt.Sprintf("transaction %s: %d confirmations below required %d", id, proof.Confirmations, required))
	}
	tx.Status = ReadyToExecute
	return nil
}

// ExecuteTransaction requires ReadyToExecute, attaches dst_tx_hash, and
// sets Executed with finalized_at=now.
func (r *Registry) ExecuteTransaction(id string, dstTxHash types.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.get(id)
	if err != nil {
		return err
	}
	if tx.Status != ReadyToExecute {
		return errs.New(errs.State, "bridge.ExecuteTransaction", fmt.Sprintf("transaction %s is not ReadyToExecute", id))
	}
	tx.DstTxHash = dstTxHash
	tx.Status = Executed
	tx.FinalizedAt = time.Now().UTC()
	executedCounter.Inc()
	logrus.WithFields(logrus.Fields{"tx_id": id}).Info("bridge: transaction executed")
	return nil
}

// Rollback aborts a transaction that has not yet executed: no
// cross-chain credit is issued.
func (r *Registry) Rollback(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.get(id)
	if err != nil {
		return err
	}
	if tx.Status == Executed || tx.Status == RolledBack || tx.Status == TimedOut {
		return errs.New(errs.State, "bridge.Rollback", fmt.Sprintf("transaction %s cannot be rolled back from %s", id, tx.Status))
	}
	tx.Status = RolledBack
	rolledBackCounter.Inc()
	logrus.WithFields(logrus.Fields{"tx_id": id}).Warn("bridge: transaction rolled back")
	return nil
}

// CheckTimeout moves a non-terminal transaction to TimedOut if now has
// reached or passed timeout_at; funds are refunded to the initiator by the caller
// (bridge only records the state transition).
func (r *Registry) CheckTimeout(id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.get(id)
	if err != nil {
		return false, err
	}
	if tx.Status == Executed || tx.Status == RolledBack || tx.Status == TimedOut {
		return false, nil
	}
	if now.Before(tx.TimeoutAt) {
		return false, nil
	}
	tx.Status = TimedOut
	timedOutCounter.Inc()
	logrus.WithFields(logrus.Fields{"tx_id": id}).Warn("bridge: transaction timed out, refund owed to initiator")
	return true, nil
}

// Get returns a copy of transaction id's current state.
func (r *Registry) Get(id string) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.get(id)
	if err != nil {
		return Transaction{}, err
	}
	return *tx, nil
}
