// Package tokenomics implements supply accounting, minting/burning,
// liquidity pools, and distribution schedules per spec §4.2. It is the
// "owner object with a single writer lock" Design Note calls for: one
// SupplyManager holds every mutable counter and exposes read-only
// snapshots for statistics, grounded on the teacher's StakePenaltyManager
// (core/stake_penalty.go) and liquidity-pool fields on core.Ledger.
package tokenomics

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/ledger"
	"github.com/chikuno/dchat/internal/types"
)

// MintReason tags why tokens were minted, mirroring spec's MintEvent payload.
type MintReason string

const (
	ReasonInflation           MintReason = "inflation"
	ReasonDistribution        MintReason = "distribution"
	ReasonLiquidityInjection  MintReason = "liquidity_injection"
	ReasonGovernanceDirective MintReason = "governance_directive"
)

// DistributionSchedule fires a recurring mint every interval_blocks blocks.
type DistributionSchedule struct {
	Name           string
	StartBlock     uint64
	IntervalBlocks uint64
	Amount         uint64
	Recipient      types.Address
}

// Pool is a liquidity pool per spec §3: total == available + reserved, and
// pending_allocations <= reserved.
type Pool struct {
	ID                 string
	Name               string
	Total              uint64
	Available          uint64
	Reserved           uint64
	PendingAllocations uint64
	CreatedAt          time.Time
	LastReplenish       time.Time
}

// Config bounds the manager's behavior.
type Config struct {
	MaxSupply     uint64
	InflationBps  uint64 // annual basis points of current supply, minted in BlocksPerYear per-block slices
	BlocksPerYear uint64
	SystemSender  types.Address // sender recorded on Mint/Burn ledger events
}

// SupplyManager owns supply, total burned, and the pool table behind one
// writer lock, per the Design Note on global mutable supply state.
type SupplyManager struct {
	mu sync.Mutex

	cfg    Config
	ledger *ledger.Ledger
	nonce  uint64

	supply      uint64
	totalBurned uint64
	pools       map[string]*Pool
	schedules   []DistributionSchedule
}

// New constructs a manager seeded with initialSupply, backed by led for
// event emission on the Currency chain.
func New(cfg Config, initialSupply uint64, led *ledger.Ledger) *SupplyManager {
	return &SupplyManager{
		cfg:    cfg,
		ledger: led,
		supply: initialSupply,
		pools:  make(map[string]*Pool),
	}
}

// Snapshot is a read-only view of the manager's state for statistics.
type Snapshot struct {
	Supply      uint64
	TotalBurned uint64
	MaxSupply   uint64
}

func (sm *SupplyManager) Snapshot() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return Snapshot{Supply: sm.supply, TotalBurned: sm.totalBurned, MaxSupply: sm.cfg.MaxSupply}
}

// emit appends a single-transaction block recording kind on the Currency
// chain, for callers that keep a ledger wired in. The block links to the
// current tip; on an empty chain it becomes the genesis block at height 0.
// Standalone SupplyManager use (no ledger) is also supported and simply
// skips event emission.
func (sm *SupplyManager) emit(kind types.TxKind, payload []byte) error {
	if sm.ledger == nil {
		return nil
	}
	sm.nonce++
	height, tipHash, err := sm.ledger.Tip(types.CurrencyChain)
	if err != nil {
		return err
	}
	next := height + 1
	if tipHash.IsZero() {
		next = 0
	}
	tx := &ledger.Transaction{Kind: kind, Sender: sm.cfg.SystemSender, Nonce: sm.nonce, Payload: payload}
	blk := &ledger.Block{
		Header: ledger.BlockHeader{
			Height:    next,
			PrevHash:  tipHash,
			Timestamp: time.Now().UTC(),
		},
		Transactions: []*ledger.Transaction{tx},
	}
	_, err = sm.ledger.AppendBlock(types.CurrencyChain, blk)
	return err
}

// Mint increases supply by amount, rejecting if it would exceed max_supply.
func (sm *SupplyManager) Mint(amount uint64, reason MintReason, recipient types.Address) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.supply+amount > sm.cfg.MaxSupply {
		return "", errs.New(errs.Capacity, "tokenomics.Mint",
			fmt.Sprintf("mint %d would exceed max supply %d (current %d)", amount, sm.cfg.MaxSupply, sm.supply))
	}
	sm.supply += amount
	id := uuid.New().String()
	if err := sm.emit(types.TxMint, []byte(id)); err != nil {
		logrus.WithError(err).Warn("tokenomics: mint event not recorded on ledger")
	}
	logrus.WithFields(logrus.Fields{
		"mint_id": id, "amount": amount, "reason": reason, "recipient": recipient, "supply": sm.supply,
	}).Info("tokenomics: mint")
	return id, nil
}

// Burn decreases supply by amount, rejecting if supply is insufficient.
func (sm *SupplyManager) Burn(amount uint64, reason string, burner types.Address) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.supply < amount {
		return "", errs.New(errs.Validation, "tokenomics.Burn",
			fmt.Sprintf("burn %d exceeds supply %d", amount, sm.supply))
	}
	sm.supply -= amount
	sm.totalBurned += amount
	id := uuid.New().String()
	if err := sm.emit(types.TxBurn, []byte(id)); err != nil {
		logrus.WithError(err).Warn("tokenomics: burn event not recorded on ledger")
	}
	logrus.WithFields(logrus.Fields{
		"burn_id": id, "amount": amount, "reason": reason, "burner": burner, "supply": sm.supply,
	}).Info("tokenomics: burn")
	return id, nil
}

// CreatePool mints `initial` tokens with ReasonLiquidityInjection and
// records the new pool.
func (sm *SupplyManager) CreatePool(name string, initial uint64) (string, error) {
	sm.mu.Lock()
	if sm.supply+initial > sm.cfg.MaxSupply {
		sm.mu.Unlock()
		return "", errs.New(errs.Capacity, "tokenomics.CreatePool",
			fmt.Sprintf("pool seed %d would exceed max supply %d", initial, sm.cfg.MaxSupply))
	}
	sm.supply += initial
	id := uuid.New().String()
	sm.pools[id] = &Pool{
		ID: id, Name: name, Total: initial, Available: initial, CreatedAt: time.Now().UTC(),
	}
	if err := sm.emit(types.TxMint, []byte(id)); err != nil {
		logrus.WithError(err).Warn("tokenomics: pool seed mint event not recorded on ledger")
	}
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{"pool_id": id, "name": name, "initial": initial, "reason": ReasonLiquidityInjection}).Info("tokenomics: pool created")
	return id, nil
}

func (sm *SupplyManager) pool(id string, op string) (*Pool, error) {
	p, ok := sm.pools[id]
	if !ok {
		return nil, errs.New(errs.Validation, op, fmt.Sprintf("unknown pool %s", id))
	}
	return p, nil
}

// AllocateFromPool moves tokens available -> reserved.
func (sm *SupplyManager) AllocateFromPool(poolID string, amount uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	p, err := sm.pool(poolID, "tokenomics.AllocateFromPool")
	if err != nil {
		return err
	}
	if p.Available < amount {
		return errs.New(errs.Capacity, "tokenomics.AllocateFromPool",
			fmt.Sprintf("pool %s: available %d < requested %d", poolID, p.Available, amount))
	}
	p.Available -= amount
	p.Reserved += amount
	p.PendingAllocations += amount
	return nil
}

// ReleaseAllocation ends a sale: reserved -= amount, pending_allocations -= amount.
func (sm *SupplyManager) ReleaseAllocation(poolID string, amount uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	p, err := sm.pool(poolID, "tokenomics.ReleaseAllocation")
	if err != nil {
		return err
	}
	if p.Reserved < amount || p.PendingAllocations < amount {
		return errs.New(errs.Validation, "tokenomics.ReleaseAllocation",
			fmt.Sprintf("pool %s: cannot release %d (reserved=%d pending=%d)", poolID, amount, p.Reserved, p.PendingAllocations))
	}
	p.Reserved -= amount
	p.PendingAllocations -= amount
	return nil
}

// Pool returns a copy of the pool's current state.
func (sm *SupplyManager) Pool(poolID string) (Pool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	p, err := sm.pool(poolID, "tokenomics.Pool")
	if err != nil {
		return Pool{}, err
	}
	return *p, nil
}

// AddDistributionSchedule registers a recurring mint schedule, consulted by
// ProcessBlockInflation.
func (sm *SupplyManager) AddDistributionSchedule(s DistributionSchedule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.schedules = append(sm.schedules, s)
}

// ProcessBlockInflation mints the per-block inflation amount and fires any
// distribution schedules due at currentBlock, returning the mint ids.
func (sm *SupplyManager) ProcessBlockInflation(currentBlock uint64) ([]string, error) {
	var ids []string

	inflationAmt := sm.inflationAmountAt(currentBlock)
	if inflationAmt > 0 {
		id, err := sm.Mint(inflationAmt, ReasonInflation, sm.cfg.SystemSender)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	sm.mu.Lock()
	due := make([]DistributionSchedule, 0)
	for _, s := range sm.schedules {
		if s.IntervalBlocks == 0 || currentBlock < s.StartBlock {
			continue
		}
		if (currentBlock-s.StartBlock)%s.IntervalBlocks == 0 {
			due = append(due, s)
		}
	}
	sm.mu.Unlock()

	for _, s := range due {
		id, err := sm.Mint(s.Amount, ReasonDistribution, s.Recipient)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (sm *SupplyManager) inflationAmountAt(currentBlock uint64) uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cfg.BlocksPerYear == 0 {
		return 0
	}
	return sm.supply * sm.cfg.InflationBps / 10_000 / sm.cfg.BlocksPerYear
}
