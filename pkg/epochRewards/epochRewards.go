package epochRewards

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/base"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/operatorRegistry"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"github.com/yieldledger/yieldledger/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
)

var (
	ErrZeroAddress           = errors.New("zero address")
	ErrUnknownOperator       = errors.New("unknown operator")
	ErrInvalidEpochRange     = errors.New("invalid epoch range")
	ErrEpochNotFinalized     = errors.New("epoch is not finalized")
	ErrNotEligibleSinceStart = errors.New("operator was not eligible at the start epoch")
	ErrNotEligible           = errors.New("operator is not eligible for any epoch in range")
	ErrInvalidAmount         = errors.New("amount must not be negative")
	ErrEpochNotFound         = errors.New("epoch not found")
)

const (
	Event_EpochCreated     = "EpochCreated"
	Event_EpochFinalized   = "EpochFinalized"
	Event_EpochDustSwept   = "EpochDustSwept"
	Event_RewardsReceived  = "RewardsReceived"
	Event_AlreadyClaimed   = "AlreadyClaimed"
	Event_RewardsHarvested = "RewardsHarvested"
)

// The pool is funded in the base asset only.
const Asset = balances.Asset_ETH

// OperatorRegistry is the view of the operator set the pool needs.
type OperatorRegistry interface {
	OperatorCount() uint64
	OperatorSetVersion() uint64
	GetOperator(addr common.Address) (*operatorRegistry.Operator, bool)
}

type Epoch struct {
	Index                  uint64    `json:"index"`
	Amount                 *big.Int  `json:"amount"`
	NumOperatorsAtCreation uint64    `json:"numOperatorsAtCreation"`
	OperatorSetVersion     uint64    `json:"operatorSetVersion"`
	StartedAt              time.Time `json:"startedAt"`
	StartedAtSeq           uint64    `json:"startedAtSeq"`
	Finalized              bool      `json:"finalized"`
	Claimed                *big.Int  `json:"claimed"`
	Dust                   *big.Int  `json:"dust"`
}

func (e *Epoch) clone() *Epoch {
	c := *e
	c.Amount = numbers.Copy(e.Amount)
	c.Claimed = numbers.Copy(e.Claimed)
	c.Dust = numbers.Copy(e.Dust)
	return &c
}

// Share is the amount each eligible operator receives from the epoch.
func (e *Epoch) Share() *big.Int {
	if e.NumOperatorsAtCreation == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(e.Amount, new(big.Int).SetUint64(e.NumOperatorsAtCreation))
}

type EpochCreated struct {
	Index              uint64 `json:"index"`
	NumOperators       uint64 `json:"numOperators"`
	OperatorSetVersion uint64 `json:"operatorSetVersion"`
}

type EpochClosed struct {
	Index  uint64 `json:"index"`
	Amount string `json:"amount"`
}

type RewardsReceived struct {
	Index  uint64 `json:"index"`
	Amount string `json:"amount"`
}

type AlreadyClaimed struct {
	Operator common.Address `json:"operator"`
	Index    uint64         `json:"index"`
}

type HarvestResult struct {
	Operator         common.Address `json:"operator"`
	RewardController common.Address `json:"rewardController"`
	Amount           *big.Int       `json:"amount"`
	Epochs           []uint64       `json:"epochs"`
	AlreadyClaimed   []uint64       `json:"alreadyClaimed"`
}

type poolState struct {
	Epochs []*Epoch
	// operator -> epoch index -> amount paid
	Claims map[common.Address]map[uint64]*big.Int
}

func (s *poolState) clone() *poolState {
	c := &poolState{
		Epochs: make([]*Epoch, 0, len(s.Epochs)),
		Claims: make(map[common.Address]map[uint64]*big.Int, len(s.Claims)),
	}
	for _, e := range s.Epochs {
		c.Epochs = append(c.Epochs, e.clone())
	}
	for op, claims := range s.Claims {
		c.Claims[op] = make(map[uint64]*big.Int, len(claims))
		for i, amt := range claims {
			c.Claims[op][i] = numbers.Copy(amt)
		}
	}
	return c
}

type claimKey struct {
	operator common.Address
	index    uint64
}

type poolChanges struct {
	epochs map[uint64]struct{}
	claims map[claimKey]struct{}
}

// EpochRewardsModel apportions operator rewards across epochs. A new epoch begins whenever
// value arrives after the operator set changed, so operators that join later never dilute
// the epochs that were funded before they joined.
type EpochRewardsModel struct {
	base.BaseStateModel
	logger   *zap.Logger
	balances *balances.BalancesModel
	registry OperatorRegistry
	address  common.Address
	treasury common.Address
	state    *poolState

	stateAccumulator map[uint64]*poolChanges
}

func NewEpochRewardsModel(
	lsm *stateManager.LedgerStateManager,
	balancesModel *balances.BalancesModel,
	registry OperatorRegistry,
	treasury common.Address,
	logger *zap.Logger,
) (*EpochRewardsModel, error) {
	m := &EpochRewardsModel{
		BaseStateModel:   base.BaseStateModel{Logger: logger},
		logger:           logger,
		balances:         balancesModel,
		registry:         registry,
		address:          utils.ComponentAddress("epochRewardPool"),
		treasury:         treasury,
		stateAccumulator: make(map[uint64]*poolChanges),
	}
	m.state = &poolState{
		Epochs: []*Epoch{m.newEpoch(0, time.Time{}, 0)},
		Claims: make(map[common.Address]map[uint64]*big.Int),
	}
	lsm.RegisterState(m, 4)
	return m, nil
}

func (p *EpochRewardsModel) GetModelName() string {
	return "EpochRewardsModel"
}

func (p *EpochRewardsModel) Address() common.Address {
	return p.address
}

func (p *EpochRewardsModel) newEpoch(index uint64, startedAt time.Time, seq uint64) *Epoch {
	return &Epoch{
		Index:                  index,
		Amount:                 big.NewInt(0),
		NumOperatorsAtCreation: p.registry.OperatorCount(),
		OperatorSetVersion:     p.registry.OperatorSetVersion(),
		StartedAt:              startedAt,
		StartedAtSeq:           seq,
		Claimed:                big.NewInt(0),
		Dust:                   big.NewInt(0),
	}
}

func (p *EpochRewardsModel) current() *Epoch {
	return p.state.Epochs[len(p.state.Epochs)-1]
}

func (p *EpochRewardsModel) CurrentEpochIndex() uint64 {
	return p.current().Index
}

func (p *EpochRewardsModel) GetEpoch(index uint64) (*Epoch, error) {
	if index >= uint64(len(p.state.Epochs)) {
		return nil, fmt.Errorf("%w: %d", ErrEpochNotFound, index)
	}
	return p.state.Epochs[index].clone(), nil
}

func (p *EpochRewardsModel) ListEpochs() []*Epoch {
	out := make([]*Epoch, 0, len(p.state.Epochs))
	for _, e := range p.state.Epochs {
		out = append(out, e.clone())
	}
	return out
}

func (p *EpochRewardsModel) HasClaimed(operator common.Address, index uint64) bool {
	_, ok := p.state.Claims[operator][index]
	return ok
}

// isEligible reports whether one of the operator's registration windows was open when
// the epoch started.
func isEligible(op *operatorRegistry.Operator, e *Epoch) bool {
	return op.RegisteredDuring(e.StartedAtSeq)
}

// FirstEligibleEpoch is the first epoch that started after the operator first registered.
// If none has yet, it is the epoch that will open next.
func (p *EpochRewardsModel) FirstEligibleEpoch(op *operatorRegistry.Operator) uint64 {
	first := op.FirstRegisteredAtSeq()
	for _, e := range p.state.Epochs {
		if e.StartedAtSeq > first {
			return e.Index
		}
	}
	return p.CurrentEpochIndex() + 1
}

func (p *EpochRewardsModel) changes(tx types.ITransaction) (*poolChanges, error) {
	c, ok := p.stateAccumulator[tx.Sequence()]
	if !ok {
		return nil, xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	return c, nil
}

func (p *EpochRewardsModel) restamp(tx types.ITransaction, e *Epoch) {
	e.NumOperatorsAtCreation = p.registry.OperatorCount()
	e.OperatorSetVersion = p.registry.OperatorSetVersion()
	e.StartedAt = tx.Now()
	e.StartedAtSeq = tx.Sequence()
}

// closeCurrent finalizes the current epoch and opens the next one.
func (p *EpochRewardsModel) closeCurrent(tx types.ITransaction, c *poolChanges) error {
	cur := p.current()
	if cur.NumOperatorsAtCreation == 0 && cur.Amount.Sign() > 0 {
		if err := p.balances.Transfer(tx, Asset, p.address, p.treasury, cur.Amount); err != nil {
			return err
		}
		cur.Dust = numbers.Copy(cur.Amount)
		p.logger.Info("Swept epoch with no operators to treasury",
			zap.Uint64("epoch", cur.Index),
			zap.String("amount", cur.Amount.String()),
		)
		tx.Emit(Event_EpochDustSwept, &EpochClosed{Index: cur.Index, Amount: cur.Amount.String()})
	}
	cur.Finalized = true
	c.epochs[cur.Index] = struct{}{}
	tx.Emit(Event_EpochFinalized, &EpochClosed{Index: cur.Index, Amount: cur.Amount.String()})

	next := p.newEpoch(cur.Index+1, tx.Now(), tx.Sequence())
	p.state.Epochs = append(p.state.Epochs, next)
	c.epochs[next.Index] = struct{}{}
	tx.Emit(Event_EpochCreated, &EpochCreated{
		Index:              next.Index,
		NumOperators:       next.NumOperatorsAtCreation,
		OperatorSetVersion: next.OperatorSetVersion,
	})
	return nil
}

// OnValueReceived accounts for value already transferred to the pool.
func (p *EpochRewardsModel) OnValueReceived(tx types.ITransaction, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	c, err := p.changes(tx)
	if err != nil {
		return err
	}

	cur := p.current()
	if cur.OperatorSetVersion != p.registry.OperatorSetVersion() || cur.StartedAtSeq == 0 {
		if cur.Amount.Sign() == 0 {
			p.restamp(tx, cur)
		} else if err := p.closeCurrent(tx, c); err != nil {
			return err
		}
	}

	cur = p.current()
	cur.Amount = new(big.Int).Add(cur.Amount, amount)
	c.epochs[cur.Index] = struct{}{}

	p.logger.Debug("Received epoch rewards",
		zap.Uint64("epoch", cur.Index),
		zap.String("amount", amount.String()),
	)
	tx.Emit(Event_RewardsReceived, &RewardsReceived{Index: cur.Index, Amount: amount.String()})
	return nil
}

// FinalizeInterval closes the current epoch, making it claimable.
func (p *EpochRewardsModel) FinalizeInterval(tx types.ITransaction) (uint64, error) {
	c, err := p.changes(tx)
	if err != nil {
		return 0, err
	}
	closed := p.CurrentEpochIndex()
	if err := p.closeCurrent(tx, c); err != nil {
		return 0, err
	}
	return closed, nil
}

// Harvest pays the operator's share of every eligible, unclaimed epoch in [start, end]
// to its reward controller.
func (p *EpochRewardsModel) Harvest(tx types.ITransaction, operator common.Address, start uint64, end uint64) (*HarvestResult, error) {
	if operator == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	op, ok := p.registry.GetOperator(operator)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, operator.Hex())
	}
	if start > end {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidEpochRange, start, end)
	}
	if end >= p.CurrentEpochIndex() {
		return nil, fmt.Errorf("%w: %d", ErrEpochNotFinalized, end)
	}
	first := p.FirstEligibleEpoch(op)
	if start < first {
		return nil, fmt.Errorf("%w: first eligible epoch is %d, requested %d", ErrNotEligibleSinceStart, first, start)
	}
	c, err := p.changes(tx)
	if err != nil {
		return nil, err
	}

	result := &HarvestResult{
		Operator:         operator,
		RewardController: op.RewardController,
		Amount:           big.NewInt(0),
		Epochs:           make([]uint64, 0),
		AlreadyClaimed:   make([]uint64, 0),
	}
	for i := start; i <= end; i++ {
		e := p.state.Epochs[i]
		if p.HasClaimed(operator, i) {
			p.logger.Warn("Epoch already claimed",
				zap.String("operator", operator.Hex()),
				zap.Uint64("epoch", i),
			)
			tx.Emit(Event_AlreadyClaimed, &AlreadyClaimed{Operator: operator, Index: i})
			result.AlreadyClaimed = append(result.AlreadyClaimed, i)
			continue
		}
		if !isEligible(op, e) || e.NumOperatorsAtCreation == 0 {
			continue
		}
		share := e.Share()
		if _, ok := p.state.Claims[operator]; !ok {
			p.state.Claims[operator] = make(map[uint64]*big.Int)
		}
		p.state.Claims[operator][i] = share
		e.Claimed = new(big.Int).Add(e.Claimed, share)
		result.Amount.Add(result.Amount, share)
		result.Epochs = append(result.Epochs, i)

		c.claims[claimKey{operator: operator, index: i}] = struct{}{}
		c.epochs[i] = struct{}{}
	}

	if len(result.Epochs) == 0 && len(result.AlreadyClaimed) == 0 {
		return nil, fmt.Errorf("%w: %d..%d", ErrNotEligible, start, end)
	}
	if err := p.balances.Transfer(tx, Asset, p.address, op.RewardController, result.Amount); err != nil {
		return nil, err
	}
	if len(result.Epochs) > 0 {
		p.logger.Info("Harvested operator rewards",
			zap.String("operator", operator.Hex()),
			zap.String("amount", result.Amount.String()),
			zap.Uint64s("epochs", result.Epochs),
		)
		tx.Emit(Event_RewardsHarvested, result)
	}
	return result, nil
}

func (p *EpochRewardsModel) SetupStateForTransition(seq uint64) error {
	p.stateAccumulator[seq] = &poolChanges{
		epochs: make(map[uint64]struct{}),
		claims: make(map[claimKey]struct{}),
	}
	return nil
}

func (p *EpochRewardsModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(p.stateAccumulator, seq)
	return nil
}

func (p *EpochRewardsModel) Checkpoint() any {
	return p.state.clone()
}

func (p *EpochRewardsModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(*poolState)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	p.state = cp.clone()
	return nil
}

func (p *EpochRewardsModel) prepareState(seq uint64) ([]*storage.Epoch, []*storage.OperatorClaimRecord) {
	epochs := make([]*storage.Epoch, 0)
	claims := make([]*storage.OperatorClaimRecord, 0)
	c, ok := p.stateAccumulator[seq]
	if !ok {
		return epochs, claims
	}

	indexes := make([]uint64, 0, len(c.epochs))
	for i := range c.epochs {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	for _, i := range indexes {
		e := p.state.Epochs[i]
		epochs = append(epochs, &storage.Epoch{
			EpochIndex:             e.Index,
			Amount:                 e.Amount.String(),
			NumOperatorsAtCreation: e.NumOperatorsAtCreation,
			OperatorSetVersion:     e.OperatorSetVersion,
			StartedAt:              e.StartedAt,
			StartedAtSeq:           e.StartedAtSeq,
			Finalized:              e.Finalized,
			Claimed:                e.Claimed.String(),
			Dust:                   e.Dust.String(),
			Seq:                    seq,
		})
	}
	for k := range c.claims {
		claims = append(claims, &storage.OperatorClaimRecord{
			Operator:   utils.AddressKey(k.operator),
			EpochIndex: k.index,
			Amount:     p.state.Claims[k.operator][k.index].String(),
			Seq:        seq,
		})
	}
	slices.SortFunc(claims, func(a, b *storage.OperatorClaimRecord) int {
		if a.Operator != b.Operator {
			if a.Operator < b.Operator {
				return -1
			}
			return 1
		}
		return int(a.EpochIndex) - int(b.EpochIndex)
	})
	return epochs, claims
}

func (p *EpochRewardsModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	epochs, claims := p.prepareState(seq)
	if err := storage.Upsert(grm, epochs); err != nil {
		p.logger.Error("Failed to upsert epochs", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	if err := storage.Upsert(grm, claims); err != nil {
		p.logger.Error("Failed to upsert operator claim records", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func encodeEpoch(e *Epoch) []byte {
	v := base.EncodeAmount(e.Amount)
	v = append(v, base.EncodeUint64(e.NumOperatorsAtCreation)...)
	v = append(v, base.EncodeUint64(e.OperatorSetVersion)...)
	v = append(v, base.EncodeUint64(e.StartedAtSeq)...)
	v = append(v, base.EncodeBool(e.Finalized)...)
	v = append(v, base.EncodeAmount(e.Claimed)...)
	return v
}

func (p *EpochRewardsModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, e := range p.state.Epochs {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("epoch", fmt.Sprintf("%020d", e.Index)),
			Value:  encodeEpoch(e),
		})
	}
	for op, claims := range p.state.Claims {
		for i, amt := range claims {
			inputs = append(inputs, &base.MerkleTreeInput{
				SlotID: base.NewSlotID("claim", utils.AddressKey(op), fmt.Sprintf("%020d", i)),
				Value:  base.EncodeAmount(amt),
			})
		}
	}
	base.SortInputs(inputs)
	return p.GenerateRoot(seq, inputs)
}
