package operatorFunds

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/base"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"github.com/yieldledger/yieldledger/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity in operator funds pool")
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
)

const (
	Event_FundsDebited  = "OperatorFundsDebited"
	Event_FundsCredited = "OperatorFundsCredited"
)

type FundsMoved struct {
	Asset    balances.Asset `json:"asset"`
	Amount   string         `json:"amount"`
	Deployed string         `json:"deployed"`
}

// OperatorFundsModel is the shared pool backing both vaults. Liquid value is the pool's
// balance in the custody ledger; Deployed is value handed out to validators.
type OperatorFundsModel struct {
	base.BaseStateModel
	logger   *zap.Logger
	balances *balances.BalancesModel
	address  common.Address
	deployed map[balances.Asset]*big.Int

	stateAccumulator map[uint64]map[balances.Asset]struct{}
}

func NewOperatorFundsModel(lsm *stateManager.LedgerStateManager, balancesModel *balances.BalancesModel, logger *zap.Logger) (*OperatorFundsModel, error) {
	m := &OperatorFundsModel{
		BaseStateModel:   base.BaseStateModel{Logger: logger},
		logger:           logger,
		balances:         balancesModel,
		address:          utils.ComponentAddress("operatorFundsPool"),
		deployed:         newDeployed(),
		stateAccumulator: make(map[uint64]map[balances.Asset]struct{}),
	}
	lsm.RegisterState(m, 5)
	return m, nil
}

func newDeployed() map[balances.Asset]*big.Int {
	d := make(map[balances.Asset]*big.Int)
	for _, a := range balances.Assets {
		d[a] = big.NewInt(0)
	}
	return d
}

func (o *OperatorFundsModel) GetModelName() string {
	return "OperatorFundsModel"
}

func (o *OperatorFundsModel) Address() common.Address {
	return o.address
}

func (o *OperatorFundsModel) Liquid(asset balances.Asset) *big.Int {
	return o.balances.BalanceOf(asset, o.address)
}

func (o *OperatorFundsModel) Deployed(asset balances.Asset) *big.Int {
	return numbers.Copy(o.deployed[asset])
}

// AllocatedAssets is the value the pool holds on behalf of the vaults, liquid or deployed.
func (o *OperatorFundsModel) AllocatedAssets(asset balances.Asset) *big.Int {
	return new(big.Int).Add(o.Liquid(asset), o.Deployed(asset))
}

func (o *OperatorFundsModel) touch(tx types.ITransaction, asset balances.Asset) error {
	touched, ok := o.stateAccumulator[tx.Sequence()]
	if !ok {
		return xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	touched[asset] = struct{}{}
	return nil
}

func (o *OperatorFundsModel) requireLiquidity(asset balances.Asset, amount *big.Int) error {
	liquid := o.Liquid(asset)
	if liquid.Cmp(amount) < 0 {
		return fmt.Errorf("%w: requested %s %s, liquid %s", ErrInsufficientLiquidity, amount, asset, liquid)
	}
	return nil
}

// Provide sends liquid value to a vault. The request is satisfied in full or not at all.
func (o *OperatorFundsModel) Provide(tx types.ITransaction, asset balances.Asset, vault common.Address, amount *big.Int) error {
	if err := o.requireLiquidity(asset, amount); err != nil {
		return err
	}
	return o.balances.Transfer(tx, asset, o.address, vault, amount)
}

// Receive takes excess value from a vault.
func (o *OperatorFundsModel) Receive(tx types.ITransaction, asset balances.Asset, vault common.Address, amount *big.Int) error {
	return o.balances.Transfer(tx, asset, vault, o.address, amount)
}

// Debit moves liquid value out to validators.
func (o *OperatorFundsModel) Debit(tx types.ITransaction, asset balances.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := o.requireLiquidity(asset, amount); err != nil {
		return err
	}
	if err := o.touch(tx, asset); err != nil {
		return err
	}
	if err := o.balances.Burn(tx, asset, o.address, amount); err != nil {
		return err
	}
	o.deployed[asset] = new(big.Int).Add(o.deployed[asset], amount)

	o.logger.Debug("Debited operator funds",
		zap.String("asset", string(asset)),
		zap.String("amount", amount.String()),
	)
	tx.Emit(Event_FundsDebited, &FundsMoved{Asset: asset, Amount: amount.String(), Deployed: o.deployed[asset].String()})
	return nil
}

// Credit returns exit proceeds to the pool. Deployed is reduced by at most its current value;
// anything above it is validator profit and simply increases liquidity.
func (o *OperatorFundsModel) Credit(tx types.ITransaction, asset balances.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := o.touch(tx, asset); err != nil {
		return err
	}
	if err := o.balances.Mint(tx, asset, o.address, amount); err != nil {
		return err
	}
	reduction := numbers.Min(amount, o.deployed[asset])
	o.deployed[asset] = new(big.Int).Sub(o.deployed[asset], reduction)

	o.logger.Debug("Credited operator funds",
		zap.String("asset", string(asset)),
		zap.String("amount", amount.String()),
	)
	tx.Emit(Event_FundsCredited, &FundsMoved{Asset: asset, Amount: amount.String(), Deployed: o.deployed[asset].String()})
	return nil
}

func (o *OperatorFundsModel) SetupStateForTransition(seq uint64) error {
	o.stateAccumulator[seq] = make(map[balances.Asset]struct{})
	return nil
}

func (o *OperatorFundsModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(o.stateAccumulator, seq)
	return nil
}

func (o *OperatorFundsModel) Checkpoint() any {
	cp := newDeployed()
	for a, v := range o.deployed {
		cp[a] = numbers.Copy(v)
	}
	return cp
}

func (o *OperatorFundsModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(map[balances.Asset]*big.Int)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	o.deployed = newDeployed()
	for a, v := range cp {
		o.deployed[a] = numbers.Copy(v)
	}
	return nil
}

func (o *OperatorFundsModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	records := make([]*storage.OperatorFundsState, 0)
	for _, asset := range balances.Assets {
		if _, ok := o.stateAccumulator[seq][asset]; !ok {
			continue
		}
		records = append(records, &storage.OperatorFundsState{
			Asset:    string(asset),
			Deployed: o.deployed[asset].String(),
			Seq:      seq,
		})
	}
	if err := storage.Upsert(grm, records); err != nil {
		o.logger.Error("Failed to upsert operator funds state", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (o *OperatorFundsModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, asset := range balances.Assets {
		if o.deployed[asset].Sign() == 0 {
			continue
		}
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("deployed", string(asset)),
			Value:  base.EncodeAmount(o.deployed[asset]),
		})
	}
	return o.GenerateRoot(seq, inputs)
}
