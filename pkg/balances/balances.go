package balances

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
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

type Asset string

const (
	Asset_ETH Asset = "eth"
	Asset_RPL Asset = "rpl"
)

// Assets lists every supported asset in a fixed order.
var Assets = []Asset{Asset_ETH, Asset_RPL}

func ParseAsset(s string) (Asset, error) {
	for _, a := range Assets {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: '%s'", ErrUnknownAsset, s)
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeAmount      = errors.New("amount must not be negative")
	ErrUnknownAsset        = errors.New("unknown asset")
)

type balancesState struct {
	Balances map[Asset]map[common.Address]*big.Int
	Supply   map[Asset]*big.Int
}

func newBalancesState() *balancesState {
	s := &balancesState{
		Balances: make(map[Asset]map[common.Address]*big.Int),
		Supply:   make(map[Asset]*big.Int),
	}
	for _, a := range Assets {
		s.Balances[a] = make(map[common.Address]*big.Int)
		s.Supply[a] = big.NewInt(0)
	}
	return s
}

func (s *balancesState) clone() *balancesState {
	c := newBalancesState()
	for asset, holders := range s.Balances {
		for addr, bal := range holders {
			c.Balances[asset][addr] = numbers.Copy(bal)
		}
		c.Supply[asset] = numbers.Copy(s.Supply[asset])
	}
	return c
}

// BalancesModel is the custody ledger for every asset held by users and components.
type BalancesModel struct {
	base.BaseStateModel
	logger *zap.Logger
	state  *balancesState

	// Accounts touched while applying each transition, written out on commit
	stateAccumulator map[uint64]map[Asset]map[common.Address]struct{}
}

func NewBalancesModel(lsm *stateManager.LedgerStateManager, logger *zap.Logger) (*BalancesModel, error) {
	m := &BalancesModel{
		BaseStateModel: base.BaseStateModel{
			Logger: logger,
		},
		logger:           logger,
		state:            newBalancesState(),
		stateAccumulator: make(map[uint64]map[Asset]map[common.Address]struct{}),
	}
	lsm.RegisterState(m, 0)
	return m, nil
}

func (b *BalancesModel) GetModelName() string {
	return "BalancesModel"
}

func (b *BalancesModel) SetupStateForTransition(seq uint64) error {
	touched := make(map[Asset]map[common.Address]struct{})
	for _, a := range Assets {
		touched[a] = make(map[common.Address]struct{})
	}
	b.stateAccumulator[seq] = touched
	return nil
}

func (b *BalancesModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(b.stateAccumulator, seq)
	return nil
}

func (b *BalancesModel) Checkpoint() any {
	return b.state.clone()
}

func (b *BalancesModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(*balancesState)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	b.state = cp.clone()
	return nil
}

func (b *BalancesModel) BalanceOf(asset Asset, addr common.Address) *big.Int {
	return numbers.Copy(b.state.Balances[asset][addr])
}

func (b *BalancesModel) TotalSupply(asset Asset) *big.Int {
	return numbers.Copy(b.state.Supply[asset])
}

// SumOfBalances adds up every account balance of the asset. It always equals TotalSupply.
func (b *BalancesModel) SumOfBalances(asset Asset) *big.Int {
	sum := big.NewInt(0)
	for _, bal := range b.state.Balances[asset] {
		sum.Add(sum, bal)
	}
	return sum
}

func (b *BalancesModel) touch(tx types.ITransaction, asset Asset, addrs ...common.Address) error {
	touched, ok := b.stateAccumulator[tx.Sequence()]
	if !ok {
		return xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	for _, addr := range addrs {
		touched[asset][addr] = struct{}{}
	}
	return nil
}

func (b *BalancesModel) validate(asset Asset, amount *big.Int) error {
	if _, ok := b.state.Balances[asset]; !ok {
		return fmt.Errorf("%w: '%s'", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return nil
}

func (b *BalancesModel) setBalance(asset Asset, addr common.Address, v *big.Int) {
	if v.Sign() == 0 {
		delete(b.state.Balances[asset], addr)
		return
	}
	b.state.Balances[asset][addr] = v
}

// Mint creates new units of the asset for the given account.
func (b *BalancesModel) Mint(tx types.ITransaction, asset Asset, to common.Address, amount *big.Int) error {
	if err := b.validate(asset, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := b.touch(tx, asset, to); err != nil {
		return err
	}
	b.setBalance(asset, to, new(big.Int).Add(b.BalanceOf(asset, to), amount))
	b.state.Supply[asset] = new(big.Int).Add(b.state.Supply[asset], amount)
	return nil
}

// Burn removes units of the asset from the account, e.g. value leaving the ledger to validators.
func (b *BalancesModel) Burn(tx types.ITransaction, asset Asset, from common.Address, amount *big.Int) error {
	if err := b.validate(asset, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	bal := b.BalanceOf(asset, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from.Hex(), bal.String(), asset, amount.String())
	}
	if err := b.touch(tx, asset, from); err != nil {
		return err
	}
	b.setBalance(asset, from, bal.Sub(bal, amount))
	b.state.Supply[asset] = new(big.Int).Sub(b.state.Supply[asset], amount)
	return nil
}

// Transfer moves an exact amount between two accounts; a shortfall fails without side effects.
func (b *BalancesModel) Transfer(tx types.ITransaction, asset Asset, from common.Address, to common.Address, amount *big.Int) error {
	if err := b.validate(asset, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBal := b.BalanceOf(asset, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal.String(), asset, amount.String())
	}
	if err := b.touch(tx, asset, from, to); err != nil {
		return err
	}
	b.setBalance(asset, from, fromBal.Sub(fromBal, amount))
	b.setBalance(asset, to, new(big.Int).Add(b.BalanceOf(asset, to), amount))
	return nil
}

func (b *BalancesModel) prepareState(seq uint64) []*storage.AccountBalance {
	records := make([]*storage.AccountBalance, 0)
	touched, ok := b.stateAccumulator[seq]
	if !ok {
		return records
	}
	for _, asset := range Assets {
		addrs := make([]common.Address, 0, len(touched[asset]))
		for addr := range touched[asset] {
			addrs = append(addrs, addr)
		}
		slices.SortFunc(addrs, func(x, y common.Address) int {
			return x.Cmp(y)
		})
		for _, addr := range addrs {
			records = append(records, &storage.AccountBalance{
				Asset:   string(asset),
				Address: utils.AddressKey(addr),
				Balance: b.BalanceOf(asset, addr).String(),
				Seq:     seq,
			})
		}
	}
	return records
}

func (b *BalancesModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	records := b.prepareState(seq)
	if err := storage.Upsert(grm, records); err != nil {
		b.logger.Error("Failed to upsert account balances", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (b *BalancesModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, asset := range Assets {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("supply", string(asset)),
			Value:  base.EncodeAmount(b.state.Supply[asset]),
		})
		for addr, bal := range b.state.Balances[asset] {
			inputs = append(inputs, &base.MerkleTreeInput{
				SlotID: base.NewSlotID("balance", string(asset), utils.AddressKey(addr)),
				Value:  base.EncodeAmount(bal),
			})
		}
	}
	base.SortInputs(inputs)
	return b.GenerateRoot(seq, inputs)
}
