package yieldVault

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/internal/config"
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
	ErrDepositsDisabled       = errors.New("deposits are disabled")
	ErrZeroAmount             = errors.New("amount must be greater than zero")
	ErrZeroShares             = errors.New("operation would result in zero shares")
	ErrZeroAssets             = errors.New("operation would result in zero assets")
	ErrZeroTotalAssets        = errors.New("vault has shares outstanding but no assets")
	ErrSanctionedAddress      = errors.New("address is sanctioned")
	ErrExceedsMaxRedeem       = errors.New("shares exceed max redeem")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity to cover redemption")
	ErrValueUnchanged         = errors.New("value unchanged")
	ErrInvalidPercent         = errors.New("percent must be between 0 and 100%")
	ErrInvalidFee             = errors.New("combined fees exceed 100%")
	ErrInvalidMintFee         = errors.New("mint fee must be below 100%")
	ErrOperatorFeeUnsupported = errors.New("operator fee is not supported by this vault")
	ErrCoverageRatioOutOfBand = errors.New("coverage ratio out of band")
)

const (
	Event_Deposit                = "Deposit"
	Event_Withdraw               = "Withdraw"
	Event_Transfer               = "Transfer"
	Event_Approval               = "Approval"
	Event_Rebalanced             = "Rebalanced"
	Event_ParameterUpdated       = "ParameterUpdated"
	Event_SanctionedAddress      = "SanctionedAddressDetected"
	Event_CoverageRatioOutOfBand = "CoverageRatioOutOfBand"
)

// StreamSource reports the value recognized so far from streamed reward claims.
type StreamSource interface {
	GetStreamedAmount(asset balances.Asset, now time.Time) *big.Int
}

// FundsPool is the shared pool holding the part of the vault's assets above its reserve.
type FundsPool interface {
	Address() common.Address
	Liquid(asset balances.Asset) *big.Int
	AllocatedAssets(asset balances.Asset) *big.Int
	Provide(tx types.ITransaction, asset balances.Asset, vault common.Address, amount *big.Int) error
	Receive(tx types.ITransaction, asset balances.Asset, vault common.Address, amount *big.Int) error
}

type SanctionsList interface {
	IsSanctioned(addr common.Address) bool
}

type PriceOracle interface {
	GetPrice() *big.Int
}

// AssetSource is the base vault's valuation, used for the coverage ratio.
type AssetSource interface {
	TotalAssets(now time.Time) *big.Int
}

// VaultParams are the initial parameters of a vault. Percentages are 1e18 fixed point.
type VaultParams struct {
	Asset                   balances.Asset
	LiquidityReservePercent *big.Int
	TreasuryFeePercent      *big.Int
	OperatorFeePercent      *big.Int
	MintFeePercent          *big.Int
	DepositsEnabled         bool
	SupportsOperatorFee     bool
	SanctionsEnforcement    config.SanctionsEnforcement
}

type CoverageParams struct {
	Oracle    PriceOracle
	BaseVault AssetSource
	MinRatio  *big.Int
	MaxRatio  *big.Int
	Enforce   bool
}

type vaultState struct {
	TotalShares             *big.Int
	Shares                  map[common.Address]*big.Int
	Allowances              map[common.Address]map[common.Address]*big.Int
	LiquidityReservePercent *big.Int
	TreasuryFeePercent      *big.Int
	OperatorFeePercent      *big.Int
	MintFeePercent          *big.Int
	DepositsEnabled         bool
}

func (s *vaultState) clone() *vaultState {
	c := &vaultState{
		TotalShares:             numbers.Copy(s.TotalShares),
		Shares:                  make(map[common.Address]*big.Int, len(s.Shares)),
		Allowances:              make(map[common.Address]map[common.Address]*big.Int, len(s.Allowances)),
		LiquidityReservePercent: numbers.Copy(s.LiquidityReservePercent),
		TreasuryFeePercent:      numbers.Copy(s.TreasuryFeePercent),
		OperatorFeePercent:      numbers.Copy(s.OperatorFeePercent),
		MintFeePercent:          numbers.Copy(s.MintFeePercent),
		DepositsEnabled:         s.DepositsEnabled,
	}
	for k, v := range s.Shares {
		c.Shares[k] = numbers.Copy(v)
	}
	for owner, spenders := range s.Allowances {
		c.Allowances[owner] = make(map[common.Address]*big.Int, len(spenders))
		for spender, v := range spenders {
			c.Allowances[owner][spender] = numbers.Copy(v)
		}
	}
	return c
}

type vaultChanges struct {
	params  bool
	holders map[common.Address]struct{}
}

// YieldVaultModel is a tokenized vault over a single asset. Its valuation combines the
// assets it holds directly, the assets allocated to the operator funds pool and the
// value streamed so far from reward claims.
type YieldVaultModel struct {
	base.BaseStateModel
	logger               *zap.Logger
	asset                balances.Asset
	address              common.Address
	treasury             common.Address
	balances             *balances.BalancesModel
	streamer             StreamSource
	pool                 FundsPool
	sanctions            SanctionsList
	sanctionsEnforcement config.SanctionsEnforcement
	supportsOperatorFee  bool
	coverage             *CoverageParams
	state                *vaultState

	stateAccumulator map[uint64]*vaultChanges
}

func NewYieldVaultModel(
	lsm *stateManager.LedgerStateManager,
	index int,
	balancesModel *balances.BalancesModel,
	streamer StreamSource,
	pool FundsPool,
	sanctions SanctionsList,
	treasury common.Address,
	params *VaultParams,
	logger *zap.Logger,
) (*YieldVaultModel, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	m := &YieldVaultModel{
		BaseStateModel:       base.BaseStateModel{Logger: logger},
		logger:               logger,
		asset:                params.Asset,
		address:              utils.ComponentAddress("yieldVault." + string(params.Asset)),
		treasury:             treasury,
		balances:             balancesModel,
		streamer:             streamer,
		pool:                 pool,
		sanctions:            sanctions,
		sanctionsEnforcement: params.SanctionsEnforcement,
		supportsOperatorFee:  params.SupportsOperatorFee,
		state: &vaultState{
			TotalShares:             big.NewInt(0),
			Shares:                  make(map[common.Address]*big.Int),
			Allowances:              make(map[common.Address]map[common.Address]*big.Int),
			LiquidityReservePercent: numbers.Copy(params.LiquidityReservePercent),
			TreasuryFeePercent:      numbers.Copy(params.TreasuryFeePercent),
			OperatorFeePercent:      numbers.Copy(params.OperatorFeePercent),
			MintFeePercent:          numbers.Copy(params.MintFeePercent),
			DepositsEnabled:         params.DepositsEnabled,
		},
		stateAccumulator: make(map[uint64]*vaultChanges),
	}
	lsm.RegisterState(m, index)
	return m, nil
}

func validateParams(p *VaultParams) error {
	if _, err := balances.ParseAsset(string(p.Asset)); err != nil {
		return err
	}
	if !numbers.IsValidPercent(p.LiquidityReservePercent) {
		return fmt.Errorf("%w: liquidity reserve", ErrInvalidPercent)
	}
	if !numbers.IsValidPercent(p.TreasuryFeePercent) || !numbers.IsValidPercent(p.OperatorFeePercent) {
		return fmt.Errorf("%w: fees", ErrInvalidPercent)
	}
	if !p.SupportsOperatorFee && p.OperatorFeePercent.Sign() != 0 {
		return ErrOperatorFeeUnsupported
	}
	if new(big.Int).Add(p.TreasuryFeePercent, p.OperatorFeePercent).Cmp(numbers.Precision()) > 0 {
		return ErrInvalidFee
	}
	if p.MintFeePercent == nil || p.MintFeePercent.Sign() < 0 || p.MintFeePercent.Cmp(numbers.Precision()) >= 0 {
		return ErrInvalidMintFee
	}
	switch p.SanctionsEnforcement {
	case config.SanctionsEnforcement_Revert, config.SanctionsEnforcement_Log:
	default:
		return fmt.Errorf("unknown sanctions enforcement '%s'", p.SanctionsEnforcement)
	}
	return nil
}

// SetCoverage enables the coverage ratio check against the base vault.
func (v *YieldVaultModel) SetCoverage(c *CoverageParams) {
	v.coverage = c
}

func (v *YieldVaultModel) GetModelName() string {
	return "YieldVaultModel_" + string(v.asset)
}

func (v *YieldVaultModel) Asset() balances.Asset {
	return v.asset
}

func (v *YieldVaultModel) Address() common.Address {
	return v.address
}

func (v *YieldVaultModel) TreasuryFeePercent() *big.Int {
	return numbers.Copy(v.state.TreasuryFeePercent)
}

func (v *YieldVaultModel) OperatorFeePercent() *big.Int {
	return numbers.Copy(v.state.OperatorFeePercent)
}

func (v *YieldVaultModel) MintFeePercent() *big.Int {
	return numbers.Copy(v.state.MintFeePercent)
}

func (v *YieldVaultModel) LiquidityReservePercent() *big.Int {
	return numbers.Copy(v.state.LiquidityReservePercent)
}

func (v *YieldVaultModel) DepositsEnabled() bool {
	return v.state.DepositsEnabled
}

// DirectBalance is the amount of the asset held by the vault itself.
func (v *YieldVaultModel) DirectBalance() *big.Int {
	return v.balances.BalanceOf(v.asset, v.address)
}

func (v *YieldVaultModel) TotalAssets(now time.Time) *big.Int {
	total := v.DirectBalance()
	total.Add(total, v.pool.AllocatedAssets(v.asset))
	total.Add(total, v.streamer.GetStreamedAmount(v.asset, now))
	return total
}

func (v *YieldVaultModel) TotalShares() *big.Int {
	return numbers.Copy(v.state.TotalShares)
}

func (v *YieldVaultModel) BalanceOf(holder common.Address) *big.Int {
	return numbers.Copy(v.state.Shares[holder])
}

func (v *YieldVaultModel) Allowance(owner common.Address, spender common.Address) *big.Int {
	return numbers.Copy(v.state.Allowances[owner][spender])
}

// ListHolders returns every holder with a non-zero share balance.
func (v *YieldVaultModel) ListHolders() []common.Address {
	out := make([]common.Address, 0, len(v.state.Shares))
	for addr := range v.state.Shares {
		out = append(out, addr)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return a.Cmp(b) })
	return out
}

func (v *YieldVaultModel) ConvertToShares(assets *big.Int, now time.Time) *big.Int {
	if v.state.TotalShares.Sign() == 0 {
		return numbers.Copy(assets)
	}
	ta := v.TotalAssets(now)
	if ta.Sign() == 0 {
		return big.NewInt(0)
	}
	return numbers.MulDiv(assets, v.state.TotalShares, ta)
}

func (v *YieldVaultModel) ConvertToAssets(shares *big.Int, now time.Time) *big.Int {
	if v.state.TotalShares.Sign() == 0 {
		return numbers.Copy(shares)
	}
	return numbers.MulDiv(shares, v.TotalAssets(now), v.state.TotalShares)
}

func (v *YieldVaultModel) mintFee(assets *big.Int) *big.Int {
	return numbers.ApplyPercent(assets, v.state.MintFeePercent)
}

func (v *YieldVaultModel) PreviewDeposit(assets *big.Int, now time.Time) *big.Int {
	net := new(big.Int).Sub(assets, v.mintFee(assets))
	return v.ConvertToShares(net, now)
}

// PreviewMint returns the gross assets, including the mint fee, needed to mint shares.
func (v *YieldVaultModel) PreviewMint(shares *big.Int, now time.Time) *big.Int {
	net := numbers.Copy(shares)
	if v.state.TotalShares.Sign() != 0 {
		net = numbers.MulDivUp(shares, v.TotalAssets(now), v.state.TotalShares)
	}
	remaining := new(big.Int).Sub(numbers.Precision(), v.state.MintFeePercent)
	return numbers.MulDivUp(net, numbers.Precision(), remaining)
}

func (v *YieldVaultModel) PreviewWithdraw(assets *big.Int, now time.Time) *big.Int {
	if v.state.TotalShares.Sign() == 0 {
		return numbers.Copy(assets)
	}
	ta := v.TotalAssets(now)
	if ta.Sign() == 0 {
		return big.NewInt(0)
	}
	return numbers.MulDivUp(assets, v.state.TotalShares, ta)
}

func (v *YieldVaultModel) PreviewRedeem(shares *big.Int, now time.Time) *big.Int {
	return v.ConvertToAssets(shares, now)
}

func (v *YieldVaultModel) MaxRedeem(owner common.Address) *big.Int {
	return v.BalanceOf(owner)
}

func (v *YieldVaultModel) MaxWithdraw(owner common.Address, now time.Time) *big.Int {
	return v.ConvertToAssets(v.BalanceOf(owner), now)
}

func (v *YieldVaultModel) changes(tx types.ITransaction) (*vaultChanges, error) {
	c, ok := v.stateAccumulator[tx.Sequence()]
	if !ok {
		return nil, xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	return c, nil
}

func (v *YieldVaultModel) setShares(c *vaultChanges, holder common.Address, shares *big.Int) {
	if shares.Sign() == 0 {
		delete(v.state.Shares, holder)
	} else {
		v.state.Shares[holder] = shares
	}
	c.holders[holder] = struct{}{}
}

func (v *YieldVaultModel) mintShares(tx types.ITransaction, to common.Address, shares *big.Int) error {
	c, err := v.changes(tx)
	if err != nil {
		return err
	}
	v.setShares(c, to, new(big.Int).Add(v.BalanceOf(to), shares))
	v.state.TotalShares = new(big.Int).Add(v.state.TotalShares, shares)
	return nil
}

func (v *YieldVaultModel) burnShares(tx types.ITransaction, from common.Address, shares *big.Int) error {
	c, err := v.changes(tx)
	if err != nil {
		return err
	}
	bal := v.BalanceOf(from)
	if bal.Cmp(shares) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientShares, from.Hex(), bal, shares)
	}
	v.setShares(c, from, bal.Sub(bal, shares))
	v.state.TotalShares = new(big.Int).Sub(v.state.TotalShares, shares)
	return nil
}

func (v *YieldVaultModel) spendAllowance(owner common.Address, spender common.Address, shares *big.Int) error {
	if owner == spender {
		return nil
	}
	allowed := v.Allowance(owner, spender)
	if allowed.Cmp(shares) < 0 {
		return fmt.Errorf("%w: %s allowed %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowed, shares)
	}
	v.setAllowance(owner, spender, allowed.Sub(allowed, shares))
	return nil
}

func (v *YieldVaultModel) setAllowance(owner common.Address, spender common.Address, shares *big.Int) {
	if _, ok := v.state.Allowances[owner]; !ok {
		v.state.Allowances[owner] = make(map[common.Address]*big.Int)
	}
	if shares.Sign() == 0 {
		delete(v.state.Allowances[owner], spender)
		if len(v.state.Allowances[owner]) == 0 {
			delete(v.state.Allowances, owner)
		}
		return
	}
	v.state.Allowances[owner][spender] = shares
}

func (v *YieldVaultModel) SetupStateForTransition(seq uint64) error {
	v.stateAccumulator[seq] = &vaultChanges{holders: make(map[common.Address]struct{})}
	return nil
}

func (v *YieldVaultModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(v.stateAccumulator, seq)
	return nil
}

func (v *YieldVaultModel) Checkpoint() any {
	return v.state.clone()
}

func (v *YieldVaultModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(*vaultState)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	v.state = cp.clone()
	return nil
}

func (v *YieldVaultModel) prepareState(seq uint64) (*storage.VaultState, []*storage.ShareBalance) {
	c, ok := v.stateAccumulator[seq]
	if !ok {
		return nil, nil
	}
	var vaultRecord *storage.VaultState
	if c.params || len(c.holders) > 0 {
		vaultRecord = &storage.VaultState{
			Asset:                   string(v.asset),
			TotalShares:             v.state.TotalShares.String(),
			LiquidityReservePercent: v.state.LiquidityReservePercent.String(),
			TreasuryFeePercent:      v.state.TreasuryFeePercent.String(),
			OperatorFeePercent:      v.state.OperatorFeePercent.String(),
			MintFeePercent:          v.state.MintFeePercent.String(),
			DepositsEnabled:         v.state.DepositsEnabled,
			Seq:                     seq,
		}
	}

	holders := make([]common.Address, 0, len(c.holders))
	for h := range c.holders {
		holders = append(holders, h)
	}
	slices.SortFunc(holders, func(a, b common.Address) int { return a.Cmp(b) })

	shareRecords := make([]*storage.ShareBalance, 0, len(holders))
	for _, h := range holders {
		shareRecords = append(shareRecords, &storage.ShareBalance{
			Asset:  string(v.asset),
			Holder: utils.AddressKey(h),
			Shares: v.BalanceOf(h).String(),
			Seq:    seq,
		})
	}
	return vaultRecord, shareRecords
}

func (v *YieldVaultModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	vaultRecord, shareRecords := v.prepareState(seq)
	if vaultRecord != nil {
		if err := storage.Upsert(grm, []*storage.VaultState{vaultRecord}); err != nil {
			v.logger.Error("Failed to upsert vault state", zap.Error(err), zap.Uint64("seq", seq))
			return err
		}
	}
	if err := storage.Upsert(grm, shareRecords); err != nil {
		v.logger.Error("Failed to upsert share balances", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (v *YieldVaultModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	params := base.EncodeAmount(v.state.LiquidityReservePercent)
	params = append(params, base.EncodeAmount(v.state.TreasuryFeePercent)...)
	params = append(params, base.EncodeAmount(v.state.OperatorFeePercent)...)
	params = append(params, base.EncodeAmount(v.state.MintFeePercent)...)
	params = append(params, base.EncodeBool(v.state.DepositsEnabled)...)

	inputs := []*base.MerkleTreeInput{
		{SlotID: base.NewSlotID("params"), Value: params},
		{SlotID: base.NewSlotID("totalShares"), Value: base.EncodeAmount(v.state.TotalShares)},
	}
	for holder, shares := range v.state.Shares {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("shares", utils.AddressKey(holder)),
			Value:  base.EncodeAmount(shares),
		})
	}
	for owner, spenders := range v.state.Allowances {
		for spender, amount := range spenders {
			inputs = append(inputs, &base.MerkleTreeInput{
				SlotID: base.NewSlotID("allowance", utils.AddressKey(owner), utils.AddressKey(spender)),
				Value:  base.EncodeAmount(amount),
			})
		}
	}
	base.SortInputs(inputs)
	return v.GenerateRoot(seq, inputs)
}
