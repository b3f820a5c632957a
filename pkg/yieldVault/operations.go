package yieldVault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"go.uber.org/zap"
)

type DepositEvent struct {
	Asset    balances.Asset `json:"asset"`
	Caller   common.Address `json:"caller"`
	Receiver common.Address `json:"receiver"`
	Assets   string         `json:"assets"`
	Fee      string         `json:"fee"`
	Shares   string         `json:"shares"`
}

type WithdrawEvent struct {
	Asset    balances.Asset `json:"asset"`
	Caller   common.Address `json:"caller"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
	Assets   string         `json:"assets"`
	Shares   string         `json:"shares"`
}

type TransferEvent struct {
	Asset  balances.Asset `json:"asset"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Shares string         `json:"shares"`
}

type ApprovalEvent struct {
	Asset   balances.Asset `json:"asset"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Shares  string         `json:"shares"`
}

type RebalancedEvent struct {
	Asset   balances.Asset `json:"asset"`
	ToPool  string         `json:"toPool"`
	ToVault string         `json:"toVault"`
	Direct  string         `json:"direct"`
	Target  string         `json:"target"`
}

type SanctionedAddressEvent struct {
	Asset   balances.Asset `json:"asset"`
	Address common.Address `json:"address"`
}

type CoverageRatioEvent struct {
	Ratio string `json:"ratio"`
	Min   string `json:"min"`
	Max   string `json:"max"`
}

// checkSanctions either rejects sanctioned addresses or records them, depending on
// the enforcement mode.
func (v *YieldVaultModel) checkSanctions(tx types.ITransaction, addrs ...common.Address) error {
	if v.sanctions == nil {
		return nil
	}
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		if !v.sanctions.IsSanctioned(addr) {
			continue
		}
		if v.sanctionsEnforcement == config.SanctionsEnforcement_Revert {
			return fmt.Errorf("%w: %s", ErrSanctionedAddress, addr.Hex())
		}
		v.logger.Warn("Sanctioned address interacting with vault",
			zap.String("asset", string(v.asset)),
			zap.String("address", addr.Hex()),
		)
		tx.Emit(Event_SanctionedAddress, &SanctionedAddressEvent{Asset: v.asset, Address: addr})
	}
	return nil
}

// Deposit takes assets from the caller and mints shares to the receiver.
func (v *YieldVaultModel) Deposit(tx types.ITransaction, assets *big.Int, receiver common.Address) (*big.Int, error) {
	if !v.state.DepositsEnabled {
		return nil, ErrDepositsDisabled
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := v.checkSanctions(tx, tx.Caller(), receiver); err != nil {
		return nil, err
	}

	fee := v.mintFee(assets)
	net := new(big.Int).Sub(assets, fee)
	shares := numbers.Copy(net)
	if v.state.TotalShares.Sign() != 0 {
		ta := v.TotalAssets(tx.Now())
		if ta.Sign() == 0 {
			return nil, ErrZeroTotalAssets
		}
		shares = numbers.MulDiv(net, v.state.TotalShares, ta)
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}

	if err := v.settleDeposit(tx, net, fee, shares, receiver); err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint mints exactly shares to the receiver, taking the required assets plus the mint fee.
func (v *YieldVaultModel) Mint(tx types.ITransaction, shares *big.Int, receiver common.Address) (*big.Int, error) {
	if !v.state.DepositsEnabled {
		return nil, ErrDepositsDisabled
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroShares
	}
	if err := v.checkSanctions(tx, tx.Caller(), receiver); err != nil {
		return nil, err
	}
	if v.state.TotalShares.Sign() != 0 && v.TotalAssets(tx.Now()).Sign() == 0 {
		return nil, ErrZeroTotalAssets
	}

	net := numbers.Copy(shares)
	if v.state.TotalShares.Sign() != 0 {
		net = numbers.MulDivUp(shares, v.TotalAssets(tx.Now()), v.state.TotalShares)
	}
	gross := v.PreviewMint(shares, tx.Now())
	fee := new(big.Int).Sub(gross, net)

	if err := v.settleDeposit(tx, net, fee, shares, receiver); err != nil {
		return nil, err
	}
	return gross, nil
}

func (v *YieldVaultModel) settleDeposit(tx types.ITransaction, net *big.Int, fee *big.Int, shares *big.Int, receiver common.Address) error {
	if err := v.balances.Transfer(tx, v.asset, tx.Caller(), v.treasury, fee); err != nil {
		return err
	}
	if err := v.balances.Transfer(tx, v.asset, tx.Caller(), v.address, net); err != nil {
		return err
	}
	if err := v.mintShares(tx, receiver, shares); err != nil {
		return err
	}
	gross := new(big.Int).Add(net, fee)

	v.logger.Debug("Deposit",
		zap.String("asset", string(v.asset)),
		zap.String("receiver", receiver.Hex()),
		zap.String("assets", gross.String()),
		zap.String("shares", shares.String()),
	)
	tx.Emit(Event_Deposit, &DepositEvent{
		Asset:    v.asset,
		Caller:   tx.Caller(),
		Receiver: receiver,
		Assets:   gross.String(),
		Fee:      fee.String(),
		Shares:   shares.String(),
	})
	if err := v.checkCoverage(tx); err != nil {
		return err
	}
	return v.Rebalance(tx)
}

// Redeem burns exactly shares from owner and sends the assets they are worth to the receiver.
func (v *YieldVaultModel) Redeem(tx types.ITransaction, shares *big.Int, receiver common.Address, owner common.Address) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroShares
	}
	if maxShares := v.MaxRedeem(owner); shares.Cmp(maxShares) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrExceedsMaxRedeem, shares, maxShares)
	}
	if err := v.checkSanctions(tx, tx.Caller(), receiver); err != nil {
		return nil, err
	}
	assets := v.PreviewRedeem(shares, tx.Now())
	if assets.Sign() == 0 {
		return nil, ErrZeroAssets
	}
	if err := v.settleWithdrawal(tx, assets, shares, receiver, owner); err != nil {
		return nil, err
	}
	return assets, nil
}

// Withdraw sends exactly assets to the receiver, burning the shares they are worth, rounded up.
func (v *YieldVaultModel) Withdraw(tx types.ITransaction, assets *big.Int, receiver common.Address, owner common.Address) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	shares := v.PreviewWithdraw(assets, tx.Now())
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	if maxShares := v.MaxRedeem(owner); shares.Cmp(maxShares) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrExceedsMaxRedeem, shares, maxShares)
	}
	if err := v.checkSanctions(tx, tx.Caller(), receiver); err != nil {
		return nil, err
	}
	if err := v.settleWithdrawal(tx, assets, shares, receiver, owner); err != nil {
		return nil, err
	}
	return shares, nil
}

func (v *YieldVaultModel) settleWithdrawal(tx types.ITransaction, assets *big.Int, shares *big.Int, receiver common.Address, owner common.Address) error {
	if err := v.spendAllowance(owner, tx.Caller(), shares); err != nil {
		return err
	}

	direct := v.DirectBalance()
	if direct.Cmp(assets) < 0 {
		shortfall := new(big.Int).Sub(assets, direct)
		liquid := v.pool.Liquid(v.asset)
		if liquid.Cmp(shortfall) < 0 {
			return fmt.Errorf("%w: needs %s from the pool, %s available", ErrInsufficientLiquidity, shortfall, liquid)
		}
		if err := v.pool.Provide(tx, v.asset, v.address, shortfall); err != nil {
			return err
		}
	}

	if err := v.burnShares(tx, owner, shares); err != nil {
		return err
	}
	if err := v.balances.Transfer(tx, v.asset, v.address, receiver, assets); err != nil {
		return err
	}

	v.logger.Debug("Withdraw",
		zap.String("asset", string(v.asset)),
		zap.String("owner", owner.Hex()),
		zap.String("assets", assets.String()),
		zap.String("shares", shares.String()),
	)
	tx.Emit(Event_Withdraw, &WithdrawEvent{
		Asset:    v.asset,
		Caller:   tx.Caller(),
		Receiver: receiver,
		Owner:    owner,
		Assets:   assets.String(),
		Shares:   shares.String(),
	})
	if err := v.checkCoverage(tx); err != nil {
		return err
	}
	return v.Rebalance(tx)
}

func (v *YieldVaultModel) Approve(tx types.ITransaction, spender common.Address, shares *big.Int) error {
	if shares == nil || shares.Sign() < 0 {
		return ErrZeroAmount
	}
	if _, err := v.changes(tx); err != nil {
		return err
	}
	v.setAllowance(tx.Caller(), spender, numbers.Copy(shares))
	tx.Emit(Event_Approval, &ApprovalEvent{Asset: v.asset, Owner: tx.Caller(), Spender: spender, Shares: shares.String()})
	return nil
}

// TransferShares moves shares from the caller to another holder.
func (v *YieldVaultModel) TransferShares(tx types.ITransaction, to common.Address, shares *big.Int) error {
	if shares == nil || shares.Sign() <= 0 {
		return ErrZeroShares
	}
	if err := v.checkSanctions(tx, tx.Caller(), to); err != nil {
		return err
	}
	c, err := v.changes(tx)
	if err != nil {
		return err
	}
	from := tx.Caller()
	bal := v.BalanceOf(from)
	if bal.Cmp(shares) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientShares, from.Hex(), bal, shares)
	}
	v.setShares(c, from, bal.Sub(bal, shares))
	v.setShares(c, to, new(big.Int).Add(v.BalanceOf(to), shares))
	tx.Emit(Event_Transfer, &TransferEvent{Asset: v.asset, From: from, To: to, Shares: shares.String()})
	return nil
}

// Rebalance moves the direct balance towards the liquidity reserve target. Excess goes to
// the pool; a deficit is covered as far as the pool's liquidity allows.
func (v *YieldVaultModel) Rebalance(tx types.ITransaction) error {
	target := numbers.ApplyPercent(v.TotalAssets(tx.Now()), v.state.LiquidityReservePercent)
	direct := v.DirectBalance()

	toPool := big.NewInt(0)
	toVault := big.NewInt(0)
	switch direct.Cmp(target) {
	case 1:
		toPool.Sub(direct, target)
		if err := v.pool.Receive(tx, v.asset, v.address, toPool); err != nil {
			return err
		}
	case -1:
		toVault = numbers.Min(new(big.Int).Sub(target, direct), v.pool.Liquid(v.asset))
		if toVault.Sign() > 0 {
			if err := v.pool.Provide(tx, v.asset, v.address, toVault); err != nil {
				return err
			}
		}
	}
	if toPool.Sign() == 0 && toVault.Sign() == 0 {
		return nil
	}

	v.logger.Debug("Rebalanced vault",
		zap.String("asset", string(v.asset)),
		zap.String("toPool", toPool.String()),
		zap.String("toVault", toVault.String()),
		zap.String("target", target.String()),
	)
	tx.Emit(Event_Rebalanced, &RebalancedEvent{
		Asset:   v.asset,
		ToPool:  toPool.String(),
		ToVault: toVault.String(),
		Direct:  v.DirectBalance().String(),
		Target:  target.String(),
	})
	return nil
}

// CoverageRatio returns this vault's valuation in base asset terms relative to the base
// vault's valuation, 1e18 fixed point. ok is false when the ratio is undefined.
func (v *YieldVaultModel) CoverageRatio(tx types.ITransaction) (ratio *big.Int, ok bool) {
	if v.coverage == nil {
		return nil, false
	}
	baseTvl := v.coverage.BaseVault.TotalAssets(tx.Now())
	price := v.coverage.Oracle.GetPrice()
	if baseTvl.Sign() == 0 || price.Sign() == 0 {
		return nil, false
	}
	valued := numbers.MulDiv(v.TotalAssets(tx.Now()), price, numbers.Precision())
	return numbers.MulDiv(valued, numbers.Precision(), baseTvl), true
}

func (v *YieldVaultModel) checkCoverage(tx types.ITransaction) error {
	ratio, ok := v.CoverageRatio(tx)
	if !ok {
		return nil
	}
	if ratio.Cmp(v.coverage.MinRatio) >= 0 && ratio.Cmp(v.coverage.MaxRatio) <= 0 {
		return nil
	}
	if v.coverage.Enforce {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrCoverageRatioOutOfBand, ratio, v.coverage.MinRatio, v.coverage.MaxRatio)
	}
	v.logger.Warn("Coverage ratio out of band",
		zap.String("ratio", numbers.ToDecimal(ratio, numbers.PrecisionDecimals).String()),
		zap.String("min", numbers.ToDecimal(v.coverage.MinRatio, numbers.PrecisionDecimals).String()),
		zap.String("max", numbers.ToDecimal(v.coverage.MaxRatio, numbers.PrecisionDecimals).String()),
	)
	tx.Emit(Event_CoverageRatioOutOfBand, &CoverageRatioEvent{
		Ratio: ratio.String(),
		Min:   v.coverage.MinRatio.String(),
		Max:   v.coverage.MaxRatio.String(),
	})
	return nil
}
