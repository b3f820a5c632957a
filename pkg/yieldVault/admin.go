package yieldVault

import (
	"fmt"
	"math/big"

	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"go.uber.org/zap"
)

type ParameterUpdatedEvent struct {
	Asset     balances.Asset `json:"asset"`
	Parameter string         `json:"parameter"`
	Previous  string         `json:"previous"`
	Value     string         `json:"value"`
}

const (
	Parameter_LiquidityReservePercent = "liquidityReservePercent"
	Parameter_TreasuryFeePercent      = "treasuryFeePercent"
	Parameter_OperatorFeePercent      = "operatorFeePercent"
	Parameter_MintFeePercent          = "mintFeePercent"
	Parameter_DepositsEnabled         = "depositsEnabled"
)

func (v *YieldVaultModel) updated(tx types.ITransaction, parameter string, previous string, value string) error {
	c, err := v.changes(tx)
	if err != nil {
		return err
	}
	c.params = true

	v.logger.Info("Updated vault parameter",
		zap.String("asset", string(v.asset)),
		zap.String("parameter", parameter),
		zap.String("previous", previous),
		zap.String("value", value),
	)
	tx.Emit(Event_ParameterUpdated, &ParameterUpdatedEvent{
		Asset:     v.asset,
		Parameter: parameter,
		Previous:  previous,
		Value:     value,
	})
	return v.Rebalance(tx)
}

func (v *YieldVaultModel) SetLiquidityReservePercent(tx types.ITransaction, percent *big.Int) error {
	if !numbers.IsValidPercent(percent) {
		return fmt.Errorf("%w: %v", ErrInvalidPercent, percent)
	}
	previous := v.state.LiquidityReservePercent
	if previous.Cmp(percent) == 0 {
		return fmt.Errorf("%w: %s", ErrValueUnchanged, Parameter_LiquidityReservePercent)
	}
	v.state.LiquidityReservePercent = numbers.Copy(percent)
	return v.updated(tx, Parameter_LiquidityReservePercent, previous.String(), percent.String())
}

func (v *YieldVaultModel) SetTreasuryFee(tx types.ITransaction, percent *big.Int) error {
	if !numbers.IsValidPercent(percent) {
		return fmt.Errorf("%w: %v", ErrInvalidPercent, percent)
	}
	previous := v.state.TreasuryFeePercent
	if previous.Cmp(percent) == 0 {
		return fmt.Errorf("%w: %s", ErrValueUnchanged, Parameter_TreasuryFeePercent)
	}
	if new(big.Int).Add(percent, v.state.OperatorFeePercent).Cmp(numbers.Precision()) > 0 {
		return ErrInvalidFee
	}
	v.state.TreasuryFeePercent = numbers.Copy(percent)
	return v.updated(tx, Parameter_TreasuryFeePercent, previous.String(), percent.String())
}

func (v *YieldVaultModel) SetOperatorFee(tx types.ITransaction, percent *big.Int) error {
	if !v.supportsOperatorFee {
		return fmt.Errorf("%w: '%s'", ErrOperatorFeeUnsupported, v.asset)
	}
	if !numbers.IsValidPercent(percent) {
		return fmt.Errorf("%w: %v", ErrInvalidPercent, percent)
	}
	previous := v.state.OperatorFeePercent
	if previous.Cmp(percent) == 0 {
		return fmt.Errorf("%w: %s", ErrValueUnchanged, Parameter_OperatorFeePercent)
	}
	if new(big.Int).Add(percent, v.state.TreasuryFeePercent).Cmp(numbers.Precision()) > 0 {
		return ErrInvalidFee
	}
	v.state.OperatorFeePercent = numbers.Copy(percent)
	return v.updated(tx, Parameter_OperatorFeePercent, previous.String(), percent.String())
}

func (v *YieldVaultModel) SetMintFee(tx types.ITransaction, percent *big.Int) error {
	if percent == nil || percent.Sign() < 0 || percent.Cmp(numbers.Precision()) >= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidMintFee, percent)
	}
	previous := v.state.MintFeePercent
	if previous.Cmp(percent) == 0 {
		return fmt.Errorf("%w: %s", ErrValueUnchanged, Parameter_MintFeePercent)
	}
	v.state.MintFeePercent = numbers.Copy(percent)
	return v.updated(tx, Parameter_MintFeePercent, previous.String(), percent.String())
}

func (v *YieldVaultModel) SetDepositsEnabled(tx types.ITransaction, enabled bool) error {
	previous := v.state.DepositsEnabled
	if previous == enabled {
		return fmt.Errorf("%w: %s", ErrValueUnchanged, Parameter_DepositsEnabled)
	}
	v.state.DepositsEnabled = enabled
	return v.updated(tx, Parameter_DepositsEnabled, fmt.Sprint(previous), fmt.Sprint(enabled))
}
