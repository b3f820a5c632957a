package feeSplitter

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/yieldledger/yieldledger/pkg/types/numbers"
)

var (
	ErrNegativeAmount    = errors.New("gross amount must not be negative")
	ErrInvalidFee        = errors.New("fee must be between 0 and 100%")
	ErrNegativeCommunity = errors.New("fees exceed the gross amount")
)

// Split is the partition of a gross reward into its three portions.
// Treasury + Operator + Community always equals the gross amount.
type Split struct {
	Treasury  *big.Int `json:"treasury"`
	Operator  *big.Int `json:"operator"`
	Community *big.Int `json:"community"`
}

// SplitAmount divides gross using 1e18 fixed point fee rates. Fee portions round down so
// any rounding remainder stays with the community portion.
func SplitAmount(gross *big.Int, treasuryFee *big.Int, operatorFee *big.Int) (*Split, error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if !numbers.IsValidPercent(treasuryFee) {
		return nil, fmt.Errorf("%w: treasury fee %v", ErrInvalidFee, treasuryFee)
	}
	if !numbers.IsValidPercent(operatorFee) {
		return nil, fmt.Errorf("%w: operator fee %v", ErrInvalidFee, operatorFee)
	}

	treasury := numbers.ApplyPercent(gross, treasuryFee)
	operator := numbers.ApplyPercent(gross, operatorFee)

	community := new(big.Int).Sub(gross, treasury)
	community.Sub(community, operator)
	if community.Sign() < 0 {
		return nil, fmt.Errorf("%w: treasury %s + operator %s > gross %s", ErrNegativeCommunity, treasury, operator, gross)
	}

	return &Split{
		Treasury:  treasury,
		Operator:  operator,
		Community: community,
	}, nil
}
