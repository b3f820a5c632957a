package feeSplitter

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
)

func pct(t *testing.T, s string) *big.Int {
	p, err := numbers.ParsePercent(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func Test_FeeSplitter(t *testing.T) {
	t.Run("Should split a reward of 100 with a 1% combined fee", func(t *testing.T) {
		split, err := SplitAmount(big.NewInt(100), pct(t, "0.5%"), pct(t, "0.5%"))
		assert.Nil(t, err)
		assert.Equal(t, "0", split.Treasury.String())
		assert.Equal(t, "0", split.Operator.String())
		assert.Equal(t, "100", split.Community.String())

		split, err = SplitAmount(big.NewInt(100), pct(t, "1%"), pct(t, "0"))
		assert.Nil(t, err)
		assert.Equal(t, "1", split.Treasury.String())
		assert.Equal(t, "99", split.Community.String())
	})
	t.Run("Should always sum to the gross amount", func(t *testing.T) {
		gross, _ := new(big.Int).SetString("123456789012345678901", 10)
		split, err := SplitAmount(gross, pct(t, "0.1337"), pct(t, "0.0421"))
		assert.Nil(t, err)

		sum := new(big.Int).Add(split.Treasury, split.Operator)
		sum.Add(sum, split.Community)
		assert.Equal(t, gross.String(), sum.String())
	})
	t.Run("Should reject invalid inputs instead of clamping", func(t *testing.T) {
		_, err := SplitAmount(big.NewInt(-1), pct(t, "0"), pct(t, "0"))
		assert.ErrorIs(t, err, ErrNegativeAmount)

		_, err = SplitAmount(big.NewInt(1), big.NewInt(-1), pct(t, "0"))
		assert.ErrorIs(t, err, ErrInvalidFee)

		_, err = SplitAmount(big.NewInt(1), pct(t, "0"), pct(t, "101%"))
		assert.ErrorIs(t, err, ErrInvalidFee)

		_, err = SplitAmount(big.NewInt(100), pct(t, "60%"), pct(t, "50%"))
		assert.ErrorIs(t, err, ErrNegativeCommunity)
	})
}
