package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/pkg/roles"
)

func Test_LedgerConfigFromConfig(t *testing.T) {
	t.Run("Should parse percentages, ratios and roles", func(t *testing.T) {
		cfg := &config.Config{
			VaultsConfig: config.VaultsConfig{
				Eth:             config.VaultConfig{LiquidityReservePercent: "10%", TreasuryFeePercent: "0.05", DepositsEnabled: true},
				Rpl:             config.VaultConfig{LiquidityReservePercent: "0.2"},
				MinWethRplRatio: "0.1",
				MaxWethRplRatio: "1.5",
			},
			RolesConfig: config.RolesConfig{
				Admin:           []string{admin.Hex()},
				TreasuryAddress: treasury.Hex(),
			},
		}
		lc, err := LedgerConfigFromConfig(cfg)
		assert.Nil(t, err)
		assert.Equal(t, treasury, lc.Treasury)
		assert.Equal(t, percent("0.1").String(), lc.EthVault.LiquidityReservePercent.String())
		assert.Equal(t, percent("0.05").String(), lc.EthVault.TreasuryFeePercent.String())
		assert.Equal(t, "0", lc.EthVault.OperatorFeePercent.String())
		assert.True(t, lc.EthVault.DepositsEnabled)
		assert.False(t, lc.RplVault.DepositsEnabled)
		assert.Equal(t, "100000000000000000", lc.MinCoverageRatio.String())
		assert.Equal(t, "1500000000000000000", lc.MaxCoverageRatio.String())
		assert.Equal(t, admin, lc.Roles[roles.Role_Admin][0])
		assert.Equal(t, config.RemainderPolicy_Reset, lc.RemainderPolicy)
	})
	t.Run("Should fall back to the default treasury and skip coverage without both bounds", func(t *testing.T) {
		lc, err := LedgerConfigFromConfig(&config.Config{VaultsConfig: config.VaultsConfig{MinWethRplRatio: "0.1"}})
		assert.Nil(t, err)
		assert.Equal(t, DefaultTreasury, lc.Treasury)
		assert.Nil(t, lc.MinCoverageRatio)
		assert.Nil(t, lc.MaxCoverageRatio)
	})
	t.Run("Should reject invalid values", func(t *testing.T) {
		_, err := LedgerConfigFromConfig(&config.Config{VaultsConfig: config.VaultsConfig{Eth: config.VaultConfig{TreasuryFeePercent: "150%"}}})
		assert.NotNil(t, err)

		_, err = LedgerConfigFromConfig(&config.Config{VaultsConfig: config.VaultsConfig{MinWethRplRatio: "2", MaxWethRplRatio: "1"}})
		assert.NotNil(t, err)

		_, err = LedgerConfigFromConfig(&config.Config{RolesConfig: config.RolesConfig{Protocol: []string{"nope"}}})
		assert.NotNil(t, err)
	})
}
