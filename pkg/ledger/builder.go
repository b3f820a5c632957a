package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/pkg/roles"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"github.com/yieldledger/yieldledger/pkg/utils"
)

// DefaultTreasury receives fees when no treasury address is configured.
var DefaultTreasury = utils.ComponentAddress("treasury")

func parseOptionalPercent(name string, s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	p, err := numbers.ParsePercent(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", name)
	}
	if !numbers.IsValidPercent(p) {
		return nil, fmt.Errorf("invalid %s: '%s' is outside [0, 100%%]", name, s)
	}
	return p, nil
}

func vaultSettingsFromConfig(prefix string, vc *config.VaultConfig) (VaultSettings, error) {
	var err error
	s := VaultSettings{DepositsEnabled: vc.DepositsEnabled}
	if s.LiquidityReservePercent, err = parseOptionalPercent(prefix+".liquidity-reserve-percent", vc.LiquidityReservePercent); err != nil {
		return s, err
	}
	if s.TreasuryFeePercent, err = parseOptionalPercent(prefix+".treasury-fee-percent", vc.TreasuryFeePercent); err != nil {
		return s, err
	}
	if s.OperatorFeePercent, err = parseOptionalPercent(prefix+".operator-fee-percent", vc.OperatorFeePercent); err != nil {
		return s, err
	}
	if s.MintFeePercent, err = parseOptionalPercent(prefix+".mint-fee-percent", vc.MintFeePercent); err != nil {
		return s, err
	}
	return s, nil
}

func parseAddresses(name string, values []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		a, err := utils.ParseAddress(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", name)
		}
		out = append(out, a)
	}
	return out, nil
}

// LedgerConfigFromConfig parses the string valued settings of the global config.
func LedgerConfigFromConfig(cfg *config.Config) (*LedgerConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lc := &LedgerConfig{
		Treasury:             DefaultTreasury,
		StreamingInterval:    cfg.GetStreamingInterval(),
		RemainderPolicy:      cfg.GetRemainderPolicy(),
		SanctionsEnforcement: cfg.GetSanctionsEnforcement(),
		EnforceCoverageRatio: cfg.VaultsConfig.EnforceCoverageRatio,
		Roles:                make(map[roles.Role][]common.Address),
	}

	var err error
	if cfg.RolesConfig.TreasuryAddress != "" {
		if lc.Treasury, err = utils.ParseAddress(cfg.RolesConfig.TreasuryAddress); err != nil {
			return nil, errors.Wrap(err, "invalid treasury address")
		}
	}
	if lc.EthVault, err = vaultSettingsFromConfig("vaults.eth", &cfg.VaultsConfig.Eth); err != nil {
		return nil, err
	}
	if lc.RplVault, err = vaultSettingsFromConfig("vaults.rpl", &cfg.VaultsConfig.Rpl); err != nil {
		return nil, err
	}

	minRatio, maxRatio := cfg.VaultsConfig.MinWethRplRatio, cfg.VaultsConfig.MaxWethRplRatio
	if minRatio != "" && maxRatio != "" {
		if lc.MinCoverageRatio, err = numbers.ParseFixedPoint(minRatio); err != nil {
			return nil, errors.Wrap(err, "invalid vaults.min-weth-rpl-ratio")
		}
		if lc.MaxCoverageRatio, err = numbers.ParseFixedPoint(maxRatio); err != nil {
			return nil, errors.Wrap(err, "invalid vaults.max-weth-rpl-ratio")
		}
		if lc.MinCoverageRatio.Cmp(lc.MaxCoverageRatio) > 0 {
			return nil, fmt.Errorf("min coverage ratio %s exceeds max coverage ratio %s", minRatio, maxRatio)
		}
	}

	roleSources := map[roles.Role][]string{
		roles.Role_Admin:     cfg.RolesConfig.Admin,
		roles.Role_Protocol:  cfg.RolesConfig.Protocol,
		roles.Role_Treasurer: cfg.RolesConfig.Treasurer,
		roles.Role_Timelock:  cfg.RolesConfig.Timelock,
		roles.Role_Oracle:    cfg.RolesConfig.Oracle,
	}
	for role, values := range roleSources {
		addrs, err := parseAddresses("roles."+string(role), values)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			lc.Roles[role] = addrs
		}
	}
	return lc, nil
}
