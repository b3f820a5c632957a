package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/transaction"
	"github.com/yieldledger/yieldledger/pkg/roles"
	"github.com/yieldledger/yieldledger/pkg/yieldVault"
)

// Command is a single ledger operation. Commands are json encoded into the transition
// log so they can be replayed.
type Command interface {
	Name() string
	// RequiredRoles lists the roles of which the caller needs at least one. Empty means public.
	RequiredRoles() []roles.Role
	Apply(l *Ledger, tx *transaction.Transaction) (any, error)
}

var commandRegistry = map[string]func() Command{}

func registerCommand(factory func() Command) {
	commandRegistry[factory().Name()] = factory
}

// DecodeCommand rebuilds a command from its name and json payload.
func DecodeCommand(name string, payload []byte) (Command, error) {
	factory, ok := commandRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown command '%s'", name)
	}
	cmd := factory()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("failed to decode command '%s': %w", name, err)
		}
	}
	return cmd, nil
}

// CommandNames lists every registered command, sorted.
func CommandNames() []string {
	names := make([]string, 0, len(commandRegistry))
	for name := range commandRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	registerCommand(func() Command { return &CreditAccount{} })
	registerCommand(func() Command { return &Deposit{} })
	registerCommand(func() Command { return &Mint{} })
	registerCommand(func() Command { return &Redeem{} })
	registerCommand(func() Command { return &Withdraw{} })
	registerCommand(func() Command { return &Approve{} })
	registerCommand(func() Command { return &TransferShares{} })
	registerCommand(func() Command { return &Rebalance{} })
	registerCommand(func() Command { return &SetLiquidityReservePercent{} })
	registerCommand(func() Command { return &SetTreasuryFee{} })
	registerCommand(func() Command { return &SetOperatorFee{} })
	registerCommand(func() Command { return &SetMintFee{} })
	registerCommand(func() Command { return &SetDepositsEnabled{} })
	registerCommand(func() Command { return &SetRewardsRoot{} })
	registerCommand(func() Command { return &ClaimRewards{} })
	registerCommand(func() Command { return &SubmitClaim{} })
	registerCommand(func() Command { return &SweepLockedBalance{} })
	registerCommand(func() Command { return &SetStreamingInterval{} })
	registerCommand(func() Command { return &RegisterOperator{} })
	registerCommand(func() Command { return &DeregisterOperator{} })
	registerCommand(func() Command { return &SetRewardController{} })
	registerCommand(func() Command { return &SetSanctioned{} })
	registerCommand(func() Command { return &SetPrice{} })
	registerCommand(func() Command { return &DebitOperatorFunds{} })
	registerCommand(func() Command { return &CreditOperatorFunds{} })
	registerCommand(func() Command { return &SendEpochRewards{} })
	registerCommand(func() Command { return &FinalizeInterval{} })
	registerCommand(func() Command { return &Harvest{} })
	registerCommand(func() Command { return &GrantRole{} })
	registerCommand(func() Command { return &RevokeRole{} })
}

var (
	public        = []roles.Role{}
	adminOnly     = []roles.Role{roles.Role_Admin}
	protocolRoles = []roles.Role{roles.Role_Protocol, roles.Role_Admin}
)

// Accounts

// CreditAccount brings value from outside the ledger into an account.
type CreditAccount struct {
	Asset  balances.Asset `json:"asset"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

func (c *CreditAccount) Name() string { return "credit-account" }
func (c *CreditAccount) RequiredRoles() []roles.Role {
	return []roles.Role{roles.Role_Treasurer, roles.Role_Admin}
}
func (c *CreditAccount) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if _, err := balances.ParseAsset(string(c.Asset)); err != nil {
		return nil, err
	}
	return nil, l.Balances.Mint(tx, c.Asset, c.To, c.Amount)
}

// Vaults

type Deposit struct {
	Asset    balances.Asset `json:"asset"`
	Assets   *big.Int       `json:"assets"`
	Receiver common.Address `json:"receiver"`
}

func (c *Deposit) Name() string                { return "deposit" }
func (c *Deposit) RequiredRoles() []roles.Role { return public }
func (c *Deposit) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	v, err := l.Vault(c.Asset)
	if err != nil {
		return nil, err
	}
	return v.Deposit(tx, c.Assets, c.Receiver)
}

type Mint struct {
	Asset    balances.Asset `json:"asset"`
	Shares   *big.Int       `json:"shares"`
	Receiver common.Address `json:"receiver"`
}

func (c *Mint) Name() string                { return "mint" }
func (c *Mint) RequiredRoles() []roles.Role { return public }
func (c *Mint) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	v, err := l.Vault(c.Asset)
	if err != nil {
		return nil, err
	}
	return v.Mint(tx, c.Shares, c.Receiver)
}

type Redeem struct {
	Asset    balances.Asset `json:"asset"`
	Shares   *big.Int       `json:"shares"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

func (c *Redeem) Name() string                { return "redeem" }
func (c *Redeem) RequiredRoles() []roles.Role { return public }
func (c *Redeem) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	v, err := l.Vault(c.Asset)
	if err != nil {
		return nil, err
	}
	return v.Redeem(tx, c.Shares, c.Receiver, c.Owner)
}

type Withdraw struct {
	Asset    balances.Asset `json:"asset"`
	Assets   *big.Int       `json:"assets"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

func (c *Withdraw) Name() string                { return "withdraw" }
func (c *Withdraw) RequiredRoles() []roles.Role { return public }
func (c *Withdraw) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	v, err := l.Vault(c.Asset)
	if err != nil {
		return nil, err
	}
	return v.Withdraw(tx, c.Assets, c.Receiver, c.Owner)
}

type Approve struct {
	Asset   balances.Asset `json:"asset"`
	Spender common.Address `json:"spender"`
	Shares  *big.Int       `json:"shares"`
}

func (c *Approve) Name() string                { return "approve" }
func (c *Approve) RequiredRoles() []roles.Role { return public }
func (c *Approve) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	v, err := l.Vault(c.Asset)
	if err != nil {
		return nil, err
	}
	return nil, v.Approve(tx, c.Spender, c.Shares)
}

type TransferShares struct {
	Asset  balances.Asset `json:"asset"`
	To     common.Address `json:"to"`
	Shares *big.Int       `json:"shares"`
}

func (c *TransferShares) Name() string                { return "transfer-shares" }
func (c *TransferShares) RequiredRoles() []roles.Role { return public }
func (c *TransferShares) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	v, err := l.Vault(c.Asset)
	if err != nil {
		return nil, err
	}
	return nil, v.TransferShares(tx, c.To, c.Shares)
}

type Rebalance struct {
	Asset balances.Asset `json:"asset"`
}

func (c *Rebalance) Name() string                { return "rebalance" }
func (c *Rebalance) RequiredRoles() []roles.Role { return public }
func (c *Rebalance) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	v, err := l.Vault(c.Asset)
	if err != nil {
		return nil, err
	}
	return nil, v.Rebalance(tx)
}

// Vault administration

type SetLiquidityReservePercent struct {
	Asset   balances.Asset `json:"asset"`
	Percent *big.Int       `json:"percent"`
}

func (c *SetLiquidityReservePercent) Name() string                { return "set-liquidity-reserve" }
func (c *SetLiquidityReservePercent) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetLiquidityReservePercent) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, withVault(l, c.Asset, func(v *yieldVault.YieldVaultModel) error {
		return v.SetLiquidityReservePercent(tx, c.Percent)
	})
}

type SetTreasuryFee struct {
	Asset   balances.Asset `json:"asset"`
	Percent *big.Int       `json:"percent"`
}

func (c *SetTreasuryFee) Name() string                { return "set-treasury-fee" }
func (c *SetTreasuryFee) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetTreasuryFee) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, withVault(l, c.Asset, func(v *yieldVault.YieldVaultModel) error {
		return v.SetTreasuryFee(tx, c.Percent)
	})
}

type SetOperatorFee struct {
	Asset   balances.Asset `json:"asset"`
	Percent *big.Int       `json:"percent"`
}

func (c *SetOperatorFee) Name() string                { return "set-operator-fee" }
func (c *SetOperatorFee) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetOperatorFee) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, withVault(l, c.Asset, func(v *yieldVault.YieldVaultModel) error {
		return v.SetOperatorFee(tx, c.Percent)
	})
}

type SetMintFee struct {
	Asset   balances.Asset `json:"asset"`
	Percent *big.Int       `json:"percent"`
}

func (c *SetMintFee) Name() string                { return "set-mint-fee" }
func (c *SetMintFee) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetMintFee) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, withVault(l, c.Asset, func(v *yieldVault.YieldVaultModel) error {
		return v.SetMintFee(tx, c.Percent)
	})
}

type SetDepositsEnabled struct {
	Asset   balances.Asset `json:"asset"`
	Enabled bool           `json:"enabled"`
}

func (c *SetDepositsEnabled) Name() string                { return "set-deposits-enabled" }
func (c *SetDepositsEnabled) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetDepositsEnabled) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, withVault(l, c.Asset, func(v *yieldVault.YieldVaultModel) error {
		return v.SetDepositsEnabled(tx, c.Enabled)
	})
}

func withVault(l *Ledger, asset balances.Asset, fn func(v *yieldVault.YieldVaultModel) error) error {
	v, err := l.Vault(asset)
	if err != nil {
		return err
	}
	return fn(v)
}

// Reward claims and streaming

type SetRewardsRoot struct {
	Index uint64 `json:"index"`
	Root  []byte `json:"root"`
}

func (c *SetRewardsRoot) Name() string                { return "set-rewards-root" }
func (c *SetRewardsRoot) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetRewardsRoot) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, l.RewardClaims.SetRewardsRoot(tx, c.Index, c.Root)
}

// ClaimRewards claims a merkle-rooted reward interval into the streamer.
type ClaimRewards struct {
	Index uint64            `json:"index"`
	Eth   *big.Int          `json:"eth"`
	Rpl   *big.Int          `json:"rpl"`
	Proof *merkletree.Proof `json:"proof"`
}

func (c *ClaimRewards) Name() string                { return "claim-rewards" }
func (c *ClaimRewards) RequiredRoles() []roles.Role { return public }
func (c *ClaimRewards) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if c.Proof == nil {
		c.Proof = &merkletree.Proof{}
	}
	return nil, l.RewardClaims.Claim(tx, c.Index, c.Eth, c.Rpl, c.Proof)
}

// SubmitClaim credits gross rewards arriving outside of a merkle interval to the streamer and submits them.
type SubmitClaim struct {
	Asset balances.Asset `json:"asset"`
	Gross *big.Int       `json:"gross"`
}

func (c *SubmitClaim) Name() string                { return "submit-claim" }
func (c *SubmitClaim) RequiredRoles() []roles.Role { return protocolRoles }
func (c *SubmitClaim) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if _, err := l.Vault(c.Asset); err != nil {
		return nil, err
	}
	if c.Gross != nil && c.Gross.Sign() > 0 {
		if err := l.Balances.Mint(tx, c.Asset, l.Streamer.Address(), c.Gross); err != nil {
			return nil, err
		}
	}
	return l.Streamer.SubmitClaim(tx, c.Asset, c.Gross, tx.Now())
}

type SweepLockedBalance struct{}

func (c *SweepLockedBalance) Name() string                { return "sweep-locked-balance" }
func (c *SweepLockedBalance) RequiredRoles() []roles.Role { return protocolRoles }
func (c *SweepLockedBalance) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return l.Streamer.SweepLockedBalance(tx)
}

type SetStreamingInterval struct {
	Interval time.Duration `json:"interval"`
}

func (c *SetStreamingInterval) Name() string                { return "set-streaming-interval" }
func (c *SetStreamingInterval) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetStreamingInterval) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, l.Streamer.SetStreamingInterval(tx, c.Interval)
}

// Operators

type RegisterOperator struct {
	Operator         common.Address `json:"operator"`
	RewardController common.Address `json:"rewardController"`
}

func (c *RegisterOperator) Name() string                { return "register-operator" }
func (c *RegisterOperator) RequiredRoles() []roles.Role { return adminOnly }
func (c *RegisterOperator) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, l.Registry.RegisterOperator(tx, c.Operator, c.RewardController)
}

type DeregisterOperator struct {
	Operator common.Address `json:"operator"`
}

func (c *DeregisterOperator) Name() string                { return "deregister-operator" }
func (c *DeregisterOperator) RequiredRoles() []roles.Role { return adminOnly }
func (c *DeregisterOperator) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, l.Registry.DeregisterOperator(tx, c.Operator)
}

type SetRewardController struct {
	Operator         common.Address `json:"operator"`
	RewardController common.Address `json:"rewardController"`
}

func (c *SetRewardController) Name() string                { return "set-reward-controller" }
func (c *SetRewardController) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetRewardController) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, l.Registry.SetRewardController(tx, c.Operator, c.RewardController)
}

type SetSanctioned struct {
	Address    common.Address `json:"address"`
	Sanctioned bool           `json:"sanctioned"`
}

func (c *SetSanctioned) Name() string                { return "set-sanctioned" }
func (c *SetSanctioned) RequiredRoles() []roles.Role { return adminOnly }
func (c *SetSanctioned) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, l.Registry.SetSanctioned(tx, c.Address, c.Sanctioned)
}

// Oracle

type SetPrice struct {
	Price *big.Int `json:"price"`
}

func (c *SetPrice) Name() string { return "set-price" }
func (c *SetPrice) RequiredRoles() []roles.Role {
	return []roles.Role{roles.Role_Oracle, roles.Role_Admin}
}
func (c *SetPrice) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return nil, l.Oracle.SetPrice(tx, c.Price)
}

// Operator funds

type DebitOperatorFunds struct {
	Asset  balances.Asset `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

func (c *DebitOperatorFunds) Name() string                { return "debit-operator-funds" }
func (c *DebitOperatorFunds) RequiredRoles() []roles.Role { return protocolRoles }
func (c *DebitOperatorFunds) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if _, err := balances.ParseAsset(string(c.Asset)); err != nil {
		return nil, err
	}
	return nil, l.OperatorFunds.Debit(tx, c.Asset, c.Amount)
}

type CreditOperatorFunds struct {
	Asset  balances.Asset `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

func (c *CreditOperatorFunds) Name() string                { return "credit-operator-funds" }
func (c *CreditOperatorFunds) RequiredRoles() []roles.Role { return protocolRoles }
func (c *CreditOperatorFunds) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if _, err := balances.ParseAsset(string(c.Asset)); err != nil {
		return nil, err
	}
	return nil, l.OperatorFunds.Credit(tx, c.Asset, c.Amount)
}

// Epoch rewards

// SendEpochRewards moves value from the caller into the epoch reward pool and records its receipt.
type SendEpochRewards struct {
	Amount *big.Int `json:"amount"`
}

func (c *SendEpochRewards) Name() string                { return "send-epoch-rewards" }
func (c *SendEpochRewards) RequiredRoles() []roles.Role { return public }
func (c *SendEpochRewards) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if c.Amount != nil && c.Amount.Sign() > 0 {
		if err := l.Balances.Transfer(tx, balances.Asset_ETH, tx.Caller(), l.EpochRewards.Address(), c.Amount); err != nil {
			return nil, err
		}
	}
	return nil, l.EpochRewards.OnValueReceived(tx, c.Amount)
}

type FinalizeInterval struct{}

func (c *FinalizeInterval) Name() string                { return "finalize-interval" }
func (c *FinalizeInterval) RequiredRoles() []roles.Role { return protocolRoles }
func (c *FinalizeInterval) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return l.EpochRewards.FinalizeInterval(tx)
}

type Harvest struct {
	Operator   common.Address `json:"operator"`
	StartEpoch uint64         `json:"startEpoch"`
	EndEpoch   uint64         `json:"endEpoch"`
}

func (c *Harvest) Name() string                { return "harvest" }
func (c *Harvest) RequiredRoles() []roles.Role { return public }
func (c *Harvest) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	return l.EpochRewards.Harvest(tx, c.Operator, c.StartEpoch, c.EndEpoch)
}

// Roles

type GrantRole struct {
	Role    roles.Role     `json:"role"`
	Account common.Address `json:"account"`
}

func (c *GrantRole) Name() string                { return "grant-role" }
func (c *GrantRole) RequiredRoles() []roles.Role { return adminOnly }
func (c *GrantRole) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if _, err := roles.ParseRole(string(c.Role)); err != nil {
		return nil, err
	}
	return nil, l.Roles.Grant(tx, c.Role, c.Account)
}

type RevokeRole struct {
	Role    roles.Role     `json:"role"`
	Account common.Address `json:"account"`
}

func (c *RevokeRole) Name() string                { return "revoke-role" }
func (c *RevokeRole) RequiredRoles() []roles.Role { return adminOnly }
func (c *RevokeRole) Apply(l *Ledger, tx *transaction.Transaction) (any, error) {
	if _, err := roles.ParseRole(string(c.Role)); err != nil {
		return nil, err
	}
	return nil, l.Roles.Revoke(tx, c.Role, c.Account)
}
