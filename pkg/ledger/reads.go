package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/claimStreamer"
	"github.com/yieldledger/yieldledger/pkg/epochRewards"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
)

// Reads take the ledger's read lock and evaluate time dependent values at the current clock time.

type VaultSummary struct {
	Asset                   balances.Asset `json:"asset"`
	TotalAssets             *big.Int       `json:"totalAssets"`
	TotalShares             *big.Int       `json:"totalShares"`
	DirectBalance           *big.Int       `json:"directBalance"`
	StreamedAmount          *big.Int       `json:"streamedAmount"`
	PoolAllocatedAssets     *big.Int       `json:"poolAllocatedAssets"`
	SharePrice              *big.Int       `json:"sharePrice"`
	LiquidityReservePercent *big.Int       `json:"liquidityReservePercent"`
	TreasuryFeePercent      *big.Int       `json:"treasuryFeePercent"`
	OperatorFeePercent      *big.Int       `json:"operatorFeePercent"`
	MintFeePercent          *big.Int       `json:"mintFeePercent"`
	DepositsEnabled         bool           `json:"depositsEnabled"`
}

type StreamSummary struct {
	Asset             balances.Asset `json:"asset"`
	PriorStreamAmount *big.Int       `json:"priorStreamAmount"`
	LastClaimTime     time.Time      `json:"lastClaimTime"`
	StreamingInterval time.Duration  `json:"streamingInterval"`
	StreamedAmount    *big.Int       `json:"streamedAmount"`
	ResidentBalance   *big.Int       `json:"residentBalance"`
}

type ClaimStatus struct {
	Operator      common.Address `json:"operator"`
	EpochIndex    uint64         `json:"epochIndex"`
	Claimed       bool           `json:"claimed"`
	FirstEligible *uint64        `json:"firstEligible,omitempty"`
}

type StateRootSummary struct {
	Seq       uint64          `json:"seq"`
	StateRoot types.StateRoot `json:"stateRoot"`
}

func (l *Ledger) GetVaultSummary(asset balances.Asset) (*VaultSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v, err := l.Vault(asset)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	return &VaultSummary{
		Asset:                   asset,
		TotalAssets:             v.TotalAssets(now),
		TotalShares:             v.TotalShares(),
		DirectBalance:           v.DirectBalance(),
		StreamedAmount:          l.Streamer.GetStreamedAmount(asset, now),
		PoolAllocatedAssets:     l.OperatorFunds.AllocatedAssets(asset),
		SharePrice:              v.ConvertToAssets(numbers.Precision(), now),
		LiquidityReservePercent: v.LiquidityReservePercent(),
		TreasuryFeePercent:      v.TreasuryFeePercent(),
		OperatorFeePercent:      v.OperatorFeePercent(),
		MintFeePercent:          v.MintFeePercent(),
		DepositsEnabled:         v.DepositsEnabled(),
	}, nil
}

func (l *Ledger) ConvertToShares(asset balances.Asset, assets *big.Int) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v, err := l.Vault(asset)
	if err != nil {
		return nil, err
	}
	return v.ConvertToShares(assets, l.clock.Now()), nil
}

func (l *Ledger) ConvertToAssets(asset balances.Asset, shares *big.Int) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v, err := l.Vault(asset)
	if err != nil {
		return nil, err
	}
	return v.ConvertToAssets(shares, l.clock.Now()), nil
}

func (l *Ledger) GetStreamSummary(asset balances.Asset) (*StreamSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, err := l.Vault(asset); err != nil {
		return nil, err
	}
	state := l.Streamer.GetStreamState(asset)
	if state == nil {
		state = &claimStreamer.StreamState{PriorStreamAmount: big.NewInt(0), StreamingInterval: l.Streamer.StreamingInterval()}
	}
	return &StreamSummary{
		Asset:             asset,
		PriorStreamAmount: numbers.Copy(state.PriorStreamAmount),
		LastClaimTime:     state.LastClaimTime,
		StreamingInterval: state.StreamingInterval,
		StreamedAmount:    l.Streamer.GetStreamedAmount(asset, l.clock.Now()),
		ResidentBalance:   l.Balances.BalanceOf(asset, l.Streamer.Address()),
	}, nil
}

func (l *Ledger) GetCurrentEpoch() *epochRewards.Epoch {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, _ := l.EpochRewards.GetEpoch(l.EpochRewards.CurrentEpochIndex())
	return e
}

func (l *Ledger) GetEpoch(index uint64) (*epochRewards.Epoch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.EpochRewards.GetEpoch(index)
}

func (l *Ledger) ListEpochs() []*epochRewards.Epoch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.EpochRewards.ListEpochs()
}

func (l *Ledger) GetClaimStatus(operator common.Address, index uint64) (*ClaimStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, err := l.EpochRewards.GetEpoch(index); err != nil {
		return nil, err
	}
	status := &ClaimStatus{
		Operator:   operator,
		EpochIndex: index,
		Claimed:    l.EpochRewards.HasClaimed(operator, index),
	}
	if op, ok := l.Registry.GetOperator(operator); ok {
		first := l.EpochRewards.FirstEligibleEpoch(op)
		status.FirstEligible = &first
	}
	return status, nil
}

func (l *Ledger) GetStateRoot() *StateRootSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &StateRootSummary{Seq: l.lastSeq, StateRoot: l.stateRoot}
}

func (l *Ledger) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

func (l *Ledger) BalanceOf(asset balances.Asset, addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Balances.BalanceOf(asset, addr)
}

func (l *Ledger) GetStreamState(asset balances.Asset) *claimStreamer.StreamState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Streamer.GetStreamState(asset)
}
