package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/metrics"
	"github.com/yieldledger/yieldledger/internal/metrics/metricsTypes"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/claimStreamer"
	"github.com/yieldledger/yieldledger/pkg/epochRewards"
	"github.com/yieldledger/yieldledger/pkg/eventBus/eventBusTypes"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/transaction"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/operatorFunds"
	"github.com/yieldledger/yieldledger/pkg/operatorRegistry"
	"github.com/yieldledger/yieldledger/pkg/priceOracle"
	"github.com/yieldledger/yieldledger/pkg/rewardClaims"
	"github.com/yieldledger/yieldledger/pkg/roles"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/storage/gormStore"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"github.com/yieldledger/yieldledger/pkg/yieldVault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownAsset      = errors.New("no vault for asset")
	ErrStateRootMismatch = errors.New("replayed state root does not match the persisted state root")
	ErrOutOfSequence     = errors.New("transition is out of sequence")
)

const (
	ethVaultIndex = 6
	rplVaultIndex = 7
)

// VaultSettings are the initial parameters of a vault, as 1e18 fixed point percentages.
type VaultSettings struct {
	LiquidityReservePercent *big.Int
	TreasuryFeePercent      *big.Int
	OperatorFeePercent      *big.Int
	MintFeePercent          *big.Int
	DepositsEnabled         bool
}

type LedgerConfig struct {
	Treasury             common.Address
	StreamingInterval    time.Duration
	RemainderPolicy      config.RemainderPolicy
	SanctionsEnforcement config.SanctionsEnforcement
	EthVault             VaultSettings
	RplVault             VaultSettings

	// MinCoverageRatio and MaxCoverageRatio bound the RPL vault's value relative to the ETH vault.
	// Coverage is not tracked when either is nil.
	MinCoverageRatio     *big.Int
	MaxCoverageRatio     *big.Int
	EnforceCoverageRatio bool

	// Roles seeds role membership before the first transition.
	Roles map[roles.Role][]common.Address
}

// Receipt describes a committed transition.
type Receipt struct {
	Seq       uint64                       `json:"seq"`
	Name      string                       `json:"name"`
	Caller    common.Address               `json:"caller"`
	Timestamp time.Time                    `json:"timestamp"`
	StateRoot types.StateRoot              `json:"stateRoot"`
	Events    []*eventBusTypes.LedgerEvent `json:"events"`
	Result    any                          `json:"result,omitempty"`
}

// Ledger owns every state model and funnels all mutation through a single lock.
// Each operation is applied as one transition: models are checkpointed, the command runs,
// the state root is computed and the touched state is persisted. Any error restores the checkpoints.
type Ledger struct {
	mu sync.RWMutex

	Balances      *balances.BalancesModel
	Roles         *roles.RolesModel
	Registry      *operatorRegistry.OperatorRegistryModel
	Oracle        *priceOracle.PriceOracleModel
	EpochRewards  *epochRewards.EpochRewardsModel
	OperatorFunds *operatorFunds.OperatorFundsModel
	EthVault      *yieldVault.YieldVaultModel
	RplVault      *yieldVault.YieldVaultModel
	Streamer      *claimStreamer.ClaimStreamerModel
	RewardClaims  *rewardClaims.RewardClaimsModel

	config       *LedgerConfig
	stateManager *stateManager.LedgerStateManager
	clock        clockwork.Clock
	db           *gorm.DB
	eventBus     eventBusTypes.IEventBus
	metricsSink  *metrics.MetricsSink
	logger       *zap.Logger

	lastSeq   uint64
	stateRoot types.StateRoot
}

// NewLedger wires every state model together. db and eventBus are optional: without a database
// transitions are only held in memory.
func NewLedger(
	cfg *LedgerConfig,
	clock clockwork.Clock,
	db *gorm.DB,
	eventBus eventBusTypes.IEventBus,
	metricsSink *metrics.MetricsSink,
	l *zap.Logger,
) (*Ledger, error) {
	if metricsSink == nil {
		metricsSink = metrics.NewNoopMetricsSink()
	}
	ledger := &Ledger{
		config:       cfg,
		stateManager: stateManager.NewLedgerStateManager(l),
		clock:        clock,
		db:           db,
		eventBus:     eventBus,
		metricsSink:  metricsSink,
		logger:       l,
	}
	if err := ledger.registerModels(); err != nil {
		return nil, err
	}
	for role, addrs := range cfg.Roles {
		ledger.Roles.Bootstrap(role, addrs...)
	}
	return ledger, nil
}

func (l *Ledger) registerModels() error {
	var err error
	lsm := l.stateManager
	cfg := l.config

	if l.Balances, err = balances.NewBalancesModel(lsm, l.logger); err != nil {
		return err
	}
	if l.Roles, err = roles.NewRolesModel(lsm, l.logger); err != nil {
		return err
	}
	if l.Registry, err = operatorRegistry.NewOperatorRegistryModel(lsm, l.logger); err != nil {
		return err
	}
	if l.Oracle, err = priceOracle.NewPriceOracleModel(lsm, l.logger); err != nil {
		return err
	}
	if l.EpochRewards, err = epochRewards.NewEpochRewardsModel(lsm, l.Balances, l.Registry, cfg.Treasury, l.logger); err != nil {
		return err
	}
	if l.OperatorFunds, err = operatorFunds.NewOperatorFundsModel(lsm, l.Balances, l.logger); err != nil {
		return err
	}
	l.Streamer, err = claimStreamer.NewClaimStreamerModel(lsm, l.Balances, l.OperatorFunds, l.EpochRewards,
		cfg.Treasury, cfg.StreamingInterval, cfg.RemainderPolicy, l.logger)
	if err != nil {
		return err
	}

	l.EthVault, err = yieldVault.NewYieldVaultModel(lsm, ethVaultIndex, l.Balances, l.Streamer, l.OperatorFunds,
		l.Registry, cfg.Treasury, vaultParams(balances.Asset_ETH, &cfg.EthVault, true, cfg.SanctionsEnforcement), l.logger)
	if err != nil {
		return fmt.Errorf("invalid eth vault settings: %w", err)
	}
	l.RplVault, err = yieldVault.NewYieldVaultModel(lsm, rplVaultIndex, l.Balances, l.Streamer, l.OperatorFunds,
		l.Registry, cfg.Treasury, vaultParams(balances.Asset_RPL, &cfg.RplVault, false, cfg.SanctionsEnforcement), l.logger)
	if err != nil {
		return fmt.Errorf("invalid rpl vault settings: %w", err)
	}
	if cfg.MinCoverageRatio != nil && cfg.MaxCoverageRatio != nil {
		l.RplVault.SetCoverage(&yieldVault.CoverageParams{
			Oracle:    l.Oracle,
			BaseVault: l.EthVault,
			MinRatio:  cfg.MinCoverageRatio,
			MaxRatio:  cfg.MaxCoverageRatio,
			Enforce:   cfg.EnforceCoverageRatio,
		})
	}
	l.Streamer.RegisterFeeSource(balances.Asset_ETH, l.EthVault)
	l.Streamer.RegisterFeeSource(balances.Asset_RPL, l.RplVault)

	if l.RewardClaims, err = rewardClaims.NewRewardClaimsModel(lsm, l.Balances, l.Streamer, l.logger); err != nil {
		return err
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return numbers.Copy(v)
}

func vaultParams(asset balances.Asset, s *VaultSettings, supportsOperatorFee bool, sanctions config.SanctionsEnforcement) *yieldVault.VaultParams {
	return &yieldVault.VaultParams{
		Asset:                   asset,
		LiquidityReservePercent: orZero(s.LiquidityReservePercent),
		TreasuryFeePercent:      orZero(s.TreasuryFeePercent),
		OperatorFeePercent:      orZero(s.OperatorFeePercent),
		MintFeePercent:          orZero(s.MintFeePercent),
		DepositsEnabled:         s.DepositsEnabled,
		SupportsOperatorFee:     supportsOperatorFee,
		SanctionsEnforcement:    sanctions,
	}
}

func (l *Ledger) Clock() clockwork.Clock {
	return l.clock
}

func (l *Ledger) Treasury() common.Address {
	return l.config.Treasury
}

// Vault returns the vault holding the given asset.
func (l *Ledger) Vault(asset balances.Asset) (*yieldVault.YieldVaultModel, error) {
	switch asset {
	case balances.Asset_ETH:
		return l.EthVault, nil
	case balances.Asset_RPL:
		return l.RplVault, nil
	}
	return nil, fmt.Errorf("%w '%s'", ErrUnknownAsset, asset)
}

// Execute applies the command as a single transition at the current clock time.
func (l *Ledger) Execute(caller common.Address, cmd Command) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.execute(l.clock.Now(), caller, cmd, true)
}

func (l *Ledger) execute(now time.Time, caller common.Address, cmd Command, persist bool) (*Receipt, error) {
	started := l.clock.Now()
	seq := l.lastSeq + 1
	labels := []metricsTypes.MetricsLabel{{Name: "operation", Value: cmd.Name()}}

	receipt, err := l.apply(seq, now, caller, cmd, persist)
	_ = l.metricsSink.Timing(metricsTypes.Metric_Timing_TransitionDuration, l.clock.Since(started), labels)
	if err != nil {
		_ = l.metricsSink.Incr(metricsTypes.Metric_Incr_TransitionFailed, labels, 1)
		l.logger.Debug("Transition failed",
			zap.String("operation", cmd.Name()),
			zap.String("caller", caller.Hex()),
			zap.Uint64("seq", seq),
			zap.Error(err),
		)
		return nil, err
	}
	_ = l.metricsSink.Incr(metricsTypes.Metric_Incr_TransitionCommitted, labels, 1)
	l.reportGauges(now)
	l.publish(receipt)
	return receipt, nil
}

func (l *Ledger) apply(seq uint64, now time.Time, caller common.Address, cmd Command, persist bool) (*Receipt, error) {
	if err := l.Roles.Require(caller, cmd.RequiredRoles()...); err != nil {
		return nil, err
	}

	cp, err := l.stateManager.InitProcessingForTransition(seq)
	defer func() {
		if err := l.stateManager.CleanupProcessedStateForTransition(seq); err != nil {
			l.logger.Error("Failed to clean up transition state", zap.Uint64("seq", seq), zap.Error(err))
		}
	}()
	if err != nil {
		return nil, err
	}

	tx := transaction.NewTransaction(seq, now, caller)
	result, err := cmd.Apply(l, tx)
	if err != nil {
		return nil, l.rollback(cp, tx, err)
	}

	root, err := l.stateManager.GenerateStateRoot(seq)
	if err != nil {
		return nil, l.rollback(cp, tx, err)
	}

	receipt := &Receipt{
		Seq:       seq,
		Name:      cmd.Name(),
		Caller:    caller,
		Timestamp: tx.Now(),
		StateRoot: root,
		Events:    tx.Events(),
		Result:    result,
	}

	if persist && l.db != nil {
		if err := l.persist(cmd, receipt); err != nil {
			return nil, l.rollback(cp, tx, err)
		}
	}

	l.lastSeq = seq
	l.stateRoot = root
	return receipt, nil
}

func (l *Ledger) rollback(cp *stateManager.Checkpoint, tx *transaction.Transaction, cause error) error {
	tx.DiscardEvents()
	if err := l.stateManager.RestoreCheckpoint(cp); err != nil {
		l.logger.Error("Failed to restore checkpoint", zap.Uint64("seq", cp.Seq), zap.Error(err))
		return fmt.Errorf("%w (restore failed: %v)", cause, err)
	}
	return cause
}

// persist writes the touched state and the transition row in one database transaction.
func (l *Ledger) persist(cmd Command, receipt *Receipt) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	events, err := json.Marshal(receipt.Events)
	if err != nil {
		return err
	}
	return l.db.Transaction(func(grm *gorm.DB) error {
		if err := l.stateManager.CommitFinalState(grm, receipt.Seq); err != nil {
			return err
		}
		store := gormStore.NewGormTransitionStore(grm, l.logger, nil)
		_, err := store.InsertTransition(&storage.Transition{
			Seq:       receipt.Seq,
			Id:        uuid.New().String(),
			Name:      receipt.Name,
			Caller:    receipt.Caller.Hex(),
			Timestamp: receipt.Timestamp,
			StateRoot: string(receipt.StateRoot),
			Payload:   string(payload),
			Events:    string(events),
		})
		return err
	})
}

func (l *Ledger) publish(receipt *Receipt) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.Publish(&eventBusTypes.Event{
		Name: eventBusTypes.Event_TransitionCommitted,
		Data: &eventBusTypes.TransitionCommittedData{
			Seq:       receipt.Seq,
			Name:      receipt.Name,
			Caller:    receipt.Caller.Hex(),
			Timestamp: receipt.Timestamp,
			StateRoot: string(receipt.StateRoot),
			Events:    receipt.Events,
		},
	})
}

func (l *Ledger) reportGauges(now time.Time) {
	_ = l.metricsSink.Gauge(metricsTypes.Metric_Gauge_LastTransitionSeq, float64(l.lastSeq), nil)
	_ = l.metricsSink.Gauge(metricsTypes.Metric_Gauge_CurrentEpoch, float64(l.EpochRewards.CurrentEpochIndex()), nil)
	for _, v := range []*yieldVault.YieldVaultModel{l.EthVault, l.RplVault} {
		assetLabel := []metricsTypes.MetricsLabel{{Name: "asset", Value: string(v.Asset())}}
		_ = l.metricsSink.Gauge(metricsTypes.Metric_Gauge_VaultTotalAssets, numbers.ToFloat64(v.TotalAssets(now), numbers.PrecisionDecimals), assetLabel)
		_ = l.metricsSink.Gauge(metricsTypes.Metric_Gauge_VaultTotalShares, numbers.ToFloat64(v.TotalShares(), numbers.PrecisionDecimals), assetLabel)
	}
}

// Replay re-applies persisted transitions in order without persisting them again.
// With verify set every recomputed state root must match the persisted one.
func (l *Ledger) Replay(transitions []*storage.Transition, verify bool, progress func(t *storage.Transition)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range transitions {
		if t.Seq != l.lastSeq+1 {
			return fmt.Errorf("%w: expected %d, got %d", ErrOutOfSequence, l.lastSeq+1, t.Seq)
		}
		cmd, err := DecodeCommand(t.Name, []byte(t.Payload))
		if err != nil {
			return err
		}
		receipt, err := l.execute(t.Timestamp, common.HexToAddress(t.Caller), cmd, false)
		if err != nil {
			return fmt.Errorf("failed to replay transition %d (%s): %w", t.Seq, t.Name, err)
		}
		if verify && string(receipt.StateRoot) != t.StateRoot {
			return fmt.Errorf("%w at seq %d: expected %s, got %s", ErrStateRootMismatch, t.Seq, t.StateRoot, receipt.StateRoot)
		}
		if progress != nil {
			progress(t)
		}
	}
	l.logger.Info("Replayed transitions",
		zap.Int("count", len(transitions)),
		zap.Uint64("lastSeq", l.lastSeq),
	)
	return nil
}

// Restore rebuilds the in-memory state from the ledger's database by replaying every persisted transition.
func (l *Ledger) Restore() error {
	if l.db == nil {
		return nil
	}
	store := gormStore.NewGormTransitionStore(l.db, l.logger, nil)
	transitions, err := store.ListTransitions(0, 0)
	if err != nil {
		return err
	}
	return l.Replay(transitions, true, nil)
}
