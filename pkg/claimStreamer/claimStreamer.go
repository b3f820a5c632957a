package claimStreamer

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/feeSplitter"
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

// MaxStreamingInterval is the longest window a claim may be streamed over.
const MaxStreamingInterval = 365 * 24 * time.Hour

var (
	ErrOutOfOrderClaim        = errors.New("claim timestamp precedes the last claim")
	ErrInvalidAmount          = errors.New("amount must not be negative")
	ErrInvalidInterval        = errors.New("streaming interval must be greater than zero")
	ErrIntervalTooLong        = errors.New("streaming interval exceeds 365 days")
	ErrIntervalUnchanged      = errors.New("streaming interval unchanged")
	ErrNoFeeSource            = errors.New("no vault registered for asset")
	ErrOperatorFeeUnsupported = errors.New("operator fees are only supported for the base asset")
	ErrUnknownRemainderPolicy = errors.New("unknown remainder policy")
)

const (
	Event_ClaimSubmitted           = "ClaimSubmitted"
	Event_LockedBalanceSwept       = "LockedBalanceSwept"
	Event_StreamingIntervalUpdated = "StreamingIntervalUpdated"
)

// FeeSource provides the fee rates applied to claims of one asset; this is the vault
// that owns the stream.
type FeeSource interface {
	TreasuryFeePercent() *big.Int
	OperatorFeePercent() *big.Int
}

// RewardPool receives the operator portion of base asset claims.
type RewardPool interface {
	Address() common.Address
	OnValueReceived(tx types.ITransaction, amount *big.Int) error
}

// FundsPool receives recognized stream value.
type FundsPool interface {
	Address() common.Address
}

type StreamState struct {
	PriorStreamAmount *big.Int      `json:"priorStreamAmount"`
	LastClaimTime     time.Time     `json:"lastClaimTime"`
	StreamingInterval time.Duration `json:"streamingInterval"`
}

func (s *StreamState) clone() *StreamState {
	return &StreamState{
		PriorStreamAmount: numbers.Copy(s.PriorStreamAmount),
		LastClaimTime:     s.LastClaimTime,
		StreamingInterval: s.StreamingInterval,
	}
}

// StreamedAmount is the portion of the prior claim recognized at now. It grows linearly
// from zero at the last claim to the full prior amount once the interval has elapsed.
func (s *StreamState) StreamedAmount(now time.Time) *big.Int {
	elapsed := now.Sub(s.LastClaimTime)
	if elapsed <= 0 || s.PriorStreamAmount.Sign() == 0 {
		return big.NewInt(0)
	}
	if elapsed >= s.StreamingInterval {
		return numbers.Copy(s.PriorStreamAmount)
	}
	return numbers.MulDiv(
		s.PriorStreamAmount,
		big.NewInt(int64(elapsed/time.Second)),
		big.NewInt(int64(s.StreamingInterval/time.Second)),
	)
}

type ClaimSubmitted struct {
	Asset             balances.Asset `json:"asset"`
	Gross             string         `json:"gross"`
	Treasury          string         `json:"treasury"`
	Operator          string         `json:"operator"`
	Community         string         `json:"community"`
	AlreadyStreamed   string         `json:"alreadyStreamed"`
	Remainder         string         `json:"remainder"`
	PriorStreamAmount string         `json:"priorStreamAmount"`
	Timestamp         time.Time      `json:"timestamp"`
}

type LockedBalanceSwept struct {
	Asset     balances.Asset `json:"asset"`
	Amount    string         `json:"amount"`
	Discarded string         `json:"discarded"`
}

type StreamingIntervalUpdated struct {
	Previous time.Duration `json:"previous"`
	Interval time.Duration `json:"interval"`
}

type ClaimResult struct {
	Split           *feeSplitter.Split `json:"split"`
	AlreadyStreamed *big.Int           `json:"alreadyStreamed"`
	Remainder       *big.Int           `json:"remainder"`
}

// ClaimStreamerModel receives reward claims and releases their community portion into
// vault valuation linearly over the streaming interval.
type ClaimStreamerModel struct {
	base.BaseStateModel
	logger          *zap.Logger
	balances        *balances.BalancesModel
	fundsPool       FundsPool
	rewardPool      RewardPool
	treasury        common.Address
	address         common.Address
	remainderPolicy config.RemainderPolicy
	feeSources      map[balances.Asset]FeeSource
	state           map[balances.Asset]*StreamState

	stateAccumulator map[uint64]map[balances.Asset]struct{}
}

func NewClaimStreamerModel(
	lsm *stateManager.LedgerStateManager,
	balancesModel *balances.BalancesModel,
	fundsPool FundsPool,
	rewardPool RewardPool,
	treasury common.Address,
	interval time.Duration,
	remainderPolicy config.RemainderPolicy,
	logger *zap.Logger,
) (*ClaimStreamerModel, error) {
	if err := validateInterval(interval); err != nil {
		return nil, err
	}
	if remainderPolicy != config.RemainderPolicy_Reset && remainderPolicy != config.RemainderPolicy_Carry {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownRemainderPolicy, remainderPolicy)
	}
	m := &ClaimStreamerModel{
		BaseStateModel:   base.BaseStateModel{Logger: logger},
		logger:           logger,
		balances:         balancesModel,
		fundsPool:        fundsPool,
		rewardPool:       rewardPool,
		treasury:         treasury,
		address:          utils.ComponentAddress("claimStreamer"),
		remainderPolicy:  remainderPolicy,
		feeSources:       make(map[balances.Asset]FeeSource),
		state:            make(map[balances.Asset]*StreamState),
		stateAccumulator: make(map[uint64]map[balances.Asset]struct{}),
	}
	for _, a := range balances.Assets {
		m.state[a] = &StreamState{PriorStreamAmount: big.NewInt(0), StreamingInterval: interval}
	}
	lsm.RegisterState(m, 8)
	return m, nil
}

func (c *ClaimStreamerModel) GetModelName() string {
	return "ClaimStreamerModel"
}

func (c *ClaimStreamerModel) Address() common.Address {
	return c.address
}

// RegisterFeeSource attaches the vault whose fee rates apply to claims of the asset.
func (c *ClaimStreamerModel) RegisterFeeSource(asset balances.Asset, src FeeSource) {
	c.feeSources[asset] = src
}

func (c *ClaimStreamerModel) GetStreamState(asset balances.Asset) *StreamState {
	s, ok := c.state[asset]
	if !ok {
		return nil
	}
	return s.clone()
}

func (c *ClaimStreamerModel) GetStreamedAmount(asset balances.Asset, now time.Time) *big.Int {
	s, ok := c.state[asset]
	if !ok {
		return big.NewInt(0)
	}
	return s.StreamedAmount(now)
}

func (c *ClaimStreamerModel) StreamingInterval() time.Duration {
	return c.state[balances.Asset_ETH].StreamingInterval
}

func (c *ClaimStreamerModel) touch(tx types.ITransaction, asset balances.Asset) error {
	touched, ok := c.stateAccumulator[tx.Sequence()]
	if !ok {
		return xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	touched[asset] = struct{}{}
	return nil
}

// SubmitClaim processes a gross reward that has already been credited to the streamer.
func (c *ClaimStreamerModel) SubmitClaim(tx types.ITransaction, asset balances.Asset, gross *big.Int, timestamp time.Time) (*ClaimResult, error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	s, ok := c.state[asset]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", balances.ErrUnknownAsset, asset)
	}
	src, ok := c.feeSources[asset]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrNoFeeSource, asset)
	}
	if timestamp.Before(s.LastClaimTime) {
		return nil, fmt.Errorf("%w: %s < %s", ErrOutOfOrderClaim, timestamp, s.LastClaimTime)
	}
	if err := c.touch(tx, asset); err != nil {
		return nil, err
	}

	alreadyStreamed := s.StreamedAmount(timestamp)
	remainder := new(big.Int).Sub(s.PriorStreamAmount, alreadyStreamed)
	if err := c.balances.Transfer(tx, asset, c.address, c.fundsPool.Address(), alreadyStreamed); err != nil {
		return nil, err
	}

	split, err := feeSplitter.SplitAmount(gross, src.TreasuryFeePercent(), src.OperatorFeePercent())
	if err != nil {
		return nil, err
	}
	if err := c.balances.Transfer(tx, asset, c.address, c.treasury, split.Treasury); err != nil {
		return nil, err
	}
	if split.Operator.Sign() > 0 {
		if asset != balances.Asset_ETH {
			return nil, fmt.Errorf("%w: '%s'", ErrOperatorFeeUnsupported, asset)
		}
		if err := c.balances.Transfer(tx, asset, c.address, c.rewardPool.Address(), split.Operator); err != nil {
			return nil, err
		}
		if err := c.rewardPool.OnValueReceived(tx, split.Operator); err != nil {
			return nil, err
		}
	}

	prior := numbers.Copy(split.Community)
	if c.remainderPolicy == config.RemainderPolicy_Carry {
		prior.Add(prior, remainder)
	}
	c.state[asset] = &StreamState{
		PriorStreamAmount: prior,
		LastClaimTime:     timestamp,
		StreamingInterval: s.StreamingInterval,
	}

	c.logger.Info("Submitted claim",
		zap.String("asset", string(asset)),
		zap.String("gross", gross.String()),
		zap.String("community", split.Community.String()),
		zap.String("alreadyStreamed", alreadyStreamed.String()),
		zap.String("remainder", remainder.String()),
	)
	tx.Emit(Event_ClaimSubmitted, &ClaimSubmitted{
		Asset:             asset,
		Gross:             gross.String(),
		Treasury:          split.Treasury.String(),
		Operator:          split.Operator.String(),
		Community:         split.Community.String(),
		AlreadyStreamed:   alreadyStreamed.String(),
		Remainder:         remainder.String(),
		PriorStreamAmount: prior.String(),
		Timestamp:         timestamp,
	})
	return &ClaimResult{Split: split, AlreadyStreamed: alreadyStreamed, Remainder: remainder}, nil
}

// SweepLockedBalance releases every asset whose stream has fully elapsed. The recognized
// prior stream amount goes to the funds pool; any resident balance beyond it is value a
// reset claim discarded and goes to the treasury, so sweeping never moves vault valuation.
// It returns the amount released to the funds pool per asset.
func (c *ClaimStreamerModel) SweepLockedBalance(tx types.ITransaction) (map[balances.Asset]*big.Int, error) {
	swept := make(map[balances.Asset]*big.Int)
	for _, asset := range balances.Assets {
		s := c.state[asset]
		if s.PriorStreamAmount.Sign() == 0 {
			continue
		}
		if tx.Now().Before(s.LastClaimTime.Add(s.StreamingInterval)) {
			continue
		}
		amount, err := c.sweepAsset(tx, asset)
		if err != nil {
			return nil, err
		}
		swept[asset] = amount
	}
	return swept, nil
}

func (c *ClaimStreamerModel) sweepAsset(tx types.ITransaction, asset balances.Asset) (*big.Int, error) {
	if err := c.touch(tx, asset); err != nil {
		return nil, err
	}
	s := c.state[asset]
	resident := c.balances.BalanceOf(asset, c.address)
	amount := numbers.Copy(s.PriorStreamAmount)
	if resident.Cmp(amount) < 0 {
		amount = resident
	}
	discarded := new(big.Int).Sub(resident, amount)

	if err := c.balances.Transfer(tx, asset, c.address, c.fundsPool.Address(), amount); err != nil {
		return nil, err
	}
	if err := c.balances.Transfer(tx, asset, c.address, c.treasury, discarded); err != nil {
		return nil, err
	}
	s.PriorStreamAmount = big.NewInt(0)

	c.logger.Info("Swept locked balance",
		zap.String("asset", string(asset)),
		zap.String("amount", amount.String()),
		zap.String("discarded", discarded.String()),
	)
	tx.Emit(Event_LockedBalanceSwept, &LockedBalanceSwept{Asset: asset, Amount: amount.String(), Discarded: discarded.String()})
	return amount, nil
}

// rebase recognizes what has streamed so far and restarts the rest of the stream at now,
// so a new interval only changes the rate of what is still unrecognized.
func (c *ClaimStreamerModel) rebase(tx types.ITransaction, asset balances.Asset) error {
	s := c.state[asset]
	now := tx.Now()
	if s.PriorStreamAmount.Sign() == 0 || !now.After(s.LastClaimTime) {
		return nil
	}
	if !now.Before(s.LastClaimTime.Add(s.StreamingInterval)) {
		_, err := c.sweepAsset(tx, asset)
		return err
	}
	streamed := s.StreamedAmount(now)
	if err := c.balances.Transfer(tx, asset, c.address, c.fundsPool.Address(), streamed); err != nil {
		return err
	}
	s.PriorStreamAmount = new(big.Int).Sub(s.PriorStreamAmount, streamed)
	s.LastClaimTime = now
	c.logger.Debug("Rebased stream",
		zap.String("asset", string(asset)),
		zap.String("recognized", streamed.String()),
		zap.String("remaining", s.PriorStreamAmount.String()),
	)
	return nil
}

func validateInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	if d > MaxStreamingInterval {
		return fmt.Errorf("%w: %s", ErrIntervalTooLong, d)
	}
	return nil
}

func (c *ClaimStreamerModel) SetStreamingInterval(tx types.ITransaction, d time.Duration) error {
	if err := validateInterval(d); err != nil {
		return err
	}
	previous := c.StreamingInterval()
	if d == previous {
		return ErrIntervalUnchanged
	}
	for _, asset := range balances.Assets {
		if err := c.touch(tx, asset); err != nil {
			return err
		}
		if err := c.rebase(tx, asset); err != nil {
			return err
		}
		c.state[asset].StreamingInterval = d
	}
	tx.Emit(Event_StreamingIntervalUpdated, &StreamingIntervalUpdated{Previous: previous, Interval: d})
	return nil
}

func (c *ClaimStreamerModel) SetupStateForTransition(seq uint64) error {
	c.stateAccumulator[seq] = make(map[balances.Asset]struct{})
	return nil
}

func (c *ClaimStreamerModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(c.stateAccumulator, seq)
	return nil
}

func (c *ClaimStreamerModel) Checkpoint() any {
	cp := make(map[balances.Asset]*StreamState, len(c.state))
	for a, s := range c.state {
		cp[a] = s.clone()
	}
	return cp
}

func (c *ClaimStreamerModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(map[balances.Asset]*StreamState)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	c.state = make(map[balances.Asset]*StreamState, len(cp))
	for a, s := range cp {
		c.state[a] = s.clone()
	}
	return nil
}

func (c *ClaimStreamerModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	records := make([]*storage.StreamState, 0)
	for _, asset := range balances.Assets {
		if _, ok := c.stateAccumulator[seq][asset]; !ok {
			continue
		}
		s := c.state[asset]
		records = append(records, &storage.StreamState{
			Asset:                    string(asset),
			PriorStreamAmount:        s.PriorStreamAmount.String(),
			LastClaimTime:            s.LastClaimTime,
			StreamingIntervalSeconds: int64(s.StreamingInterval / time.Second),
			Seq:                      seq,
		})
	}
	if err := storage.Upsert(grm, records); err != nil {
		c.logger.Error("Failed to upsert stream states", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (c *ClaimStreamerModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, asset := range balances.Assets {
		s := c.state[asset]
		value := base.EncodeAmount(s.PriorStreamAmount)
		value = append(value, base.EncodeUint64(uint64(s.LastClaimTime.Unix()))...)
		value = append(value, base.EncodeUint64(uint64(s.StreamingInterval/time.Second))...)
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("stream", string(asset)),
			Value:  value,
		})
	}
	return c.GenerateRoot(seq, inputs)
}
