package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	sqliteTests "github.com/yieldledger/yieldledger/internal/tests/sqlite"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/claimStreamer"
	"github.com/yieldledger/yieldledger/pkg/epochRewards"
	"github.com/yieldledger/yieldledger/pkg/eventBus"
	"github.com/yieldledger/yieldledger/pkg/eventBus/eventBusTypes"
	"github.com/yieldledger/yieldledger/pkg/roles"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/storage/gormStore"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"github.com/yieldledger/yieldledger/pkg/yieldVault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const day = 24 * time.Hour

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	protocol = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	op1      = common.HexToAddress("0x0000000000000000000000000000000000000101")
	op2      = common.HexToAddress("0x0000000000000000000000000000000000000102")
	ctrl1    = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	ctrl2    = common.HexToAddress("0x0000000000000000000000000000000000000c02")
)

func percent(s string) *big.Int {
	p, err := numbers.ParsePercent(s)
	if err != nil {
		panic(err)
	}
	return p
}

func testLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		Treasury:             treasury,
		StreamingInterval:    config.DefaultStreamingInterval,
		RemainderPolicy:      config.RemainderPolicy_Reset,
		SanctionsEnforcement: config.SanctionsEnforcement_Revert,
		EthVault: VaultSettings{
			LiquidityReservePercent: percent("0.1"),
			TreasuryFeePercent:      percent("0.01"),
			DepositsEnabled:         true,
		},
		RplVault: VaultSettings{
			LiquidityReservePercent: percent("0.1"),
			DepositsEnabled:         true,
		},
		Roles: map[roles.Role][]common.Address{
			roles.Role_Admin:    {admin},
			roles.Role_Protocol: {protocol},
		},
	}
}

func setup(t *testing.T, db *gorm.DB) (*Ledger, *clockwork.FakeClock, *zap.Logger) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	clock := clockwork.NewFakeClockAt(time.Unix(1726063248, 0).UTC())
	ledger, err := NewLedger(testLedgerConfig(), clock, db, nil, nil, l)
	require.Nil(t, err)
	return ledger, clock, l
}

func exec(t *testing.T, l *Ledger, caller common.Address, cmd Command) *Receipt {
	receipt, err := l.Execute(caller, cmd)
	require.Nil(t, err, cmd.Name())
	return receipt
}

func fund(t *testing.T, l *Ledger, asset balances.Asset, to common.Address, amount int64) {
	exec(t, l, admin, &CreditAccount{Asset: asset, To: to, Amount: big.NewInt(amount)})
}

func assertConservation(t *testing.T, l *Ledger) {
	now := l.Clock().Now()
	for _, asset := range balances.Assets {
		assert.Equal(t, l.Balances.TotalSupply(asset).String(), l.Balances.SumOfBalances(asset).String())

		v, err := l.Vault(asset)
		require.Nil(t, err)
		physical := new(big.Int).Add(l.Balances.BalanceOf(asset, v.Address()), l.OperatorFunds.AllocatedAssets(asset))
		physical.Add(physical, l.Balances.BalanceOf(asset, l.Streamer.Address()))
		assert.True(t, v.TotalAssets(now).Cmp(physical) <= 0, "reported assets exceed holdings for %s", asset)
	}
}

func Test_Ledger(t *testing.T) {
	t.Run("Should commit a deposit and advance the state root", func(t *testing.T) {
		l, _, _ := setup(t, nil)
		fund(t, l, balances.Asset_ETH, alice, 100)
		before := l.GetStateRoot()

		receipt := exec(t, l, alice, &Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(100), Receiver: alice})
		assert.Equal(t, uint64(2), receipt.Seq)
		assert.Equal(t, "100", receipt.Result.(*big.Int).String())
		assert.NotEqual(t, before.StateRoot, receipt.StateRoot)
		assert.Equal(t, receipt.StateRoot, l.GetStateRoot().StateRoot)

		summary, err := l.GetVaultSummary(balances.Asset_ETH)
		assert.Nil(t, err)
		assert.Equal(t, "100", summary.TotalAssets.String())
		assert.Equal(t, "10", summary.DirectBalance.String())
		assert.Equal(t, "90", summary.PoolAllocatedAssets.String())
		assertConservation(t, l)
	})
	t.Run("Should reject callers without a required role", func(t *testing.T) {
		l, _, _ := setup(t, nil)
		_, err := l.Execute(alice, &SetPrice{Price: big.NewInt(1)})
		assert.True(t, errors.Is(err, roles.ErrUnauthorized))
		assert.Equal(t, uint64(0), l.LastSeq())

		exec(t, l, admin, &GrantRole{Role: roles.Role_Oracle, Account: alice})
		exec(t, l, alice, &SetPrice{Price: big.NewInt(1)})
		assert.Equal(t, "1", l.Oracle.GetPrice().String())
	})
	t.Run("Should restore every model when a command fails part way", func(t *testing.T) {
		l, _, _ := setup(t, nil)
		fund(t, l, balances.Asset_ETH, alice, 100)
		exec(t, l, alice, &Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(100), Receiver: alice})
		exec(t, l, protocol, &DebitOperatorFunds{Asset: balances.Asset_ETH, Amount: big.NewInt(90)})
		exec(t, l, alice, &Approve{Asset: balances.Asset_ETH, Spender: bob, Shares: big.NewInt(100)})
		root := l.GetStateRoot()

		// the allowance is spent before the pool is found to be short
		_, err := l.Execute(bob, &Redeem{Asset: balances.Asset_ETH, Shares: big.NewInt(50), Receiver: bob, Owner: alice})
		assert.True(t, errors.Is(err, yieldVault.ErrInsufficientLiquidity))

		assert.Equal(t, root, l.GetStateRoot())
		assert.Equal(t, "100", l.EthVault.Allowance(alice, bob).String())
		assert.Equal(t, "100", l.EthVault.BalanceOf(alice).String())
		assert.Equal(t, "0", l.BalanceOf(balances.Asset_ETH, bob).String())

		// proceeds from exiting validators restore liquidity
		exec(t, l, protocol, &CreditOperatorFunds{Asset: balances.Asset_ETH, Amount: big.NewInt(90)})
		receipt := exec(t, l, bob, &Redeem{Asset: balances.Asset_ETH, Shares: big.NewInt(50), Receiver: bob, Owner: alice})
		assert.Equal(t, "50", receipt.Result.(*big.Int).String())
		assert.Equal(t, "50", l.EthVault.Allowance(alice, bob).String())
		assertConservation(t, l)
	})
	t.Run("Should stream a claim into vault valuation", func(t *testing.T) {
		l, clock, _ := setup(t, nil)
		receipt := exec(t, l, protocol, &SubmitClaim{Asset: balances.Asset_ETH, Gross: big.NewInt(100)})
		assert.Equal(t, "99", receipt.Result.(*claimStreamer.ClaimResult).Split.Community.String())

		assert.Equal(t, "1", l.BalanceOf(balances.Asset_ETH, treasury).String())
		stream, err := l.GetStreamSummary(balances.Asset_ETH)
		assert.Nil(t, err)
		assert.Equal(t, "99", stream.PriorStreamAmount.String())
		assert.Equal(t, "0", stream.StreamedAmount.String())

		clock.Advance(day)
		stream, _ = l.GetStreamSummary(balances.Asset_ETH)
		assert.Equal(t, "3", stream.StreamedAmount.String())

		clock.Advance(27 * day)
		stream, _ = l.GetStreamSummary(balances.Asset_ETH)
		assert.Equal(t, "99", stream.StreamedAmount.String())
		summary, _ := l.GetVaultSummary(balances.Asset_ETH)
		assert.Equal(t, "99", summary.TotalAssets.String())
		assertConservation(t, l)

		swept := exec(t, l, protocol, &SweepLockedBalance{})
		assert.Equal(t, "99", swept.Result.(map[balances.Asset]*big.Int)[balances.Asset_ETH].String())
		summary, _ = l.GetVaultSummary(balances.Asset_ETH)
		assert.Equal(t, "99", summary.TotalAssets.String())
		assertConservation(t, l)
	})
	t.Run("Should move the reserve when it is lowered", func(t *testing.T) {
		l, _, _ := setup(t, nil)
		fund(t, l, balances.Asset_ETH, alice, 200)
		exec(t, l, alice, &Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(100), Receiver: alice})
		assert.Equal(t, "10", l.EthVault.DirectBalance().String())

		exec(t, l, admin, &SetLiquidityReservePercent{Asset: balances.Asset_ETH, Percent: percent("0.01")})
		assert.Equal(t, "1", l.EthVault.DirectBalance().String())
		assert.Equal(t, "99", l.OperatorFunds.Liquid(balances.Asset_ETH).String())

		exec(t, l, alice, &Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(100), Receiver: alice})
		exec(t, l, alice, &Redeem{Asset: balances.Asset_ETH, Shares: big.NewInt(100), Receiver: alice, Owner: alice})
		assert.Equal(t, "1", l.EthVault.DirectBalance().String())

		_, err := l.Execute(admin, &SetLiquidityReservePercent{Asset: balances.Asset_ETH, Percent: percent("0.01")})
		assert.True(t, errors.Is(err, yieldVault.ErrValueUnchanged))
		assertConservation(t, l)
	})
	t.Run("Should never dilute operators from earlier epochs", func(t *testing.T) {
		l, _, _ := setup(t, nil)
		fund(t, l, balances.Asset_ETH, admin, 200)

		exec(t, l, admin, &RegisterOperator{Operator: op1, RewardController: ctrl1})
		exec(t, l, admin, &SendEpochRewards{Amount: big.NewInt(100)})
		exec(t, l, protocol, &FinalizeInterval{})

		exec(t, l, admin, &RegisterOperator{Operator: op2, RewardController: ctrl2})
		exec(t, l, admin, &SendEpochRewards{Amount: big.NewInt(100)})
		exec(t, l, protocol, &FinalizeInterval{})

		_, err := l.Execute(op2, &Harvest{Operator: op2, StartEpoch: 0, EndEpoch: 1})
		assert.True(t, errors.Is(err, epochRewards.ErrNotEligibleSinceStart))

		receipt := exec(t, l, op2, &Harvest{Operator: op2, StartEpoch: 1, EndEpoch: 1})
		assert.Equal(t, "50", receipt.Result.(*epochRewards.HarvestResult).Amount.String())

		receipt = exec(t, l, op1, &Harvest{Operator: op1, StartEpoch: 0, EndEpoch: 1})
		assert.Equal(t, "150", receipt.Result.(*epochRewards.HarvestResult).Amount.String())
		assert.Equal(t, "150", l.BalanceOf(balances.Asset_ETH, ctrl1).String())

		receipt = exec(t, l, op1, &Harvest{Operator: op1, StartEpoch: 0, EndEpoch: 1})
		result := receipt.Result.(*epochRewards.HarvestResult)
		assert.Equal(t, "0", result.Amount.String())
		assert.Equal(t, []uint64{0, 1}, result.AlreadyClaimed)
		assert.Equal(t, "150", l.BalanceOf(balances.Asset_ETH, ctrl1).String())

		status, err := l.GetClaimStatus(op2, 1)
		assert.Nil(t, err)
		assert.True(t, status.Claimed)
		assert.Equal(t, uint64(1), *status.FirstEligible)
		assertConservation(t, l)
	})
	t.Run("Should sweep without moving vault valuation under the reset policy", func(t *testing.T) {
		l, clock, _ := setup(t, nil)
		fund(t, l, balances.Asset_ETH, alice, 1000)
		exec(t, l, alice, &Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(1000), Receiver: alice})
		exec(t, l, protocol, &SubmitClaim{Asset: balances.Asset_ETH, Gross: big.NewInt(100)})
		clock.Advance(14 * day)
		exec(t, l, protocol, &SubmitClaim{Asset: balances.Asset_ETH, Gross: big.NewInt(100)})
		clock.Advance(28 * day)

		before, err := l.GetVaultSummary(balances.Asset_ETH)
		require.Nil(t, err)
		assert.Equal(t, "1148", before.TotalAssets.String())

		receipt := exec(t, l, protocol, &SweepLockedBalance{})
		assert.Equal(t, "99", receipt.Result.(map[balances.Asset]*big.Int)[balances.Asset_ETH].String())

		after, _ := l.GetVaultSummary(balances.Asset_ETH)
		assert.Equal(t, before.TotalAssets.String(), after.TotalAssets.String())
		assert.Equal(t, "52", l.BalanceOf(balances.Asset_ETH, treasury).String())
		assertConservation(t, l)
	})
	t.Run("Should pay earlier epochs to a re-registered operator", func(t *testing.T) {
		l, _, _ := setup(t, nil)
		fund(t, l, balances.Asset_ETH, admin, 100)

		exec(t, l, admin, &RegisterOperator{Operator: op1, RewardController: ctrl1})
		exec(t, l, admin, &SendEpochRewards{Amount: big.NewInt(100)})
		exec(t, l, protocol, &FinalizeInterval{})
		exec(t, l, admin, &DeregisterOperator{Operator: op1})
		exec(t, l, admin, &RegisterOperator{Operator: op1, RewardController: ctrl1})

		status, err := l.GetClaimStatus(op1, 0)
		assert.Nil(t, err)
		assert.Equal(t, uint64(0), *status.FirstEligible)

		receipt := exec(t, l, op1, &Harvest{Operator: op1, StartEpoch: 0, EndEpoch: 0})
		assert.Equal(t, "100", receipt.Result.(*epochRewards.HarvestResult).Amount.String())
		assert.Equal(t, "100", l.BalanceOf(balances.Asset_ETH, ctrl1).String())
		assert.Equal(t, "0", l.BalanceOf(balances.Asset_ETH, l.EpochRewards.Address()).String())
	})
	t.Run("Should publish committed transitions only", func(t *testing.T) {
		lg, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		bus := eventBus.NewEventBus(lg)
		consumer := eventBus.NewConsumer(context.Background(), 10)
		bus.Subscribe(consumer)

		l, err := NewLedger(testLedgerConfig(), clockwork.NewFakeClock(), nil, bus, nil, lg)
		require.Nil(t, err)

		_, err = l.Execute(alice, &Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(1), Receiver: alice})
		assert.NotNil(t, err)
		fund(t, l, balances.Asset_ETH, alice, 1)

		select {
		case event := <-consumer.Channel:
			data := event.Data.(*eventBusTypes.TransitionCommittedData)
			assert.Equal(t, uint64(1), data.Seq)
			assert.Equal(t, "credit-account", data.Name)
		default:
			t.Fatal("expected a committed transition")
		}
		assert.Len(t, consumer.Channel, 0)
	})
	t.Run("Should reject unknown assets and commands", func(t *testing.T) {
		l, _, _ := setup(t, nil)
		_, err := l.Execute(alice, &Deposit{Asset: "btc", Assets: big.NewInt(1), Receiver: alice})
		assert.True(t, errors.Is(err, ErrUnknownAsset))

		_, err = DecodeCommand("self-destruct", nil)
		assert.NotNil(t, err)
		assert.Contains(t, CommandNames(), "harvest")
	})
}

func runScenario(t *testing.T, l *Ledger, clock *clockwork.FakeClock) {
	fund(t, l, balances.Asset_ETH, alice, 1000)
	fund(t, l, balances.Asset_RPL, bob, 500)
	exec(t, l, alice, &Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(1000), Receiver: alice})
	exec(t, l, bob, &Deposit{Asset: balances.Asset_RPL, Assets: big.NewInt(500), Receiver: bob})
	exec(t, l, admin, &SetPrice{Price: percent("0.0061")})
	exec(t, l, admin, &RegisterOperator{Operator: op1, RewardController: ctrl1})
	exec(t, l, admin, &SetOperatorFee{Asset: balances.Asset_ETH, Percent: percent("0.05")})
	clock.Advance(day)
	exec(t, l, protocol, &SubmitClaim{Asset: balances.Asset_ETH, Gross: big.NewInt(200)})
	clock.Advance(3 * day)
	exec(t, l, protocol, &SubmitClaim{Asset: balances.Asset_RPL, Gross: big.NewInt(50)})
	exec(t, l, alice, &Redeem{Asset: balances.Asset_ETH, Shares: big.NewInt(100), Receiver: alice, Owner: alice})
	exec(t, l, protocol, &FinalizeInterval{})
	exec(t, l, op1, &Harvest{Operator: op1, StartEpoch: 0, EndEpoch: 0})
}

func Test_LedgerPersistence(t *testing.T) {
	t.Run("Should persist transitions and replay them to the same state", func(t *testing.T) {
		lg, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		grm, err := sqliteTests.GetInMemorySqliteDatabaseConnection(lg)
		require.Nil(t, err)

		l, clock, _ := setup(t, grm)
		runScenario(t, l, clock)
		assertConservation(t, l)

		store := gormStore.NewGormTransitionStore(grm, lg, nil)
		count, err := store.CountTransitions()
		assert.Nil(t, err)
		assert.Equal(t, int64(l.LastSeq()), count)

		latest, err := store.GetLatestTransition()
		assert.Nil(t, err)
		assert.Equal(t, string(l.GetStateRoot().StateRoot), latest.StateRoot)

		var vault storage.VaultState
		res := grm.Where("asset = ?", string(balances.Asset_ETH)).First(&vault)
		assert.Nil(t, res.Error)
		assert.Equal(t, l.EthVault.TotalShares().String(), vault.TotalShares)

		transitions, err := store.ListTransitions(0, 0)
		assert.Nil(t, err)

		replayed, _, _ := setup(t, nil)
		progressed := 0
		err = replayed.Replay(transitions, true, func(*storage.Transition) { progressed++ })
		assert.Nil(t, err)
		assert.Equal(t, len(transitions), progressed)
		assert.Equal(t, l.GetStateRoot(), replayed.GetStateRoot())
		assert.Equal(t, l.BalanceOf(balances.Asset_ETH, ctrl1).String(), replayed.BalanceOf(balances.Asset_ETH, ctrl1).String())

		restored, _, _ := setup(t, grm)
		assert.Nil(t, restored.Restore())
		assert.Equal(t, l.GetStateRoot(), restored.GetStateRoot())
	})
	t.Run("Should detect a tampered transition log", func(t *testing.T) {
		lg, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		grm, err := sqliteTests.GetInMemorySqliteDatabaseConnection(lg)
		require.Nil(t, err)

		l, clock, _ := setup(t, grm)
		runScenario(t, l, clock)

		store := gormStore.NewGormTransitionStore(grm, lg, nil)
		transitions, _ := store.ListTransitions(0, 0)
		transitions[3].StateRoot = "0xdeadbeef"

		replayed, _, _ := setup(t, nil)
		err = replayed.Replay(transitions, true, nil)
		assert.True(t, errors.Is(err, ErrStateRootMismatch))

		skipped, _, _ := setup(t, nil)
		err = skipped.Replay(transitions[1:], false, nil)
		assert.True(t, errors.Is(err, ErrOutOfSequence))
	})
}

func Test_TransactionQueue(t *testing.T) {
	t.Run("Should serialize concurrent callers", func(t *testing.T) {
		l, _, lg := setup(t, nil)
		q := NewTransactionQueue(l, 10, lg)
		go q.Process()
		defer q.Close()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := q.EnqueueAndWait(context.Background(), admin, &CreditAccount{Asset: balances.Asset_ETH, To: alice, Amount: big.NewInt(1)})
				assert.Nil(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, uint64(20), l.LastSeq())
		assert.Equal(t, "20", l.BalanceOf(balances.Asset_ETH, alice).String())
	})
	t.Run("Should not apply a command whose context is already cancelled", func(t *testing.T) {
		l, _, lg := setup(t, nil)
		q := NewTransactionQueue(l, 10, lg)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.EnqueueAndWait(ctx, admin, &CreditAccount{Asset: balances.Asset_ETH, To: alice, Amount: big.NewInt(1)})
		assert.True(t, errors.Is(err, context.Canceled))

		// drain whatever made it into the buffer
		go q.Process()
		defer q.Close()
		_, err = q.EnqueueAndWait(context.Background(), admin, &FinalizeInterval{})
		assert.Nil(t, err)
		assert.Equal(t, "0", l.BalanceOf(balances.Asset_ETH, alice).String())
	})
	t.Run("Should release waiting callers when closed", func(t *testing.T) {
		l, _, lg := setup(t, nil)
		q := NewTransactionQueue(l, 10, lg)

		// nothing processes the queue, so the caller blocks until Close
		errs := make(chan error, 1)
		go func() {
			_, err := q.EnqueueAndWait(context.Background(), admin, &CreditAccount{Asset: balances.Asset_ETH, To: alice, Amount: big.NewInt(1)})
			errs <- err
		}()

		time.Sleep(50 * time.Millisecond)
		q.Close()

		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, ErrQueueClosed))
		case <-time.After(2 * time.Second):
			t.Fatal("caller still waiting after Close")
		}
		assert.Equal(t, uint64(0), l.LastSeq())

		assert.NotPanics(t, q.Close)

		_, err := q.EnqueueAndWait(context.Background(), admin, &FinalizeInterval{})
		assert.True(t, errors.Is(err, ErrQueueClosed))
	})
	t.Run("Should stop a running loop without losing the in-flight response", func(t *testing.T) {
		l, _, lg := setup(t, nil)
		q := NewTransactionQueue(l, 10, lg)
		stopped := make(chan struct{})
		go func() {
			q.Process()
			close(stopped)
		}()

		receipt, err := q.EnqueueAndWait(context.Background(), admin, &CreditAccount{Asset: balances.Asset_ETH, To: alice, Amount: big.NewInt(1)})
		require.Nil(t, err)
		assert.Equal(t, uint64(1), receipt.Seq)

		q.Close()
		q.Close()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("Process did not return after Close")
		}
	})
}
