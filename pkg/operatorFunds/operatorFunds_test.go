package operatorFunds

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/logger"
	sqliteTests "github.com/yieldledger/yieldledger/internal/tests/sqlite"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/transaction"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"go.uber.org/zap"
)

func setup() (*stateManager.LedgerStateManager, *balances.BalancesModel, *OperatorFundsModel, *zap.Logger) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	lsm := stateManager.NewLedgerStateManager(l)
	bal, _ := balances.NewBalancesModel(lsm, l)
	pool, _ := NewOperatorFundsModel(lsm, bal, l)
	return lsm, bal, pool, l
}

func Test_OperatorFunds(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	protocol := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	now := time.Unix(1726063248, 0)

	t.Run("Should receive from and provide to a vault", func(t *testing.T) {
		lsm, bal, pool, _ := setup()
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, vault)

		assert.Nil(t, bal.Mint(tx, balances.Asset_ETH, vault, big.NewInt(100)))
		assert.Nil(t, pool.Receive(tx, balances.Asset_ETH, vault, big.NewInt(90)))
		assert.Equal(t, "90", pool.Liquid(balances.Asset_ETH).String())
		assert.Equal(t, "90", pool.AllocatedAssets(balances.Asset_ETH).String())

		assert.Nil(t, pool.Provide(tx, balances.Asset_ETH, vault, big.NewInt(40)))
		assert.Equal(t, "50", pool.Liquid(balances.Asset_ETH).String())
		assert.Equal(t, "50", bal.BalanceOf(balances.Asset_ETH, vault).String())
	})
	t.Run("Should refuse to provide more than is liquid", func(t *testing.T) {
		lsm, bal, pool, _ := setup()
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, vault)

		assert.Nil(t, bal.Mint(tx, balances.Asset_RPL, pool.Address(), big.NewInt(10)))
		err := pool.Provide(tx, balances.Asset_RPL, vault, big.NewInt(11))
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
		assert.Equal(t, "10", pool.Liquid(balances.Asset_RPL).String())
	})
	t.Run("Should debit into deployed and credit back", func(t *testing.T) {
		lsm, bal, pool, _ := setup()
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, protocol)

		assert.Nil(t, bal.Mint(tx, balances.Asset_ETH, pool.Address(), big.NewInt(32)))
		assert.Nil(t, pool.Debit(tx, balances.Asset_ETH, big.NewInt(30)))
		assert.Equal(t, "2", pool.Liquid(balances.Asset_ETH).String())
		assert.Equal(t, "30", pool.Deployed(balances.Asset_ETH).String())
		assert.Equal(t, "32", pool.AllocatedAssets(balances.Asset_ETH).String())

		assert.ErrorIs(t, pool.Debit(tx, balances.Asset_ETH, big.NewInt(3)), ErrInsufficientLiquidity)
		assert.ErrorIs(t, pool.Debit(tx, balances.Asset_ETH, big.NewInt(0)), ErrInvalidAmount)

		// exit returns principal plus profit
		assert.Nil(t, pool.Credit(tx, balances.Asset_ETH, big.NewInt(31)))
		assert.Equal(t, "0", pool.Deployed(balances.Asset_ETH).String())
		assert.Equal(t, "33", pool.Liquid(balances.Asset_ETH).String())
		assert.Len(t, tx.EventsNamed(Event_FundsDebited), 1)
		assert.Len(t, tx.EventsNamed(Event_FundsCredited), 1)
	})
	t.Run("Should persist deployed amounts and roll back on restore", func(t *testing.T) {
		lsm, bal, pool, l := setup()
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, protocol)
		assert.Nil(t, bal.Mint(tx, balances.Asset_ETH, pool.Address(), big.NewInt(10)))
		assert.Nil(t, pool.Debit(tx, balances.Asset_ETH, big.NewInt(4)))

		grm, err := sqliteTests.GetInMemorySqliteDatabaseConnection(l)
		assert.Nil(t, err)
		assert.Nil(t, lsm.CommitFinalState(grm, 1))
		_ = lsm.CleanupProcessedStateForTransition(1)

		records := make([]*storage.OperatorFundsState, 0)
		assert.Nil(t, grm.Model(&storage.OperatorFundsState{}).Find(&records).Error)
		assert.Len(t, records, 1)
		assert.Equal(t, "4", records[0].Deployed)

		cp, _ := lsm.InitProcessingForTransition(2)
		tx = transaction.NewTransaction(2, now, protocol)
		assert.Nil(t, pool.Debit(tx, balances.Asset_ETH, big.NewInt(6)))
		assert.Nil(t, lsm.RestoreCheckpoint(cp))
		assert.Equal(t, "4", pool.Deployed(balances.Asset_ETH).String())
		assert.Equal(t, "6", pool.Liquid(balances.Asset_ETH).String())
	})
}
