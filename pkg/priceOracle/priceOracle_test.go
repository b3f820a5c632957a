package priceOracle

import (
	"context"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jarcoal/httpmock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/logger"
	sqliteTests "github.com/yieldledger/yieldledger/internal/tests/sqlite"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/transaction"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"go.uber.org/zap"
)

func setup() (*stateManager.LedgerStateManager, *PriceOracleModel, *zap.Logger) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	lsm := stateManager.NewLedgerStateManager(l)
	model, _ := NewPriceOracleModel(lsm, l)
	return lsm, model, l
}

func Test_PriceOracle(t *testing.T) {
	oracle := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	now := time.Unix(1726063248, 0)

	t.Run("Should default to a zero price", func(t *testing.T) {
		_, model, _ := setup()
		assert.Equal(t, "0", model.GetPrice().String())

		root, err := model.GenerateStateRoot(1)
		assert.Nil(t, err)
		assert.Nil(t, root)
	})
	t.Run("Should set and persist a price", func(t *testing.T) {
		lsm, model, l := setup()
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, oracle)

		assert.Nil(t, model.SetPrice(tx, big.NewInt(6100000000000000)))
		assert.Equal(t, "6100000000000000", model.GetPrice().String())
		assert.Equal(t, now.UTC(), model.UpdatedAt())
		assert.Len(t, tx.EventsNamed(Event_PriceUpdated), 1)

		grm, err := sqliteTests.GetInMemorySqliteDatabaseConnection(l)
		assert.Nil(t, err)
		assert.Nil(t, lsm.CommitFinalState(grm, 1))

		records := make([]*storage.OraclePrice, 0)
		assert.Nil(t, grm.Model(&storage.OraclePrice{}).Find(&records).Error)
		assert.Len(t, records, 1)
		assert.Equal(t, "6100000000000000", records[0].Price)
	})
	t.Run("Should reject non-positive prices", func(t *testing.T) {
		lsm, model, _ := setup()
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, oracle)

		assert.ErrorIs(t, model.SetPrice(tx, big.NewInt(0)), ErrInvalidPrice)
		assert.ErrorIs(t, model.SetPrice(tx, big.NewInt(-1)), ErrInvalidPrice)
		assert.Len(t, tx.Events(), 0)
	})
	t.Run("Should restore the previous price", func(t *testing.T) {
		lsm, model, _ := setup()
		_, _ = lsm.InitProcessingForTransition(1)
		assert.Nil(t, model.SetPrice(transaction.NewTransaction(1, now, oracle), big.NewInt(10)))
		_ = lsm.CleanupProcessedStateForTransition(1)

		cp, _ := lsm.InitProcessingForTransition(2)
		assert.Nil(t, model.SetPrice(transaction.NewTransaction(2, now, oracle), big.NewInt(20)))
		assert.Nil(t, lsm.RestoreCheckpoint(cp))
		assert.Equal(t, "10", model.GetPrice().String())
	})
}

func Test_HttpPriceFeed(t *testing.T) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	url := "http://prices.local/rpl-eth"

	t.Run("Should fetch and submit a price", func(t *testing.T) {
		client := &http.Client{}
		httpmock.ActivateNonDefault(client)
		defer httpmock.DeactivateAndReset()

		httpmock.RegisterResponder("GET", url, httpmock.NewStringResponder(200, `{"price": "0.0061"}`))

		var submitted *big.Int
		feed := NewHttpPriceFeed(url, time.Minute, client, clockwork.NewFakeClock(), func(ctx context.Context, price *big.Int) error {
			submitted = price
			return nil
		}, l)

		assert.Nil(t, feed.Poll(context.Background()))
		assert.Equal(t, "6100000000000000", submitted.String())
		assert.Equal(t, 1, httpmock.GetTotalCallCount())
	})
	t.Run("Should fail on a bad response", func(t *testing.T) {
		client := &http.Client{}
		httpmock.ActivateNonDefault(client)
		defer httpmock.DeactivateAndReset()

		feed := NewHttpPriceFeed(url, time.Minute, client, clockwork.NewFakeClock(), func(ctx context.Context, price *big.Int) error {
			t.Fatal("should not submit")
			return nil
		}, l)

		httpmock.RegisterResponder("GET", url, httpmock.NewStringResponder(500, `oops`))
		_, err := feed.FetchPrice(context.Background())
		assert.NotNil(t, err)

		httpmock.RegisterResponder("GET", url, httpmock.NewStringResponder(200, `{"price": "0"}`))
		_, err = feed.FetchPrice(context.Background())
		assert.ErrorIs(t, err, ErrInvalidPrice)

		httpmock.RegisterResponder("GET", url, httpmock.NewStringResponder(200, `{"price": "abc"}`))
		_, err = feed.FetchPrice(context.Background())
		assert.NotNil(t, err)
	})
	t.Run("Should poll on every tick until cancelled", func(t *testing.T) {
		client := &http.Client{}
		httpmock.ActivateNonDefault(client)
		defer httpmock.DeactivateAndReset()
		httpmock.RegisterResponder("GET", url, httpmock.NewStringResponder(200, `{"price": "0.0061"}`))

		clock := clockwork.NewFakeClock()
		polls := make(chan struct{}, 10)
		feed := NewHttpPriceFeed(url, time.Minute, client, clock, func(ctx context.Context, price *big.Int) error {
			polls <- struct{}{}
			return nil
		}, l)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() {
			done <- feed.Run(ctx)
		}()

		<-polls
		assert.Nil(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
		<-polls

		cancel()
		assert.Nil(t, <-done)
	})
}
