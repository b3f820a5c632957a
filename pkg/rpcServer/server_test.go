package rpcServer

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	sqliteTests "github.com/yieldledger/yieldledger/internal/tests/sqlite"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/ledger"
	"github.com/yieldledger/yieldledger/pkg/roles"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/storage/gormStore"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"gorm.io/gorm"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	op1   = common.HexToAddress("0x0000000000000000000000000000000000000101")
)

func setup(t *testing.T) (*ledger.Ledger, *httptest.Server) {
	return setupWithDb(t, nil)
}

func setupWithDb(t *testing.T, grm *gorm.DB) (*ledger.Ledger, *httptest.Server) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	reserve, err := numbers.ParsePercent("10%")
	require.Nil(t, err)

	clock := clockwork.NewFakeClockAt(time.Unix(1726063248, 0).UTC())
	lg, err := ledger.NewLedger(&ledger.LedgerConfig{
		Treasury:             ledger.DefaultTreasury,
		StreamingInterval:    config.DefaultStreamingInterval,
		RemainderPolicy:      config.RemainderPolicy_Reset,
		SanctionsEnforcement: config.SanctionsEnforcement_Revert,
		EthVault:             ledger.VaultSettings{LiquidityReservePercent: reserve, DepositsEnabled: true},
		RplVault:             ledger.VaultSettings{LiquidityReservePercent: reserve, DepositsEnabled: true},
		Roles:                map[roles.Role][]common.Address{roles.Role_Admin: {admin}},
	}, clock, grm, nil, nil, l)
	require.Nil(t, err)

	mux := runtime.NewServeMux()
	grpcServer := NewGrpcServer(l)
	var ts storage.TransitionStore
	if grm != nil {
		ts = gormStore.NewGormTransitionStore(grm, l, nil)
	}
	rpc, err := NewRpcServer(context.Background(), grpcServer, mux, lg, ts, nil, l)
	require.Nil(t, err)

	server := httptest.NewServer(rpc.Handler(mux))
	t.Cleanup(server.Close)
	return lg, server
}

func get(t *testing.T, server *httptest.Server, path string) (int, map[string]any) {
	res, err := http.Get(server.URL + path)
	require.Nil(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.Nil(t, err)

	parsed := map[string]any{}
	require.Nil(t, json.Unmarshal(body, &parsed), string(body))
	return res.StatusCode, parsed
}

func Test_RpcServer(t *testing.T) {
	t.Run("Should report health", func(t *testing.T) {
		_, server := setup(t)
		status, body := get(t, server, "/v1/health")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "SERVING", body["status"])
	})
	t.Run("Should return a vault summary", func(t *testing.T) {
		lg, server := setup(t)
		_, err := lg.Execute(admin, &ledger.CreditAccount{Asset: balances.Asset_ETH, To: alice, Amount: big.NewInt(100)})
		require.Nil(t, err)
		_, err = lg.Execute(alice, &ledger.Deposit{Asset: balances.Asset_ETH, Assets: big.NewInt(100), Receiver: alice})
		require.Nil(t, err)

		status, body := get(t, server, "/v1/vaults/eth")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "eth", body["asset"])
		assert.Equal(t, float64(100), body["totalAssets"])
		assert.Equal(t, float64(10), body["directBalance"])
		assert.Equal(t, true, body["depositsEnabled"])
	})
	t.Run("Should return not found for an unknown asset", func(t *testing.T) {
		_, server := setup(t)
		status, body := get(t, server, "/v1/vaults/btc")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Contains(t, body["error"], "unknown asset")
	})
	t.Run("Should convert between assets and shares", func(t *testing.T) {
		_, server := setup(t)
		status, body := get(t, server, "/v1/vaults/rpl/convert-to-shares?assets=250")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "250", body["input"])
		assert.Equal(t, "250", body["output"])

		status, body = get(t, server, "/v1/vaults/rpl/convert-to-assets?shares=7")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "7", body["output"])
	})
	t.Run("Should reject a malformed amount", func(t *testing.T) {
		_, server := setup(t)
		status, _ := get(t, server, "/v1/vaults/eth/convert-to-shares?assets=abc")
		assert.Equal(t, http.StatusBadRequest, status)
	})
	t.Run("Should return the stream summary", func(t *testing.T) {
		_, server := setup(t)
		status, body := get(t, server, "/v1/streamer/eth")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(0), body["streamedAmount"])
	})
	t.Run("Should route the current epoch separately from indexed epochs", func(t *testing.T) {
		_, server := setup(t)
		status, body := get(t, server, "/v1/epochs/current")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(0), body["index"])

		status, body = get(t, server, "/v1/epochs/0")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(0), body["index"])

		status, _ = get(t, server, "/v1/epochs/9")
		assert.Equal(t, http.StatusNotFound, status)
	})
	t.Run("Should return claim status for an operator", func(t *testing.T) {
		lg, server := setup(t)
		_, err := lg.Execute(admin, &ledger.RegisterOperator{Operator: op1, RewardController: op1})
		require.Nil(t, err)

		status, body := get(t, server, "/v1/epochs/0/claims/"+op1.Hex())
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, false, body["claimed"])
		assert.NotNil(t, body["firstEligible"])

		status, _ = get(t, server, "/v1/epochs/0/claims/not-an-address")
		assert.Equal(t, http.StatusBadRequest, status)
	})
	t.Run("Should return the latest state root", func(t *testing.T) {
		lg, server := setup(t)
		_, err := lg.Execute(admin, &ledger.CreditAccount{Asset: balances.Asset_RPL, To: alice, Amount: big.NewInt(5)})
		require.Nil(t, err)

		status, body := get(t, server, "/v1/state-root")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(1), body["seq"])
		assert.Equal(t, string(lg.GetStateRoot().StateRoot), body["stateRoot"])
	})
	t.Run("Should serve persisted transitions and claim records", func(t *testing.T) {
		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		grm, err := sqliteTests.GetInMemorySqliteDatabaseConnection(l)
		require.Nil(t, err)

		lg, server := setupWithDb(t, grm)
		_, err = lg.Execute(admin, &ledger.CreditAccount{Asset: balances.Asset_ETH, To: alice, Amount: big.NewInt(5)})
		require.Nil(t, err)

		status, body := get(t, server, "/v1/transitions/1")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "credit-account", body["Name"])
		assert.Equal(t, string(lg.GetStateRoot().StateRoot), body["StateRoot"])

		status, _ = get(t, server, "/v1/transitions/2")
		assert.Equal(t, http.StatusNotFound, status)

		res, err := http.Get(server.URL + "/v1/epochs/0/claims")
		require.Nil(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)
		records := []map[string]any{}
		assert.Nil(t, json.NewDecoder(res.Body).Decode(&records))
		assert.Len(t, records, 0)
	})
	t.Run("Should answer not found for history without a database", func(t *testing.T) {
		_, server := setup(t)
		status, body := get(t, server, "/v1/transitions/1")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Contains(t, body["error"], "requires a database")
	})
}
