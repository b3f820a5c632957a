package operatorRegistry

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/logger"
	sqliteTests "github.com/yieldledger/yieldledger/internal/tests/sqlite"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/transaction"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"go.uber.org/zap"
)

func setup() (*stateManager.LedgerStateManager, *OperatorRegistryModel, *zap.Logger) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	lsm := stateManager.NewLedgerStateManager(l)
	model, _ := NewOperatorRegistryModel(lsm, l)
	return lsm, model, l
}

func Test_OperatorRegistry(t *testing.T) {
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	op1 := common.HexToAddress("0x0000000000000000000000000000000000000001")
	op2 := common.HexToAddress("0x0000000000000000000000000000000000000002")
	delegate := common.HexToAddress("0x00000000000000000000000000000000000000de")
	now := time.Unix(1726063248, 0)

	begin := func(lsm *stateManager.LedgerStateManager, seq uint64) *transaction.Transaction {
		_, err := lsm.InitProcessingForTransition(seq)
		assert.Nil(t, err)
		return transaction.NewTransaction(seq, now.Add(time.Duration(seq)*time.Second), admin)
	}

	t.Run("Should register operators and bump the set version", func(t *testing.T) {
		lsm, model, _ := setup()
		tx := begin(lsm, 1)
		assert.Nil(t, model.RegisterOperator(tx, op1, common.Address{}))
		assert.Nil(t, model.RegisterOperator(tx, op2, delegate))

		assert.Equal(t, uint64(2), model.OperatorCount())
		assert.Equal(t, uint64(2), model.OperatorSetVersion())

		op, ok := model.GetOperator(op1)
		assert.True(t, ok)
		assert.Equal(t, op1, op.RewardController)
		assert.Equal(t, uint64(1), op.RegisteredAtSeq)

		op, _ = model.GetOperator(op2)
		assert.Equal(t, delegate, op.RewardController)

		assert.ErrorIs(t, model.RegisterOperator(tx, op1, common.Address{}), ErrAlreadyRegistered)
		assert.ErrorIs(t, model.RegisterOperator(tx, common.Address{}, common.Address{}), ErrZeroAddress)
	})
	t.Run("Should keep deregistered operators on record", func(t *testing.T) {
		lsm, model, _ := setup()
		tx := begin(lsm, 1)
		assert.Nil(t, model.RegisterOperator(tx, op1, common.Address{}))
		assert.Nil(t, lsm.CleanupProcessedStateForTransition(1))

		tx = begin(lsm, 2)
		assert.Nil(t, model.DeregisterOperator(tx, op1))
		assert.Equal(t, uint64(0), model.OperatorCount())
		assert.Equal(t, uint64(2), model.OperatorSetVersion())

		op, ok := model.GetOperator(op1)
		assert.True(t, ok)
		assert.True(t, op.Deregistered)
		assert.Equal(t, uint64(2), op.DeregisteredAtSeq)

		assert.ErrorIs(t, model.DeregisterOperator(tx, op1), ErrNotRegistered)
		assert.ErrorIs(t, model.DeregisterOperator(tx, op2), ErrUnknownOperator)
	})
	t.Run("Should keep earlier registration windows on re-registration", func(t *testing.T) {
		lsm, model, _ := setup()
		tx := begin(lsm, 1)
		assert.Nil(t, model.RegisterOperator(tx, op1, common.Address{}))
		tx = begin(lsm, 2)
		assert.Nil(t, model.DeregisterOperator(tx, op1))
		tx = begin(lsm, 3)
		assert.Nil(t, model.RegisterOperator(tx, op1, common.Address{}))

		op, _ := model.GetOperator(op1)
		assert.False(t, op.Deregistered)
		assert.Equal(t, uint64(3), op.RegisteredAtSeq)
		assert.Equal(t, uint64(3), model.OperatorSetVersion())
		assert.Equal(t, uint64(1), op.FirstRegisteredAtSeq())

		assert.Len(t, op.Registrations, 2)
		assert.True(t, op.Registrations[0].Deregistered)
		assert.Equal(t, uint64(2), op.Registrations[0].DeregisteredAtSeq)
		assert.False(t, op.Registrations[1].Deregistered)

		tests := []struct {
			seq      uint64
			expected bool
		}{
			{seq: 1, expected: false},
			{seq: 2, expected: true},
			{seq: 3, expected: false},
			{seq: 4, expected: true},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, op.RegisteredDuring(tt.seq), "seq %d", tt.seq)
		}
	})
	t.Run("Should track sanctions", func(t *testing.T) {
		lsm, model, _ := setup()
		tx := begin(lsm, 1)
		assert.Nil(t, model.SetSanctioned(tx, delegate, true))
		assert.True(t, model.IsSanctioned(delegate))
		assert.ErrorIs(t, model.SetSanctioned(tx, delegate, true), ErrSanctionsUnchanged)
		assert.Nil(t, model.SetSanctioned(tx, delegate, false))
		assert.False(t, model.IsSanctioned(delegate))
	})
	t.Run("Should persist operator changes", func(t *testing.T) {
		lsm, model, l := setup()
		grm, err := sqliteTests.GetInMemorySqliteDatabaseConnection(l)
		if err != nil {
			t.Fatal(err)
		}
		tx := begin(lsm, 1)
		assert.Nil(t, model.RegisterOperator(tx, op1, delegate))
		assert.Nil(t, model.SetSanctioned(tx, op2, true))
		assert.Nil(t, lsm.CommitFinalState(grm, 1))

		records := make([]*storage.Operator, 0)
		assert.Nil(t, grm.Model(&storage.Operator{}).Find(&records).Error)
		assert.Equal(t, 1, len(records))
		assert.Equal(t, "0x00000000000000000000000000000000000000de", records[0].RewardController)
		assert.Nil(t, records[0].DeregisteredAt)

		windows := make([]*storage.OperatorRegistration, 0)
		assert.Nil(t, grm.Model(&storage.OperatorRegistration{}).Find(&windows).Error)
		assert.Equal(t, 1, len(windows))
		assert.Equal(t, uint64(1), windows[0].RegisteredAtSeq)

		sanctioned := make([]*storage.SanctionedAddress, 0)
		assert.Nil(t, grm.Model(&storage.SanctionedAddress{}).Find(&sanctioned).Error)
		assert.Equal(t, 1, len(sanctioned))
		assert.True(t, sanctioned[0].Sanctioned)
	})
}
