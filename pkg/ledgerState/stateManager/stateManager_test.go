package stateManager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/base"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// counterModel holds a single counter and records the calls it receives.
type counterModel struct {
	base.BaseStateModel
	name      string
	value     uint64
	setups    []uint64
	cleanups  []uint64
	commits   []uint64
	commitErr error
}

func (c *counterModel) GetModelName() string { return c.name }

func (c *counterModel) SetupStateForTransition(seq uint64) error {
	c.setups = append(c.setups, seq)
	return nil
}

func (c *counterModel) CleanupProcessedStateForTransition(seq uint64) error {
	c.cleanups = append(c.cleanups, seq)
	return nil
}

func (c *counterModel) Checkpoint() any { return c.value }

func (c *counterModel) Restore(checkpoint any) error {
	v, ok := checkpoint.(uint64)
	if !ok {
		return errors.New("bad checkpoint")
	}
	c.value = v
	return nil
}

func (c *counterModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits = append(c.commits, seq)
	return nil
}

func (c *counterModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	if c.value == 0 {
		return nil, nil
	}
	return c.GenerateRoot(seq, []*base.MerkleTreeInput{
		{SlotID: base.NewSlotID("value"), Value: base.EncodeUint64(c.value)},
	})
}

func setup() (*LedgerStateManager, *counterModel, *counterModel, *zap.Logger) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	lsm := NewLedgerStateManager(l)
	a := &counterModel{BaseStateModel: base.BaseStateModel{Logger: l}, name: "a"}
	b := &counterModel{BaseStateModel: base.BaseStateModel{Logger: l}, name: "b"}
	lsm.RegisterState(b, 1)
	lsm.RegisterState(a, 0)
	return lsm, a, b, l
}

func Test_StateManager(t *testing.T) {
	t.Run("Should return model indexes in order", func(t *testing.T) {
		lsm, _, _, _ := setup()
		assert.Equal(t, []int{0, 1}, lsm.GetSortedModelIndexes())
	})
	t.Run("Should set up and clean up every model", func(t *testing.T) {
		lsm, a, b, _ := setup()
		cp, err := lsm.InitProcessingForTransition(5)
		assert.Nil(t, err)
		assert.Equal(t, uint64(5), cp.Seq)
		assert.Nil(t, lsm.CleanupProcessedStateForTransition(5))

		assert.Equal(t, []uint64{5}, a.setups)
		assert.Equal(t, []uint64{5}, b.setups)
		assert.Equal(t, []uint64{5}, a.cleanups)
		assert.Equal(t, []uint64{5}, b.cleanups)
	})
	t.Run("Should restore every model to its checkpoint", func(t *testing.T) {
		lsm, a, b, _ := setup()
		a.value = 1
		cp, _ := lsm.InitProcessingForTransition(1)
		a.value = 10
		b.value = 20

		assert.Nil(t, lsm.RestoreCheckpoint(cp))
		assert.Equal(t, uint64(1), a.value)
		assert.Equal(t, uint64(0), b.value)
	})
	t.Run("Should stop committing at the first failing model", func(t *testing.T) {
		lsm, a, b, _ := setup()
		a.commitErr = errors.New("boom")
		err := lsm.CommitFinalState(nil, 1)
		assert.NotNil(t, err)
		assert.Len(t, b.commits, 0)
	})
	t.Run("Should derive the state root from every model", func(t *testing.T) {
		lsm, a, b, _ := setup()

		empty, err := lsm.GenerateStateRoot(1)
		assert.Nil(t, err)
		assert.Equal(t, 66, len(empty))

		a.value = 1
		rootA, err := lsm.GenerateStateRoot(1)
		assert.Nil(t, err)
		assert.NotEqual(t, empty, rootA)

		b.value = 1
		rootAB, _ := lsm.GenerateStateRoot(1)
		assert.NotEqual(t, rootA, rootAB)

		again, _ := lsm.GenerateStateRoot(1)
		assert.Equal(t, rootAB, again)

		nextSeq, _ := lsm.GenerateStateRoot(2)
		assert.NotEqual(t, rootAB, nextSeq)
	})
}
