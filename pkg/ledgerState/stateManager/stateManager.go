package stateManager

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type LedgerStateManager struct {
	StateModels map[int]types.IStateModel
	logger      *zap.Logger
}

func NewLedgerStateManager(logger *zap.Logger) *LedgerStateManager {
	return &LedgerStateManager{
		StateModels: make(map[int]types.IStateModel),
		logger:      logger,
	}
}

// Allows a model to register itself with the state manager.
func (e *LedgerStateManager) RegisterState(model types.IStateModel, index int) {
	if m, ok := e.StateModels[index]; ok {
		e.logger.Sugar().Fatalf("Registering model at index %d which already exists and belongs to %s", index, m.GetModelName())
	}
	e.StateModels[index] = model
}

// Checkpoint holds the checkpoint of every registered model, keyed by model index.
type Checkpoint struct {
	Seq         uint64
	checkpoints map[int]any
}

// InitProcessingForTransition prepares every model for the transition and
// checkpoints their state so it can be restored if the transition is discarded.
func (e *LedgerStateManager) InitProcessingForTransition(seq uint64) (*Checkpoint, error) {
	cp := &Checkpoint{
		Seq:         seq,
		checkpoints: make(map[int]any),
	}
	for _, index := range e.GetSortedModelIndexes() {
		state := e.StateModels[index]
		if err := state.SetupStateForTransition(seq); err != nil {
			return nil, err
		}
		cp.checkpoints[index] = state.Checkpoint()
	}
	return cp, nil
}

// RestoreCheckpoint rolls every model back to the given checkpoint.
func (e *LedgerStateManager) RestoreCheckpoint(cp *Checkpoint) error {
	for _, index := range e.GetSortedModelIndexes() {
		state := e.StateModels[index]
		saved, ok := cp.checkpoints[index]
		if !ok {
			return fmt.Errorf("no checkpoint found for model %s", state.GetModelName())
		}
		if err := state.Restore(saved); err != nil {
			e.logger.Error("Failed to restore model checkpoint",
				zap.String("model", state.GetModelName()),
				zap.Uint64("seq", cp.Seq),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

// With the transition applied, commit the final state of every model using the given database transaction.
func (e *LedgerStateManager) CommitFinalState(grm *gorm.DB, seq uint64) error {
	for _, index := range e.GetSortedModelIndexes() {
		state := e.StateModels[index]
		if err := state.CommitFinalState(grm, seq); err != nil {
			e.logger.Error("Failed to commit final state",
				zap.String("model", state.GetModelName()),
				zap.Uint64("seq", seq),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

func (e *LedgerStateManager) CleanupProcessedStateForTransition(seq uint64) error {
	for _, index := range e.GetSortedModelIndexes() {
		state := e.StateModels[index]
		if err := state.CleanupProcessedStateForTransition(seq); err != nil {
			return err
		}
	}
	return nil
}

func (e *LedgerStateManager) GenerateStateRoot(seq uint64) (types.StateRoot, error) {
	roots := [][]byte{
		append(types.MerkleLeafPrefix_Transition, binary.BigEndian.AppendUint64([]byte{}, seq)...),
	}

	for _, index := range e.GetSortedModelIndexes() {
		state := e.StateModels[index]
		leaf, err := e.encodeModelLeaf(state, seq)
		if err != nil {
			return "", err
		}

		// a nil value indicates the model does not hold any state
		if leaf != nil {
			roots = append(roots, leaf)
		}
	}

	tree, err := merkletree.NewTree(
		merkletree.WithData(roots),
		merkletree.WithHashType(keccak256.New()),
	)
	if err != nil {
		return "", err
	}

	return types.StateRoot(utils.ConvertBytesToString(tree.Root())), nil
}

func (e *LedgerStateManager) encodeModelLeaf(model types.IStateModel, seq uint64) ([]byte, error) {
	root, err := model.GenerateStateRoot(seq)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}
	return append(types.MerkleLeafPrefix_ModelStateRoot, append([]byte(model.GetModelName()), root...)...), nil
}

func (e *LedgerStateManager) GetSortedModelIndexes() []int {
	indexes := make([]int, 0, len(e.StateModels))
	for i := range e.StateModels {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	return indexes
}
