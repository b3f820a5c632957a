package base

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"go.uber.org/zap"
)

type BaseStateModel struct {
	Logger *zap.Logger
}

// Include the transition sequence as the first item in the tree.
// This does two things:
// 1. Ensures that the tree is always different for different transitions
// 2. Allows us to have at least 1 value if a model holds no slots.
func (b *BaseStateModel) InitializeMerkleTreeBaseStateWithSequence(seq uint64) [][]byte {
	return [][]byte{
		append(types.MerkleLeafPrefix_ModelTransition, binary.BigEndian.AppendUint64([]byte{}, seq)...),
	}
}

type MerkleTreeInput struct {
	SlotID types.SlotID
	Value  []byte
}

// MerkleizeState creates a merkle tree from the given inputs.
//
// Each input includes a SlotID and a byte representation of the state held in that slot.
// Inputs must already be sorted by SlotID.
func (b *BaseStateModel) MerkleizeState(seq uint64, inputs []*MerkleTreeInput) (*merkletree.MerkleTree, error) {
	om := orderedmap.New[types.SlotID, []byte]()

	for _, input := range inputs {
		_, found := om.Get(input.SlotID)
		if !found {
			om.Set(input.SlotID, input.Value)

			prev := om.GetPair(input.SlotID).Prev()
			if prev != nil && prev.Key > input.SlotID {
				om.Delete(input.SlotID)
				return nil, errors.New("slotIDs are not in order")
			}
		} else {
			return nil, fmt.Errorf("duplicate slotID %s", input.SlotID)
		}
	}

	leaves := b.InitializeMerkleTreeBaseStateWithSequence(seq)
	for rootIndex := om.Oldest(); rootIndex != nil; rootIndex = rootIndex.Next() {
		leaves = append(leaves, encodeMerkleLeaf(rootIndex.Key, rootIndex.Value))
	}
	return merkletree.NewTree(
		merkletree.WithData(leaves),
		merkletree.WithHashType(keccak256.New()),
	)
}

// GenerateRoot merkleizes the inputs and returns the root, or nil when there are no inputs.
func (b *BaseStateModel) GenerateRoot(seq uint64, inputs []*MerkleTreeInput) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	tree, err := b.MerkleizeState(seq, inputs)
	if err != nil {
		b.Logger.Error("Failed to create merkle tree",
			zap.Error(err),
			zap.Uint64("seq", seq),
		)
		return nil, err
	}
	return tree.Root(), nil
}

func encodeMerkleLeaf(slotID types.SlotID, value []byte) []byte {
	return append(types.MerkleLeafPrefix_ModelStateChange, append([]byte(slotID), value...)...)
}

func NewSlotID(parts ...string) types.SlotID {
	id := ""
	for i, p := range parts {
		if i > 0 {
			id += "_"
		}
		id += p
	}
	return types.SlotID(id)
}

// EncodeAmount renders an amount as a fixed 32 byte big endian word so that slot values are unambiguous.
func EncodeAmount(v *big.Int) []byte {
	word := make([]byte, 32)
	if v == nil {
		return word
	}
	if v.Sign() < 0 {
		// negative values never make it into committed state, but keep the encoding total
		return append([]byte{0xff}, v.Bytes()...)
	}
	return v.FillBytes(word)
}

func SortInputs(inputs []*MerkleTreeInput) {
	slices.SortFunc(inputs, func(i, j *MerkleTreeInput) int {
		return strings.Compare(string(i.SlotID), string(j.SlotID))
	})
}

func EncodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{}, v)
}

func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
