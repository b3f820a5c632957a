package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

type StateRoot string

// ITransaction is the view of the in-flight ledger transition handed to state models.
type ITransaction interface {
	// Sequence of the transition currently being applied
	Sequence() uint64

	// Now is the timestamp of the transition; constant for its whole duration
	Now() time.Time

	// Caller is the address that submitted the transition
	Caller() common.Address

	// Emit records an event. Events are only published if the transition commits.
	Emit(name string, data any)
}

type IStateModel interface {
	// GetModelName
	// Get the name of the model
	GetModelName() string

	// SetupStateForTransition
	// Perform any necessary setup before a transition is applied
	SetupStateForTransition(seq uint64) error

	// CleanupProcessedStateForTransition
	// Drop anything accumulated for the transition once it is committed or discarded
	CleanupProcessedStateForTransition(seq uint64) error

	// Checkpoint
	// Return an opaque deep copy of the model's state that can later be handed back to Restore
	Checkpoint() any

	// Restore
	// Replace the model's state with a previously taken checkpoint
	Restore(checkpoint any) error

	// CommitFinalState
	// Persist the state touched by the transition using the given database transaction
	CommitFinalState(grm *gorm.DB, seq uint64) error

	// GenerateStateRoot
	// Generate the state root for the model. A nil root means the model holds no state.
	GenerateStateRoot(seq uint64) ([]byte, error)
}

type SlotID string

type MerkleLeafPrefix []byte

var (
	MerkleLeafPrefix_Transition       MerkleLeafPrefix = []byte("0x00")
	MerkleLeafPrefix_ModelStateRoot   MerkleLeafPrefix = []byte("0x02")
	MerkleLeafPrefix_ModelTransition  MerkleLeafPrefix = []byte("0x03")
	MerkleLeafPrefix_ModelStateChange MerkleLeafPrefix = []byte("0x04")
)
