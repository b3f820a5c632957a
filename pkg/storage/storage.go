package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransitionStore interface {
	InsertTransition(transition *Transition) (*Transition, error)
	GetLatestTransition() (*Transition, error)
	GetTransitionBySeq(seq uint64) (*Transition, error)
	ListTransitions(fromSeq uint64, limit int) ([]*Transition, error)
	CountTransitions() (int64, error)

	ListEpochs() ([]*Epoch, error)
	ListClaimRecordsForEpoch(epochIndex uint64) ([]*OperatorClaimRecord, error)
}

// Tables.

// Transition is a single committed ledger operation. Payload holds the json encoded command
// so that the ledger can be rebuilt by replaying transitions in sequence order.
type Transition struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Id        string
	Name      string
	Caller    string
	Timestamp time.Time
	StateRoot string
	Payload   string
	Events    string
	CreatedAt time.Time
}

type AccountBalance struct {
	Asset   string `gorm:"primaryKey"`
	Address string `gorm:"primaryKey"`
	Balance string
	Seq     uint64
}

type RoleMember struct {
	Role    string `gorm:"primaryKey"`
	Address string `gorm:"primaryKey"`
	Active  bool
	Seq     uint64
}

type Operator struct {
	Address           string `gorm:"primaryKey"`
	RewardController  string
	RegisteredAt      time.Time
	RegisteredAtSeq   uint64
	Deregistered      bool
	DeregisteredAt    *time.Time
	DeregisteredAtSeq uint64
	Seq               uint64
}

// OperatorRegistration is one registration window of an operator.
type OperatorRegistration struct {
	Operator          string `gorm:"primaryKey"`
	RegisteredAtSeq   uint64 `gorm:"primaryKey;autoIncrement:false"`
	RegisteredAt      time.Time
	DeregisteredAt    *time.Time
	DeregisteredAtSeq uint64
	Seq               uint64
}

type SanctionedAddress struct {
	Address    string `gorm:"primaryKey"`
	Sanctioned bool
	Seq        uint64
}

type OraclePrice struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Price     string
	UpdatedAt time.Time
}

type StreamState struct {
	Asset                    string `gorm:"primaryKey"`
	PriorStreamAmount        string
	LastClaimTime            time.Time
	StreamingIntervalSeconds int64
	Seq                      uint64
}

type OperatorFundsState struct {
	Asset    string `gorm:"primaryKey"`
	Deployed string
	Seq      uint64
}

type VaultState struct {
	Asset                   string `gorm:"primaryKey"`
	TotalShares             string
	LiquidityReservePercent string
	TreasuryFeePercent      string
	OperatorFeePercent      string
	MintFeePercent          string
	DepositsEnabled         bool
	Seq                     uint64
}

type ShareBalance struct {
	Asset  string `gorm:"primaryKey"`
	Holder string `gorm:"primaryKey"`
	Shares string
	Seq    uint64
}

type Epoch struct {
	EpochIndex             uint64    `gorm:"primaryKey;autoIncrement:false" csv:"epoch_index"`
	Amount                 string    `csv:"amount"`
	NumOperatorsAtCreation uint64    `csv:"num_operators_at_creation"`
	OperatorSetVersion     uint64    `csv:"operator_set_version"`
	StartedAt              time.Time `csv:"started_at"`
	StartedAtSeq           uint64    `csv:"started_at_seq"`
	Finalized              bool      `csv:"finalized"`
	Claimed                string    `csv:"claimed"`
	Dust                   string    `csv:"dust"`
	Seq                    uint64    `csv:"-"`
}

type OperatorClaimRecord struct {
	Operator   string `gorm:"primaryKey"`
	EpochIndex uint64 `gorm:"primaryKey;autoIncrement:false"`
	Amount     string
	Seq        uint64
}

type RewardsRoot struct {
	RewardIndex uint64 `gorm:"primaryKey;autoIncrement:false"`
	Root        string
	Claimed     bool
	ClaimedSeq  uint64
	Seq         uint64
}

// Upsert writes the records using the primary key as the conflict target.
func Upsert[T any](grm *gorm.DB, records []*T) error {
	if len(records) == 0 {
		return nil
	}
	res := grm.Clauses(clause.OnConflict{UpdateAll: true}).Create(&records)
	return res.Error
}
