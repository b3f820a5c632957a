package priceOracle

import (
	"errors"
	"math/big"
	"time"

	"github.com/yieldledger/yieldledger/pkg/ledgerState/base"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
)

var ErrInvalidPrice = errors.New("price must be greater than zero")

const Event_PriceUpdated = "PriceUpdated"

type PriceUpdated struct {
	Price     string    `json:"price"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type oracleState struct {
	Price     *big.Int
	UpdatedAt time.Time
}

// PriceOracleModel holds the exchange rate between the secondary and the base asset:
// the amount of base asset (1e18 fixed point) one unit of the secondary asset is worth.
type PriceOracleModel struct {
	base.BaseStateModel
	logger *zap.Logger
	state  *oracleState

	stateAccumulator map[uint64]bool
}

func NewPriceOracleModel(lsm *stateManager.LedgerStateManager, logger *zap.Logger) (*PriceOracleModel, error) {
	m := &PriceOracleModel{
		BaseStateModel:   base.BaseStateModel{Logger: logger},
		logger:           logger,
		state:            &oracleState{Price: big.NewInt(0)},
		stateAccumulator: make(map[uint64]bool),
	}
	lsm.RegisterState(m, 3)
	return m, nil
}

func (p *PriceOracleModel) GetModelName() string {
	return "PriceOracleModel"
}

// GetPrice returns the latest price, or zero if none was ever set.
func (p *PriceOracleModel) GetPrice() *big.Int {
	return numbers.Copy(p.state.Price)
}

func (p *PriceOracleModel) UpdatedAt() time.Time {
	return p.state.UpdatedAt
}

func (p *PriceOracleModel) SetPrice(tx types.ITransaction, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if _, ok := p.stateAccumulator[tx.Sequence()]; !ok {
		return xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	p.state = &oracleState{
		Price:     numbers.Copy(price),
		UpdatedAt: tx.Now(),
	}
	p.stateAccumulator[tx.Sequence()] = true

	p.logger.Debug("Updated price",
		zap.String("price", numbers.ToDecimal(price, numbers.PrecisionDecimals).String()),
	)
	tx.Emit(Event_PriceUpdated, &PriceUpdated{Price: price.String(), UpdatedAt: tx.Now()})
	return nil
}

func (p *PriceOracleModel) SetupStateForTransition(seq uint64) error {
	p.stateAccumulator[seq] = false
	return nil
}

func (p *PriceOracleModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(p.stateAccumulator, seq)
	return nil
}

func (p *PriceOracleModel) Checkpoint() any {
	return &oracleState{Price: numbers.Copy(p.state.Price), UpdatedAt: p.state.UpdatedAt}
}

func (p *PriceOracleModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(*oracleState)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	p.state = &oracleState{Price: numbers.Copy(cp.Price), UpdatedAt: cp.UpdatedAt}
	return nil
}

func (p *PriceOracleModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	if !p.stateAccumulator[seq] {
		return nil
	}
	record := &storage.OraclePrice{
		Seq:       seq,
		Price:     p.state.Price.String(),
		UpdatedAt: p.state.UpdatedAt,
	}
	if err := storage.Upsert(grm, []*storage.OraclePrice{record}); err != nil {
		p.logger.Error("Failed to insert oracle price", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (p *PriceOracleModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	if p.state.Price.Sign() == 0 {
		return nil, nil
	}
	return p.GenerateRoot(seq, []*base.MerkleTreeInput{
		{SlotID: base.NewSlotID("price"), Value: base.EncodeAmount(p.state.Price)},
	})
}
