package gormStore

import (
	"errors"
	"fmt"

	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormTransitionStore works against any gorm dialect that the migrators support (postgres and sqlite).
type GormTransitionStore struct {
	Db           *gorm.DB
	Logger       *zap.Logger
	GlobalConfig *config.Config
}

func NewGormTransitionStore(db *gorm.DB, l *zap.Logger, cfg *config.Config) *GormTransitionStore {
	return &GormTransitionStore{
		Db:           db,
		Logger:       l,
		GlobalConfig: cfg,
	}
}

func (s *GormTransitionStore) InsertTransition(transition *storage.Transition) (*storage.Transition, error) {
	res := s.Db.Model(&storage.Transition{}).Clauses(clause.Returning{}).Create(&transition)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to insert transition with seq '%d': %w", transition.Seq, res.Error)
	}
	return transition, nil
}

func (s *GormTransitionStore) GetLatestTransition() (*storage.Transition, error) {
	transition := &storage.Transition{}
	res := s.Db.Model(&storage.Transition{}).Order("seq desc").First(&transition)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return transition, nil
}

func (s *GormTransitionStore) GetTransitionBySeq(seq uint64) (*storage.Transition, error) {
	transition := &storage.Transition{}
	res := s.Db.Model(&storage.Transition{}).Where("seq = ?", seq).First(&transition)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return transition, nil
}

// ListTransitions returns up to limit transitions starting at fromSeq, in sequence order.
// A limit <= 0 returns everything.
func (s *GormTransitionStore) ListTransitions(fromSeq uint64, limit int) ([]*storage.Transition, error) {
	transitions := make([]*storage.Transition, 0)
	query := s.Db.Model(&storage.Transition{}).Where("seq >= ?", fromSeq).Order("seq asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if res := query.Find(&transitions); res.Error != nil {
		return nil, res.Error
	}
	return transitions, nil
}

func (s *GormTransitionStore) CountTransitions() (int64, error) {
	var count int64
	res := s.Db.Model(&storage.Transition{}).Count(&count)
	if res.Error != nil {
		return 0, res.Error
	}
	return count, nil
}

func (s *GormTransitionStore) ListEpochs() ([]*storage.Epoch, error) {
	epochs := make([]*storage.Epoch, 0)
	res := s.Db.Model(&storage.Epoch{}).Order("epoch_index asc").Find(&epochs)
	if res.Error != nil {
		return nil, res.Error
	}
	return epochs, nil
}

func (s *GormTransitionStore) ListClaimRecordsForEpoch(epochIndex uint64) ([]*storage.OperatorClaimRecord, error) {
	records := make([]*storage.OperatorClaimRecord, 0)
	res := s.Db.Model(&storage.OperatorClaimRecord{}).
		Where("epoch_index = ?", epochIndex).
		Order("operator asc").
		Find(&records)
	if res.Error != nil {
		return nil, res.Error
	}
	return records, nil
}
