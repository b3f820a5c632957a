package _202501141200_epochRewardTables

import (
	"gorm.io/gorm"
)

type SqliteMigration struct {
}

func (m *SqliteMigration) Up(grm *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS epochs (
			epoch_index INTEGER PRIMARY KEY,
			amount TEXT NOT NULL,
			num_operators_at_creation INTEGER NOT NULL,
			operator_set_version INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			started_at_seq INTEGER NOT NULL,
			finalized BOOLEAN NOT NULL DEFAULT false,
			claimed TEXT NOT NULL DEFAULT '0',
			dust TEXT NOT NULL DEFAULT '0',
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS operator_claim_records (
			operator TEXT NOT NULL,
			epoch_index INTEGER NOT NULL,
			amount TEXT NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (operator, epoch_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operator_claim_records_epoch ON operator_claim_records(epoch_index)`,
		`CREATE TABLE IF NOT EXISTS rewards_roots (
			reward_index INTEGER PRIMARY KEY,
			root TEXT NOT NULL,
			claimed BOOLEAN NOT NULL DEFAULT false,
			claimed_seq INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL
		)`,
	}
	for _, query := range queries {
		if res := grm.Exec(query); res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *SqliteMigration) GetName() string {
	return "202501141200_epochRewardTables"
}
