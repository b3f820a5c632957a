package _202501141200_epochRewardTables

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS epochs (
			epoch_index bigint primary key,
			amount numeric not null,
			num_operators_at_creation bigint not null,
			operator_set_version bigint not null,
			started_at timestamp with time zone not null,
			started_at_seq bigint not null,
			finalized boolean not null default false,
			claimed numeric not null default 0,
			dust numeric not null default 0,
			seq bigint not null
		)`,
		`CREATE TABLE IF NOT EXISTS operator_claim_records (
			operator varchar not null,
			epoch_index bigint not null,
			amount numeric not null,
			seq bigint not null,
			primary key (operator, epoch_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operator_claim_records_epoch ON operator_claim_records(epoch_index)`,
		`CREATE TABLE IF NOT EXISTS rewards_roots (
			reward_index bigint primary key,
			root varchar not null,
			claimed boolean not null default false,
			claimed_seq bigint not null default 0,
			seq bigint not null
		)`,
	}
	for _, query := range queries {
		if res := grm.Exec(query); res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202501141200_epochRewardTables"
}
