package _202501071030_transitionsTable

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			seq bigint primary key,
			id varchar not null,
			name varchar not null,
			caller varchar not null,
			timestamp timestamp with time zone not null,
			state_root varchar not null,
			payload text not null,
			events text not null default '[]',
			created_at timestamp with time zone default current_timestamp,
			unique(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_name ON transitions(name)`,
	}
	for _, query := range queries {
		if res := grm.Exec(query); res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202501071030_transitionsTable"
}
