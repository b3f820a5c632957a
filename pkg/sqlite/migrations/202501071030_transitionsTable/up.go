package _202501071030_transitionsTable

import (
	"gorm.io/gorm"
)

type SqliteMigration struct {
}

func (m *SqliteMigration) Up(grm *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			caller TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			state_root TEXT NOT NULL,
			payload TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
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

func (m *SqliteMigration) GetName() string {
	return "202501071030_transitionsTable"
}
