package _202501201000_operatorRegistrations

import (
	"gorm.io/gorm"
)

type SqliteMigration struct {
}

func (m *SqliteMigration) Up(grm *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS operator_registrations (
			operator TEXT NOT NULL,
			registered_at_seq INTEGER NOT NULL,
			registered_at DATETIME NOT NULL,
			deregistered_at DATETIME,
			deregistered_at_seq INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL,
			PRIMARY KEY (operator, registered_at_seq)
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
	return "202501201000_operatorRegistrations"
}
