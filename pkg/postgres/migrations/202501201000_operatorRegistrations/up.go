package _202501201000_operatorRegistrations

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	query := `CREATE TABLE IF NOT EXISTS operator_registrations (
		operator varchar not null,
		registered_at_seq bigint not null,
		registered_at timestamp with time zone not null,
		deregistered_at timestamp with time zone,
		deregistered_at_seq bigint not null default 0,
		seq bigint not null,
		primary key (operator, registered_at_seq)
	)`
	if res := grm.Exec(query); res.Error != nil {
		return res.Error
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202501201000_operatorRegistrations"
}
