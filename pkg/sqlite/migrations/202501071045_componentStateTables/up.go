package _202501071045_componentStateTables

import (
	"gorm.io/gorm"
)

type SqliteMigration struct {
}

// Amounts are stored as TEXT; sqlite's NUMERIC affinity would coerce large values to REAL.
func (m *SqliteMigration) Up(grm *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS account_balances (
			asset TEXT NOT NULL,
			address TEXT NOT NULL,
			balance TEXT NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (asset, address)
		)`,
		`CREATE TABLE IF NOT EXISTS role_members (
			role TEXT NOT NULL,
			address TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (role, address)
		)`,
		`CREATE TABLE IF NOT EXISTS operators (
			address TEXT PRIMARY KEY,
			reward_controller TEXT NOT NULL,
			registered_at DATETIME NOT NULL,
			registered_at_seq INTEGER NOT NULL,
			deregistered BOOLEAN NOT NULL DEFAULT false,
			deregistered_at DATETIME,
			deregistered_at_seq INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sanctioned_addresses (
			address TEXT PRIMARY KEY,
			sanctioned BOOLEAN NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS oracle_prices (
			seq INTEGER PRIMARY KEY,
			price TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stream_states (
			asset TEXT PRIMARY KEY,
			prior_stream_amount TEXT NOT NULL,
			last_claim_time DATETIME NOT NULL,
			streaming_interval_seconds INTEGER NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS operator_funds_states (
			asset TEXT PRIMARY KEY,
			deployed TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vault_states (
			asset TEXT PRIMARY KEY,
			total_shares TEXT NOT NULL,
			liquidity_reserve_percent TEXT NOT NULL,
			treasury_fee_percent TEXT NOT NULL,
			operator_fee_percent TEXT NOT NULL,
			mint_fee_percent TEXT NOT NULL,
			deposits_enabled BOOLEAN NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS share_balances (
			asset TEXT NOT NULL,
			holder TEXT NOT NULL,
			shares TEXT NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (asset, holder)
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
	return "202501071045_componentStateTables"
}
