package _202501071045_componentStateTables

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS account_balances (
			asset varchar not null,
			address varchar not null,
			balance numeric not null,
			seq bigint not null,
			primary key (asset, address)
		)`,
		`CREATE TABLE IF NOT EXISTS role_members (
			role varchar not null,
			address varchar not null,
			active boolean not null,
			seq bigint not null,
			primary key (role, address)
		)`,
		`CREATE TABLE IF NOT EXISTS operators (
			address varchar primary key,
			reward_controller varchar not null,
			registered_at timestamp with time zone not null,
			registered_at_seq bigint not null,
			deregistered boolean not null default false,
			deregistered_at timestamp with time zone,
			deregistered_at_seq bigint not null default 0,
			seq bigint not null
		)`,
		`CREATE TABLE IF NOT EXISTS sanctioned_addresses (
			address varchar primary key,
			sanctioned boolean not null,
			seq bigint not null
		)`,
		`CREATE TABLE IF NOT EXISTS oracle_prices (
			seq bigint primary key,
			price numeric not null,
			updated_at timestamp with time zone not null
		)`,
		`CREATE TABLE IF NOT EXISTS stream_states (
			asset varchar primary key,
			prior_stream_amount numeric not null,
			last_claim_time timestamp with time zone not null,
			streaming_interval_seconds bigint not null,
			seq bigint not null
		)`,
		`CREATE TABLE IF NOT EXISTS operator_funds_states (
			asset varchar primary key,
			deployed numeric not null,
			seq bigint not null
		)`,
		`CREATE TABLE IF NOT EXISTS vault_states (
			asset varchar primary key,
			total_shares numeric not null,
			liquidity_reserve_percent numeric not null,
			treasury_fee_percent numeric not null,
			operator_fee_percent numeric not null,
			mint_fee_percent numeric not null,
			deposits_enabled boolean not null,
			seq bigint not null
		)`,
		`CREATE TABLE IF NOT EXISTS share_balances (
			asset varchar not null,
			holder varchar not null,
			shares numeric not null,
			seq bigint not null,
			primary key (asset, holder)
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
	return "202501071045_componentStateTables"
}
