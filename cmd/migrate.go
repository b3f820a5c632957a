package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/pkg/postgres"
	"github.com/yieldledger/yieldledger/pkg/postgres/migrations"
	"github.com/yieldledger/yieldledger/pkg/sqlite"
	sqliteMigrations "github.com/yieldledger/yieldledger/pkg/sqlite/migrations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database if needed and run all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindSubcommandFlags(cmd)
		cfg := config.NewConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		if cfg.GetDatabaseDriver() == config.DatabaseDriver_None {
			return fmt.Errorf("migrate requires a database driver")
		}
		if _, err := openDatabase(cfg, l); err != nil {
			return err
		}
		l.Info("Database migrated", zap.String("driver", string(cfg.GetDatabaseDriver())))
		return nil
	},
}

// openDatabase connects to the configured database and runs every pending migration.
// It returns a nil db when persistence is disabled.
func openDatabase(cfg *config.Config, l *zap.Logger) (*gorm.DB, error) {
	switch cfg.GetDatabaseDriver() {
	case config.DatabaseDriver_Postgres:
		pgConfig := postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig)
		pgConfig.CreateDbIfNotExists = true

		pg, err := postgres.NewPostgres(pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to setup postgres connection: %w", err)
		}
		grm, err := postgres.NewGormFromPostgresConnection(pg.Db)
		if err != nil {
			return nil, fmt.Errorf("failed to create gorm instance: %w", err)
		}
		migrator := migrations.NewMigrator(pg.Db, grm, l)
		if err := migrator.MigrateAll(); err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		return grm, nil

	case config.DatabaseDriver_Sqlite:
		grm, err := sqlite.NewGormSqliteFromSqlite(sqlite.NewSqlite(&sqlite.SqliteConfig{Path: cfg.SqliteConfig.Path}, l))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		migrator := sqliteMigrations.NewSqliteMigrator(grm, l)
		if err := migrator.MigrateAll(); err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		return grm, nil
	}
	return nil, nil
}
