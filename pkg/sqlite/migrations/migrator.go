package migrations

import (
	"fmt"
	"time"

	_202501071030_transitionsTable "github.com/yieldledger/yieldledger/pkg/sqlite/migrations/202501071030_transitionsTable"
	_202501071045_componentStateTables "github.com/yieldledger/yieldledger/pkg/sqlite/migrations/202501071045_componentStateTables"
	_202501141200_epochRewardTables "github.com/yieldledger/yieldledger/pkg/sqlite/migrations/202501141200_epochRewardTables"
	_202501201000_operatorRegistrations "github.com/yieldledger/yieldledger/pkg/sqlite/migrations/202501201000_operatorRegistrations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ISqliteMigration interface {
	Up(grm *gorm.DB) error
	GetName() string
}

type SqliteMigrator struct {
	GDb    *gorm.DB
	Logger *zap.Logger
}

func NewSqliteMigrator(gDb *gorm.DB, l *zap.Logger) *SqliteMigrator {
	return &SqliteMigrator{
		GDb:    gDb,
		Logger: l,
	}
}

func (m *SqliteMigrator) MigrateAll() error {
	if err := m.CreateMigrationTablesIfNotExists(); err != nil {
		return err
	}

	migrations := []ISqliteMigration{
		&_202501071030_transitionsTable.SqliteMigration{},
		&_202501071045_componentStateTables.SqliteMigration{},
		&_202501141200_epochRewardTables.SqliteMigration{},
		&_202501201000_operatorRegistrations.SqliteMigration{},
	}

	m.Logger.Sugar().Debug("Running migrations")
	for _, migration := range migrations {
		if err := m.Migrate(migration); err != nil {
			return fmt.Errorf("migration '%s' failed: %w", migration.GetName(), err)
		}
	}
	return nil
}

func (m *SqliteMigrator) CreateMigrationTablesIfNotExists() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS migrations (
			name TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT NULL
		)`,
	}

	for _, query := range queries {
		res := m.GDb.Exec(query)
		if res.Error != nil {
			m.Logger.Error("Failed to create migration table", zap.Error(res.Error))
			return res.Error
		}
	}
	return nil
}

func (m *SqliteMigrator) Migrate(migration ISqliteMigration) error {
	name := migration.GetName()

	var migrationRecord Migrations
	result := m.GDb.Find(&migrationRecord, "name = ?", name).Limit(1)

	if result.Error != nil {
		m.Logger.Error(fmt.Sprintf("Failed to find migration '%s'", name), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected > 0 {
		m.Logger.Sugar().Debugf("Migration %s already run", name)
		return nil
	}

	m.Logger.Sugar().Infof("Running migration '%s'", name)
	if err := migration.Up(m.GDb); err != nil {
		m.Logger.Error(fmt.Sprintf("Failed to run migration '%s'", name), zap.Error(err))
		return err
	}

	migrationRecord = Migrations{
		Name: name,
	}
	if result = m.GDb.Create(&migrationRecord); result.Error != nil {
		m.Logger.Error(fmt.Sprintf("Failed to record migration '%s'", name), zap.Error(result.Error))
		return result.Error
	}
	return nil
}

type Migrations struct {
	Name      string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
