package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/yieldledger/yieldledger/pkg/sqlite"
	"github.com/yieldledger/yieldledger/pkg/sqlite/migrations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GetInMemorySqliteDatabaseConnection returns a migrated in-memory database private to the caller.
func GetInMemorySqliteDatabaseConnection(l *zap.Logger) (*gorm.DB, error) {
	name, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", name.String())
	return openAndMigrate(path, l)
}

func GetFileBasedSqliteDatabaseConnection(l *zap.Logger) (string, *gorm.DB, error) {
	name, err := uuid.NewRandom()
	if err != nil {
		return "", nil, err
	}
	basePath := filepath.Join(os.TempDir(), name.String())
	if err := os.MkdirAll(basePath, os.ModePerm); err != nil {
		return "", nil, err
	}

	filePath := filepath.Join(basePath, "test.db")
	grm, err := openAndMigrate(filePath, l)
	if err != nil {
		return "", nil, err
	}
	return filePath, grm, nil
}

func openAndMigrate(path string, l *zap.Logger) (*gorm.DB, error) {
	grm, err := sqlite.NewGormSqliteFromSqlite(sqlite.NewSqlite(&sqlite.SqliteConfig{Path: path}, l))
	if err != nil {
		return nil, err
	}
	if err := migrations.NewSqliteMigrator(grm, l).MigrateAll(); err != nil {
		return nil, err
	}
	return grm, nil
}
