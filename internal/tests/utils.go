package tests

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/yieldledger/yieldledger/internal/config"
)

func getEnvOrDefault(key string, def string) string {
	if v := os.Getenv(fmt.Sprintf("%s_%s", config.ENV_PREFIX, key)); v != "" {
		return v
	}
	return def
}

// GetDbConfigFromEnv builds a postgres config for integration tests from YIELDLEDGER_DATABASE_* env vars.
func GetDbConfigFromEnv() *config.DatabaseConfig {
	port, err := strconv.Atoi(getEnvOrDefault("DATABASE_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return &config.DatabaseConfig{
		Driver:   config.DatabaseDriver_Postgres,
		Host:     getEnvOrDefault("DATABASE_HOST", "localhost"),
		Port:     port,
		User:     getEnvOrDefault("DATABASE_USER", ""),
		Password: getEnvOrDefault("DATABASE_PASSWORD", ""),
		DbName:   getEnvOrDefault("DATABASE_DB_NAME", "yieldledger"),
	}
}

// PostgresTestsEnabled reports whether the postgres integration tests should run.
func PostgresTestsEnabled() bool {
	return os.Getenv(fmt.Sprintf("%s_TEST_POSTGRES", config.ENV_PREFIX)) == "true"
}

func GenerateTestDbName() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("test_%s", strings.ReplaceAll(id.String(), "-", "")), nil
}
