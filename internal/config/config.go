package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const ENV_PREFIX = "YIELDLEDGER"

type RemainderPolicy string

const (
	// RemainderPolicy_Reset leaves the unstreamed remainder of an overtaken claim in the streamer until it is swept.
	RemainderPolicy_Reset RemainderPolicy = "reset"
	// RemainderPolicy_Carry folds the unstreamed remainder into the next stream.
	RemainderPolicy_Carry RemainderPolicy = "carry"
)

type SanctionsEnforcement string

const (
	SanctionsEnforcement_Revert SanctionsEnforcement = "revert"
	SanctionsEnforcement_Log    SanctionsEnforcement = "log"
)

type DatabaseDriver string

const (
	DatabaseDriver_Postgres DatabaseDriver = "postgres"
	DatabaseDriver_Sqlite   DatabaseDriver = "sqlite"
	DatabaseDriver_None     DatabaseDriver = "none"
)

const DefaultStreamingInterval = 28 * 24 * time.Hour

type Config struct {
	Debug            bool
	DatabaseConfig   DatabaseConfig
	SqliteConfig     SqliteConfig
	StreamerConfig   StreamerConfig
	VaultsConfig     VaultsConfig
	SanctionsConfig  SanctionsConfig
	OracleConfig     OracleConfig
	RolesConfig      RolesConfig
	RpcConfig        RpcConfig
	PrometheusConfig PrometheusConfig
	DataDogConfig    DataDogConfig
	ReplayConfig     ReplayConfig
	ExportConfig     ExportConfig
}

type DatabaseConfig struct {
	Driver     DatabaseDriver
	Host       string
	Port       int
	User       string
	Password   string
	DbName     string
	SchemaName string
	SslMode    string
}

type SqliteConfig struct {
	Path string
}

type StreamerConfig struct {
	Interval        time.Duration
	RemainderPolicy RemainderPolicy
}

// VaultConfig holds the initial parameters of a vault. Percentages are decimal
// fractions ("0.1") or percent strings ("10%").
type VaultConfig struct {
	LiquidityReservePercent string
	TreasuryFeePercent      string
	OperatorFeePercent      string
	MintFeePercent          string
	DepositsEnabled         bool
}

type VaultsConfig struct {
	Eth                  VaultConfig
	Rpl                  VaultConfig
	MinWethRplRatio      string
	MaxWethRplRatio      string
	EnforceCoverageRatio bool
}

type SanctionsConfig struct {
	Enforcement SanctionsEnforcement
}

type OracleConfig struct {
	InitialPrice string
	PriceUrl     string
	PollInterval time.Duration
}

type RolesConfig struct {
	Admin           []string
	Protocol        []string
	Treasurer       []string
	Timelock        []string
	Oracle          []string
	TreasuryAddress string
}

type RpcConfig struct {
	GrpcPort int
	HttpPort int
}

type PrometheusConfig struct {
	Enabled bool
	Port    int
}

type DataDogConfig struct {
	StatsdConfig StatsdConfig
}

type StatsdConfig struct {
	Enabled    bool
	Url        string
	SampleRate float64
}

type ReplayConfig struct {
	VerifyStateRoots bool
}

type ExportConfig struct {
	OutputFile string
}

func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}

func normalizeFlagName(name string) string {
	return KebabToSnakeCase(name)
}

var (
	Debug = "debug"

	DatabaseDriver_    = "database.driver"
	DatabaseHost       = "database.host"
	DatabasePort       = "database.port"
	DatabaseUser       = "database.user"
	DatabasePassword   = "database.password"
	DatabaseDbName     = "database.db_name"
	DatabaseSchemaName = "database.schema_name"
	DatabaseSslMode    = "database.ssl_mode"

	SqlitePath = "sqlite.path"

	StreamerInterval        = "streamer.interval"
	StreamerRemainderPolicy = "streamer.remainder-policy"

	VaultsEthLiquidityReservePercent = "vaults.eth.liquidity-reserve-percent"
	VaultsEthTreasuryFeePercent      = "vaults.eth.treasury-fee-percent"
	VaultsEthOperatorFeePercent      = "vaults.eth.operator-fee-percent"
	VaultsEthMintFeePercent          = "vaults.eth.mint-fee-percent"
	VaultsEthDepositsEnabled         = "vaults.eth.deposits-enabled"
	VaultsRplLiquidityReservePercent = "vaults.rpl.liquidity-reserve-percent"
	VaultsRplTreasuryFeePercent      = "vaults.rpl.treasury-fee-percent"
	VaultsRplOperatorFeePercent      = "vaults.rpl.operator-fee-percent"
	VaultsRplMintFeePercent          = "vaults.rpl.mint-fee-percent"
	VaultsRplDepositsEnabled         = "vaults.rpl.deposits-enabled"
	VaultsMinWethRplRatio            = "vaults.min-weth-rpl-ratio"
	VaultsMaxWethRplRatio            = "vaults.max-weth-rpl-ratio"
	VaultsEnforceCoverageRatio       = "vaults.enforce-coverage-ratio"

	SanctionsEnforcement_ = "sanctions.enforcement"

	OracleInitialPrice = "oracle.initial-price"
	OraclePriceUrl     = "oracle.price-url"
	OraclePollInterval = "oracle.poll-interval"

	RolesAdmin           = "roles.admin"
	RolesProtocol        = "roles.protocol"
	RolesTreasurer       = "roles.treasurer"
	RolesTimelock        = "roles.timelock"
	RolesOracle          = "roles.oracle"
	RolesTreasuryAddress = "roles.treasury-address"

	RpcGrpcPort = "rpc.grpc-port"
	RpcHttpPort = "rpc.http-port"

	PrometheusEnabled = "prometheus.enabled"
	PrometheusPort    = "prometheus.port"

	DataDogStatsdEnabled    = "datadog.statsd.enabled"
	DataDogStatsdUrl        = "datadog.statsd.url"
	DataDogStatsdSampleRate = "datadog.statsd.sample_rate"

	ReplayVerifyStateRoots = "replay.verify-state-roots"

	ExportOutputFile = "output"
)

func NewConfig() *Config {
	return &Config{
		Debug: viper.GetBool(normalizeFlagName(Debug)),

		DatabaseConfig: DatabaseConfig{
			Driver:     DatabaseDriver(viper.GetString(normalizeFlagName(DatabaseDriver_))),
			Host:       viper.GetString(normalizeFlagName(DatabaseHost)),
			Port:       viper.GetInt(normalizeFlagName(DatabasePort)),
			User:       viper.GetString(normalizeFlagName(DatabaseUser)),
			Password:   viper.GetString(normalizeFlagName(DatabasePassword)),
			DbName:     viper.GetString(normalizeFlagName(DatabaseDbName)),
			SchemaName: viper.GetString(normalizeFlagName(DatabaseSchemaName)),
			SslMode:    viper.GetString(normalizeFlagName(DatabaseSslMode)),
		},

		SqliteConfig: SqliteConfig{
			Path: viper.GetString(normalizeFlagName(SqlitePath)),
		},

		StreamerConfig: StreamerConfig{
			Interval:        viper.GetDuration(normalizeFlagName(StreamerInterval)),
			RemainderPolicy: RemainderPolicy(viper.GetString(normalizeFlagName(StreamerRemainderPolicy))),
		},

		VaultsConfig: VaultsConfig{
			Eth: VaultConfig{
				LiquidityReservePercent: viper.GetString(normalizeFlagName(VaultsEthLiquidityReservePercent)),
				TreasuryFeePercent:      viper.GetString(normalizeFlagName(VaultsEthTreasuryFeePercent)),
				OperatorFeePercent:      viper.GetString(normalizeFlagName(VaultsEthOperatorFeePercent)),
				MintFeePercent:          viper.GetString(normalizeFlagName(VaultsEthMintFeePercent)),
				DepositsEnabled:         viper.GetBool(normalizeFlagName(VaultsEthDepositsEnabled)),
			},
			Rpl: VaultConfig{
				LiquidityReservePercent: viper.GetString(normalizeFlagName(VaultsRplLiquidityReservePercent)),
				TreasuryFeePercent:      viper.GetString(normalizeFlagName(VaultsRplTreasuryFeePercent)),
				OperatorFeePercent:      viper.GetString(normalizeFlagName(VaultsRplOperatorFeePercent)),
				MintFeePercent:          viper.GetString(normalizeFlagName(VaultsRplMintFeePercent)),
				DepositsEnabled:         viper.GetBool(normalizeFlagName(VaultsRplDepositsEnabled)),
			},
			MinWethRplRatio:      viper.GetString(normalizeFlagName(VaultsMinWethRplRatio)),
			MaxWethRplRatio:      viper.GetString(normalizeFlagName(VaultsMaxWethRplRatio)),
			EnforceCoverageRatio: viper.GetBool(normalizeFlagName(VaultsEnforceCoverageRatio)),
		},

		SanctionsConfig: SanctionsConfig{
			Enforcement: SanctionsEnforcement(viper.GetString(normalizeFlagName(SanctionsEnforcement_))),
		},

		OracleConfig: OracleConfig{
			InitialPrice: viper.GetString(normalizeFlagName(OracleInitialPrice)),
			PriceUrl:     viper.GetString(normalizeFlagName(OraclePriceUrl)),
			PollInterval: viper.GetDuration(normalizeFlagName(OraclePollInterval)),
		},

		RolesConfig: RolesConfig{
			Admin:           viper.GetStringSlice(normalizeFlagName(RolesAdmin)),
			Protocol:        viper.GetStringSlice(normalizeFlagName(RolesProtocol)),
			Treasurer:       viper.GetStringSlice(normalizeFlagName(RolesTreasurer)),
			Timelock:        viper.GetStringSlice(normalizeFlagName(RolesTimelock)),
			Oracle:          viper.GetStringSlice(normalizeFlagName(RolesOracle)),
			TreasuryAddress: viper.GetString(normalizeFlagName(RolesTreasuryAddress)),
		},

		RpcConfig: RpcConfig{
			GrpcPort: viper.GetInt(normalizeFlagName(RpcGrpcPort)),
			HttpPort: viper.GetInt(normalizeFlagName(RpcHttpPort)),
		},

		PrometheusConfig: PrometheusConfig{
			Enabled: viper.GetBool(normalizeFlagName(PrometheusEnabled)),
			Port:    viper.GetInt(normalizeFlagName(PrometheusPort)),
		},

		DataDogConfig: DataDogConfig{
			StatsdConfig: StatsdConfig{
				Enabled:    viper.GetBool(normalizeFlagName(DataDogStatsdEnabled)),
				Url:        viper.GetString(normalizeFlagName(DataDogStatsdUrl)),
				SampleRate: viper.GetFloat64(normalizeFlagName(DataDogStatsdSampleRate)),
			},
		},

		ReplayConfig: ReplayConfig{
			VerifyStateRoots: viper.GetBool(normalizeFlagName(ReplayVerifyStateRoots)),
		},

		ExportConfig: ExportConfig{
			OutputFile: viper.GetString(normalizeFlagName(ExportOutputFile)),
		},
	}
}

// GetStreamingInterval returns the configured streaming interval, falling back to 28 days.
func (c *Config) GetStreamingInterval() time.Duration {
	if c.StreamerConfig.Interval == 0 {
		return DefaultStreamingInterval
	}
	return c.StreamerConfig.Interval
}

func (c *Config) GetRemainderPolicy() RemainderPolicy {
	if c.StreamerConfig.RemainderPolicy == "" {
		return RemainderPolicy_Reset
	}
	return c.StreamerConfig.RemainderPolicy
}

func (c *Config) GetSanctionsEnforcement() SanctionsEnforcement {
	if c.SanctionsConfig.Enforcement == "" {
		return SanctionsEnforcement_Revert
	}
	return c.SanctionsConfig.Enforcement
}

func (c *Config) GetDatabaseDriver() DatabaseDriver {
	if c.DatabaseConfig.Driver == "" {
		return DatabaseDriver_Postgres
	}
	return c.DatabaseConfig.Driver
}

// Validate checks the enum valued settings.
func (c *Config) Validate() error {
	switch c.GetRemainderPolicy() {
	case RemainderPolicy_Reset, RemainderPolicy_Carry:
	default:
		return fmt.Errorf("invalid streamer remainder policy '%s'", c.StreamerConfig.RemainderPolicy)
	}
	switch c.GetSanctionsEnforcement() {
	case SanctionsEnforcement_Revert, SanctionsEnforcement_Log:
	default:
		return fmt.Errorf("invalid sanctions enforcement mode '%s'", c.SanctionsConfig.Enforcement)
	}
	switch c.GetDatabaseDriver() {
	case DatabaseDriver_Postgres, DatabaseDriver_Sqlite, DatabaseDriver_None:
	default:
		return fmt.Errorf("invalid database driver '%s'", c.DatabaseConfig.Driver)
	}
	return nil
}
