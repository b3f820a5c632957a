package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yieldledger/yieldledger/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "yieldledger",
	Short: "Yieldledger runs the liquid staking vault ledger and serves its state",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initConfig(rootCmd)

	rootCmd.PersistentFlags().Bool(config.Debug, false, `"true" or "false"`)

	rootCmd.PersistentFlags().String(config.DatabaseDriver_, string(config.DatabaseDriver_Postgres), `Database driver (postgres, sqlite, none)`)
	rootCmd.PersistentFlags().String(config.DatabaseHost, "localhost", `PostgreSQL host`)
	rootCmd.PersistentFlags().Int(config.DatabasePort, 5432, `PostgreSQL port`)
	rootCmd.PersistentFlags().String(config.DatabaseUser, "yieldledger", `PostgreSQL username`)
	rootCmd.PersistentFlags().String(config.DatabasePassword, "", `PostgreSQL password`)
	rootCmd.PersistentFlags().String(config.DatabaseDbName, "yieldledger", `PostgreSQL database name`)
	rootCmd.PersistentFlags().String(config.DatabaseSchemaName, "", `PostgreSQL schema name (default "public")`)
	rootCmd.PersistentFlags().String(config.DatabaseSslMode, "disable", `PostgreSQL ssl mode`)
	rootCmd.PersistentFlags().String(config.SqlitePath, "", `Path to the sqlite database file (in memory when empty)`)

	rootCmd.PersistentFlags().Duration(config.StreamerInterval, config.DefaultStreamingInterval, `Duration over which a claim's net amount is streamed into the vaults`)
	rootCmd.PersistentFlags().String(config.StreamerRemainderPolicy, string(config.RemainderPolicy_Reset), `What happens to an unstreamed remainder when a new claim arrives (reset, carry)`)

	rootCmd.PersistentFlags().String(config.VaultsEthLiquidityReservePercent, "0.1", `Share of ETH vault assets kept liquid, e.g. "0.1" or "10%"`)
	rootCmd.PersistentFlags().String(config.VaultsEthTreasuryFeePercent, "0", `Treasury share of ETH claims`)
	rootCmd.PersistentFlags().String(config.VaultsEthOperatorFeePercent, "0", `Operator share of ETH claims`)
	rootCmd.PersistentFlags().String(config.VaultsEthMintFeePercent, "0", `Fee taken from ETH deposits`)
	rootCmd.PersistentFlags().Bool(config.VaultsEthDepositsEnabled, true, `Accept ETH deposits`)
	rootCmd.PersistentFlags().String(config.VaultsRplLiquidityReservePercent, "0.1", `Share of RPL vault assets kept liquid`)
	rootCmd.PersistentFlags().String(config.VaultsRplTreasuryFeePercent, "0", `Treasury share of RPL claims`)
	rootCmd.PersistentFlags().String(config.VaultsRplOperatorFeePercent, "0", `Operator share of RPL claims (must be zero)`)
	rootCmd.PersistentFlags().String(config.VaultsRplMintFeePercent, "0", `Fee taken from RPL deposits`)
	rootCmd.PersistentFlags().Bool(config.VaultsRplDepositsEnabled, true, `Accept RPL deposits`)
	rootCmd.PersistentFlags().String(config.VaultsMinWethRplRatio, "", `Lower bound of RPL vault value over ETH vault value`)
	rootCmd.PersistentFlags().String(config.VaultsMaxWethRplRatio, "", `Upper bound of RPL vault value over ETH vault value`)
	rootCmd.PersistentFlags().Bool(config.VaultsEnforceCoverageRatio, false, `Reject RPL deposits and ETH withdrawals that leave the coverage band`)

	rootCmd.PersistentFlags().String(config.SanctionsEnforcement_, string(config.SanctionsEnforcement_Revert), `Handling of sanctioned addresses (revert, log)`)

	rootCmd.PersistentFlags().String(config.OracleInitialPrice, "", `RPL price in ETH applied before the first transition, e.g. "0.0061"`)
	rootCmd.PersistentFlags().String(config.OraclePriceUrl, "", `URL returning {"price": "<decimal>"} polled by the price feed`)
	rootCmd.PersistentFlags().Duration(config.OraclePollInterval, 0, `How often the price feed polls (default 1m)`)

	rootCmd.PersistentFlags().StringSlice(config.RolesAdmin, nil, `Admin addresses`)
	rootCmd.PersistentFlags().StringSlice(config.RolesProtocol, nil, `Protocol addresses`)
	rootCmd.PersistentFlags().StringSlice(config.RolesTreasurer, nil, `Treasurer addresses`)
	rootCmd.PersistentFlags().StringSlice(config.RolesTimelock, nil, `Timelock addresses`)
	rootCmd.PersistentFlags().StringSlice(config.RolesOracle, nil, `Oracle addresses`)
	rootCmd.PersistentFlags().String(config.RolesTreasuryAddress, "", `Address receiving treasury fees`)

	rootCmd.PersistentFlags().Int(config.RpcGrpcPort, 7100, `gRPC port`)
	rootCmd.PersistentFlags().Int(config.RpcHttpPort, 7101, `http rpc port`)

	rootCmd.PersistentFlags().Bool(config.DataDogStatsdEnabled, false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().String(config.DataDogStatsdUrl, "", `e.g. "localhost:8125"`)
	rootCmd.PersistentFlags().Float64(config.DataDogStatsdSampleRate, 1.0, `The sample rate to use for statsd metrics`)

	rootCmd.PersistentFlags().Bool(config.PrometheusEnabled, false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().Int(config.PrometheusPort, 2112, `The port to run the prometheus server on`)

	// setup sub commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runVersionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(exportEpochsCmd)

	// bind any subcommand flags
	replayCmd.PersistentFlags().Bool(config.ReplayVerifyStateRoots, true, `Fail when a replayed state root differs from the persisted one`)
	exportEpochsCmd.PersistentFlags().String(config.ExportOutputFile, "", `Path to write the csv to (stdout when empty)`)

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		key := config.KebabToSnakeCase(f.Name)
		viper.BindPFlag(key, f) //nolint:errcheck
		viper.BindEnv(key)      //nolint:errcheck
	})
}

func initConfig(cmd *cobra.Command) {
	viper.SetEnvPrefix(config.ENV_PREFIX)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.AutomaticEnv()
}

// bindSubcommandFlags binds the flags declared on a subcommand, which the root VisitAll does not see.
func bindSubcommandFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s' - %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(config.KebabToSnakeCase(f.Name)); err != nil {
			fmt.Printf("Failed to bind env '%s' - %+v\n", f.Name, err)
		}
	})
}
