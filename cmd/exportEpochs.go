package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/storage/gormStore"
	"go.uber.org/zap"
)

var exportEpochsCmd = &cobra.Command{
	Use:   "export-epochs",
	Short: "Write every persisted reward epoch as csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindSubcommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		if cfg.GetDatabaseDriver() == config.DatabaseDriver_None {
			return fmt.Errorf("export-epochs requires a database driver")
		}
		grm, err := openDatabase(cfg, l)
		if err != nil {
			return err
		}

		epochs, err := gormStore.NewGormTransitionStore(grm, l, cfg).ListEpochs()
		if err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if cfg.ExportConfig.OutputFile != "" {
			f, err := os.Create(cfg.ExportConfig.OutputFile)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if err := writeEpochsCsv(out, epochs); err != nil {
			return err
		}
		l.Info("Exported epochs", zap.Int("count", len(epochs)), zap.String("output", cfg.ExportConfig.OutputFile))
		return nil
	},
}

func writeEpochsCsv(w io.Writer, epochs []*storage.Epoch) error {
	return gocsv.Marshal(epochs, w)
}
