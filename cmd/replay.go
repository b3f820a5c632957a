package cmd

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/pkg/ledger"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/storage/gormStore"
	"go.uber.org/zap"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild the ledger from persisted transitions and verify every state root",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindSubcommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		if cfg.GetDatabaseDriver() == config.DatabaseDriver_None {
			return fmt.Errorf("replay requires a database driver")
		}
		grm, err := openDatabase(cfg, l)
		if err != nil {
			return err
		}

		ledgerCfg, err := ledger.LedgerConfigFromConfig(cfg)
		if err != nil {
			return err
		}

		// The replayed ledger has no database so nothing is written back.
		lg, err := ledger.NewLedger(ledgerCfg, clockwork.NewRealClock(), nil, nil, nil, l)
		if err != nil {
			return err
		}

		store := gormStore.NewGormTransitionStore(grm, l, cfg)
		transitions, err := store.ListTransitions(0, 0)
		if err != nil {
			return err
		}

		bar := progressbar.Default(int64(len(transitions)), "replaying transitions")
		err = lg.Replay(transitions, cfg.ReplayConfig.VerifyStateRoots, func(t *storage.Transition) {
			_ = bar.Add(1)
		})
		_ = bar.Finish()
		if err != nil {
			return err
		}

		root := lg.GetStateRoot()
		l.Info("Replay complete",
			zap.Uint64("lastSeq", root.Seq),
			zap.String("stateRoot", string(root.StateRoot)),
			zap.Bool("verified", cfg.ReplayConfig.VerifyStateRoots),
		)
		fmt.Printf("seq: %d\nstateRoot: %s\n", root.Seq, root.StateRoot)
		return nil
	},
}
