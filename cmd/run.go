package cmd

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/internal/metrics"
	"github.com/yieldledger/yieldledger/internal/metrics/prometheus"
	"github.com/yieldledger/yieldledger/internal/shutdown"
	"github.com/yieldledger/yieldledger/pkg/eventBus"
	"github.com/yieldledger/yieldledger/pkg/eventBus/eventBusTypes"
	"github.com/yieldledger/yieldledger/pkg/ledger"
	"github.com/yieldledger/yieldledger/pkg/priceOracle"
	"github.com/yieldledger/yieldledger/pkg/roles"
	"github.com/yieldledger/yieldledger/pkg/rpcServer"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/storage/gormStore"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger with its RPC server and price feed",
	Run: func(cmd *cobra.Command, args []string) {
		bindSubcommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		if err := cfg.Validate(); err != nil {
			l.Fatal("Invalid config", zap.Error(err))
		}

		metricsClients, promClient, err := metrics.InitMetricsSinksFromConfig(cfg, l)
		if err != nil {
			l.Fatal("Failed to setup metrics sink", zap.Error(err))
		}
		sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
		if err != nil {
			l.Fatal("Failed to setup metrics sink", zap.Error(err))
		}

		grm, err := openDatabase(cfg, l)
		if err != nil {
			l.Fatal("Failed to open database", zap.Error(err))
		}

		ledgerCfg, err := ledger.LedgerConfigFromConfig(cfg)
		if err != nil {
			l.Fatal("Invalid ledger config", zap.Error(err))
		}

		clock := clockwork.NewRealClock()
		eb := eventBus.NewEventBus(l)

		lg, err := ledger.NewLedger(ledgerCfg, clock, grm, eb, sink, l)
		if err != nil {
			l.Fatal("Failed to create ledger", zap.Error(err))
		}
		if err := lg.Restore(); err != nil {
			l.Fatal("Failed to restore ledger", zap.Error(err))
		}
		l.Info("Ledger restored",
			zap.Uint64("lastSeq", lg.LastSeq()),
			zap.String("stateRoot", string(lg.GetStateRoot().StateRoot)),
		)

		txQueue := ledger.NewTransactionQueue(lg, 100, l)
		go txQueue.Process()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		oracle, hasOracle := oracleCaller(ledgerCfg)
		if lg.LastSeq() == 0 && cfg.OracleConfig.InitialPrice != "" {
			if !hasOracle {
				l.Sugar().Fatalw("An initial price requires an oracle or admin address")
			}
			price, err := numbers.ParseFixedPoint(cfg.OracleConfig.InitialPrice)
			if err != nil {
				l.Fatal("Invalid initial price", zap.Error(err))
			}
			if _, err := txQueue.EnqueueAndWait(ctx, oracle, &ledger.SetPrice{Price: price}); err != nil {
				l.Fatal("Failed to apply the initial price", zap.Error(err))
			}
		}

		mux := runtime.NewServeMux()
		grpcServer := rpcServer.NewGrpcServer(l)
		var transitionStore storage.TransitionStore
		if grm != nil {
			transitionStore = gormStore.NewGormTransitionStore(grm, l, cfg)
		}
		rpc, err := rpcServer.NewRpcServer(ctx, grpcServer, mux, lg, transitionStore, sink, l)
		if err != nil {
			l.Fatal("Failed to create rpc server", zap.Error(err))
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return rpc.Serve(gctx, &rpcServer.RpcServerConfig{
				GrpcPort: cfg.RpcConfig.GrpcPort,
				HttpPort: cfg.RpcConfig.HttpPort,
			}, grpcServer, mux)
		})

		if promClient != nil {
			ps := prometheus.NewPrometheusServer(&prometheus.PrometheusServerConfig{Port: cfg.PrometheusConfig.Port}, promClient.Registry(), l)
			g.Go(func() error {
				return ps.Run(gctx)
			})
		}

		if cfg.OracleConfig.PriceUrl != "" {
			if !hasOracle {
				l.Sugar().Fatalw("The price feed requires an oracle or admin address")
			}
			feed := priceOracle.NewHttpPriceFeed(cfg.OracleConfig.PriceUrl, cfg.OracleConfig.PollInterval, nil, clock, func(ctx context.Context, price *big.Int) error {
				_, err := txQueue.EnqueueAndWait(ctx, oracle, &ledger.SetPrice{Price: price})
				return err
			}, l)
			g.Go(func() error {
				return feed.Run(gctx)
			})
		}

		consumer := eventBus.NewConsumer(gctx, 100)
		eb.Subscribe(consumer)
		g.Go(func() error {
			defer eb.Unsubscribe(consumer)
			return logCommittedTransitions(gctx, consumer, l)
		})

		drained := make(chan struct{})
		go func() {
			if err := g.Wait(); err != nil {
				l.Error("Service exited with error", zap.Error(err))
			}
			close(drained)
		}()

		l.Sugar().Info("Started yieldledger")

		shutdown.ListenForShutdown(gctx, shutdown.CreateGracefulShutdownChannel(), func() {
			l.Sugar().Info("Shutting down...")
			cancel()
			txQueue.Close()
		}, drained, time.Second*5, l)
	},
}

// oracleCaller picks the address price updates are submitted as.
func oracleCaller(cfg *ledger.LedgerConfig) (common.Address, bool) {
	for _, role := range []roles.Role{roles.Role_Oracle, roles.Role_Admin} {
		if addrs := cfg.Roles[role]; len(addrs) > 0 {
			return addrs[0], true
		}
	}
	return common.Address{}, false
}

func logCommittedTransitions(ctx context.Context, consumer *eventBusTypes.Consumer, l *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-consumer.Channel:
			data, ok := event.Data.(*eventBusTypes.TransitionCommittedData)
			if !ok {
				continue
			}
			l.Info("Committed transition",
				zap.Uint64("seq", data.Seq),
				zap.String("name", data.Name),
				zap.String("caller", data.Caller),
				zap.String("stateRoot", data.StateRoot),
				zap.Int("events", len(data.Events)),
			)
		}
	}
}
