package rpcServer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/cors"
	"github.com/yieldledger/yieldledger/internal/metrics"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/epochRewards"
	"github.com/yieldledger/yieldledger/pkg/ledger"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LedgerReader is the read only view of the ledger served over RPC.
type LedgerReader interface {
	GetVaultSummary(asset balances.Asset) (*ledger.VaultSummary, error)
	ConvertToShares(asset balances.Asset, assets *big.Int) (*big.Int, error)
	ConvertToAssets(asset balances.Asset, shares *big.Int) (*big.Int, error)
	GetStreamSummary(asset balances.Asset) (*ledger.StreamSummary, error)
	GetCurrentEpoch() *epochRewards.Epoch
	GetEpoch(index uint64) (*epochRewards.Epoch, error)
	ListEpochs() []*epochRewards.Epoch
	GetClaimStatus(operator common.Address, index uint64) (*ledger.ClaimStatus, error)
	GetStateRoot() *ledger.StateRootSummary
}

type RpcServerConfig struct {
	GrpcPort int
	HttpPort int
}

type RpcServer struct {
	Logger          *zap.Logger
	ledger          LedgerReader
	transitionStore storage.TransitionStore
	metricsSink     *metrics.MetricsSink
	healthServer    *health.Server
}

// NewRpcServer registers the health service and the http routes. ts may be nil when
// the ledger runs without a database, in which case the history routes answer 404.
func NewRpcServer(
	ctx context.Context,
	grpcServer *grpc.Server,
	mux *runtime.ServeMux,
	lr LedgerReader,
	ts storage.TransitionStore,
	ms *metrics.MetricsSink,
	l *zap.Logger,
) (*RpcServer, error) {
	if ms == nil {
		ms = metrics.NewNoopMetricsSink()
	}
	server := &RpcServer{
		Logger:          l,
		ledger:          lr,
		transitionStore: ts,
		metricsSink:     ms,
		healthServer:    health.NewServer(),
	}

	healthpb.RegisterHealthServer(grpcServer, server.healthServer)

	if err := server.registerHandlers(mux); err != nil {
		l.Error("Failed to register http handlers", zap.Error(err))
		return nil, err
	}
	return server, nil
}

// NewGrpcServer creates a grpc server that logs every call and recovers from handler panics.
func NewGrpcServer(l *zap.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_zap.UnaryServerInterceptor(l),
			grpc_recovery.UnaryServerInterceptor(),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_zap.StreamServerInterceptor(l),
			grpc_recovery.StreamServerInterceptor(),
		)),
	)
}

// Handler wraps the gateway mux with CORS.
func (rpc *RpcServer) Handler(mux *runtime.ServeMux) http.Handler {
	return cors.AllowAll().Handler(mux)
}

// Serve runs the grpc and http listeners until ctx is cancelled.
func (rpc *RpcServer) Serve(ctx context.Context, cfg *RpcServerConfig, grpcServer *grpc.Server, mux *runtime.ServeMux) error {
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GrpcPort))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %d: %w", cfg.GrpcPort, err)
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HttpPort),
		Handler:           rpc.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rpc.Logger.Info("Starting grpc server", zap.Int("port", cfg.GrpcPort))
		rpc.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		rpc.Logger.Info("Starting http server", zap.Int("port", cfg.HttpPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rpc.Logger.Sugar().Infow("Stopping rpc servers")
		rpc.healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}
